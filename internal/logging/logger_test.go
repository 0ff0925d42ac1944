package logging

import (
	"bytes"
	"encoding/json"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"
)

func TestParseLevel(t *testing.T) {
	cases := map[string]zerolog.Level{
		"debug":   zerolog.DebugLevel,
		" WARN ":  zerolog.WarnLevel,
		"warning": zerolog.WarnLevel,
		"off":     zerolog.Disabled,
		"trace":   zerolog.TraceLevel,
		"":        zerolog.InfoLevel,
		"loud":    zerolog.InfoLevel,
	}
	for in, want := range cases {
		require.Equal(t, want, parseLevel(in), in)
	}
}

func TestComponentAndSessionFields(t *testing.T) {
	t.Cleanup(func() { Init(DefaultConfig()) })

	var buf bytes.Buffer
	Init(Config{Level: "debug", Format: "json", Output: &buf})

	logger := WithSession(Component("engine"), "s-1")
	logger.Info().Msg("started")

	var line map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &line))
	require.Equal(t, "engine", line["component"])
	require.Equal(t, "s-1", line["session_id"])
	require.Equal(t, "started", line["message"])
}
