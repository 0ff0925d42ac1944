package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestDefaultConfigValidates(t *testing.T) {
	cfg := DefaultConfig()
	require.NoError(t, cfg.Validate())
	require.Equal(t, TransportWebSocket, cfg.Push.Transport)
	require.Equal(t, 20, cfg.History.PageSize)
	require.Equal(t, filepath.Join(cfg.Global.DataDir, "state.json"), cfg.StatePath())
	require.Equal(t, filepath.Join(cfg.Global.DataDir, "cache.db"), cfg.CachePath())
}

func TestValidateRejectsBadValues(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"unknown transport", func(c *Config) { c.Push.Transport = "carrier-pigeon" }},
		{"nats without subject", func(c *Config) { c.Push.Transport = TransportNATS; c.Push.Subject = " " }},
		{"tiny reconnect", func(c *Config) { c.Push.ReconnectInterval = time.Millisecond }},
		{"zero page size", func(c *Config) { c.History.PageSize = 0 }},
		{"huge page size", func(c *Config) { c.History.PageSize = 1000 }},
		{"bad timezone", func(c *Config) { c.Store.Timezone = "Mars/Olympus_Mons" }},
		{"short idle", func(c *Config) { c.Presence.IdleTimeout = 10 * time.Millisecond }},
		{"no jump attempts", func(c *Config) { c.Scroll.JumpAttempts = 0 }},
		{"negative threshold", func(c *Config) { c.Scroll.BottomThreshold = -1 }},
		{"empty preview", func(c *Config) { c.Notifications.PreviewLength = 0 }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tt.mutate(cfg)
			require.Error(t, cfg.Validate())
		})
	}
}

func TestLocation(t *testing.T) {
	cfg := DefaultConfig()
	loc, err := cfg.Location()
	require.NoError(t, err)
	require.Equal(t, time.Local, loc)

	cfg.Store.Timezone = "UTC"
	loc, err = cfg.Location()
	require.NoError(t, err)
	require.Equal(t, "UTC", loc.String())
}

func TestLoaderPrecedence(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	content := `
identity:
  user_id: from-file
push:
  transport: nats
  url: nats://file:4222
  subject: chat.user
history:
  page_size: 50
  timeout: 3s
scroll:
  jump_backoff: 250ms
state:
  path: ~/chatsync-state.json
`
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))

	t.Setenv("CHATSYNC_PUSH_URL", "nats://env:4222")
	t.Setenv("CHATSYNC_LOGGING_LEVEL", "debug")

	loader := NewLoader()
	loader.SetConfigFile(path)
	loader.Set("history.page_size", 25)

	cfg, err := loader.Load()
	require.NoError(t, err)
	require.Equal(t, path, loader.ConfigFileUsed())

	require.Equal(t, "from-file", cfg.Identity.UserID)
	require.Equal(t, TransportNATS, cfg.Push.Transport)
	require.Equal(t, "nats://env:4222", cfg.Push.URL, "env wins over file")
	require.Equal(t, 25, cfg.History.PageSize, "explicit set wins over file")
	require.Equal(t, 3*time.Second, cfg.History.Timeout)
	require.Equal(t, 250*time.Millisecond, cfg.Scroll.JumpBackoff)
	require.Equal(t, "debug", cfg.Logging.Level)

	home, err := os.UserHomeDir()
	require.NoError(t, err)
	require.Equal(t, filepath.Join(home, "chatsync-state.json"), cfg.State.Path)
}

func TestLoaderMissingExplicitFile(t *testing.T) {
	_, err := LoadFromFile(filepath.Join(t.TempDir(), "missing.yaml"))
	require.Error(t, err)
}

func TestLoaderRejectsInvalidFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte("push:\n  transport: smoke-signal\n"), 0o644))

	_, err := LoadFromFile(path)
	require.ErrorContains(t, err, "push.transport")
}

func TestEnvVar(t *testing.T) {
	require.Equal(t, "CHATSYNC_PUSH_URL", EnvVar("push.url"))
	require.Equal(t, "CHATSYNC_SCROLL_JUMP_BACKOFF", EnvVar("scroll.jump_backoff"))
}
