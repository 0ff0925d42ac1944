package cli

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/require"

	"github.com/tOgg1/chatsync/internal/config"
	"github.com/tOgg1/chatsync/internal/db"
	"github.com/tOgg1/chatsync/internal/models"
	"github.com/tOgg1/chatsync/internal/notify"
	"github.com/tOgg1/chatsync/internal/push"
	"github.com/tOgg1/chatsync/internal/state"
)

type testEnv struct {
	dir        string
	configPath string
	statePath  string
	cachePath  string
}

// newTestEnv writes a config file into a temp dir and isolates HOME so no
// real config is picked up.
func newTestEnv(t *testing.T, extra string) testEnv {
	t.Helper()
	dir := t.TempDir()
	t.Setenv("HOME", dir)
	t.Setenv("XDG_CONFIG_HOME", filepath.Join(dir, "xdg"))
	t.Setenv("CHATSYNC_IDENTITY_USER_ID", "")

	env := testEnv{
		dir:        dir,
		configPath: filepath.Join(dir, "config.yaml"),
		statePath:  filepath.Join(dir, "state.json"),
		cachePath:  filepath.Join(dir, "cache.db"),
	}
	yaml := "global:\n" +
		"  data_dir: " + filepath.Join(dir, "data") + "\n" +
		"  config_dir: " + filepath.Join(dir, "config") + "\n" +
		"state:\n" +
		"  path: " + env.statePath + "\n" +
		"cache:\n" +
		"  path: " + env.cachePath + "\n" +
		"logging:\n" +
		"  level: error\n" +
		extra
	require.NoError(t, os.WriteFile(env.configPath, []byte(yaml), 0o644))
	return env
}

func runCLI(ctx context.Context, args ...string) (string, error) {
	cmd := newRootCmd("test")
	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetErr(&out)
	cmd.SetIn(strings.NewReader(""))
	cmd.SetArgs(args)
	err := cmd.ExecuteContext(ctx)
	return out.String(), err
}

func encodeFrame(t *testing.T, event string, data any) string {
	t.Helper()
	frame, err := push.Encode(event, data)
	require.NoError(t, err)
	return string(frame)
}

// writeFrames writes a capture with a channel, a direct message, a group
// mention, a mute and one malformed frame.
func writeFrames(t *testing.T, dir string) string {
	t.Helper()
	base := time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC)
	lines := []string{
		"# captured from staging",
		encodeFrame(t, push.EventChannelAdded, map[string]any{"channel_id": "ops", "name": "Ops"}),
		"",
		encodeFrame(t, push.EventReceiveMessage, models.Message{
			ID: "m1", SenderID: "alice", RecipientID: "me", Body: "hi there", CreatedAt: base,
		}),
		encodeFrame(t, push.EventReceiveMessage, models.Message{
			ID: "g1", SenderID: "bob", ChannelID: "ops", Body: "ping\n@me", Mentions: []string{"me"}, CreatedAt: base.Add(time.Minute),
		}),
		encodeFrame(t, push.EventChatMuted, map[string]any{"conversation_kind": "direct", "conversation_id": "alice", "duration_seconds": 3600}),
		`{"event":"receive-message","data":{}}`,
	}
	path := filepath.Join(dir, "frames.jsonl")
	require.NoError(t, os.WriteFile(path, []byte(strings.Join(lines, "\n")+"\n"), 0o644))
	return path
}

func findConversation(convs []models.Conversation, key string) *models.Conversation {
	for i := range convs {
		if convs[i].Key.String() == key {
			return &convs[i]
		}
	}
	return nil
}

func TestReplayPrintsDirectory(t *testing.T) {
	env := newTestEnv(t, "")
	frames := writeFrames(t, env.dir)

	out, err := runCLI(context.Background(), "replay", frames, "--user", "me", "--config", env.configPath)
	require.NoError(t, err)

	require.Contains(t, out, "CONVERSATION")
	require.Contains(t, out, "LAST MESSAGE")
	require.Contains(t, out, "group:ops")
	require.Contains(t, out, "direct:alice")
	require.Contains(t, out, "ping @me")
	require.Contains(t, out, "5 frames, 2 sounds, 0 notifications")

	for _, line := range strings.Split(out, "\n") {
		if strings.HasPrefix(line, "direct:alice") {
			fields := strings.Fields(line)
			require.Contains(t, fields, "1")
			require.Contains(t, fields, "yes")
		}
	}

	_, err = os.Stat(env.statePath)
	require.True(t, os.IsNotExist(err), "replay must not persist state")
}

func TestReplayJSON(t *testing.T) {
	env := newTestEnv(t, "")
	frames := writeFrames(t, env.dir)

	out, err := runCLI(context.Background(), "replay", frames, "--user", "me", "--config", env.configPath, "--json", "--hidden")
	require.NoError(t, err)

	var summary replaySummary
	require.NoError(t, json.Unmarshal([]byte(out), &summary))
	require.Equal(t, 5, summary.Frames)
	require.Equal(t, 2, summary.Sounds)
	require.Len(t, summary.Notifications, 2)
	require.Len(t, summary.Conversations, 2)

	ops := findConversation(summary.Conversations, "group:ops")
	require.NotNil(t, ops)
	require.Equal(t, 1, ops.UnreadCount)
	require.True(t, ops.HasUnreadMentions)

	alice := findConversation(summary.Conversations, "direct:alice")
	require.NotNil(t, alice)
	require.NotNil(t, alice.Mute)
}

func TestReplaySelectedConversationStaysRead(t *testing.T) {
	env := newTestEnv(t, "")
	frames := writeFrames(t, env.dir)

	out, err := runCLI(context.Background(), "replay", frames, "--user", "me", "--config", env.configPath, "--json", "--select", "direct:alice")
	require.NoError(t, err)

	var summary replaySummary
	require.NoError(t, json.Unmarshal([]byte(out), &summary))
	require.Equal(t, 1, summary.Sounds)

	alice := findConversation(summary.Conversations, "direct:alice")
	require.NotNil(t, alice)
	require.Zero(t, alice.UnreadCount)
}

func TestReplayRequiresUser(t *testing.T) {
	env := newTestEnv(t, "")
	frames := writeFrames(t, env.dir)

	_, err := runCLI(context.Background(), "replay", frames, "--config", env.configPath)
	require.ErrorContains(t, err, "identity.user_id")
}

func TestReplayRejectsBadSelection(t *testing.T) {
	env := newTestEnv(t, "")
	frames := writeFrames(t, env.dir)

	_, err := runCLI(context.Background(), "replay", frames, "--user", "me", "--config", env.configPath, "--select", "nope")
	require.Error(t, err)
}

func TestMissingConfigFile(t *testing.T) {
	env := newTestEnv(t, "")

	_, err := runCLI(context.Background(), "state", "--config", filepath.Join(env.dir, "missing.yaml"))
	require.Error(t, err)
}

func TestStateToggles(t *testing.T) {
	env := newTestEnv(t, "")
	raw, err := os.ReadFile(env.configPath)
	require.NoError(t, err)
	raw = bytes.Replace(raw, []byte("cache:\n"), []byte("cache:\n  enabled: false\n"), 1)
	require.NoError(t, os.WriteFile(env.configPath, raw, 0o644))

	out, err := runCLI(context.Background(), "state", "--config", env.configPath, "--sound", "off")
	require.NoError(t, err)
	require.Contains(t, out, env.statePath)
	require.NotContains(t, out, "cache file")

	out, err = runCLI(context.Background(), "state", "--config", env.configPath, "--json")
	require.NoError(t, err)

	var report stateReport
	require.NoError(t, json.Unmarshal([]byte(out), &report))
	require.Equal(t, env.statePath, report.Path)
	require.False(t, report.State.Preferences.Sound)
	require.True(t, report.State.Preferences.Notifications)
	require.Nil(t, report.Cache)

	_, err = runCLI(context.Background(), "state", "--config", env.configPath, "--notifications", "maybe")
	require.ErrorContains(t, err, "--notifications must be on or off")
}

func TestStateReportsCache(t *testing.T) {
	env := newTestEnv(t, "")
	ctx := context.Background()

	database, err := db.Open(db.Config{Path: env.cachePath})
	require.NoError(t, err)
	_, err = database.MigrateUp(ctx)
	require.NoError(t, err)
	key := models.ConversationKey{Kind: models.ConversationDirect, ID: "alice"}
	page := models.Page{Messages: []models.Message{
		{ID: "m1", SenderID: "alice", RecipientID: "me", Body: "one", CreatedAt: time.Now()},
		{ID: "m2", SenderID: "alice", RecipientID: "me", Body: "two", CreatedAt: time.Now()},
	}, NextOffset: 2}
	require.NoError(t, db.NewPageRepository(database).SavePage(ctx, key, 0, page))
	require.NoError(t, database.Close())

	out, err := runCLI(ctx, "state", "--config", env.configPath, "--json")
	require.NoError(t, err)

	var report stateReport
	require.NoError(t, json.Unmarshal([]byte(out), &report))
	require.NotNil(t, report.Cache)
	require.Equal(t, db.CacheStats{Conversations: 1, Pages: 1, Messages: 2}, report.Cache.Stats)

	out, err = runCLI(ctx, "state", "--config", env.configPath)
	require.NoError(t, err)
	require.Contains(t, out, "cached messages")
}

func TestWatchRequiresUser(t *testing.T) {
	env := newTestEnv(t, "")

	_, err := runCLI(context.Background(), "watch", "--config", env.configPath)
	require.ErrorContains(t, err, "identity.user_id")
}

func TestWatchRequiresPushURL(t *testing.T) {
	env := newTestEnv(t, "")

	_, err := runCLI(context.Background(), "watch", "--config", env.configPath, "--user", "me", "--quiet")
	require.ErrorContains(t, err, "websocket url is required")
}

type syncBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *syncBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *syncBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

func TestWatchStreamsEvents(t *testing.T) {
	frame := encodeFrame(t, push.EventReceiveMessage, models.Message{
		ID: "m1", SenderID: "alice", RecipientID: "me", Body: "hello", CreatedAt: time.Now().UTC(),
	})
	upgrader := websocket.Upgrader{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		if err := conn.WriteMessage(websocket.TextMessage, []byte(frame)); err != nil {
			return
		}
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}))
	defer srv.Close()

	env := newTestEnv(t, "push:\n  url: ws"+strings.TrimPrefix(srv.URL, "http")+"\n")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	cmd := newRootCmd("test")
	out := &syncBuffer{}
	cmd.SetOut(out)
	cmd.SetErr(out)
	cmd.SetArgs([]string{"watch", "--config", env.configPath, "--user", "me", "--quiet", "--events"})

	errCh := make(chan error, 1)
	go func() { errCh <- cmd.ExecuteContext(ctx) }()

	require.Eventually(t, func() bool {
		return strings.Contains(out.String(), `"type":"message.added"`)
	}, 5*time.Second, 10*time.Millisecond)

	cancel()
	select {
	case err := <-errCh:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("watch did not stop")
	}

	_, err := os.Stat(env.cachePath)
	require.NoError(t, err)
}

func TestRestoreSelectionPrefersFlag(t *testing.T) {
	env := newTestEnv(t, "")
	cfg := config.DefaultConfig()
	cfg.State.Path = env.statePath
	cfg.Cache.Enabled = false

	st := state.New(env.statePath)
	persisted := models.ConversationKey{Kind: models.ConversationDirect, ID: "carol"}
	require.NoError(t, st.SaveSelection(&persisted))
	require.NoError(t, st.Close())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	s, err := newSession(ctx, cfg, "me", sessionOptions{Persist: true})
	require.NoError(t, err)
	defer s.Close()

	errCh := make(chan error, 1)
	go func() { errCh <- s.engine.Run(ctx, nil) }()
	<-s.engine.Ready()

	// The persisted selection is not in the empty directory.
	require.NoError(t, restoreSelection(ctx, s.engine, s.state, nil))
	_, ok := s.store.Active()
	require.False(t, ok)

	flag := models.ConversationKey{Kind: models.ConversationDirect, ID: "dave"}
	require.NoError(t, restoreSelection(ctx, s.engine, s.state, &flag))
	active, ok := s.store.Active()
	require.True(t, ok)
	require.Equal(t, flag, active)

	cancel()
	require.NoError(t, <-errCh)
}

func TestWriteTableAlignsWideRunes(t *testing.T) {
	var out bytes.Buffer
	err := writeTable(&out, []string{"NAME", "NOTE"}, [][]string{
		{"日本", "wide"},
		{"ab", "multi\nline\tcell"},
	})
	require.NoError(t, err)

	lines := strings.Split(strings.TrimRight(out.String(), "\n"), "\n")
	require.Equal(t, []string{
		"NAME  NOTE",
		"日本  wide",
		"ab    multi line cell",
	}, lines)
}

func TestWriteTableWithoutHeaders(t *testing.T) {
	var out bytes.Buffer
	require.NoError(t, writeTable(&out, nil, [][]string{{"sound", "yes"}, {"state file", "/tmp/x"}}))
	require.Equal(t, "sound       yes\nstate file  /tmp/x\n", out.String())

	out.Reset()
	require.NoError(t, writeTable(&out, nil, nil))
	require.Empty(t, out.String())
}

func TestParseToggle(t *testing.T) {
	for value, want := range map[string]bool{"on": true, "YES": true, " off ": false, "no": false, "true": true, "0": false} {
		got, err := parseToggle("sound", value)
		require.NoError(t, err, value)
		require.Equal(t, want, got, value)
	}
	_, err := parseToggle("sound", "loud")
	require.ErrorContains(t, err, "--sound")
}

func TestPreferencesGatedByConfig(t *testing.T) {
	st := state.New("")
	prefs := preferences{
		notifications: config.NotificationsConfig{Sound: false, System: true},
		state:         st,
	}
	require.Equal(t, notify.Preferences{Sound: false, Notifications: true}, prefs.Preferences())

	st.SetNotificationsEnabled(false)
	require.Equal(t, notify.Preferences{Sound: false, Notifications: false}, prefs.Preferences())
}

func TestTitleWriterSkipsNonTerminal(t *testing.T) {
	f, err := os.CreateTemp(t.TempDir(), "out")
	require.NoError(t, err)
	defer f.Close()

	require.Nil(t, titleWriter(f))
	require.Nil(t, titleWriter(nil))
}
