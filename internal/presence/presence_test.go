package presence

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/tOgg1/chatsync/internal/models"
)

type transitionRecorder struct {
	mu  sync.Mutex
	got []models.PresenceStatus
}

func (r *transitionRecorder) record(status models.PresenceStatus) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.got = append(r.got, status)
}

func (r *transitionRecorder) snapshot() []models.PresenceStatus {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]models.PresenceStatus(nil), r.got...)
}

func TestIdleMonitorGoesAwayAndBack(t *testing.T) {
	rec := &transitionRecorder{}
	mon := NewIdleMonitor(30*time.Millisecond, rec.record)
	defer mon.Stop()

	mon.Start()
	require.Equal(t, models.PresenceActive, mon.Status())

	require.Eventually(t, func() bool {
		return mon.Status() == models.PresenceAway
	}, time.Second, 5*time.Millisecond)

	require.True(t, mon.RecordActivity(ActivityKeyDown), "first activity after away flips to active")
	require.Equal(t, models.PresenceActive, mon.Status())
	require.False(t, mon.RecordActivity(ActivityMouseMove), "already active")

	require.Equal(t, []models.PresenceStatus{
		models.PresenceActive,
		models.PresenceAway,
		models.PresenceActive,
	}, rec.snapshot())
}

func TestIdleMonitorActivityDefersAway(t *testing.T) {
	rec := &transitionRecorder{}
	mon := NewIdleMonitor(80*time.Millisecond, rec.record)
	defer mon.Stop()
	mon.Start()

	deadline := time.Now().Add(200 * time.Millisecond)
	for time.Now().Before(deadline) {
		mon.RecordActivity(ActivityScroll)
		time.Sleep(10 * time.Millisecond)
	}
	require.Equal(t, models.PresenceActive, mon.Status())
	require.Equal(t, []models.PresenceStatus{models.PresenceActive}, rec.snapshot())
}

func TestIdleMonitorIgnoresUnknownKindsAndStopped(t *testing.T) {
	mon := NewIdleMonitor(time.Hour, nil)
	require.False(t, mon.RecordActivity(ActivityKeyDown), "not started")

	mon.Start()
	require.False(t, mon.RecordActivity(ActivityKind("resize")))
	require.False(t, IsActivityKind("resize"))
	require.True(t, IsActivityKind(ActivityWheel))

	mon.Stop()
	require.False(t, mon.RecordActivity(ActivityKeyDown))
}

func TestIdleMonitorStopCancelsTimer(t *testing.T) {
	rec := &transitionRecorder{}
	mon := NewIdleMonitor(20*time.Millisecond, rec.record)
	mon.Start()
	mon.Stop()

	time.Sleep(60 * time.Millisecond)
	require.Equal(t, []models.PresenceStatus{models.PresenceActive}, rec.snapshot())
}

func TestTypingTrackerScopedToActive(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	tr := NewTypingTracker("me", 5*time.Second, func() time.Time { return now })
	general := models.GroupKey("general")

	require.False(t, tr.Start(general, "alice"), "no active conversation")

	tr.SetActive(general)
	require.True(t, tr.Start(general, "alice"))
	require.False(t, tr.Start(general, "alice"), "refresh is not a visible change")
	require.True(t, tr.Start(general, "bob"))
	require.False(t, tr.Start(general, "me"), "self is never shown")
	require.False(t, tr.Start(models.GroupKey("random"), "carol"), "other conversation ignored")
	require.Equal(t, []string{"alice", "bob"}, tr.Typing())

	require.True(t, tr.Stop(general, "alice"))
	require.False(t, tr.Stop(general, "alice"))
	require.Equal(t, []string{"bob"}, tr.Typing())

	tr.SetActive(models.DirectKey("dave"))
	require.Empty(t, tr.Typing(), "switch clears indicators")
}

func TestTypingTrackerExpiresWithoutStop(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	tr := NewTypingTracker("me", 5*time.Second, func() time.Time { return now })
	key := models.DirectKey("alice")
	tr.SetActive(key)

	tr.Start(key, "alice")
	now = now.Add(4 * time.Second)
	require.Equal(t, []string{"alice"}, tr.Typing())

	now = now.Add(time.Second)
	require.Equal(t, 0, len(tr.Typing()))
	require.True(t, tr.Start(key, "alice"), "start after expiry is a visible change")

	now = now.Add(10 * time.Second)
	require.Equal(t, 1, tr.Expire())
}
