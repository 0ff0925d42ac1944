package scroll

import (
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/tOgg1/chatsync/internal/models"
)

func newTestManager(cfg Config) *Manager {
	if cfg.BottomThreshold == 0 {
		cfg.BottomThreshold = 3
	}
	m := NewManager(cfg)
	m.Resize(10)
	return m
}

func TestSwitchRestoresOrGoesToBottom(t *testing.T) {
	m := newTestManager(Config{})
	x := models.DirectKey("x")
	y := models.GroupKey("y")

	pos := m.Switch(x, 100)
	require.Equal(t, 90, pos.Offset, "unknown conversation opens at the newest message")

	m.ScrollTo(40)
	pos = m.Switch(y, 50)
	require.Equal(t, 40, pos.Offset, "y opens at bottom")
	require.Equal(t, y, m.Active())

	pos = m.Switch(x, 100)
	require.Equal(t, 40, pos.Offset, "x restores the remembered offset")

	pos = m.Switch(y, 20)
	require.Equal(t, 10, pos.Offset, "remembered offset is clamped to the new content")
}

func TestAppendFollowsOnlyNearBottom(t *testing.T) {
	m := newTestManager(Config{BottomThreshold: 3})
	m.Switch(models.DirectKey("x"), 100)

	require.True(t, m.Append(5))
	require.Equal(t, 95, m.Position().Offset)

	m.ScrollTo(93) // within threshold of 95
	require.True(t, m.Append(2))
	require.Equal(t, 97, m.Position().Offset)

	m.ScrollTo(50)
	require.False(t, m.Append(4))
	require.Equal(t, 50, m.Position().Offset)
	require.False(t, m.AtBottom())
}

// A page of older messages merged while the user reads history keeps the
// anchored message at the same visual position and never jumps to bottom.
func TestPrependKeepsAnchor(t *testing.T) {
	m := newTestManager(Config{})
	m.Switch(models.GroupKey("y"), 200)
	m.ScrollTo(0)
	require.True(t, m.NearTop())

	anchorTop := 0 // the message at the top of the viewport
	before := m.Position()
	visualBefore := anchorTop - before.Offset

	added := 20 * 3 // twenty older messages of height three
	after := m.Prepend(added)
	anchorTop += added
	visualAfter := anchorTop - after.Offset

	require.Equal(t, visualBefore, visualAfter)
	require.Equal(t, 260, after.ContentHeight)
	require.Equal(t, added, after.Offset)
	require.False(t, m.AtBottom())
	require.False(t, m.NearTop())
}

func TestResizeKeepsBottomPin(t *testing.T) {
	m := newTestManager(Config{})
	m.Switch(models.DirectKey("x"), 100)

	pos := m.Resize(20)
	require.Equal(t, 80, pos.Offset)

	m.ScrollTo(10)
	pos = m.Resize(5)
	require.Equal(t, 10, pos.Offset)

	pos = m.SetContentHeight(12)
	require.Equal(t, 7, pos.Offset)
}

func TestForgetClearsActive(t *testing.T) {
	m := newTestManager(Config{})
	x := models.DirectKey("x")
	m.Switch(x, 100)
	m.ScrollTo(30)
	m.Switch(models.DirectKey("z"), 100)

	m.Forget(x)
	pos := m.Switch(x, 100)
	require.Equal(t, 90, pos.Offset)

	m.Forget(x)
	require.True(t, m.Active().IsZero())
}

func TestJumpToFoundImmediately(t *testing.T) {
	var highlights []string
	var mu sync.Mutex
	m := newTestManager(Config{
		HighlightDuration: 20 * time.Millisecond,
		OnHighlight: func(id string) {
			mu.Lock()
			highlights = append(highlights, id)
			mu.Unlock()
		},
	})
	defer m.Close()
	m.Switch(models.DirectKey("x"), 100)

	found := m.JumpTo("m42", func(id string) (int, bool) { return 33, true })
	require.True(t, found)
	require.Equal(t, 33, m.Position().Offset)
	require.Equal(t, "m42", m.Highlighted())

	require.Eventually(t, func() bool { return m.Highlighted() == "" }, time.Second, 5*time.Millisecond)
	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(highlights) == 2
	}, time.Second, 5*time.Millisecond)
	mu.Lock()
	require.Equal(t, []string{"m42", ""}, highlights)
	mu.Unlock()
}

func TestJumpToRetriesUntilMounted(t *testing.T) {
	var calls atomic.Int32
	done := make(chan bool, 1)
	m := newTestManager(Config{
		JumpAttempts: 5,
		JumpBackoff:  5 * time.Millisecond,
		OnJump:       func(id string, found bool) { done <- found },
	})
	defer m.Close()
	m.Switch(models.DirectKey("x"), 100)

	found := m.JumpTo("m1", func(id string) (int, bool) {
		if calls.Add(1) < 3 {
			return 0, false
		}
		return 12, true
	})
	require.False(t, found, "not found on the first attempt")

	select {
	case ok := <-done:
		require.True(t, ok)
	case <-time.After(time.Second):
		t.Fatal("jump never completed")
	}
	require.Equal(t, int32(3), calls.Load())
	require.Equal(t, 12, m.Position().Offset)
}

func TestJumpToGivesUp(t *testing.T) {
	done := make(chan bool, 1)
	m := newTestManager(Config{
		JumpAttempts: 3,
		JumpBackoff:  time.Millisecond,
		OnJump:       func(id string, found bool) { done <- found },
	})
	defer m.Close()

	var calls atomic.Int32
	m.JumpTo("ghost", func(string) (int, bool) {
		calls.Add(1)
		return 0, false
	})

	select {
	case ok := <-done:
		require.False(t, ok)
	case <-time.After(time.Second):
		t.Fatal("jump never gave up")
	}
	require.Equal(t, int32(3), calls.Load())
}

func TestSwitchCancelsPendingJump(t *testing.T) {
	var calls atomic.Int32
	m := newTestManager(Config{JumpAttempts: 10, JumpBackoff: 20 * time.Millisecond})
	defer m.Close()
	m.Switch(models.DirectKey("x"), 100)

	m.JumpTo("m1", func(string) (int, bool) {
		calls.Add(1)
		return 0, false
	})
	m.Switch(models.DirectKey("y"), 100)

	time.Sleep(100 * time.Millisecond)
	require.Equal(t, int32(1), calls.Load())
	require.Equal(t, 90, m.Position().Offset)
}
