// Package presence derives the local user's Active/Away status from input
// activity and tracks who is typing in the active conversation.
package presence

import (
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/tOgg1/chatsync/internal/logging"
	"github.com/tOgg1/chatsync/internal/models"
)

// ActivityKind names an input event that counts as user activity.
type ActivityKind string

const (
	ActivityMouseMove  ActivityKind = "mousemove"
	ActivityMouseDown  ActivityKind = "mousedown"
	ActivityKeyDown    ActivityKind = "keydown"
	ActivityScroll     ActivityKind = "scroll"
	ActivityTouchStart ActivityKind = "touchstart"
	ActivityFocus      ActivityKind = "focus"
	ActivityWheel      ActivityKind = "wheel"
)

var activityKinds = map[ActivityKind]struct{}{
	ActivityMouseMove:  {},
	ActivityMouseDown:  {},
	ActivityKeyDown:    {},
	ActivityScroll:     {},
	ActivityTouchStart: {},
	ActivityFocus:      {},
	ActivityWheel:      {},
}

// IsActivityKind reports whether kind resets the idle timer.
func IsActivityKind(kind ActivityKind) bool {
	_, ok := activityKinds[kind]
	return ok
}

// DefaultIdleTimeout is the inactivity budget before Away.
const DefaultIdleTimeout = 5 * time.Minute

// IdleMonitor owns a single timer that is re-armed on every activity event.
// When it fires the status becomes Away; the first activity afterwards emits
// Active immediately and re-arms the timer.
type IdleMonitor struct {
	mu         sync.Mutex
	timeout    time.Duration
	timer      *time.Timer
	generation uint64
	running    bool
	status     models.PresenceStatus
	onChange   func(models.PresenceStatus)
	logger     zerolog.Logger
}

// NewIdleMonitor creates a monitor. onChange is called outside the monitor's
// lock on every Active/Away transition, including the initial Active on Start.
func NewIdleMonitor(timeout time.Duration, onChange func(models.PresenceStatus)) *IdleMonitor {
	if timeout <= 0 {
		timeout = DefaultIdleTimeout
	}
	if onChange == nil {
		onChange = func(models.PresenceStatus) {}
	}
	return &IdleMonitor{
		timeout:  timeout,
		status:   models.PresenceOffline,
		onChange: onChange,
		logger:   logging.Component("idle-monitor"),
	}
}

// Start marks the user Active and arms the timer. Starting twice is a no-op.
func (m *IdleMonitor) Start() {
	m.mu.Lock()
	if m.running {
		m.mu.Unlock()
		return
	}
	m.running = true
	m.status = models.PresenceActive
	m.armLocked()
	m.mu.Unlock()

	m.onChange(models.PresenceActive)
}

// RecordActivity resets the timer for a known activity kind. It returns true
// when the event caused an Away to Active transition.
func (m *IdleMonitor) RecordActivity(kind ActivityKind) bool {
	if !IsActivityKind(kind) {
		return false
	}

	m.mu.Lock()
	if !m.running {
		m.mu.Unlock()
		return false
	}
	wasAway := m.status == models.PresenceAway
	m.status = models.PresenceActive
	m.armLocked()
	m.mu.Unlock()

	if wasAway {
		m.logger.Debug().Str("activity", string(kind)).Msg("user active")
		m.onChange(models.PresenceActive)
	}
	return wasAway
}

// Stop cancels the timer. No transition is emitted.
func (m *IdleMonitor) Stop() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.running = false
	m.generation++
	if m.timer != nil {
		m.timer.Stop()
		m.timer = nil
	}
}

// Status returns the current status (offline before Start).
func (m *IdleMonitor) Status() models.PresenceStatus {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.status
}

func (m *IdleMonitor) armLocked() {
	m.generation++
	gen := m.generation
	if m.timer != nil {
		m.timer.Stop()
	}
	m.timer = time.AfterFunc(m.timeout, func() { m.fire(gen) })
}

func (m *IdleMonitor) fire(gen uint64) {
	m.mu.Lock()
	// A stale timer whose Stop lost the race carries an old generation.
	if !m.running || gen != m.generation || m.status == models.PresenceAway {
		m.mu.Unlock()
		return
	}
	m.status = models.PresenceAway
	m.mu.Unlock()

	m.logger.Debug().Dur("timeout", m.timeout).Msg("user away")
	m.onChange(models.PresenceAway)
}
