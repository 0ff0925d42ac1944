// Package scroll keeps the message viewport stable across conversation
// switches, live appends, and backward pagination.
package scroll

import (
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/tOgg1/chatsync/internal/logging"
	"github.com/tOgg1/chatsync/internal/models"
)

// Config controls thresholds and the jump retry loop.
type Config struct {
	// BottomThreshold is how far from the bottom still counts as at-bottom.
	BottomThreshold int

	// NearTopThreshold is the offset at or below which older history should load.
	NearTopThreshold int

	// JumpAttempts bounds how many times JumpTo looks for an unmounted message.
	JumpAttempts int

	// JumpBackoff is the first retry delay; it doubles after every miss.
	JumpBackoff time.Duration

	// HighlightDuration is how long a jumped-to message stays highlighted.
	HighlightDuration time.Duration

	// OnJump is called when a jump finishes, with found=false when it gave up.
	OnJump func(messageID string, found bool)

	// OnHighlight is called when the highlight is set ("" when it clears).
	OnHighlight func(messageID string)
}

// DefaultConfig returns the default scroll configuration.
func DefaultConfig() Config {
	return Config{
		BottomThreshold:   3,
		NearTopThreshold:  1,
		JumpAttempts:      5,
		JumpBackoff:       100 * time.Millisecond,
		HighlightDuration: 2 * time.Second,
	}
}

// Position is a viewport snapshot.
type Position struct {
	Offset         int
	ContentHeight  int
	ViewportHeight int
}

// MaxOffset is the offset that shows the newest content.
func (p Position) MaxOffset() int {
	max := p.ContentHeight - p.ViewportHeight
	if max < 0 {
		return 0
	}
	return max
}

// Locator returns the top offset of a rendered message, or false when the
// message is not mounted yet.
type Locator func(messageID string) (int, bool)

type jumpState struct {
	messageID string
	locate    Locator
	attempt   int
	timer     *time.Timer
}

// Manager tracks the viewport of the active conversation and remembers the
// offset of every conversation the user has left.
type Manager struct {
	mu     sync.Mutex
	cfg    Config
	active models.ConversationKey
	pos    Position
	saved  map[models.ConversationKey]int

	jump           *jumpState
	jumpGen        uint64
	highlighted    string
	highlightTimer *time.Timer
	closed         bool

	logger zerolog.Logger
}

// NewManager creates a scroll manager.
func NewManager(cfg Config) *Manager {
	defaults := DefaultConfig()
	if cfg.JumpAttempts <= 0 {
		cfg.JumpAttempts = defaults.JumpAttempts
	}
	if cfg.JumpBackoff <= 0 {
		cfg.JumpBackoff = defaults.JumpBackoff
	}
	if cfg.HighlightDuration <= 0 {
		cfg.HighlightDuration = defaults.HighlightDuration
	}
	if cfg.BottomThreshold < 0 {
		cfg.BottomThreshold = 0
	}
	return &Manager{
		cfg:    cfg,
		saved:  make(map[models.ConversationKey]int),
		logger: logging.Component("scroll"),
	}
}

// Switch saves the outgoing conversation's offset and restores the incoming
// one, or goes to the newest message when no offset is remembered. Any
// pending jump is cancelled.
func (m *Manager) Switch(to models.ConversationKey, contentHeight int) Position {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.cancelJumpLocked()
	if !m.active.IsZero() {
		m.saved[m.active] = m.pos.Offset
	}
	m.active = to
	m.pos.ContentHeight = contentHeight
	if offset, ok := m.saved[to]; ok {
		m.pos.Offset = clamp(offset, 0, m.pos.MaxOffset())
	} else {
		m.pos.Offset = m.pos.MaxOffset()
	}
	return m.pos
}

// Forget drops the remembered offset for a removed conversation.
func (m *Manager) Forget(key models.ConversationKey) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.saved, key)
	if m.active == key {
		m.cancelJumpLocked()
		m.active = models.ConversationKey{}
		m.pos = Position{ViewportHeight: m.pos.ViewportHeight}
	}
}

// Active returns the conversation the viewport shows.
func (m *Manager) Active() models.ConversationKey {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.active
}

// Append grows the content at the bottom by height. It follows the new
// content only when the viewport was already within BottomThreshold of the
// bottom, and reports whether it did.
func (m *Manager) Append(height int) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if height <= 0 {
		return false
	}
	follow := m.atBottomLocked()
	m.pos.ContentHeight += height
	if follow {
		m.pos.Offset = m.pos.MaxOffset()
	}
	return follow
}

// Prepend grows the content at the top by height and shifts the offset by
// exactly that amount so the anchored message does not move. It never
// scrolls to the bottom.
func (m *Manager) Prepend(height int) Position {
	m.mu.Lock()
	defer m.mu.Unlock()
	if height <= 0 {
		return m.pos
	}
	m.pos.ContentHeight += height
	m.pos.Offset = clamp(m.pos.Offset+height, 0, m.pos.MaxOffset())
	return m.pos
}

// Resize changes the viewport height, staying pinned to the bottom if it was.
func (m *Manager) Resize(viewportHeight int) Position {
	m.mu.Lock()
	defer m.mu.Unlock()
	if viewportHeight < 0 {
		viewportHeight = 0
	}
	follow := m.atBottomLocked()
	m.pos.ViewportHeight = viewportHeight
	if follow {
		m.pos.Offset = m.pos.MaxOffset()
	} else {
		m.pos.Offset = clamp(m.pos.Offset, 0, m.pos.MaxOffset())
	}
	return m.pos
}

// SetContentHeight replaces the content height after a re-render.
func (m *Manager) SetContentHeight(height int) Position {
	m.mu.Lock()
	defer m.mu.Unlock()
	if height < 0 {
		height = 0
	}
	m.pos.ContentHeight = height
	m.pos.Offset = clamp(m.pos.Offset, 0, m.pos.MaxOffset())
	return m.pos
}

// ScrollTo records a user scroll.
func (m *Manager) ScrollTo(offset int) Position {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.pos.Offset = clamp(offset, 0, m.pos.MaxOffset())
	return m.pos
}

// ScrollToBottom jumps to the newest content.
func (m *Manager) ScrollToBottom() Position {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.pos.Offset = m.pos.MaxOffset()
	return m.pos
}

// Position returns the current viewport snapshot.
func (m *Manager) Position() Position {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.pos
}

// AtBottom reports whether the viewport is within BottomThreshold of the bottom.
func (m *Manager) AtBottom() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.atBottomLocked()
}

// NearTop reports whether older history should be requested.
func (m *Manager) NearTop() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.pos.Offset <= m.cfg.NearTopThreshold
}

// Highlighted returns the message currently highlighted by a jump.
func (m *Manager) Highlighted() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.highlighted
}

func (m *Manager) atBottomLocked() bool {
	if m.pos.ViewportHeight <= 0 {
		return true
	}
	return m.pos.Offset >= m.pos.MaxOffset()-m.cfg.BottomThreshold
}

// JumpTo scrolls messageID into view. If locate cannot find it yet the
// lookup is retried with exponential backoff up to JumpAttempts times.
// Returns true when the message was found on the first attempt.
func (m *Manager) JumpTo(messageID string, locate Locator) bool {
	if messageID == "" || locate == nil {
		return false
	}
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return false
	}
	m.cancelJumpLocked()
	m.jumpGen++
	js := &jumpState{messageID: messageID, locate: locate}
	m.jump = js
	gen := m.jumpGen
	m.mu.Unlock()

	return m.tryJump(gen)
}

// CancelJump stops a pending jump retry loop.
func (m *Manager) CancelJump() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.cancelJumpLocked()
}

// Close cancels every owned timer. The manager stays readable.
func (m *Manager) Close() {
	m.mu.Lock()
	m.closed = true
	m.cancelJumpLocked()
	if m.highlightTimer != nil {
		m.highlightTimer.Stop()
		m.highlightTimer = nil
	}
	m.highlighted = ""
	m.mu.Unlock()
}

func (m *Manager) cancelJumpLocked() {
	if m.jump == nil {
		return
	}
	if m.jump.timer != nil {
		m.jump.timer.Stop()
	}
	m.jump = nil
	m.jumpGen++
}

func (m *Manager) tryJump(gen uint64) bool {
	m.mu.Lock()
	js := m.jump
	if js == nil || gen != m.jumpGen || m.closed {
		m.mu.Unlock()
		return false
	}
	m.mu.Unlock()

	// locate reads the store; call it without holding the manager lock.
	top, found := js.locate(js.messageID)

	m.mu.Lock()
	if m.jump != js || gen != m.jumpGen || m.closed {
		m.mu.Unlock()
		return false
	}

	if found {
		m.pos.Offset = clamp(top, 0, m.pos.MaxOffset())
		m.jump = nil
		first := js.attempt == 0
		m.setHighlightLocked(js.messageID)
		onJump, onHighlight := m.cfg.OnJump, m.cfg.OnHighlight
		m.mu.Unlock()
		if onHighlight != nil {
			onHighlight(js.messageID)
		}
		if onJump != nil {
			onJump(js.messageID, true)
		}
		return first
	}

	js.attempt++
	if js.attempt >= m.cfg.JumpAttempts {
		m.jump = nil
		onJump := m.cfg.OnJump
		m.mu.Unlock()
		m.logger.Debug().Str("message_id", js.messageID).Int("attempts", js.attempt).Msg("jump target never mounted")
		if onJump != nil {
			onJump(js.messageID, false)
		}
		return false
	}

	delay := m.cfg.JumpBackoff << (js.attempt - 1)
	js.timer = time.AfterFunc(delay, func() { m.tryJump(gen) })
	m.mu.Unlock()
	return false
}

func (m *Manager) setHighlightLocked(messageID string) {
	if m.highlightTimer != nil {
		m.highlightTimer.Stop()
	}
	m.highlighted = messageID
	onHighlight := m.cfg.OnHighlight
	m.highlightTimer = time.AfterFunc(m.cfg.HighlightDuration, func() {
		m.mu.Lock()
		if m.highlighted != messageID {
			m.mu.Unlock()
			return
		}
		m.highlighted = ""
		m.highlightTimer = nil
		m.mu.Unlock()
		if onHighlight != nil {
			onHighlight("")
		}
	})
}

func clamp(v, lo, hi int) int {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
