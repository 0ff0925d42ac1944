package presence

import (
	"sort"
	"sync"
	"time"

	"github.com/tOgg1/chatsync/internal/models"
)

// DefaultTypingTTL expires a typing indicator whose stop event never arrived.
const DefaultTypingTTL = 6 * time.Second

// TypingTracker holds who is typing in the active conversation. Signals for
// any other conversation are ignored, and switching conversations clears it.
type TypingTracker struct {
	mu      sync.Mutex
	selfID  string
	ttl     time.Duration
	now     func() time.Time
	active  models.ConversationKey
	typists map[string]time.Time // user id -> expiry
}

// NewTypingTracker creates a tracker. now may be nil to use time.Now.
func NewTypingTracker(selfID string, ttl time.Duration, now func() time.Time) *TypingTracker {
	if ttl <= 0 {
		ttl = DefaultTypingTTL
	}
	if now == nil {
		now = time.Now
	}
	return &TypingTracker{
		selfID:  selfID,
		ttl:     ttl,
		now:     now,
		typists: make(map[string]time.Time),
	}
}

// SetActive scopes the tracker to key and drops every indicator.
func (t *TypingTracker) SetActive(key models.ConversationKey) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.active = key
	t.typists = make(map[string]time.Time)
}

// Active returns the conversation the tracker is scoped to.
func (t *TypingTracker) Active() models.ConversationKey {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.active
}

// Start records a typing-start. Returns whether the visible set changed.
func (t *TypingTracker) Start(key models.ConversationKey, userID string) bool {
	if userID == "" || userID == t.selfID {
		return false
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	if key.IsZero() || key != t.active {
		return false
	}
	now := t.now()
	expiry, ok := t.typists[userID]
	t.typists[userID] = now.Add(t.ttl)
	return !ok || !now.Before(expiry)
}

// Stop records a typing-stop. Returns whether the visible set changed.
func (t *TypingTracker) Stop(key models.ConversationKey, userID string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if key != t.active {
		return false
	}
	if _, ok := t.typists[userID]; !ok {
		return false
	}
	delete(t.typists, userID)
	return true
}

// Typing returns the users currently typing, sorted, excluding expired entries.
func (t *TypingTracker) Typing() []string {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.expireLocked(t.now())
	out := make([]string, 0, len(t.typists))
	for id := range t.typists {
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}

// Expire drops entries past their TTL and returns how many were removed.
func (t *TypingTracker) Expire() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.expireLocked(t.now())
}

func (t *TypingTracker) expireLocked(now time.Time) int {
	removed := 0
	for id, expiry := range t.typists {
		if !now.Before(expiry) {
			delete(t.typists, id)
			removed++
		}
	}
	return removed
}
