// Package mute tracks per-conversation mute windows.
package mute

import (
	"sort"
	"sync"
	"time"

	"github.com/tOgg1/chatsync/internal/models"
)

// Entry is one active or expired mute window.
type Entry struct {
	Key    models.ConversationKey
	Window models.MuteWindow
}

// Registry maps conversation keys to mute windows. It is only written from
// server-confirmed chat-muted/chat-unmuted events and list seeding, and read
// by the notification policy.
type Registry struct {
	mu      sync.RWMutex
	windows map[models.ConversationKey]models.MuteWindow
	now     func() time.Time
}

// NewRegistry creates an empty registry. now may be nil to use time.Now.
func NewRegistry(now func() time.Time) *Registry {
	if now == nil {
		now = time.Now
	}
	return &Registry{
		windows: make(map[models.ConversationKey]models.MuteWindow),
		now:     now,
	}
}

// Set records a mute window. A window whose Until is zero but which carries a
// Duration is anchored at the registry clock. Returns whether anything changed.
func (r *Registry) Set(key models.ConversationKey, window models.MuteWindow) bool {
	if window.Until.IsZero() && window.Duration > 0 {
		window.Until = r.now().Add(window.Duration)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if prev, ok := r.windows[key]; ok && prev.Until.Equal(window.Until) && prev.Duration == window.Duration {
		return false
	}
	r.windows[key] = window
	return true
}

// Clear removes the mute window for key. Returns whether one existed.
func (r *Registry) Clear(key models.ConversationKey) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.windows[key]; !ok {
		return false
	}
	delete(r.windows, key)
	return true
}

// Get returns the stored window for key, active or not.
func (r *Registry) Get(key models.ConversationKey) (models.MuteWindow, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	w, ok := r.windows[key]
	return w, ok
}

// IsMuted reports whether key is muted at now.
func (r *Registry) IsMuted(key models.ConversationKey, now time.Time) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	w, ok := r.windows[key]
	if !ok {
		return false
	}
	return w.Active(now)
}

// Muted reports whether key is muted at the registry clock.
func (r *Registry) Muted(key models.ConversationKey) bool {
	return r.IsMuted(key, r.now())
}

// Prune drops windows that expired before now and returns how many were removed.
func (r *Registry) Prune(now time.Time) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	removed := 0
	for key, w := range r.windows {
		if !w.Active(now) {
			delete(r.windows, key)
			removed++
		}
	}
	return removed
}

// Snapshot returns all stored windows ordered by key.
func (r *Registry) Snapshot() []Entry {
	r.mu.RLock()
	out := make([]Entry, 0, len(r.windows))
	for key, w := range r.windows {
		out = append(out, Entry{Key: key, Window: w})
	}
	r.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool {
		return out[i].Key.String() < out[j].Key.String()
	})
	return out
}

// Len returns the number of stored windows.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.windows)
}
