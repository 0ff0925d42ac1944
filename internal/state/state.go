// Package state persists the small amount of client state that survives a
// restart: the last selected conversation and the notification toggles.
package state

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/rs/zerolog"

	"github.com/tOgg1/chatsync/internal/logging"
	"github.com/tOgg1/chatsync/internal/models"
	"github.com/tOgg1/chatsync/internal/notify"
)

const (
	CurrentVersion = 1

	defaultDebounce = 1 * time.Second
)

type LocalState struct {
	Version       int                     `json:"version"`
	LastSelection *models.ConversationKey `json:"last_selection,omitempty"`
	Preferences   notify.Preferences      `json:"preferences"`
	UpdatedAt     time.Time               `json:"updated_at,omitempty"`
}

// legacyState is the unversioned layout: flat toggles and a "kind:id" selection.
type legacyState struct {
	LastSelection string `json:"last_selection,omitempty"`
	Sound         *bool  `json:"sound,omitempty"`
	Notifications *bool  `json:"notifications,omitempty"`
}

// Manager loads and saves LocalState. Mutations are written after a short
// debounce; SaveNow and Close flush immediately.
type Manager struct {
	path     string
	lockPath string
	logger   zerolog.Logger

	mu        sync.Mutex
	state     LocalState
	dirty     bool
	timer     *time.Timer
	debounce  time.Duration
	lastWrite time.Time
}

// New creates a manager for path. An empty path keeps state in memory only.
func New(path string) *Manager {
	path = strings.TrimSpace(path)
	return &Manager{
		path:     path,
		lockPath: path + ".lock",
		logger:   logging.Component("state"),
		state:    defaultState(),
		debounce: defaultDebounce,
	}
}

func defaultState() LocalState {
	return LocalState{Version: CurrentVersion, Preferences: notify.DefaultPreferences()}
}

func (m *Manager) Path() string { return m.path }

func (m *Manager) Load() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.path == "" {
		return nil
	}

	loaded, err := m.loadLocked()
	if err != nil {
		return err
	}
	m.state = loaded
	m.dirty = false
	return nil
}

func (m *Manager) Snapshot() LocalState {
	m.mu.Lock()
	defer m.mu.Unlock()
	return cloneState(m.state)
}

// LastSelection returns the persisted selection, if any.
func (m *Manager) LastSelection() (models.ConversationKey, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.state.LastSelection == nil {
		return models.ConversationKey{}, false
	}
	return *m.state.LastSelection, true
}

// SaveSelection records the active conversation; nil clears it.
func (m *Manager) SaveSelection(key *models.ConversationKey) error {
	if key != nil {
		if err := key.Validate(); err != nil {
			return fmt.Errorf("save selection: %w", err)
		}
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	switch {
	case key == nil && m.state.LastSelection == nil:
		return nil
	case key != nil && m.state.LastSelection != nil && *key == *m.state.LastSelection:
		return nil
	}
	if key == nil {
		m.state.LastSelection = nil
	} else {
		k := *key
		m.state.LastSelection = &k
	}
	m.markDirtyLocked()
	return nil
}

func (m *Manager) Preferences() notify.Preferences {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state.Preferences
}

func (m *Manager) SetPreferences(prefs notify.Preferences) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.state.Preferences == prefs {
		return
	}
	m.state.Preferences = prefs
	m.markDirtyLocked()
}

func (m *Manager) SetSoundEnabled(enabled bool) {
	prefs := m.Preferences()
	prefs.Sound = enabled
	m.SetPreferences(prefs)
}

func (m *Manager) SetNotificationsEnabled(enabled bool) {
	prefs := m.Preferences()
	prefs.Notifications = enabled
	m.SetPreferences(prefs)
}

func (m *Manager) SaveSoon() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.markDirtyLocked()
}

func (m *Manager) Close() error {
	m.mu.Lock()
	if m.timer != nil {
		m.timer.Stop()
		m.timer = nil
	}
	needsSave := m.dirty
	m.mu.Unlock()
	if !needsSave {
		return nil
	}
	return m.SaveNow()
}

func (m *Manager) SaveNow() error {
	m.mu.Lock()
	if m.path == "" {
		m.dirty = false
		m.mu.Unlock()
		return nil
	}
	state := cloneState(m.state)
	m.dirty = false
	m.mu.Unlock()

	state.Version = CurrentVersion
	state.UpdatedAt = time.Now().UTC()

	if err := withFileLock(m.lockPath, func() error {
		return writeAtomicJSON(m.path, state)
	}); err != nil {
		m.mu.Lock()
		m.dirty = true
		m.mu.Unlock()
		return err
	}

	m.mu.Lock()
	m.lastWrite = state.UpdatedAt
	m.mu.Unlock()
	return nil
}

// LastWrite returns when the state was last flushed to disk.
func (m *Manager) LastWrite() time.Time {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.lastWrite
}

func (m *Manager) markDirtyLocked() {
	m.dirty = true
	if m.path == "" {
		return
	}
	if m.timer == nil {
		m.timer = time.AfterFunc(m.debounce, func() {
			if err := m.SaveNow(); err != nil {
				m.logger.Warn().Err(err).Str("path", m.path).Msg("failed to save local state")
			}
		})
		return
	}
	_ = m.timer.Reset(m.debounce)
}

func (m *Manager) loadLocked() (LocalState, error) {
	var out LocalState
	if err := withFileLock(m.lockPath, func() error {
		payload, err := os.ReadFile(m.path)
		if err != nil {
			if errors.Is(err, os.ErrNotExist) {
				out = defaultState()
				return nil
			}
			return err
		}
		if len(payload) == 0 {
			out = defaultState()
			return nil
		}

		// First attempt: current schema.
		if err := json.Unmarshal(payload, &out); err == nil && out.Version > 0 {
			return nil
		}

		var legacy legacyState
		if err := json.Unmarshal(payload, &legacy); err != nil {
			return fmt.Errorf("parse %s: %w", m.path, err)
		}
		out = migrateLegacy(legacy)
		return nil
	}); err != nil {
		return LocalState{}, err
	}

	if out.Version <= 0 {
		out.Version = CurrentVersion
	}
	if out.LastSelection != nil && out.LastSelection.Validate() != nil {
		m.logger.Warn().Str("path", m.path).Msg("discarding invalid last selection")
		out.LastSelection = nil
	}
	return out, nil
}

func migrateLegacy(legacy legacyState) LocalState {
	out := defaultState()
	if legacy.Sound != nil {
		out.Preferences.Sound = *legacy.Sound
	}
	if legacy.Notifications != nil {
		out.Preferences.Notifications = *legacy.Notifications
	}
	if legacy.LastSelection != "" {
		if key, err := models.ParseConversationKey(legacy.LastSelection); err == nil {
			out.LastSelection = &key
		}
	}
	return out
}

func withFileLock(lockPath string, fn func() error) error {
	if strings.TrimSpace(lockPath) == "" {
		return fn()
	}
	if err := os.MkdirAll(filepath.Dir(lockPath), 0o755); err != nil {
		return err
	}
	f, err := os.OpenFile(lockPath, os.O_CREATE|os.O_RDWR, 0o644)
	if err != nil {
		return err
	}
	defer f.Close()
	if err := syscall.Flock(int(f.Fd()), syscall.LOCK_EX); err != nil {
		return fmt.Errorf("lock %s: %w", lockPath, err)
	}
	defer func() {
		_ = syscall.Flock(int(f.Fd()), syscall.LOCK_UN)
	}()
	return fn()
}

func writeAtomicJSON(path string, state LocalState) error {
	payload, err := json.MarshalIndent(state, "", "  ")
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, payload, 0o644); err != nil {
		return err
	}
	return os.Rename(tmp, path)
}

func cloneState(state LocalState) LocalState {
	out := state
	if state.LastSelection != nil {
		k := *state.LastSelection
		out.LastSelection = &k
	}
	return out
}
