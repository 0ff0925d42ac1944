// Package config handles chatsync configuration loading and validation.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"
)

// Transport names accepted by push.transport.
const (
	TransportWebSocket = "websocket"
	TransportNATS      = "nats"
)

// Config is the root configuration structure for chatsync.
type Config struct {
	// Global settings
	Global GlobalConfig `yaml:"global" mapstructure:"global"`

	// Identity of the signed-in user
	Identity IdentityConfig `yaml:"identity" mapstructure:"identity"`

	// Push channel settings
	Push PushConfig `yaml:"push" mapstructure:"push"`

	// Paginated history fetch settings
	History HistoryConfig `yaml:"history" mapstructure:"history"`

	// Conversation store settings
	Store StoreConfig `yaml:"store" mapstructure:"store"`

	// Notification settings
	Notifications NotificationsConfig `yaml:"notifications" mapstructure:"notifications"`

	// Presence settings
	Presence PresenceConfig `yaml:"presence" mapstructure:"presence"`

	// Scroll continuity settings
	Scroll ScrollConfig `yaml:"scroll" mapstructure:"scroll"`

	// Persisted local state
	State StateConfig `yaml:"state" mapstructure:"state"`

	// Offline page cache
	Cache CacheConfig `yaml:"cache" mapstructure:"cache"`

	// Logging settings
	Logging LoggingConfig `yaml:"logging" mapstructure:"logging"`
}

// GlobalConfig contains global chatsync settings.
type GlobalConfig struct {
	// DataDir is where chatsync stores its data (default: ~/.local/share/chatsync).
	DataDir string `yaml:"data_dir" mapstructure:"data_dir"`

	// ConfigDir is where config files are stored (default: ~/.config/chatsync).
	ConfigDir string `yaml:"config_dir" mapstructure:"config_dir"`
}

// IdentityConfig identifies the current user.
type IdentityConfig struct {
	// UserID is the signed-in user's id.
	UserID string `yaml:"user_id" mapstructure:"user_id"`

	// Token is the bearer token sent to the push and history endpoints.
	Token string `yaml:"token" mapstructure:"token"`
}

// PushConfig configures the push channel transport.
type PushConfig struct {
	// Transport is websocket or nats.
	Transport string `yaml:"transport" mapstructure:"transport"`

	// URL is the websocket endpoint or NATS server url.
	URL string `yaml:"url" mapstructure:"url"`

	// Subject is the NATS subject prefix for the user's inbox.
	Subject string `yaml:"subject" mapstructure:"subject"`

	// ReconnectInterval is the wait between reconnect attempts.
	ReconnectInterval time.Duration `yaml:"reconnect_interval" mapstructure:"reconnect_interval"`

	// PingPeriod is the websocket keepalive period.
	PingPeriod time.Duration `yaml:"ping_period" mapstructure:"ping_period"`
}

// HistoryConfig configures the paginated fetch client.
type HistoryConfig struct {
	// BaseURL is the REST root, e.g. https://chat.example.com/api.
	BaseURL string `yaml:"base_url" mapstructure:"base_url"`

	// PageSize is the number of messages requested per page.
	PageSize int `yaml:"page_size" mapstructure:"page_size"`

	// Timeout bounds a single page request.
	Timeout time.Duration `yaml:"timeout" mapstructure:"timeout"`
}

// StoreConfig configures the conversation store.
type StoreConfig struct {
	// Timezone is the IANA location used for day sections ("Local" by default).
	Timezone string `yaml:"timezone" mapstructure:"timezone"`
}

// NotificationsConfig configures notification dispatch.
type NotificationsConfig struct {
	// Sound enables the new-message sound.
	Sound bool `yaml:"sound" mapstructure:"sound"`

	// System enables desktop notifications while hidden.
	System bool `yaml:"system" mapstructure:"system"`

	// AttentionInterval is the title blink period while hidden.
	AttentionInterval time.Duration `yaml:"attention_interval" mapstructure:"attention_interval"`

	// PreviewLength truncates body previews to this many runes.
	PreviewLength int `yaml:"preview_length" mapstructure:"preview_length"`

	// Title is the base window title restored when attention stops.
	Title string `yaml:"title" mapstructure:"title"`
}

// PresenceConfig configures idle and typing tracking.
type PresenceConfig struct {
	// IdleTimeout is the inactivity budget before reporting away.
	IdleTimeout time.Duration `yaml:"idle_timeout" mapstructure:"idle_timeout"`

	// TypingTTL expires typing indicators that never received a stop.
	TypingTTL time.Duration `yaml:"typing_ttl" mapstructure:"typing_ttl"`
}

// ScrollConfig configures scroll continuity.
type ScrollConfig struct {
	// BottomThreshold is how close to the bottom still counts as "at bottom".
	BottomThreshold int `yaml:"bottom_threshold" mapstructure:"bottom_threshold"`

	// NearTopThreshold triggers backward pagination.
	NearTopThreshold int `yaml:"near_top_threshold" mapstructure:"near_top_threshold"`

	// JumpAttempts bounds the jump-to-message retry loop.
	JumpAttempts int `yaml:"jump_attempts" mapstructure:"jump_attempts"`

	// JumpBackoff is the first retry delay; it doubles per attempt.
	JumpBackoff time.Duration `yaml:"jump_backoff" mapstructure:"jump_backoff"`

	// HighlightDuration is how long a jumped-to message stays highlighted.
	HighlightDuration time.Duration `yaml:"highlight_duration" mapstructure:"highlight_duration"`
}

// StateConfig configures persisted local state.
type StateConfig struct {
	// Path is the state file (default: DataDir/state.json).
	Path string `yaml:"path" mapstructure:"path"`
}

// CacheConfig configures the offline page cache.
type CacheConfig struct {
	// Enabled turns the SQLite page cache on.
	Enabled bool `yaml:"enabled" mapstructure:"enabled"`

	// Path is the SQLite file (default: DataDir/cache.db).
	Path string `yaml:"path" mapstructure:"path"`

	// BusyTimeoutMs is how long to wait for a locked database (milliseconds).
	BusyTimeoutMs int `yaml:"busy_timeout_ms" mapstructure:"busy_timeout_ms"`
}

// LoggingConfig contains logging settings.
type LoggingConfig struct {
	// Level is the minimum log level (debug, info, warn, error).
	Level string `yaml:"level" mapstructure:"level"`

	// Format is the output format (json, console).
	Format string `yaml:"format" mapstructure:"format"`

	// File is an optional log file path.
	File string `yaml:"file" mapstructure:"file"`

	// EnableCaller adds caller information to logs.
	EnableCaller bool `yaml:"enable_caller" mapstructure:"enable_caller"`
}

// DefaultConfig returns the default configuration.
func DefaultConfig() *Config {
	homeDir, _ := os.UserHomeDir()

	return &Config{
		Global: GlobalConfig{
			DataDir:   filepath.Join(homeDir, ".local", "share", "chatsync"),
			ConfigDir: filepath.Join(homeDir, ".config", "chatsync"),
		},
		Push: PushConfig{
			Transport:         TransportWebSocket,
			Subject:           "chat.user",
			ReconnectInterval: 2 * time.Second,
			PingPeriod:        54 * time.Second,
		},
		History: HistoryConfig{
			PageSize: 20,
			Timeout:  10 * time.Second,
		},
		Store: StoreConfig{
			Timezone: "Local",
		},
		Notifications: NotificationsConfig{
			Sound:             true,
			System:            true,
			AttentionInterval: time.Second,
			PreviewLength:     80,
			Title:             "chatsync",
		},
		Presence: PresenceConfig{
			IdleTimeout: 5 * time.Minute,
			TypingTTL:   6 * time.Second,
		},
		Scroll: ScrollConfig{
			BottomThreshold:   3,
			NearTopThreshold:  1,
			JumpAttempts:      5,
			JumpBackoff:       100 * time.Millisecond,
			HighlightDuration: 2 * time.Second,
		},
		Cache: CacheConfig{
			Enabled:       true,
			BusyTimeoutMs: 5000,
		},
		Logging: LoggingConfig{
			Level:        "info",
			Format:       "console",
			EnableCaller: false,
		},
	}
}

// Validate checks if the configuration is valid.
func (c *Config) Validate() error {
	switch c.Push.Transport {
	case TransportWebSocket, TransportNATS:
	default:
		return fmt.Errorf("push.transport must be one of websocket, nats")
	}

	if c.Push.ReconnectInterval < 100*time.Millisecond {
		return fmt.Errorf("push.reconnect_interval must be at least 100ms")
	}

	if c.Push.Transport == TransportNATS && strings.TrimSpace(c.Push.Subject) == "" {
		return fmt.Errorf("push.subject is required for the nats transport")
	}

	if c.History.PageSize < 1 || c.History.PageSize > 200 {
		return fmt.Errorf("history.page_size must be between 1 and 200")
	}

	if c.History.Timeout <= 0 {
		return fmt.Errorf("history.timeout must be positive")
	}

	if _, err := c.Location(); err != nil {
		return fmt.Errorf("store.timezone: %w", err)
	}

	if c.Notifications.AttentionInterval < 100*time.Millisecond {
		return fmt.Errorf("notifications.attention_interval must be at least 100ms")
	}

	if c.Notifications.PreviewLength < 1 {
		return fmt.Errorf("notifications.preview_length must be at least 1")
	}

	if c.Presence.IdleTimeout < time.Second {
		return fmt.Errorf("presence.idle_timeout must be at least 1s")
	}

	if c.Presence.TypingTTL <= 0 {
		return fmt.Errorf("presence.typing_ttl must be positive")
	}

	if c.Scroll.BottomThreshold < 0 || c.Scroll.NearTopThreshold < 0 {
		return fmt.Errorf("scroll thresholds must not be negative")
	}

	if c.Scroll.JumpAttempts < 1 {
		return fmt.Errorf("scroll.jump_attempts must be at least 1")
	}

	if c.Scroll.JumpBackoff <= 0 {
		return fmt.Errorf("scroll.jump_backoff must be positive")
	}

	return nil
}

// Location resolves store.timezone.
func (c *Config) Location() (*time.Location, error) {
	switch strings.TrimSpace(c.Store.Timezone) {
	case "", "Local", "local":
		return time.Local, nil
	}
	return time.LoadLocation(c.Store.Timezone)
}

// EnsureDirectories creates required directories.
func (c *Config) EnsureDirectories() error {
	dirs := []string{
		c.Global.DataDir,
		c.Global.ConfigDir,
	}

	for _, dir := range dirs {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return fmt.Errorf("failed to create directory %s: %w", dir, err)
		}
	}

	return nil
}

// StatePath returns the full state file path.
func (c *Config) StatePath() string {
	if c.State.Path != "" {
		return c.State.Path
	}
	return filepath.Join(c.Global.DataDir, "state.json")
}

// CachePath returns the full cache database path.
func (c *Config) CachePath() string {
	if c.Cache.Path != "" {
		return c.Cache.Path
	}
	return filepath.Join(c.Global.DataDir, "cache.db")
}
