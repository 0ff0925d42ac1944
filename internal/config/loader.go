package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/viper"
)

// EnvPrefix prefixes every environment override, e.g. CHATSYNC_PUSH_URL.
const EnvPrefix = "CHATSYNC"

// Loader handles configuration loading with Viper.
type Loader struct {
	v          *viper.Viper
	configFile string
}

// NewLoader creates a new configuration loader.
func NewLoader() *Loader {
	return &Loader{
		v: viper.New(),
	}
}

// SetConfigFile sets an explicit config file path.
func (l *Loader) SetConfigFile(path string) {
	l.configFile = path
}

// Load loads configuration with proper precedence:
// defaults < config file < env vars < CLI flags
func (l *Loader) Load() (*Config, error) {
	cfg := DefaultConfig()

	l.setupViper(cfg)

	// Config file is optional, only error if explicitly specified
	if err := l.loadConfigFile(); err != nil {
		if l.configFile != "" {
			return nil, fmt.Errorf("failed to load config file: %w", err)
		}
	}

	if err := l.v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	// Viper's Unmarshal doesn't properly merge env vars for nested structs
	l.applyEnvOverrides(cfg)

	expandPaths(cfg)

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return cfg, nil
}

// expandTilde expands ~ to the user's home directory.
func expandTilde(path string) string {
	if path == "" {
		return path
	}
	if path == "~" {
		home, _ := os.UserHomeDir()
		return home
	}
	if strings.HasPrefix(path, "~/") {
		home, _ := os.UserHomeDir()
		return filepath.Join(home, path[2:])
	}
	return path
}

// expandPaths expands ~ in all path-related config fields.
func expandPaths(cfg *Config) {
	cfg.Global.DataDir = expandTilde(cfg.Global.DataDir)
	cfg.Global.ConfigDir = expandTilde(cfg.Global.ConfigDir)
	cfg.State.Path = expandTilde(cfg.State.Path)
	cfg.Cache.Path = expandTilde(cfg.Cache.Path)
	cfg.Logging.File = expandTilde(cfg.Logging.File)
}

// setupViper configures Viper with defaults and environment bindings.
func (l *Loader) setupViper(cfg *Config) {
	v := l.v

	v.SetConfigName("config")
	v.SetConfigType("yaml")

	if xdgConfig := os.Getenv("XDG_CONFIG_HOME"); xdgConfig != "" {
		v.AddConfigPath(filepath.Join(xdgConfig, "chatsync"))
	}

	homeDir, _ := os.UserHomeDir()
	if homeDir != "" {
		v.AddConfigPath(filepath.Join(homeDir, ".config", "chatsync"))
	}

	v.AddConfigPath(".")

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	l.setDefaults(cfg)

	// Viper's Unmarshal has issues without explicit bindings
	bindEnvVars(v)

	v.AutomaticEnv()
}

// setDefaults sets all default values in Viper.
func (l *Loader) setDefaults(cfg *Config) {
	v := l.v

	// Global
	v.SetDefault("global.data_dir", cfg.Global.DataDir)
	v.SetDefault("global.config_dir", cfg.Global.ConfigDir)

	// Identity
	v.SetDefault("identity.user_id", cfg.Identity.UserID)
	v.SetDefault("identity.token", cfg.Identity.Token)

	// Push
	v.SetDefault("push.transport", cfg.Push.Transport)
	v.SetDefault("push.url", cfg.Push.URL)
	v.SetDefault("push.subject", cfg.Push.Subject)
	v.SetDefault("push.reconnect_interval", cfg.Push.ReconnectInterval)
	v.SetDefault("push.ping_period", cfg.Push.PingPeriod)

	// History
	v.SetDefault("history.base_url", cfg.History.BaseURL)
	v.SetDefault("history.page_size", cfg.History.PageSize)
	v.SetDefault("history.timeout", cfg.History.Timeout)

	// Store
	v.SetDefault("store.timezone", cfg.Store.Timezone)

	// Notifications
	v.SetDefault("notifications.sound", cfg.Notifications.Sound)
	v.SetDefault("notifications.system", cfg.Notifications.System)
	v.SetDefault("notifications.attention_interval", cfg.Notifications.AttentionInterval)
	v.SetDefault("notifications.preview_length", cfg.Notifications.PreviewLength)
	v.SetDefault("notifications.title", cfg.Notifications.Title)

	// Presence
	v.SetDefault("presence.idle_timeout", cfg.Presence.IdleTimeout)
	v.SetDefault("presence.typing_ttl", cfg.Presence.TypingTTL)

	// Scroll
	v.SetDefault("scroll.bottom_threshold", cfg.Scroll.BottomThreshold)
	v.SetDefault("scroll.near_top_threshold", cfg.Scroll.NearTopThreshold)
	v.SetDefault("scroll.jump_attempts", cfg.Scroll.JumpAttempts)
	v.SetDefault("scroll.jump_backoff", cfg.Scroll.JumpBackoff)
	v.SetDefault("scroll.highlight_duration", cfg.Scroll.HighlightDuration)

	// State
	v.SetDefault("state.path", cfg.State.Path)

	// Cache
	v.SetDefault("cache.enabled", cfg.Cache.Enabled)
	v.SetDefault("cache.path", cfg.Cache.Path)
	v.SetDefault("cache.busy_timeout_ms", cfg.Cache.BusyTimeoutMs)

	// Logging
	v.SetDefault("logging.level", cfg.Logging.Level)
	v.SetDefault("logging.format", cfg.Logging.Format)
	v.SetDefault("logging.file", cfg.Logging.File)
	v.SetDefault("logging.enable_caller", cfg.Logging.EnableCaller)
}

// loadConfigFile attempts to load the configuration file.
func (l *Loader) loadConfigFile() error {
	if l.configFile != "" {
		l.v.SetConfigFile(l.configFile)
	}

	if err := l.v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); ok {
			return nil
		}
		return err
	}

	return nil
}

// ConfigFileUsed returns the config file that was loaded.
func (l *Loader) ConfigFileUsed() string {
	return l.v.ConfigFileUsed()
}

// Set sets a Viper value by key. Values set here win over every other source.
func (l *Loader) Set(key string, value interface{}) {
	l.v.Set(key, value)
}

// Viper returns the underlying Viper instance for advanced use.
func (l *Loader) Viper() *viper.Viper {
	return l.v
}

// LoadFromFile loads configuration from a specific file.
func LoadFromFile(path string) (*Config, error) {
	loader := NewLoader()
	loader.SetConfigFile(path)
	return loader.Load()
}

// LoadDefault loads configuration with default search paths.
func LoadDefault() (*Config, error) {
	loader := NewLoader()
	return loader.Load()
}

// envBindings lists every key that supports a CHATSYNC_* override.
var envBindings = []string{
	"global.data_dir",
	"global.config_dir",
	"identity.user_id",
	"identity.token",
	"push.transport",
	"push.url",
	"push.subject",
	"push.reconnect_interval",
	"push.ping_period",
	"history.base_url",
	"history.page_size",
	"history.timeout",
	"store.timezone",
	"notifications.sound",
	"notifications.system",
	"notifications.attention_interval",
	"notifications.preview_length",
	"notifications.title",
	"presence.idle_timeout",
	"presence.typing_ttl",
	"scroll.bottom_threshold",
	"scroll.near_top_threshold",
	"scroll.jump_attempts",
	"scroll.jump_backoff",
	"scroll.highlight_duration",
	"state.path",
	"cache.enabled",
	"cache.path",
	"cache.busy_timeout_ms",
	"logging.level",
	"logging.format",
	"logging.file",
	"logging.enable_caller",
}

// EnvVar returns the environment variable name for a config key:
// push.url -> CHATSYNC_PUSH_URL.
func EnvVar(key string) string {
	return EnvPrefix + "_" + strings.ToUpper(strings.ReplaceAll(key, ".", "_"))
}

// bindEnvVars binds environment variables for config keys.
func bindEnvVars(v *viper.Viper) {
	for _, key := range envBindings {
		_ = v.BindEnv(key, EnvVar(key))
	}
}

// applyEnvOverrides manually applies env var overrides to the config struct.
// Viper's Unmarshal doesn't merge env vars for nested fields when a config
// file is present, so the string-valued keys most often set from the
// environment are re-read here.
func (l *Loader) applyEnvOverrides(cfg *Config) {
	v := l.v

	if userID := v.GetString("identity.user_id"); userID != "" {
		cfg.Identity.UserID = userID
	}
	if token := v.GetString("identity.token"); token != "" {
		cfg.Identity.Token = token
	}
	if transport := v.GetString("push.transport"); transport != "" && transport != TransportWebSocket {
		cfg.Push.Transport = transport
	}
	if url := v.GetString("push.url"); url != "" {
		cfg.Push.URL = url
	}
	if baseURL := v.GetString("history.base_url"); baseURL != "" {
		cfg.History.BaseURL = baseURL
	}
	if dataDir := v.GetString("global.data_dir"); dataDir != "" {
		cfg.Global.DataDir = dataDir
	}
	if level := v.GetString("logging.level"); level != "" && level != "info" {
		cfg.Logging.Level = level
	}
	if format := v.GetString("logging.format"); format != "" && format != "console" {
		cfg.Logging.Format = format
	}
	if file := v.GetString("logging.file"); file != "" {
		cfg.Logging.File = file
	}
}
