package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Todo backends.
const (
	BackendHomeAssistant = "home_assistant"
	BackendGoogleTasks   = "google_tasks"
)

// DefaultPath is the config file read when no path is given.
const DefaultPath = "~/.config/icasync/config.yaml"

// Config is the root configuration structure.
// It is read-only after Load() returns and safe for concurrent reads.
type Config struct {
	Remote RemoteConfig `yaml:"remote"`
	Todo   TodoConfig   `yaml:"todo"`
	Sync   SyncConfig   `yaml:"sync"`
	Server ServerConfig `yaml:"server"`
	Cache  CacheConfig  `yaml:"cache"`
	Log    LogConfig    `yaml:"log"`
}

// RemoteConfig contains ICA shopping list settings.
type RemoteConfig struct {
	SessionID     string   `yaml:"session_id"`
	SessionCookie string   `yaml:"session_cookie"`
	ListID        string   `yaml:"list_id"`
	BaseURL       string   `yaml:"base_url"`      // API gateway, empty for the public one
	UserInfoURL   string   `yaml:"user_info_url"` // token site, empty for the public one
	Timeout       Duration `yaml:"timeout"`
}

// TodoConfig selects and configures the todo list backend.
type TodoConfig struct {
	Backend       string              `yaml:"backend"`
	ListID        string              `yaml:"list_id"`
	HomeAssistant HomeAssistantConfig `yaml:"home_assistant"`
	GoogleTasks   GoogleTasksConfig   `yaml:"google_tasks"`
}

// HomeAssistantConfig contains Home Assistant REST API settings.
type HomeAssistantConfig struct {
	URL   string `yaml:"url"`
	Token string `yaml:"token"`
}

// GoogleTasksConfig contains Google Tasks settings.
type GoogleTasksConfig struct {
	CredentialsDir string `yaml:"credentials_dir"`
}

// SyncConfig contains reconciliation and scheduling settings.
type SyncConfig struct {
	Debounce        Duration `yaml:"debounce"`
	PurgeCompleted  bool     `yaml:"purge_completed"`
	MaxRemoteItems  int      `yaml:"max_remote_items"`
	MaxTodoItems    int      `yaml:"max_todo_items"`
	CallTimeout     Duration `yaml:"call_timeout"`
	RecentTTL       Duration `yaml:"recent_ttl"`
	RefreshInterval Duration `yaml:"refresh_interval"`
	PollInterval    Duration `yaml:"poll_interval"`
}

// ServerConfig contains HTTP server settings.
type ServerConfig struct {
	Addr            string   `yaml:"addr"`
	APIKey          string   `yaml:"api_key"`
	ShutdownTimeout Duration `yaml:"shutdown_timeout"`
}

// CacheConfig contains database settings.
type CacheConfig struct {
	Path string `yaml:"path"`
}

// LogConfig contains logging settings.
type LogConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
	File   string `yaml:"file"`
}

// Duration is a wrapper around time.Duration that supports YAML string parsing.
type Duration time.Duration

// UnmarshalYAML implements yaml.Unmarshaler for Duration.
func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var s string
	if err := value.Decode(&s); err != nil {
		return err
	}
	parsed, err := time.ParseDuration(s)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", s, err)
	}
	*d = Duration(parsed)
	return nil
}

// MarshalYAML implements yaml.Marshaler for Duration.
func (d Duration) MarshalYAML() (interface{}, error) {
	return time.Duration(d).String(), nil
}

// Std returns the value as a time.Duration.
func (d Duration) Std() time.Duration {
	return time.Duration(d)
}

// Load loads configuration with precedence: defaults → YAML file → env vars.
// An empty path falls back to ICASYNC_CONFIG, then DefaultPath. A missing
// file is not an error.
func Load(path string) (*Config, error) {
	cfg, err := load(path)
	if err != nil {
		return nil, err
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// LoadSession loads configuration like Load but only requires the remote
// session. It serves list discovery, before any list ids are known.
func LoadSession(path string) (*Config, error) {
	cfg, err := load(path)
	if err != nil {
		return nil, err
	}

	if cfg.Remote.SessionID == "" {
		return nil, errors.New("remote.session_id is required (or set ICASYNC_SESSION_ID)")
	}

	return cfg, nil
}

func load(path string) (*Config, error) {
	cfg := newDefaults()

	if path == "" {
		path = getEnv("ICASYNC_CONFIG", DefaultPath)
	}

	if err := loadYAMLFile(cfg, ExpandHome(path)); err != nil {
		return nil, err
	}

	applyEnvOverrides(cfg)
	cfg.Cache.Path = ExpandHome(cfg.Cache.Path)
	cfg.Todo.GoogleTasks.CredentialsDir = ExpandHome(cfg.Todo.GoogleTasks.CredentialsDir)

	return cfg, nil
}

// LoadFromFile loads configuration from a specific path. Unlike Load, the
// file must exist.
func LoadFromFile(path string) (*Config, error) {
	cfg := newDefaults()

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing config file: %w", err)
	}

	applyEnvOverrides(cfg)
	cfg.Cache.Path = ExpandHome(cfg.Cache.Path)
	cfg.Todo.GoogleTasks.CredentialsDir = ExpandHome(cfg.Todo.GoogleTasks.CredentialsDir)

	if err := cfg.validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// newDefaults returns a Config with all default values.
func newDefaults() *Config {
	return &Config{
		Remote: RemoteConfig{
			SessionCookie: "thSessionId",
			Timeout:       Duration(30 * time.Second),
		},
		Todo: TodoConfig{
			Backend: BackendHomeAssistant,
			HomeAssistant: HomeAssistantConfig{
				URL: "http://homeassistant.local:8123",
			},
			GoogleTasks: GoogleTasksConfig{
				CredentialsDir: "~/.config/icasync/google",
			},
		},
		Sync: SyncConfig{
			Debounce:        Duration(time.Second),
			MaxRemoteItems:  250,
			MaxTodoItems:    100,
			CallTimeout:     Duration(10 * time.Second),
			RecentTTL:       Duration(5 * time.Minute),
			RefreshInterval: Duration(60 * time.Minute),
		},
		Server: ServerConfig{
			Addr:            ":8099",
			ShutdownTimeout: Duration(10 * time.Second),
		},
		Cache: CacheConfig{
			Path: "~/.cache/icasync/icasync.db",
		},
		Log: LogConfig{
			Level:  "info",
			Format: "text",
		},
	}
}

// loadYAMLFile loads configuration from a YAML file if it exists.
func loadYAMLFile(cfg *Config, path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("reading config file: %w", err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return fmt.Errorf("parsing config file: %w", err)
	}

	return nil
}

// applyEnvOverrides applies environment variable overrides to the config.
// Only non-empty env vars override config values.
func applyEnvOverrides(cfg *Config) {
	// Remote
	if v := os.Getenv("ICASYNC_SESSION_ID"); v != "" {
		cfg.Remote.SessionID = v
	}
	if v := os.Getenv("ICASYNC_REMOTE_LIST_ID"); v != "" {
		cfg.Remote.ListID = v
	}

	// Todo
	if v := os.Getenv("ICASYNC_TODO_BACKEND"); v != "" {
		cfg.Todo.Backend = v
	}
	if v := os.Getenv("ICASYNC_TODO_LIST_ID"); v != "" {
		cfg.Todo.ListID = v
	}
	if v := os.Getenv("ICASYNC_HA_URL"); v != "" {
		cfg.Todo.HomeAssistant.URL = v
	}
	if v := os.Getenv("ICASYNC_HA_TOKEN"); v != "" {
		cfg.Todo.HomeAssistant.Token = v
	}

	// Sync
	if v := os.Getenv("ICASYNC_DEBOUNCE"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.Sync.Debounce = Duration(d)
		}
	}
	if v := os.Getenv("ICASYNC_PURGE_COMPLETED"); v != "" {
		cfg.Sync.PurgeCompleted = v == "true" || v == "1"
	}
	if v := os.Getenv("ICASYNC_MAX_REMOTE_ITEMS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.Sync.MaxRemoteItems = n
		}
	}
	if v := os.Getenv("ICASYNC_MAX_TODO_ITEMS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.Sync.MaxTodoItems = n
		}
	}
	if v := os.Getenv("ICASYNC_REFRESH_INTERVAL"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.Sync.RefreshInterval = Duration(d)
		}
	}
	if v := os.Getenv("ICASYNC_POLL_INTERVAL"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.Sync.PollInterval = Duration(d)
		}
	}

	// Server
	if v := os.Getenv("ICASYNC_ADDR"); v != "" {
		cfg.Server.Addr = v
	}
	if v := os.Getenv("ICASYNC_API_KEY"); v != "" {
		cfg.Server.APIKey = v
	}

	// Cache
	if v := os.Getenv("ICASYNC_CACHE_PATH"); v != "" {
		cfg.Cache.Path = v
	}

	// Log
	if v := os.Getenv("ICASYNC_LOG_LEVEL"); v != "" {
		cfg.Log.Level = v
	}
	if v := os.Getenv("ICASYNC_LOG_FORMAT"); v != "" {
		cfg.Log.Format = v
	}
	if v := os.Getenv("ICASYNC_LOG_FILE"); v != "" {
		cfg.Log.File = v
	}
}

// validate checks that required configuration values are set.
func (c *Config) validate() error {
	if c.Remote.SessionID == "" {
		return errors.New("remote.session_id is required (or set ICASYNC_SESSION_ID)")
	}
	if c.Remote.ListID == "" {
		return errors.New("remote.list_id is required")
	}
	if c.Todo.ListID == "" {
		return errors.New("todo.list_id is required")
	}

	switch c.Todo.Backend {
	case BackendHomeAssistant:
		if c.Todo.HomeAssistant.URL == "" {
			return errors.New("todo.home_assistant.url is required")
		}
		if c.Todo.HomeAssistant.Token == "" {
			return errors.New("todo.home_assistant.token is required (or set ICASYNC_HA_TOKEN)")
		}
	case BackendGoogleTasks:
		if c.Todo.GoogleTasks.CredentialsDir == "" {
			return errors.New("todo.google_tasks.credentials_dir is required")
		}
	default:
		return fmt.Errorf("unknown todo.backend %q (want %s or %s)", c.Todo.Backend, BackendHomeAssistant, BackendGoogleTasks)
	}

	if c.Sync.MaxRemoteItems <= 0 {
		return fmt.Errorf("sync.max_remote_items must be positive, got %d", c.Sync.MaxRemoteItems)
	}
	if c.Sync.MaxTodoItems <= 0 {
		return fmt.Errorf("sync.max_todo_items must be positive, got %d", c.Sync.MaxTodoItems)
	}
	if c.Sync.Debounce <= 0 {
		return fmt.Errorf("sync.debounce must be positive, got %s", c.Sync.Debounce.Std())
	}
	if c.Sync.RefreshInterval < 0 || c.Sync.PollInterval < 0 {
		return errors.New("sync intervals must not be negative")
	}
	return nil
}

// ExpandHome replaces a leading ~ with the user's home directory.
func ExpandHome(path string) string {
	if path != "~" && !strings.HasPrefix(path, "~/") {
		return path
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return path
	}
	return filepath.Join(home, strings.TrimPrefix(path, "~"))
}

// getEnv returns the value of an environment variable or a default.
func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}
