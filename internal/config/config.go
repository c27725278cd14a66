// Package config reads the fieldsync configuration file and applies
// environment overrides.
package config

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"reflect"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/go-playground/validator/v10"
	"github.com/joho/godotenv"

	"github.com/sitesafe/fieldsync/internal/store"
	"github.com/sitesafe/fieldsync/internal/sync/queue"
)

// Environment variables that override the file.
const (
	EnvAPIBase  = "FIELDSYNC_API_BASE"
	EnvDataDir  = "FIELDSYNC_DATA_DIR"
	EnvListen   = "FIELDSYNC_LISTEN"
	EnvLogLevel = "FIELDSYNC_LOG_LEVEL"
	EnvClientID = "FIELDSYNC_CLIENT_ID"
)

// FileName is the config file name inside the data directory.
const FileName = "config.toml"

// Config represents the main configuration for fieldsync.
type Config struct {
	DataDir    string           `toml:"data_dir" validate:"required"`
	ClientID   string           `toml:"client_id,omitempty"` // generated and persisted on first start when empty
	Remote     RemoteConfig     `toml:"remote"`
	Sync       SyncConfig       `toml:"sync"`
	Background BackgroundConfig `toml:"background"`
	Server     ServerConfig     `toml:"server"`
	Log        LogConfig        `toml:"log"`
	Cache      CacheConfig      `toml:"cache"`
}

// RemoteConfig describes the remote API.
type RemoteConfig struct {
	APIBase         string   `toml:"api_base" validate:"required,url"`
	RequestTimeout  Duration `toml:"request_timeout" validate:"gt=0"`
	ProbeInterval   Duration `toml:"probe_interval" validate:"gt=0"`
	FastPathTimeout Duration `toml:"fast_path_timeout" validate:"gte=0"` // 0 disables the fast path
}

// SyncConfig holds the scheduler and retry settings.
type SyncConfig struct {
	Interval       Duration `toml:"interval" validate:"gt=0"`
	PassTimeout    Duration `toml:"pass_timeout" validate:"gt=0"`
	MaxAttempts    int      `toml:"max_attempts" validate:"gte=1"`
	InitialBackoff Duration `toml:"initial_backoff" validate:"gt=0"`
	MaxBackoff     Duration `toml:"max_backoff" validate:"gt=0"`
	Multiplier     float64  `toml:"multiplier" validate:"gte=1"`
}

// BackgroundConfig holds the background replay settings.
type BackgroundConfig struct {
	Enabled        bool     `toml:"enabled"`
	Retention      Duration `toml:"retention" validate:"gt=0"`
	ReplayInterval Duration `toml:"replay_interval" validate:"gt=0"`
}

// ServerConfig holds the local API settings.
type ServerConfig struct {
	Listen string `toml:"listen" validate:"required,hostname_port"`
}

// LogConfig holds logging settings. An empty File logs to stdout.
type LogConfig struct {
	Level      string `toml:"level" validate:"omitempty,oneof=debug info warn warning error DEBUG INFO WARN WARNING ERROR"`
	File       string `toml:"file,omitempty"`
	MaxSizeMB  int    `toml:"max_size_mb" validate:"gte=0"`
	MaxBackups int    `toml:"max_backups" validate:"gte=0"`
	MaxAgeDays int    `toml:"max_age_days" validate:"gte=0"`
}

// CacheConfig sizes the store's point-lookup cache. Size 0 disables it.
type CacheConfig struct {
	Size int      `toml:"size" validate:"gte=0"`
	TTL  Duration `toml:"ttl" validate:"gte=0"`
}

// Duration is a time.Duration written as a string ("30s") in TOML.
type Duration struct {
	time.Duration
}

// Dur wraps d.
func Dur(d time.Duration) Duration {
	return Duration{Duration: d}
}

// MarshalText implements encoding.TextMarshaler.
func (d Duration) MarshalText() ([]byte, error) {
	return []byte(d.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (d *Duration) UnmarshalText(text []byte) error {
	v, err := time.ParseDuration(string(text))
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", text, err)
	}
	d.Duration = v
	return nil
}

// DefaultDataDir returns ~/.local/share/fieldsync, or a relative directory
// when the home directory is unknown.
func DefaultDataDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return "fieldsync-data"
	}
	return filepath.Join(home, ".local", "share", "fieldsync")
}

// DefaultPath returns the config file path inside dataDir.
func DefaultPath(dataDir string) string {
	return filepath.Join(dataDir, FileName)
}

// NewConfig creates a Config with default values rooted at dataDir.
func NewConfig(dataDir string) *Config {
	policy := queue.DefaultPolicy()
	opts := store.DefaultOptions()
	return &Config{
		DataDir: dataDir,
		Remote: RemoteConfig{
			APIBase:         "http://localhost:8090",
			RequestTimeout:  Dur(30 * time.Second),
			ProbeInterval:   Dur(10 * time.Second),
			FastPathTimeout: Dur(3 * time.Second),
		},
		Sync: SyncConfig{
			Interval:       Dur(30 * time.Second),
			PassTimeout:    Dur(5 * time.Minute),
			MaxAttempts:    policy.MaxAttempts,
			InitialBackoff: Dur(policy.InitialBackoff),
			MaxBackoff:     Dur(policy.MaxBackoff),
			Multiplier:     policy.Multiplier,
		},
		Background: BackgroundConfig{
			Enabled:        true,
			Retention:      Dur(24 * time.Hour),
			ReplayInterval: Dur(5 * time.Minute),
		},
		Server: ServerConfig{Listen: "127.0.0.1:8787"},
		Log: LogConfig{
			Level:      "info",
			MaxSizeMB:  10,
			MaxBackups: 3,
			MaxAgeDays: 28,
		},
		Cache: CacheConfig{Size: opts.CacheSize, TTL: Dur(opts.CacheTTL)},
	}
}

// QueuePolicy returns the retry policy for the sync queue.
func (c *Config) QueuePolicy() queue.Policy {
	return queue.Policy{
		MaxAttempts:    c.Sync.MaxAttempts,
		InitialBackoff: c.Sync.InitialBackoff.Duration,
		MaxBackoff:     c.Sync.MaxBackoff.Duration,
		Multiplier:     c.Sync.Multiplier,
	}
}

// StoreOptions returns the options for the local store.
func (c *Config) StoreOptions() store.Options {
	return store.Options{CacheSize: c.Cache.Size, CacheTTL: c.Cache.TTL.Duration}
}

// Manager handles reading and writing configuration.
type Manager struct{}

// Read decodes a Config from the provided reader. Keys missing from the
// input keep their default values.
func (m *Manager) Read(r io.Reader) (*Config, error) {
	cfg := NewConfig(DefaultDataDir())
	if _, err := toml.NewDecoder(r).Decode(cfg); err != nil {
		return nil, fmt.Errorf("failed to decode config: %w", err)
	}
	return cfg, nil
}

// Write encodes a Config to the provided writer.
func (m *Manager) Write(w io.Writer, cfg *Config) error {
	if err := toml.NewEncoder(w).Encode(cfg); err != nil {
		return fmt.Errorf("failed to encode config: %w", err)
	}
	return nil
}

// ReadFromFile reads a Config from the specified file path.
func ReadFromFile(path string) (*Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open config file: %w", err)
	}
	defer f.Close()

	m := &Manager{}
	cfg, err := m.Read(f)
	if err != nil {
		return nil, fmt.Errorf("reading config from %s: %w", path, err)
	}
	return cfg, nil
}

func writeToFile(path string, cfg *Config) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("failed to create config file: %w", err)
	}
	defer f.Close()

	m := &Manager{}
	if err := m.Write(f, cfg); err != nil {
		return fmt.Errorf("writing config to %s: %w", path, err)
	}
	return nil
}

// Init writes cfg to path. It refuses to overwrite an existing file.
func Init(path string, cfg *Config) error {
	if _, err := os.Stat(path); err == nil {
		return fmt.Errorf("config file already exists at %s", path)
	}
	if err := Validate(cfg); err != nil {
		return err
	}
	if err := writeToFile(path, cfg); err != nil {
		return fmt.Errorf("initializing config: %w", err)
	}
	return nil
}

// Load reads the config file at path, falling back to defaults when it does
// not exist, then applies .env and environment overrides and validates the
// result. With no envFiles, a .env in the working directory is used if
// present.
func Load(path string, envFiles ...string) (*Config, error) {
	if len(envFiles) == 0 {
		// A missing .env is fine; real environment variables still apply.
		_ = godotenv.Load()
	} else if err := godotenv.Load(envFiles...); err != nil {
		return nil, fmt.Errorf("loading env files: %w", err)
	}

	var cfg *Config
	if _, err := os.Stat(path); err == nil {
		cfg, err = ReadFromFile(path)
		if err != nil {
			return nil, err
		}
	} else {
		cfg = NewConfig(filepath.Dir(path))
	}

	ApplyEnv(cfg)
	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// ApplyEnv overrides cfg with any FIELDSYNC_* variables that are set.
func ApplyEnv(cfg *Config) {
	cfg.Remote.APIBase = getEnv(EnvAPIBase, cfg.Remote.APIBase)
	cfg.DataDir = getEnv(EnvDataDir, cfg.DataDir)
	cfg.Server.Listen = getEnv(EnvListen, cfg.Server.Listen)
	cfg.Log.Level = getEnv(EnvLogLevel, cfg.Log.Level)
	cfg.ClientID = getEnv(EnvClientID, cfg.ClientID)
}

func getEnv(key, defaultValue string) string {
	if value, exists := os.LookupEnv(key); exists && value != "" {
		return value
	}
	return defaultValue
}

var validate = newValidator()

func newValidator() *validator.Validate {
	v := validator.New()
	// Durations are checked as nanosecond counts.
	v.RegisterCustomTypeFunc(func(field reflect.Value) interface{} {
		if d, ok := field.Interface().(Duration); ok {
			return int64(d.Duration)
		}
		return nil
	}, Duration{})
	return v
}

// Validate checks cfg against its field constraints.
func Validate(cfg *Config) error {
	if err := validate.Struct(cfg); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}
	if cfg.Sync.MaxBackoff.Duration < cfg.Sync.InitialBackoff.Duration {
		return fmt.Errorf("invalid config: sync.max_backoff %s is below sync.initial_backoff %s",
			cfg.Sync.MaxBackoff, cfg.Sync.InitialBackoff)
	}
	return nil
}
