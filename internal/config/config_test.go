package config

import (
	"bytes"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestManager_ReadWrite_RoundTrip(t *testing.T) {
	original := NewConfig("/data/fieldsync")
	original.ClientID = "device-42"
	original.Remote.APIBase = "https://api.example.com"
	original.Sync.Interval = Dur(45 * time.Second)
	original.Log.File = "/data/fieldsync/log/fieldsync.log"

	var buf bytes.Buffer
	m := &Manager{}
	require.NoError(t, m.Write(&buf, original))
	assert.Contains(t, buf.String(), `interval = "45s"`)

	got, err := m.Read(&buf)
	require.NoError(t, err)
	assert.Equal(t, original, got)
}

// TestManager_Read_partial verifies missing keys keep their defaults.
func TestManager_Read_partial(t *testing.T) {
	input := `
data_dir = "/srv/fieldsync"

[remote]
api_base = "https://sync.example.com"

[sync]
max_attempts = 8
`
	cfg, err := (&Manager{}).Read(strings.NewReader(input))
	require.NoError(t, err)

	assert.Equal(t, "/srv/fieldsync", cfg.DataDir)
	assert.Equal(t, "https://sync.example.com", cfg.Remote.APIBase)
	assert.Equal(t, 8, cfg.Sync.MaxAttempts)
	assert.Equal(t, 30*time.Second, cfg.Sync.Interval.Duration)
	assert.Equal(t, 24*time.Hour, cfg.Background.Retention.Duration)
}

func TestManager_Read_badDuration(t *testing.T) {
	_, err := (&Manager{}).Read(strings.NewReader("[sync]\ninterval = \"soon\"\n"))
	assert.Error(t, err)
}

func TestNewConfig_defaults(t *testing.T) {
	cfg := NewConfig("/data")
	require.NoError(t, Validate(cfg))

	policy := cfg.QueuePolicy()
	assert.Equal(t, 5, policy.MaxAttempts)
	assert.Equal(t, 30*time.Second, policy.InitialBackoff)
	assert.Equal(t, 30*time.Minute, policy.MaxBackoff)

	opts := cfg.StoreOptions()
	assert.Equal(t, 512, opts.CacheSize)
	assert.Equal(t, filepath.Join("/data", FileName), DefaultPath(cfg.DataDir))
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"missing data dir", func(c *Config) { c.DataDir = "" }},
		{"bad api base", func(c *Config) { c.Remote.APIBase = "not a url" }},
		{"bad listen", func(c *Config) { c.Server.Listen = "localhost" }},
		{"zero interval", func(c *Config) { c.Sync.Interval = Dur(0) }},
		{"zero attempts", func(c *Config) { c.Sync.MaxAttempts = 0 }},
		{"backoff inverted", func(c *Config) { c.Sync.MaxBackoff = Dur(time.Second) }},
		{"unknown level", func(c *Config) { c.Log.Level = "verbose" }},
		{"negative cache", func(c *Config) { c.Cache.Size = -1 }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := NewConfig("/data")
			tt.mutate(cfg)
			assert.Error(t, Validate(cfg))
		})
	}
}

// =====================================================
// Init / Load
// =====================================================

func TestInit(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", FileName)
	cfg := NewConfig(filepath.Dir(path))

	require.NoError(t, Init(path, cfg))

	got, err := ReadFromFile(path)
	require.NoError(t, err)
	assert.Equal(t, cfg, got)

	err = Init(path, cfg)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "already exists")
}

func TestReadFromFile_missing(t *testing.T) {
	_, err := ReadFromFile(filepath.Join(t.TempDir(), "nope.toml"))
	assert.Error(t, err)
}

// TestLoad_defaultsWhenMissing verifies Load works before config init.
func TestLoad_defaultsWhenMissing(t *testing.T) {
	dir := t.TempDir()
	envFile := filepath.Join(dir, ".env")
	require.NoError(t, os.WriteFile(envFile, nil, 0o644))

	cfg, err := Load(DefaultPath(dir), envFile)
	require.NoError(t, err)
	assert.Equal(t, dir, cfg.DataDir)
}

// TestLoad_envOverrides verifies environment variables win over the file,
// and already-set variables win over the .env file.
func TestLoad_envOverrides(t *testing.T) {
	dir := t.TempDir()
	path := DefaultPath(dir)
	require.NoError(t, Init(path, NewConfig(dir)))

	envFile := filepath.Join(dir, ".env")
	require.NoError(t, os.WriteFile(envFile, []byte(
		EnvAPIBase+"=https://from-dotenv.example.com\n"+
			EnvLogLevel+"=debug\n"), 0o644))

	t.Setenv(EnvListen, "0.0.0.0:9000")
	t.Setenv(EnvLogLevel, "warn")
	t.Setenv(EnvAPIBase, "")
	os.Unsetenv(EnvAPIBase)

	cfg, err := Load(path, envFile)
	require.NoError(t, err)

	assert.Equal(t, "https://from-dotenv.example.com", cfg.Remote.APIBase)
	assert.Equal(t, "0.0.0.0:9000", cfg.Server.Listen)
	assert.Equal(t, "warn", cfg.Log.Level)
}

func TestLoad_invalid(t *testing.T) {
	dir := t.TempDir()
	path := DefaultPath(dir)
	require.NoError(t, os.WriteFile(path, []byte("[server]\nlisten = \"nowhere\"\n"), 0o644))

	envFile := filepath.Join(dir, ".env")
	require.NoError(t, os.WriteFile(envFile, nil, 0o644))

	_, err := Load(path, envFile)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "invalid config")
}
