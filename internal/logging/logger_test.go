// Package logging tests for structured JSON logging.
package logging

import (
	"bufio"
	"bytes"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// resetGlobal clears the package-level logger so each test can Init again.
func resetGlobal() {
	global = nil
	once = sync.Once{}
}

func decodeLines(t *testing.T, buf *bytes.Buffer) []map[string]interface{} {
	t.Helper()
	var entries []map[string]interface{}
	scanner := bufio.NewScanner(buf)
	for scanner.Scan() {
		var entry map[string]interface{}
		require.NoError(t, json.Unmarshal(scanner.Bytes(), &entry), "line: %s", scanner.Text())
		entries = append(entries, entry)
	}
	return entries
}

// =====================================================
// Initialization
// =====================================================

func TestInit(t *testing.T) {
	resetGlobal()
	t.Cleanup(resetGlobal)

	var buf bytes.Buffer
	Init(&buf, LevelInfo)

	logger := Get()
	require.NotNil(t, logger)
	assert.Same(t, &buf, logger.out)
	assert.Equal(t, LevelInfo, logger.minLevel)
}

// TestInit_idempotent verifies a second Init is ignored.
func TestInit_idempotent(t *testing.T) {
	resetGlobal()
	t.Cleanup(resetGlobal)

	var buf1, buf2 bytes.Buffer
	Init(&buf1, LevelInfo)
	first := Get()

	Init(&buf2, LevelDebug)
	assert.Same(t, first, Get())
	assert.Same(t, &buf1, Get().out)
}

func TestGet_default(t *testing.T) {
	resetGlobal()
	t.Cleanup(resetGlobal)

	logger := Get()
	require.NotNil(t, logger)
	assert.Equal(t, os.Stdout, logger.out)
	assert.Equal(t, LevelInfo, logger.minLevel)
}

// =====================================================
// Levels
// =====================================================

func TestLogLevel_shouldLog(t *testing.T) {
	tests := []struct {
		name     string
		minLevel LogLevel
		logLevel LogLevel
		expected bool
	}{
		{"debug logs at debug", LevelDebug, LevelDebug, true},
		{"debug logs at info", LevelInfo, LevelDebug, false},
		{"info logs at info", LevelInfo, LevelInfo, true},
		{"info logs at warn", LevelWarn, LevelInfo, false},
		{"warn logs at error", LevelError, LevelWarn, false},
		{"error logs at error", LevelError, LevelError, true},
		{"error logs at debug", LevelDebug, LevelError, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			logger := &Logger{minLevel: tt.minLevel}
			assert.Equal(t, tt.expected, logger.shouldLog(tt.logLevel))
		})
	}
}

func TestParseLevel(t *testing.T) {
	assert.Equal(t, LevelDebug, ParseLevel("debug"))
	assert.Equal(t, LevelWarn, ParseLevel(" warning "))
	assert.Equal(t, LevelError, ParseLevel("ERROR"))
	assert.Equal(t, LevelInfo, ParseLevel("verbose"))
}

// =====================================================
// Output
// =====================================================

func TestLogger_writesJSON(t *testing.T) {
	var buf bytes.Buffer
	logger := newLogger(&buf, LevelDebug)

	logger.Info("sync completed", map[string]interface{}{"synced": 3})
	logger.Error("push failed", errors.New("connection refused"), map[string]interface{}{"entity": "Incident"})

	entries := decodeLines(t, &buf)
	require.Len(t, entries, 2)

	assert.Equal(t, "sync completed", entries[0]["message"])
	assert.Equal(t, "info", entries[0]["level"])
	assert.EqualValues(t, 3, entries[0]["synced"])
	assert.NotEmpty(t, entries[0]["timestamp"])

	assert.Equal(t, "error", entries[1]["level"])
	assert.Equal(t, "connection refused", entries[1]["error"])
	assert.Equal(t, "Incident", entries[1]["entity"])
}

func TestLogger_filtersBelowMinLevel(t *testing.T) {
	var buf bytes.Buffer
	logger := newLogger(&buf, LevelWarn)

	logger.Debug("hidden")
	logger.Info("hidden")
	logger.Warn("shown")

	entries := decodeLines(t, &buf)
	require.Len(t, entries, 1)
	assert.Equal(t, "shown", entries[0]["message"])
}

func TestLogger_ErrorWithCode(t *testing.T) {
	var buf bytes.Buffer
	logger := newLogger(&buf, LevelInfo)

	logger.ErrorWithCode("periodic sync failed", "SYNC_FAILED", errors.New("boom"),
		map[string]interface{}{"pending": 2})

	entries := decodeLines(t, &buf)
	require.Len(t, entries, 1)
	assert.Equal(t, "SYNC_FAILED", entries[0]["code"])
	assert.EqualValues(t, 2, entries[0]["pending"])
}

func TestMergeContext(t *testing.T) {
	assert.Nil(t, mergeContext())

	single := map[string]interface{}{"a": 1}
	assert.Equal(t, single, mergeContext(single))

	merged := mergeContext(map[string]interface{}{"a": 1, "b": 2}, map[string]interface{}{"b": 3})
	assert.Equal(t, map[string]interface{}{"a": 1, "b": 3}, merged)
}

func TestInitFile(t *testing.T) {
	resetGlobal()
	t.Cleanup(resetGlobal)

	path := filepath.Join(t.TempDir(), "log", "fieldsync.log")
	closer, err := InitFile(FileOptions{Path: path, MaxSizeMB: 1, MaxBackups: 1, MaxAgeDays: 1}, LevelInfo)
	require.NoError(t, err)

	Info("hello file")
	require.NoError(t, closer.Close())

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Contains(t, string(data), "hello file")
}
