// Package db provides database connection management for the local store.
package db

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"

	_ "modernc.org/sqlite"
)

// FileName is the database file created inside the data directory.
const FileName = "fieldsync.db"

// BusyTimeoutMillis bounds how long a writer waits on a lock held by another
// process sharing the file (the background worker).
const BusyTimeoutMillis = 5000

// DB wraps the sql.DB with fieldsync-specific configuration.
type DB struct {
	*sql.DB
	Path string
}

// Open opens the SQLite database in dataDir.
// The database is opened with:
// - WAL mode so the background worker can read while the foreground writes
// - a busy timeout for cross-process lock waits
// - Foreign key constraints enabled
func Open(dataDir string) (*DB, error) {
	if err := os.MkdirAll(dataDir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create data directory: %w", err)
	}
	return OpenPath(filepath.Join(dataDir, FileName))
}

// OpenPath opens the SQLite database file at path.
func OpenPath(path string) (*DB, error) {
	dsn := fmt.Sprintf("file:%s?_pragma=busy_timeout(%d)&_pragma=journal_mode(WAL)&_pragma=foreign_keys(1)",
		path, BusyTimeoutMillis)

	// modernc.org/sqlite is pure Go, no CGO
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// SQLite doesn't support multiple writers
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	return &DB{DB: db, Path: path}, nil
}

// OpenMigrated opens the database in dataDir and applies all pending
// migrations.
func OpenMigrated(dataDir string) (*DB, error) {
	db, err := Open(dataDir)
	if err != nil {
		return nil, err
	}
	if err := NewMigrator(db.DB).Up(); err != nil {
		db.Close()
		return nil, err
	}
	return db, nil
}

// Close closes the database connection.
func (db *DB) Close() error {
	return db.DB.Close()
}
