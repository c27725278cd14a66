// Package store is the local-first persistence layer: one table per mirrored
// entity plus the sync queue, sync state, conflict log and captured
// background requests. It never talks to the network and never retries a
// failed storage call.
package store

import (
	"context"
	"database/sql"
	"encoding/json"
	stderrors "errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/sitesafe/fieldsync/internal/errors"
	"github.com/sitesafe/fieldsync/internal/models"
)

// ErrNotFound is returned by Get when no row has the requested id.
var ErrNotFound = errors.New(errors.ErrNotFound, "record not found")

// Options configures a Store.
type Options struct {
	// CacheSize is the number of records kept by the point-lookup cache.
	// Zero disables the cache.
	CacheSize int
	// CacheTTL bounds how long a cached record is served.
	CacheTTL time.Duration
	// HeaderKey seals the headers of captured background requests. Nil
	// stores them in clear.
	HeaderKey []byte
}

// DefaultOptions returns the options used by the service.
func DefaultOptions() Options {
	return Options{CacheSize: 512, CacheTTL: 5 * time.Minute}
}

// Store provides local persistence for every mirrored entity type.
type Store struct {
	db        *sql.DB
	cache     *recordCache
	headerKey []byte

	// Prepared statement cache, keyed by query text.
	stmtCache sync.Map // map[string]*sql.Stmt
}

// New creates a Store over an already migrated database.
func New(db *sql.DB, opts Options) *Store {
	return &Store{
		db:        db,
		cache:     newRecordCache(opts.CacheSize, opts.CacheTTL),
		headerKey: opts.HeaderKey,
	}
}

// SetHeaderKey sets the key used to seal captured request headers. It must
// be called before the store is shared.
func (s *Store) SetHeaderKey(key []byte) {
	s.headerKey = key
}

// DB returns the underlying database handle.
func (s *Store) DB() *sql.DB {
	return s.db
}

// prepare gets or creates a prepared statement from cache.
func (s *Store) prepare(ctx context.Context, query string) (*sql.Stmt, error) {
	if stmt, ok := s.stmtCache.Load(query); ok {
		return stmt.(*sql.Stmt), nil
	}

	stmt, err := s.db.PrepareContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("failed to prepare statement: %w", err)
	}

	actual, loaded := s.stmtCache.LoadOrStore(query, stmt)
	if loaded {
		stmt.Close()
		return actual.(*sql.Stmt), nil
	}
	return stmt, nil
}

// Close closes all cached prepared statements. The database itself is owned
// by the caller.
func (s *Store) Close() error {
	var firstErr error
	s.stmtCache.Range(func(key, value interface{}) bool {
		if err := value.(*sql.Stmt).Close(); err != nil && firstErr == nil {
			firstErr = err
		}
		s.stmtCache.Delete(key)
		return true
	})
	return firstErr
}

func table(entity models.EntityType) (string, error) {
	if !entity.Valid() {
		return "", errors.New(errors.ErrInvalid, fmt.Sprintf("unknown entity %q", entity))
	}
	return entity.Table(), nil
}

func dbErr(op string, err error) error {
	return errors.Wrap(errors.ErrDatabase, op, err)
}

// =====================================================
// Record Operations
// =====================================================

const recordColumns = `id, local_client_id, version, created_at, updated_at, site_id, status, data`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanRecord(row rowScanner) (*models.Record, error) {
	var rec models.Record
	var localClientID, siteID, status sql.NullString
	var data string
	if err := row.Scan(&rec.ID, &localClientID, &rec.Version, &rec.CreatedAt, &rec.UpdatedAt,
		&siteID, &status, &data); err != nil {
		return nil, err
	}
	rec.LocalClientID = localClientID.String
	rec.SiteID = siteID.String
	rec.Status = status.String
	if data != "" && data != "{}" {
		if err := json.Unmarshal([]byte(data), &rec.Data); err != nil {
			return nil, fmt.Errorf("decode data for %s: %w", rec.ID, err)
		}
	}
	return &rec, nil
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

// Get returns the record with id, or ErrNotFound.
func (s *Store) Get(ctx context.Context, entity models.EntityType, id string) (*models.Record, error) {
	tbl, err := table(entity)
	if err != nil {
		return nil, err
	}
	if rec, ok := s.cache.get(entity, id); ok {
		return rec, nil
	}

	stmt, err := s.prepare(ctx, `SELECT `+recordColumns+` FROM `+tbl+` WHERE id = ?`)
	if err != nil {
		return nil, dbErr("get "+tbl, err)
	}
	rec, err := scanRecord(stmt.QueryRowContext(ctx, id))
	if stderrors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, dbErr("get "+tbl, err)
	}

	s.cache.set(entity, rec)
	return rec, nil
}

// Filter narrows List. Empty fields are ignored; the non-empty ones are
// combined with AND.
type Filter struct {
	ID            string
	SiteID        string
	Status        string
	LocalClientID string

	// OrderBy is one of created_at, updated_at or version. Results are
	// unordered when empty.
	OrderBy string
	Desc    bool
	Limit   int
}

var orderColumns = map[string]bool{
	"created_at": true,
	"updated_at": true,
	"version":    true,
}

// List returns the records of entity matching f.
func (s *Store) List(ctx context.Context, entity models.EntityType, f Filter) ([]*models.Record, error) {
	tbl, err := table(entity)
	if err != nil {
		return nil, err
	}

	var where []string
	var args []interface{}
	for _, cond := range []struct {
		column, value string
	}{
		{"id", f.ID},
		{"site_id", f.SiteID},
		{"status", f.Status},
		{"local_client_id", f.LocalClientID},
	} {
		if cond.value != "" {
			where = append(where, cond.column+" = ?")
			args = append(args, cond.value)
		}
	}

	query := `SELECT ` + recordColumns + ` FROM ` + tbl
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	if f.OrderBy != "" {
		if !orderColumns[f.OrderBy] {
			return nil, errors.New(errors.ErrInvalid, fmt.Sprintf("cannot order by %q", f.OrderBy))
		}
		query += " ORDER BY " + f.OrderBy
		if f.Desc {
			query += " DESC"
		}
		query += ", id"
	}
	if f.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, f.Limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, dbErr("list "+tbl, err)
	}
	defer rows.Close()

	var records []*models.Record
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, dbErr("list "+tbl, err)
		}
		records = append(records, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, dbErr("list "+tbl, err)
	}
	return records, nil
}

// Put upserts rec by id, overwriting any existing row. Applying the same
// record twice leaves the same state as applying it once.
func (s *Store) Put(ctx context.Context, entity models.EntityType, rec *models.Record) error {
	tbl, err := table(entity)
	if err != nil {
		return err
	}
	if rec == nil || rec.ID == "" {
		return errors.New(errors.ErrInvalid, "record id is required")
	}

	data := []byte("{}")
	if len(rec.Data) > 0 {
		if data, err = json.Marshal(rec.Data); err != nil {
			return errors.Wrap(errors.ErrInvalid, "encode record data", err)
		}
	}

	query := `
	INSERT INTO ` + tbl + ` (` + recordColumns + `)
	VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	ON CONFLICT(id) DO UPDATE SET
		local_client_id = excluded.local_client_id,
		version = excluded.version,
		created_at = excluded.created_at,
		updated_at = excluded.updated_at,
		site_id = excluded.site_id,
		status = excluded.status,
		data = excluded.data
	`
	stmt, err := s.prepare(ctx, query)
	if err != nil {
		return dbErr("put "+tbl, err)
	}
	if _, err := stmt.ExecContext(ctx, rec.ID, nullString(rec.LocalClientID), rec.Version,
		rec.CreatedAt, rec.UpdatedAt, nullString(rec.SiteID), nullString(rec.Status), string(data)); err != nil {
		s.cache.invalidate(entity, rec.ID)
		return dbErr("put "+tbl, err)
	}

	s.cache.set(entity, rec)
	return nil
}

// Remove deletes the row with id. Removing a missing row is not an error.
func (s *Store) Remove(ctx context.Context, entity models.EntityType, id string) error {
	tbl, err := table(entity)
	if err != nil {
		return err
	}
	s.cache.invalidate(entity, id)
	if _, err := s.db.ExecContext(ctx, `DELETE FROM `+tbl+` WHERE id = ?`, id); err != nil {
		return dbErr("remove from "+tbl, err)
	}
	return nil
}

// RemapID moves the row oldID to newID after the server assigned an id to a
// locally created record. The old id is kept as local_client_id. If a row
// with newID already exists (pulled before the push was acknowledged) the
// local row is dropped in favour of it.
func (s *Store) RemapID(ctx context.Context, entity models.EntityType, oldID, newID string) error {
	tbl, err := table(entity)
	if err != nil {
		return err
	}
	if oldID == newID || newID == "" {
		return nil
	}

	s.cache.invalidate(entity, oldID)
	s.cache.invalidate(entity, newID)

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return dbErr("remap "+tbl, err)
	}
	defer tx.Rollback()

	var exists int
	if err := tx.QueryRowContext(ctx, `SELECT COUNT(*) FROM `+tbl+` WHERE id = ?`, newID).Scan(&exists); err != nil {
		return dbErr("remap "+tbl, err)
	}

	if exists > 0 {
		if _, err := tx.ExecContext(ctx, `DELETE FROM `+tbl+` WHERE id = ?`, oldID); err != nil {
			return dbErr("remap "+tbl, err)
		}
	} else {
		query := `UPDATE ` + tbl + ` SET id = ?, local_client_id = COALESCE(local_client_id, ?) WHERE id = ?`
		if _, err := tx.ExecContext(ctx, query, newID, oldID, oldID); err != nil {
			return dbErr("remap "+tbl, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return dbErr("remap "+tbl, err)
	}
	return nil
}

// ClearAll wipes every entity table together with the queue, sync state,
// conflict log and captured background requests, in one transaction.
func (s *Store) ClearAll(ctx context.Context) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return dbErr("clear all", err)
	}
	defer tx.Rollback()

	tables := []string{models.SyncQueueItem{}.TableName(), "sync_state",
		models.ConflictLog{}.TableName(), models.BackgroundRequest{}.TableName()}
	for _, e := range models.AllEntities {
		tables = append(tables, e.Table())
	}
	for _, tbl := range tables {
		if _, err := tx.ExecContext(ctx, `DELETE FROM `+tbl); err != nil {
			return dbErr("clear "+tbl, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return dbErr("clear all", err)
	}
	s.cache.clear()
	return nil
}
