package store

import (
	"context"
	"database/sql"
	stderrors "errors"
	"strconv"
	"time"

	"github.com/sitesafe/fieldsync/internal/models"
	"github.com/sitesafe/fieldsync/internal/uuid"
)

// =====================================================
// Sync State Operations
// =====================================================

// GetState returns the value stored under key and whether it was present.
func (s *Store) GetState(ctx context.Context, key string) (string, bool, error) {
	var value string
	err := s.db.QueryRowContext(ctx, `SELECT value FROM sync_state WHERE key = ?`, key).Scan(&value)
	if stderrors.Is(err, sql.ErrNoRows) {
		return "", false, nil
	}
	if err != nil {
		return "", false, dbErr("get state "+key, err)
	}
	return value, true, nil
}

// SetState stores value under key.
func (s *Store) SetState(ctx context.Context, key, value string) error {
	query := `INSERT INTO sync_state (key, value) VALUES (?, ?)
	ON CONFLICT(key) DO UPDATE SET value = excluded.value`
	if _, err := s.db.ExecContext(ctx, query, key, value); err != nil {
		return dbErr("set state "+key, err)
	}
	return nil
}

// LastSyncTime returns the persisted time of the last completed sync pass,
// zero if none.
func (s *Store) LastSyncTime(ctx context.Context) (time.Time, error) {
	v, ok, err := s.GetState(ctx, models.StateLastSyncTime)
	if err != nil || !ok {
		return time.Time{}, err
	}
	ms, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		return time.Time{}, nil
	}
	return time.UnixMilli(ms), nil
}

// SetLastSyncTime persists t as the last completed sync pass.
func (s *Store) SetLastSyncTime(ctx context.Context, t time.Time) error {
	return s.SetState(ctx, models.StateLastSyncTime, strconv.FormatInt(t.UnixMilli(), 10))
}

// ClientID returns the persisted client identifier, generating and storing
// one on first use.
func (s *Store) ClientID(ctx context.Context) (string, error) {
	v, ok, err := s.GetState(ctx, models.StateClientID)
	if err != nil {
		return "", err
	}
	if ok && v != "" {
		return v, nil
	}
	id := uuid.New()
	if err := s.SetState(ctx, models.StateClientID, id); err != nil {
		return "", err
	}
	return id, nil
}

// =====================================================
// Conflict Log Operations
// =====================================================

// InsertConflict records a conflict. ID and DetectedAt are filled in when
// empty.
func (s *Store) InsertConflict(ctx context.Context, c *models.ConflictLog) error {
	if c.ID == "" {
		c.ID = uuid.New()
	}
	if c.DetectedAt == 0 {
		c.DetectedAt = time.Now().UnixMilli()
	}
	query := `
	INSERT INTO conflict_log (id, entity, record_id, local_version, remote_version, resolution, detected_at)
	VALUES (?, ?, ?, ?, ?, ?, ?)
	`
	if _, err := s.db.ExecContext(ctx, query, c.ID, c.Entity, c.RecordID, c.LocalVersion,
		c.RemoteVersion, c.Resolution, c.DetectedAt); err != nil {
		return dbErr("insert conflict", err)
	}
	return nil
}

// ListConflicts returns the most recent conflicts first. limit <= 0 returns
// all of them.
func (s *Store) ListConflicts(ctx context.Context, limit int) ([]*models.ConflictLog, error) {
	query := `SELECT id, entity, record_id, local_version, remote_version, resolution, detected_at
	FROM conflict_log ORDER BY detected_at DESC, id`
	var args []interface{}
	if limit > 0 {
		query += ` LIMIT ?`
		args = append(args, limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, dbErr("list conflicts", err)
	}
	defer rows.Close()

	var out []*models.ConflictLog
	for rows.Next() {
		var c models.ConflictLog
		if err := rows.Scan(&c.ID, &c.Entity, &c.RecordID, &c.LocalVersion, &c.RemoteVersion,
			&c.Resolution, &c.DetectedAt); err != nil {
			return nil, dbErr("list conflicts", err)
		}
		out = append(out, &c)
	}
	if err := rows.Err(); err != nil {
		return nil, dbErr("list conflicts", err)
	}
	return out, nil
}
