package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"strings"

	"github.com/sitesafe/fieldsync/internal/errors"
	"github.com/sitesafe/fieldsync/internal/models"
)

// =====================================================
// Sync Queue Operations
// =====================================================
// Every primitive touches a single row, so enqueue and dequeue cost the same
// regardless of queue length and a crash never leaves a half-written queue.

const queueColumns = `seq, id, type, entity, payload, local_id, timestamp, status, error, attempts, next_retry_at, attachments_meta`

func scanQueueItem(row rowScanner) (*models.SyncQueueItem, error) {
	var item models.SyncQueueItem
	var payload string
	var meta sql.NullString
	if err := row.Scan(&item.Seq, &item.ID, &item.Type, &item.Entity, &payload, &item.LocalID,
		&item.Timestamp, &item.Status, &item.Error, &item.Attempts, &item.NextRetryAt, &meta); err != nil {
		return nil, err
	}
	item.Payload = json.RawMessage(payload)
	if meta.Valid && meta.String != "" {
		item.AttachmentsMeta = json.RawMessage(meta.String)
	}
	return &item, nil
}

func payloadText(p json.RawMessage) string {
	if len(p) == 0 {
		return "{}"
	}
	return string(p)
}

func metaText(m json.RawMessage) sql.NullString {
	return sql.NullString{String: string(m), Valid: len(m) > 0}
}

// InsertQueueItem persists a new queue item and fills in its insertion
// sequence.
func (s *Store) InsertQueueItem(ctx context.Context, item *models.SyncQueueItem) error {
	query := `
	INSERT INTO sync_queue (id, type, entity, payload, local_id, timestamp, status, error, attempts, next_retry_at, attachments_meta)
	VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`
	res, err := s.db.ExecContext(ctx, query, item.ID, item.Type, item.Entity, payloadText(item.Payload),
		item.LocalID, item.Timestamp, item.Status, item.Error, item.Attempts, item.NextRetryAt,
		metaText(item.AttachmentsMeta))
	if err != nil {
		return dbErr("insert queue item", err)
	}
	if seq, err := res.LastInsertId(); err == nil {
		item.Seq = seq
	}
	return nil
}

// UpdateQueueItem rewrites the mutable columns of an existing queue item.
func (s *Store) UpdateQueueItem(ctx context.Context, item *models.SyncQueueItem) error {
	query := `
	UPDATE sync_queue
	SET payload = ?, local_id = ?, status = ?, error = ?, attempts = ?, next_retry_at = ?, attachments_meta = ?
	WHERE id = ?
	`
	res, err := s.db.ExecContext(ctx, query, payloadText(item.Payload), item.LocalID, item.Status,
		item.Error, item.Attempts, item.NextRetryAt, metaText(item.AttachmentsMeta), item.ID)
	if err != nil {
		return dbErr("update queue item", err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return errors.New(errors.ErrQueueItemNotFound, "queue item "+item.ID+" not found")
	}
	return nil
}

// DeleteQueueItems removes the queue items with the given ids. Missing ids
// are ignored.
func (s *Store) DeleteQueueItems(ctx context.Context, ids ...string) error {
	if len(ids) == 0 {
		return nil
	}
	placeholders := strings.TrimSuffix(strings.Repeat("?,", len(ids)), ",")
	args := make([]interface{}, len(ids))
	for i, id := range ids {
		args[i] = id
	}
	if _, err := s.db.ExecContext(ctx, `DELETE FROM sync_queue WHERE id IN (`+placeholders+`)`, args...); err != nil {
		return dbErr("delete queue items", err)
	}
	return nil
}

// ListQueueItems returns every queue item, oldest first. Items with equal
// timestamps keep insertion order.
func (s *Store) ListQueueItems(ctx context.Context) ([]*models.SyncQueueItem, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+queueColumns+` FROM sync_queue ORDER BY timestamp, seq`)
	if err != nil {
		return nil, dbErr("list queue", err)
	}
	defer rows.Close()

	var items []*models.SyncQueueItem
	for rows.Next() {
		item, err := scanQueueItem(rows)
		if err != nil {
			return nil, dbErr("list queue", err)
		}
		items = append(items, item)
	}
	if err := rows.Err(); err != nil {
		return nil, dbErr("list queue", err)
	}
	return items, nil
}

// CountQueueItems returns the number of queue items in any of statuses.
func (s *Store) CountQueueItems(ctx context.Context, statuses ...models.QueueStatus) (int, error) {
	query := `SELECT COUNT(*) FROM sync_queue`
	args := make([]interface{}, len(statuses))
	if len(statuses) > 0 {
		query += ` WHERE status IN (` + strings.TrimSuffix(strings.Repeat("?,", len(statuses)), ",") + `)`
		for i, st := range statuses {
			args[i] = st
		}
	}
	var n int
	if err := s.db.QueryRowContext(ctx, query, args...).Scan(&n); err != nil {
		return 0, dbErr("count queue", err)
	}
	return n, nil
}

// ClearQueue deletes every queue item.
func (s *Store) ClearQueue(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM sync_queue`); err != nil {
		return dbErr("clear queue", err)
	}
	return nil
}
