package store

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/sitesafe/fieldsync/internal/crypto"
	"github.com/sitesafe/fieldsync/internal/models"
	"github.com/sitesafe/fieldsync/internal/uuid"
)

// =====================================================
// Background Request Operations
// =====================================================

// InsertBackgroundRequest persists a captured request. ID and CreatedAt are
// filled in when empty.
func (s *Store) InsertBackgroundRequest(ctx context.Context, r *models.BackgroundRequest) error {
	if r.ID == "" {
		r.ID = uuid.New()
	}
	if r.CreatedAt == 0 {
		r.CreatedAt = time.Now().UnixMilli()
	}
	headers, err := s.sealHeaders(r.Header)
	if err != nil {
		return err
	}

	query := `
	INSERT INTO background_requests (id, method, url, headers, body, attempts, last_error, created_at)
	VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	`
	if _, err := s.db.ExecContext(ctx, query, r.ID, r.Method, r.URL, headers, r.Body,
		r.Attempts, r.LastError, r.CreatedAt); err != nil {
		return dbErr("insert background request", err)
	}
	return nil
}

// ListBackgroundRequests returns captured requests, oldest first.
func (s *Store) ListBackgroundRequests(ctx context.Context) ([]*models.BackgroundRequest, error) {
	rows, err := s.db.QueryContext(ctx, `
	SELECT id, method, url, headers, body, attempts, last_error, created_at
	FROM background_requests ORDER BY created_at, id`)
	if err != nil {
		return nil, dbErr("list background requests", err)
	}
	defer rows.Close()

	var out []*models.BackgroundRequest
	for rows.Next() {
		var r models.BackgroundRequest
		var headers string
		if err := rows.Scan(&r.ID, &r.Method, &r.URL, &headers, &r.Body, &r.Attempts,
			&r.LastError, &r.CreatedAt); err != nil {
			return nil, dbErr("list background requests", err)
		}
		if r.Header, err = s.openHeaders(headers); err != nil {
			return nil, err
		}
		out = append(out, &r)
	}
	if err := rows.Err(); err != nil {
		return nil, dbErr("list background requests", err)
	}
	return out, nil
}

// UpdateBackgroundRequest stores the retry bookkeeping of r.
func (s *Store) UpdateBackgroundRequest(ctx context.Context, r *models.BackgroundRequest) error {
	if _, err := s.db.ExecContext(ctx, `UPDATE background_requests SET attempts = ?, last_error = ? WHERE id = ?`,
		r.Attempts, r.LastError, r.ID); err != nil {
		return dbErr("update background request", err)
	}
	return nil
}

// DeleteBackgroundRequest removes a captured request.
func (s *Store) DeleteBackgroundRequest(ctx context.Context, id string) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM background_requests WHERE id = ?`, id); err != nil {
		return dbErr("delete background request", err)
	}
	return nil
}

func (s *Store) sealHeaders(h http.Header) (string, error) {
	raw, err := json.Marshal(h)
	if err != nil {
		return "", dbErr("encode request headers", err)
	}
	if len(s.headerKey) == 0 {
		return string(raw), nil
	}
	sealed, err := crypto.Seal(raw, s.headerKey)
	if err != nil {
		return "", dbErr("seal request headers", err)
	}
	return sealed, nil
}

func (s *Store) openHeaders(stored string) (http.Header, error) {
	h := http.Header{}
	if stored == "" {
		return h, nil
	}
	raw, err := crypto.Open(stored, s.headerKey)
	if err != nil {
		return nil, dbErr("open request headers", err)
	}
	if err := json.Unmarshal(raw, &h); err != nil {
		return nil, dbErr("decode request headers", err)
	}
	return h, nil
}
