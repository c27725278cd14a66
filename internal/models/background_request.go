package models

import (
	"net/http"
	"time"
)

// BackgroundRequest is a captured HTTP request awaiting background replay.
type BackgroundRequest struct {
	ID        string      `db:"id" json:"id"`
	Method    string      `db:"method" json:"method"`
	URL       string      `db:"url" json:"url"`
	Header    http.Header `db:"headers" json:"headers"`
	Body      []byte      `db:"body" json:"-"`
	Attempts  int         `db:"attempts" json:"attempts"`
	LastError string      `db:"last_error" json:"lastError,omitempty"`
	CreatedAt int64       `db:"created_at" json:"createdAt"` // unix millis
}

// TableName returns the table name for BackgroundRequest.
func (BackgroundRequest) TableName() string {
	return "background_requests"
}

// Expired reports whether the request is older than retention at now.
func (r *BackgroundRequest) Expired(now time.Time, retention time.Duration) bool {
	return now.Sub(time.UnixMilli(r.CreatedAt)) > retention
}
