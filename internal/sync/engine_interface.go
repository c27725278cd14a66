// Package sync pushes queued local mutations to the remote API and pulls
// server rows back into the local store.
package sync

import (
	"context"
	"time"

	"github.com/sitesafe/fieldsync/internal/models"
)

// SyncEngineInterface defines the interface for sync engine operations.
// This interface allows for mocking in tests and alternative implementations.
type SyncEngineInterface interface {
	// Sync performs one push pass over the pending queue. A pass that is
	// skipped (offline, empty queue, already syncing) returns a result with
	// Skipped set and no error.
	Sync(ctx context.Context) (*SyncResult, error)

	// Refresh pulls the server rows of entity into the local store.
	Refresh(ctx context.Context, entity models.EntityType) (*RefreshResult, error)

	// SetEventHandler sets the event handler for sync notifications.
	SetEventHandler(handler SyncEventHandler)

	// SetOffline records a connectivity transition.
	SetOffline(offline bool)

	// Status returns the current sync status.
	Status() SyncStatus

	// LastSync returns the time of the last completed pass.
	LastSync() *time.Time

	// PendingChanges returns the number of pending and failed operations.
	PendingChanges() int

	// LastError returns the error of the last pass that ended in error.
	LastError() error
}
