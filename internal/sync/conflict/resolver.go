// Package conflict decides whether a server row pulled during refresh may
// overwrite the local copy.
package conflict

import (
	"time"

	"github.com/sitesafe/fieldsync/internal/logging"
	"github.com/sitesafe/fieldsync/internal/models"
)

// ResolutionStrategy defines how conflicts are resolved.
type ResolutionStrategy string

const (
	// ResolutionStrategyVersionCheck applies a server row only when its
	// version is not behind the local one and no local change is queued.
	ResolutionStrategyVersionCheck ResolutionStrategy = "version_check"
	// ResolutionStrategyLastWriteWins compares updatedAt instead of version.
	// Queued local changes still take precedence.
	ResolutionStrategyLastWriteWins ResolutionStrategy = "last_write_wins"
)

// Resolver handles conflict resolution during refresh.
type Resolver struct {
	strategy ResolutionStrategy
	now      func() time.Time
}

// NewResolver creates a new Resolver with the specified strategy.
func NewResolver(strategy ResolutionStrategy) *Resolver {
	return &Resolver{strategy: strategy, now: time.Now}
}

// Strategy returns the configured strategy.
func (r *Resolver) Strategy() ResolutionStrategy {
	return r.strategy
}

// Conflict is a server row paired with the local copy it would replace.
type Conflict struct {
	Entity models.EntityType
	Local  *models.Record // nil when the row is not stored locally
	Remote *models.Record
	// LocalPending is true when a queued operation still targets the row.
	LocalPending bool
}

// ResolveResult represents the outcome of conflict resolution.
type ResolveResult struct {
	// Apply is true when Remote should be written to the local store.
	Apply      bool
	Resolution string
	// ConflictLog is set when the local copy was kept over a different
	// server row.
	ConflictLog *models.ConflictLog
}

// Resolve decides between the local and remote copies of one row.
func (r *Resolver) Resolve(c *Conflict) (*ResolveResult, error) {
	if c == nil || c.Remote == nil {
		return nil, ErrInvalidConflict
	}
	if c.Local == nil {
		// A queued delete removed the row locally; do not bring it back.
		if c.LocalPending {
			return &ResolveResult{Apply: false, Resolution: models.ResolutionLocalPending}, nil
		}
		return &ResolveResult{Apply: true, Resolution: models.ResolutionRemoteWins}, nil
	}
	if c.Local.ID != c.Remote.ID {
		return nil, ErrItemIDMismatch
	}

	if c.LocalPending {
		if c.Remote.Version == c.Local.Version && c.Remote.UpdatedAt <= c.Local.UpdatedAt {
			return &ResolveResult{Apply: false, Resolution: models.ResolutionLocalPending}, nil
		}
		return r.keepLocal(c, models.ResolutionLocalPending), nil
	}

	var remoteWins bool
	switch r.strategy {
	case ResolutionStrategyLastWriteWins:
		remoteWins = c.Remote.UpdatedAt >= c.Local.UpdatedAt
	default:
		remoteWins = c.Remote.Version >= c.Local.Version
	}
	if remoteWins {
		return &ResolveResult{Apply: true, Resolution: models.ResolutionRemoteWins}, nil
	}
	return r.keepLocal(c, models.ResolutionLocalNewer), nil
}

func (r *Resolver) keepLocal(c *Conflict, resolution string) *ResolveResult {
	log := &models.ConflictLog{
		Entity:        c.Entity,
		RecordID:      c.Local.ID,
		LocalVersion:  c.Local.Version,
		RemoteVersion: c.Remote.Version,
		Resolution:    resolution,
		DetectedAt:    r.now().UnixMilli(),
	}

	logging.Warn("Kept local copy over server row",
		map[string]interface{}{
			"entity":         c.Entity,
			"record_id":      c.Local.ID,
			"local_version":  c.Local.Version,
			"remote_version": c.Remote.Version,
			"resolution":     resolution,
			"strategy":       r.strategy,
		})

	return &ResolveResult{Apply: false, Resolution: resolution, ConflictLog: log}
}

// ResolveMultiple resolves multiple conflicts in batch.
func (r *Resolver) ResolveMultiple(conflicts []*Conflict) ([]*ResolveResult, error) {
	results := make([]*ResolveResult, 0, len(conflicts))
	for _, c := range conflicts {
		result, err := r.Resolve(c)
		if err != nil {
			return nil, err
		}
		results = append(results, result)
	}
	return results, nil
}

// Errors
var (
	ErrInvalidConflict = &ConflictError{Message: "invalid conflict: remote row is required"}
	ErrItemIDMismatch  = &ConflictError{Message: "item ID mismatch"}
)

// ConflictError represents a conflict resolution error.
type ConflictError struct {
	Message string
}

func (e *ConflictError) Error() string {
	return e.Message
}

// IsConflictError checks if an error is a ConflictError.
func IsConflictError(err error) bool {
	_, ok := err.(*ConflictError)
	return ok
}
