// Package conflict provides unit tests for refresh conflict resolution.
package conflict

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sitesafe/fieldsync/internal/models"
)

func rec(id string, version int, updated int64) *models.Record {
	return &models.Record{ID: id, Version: version, UpdatedAt: updated}
}

func newTestResolver(strategy ResolutionStrategy) *Resolver {
	r := NewResolver(strategy)
	r.now = func() time.Time { return time.UnixMilli(42) }
	return r
}

// TestResolver_VersionCheck covers every branch of the default strategy.
func TestResolver_VersionCheck(t *testing.T) {
	r := newTestResolver(ResolutionStrategyVersionCheck)

	tests := []struct {
		name       string
		conflict   *Conflict
		apply      bool
		resolution string
		logged     bool
	}{
		{"new row", &Conflict{Remote: rec("a", 1, 1)}, true, models.ResolutionRemoteWins, false},
		{"remote newer", &Conflict{Local: rec("a", 1, 1), Remote: rec("a", 2, 2)}, true, models.ResolutionRemoteWins, false},
		{"same version", &Conflict{Local: rec("a", 2, 5), Remote: rec("a", 2, 2)}, true, models.ResolutionRemoteWins, false},
		{"local newer", &Conflict{Local: rec("a", 3, 1), Remote: rec("a", 2, 9)}, false, models.ResolutionLocalNewer, true},
		{"pending local change", &Conflict{Local: rec("a", 1, 1), Remote: rec("a", 4, 9), LocalPending: true}, false, models.ResolutionLocalPending, true},
		{"pending delete", &Conflict{Remote: rec("a", 2, 2), LocalPending: true}, false, models.ResolutionLocalPending, false},
		{"pending, server unchanged", &Conflict{Local: rec("a", 1, 5), Remote: rec("a", 1, 5), LocalPending: true}, false, models.ResolutionLocalPending, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tt.conflict.Entity = models.EntityIncident
			got, err := r.Resolve(tt.conflict)
			require.NoError(t, err)
			assert.Equal(t, tt.apply, got.Apply)
			assert.Equal(t, tt.resolution, got.Resolution)
			if !tt.logged {
				assert.Nil(t, got.ConflictLog)
				return
			}
			require.NotNil(t, got.ConflictLog)
			assert.Equal(t, models.EntityIncident, got.ConflictLog.Entity)
			assert.Equal(t, "a", got.ConflictLog.RecordID)
			assert.Equal(t, tt.conflict.Local.Version, got.ConflictLog.LocalVersion)
			assert.Equal(t, tt.conflict.Remote.Version, got.ConflictLog.RemoteVersion)
			assert.Equal(t, int64(42), got.ConflictLog.DetectedAt)
		})
	}
}

func TestResolver_LastWriteWins(t *testing.T) {
	r := newTestResolver(ResolutionStrategyLastWriteWins)

	got, err := r.Resolve(&Conflict{Local: rec("a", 5, 100), Remote: rec("a", 1, 200)})
	require.NoError(t, err)
	assert.True(t, got.Apply, "later updatedAt wins regardless of version")

	got, err = r.Resolve(&Conflict{Local: rec("a", 1, 300), Remote: rec("a", 5, 200)})
	require.NoError(t, err)
	assert.False(t, got.Apply)
	assert.Equal(t, models.ResolutionLocalNewer, got.Resolution)
}

func TestResolver_Errors(t *testing.T) {
	r := NewResolver(ResolutionStrategyVersionCheck)

	_, err := r.Resolve(&Conflict{Local: rec("a", 1, 1)})
	assert.True(t, errors.Is(err, ErrInvalidConflict))
	assert.True(t, IsConflictError(err))

	_, err = r.Resolve(&Conflict{Local: rec("a", 1, 1), Remote: rec("b", 1, 1)})
	assert.True(t, errors.Is(err, ErrItemIDMismatch))
}

func TestResolver_ResolveMultiple(t *testing.T) {
	r := NewResolver(ResolutionStrategyVersionCheck)

	results, err := r.ResolveMultiple([]*Conflict{
		{Remote: rec("a", 1, 1)},
		{Local: rec("b", 3, 1), Remote: rec("b", 2, 1)},
	})
	require.NoError(t, err)
	require.Len(t, results, 2)
	assert.True(t, results[0].Apply)
	assert.False(t, results[1].Apply)

	_, err = r.ResolveMultiple([]*Conflict{{}})
	assert.Error(t, err)
}
