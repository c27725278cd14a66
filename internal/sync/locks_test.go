package sync

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sitesafe/fieldsync/internal/models"
)

// =====================================================
// Record locks
// =====================================================

// TestRecordLocks_serializesSameRecord verifies a second lock on the same
// record waits while other records stay free.
func TestRecordLocks_serializesSameRecord(t *testing.T) {
	l := newRecordLocks()
	unlock := l.lock(models.EntitySite, "site-1")

	other := l.lock(models.EntitySite, "site-2")
	other()
	sameIDOtherEntity := l.lock(models.EntityIncident, "site-1")
	sameIDOtherEntity()

	acquired := make(chan struct{})
	go func() {
		release := l.lock(models.EntitySite, "site-1")
		close(acquired)
		release()
	}()

	select {
	case <-acquired:
		t.Fatal("lock acquired while held")
	case <-time.After(50 * time.Millisecond):
	}
	unlock()
	<-acquired

	assert.Eventually(t, func() bool { return l.size() == 0 }, time.Second, 5*time.Millisecond)
}

// TestRemap_waitsForInFlightMutation verifies the engine does not move a
// record to its server id while a mutation of it holds the lock.
func TestRemap_waitsForInFlightMutation(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.enqueue(t, models.OpUpdate, models.EntityInspection, "local_1_a")

	unlock := f.engine.locks.lock(models.EntityInspection, "local_1_a")
	done := make(chan error, 1)
	go func() {
		done <- f.engine.remap(ctx, models.EntityInspection, idRemap{localID: "local_1_a", serverID: "srv-1"})
	}()

	select {
	case <-done:
		t.Fatal("remap ran while the record was locked")
	case <-time.After(50 * time.Millisecond):
	}
	_, err := f.store.Get(ctx, models.EntityInspection, "local_1_a")
	require.NoError(t, err, "record still under its local id")

	unlock()
	require.NoError(t, <-done)
	_, err = f.store.Get(ctx, models.EntityInspection, "srv-1")
	assert.NoError(t, err)
	assert.Equal(t, "srv-1", f.queue.List()[0].LocalID)
}
