// Integration tests for offline operation: work done without a network must
// survive restarts and reach the remote once connectivity returns, through
// either the foreground engine or the background worker.
package integration

import (
	"context"
	"net/http"
	"net/http/httptest"
	"os"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sitesafe/fieldsync/internal/crypto"
	"github.com/sitesafe/fieldsync/internal/db"
	"github.com/sitesafe/fieldsync/internal/devremote"
	"github.com/sitesafe/fieldsync/internal/errors"
	"github.com/sitesafe/fieldsync/internal/logging"
	"github.com/sitesafe/fieldsync/internal/models"
	"github.com/sitesafe/fieldsync/internal/store"
	syncpkg "github.com/sitesafe/fieldsync/internal/sync"
	"github.com/sitesafe/fieldsync/internal/sync/background"
	"github.com/sitesafe/fieldsync/internal/sync/connectivity"
	"github.com/sitesafe/fieldsync/internal/sync/queue"
	"github.com/sitesafe/fieldsync/internal/sync/remote"
	"github.com/sitesafe/fieldsync/internal/sync/scheduler"
)

func TestMain(m *testing.M) {
	logging.Init(os.Stderr, logging.LevelError)
	gin.SetMode(gin.TestMode)
	os.Exit(m.Run())
}

// =====================================================
// Test Helpers
// =====================================================

// device is one foreground instance over a data directory.
type device struct {
	db       *db.DB
	store    *store.Store
	queue    *queue.SyncQueue
	client   *remote.Client
	monitor  *connectivity.Monitor
	engine   *syncpkg.SyncEngine
	notifier *background.Notifier
	service  *syncpkg.Service
}

// switchTransport fails every request while down is set.
type switchTransport struct {
	down  atomic.Bool
	calls atomic.Int32
}

func (s *switchTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	s.calls.Add(1)
	if s.down.Load() {
		return nil, errors.New(errors.ErrSyncTransport, "network is unreachable")
	}
	return http.DefaultTransport.RoundTrip(req)
}

func newRemote(t *testing.T) (*devremote.Server, string) {
	t.Helper()
	dev := devremote.New()
	srv := httptest.NewServer(dev.Handler())
	t.Cleanup(srv.Close)
	return dev, srv.URL
}

// openDevice wires a device over dataDir. transport may be nil.
func openDevice(t *testing.T, dataDir, baseURL string, online bool, transport http.RoundTripper) *device {
	t.Helper()
	ctx := context.Background()

	database, err := db.OpenMigrated(dataDir)
	require.NoError(t, err)
	d := &device{db: database}
	d.store = store.New(database.DB, store.Options{HeaderKey: crypto.DeriveKey("device-1")})

	d.queue = queue.NewSyncQueue(d.store, queue.DefaultPolicy())
	require.NoError(t, d.queue.Load(ctx))

	d.monitor = connectivity.NewMonitor(nil, 0, online)
	if transport == nil {
		transport = http.DefaultTransport
	}
	d.client = remote.NewClient(baseURL, "device-1", &http.Client{
		Timeout:   5 * time.Second,
		Transport: background.NewInterceptor(transport, d.store, d.monitor.Online),
	})
	d.engine = syncpkg.NewSyncEngine(d.store, d.queue, d.client, syncpkg.EngineConfig{ClientID: "device-1"})
	d.engine.SetOffline(!online)
	d.notifier = background.NewNotifier()

	d.service = syncpkg.NewService(syncpkg.ServiceDeps{
		Store:    d.store,
		Queue:    d.queue,
		Engine:   d.engine,
		Monitor:  d.monitor,
		Entities: d.client,
		Notifier: d.notifier,
	}, syncpkg.ServiceConfig{})
	d.service.Start(ctx)
	return d
}

func (d *device) close() {
	d.service.Close()
	d.notifier.Close()
	d.monitor.Close()
	d.store.Close()
	d.db.Close()
}

// =====================================================
// Offline Work Across Restarts
// =====================================================

// TestOffline_workSurvivesRestart verifies records and queued changes made
// offline are still there after the process restarts, then sync in order.
func TestOffline_workSurvivesRestart(t *testing.T) {
	ctx := context.Background()
	dev, baseURL := newRemote(t)
	dataDir := t.TempDir()

	var localID string
	t.Run("WorkOffline", func(t *testing.T) {
		d := openDevice(t, dataDir, baseURL, false, nil)
		defer d.close()

		created, err := d.service.Create(ctx, models.EntityInspection, map[string]any{
			"siteId":    "site-3",
			"status":    "open",
			"checklist": []any{"scaffold tagged"},
		})
		require.NoError(t, err)
		assert.False(t, created.Saved)
		localID = created.Record.ID

		_, err = d.service.Update(ctx, models.EntityInspection, localID, map[string]any{"status": "passed"})
		require.NoError(t, err)

		result, err := d.service.SyncNow(ctx)
		require.NoError(t, err)
		assert.Equal(t, syncpkg.SkipOffline, result.SkipReason)
		assert.Equal(t, 2, d.service.PendingCount())
	})

	t.Run("RestartAndSync", func(t *testing.T) {
		d := openDevice(t, dataDir, baseURL, true, nil)
		defer d.close()

		assert.Equal(t, 2, d.service.PendingCount(), "queue reloaded from disk")
		rec, err := d.service.Get(ctx, models.EntityInspection, localID)
		require.NoError(t, err)
		assert.Equal(t, "passed", rec.Status)

		result, err := d.service.SyncNow(ctx)
		require.NoError(t, err)
		assert.Equal(t, 2, result.Synced)
		assert.Zero(t, d.service.PendingCount())

		server := dev.Records(models.EntityInspection)
		require.Len(t, server, 1)
		assert.Equal(t, "passed", server[0].Status)
		assert.Equal(t, localID, server[0].LocalClientID)

		_, err = d.service.Get(ctx, models.EntityInspection, server[0].ID)
		assert.NoError(t, err, "local row carries the server id")
	})
}

// =====================================================
// Reconnect
// =====================================================

// TestOffline_reconnectFlushesQueue verifies the scheduler pushes everything
// queued offline as soon as the monitor reports online.
func TestOffline_reconnectFlushesQueue(t *testing.T) {
	ctx := context.Background()
	dev, baseURL := newRemote(t)
	d := openDevice(t, t.TempDir(), baseURL, false, nil)
	defer d.close()

	sched := scheduler.NewScheduler(d.engine, d.monitor, &scheduler.SchedulerConfig{SyncInterval: time.Hour})
	sched.SetEventHandler(d.service)
	events, unsubscribe := d.service.Subscribe()
	defer unsubscribe()
	sched.Start(ctx)
	defer sched.Stop()

	for _, sev := range []int{1, 2, 3} {
		_, err := d.service.Create(ctx, models.EntityIncident, map[string]any{"severity": sev})
		require.NoError(t, err)
	}
	assert.Zero(t, dev.PushCount())

	d.monitor.SetOnline(true)

	require.Eventually(t, func() bool {
		return d.service.PendingCount() == 0
	}, 5*time.Second, 20*time.Millisecond)
	assert.Len(t, dev.Records(models.EntityIncident), 3)
	assert.Equal(t, 1, dev.PushCount(), "one batch per entity")

	seen := map[syncpkg.SyncEventType]bool{}
	timeout := time.After(2 * time.Second)
	for !seen[syncpkg.SyncEventCompleted] {
		select {
		case ev := <-events:
			seen[ev.Type] = true
		case <-timeout:
			t.Fatalf("missing completed event, saw %v", seen)
		}
	}
	assert.True(t, seen[syncpkg.SyncEventOnline])
}

// =====================================================
// Background Replay
// =====================================================

// TestOffline_backgroundReplay verifies a push lost to a network failure is
// captured, replayed by the worker over its own database handle, and the
// foreground queue catches up.
func TestOffline_backgroundReplay(t *testing.T) {
	ctx := context.Background()
	dev, baseURL := newRemote(t)
	dataDir := t.TempDir()

	network := &switchTransport{}
	network.down.Store(true)
	d := openDevice(t, dataDir, baseURL, true, network)
	defer d.close()

	events, unsubscribe := d.service.Subscribe()
	defer unsubscribe()

	_, err := d.service.Create(ctx, models.EntityIncident, map[string]any{"severity": 4})
	require.NoError(t, err)

	result, err := d.service.SyncNow(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, result.Failed)
	assert.Equal(t, 1, d.service.PendingCount(), "failed change stays queued")

	// The worker runs as a separate process would: its own handle, its own
	// client, same header key.
	workerDB, err := db.Open(dataDir)
	require.NoError(t, err)
	defer workerDB.Close()
	workerStore := store.New(workerDB.DB, store.Options{HeaderKey: crypto.DeriveKey("device-1")})
	defer workerStore.Close()

	captured, err := workerStore.ListBackgroundRequests(ctx)
	require.NoError(t, err)
	require.Len(t, captured, 1)
	assert.Equal(t, "device-1", captured[0].Header.Get(remote.ClientIDHeader))

	worker := background.NewWorker(workerStore, workerStore, d.notifier, nil, background.Config{})
	replay, err := worker.ReplayAll(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, replay.Replayed)
	assert.Equal(t, 1, replay.Acked)
	assert.Len(t, dev.Records(models.EntityIncident), 1)

	timeout := time.After(2 * time.Second)
	for {
		select {
		case ev := <-events:
			if ev.Type != syncpkg.SyncEventReplayed {
				continue
			}
			assert.Equal(t, 1, ev.Count)
			assert.Zero(t, d.service.PendingCount(), "foreground reloaded the queue")
			return
		case <-timeout:
			t.Fatal("no background.replayed event")
		}
	}
}
