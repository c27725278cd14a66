package main

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"os"

	"github.com/sitesafe/fieldsync/internal/config"
	"github.com/sitesafe/fieldsync/internal/crypto"
	"github.com/sitesafe/fieldsync/internal/db"
	"github.com/sitesafe/fieldsync/internal/logging"
	"github.com/sitesafe/fieldsync/internal/metrics"
	"github.com/sitesafe/fieldsync/internal/store"
	syncpkg "github.com/sitesafe/fieldsync/internal/sync"
	"github.com/sitesafe/fieldsync/internal/sync/background"
	"github.com/sitesafe/fieldsync/internal/sync/connectivity"
	"github.com/sitesafe/fieldsync/internal/sync/queue"
	"github.com/sitesafe/fieldsync/internal/sync/remote"
	"github.com/sitesafe/fieldsync/internal/sync/scheduler"
)

// app owns every long-lived component. The caller must defer app.Close().
type app struct {
	cfg *config.Config

	db        *db.DB
	store     *store.Store
	queue     *queue.SyncQueue
	client    *remote.Client
	engine    *syncpkg.SyncEngine
	monitor   *connectivity.Monitor
	scheduler *scheduler.Scheduler
	notifier  *background.Notifier
	service   *syncpkg.Service

	// The background worker gets its own handle, as a separate process would.
	workerDB *db.DB
	worker   *background.Worker
}

// newApp opens the database and wires the sync components from cfg.
func newApp(ctx context.Context, cfg *config.Config) (*app, error) {
	database, err := db.OpenMigrated(cfg.DataDir)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}
	a := &app{cfg: cfg, db: database}

	a.store = store.New(database.DB, cfg.StoreOptions())

	clientID := cfg.ClientID
	if clientID == "" {
		if clientID, err = a.store.ClientID(ctx); err != nil {
			a.Close()
			return nil, fmt.Errorf("reading client id: %w", err)
		}
	}
	headerKey := crypto.DeriveKey(clientID)
	a.store.SetHeaderKey(headerKey)

	a.queue = queue.NewSyncQueue(a.store, cfg.QueuePolicy())
	if err := a.queue.Load(ctx); err != nil {
		a.Close()
		return nil, fmt.Errorf("loading queue: %w", err)
	}
	metrics.SetQueueDepth(a.queue.GetStats())

	// The probe and the interceptor both read the monitor, which needs the
	// client for its probe.
	var transport http.RoundTripper = http.DefaultTransport
	if cfg.Background.Enabled {
		transport = background.NewInterceptor(transport, a.store, func() bool {
			return a.monitor.Online()
		})
	}
	a.client = remote.NewClient(cfg.Remote.APIBase, clientID, &http.Client{
		Timeout:   cfg.Remote.RequestTimeout.Duration,
		Transport: transport,
	})
	a.monitor = connectivity.NewMonitor(func(ctx context.Context) error {
		_, err := a.client.Status(ctx)
		return err
	}, cfg.Remote.ProbeInterval.Duration, false)

	a.engine = syncpkg.NewSyncEngine(a.store, a.queue, a.client, syncpkg.EngineConfig{ClientID: clientID})
	// Offline until the first probe or transition says otherwise.
	a.engine.SetOffline(!a.monitor.Online())
	a.scheduler = scheduler.NewScheduler(a.engine, a.monitor, &scheduler.SchedulerConfig{
		SyncInterval: cfg.Sync.Interval.Duration,
		PassTimeout:  cfg.Sync.PassTimeout.Duration,
	})
	a.notifier = background.NewNotifier()

	if cfg.Background.Enabled {
		a.workerDB, err = db.Open(cfg.DataDir)
		if err != nil {
			a.Close()
			return nil, fmt.Errorf("opening worker database: %w", err)
		}
		workerStore := store.New(a.workerDB.DB, store.Options{HeaderKey: headerKey})
		a.worker = background.NewWorker(workerStore, workerStore, a.notifier, a.monitor, background.Config{
			Retention: cfg.Background.Retention.Duration,
			Interval:  cfg.Background.ReplayInterval.Duration,
			HTTP:      &http.Client{Timeout: cfg.Remote.RequestTimeout.Duration},
		})
	}

	a.service = syncpkg.NewService(syncpkg.ServiceDeps{
		Store:    a.store,
		Queue:    a.queue,
		Engine:   a.engine,
		Monitor:  a.monitor,
		Runner:   a.scheduler,
		Entities: a.client,
		Notifier: a.notifier,
	}, syncpkg.ServiceConfig{FastPathTimeout: cfg.Remote.FastPathTimeout.Duration})
	a.scheduler.SetEventHandler(a.service)

	logging.Info("fieldsync initialized", map[string]interface{}{
		"data_dir":  cfg.DataDir,
		"api_base":  cfg.Remote.APIBase,
		"client_id": clientID,
		"pending":   a.queue.Count(),
	})
	return a, nil
}

// checkOnline probes the remote once and tells the engine the result. Used
// by one-shot commands that do not run the scheduler.
func (a *app) checkOnline(ctx context.Context) bool {
	online := a.monitor.Check(ctx)
	a.engine.SetOffline(!online)
	return online
}

// start launches the background loops. Subscribers start before the
// monitor so none of them misses its first transition.
func (a *app) start(ctx context.Context) {
	a.service.Start(ctx)
	a.scheduler.Start(ctx)
	if a.worker != nil {
		a.worker.Start(ctx)
	}
	a.monitor.Start(ctx)
}

// Close stops the loops and releases the databases.
func (a *app) Close() {
	if a.scheduler != nil {
		a.scheduler.Stop()
	}
	if a.worker != nil {
		a.worker.Stop()
	}
	if a.service != nil {
		a.service.Close()
	}
	if a.notifier != nil {
		a.notifier.Close()
	}
	if a.monitor != nil {
		a.monitor.Close()
	}
	if a.store != nil {
		a.store.Close()
	}
	if a.workerDB != nil {
		a.workerDB.Close()
	}
	if a.db != nil {
		a.db.Close()
	}
}

// initLogging configures the global logger from cfg.
func initLogging(cfg *config.Config) (io.Closer, error) {
	level := logging.ParseLevel(cfg.Log.Level)
	if cfg.Log.File == "" {
		logging.Init(os.Stderr, level)
		return io.NopCloser(nil), nil
	}
	return logging.InitFile(logging.FileOptions{
		Path:       cfg.Log.File,
		MaxSizeMB:  cfg.Log.MaxSizeMB,
		MaxBackups: cfg.Log.MaxBackups,
		MaxAgeDays: cfg.Log.MaxAgeDays,
	}, level)
}
