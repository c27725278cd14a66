// Package scheduler triggers sync passes on reconnect and on a timer while
// online.
package scheduler

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/sitesafe/fieldsync/internal/errors"
	"github.com/sitesafe/fieldsync/internal/logging"
	"github.com/sitesafe/fieldsync/internal/metrics"
	syncpkg "github.com/sitesafe/fieldsync/internal/sync"
	"github.com/sitesafe/fieldsync/internal/sync/connectivity"
)

// Scheduler manages background sync operations.
type Scheduler struct {
	engine       syncpkg.SyncEngineInterface
	monitor      *connectivity.Monitor
	syncInterval time.Duration
	passTimeout  time.Duration
	stopCh       chan struct{}
	wg           sync.WaitGroup
	mu           sync.RWMutex
	isRunning    bool
	lastSyncTime time.Time
	lastResult   *syncpkg.SyncResult
	handler      syncpkg.SyncEventHandler
	// syncInProgress is set while a pass started by the scheduler runs.
	syncInProgress bool
}

// SchedulerConfig holds scheduler configuration.
type SchedulerConfig struct {
	SyncInterval time.Duration // How often to sync while online with queued work (default: 30 seconds)
	PassTimeout  time.Duration // Upper bound for one pass (default: 5 minutes)
}

// DefaultSchedulerConfig returns default scheduler configuration.
func DefaultSchedulerConfig() *SchedulerConfig {
	return &SchedulerConfig{
		SyncInterval: 30 * time.Second,
		PassTimeout:  5 * time.Minute,
	}
}

// NewScheduler creates a new Scheduler.
func NewScheduler(engine syncpkg.SyncEngineInterface, monitor *connectivity.Monitor, config *SchedulerConfig) *Scheduler {
	if config == nil {
		config = DefaultSchedulerConfig()
	}
	if config.SyncInterval <= 0 {
		config.SyncInterval = DefaultSchedulerConfig().SyncInterval
	}
	if config.PassTimeout <= 0 {
		config.PassTimeout = DefaultSchedulerConfig().PassTimeout
	}

	return &Scheduler{
		engine:       engine,
		monitor:      monitor,
		syncInterval: config.SyncInterval,
		passTimeout:  config.PassTimeout,
	}
}

// SetEventHandler sets the handler for connectivity notifications.
func (s *Scheduler) SetEventHandler(handler syncpkg.SyncEventHandler) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.handler = handler
}

func (s *Scheduler) emitEvent(event syncpkg.SyncEvent) {
	s.mu.RLock()
	handler := s.handler
	s.mu.RUnlock()
	if handler == nil {
		return
	}
	if event.Time.IsZero() {
		event.Time = time.Now()
	}
	handler.OnSyncEvent(event)
}

// Start starts the background sync scheduler.
func (s *Scheduler) Start(ctx context.Context) {
	s.mu.Lock()
	if s.isRunning {
		s.mu.Unlock()
		return
	}
	s.isRunning = true
	s.stopCh = make(chan struct{})
	stopCh := s.stopCh
	s.mu.Unlock()

	// Subscribe before reading the current state so no transition is missed.
	transitions, cancel := s.monitor.Subscribe()
	online := s.monitor.Online()
	s.engine.SetOffline(!online)
	metrics.SetOnline(online)

	s.wg.Add(1)
	go s.loop(ctx, stopCh, transitions, cancel)

	logging.Info("Background sync scheduler started",
		map[string]interface{}{
			"interval_seconds": s.syncInterval.Seconds(),
			"online":           online,
		})

	if online && s.engine.PendingChanges() > 0 {
		s.TriggerSync(ctx)
	}
}

// Stop stops the background sync scheduler gracefully.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	if !s.isRunning {
		s.mu.Unlock()
		return
	}
	s.isRunning = false
	close(s.stopCh)
	s.mu.Unlock()

	// Wait for the loop and any pass it started
	s.wg.Wait()

	logging.Info("Background sync scheduler stopped", nil)
}

// SetOnlineStatus forwards a platform network signal to the monitor.
func (s *Scheduler) SetOnlineStatus(isOnline bool) {
	s.monitor.SetOnline(isOnline)
}

func (s *Scheduler) loop(ctx context.Context, stopCh chan struct{}, transitions <-chan connectivity.Transition, cancel func()) {
	defer s.wg.Done()
	defer cancel()

	ticker := time.NewTicker(s.syncInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-stopCh:
			return
		case t, ok := <-transitions:
			if !ok {
				transitions = nil
				continue
			}
			s.handleTransition(ctx, t)
		case <-ticker.C:
			if !s.monitor.Online() || s.engine.PendingChanges() == 0 {
				continue
			}
			if s.engine.Status() == syncpkg.SyncStatusSyncing {
				logging.Debug("Sync already in progress, skipping", nil)
				continue
			}
			s.TriggerSync(ctx)
		}
	}
}

func (s *Scheduler) handleTransition(ctx context.Context, t connectivity.Transition) {
	metrics.SetOnline(t.Online)
	pending := s.engine.PendingChanges()

	if !t.Online {
		s.engine.SetOffline(true)
		logging.Warn("Connection lost, changes will sync when back online",
			map[string]interface{}{"pending": pending})
		s.emitEvent(syncpkg.SyncEvent{
			Type:     syncpkg.SyncEventOffline,
			Severity: syncpkg.SeverityWarning,
			Message:  "You are offline. Changes are saved on this device and will sync later.",
			Count:    pending,
			Time:     t.At,
		})
		return
	}

	s.engine.SetOffline(false)
	message := "Back online"
	if pending > 0 {
		message = fmt.Sprintf("Back online, syncing %d changes", pending)
	}
	logging.Info("Connection restored", map[string]interface{}{"pending": pending})
	s.emitEvent(syncpkg.SyncEvent{
		Type:     syncpkg.SyncEventOnline,
		Severity: syncpkg.SeverityInfo,
		Message:  message,
		Count:    pending,
		Time:     t.At,
	})
	s.TriggerSync(ctx)
}

// runSync executes a sync operation.
func (s *Scheduler) runSync(ctx context.Context) {
	defer s.wg.Done()
	defer func() {
		s.mu.Lock()
		s.syncInProgress = false
		s.mu.Unlock()
	}()

	syncCtx, cancel := context.WithTimeout(ctx, s.passTimeout)
	defer cancel()

	result, err := s.engine.Sync(syncCtx)
	if err != nil {
		logging.ErrorWithCode("Scheduled sync failed", string(errors.ErrSyncFailed), err,
			map[string]interface{}{"interval_seconds": s.syncInterval.Seconds()})
		return
	}
	s.record(result)
}

func (s *Scheduler) record(result *syncpkg.SyncResult) {
	if result == nil || result.Skipped {
		return
	}
	s.mu.Lock()
	s.lastSyncTime = result.EndTime
	s.lastResult = result
	s.mu.Unlock()
}

// TriggerSync starts a pass in the background.
// Returns true if a pass was started, false if one is already in progress.
func (s *Scheduler) TriggerSync(ctx context.Context) bool {
	s.mu.Lock()
	if s.syncInProgress || s.engine.Status() == syncpkg.SyncStatusSyncing {
		s.mu.Unlock()
		return false
	}
	s.syncInProgress = true
	s.wg.Add(1)
	s.mu.Unlock()

	go s.runSync(ctx)
	return true
}

// SchedulerStatus is a snapshot of the scheduler.
type SchedulerStatus struct {
	IsRunning      bool                `json:"isRunning"`
	IsOnline       bool                `json:"isOnline"`
	EngineStatus   syncpkg.SyncStatus  `json:"engineStatus"`
	LastSyncTime   *time.Time          `json:"lastSyncTime,omitempty"`
	LastResult     *syncpkg.SyncResult `json:"lastResult,omitempty"`
	SyncInProgress bool                `json:"syncInProgress"`
	PendingItems   int                 `json:"pendingItems"`
}

// GetStatus returns the current status of the scheduler.
func (s *Scheduler) GetStatus() SchedulerStatus {
	s.mu.RLock()
	defer s.mu.RUnlock()

	status := SchedulerStatus{
		IsRunning:      s.isRunning,
		IsOnline:       s.monitor.Online(),
		EngineStatus:   s.engine.Status(),
		LastResult:     s.lastResult,
		SyncInProgress: s.syncInProgress || s.engine.Status() == syncpkg.SyncStatusSyncing,
		PendingItems:   s.engine.PendingChanges(),
	}
	if !s.lastSyncTime.IsZero() {
		t := s.lastSyncTime
		status.LastSyncTime = &t
	}
	return status
}

// SyncNow runs a pass and waits for it. A pass already in flight makes this
// a no-op that returns a skipped result.
func (s *Scheduler) SyncNow(ctx context.Context) (*syncpkg.SyncResult, error) {
	syncCtx, cancel := context.WithTimeout(ctx, s.passTimeout)
	defer cancel()

	result, err := s.engine.Sync(syncCtx)
	if err != nil {
		return result, err
	}
	s.record(result)

	logging.Info("Manual sync finished",
		map[string]interface{}{
			"synced":  result.Synced,
			"failed":  result.Failed,
			"skipped": result.Skipped,
		})
	return result, nil
}

// IsOnline returns whether the remote API is reachable.
func (s *Scheduler) IsOnline() bool {
	return s.monitor.Online()
}

// IsRunning returns whether the scheduler is running.
func (s *Scheduler) IsRunning() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.isRunning
}
