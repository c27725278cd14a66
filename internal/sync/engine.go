package sync

import (
	"context"
	stderrors "errors"
	"fmt"
	stdsync "sync"
	"time"

	"github.com/sitesafe/fieldsync/internal/errors"
	"github.com/sitesafe/fieldsync/internal/logging"
	"github.com/sitesafe/fieldsync/internal/metrics"
	"github.com/sitesafe/fieldsync/internal/models"
	"github.com/sitesafe/fieldsync/internal/sync/conflict"
	"github.com/sitesafe/fieldsync/internal/sync/queue"
	"github.com/sitesafe/fieldsync/internal/sync/remote"
)

// SyncStatus represents the current sync status.
type SyncStatus string

const (
	SyncStatusIdle    SyncStatus = "idle"
	SyncStatusSyncing SyncStatus = "syncing"
	SyncStatusError   SyncStatus = "error"
	SyncStatusOffline SyncStatus = "offline"
)

// Reasons a pass did nothing.
const (
	SkipOffline    = "offline"
	SkipInProgress = "in_progress"
	SkipEmpty      = "queue_empty"
	SkipNothingDue = "nothing_due"
)

// Remote is the part of the remote API the engine uses.
type Remote interface {
	Push(ctx context.Context, req *remote.PushRequest) (*remote.PushResponse, error)
	ListEntities(ctx context.Context, entity models.EntityType) ([]*models.Record, error)
}

// Store is the part of the local store the engine uses.
type Store interface {
	Get(ctx context.Context, entity models.EntityType, id string) (*models.Record, error)
	Put(ctx context.Context, entity models.EntityType, rec *models.Record) error
	RemapID(ctx context.Context, entity models.EntityType, oldID, newID string) error
	InsertConflict(ctx context.Context, c *models.ConflictLog) error
	SetLastSyncTime(ctx context.Context, t time.Time) error
}

// SyncResult represents the result of a sync operation.
type SyncResult struct {
	StartTime  time.Time     `json:"startTime"`
	EndTime    time.Time     `json:"endTime"`
	Duration   time.Duration `json:"duration"`
	Synced     int           `json:"synced"`
	Failed     int           `json:"failed"`
	Partitions int           `json:"partitions"`
	Skipped    bool          `json:"skipped"`
	SkipReason string        `json:"skipReason,omitempty"`
}

// RefreshResult summarizes a pull of one entity.
type RefreshResult struct {
	Entity  models.EntityType `json:"entity"`
	Fetched int               `json:"fetched"`
	Applied int               `json:"applied"`
	Kept    int               `json:"kept"`
}

// EngineConfig holds engine options.
type EngineConfig struct {
	// ClientID is sent with every push. Empty lets the remote client fill it.
	ClientID string
	// Strategy decides refresh conflicts. Defaults to version_check.
	Strategy conflict.ResolutionStrategy
}

// SyncEngine pushes the pending queue to the remote API in per-entity
// batches. Only one pass runs at a time; a pass started while another is in
// flight is skipped.
type SyncEngine struct {
	store    Store
	queue    *queue.SyncQueue
	remote   Remote
	resolver *conflict.Resolver
	locks    *recordLocks
	clientID string
	now      func() time.Time

	mu       stdsync.RWMutex
	status   SyncStatus
	syncing  bool
	offline  bool
	lastSync *time.Time
	lastErr  error
	handler  SyncEventHandler
}

var _ SyncEngineInterface = (*SyncEngine)(nil)

// NewSyncEngine creates a new SyncEngine.
func NewSyncEngine(store Store, q *queue.SyncQueue, client Remote, config EngineConfig) *SyncEngine {
	strategy := config.Strategy
	if strategy == "" {
		strategy = conflict.ResolutionStrategyVersionCheck
	}
	return &SyncEngine{
		store:    store,
		queue:    q,
		remote:   client,
		resolver: conflict.NewResolver(strategy),
		locks:    newRecordLocks(),
		clientID: config.ClientID,
		now:      time.Now,
		status:   SyncStatusIdle,
	}
}

func (e *SyncEngine) recordLocks() *recordLocks {
	return e.locks
}

// SetEventHandler sets the event handler for sync notifications.
func (e *SyncEngine) SetEventHandler(handler SyncEventHandler) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.handler = handler
}

func (e *SyncEngine) emitEvent(event SyncEvent) {
	e.mu.RLock()
	handler := e.handler
	e.mu.RUnlock()

	if handler == nil {
		return
	}
	if event.Time.IsZero() {
		event.Time = e.now()
	}
	handler.OnSyncEvent(event)
}

// SetOffline records a connectivity transition. The queue is not touched.
func (e *SyncEngine) SetOffline(offline bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.offline = offline
}

// Status returns the current sync status.
func (e *SyncEngine) Status() SyncStatus {
	e.mu.RLock()
	defer e.mu.RUnlock()

	switch {
	case e.syncing:
		return SyncStatusSyncing
	case e.offline:
		return SyncStatusOffline
	default:
		return e.status
	}
}

// LastSync returns the time of the last completed pass.
func (e *SyncEngine) LastSync() *time.Time {
	e.mu.RLock()
	defer e.mu.RUnlock()
	if e.lastSync == nil {
		return nil
	}
	t := *e.lastSync
	return &t
}

// PendingChanges returns the number of pending and failed operations.
func (e *SyncEngine) PendingChanges() int {
	return e.queue.Count()
}

// LastError returns the last sync error.
func (e *SyncEngine) LastError() error {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.lastErr
}

// Sync performs one push pass.
//
// Failed items whose backoff has elapsed are promoted first; items failed
// during this pass wait for a later one. Each entity's pending items go out
// as one batch, batches ordered by their oldest item. Acknowledged items are
// removed, everything else stays queued as failed.
func (e *SyncEngine) Sync(ctx context.Context) (*SyncResult, error) {
	start := e.now()
	if reason := e.begin(); reason != "" {
		metrics.SyncPasses.WithLabelValues(metrics.OutcomeSkipped).Inc()
		logging.Debug("Sync pass skipped", map[string]interface{}{"reason": reason})
		return &SyncResult{StartTime: start, EndTime: start, Skipped: true, SkipReason: reason}, nil
	}

	result := &SyncResult{StartTime: start}
	err := e.run(ctx, result)
	e.finish(result, err)
	if err != nil {
		return result, errors.Wrap(errors.ErrSyncFailed, "sync pass", err)
	}
	return result, nil
}

// begin claims the engine for a pass, or returns why it cannot.
func (e *SyncEngine) begin() string {
	e.mu.Lock()
	defer e.mu.Unlock()

	switch {
	case e.offline:
		return SkipOffline
	case e.syncing:
		return SkipInProgress
	case e.queue.Count() == 0:
		return SkipEmpty
	}
	e.syncing = true
	return ""
}

func (e *SyncEngine) run(ctx context.Context, result *SyncResult) error {
	if _, err := e.queue.PromoteRetryable(ctx, e.now()); err != nil {
		return err
	}

	items := e.queue.ListPending()
	if len(items) == 0 {
		result.Skipped = true
		result.SkipReason = SkipNothingDue
		return nil
	}

	e.emitEvent(SyncEvent{
		Type:     SyncEventStarted,
		Severity: SeverityInfo,
		Message:  fmt.Sprintf("Syncing %d changes", len(items)),
		Count:    len(items),
	})

	for _, p := range partitionByEntity(items) {
		if err := ctx.Err(); err != nil {
			return e.interrupted(ctx, err)
		}
		if err := e.pushPartition(ctx, p, result); err != nil {
			if ctx.Err() != nil {
				return e.interrupted(ctx, ctx.Err())
			}
			return e.abandon(ctx, err)
		}
		result.Partitions++
	}

	now := e.now()
	if err := e.store.SetLastSyncTime(ctx, now); err != nil {
		return e.abandon(ctx, err)
	}
	e.mu.Lock()
	e.lastSync = &now
	e.mu.Unlock()
	return nil
}

// interrupted returns items a cancelled pass left processing to pending.
func (e *SyncEngine) interrupted(ctx context.Context, cause error) error {
	n := e.resetProcessing(ctx)
	logging.Warn("Sync pass interrupted", map[string]interface{}{"reset": n, "cause": cause.Error()})
	return cause
}

// abandon returns items a failed pass left processing to pending so the next
// pass picks them up.
func (e *SyncEngine) abandon(ctx context.Context, cause error) error {
	n := e.resetProcessing(ctx)
	logging.Warn("Sync pass abandoned", map[string]interface{}{"reset": n, "cause": cause.Error()})
	return cause
}

func (e *SyncEngine) resetProcessing(ctx context.Context) int {
	n, err := e.queue.ResetProcessing(context.WithoutCancel(ctx))
	if err != nil {
		logging.Error("Failed to reset in-flight operations", err, nil)
	}
	return n
}

// markFailed fails item id. An item acknowledged elsewhere in the meantime
// reports false.
func (e *SyncEngine) markFailed(ctx context.Context, id, errMsg string) (bool, error) {
	err := e.queue.MarkFailed(ctx, id, errMsg)
	if errors.Is(err, errors.ErrQueueItemNotFound) {
		return false, nil
	}
	return err == nil, err
}

func (e *SyncEngine) finish(result *SyncResult, err error) {
	result.EndTime = e.now()
	result.Duration = result.EndTime.Sub(result.StartTime)
	cancelled := isCancellation(err)

	e.mu.Lock()
	e.syncing = false
	e.lastErr = err
	if err != nil && !cancelled {
		e.status = SyncStatusError
	} else {
		e.status = SyncStatusIdle
	}
	e.mu.Unlock()

	metrics.SetQueueDepth(e.queue.GetStats())

	switch {
	case err != nil && !cancelled:
		metrics.SyncPasses.WithLabelValues(metrics.OutcomeError).Inc()
		logging.ErrorWithCode("Sync pass failed", string(errors.ErrSyncFailed), err,
			map[string]interface{}{"synced": result.Synced, "failed": result.Failed})
		e.emitEvent(SyncEvent{
			Type:     SyncEventFailed,
			Severity: SeverityError,
			Message:  "Sync stopped on a local storage error",
			Error:    err.Error(),
		})
	case result.Skipped:
		metrics.SyncPasses.WithLabelValues(metrics.OutcomeSkipped).Inc()
	default:
		outcome := metrics.OutcomeOK
		if result.Failed > 0 {
			outcome = metrics.OutcomeFailed
		}
		metrics.SyncPasses.WithLabelValues(outcome).Inc()
		metrics.SyncPassDuration.Observe(result.Duration.Seconds())

		logging.Info("Sync pass completed", map[string]interface{}{
			"synced":      result.Synced,
			"failed":      result.Failed,
			"partitions":  result.Partitions,
			"duration_ms": result.Duration.Milliseconds(),
		})
		if result.Synced > 0 {
			e.emitEvent(SyncEvent{
				Type:     SyncEventCompleted,
				Severity: SeveritySuccess,
				Message:  fmt.Sprintf("%d changes synced", result.Synced),
				Count:    result.Synced,
			})
		}
	}
}

func isCancellation(err error) bool {
	return stderrors.Is(err, context.Canceled) || stderrors.Is(err, context.DeadlineExceeded)
}

// partition is the pending items of one entity, oldest first.
type partition struct {
	entity models.EntityType
	items  []*models.SyncQueueItem
}

// dropAcknowledged removes items that left the queue, such as ops the
// background worker replayed and deleted through its own handle.
func (p *partition) dropAcknowledged(q *queue.SyncQueue) {
	live := p.items[:0]
	for _, item := range p.items {
		if _, err := q.Get(item.ID); err == nil {
			live = append(live, item)
		}
	}
	p.items = live
}

func (p *partition) ids() []string {
	ids := make([]string, len(p.items))
	for i, item := range p.items {
		ids[i] = item.ID
	}
	return ids
}

// partitionByEntity groups items by entity. items must be sorted oldest
// first; partitions come out in order of their oldest item.
func partitionByEntity(items []*models.SyncQueueItem) []*partition {
	index := make(map[models.EntityType]*partition)
	var out []*partition
	for _, item := range items {
		p, ok := index[item.Entity]
		if !ok {
			p = &partition{entity: item.Entity}
			index[item.Entity] = p
			out = append(out, p)
		}
		p.items = append(p.items, item)
	}
	return out
}

func pushOp(item *models.SyncQueueItem) remote.PushOp {
	return remote.PushOp{
		OpID:            item.ID,
		OpType:          string(item.Type),
		Entity:          string(item.Entity),
		Payload:         item.Payload,
		LocalID:         item.LocalID,
		Timestamp:       item.Timestamp,
		AttachmentsMeta: item.AttachmentsMeta,
	}
}

// pushPartition sends one batch and applies the per-operation results. Only
// local storage failures are returned; remote failures mark items failed.
func (e *SyncEngine) pushPartition(ctx context.Context, p *partition, result *SyncResult) error {
	if err := e.queue.MarkProcessing(ctx, p.ids()...); err != nil {
		return err
	}
	p.dropAcknowledged(e.queue)
	if len(p.items) == 0 {
		return nil
	}

	req := &remote.PushRequest{ClientID: e.clientID, Ops: make([]remote.PushOp, 0, len(p.items))}
	for _, item := range p.items {
		req.Ops = append(req.Ops, pushOp(item))
	}

	resp, err := e.remote.Push(ctx, req)
	if err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return e.failPartition(ctx, p, err, result)
	}
	return e.applyResults(ctx, p, resp, result)
}

func (e *SyncEngine) failPartition(ctx context.Context, p *partition, cause error, result *SyncResult) error {
	failed := 0
	for _, item := range p.items {
		ok, err := e.markFailed(ctx, item.ID, cause.Error())
		if err != nil {
			return err
		}
		if ok {
			failed++
		}
	}
	result.Failed += failed
	metrics.OpsPushed.WithLabelValues(string(p.entity), metrics.OutcomeFailed).Add(float64(failed))

	logging.ErrorWithCode("Push failed", string(errors.ErrSyncFailed), cause,
		map[string]interface{}{"entity": p.entity, "ops": failed})
	if failed == 0 {
		return nil
	}
	e.emitEvent(SyncEvent{
		Type:     SyncEventFailed,
		Severity: SeverityError,
		Message:  fmt.Sprintf("%d %s changes could not be synced", failed, p.entity),
		Entity:   string(p.entity),
		Count:    failed,
		Error:    cause.Error(),
	})
	return nil
}

type idRemap struct {
	localID  string
	serverID string
}

// remap moves the record and its queued operations to the server id while
// no mutation of the record is in flight.
func (e *SyncEngine) remap(ctx context.Context, entity models.EntityType, r idRemap) error {
	unlock := e.locks.lock(entity, r.localID)
	defer unlock()

	if err := e.store.RemapID(ctx, entity, r.localID, r.serverID); err != nil {
		return err
	}
	_, err := e.queue.RemapLocalID(ctx, entity, r.localID, r.serverID)
	return err
}

func (e *SyncEngine) applyResults(ctx context.Context, p *partition, resp *remote.PushResponse, result *SyncResult) error {
	byID := resp.ByOpID()

	var acked []string
	var remaps []idRemap
	var lastErr string
	rejected := 0

	for _, item := range p.items {
		res, ok := byID[item.ID]
		switch {
		case ok && res.OK():
			acked = append(acked, item.ID)
			if item.Type == models.OpCreate && res.ServerID != "" && res.ServerID != item.LocalID {
				remaps = append(remaps, idRemap{localID: item.LocalID, serverID: res.ServerID})
			}
			continue
		case !ok:
			lastErr = "no result returned for operation"
		default:
			lastErr = res.Error
			if lastErr == "" {
				lastErr = "rejected by server"
			}
		}

		logging.ErrorWithCode("Server rejected operation", string(errors.ErrSyncRejected),
			errors.New(errors.ErrSyncRejected, lastErr),
			map[string]interface{}{"op_id": item.ID, "entity": item.Entity, "local_id": item.LocalID})
		marked, err := e.markFailed(ctx, item.ID, lastErr)
		if err != nil {
			return err
		}
		if marked {
			rejected++
		}
	}

	if len(acked) > 0 {
		if err := e.queue.Dequeue(ctx, acked...); err != nil {
			return err
		}
	}
	// Rejected items are failed by now, so remapping reaches them too.
	for _, r := range remaps {
		if err := e.remap(ctx, p.entity, r); err != nil {
			return err
		}
		logging.Debug("Adopted server id", map[string]interface{}{
			"entity": p.entity, "local_id": r.localID, "server_id": r.serverID,
		})
	}

	result.Synced += len(acked)
	result.Failed += rejected
	metrics.OpsPushed.WithLabelValues(string(p.entity), metrics.OutcomeOK).Add(float64(len(acked)))
	metrics.OpsPushed.WithLabelValues(string(p.entity), metrics.OutcomeFailed).Add(float64(rejected))

	if rejected > 0 {
		e.emitEvent(SyncEvent{
			Type:     SyncEventFailed,
			Severity: SeverityWarning,
			Message:  fmt.Sprintf("%d %s changes were rejected", rejected, p.entity),
			Entity:   string(p.entity),
			Count:    rejected,
			Error:    lastErr,
		})
	}
	return nil
}

// Refresh pulls the server rows of entity. A row is applied unless a queued
// operation still targets it or the local copy is newer; a kept local copy
// is recorded in the conflict log.
func (e *SyncEngine) Refresh(ctx context.Context, entity models.EntityType) (*RefreshResult, error) {
	if !entity.Valid() {
		return nil, errors.New(errors.ErrInvalid, "unknown entity "+string(entity))
	}
	e.mu.RLock()
	offline := e.offline
	e.mu.RUnlock()
	if offline {
		return nil, errors.New(errors.ErrSyncOffline, "cannot refresh while offline")
	}

	rows, err := e.remote.ListEntities(ctx, entity)
	if err != nil {
		return nil, err
	}

	pending := make(map[string]bool)
	for _, item := range e.queue.List() {
		if item.Entity == entity {
			pending[item.LocalID] = true
		}
	}

	result := &RefreshResult{Entity: entity, Fetched: len(rows)}
	for _, row := range rows {
		if row == nil || row.ID == "" {
			continue
		}
		local, err := e.store.Get(ctx, entity, row.ID)
		if err != nil && !errors.Is(err, errors.ErrNotFound) {
			return result, err
		}

		res, err := e.resolver.Resolve(&conflict.Conflict{
			Entity:       entity,
			Local:        local,
			Remote:       row,
			LocalPending: pending[row.ID],
		})
		if err != nil {
			return result, err
		}

		if res.Apply {
			if err := e.store.Put(ctx, entity, row); err != nil {
				return result, err
			}
			result.Applied++
			continue
		}
		result.Kept++
		if res.ConflictLog != nil {
			metrics.Conflicts.WithLabelValues(string(entity)).Inc()
			if err := e.store.InsertConflict(ctx, res.ConflictLog); err != nil {
				return result, err
			}
		}
	}

	logging.Info("Refresh completed", map[string]interface{}{
		"entity":  entity,
		"fetched": result.Fetched,
		"applied": result.Applied,
		"kept":    result.Kept,
	})
	return result, nil
}
