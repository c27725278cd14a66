package sync

import (
	"context"
	"encoding/json"
	"fmt"
	stdsync "sync"
	"time"

	"github.com/sitesafe/fieldsync/internal/errors"
	"github.com/sitesafe/fieldsync/internal/logging"
	"github.com/sitesafe/fieldsync/internal/metrics"
	"github.com/sitesafe/fieldsync/internal/models"
	"github.com/sitesafe/fieldsync/internal/pubsub"
	"github.com/sitesafe/fieldsync/internal/store"
	"github.com/sitesafe/fieldsync/internal/sync/background"
	"github.com/sitesafe/fieldsync/internal/sync/connectivity"
	"github.com/sitesafe/fieldsync/internal/sync/queue"
	"github.com/sitesafe/fieldsync/internal/uuid"
)

// SyncService is what UI components call instead of the store. Every
// mutation is applied locally and queued before it returns.
type SyncService interface {
	Create(ctx context.Context, entity models.EntityType, fields map[string]any) (*MutationResult, error)
	Update(ctx context.Context, entity models.EntityType, id string, fields map[string]any) (*MutationResult, error)
	Delete(ctx context.Context, entity models.EntityType, id string) (*MutationResult, error)
	Get(ctx context.Context, entity models.EntityType, id string) (*models.Record, error)
	List(ctx context.Context, entity models.EntityType, filter store.Filter) ([]*models.Record, error)

	PendingCount() int
	Status(ctx context.Context) (*StatusSnapshot, error)
	QueueItems() []*models.SyncQueueItem
	Conflicts(ctx context.Context, limit int) ([]*models.ConflictLog, error)

	SyncNow(ctx context.Context) (*SyncResult, error)
	Refresh(ctx context.Context, entity models.EntityType) (*RefreshResult, error)
	RetryFailed(ctx context.Context) (int, error)
	ClearQueue(ctx context.Context, confirm bool) error
	Reset(ctx context.Context, confirm bool) error

	Subscribe() (<-chan SyncEvent, func())
}

// Runner runs passes on behalf of the service; the scheduler implements it.
type Runner interface {
	SyncNow(ctx context.Context) (*SyncResult, error)
}

// EntityClient is the direct entity API used for the fast path.
type EntityClient interface {
	CreateEntity(ctx context.Context, entity models.EntityType, rec *models.Record) (*models.Record, error)
	UpdateEntity(ctx context.Context, entity models.EntityType, rec *models.Record) (*models.Record, error)
	DeleteEntity(ctx context.Context, entity models.EntityType, id string) error
}

// MutationResult describes a local mutation.
type MutationResult struct {
	Record *models.Record `json:"record,omitempty"`
	OpID   string         `json:"opId"`
	// Saved is true when the fast path reached the server too. It only
	// changes what the user is told; the queued operation is authoritative.
	Saved   bool   `json:"saved"`
	Message string `json:"message"`
}

// User-facing copy for MutationResult.Message.
const (
	MessageSaved     = "Saved"
	MessageSyncLater = "Saved on this device, will sync later"
)

// StatusSnapshot is the sync state shown in the navigation chrome.
type StatusSnapshot struct {
	State        SyncStatus     `json:"state"`
	Online       bool           `json:"online"`
	LastSyncTime *time.Time     `json:"lastSyncTime,omitempty"`
	Pending      int            `json:"pending"`
	Stats        map[string]int `json:"stats"`
}

// ServiceDeps are the collaborators of a Service. Runner, Entities and
// Notifier are optional.
type ServiceDeps struct {
	Store    *store.Store
	Queue    *queue.SyncQueue
	Engine   SyncEngineInterface
	Monitor  *connectivity.Monitor
	Runner   Runner
	Entities EntityClient
	Notifier *background.Notifier
}

// ServiceConfig holds service options.
type ServiceConfig struct {
	// FastPathTimeout bounds the direct entity call. Zero disables the
	// fast path.
	FastPathTimeout time.Duration
}

// Service is the explicit context object tying the sync components together.
type Service struct {
	store    *store.Store
	queue    *queue.SyncQueue
	engine   SyncEngineInterface
	monitor  *connectivity.Monitor
	runner   Runner
	entities EntityClient
	notifier *background.Notifier
	fastPath time.Duration
	hub      *pubsub.Hub[SyncEvent]
	locks    *recordLocks
	now      func() time.Time

	stopBg func()
	wg     stdsync.WaitGroup
}

var _ SyncService = (*Service)(nil)

// NewService creates a Service and routes engine events to its subscribers.
func NewService(deps ServiceDeps, config ServiceConfig) *Service {
	s := &Service{
		store:    deps.Store,
		queue:    deps.Queue,
		engine:   deps.Engine,
		monitor:  deps.Monitor,
		runner:   deps.Runner,
		entities: deps.Entities,
		notifier: deps.Notifier,
		fastPath: config.FastPathTimeout,
		hub:      pubsub.NewHub[SyncEvent](),
		locks:    newRecordLocks(),
		now:      time.Now,
	}
	// Share the engine's locks so id remaps wait for in-flight mutations.
	if shared, ok := deps.Engine.(interface{ recordLocks() *recordLocks }); ok {
		s.locks = shared.recordLocks()
	}
	s.engine.SetEventHandler(s)
	return s
}

// OnSyncEvent implements SyncEventHandler.
func (s *Service) OnSyncEvent(event SyncEvent) {
	if event.Time.IsZero() {
		event.Time = s.now()
	}
	s.hub.Publish(event)
}

// Subscribe returns user-visible notifications.
func (s *Service) Subscribe() (<-chan SyncEvent, func()) {
	return s.hub.Subscribe()
}

// Start listens for background replay outcomes.
func (s *Service) Start(ctx context.Context) {
	if s.notifier == nil || s.stopBg != nil {
		return
	}
	messages, cancel := s.notifier.Subscribe()
	s.stopBg = cancel

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		for msg := range messages {
			s.onBackground(ctx, msg)
		}
	}()
}

// Close stops listening and closes every subscription.
func (s *Service) Close() {
	if s.stopBg != nil {
		s.stopBg()
		s.wg.Wait()
	}
	s.hub.Close()
}

func (s *Service) onBackground(ctx context.Context, msg background.Message) {
	event := SyncEvent{Time: msg.At, Error: msg.Error}
	switch msg.Type {
	case background.MessageReplayed:
		// The worker removed acknowledged items from the table behind our back.
		if err := s.queue.Reload(ctx); err != nil {
			logging.Error("Failed to reload queue after background replay", err, nil)
		}
		event.Type = SyncEventReplayed
		event.Severity = SeveritySuccess
		event.Count = len(msg.OpIDs)
		event.Message = fmt.Sprintf("%d changes synced in the background", len(msg.OpIDs))
	case background.MessageFailed:
		event.Type = SyncEventBgFailed
		event.Severity = SeverityWarning
		event.Message = "Background sync failed, will retry"
	case background.MessageExpired:
		event.Type = SyncEventBgExpired
		event.Severity = SeverityError
		event.Message = "A background sync request expired"
	default:
		return
	}
	metrics.SetQueueDepth(s.queue.GetStats())
	s.OnSyncEvent(event)
}

// =====================================================
// Mutations
// =====================================================

// Create stores a new record under a local id and queues its creation.
func (s *Service) Create(ctx context.Context, entity models.EntityType, fields map[string]any) (*MutationResult, error) {
	if !entity.Valid() {
		return nil, errors.New(errors.ErrInvalid, "unknown entity "+string(entity))
	}

	now := s.now()
	rec := &models.Record{
		ID:        uuid.NewLocalID(now),
		CreatedAt: now.UnixMilli(),
		UpdatedAt: now.UnixMilli(),
	}
	rec.LocalClientID = rec.ID
	if err := mergeFields(entity, rec, fields); err != nil {
		return nil, err
	}

	if err := s.store.Put(ctx, entity, rec); err != nil {
		return nil, err
	}
	opID, err := s.enqueue(ctx, models.OpCreate, entity, rec.ID, rec)
	if err != nil {
		return nil, err
	}

	saved := s.tryFastPath(ctx, entity, "create", func(ctx context.Context) error {
		_, err := s.entities.CreateEntity(ctx, entity, rec)
		return err
	})
	return mutationResult(rec, opID, saved), nil
}

// Update merges fields into a stored record and queues the update.
func (s *Service) Update(ctx context.Context, entity models.EntityType, id string, fields map[string]any) (*MutationResult, error) {
	rec, opID, err := s.update(ctx, entity, id, fields)
	if err != nil {
		return nil, err
	}

	saved := false
	if !uuid.IsLocalID(rec.ID) {
		saved = s.tryFastPath(ctx, entity, "update", func(ctx context.Context) error {
			_, err := s.entities.UpdateEntity(ctx, entity, rec)
			return err
		})
	}
	return mutationResult(rec, opID, saved), nil
}

func (s *Service) update(ctx context.Context, entity models.EntityType, id string, fields map[string]any) (*models.Record, string, error) {
	unlock := s.locks.lock(entity, id)
	defer unlock()

	rec, err := s.store.Get(ctx, entity, id)
	if err != nil {
		return nil, "", err
	}
	if err := mergeFields(entity, rec, fields); err != nil {
		return nil, "", err
	}
	rec.UpdatedAt = s.now().UnixMilli()

	if err := s.store.Put(ctx, entity, rec); err != nil {
		return nil, "", err
	}
	opID, err := s.enqueue(ctx, models.OpUpdate, entity, rec.ID, rec)
	if err != nil {
		return nil, "", err
	}
	return rec, opID, nil
}

// Delete removes a stored record and queues the deletion.
func (s *Service) Delete(ctx context.Context, entity models.EntityType, id string) (*MutationResult, error) {
	opID, err := s.remove(ctx, entity, id)
	if err != nil {
		return nil, err
	}

	saved := false
	if !uuid.IsLocalID(id) {
		saved = s.tryFastPath(ctx, entity, "delete", func(ctx context.Context) error {
			return s.entities.DeleteEntity(ctx, entity, id)
		})
	}
	return mutationResult(nil, opID, saved), nil
}

func (s *Service) remove(ctx context.Context, entity models.EntityType, id string) (string, error) {
	unlock := s.locks.lock(entity, id)
	defer unlock()

	if _, err := s.store.Get(ctx, entity, id); err != nil {
		return "", err
	}
	if err := s.store.Remove(ctx, entity, id); err != nil {
		return "", err
	}
	return s.enqueue(ctx, models.OpDelete, entity, id, map[string]string{"id": id})
}

// mergeFields applies fields to rec and checks the result against the typed
// model of entity. Nothing is stored or queued for an invalid change.
func mergeFields(entity models.EntityType, rec *models.Record, fields map[string]any) error {
	if err := rec.Merge(fields); err != nil {
		return err
	}
	return rec.Validate(entity)
}

func (s *Service) enqueue(ctx context.Context, typ models.OperationType, entity models.EntityType, localID string, payload any) (string, error) {
	body, err := json.Marshal(payload)
	if err != nil {
		return "", errors.Wrap(errors.ErrInvalid, "encode payload", err)
	}
	opID, err := s.queue.Enqueue(ctx, queue.Operation{
		Type:    typ,
		Entity:  entity,
		Payload: body,
		LocalID: localID,
	})
	if err != nil {
		return "", err
	}
	metrics.SetQueueDepth(s.queue.GetStats())
	return opID, nil
}

// tryFastPath makes a bounded direct call when online. Its outcome is
// reported to the user and otherwise ignored.
func (s *Service) tryFastPath(ctx context.Context, entity models.EntityType, action string, call func(context.Context) error) bool {
	if s.entities == nil || s.fastPath <= 0 || (s.monitor != nil && !s.monitor.Online()) {
		return false
	}
	ctx, cancel := context.WithTimeout(ctx, s.fastPath)
	defer cancel()

	if err := call(ctx); err != nil {
		logging.Debug("Fast path failed, change stays queued", map[string]interface{}{
			"entity": entity,
			"action": action,
			"error":  err.Error(),
		})
		return false
	}
	return true
}

func mutationResult(rec *models.Record, opID string, saved bool) *MutationResult {
	msg := MessageSyncLater
	if saved {
		msg = MessageSaved
	}
	return &MutationResult{Record: rec, OpID: opID, Saved: saved, Message: msg}
}

// =====================================================
// Reads
// =====================================================

// Get returns a stored record.
func (s *Service) Get(ctx context.Context, entity models.EntityType, id string) (*models.Record, error) {
	return s.store.Get(ctx, entity, id)
}

// List returns stored records matching filter.
func (s *Service) List(ctx context.Context, entity models.EntityType, filter store.Filter) ([]*models.Record, error) {
	return s.store.List(ctx, entity, filter)
}

// PendingCount returns the number of pending and failed operations.
func (s *Service) PendingCount() int {
	return s.queue.Count()
}

// QueueItems returns every queued operation, oldest first.
func (s *Service) QueueItems() []*models.SyncQueueItem {
	return s.queue.List()
}

// Conflicts returns the most recent conflict log entries.
func (s *Service) Conflicts(ctx context.Context, limit int) ([]*models.ConflictLog, error) {
	return s.store.ListConflicts(ctx, limit)
}

// Status returns the current sync state.
func (s *Service) Status(ctx context.Context) (*StatusSnapshot, error) {
	snapshot := &StatusSnapshot{
		State:   s.engine.Status(),
		Online:  s.monitor == nil || s.monitor.Online(),
		Pending: s.queue.Count(),
		Stats:   s.queue.GetStats(),
	}
	last, err := s.store.LastSyncTime(ctx)
	if err != nil {
		return nil, err
	}
	if !last.IsZero() {
		snapshot.LastSyncTime = &last
	}
	return snapshot, nil
}

// =====================================================
// Actions
// =====================================================

// SyncNow runs a pass and waits for it.
func (s *Service) SyncNow(ctx context.Context) (*SyncResult, error) {
	if s.runner != nil {
		return s.runner.SyncNow(ctx)
	}
	return s.engine.Sync(ctx)
}

// Refresh pulls server rows of entity into the store.
func (s *Service) Refresh(ctx context.Context, entity models.EntityType) (*RefreshResult, error) {
	return s.engine.Refresh(ctx, entity)
}

// RetryFailed returns every failed operation to pending, resetting its
// attempt count.
func (s *Service) RetryFailed(ctx context.Context) (int, error) {
	n, err := s.queue.RetryAll(ctx)
	if err != nil {
		return n, err
	}
	metrics.SetQueueDepth(s.queue.GetStats())
	return n, nil
}

// ClearQueue discards every queued operation. Unsynced changes are lost, so
// confirm must be true.
func (s *Service) ClearQueue(ctx context.Context, confirm bool) error {
	if !confirm {
		return errors.New(errors.ErrConfirmationRequired, "clearing the queue discards unsynced changes; confirmation required")
	}
	dropped := s.queue.Size()
	if err := s.queue.Clear(ctx); err != nil {
		return err
	}
	metrics.SetQueueDepth(s.queue.GetStats())
	s.OnSyncEvent(SyncEvent{
		Type:     SyncEventQueueClear,
		Severity: SeverityWarning,
		Message:  fmt.Sprintf("%d unsynced changes discarded", dropped),
		Count:    dropped,
	})
	return nil
}

// Reset wipes all local data, for logout. confirm must be true.
func (s *Service) Reset(ctx context.Context, confirm bool) error {
	if !confirm {
		return errors.New(errors.ErrConfirmationRequired, "reset deletes all local data; confirmation required")
	}
	if err := s.store.ClearAll(ctx); err != nil {
		return err
	}
	if err := s.queue.Reload(ctx); err != nil {
		return err
	}
	metrics.SetQueueDepth(s.queue.GetStats())
	logging.Warn("Local data reset", nil)
	return nil
}
