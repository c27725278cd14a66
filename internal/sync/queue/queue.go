// Package queue provides the durable sync queue: every local mutation
// becomes an ordered operation that survives restarts until the server
// acknowledges it.
package queue

import (
	"context"
	"encoding/json"
	"sort"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/go-playground/validator/v10"

	"github.com/sitesafe/fieldsync/internal/errors"
	"github.com/sitesafe/fieldsync/internal/logging"
	"github.com/sitesafe/fieldsync/internal/models"
	"github.com/sitesafe/fieldsync/internal/uuid"
)

// Store is the persistence the queue writes through to.
type Store interface {
	InsertQueueItem(ctx context.Context, item *models.SyncQueueItem) error
	UpdateQueueItem(ctx context.Context, item *models.SyncQueueItem) error
	DeleteQueueItems(ctx context.Context, ids ...string) error
	ListQueueItems(ctx context.Context) ([]*models.SyncQueueItem, error)
	ClearQueue(ctx context.Context) error
}

// Operation is a mutation intent to enqueue.
type Operation struct {
	Type            models.OperationType `validate:"required,oneof=create update delete"`
	Entity          models.EntityType    `validate:"required,entity"`
	Payload         json.RawMessage      `validate:"rawjson"`
	LocalID         string               `validate:"required"`
	AttachmentsMeta json.RawMessage      `validate:"rawjson"`
}

// Policy controls automatic retry of failed items.
type Policy struct {
	// MaxAttempts is the number of failures after which an item is only
	// retried manually.
	MaxAttempts    int
	InitialBackoff time.Duration
	MaxBackoff     time.Duration
	Multiplier     float64
}

// DefaultPolicy returns the default retry policy: 30s doubling up to 30m,
// five attempts.
func DefaultPolicy() Policy {
	return Policy{
		MaxAttempts:    5,
		InitialBackoff: 30 * time.Second,
		MaxBackoff:     30 * time.Minute,
		Multiplier:     2,
	}
}

// Delay returns the wait before retrying an item that has failed attempts
// times.
func (p Policy) Delay(attempts int) time.Duration {
	if attempts < 1 {
		return 0
	}
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = p.InitialBackoff
	b.MaxInterval = p.MaxBackoff
	b.Multiplier = p.Multiplier
	b.RandomizationFactor = 0
	b.MaxElapsedTime = 0
	b.Reset()

	d := b.NextBackOff()
	for i := 1; i < attempts; i++ {
		d = b.NextBackOff()
	}
	return d
}

// SyncQueue manages pending sync operations. The in-memory index mirrors the
// sync_queue table; every mutation is persisted before it is applied to the
// index.
type SyncQueue struct {
	store    Store
	policy   Policy
	validate *validator.Validate
	now      func() time.Time

	items map[string]*models.SyncQueueItem
	mu    sync.RWMutex
}

// NewSyncQueue creates a SyncQueue. Call Load before the first sync.
func NewSyncQueue(store Store, policy Policy) *SyncQueue {
	if policy.MaxAttempts <= 0 {
		policy = DefaultPolicy()
	}
	return &SyncQueue{
		store:    store,
		policy:   policy,
		validate: newValidator(),
		now:      time.Now,
		items:    make(map[string]*models.SyncQueueItem),
	}
}

// Policy returns the retry policy in effect.
func (q *SyncQueue) Policy() Policy {
	return q.policy
}

// Load rehydrates the queue from durable storage. Items left processing by
// an interrupted pass are returned to pending.
func (q *SyncQueue) Load(ctx context.Context) error {
	items, err := q.store.ListQueueItems(ctx)
	if err != nil {
		return err
	}

	restored := 0
	for _, item := range items {
		if item.Status != models.QueueProcessing {
			continue
		}
		item.Status = models.QueuePending
		if err := q.store.UpdateQueueItem(ctx, item); err != nil {
			return err
		}
		restored++
	}

	q.replace(items)
	logging.Info("Sync queue loaded", map[string]interface{}{
		"items":    len(items),
		"restored": restored,
	})
	return nil
}

// Reload re-reads the durable queue without touching item status. It picks
// up rows removed by the background worker.
func (q *SyncQueue) Reload(ctx context.Context) error {
	items, err := q.store.ListQueueItems(ctx)
	if err != nil {
		return err
	}
	q.replace(items)
	return nil
}

func (q *SyncQueue) replace(items []*models.SyncQueueItem) {
	index := make(map[string]*models.SyncQueueItem, len(items))
	for _, item := range items {
		index[item.ID] = item
	}
	q.mu.Lock()
	q.items = index
	q.mu.Unlock()
}

// Enqueue persists op as a new pending item and returns its id. It never
// touches the network.
func (q *SyncQueue) Enqueue(ctx context.Context, op Operation) (string, error) {
	if err := q.validate.Struct(op); err != nil {
		return "", validationError(err)
	}

	payload := op.Payload
	if len(payload) == 0 {
		payload = json.RawMessage(`{}`)
	}
	item := &models.SyncQueueItem{
		ID:              uuid.New(),
		Type:            op.Type,
		Entity:          op.Entity,
		Payload:         append(json.RawMessage(nil), payload...),
		LocalID:         op.LocalID,
		Timestamp:       q.now().UnixMilli(),
		Status:          models.QueuePending,
		AttachmentsMeta: append(json.RawMessage(nil), op.AttachmentsMeta...),
	}
	if len(item.AttachmentsMeta) == 0 {
		item.AttachmentsMeta = nil
	}

	q.mu.Lock()
	defer q.mu.Unlock()

	if err := q.store.InsertQueueItem(ctx, item); err != nil {
		return "", err
	}
	q.items[item.ID] = item

	logging.Debug("Enqueued sync operation", map[string]interface{}{
		"op_id":    item.ID,
		"type":     item.Type,
		"entity":   item.Entity,
		"local_id": item.LocalID,
	})
	return item.ID, nil
}

// Dequeue removes the items entirely. Unknown ids are ignored.
func (q *SyncQueue) Dequeue(ctx context.Context, ids ...string) error {
	if len(ids) == 0 {
		return nil
	}
	q.mu.Lock()
	defer q.mu.Unlock()

	if err := q.store.DeleteQueueItems(ctx, ids...); err != nil {
		return err
	}
	for _, id := range ids {
		delete(q.items, id)
	}
	return nil
}

// update applies fn to a copy of item id, persists it, then swaps it into the
// index. Caller holds q.mu.
//
// A row that is gone from the table was acknowledged by another handle, such
// as the background worker; it is dropped from the index and reported as
// ErrQueueItemNotFound.
func (q *SyncQueue) update(ctx context.Context, id string, fn func(*models.SyncQueueItem)) error {
	current, ok := q.items[id]
	if !ok {
		return errors.New(errors.ErrQueueItemNotFound, "queue item "+id+" not found")
	}
	next := current.Clone()
	fn(next)
	if err := q.store.UpdateQueueItem(ctx, next); err != nil {
		if gone(err) {
			delete(q.items, id)
			logging.Debug("Dropped queue item acknowledged elsewhere", map[string]interface{}{"op_id": id})
		}
		return err
	}
	q.items[id] = next
	return nil
}

func gone(err error) bool {
	return errors.Is(err, errors.ErrQueueItemNotFound)
}

// MarkFailed sets the item failed with errMsg, counts the attempt and
// schedules the next automatic retry. The item stays queued.
func (q *SyncQueue) MarkFailed(ctx context.Context, id, errMsg string) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	now := q.now()
	var attempts int
	err := q.update(ctx, id, func(item *models.SyncQueueItem) {
		item.Status = models.QueueFailed
		item.Error = errMsg
		item.Attempts++
		item.NextRetryAt = now.Add(q.policy.Delay(item.Attempts)).UnixMilli()
		attempts = item.Attempts
	})
	if err != nil {
		return err
	}

	if attempts >= q.policy.MaxAttempts {
		logging.Warn("Sync operation reached retry ceiling", map[string]interface{}{
			"op_id":    id,
			"attempts": attempts,
			"error":    errMsg,
		})
	}
	return nil
}

// MarkProcessing flags items as in flight. Items no longer queued are
// skipped; callers re-read them with Get.
func (q *SyncQueue) MarkProcessing(ctx context.Context, ids ...string) error {
	return q.setStatus(ctx, models.QueueProcessing, ids...)
}

// ResetProcessing returns in-flight items to pending, for a pass that was
// abandoned before it received an answer.
func (q *SyncQueue) ResetProcessing(ctx context.Context) (int, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	count := 0
	for id, item := range q.items {
		if item.Status != models.QueueProcessing {
			continue
		}
		err := q.update(ctx, id, func(item *models.SyncQueueItem) {
			item.Status = models.QueuePending
		})
		if gone(err) {
			continue
		}
		if err != nil {
			return count, err
		}
		count++
	}
	return count, nil
}

func (q *SyncQueue) setStatus(ctx context.Context, status models.QueueStatus, ids ...string) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	for _, id := range ids {
		err := q.update(ctx, id, func(item *models.SyncQueueItem) {
			item.Status = status
		})
		if err != nil && !gone(err) {
			return err
		}
	}
	return nil
}

// PromoteRetryable returns failed items whose backoff has elapsed at now and
// that are under the retry ceiling to pending. It returns how many moved.
func (q *SyncQueue) PromoteRetryable(ctx context.Context, now time.Time) (int, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	count := 0
	for id, item := range q.items {
		if item.Status != models.QueueFailed ||
			item.Attempts >= q.policy.MaxAttempts ||
			item.NextRetryAt > now.UnixMilli() {
			continue
		}
		err := q.update(ctx, id, func(item *models.SyncQueueItem) {
			item.Status = models.QueuePending
		})
		if gone(err) {
			continue
		}
		if err != nil {
			return count, err
		}
		count++
	}
	return count, nil
}

// RetryAll resets every failed item to pending with a fresh attempt budget.
func (q *SyncQueue) RetryAll(ctx context.Context) (int, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	count := 0
	for id, item := range q.items {
		if item.Status != models.QueueFailed {
			continue
		}
		err := q.update(ctx, id, func(item *models.SyncQueueItem) {
			item.Status = models.QueuePending
			item.Attempts = 0
			item.NextRetryAt = 0
			item.Error = ""
		})
		if gone(err) {
			continue
		}
		if err != nil {
			return count, err
		}
		count++
	}

	if count > 0 {
		logging.Info("Reset failed sync operations for retry", map[string]interface{}{"count": count})
	}
	return count, nil
}

// RemapLocalID points queued operations for entity that still target oldID
// at newID, rewriting the payload id as well. Used once the server assigns
// an id to a record created offline.
func (q *SyncQueue) RemapLocalID(ctx context.Context, entity models.EntityType, oldID, newID string) (int, error) {
	if oldID == newID || newID == "" {
		return 0, nil
	}
	q.mu.Lock()
	defer q.mu.Unlock()

	count := 0
	for id, item := range q.items {
		if item.Entity != entity || item.LocalID != oldID || item.Status == models.QueueProcessing {
			continue
		}
		err := q.update(ctx, id, func(item *models.SyncQueueItem) {
			item.LocalID = newID
			item.Payload = remapPayloadID(item.Payload, oldID, newID)
		})
		if gone(err) {
			continue
		}
		if err != nil {
			return count, err
		}
		count++
	}
	return count, nil
}

func remapPayloadID(payload json.RawMessage, oldID, newID string) json.RawMessage {
	var obj map[string]json.RawMessage
	if err := json.Unmarshal(payload, &obj); err != nil {
		return payload
	}
	var id string
	if err := json.Unmarshal(obj["id"], &id); err != nil || id != oldID {
		return payload
	}
	obj["id"], _ = json.Marshal(newID)
	out, err := json.Marshal(obj)
	if err != nil {
		return payload
	}
	return out
}

// sorted returns copies of the items matching keep, oldest first.
func (q *SyncQueue) sorted(keep func(*models.SyncQueueItem) bool) []*models.SyncQueueItem {
	q.mu.RLock()
	defer q.mu.RUnlock()

	out := make([]*models.SyncQueueItem, 0, len(q.items))
	for _, item := range q.items {
		if keep == nil || keep(item) {
			out = append(out, item.Clone())
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Timestamp != out[j].Timestamp {
			return out[i].Timestamp < out[j].Timestamp
		}
		return out[i].Seq < out[j].Seq
	})
	return out
}

// ListPending returns pending items ordered by timestamp, oldest first.
func (q *SyncQueue) ListPending() []*models.SyncQueueItem {
	return q.sorted(func(item *models.SyncQueueItem) bool {
		return item.Status == models.QueuePending
	})
}

// List returns every item ordered by timestamp, oldest first.
func (q *SyncQueue) List() []*models.SyncQueueItem {
	return q.sorted(nil)
}

// Get returns a copy of the item with id.
func (q *SyncQueue) Get(id string) (*models.SyncQueueItem, error) {
	q.mu.RLock()
	defer q.mu.RUnlock()

	item, ok := q.items[id]
	if !ok {
		return nil, errors.New(errors.ErrQueueItemNotFound, "queue item "+id+" not found")
	}
	return item.Clone(), nil
}

// Count returns the number of pending and failed items.
func (q *SyncQueue) Count() int {
	q.mu.RLock()
	defer q.mu.RUnlock()

	n := 0
	for _, item := range q.items {
		if item.Outstanding() {
			n++
		}
	}
	return n
}

// Size returns the number of items in the queue, whatever their status.
func (q *SyncQueue) Size() int {
	q.mu.RLock()
	defer q.mu.RUnlock()
	return len(q.items)
}

// GetStats returns queue statistics.
func (q *SyncQueue) GetStats() map[string]int {
	q.mu.RLock()
	defer q.mu.RUnlock()

	stats := map[string]int{
		"total":      0,
		"pending":    0,
		"processing": 0,
		"failed":     0,
	}
	for _, item := range q.items {
		stats["total"]++
		switch item.Status {
		case models.QueuePending:
			stats["pending"]++
		case models.QueueProcessing:
			stats["processing"]++
		case models.QueueFailed:
			stats["failed"]++
		}
	}
	return stats
}

// Clear removes every item from the queue. Unsynced work is discarded.
func (q *SyncQueue) Clear(ctx context.Context) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	if err := q.store.ClearQueue(ctx); err != nil {
		return err
	}
	dropped := len(q.items)
	q.items = make(map[string]*models.SyncQueueItem)

	logging.Warn("Sync queue cleared", map[string]interface{}{"dropped": dropped})
	return nil
}
