package models

import "encoding/json"

// OperationType is the kind of mutation a queue item carries.
type OperationType string

const (
	OpCreate OperationType = "create"
	OpUpdate OperationType = "update"
	OpDelete OperationType = "delete"
)

// Valid reports whether t is a known operation type.
func (t OperationType) Valid() bool {
	switch t {
	case OpCreate, OpUpdate, OpDelete:
		return true
	}
	return false
}

// QueueStatus is the lifecycle state of a queue item.
type QueueStatus string

const (
	QueuePending    QueueStatus = "pending"
	QueueProcessing QueueStatus = "processing"
	QueueCompleted  QueueStatus = "completed"
	QueueFailed     QueueStatus = "failed"
)

// SyncQueueItem is one pending local mutation awaiting server acknowledgement.
type SyncQueueItem struct {
	ID              string          `db:"id" json:"id"`
	Seq             int64           `db:"seq" json:"-"`
	Type            OperationType   `db:"type" json:"type"`
	Entity          EntityType      `db:"entity" json:"entity"`
	Payload         json.RawMessage `db:"payload" json:"payload"`
	LocalID         string          `db:"local_id" json:"localId"`
	Timestamp       int64           `db:"timestamp" json:"timestamp"` // unix millis
	Status          QueueStatus     `db:"status" json:"status"`
	Error           string          `db:"error" json:"error,omitempty"`
	Attempts        int             `db:"attempts" json:"attempts"`
	NextRetryAt     int64           `db:"next_retry_at" json:"nextRetryAt,omitempty"`
	AttachmentsMeta json.RawMessage `db:"attachments_meta" json:"attachmentsMeta,omitempty"`
}

// TableName returns the table name for SyncQueueItem.
func (SyncQueueItem) TableName() string {
	return "sync_queue"
}

// Clone returns a copy of the item that shares no byte slices with it.
func (i *SyncQueueItem) Clone() *SyncQueueItem {
	c := *i
	if i.Payload != nil {
		c.Payload = append(json.RawMessage(nil), i.Payload...)
	}
	if i.AttachmentsMeta != nil {
		c.AttachmentsMeta = append(json.RawMessage(nil), i.AttachmentsMeta...)
	}
	return &c
}

// Outstanding reports whether the item counts toward the user-visible
// pending total.
func (i *SyncQueueItem) Outstanding() bool {
	return i.Status == QueuePending || i.Status == QueueFailed
}
