package sync

import "time"

// SyncEventType names a user-visible sync notification.
type SyncEventType string

const (
	SyncEventStarted    SyncEventType = "sync.started"
	SyncEventCompleted  SyncEventType = "sync.completed"
	SyncEventFailed     SyncEventType = "sync.failed"
	SyncEventOffline    SyncEventType = "connectivity.offline"
	SyncEventOnline     SyncEventType = "connectivity.online"
	SyncEventReplayed   SyncEventType = "background.replayed"
	SyncEventBgFailed   SyncEventType = "background.failed"
	SyncEventBgExpired  SyncEventType = "background.expired"
	SyncEventQueueClear SyncEventType = "queue.cleared"
)

// Severity of an event as shown to the user.
const (
	SeverityInfo    = "info"
	SeveritySuccess = "success"
	SeverityWarning = "warning"
	SeverityError   = "error"
)

// SyncEvent is a notification emitted by the engine, the scheduler or the
// background worker.
type SyncEvent struct {
	Type     SyncEventType `json:"type"`
	Severity string        `json:"severity"`
	Message  string        `json:"message"`
	Entity   string        `json:"entity,omitempty"`
	Count    int           `json:"count,omitempty"`
	Error    string        `json:"error,omitempty"`
	Time     time.Time     `json:"time"`
}

// SyncEventHandler receives sync events.
type SyncEventHandler interface {
	OnSyncEvent(event SyncEvent)
}

// SyncEventHandlerFunc adapts a function to SyncEventHandler.
type SyncEventHandlerFunc func(event SyncEvent)

// OnSyncEvent calls f(event).
func (f SyncEventHandlerFunc) OnSyncEvent(event SyncEvent) {
	f(event)
}
