package models

// Keys of the sync_state table.
const (
	StateClientID     = "client_id"
	StateLastSyncTime = "last_sync_time"
)
