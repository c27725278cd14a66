package models

import "time"

// Conflict resolutions recorded in the conflict log.
const (
	ResolutionLocalPending = "local_pending"
	ResolutionLocalNewer   = "local_newer"
	ResolutionRemoteWins   = "remote_wins"
)

// ConflictLog records a server row that was not applied over the local copy.
type ConflictLog struct {
	ID            string     `db:"id" json:"id"`
	Entity        EntityType `db:"entity" json:"entity"`
	RecordID      string     `db:"record_id" json:"recordId"`
	LocalVersion  int        `db:"local_version" json:"localVersion"`
	RemoteVersion int        `db:"remote_version" json:"remoteVersion"`
	Resolution    string     `db:"resolution" json:"resolution"`
	DetectedAt    int64      `db:"detected_at" json:"detectedAt"`
}

// TableName returns the table name for ConflictLog.
func (ConflictLog) TableName() string {
	return "conflict_log"
}

// DetectedAtTime returns the DetectedAt as time.Time.
func (c *ConflictLog) DetectedAtTime() time.Time {
	return time.UnixMilli(c.DetectedAt)
}
