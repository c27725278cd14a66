package remote

import "encoding/json"

// Remote API paths.
const (
	PushPath   = "/api/v1/sync/push"
	StatusPath = "/api/v1/sync/status"
	apiPrefix  = "/api/v1/"
)

// Per-operation result statuses.
const (
	ResultOK    = "ok"
	ResultError = "error"
)

// PushRequest is the body of POST /api/v1/sync/push.
type PushRequest struct {
	ClientID string   `json:"clientId"`
	Ops      []PushOp `json:"ops"`
}

// PushOp is one queued operation inside a push batch.
type PushOp struct {
	OpID            string          `json:"opId"`
	OpType          string          `json:"opType"`
	Entity          string          `json:"entity"`
	Payload         json.RawMessage `json:"payload"`
	LocalID         string          `json:"localId"`
	Timestamp       int64           `json:"timestamp"`
	AttachmentsMeta json.RawMessage `json:"attachmentsMeta,omitempty"`
}

// PushResponse is the body of a successful push.
type PushResponse struct {
	Results []PushResult `json:"results"`
}

// PushResult is the server's verdict on one operation.
type PushResult struct {
	OpID     string `json:"opId"`
	Status   string `json:"status"`
	Error    string `json:"error,omitempty"`
	ServerID string `json:"serverId,omitempty"`
}

// OK reports whether the server applied the operation.
func (r PushResult) OK() bool {
	return r.Status == ResultOK
}

// ByOpID indexes the results by operation id.
func (r *PushResponse) ByOpID() map[string]PushResult {
	out := make(map[string]PushResult, len(r.Results))
	for _, res := range r.Results {
		out[res.OpID] = res
	}
	return out
}

// StatusResponse is the body of GET /api/v1/sync/status.
type StatusResponse struct {
	ServerTime string      `json:"serverTime"`
	Health     string      `json:"health"`
	QueueStats []QueueStat `json:"queueStats"`
}

// QueueStat is a server-side queue count per status.
type QueueStat struct {
	Status string `json:"status"`
	Count  int    `json:"_count"`
}
