package metrics

// Metric names
const (
	MetricNameSyncPasses          = "fieldsync_sync_passes_total"
	MetricNameSyncPassDuration    = "fieldsync_sync_pass_duration_seconds"
	MetricNameOpsPushed           = "fieldsync_ops_pushed_total"
	MetricNameQueueDepth          = "fieldsync_queue_depth"
	MetricNameOnline              = "fieldsync_online"
	MetricNameBackgroundReplays   = "fieldsync_background_replays_total"
	MetricNameConflicts           = "fieldsync_conflicts_total"
	MetricNameHTTPRequestsTotal   = "fieldsync_http_requests_total"
	MetricNameHTTPRequestDuration = "fieldsync_http_request_duration_seconds"
)

// Help text
const (
	HelpTextSyncPasses          = "Sync passes by outcome"
	HelpTextSyncPassDuration    = "Duration of sync passes that pushed at least one batch"
	HelpTextOpsPushed           = "Queued operations pushed, by entity and result"
	HelpTextQueueDepth          = "Queued operations by status"
	HelpTextOnline              = "1 when the remote API is reachable"
	HelpTextBackgroundReplays   = "Background request replays by outcome"
	HelpTextConflicts           = "Server rows not applied because the local copy was kept"
	HelpTextHTTPRequestsTotal   = "Local API requests"
	HelpTextHTTPRequestDuration = "Local API request latency in seconds"
)

// Labels
const (
	LabelOutcome = "outcome"
	LabelEntity  = "entity"
	LabelResult  = "result"
	LabelStatus  = "status"
	LabelMethod  = "method"
	LabelRoute   = "route"
	LabelCode    = "code"
)

// Outcome label values
const (
	OutcomeOK      = "ok"
	OutcomeSkipped = "skipped"
	OutcomeFailed  = "failed"
	OutcomeError   = "error"
	OutcomeExpired = "expired"
)
