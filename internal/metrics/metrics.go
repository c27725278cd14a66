// Package metrics holds the Prometheus collectors exported on /metrics.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Sync metrics
var (
	SyncPasses = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: MetricNameSyncPasses,
			Help: HelpTextSyncPasses,
		},
		[]string{LabelOutcome},
	)

	SyncPassDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    MetricNameSyncPassDuration,
			Help:    HelpTextSyncPassDuration,
			Buckets: prometheus.DefBuckets,
		},
	)

	OpsPushed = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: MetricNameOpsPushed,
			Help: HelpTextOpsPushed,
		},
		[]string{LabelEntity, LabelResult},
	)

	QueueDepth = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: MetricNameQueueDepth,
			Help: HelpTextQueueDepth,
		},
		[]string{LabelStatus},
	)

	Online = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: MetricNameOnline,
			Help: HelpTextOnline,
		},
	)

	BackgroundReplays = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: MetricNameBackgroundReplays,
			Help: HelpTextBackgroundReplays,
		},
		[]string{LabelOutcome},
	)

	Conflicts = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: MetricNameConflicts,
			Help: HelpTextConflicts,
		},
		[]string{LabelEntity},
	)
)

// HTTP metrics
var (
	HTTPRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: MetricNameHTTPRequestsTotal,
			Help: HelpTextHTTPRequestsTotal,
		},
		[]string{LabelMethod, LabelRoute, LabelCode},
	)

	HTTPRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    MetricNameHTTPRequestDuration,
			Help:    HelpTextHTTPRequestDuration,
			Buckets: prometheus.DefBuckets,
		},
		[]string{LabelMethod, LabelRoute},
	)
)

// SetQueueDepth publishes queue stats as returned by the queue's GetStats.
func SetQueueDepth(stats map[string]int) {
	for _, status := range []string{"pending", "processing", "failed"} {
		QueueDepth.WithLabelValues(status).Set(float64(stats[status]))
	}
}

// SetOnline records the connectivity state.
func SetOnline(online bool) {
	if online {
		Online.Set(1)
		return
	}
	Online.Set(0)
}
