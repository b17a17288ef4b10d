// Package metrics provides Prometheus metrics for the driveberry engine.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// Change flow metrics
	changesObserved = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "driveberry_changes_observed_total",
			Help: "Canonical changes emitted by repository observers",
		},
		[]string{"repo", "kind"},
	)

	changesQueued = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "driveberry_changes_queued_total",
			Help: "Changes accepted into the processor queue",
		},
		[]string{"repo", "kind"},
	)

	changesApplied = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "driveberry_changes_applied_total",
			Help: "Changes replayed against a destination repository",
		},
		[]string{"repo", "kind", "status"},
	)

	echoesSuppressed = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "driveberry_echoes_suppressed_total",
			Help: "Changes dropped by the recent-changes window",
		},
		[]string{"repo"},
	)

	queueDepth = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "driveberry_queue_depth",
			Help: "Pending changes in the processor queue",
		},
	)

	recentWindowSize = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "driveberry_recent_window_size",
			Help: "Entries in the echo suppression window",
		},
	)

	// Transfer metrics
	transferBytes = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "driveberry_transfer_bytes_total",
			Help: "Bytes of file content transferred between repositories",
		},
		[]string{"from", "to"},
	)

	transferDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "driveberry_transfer_duration_seconds",
			Help:    "Whole-file transfer duration",
			Buckets: prometheus.ExponentialBuckets(0.01, 4, 10),
		},
	)

	// Cloud feed metrics
	feedPages = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "driveberry_feed_pages_total",
			Help: "Incremental change feed pages fetched",
		},
	)

	feedErrors = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "driveberry_feed_errors_total",
			Help: "Transport failures while polling the change feed",
		},
	)

	// Reconciliation metrics
	reconcileActions = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "driveberry_reconcile_actions_total",
			Help: "Changes enqueued by the startup reconciliation pass",
		},
		[]string{"direction", "kind"},
	)

	// Lifecycle metrics
	processorRestarts = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "driveberry_processor_restarts_total",
			Help: "Times the change processor restarted after a crash",
		},
	)

	manifestSaves = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "driveberry_manifest_saves_total",
			Help: "Manifest checkpoint writes",
		},
		[]string{"repo"},
	)

	eventsPublished = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "driveberry_events_published_total",
			Help: "Diagnostic events published to the SSE stream",
		},
		[]string{"type"},
	)
)

// Handler returns the Prometheus metrics HTTP handler.
func Handler() http.Handler {
	return promhttp.Handler()
}

// RecordChangeObserved records a canonical change emitted by an observer.
func RecordChangeObserved(repo, kind string) {
	changesObserved.WithLabelValues(repo, kind).Inc()
}

// RecordChangeQueued records a change accepted into the queue.
func RecordChangeQueued(repo, kind string) {
	changesQueued.WithLabelValues(repo, kind).Inc()
}

// RecordChangeApplied records a replay attempt against a destination.
func RecordChangeApplied(repo, kind string, success bool) {
	status := "success"
	if !success {
		status = "error"
	}
	changesApplied.WithLabelValues(repo, kind, status).Inc()
}

// RecordEchoSuppressed records a change dropped by the recent window.
func RecordEchoSuppressed(repo string) {
	echoesSuppressed.WithLabelValues(repo).Inc()
}

// SetQueueDepth sets the pending queue depth.
func SetQueueDepth(n int) {
	queueDepth.Set(float64(n))
}

// SetRecentWindowSize sets the echo window size.
func SetRecentWindowSize(n int) {
	recentWindowSize.Set(float64(n))
}

// RecordTransfer records one whole-file content transfer.
func RecordTransfer(from, to string, bytes int64, duration time.Duration) {
	transferBytes.WithLabelValues(from, to).Add(float64(bytes))
	transferDuration.Observe(duration.Seconds())
}

// RecordFeedPage records one fetched change feed page.
func RecordFeedPage() {
	feedPages.Inc()
}

// RecordFeedError records a change feed transport failure.
func RecordFeedError() {
	feedErrors.Inc()
}

// RecordReconcileAction records a change enqueued during reconciliation.
func RecordReconcileAction(direction, kind string) {
	reconcileActions.WithLabelValues(direction, kind).Inc()
}

// RecordProcessorRestart records a crash restart of the processor task.
func RecordProcessorRestart() {
	processorRestarts.Inc()
}

// RecordManifestSave records a manifest checkpoint write.
func RecordManifestSave(repo string) {
	manifestSaves.WithLabelValues(repo).Inc()
}

// RecordEventPublished records a diagnostic event publication.
func RecordEventPublished(eventType string) {
	eventsPublished.WithLabelValues(eventType).Inc()
}
