// Package metrics provides Prometheus metrics for monitoring the sync engine.
package metrics

import (
	"time"

	"github.com/nadmax/nexsync/internal/outbox"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Failure reasons for OutboxFailed.
const (
	ReasonExhausted = "exhausted"
	ReasonRejected  = "rejected"
)

var (
	OutboxEnqueued = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "nexsync_outbox_enqueued_total",
			Help: "Total number of outbox entries enqueued",
		},
		[]string{"kind"},
	)
	OutboxCompleted = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "nexsync_outbox_completed_total",
			Help: "Total number of outbox entries delivered to the remote",
		},
		[]string{"kind"},
	)
	OutboxRetried = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "nexsync_outbox_retried_total",
			Help: "Total number of outbox entries rescheduled with backoff",
		},
		[]string{"kind"},
	)
	OutboxFailed = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "nexsync_outbox_failed_total",
			Help: "Total number of outbox entries that reached the failed state",
		},
		[]string{"kind", "reason"},
	)
	OutboxEntries = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "nexsync_outbox_entries",
			Help: "Current number of outbox entries by status",
		},
		[]string{"status"},
	)
	MutationsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "nexsync_mutations_total",
			Help: "Total number of local mutations by outcome of the immediate remote attempt",
		},
		[]string{"op", "outcome"},
	)
	RemoteCallDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "nexsync_remote_call_duration_seconds",
			Help:    "Remote gateway call duration in seconds",
			Buckets: []float64{.005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10, 30},
		},
		[]string{"op", "outcome"},
	)
	DrainPasses = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "nexsync_drain_passes_total",
			Help: "Total number of drain passes by result",
		},
		[]string{"result"},
	)
	DrainDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "nexsync_drain_duration_seconds",
			Help:    "Duration of one drain pass in seconds",
			Buckets: []float64{.01, .05, .1, .5, 1, 5, 10, 30, 60, 300},
		},
	)
	PendingOwners = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "nexsync_pending_owners",
			Help: "Number of owners with pending outbox entries",
		},
	)
	Online = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "nexsync_online",
			Help: "Last reported connectivity state (1 online, 0 offline)",
		},
	)
	HTTPRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "nexsync_http_requests_total",
			Help: "Total number of HTTP requests",
		},
		[]string{"method", "endpoint", "status"},
	)
	HTTPRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "nexsync_http_request_duration_seconds",
			Help:    "HTTP request duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "endpoint"},
	)
)

func RecordEnqueued(kind outbox.KindName) {
	OutboxEnqueued.WithLabelValues(string(kind)).Inc()
}

func RecordCompleted(kind outbox.KindName) {
	OutboxCompleted.WithLabelValues(string(kind)).Inc()
}

func RecordRetried(kind outbox.KindName) {
	OutboxRetried.WithLabelValues(string(kind)).Inc()
}

func RecordFailed(kind outbox.KindName, reason string) {
	OutboxFailed.WithLabelValues(string(kind), reason).Inc()
}

// RecordMutation counts a coordinator action; outcome is "synced" or "queued".
func RecordMutation(op, outcome string) {
	MutationsTotal.WithLabelValues(op, outcome).Inc()
}

func RecordRemoteCall(op, outcome string, duration time.Duration) {
	RemoteCallDuration.WithLabelValues(op, outcome).Observe(duration.Seconds())
}

func RecordDrainPass(result string, duration time.Duration) {
	DrainPasses.WithLabelValues(result).Inc()
	DrainDuration.Observe(duration.Seconds())
}

func UpdateOutboxGauges(counts map[outbox.Status]int) {
	OutboxEntries.Reset()
	for _, status := range []outbox.Status{outbox.StatusPending, outbox.StatusCompleted, outbox.StatusFailed} {
		OutboxEntries.WithLabelValues(string(status)).Set(float64(counts[status]))
	}
}

func UpdatePendingOwners(count int) {
	PendingOwners.Set(float64(count))
}

func SetOnline(online bool) {
	if online {
		Online.Set(1)
		return
	}
	Online.Set(0)
}

func RecordHTTPRequest(method, endpoint, status string, duration time.Duration) {
	HTTPRequestsTotal.WithLabelValues(method, endpoint, status).Inc()
	HTTPRequestDuration.WithLabelValues(method, endpoint).Observe(duration.Seconds())
}
