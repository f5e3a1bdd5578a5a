// Package telemetry holds the prometheus instrumentation for the ingestion
// pipeline and the HTTP surface. Collectors are package-level and
// registered once with the default registry, which promhttp serves at
// /metrics.
package telemetry

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	BatchesProcessed = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "prevaldb",
		Subsystem: "ingest",
		Name:      "batches_total",
		Help:      "Submission batches processed, by outcome.",
	}, []string{"outcome"})

	EntriesApplied = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "prevaldb",
		Subsystem: "ingest",
		Name:      "entries_applied_total",
		Help:      "Ingestion entries counted for the first time.",
	})

	EntriesDuplicate = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "prevaldb",
		Subsystem: "ingest",
		Name:      "entries_duplicate_total",
		Help:      "Ingestion entries skipped because their transaction was already counted.",
	})

	MergeConflicts = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "prevaldb",
		Subsystem: "merge",
		Name:      "file_conflicts_total",
		Help:      "Hash file conditional writes rejected on a stale version token.",
	})

	CounterRetries = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "prevaldb",
		Subsystem: "merge",
		Name:      "counter_retries_total",
		Help:      "Idempotency counter writes retried after a conflict.",
	})

	GroupsUnprovisioned = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "prevaldb",
		Subsystem: "merge",
		Name:      "groups_unprovisioned_total",
		Help:      "Prefix groups abandoned because the prefix was never provisioned.",
	})

	MergeDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Namespace: "prevaldb",
		Subsystem: "merge",
		Name:      "group_duration_seconds",
		Help:      "Wall time to complete one prefix group.",
		Buckets:   prometheus.ExponentialBuckets(0.001, 2, 14),
	})

	RangeLookups = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "prevaldb",
		Subsystem: "lookup",
		Name:      "range_total",
		Help:      "Range lookups, by outcome (ok, not_found, error).",
	}, []string{"outcome"})

	QueueDepth = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "prevaldb",
		Subsystem: "ingest",
		Name:      "queue_depth",
		Help:      "Items waiting in the submission queue.",
	})

	httpDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "prevaldb",
		Subsystem: "http",
		Name:      "request_duration_seconds",
		Help:      "HTTP request latency by method and status.",
		Buckets:   prometheus.DefBuckets,
	}, []string{"method", "status"})
)

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(status int) {
	r.status = status
	r.ResponseWriter.WriteHeader(status)
}

// Middleware records request durations for the wrapped handler.
func Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r)
		httpDuration.WithLabelValues(r.Method, strconv.Itoa(rec.status)).
			Observe(time.Since(start).Seconds())
	})
}
