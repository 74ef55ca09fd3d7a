// Package observability registers the pipeline metric series and the
// structured-log field helpers shared by every worker process.
package observability

import (
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// includeTenant controls whether the tenant_id label carries a value. The
// label itself is always declared (Prometheus label sets are fixed at
// registration); when disabled it stays empty to bound cardinality.
var includeTenant atomic.Bool

// SetIncludeTenantID toggles the tenant_id label value at process start.
func SetIncludeTenantID(enabled bool) {
	includeTenant.Store(enabled)
}

func tenantLabel(tenantID string) string {
	if includeTenant.Load() {
		return tenantID
	}
	return ""
}

var (
	eventsProcessed = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "events_processed_total",
		Help: "Events handled by workers, labeled by outcome.",
	}, []string{"worker_type", "event_type", "tenant_id", "status"})

	processingLatencySeconds = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "event_processing_latency_seconds",
		Help:    "End-to-end handler latency per event type.",
		Buckets: prometheus.ExponentialBuckets(0.005, 2, 12),
	}, []string{"worker_type", "event_type", "tenant_id"})

	processingLatencyMS = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "event_processing_latency_ms",
		Help:    "Handler latency in milliseconds with coarse labels.",
		Buckets: prometheus.ExponentialBuckets(1, 2, 14),
	}, []string{"worker_type", "tenant_id"})

	failures = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "failures_total",
		Help: "Handler failures grouped by error class.",
	}, []string{"worker_type", "event_type", "tenant_id", "error_type"})

	retries = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "retries_total",
		Help: "Retry attempts scheduled per event type.",
	}, []string{"worker_type", "event_type", "tenant_id", "retry_attempt"})

	dlqTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "dlq_total",
		Help: "Events routed to the dead-letter queue.",
	}, []string{"worker_type", "event_type", "tenant_id"})

	dlqSize = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name: "dlq_size",
		Help: "Entries currently pending in the dead-letter queue.",
	}, []string{"event_type", "worker_type", "tenant_id"})

	eventsInProcessing = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name: "events_in_processing",
		Help: "Events currently being handled.",
	}, []string{"worker_type", "tenant_id"})

	consumerLag = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name: "kafka_consumer_lag",
		Help: "Best-effort consumer lag per topic and group.",
	}, []string{"topic", "group_id", "tenant_id"})
)

func init() {
	prometheus.MustRegister(
		eventsProcessed,
		processingLatencySeconds,
		processingLatencyMS,
		failures,
		retries,
		dlqTotal,
		dlqSize,
		eventsInProcessing,
		consumerLag,
	)
}

// RecordProcessed counts a handled event and observes its latency.
func RecordProcessed(workerType, eventType, tenantID, status string, elapsed time.Duration) {
	tenant := tenantLabel(tenantID)
	eventsProcessed.WithLabelValues(workerType, eventType, tenant, status).Inc()
	processingLatencySeconds.WithLabelValues(workerType, eventType, tenant).Observe(elapsed.Seconds())
	processingLatencyMS.WithLabelValues(workerType, tenant).Observe(float64(elapsed.Milliseconds()))
}

// RecordFailure counts a classified handler failure.
func RecordFailure(workerType, eventType, tenantID, errorType string) {
	failures.WithLabelValues(workerType, eventType, tenantLabel(tenantID), errorType).Inc()
}

// RecordRetry counts a scheduled retry attempt.
func RecordRetry(workerType, eventType, tenantID, attempt string) {
	retries.WithLabelValues(workerType, eventType, tenantLabel(tenantID), attempt).Inc()
}

// RecordDeadLettered counts a DLQ routing.
func RecordDeadLettered(workerType, eventType, tenantID string) {
	dlqTotal.WithLabelValues(workerType, eventType, tenantLabel(tenantID)).Inc()
}

// SetDLQSize refreshes the DLQ backlog gauge.
func SetDLQSize(eventType, workerType, tenantID string, size int) {
	dlqSize.WithLabelValues(eventType, workerType, tenantLabel(tenantID)).Set(float64(size))
}

// IncInProcessing bumps the in-flight gauge.
func IncInProcessing(workerType, tenantID string) {
	eventsInProcessing.WithLabelValues(workerType, tenantLabel(tenantID)).Inc()
}

// DecInProcessing lowers the in-flight gauge.
func DecInProcessing(workerType, tenantID string) {
	eventsInProcessing.WithLabelValues(workerType, tenantLabel(tenantID)).Dec()
}

// SetConsumerLag records best-effort lag for a topic and group.
func SetConsumerLag(topic, groupID, tenantID string, lag int64) {
	consumerLag.WithLabelValues(topic, groupID, tenantLabel(tenantID)).Set(float64(lag))
}
