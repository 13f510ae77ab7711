package observability

import (
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

type moduleMetrics struct {
	generationTotal    *prometheus.CounterVec
	generationDuration *prometheus.HistogramVec
	fragmentsTotal     prometheus.Counter
	prepareDuration    prometheus.Histogram
	promptDroppedItems prometheus.Counter

	memorySearchDuration   prometheus.Histogram
	memoryWriteDuration    prometheus.Histogram
	memoryChunksTotal      prometheus.Gauge
	memoryFilterViolations prometheus.Counter
	memoryChunkFailures    *prometheus.CounterVec

	persistenceFailures prometheus.Counter
	indexLagTotal       prometheus.Counter
	reconcilePending    prometheus.Gauge
	reconcileReplays    *prometheus.CounterVec

	queueWaiting      prometheus.Gauge
	queueTaskDuration prometheus.Histogram

	httpRequests *prometheus.CounterVec
}

var (
	metricsOnce sync.Once
	metricsInst *moduleMetrics
)

func getMetrics() *moduleMetrics {
	metricsOnce.Do(func() {
		m := &moduleMetrics{
			generationTotal: prometheus.NewCounterVec(
				prometheus.CounterOpts{
					Name: "generation_total",
					Help: "Generation requests by backend and terminal state.",
				},
				[]string{"backend", "state"},
			),
			generationDuration: prometheus.NewHistogramVec(
				prometheus.HistogramOpts{
					Name:    "generation_duration_seconds",
					Help:    "End-to-end generation duration in seconds by backend.",
					Buckets: prometheus.DefBuckets,
				},
				[]string{"backend"},
			),
			fragmentsTotal: prometheus.NewCounter(
				prometheus.CounterOpts{
					Name: "generation_fragments_total",
					Help: "Streamed fragments forwarded to callers.",
				},
			),
			prepareDuration: prometheus.NewHistogram(
				prometheus.HistogramOpts{
					Name:    "prepare_duration_seconds",
					Help:    "Persona, memory and recency lookup duration in seconds.",
					Buckets: prometheus.DefBuckets,
				},
			),
			promptDroppedItems: prometheus.NewCounter(
				prometheus.CounterOpts{
					Name: "prompt_dropped_context_items_total",
					Help: "Retrieved context items dropped to fit the token budget.",
				},
			),
			memorySearchDuration: prometheus.NewHistogram(
				prometheus.HistogramOpts{
					Name:    "memory_search_duration_seconds",
					Help:    "Memory search duration in seconds.",
					Buckets: prometheus.DefBuckets,
				},
			),
			memoryWriteDuration: prometheus.NewHistogram(
				prometheus.HistogramOpts{
					Name:    "memory_write_duration_seconds",
					Help:    "Memory upsert duration in seconds.",
					Buckets: prometheus.DefBuckets,
				},
			),
			memoryChunksTotal: prometheus.NewGauge(
				prometheus.GaugeOpts{
					Name: "memory_chunks_total",
					Help: "Chunks held by the long-term memory index.",
				},
			),
			memoryFilterViolations: prometheus.NewCounter(
				prometheus.CounterOpts{
					Name: "memory_filter_violations_total",
					Help: "Search candidates dropped because their metadata did not match the filter.",
				},
			),
			memoryChunkFailures: prometheus.NewCounterVec(
				prometheus.CounterOpts{
					Name: "memory_chunk_failures_total",
					Help: "Chunks skipped during upsert by failing stage.",
				},
				[]string{"stage"},
			),
			persistenceFailures: prometheus.NewCounter(
				prometheus.CounterOpts{
					Name: "persistence_failures_total",
					Help: "Authoritative store appends that failed after generation.",
				},
			),
			indexLagTotal: prometheus.NewCounter(
				prometheus.CounterOpts{
					Name: "index_lag_total",
					Help: "Exchanges recorded for reconciliation after an index write failure.",
				},
			),
			reconcilePending: prometheus.NewGauge(
				prometheus.GaugeOpts{
					Name: "reconcile_pending_sessions",
					Help: "Sessions waiting for an index rebuild.",
				},
			),
			reconcileReplays: prometheus.NewCounterVec(
				prometheus.CounterOpts{
					Name: "reconcile_replays_total",
					Help: "Session replays by status.",
				},
				[]string{"status"},
			),
			queueWaiting: prometheus.NewGauge(
				prometheus.GaugeOpts{
					Name: "session_queue_waiting",
					Help: "Requests waiting in per-session lanes.",
				},
			),
			queueTaskDuration: prometheus.NewHistogram(
				prometheus.HistogramOpts{
					Name:    "session_queue_task_duration_seconds",
					Help:    "Task execution duration inside per-session lanes.",
					Buckets: prometheus.DefBuckets,
				},
			),
			httpRequests: prometheus.NewCounterVec(
				prometheus.CounterOpts{
					Name: "http_requests_total",
					Help: "HTTP requests by route and status code.",
				},
				[]string{"route", "code"},
			),
		}

		prometheus.MustRegister(
			m.generationTotal,
			m.generationDuration,
			m.fragmentsTotal,
			m.prepareDuration,
			m.promptDroppedItems,
			m.memorySearchDuration,
			m.memoryWriteDuration,
			m.memoryChunksTotal,
			m.memoryFilterViolations,
			m.memoryChunkFailures,
			m.persistenceFailures,
			m.indexLagTotal,
			m.reconcilePending,
			m.reconcileReplays,
			m.queueWaiting,
			m.queueTaskDuration,
			m.httpRequests,
		)

		metricsInst = m
	})

	return metricsInst
}

// EnsureRegistered initializes and registers metrics the first time it is called.
func EnsureRegistered() {
	_ = getMetrics()
}

func MetricsHandler() http.Handler {
	EnsureRegistered()
	return promhttp.Handler()
}

func RecordGeneration(backend, state string, duration time.Duration) {
	m := getMetrics()
	m.generationTotal.WithLabelValues(backend, state).Inc()
	m.generationDuration.WithLabelValues(backend).Observe(duration.Seconds())
}

func RecordFragment() {
	getMetrics().fragmentsTotal.Inc()
}

func RecordPrepare(duration time.Duration) {
	getMetrics().prepareDuration.Observe(duration.Seconds())
}

func RecordPromptDrops(count int) {
	if count <= 0 {
		return
	}
	getMetrics().promptDroppedItems.Add(float64(count))
}

func RecordMemorySearch(duration time.Duration) {
	getMetrics().memorySearchDuration.Observe(duration.Seconds())
}

func RecordMemoryWrite(duration time.Duration) {
	getMetrics().memoryWriteDuration.Observe(duration.Seconds())
}

func SetMemoryChunks(total int) {
	getMetrics().memoryChunksTotal.Set(float64(total))
}

func RecordFilterViolation() {
	getMetrics().memoryFilterViolations.Inc()
}

// RecordChunkFailure counts a chunk skipped at the given stage ("embed" or "store").
func RecordChunkFailure(stage string) {
	getMetrics().memoryChunkFailures.WithLabelValues(stage).Inc()
}

func RecordPersistenceFailure() {
	getMetrics().persistenceFailures.Inc()
}

func RecordIndexLag() {
	getMetrics().indexLagTotal.Inc()
}

func SetReconcilePending(count int) {
	getMetrics().reconcilePending.Set(float64(count))
}

func RecordReplay(success bool) {
	status := "error"
	if success {
		status = "success"
	}
	getMetrics().reconcileReplays.WithLabelValues(status).Inc()
}

func AddQueueWaiting(delta int) {
	getMetrics().queueWaiting.Add(float64(delta))
}

func RecordQueueTask(duration time.Duration) {
	getMetrics().queueTaskDuration.Observe(duration.Seconds())
}

func RecordHTTPRequest(route string, code int) {
	getMetrics().httpRequests.WithLabelValues(route, strconv.Itoa(code)).Inc()
}
