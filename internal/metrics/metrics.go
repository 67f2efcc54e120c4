// Package metrics exports pipeline metrics in Prometheus format.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "eyemem"

// Metrics holds every collector on a private registry. A nil *Metrics is
// valid and records nothing, so components can be built without metrics.
type Metrics struct {
	registry *prometheus.Registry

	// Queue and worker metrics
	jobsEnqueued *prometheus.CounterVec
	jobsFinished *prometheus.CounterVec
	jobDuration  *prometheus.HistogramVec
	jobsRequeued prometheus.Counter
	queueLength  prometheus.Gauge
	inFlight     prometheus.Gauge

	// Index metrics
	indexSize prometheus.Gauge

	// Search metrics
	searchLatency prometheus.Histogram
	searchResults prometheus.Histogram
	embedCache    *prometheus.CounterVec

	// Audit metrics
	orphanedVectors prometheus.Gauge
	stuckJobs       prometheus.Gauge
	stuckMemories   prometheus.Gauge
}

// New creates the collectors and registers them on a fresh registry.
func New() *Metrics {
	m := &Metrics{registry: prometheus.NewRegistry()}

	m.jobsEnqueued = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "jobs",
			Name:      "enqueued_total",
			Help:      "Total number of jobs enqueued",
		},
		[]string{"type"},
	)
	m.jobsFinished = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "jobs",
			Name:      "finished_total",
			Help:      "Total number of jobs that reached a terminal status",
		},
		[]string{"type", "status"},
	)
	m.jobDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "jobs",
			Name:      "duration_seconds",
			Help:      "Job handler execution time in seconds",
			Buckets:   []float64{0.05, 0.1, 0.5, 1, 2, 5, 10, 30, 60, 120, 300},
		},
		[]string{"type"},
	)
	m.jobsRequeued = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "jobs",
			Name:      "requeued_total",
			Help:      "Total number of deliveries requeued after their lease expired",
		},
	)
	m.queueLength = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "queue",
			Name:      "length",
			Help:      "Envelopes waiting in the queue",
		},
	)
	m.inFlight = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "queue",
			Name:      "in_flight",
			Help:      "Envelopes delivered and not yet acknowledged",
		},
	)
	m.indexSize = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "index",
			Name:      "vectors",
			Help:      "Number of vectors in the index",
		},
	)
	m.searchLatency = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "search",
			Name:      "latency_seconds",
			Help:      "Search latency in seconds",
			Buckets:   []float64{0.005, 0.01, 0.05, 0.1, 0.5, 1, 2, 5},
		},
	)
	m.searchResults = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "search",
			Name:      "results",
			Help:      "Number of results returned per search",
			Buckets:   []float64{0, 1, 2, 5, 10, 20, 50, 100},
		},
	)
	m.embedCache = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "search",
			Name:      "embedding_cache_total",
			Help:      "Query embedding cache lookups",
		},
		[]string{"result"},
	)
	m.orphanedVectors = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "audit",
			Name:      "orphaned_vectors",
			Help:      "Index positions not referenced by any memory record",
		},
	)
	m.stuckJobs = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "audit",
			Name:      "stuck_jobs",
			Help:      "Jobs RUNNING for longer than the audit threshold",
		},
	)
	m.stuckMemories = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "audit",
			Name:      "stuck_memories",
			Help:      "Memory records in processing for longer than the audit threshold",
		},
	)

	m.registry.MustRegister(
		m.jobsEnqueued,
		m.jobsFinished,
		m.jobDuration,
		m.jobsRequeued,
		m.queueLength,
		m.inFlight,
		m.indexSize,
		m.searchLatency,
		m.searchResults,
		m.embedCache,
		m.orphanedVectors,
		m.stuckJobs,
		m.stuckMemories,
	)
	return m
}

// Handler returns the HTTP handler for the metrics endpoint.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// Registry returns the underlying Prometheus registry.
func (m *Metrics) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.registry
}

// JobEnqueued counts one enqueued job.
func (m *Metrics) JobEnqueued(jobType string) {
	if m == nil {
		return
	}
	m.jobsEnqueued.WithLabelValues(jobType).Inc()
}

// JobFinished records a terminal transition and the handler duration.
func (m *Metrics) JobFinished(jobType, status string, d time.Duration) {
	if m == nil {
		return
	}
	m.jobsFinished.WithLabelValues(jobType, status).Inc()
	m.jobDuration.WithLabelValues(jobType).Observe(d.Seconds())
}

// JobsRequeued counts deliveries put back after lease expiry.
func (m *Metrics) JobsRequeued(n int) {
	if m == nil || n <= 0 {
		return
	}
	m.jobsRequeued.Add(float64(n))
}

// SetQueueDepth records the waiting and in-flight counts.
func (m *Metrics) SetQueueDepth(waiting, inFlight int64) {
	if m == nil {
		return
	}
	m.queueLength.Set(float64(waiting))
	m.inFlight.Set(float64(inFlight))
}

// SetIndexSize records the number of vectors in the index.
func (m *Metrics) SetIndexSize(n int) {
	if m == nil {
		return
	}
	m.indexSize.Set(float64(n))
}

// SearchCompleted records one search.
func (m *Metrics) SearchCompleted(d time.Duration, results int) {
	if m == nil {
		return
	}
	m.searchLatency.Observe(d.Seconds())
	m.searchResults.Observe(float64(results))
}

// EmbeddingCache records a query embedding cache hit or miss.
func (m *Metrics) EmbeddingCache(hit bool) {
	if m == nil {
		return
	}
	result := "miss"
	if hit {
		result = "hit"
	}
	m.embedCache.WithLabelValues(result).Inc()
}

// SetAudit records the outcome of a consistency audit.
func (m *Metrics) SetAudit(orphanedVectors, stuckJobs, stuckMemories int) {
	if m == nil {
		return
	}
	m.orphanedVectors.Set(float64(orphanedVectors))
	m.stuckJobs.Set(float64(stuckJobs))
	m.stuckMemories.Set(float64(stuckMemories))
}
