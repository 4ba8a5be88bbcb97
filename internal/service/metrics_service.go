package service

import (
	"fmt"
	"net/http"
	"runtime"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// MetricsService encapsulates Prometheus instrumentation.
type MetricsService struct {
	registry        *prometheus.Registry
	handler         http.Handler
	requestDuration *prometheus.HistogramVec
	requestTotal    *prometheus.CounterVec
	cacheLatency    prometheus.Observer
	cacheWrite      prometheus.Observer
	cacheHitRatio   prometheus.Gauge
	cacheHits       prometheus.Counter
	cacheMisses     prometheus.Counter
	searchDuration  *prometheus.HistogramVec
	searchResults   *prometheus.HistogramVec
	submissions     *prometheus.CounterVec
	reviews         *prometheus.CounterVec
	reindexJobs     *prometheus.CounterVec
	reindexDuration *prometheus.HistogramVec

	cacheHitCount  uint64
	cacheMissCount uint64
}

// NewMetricsService registers the API collectors.
func NewMetricsService() *MetricsService {
	registry := prometheus.NewRegistry()

	requestDuration := prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "http_request_duration_seconds",
		Help:    "Duration of HTTP requests in seconds",
		Buckets: prometheus.DefBuckets,
	}, []string{"method", "path", "status"})

	requestTotal := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "http_requests_total",
		Help: "Total number of HTTP requests",
	}, []string{"method", "path", "status"})

	cacheLatency := prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "search_cache_latency_seconds",
		Help:    "Latency for search cache lookups",
		Buckets: prometheus.DefBuckets,
	})

	cacheWrite := prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "search_cache_write_seconds",
		Help:    "Latency for search cache writes",
		Buckets: prometheus.DefBuckets,
	})

	cacheHitRatio := prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "search_cache_hit_ratio",
		Help: "Ratio of cache hits to total cache lookups",
	})

	cacheHits := prometheus.NewCounter(prometheus.CounterOpts{
		Name: "search_cache_hits_total",
		Help: "Total search cache hits",
	})

	cacheMisses := prometheus.NewCounter(prometheus.CounterOpts{
		Name: "search_cache_misses_total",
		Help: "Total search cache misses",
	})

	searchDuration := prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "search_duration_seconds",
		Help:    "Duration of search engine round trips",
		Buckets: prometheus.DefBuckets,
	}, []string{"kind", "outcome"})

	searchResults := prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "search_results_total",
		Help:    "Total hits reported per search",
		Buckets: prometheus.ExponentialBuckets(1, 4, 8),
	}, []string{"kind"})

	submissions := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "update_requests_submitted_total",
		Help: "Update requests submitted per entity type",
	}, []string{"entity_type"})

	reviews := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "update_request_reviews_total",
		Help: "Update request review outcomes",
	}, []string{"entity_type", "outcome"})

	reindexJobs := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "reindex_jobs_total",
		Help: "Reindex jobs by entity type and outcome",
	}, []string{"entity_type", "outcome"})

	reindexDuration := prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "reindex_job_duration_seconds",
		Help:    "Duration of reindex jobs",
		Buckets: prometheus.DefBuckets,
	}, []string{"entity_type"})

	goroutines := prometheus.NewGaugeFunc(prometheus.GaugeOpts{
		Name: "goroutines_total",
		Help: "Total number of goroutines",
	}, func() float64 {
		return float64(runtime.NumGoroutine())
	})

	registry.MustRegister(requestDuration, requestTotal, cacheLatency, cacheWrite, cacheHitRatio, cacheHits, cacheMisses,
		searchDuration, searchResults, submissions, reviews, reindexJobs, reindexDuration, goroutines)

	return &MetricsService{
		registry:        registry,
		handler:         promhttp.HandlerFor(registry, promhttp.HandlerOpts{}),
		requestDuration: requestDuration,
		requestTotal:    requestTotal,
		cacheLatency:    cacheLatency,
		cacheWrite:      cacheWrite,
		cacheHitRatio:   cacheHitRatio,
		cacheHits:       cacheHits,
		cacheMisses:     cacheMisses,
		searchDuration:  searchDuration,
		searchResults:   searchResults,
		submissions:     submissions,
		reviews:         reviews,
		reindexJobs:     reindexJobs,
		reindexDuration: reindexDuration,
	}
}

// Registry exposes the underlying registry, mainly for tests.
func (m *MetricsService) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.registry
}

// Handler exposes the Prometheus HTTP handler.
func (m *MetricsService) Handler() http.Handler {
	if m == nil {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusServiceUnavailable)
		})
	}
	return m.handler
}

// ObserveHTTPRequest records request metrics.
func (m *MetricsService) ObserveHTTPRequest(method, path string, status int, duration time.Duration) {
	if m == nil {
		return
	}
	labelStatus := fmt.Sprintf("%d", status)
	m.requestDuration.WithLabelValues(method, path, labelStatus).Observe(duration.Seconds())
	m.requestTotal.WithLabelValues(method, path, labelStatus).Inc()
}

// RecordCacheOperation records cache hit/miss metrics and updates hit ratio.
func (m *MetricsService) RecordCacheOperation(hit bool, duration time.Duration) {
	if m == nil {
		return
	}
	m.cacheLatency.Observe(duration.Seconds())
	if hit {
		m.cacheHits.Inc()
		atomic.AddUint64(&m.cacheHitCount, 1)
	} else {
		m.cacheMisses.Inc()
		atomic.AddUint64(&m.cacheMissCount, 1)
	}
	hits := atomic.LoadUint64(&m.cacheHitCount)
	total := hits + atomic.LoadUint64(&m.cacheMissCount)
	if total > 0 {
		m.cacheHitRatio.Set(float64(hits) / float64(total))
	}
}

// ObserveCacheWrite tracks the duration for cache write operations.
func (m *MetricsService) ObserveCacheWrite(duration time.Duration) {
	if m == nil {
		return
	}
	m.cacheWrite.Observe(duration.Seconds())
}

// ObserveSearch records a search engine round trip.
func (m *MetricsService) ObserveSearch(kind string, total int64, duration time.Duration, err error) {
	if m == nil {
		return
	}
	outcome := "ok"
	if err != nil {
		outcome = "error"
	}
	m.searchDuration.WithLabelValues(kind, outcome).Observe(duration.Seconds())
	if err == nil {
		m.searchResults.WithLabelValues(kind).Observe(float64(total))
	}
}

// RecordSubmission counts a stored update request.
func (m *MetricsService) RecordSubmission(entityType string) {
	if m == nil {
		return
	}
	m.submissions.WithLabelValues(entityType).Inc()
}

// RecordReview counts a review attempt by outcome: approved, rejected,
// state_conflict, merge_conflict or error.
func (m *MetricsService) RecordReview(entityType, outcome string) {
	if m == nil {
		return
	}
	m.reviews.WithLabelValues(entityType, outcome).Inc()
}

// ObserveReindex records a finished reindex job attempt.
func (m *MetricsService) ObserveReindex(entityType, outcome string, duration time.Duration) {
	if m == nil {
		return
	}
	m.reindexJobs.WithLabelValues(entityType, outcome).Inc()
	m.reindexDuration.WithLabelValues(entityType).Observe(duration.Seconds())
}
