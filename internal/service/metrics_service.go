package service

import (
	"net/http"
	"runtime"
	"strconv"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/lyceum-overseas/visa-ops-api/internal/models"
)

// snapshotCounters aggregates rolling totals outside Prometheus so the
// analytics endpoint can serve averages without scraping the registry.
type snapshotCounters struct {
	cacheHits       uint64
	cacheMisses     uint64
	requests        uint64
	requestDuration uint64
	dbQueries       uint64
	dbQueryDuration uint64
}

// MetricsService owns the Prometheus registry and the snapshot counters.
// All methods are nil-safe so metrics can be disabled by passing nil around.
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
	dbQueryDuration *prometheus.HistogramVec
	transitions     *prometheus.CounterVec

	counters snapshotCounters
}

// NewMetricsService registers the API's collectors on a private registry.
func NewMetricsService() *MetricsService {
	m := &MetricsService{
		registry: prometheus.NewRegistry(),
		requestDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "http_request_duration_seconds",
			Help:    "Duration of HTTP requests in seconds",
			Buckets: prometheus.DefBuckets,
		}, []string{"method", "path", "status"}),
		requestTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "http_requests_total",
			Help: "Total number of HTTP requests",
		}, []string{"method", "path", "status"}),
		dbQueryDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "db_query_duration_seconds",
			Help:    "Duration of database queries",
			Buckets: prometheus.DefBuckets,
		}, []string{"query"}),
		transitions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "workflow_transitions_total",
			Help: "Total approval state transitions applied, by kind",
		}, []string{"transition"}),
	}

	cacheLatency := prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "cache_latency_seconds",
		Help:    "Latency for cache lookups",
		Buckets: prometheus.DefBuckets,
	})
	cacheWrite := prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "cache_write_seconds",
		Help:    "Latency for cache set operations",
		Buckets: prometheus.DefBuckets,
	})
	cacheHitRatio := prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "cache_hit_ratio",
		Help: "Ratio of cache hits to total cache lookups",
	})
	cacheHits := prometheus.NewCounter(prometheus.CounterOpts{
		Name: "cache_hits_total",
		Help: "Total cache hits",
	})
	cacheMisses := prometheus.NewCounter(prometheus.CounterOpts{
		Name: "cache_misses_total",
		Help: "Total cache misses",
	})
	goroutines := prometheus.NewGaugeFunc(prometheus.GaugeOpts{
		Name: "goroutines_total",
		Help: "Total number of goroutines",
	}, func() float64 {
		return float64(runtime.NumGoroutine())
	})

	m.cacheLatency = cacheLatency
	m.cacheWrite = cacheWrite
	m.cacheHitRatio = cacheHitRatio
	m.cacheHits = cacheHits
	m.cacheMisses = cacheMisses

	m.registry.MustRegister(
		m.requestDuration, m.requestTotal,
		cacheLatency, cacheWrite, cacheHitRatio, cacheHits, cacheMisses,
		m.dbQueryDuration, m.transitions, goroutines,
	)
	m.handler = promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
	return m
}

// Handler exposes the Prometheus scrape handler.
func (m *MetricsService) Handler() http.Handler {
	if m == nil {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusServiceUnavailable)
		})
	}
	return m.handler
}

// RecordWorkflowTransition counts one applied approval transition.
func (m *MetricsService) RecordWorkflowTransition(transition string) {
	if m == nil || m.transitions == nil {
		return
	}
	m.transitions.WithLabelValues(transition).Inc()
}

// ObserveHTTPRequest records one request on the histogram, counter and
// snapshot totals.
func (m *MetricsService) ObserveHTTPRequest(method, path string, status int, duration time.Duration) {
	if m == nil {
		return
	}
	label := strconv.Itoa(status)
	m.requestDuration.WithLabelValues(method, path, label).Observe(duration.Seconds())
	m.requestTotal.WithLabelValues(method, path, label).Inc()
	atomic.AddUint64(&m.counters.requests, 1)
	atomic.AddUint64(&m.counters.requestDuration, uint64(duration.Nanoseconds()))
}

// RecordCacheOperation counts a lookup and refreshes the hit-ratio gauge.
func (m *MetricsService) RecordCacheOperation(hit bool, duration time.Duration) {
	if m == nil {
		return
	}
	if m.cacheLatency != nil {
		m.cacheLatency.Observe(duration.Seconds())
	}
	if hit {
		m.cacheHits.Inc()
		atomic.AddUint64(&m.counters.cacheHits, 1)
	} else {
		m.cacheMisses.Inc()
		atomic.AddUint64(&m.counters.cacheMisses, 1)
	}
	hits := atomic.LoadUint64(&m.counters.cacheHits)
	total := hits + atomic.LoadUint64(&m.counters.cacheMisses)
	if total > 0 {
		m.cacheHitRatio.Set(float64(hits) / float64(total))
	}
}

// ObserveCacheWrite tracks the duration of cache set operations.
func (m *MetricsService) ObserveCacheWrite(duration time.Duration) {
	if m == nil || m.cacheWrite == nil {
		return
	}
	m.cacheWrite.Observe(duration.Seconds())
}

// ObserveDBQuery records one query under its label.
func (m *MetricsService) ObserveDBQuery(label string, duration time.Duration) {
	if m == nil {
		return
	}
	m.dbQueryDuration.WithLabelValues(label).Observe(duration.Seconds())
	atomic.AddUint64(&m.counters.dbQueries, 1)
	atomic.AddUint64(&m.counters.dbQueryDuration, uint64(duration.Nanoseconds()))
}

// Snapshot returns the aggregated totals for the analytics system endpoint.
func (m *MetricsService) Snapshot() models.AnalyticsSystemMetrics {
	if m == nil {
		return models.AnalyticsSystemMetrics{}
	}
	hits := atomic.LoadUint64(&m.counters.cacheHits)
	misses := atomic.LoadUint64(&m.counters.cacheMisses)
	requests := atomic.LoadUint64(&m.counters.requests)
	reqDuration := atomic.LoadUint64(&m.counters.requestDuration)
	dbCount := atomic.LoadUint64(&m.counters.dbQueries)
	dbDuration := atomic.LoadUint64(&m.counters.dbQueryDuration)

	var cacheRatio float64
	if lookups := hits + misses; lookups > 0 {
		cacheRatio = float64(hits) / float64(lookups)
	}
	var avgRequestMs float64
	if requests > 0 {
		avgRequestMs = float64(reqDuration) / float64(requests) / float64(time.Millisecond)
	}
	var avgDBMs float64
	if dbCount > 0 {
		avgDBMs = float64(dbDuration) / float64(dbCount) / float64(time.Millisecond)
	}

	return models.AnalyticsSystemMetrics{
		CacheHitRatio:            cacheRatio,
		CacheHits:                hits,
		CacheMisses:              misses,
		RequestsTotal:            requests,
		AverageRequestDurationMs: avgRequestMs,
		DBQueryCount:             dbCount,
		AverageDBQueryDurationMs: avgDBMs,
		Goroutines:               runtime.NumGoroutine(),
		GeneratedAt:              time.Now().UTC(),
	}
}
