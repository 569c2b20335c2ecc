package monitoring

import (
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const metricsNamespace = "ego_cse"

// PrometheusMetrics provides Prometheus integration for monitoring
type PrometheusMetrics struct {
	// HTTP metrics
	httpRequestsTotal    *prometheus.CounterVec
	httpRequestDuration  *prometheus.HistogramVec
	httpRequestsInFlight *prometheus.GaugeVec

	// Cache metrics
	cacheHitsTotal   *prometheus.CounterVec
	cacheMissesTotal *prometheus.CounterVec
	cacheSize        *prometheus.GaugeVec

	// FriendFeed metrics
	upstreamRequestsTotal   *prometheus.CounterVec
	upstreamRequestDuration *prometheus.HistogramVec

	// Rendering and failure metrics
	renderDuration  *prometheus.HistogramVec
	rateLimitBlocks *prometheus.CounterVec
	errorsTotal     *prometheus.CounterVec

	registry *prometheus.Registry
	logger   *slog.Logger
}

// NewPrometheusMetrics creates a metrics collector on a private registry
func NewPrometheusMetrics(logger *slog.Logger) *PrometheusMetrics {
	return NewPrometheusMetricsWithRegistry(prometheus.NewRegistry(), logger)
}

// NewPrometheusMetricsWithRegistry creates a metrics collector registered on
// registry, which also receives the Go runtime and process collectors
func NewPrometheusMetricsWithRegistry(registry *prometheus.Registry, logger *slog.Logger) *PrometheusMetrics {
	pm := &PrometheusMetrics{
		registry: registry,
		logger:   logger,
	}

	pm.initHTTPMetrics()
	pm.initCacheMetrics()
	pm.initUpstreamMetrics()
	pm.initRenderMetrics()

	pm.registerMetrics()

	return pm
}

// initHTTPMetrics initializes HTTP-related metrics
func (pm *PrometheusMetrics) initHTTPMetrics() {
	pm.httpRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "http_requests_total",
			Help:      "Total number of HTTP requests",
		},
		[]string{"method", "route", "status_code"},
	)

	pm.httpRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: metricsNamespace,
			Name:      "http_request_duration_seconds",
			Help:      "HTTP request duration in seconds",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"method", "route"},
	)

	pm.httpRequestsInFlight = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: metricsNamespace,
			Name:      "http_requests_in_flight",
			Help:      "Current number of HTTP requests being processed",
		},
		[]string{"route"},
	)
}

// initCacheMetrics initializes cache metrics
func (pm *PrometheusMetrics) initCacheMetrics() {
	pm.cacheHitsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "cache_hits_total",
			Help:      "Total number of cache hits",
		},
		[]string{"namespace"},
	)

	pm.cacheMissesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "cache_misses_total",
			Help:      "Total number of cache misses",
		},
		[]string{"namespace"},
	)

	pm.cacheSize = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: metricsNamespace,
			Name:      "cache_size",
			Help:      "Current number of items in cache",
		},
		[]string{"cache_level"},
	)
}

// initUpstreamMetrics initializes FriendFeed API metrics
func (pm *PrometheusMetrics) initUpstreamMetrics() {
	pm.upstreamRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "friendfeed_requests_total",
			Help:      "Total number of FriendFeed API requests by outcome",
		},
		[]string{"operation", "status"},
	)

	pm.upstreamRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: metricsNamespace,
			Name:      "friendfeed_request_duration_seconds",
			Help:      "FriendFeed API request duration in seconds",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"operation"},
	)
}

// initRenderMetrics initializes template, rate limiting and error metrics
func (pm *PrometheusMetrics) initRenderMetrics() {
	pm.renderDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: metricsNamespace,
			Name:      "template_render_duration_seconds",
			Help:      "Template rendering duration in seconds",
			Buckets:   []float64{.0005, .001, .0025, .005, .01, .025, .05, .1},
		},
		[]string{"template"},
	)

	pm.rateLimitBlocks = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "rate_limit_blocks_total",
			Help:      "Total number of requests blocked by rate limiting",
		},
		[]string{"route"},
	)

	pm.errorsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "errors_total",
			Help:      "Total number of error responses by error code",
		},
		[]string{"code"},
	)
}

// registerMetrics registers all metrics with the registry
func (pm *PrometheusMetrics) registerMetrics() {
	pm.registry.MustRegister(
		pm.httpRequestsTotal,
		pm.httpRequestDuration,
		pm.httpRequestsInFlight,
		pm.cacheHitsTotal,
		pm.cacheMissesTotal,
		pm.cacheSize,
		pm.upstreamRequestsTotal,
		pm.upstreamRequestDuration,
		pm.renderDuration,
		pm.rateLimitBlocks,
		pm.errorsTotal,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
}

// Handler returns the /metrics HTTP handler for the registry
func (pm *PrometheusMetrics) Handler() http.Handler {
	return promhttp.HandlerFor(pm.registry, promhttp.HandlerOpts{})
}

// RecordHTTPRequest records an HTTP request
func (pm *PrometheusMetrics) RecordHTTPRequest(method, route string, statusCode int, duration time.Duration) {
	pm.httpRequestsTotal.WithLabelValues(method, route, strconv.Itoa(statusCode)).Inc()
	pm.httpRequestDuration.WithLabelValues(method, route).Observe(duration.Seconds())
}

// RecordCacheHit records a cache hit
func (pm *PrometheusMetrics) RecordCacheHit(namespace string) {
	pm.cacheHitsTotal.WithLabelValues(namespace).Inc()
}

// RecordCacheMiss records a cache miss
func (pm *PrometheusMetrics) RecordCacheMiss(namespace string) {
	pm.cacheMissesTotal.WithLabelValues(namespace).Inc()
}

// RecordCacheSize records the current cache size
func (pm *PrometheusMetrics) RecordCacheSize(level string, size int) {
	pm.cacheSize.WithLabelValues(level).Set(float64(size))
}

// RecordUpstreamRequest records one FriendFeed API call. status is the HTTP
// status code, or "error" when no response was received.
func (pm *PrometheusMetrics) RecordUpstreamRequest(operation, status string, duration time.Duration) {
	pm.upstreamRequestsTotal.WithLabelValues(operation, status).Inc()
	pm.upstreamRequestDuration.WithLabelValues(operation).Observe(duration.Seconds())
}

// RecordRender records how long a template took to render
func (pm *PrometheusMetrics) RecordRender(template string, duration time.Duration) {
	pm.renderDuration.WithLabelValues(template).Observe(duration.Seconds())
}

// RecordRateLimitBlock records a rate limit block
func (pm *PrometheusMetrics) RecordRateLimitBlock(route string) {
	pm.rateLimitBlocks.WithLabelValues(route).Inc()
}

// RecordError records an error response
func (pm *PrometheusMetrics) RecordError(code string) {
	pm.errorsTotal.WithLabelValues(code).Inc()
}

// GetRegistry returns the Prometheus registry
func (pm *PrometheusMetrics) GetRegistry() *prometheus.Registry {
	return pm.registry
}

// PrometheusMiddleware creates a middleware that records Prometheus metrics
func PrometheusMiddleware(metrics *PrometheusMetrics, label RouteLabeler) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			route := label(r)

			inFlight := metrics.httpRequestsInFlight.WithLabelValues(route)
			inFlight.Inc()
			defer inFlight.Dec()

			rw := NewResponseWriter(w)
			next.ServeHTTP(rw, r)

			metrics.RecordHTTPRequest(r.Method, route, rw.StatusCode, time.Since(start))
		})
	}
}
