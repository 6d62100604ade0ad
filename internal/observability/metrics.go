// Package observability exposes the Prometheus metrics for the service.
package observability

import (
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics collects Prometheus metrics for the HTTP surface and the
// permission resolver.
type Metrics struct {
	registry        *prometheus.Registry
	handler         http.Handler
	requestsTotal   *prometheus.CounterVec
	requestDuration *prometheus.HistogramVec

	decisionsTotal  *prometheus.CounterVec
	resolveDuration *prometheus.HistogramVec
	cacheHits       prometheus.Counter
	cacheMisses     prometheus.Counter
}

// NewMetrics initialises the registry and base metrics.
func NewMetrics() *Metrics {
	registry := prometheus.NewRegistry()
	requests := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "authcore_http_requests_total",
		Help: "HTTP requests by route and status code.",
	}, []string{"route", "code"})
	duration := prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "authcore_http_request_duration_seconds",
		Help:    "HTTP request duration per route.",
		Buckets: prometheus.DefBuckets,
	}, []string{"route"})
	decisions := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "authcore_authz_decisions_total",
		Help: "Authorization decisions by outcome and source.",
	}, []string{"outcome", "source"})
	resolve := prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "authcore_authz_resolve_duration_seconds",
		Help:    "Permission resolution duration by source.",
		Buckets: []float64{.001, .0025, .005, .01, .015, .025, .05, .1, .25, .5},
	}, []string{"source"})
	hits := prometheus.NewCounter(prometheus.CounterOpts{
		Name: "authcore_authz_cache_hits_total",
		Help: "Decision cache hits.",
	})
	misses := prometheus.NewCounter(prometheus.CounterOpts{
		Name: "authcore_authz_cache_miss_total",
		Help: "Decision cache misses, including stale generations.",
	})
	registry.MustRegister(requests, duration, decisions, resolve, hits, misses)
	return &Metrics{
		registry:        registry,
		handler:         promhttp.HandlerFor(registry, promhttp.HandlerOpts{}),
		requestsTotal:   requests,
		requestDuration: duration,
		decisionsTotal:  decisions,
		resolveDuration: resolve,
		cacheHits:       hits,
		cacheMisses:     misses,
	}
}

// Handler returns the http.Handler for the /metrics endpoint.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			http.Error(w, http.StatusText(http.StatusServiceUnavailable), http.StatusServiceUnavailable)
		})
	}
	return m.handler
}

// Middleware records metrics for every HTTP request.
func (m *Metrics) Middleware(next http.Handler) http.Handler {
	if m == nil {
		return next
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		recorder := statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(&recorder, r)
		route := routePattern(r)
		m.requestsTotal.WithLabelValues(route, strconv.Itoa(recorder.status)).Inc()
		m.requestDuration.WithLabelValues(route).Observe(time.Since(start).Seconds())
	})
}

// ObserveDecision records one resolver outcome. Source is "cache" or
// "store".
func (m *Metrics) ObserveDecision(outcome, source string, elapsed time.Duration) {
	if m == nil {
		return
	}
	m.decisionsTotal.WithLabelValues(outcome, source).Inc()
	m.resolveDuration.WithLabelValues(source).Observe(elapsed.Seconds())
}

// ObserveCacheHit counts one decision cache hit.
func (m *Metrics) ObserveCacheHit() {
	if m == nil {
		return
	}
	m.cacheHits.Inc()
}

// ObserveCacheMiss counts one decision cache miss.
func (m *Metrics) ObserveCacheMiss() {
	if m == nil {
		return
	}
	m.cacheMisses.Inc()
}

// Registerer exposes the registry for custom metric registration.
func (m *Metrics) Registerer() prometheus.Registerer {
	if m == nil {
		return prometheus.DefaultRegisterer
	}
	return m.registry
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(status int) {
	r.status = status
	r.ResponseWriter.WriteHeader(status)
}

func routePattern(r *http.Request) string {
	if routeCtx := chi.RouteContext(r.Context()); routeCtx != nil {
		if pattern := routeCtx.RoutePattern(); pattern != "" {
			return pattern
		}
	}
	return "unknown"
}
