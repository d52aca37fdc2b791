// Package metrics provides Prometheus instrumentation for the cardz server.
//
// All metrics are registered in a custom [prometheus.Registry] (not the global
// default) so that only cardz metrics appear on the /metrics endpoint.
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds all Prometheus collectors used by the cardz server.
type Metrics struct {
	Registry *prometheus.Registry

	HTTPRequestsTotal   *prometheus.CounterVec
	HTTPRequestDuration *prometheus.HistogramVec
	CacheSize           *prometheus.GaugeVec
	CacheLoadsTotal     prometheus.Counter
	CacheInvalidations  prometheus.Counter
	VerdictsTotal       *prometheus.CounterVec
	EntitySnapshotSize  prometheus.Gauge
	EntityRefreshTotal  *prometheus.CounterVec
	AuthFailuresTotal   prometheus.Counter
	ActiveStreams       *prometheus.GaugeVec
}

// New creates and registers all cardz metrics in a fresh registry.
func New() *Metrics {
	reg := prometheus.NewRegistry()

	m := &Metrics{
		Registry: reg,

		HTTPRequestsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "cardz_http_requests_total",
			Help: "Total number of HTTP requests.",
		}, []string{"method", "route", "status"}),

		HTTPRequestDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "cardz_http_request_duration_seconds",
			Help:    "HTTP request latency in seconds.",
			Buckets: prometheus.DefBuckets,
		}, []string{"method", "route", "status"}),

		CacheSize: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "cardz_cache_size",
			Help: "Number of card settings in the in-memory cache.",
		}, []string{"page_id"}),

		CacheLoadsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "cardz_cache_loads_total",
			Help: "Total number of full cache reloads from the database.",
		}),

		CacheInvalidations: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "cardz_cache_invalidations_total",
			Help: "Total number of NOTIFY-triggered cache invalidations.",
		}),

		VerdictsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "cardz_card_verdicts_total",
			Help: "Total number of card visibility verdicts.",
		}, []string{"hidden", "removable"}),

		EntitySnapshotSize: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "cardz_entity_snapshot_size",
			Help: "Number of entities in the live snapshot.",
		}),

		EntityRefreshTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "cardz_entity_refreshes_total",
			Help: "Total number of entity snapshot refresh attempts.",
		}, []string{"result"}),

		AuthFailuresTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "cardz_auth_failures_total",
			Help: "Total number of failed authentication attempts.",
		}),

		ActiveStreams: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "cardz_active_streams",
			Help: "Number of active streaming connections.",
		}, []string{"transport"}),
	}

	reg.MustRegister(
		m.HTTPRequestsTotal,
		m.HTTPRequestDuration,
		m.CacheSize,
		m.CacheLoadsTotal,
		m.CacheInvalidations,
		m.VerdictsTotal,
		m.EntitySnapshotSize,
		m.EntityRefreshTotal,
		m.AuthFailuresTotal,
		m.ActiveStreams,
	)

	return m
}

// Handler returns an [http.Handler] that serves Prometheus metrics.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.Registry, promhttp.HandlerOpts{})
}

// HTTPMiddleware records request count and latency. The route label is the
// matched ServeMux pattern, so next should be the mux itself.
func (m *Metrics) HTTPMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		recorder := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(recorder, r)

		route := r.Pattern
		if route == "" {
			route = "unmatched"
		}
		status := strconv.Itoa(recorder.status)
		m.HTTPRequestsTotal.WithLabelValues(r.Method, route, status).Inc()
		m.HTTPRequestDuration.WithLabelValues(r.Method, route, status).Observe(time.Since(start).Seconds())
	})
}

// StreamStarted increments the active stream gauge and returns a func that
// decrements it.
func (m *Metrics) StreamStarted(transport string) func() {
	gauge := m.ActiveStreams.WithLabelValues(transport)
	gauge.Inc()
	return gauge.Dec
}

// RecordVerdict increments the verdict counter.
func (m *Metrics) RecordVerdict(hidden, removable bool) {
	m.VerdictsTotal.WithLabelValues(strconv.FormatBool(hidden), strconv.FormatBool(removable)).Inc()
}

// RecordEntityRefresh counts a refresh attempt and, on success, updates the
// snapshot size gauge.
func (m *Metrics) RecordEntityRefresh(size int, err error) {
	if err != nil {
		m.EntityRefreshTotal.WithLabelValues("error").Inc()
		return
	}
	m.EntityRefreshTotal.WithLabelValues("ok").Inc()
	m.EntitySnapshotSize.Set(float64(size))
}

// SetCacheSize updates the cache size gauge for the given page.
func (m *Metrics) SetCacheSize(pageID string, size float64) {
	m.CacheSize.WithLabelValues(pageID).Set(size)
}

// ResetCacheSize drops every per-page cache size series so pages that no
// longer exist stop being reported.
func (m *Metrics) ResetCacheSize() {
	m.CacheSize.Reset()
}

// IncCacheLoads increments the cache load counter.
func (m *Metrics) IncCacheLoads() {
	m.CacheLoadsTotal.Inc()
}

// IncCacheInvalidations increments the cache invalidation counter.
func (m *Metrics) IncCacheInvalidations() {
	m.CacheInvalidations.Inc()
}

// IncAuthFailures increments the authentication failure counter.
func (m *Metrics) IncAuthFailures() {
	m.AuthFailuresTotal.Inc()
}

type statusRecorder struct {
	http.ResponseWriter
	status      int
	wroteHeader bool
}

func (r *statusRecorder) WriteHeader(code int) {
	if !r.wroteHeader {
		r.status = code
		r.wroteHeader = true
	}
	r.ResponseWriter.WriteHeader(code)
}

func (r *statusRecorder) Write(b []byte) (int, error) {
	r.wroteHeader = true
	return r.ResponseWriter.Write(b)
}

// Flush lets streaming handlers flush through the recorder.
func (r *statusRecorder) Flush() {
	if flusher, ok := r.ResponseWriter.(http.Flusher); ok {
		flusher.Flush()
	}
}

func (r *statusRecorder) Unwrap() http.ResponseWriter {
	return r.ResponseWriter
}
