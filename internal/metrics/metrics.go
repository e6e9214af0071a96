// Package metrics provides Prometheus instrumentation for the segmentz
// server.
//
// All metrics are registered in a custom [prometheus.Registry] (not the global
// default) so that only segmentz metrics appear on the /metrics endpoint.
package metrics

import (
	"net/http"
	"strconv"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds all Prometheus collectors used by the segmentz server.
type Metrics struct {
	Registry *prometheus.Registry

	HTTPRequestsTotal   *prometheus.CounterVec
	HTTPRequestDuration *prometheus.HistogramVec
	CatalogSize         prometheus.Gauge
	CatalogLoadFailures prometheus.Counter
	CacheHitsTotal      prometheus.Counter
	CacheMissesTotal    prometheus.Counter
	CacheInvalidations  prometheus.Counter
	EvaluationsTotal    *prometheus.CounterVec
	EventsRecordedTotal *prometheus.CounterVec
	AuthFailuresTotal   prometheus.Counter
}

// New creates and registers all segmentz metrics in a fresh registry.
func New() *Metrics {
	reg := prometheus.NewRegistry()

	m := &Metrics{
		Registry: reg,

		HTTPRequestsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "segmentz_http_requests_total",
			Help: "Total number of HTTP requests.",
		}, []string{"method", "route", "status"}),

		HTTPRequestDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "segmentz_http_request_duration_seconds",
			Help:    "HTTP request latency in seconds.",
			Buckets: prometheus.DefBuckets,
		}, []string{"method", "route", "status"}),

		CatalogSize: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "segmentz_catalog_size",
			Help: "Number of segments in the in-memory catalog.",
		}),

		CatalogLoadFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "segmentz_catalog_load_failures_total",
			Help: "Total number of failed catalog loads from the database.",
		}),

		CacheHitsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "segmentz_membership_cache_hits_total",
			Help: "Total number of membership cache hits.",
		}),

		CacheMissesTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "segmentz_membership_cache_misses_total",
			Help: "Total number of membership cache misses.",
		}),

		CacheInvalidations: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "segmentz_membership_cache_invalidations_total",
			Help: "Total number of mutation-triggered cache invalidations.",
		}),

		EvaluationsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "segmentz_segment_evaluations_total",
			Help: "Total number of segment evaluations.",
		}, []string{"result"}),

		EventsRecordedTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "segmentz_events_recorded_total",
			Help: "Total number of recorded experiment events.",
		}, []string{"type"}),

		AuthFailuresTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "segmentz_auth_failures_total",
			Help: "Total number of failed authentication attempts.",
		}),
	}

	reg.MustRegister(
		m.HTTPRequestsTotal,
		m.HTTPRequestDuration,
		m.CatalogSize,
		m.CatalogLoadFailures,
		m.CacheHitsTotal,
		m.CacheMissesTotal,
		m.CacheInvalidations,
		m.EvaluationsTotal,
		m.EventsRecordedTotal,
		m.AuthFailuresTotal,
	)

	return m
}

// Handler returns an [http.Handler] that serves Prometheus metrics.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.Registry, promhttp.HandlerOpts{})
}

// RecordEvaluation increments the evaluation counter with the given result.
func (m *Metrics) RecordEvaluation(matched bool) {
	m.EvaluationsTotal.WithLabelValues(strconv.FormatBool(matched)).Inc()
}

// RecordEvent increments the event counter for the given event type.
func (m *Metrics) RecordEvent(eventType string) {
	m.EventsRecordedTotal.WithLabelValues(eventType).Inc()
}

// SetCatalogSize updates the catalog size gauge.
func (m *Metrics) SetCatalogSize(size int) {
	m.CatalogSize.Set(float64(size))
}
