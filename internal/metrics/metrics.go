// Package metrics provides Prometheus metrics for the request and cache layers.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds all Prometheus metrics for the client.
//
// All recording methods are safe to call on a nil *Metrics, so components can
// be built without instrumentation in tests.
type Metrics struct {
	CacheLookups    *prometheus.CounterVec
	CacheEvictions  *prometheus.CounterVec
	CacheEntries    prometheus.Gauge
	RequestsTotal   *prometheus.CounterVec
	RequestDuration *prometheus.HistogramVec
	TokenRefreshes  *prometheus.CounterVec
	Broadcasts      *prometheus.CounterVec
	ViewFetches     *prometheus.CounterVec

	registry *prometheus.Registry
}

// New creates and registers all metrics.
func New() *Metrics {
	reg := prometheus.NewRegistry()

	m := &Metrics{
		CacheLookups: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "dashsync_cache_lookups_total",
				Help: "Response cache lookups by result (hit, miss, expired).",
			},
			[]string{"result"},
		),
		CacheEvictions: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "dashsync_cache_evictions_total",
				Help: "Response cache entries removed by reason.",
			},
			[]string{"reason"},
		),
		CacheEntries: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "dashsync_cache_entries",
				Help: "Number of entries currently held by the response cache.",
			},
		),
		RequestsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "dashsync_http_requests_total",
				Help: "Backend requests by method and status.",
			},
			[]string{"method", "status"},
		),
		RequestDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "dashsync_http_request_duration_seconds",
				Help:    "Backend request duration by method.",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"method"},
		),
		TokenRefreshes: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "dashsync_token_refreshes_total",
				Help: "Access token refresh outcomes (success, failure, shared).",
			},
			[]string{"result"},
		),
		Broadcasts: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "dashsync_broadcasts_total",
				Help: "Invalidation events published by topic.",
			},
			[]string{"topic"},
		),
		ViewFetches: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "dashsync_view_fetches_total",
				Help: "View refresh callbacks by trigger and result.",
			},
			[]string{"trigger", "result"},
		),
		registry: reg,
	}

	reg.MustRegister(m.CacheLookups)
	reg.MustRegister(m.CacheEvictions)
	reg.MustRegister(m.CacheEntries)
	reg.MustRegister(m.RequestsTotal)
	reg.MustRegister(m.RequestDuration)
	reg.MustRegister(m.TokenRefreshes)
	reg.MustRegister(m.Broadcasts)
	reg.MustRegister(m.ViewFetches)

	return m
}

// Handler returns an http.Handler for the /metrics endpoint.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// RecordCacheLookup increments the lookup counter.
func (m *Metrics) RecordCacheLookup(result string) {
	if m == nil {
		return
	}
	m.CacheLookups.WithLabelValues(result).Inc()
}

// RecordCacheEviction adds n removed entries for reason.
func (m *Metrics) RecordCacheEviction(reason string, n int) {
	if m == nil || n <= 0 {
		return
	}
	m.CacheEvictions.WithLabelValues(reason).Add(float64(n))
}

// SetCacheEntries sets the current cache size.
func (m *Metrics) SetCacheEntries(n int) {
	if m == nil {
		return
	}
	m.CacheEntries.Set(float64(n))
}

// RecordRequest increments the request counter and observes its duration.
func (m *Metrics) RecordRequest(method, status string, seconds float64) {
	if m == nil {
		return
	}
	m.RequestsTotal.WithLabelValues(method, status).Inc()
	m.RequestDuration.WithLabelValues(method).Observe(seconds)
}

// RecordRefresh increments the refresh outcome counter.
func (m *Metrics) RecordRefresh(result string) {
	if m == nil {
		return
	}
	m.TokenRefreshes.WithLabelValues(result).Inc()
}

// RecordBroadcast increments the broadcast counter.
func (m *Metrics) RecordBroadcast(topic string) {
	if m == nil {
		return
	}
	m.Broadcasts.WithLabelValues(topic).Inc()
}

// RecordViewFetch increments the view fetch counter.
func (m *Metrics) RecordViewFetch(trigger, result string) {
	if m == nil {
		return
	}
	m.ViewFetches.WithLabelValues(trigger, result).Inc()
}
