package server

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds the gateway collectors on a private registry. A nil *Metrics
// is valid and records nothing.
type Metrics struct {
	registry         *prometheus.Registry
	logins           *prometheus.CounterVec
	refreshes        *prometheus.CounterVec
	providerDuration *prometheus.HistogramVec
}

// NewMetrics registers the gateway collectors plus Go runtime and process metrics.
func NewMetrics() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		logins: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "oidcgw",
			Name:      "logins_total",
			Help:      "Completed login attempts by outcome.",
		}, []string{"outcome"}),
		refreshes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "oidcgw",
			Name:      "refreshes_total",
			Help:      "Token refresh attempts by outcome.",
		}, []string{"outcome"}),
		providerDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "oidcgw",
			Name:      "provider_request_duration_seconds",
			Help:      "Latency of identity provider calls.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"operation"}),
	}
	m.registry.MustRegister(
		m.logins,
		m.refreshes,
		m.providerDuration,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return m
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// LoginOutcome counts a finished login. outcome is "success" or a failure category.
func (m *Metrics) LoginOutcome(outcome string) {
	if m == nil {
		return
	}
	m.logins.WithLabelValues(outcome).Inc()
}

func (m *Metrics) RefreshOutcome(outcome string) {
	if m == nil {
		return
	}
	m.refreshes.WithLabelValues(outcome).Inc()
}

// ObserveProvider records the time since started for operation.
func (m *Metrics) ObserveProvider(operation string, started time.Time) {
	if m == nil {
		return
	}
	m.providerDuration.WithLabelValues(operation).Observe(time.Since(started).Seconds())
}
