// Package metrics registers the Prometheus collectors for the proxy and
// serves them on a dedicated listener.
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "keywheel"

// Metrics owns the registry and the collectors tracking request volume,
// forward attempts, rotations, and pool state. A nil *Metrics is a valid
// no-op receiver so tests and disabled deployments skip collection
// without branching at every call site.
type Metrics struct {
	registry *prometheus.Registry

	requestsTotal   *prometheus.CounterVec
	attemptsTotal   *prometheus.CounterVec
	rotationsTotal  prometheus.Counter
	exhaustedTotal  prometheus.Counter
	attemptDuration *prometheus.HistogramVec
	poolSize        prometheus.Gauge
}

// New creates and registers all proxy collectors on a fresh registry.
func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		requestsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "requests_total",
				Help:      "Proxied requests by model and final status code",
			},
			[]string{"model", "status"},
		),
		attemptsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "forward_attempts_total",
				Help:      "Upstream forward attempts by outcome",
			},
			[]string{"outcome"},
		),
		rotationsTotal: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "rotations_total",
				Help:      "Failovers to the next credential entry",
			},
		),
		exhaustedTotal: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "pool_exhausted_total",
				Help:      "Requests that failed after trying every eligible entry",
			},
		),
		attemptDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "attempt_duration_seconds",
				Help:      "Duration of upstream forward attempts",
				Buckets:   prometheus.DefBuckets,
			},
			[]string{"outcome"},
		),
		poolSize: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "pool_size",
				Help:      "Number of configured credential entries",
			},
		),
	}

	m.registry.MustRegister(
		m.requestsTotal,
		m.attemptsTotal,
		m.rotationsTotal,
		m.exhaustedTotal,
		m.attemptDuration,
		m.poolSize,
	)
	return m
}

// Handler returns the Prometheus exposition handler for the registry.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{
		ErrorHandling: promhttp.ContinueOnError,
	})
}

// ObserveRequest records a completed proxied request.
func (m *Metrics) ObserveRequest(model string, status int) {
	if m == nil {
		return
	}
	m.requestsTotal.WithLabelValues(model, strconv.Itoa(status)).Inc()
}

// ObserveAttempt records one upstream forward attempt and its duration.
func (m *Metrics) ObserveAttempt(outcome string, elapsed time.Duration) {
	if m == nil {
		return
	}
	m.attemptsTotal.WithLabelValues(outcome).Inc()
	m.attemptDuration.WithLabelValues(outcome).Observe(elapsed.Seconds())
}

// RecordRotation counts a failover to the next entry.
func (m *Metrics) RecordRotation() {
	if m == nil {
		return
	}
	m.rotationsTotal.Inc()
}

// RecordExhausted counts a request that ran out of entries.
func (m *Metrics) RecordExhausted() {
	if m == nil {
		return
	}
	m.exhaustedTotal.Inc()
}

// SetPoolSize publishes the entry count of the active pool.
func (m *Metrics) SetPoolSize(n int) {
	if m == nil {
		return
	}
	m.poolSize.Set(float64(n))
}
