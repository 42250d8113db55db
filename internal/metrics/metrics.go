// Package metrics exposes Prometheus collectors for the sandbox pool.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics groups the collectors. A nil *Metrics is valid and records nothing.
type Metrics struct {
	registry *prometheus.Registry

	readyUnits       *prometheus.GaugeVec
	allocatedUnits   *prometheus.GaugeVec
	provisions       *prometheus.CounterVec
	provisionSeconds *prometheus.HistogramVec
	destroys         *prometheus.CounterVec
	connects         *prometheus.CounterVec
	releases         prometheus.Counter
	reaped           prometheus.Counter
}

// New creates collectors registered on a private registry.
func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		readyUnits: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "sandboxpool", Name: "ready_units",
			Help: "Units waiting in the ready queue.",
		}, []string{"type"}),
		allocatedUnits: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "sandboxpool", Name: "allocated_units",
			Help: "Units allocated by this worker.",
		}, []string{"type"}),
		provisions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "sandboxpool", Name: "provisions_total",
			Help: "Provisioning attempts by outcome.",
		}, []string{"type", "outcome"}),
		provisionSeconds: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "sandboxpool", Name: "provision_duration_seconds",
			Help:    "Time from provisioning start until the unit is healthy.",
			Buckets: prometheus.ExponentialBuckets(0.25, 2, 10),
		}, []string{"type"}),
		destroys: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "sandboxpool", Name: "destroys_total",
			Help: "Destroyed units by outcome.",
		}, []string{"type", "outcome"}),
		connects: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "sandboxpool", Name: "connects_total",
			Help: "Connect calls by outcome.",
		}, []string{"outcome"}),
		releases: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "sandboxpool", Name: "releases_total",
			Help: "Tenant bindings released.",
		}),
		reaped: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "sandboxpool", Name: "reaped_bindings_total",
			Help: "Tenant bindings released by the idle reaper.",
		}),
	}
	m.registry.MustRegister(
		m.readyUnits, m.allocatedUnits, m.provisions, m.provisionSeconds,
		m.destroys, m.connects, m.releases, m.reaped,
		prometheus.NewGoCollector(),
	)
	return m
}

// Registry returns the registry the collectors live on.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

func outcome(err error) string {
	if err != nil {
		return "error"
	}
	return "ok"
}

// SetReady records the ready queue length of a type.
func (m *Metrics) SetReady(typeName string, n int) {
	if m == nil {
		return
	}
	m.readyUnits.WithLabelValues(typeName).Set(float64(n))
}

// AddAllocated adjusts the allocated gauge of a type.
func (m *Metrics) AddAllocated(typeName string, delta int) {
	if m == nil {
		return
	}
	m.allocatedUnits.WithLabelValues(typeName).Add(float64(delta))
}

// ObserveProvision records one provisioning attempt.
func (m *Metrics) ObserveProvision(typeName string, started time.Time, err error) {
	if m == nil {
		return
	}
	m.provisions.WithLabelValues(typeName, outcome(err)).Inc()
	if err == nil {
		m.provisionSeconds.WithLabelValues(typeName).Observe(time.Since(started).Seconds())
	}
}

// ObserveDestroy records one destroy attempt.
func (m *Metrics) ObserveDestroy(typeName string, err error) {
	if m == nil {
		return
	}
	m.destroys.WithLabelValues(typeName, outcome(err)).Inc()
}

// ObserveConnect records one Connect call.
func (m *Metrics) ObserveConnect(err error) {
	if m == nil {
		return
	}
	m.connects.WithLabelValues(outcome(err)).Inc()
}

// IncReleased counts a released binding.
func (m *Metrics) IncReleased() {
	if m == nil {
		return
	}
	m.releases.Inc()
}

// IncReaped counts a binding released by the reaper.
func (m *Metrics) IncReaped() {
	if m == nil {
		return
	}
	m.reaped.Inc()
}
