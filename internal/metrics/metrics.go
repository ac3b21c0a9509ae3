// Package metrics exposes the terminal's print counters to Prometheus.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "print_coordinator"

type Metrics struct {
	registry *prometheus.Registry

	Attempts       *prometheus.CounterVec
	Dispatches     *prometheus.CounterVec
	Suppressed     *prometheus.CounterVec
	Broadcasts     *prometheus.CounterVec
	BusReconnects  prometheus.Counter
	BusConnected   prometheus.Gauge
	InFlight       prometheus.Gauge
	AttemptSeconds *prometheus.HistogramVec
}

// New registers every collector on a private registry so tests can build as
// many instances as they like.
func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		Attempts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "attempts_total",
			Help: "Print attempts by protocol and resulting state.",
		}, []string{"protocol", "state"}),
		Dispatches: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "dispatches_total",
			Help: "Finished dispatch runs by outcome.",
		}, []string{"outcome"}),
		Suppressed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "suppressed_total",
			Help: "Orders the idempotency guard kept from auto-printing, by reason.",
		}, []string{"reason"}),
		Broadcasts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "broadcasts_total",
			Help: "Broadcast print commands by result seen at the initiator.",
		}, []string{"result"}),
		BusReconnects: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Name: "eventbus_reconnect_attempts_total",
			Help: "Event bus reconnection attempts.",
		}),
		BusConnected: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Name: "eventbus_connected",
			Help: "1 while the event bus connection is up.",
		}),
		InFlight: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Name: "dispatch_in_flight",
			Help: "Orders with a dispatch run in progress.",
		}),
		AttemptSeconds: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace, Name: "attempt_duration_seconds",
			Help:    "Duration of single print attempts.",
			Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 15},
		}, []string{"protocol"}),
	}
	m.registry.MustRegister(
		m.Attempts, m.Dispatches, m.Suppressed, m.Broadcasts,
		m.BusReconnects, m.BusConnected, m.InFlight, m.AttemptSeconds,
	)
	return m
}

func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}
