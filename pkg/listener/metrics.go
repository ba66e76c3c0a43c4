package listener

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
)

// Metrics holds the Prometheus metrics for the listener. Message counts and
// handling latency are OpenTelemetry instruments exported into the same
// registry.
type Metrics struct {
	// Message metrics
	handlerErrors *prometheus.CounterVec

	// Connection metrics
	connected      prometheus.Gauge
	connectsTotal  *prometheus.CounterVec
	connectionLost prometheus.Counter

	registry *prometheus.Registry
}

// NewMetrics creates a new metrics instance on a private registry
func NewMetrics() *Metrics {
	registry := prometheus.NewRegistry()

	m := &Metrics{
		handlerErrors: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "mqtls_listener_handler_errors_total",
				Help: "Total number of message handling failures",
			},
			[]string{"destination", "reason"},
		),

		connected: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "mqtls_listener_connected",
				Help: "1 while the listener holds a broker connection",
			},
		),

		connectsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "mqtls_listener_connects_total",
				Help: "Total number of broker connection attempts by status",
			},
			[]string{"status"},
		),

		connectionLost: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "mqtls_listener_connection_lost_total",
				Help: "Total number of broker connections lost after being established",
			},
		),

		registry: registry,
	}

	// Register all metrics
	registry.MustRegister(
		m.handlerErrors,
		m.connected,
		m.connectsTotal,
		m.connectionLost,
	)

	return m
}

// RecordHandlerError records a failed or panicking handler
func (m *Metrics) RecordHandlerError(destination, reason string) {
	m.handlerErrors.WithLabelValues(destination, reason).Inc()
}

// RecordConnect records a connection attempt
func (m *Metrics) RecordConnect(success bool) {
	status := "success"
	if !success {
		status = "failure"
	}
	m.connectsTotal.WithLabelValues(status).Inc()
	if success {
		m.connected.Set(1)
	}
}

// RecordDisconnect marks the broker connection as gone. lost is true when
// the broker or network dropped it.
func (m *Metrics) RecordDisconnect(lost bool) {
	m.connected.Set(0)
	if lost {
		m.connectionLost.Inc()
	}
}

// Handler returns the HTTP handler for metrics endpoint
func (m *Metrics) Handler() http.Handler {
	return otelhttp.NewHandler(promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{}), "mqtls.metrics")
}

// Registry returns the Prometheus registry. The OpenTelemetry exporter
// registers on it so one scrape serves both.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}
