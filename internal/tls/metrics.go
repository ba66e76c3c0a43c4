package tls

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

const meterName = "github.com/polisai/polis-mqtls/internal/tls"

// TLSMetricsCollector handles socket factory metrics collection. A nil
// collector records nothing.
type TLSMetricsCollector struct {
	// Connection metrics
	connectionsTotal metric.Int64Counter
	connectErrors    metric.Int64Counter

	// Performance metrics
	handshakeDuration metric.Float64Histogram

	// Distribution metrics
	tlsVersionDistribution  metric.Int64Counter
	cipherSuiteDistribution metric.Int64Counter

	// Store metrics
	storeLoads        metric.Int64Counter
	certificateExpiry metric.Float64Gauge

	logger *slog.Logger
}

// NewTLSMetricsCollector creates a collector on provider. A nil provider uses
// the global meter provider.
func NewTLSMetricsCollector(provider metric.MeterProvider, logger *slog.Logger) (*TLSMetricsCollector, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if provider == nil {
		provider = otel.GetMeterProvider()
	}

	meter := provider.Meter(meterName)

	collector := &TLSMetricsCollector{
		logger: logger,
	}

	var err error

	collector.connectionsTotal, err = meter.Int64Counter(
		"mqtls_connections_total",
		metric.WithDescription("Total number of TLS connections established by the socket factory"),
		metric.WithUnit("{connection}"),
	)
	if err != nil {
		return nil, err
	}

	collector.connectErrors, err = meter.Int64Counter(
		"mqtls_connect_errors_total",
		metric.WithDescription("Total number of failed dials and handshakes"),
		metric.WithUnit("{error}"),
	)
	if err != nil {
		return nil, err
	}

	collector.handshakeDuration, err = meter.Float64Histogram(
		"mqtls_handshake_duration_seconds",
		metric.WithDescription("Dial plus TLS handshake duration in seconds"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, err
	}

	collector.tlsVersionDistribution, err = meter.Int64Counter(
		"mqtls_version_total",
		metric.WithDescription("TLS connections by version"),
		metric.WithUnit("{connection}"),
	)
	if err != nil {
		return nil, err
	}

	collector.cipherSuiteDistribution, err = meter.Int64Counter(
		"mqtls_cipher_suite_total",
		metric.WithDescription("TLS connections by cipher suite"),
		metric.WithUnit("{connection}"),
	)
	if err != nil {
		return nil, err
	}

	collector.storeLoads, err = meter.Int64Counter(
		"mqtls_store_loads_total",
		metric.WithDescription("Trust and key store loads by outcome"),
		metric.WithUnit("{load}"),
	)
	if err != nil {
		return nil, err
	}

	collector.certificateExpiry, err = meter.Float64Gauge(
		"mqtls_certificate_expiry_timestamp",
		metric.WithDescription("Certificate expiry timestamp in Unix seconds"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, err
	}

	return collector, nil
}

// RecordConnection records an established connection.
func (c *TLSMetricsCollector) RecordConnection(ctx context.Context, operation string, state tls.ConnectionState, duration time.Duration) {
	if c == nil {
		return
	}

	opAttr := attribute.String("operation", operation)
	c.connectionsTotal.Add(ctx, 1, metric.WithAttributes(opAttr))
	c.handshakeDuration.Record(ctx, duration.Seconds(), metric.WithAttributes(opAttr, attribute.String("outcome", "success")))
	c.tlsVersionDistribution.Add(ctx, 1, metric.WithAttributes(attribute.String("tls_version", tls.VersionName(state.Version))))
	c.cipherSuiteDistribution.Add(ctx, 1, metric.WithAttributes(attribute.String("cipher_suite", tls.CipherSuiteName(state.CipherSuite))))
}

// RecordConnectError records a failed dial or handshake.
func (c *TLSMetricsCollector) RecordConnectError(ctx context.Context, operation string, err error, duration time.Duration) {
	if c == nil {
		return
	}

	errorType := "unknown"
	if t, ok := typeOf(err); ok {
		errorType = string(t)
	}

	c.connectErrors.Add(ctx, 1, metric.WithAttributes(
		attribute.String("operation", operation),
		attribute.String("error_type", errorType),
	))
	c.handshakeDuration.Record(ctx, duration.Seconds(), metric.WithAttributes(
		attribute.String("operation", operation),
		attribute.String("outcome", "failure"),
	))
}

// RecordStoreLoad records a store load attempt.
func (c *TLSMetricsCollector) RecordStoreLoad(ctx context.Context, role, storeType string, success bool) {
	if c == nil {
		return
	}
	c.storeLoads.Add(ctx, 1, metric.WithAttributes(
		attribute.String("role", role),
		attribute.String("store_type", storeType),
		attribute.Bool("success", success),
	))
}

// RecordCertificateExpiry records the expiry of a loaded certificate.
func (c *TLSMetricsCollector) RecordCertificateExpiry(ctx context.Context, role string, cert *x509.Certificate) {
	if c == nil || cert == nil {
		return
	}
	c.certificateExpiry.Record(ctx, float64(cert.NotAfter.Unix()), metric.WithAttributes(
		attribute.String("role", role),
		attribute.String("subject", cert.Subject.String()),
	))
}
