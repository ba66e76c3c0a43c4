// Package telemetry wires OpenTelemetry tracing and metrics for the mqtls
// commands.
//
// SetupProvider installs an OTLP gRPC trace exporter. NewMeterProvider backs
// the meters used by the socket factory and the listener with a Prometheus
// exporter, so they are served from the same registry as the listener
// metrics.
package telemetry
