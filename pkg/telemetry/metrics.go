package telemetry

import (
	"context"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
)

// Message kinds reported by the listener.
const (
	MessageKindText   = "text"
	MessageKindBinary = "binary"
)

// Message outcomes reported by the listener.
const (
	OutcomeHandled = "handled"
	OutcomeFailed  = "failed"
)

var (
	metricsOnce      sync.Once
	metricsInitErr   error
	messageCounter   metric.Int64Counter
	payloadHistogram metric.Int64Histogram
	handleHistogram  metric.Float64Histogram
)

// MessageMetrics captures the fields needed to record one delivered message.
type MessageMetrics struct {
	Destination string
	Kind        string
	Outcome     string
	PayloadSize int
	Duration    time.Duration
}

// RecordMessageMetrics emits counters and histograms for a delivered message.
func RecordMessageMetrics(ctx context.Context, m MessageMetrics) {
	if err := ensureMetrics(); err != nil {
		return
	}

	attrs := metric.WithAttributes(
		attribute.String("destination", m.Destination),
		attribute.String("message_kind", m.Kind),
		attribute.String("outcome", m.Outcome),
	)

	messageCounter.Add(ctx, 1, attrs)
	payloadHistogram.Record(ctx, int64(m.PayloadSize), attrs)
	if m.Duration > 0 {
		handleHistogram.Record(ctx, m.Duration.Seconds(), attrs)
	}
}

func ensureMetrics() error {
	metricsOnce.Do(func() {
		meter := otel.GetMeterProvider().Meter("mqtls.listener")

		messageCounter, metricsInitErr = meter.Int64Counter(
			"mqtls_messages_total",
			metric.WithDescription("Messages delivered to the listener partitioned by kind and outcome"),
			metric.WithUnit("{message}"),
		)
		if metricsInitErr != nil {
			return
		}

		payloadHistogram, metricsInitErr = meter.Int64Histogram(
			"mqtls_message_payload_bytes",
			metric.WithDescription("Size of delivered message payloads"),
			metric.WithUnit("By"),
		)
		if metricsInitErr != nil {
			return
		}

		handleHistogram, metricsInitErr = meter.Float64Histogram(
			"mqtls_message_handle_duration_seconds",
			metric.WithDescription("Time spent handling a delivered message"),
			metric.WithUnit("s"),
		)
	})

	return metricsInitErr
}

// RecordMessageEvent attaches a message delivery event to span without the payload.
func RecordMessageEvent(span trace.Span, destination, kind string, payloadSize int) {
	if span == nil || !span.IsRecording() {
		return
	}

	span.AddEvent("message.received", trace.WithAttributes(
		attribute.String("messaging.destination.name", destination),
		attribute.String("messaging.message.kind", kind),
		attribute.Int("messaging.message.body.size", payloadSize),
	))
}
