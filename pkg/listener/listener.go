// Package listener subscribes to a broker destination over connections
// opened by the TLS socket factory and logs every delivered message.
package listener

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/url"
	"strconv"
	"time"
	"unicode/utf8"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/atomic"
	"go.uber.org/multierr"

	mqtls "github.com/polisai/polis-mqtls/internal/tls"
	"github.com/polisai/polis-mqtls/pkg/telemetry"
)

const (
	tracerName      = "github.com/polisai/polis-mqtls/pkg/listener"
	defaultTLSPort  = 8883
	disconnectQuiet = 250 * time.Millisecond
)

// ErrNotStarted is returned by Close when Start never succeeded.
var ErrNotStarted = errors.New("listener not started")

// Dialer opens TLS connections to the broker. *tls.SocketFactory and
// *tls.Reloader from internal/tls both satisfy it.
type Dialer interface {
	Dial(host string, port int) (*tls.Conn, error)
}

// Config describes the broker and destination to listen on.
type Config struct {
	BrokerURL      string
	ClientID       string
	Username       string
	Password       string
	Destination    string
	QoS            byte
	ConnectTimeout time.Duration
}

// Message is one delivery handed to a MessageHandler.
type Message struct {
	Destination string
	MessageID   uint16
	Payload     []byte
	// Text is set when the payload is valid UTF-8.
	Text   string
	IsText bool
}

// MessageHandler processes a delivered message. Errors and panics are logged
// and never reach the broker client.
type MessageHandler func(ctx context.Context, msg Message) error

// Option customises a Listener.
type Option func(*Listener)

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(l *Listener) {
		l.logger = logger
	}
}

// WithMetrics records Prometheus metrics on m.
func WithMetrics(m *Metrics) Option {
	return func(l *Listener) {
		l.metrics = m
	}
}

// WithMessageHandler runs handler for every delivery after it is logged.
func WithMessageHandler(handler MessageHandler) Option {
	return func(l *Listener) {
		l.handler = handler
	}
}

// WithTracerProvider records spans on provider instead of the global one.
func WithTracerProvider(provider trace.TracerProvider) Option {
	return func(l *Listener) {
		l.tracer = provider.Tracer(tracerName)
	}
}

// Listener is a message-driven consumer of one destination.
type Listener struct {
	cfg     Config
	dialer  Dialer
	client  mqtt.Client
	logger  *slog.Logger
	metrics *Metrics
	handler MessageHandler
	tracer  trace.Tracer

	started  *atomic.Bool
	received *atomic.Int64
}

// New validates cfg and prepares a client whose network connections are all
// opened by dialer. A missing client ID is generated.
func New(cfg Config, dialer Dialer, opts ...Option) (*Listener, error) {
	if dialer == nil {
		return nil, errors.New("listener requires a dialer")
	}
	if cfg.Destination == "" {
		return nil, errors.New("listener requires a destination")
	}
	if cfg.QoS > 2 {
		return nil, fmt.Errorf("invalid qos %d", cfg.QoS)
	}
	broker, err := url.Parse(cfg.BrokerURL)
	if err != nil || broker.Host == "" {
		return nil, fmt.Errorf("invalid broker url %q", cfg.BrokerURL)
	}
	if cfg.ClientID == "" {
		cfg.ClientID = "mqtls-" + uuid.NewString()
	}

	l := &Listener{
		cfg:      cfg,
		dialer:   dialer,
		logger:   slog.Default(),
		metrics:  NewMetrics(),
		tracer:   otel.GetTracerProvider().Tracer(tracerName),
		started:  atomic.NewBool(false),
		received: atomic.NewInt64(0),
	}
	for _, opt := range opts {
		opt(l)
	}
	l.logger = l.logger.With("component", "listener", "destination", cfg.Destination)

	clientOpts := mqtt.NewClientOptions().
		AddBroker(cfg.BrokerURL).
		SetClientID(cfg.ClientID).
		SetCleanSession(true).
		SetAutoReconnect(false).
		SetConnectRetry(false).
		SetCustomOpenConnectionFn(l.openConnection)
	if cfg.Username != "" {
		clientOpts.SetUsername(cfg.Username)
		clientOpts.SetPassword(cfg.Password)
	}
	if cfg.ConnectTimeout > 0 {
		clientOpts.SetConnectTimeout(cfg.ConnectTimeout)
	}
	clientOpts.SetConnectionLostHandler(l.onConnectionLost)

	l.client = mqtt.NewClient(clientOpts)
	return l, nil
}

// openConnection hands the broker connection to the socket factory so the
// configured trust and key stores apply.
func (l *Listener) openConnection(uri *url.URL, _ mqtt.ClientOptions) (net.Conn, error) {
	host := uri.Hostname()
	port := defaultTLSPort
	if p := uri.Port(); p != "" {
		parsed, err := strconv.Atoi(p)
		if err != nil {
			return nil, fmt.Errorf("invalid broker port %q: %w", p, err)
		}
		port = parsed
	}

	conn, err := l.dialer.Dial(host, port)
	if err != nil {
		return nil, err
	}
	return alertConn{Conn: conn}, nil
}

// alertConn reports TLS alerts that arrive after the handshake, such as a
// TLS 1.3 client certificate rejection, as typed handshake errors.
type alertConn struct {
	*tls.Conn
}

func (c alertConn) Read(p []byte) (int, error) {
	n, err := c.Conn.Read(p)
	return n, mqtls.ClassifyConnError(c.Conn, err)
}

// Start connects to the broker and subscribes to the destination.
func (l *Listener) Start(ctx context.Context) error {
	token := l.client.Connect()
	if err := waitToken(ctx, token); err != nil {
		l.metrics.RecordConnect(false)
		return fmt.Errorf("connect to %s: %w", l.cfg.BrokerURL, err)
	}
	l.metrics.RecordConnect(true)

	token = l.client.Subscribe(l.cfg.Destination, l.cfg.QoS, l.onMessage)
	if err := waitToken(ctx, token); err != nil {
		l.client.Disconnect(uint(disconnectQuiet.Milliseconds()))
		l.metrics.RecordDisconnect(false)
		return fmt.Errorf("subscribe to %s: %w", l.cfg.Destination, err)
	}

	l.started.Store(true)
	l.logger.Info("Listener subscribed", "broker", l.cfg.BrokerURL, "client_id", l.cfg.ClientID, "qos", l.cfg.QoS)
	return nil
}

// Close unsubscribes and disconnects.
func (l *Listener) Close() error {
	if !l.started.CompareAndSwap(true, false) {
		return ErrNotStarted
	}

	var err error
	if l.client.IsConnectionOpen() {
		token := l.client.Unsubscribe(l.cfg.Destination)
		if !token.WaitTimeout(5 * time.Second) {
			err = multierr.Append(err, errors.New("unsubscribe timed out"))
		} else {
			err = multierr.Append(err, token.Error())
		}
	}
	l.client.Disconnect(uint(disconnectQuiet.Milliseconds()))
	l.metrics.RecordDisconnect(false)
	l.logger.Info("Listener stopped", "messages", l.received.Load())
	return err
}

// Received returns the number of messages delivered so far.
func (l *Listener) Received() int64 {
	return l.received.Load()
}

// Metrics returns the listener metrics.
func (l *Listener) Metrics() *Metrics {
	return l.metrics
}

func (l *Listener) onConnectionLost(_ mqtt.Client, err error) {
	l.metrics.RecordDisconnect(true)
	l.logger.Error("Broker connection lost", "error", err)
}

func (l *Listener) onMessage(_ mqtt.Client, msg mqtt.Message) {
	l.handleMessage(context.Background(), Message{
		Destination: msg.Topic(),
		MessageID:   msg.MessageID(),
		Payload:     msg.Payload(),
	})
}

func (l *Listener) handleMessage(ctx context.Context, msg Message) {
	start := time.Now()
	l.received.Inc()

	kind := telemetry.MessageKindBinary
	if utf8.Valid(msg.Payload) {
		kind = telemetry.MessageKindText
		msg.IsText = true
		msg.Text = string(msg.Payload)
	}

	ctx, span := l.tracer.Start(ctx, "mqtls.listener.deliver",
		trace.WithSpanKind(trace.SpanKindConsumer),
		trace.WithAttributes(attribute.String("messaging.destination.name", msg.Destination)),
	)
	defer span.End()
	telemetry.RecordMessageEvent(span, msg.Destination, kind, len(msg.Payload))

	outcome := telemetry.OutcomeHandled
	defer func() {
		if r := recover(); r != nil {
			outcome = telemetry.OutcomeFailed
			span.SetStatus(codes.Error, "handler panic")
			l.metrics.RecordHandlerError(msg.Destination, "panic")
			l.logger.Error("Message handler panicked", "panic", fmt.Sprint(r), "message_id", msg.MessageID)
		}
		telemetry.RecordMessageMetrics(ctx, telemetry.MessageMetrics{
			Destination: msg.Destination,
			Kind:        kind,
			Outcome:     outcome,
			PayloadSize: len(msg.Payload),
			Duration:    time.Since(start),
		})
	}()

	if msg.IsText {
		l.logger.InfoContext(ctx, "message received", "text", msg.Text, "message_id", msg.MessageID)
	} else {
		l.logger.InfoContext(ctx, "non-text message received", "size", len(msg.Payload), "message_id", msg.MessageID)
	}

	if l.handler == nil {
		return
	}
	if err := l.handler(ctx, msg); err != nil {
		outcome = telemetry.OutcomeFailed
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		l.metrics.RecordHandlerError(msg.Destination, "error")
		l.logger.ErrorContext(ctx, "Message handler failed", "error", err, "message_id", msg.MessageID)
	}
}

func waitToken(ctx context.Context, token mqtt.Token) error {
	select {
	case <-token.Done():
		return token.Error()
	case <-ctx.Done():
		return ctx.Err()
	}
}
