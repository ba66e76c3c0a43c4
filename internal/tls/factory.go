package tls

import (
	"context"
	"crypto/tls"
	"errors"
	"log/slog"
	"net"
	"strconv"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"

	"github.com/polisai/polis-mqtls/pkg/config"
)

const tracerName = "github.com/polisai/polis-mqtls/internal/tls"

// Option customises a SocketFactory.
type Option func(*factoryOptions)

type factoryOptions struct {
	logger         *slog.Logger
	dialer         *net.Dialer
	meterProvider  metric.MeterProvider
	tracerProvider trace.TracerProvider
	now            func() time.Time
}

// WithLogger sets the logger used for construction and connection events.
func WithLogger(logger *slog.Logger) Option {
	return func(o *factoryOptions) {
		o.logger = logger
	}
}

// WithDialer sets the template dialer. Its Timeout bounds connect plus
// handshake and its KeepAlive applies to every connection.
func WithDialer(dialer *net.Dialer) Option {
	return func(o *factoryOptions) {
		o.dialer = dialer
	}
}

// WithMeterProvider records metrics on provider instead of the global one.
func WithMeterProvider(provider metric.MeterProvider) Option {
	return func(o *factoryOptions) {
		o.meterProvider = provider
	}
}

// WithTracerProvider records spans on provider instead of the global one.
func WithTracerProvider(provider trace.TracerProvider) Option {
	return func(o *factoryOptions) {
		o.tracerProvider = provider
	}
}

func newFactoryOptions(opts []Option) factoryOptions {
	o := factoryOptions{
		logger: slog.Default(),
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(&o)
	}
	if o.logger == nil {
		o.logger = slog.Default()
	}
	if o.tracerProvider == nil {
		o.tracerProvider = otel.GetTracerProvider()
	}
	return o
}

// SocketFactory produces TLS connections that validate peers against one
// trust store and, when configured, authenticate with one client
// certificate. It is immutable once constructed and safe for concurrent use.
type SocketFactory struct {
	delegate SocketDelegate
	trust    *TrustMaterial
	key      *KeyMaterial

	logger  *TLSLogger
	metrics *TLSMetricsCollector
	tracer  trace.Tracer
}

// NewSocketFactory loads the configured stores and builds the TLS context.
// Any failure returns a configuration error and no factory.
func NewSocketFactory(cfg config.SocketFactoryConfig, opts ...Option) (*SocketFactory, error) {
	o := newFactoryOptions(opts)
	ctx := context.Background()

	cfg.Normalize()
	if strings.TrimSpace(cfg.TrustStore.Path) == "" {
		return nil, NewConfigMissingError("trust_store.path")
	}
	f := newFactoryShell(o)

	trust, err := LoadTrustMaterial(cfg.TrustStore)
	f.metrics.RecordStoreLoad(ctx, "trust", cfg.TrustStore.NormalizedType(), err == nil)
	if err != nil {
		f.logger.LogStoreLoad(ctx, "trust", cfg.TrustStore, 0, err)
		return nil, err
	}
	f.logger.LogStoreLoad(ctx, "trust", cfg.TrustStore, len(trust.Certificates), nil)

	var key *KeyMaterial
	if cfg.KeyStore != nil {
		key, err = LoadKeyMaterial(*cfg.KeyStore)
		f.metrics.RecordStoreLoad(ctx, "key", cfg.KeyStore.NormalizedType(), err == nil)
		if err != nil {
			f.logger.LogStoreLoad(ctx, "key", *cfg.KeyStore, 0, err)
			return nil, err
		}
		f.logger.LogStoreLoad(ctx, "key", *cfg.KeyStore, len(key.Certificate.Certificate), nil)
		f.reportExpiry(ctx, o.now(), key)
	}

	tlsConfig, err := BuildClientConfig(trust, key, cfg)
	if err != nil {
		return nil, err
	}

	f.delegate = newContextDelegate(tlsConfig, o.dialer)
	f.trust = trust
	f.key = key

	if cfg.UsesDefaultPasswords() {
		f.logger.LogDefaultPasswords(ctx)
	}
	f.logger.LogFactoryReady(ctx, cfg)

	return f, nil
}

// NewSocketFactoryWithDelegate wraps an existing delegate, for platforms that
// supply their own TLS implementation.
func NewSocketFactoryWithDelegate(delegate SocketDelegate, opts ...Option) (*SocketFactory, error) {
	if delegate == nil {
		return nil, errors.New("socket factory requires a delegate")
	}
	f := newFactoryShell(newFactoryOptions(opts))
	f.delegate = delegate
	return f, nil
}

func newFactoryShell(o factoryOptions) *SocketFactory {
	logger := NewTLSLogger(o.logger)

	metrics, err := NewTLSMetricsCollector(o.meterProvider, o.logger)
	if err != nil {
		logger.Logger().Warn("TLS metrics disabled", "error", err)
		metrics = nil
	}

	return &SocketFactory{
		logger:  logger,
		metrics: metrics,
		tracer:  o.tracerProvider.Tracer(tracerName),
	}
}

func (f *SocketFactory) reportExpiry(ctx context.Context, now time.Time, key *KeyMaterial) {
	leaf := key.Leaf()
	status, days := ExpiryStatus(leaf, now)
	f.logger.LogCertificateExpiry(ctx, "key", leaf.Subject.String(), leaf.NotAfter, days, status)
	f.metrics.RecordCertificateExpiry(ctx, "key", leaf)
}

// TrustMaterial returns the trust material loaded at construction.
func (f *SocketFactory) TrustMaterial() *TrustMaterial {
	return f.trust
}

// KeyMaterial returns the client key material, or nil for a trust-only factory.
func (f *SocketFactory) KeyMaterial() *KeyMaterial {
	return f.key
}

// Dial connects to host:port and completes the TLS handshake. A TLS 1.3
// server may still reject the client certificate afterwards; that alert is
// returned by the first Read and ClassifyConnError maps it to an
// ErrorTypeClientAuth error.
func (f *SocketFactory) Dial(host string, port int) (*tls.Conn, error) {
	return f.observe("dial", hostPort(host, port), func() (*tls.Conn, error) {
		return f.delegate.Dial(host, port)
	})
}

// DialFrom connects to host:port from localAddr:localPort.
func (f *SocketFactory) DialFrom(host string, port int, localAddr net.IP, localPort int) (*tls.Conn, error) {
	return f.observe("dial_from", hostPort(host, port), func() (*tls.Conn, error) {
		return f.delegate.DialFrom(host, port, localAddr, localPort)
	})
}

// DialAddr connects to a resolved address.
func (f *SocketFactory) DialAddr(addr net.IP, port int) (*tls.Conn, error) {
	return f.observe("dial_addr", hostPort(addr.String(), port), func() (*tls.Conn, error) {
		return f.delegate.DialAddr(addr, port)
	})
}

// DialAddrFrom connects to a resolved address from localAddr:localPort.
func (f *SocketFactory) DialAddrFrom(addr net.IP, port int, localAddr net.IP, localPort int) (*tls.Conn, error) {
	return f.observe("dial_addr_from", hostPort(addr.String(), port), func() (*tls.Conn, error) {
		return f.delegate.DialAddrFrom(addr, port, localAddr, localPort)
	})
}

// Wrap upgrades an already connected conn to TLS for host. Closing the
// returned connection closes conn only when autoClose is true.
func (f *SocketFactory) Wrap(conn net.Conn, host string, port int, autoClose bool) (*tls.Conn, error) {
	return f.observe("wrap", hostPort(host, port), func() (*tls.Conn, error) {
		return f.delegate.Wrap(conn, host, port, autoClose)
	})
}

// DefaultCipherSuites lists the cipher suites offered in handshakes.
func (f *SocketFactory) DefaultCipherSuites() []string {
	return f.delegate.DefaultCipherSuites()
}

// SupportedCipherSuites lists every cipher suite the platform implements.
func (f *SocketFactory) SupportedCipherSuites() []string {
	return f.delegate.SupportedCipherSuites()
}

// observe forwards to the delegate and records logs, metrics and a span. The
// result is returned unchanged.
func (f *SocketFactory) observe(operation, target string, call func() (*tls.Conn, error)) (*tls.Conn, error) {
	ctx, span := f.tracer.Start(context.Background(), "mqtls."+operation,
		trace.WithSpanKind(trace.SpanKindClient),
		trace.WithAttributes(attribute.String("net.peer.name", target)),
	)
	defer span.End()

	start := time.Now()
	conn, err := call()
	duration := time.Since(start)

	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		f.metrics.RecordConnectError(ctx, operation, err, duration)
		f.logger.LogHandshakeFailure(ctx, operation, target, err, duration)
		return conn, err
	}

	if conn != nil {
		state := conn.ConnectionState()
		span.SetAttributes(
			attribute.String("tls.version", tls.VersionName(state.Version)),
			attribute.String("tls.cipher_suite", tls.CipherSuiteName(state.CipherSuite)),
		)
		f.metrics.RecordConnection(ctx, operation, state, duration)
		f.logger.LogHandshakeSuccess(ctx, operation, target, state, duration)
	}
	return conn, nil
}

func hostPort(host string, port int) string {
	return net.JoinHostPort(host, strconv.Itoa(port))
}
