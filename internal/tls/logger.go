package tls

import (
	"context"
	"crypto/tls"
	"log/slog"
	"time"

	"github.com/polisai/polis-mqtls/pkg/config"
)

// TLSLogger provides structured logging for socket factory events
type TLSLogger struct {
	logger *slog.Logger
}

// NewTLSLogger creates a new TLS logger
func NewTLSLogger(logger *slog.Logger) *TLSLogger {
	if logger == nil {
		logger = slog.Default()
	}

	return &TLSLogger{
		logger: logger.With("component", "mq_socket_factory"),
	}
}

// Logger exposes the underlying slog logger.
func (l *TLSLogger) Logger() *slog.Logger {
	return l.logger
}

// LogStoreLoad logs loading of a trust or key store. Passwords are never logged.
func (l *TLSLogger) LogStoreLoad(ctx context.Context, role string, spec config.StoreSpec, certCount int, err error) {
	level := slog.LevelDebug
	message := "Store loaded"
	if err != nil {
		level = slog.LevelError
		message = "Store loading failed"
	}

	attrs := []slog.Attr{
		slog.String("event", "store_load"),
		slog.String("role", role),
		slog.String("path", spec.Path),
		slog.String("type", spec.NormalizedType()),
		slog.Int("certificates", certCount),
	}
	if err != nil {
		attrs = append(attrs, slog.String("error", err.Error()))
	}

	l.logger.LogAttrs(ctx, level, message, attrs...)
}

// LogFactoryReady logs the resolved store locations once construction succeeds.
func (l *TLSLogger) LogFactoryReady(ctx context.Context, cfg config.SocketFactoryConfig) {
	attrs := []slog.Attr{
		slog.String("event", "factory_ready"),
		slog.String("trust_store", cfg.TrustStore.Path),
		slog.String("type", cfg.TrustStore.NormalizedType()),
		slog.String("protocol", cfg.Protocol),
		slog.String("peer_verification", string(cfg.PeerVerification)),
	}
	if cfg.KeyStore != nil {
		attrs = append(attrs,
			slog.String("key_store", cfg.KeyStore.Path),
			slog.String("key_store_type", cfg.KeyStore.NormalizedType()),
		)
	}

	message := "Socket factory initialized"
	if cfg.KeyStore != nil {
		message = "Socket factory initialized with client certificate"
	}
	l.logger.LogAttrs(ctx, slog.LevelInfo, message, attrs...)
}

// LogDefaultPasswords warns that placeholder store passwords are in use.
func (l *TLSLogger) LogDefaultPasswords(ctx context.Context) {
	l.logger.LogAttrs(ctx, slog.LevelWarn, "Store opened with the placeholder password; override it in production",
		slog.String("event", "default_password"),
	)
}

// LogCertificateExpiry logs certificate expiry warnings
func (l *TLSLogger) LogCertificateExpiry(ctx context.Context, role, subject string, expiryTime time.Time, daysRemaining int, status string) {
	var level slog.Level
	var message string

	switch status {
	case StatusExpired:
		level = slog.LevelError
		message = "Certificate has expired - immediate action required"
	case StatusCritical:
		level = slog.LevelError
		message = "Certificate expires very soon - urgent action required"
	case StatusWarning:
		level = slog.LevelWarn
		message = "Certificate expires soon - action recommended"
	default:
		level = slog.LevelDebug
		message = "Certificate expiry status"
	}

	l.logger.LogAttrs(ctx, level, message,
		slog.String("event", "certificate_expiry"),
		slog.String("role", role),
		slog.String("subject", subject),
		slog.Time("expires_on", expiryTime),
		slog.Int("days_remaining", daysRemaining),
		slog.String("status", status),
	)
}

// LogHandshakeSuccess logs a successful TLS handshake
func (l *TLSLogger) LogHandshakeSuccess(ctx context.Context, operation, target string, state tls.ConnectionState, duration time.Duration) {
	l.logger.LogAttrs(ctx, slog.LevelDebug, "TLS handshake completed successfully",
		slog.String("event", "handshake_success"),
		slog.String("operation", operation),
		slog.String("target", target),
		slog.String("tls_version", tls.VersionName(state.Version)),
		slog.String("cipher_suite", tls.CipherSuiteName(state.CipherSuite)),
		slog.String("server_name", state.ServerName),
		slog.Bool("did_resume", state.DidResume),
		slog.Duration("handshake_duration", duration),
	)
}

// LogHandshakeFailure logs a failed dial or handshake
func (l *TLSLogger) LogHandshakeFailure(ctx context.Context, operation, target string, err error, duration time.Duration) {
	level := slog.LevelError
	if IsTransportError(err) {
		level = slog.LevelWarn
	}

	errorType := "unknown"
	if t, ok := typeOf(err); ok {
		errorType = string(t)
	}

	l.logger.LogAttrs(ctx, level, "TLS connection failed",
		slog.String("event", "handshake_failure"),
		slog.String("operation", operation),
		slog.String("target", target),
		slog.String("error_type", errorType),
		slog.String("error", err.Error()),
		slog.Duration("duration", duration),
	)
}

// LogReload logs a factory rebuild triggered by a store change
func (l *TLSLogger) LogReload(ctx context.Context, trigger string, err error) {
	if err != nil {
		l.logger.LogAttrs(ctx, slog.LevelError, "Socket factory reload failed; keeping previous factory",
			slog.String("event", "factory_reload"),
			slog.String("trigger", trigger),
			slog.Bool("success", false),
			slog.String("error", err.Error()),
		)
		return
	}
	l.logger.LogAttrs(ctx, slog.LevelInfo, "Socket factory reloaded",
		slog.String("event", "factory_reload"),
		slog.String("trigger", trigger),
		slog.Bool("success", true),
	)
}
