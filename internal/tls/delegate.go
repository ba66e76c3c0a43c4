package tls

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"errors"
	"net"
	"strconv"
	"strings"
	"syscall"
	"time"
)

// SocketDelegate produces TLS connections from a fixed TLS context. The
// SocketFactory forwards every call to one delegate.
type SocketDelegate interface {
	// Dial connects to host:port and completes the handshake. Under TLS 1.3
	// a server that rejects the client certificate only says so on the first
	// Read; pass that error through ClassifyConnError.
	Dial(host string, port int) (*tls.Conn, error)
	// DialFrom is Dial with the local side bound to localAddr:localPort.
	DialFrom(host string, port int, localAddr net.IP, localPort int) (*tls.Conn, error)
	// DialAddr connects to an already resolved address.
	DialAddr(addr net.IP, port int) (*tls.Conn, error)
	// DialAddrFrom is DialAddr with the local side bound to localAddr:localPort.
	DialAddrFrom(addr net.IP, port int, localAddr net.IP, localPort int) (*tls.Conn, error)
	// Wrap upgrades an already connected conn. When autoClose is false,
	// closing the returned connection leaves conn open.
	Wrap(conn net.Conn, host string, port int, autoClose bool) (*tls.Conn, error)
	// DefaultCipherSuites lists the suites offered in a handshake.
	DefaultCipherSuites() []string
	// SupportedCipherSuites lists every suite the platform implements.
	SupportedCipherSuites() []string
}

// contextDelegate is the crypto/tls implementation of SocketDelegate.
type contextDelegate struct {
	config    *tls.Config
	dialer    net.Dialer
	defaults  []string
	supported []string
}

func newContextDelegate(cfg *tls.Config, dialer *net.Dialer) *contextDelegate {
	d := &contextDelegate{
		config:    cfg,
		defaults:  defaultCipherSuiteNames(cfg),
		supported: supportedCipherSuiteNames(),
	}
	if dialer != nil {
		d.dialer = *dialer
	}
	return d
}

func (d *contextDelegate) Dial(host string, port int) (*tls.Conn, error) {
	return d.dial(host, port, nil)
}

func (d *contextDelegate) DialFrom(host string, port int, localAddr net.IP, localPort int) (*tls.Conn, error) {
	return d.dial(host, port, &net.TCPAddr{IP: localAddr, Port: localPort})
}

func (d *contextDelegate) DialAddr(addr net.IP, port int) (*tls.Conn, error) {
	return d.dial(addr.String(), port, nil)
}

func (d *contextDelegate) DialAddrFrom(addr net.IP, port int, localAddr net.IP, localPort int) (*tls.Conn, error) {
	return d.dial(addr.String(), port, &net.TCPAddr{IP: localAddr, Port: localPort})
}

func (d *contextDelegate) Wrap(conn net.Conn, host string, port int, autoClose bool) (*tls.Conn, error) {
	underlying := conn
	if !autoClose {
		underlying = noCloseConn{Conn: conn}
	}

	tlsConn, err := d.handshake(context.Background(), underlying, host)
	if err != nil {
		if autoClose {
			_ = conn.Close()
		}
		return nil, err
	}
	return tlsConn, nil
}

func (d *contextDelegate) DefaultCipherSuites() []string {
	return append([]string(nil), d.defaults...)
}

func (d *contextDelegate) SupportedCipherSuites() []string {
	return append([]string(nil), d.supported...)
}

func (d *contextDelegate) dial(host string, port int, local *net.TCPAddr) (*tls.Conn, error) {
	address := net.JoinHostPort(host, strconv.Itoa(port))

	// The template dialer is copied so the local address stays per call.
	dialer := d.dialer
	if local != nil {
		dialer.LocalAddr = local
	}

	ctx := context.Background()
	if dialer.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, dialer.Timeout)
		defer cancel()
	}

	raw, err := dialer.DialContext(ctx, "tcp", address)
	if err != nil {
		return nil, classifyDialError(address, err)
	}

	tlsConn, err := d.handshake(ctx, raw, host)
	if err != nil {
		_ = raw.Close()
		return nil, err
	}
	return tlsConn, nil
}

func (d *contextDelegate) handshake(ctx context.Context, raw net.Conn, host string) (*tls.Conn, error) {
	cfg := d.config.Clone()
	cfg.ServerName = host

	tlsConn := tls.Client(raw, cfg)
	if err := tlsConn.HandshakeContext(ctx); err != nil {
		peer := host
		if addr := raw.RemoteAddr(); addr != nil {
			peer = addr.String()
		}
		return nil, classifyHandshakeError(peer, err)
	}
	return tlsConn, nil
}

// noCloseConn keeps the wrapped connection open when the TLS layer closes.
// Sending close_notify leaves an expired write deadline behind, so Close
// clears it and the caller gets back a writable conn.
type noCloseConn struct {
	net.Conn
}

func (c noCloseConn) Close() error {
	return c.Conn.SetWriteDeadline(time.Time{})
}

// ClassifyConnError turns a TLS alert read from an established connection
// into the handshake error Dial would have returned had the alert arrived
// during the handshake. Any other error is returned unchanged.
func ClassifyConnError(conn *tls.Conn, err error) error {
	var opErr *net.OpError
	if err == nil || !errors.As(err, &opErr) || opErr.Op != "remote error" {
		return err
	}
	peer := ""
	if conn != nil {
		if addr := conn.RemoteAddr(); addr != nil {
			peer = addr.String()
		}
	}
	return classifyHandshakeError(peer, err)
}

func classifyDialError(address string, err error) error {
	var dnsErr *net.DNSError
	if errors.As(err, &dnsErr) {
		return NewTransportError(ErrorTypeDNS, address, err).
			WithSuggestion("Check the broker host name")
	}
	if errors.Is(err, syscall.ECONNREFUSED) {
		return NewTransportError(ErrorTypeConnectionRefused, address, err).
			WithSuggestion("Check that the broker listens on the configured port")
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return NewTransportError(ErrorTypeTransportTimeout, address, err)
	}
	return NewTransportError(ErrorTypeTransport, address, err)
}

func classifyHandshakeError(peer string, err error) error {
	var unknownAuthority x509.UnknownAuthorityError
	if errors.As(err, &unknownAuthority) {
		return NewUntrustedPeerError(peer, err)
	}
	var hostnameErr x509.HostnameError
	if errors.As(err, &hostnameErr) {
		return NewHostnameMismatchError(peer, err)
	}
	var invalidErr x509.CertificateInvalidError
	if errors.As(err, &invalidErr) {
		return NewHandshakeFailureError("peer certificate is invalid", err).
			WithContext("peer", peer)
	}
	var recordErr tls.RecordHeaderError
	if errors.As(err, &recordErr) {
		return NewTLSErrorWithCause(ErrorTypeProtocolMismatch, "peer did not answer with TLS", err).
			WithContext("peer", peer)
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return NewTLSErrorWithCause(ErrorTypeHandshakeTimeout, "TLS handshake timed out", err).
			WithContext("peer", peer)
	}

	// Alerts sent by the peer are only distinguishable by their text.
	msg := err.Error()
	switch {
	case strings.Contains(msg, "bad certificate"),
		strings.Contains(msg, "certificate required"),
		strings.Contains(msg, "unknown certificate authority"),
		strings.Contains(msg, "certificate unknown"):
		return NewClientAuthError("peer rejected the client certificate", err).
			WithContext("peer", peer)
	case strings.Contains(msg, "protocol version"):
		return NewTLSErrorWithCause(ErrorTypeProtocolMismatch, "no common protocol version", err).
			WithContext("peer", peer)
	}

	return NewHandshakeFailureError("handshake aborted", err).WithContext("peer", peer)
}

func defaultCipherSuiteNames(cfg *tls.Config) []string {
	var names []string
	if len(cfg.CipherSuites) > 0 {
		for _, id := range cfg.CipherSuites {
			names = append(names, tls.CipherSuiteName(id))
		}
	}

	for _, suite := range tls.CipherSuites() {
		if len(cfg.CipherSuites) > 0 && !onlyTLS13(suite) {
			continue
		}
		if !suiteAllowed(suite, cfg.MinVersion, cfg.MaxVersion) {
			continue
		}
		names = append(names, suite.Name)
	}
	return names
}

func supportedCipherSuiteNames() []string {
	var names []string
	for _, suite := range tls.CipherSuites() {
		names = append(names, suite.Name)
	}
	for _, suite := range tls.InsecureCipherSuites() {
		names = append(names, suite.Name)
	}
	return names
}

func onlyTLS13(suite *tls.CipherSuite) bool {
	return len(suite.SupportedVersions) == 1 && suite.SupportedVersions[0] == tls.VersionTLS13
}

func suiteAllowed(suite *tls.CipherSuite, minVersion, maxVersion uint16) bool {
	for _, v := range suite.SupportedVersions {
		if v >= minVersion && (maxVersion == 0 || v <= maxVersion) {
			return true
		}
	}
	return false
}
