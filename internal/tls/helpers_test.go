package tls

import (
	"bytes"
	"crypto/tls"
	"crypto/x509"
	"fmt"
	"io"
	"log/slog"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/polisai/polis-mqtls/pkg/config"
)

const testStorePassword = "changeit"

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// newTestStores writes a CA, a localhost server pair and a client key store
// into a temporary directory.
func newTestStores(t *testing.T) *DevelopmentStores {
	t.Helper()
	stores, err := GenerateDevelopmentStores(t.TempDir(), testStorePassword, KeyAlgorithmECDSA)
	require.NoError(t, err)
	return stores
}

func trustOnlyConfig(stores *DevelopmentStores) config.SocketFactoryConfig {
	return config.SocketFactoryConfig{
		TrustStore: stores.TrustStore,
		Protocol:   config.ProtocolTLS,
	}
}

func mutualConfig(stores *DevelopmentStores) config.SocketFactoryConfig {
	cfg := trustOnlyConfig(stores)
	key := stores.KeyStore
	cfg.KeyStore = &key
	return cfg
}

func newTestFactory(t *testing.T, cfg config.SocketFactoryConfig, opts ...Option) *SocketFactory {
	t.Helper()
	opts = append([]Option{WithLogger(discardLogger()), WithDialer(&net.Dialer{Timeout: 5 * time.Second})}, opts...)
	factory, err := NewSocketFactory(cfg, opts...)
	require.NoError(t, err)
	return factory
}

func tlsCertificate(gen *GeneratedCertificate) tls.Certificate {
	return tls.Certificate{
		Certificate: [][]byte{gen.Certificate.Raw},
		PrivateKey:  gen.PrivateKey,
		Leaf:        gen.Certificate,
	}
}

type serverOptions struct {
	clientAuth tls.ClientAuthType
	clientCAs  *x509.CertPool
	minVersion uint16
	maxVersion uint16
}

// testServer is a TLS listener that greets every client after the handshake
// and records what each handshake produced.
type testServer struct {
	listener net.Listener
	port     int

	mu          sync.Mutex
	handshakes  []error
	clientCerts [][]*x509.Certificate

	wg        sync.WaitGroup
	closeOnce sync.Once
}

const serverGreeting = "ready"

func startTLSServer(t *testing.T, cert *GeneratedCertificate, opts serverOptions) *testServer {
	t.Helper()

	cfg := &tls.Config{
		Certificates: []tls.Certificate{tlsCertificate(cert)},
		ClientAuth:   opts.clientAuth,
		ClientCAs:    opts.clientCAs,
		MinVersion:   opts.minVersion,
		MaxVersion:   opts.maxVersion,
	}

	listener, err := tls.Listen("tcp", "127.0.0.1:0", cfg)
	require.NoError(t, err)

	srv := &testServer{
		listener: listener,
		port:     listener.Addr().(*net.TCPAddr).Port,
	}

	srv.wg.Add(1)
	go srv.acceptLoop()
	t.Cleanup(srv.Close)
	return srv
}

func (s *testServer) acceptLoop() {
	defer s.wg.Done()
	for {
		conn, err := s.listener.Accept()
		if err != nil {
			return
		}
		s.wg.Add(1)
		go s.handle(conn.(*tls.Conn))
	}
}

func (s *testServer) handle(conn *tls.Conn) {
	defer s.wg.Done()
	defer conn.Close()

	_ = conn.SetDeadline(time.Now().Add(5 * time.Second))
	err := conn.Handshake()

	s.mu.Lock()
	s.handshakes = append(s.handshakes, err)
	if err == nil {
		s.clientCerts = append(s.clientCerts, conn.ConnectionState().PeerCertificates)
	}
	s.mu.Unlock()

	if err != nil {
		return
	}
	if _, err := conn.Write([]byte(serverGreeting)); err != nil {
		return
	}
	_, _ = io.Copy(io.Discard, conn)
}

// Close stops accepting and waits for every handler to finish.
func (s *testServer) Close() {
	s.closeOnce.Do(func() {
		_ = s.listener.Close()
		s.wg.Wait()
	})
}

func (s *testServer) handshakeErrors() []error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]error(nil), s.handshakes...)
}

func (s *testServer) presentedClientCerts() [][]*x509.Certificate {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([][]*x509.Certificate(nil), s.clientCerts...)
}

func readGreeting(t *testing.T, conn net.Conn) {
	t.Helper()
	require.NoError(t, awaitGreeting(conn))
}

func awaitGreeting(conn net.Conn) error {
	if err := conn.SetReadDeadline(time.Now().Add(5 * time.Second)); err != nil {
		return err
	}
	buf := make([]byte, len(serverGreeting))
	if _, err := io.ReadFull(conn, buf); err != nil {
		return err
	}
	if string(buf) != serverGreeting {
		return fmt.Errorf("unexpected greeting %q", buf)
	}
	return nil
}

// syncBuffer collects log output written from several goroutines.
type syncBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *syncBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *syncBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

func newJSONLogger(w io.Writer) *slog.Logger {
	return slog.New(slog.NewJSONHandler(w, &slog.HandlerOptions{Level: slog.LevelDebug}))
}

func errorType(err error) TLSErrorType {
	t, _ := typeOf(err)
	return t
}
