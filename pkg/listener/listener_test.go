package listener

import (
	"bytes"
	"context"
	"crypto/tls"
	"crypto/x509"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/url"
	"strings"
	"sync"
	"testing"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/eclipse/paho.mqtt.golang/packets"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"

	mqtls "github.com/polisai/polis-mqtls/internal/tls"
	"github.com/polisai/polis-mqtls/pkg/config"
	"github.com/polisai/polis-mqtls/pkg/telemetry"
)

const testDestination = "DEV.QUEUE.1"

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

func newTestLogger() (*slog.Logger, *syncBuffer) {
	buf := &syncBuffer{}
	return slog.New(slog.NewJSONHandler(buf, &slog.HandlerOptions{Level: slog.LevelDebug})), buf
}

// fakeBroker speaks just enough MQTT over mutual TLS to accept one
// subscription and push a fixed set of payloads to it.
type fakeBroker struct {
	listener net.Listener
	port     int
	payloads [][]byte

	mu           sync.Mutex
	clientCNs    []string
	subscribed   []string
	unsubscribed []string
	wg           sync.WaitGroup
}

func startFakeBroker(t *testing.T, stores *mqtls.DevelopmentStores, payloads ...[]byte) *fakeBroker {
	t.Helper()

	cert, err := tls.LoadX509KeyPair(stores.ServerCert, stores.ServerKey)
	require.NoError(t, err)
	clientCAs := x509.NewCertPool()
	clientCAs.AddCert(stores.CA.Certificate)

	ln, err := tls.Listen("tcp", "127.0.0.1:0", &tls.Config{
		Certificates: []tls.Certificate{cert},
		ClientAuth:   tls.RequireAndVerifyClientCert,
		ClientCAs:    clientCAs,
		MinVersion:   tls.VersionTLS12,
	})
	require.NoError(t, err)

	b := &fakeBroker{
		listener: ln,
		port:     ln.Addr().(*net.TCPAddr).Port,
		payloads: payloads,
	}
	b.wg.Add(1)
	go b.acceptLoop()
	t.Cleanup(b.Close)
	return b
}

func (b *fakeBroker) brokerURL() string {
	return fmt.Sprintf("ssl://127.0.0.1:%d", b.port)
}

func (b *fakeBroker) Close() {
	_ = b.listener.Close()
	b.wg.Wait()
}

func (b *fakeBroker) acceptLoop() {
	defer b.wg.Done()
	for {
		conn, err := b.listener.Accept()
		if err != nil {
			return
		}
		b.wg.Add(1)
		go func() {
			defer b.wg.Done()
			defer conn.Close()
			b.serve(conn.(*tls.Conn))
		}()
	}
}

func (b *fakeBroker) serve(conn *tls.Conn) {
	if err := conn.Handshake(); err != nil {
		return
	}
	if peers := conn.ConnectionState().PeerCertificates; len(peers) > 0 {
		b.mu.Lock()
		b.clientCNs = append(b.clientCNs, peers[0].Subject.CommonName)
		b.mu.Unlock()
	}

	for {
		pkt, err := packets.ReadPacket(conn)
		if err != nil {
			return
		}
		switch p := pkt.(type) {
		case *packets.ConnectPacket:
			ack := packets.NewControlPacket(packets.Connack).(*packets.ConnackPacket)
			ack.ReturnCode = packets.Accepted
			if ack.Write(conn) != nil {
				return
			}
		case *packets.SubscribePacket:
			ack := packets.NewControlPacket(packets.Suback).(*packets.SubackPacket)
			ack.MessageID = p.MessageID
			ack.ReturnCodes = p.Qoss
			if ack.Write(conn) != nil {
				return
			}
			b.mu.Lock()
			b.subscribed = append(b.subscribed, p.Topics...)
			b.mu.Unlock()
			for _, payload := range b.payloads {
				pub := packets.NewControlPacket(packets.Publish).(*packets.PublishPacket)
				pub.TopicName = p.Topics[0]
				pub.Payload = payload
				if pub.Write(conn) != nil {
					return
				}
			}
		case *packets.UnsubscribePacket:
			b.mu.Lock()
			b.unsubscribed = append(b.unsubscribed, p.Topics...)
			b.mu.Unlock()
			ack := packets.NewControlPacket(packets.Unsuback).(*packets.UnsubackPacket)
			ack.MessageID = p.MessageID
			if ack.Write(conn) != nil {
				return
			}
		case *packets.PingreqPacket:
			if packets.NewControlPacket(packets.Pingresp).Write(conn) != nil {
				return
			}
		case *packets.DisconnectPacket:
			return
		}
	}
}

func (b *fakeBroker) seenClientCNs() []string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]string(nil), b.clientCNs...)
}

func (b *fakeBroker) seenUnsubscribes() []string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]string(nil), b.unsubscribed...)
}

func newMutualFactory(t *testing.T) (*mqtls.SocketFactory, *mqtls.DevelopmentStores) {
	t.Helper()
	stores, err := mqtls.GenerateDevelopmentStores(t.TempDir(), "changeit", mqtls.KeyAlgorithmECDSA)
	require.NoError(t, err)

	key := stores.KeyStore
	factory, err := mqtls.NewSocketFactory(config.SocketFactoryConfig{
		TrustStore: stores.TrustStore,
		KeyStore:   &key,
		Protocol:   config.ProtocolTLS,
	}, mqtls.WithLogger(slog.New(slog.NewTextHandler(&bytes.Buffer{}, nil))))
	require.NoError(t, err)
	return factory, stores
}

// installMeterReader routes the listener message instruments to a manual
// reader for the duration of the test.
func installMeterReader(t *testing.T) *sdkmetric.ManualReader {
	t.Helper()
	reader := sdkmetric.NewManualReader()
	prev := otel.GetMeterProvider()
	otel.SetMeterProvider(sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader)))
	telemetry.ResetMetricsForTest()
	t.Cleanup(func() {
		otel.SetMeterProvider(prev)
		telemetry.ResetMetricsForTest()
	})
	return reader
}

// deliveredMessages sums mqtls_messages_total for kind and outcome.
func deliveredMessages(t *testing.T, reader *sdkmetric.ManualReader, kind, outcome string) int64 {
	t.Helper()
	var rm metricdata.ResourceMetrics
	require.NoError(t, reader.Collect(context.Background(), &rm))

	var total int64
	for _, scope := range rm.ScopeMetrics {
		for _, m := range scope.Metrics {
			if m.Name != "mqtls_messages_total" {
				continue
			}
			sum, ok := m.Data.(metricdata.Sum[int64])
			require.True(t, ok)
			for _, dp := range sum.DataPoints {
				k, _ := dp.Attributes.Value("message_kind")
				o, _ := dp.Attributes.Value("outcome")
				if k.AsString() == kind && o.AsString() == outcome {
					total += dp.Value
				}
			}
		}
	}
	return total
}

func TestListener_ReceivesMessagesOverMutualTLS(t *testing.T) {
	reader := installMeterReader(t)
	factory, stores := newMutualFactory(t)
	broker := startFakeBroker(t, stores,
		[]byte("hello from the queue"),
		[]byte{0xff, 0xfe, 0x00, 0x01},
	)

	logger, logs := newTestLogger()
	var handled []Message
	var mu sync.Mutex

	l, err := New(Config{
		BrokerURL:      broker.brokerURL(),
		Destination:    testDestination,
		QoS:            1,
		ConnectTimeout: 5 * time.Second,
	}, factory,
		WithLogger(logger),
		WithMessageHandler(func(_ context.Context, msg Message) error {
			mu.Lock()
			defer mu.Unlock()
			handled = append(handled, msg)
			return nil
		}),
	)
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	require.NoError(t, l.Start(ctx))

	require.Eventually(t, func() bool { return l.Received() == 2 }, 5*time.Second, 10*time.Millisecond)

	mu.Lock()
	require.Len(t, handled, 2)
	assert.True(t, handled[0].IsText)
	assert.Equal(t, "hello from the queue", handled[0].Text)
	assert.Equal(t, testDestination, handled[0].Destination)
	assert.False(t, handled[1].IsText)
	assert.Empty(t, handled[1].Text)
	mu.Unlock()

	output := logs.String()
	assert.Contains(t, output, `"msg":"message received"`)
	assert.Contains(t, output, `"text":"hello from the queue"`)
	assert.Contains(t, output, `"msg":"non-text message received"`)
	assert.Contains(t, output, `"size":4`)

	assert.Equal(t, []string{"mqtls-client"}, broker.seenClientCNs())

	m := l.Metrics()
	assert.Equal(t, int64(1), deliveredMessages(t, reader, telemetry.MessageKindText, telemetry.OutcomeHandled))
	assert.Equal(t, int64(1), deliveredMessages(t, reader, telemetry.MessageKindBinary, telemetry.OutcomeHandled))
	assert.Equal(t, float64(1), testutil.ToFloat64(m.connectsTotal.WithLabelValues("success")))
	assert.Equal(t, float64(1), testutil.ToFloat64(m.connected))

	require.NoError(t, l.Close())
	assert.Equal(t, []string{testDestination}, broker.seenUnsubscribes())
	assert.Equal(t, float64(0), testutil.ToFloat64(m.connected))
	assert.ErrorIs(t, l.Close(), ErrNotStarted)
}

type failingDialer struct {
	err   error
	calls int
	mu    sync.Mutex
	host  string
	port  int
}

func (d *failingDialer) Dial(host string, port int) (*tls.Conn, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.calls++
	d.host = host
	d.port = port
	return nil, d.err
}

func TestListener_StartFailsWhenDialFails(t *testing.T) {
	dialer := &failingDialer{err: mqtls.NewTLSError(mqtls.ErrorTypeHandshakeFailure, "handshake failed")}
	logger, _ := newTestLogger()

	l, err := New(Config{
		BrokerURL:      "ssl://broker.example.com",
		Destination:    testDestination,
		ConnectTimeout: 2 * time.Second,
	}, dialer, WithLogger(logger))
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	err = l.Start(ctx)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "connect to ssl://broker.example.com")

	dialer.mu.Lock()
	assert.GreaterOrEqual(t, dialer.calls, 1)
	assert.Equal(t, "broker.example.com", dialer.host)
	assert.Equal(t, defaultTLSPort, dialer.port)
	dialer.mu.Unlock()

	assert.Equal(t, float64(1), testutil.ToFloat64(l.Metrics().connectsTotal.WithLabelValues("failure")))
	assert.ErrorIs(t, l.Close(), ErrNotStarted)
}

func TestNew_Validation(t *testing.T) {
	dialer := &failingDialer{err: errors.New("unused")}

	tests := []struct {
		name    string
		cfg     Config
		dialer  Dialer
		wantErr string
	}{
		{
			name:    "missing dialer",
			cfg:     Config{BrokerURL: "ssl://localhost:8883", Destination: testDestination},
			wantErr: "requires a dialer",
		},
		{
			name:    "missing destination",
			cfg:     Config{BrokerURL: "ssl://localhost:8883"},
			dialer:  dialer,
			wantErr: "requires a destination",
		},
		{
			name:    "invalid qos",
			cfg:     Config{BrokerURL: "ssl://localhost:8883", Destination: testDestination, QoS: 3},
			dialer:  dialer,
			wantErr: "invalid qos",
		},
		{
			name:    "broker without host",
			cfg:     Config{BrokerURL: "localhost", Destination: testDestination},
			dialer:  dialer,
			wantErr: "invalid broker url",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := New(tt.cfg, tt.dialer)
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}

func TestNew_GeneratesClientID(t *testing.T) {
	l, err := New(Config{BrokerURL: "ssl://localhost:8883", Destination: testDestination}, &failingDialer{})
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(l.cfg.ClientID, "mqtls-"))

	other, err := New(Config{BrokerURL: "ssl://localhost:8883", Destination: testDestination}, &failingDialer{})
	require.NoError(t, err)
	assert.NotEqual(t, l.cfg.ClientID, other.cfg.ClientID)
}

func TestHandleMessage_HandlerFailuresAreContained(t *testing.T) {

	tests := []struct {
		name    string
		handler MessageHandler
		reason  string
		logMsg  string
	}{
		{
			name: "error",
			handler: func(context.Context, Message) error {
				return errors.New("downstream unavailable")
			},
			reason: "error",
			logMsg: "Message handler failed",
		},
		{
			name: "panic",
			handler: func(context.Context, Message) error {
				panic("boom")
			},
			reason: "panic",
			logMsg: "Message handler panicked",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			reader := installMeterReader(t)
			logger, logs := newTestLogger()
			l, err := New(Config{BrokerURL: "ssl://localhost:8883", Destination: testDestination}, &failingDialer{},
				WithLogger(logger), WithMessageHandler(tt.handler))
			require.NoError(t, err)

			require.NotPanics(t, func() {
				l.handleMessage(context.Background(), Message{Destination: testDestination, Payload: []byte("payload")})
			})

			assert.Equal(t, int64(1), l.Received())
			assert.Contains(t, logs.String(), tt.logMsg)
			assert.Contains(t, logs.String(), `"msg":"message received"`)
			assert.Equal(t, float64(1), testutil.ToFloat64(l.Metrics().handlerErrors.WithLabelValues(testDestination, tt.reason)))
			assert.Equal(t, int64(1), deliveredMessages(t, reader, telemetry.MessageKindText, telemetry.OutcomeFailed))
			assert.Zero(t, deliveredMessages(t, reader, telemetry.MessageKindText, telemetry.OutcomeHandled))
		})
	}
}

func TestOpenConnection_PortParsing(t *testing.T) {
	dialer := &failingDialer{err: errors.New("refused")}
	l, err := New(Config{BrokerURL: "ssl://localhost:1414", Destination: testDestination}, dialer)
	require.NoError(t, err)

	tests := []struct {
		raw      string
		wantHost string
		wantPort int
	}{
		{raw: "ssl://mq.internal:1414", wantHost: "mq.internal", wantPort: 1414},
		{raw: "tls://mq.internal", wantHost: "mq.internal", wantPort: defaultTLSPort},
		{raw: "ssl://[::1]:9443", wantHost: "::1", wantPort: 9443},
	}

	for _, tt := range tests {
		t.Run(tt.raw, func(t *testing.T) {
			uri, err := url.Parse(tt.raw)
			require.NoError(t, err)
			_, err = l.openConnection(uri, mqtt.ClientOptions{})
			require.EqualError(t, err, "refused")

			dialer.mu.Lock()
			defer dialer.mu.Unlock()
			assert.Equal(t, tt.wantHost, dialer.host)
			assert.Equal(t, tt.wantPort, dialer.port)
		})
	}
}

func TestOpenConnection_ReportsClientCertificateRejection(t *testing.T) {
	stores, err := mqtls.GenerateDevelopmentStores(t.TempDir(), "changeit", mqtls.KeyAlgorithmECDSA)
	require.NoError(t, err)
	broker := startFakeBroker(t, stores)

	trustOnly, err := mqtls.NewSocketFactory(config.SocketFactoryConfig{
		TrustStore: stores.TrustStore,
		Protocol:   config.ProtocolTLS,
	}, mqtls.WithLogger(slog.New(slog.NewTextHandler(&bytes.Buffer{}, nil))))
	require.NoError(t, err)

	l, err := New(Config{BrokerURL: broker.brokerURL(), Destination: testDestination}, trustOnly)
	require.NoError(t, err)

	uri, err := url.Parse(broker.brokerURL())
	require.NoError(t, err)
	conn, err := l.openConnection(uri, mqtt.ClientOptions{})
	require.NoError(t, err)
	defer conn.Close()

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(5*time.Second)))
	_, err = conn.Read(make([]byte, 1))
	require.Error(t, err)

	var tlsErr *mqtls.TLSError
	require.True(t, errors.As(err, &tlsErr), "got %v", err)
	assert.Equal(t, mqtls.ErrorTypeClientAuth, tlsErr.Type)
}
