package main

import (
	"context"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.opentelemetry.io/otel"
	"go.uber.org/multierr"

	mqtls "github.com/polisai/polis-mqtls/internal/tls"
	"github.com/polisai/polis-mqtls/pkg/config"
	"github.com/polisai/polis-mqtls/pkg/listener"
	"github.com/polisai/polis-mqtls/pkg/telemetry"
)

type listenOptions struct {
	broker      string
	clientID    string
	destination string
	qos         int
	metricsAddr string
	watchStores bool
}

func newListenCmd(global *globalOptions) *cobra.Command {
	opts := &listenOptions{}

	cmd := &cobra.Command{
		Use:   "listen",
		Short: "Subscribe to a destination and log every message",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, logger, err := loadRuntime(cmd, global)
			if err != nil {
				return err
			}
			applyListenFlags(cmd, cfg, opts)
			if err := cfg.Validate(); err != nil {
				return err
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			return runListen(ctx, cfg, opts.watchStores, logger)
		},
	}

	cmd.Flags().StringVar(&opts.broker, "broker", "", "Broker URL, for example ssl://mq.example.com:8883")
	cmd.Flags().StringVar(&opts.clientID, "client-id", "", "Client identifier (generated when empty)")
	cmd.Flags().StringVarP(&opts.destination, "destination", "d", "", "Destination to subscribe to")
	cmd.Flags().IntVar(&opts.qos, "qos", 1, "Subscription quality of service (0, 1 or 2)")
	cmd.Flags().StringVar(&opts.metricsAddr, "metrics-addr", "", "Address to serve Prometheus metrics on, for example :9464")
	cmd.Flags().BoolVar(&opts.watchStores, "watch-stores", false, "Rebuild the socket factory when a store file changes")

	return cmd
}

func applyListenFlags(cmd *cobra.Command, cfg *config.Config, opts *listenOptions) {
	flags := cmd.Flags()
	if flags.Changed("broker") {
		cfg.Broker.URL = opts.broker
	}
	if flags.Changed("client-id") {
		cfg.Broker.ClientID = opts.clientID
	}
	if flags.Changed("destination") {
		cfg.Listener.Destination = opts.destination
	}
	if flags.Changed("qos") {
		cfg.Listener.QoS = byte(opts.qos)
	}
	if flags.Changed("metrics-addr") {
		cfg.Metrics.Address = opts.metricsAddr
	}
}

// runListen wires telemetry, the socket factory and the listener together and
// blocks until ctx is done.
func runListen(ctx context.Context, cfg *config.Config, watchStores bool, logger *slog.Logger) (err error) {
	telemetryCfg := telemetry.Config{
		ServiceName: cfg.Telemetry.ServiceName,
		Endpoint:    cfg.Telemetry.OTLPEndpoint,
		Insecure:    cfg.Telemetry.Insecure,
	}
	shutdownTracing, err := telemetry.SetupProvider(ctx, telemetryCfg)
	if err != nil {
		return err
	}
	res, err := telemetry.NewResource(ctx, telemetryCfg)
	if err != nil {
		return err
	}
	metrics := listener.NewMetrics()
	meterProvider, err := telemetry.NewMeterProvider(res, metrics.Registry())
	if err != nil {
		return err
	}
	otel.SetMeterProvider(meterProvider)

	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		err = multierr.Combine(err, meterProvider.Shutdown(shutdownCtx), shutdownTracing(shutdownCtx))
	}()

	factoryOpts := []mqtls.Option{
		mqtls.WithLogger(logger),
		mqtls.WithMeterProvider(meterProvider),
	}
	if cfg.Broker.ConnectTimeout > 0 {
		factoryOpts = append(factoryOpts, mqtls.WithDialer(&net.Dialer{Timeout: cfg.Broker.ConnectTimeout}))
	}

	var dialer listener.Dialer
	if watchStores {
		reloader, buildErr := mqtls.NewReloader(cfg.TLS, mqtls.WithFactoryOptions(factoryOpts...))
		if buildErr != nil {
			return buildErr
		}
		reloader.Start(ctx)
		defer func() {
			err = multierr.Append(err, reloader.Close())
		}()
		dialer = reloader
	} else {
		factory, buildErr := mqtls.NewSocketFactory(cfg.TLS, factoryOpts...)
		if buildErr != nil {
			return buildErr
		}
		dialer = factory
	}

	if cfg.Metrics.Address != "" {
		server := &http.Server{
			Addr:              cfg.Metrics.Address,
			Handler:           metricsMux(metrics),
			ReadHeaderTimeout: 5 * time.Second,
		}
		go func() {
			logger.Info("Serving metrics", "addr", cfg.Metrics.Address)
			if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				logger.Error("Metrics server failed", "error", err)
			}
		}()
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			err = multierr.Append(err, server.Shutdown(shutdownCtx))
		}()
	}

	l, err := listener.New(listener.Config{
		BrokerURL:      cfg.Broker.URL,
		ClientID:       cfg.Broker.ClientID,
		Username:       cfg.Broker.Username,
		Password:       cfg.Broker.Password,
		Destination:    cfg.Listener.Destination,
		QoS:            cfg.Listener.QoS,
		ConnectTimeout: cfg.Broker.ConnectTimeout,
	}, dialer, listener.WithLogger(logger), listener.WithMetrics(metrics))
	if err != nil {
		return err
	}

	if err := l.Start(ctx); err != nil {
		return err
	}

	<-ctx.Done()
	logger.Info("Received shutdown signal")
	return l.Close()
}

func metricsMux(metrics *listener.Metrics) *http.ServeMux {
	mux := http.NewServeMux()
	mux.Handle("/metrics", metrics.Handler())
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	return mux
}
