package main

import (
	"crypto/tls"
	"errors"
	"fmt"
	"io"
	"net"
	"strconv"
	"time"

	"github.com/spf13/cobra"

	mqtls "github.com/polisai/polis-mqtls/internal/tls"
)

type probeOptions struct {
	timeout   time.Duration
	alertWait time.Duration
}

func newProbeCmd(global *globalOptions) *cobra.Command {
	opts := &probeOptions{}

	cmd := &cobra.Command{
		Use:   "probe host:port",
		Short: "Open one connection through the socket factory and report the handshake",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			host, port, err := splitHostPort(args[0])
			if err != nil {
				return err
			}

			cfg, logger, err := loadRuntime(cmd, global)
			if err != nil {
				return err
			}

			factory, err := mqtls.NewSocketFactory(cfg.TLS,
				mqtls.WithLogger(logger),
				mqtls.WithDialer(&net.Dialer{Timeout: opts.timeout}),
			)
			if err != nil {
				return err
			}

			conn, err := factory.Dial(host, port)
			if err == nil {
				err = awaitAlert(conn, opts.alertWait)
				if err != nil {
					_ = conn.Close()
				}
			}
			if err != nil {
				for _, suggestion := range mqtls.GetRecoverySuggestions(err) {
					logger.Info("Suggestion", "text", suggestion)
				}
				return err
			}
			defer conn.Close()

			printConnectionState(cmd.OutOrStdout(), args[0], conn.ConnectionState())
			return nil
		},
	}

	cmd.Flags().DurationVar(&opts.timeout, "timeout", 10*time.Second, "Connect and handshake timeout")
	cmd.Flags().DurationVar(&opts.alertWait, "alert-wait", 500*time.Millisecond, "How long to wait for a client certificate rejection after the handshake (0 disables)")
	return cmd
}

// awaitAlert reads briefly from conn. A TLS 1.3 server that rejects the
// client certificate only says so after the handshake completed.
func awaitAlert(conn *tls.Conn, wait time.Duration) error {
	if wait <= 0 {
		return nil
	}
	if err := conn.SetReadDeadline(time.Now().Add(wait)); err != nil {
		return err
	}
	defer func() { _ = conn.SetReadDeadline(time.Time{}) }()

	_, err := conn.Read(make([]byte, 1))
	var netErr net.Error
	switch {
	case err == nil, errors.Is(err, io.EOF):
		return nil
	case errors.As(err, &netErr) && netErr.Timeout():
		return nil
	}
	return mqtls.ClassifyConnError(conn, err)
}

func splitHostPort(target string) (string, int, error) {
	host, rawPort, err := net.SplitHostPort(target)
	if err != nil {
		return "", 0, fmt.Errorf("invalid target %q: %w", target, err)
	}
	port, err := strconv.Atoi(rawPort)
	if err != nil || port <= 0 || port > 65535 {
		return "", 0, fmt.Errorf("invalid port in %q", target)
	}
	return host, port, nil
}

func printConnectionState(w io.Writer, target string, state tls.ConnectionState) {
	fmt.Fprintf(w, "Connected to %s\n", target)
	fmt.Fprintf(w, "  Protocol:     %s\n", tls.VersionName(state.Version))
	fmt.Fprintf(w, "  Cipher suite: %s\n", tls.CipherSuiteName(state.CipherSuite))
	if state.ServerName != "" {
		fmt.Fprintf(w, "  Server name:  %s\n", state.ServerName)
	}
	now := time.Now()
	for i, cert := range state.PeerCertificates {
		fmt.Fprintf(w, "  Peer [%d]:     %s\n", i, mqtls.SummarizeCertificate(cert, now))
	}
}

type ciphersOptions struct {
	supported bool
}

func newCiphersCmd(global *globalOptions) *cobra.Command {
	opts := &ciphersOptions{}

	cmd := &cobra.Command{
		Use:   "ciphers",
		Short: "List the cipher suites the socket factory enables",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, logger, err := loadRuntime(cmd, global)
			if err != nil {
				return err
			}
			factory, err := mqtls.NewSocketFactory(cfg.TLS, mqtls.WithLogger(logger))
			if err != nil {
				return err
			}

			suites := factory.DefaultCipherSuites()
			if opts.supported {
				suites = factory.SupportedCipherSuites()
			}
			for _, suite := range suites {
				fmt.Fprintln(cmd.OutOrStdout(), suite)
			}
			return nil
		},
	}

	cmd.Flags().BoolVar(&opts.supported, "supported", false, "List every suite the factory could negotiate, not just the enabled ones")
	return cmd
}
