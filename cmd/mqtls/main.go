// Package main is the entry point for the mqtls binary.
// It listens on a broker destination over mutual TLS and offers tooling for
// the trust and key stores the socket factory consumes.
package main

import (
	"fmt"
	"log/slog"
	"os"

	"github.com/spf13/cobra"

	"github.com/polisai/polis-mqtls/pkg/config"
	"github.com/polisai/polis-mqtls/pkg/logging"
)

const version = "0.1.0"

// globalOptions are the flags shared by every subcommand.
type globalOptions struct {
	configPath string
	logLevel   string
	pretty     bool
}

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

// newRootCmd creates the root command for mqtls
func newRootCmd() *cobra.Command {
	opts := &globalOptions{}

	rootCmd := &cobra.Command{
		Use:   "mqtls",
		Short: "TLS socket factory tooling for message broker clients",
		Long: `mqtls opens broker connections with client certificates taken from
PKCS#12 or PEM stores and listens on a destination for messages.

Store locations follow the MQ_SSL_* environment variables, a YAML file given
with --config, or the built-in defaults, in that order of precedence.

Example:
  mqtls generate --dir ./certs
  MQ_SSL_TRUSTSTORE=./certs/truststore.p12 MQ_SSL_KEYSTORE=./certs/client.p12 \
    mqtls listen --broker ssl://localhost:8883 --destination DEV.QUEUE.1`,
		SilenceUsage: true,
	}

	rootCmd.PersistentFlags().StringVarP(&opts.configPath, "config", "c", "", "Path to configuration file (YAML)")
	rootCmd.PersistentFlags().StringVarP(&opts.logLevel, "log-level", "l", "", "Log level (debug, info, warn, error)")
	rootCmd.PersistentFlags().BoolVar(&opts.pretty, "pretty", false, "Human readable log output")

	rootCmd.AddCommand(
		newListenCmd(opts),
		newProbeCmd(opts),
		newCiphersCmd(opts),
		newInspectCmd(opts),
		newGenerateCmd(opts),
		newVersionCmd(),
	)

	return rootCmd
}

// loadRuntime loads the configuration and builds the logger every subcommand
// shares. Logs go to stderr so that command output stays parseable.
func loadRuntime(cmd *cobra.Command, opts *globalOptions) (*config.Config, *slog.Logger, error) {
	cfg, err := config.Load(opts.configPath)
	if err != nil {
		return nil, nil, err
	}
	if opts.logLevel != "" {
		cfg.Logging.Level = opts.logLevel
	}
	if opts.pretty {
		cfg.Logging.Pretty = true
	}

	logger := logging.NewLogger(logging.Config{
		Level:  cfg.Logging.Level,
		Pretty: cfg.Logging.Pretty,
		Output: cmd.ErrOrStderr(),
	})
	return cfg, logger, nil
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the mqtls version",
		Args:  cobra.NoArgs,
		Run: func(cmd *cobra.Command, _ []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "mqtls version %s\n", version)
		},
	}
}
