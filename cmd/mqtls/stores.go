package main

import (
	"encoding/json"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/spf13/cobra"

	mqtls "github.com/polisai/polis-mqtls/internal/tls"
	"github.com/polisai/polis-mqtls/pkg/config"
)

type inspectOptions struct {
	format string
}

func newInspectCmd(global *globalOptions) *cobra.Command {
	opts := &inspectOptions{}

	cmd := &cobra.Command{
		Use:   "inspect",
		Short: "Show the certificates held by the configured trust and key stores",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if opts.format != "text" && opts.format != "json" {
				return fmt.Errorf("unsupported format %q: use text or json", opts.format)
			}

			cfg, _, err := loadRuntime(cmd, global)
			if err != nil {
				return err
			}

			reports, err := inspectStores(cfg.TLS, time.Now())
			if err != nil {
				return err
			}

			if opts.format == "json" {
				enc := json.NewEncoder(cmd.OutOrStdout())
				enc.SetIndent("", "  ")
				return enc.Encode(reports)
			}
			printReports(cmd.OutOrStdout(), reports)
			return nil
		},
	}

	cmd.Flags().StringVar(&opts.format, "format", "text", "Output format: text, json")
	return cmd
}

func inspectStores(cfg config.SocketFactoryConfig, now time.Time) ([]*mqtls.StoreReport, error) {
	trust, err := mqtls.InspectTrustStore(cfg.TrustStore, now)
	if err != nil {
		return nil, err
	}
	reports := []*mqtls.StoreReport{trust}

	if cfg.KeyStore != nil {
		key, err := mqtls.InspectKeyStore(*cfg.KeyStore, now)
		if err != nil {
			return nil, err
		}
		reports = append(reports, key)
	}
	return reports, nil
}

func printReports(w io.Writer, reports []*mqtls.StoreReport) {
	for i, report := range reports {
		if i > 0 {
			fmt.Fprintln(w)
		}
		fmt.Fprintf(w, "%s store %s (%s)\n", report.Role, report.Path, report.Type)
		for _, cert := range report.Certificates {
			fmt.Fprintf(w, "  %s\n", cert)
		}
	}
}

type generateOptions struct {
	dir       string
	password  string
	algorithm string
}

func newGenerateCmd(_ *globalOptions) *cobra.Command {
	opts := &generateOptions{}

	cmd := &cobra.Command{
		Use:   "generate",
		Short: "Write a development CA, trust store, client key store and server pair",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			algorithm := mqtls.KeyAlgorithm(strings.ToLower(opts.algorithm))
			switch algorithm {
			case mqtls.KeyAlgorithmECDSA, mqtls.KeyAlgorithmRSA:
			default:
				return fmt.Errorf("unsupported algorithm %q: use ecdsa or rsa", opts.algorithm)
			}

			stores, err := mqtls.GenerateDevelopmentStores(opts.dir, opts.password, algorithm)
			if err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "Trust store:  %s\n", stores.TrustStore.Path)
			fmt.Fprintf(out, "Key store:    %s\n", stores.KeyStore.Path)
			fmt.Fprintf(out, "Server cert:  %s\n", stores.ServerCert)
			fmt.Fprintf(out, "Server key:   %s\n", stores.ServerKey)
			if opts.password == config.DefaultStorePassword {
				fmt.Fprintln(out, "Stores use the default password; pass --password for anything but local testing.")
			}
			return nil
		},
	}

	cmd.Flags().StringVar(&opts.dir, "dir", "certs", "Output directory")
	cmd.Flags().StringVar(&opts.password, "password", config.DefaultStorePassword, "Password protecting the PKCS#12 stores")
	cmd.Flags().StringVar(&opts.algorithm, "algorithm", string(mqtls.KeyAlgorithmECDSA), "Key algorithm: ecdsa or rsa")
	return cmd
}
