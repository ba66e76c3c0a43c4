package tls

import (
	"crypto/rand"
	"crypto/tls"
	"crypto/x509"
	"errors"
	"fmt"

	"github.com/polisai/polis-mqtls/pkg/config"
)

// BuildClientConfig assembles the TLS context for outbound connections from
// the loaded material. key may be nil for a trust-only context.
func BuildClientConfig(trust *TrustMaterial, key *KeyMaterial, cfg config.SocketFactoryConfig) (*tls.Config, error) {
	if trust == nil {
		return nil, NewConfigMissingError("trust_store")
	}

	minVersion, maxVersion, err := config.ParseProtocol(cfg.Protocol)
	if err != nil {
		return nil, NewConfigValidationError("protocol", cfg.Protocol, err.Error())
	}

	cipherSuites, err := config.ParseCipherSuites(cfg.CipherSuites)
	if err != nil {
		return nil, NewConfigValidationError("cipher_suites", cfg.CipherSuites, err.Error())
	}

	mode, err := config.ParsePeerVerification(string(cfg.PeerVerification))
	if err != nil {
		return nil, NewConfigValidationError("peer_verification", cfg.PeerVerification, err.Error())
	}

	clientConfig := &tls.Config{
		Rand:         rand.Reader,
		MinVersion:   minVersion,
		MaxVersion:   maxVersion,
		CipherSuites: cipherSuites,
		RootCAs:      trust.CertPool(),
	}

	if key != nil {
		clientConfig.Certificates = []tls.Certificate{key.Certificate}
	}

	switch mode {
	case config.PeerVerificationStrict:
		// Chain and hostname checks are done by crypto/tls.
	case config.PeerVerificationTrustBundleOnly:
		// SAN matching is skipped; the chain is still verified against the
		// trust store on every handshake.
		clientConfig.InsecureSkipVerify = true
		clientConfig.VerifyConnection = verifyChainOnly(trust.CertPool())
	default:
		return nil, fmt.Errorf("unsupported peer verification mode %q", mode)
	}

	return clientConfig, nil
}

func verifyChainOnly(roots *x509.CertPool) func(tls.ConnectionState) error {
	return func(state tls.ConnectionState) error {
		if len(state.PeerCertificates) == 0 {
			return errors.New("peer presented no certificate")
		}

		intermediates := x509.NewCertPool()
		for _, cert := range state.PeerCertificates[1:] {
			intermediates.AddCert(cert)
		}

		_, err := state.PeerCertificates[0].Verify(x509.VerifyOptions{
			Roots:         roots,
			Intermediates: intermediates,
			KeyUsages:     []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth},
		})
		return err
	}
}
