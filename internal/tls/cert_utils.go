package tls

import (
	"crypto"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/pem"
	"fmt"
	"math/big"
	"net"
	"os"
	"path/filepath"
	"time"

	"software.sslmate.com/src/go-pkcs12"

	"github.com/polisai/polis-mqtls/pkg/config"
)

// KeyAlgorithm selects the key type for generated certificates.
type KeyAlgorithm string

const (
	KeyAlgorithmECDSA KeyAlgorithm = "ecdsa"
	KeyAlgorithmRSA   KeyAlgorithm = "rsa"
)

// CertificateGenerationOptions contains options for generating certificates
type CertificateGenerationOptions struct {
	CommonName   string
	Organization []string
	DNSNames     []string
	IPAddresses  []net.IP
	NotBefore    time.Time
	ValidFor     time.Duration
	IsCA         bool
	IsClientCert bool
	Algorithm    KeyAlgorithm
	RSAKeySize   int
	SerialNumber *big.Int
	Parent       *GeneratedCertificate
}

// GeneratedCertificate is a certificate together with its private key.
type GeneratedCertificate struct {
	Certificate *x509.Certificate
	PrivateKey  crypto.Signer
}

// GenerateCertificate creates a certificate signed by opts.Parent, or
// self-signed when no parent is given.
func GenerateCertificate(opts CertificateGenerationOptions) (*GeneratedCertificate, error) {
	if opts.ValidFor == 0 {
		opts.ValidFor = 365 * 24 * time.Hour
	}
	if opts.NotBefore.IsZero() {
		opts.NotBefore = time.Now().Add(-time.Minute)
	}
	if opts.CommonName == "" {
		opts.CommonName = "localhost"
	}
	if opts.SerialNumber == nil {
		serial, err := rand.Int(rand.Reader, new(big.Int).Lsh(big.NewInt(1), 127))
		if err != nil {
			return nil, fmt.Errorf("failed to generate serial number: %w", err)
		}
		opts.SerialNumber = serial
	}

	key, err := generateKey(opts)
	if err != nil {
		return nil, fmt.Errorf("failed to generate private key: %w", err)
	}

	template := x509.Certificate{
		SerialNumber: opts.SerialNumber,
		Subject: pkix.Name{
			CommonName:   opts.CommonName,
			Organization: opts.Organization,
		},
		NotBefore:             opts.NotBefore,
		NotAfter:              opts.NotBefore.Add(opts.ValidFor),
		KeyUsage:              x509.KeyUsageDigitalSignature,
		ExtKeyUsage:           []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth},
		BasicConstraintsValid: true,
		DNSNames:              opts.DNSNames,
		IPAddresses:           opts.IPAddresses,
	}
	if _, isRSA := key.(*rsa.PrivateKey); isRSA {
		template.KeyUsage |= x509.KeyUsageKeyEncipherment
	}

	switch {
	case opts.IsCA:
		template.IsCA = true
		template.KeyUsage |= x509.KeyUsageCertSign | x509.KeyUsageCRLSign
		template.ExtKeyUsage = []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth, x509.ExtKeyUsageClientAuth}
	case opts.IsClientCert:
		template.ExtKeyUsage = []x509.ExtKeyUsage{x509.ExtKeyUsageClientAuth}
	}

	parentCert := &template
	var parentKey crypto.Signer = key
	if opts.Parent != nil {
		parentCert = opts.Parent.Certificate
		parentKey = opts.Parent.PrivateKey
	}

	der, err := x509.CreateCertificate(rand.Reader, &template, parentCert, key.Public(), parentKey)
	if err != nil {
		return nil, fmt.Errorf("failed to create certificate: %w", err)
	}
	cert, err := x509.ParseCertificate(der)
	if err != nil {
		return nil, fmt.Errorf("failed to parse generated certificate: %w", err)
	}

	return &GeneratedCertificate{Certificate: cert, PrivateKey: key}, nil
}

func generateKey(opts CertificateGenerationOptions) (crypto.Signer, error) {
	switch opts.Algorithm {
	case KeyAlgorithmRSA:
		size := opts.RSAKeySize
		if size == 0 {
			size = 2048
		}
		return rsa.GenerateKey(rand.Reader, size)
	case KeyAlgorithmECDSA, "":
		return ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	default:
		return nil, fmt.Errorf("unsupported key algorithm %q", opts.Algorithm)
	}
}

// EncodeTrustStore serialises certs in the given store format.
func EncodeTrustStore(storeType string, certs []*x509.Certificate, password string) ([]byte, error) {
	switch storeType {
	case config.StoreTypePKCS12:
		return pkcs12.Modern.EncodeTrustStore(certs, password)
	case config.StoreTypePEM:
		var out []byte
		for _, cert := range certs {
			out = append(out, pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: cert.Raw})...)
		}
		return out, nil
	default:
		return nil, NewStoreTypeError(storeType)
	}
}

// EncodeKeyStore serialises a key, its certificate and the issuing chain in
// the given store format.
func EncodeKeyStore(storeType string, leaf *GeneratedCertificate, chain []*x509.Certificate, password string) ([]byte, error) {
	switch storeType {
	case config.StoreTypePKCS12:
		return pkcs12.Modern.Encode(leaf.PrivateKey, leaf.Certificate, chain, password)
	case config.StoreTypePEM:
		keyDER, err := x509.MarshalPKCS8PrivateKey(leaf.PrivateKey)
		if err != nil {
			return nil, fmt.Errorf("failed to marshal private key: %w", err)
		}
		out := pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: leaf.Certificate.Raw})
		for _, cert := range chain {
			out = append(out, pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: cert.Raw})...)
		}
		out = append(out, pem.EncodeToMemory(&pem.Block{Type: "PRIVATE KEY", Bytes: keyDER})...)
		return out, nil
	default:
		return nil, NewStoreTypeError(storeType)
	}
}

// WriteTrustStore writes a trust store to spec.Path.
func WriteTrustStore(spec config.StoreSpec, certs []*x509.Certificate) error {
	data, err := EncodeTrustStore(spec.NormalizedType(), certs, spec.Password)
	if err != nil {
		return err
	}
	if err := os.WriteFile(spec.Path, data, 0644); err != nil {
		return fmt.Errorf("failed to write trust store: %w", err)
	}
	return nil
}

// WriteKeyStore writes a key store to spec.Path with owner-only permissions.
func WriteKeyStore(spec config.StoreSpec, leaf *GeneratedCertificate, chain []*x509.Certificate) error {
	data, err := EncodeKeyStore(spec.NormalizedType(), leaf, chain, spec.Password)
	if err != nil {
		return err
	}
	if err := os.WriteFile(spec.Path, data, 0600); err != nil {
		return fmt.Errorf("failed to write key store: %w", err)
	}
	return nil
}

// DevelopmentStores lists the files written by GenerateDevelopmentStores.
type DevelopmentStores struct {
	CA         *GeneratedCertificate
	Server     *GeneratedCertificate
	Client     *GeneratedCertificate
	TrustStore config.StoreSpec
	KeyStore   config.StoreSpec
	ServerCert string
	ServerKey  string
}

// GenerateDevelopmentStores creates a CA, a localhost server certificate and
// a client certificate, then writes a PKCS12 trust store, a PKCS12 client key
// store and a PEM server pair into dir.
func GenerateDevelopmentStores(dir, password string, algorithm KeyAlgorithm) (*DevelopmentStores, error) {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create store directory: %w", err)
	}

	ca, err := GenerateCertificate(CertificateGenerationOptions{
		CommonName:   "mqtls Development CA",
		Organization: []string{"mqtls"},
		IsCA:         true,
		ValidFor:     10 * 365 * 24 * time.Hour,
		Algorithm:    algorithm,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to generate CA certificate: %w", err)
	}

	server, err := GenerateCertificate(CertificateGenerationOptions{
		CommonName:   "localhost",
		Organization: []string{"mqtls"},
		DNSNames:     []string{"localhost"},
		IPAddresses:  []net.IP{net.IPv4(127, 0, 0, 1), net.IPv6loopback},
		Algorithm:    algorithm,
		Parent:       ca,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to generate server certificate: %w", err)
	}

	client, err := GenerateCertificate(CertificateGenerationOptions{
		CommonName:   "mqtls-client",
		Organization: []string{"mqtls"},
		IsClientCert: true,
		Algorithm:    algorithm,
		Parent:       ca,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to generate client certificate: %w", err)
	}

	stores := &DevelopmentStores{
		CA:     ca,
		Server: server,
		Client: client,
		TrustStore: config.StoreSpec{
			Path:     filepath.Join(dir, "truststore.p12"),
			Password: password,
			Type:     config.StoreTypePKCS12,
		},
		KeyStore: config.StoreSpec{
			Path:     filepath.Join(dir, "client.p12"),
			Password: password,
			Type:     config.StoreTypePKCS12,
		},
		ServerCert: filepath.Join(dir, "server.crt"),
		ServerKey:  filepath.Join(dir, "server.key"),
	}

	if err := WriteTrustStore(stores.TrustStore, []*x509.Certificate{ca.Certificate}); err != nil {
		return nil, err
	}
	if err := WriteKeyStore(stores.KeyStore, client, []*x509.Certificate{ca.Certificate}); err != nil {
		return nil, err
	}
	if err := writeServerPair(server, stores.ServerCert, stores.ServerKey); err != nil {
		return nil, err
	}

	return stores, nil
}

func writeServerPair(server *GeneratedCertificate, certFile, keyFile string) error {
	certPEM := pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: server.Certificate.Raw})
	keyDER, err := x509.MarshalPKCS8PrivateKey(server.PrivateKey)
	if err != nil {
		return fmt.Errorf("failed to marshal private key: %w", err)
	}
	keyPEM := pem.EncodeToMemory(&pem.Block{Type: "PRIVATE KEY", Bytes: keyDER})

	if err := os.WriteFile(certFile, certPEM, 0644); err != nil {
		return fmt.Errorf("failed to write certificate file: %w", err)
	}
	if err := os.WriteFile(keyFile, keyPEM, 0600); err != nil {
		return fmt.Errorf("failed to write key file: %w", err)
	}
	return nil
}
