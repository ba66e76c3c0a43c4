package tls

import (
	"crypto"
	"crypto/tls"
	"crypto/x509"
	"encoding/pem"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"github.com/polisai/polis-mqtls/pkg/config"
	"software.sslmate.com/src/go-pkcs12"
)

// StoreDecoder turns the raw bytes of a store container into certificates and
// keys. Implementations must not retain the password.
type StoreDecoder interface {
	// DecodeTrustStore returns every trusted certificate in the container.
	DecodeTrustStore(data []byte, password string) ([]*x509.Certificate, error)
	// DecodeKeyStore returns the single private key, its leaf certificate and
	// the remaining chain.
	DecodeKeyStore(data []byte, password string) (crypto.PrivateKey, *x509.Certificate, []*x509.Certificate, error)
}

// ErrIncorrectPassword is returned by decoders when the password does not
// open the container.
var ErrIncorrectPassword = errors.New("incorrect store password")

var (
	decodersMu sync.RWMutex
	decoders   = map[string]StoreDecoder{
		config.StoreTypePKCS12: pkcs12Decoder{},
		config.StoreTypePEM:    pemDecoder{},
	}
)

// RegisterStoreDecoder makes a container format available under storeType.
// Type names are case-insensitive.
func RegisterStoreDecoder(storeType string, decoder StoreDecoder) {
	decodersMu.Lock()
	defer decodersMu.Unlock()
	decoders[strings.ToUpper(strings.TrimSpace(storeType))] = decoder
}

// RegisteredStoreTypes lists the known store types in sorted order.
func RegisteredStoreTypes() []string {
	decodersMu.RLock()
	defer decodersMu.RUnlock()
	types := make([]string, 0, len(decoders))
	for t := range decoders {
		types = append(types, t)
	}
	sort.Strings(types)
	return types
}

func decoderFor(storeType string) (StoreDecoder, bool) {
	decodersMu.RLock()
	defer decodersMu.RUnlock()
	d, ok := decoders[storeType]
	return d, ok
}

// TrustMaterial is the immutable set of certificate authorities a factory
// accepts as anchors.
type TrustMaterial struct {
	Source       string
	Certificates []*x509.Certificate
	pool         *x509.CertPool
}

// CertPool returns the pool built from the trusted certificates.
func (m *TrustMaterial) CertPool() *x509.CertPool {
	return m.pool
}

// KeyMaterial is a private key and the certificate chain presented for it.
type KeyMaterial struct {
	Source      string
	Certificate tls.Certificate
	Chain       []*x509.Certificate
}

// Leaf returns the end-entity certificate.
func (m *KeyMaterial) Leaf() *x509.Certificate {
	return m.Certificate.Leaf
}

// LoadTrustMaterial reads and decodes the trust store described by spec.
func LoadTrustMaterial(spec config.StoreSpec) (*TrustMaterial, error) {
	storeType := spec.NormalizedType()
	decoder, ok := decoderFor(storeType)
	if !ok {
		return nil, NewStoreTypeError(spec.Type)
	}

	path := filepath.Clean(spec.Path)
	data, err := readStoreFile(path)
	if err != nil {
		return nil, err
	}
	if err := spec.VerifyChecksum(data); err != nil {
		return nil, NewStoreContentError(path, err.Error())
	}

	certs, err := decoder.DecodeTrustStore(data, spec.Password)
	if err != nil {
		return nil, classifyDecodeError(path, storeType, err)
	}
	if len(certs) == 0 {
		return nil, NewStoreContentError(path, "no trusted certificates found")
	}

	pool := x509.NewCertPool()
	for _, cert := range certs {
		pool.AddCert(cert)
	}

	return &TrustMaterial{
		Source:       path,
		Certificates: certs,
		pool:         pool,
	}, nil
}

// LoadKeyMaterial reads and decodes the key store described by spec.
func LoadKeyMaterial(spec config.StoreSpec) (*KeyMaterial, error) {
	storeType := spec.NormalizedType()
	decoder, ok := decoderFor(storeType)
	if !ok {
		return nil, NewStoreTypeError(spec.Type)
	}

	path := filepath.Clean(spec.Path)
	data, err := readStoreFile(path)
	if err != nil {
		return nil, err
	}
	if err := spec.VerifyChecksum(data); err != nil {
		return nil, NewStoreContentError(path, err.Error())
	}

	key, leaf, chain, err := decoder.DecodeKeyStore(data, spec.Password)
	if err != nil {
		return nil, classifyDecodeError(path, storeType, err)
	}
	if key == nil || leaf == nil {
		return nil, NewStoreContentError(path, "no private key entry found")
	}
	if err := checkKeyMatchesCertificate(key, leaf); err != nil {
		return nil, NewStoreContentError(path, err.Error())
	}

	raw := make([][]byte, 0, len(chain)+1)
	raw = append(raw, leaf.Raw)
	for _, cert := range chain {
		raw = append(raw, cert.Raw)
	}

	return &KeyMaterial{
		Source: path,
		Certificate: tls.Certificate{
			Certificate: raw,
			PrivateKey:  key,
			Leaf:        leaf,
		},
		Chain: chain,
	}, nil
}

func readStoreFile(path string) ([]byte, error) {
	//nolint:gosec // Store paths come from operator configuration
	data, err := os.ReadFile(path)
	switch {
	case err == nil:
		return data, nil
	case errors.Is(err, fs.ErrNotExist):
		return nil, NewFileNotFoundError(path)
	case errors.Is(err, fs.ErrPermission):
		return nil, NewFilePermissionError(path, "read")
	default:
		return nil, NewTLSErrorWithCause(ErrorTypeFileAccess, "failed to read store file", err).
			WithContext("file_path", path)
	}
}

func classifyDecodeError(path, storeType string, err error) error {
	if errors.Is(err, ErrIncorrectPassword) || errors.Is(err, pkcs12.ErrIncorrectPassword) {
		return NewStorePasswordError(path, err)
	}
	return NewStoreDecodeError(path, storeType, err)
}

type publicKeyEqualer interface {
	Equal(crypto.PublicKey) bool
}

func checkKeyMatchesCertificate(key crypto.PrivateKey, leaf *x509.Certificate) error {
	signer, ok := key.(crypto.Signer)
	if !ok {
		return fmt.Errorf("private key of type %T cannot sign", key)
	}
	pub, ok := signer.Public().(publicKeyEqualer)
	if !ok || !pub.Equal(leaf.PublicKey) {
		return errors.New("private key does not match certificate")
	}
	return nil
}

// pkcs12Decoder reads PKCS#12 containers as written by keytool and openssl.
type pkcs12Decoder struct{}

func (pkcs12Decoder) DecodeTrustStore(data []byte, password string) ([]*x509.Certificate, error) {
	return pkcs12.DecodeTrustStore(data, password)
}

func (pkcs12Decoder) DecodeKeyStore(data []byte, password string) (crypto.PrivateKey, *x509.Certificate, []*x509.Certificate, error) {
	return pkcs12.DecodeChain(data, password)
}

// pemDecoder reads concatenated PEM blocks. PEM stores carry no password; the
// configured password is ignored.
type pemDecoder struct{}

func (pemDecoder) DecodeTrustStore(data []byte, _ string) ([]*x509.Certificate, error) {
	var certs []*x509.Certificate
	for {
		var block *pem.Block
		block, data = pem.Decode(data)
		if block == nil {
			break
		}
		if block.Type != "CERTIFICATE" {
			continue
		}
		cert, err := x509.ParseCertificate(block.Bytes)
		if err != nil {
			return nil, fmt.Errorf("parse certificate: %w", err)
		}
		certs = append(certs, cert)
	}
	if len(certs) == 0 {
		return nil, errors.New("no PEM certificates found")
	}
	return certs, nil
}

func (pemDecoder) DecodeKeyStore(data []byte, _ string) (crypto.PrivateKey, *x509.Certificate, []*x509.Certificate, error) {
	pair, err := tls.X509KeyPair(data, data)
	if err != nil {
		return nil, nil, nil, err
	}

	certs := make([]*x509.Certificate, 0, len(pair.Certificate))
	for _, der := range pair.Certificate {
		cert, err := x509.ParseCertificate(der)
		if err != nil {
			return nil, nil, nil, fmt.Errorf("parse certificate: %w", err)
		}
		certs = append(certs, cert)
	}
	return pair.PrivateKey, certs[0], certs[1:], nil
}
