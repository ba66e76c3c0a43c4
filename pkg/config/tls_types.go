package config

import (
	"crypto/tls"
	"fmt"
	"log/slog"
	"strings"
)

// ConfigError represents a configuration validation error
type ConfigError struct {
	Field       string
	Value       interface{}
	Reason      string
	Suggestions []string
}

func (e *ConfigError) Error() string {
	return fmt.Sprintf("configuration error in field '%s': %s", e.Field, e.Reason)
}

func (e *ConfigError) WithSuggestion(suggestion string) *ConfigError {
	e.Suggestions = append(e.Suggestions, suggestion)
	return e
}

func NewConfigMissingError(field string) *ConfigError {
	return &ConfigError{
		Field:  field,
		Reason: fmt.Sprintf("required field '%s' is missing", field),
	}
}

func NewConfigValidationError(field string, value interface{}, reason string) *ConfigError {
	return &ConfigError{
		Field:  field,
		Value:  value,
		Reason: reason,
	}
}

const (
	// StoreTypePKCS12 is the default container format for trust and key stores.
	StoreTypePKCS12 = "PKCS12"
	// StoreTypePEM accepts concatenated PEM blocks.
	StoreTypePEM = "PEM"

	DefaultTrustStorePath = "/opt/payara/certs/payara/payara-truststore.p12"
	DefaultKeyStorePath   = "/opt/payara/certs/payara/payara-client.p12"

	// DefaultStorePassword is a placeholder. Deployments must override it.
	DefaultStorePassword = "payara"
)

// StoreSpec locates a trust or key store container on disk.
type StoreSpec struct {
	Path     string `yaml:"path" json:"path"`
	Password string `yaml:"password" json:"-"`
	Type     string `yaml:"type" json:"type"`
	// SHA256 optionally pins the hex digest of the store file.
	SHA256 string `yaml:"sha256,omitempty" json:"sha256,omitempty"`
}

// LogValue keeps the password out of structured logs.
func (s StoreSpec) LogValue() slog.Value {
	return slog.GroupValue(
		slog.String("path", s.Path),
		slog.String("type", s.Type),
	)
}

func (s StoreSpec) String() string {
	return fmt.Sprintf("%s (%s)", s.Path, s.Type)
}

// NormalizedType returns the upper-cased store type, defaulting to PKCS12.
func (s StoreSpec) NormalizedType() string {
	t := strings.ToUpper(strings.TrimSpace(s.Type))
	if t == "" {
		return StoreTypePKCS12
	}
	return t
}

// Validate checks that the store can be located.
func (s StoreSpec) Validate(field string) error {
	if strings.TrimSpace(s.Path) == "" {
		return NewConfigMissingError(field + ".path").
			WithSuggestion("Provide the path of the store file")
	}
	return nil
}

// Protocol names accepted for the TLS context.
const (
	ProtocolTLS   = "TLS"
	ProtocolTLS12 = "TLSv1.2"
	ProtocolTLS13 = "TLSv1.3"
)

// ParseProtocol maps a protocol name to the minimum and maximum TLS versions.
// A zero maximum lets the platform pick the newest version.
func ParseProtocol(protocol string) (minVersion, maxVersion uint16, err error) {
	switch strings.TrimSpace(protocol) {
	case "", ProtocolTLS:
		return tls.VersionTLS12, 0, nil
	case ProtocolTLS12:
		return tls.VersionTLS12, tls.VersionTLS12, nil
	case ProtocolTLS13:
		return tls.VersionTLS13, tls.VersionTLS13, nil
	default:
		return 0, 0, fmt.Errorf("unsupported protocol %q", protocol)
	}
}

// SocketFactoryConfig is everything needed to construct a socket factory.
// A nil KeyStore builds a trust-only factory.
type SocketFactoryConfig struct {
	TrustStore       StoreSpec            `yaml:"trust_store" json:"trust_store"`
	KeyStore         *StoreSpec           `yaml:"key_store,omitempty" json:"key_store,omitempty"`
	Protocol         string               `yaml:"protocol,omitempty" json:"protocol,omitempty"`
	PeerVerification PeerVerificationMode `yaml:"peer_verification,omitempty" json:"peer_verification,omitempty"`
	CipherSuites     []string             `yaml:"cipher_suites,omitempty" json:"cipher_suites,omitempty"`
}

// DefaultSocketFactoryConfig returns the documented defaults, mutual TLS included.
func DefaultSocketFactoryConfig() SocketFactoryConfig {
	return SocketFactoryConfig{
		TrustStore: StoreSpec{
			Path:     DefaultTrustStorePath,
			Password: DefaultStorePassword,
			Type:     StoreTypePKCS12,
		},
		KeyStore: &StoreSpec{
			Path:     DefaultKeyStorePath,
			Password: DefaultStorePassword,
			Type:     StoreTypePKCS12,
		},
		Protocol:         ProtocolTLS,
		PeerVerification: PeerVerificationStrict,
	}
}

// Normalize drops a key store without a path so that an explicitly blanked
// key store disables mutual TLS.
func (c *SocketFactoryConfig) Normalize() {
	if c.KeyStore != nil && strings.TrimSpace(c.KeyStore.Path) == "" {
		c.KeyStore = nil
	}
	if c.PeerVerification == "" {
		c.PeerVerification = PeerVerificationStrict
	}
	if strings.TrimSpace(c.Protocol) == "" {
		c.Protocol = ProtocolTLS
	}
}

// UsesDefaultPasswords reports whether any configured store still relies on
// the placeholder password.
func (c SocketFactoryConfig) UsesDefaultPasswords() bool {
	if c.TrustStore.Password == DefaultStorePassword {
		return true
	}
	return c.KeyStore != nil && c.KeyStore.Password == DefaultStorePassword
}

// Validate performs validation of the socket factory configuration
func (c SocketFactoryConfig) Validate() error {
	if err := c.TrustStore.Validate("trust_store"); err != nil {
		return err
	}
	if c.KeyStore != nil {
		if err := c.KeyStore.Validate("key_store"); err != nil {
			return err
		}
	}

	if _, _, err := ParseProtocol(c.Protocol); err != nil {
		return NewConfigValidationError("protocol", c.Protocol, err.Error()).
			WithSuggestion("Use TLS, TLSv1.2 or TLSv1.3")
	}

	if _, err := ParsePeerVerification(string(c.PeerVerification)); err != nil {
		return NewConfigValidationError("peer_verification", c.PeerVerification, err.Error()).
			WithSuggestion("Use strict or trust_bundle_only")
	}

	if _, err := ParseCipherSuites(c.CipherSuites); err != nil {
		return NewConfigValidationError("cipher_suites", c.CipherSuites, err.Error()).
			WithSuggestion("Use Go cipher suite names such as TLS_ECDHE_RSA_WITH_AES_128_GCM_SHA256")
	}

	return nil
}

// ParseCipherSuites resolves cipher suite names to IDs. Insecure suites are
// rejected.
func ParseCipherSuites(names []string) ([]uint16, error) {
	if len(names) == 0 {
		return nil, nil
	}

	known := make(map[string]uint16)
	for _, suite := range tls.CipherSuites() {
		known[suite.Name] = suite.ID
	}
	insecure := make(map[string]bool)
	for _, suite := range tls.InsecureCipherSuites() {
		insecure[suite.Name] = true
	}

	ids := make([]uint16, 0, len(names))
	for _, name := range names {
		name = strings.TrimSpace(name)
		if insecure[name] {
			return nil, fmt.Errorf("insecure cipher suite %q", name)
		}
		id, ok := known[name]
		if !ok {
			return nil, fmt.Errorf("unknown cipher suite %q", name)
		}
		ids = append(ids, id)
	}
	return ids, nil
}
