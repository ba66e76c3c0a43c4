package config

import (
	"strconv"
	"strings"
	"time"
)

// Environment keys mirroring the mq.ssl.* system properties.
const (
	EnvTrustStore         = "MQ_SSL_TRUSTSTORE"
	EnvTrustStorePassword = "MQ_SSL_TRUSTSTORE_PASSWORD"
	EnvTrustStoreType     = "MQ_SSL_TRUSTSTORE_TYPE"
	EnvKeyStore           = "MQ_SSL_KEYSTORE"
	EnvKeyStorePassword   = "MQ_SSL_KEYSTORE_PASSWORD"
	EnvKeyStoreType       = "MQ_SSL_KEYSTORE_TYPE"
	EnvProtocol           = "MQ_SSL_PROTOCOL"
	EnvPeerVerification   = "MQ_SSL_PEER_VERIFICATION"
)

// LookupFunc has the shape of os.LookupEnv.
type LookupFunc func(key string) (string, bool)

// ApplyEnvOverrides applies environment overrides on top of cfg. Setting
// MQ_SSL_KEYSTORE to an empty value disables the key store.
func ApplyEnvOverrides(cfg *Config, lookup LookupFunc) {
	applyTLSEnvOverrides(&cfg.TLS, lookup)

	if val, ok := lookup("MQTLS_BROKER_URL"); ok && val != "" {
		cfg.Broker.URL = val
	}
	if val, ok := lookup("MQTLS_BROKER_CLIENT_ID"); ok && val != "" {
		cfg.Broker.ClientID = val
	}
	if val, ok := lookup("MQTLS_BROKER_USERNAME"); ok && val != "" {
		cfg.Broker.Username = val
	}
	if val, ok := lookup("MQTLS_BROKER_PASSWORD"); ok && val != "" {
		cfg.Broker.Password = val
	}
	if val, ok := lookup("MQTLS_BROKER_CONNECT_TIMEOUT"); ok && val != "" {
		if d, err := time.ParseDuration(val); err == nil {
			cfg.Broker.ConnectTimeout = d
		}
	}

	if val, ok := lookup("MQTLS_DESTINATION"); ok && val != "" {
		cfg.Listener.Destination = val
	}
	if val, ok := lookup("MQTLS_QOS"); ok && val != "" {
		if qos, err := strconv.ParseUint(val, 10, 8); err == nil {
			cfg.Listener.QoS = byte(qos)
		}
	}

	if val, ok := lookup("MQTLS_OTLP_ENDPOINT"); ok && val != "" {
		cfg.Telemetry.OTLPEndpoint = val
	}
	if val, ok := lookup("MQTLS_OTLP_INSECURE"); ok && val == "true" {
		cfg.Telemetry.Insecure = true
	}
	if val, ok := lookup("MQTLS_METRICS_ADDR"); ok && val != "" {
		cfg.Metrics.Address = val
	}
	if val, ok := lookup("MQTLS_LOG_LEVEL"); ok && val != "" {
		cfg.Logging.Level = val
	}
}

func applyTLSEnvOverrides(cfg *SocketFactoryConfig, lookup LookupFunc) {
	if val, ok := lookup(EnvTrustStore); ok && val != "" {
		cfg.TrustStore.Path = val
	}
	if val, ok := lookup(EnvTrustStorePassword); ok {
		cfg.TrustStore.Password = val
	}
	if val, ok := lookup(EnvTrustStoreType); ok && val != "" {
		cfg.TrustStore.Type = val
	}

	if val, ok := lookup(EnvKeyStore); ok {
		if strings.TrimSpace(val) == "" {
			cfg.KeyStore = nil
		} else {
			cfg.KeyStore = ensureKeyStore(cfg.KeyStore)
			cfg.KeyStore.Path = val
		}
	}
	if cfg.KeyStore != nil {
		if val, ok := lookup(EnvKeyStorePassword); ok {
			cfg.KeyStore.Password = val
		}
		if val, ok := lookup(EnvKeyStoreType); ok && val != "" {
			cfg.KeyStore.Type = val
		}
	}

	if val, ok := lookup(EnvProtocol); ok && val != "" {
		cfg.Protocol = val
	}
	if val, ok := lookup(EnvPeerVerification); ok && val != "" {
		if mode, err := ParsePeerVerification(val); err == nil {
			cfg.PeerVerification = mode
		} else {
			cfg.PeerVerification = PeerVerificationMode(val)
		}
	}
}

func ensureKeyStore(spec *StoreSpec) *StoreSpec {
	if spec != nil {
		return spec
	}
	return &StoreSpec{
		Password: DefaultStorePassword,
		Type:     StoreTypePKCS12,
	}
}
