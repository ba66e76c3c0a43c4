// Package config provides configuration structures and loading logic for the
// MQ TLS client.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config holds the global configuration.
type Config struct {
	TLS       SocketFactoryConfig `yaml:"tls"`
	Broker    BrokerConfig        `yaml:"broker"`
	Listener  ListenerConfig      `yaml:"listener"`
	Telemetry TelemetryConfig     `yaml:"telemetry"`
	Metrics   MetricsConfig       `yaml:"metrics"`
	Logging   LoggingConfig       `yaml:"logging"`
}

// BrokerConfig locates the message broker.
type BrokerConfig struct {
	URL            string        `yaml:"url"`
	ClientID       string        `yaml:"client_id"`
	Username       string        `yaml:"username"`
	Password       string        `yaml:"password"`
	ConnectTimeout time.Duration `yaml:"connect_timeout"`
}

// ListenerConfig selects the destination the listener subscribes to.
type ListenerConfig struct {
	Destination string `yaml:"destination"`
	QoS         byte   `yaml:"qos"`
}

// TelemetryConfig holds configuration for OpenTelemetry.
type TelemetryConfig struct {
	OTLPEndpoint string `yaml:"otlp_endpoint"`
	Insecure     bool   `yaml:"insecure"`
	ServiceName  string `yaml:"service_name"`
}

// MetricsConfig controls the Prometheus endpoint.
type MetricsConfig struct {
	Address string `yaml:"address"`
}

// LoggingConfig holds configuration for logging.
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Pretty bool   `yaml:"pretty"`
}

// DefaultConfig returns a configuration that needs no explicit settings.
func DefaultConfig() *Config {
	return &Config{
		TLS: DefaultSocketFactoryConfig(),
		Broker: BrokerConfig{
			URL:            "ssl://localhost:8883",
			ConnectTimeout: 30 * time.Second,
		},
		Listener: ListenerConfig{
			Destination: "DEV.QUEUE.1",
			QoS:         1,
		},
		Telemetry: TelemetryConfig{
			ServiceName: "mqtls",
		},
		Logging: LoggingConfig{
			Level: "info",
		},
	}
}

// Load reads configuration from a file and applies environment variable overrides.
func Load(path string) (*Config, error) {
	cfg, err := LoadFile(path)
	if err != nil {
		return nil, err
	}

	ApplyEnvOverrides(cfg, os.LookupEnv)
	cfg.TLS.Normalize()

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}

	return cfg, nil
}

// LoadFile overlays the YAML file at path on the defaults. An empty path
// returns the defaults.
func LoadFile(path string) (*Config, error) {
	cfg := DefaultConfig()
	if path == "" {
		return cfg, nil
	}

	//nolint:gosec // Config file path is controlled by the operator
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file %s: %w", path, err)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file %s: %w", path, err)
	}
	return cfg, nil
}

// Validate checks the configuration for errors.
func (c *Config) Validate() error {
	if err := c.TLS.Validate(); err != nil {
		return fmt.Errorf("tls: %w", err)
	}
	if strings.TrimSpace(c.Broker.URL) == "" {
		return NewConfigMissingError("broker.url")
	}
	if c.Listener.QoS > 2 {
		return NewConfigValidationError("listener.qos", c.Listener.QoS, "qos must be 0, 1 or 2")
	}
	return nil
}
