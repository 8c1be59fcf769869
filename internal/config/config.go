// Package config handles YAML configuration loading with environment variable expansion.
package config

import (
	"fmt"
	"os"
	"regexp"
	"time"

	"github.com/eugener/chatgate/internal/crypto"
	"go.yaml.in/yaml/v3"
)

// Config is the top-level gateway configuration.
type Config struct {
	Server     ServerConfig    `yaml:"server"`
	Database   DatabaseConfig  `yaml:"database"`
	Auth       AuthConfig      `yaml:"auth"`
	RateLimits RateLimitConfig `yaml:"rate_limits"`
	Telemetry  TelemetryConfig `yaml:"telemetry"`
	Providers  []ProviderEntry `yaml:"providers"`
}

// TelemetryConfig holds observability settings.
type TelemetryConfig struct {
	Metrics MetricsConfig `yaml:"metrics"`
	Tracing TracingConfig `yaml:"tracing"`
}

// MetricsConfig controls Prometheus metrics.
type MetricsConfig struct {
	Enabled bool `yaml:"enabled"`
}

// TracingConfig controls OpenTelemetry tracing.
type TracingConfig struct {
	Enabled    bool    `yaml:"enabled"`
	Endpoint   string  `yaml:"endpoint"`    // OTLP gRPC endpoint
	SampleRate float64 `yaml:"sample_rate"` // 0.0 to 1.0
}

// RateLimitConfig holds the policy table applied by internal/ratelimit.
// A zero Limit leaves that class at the package default.
type RateLimitConfig struct {
	AuthPerMinute int64 `yaml:"auth_per_minute"`
	ChatPerMinute int64 `yaml:"chat_per_minute"`
	FilePerMinute int64 `yaml:"file_per_minute"`
}

// ServerConfig holds HTTP/WebSocket transport settings.
type ServerConfig struct {
	Addr                  string        `yaml:"addr"`
	ReadTimeout           time.Duration `yaml:"read_timeout"`
	WriteTimeout          time.Duration `yaml:"write_timeout"`
	ShutdownTimeout       time.Duration `yaml:"shutdown_timeout"`
	ConnectionIdleTimeout time.Duration `yaml:"connection_idle_timeout"`
	MaxRequestBytes       int64         `yaml:"max_request_bytes"`
}

// DatabaseConfig holds SQLite settings.
type DatabaseConfig struct {
	DSN string `yaml:"dsn"` // file path or ":memory:"
}

// AuthConfig holds authentication settings. TokenSigningSecret has no
// default: Load fails closed if it is empty, since it guards session
// tokens. EncryptionKeyPassphrase guards stored provider keys and may be
// left empty only if crypto.EncryptionKeyEnvVar supplies a raw key instead.
type AuthConfig struct {
	EncryptionKeyPassphrase string        `yaml:"encryption_key_passphrase"`
	TokenSigningSecret      string        `yaml:"token_signing_secret"`
	TokenTTL                time.Duration `yaml:"token_ttl"`
}

// ProviderEntry configures one adapter instance and, optionally, a
// process-default API key used when a user has none of their own stored.
type ProviderEntry struct {
	Name          string `yaml:"name"`
	BaseURL       string `yaml:"base_url"`
	DefaultAPIKey string `yaml:"default_api_key"`
}

var envPattern = regexp.MustCompile(`\$\{([^}]+)\}`)

// expandEnv replaces ${VAR} patterns with environment variable values.
func expandEnv(data []byte) []byte {
	return envPattern.ReplaceAllFunc(data, func(match []byte) []byte {
		varName := string(match[2 : len(match)-1])
		if val, ok := os.LookupEnv(varName); ok {
			return []byte(val)
		}
		return match
	})
}

// Load reads and parses a YAML config file, expanding environment variables.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}
	data = expandEnv(data)

	cfg := &Config{
		Server: ServerConfig{
			Addr:                  ":8080",
			ReadTimeout:           30 * time.Second,
			WriteTimeout:          120 * time.Second,
			ShutdownTimeout:       30 * time.Second,
			ConnectionIdleTimeout: 5 * time.Minute,
			MaxRequestBytes:       1 << 20,
		},
		Database: DatabaseConfig{
			DSN: "chatgate.db",
		},
		Auth: AuthConfig{
			TokenTTL: 24 * time.Hour,
		},
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) validate() error {
	if c.Auth.EncryptionKeyPassphrase == "" && os.Getenv(crypto.EncryptionKeyEnvVar) == "" {
		return fmt.Errorf("config: auth.encryption_key_passphrase or %s is required", crypto.EncryptionKeyEnvVar)
	}
	if c.Auth.TokenSigningSecret == "" {
		return fmt.Errorf("config: auth.token_signing_secret is required")
	}
	return nil
}

// ProviderDefaults returns the process-default API key per provider name,
// for internal/credential.Store's resolution fallback.
func (c *Config) ProviderDefaults() map[string]string {
	out := make(map[string]string, len(c.Providers))
	for _, p := range c.Providers {
		if p.DefaultAPIKey != "" {
			out[p.Name] = p.DefaultAPIKey
		}
	}
	return out
}
