// Package config handles YAML configuration loading with environment
// variable expansion, and seeds the store from the bootstrap section.
package config

import (
	"fmt"
	"os"
	"regexp"
	"time"

	"go.yaml.in/yaml/v3"
)

// Config is the top-level gateway configuration.
type Config struct {
	Server    ServerConfig    `yaml:"server"`
	Database  DatabaseConfig  `yaml:"database"`
	Cache     CacheConfig     `yaml:"cache"`
	Secrets   SecretsConfig   `yaml:"secrets"`
	Admin     AdminConfig     `yaml:"admin"`
	Telemetry TelemetryConfig `yaml:"telemetry"`
	Upstream  UpstreamConfig  `yaml:"upstream"`
	Bootstrap BootstrapConfig `yaml:"bootstrap"`
}

// ServerConfig holds HTTP server settings. WriteTimeout must outlast the
// longest stream, so it defaults above the upstream request timeout.
type ServerConfig struct {
	Addr            string        `yaml:"addr"`
	ReadTimeout     time.Duration `yaml:"read_timeout"`
	WriteTimeout    time.Duration `yaml:"write_timeout"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
}

// DatabaseConfig holds SQLite settings.
type DatabaseConfig struct {
	DSN string `yaml:"dsn"` // file path or ":memory:"
}

// CacheConfig holds cache tier settings. RedisURL is optional; empty runs
// the in-process tier alone.
type CacheConfig struct {
	MaxSize  int    `yaml:"max_size"`
	RedisURL string `yaml:"redis_url"`
}

// SecretsConfig holds the credential encryption key.
type SecretsConfig struct {
	Key string `yaml:"key"` // 64 hex chars (AES-256)
}

// AdminConfig guards the admin surface. An empty key disables /admin.
type AdminConfig struct {
	Key string `yaml:"key"`
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

// UpstreamConfig bounds calls to provider APIs. RequestTimeout caps unary
// calls only; streams stay open as long as the client connection does.
// Connect and token-exchange bounds are transport constants.
type UpstreamConfig struct {
	RequestTimeout time.Duration `yaml:"request_timeout"`
}

// BootstrapConfig seeds tenants, wallets, credentials and client keys on
// startup. Seeding is idempotent; existing rows are left untouched.
type BootstrapConfig struct {
	Tenants []TenantSeed `yaml:"tenants"`
}

// TenantSeed declares one tenant with its wallet, credentials and keys.
type TenantSeed struct {
	Name string `yaml:"name"`
	// Balance seeds the wallet; nil leaves the tenant without one, which
	// rejects billable calls until an operator funds it.
	Balance     *float64         `yaml:"balance"`
	Credentials []CredentialSeed `yaml:"credentials"`
	Keys        []KeySeed        `yaml:"keys"`
}

// CredentialSeed declares one provider credential.
type CredentialSeed struct {
	Provider string            `yaml:"provider"`
	Secret   string            `yaml:"secret"`
	Config   map[string]string `yaml:"config"`
	BaseURL  string            `yaml:"base_url"`
	ModelMap map[string]string `yaml:"model_map"`
	Billable bool              `yaml:"billable"`
}

// KeySeed declares one client key. Secret is the full forge- string,
// typically injected via ${ENV}; entries without one are skipped so a
// missing env var never mints surprise keys.
type KeySeed struct {
	Name   string `yaml:"name"`
	Secret string `yaml:"secret"`
	// Scopes restricts the key to these providers' credentials, by
	// provider name. Empty leaves the key unrestricted.
	Scopes []string `yaml:"scopes"`
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
			Addr:            ":8080",
			ReadTimeout:     30 * time.Second,
			WriteTimeout:    15 * time.Minute,
			ShutdownTimeout: 30 * time.Second,
		},
		Database: DatabaseConfig{
			DSN: "forge.db",
		},
		Cache: CacheConfig{
			MaxSize: 10_000,
		},
		Upstream: UpstreamConfig{
			RequestTimeout: 10 * time.Minute,
		},
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	return cfg, nil
}
