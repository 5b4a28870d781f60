package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func writeConfig(t *testing.T, yaml string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "test.yaml")
	if err := os.WriteFile(path, []byte(yaml), 0o644); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestLoad(t *testing.T) {
	t.Parallel()

	yaml := `
server:
  addr: ":9090"
  read_timeout: 10s
  write_timeout: 20m
database:
  dsn: ":memory:"
cache:
  max_size: 500
  redis_url: redis://localhost:6379/0
secrets:
  key: 0123456789abcdef0123456789abcdef0123456789abcdef0123456789abcdef
admin:
  key: admin-test-key
telemetry:
  metrics:
    enabled: true
  tracing:
    enabled: true
    endpoint: localhost:4317
    sample_rate: 0.5
upstream:
  request_timeout: 5m
bootstrap:
  tenants:
    - name: acme
      balance: 25.0
      credentials:
        - provider: openai
          secret: sk-test
          billable: true
      keys:
        - name: ci
          secret: forge-00112233445566778899aabbccddeeff0011
          scopes: [openai]
`
	cfg, err := Load(writeConfig(t, yaml))
	if err != nil {
		t.Fatal(err)
	}

	if cfg.Server.Addr != ":9090" {
		t.Errorf("addr = %q, want :9090", cfg.Server.Addr)
	}
	if cfg.Server.WriteTimeout != 20*time.Minute {
		t.Errorf("write_timeout = %v, want 20m", cfg.Server.WriteTimeout)
	}
	if cfg.Database.DSN != ":memory:" {
		t.Errorf("dsn = %q, want :memory:", cfg.Database.DSN)
	}
	if cfg.Cache.MaxSize != 500 || cfg.Cache.RedisURL == "" {
		t.Errorf("cache = %+v", cfg.Cache)
	}
	if len(cfg.Secrets.Key) != 64 {
		t.Errorf("secrets key length = %d, want 64", len(cfg.Secrets.Key))
	}
	if cfg.Admin.Key != "admin-test-key" {
		t.Errorf("admin key = %q", cfg.Admin.Key)
	}
	if !cfg.Telemetry.Metrics.Enabled || !cfg.Telemetry.Tracing.Enabled {
		t.Errorf("telemetry = %+v", cfg.Telemetry)
	}
	if cfg.Telemetry.Tracing.SampleRate != 0.5 {
		t.Errorf("sample_rate = %v, want 0.5", cfg.Telemetry.Tracing.SampleRate)
	}
	if cfg.Upstream.RequestTimeout != 5*time.Minute {
		t.Errorf("request_timeout = %v, want 5m", cfg.Upstream.RequestTimeout)
	}

	if len(cfg.Bootstrap.Tenants) != 1 {
		t.Fatalf("tenants = %d, want 1", len(cfg.Bootstrap.Tenants))
	}
	ts := cfg.Bootstrap.Tenants[0]
	if ts.Name != "acme" {
		t.Errorf("tenant name = %q", ts.Name)
	}
	if ts.Balance == nil || *ts.Balance != 25.0 {
		t.Errorf("balance = %v, want 25.0", ts.Balance)
	}
	if len(ts.Credentials) != 1 || ts.Credentials[0].Provider != "openai" || !ts.Credentials[0].Billable {
		t.Errorf("credentials = %+v", ts.Credentials)
	}
	if len(ts.Keys) != 1 || len(ts.Keys[0].Scopes) != 1 {
		t.Errorf("keys = %+v", ts.Keys)
	}
}

func TestLoadDefaults(t *testing.T) {
	t.Parallel()

	cfg, err := Load(writeConfig(t, `{}`))
	if err != nil {
		t.Fatal(err)
	}

	if cfg.Server.Addr != ":8080" {
		t.Errorf("default addr = %q, want :8080", cfg.Server.Addr)
	}
	if cfg.Server.WriteTimeout <= cfg.Upstream.RequestTimeout {
		t.Errorf("default write_timeout %v must outlast the upstream request timeout %v",
			cfg.Server.WriteTimeout, cfg.Upstream.RequestTimeout)
	}
	if cfg.Database.DSN != "forge.db" {
		t.Errorf("default dsn = %q, want forge.db", cfg.Database.DSN)
	}
	if cfg.Cache.MaxSize != 10_000 {
		t.Errorf("default cache max_size = %d, want 10000", cfg.Cache.MaxSize)
	}
	if cfg.Cache.RedisURL != "" {
		t.Errorf("redis should default off, got %q", cfg.Cache.RedisURL)
	}
	if cfg.Upstream.RequestTimeout != 10*time.Minute {
		t.Errorf("default request_timeout = %v, want 10m", cfg.Upstream.RequestTimeout)
	}
	if cfg.Admin.Key != "" {
		t.Error("admin surface should default off")
	}
	if cfg.Telemetry.Metrics.Enabled || cfg.Telemetry.Tracing.Enabled {
		t.Error("telemetry should default off")
	}
}

func TestExpandEnv(t *testing.T) {
	// Cannot use t.Parallel() with t.Setenv.
	t.Setenv("FORGE_TEST_SECRET", "sk-secret-123")

	result := expandEnv([]byte("secret: ${FORGE_TEST_SECRET}"))
	if string(result) != "secret: sk-secret-123" {
		t.Errorf("expandEnv = %q, want expanded value", string(result))
	}

	// Unset variables pass through untouched so the YAML error points at
	// the literal placeholder.
	result = expandEnv([]byte("secret: ${FORGE_TEST_UNSET_VAR}"))
	if string(result) != "secret: ${FORGE_TEST_UNSET_VAR}" {
		t.Errorf("expandEnv = %q, want placeholder kept", string(result))
	}
}

func TestExpandEnvInLoad(t *testing.T) {
	t.Setenv("FORGE_TEST_ADMIN", "from-env")

	cfg, err := Load(writeConfig(t, "admin:\n  key: ${FORGE_TEST_ADMIN}\n"))
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Admin.Key != "from-env" {
		t.Errorf("admin key = %q, want from-env", cfg.Admin.Key)
	}
}

func TestLoadMissingFile(t *testing.T) {
	t.Parallel()

	if _, err := Load(filepath.Join(t.TempDir(), "absent.yaml")); err == nil {
		t.Fatal("expected error for missing file")
	}
}

func TestLoadMalformedYAML(t *testing.T) {
	t.Parallel()

	if _, err := Load(writeConfig(t, "server: [not a map")); err == nil {
		t.Fatal("expected parse error")
	}
}
