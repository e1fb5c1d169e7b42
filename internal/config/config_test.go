package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/JakeFAU/proxy-harvester/internal/source"
)

func TestLoadDefaults(t *testing.T) {
	t.Parallel()

	cfg, err := Load("")
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.Pool.MaxSize != 100 || cfg.Pool.CheckIntervalSeconds != 600 {
		t.Fatalf("unexpected pool defaults: %+v", cfg.Pool)
	}
	if cfg.Store.Backend != BackendRedis || len(cfg.Redis.Addresses) != 1 {
		t.Fatalf("unexpected store defaults: %+v %+v", cfg.Store, cfg.Redis)
	}
	if cfg.Scheduler.StrictLeases {
		t.Fatal("strict leases must default to off")
	}
	if got := len(cfg.Sources); got != len(source.DefaultTables()) {
		t.Fatalf("expected built-in sources, got %d", got)
	}
	if cfg.StaleAfter() != 10*time.Minute {
		t.Fatalf("expected 10m staleness window, got %v", cfg.StaleAfter())
	}
}

func TestLoadWithFileOverrides(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	configYAML := `
server:
  port: 9090
auth:
  enabled: true
  api_key: secret
store:
  backend: memory
pool:
  max_size: 25
  check_interval_seconds: 120
scheduler:
  harvest_interval_seconds: 30
  check_interval_seconds: 0
  strict_leases: true
http:
  timeout_seconds: 45
ratelimit:
  default_rps: 2
  domains:
    - domain: www.kuaidaili.com
      rps: 0.2
logging:
  development: false
sources:
  - name: mylist
    urls: ["https://proxies.example/list"]
    row_selector: "tbody tr"
    default_scheme: http
    columns:
      ip: 0
      port: 1
      anonymity: -1
      scheme: -1
`
	if err := os.WriteFile(path, []byte(configYAML), 0o600); err != nil {
		t.Fatalf("failed to write config: %v", err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	if cfg.Server.Port != 9090 {
		t.Fatalf("expected port 9090, got %d", cfg.Server.Port)
	}
	if !cfg.Auth.Enabled || cfg.Auth.APIKey != "secret" {
		t.Fatalf("expected auth enabled with secret key")
	}
	if cfg.Store.Backend != BackendMemory || cfg.Pool.MaxSize != 25 {
		t.Fatalf("expected store and pool overrides to apply: %+v %+v", cfg.Store, cfg.Pool)
	}
	if !cfg.Scheduler.StrictLeases || cfg.HarvestInterval() != 30*time.Second || cfg.CheckInterval() != 0 {
		t.Fatalf("expected scheduler overrides to apply: %+v", cfg.Scheduler)
	}
	if cfg.RequestTimeout() != 45*time.Second {
		t.Fatalf("expected request timeout 45s, got %v", cfg.RequestTimeout())
	}
	if cfg.RateLimit.DomainRates()["www.kuaidaili.com"] != 0.2 {
		t.Fatalf("expected domain override, got %+v", cfg.RateLimit.Domains)
	}
	if len(cfg.Sources) != 1 {
		t.Fatalf("expected configured sources to replace defaults, got %d", len(cfg.Sources))
	}
	src := cfg.Sources[0]
	if src.Name != "mylist" || src.RowSelector != "tbody tr" || src.Columns.Port != 1 || src.Columns.Scheme != -1 {
		t.Fatalf("unexpected source: %+v", src)
	}
	if cfg.Logging.Development {
		t.Fatal("expected logging.development override")
	}
}

func TestLoadEnvOverrides(t *testing.T) {
	t.Setenv("HARVESTER_POOL_MAX_SIZE", "7")
	t.Setenv("HARVESTER_STORE_BACKEND", "memory")

	cfg, err := Load("")
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.Pool.MaxSize != 7 || cfg.Store.Backend != BackendMemory {
		t.Fatalf("expected env overrides, got %+v %+v", cfg.Pool, cfg.Store)
	}
}

func TestLoadMissingFile(t *testing.T) {
	t.Parallel()

	if _, err := Load(filepath.Join(t.TempDir(), "missing.yaml")); err == nil {
		t.Fatal("expected error for missing config file")
	}
}

func TestConfigValidateErrors(t *testing.T) {
	t.Parallel()

	base := Config{
		Server:  ServerConfig{Port: 8080},
		Store:   StoreConfig{Backend: BackendMemory},
		Pool:    PoolConfig{MaxSize: 10},
		HTTP:    HTTPConfig{TimeoutSeconds: 10},
		Checker: CheckerConfig{Concurrency: 1},
		Sources: []source.TableConfig{{Name: "a", URLs: []string{"http://a.example"}}},
	}

	tests := []struct {
		name   string
		mutate func(c *Config)
		want   string
	}{
		{"invalid port", func(c *Config) { c.Server.Port = 0 }, "server.port"},
		{"auth missing api key", func(c *Config) { c.Auth.Enabled = true }, "auth.api_key"},
		{"unknown backend", func(c *Config) { c.Store.Backend = "etcd" }, "store.backend"},
		{"redis without addresses", func(c *Config) { c.Store.Backend = BackendRedis }, "redis.addresses"},
		{"pool size", func(c *Config) { c.Pool.MaxSize = 0 }, "pool.max_size"},
		{"negative check interval", func(c *Config) { c.Pool.CheckIntervalSeconds = -1 }, "pool.check_interval_seconds"},
		{"invalid timeout", func(c *Config) { c.HTTP.TimeoutSeconds = 0 }, "http.timeout_seconds"},
		{"checker concurrency", func(c *Config) { c.Checker.Concurrency = 0 }, "checker.concurrency"},
		{"unnamed source", func(c *Config) { c.Sources = []source.TableConfig{{URLs: []string{"x"}}} }, "name must be set"},
		{"reserved source", func(c *Config) {
			c.Sources = []source.TableConfig{{Name: source.CheckerName, URLs: []string{"x"}}}
		}, "reserved"},
		{"duplicate source", func(c *Config) {
			c.Sources = append(c.Sources, source.TableConfig{Name: "a", URLs: []string{"y"}})
		}, "duplicated"},
		{"source without urls", func(c *Config) { c.Sources = []source.TableConfig{{Name: "b"}} }, "urls"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			c := base
			c.Sources = append([]source.TableConfig(nil), base.Sources...)
			tt.mutate(&c)
			err := c.Validate()
			if err == nil || !strings.Contains(err.Error(), tt.want) {
				t.Fatalf("expected error containing %q, got %v", tt.want, err)
			}
		})
	}

	if err := base.Validate(); err != nil {
		t.Fatalf("base config should be valid: %v", err)
	}
}

func TestPubSubEnabled(t *testing.T) {
	t.Parallel()

	if (PubSubConfig{ProjectID: "p"}).Enabled() {
		t.Fatal("topic is required")
	}
	if !(PubSubConfig{ProjectID: "p", TopicName: "t"}).Enabled() {
		t.Fatal("expected enabled")
	}
}
