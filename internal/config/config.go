// Package config loads and validates harvester configuration via Viper.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/JakeFAU/proxy-harvester/internal/source"
)

// Store backends.
const (
	BackendRedis  = "redis"
	BackendMemory = "memory"
)

// Config captures all service configuration knobs loaded via Viper.
type Config struct {
	Server    ServerConfig         `mapstructure:"server"`
	Auth      AuthConfig           `mapstructure:"auth"`
	Logging   LoggingConfig        `mapstructure:"logging"`
	Store     StoreConfig          `mapstructure:"store"`
	Redis     RedisConfig          `mapstructure:"redis"`
	Pool      PoolConfig           `mapstructure:"pool"`
	Scheduler SchedulerConfig      `mapstructure:"scheduler"`
	HTTP      HTTPConfig           `mapstructure:"http"`
	RateLimit RateLimitConfig      `mapstructure:"ratelimit"`
	Checker   CheckerConfig        `mapstructure:"checker"`
	Sources   []source.TableConfig `mapstructure:"sources"`
	PubSub    PubSubConfig         `mapstructure:"pubsub"`
}

// ServerConfig controls HTTP server behavior.
type ServerConfig struct {
	Port int `mapstructure:"port"`
}

// AuthConfig defines API authentication toggles.
type AuthConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	APIKey  string `mapstructure:"api_key"`
}

// LoggingConfig toggles zap development features and the minimum level.
type LoggingConfig struct {
	Development bool   `mapstructure:"development"`
	Level       string `mapstructure:"level"`
}

// StoreConfig selects the key-value backend.
type StoreConfig struct {
	Backend string `mapstructure:"backend"`
}

// RedisConfig mirrors the go-redis universal options we expose. Mode is single, cluster or sentinel.
type RedisConfig struct {
	Mode           string   `mapstructure:"mode"`
	Addresses      []string `mapstructure:"addresses"`
	Username       string   `mapstructure:"username"`
	Password       string   `mapstructure:"password"`
	DB             int      `mapstructure:"db"`
	SentinelMaster string   `mapstructure:"sentinel_master"`
	PoolSize       int      `mapstructure:"pool_size"`
	DialTimeoutMs  int      `mapstructure:"dial_timeout_ms"`
	ReadTimeoutMs  int      `mapstructure:"read_timeout_ms"`
	WriteTimeoutMs int      `mapstructure:"write_timeout_ms"`
}

// PoolConfig sizes the proxy pool.
type PoolConfig struct {
	// MaxSize stops harvesting once the pool holds this many records.
	MaxSize int `mapstructure:"max_size"`
	// CheckIntervalSeconds is the staleness window for re-validation.
	CheckIntervalSeconds int `mapstructure:"check_interval_seconds"`
}

// SchedulerConfig controls the periodic scheduling loop.
type SchedulerConfig struct {
	HarvestIntervalSeconds int    `mapstructure:"harvest_interval_seconds"`
	CheckIntervalSeconds   int    `mapstructure:"check_interval_seconds"`
	StrictLeases           bool   `mapstructure:"strict_leases"`
	ReleaseTimeoutSeconds  int    `mapstructure:"release_timeout_seconds"`
	Topic                  string `mapstructure:"topic"`
}

// HTTPConfig configures the scraping client.
type HTTPConfig struct {
	TimeoutSeconds int    `mapstructure:"timeout_seconds"`
	UserAgent      string `mapstructure:"user_agent"`
}

// RateLimitConfig throttles requests per source domain.
type RateLimitConfig struct {
	DefaultRPS   float64       `mapstructure:"default_rps"`
	DefaultBurst int           `mapstructure:"default_burst"`
	Domains      []DomainLimit `mapstructure:"domains"`
}

// DomainLimit overrides the default rate for one host. Hosts are listed rather than keyed because
// Viper splits map keys on dots.
type DomainLimit struct {
	Domain string  `mapstructure:"domain"`
	RPS    float64 `mapstructure:"rps"`
}

// DomainRates flattens Domains into a lookup map.
func (r RateLimitConfig) DomainRates() map[string]float64 {
	out := make(map[string]float64, len(r.Domains))
	for _, d := range r.Domains {
		out[d.Domain] = d.RPS
	}
	return out
}

// CheckerConfig controls proxy re-validation.
type CheckerConfig struct {
	URL            string `mapstructure:"url"`
	TimeoutSeconds int    `mapstructure:"timeout_seconds"`
	Concurrency    int    `mapstructure:"concurrency"`
}

// PubSubConfig holds metadata for completion notifications.
type PubSubConfig struct {
	ProjectID string `mapstructure:"project_id"`
	TopicName string `mapstructure:"topic_name"`
}

// Enabled reports whether both project and topic are configured.
func (p PubSubConfig) Enabled() bool {
	return p.ProjectID != "" && p.TopicName != ""
}

// Load builds a Config from disk/environment.
func Load(path string) (Config, error) {
	v := viper.New()
	v.SetEnvPrefix("HARVESTER")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("read config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("unmarshal config: %w", err)
	}
	if len(cfg.Sources) == 0 {
		cfg.Sources = source.DefaultTables()
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}

	return cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.port", 8080)
	v.SetDefault("logging.development", true)
	v.SetDefault("logging.level", "")
	v.SetDefault("store.backend", BackendRedis)
	v.SetDefault("redis.mode", "single")
	v.SetDefault("redis.addresses", []string{"127.0.0.1:6379"})
	v.SetDefault("redis.pool_size", 10)
	v.SetDefault("redis.dial_timeout_ms", 5000)
	v.SetDefault("redis.read_timeout_ms", 3000)
	v.SetDefault("redis.write_timeout_ms", 3000)
	v.SetDefault("pool.max_size", 100)
	v.SetDefault("pool.check_interval_seconds", 600)
	v.SetDefault("scheduler.harvest_interval_seconds", 300)
	v.SetDefault("scheduler.check_interval_seconds", 600)
	v.SetDefault("scheduler.strict_leases", false)
	v.SetDefault("scheduler.release_timeout_seconds", 10)
	v.SetDefault("scheduler.topic", "harvest-runs")
	v.SetDefault("http.timeout_seconds", 20)
	v.SetDefault("http.user_agent", "")
	v.SetDefault("ratelimit.default_rps", 0.5)
	v.SetDefault("ratelimit.default_burst", 1)
	v.SetDefault("checker.url", "http://httpbin.org/ip")
	v.SetDefault("checker.timeout_seconds", 10)
	v.SetDefault("checker.concurrency", 16)
}

// Validate enforces required values and reasonable limits.
func (c Config) Validate() error {
	if c.Server.Port <= 0 {
		return fmt.Errorf("server.port must be > 0")
	}
	if c.Auth.Enabled && c.Auth.APIKey == "" {
		return fmt.Errorf("auth.api_key must be set when auth is enabled")
	}
	switch c.Store.Backend {
	case BackendMemory:
	case BackendRedis:
		if len(c.Redis.Addresses) == 0 {
			return fmt.Errorf("redis.addresses must be set for the redis backend")
		}
	default:
		return fmt.Errorf("store.backend must be %q or %q, got %q", BackendRedis, BackendMemory, c.Store.Backend)
	}
	if c.Pool.MaxSize <= 0 {
		return fmt.Errorf("pool.max_size must be > 0")
	}
	if c.Pool.CheckIntervalSeconds < 0 {
		return fmt.Errorf("pool.check_interval_seconds must be >= 0")
	}
	if c.HTTP.TimeoutSeconds <= 0 {
		return fmt.Errorf("http.timeout_seconds must be > 0")
	}
	if c.Checker.Concurrency <= 0 {
		return fmt.Errorf("checker.concurrency must be > 0")
	}
	seen := make(map[string]struct{}, len(c.Sources))
	for i, src := range c.Sources {
		if src.Name == "" {
			return fmt.Errorf("sources[%d].name must be set", i)
		}
		if src.Name == source.CheckerName {
			return fmt.Errorf("sources[%d].name %q is reserved", i, src.Name)
		}
		if _, dup := seen[src.Name]; dup {
			return fmt.Errorf("sources[%d].name %q is duplicated", i, src.Name)
		}
		seen[src.Name] = struct{}{}
		if len(src.URLs) == 0 {
			return fmt.Errorf("sources[%d].urls must not be empty", i)
		}
	}
	return nil
}

// HarvestInterval returns the harvest loop period. Zero disables the loop.
func (c Config) HarvestInterval() time.Duration {
	return time.Duration(c.Scheduler.HarvestIntervalSeconds) * time.Second
}

// CheckInterval returns the checker loop period. Zero disables the loop.
func (c Config) CheckInterval() time.Duration {
	return time.Duration(c.Scheduler.CheckIntervalSeconds) * time.Second
}

// StaleAfter returns the staleness window for pooled records.
func (c Config) StaleAfter() time.Duration {
	return time.Duration(c.Pool.CheckIntervalSeconds) * time.Second
}

// RequestTimeout returns the scraping client timeout.
func (c Config) RequestTimeout() time.Duration {
	return time.Duration(c.HTTP.TimeoutSeconds) * time.Second
}
