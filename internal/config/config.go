// Package config loads and validates service configuration via Viper.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config captures all service configuration knobs loaded via Viper.
type Config struct {
	Server    ServerConfig    `mapstructure:"server"`
	Auth      AuthConfig      `mapstructure:"auth"`
	DB        DBConfig        `mapstructure:"db"`
	Queue     QueueConfig     `mapstructure:"queue"`
	Workers   WorkersConfig   `mapstructure:"workers"`
	Fetch     FetchConfig     `mapstructure:"fetch"`
	Headless  HeadlessConfig  `mapstructure:"headless"`
	Crawl     CrawlConfig     `mapstructure:"crawl"`
	PubSub    PubSubConfig    `mapstructure:"pubsub"`
	Archive   ArchiveConfig   `mapstructure:"archive"`
	Logging   LoggingConfig   `mapstructure:"logging"`
	Recurring []RecurringSpec `mapstructure:"recurring"`
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

// DBConfig controls access to the run ledger and posting corpus.
type DBConfig struct {
	DSN      string `mapstructure:"dsn"`
	MaxConns int32  `mapstructure:"max_conns"`
	MinConns int32  `mapstructure:"min_conns"`
}

// QueueConfig selects and sizes the work queue backend.
type QueueConfig struct {
	Backend  string `mapstructure:"backend"` // "memory" or "redis"
	Depth    int    `mapstructure:"depth"`
	RedisURL string `mapstructure:"redis_url"`
}

// WorkersConfig bounds concurrency per kind and tunes the claim protocol.
// Crawl and validate pools are sized independently: crawling is render-heavy
// while validation is a lightweight probe.
type WorkersConfig struct {
	CrawlConcurrency    int `mapstructure:"crawl_concurrency"`
	ValidateConcurrency int `mapstructure:"validate_concurrency"`
	LeaseSeconds        int `mapstructure:"lease_seconds"`
	HeartbeatSeconds    int `mapstructure:"heartbeat_seconds"`
	ReapIntervalSeconds int `mapstructure:"reap_interval_seconds"`
}

// FetchConfig configures the probe fetcher and in-attempt retries.
type FetchConfig struct {
	BaseURL          string `mapstructure:"base_url"`
	UserAgent        string `mapstructure:"user_agent"`
	TimeoutSeconds   int    `mapstructure:"timeout_seconds"`
	MaxRetries       int    `mapstructure:"max_retries"`
	BackoffInitialMs int    `mapstructure:"backoff_initial_ms"`
	BackoffMaxMs     int    `mapstructure:"backoff_max_ms"`
}

// HeadlessConfig configures the headless rendering subsystem.
type HeadlessConfig struct {
	Enabled         bool `mapstructure:"enabled"`
	MaxParallel     int  `mapstructure:"max_parallel"`
	NavTimeoutSec   int  `mapstructure:"nav_timeout_seconds"`
	PromotionThresh int  `mapstructure:"promotion_threshold"`
}

// CrawlConfig holds the default discovery scope.
type CrawlConfig struct {
	DefaultQueries []string `mapstructure:"default_queries"`
}

// RecurringSpec declares a standing crawl trigger. Definitions are
// re-registered on startup, so they must stay declarative and idempotent.
type RecurringSpec struct {
	Cron             string `mapstructure:"cron"`
	ValidateExisting bool   `mapstructure:"validate_existing"`
}

// PubSubConfig holds metadata for run lifecycle notifications.
type PubSubConfig struct {
	ProjectID string `mapstructure:"project_id"`
	TopicName string `mapstructure:"topic_name"`
}

// ArchiveConfig controls raw snapshot archival.
type ArchiveConfig struct {
	Enabled   bool   `mapstructure:"enabled"`
	GCSBucket string `mapstructure:"gcs_bucket"`
	Prefix    string `mapstructure:"prefix"`
}

// LoggingConfig toggles zap development features.
type LoggingConfig struct {
	Development bool `mapstructure:"development"`
}

// Load builds a Config from disk/environment.
func Load(path string) (Config, error) {
	v := viper.New()
	v.SetEnvPrefix("DISCOVERY")
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

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}

	return cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.port", 8080)
	v.SetDefault("queue.backend", "memory")
	v.SetDefault("queue.depth", 64)
	v.SetDefault("workers.crawl_concurrency", 2)
	v.SetDefault("workers.validate_concurrency", 4)
	v.SetDefault("workers.lease_seconds", 300)
	v.SetDefault("workers.heartbeat_seconds", 30)
	v.SetDefault("workers.reap_interval_seconds", 60)
	v.SetDefault("fetch.base_url", "https://boards.jobtrail.dev")
	v.SetDefault("fetch.user_agent", "jobtrail-discovery/0.1")
	v.SetDefault("fetch.timeout_seconds", 15)
	v.SetDefault("fetch.max_retries", 3)
	v.SetDefault("fetch.backoff_initial_ms", 250)
	v.SetDefault("fetch.backoff_max_ms", 5000)
	v.SetDefault("headless.enabled", false)
	v.SetDefault("headless.max_parallel", 1)
	v.SetDefault("headless.nav_timeout_seconds", 25)
	v.SetDefault("headless.promotion_threshold", 2048)
	v.SetDefault("crawl.default_queries", []string{"software engineer"})
	v.SetDefault("archive.prefix", "snapshots")
	v.SetDefault("logging.development", true)
}

// Validate enforces required values and reasonable limits.
func (c Config) Validate() error {
	if c.Server.Port <= 0 {
		return fmt.Errorf("server.port must be > 0")
	}
	if c.Workers.CrawlConcurrency <= 0 || c.Workers.ValidateConcurrency <= 0 {
		return fmt.Errorf("workers concurrency values must be > 0")
	}
	if c.Workers.LeaseSeconds <= c.Workers.HeartbeatSeconds {
		return fmt.Errorf("workers.lease_seconds must exceed workers.heartbeat_seconds")
	}
	if c.Fetch.BaseURL == "" {
		return fmt.Errorf("fetch.base_url must be set")
	}
	if c.Fetch.TimeoutSeconds <= 0 {
		return fmt.Errorf("fetch.timeout_seconds must be > 0")
	}
	switch c.Queue.Backend {
	case "memory":
	case "redis":
		if c.Queue.RedisURL == "" {
			return fmt.Errorf("queue.redis_url must be set when queue.backend is redis")
		}
	default:
		return fmt.Errorf("unknown queue backend %q", c.Queue.Backend)
	}
	if c.Headless.Enabled && c.Headless.MaxParallel <= 0 {
		return fmt.Errorf("headless.max_parallel must be > 0 when headless is enabled")
	}
	if c.Auth.Enabled && c.Auth.APIKey == "" {
		return fmt.Errorf("auth.api_key must be set when auth is enabled")
	}
	if c.Archive.Enabled && c.Archive.GCSBucket == "" {
		return fmt.Errorf("archive.gcs_bucket must be set when archive is enabled")
	}
	if len(c.Crawl.DefaultQueries) == 0 {
		return fmt.Errorf("crawl.default_queries must not be empty")
	}
	return nil
}

// Lease returns the claim lease window as a duration.
func (c Config) Lease() time.Duration {
	return time.Duration(c.Workers.LeaseSeconds) * time.Second
}

// Heartbeat returns the lease extension cadence.
func (c Config) Heartbeat() time.Duration {
	return time.Duration(c.Workers.HeartbeatSeconds) * time.Second
}

// ReapInterval returns how often stale runs are swept.
func (c Config) ReapInterval() time.Duration {
	return time.Duration(c.Workers.ReapIntervalSeconds) * time.Second
}

// FetchTimeout returns the per-request fetch budget.
func (c Config) FetchTimeout() time.Duration {
	return time.Duration(c.Fetch.TimeoutSeconds) * time.Second
}
