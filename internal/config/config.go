// Package config loads and validates service configuration via Viper.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Backend names accepted by the pluggable sections.
const (
	BackendMemory   = "memory"
	BackendRedis    = "redis"
	BackendPostgres = "postgres"
	BackendLocal    = "local"
	BackendS3       = "s3"
	BackendGCS      = "gcs"
	BackendNone     = "none"
	BackendLog      = "log"
	BackendPubSub   = "pubsub"
)

// Config captures all service configuration knobs loaded via Viper.
type Config struct {
	Server    ServerConfig    `mapstructure:"server"`
	Auth      AuthConfig      `mapstructure:"auth"`
	Crawler   CrawlerConfig   `mapstructure:"crawler"`
	HTTP      HTTPConfig      `mapstructure:"http"`
	Queue     QueueConfig     `mapstructure:"queue"`
	Registry  RegistryConfig  `mapstructure:"registry"`
	Storage   StorageConfig   `mapstructure:"storage"`
	Retention RetentionConfig `mapstructure:"retention"`
	Notify    NotifyConfig    `mapstructure:"notify"`
	Logging   LoggingConfig   `mapstructure:"logging"`
}

// ServerConfig controls HTTP server behavior.
type ServerConfig struct {
	Port                  int `mapstructure:"port"`
	RequestTimeoutSeconds int `mapstructure:"request_timeout_seconds"`
	HeartbeatSeconds      int `mapstructure:"heartbeat_seconds"`
}

// AuthConfig defines API authentication toggles.
type AuthConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	APIKey  string `mapstructure:"api_key"`
}

// CrawlerConfig governs workers and the per-job crawl.
type CrawlerConfig struct {
	Workers       int    `mapstructure:"workers"`
	Concurrency   int    `mapstructure:"concurrency"`
	MaxPages      int    `mapstructure:"max_pages"`
	MaxPagesLimit int    `mapstructure:"max_pages_limit"`
	UserAgent     string `mapstructure:"user_agent"`
	MinDelayMs    int    `mapstructure:"min_delay_ms"`
	MaxDelayMs    int    `mapstructure:"max_delay_ms"`
	MaxDepth      int    `mapstructure:"max_depth"`
	RespectRobots bool   `mapstructure:"respect_robots"`
	Readability   bool   `mapstructure:"readability"`
}

// HTTPConfig configures HTTP client retry behavior.
type HTTPConfig struct {
	TimeoutSeconds   int   `mapstructure:"timeout_seconds"`
	MaxRetries       int   `mapstructure:"max_retries"`
	BackoffInitialMs int   `mapstructure:"backoff_initial_ms"`
	BackoffMaxMs     int   `mapstructure:"backoff_max_ms"`
	MaxBodyBytes     int64 `mapstructure:"max_body_bytes"`
	MaxImageBytes    int64 `mapstructure:"max_image_bytes"`
}

// QueueConfig selects the work queue.
type QueueConfig struct {
	Backend string      `mapstructure:"backend"`
	Depth   int         `mapstructure:"depth"`
	Redis   RedisConfig `mapstructure:"redis"`
}

// RedisConfig addresses a Redis stream consumer group.
type RedisConfig struct {
	Addr     string `mapstructure:"addr"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
	Stream   string `mapstructure:"stream"`
	Group    string `mapstructure:"group"`
	Consumer string `mapstructure:"consumer"`
}

// RegistryConfig selects where job records live.
type RegistryConfig struct {
	Backend  string `mapstructure:"backend"`
	DSN      string `mapstructure:"dsn"`
	Table    string `mapstructure:"table"`
	MaxConns int32  `mapstructure:"max_conns"`
}

// StorageConfig selects the artifact blob store.
type StorageConfig struct {
	Backend   string `mapstructure:"backend"`
	BaseDir   string `mapstructure:"base_dir"`
	Endpoint  string `mapstructure:"endpoint"`
	AccessKey string `mapstructure:"access_key"`
	SecretKey string `mapstructure:"secret_key"`
	Bucket    string `mapstructure:"bucket"`
	Region    string `mapstructure:"region"`
	UseSSL    bool   `mapstructure:"use_ssl"`
	Prefix    string `mapstructure:"prefix"`
}

// RetentionConfig bounds how long artifacts stay downloadable.
type RetentionConfig struct {
	Window        time.Duration `mapstructure:"window"`
	SweepInterval time.Duration `mapstructure:"sweep_interval"`
}

// NotifyConfig selects where job completion notifications go.
type NotifyConfig struct {
	Backend   string `mapstructure:"backend"`
	ProjectID string `mapstructure:"project_id"`
	Topic     string `mapstructure:"topic"`
}

// LoggingConfig selects the zap preset and optional overrides.
type LoggingConfig struct {
	Development bool   `mapstructure:"development"`
	Level       string `mapstructure:"level"`
	Encoding    string `mapstructure:"encoding"`
}

// Load builds a Config from defaults, an optional file and DOCS2MD_* env.
func Load(path string) (Config, error) {
	v := viper.New()
	v.SetEnvPrefix("DOCS2MD")
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
	v.SetDefault("server.request_timeout_seconds", 30)
	v.SetDefault("server.heartbeat_seconds", 15)
	v.SetDefault("auth.enabled", false)
	v.SetDefault("auth.api_key", "")
	v.SetDefault("crawler.workers", 2)
	v.SetDefault("crawler.concurrency", 4)
	v.SetDefault("crawler.max_pages", 1000)
	v.SetDefault("crawler.max_pages_limit", 5000)
	v.SetDefault("crawler.user_agent", "docs2md/1.0 (+https://github.com/JakeFAU/docs2md)")
	v.SetDefault("crawler.min_delay_ms", 100)
	v.SetDefault("crawler.max_delay_ms", 10000)
	v.SetDefault("crawler.max_depth", 0)
	v.SetDefault("crawler.respect_robots", true)
	v.SetDefault("crawler.readability", true)
	v.SetDefault("http.timeout_seconds", 15)
	v.SetDefault("http.max_retries", 2)
	v.SetDefault("http.backoff_initial_ms", 250)
	v.SetDefault("http.backoff_max_ms", 2000)
	v.SetDefault("http.max_body_bytes", 10<<20)
	v.SetDefault("http.max_image_bytes", 5<<20)
	v.SetDefault("queue.backend", BackendMemory)
	v.SetDefault("queue.depth", 64)
	v.SetDefault("queue.redis.addr", "localhost:6379")
	v.SetDefault("queue.redis.password", "")
	v.SetDefault("queue.redis.db", 0)
	v.SetDefault("queue.redis.stream", "docs2md:jobs")
	v.SetDefault("queue.redis.group", "docs2md")
	v.SetDefault("queue.redis.consumer", "")
	v.SetDefault("registry.backend", BackendMemory)
	v.SetDefault("registry.dsn", "")
	v.SetDefault("registry.table", "conversion_jobs")
	v.SetDefault("registry.max_conns", 4)
	v.SetDefault("storage.backend", BackendMemory)
	v.SetDefault("storage.base_dir", "exports")
	v.SetDefault("storage.endpoint", "")
	v.SetDefault("storage.access_key", "")
	v.SetDefault("storage.secret_key", "")
	v.SetDefault("storage.bucket", "")
	v.SetDefault("storage.region", "")
	v.SetDefault("storage.use_ssl", true)
	v.SetDefault("storage.prefix", "")
	v.SetDefault("retention.window", time.Hour)
	v.SetDefault("retention.sweep_interval", time.Minute)
	v.SetDefault("notify.backend", BackendNone)
	v.SetDefault("notify.project_id", "")
	v.SetDefault("notify.topic", "docs2md-jobs")
	v.SetDefault("logging.development", true)
	v.SetDefault("logging.level", "")
	v.SetDefault("logging.encoding", "")
}

// Validate enforces required values and reasonable limits.
func (c Config) Validate() error {
	if c.Server.Port <= 0 {
		return fmt.Errorf("server.port must be > 0")
	}
	if c.Auth.Enabled && c.Auth.APIKey == "" {
		return fmt.Errorf("auth.api_key must be set when auth is enabled")
	}
	if c.Crawler.Workers <= 0 {
		return fmt.Errorf("crawler.workers must be > 0")
	}
	if c.Crawler.Concurrency <= 0 {
		return fmt.Errorf("crawler.concurrency must be > 0")
	}
	if c.Crawler.MaxPages <= 0 || c.Crawler.MaxPages > c.Crawler.MaxPagesLimit {
		return fmt.Errorf("crawler.max_pages must be between 1 and crawler.max_pages_limit")
	}
	if c.Crawler.MinDelayMs < 0 || c.Crawler.MaxDelayMs < c.Crawler.MinDelayMs {
		return fmt.Errorf("crawler.max_delay_ms must be >= crawler.min_delay_ms >= 0")
	}
	if c.HTTP.TimeoutSeconds <= 0 {
		return fmt.Errorf("http.timeout_seconds must be > 0")
	}
	if c.Retention.Window <= 0 {
		return fmt.Errorf("retention.window must be > 0")
	}
	if c.Retention.SweepInterval <= 0 {
		return fmt.Errorf("retention.sweep_interval must be > 0")
	}
	if err := c.validateBackends(); err != nil {
		return err
	}
	return nil
}

func (c Config) validateBackends() error {
	switch c.Queue.Backend {
	case BackendMemory:
		if c.Queue.Depth <= 0 {
			return fmt.Errorf("queue.depth must be > 0")
		}
	case BackendRedis:
		if c.Queue.Redis.Addr == "" {
			return fmt.Errorf("queue.redis.addr is required for the redis queue")
		}
	default:
		return fmt.Errorf("queue.backend %q is not supported", c.Queue.Backend)
	}

	switch c.Registry.Backend {
	case BackendMemory:
	case BackendPostgres:
		if c.Registry.DSN == "" {
			return fmt.Errorf("registry.dsn is required for the postgres registry")
		}
	default:
		return fmt.Errorf("registry.backend %q is not supported", c.Registry.Backend)
	}

	switch c.Storage.Backend {
	case BackendMemory:
	case BackendLocal:
		if c.Storage.BaseDir == "" {
			return fmt.Errorf("storage.base_dir is required for local storage")
		}
	case BackendS3:
		if c.Storage.Endpoint == "" || c.Storage.Bucket == "" {
			return fmt.Errorf("storage.endpoint and storage.bucket are required for s3 storage")
		}
	case BackendGCS:
		if c.Storage.Bucket == "" {
			return fmt.Errorf("storage.bucket is required for gcs storage")
		}
	default:
		return fmt.Errorf("storage.backend %q is not supported", c.Storage.Backend)
	}

	switch c.Notify.Backend {
	case BackendNone, BackendLog:
	case BackendPubSub:
		if c.Notify.ProjectID == "" || c.Notify.Topic == "" {
			return fmt.Errorf("notify.project_id and notify.topic are required for pubsub")
		}
	default:
		return fmt.Errorf("notify.backend %q is not supported", c.Notify.Backend)
	}
	return nil
}

// RequestTimeout is the deadline applied to non-streaming API calls.
func (c Config) RequestTimeout() time.Duration {
	return time.Duration(c.Server.RequestTimeoutSeconds) * time.Second
}

// Heartbeat is the SSE keep-alive interval.
func (c Config) Heartbeat() time.Duration {
	return time.Duration(c.Server.HeartbeatSeconds) * time.Second
}

// FetchTimeout converts the HTTP timeout into a duration.
func (c Config) FetchTimeout() time.Duration {
	return time.Duration(c.HTTP.TimeoutSeconds) * time.Second
}
