// Package config loads and validates crawler configuration via Viper.
package config

import (
	"errors"
	"fmt"
	"net/url"
	"slices"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/JakeFAU/cmc-crawler/internal/crawler"
	"github.com/JakeFAU/cmc-crawler/internal/extract"
	"github.com/JakeFAU/cmc-crawler/internal/logging"
	"github.com/JakeFAU/cmc-crawler/internal/policy/autoscale"
	"github.com/JakeFAU/cmc-crawler/internal/policy/ratelimit"
	"github.com/JakeFAU/cmc-crawler/internal/publisher/kafka"
	"github.com/JakeFAU/cmc-crawler/internal/publisher/pubsub"
	"github.com/JakeFAU/cmc-crawler/internal/storage/gcs"
	"github.com/JakeFAU/cmc-crawler/internal/storage/local"
	"github.com/JakeFAU/cmc-crawler/internal/storage/postgres"
	"github.com/JakeFAU/cmc-crawler/internal/store/redis"
)

// DefaultStartURL is the page crawled when no URLs are configured.
const DefaultStartURL = "https://coinmarketcap.com"

// Sink kinds accepted by sink.kinds.
const (
	SinkDataset  = "dataset"
	SinkJSONL    = "jsonl"
	SinkGCS      = "gcs"
	SinkPostgres = "postgres"
	SinkPubSub   = "pubsub"
	SinkKafka    = "kafka"
)

// Run store kinds accepted by run_store.kind.
const (
	RunStoreNone     = "none"
	RunStoreRedis    = "redis"
	RunStorePostgres = "postgres"
)

// Backoff kinds accepted by crawler.backoff.kind.
const (
	BackoffNone        = "none"
	BackoffExponential = "exponential"
)

// configSearchPaths are consulted in order when no explicit file is given.
var configSearchPaths = []string{".", "/etc/cmc-crawler/", "$HOME/.cmc-crawler"}

// Config captures all service configuration knobs loaded via Viper.
type Config struct {
	Server    ServerConfig     `mapstructure:"server"`
	Crawler   CrawlerConfig    `mapstructure:"crawler"`
	Extract   ExtractConfig    `mapstructure:"extract"`
	RateLimit ratelimit.Config `mapstructure:"rate_limit"`
	Autoscale AutoscaleConfig  `mapstructure:"autoscale"`
	Sink      SinkConfig       `mapstructure:"sink"`
	RunStore  RunStoreConfig   `mapstructure:"run_store"`
	Progress  ProgressConfig   `mapstructure:"progress"`
	Logging   logging.Config   `mapstructure:"logging"`
}

// ServerConfig controls the optional HTTP status server. Port 0 disables it.
type ServerConfig struct {
	Port   int    `mapstructure:"port"`
	APIKey string `mapstructure:"api_key"`
}

// CrawlerConfig governs the scheduler and the fetch pipeline.
type CrawlerConfig struct {
	StartURLs      []string      `mapstructure:"start_urls"`
	MinConcurrency int           `mapstructure:"min_concurrency"`
	MaxConcurrency int           `mapstructure:"max_concurrency"`
	MaxRetries     int           `mapstructure:"max_retries"`
	PerItemTimeout time.Duration `mapstructure:"per_item_timeout"`
	ScaleInterval  time.Duration `mapstructure:"scale_interval"`
	UserAgent      string        `mapstructure:"user_agent"`
	RespectRobots  bool          `mapstructure:"respect_robots"`
	RequestTimeout time.Duration `mapstructure:"request_timeout"`
	MaxBodyBytes   int           `mapstructure:"max_body_bytes"`
	Backoff        BackoffConfig `mapstructure:"backoff"`
}

// BackoffConfig selects the delay applied before re-dispatching a retry.
type BackoffConfig struct {
	Kind string        `mapstructure:"kind"`
	Base time.Duration `mapstructure:"base"`
	Max  time.Duration `mapstructure:"max"`
}

// ExtractConfig lists the selectors that map a page onto a record.
type ExtractConfig struct {
	TitleSelector string           `mapstructure:"title_selector"`
	Columns       []extract.Column `mapstructure:"columns"`
}

// AutoscaleConfig enables host-load driven concurrency.
type AutoscaleConfig struct {
	autoscale.Config `mapstructure:",squash"`

	Enabled        bool          `mapstructure:"enabled"`
	SampleInterval time.Duration `mapstructure:"sample_interval"`
}

// SinkConfig picks where records go. Every listed kind receives every record.
type SinkConfig struct {
	Kinds     []string        `mapstructure:"kinds"`
	Dataset   local.Config    `mapstructure:"dataset"`
	JSONLPath string          `mapstructure:"jsonl_path"`
	GCS       gcs.Config      `mapstructure:"gcs"`
	Postgres  postgres.Config `mapstructure:"postgres"`
	PubSub    pubsub.Config   `mapstructure:"pubsub"`
	Kafka     kafka.Config    `mapstructure:"kafka"`
}

// RunStoreConfig selects the optional backend that persists run progress.
type RunStoreConfig struct {
	Kind     string          `mapstructure:"kind"`
	Redis    redis.Config    `mapstructure:"redis"`
	Postgres postgres.Config `mapstructure:"postgres"`
}

// ProgressConfig toggles progress sinks and hub buffering.
type ProgressConfig struct {
	Bar            bool          `mapstructure:"bar"`
	Log            bool          `mapstructure:"log"`
	Prometheus     bool          `mapstructure:"prometheus"`
	BufferSize     int           `mapstructure:"buffer_size"`
	MaxBatchEvents int           `mapstructure:"max_batch_events"`
	MaxBatchWait   time.Duration `mapstructure:"max_batch_wait"`
	SinkTimeout    time.Duration `mapstructure:"sink_timeout"`
}

// Load builds a Config from disk/environment. With an empty path the default
// search paths are tried and a missing file is not an error.
func Load(path string) (Config, error) {
	return LoadWith(viper.New(), path)
}

// LoadWith is Load on a caller-supplied Viper instance, which lets the CLI
// bind flags before reading.
func LoadWith(v *viper.Viper, path string) (Config, error) {
	v.SetEnvPrefix("CRAWLER")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("read config: %w", err)
		}
	} else {
		v.SetConfigName("config")
		for _, p := range configSearchPaths {
			v.AddConfigPath(p)
		}
		if err := v.ReadInConfig(); err != nil {
			var notFound viper.ConfigFileNotFoundError
			if !errors.As(err, &notFound) {
				return Config{}, fmt.Errorf("read config: %w", err)
			}
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("unmarshal config: %w", err)
	}
	if len(cfg.Extract.Columns) == 0 {
		cfg.Extract.Columns = extract.DefaultColumns()
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}

	return cfg, nil
}

func setDefaults(v *viper.Viper) {
	def := crawler.DefaultConfig()
	v.SetDefault("server.port", 0)
	v.SetDefault("crawler.start_urls", []string{DefaultStartURL})
	v.SetDefault("crawler.min_concurrency", def.MinConcurrency)
	v.SetDefault("crawler.max_concurrency", def.MaxConcurrency)
	v.SetDefault("crawler.max_retries", def.MaxRetries)
	v.SetDefault("crawler.per_item_timeout", def.PerItemTimeout)
	v.SetDefault("crawler.scale_interval", def.ScaleInterval)
	v.SetDefault("crawler.user_agent", "cmc-crawler/0.1")
	v.SetDefault("crawler.respect_robots", false)
	v.SetDefault("crawler.request_timeout", 30*time.Second)
	v.SetDefault("crawler.max_body_bytes", 10<<20)
	v.SetDefault("crawler.backoff.kind", BackoffNone)
	v.SetDefault("crawler.backoff.base", 250*time.Millisecond)
	v.SetDefault("crawler.backoff.max", 5*time.Second)

	v.SetDefault("extract.title_selector", "title")

	v.SetDefault("rate_limit.rps", 0)
	v.SetDefault("rate_limit.burst", 1)

	ac := autoscale.DefaultConfig()
	v.SetDefault("autoscale.enabled", true)
	v.SetDefault("autoscale.sample_interval", time.Second)
	v.SetDefault("autoscale.max_cpu_percent", ac.MaxCPUPercent)
	v.SetDefault("autoscale.max_memory_percent", ac.MaxMemoryPercent)
	v.SetDefault("autoscale.scale_up_ratio", ac.ScaleUpRatio)
	v.SetDefault("autoscale.scale_down_ratio", ac.ScaleDownRatio)
	v.SetDefault("autoscale.max_signal_age", ac.MaxSignalAge)

	v.SetDefault("sink.kinds", []string{SinkDataset})
	v.SetDefault("sink.dataset.base_dir", "./storage")
	v.SetDefault("sink.dataset.name", local.DefaultDatasetName)
	v.SetDefault("sink.gcs.prefix", "records")
	v.SetDefault("sink.postgres.table", "crawl_records")

	v.SetDefault("run_store.kind", RunStoreNone)
	v.SetDefault("run_store.redis.addr", "localhost:6379")
	v.SetDefault("run_store.redis.prefix", "crawler:")
	v.SetDefault("run_store.redis.ttl", 24*time.Hour)

	v.SetDefault("progress.bar", false)
	v.SetDefault("progress.log", false)
	v.SetDefault("progress.prometheus", true)

	v.SetDefault("logging.development", false)
	v.SetDefault("logging.level", "warn")
	v.SetDefault("logging.max_size_mb", 100)
	v.SetDefault("logging.max_backups", 3)
	v.SetDefault("logging.max_age_days", 28)
}

// Validate enforces required values and reasonable limits.
func (c Config) Validate() error {
	if c.Server.Port < 0 || c.Server.Port > 65535 {
		return fmt.Errorf("server.port must be between 0 and 65535")
	}
	if len(c.Crawler.StartURLs) == 0 {
		return fmt.Errorf("crawler.start_urls must not be empty")
	}
	for _, raw := range c.Crawler.StartURLs {
		u, err := url.Parse(raw)
		if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
			return fmt.Errorf("crawler.start_urls contains invalid url %q", raw)
		}
	}
	if err := c.Scheduler().Validate(); err != nil {
		return err
	}
	if c.Crawler.RequestTimeout <= 0 {
		return fmt.Errorf("crawler.request_timeout must be > 0")
	}
	switch c.Crawler.Backoff.Kind {
	case BackoffNone, BackoffExponential:
	default:
		return fmt.Errorf("crawler.backoff.kind must be one of none, exponential")
	}
	if c.RateLimit.DefaultRPS < 0 {
		return fmt.Errorf("rate_limit.rps must be >= 0")
	}
	if c.Autoscale.Enabled {
		if err := c.Autoscale.Config.Validate(); err != nil {
			return err
		}
		if c.Autoscale.SampleInterval <= 0 {
			return fmt.Errorf("autoscale.sample_interval must be > 0")
		}
	}
	if err := c.Sink.validate(); err != nil {
		return err
	}
	return c.RunStore.validate()
}

func (s SinkConfig) validate() error {
	if len(s.Kinds) == 0 {
		return fmt.Errorf("sink.kinds must not be empty")
	}
	for _, kind := range s.Kinds {
		switch kind {
		case SinkDataset:
			if s.Dataset.BaseDir == "" {
				return fmt.Errorf("sink.dataset.base_dir must be set")
			}
		case SinkJSONL:
			if s.JSONLPath == "" {
				return fmt.Errorf("sink.jsonl_path must be set when the jsonl sink is enabled")
			}
		case SinkGCS:
			if s.GCS.Bucket == "" {
				return fmt.Errorf("sink.gcs.bucket must be set when the gcs sink is enabled")
			}
		case SinkPostgres:
			if s.Postgres.DSN == "" {
				return fmt.Errorf("sink.postgres.dsn must be set when the postgres sink is enabled")
			}
		case SinkPubSub:
			if s.PubSub.ProjectID == "" || s.PubSub.Topic == "" {
				return fmt.Errorf("sink.pubsub.project_id and sink.pubsub.topic must be set when the pubsub sink is enabled")
			}
		case SinkKafka:
			if len(s.Kafka.Brokers) == 0 || s.Kafka.Topic == "" {
				return fmt.Errorf("sink.kafka.brokers and sink.kafka.topic must be set when the kafka sink is enabled")
			}
		default:
			return fmt.Errorf("sink.kinds contains unknown sink %q", kind)
		}
	}
	return nil
}

func (r RunStoreConfig) validate() error {
	switch r.Kind {
	case "", RunStoreNone:
	case RunStoreRedis:
		if r.Redis.Addr == "" {
			return fmt.Errorf("run_store.redis.addr must be set when the redis run store is enabled")
		}
	case RunStorePostgres:
		if r.Postgres.DSN == "" {
			return fmt.Errorf("run_store.postgres.dsn must be set when the postgres run store is enabled")
		}
	default:
		return fmt.Errorf("run_store.kind must be one of none, redis, postgres")
	}
	return nil
}

// Scheduler projects the crawler section onto the dispatcher bounds.
func (c Config) Scheduler() crawler.Config {
	return crawler.Config{
		MinConcurrency: c.Crawler.MinConcurrency,
		MaxConcurrency: c.Crawler.MaxConcurrency,
		MaxRetries:     c.Crawler.MaxRetries,
		PerItemTimeout: c.Crawler.PerItemTimeout,
		ScaleInterval:  c.Crawler.ScaleInterval,
	}
}

// HasSink reports whether kind is among the enabled sinks.
func (c Config) HasSink(kind string) bool {
	return slices.Contains(c.Sink.Kinds, kind)
}
