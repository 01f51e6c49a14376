// Package config loads and validates harvester configuration via Viper.
package config

import (
	"fmt"
	"strings"

	"github.com/spf13/viper"
)

// Config captures all service configuration knobs loaded via Viper.
type Config struct {
	Server   ServerConfig            `mapstructure:"server"`
	Auth     AuthConfig              `mapstructure:"auth"`
	Fetch    FetchConfig             `mapstructure:"fetch"`
	Crawl    CrawlConfig             `mapstructure:"crawl"`
	Dedup    DedupConfig             `mapstructure:"dedup"`
	Sink     SinkConfig              `mapstructure:"sink"`
	Archive  ArchiveConfig           `mapstructure:"archive"`
	PubSub   PubSubConfig            `mapstructure:"pubsub"`
	Headless HeadlessConfig          `mapstructure:"headless"`
	Logging  LoggingConfig           `mapstructure:"logging"`
	Sources  map[string]SourceConfig `mapstructure:"sources"`
}

// ServerConfig controls HTTP server behavior.
type ServerConfig struct {
	Port              int `mapstructure:"port"`
	RunTimeoutSeconds int `mapstructure:"run_timeout_seconds"`
}

// AuthConfig defines API authentication toggles.
type AuthConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	APIKey  string `mapstructure:"api_key"`
}

// FetchConfig configures the rate-limited fetcher.
type FetchConfig struct {
	UserAgent           string `mapstructure:"user_agent"`
	TimeoutSeconds      int    `mapstructure:"timeout_seconds"`
	MaxInFlight         int    `mapstructure:"max_in_flight"`
	DefaultDelaySeconds int    `mapstructure:"default_delay_seconds"`
	MaxRetries          int    `mapstructure:"max_retries"`
	BackoffInitialMs    int    `mapstructure:"backoff_initial_ms"`
	BackoffMaxMs        int    `mapstructure:"backoff_max_ms"`
}

// CrawlConfig governs run defaults and the scheduler.
type CrawlConfig struct {
	Sources            []string `mapstructure:"sources"`
	Query              string   `mapstructure:"query"`
	MaxPages           int      `mapstructure:"max_pages"`
	BatchSize          int      `mapstructure:"batch_size"`
	IntervalSeconds    int      `mapstructure:"interval_seconds"`
	SinkTimeoutSeconds int      `mapstructure:"sink_timeout_seconds"`
	RunHistory         int      `mapstructure:"run_history"`
}

// DedupConfig selects and tunes the fingerprint store.
type DedupConfig struct {
	// Backend is "postgres" or "memory". The memory backend does not
	// survive restarts and is only for development.
	Backend             string `mapstructure:"backend"`
	DSN                 string `mapstructure:"dsn"`
	Table               string `mapstructure:"table"`
	ReingestWindowHours int    `mapstructure:"reingest_window_hours"`
}

// SinkConfig selects and tunes the ingestion sink.
type SinkConfig struct {
	// Backend is "postgres", "http", or "memory".
	Backend        string `mapstructure:"backend"`
	DSN            string `mapstructure:"dsn"`
	Endpoint       string `mapstructure:"endpoint"`
	APIKey         string `mapstructure:"api_key"`
	TimeoutSeconds int    `mapstructure:"timeout_seconds"`
}

// ArchiveConfig selects the blob store for raw pages and failed batches.
type ArchiveConfig struct {
	// Backend is "none", "memory", "local", or "gcs".
	Backend   string `mapstructure:"backend"`
	BaseDir   string `mapstructure:"base_dir"`
	GCSBucket string `mapstructure:"gcs_bucket"`
}

// PubSubConfig holds metadata for run-completed notifications.
type PubSubConfig struct {
	ProjectID string `mapstructure:"project_id"`
	TopicName string `mapstructure:"topic_name"`
}

// HeadlessConfig configures the headless rendering subsystem.
type HeadlessConfig struct {
	Enabled       bool `mapstructure:"enabled"`
	MaxParallel   int  `mapstructure:"max_parallel"`
	NavTimeoutSec int  `mapstructure:"nav_timeout_seconds"`
}

// LoggingConfig toggles zap development features.
type LoggingConfig struct {
	Development bool `mapstructure:"development"`
}

// SourceConfig tunes one site adapter.
type SourceConfig struct {
	BaseURL      string `mapstructure:"base_url"`
	DelaySeconds int    `mapstructure:"delay_seconds"`
	NeedsBrowser bool   `mapstructure:"needs_browser"`
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

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}

	return cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.run_timeout_seconds", 900)
	v.SetDefault("auth.enabled", false)
	v.SetDefault("fetch.user_agent", "torrhive-harvester/0.1")
	v.SetDefault("fetch.timeout_seconds", 30)
	v.SetDefault("fetch.max_in_flight", 2)
	v.SetDefault("fetch.default_delay_seconds", 3)
	v.SetDefault("fetch.max_retries", 3)
	v.SetDefault("fetch.backoff_initial_ms", 500)
	v.SetDefault("fetch.backoff_max_ms", 10000)
	v.SetDefault("crawl.sources", []string{"apibay", "nyaa", "eztv"})
	v.SetDefault("crawl.max_pages", 1)
	v.SetDefault("crawl.batch_size", 100)
	v.SetDefault("crawl.interval_seconds", 0)
	v.SetDefault("crawl.sink_timeout_seconds", 60)
	v.SetDefault("crawl.run_history", 100)
	v.SetDefault("dedup.backend", "memory")
	v.SetDefault("dedup.table", "seen_fingerprints")
	v.SetDefault("dedup.reingest_window_hours", 0)
	v.SetDefault("sink.backend", "memory")
	v.SetDefault("sink.timeout_seconds", 30)
	v.SetDefault("archive.backend", "none")
	v.SetDefault("headless.enabled", false)
	v.SetDefault("headless.max_parallel", 1)
	v.SetDefault("headless.nav_timeout_seconds", 25)
	v.SetDefault("logging.development", true)
}

// Validate rejects configurations that cannot produce a working service.
func (c Config) Validate() error {
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		return fmt.Errorf("server.port %d is out of range", c.Server.Port)
	}
	if c.Auth.Enabled && c.Auth.APIKey == "" {
		return fmt.Errorf("auth.api_key is required when auth is enabled")
	}
	if c.Fetch.MaxInFlight <= 0 {
		return fmt.Errorf("fetch.max_in_flight must be positive")
	}
	if c.Crawl.BatchSize <= 0 {
		return fmt.Errorf("crawl.batch_size must be positive")
	}

	switch c.Dedup.Backend {
	case "memory":
		// Non-durable; fingerprints reset on restart.
	case "postgres":
		if c.Dedup.DSN == "" {
			return fmt.Errorf("dedup.dsn is required for the postgres backend")
		}
	default:
		return fmt.Errorf("unknown dedup backend %q", c.Dedup.Backend)
	}

	switch c.Sink.Backend {
	case "memory":
	case "postgres":
		if c.Sink.DSN == "" {
			return fmt.Errorf("sink.dsn is required for the postgres backend")
		}
	case "http":
		if c.Sink.Endpoint == "" {
			return fmt.Errorf("sink.endpoint is required for the http backend")
		}
	default:
		return fmt.Errorf("unknown sink backend %q", c.Sink.Backend)
	}

	switch c.Archive.Backend {
	case "none", "memory":
	case "local":
		if c.Archive.BaseDir == "" {
			return fmt.Errorf("archive.base_dir is required for the local backend")
		}
	case "gcs":
		if c.Archive.GCSBucket == "" {
			return fmt.Errorf("archive.gcs_bucket is required for the gcs backend")
		}
	default:
		return fmt.Errorf("unknown archive backend %q", c.Archive.Backend)
	}

	return nil
}
