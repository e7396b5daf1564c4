// Package config loads and validates service configuration via Viper.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/JakeFAU/siteground/internal/crawler"
)

// Providers accepted by embedding.provider and completion.provider.
const (
	ProviderOpenAI = "openai"
	ProviderOllama = "ollama"
	ProviderGemini = "gemini"
	ProviderNone   = "none"
)

// Storage backends accepted by storage.backend.
const (
	BackendLocal    = "local"
	BackendMemory   = "memory"
	BackendGCS      = "gcs"
	BackendPostgres = "postgres"
)

// Config captures all service configuration knobs loaded via Viper.
type Config struct {
	DefaultURL   string           `mapstructure:"default_url"`
	MaxDepth     int              `mapstructure:"max_depth"`
	IndexOnCrawl bool             `mapstructure:"index_on_crawl"`
	Server       ServerConfig     `mapstructure:"server"`
	Auth         AuthConfig       `mapstructure:"auth"`
	Crawler      CrawlerConfig    `mapstructure:"crawler"`
	Embedding    EmbeddingConfig  `mapstructure:"embedding"`
	Completion   CompletionConfig `mapstructure:"completion"`
	Retry        RetryConfig      `mapstructure:"retry"`
	Retrieval    RetrievalConfig  `mapstructure:"retrieval"`
	Storage      StorageConfig    `mapstructure:"storage"`
	PubSub       PubSubConfig     `mapstructure:"pubsub"`
	Logging      LoggingConfig    `mapstructure:"logging"`
	Metrics      MetricsConfig    `mapstructure:"metrics"`
	Tracing      TracingConfig    `mapstructure:"tracing"`
}

// ServerConfig controls HTTP server behavior.
type ServerConfig struct {
	Port                   int `mapstructure:"port"`
	RequestTimeoutSeconds  int `mapstructure:"request_timeout_seconds"`
	ShutdownTimeoutSeconds int `mapstructure:"shutdown_timeout_seconds"`
}

// AuthConfig defines API authentication toggles.
type AuthConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	APIKey  string `mapstructure:"api_key"`
}

// CrawlerConfig governs fetching and level fan-out.
type CrawlerConfig struct {
	UserAgent             string `mapstructure:"user_agent"`
	Concurrency           int    `mapstructure:"concurrency"`
	RequestTimeoutSeconds int    `mapstructure:"request_timeout_seconds"`
	MaxBodyBytes          int    `mapstructure:"max_body_bytes"`
}

// EmbeddingConfig selects and tunes the embedding provider.
type EmbeddingConfig struct {
	Provider string `mapstructure:"provider"`
	Model    string `mapstructure:"model"`
	BaseURL  string `mapstructure:"base_url"`
	// APIKeyEnv names the variable holding the credential. Empty selects the
	// provider's conventional variable.
	APIKeyEnv      string `mapstructure:"api_key_env"`
	BatchSize      int    `mapstructure:"batch_size"`
	Concurrency    int    `mapstructure:"concurrency"`
	OnError        string `mapstructure:"on_error"`
	Dedupe         bool   `mapstructure:"dedupe"`
	TimeoutSeconds int    `mapstructure:"timeout_seconds"`
}

// CompletionConfig selects and tunes the answering model.
type CompletionConfig struct {
	Provider       string  `mapstructure:"provider"`
	Model          string  `mapstructure:"model"`
	BaseURL        string  `mapstructure:"base_url"`
	APIKeyEnv      string  `mapstructure:"api_key_env"`
	Temperature    float64 `mapstructure:"temperature"`
	TimeoutSeconds int     `mapstructure:"timeout_seconds"`
}

// RetryConfig configures provider call retries. Page fetches are never
// retried.
type RetryConfig struct {
	MaxAttempts      int `mapstructure:"max_attempts"`
	BackoffInitialMs int `mapstructure:"backoff_initial_ms"`
	BackoffMaxMs     int `mapstructure:"backoff_max_ms"`
}

// RetrievalConfig tunes context selection.
type RetrievalConfig struct {
	TopK int `mapstructure:"top_k"`
}

// StorageConfig selects the snapshot backend.
type StorageConfig struct {
	Backend  string         `mapstructure:"backend"`
	PagesKey string         `mapstructure:"pages_key"`
	UnitsKey string         `mapstructure:"units_key"`
	Local    LocalConfig    `mapstructure:"local"`
	GCS      GCSConfig      `mapstructure:"gcs"`
	Postgres PostgresConfig `mapstructure:"postgres"`
}

// LocalConfig configures the filesystem backend.
type LocalConfig struct {
	Dir string `mapstructure:"dir"`
}

// GCSConfig configures the Cloud Storage backend.
type GCSConfig struct {
	Bucket string `mapstructure:"bucket"`
	Prefix string `mapstructure:"prefix"`
}

// PostgresConfig controls access to the relational database.
type PostgresConfig struct {
	DSN       string `mapstructure:"dsn"`
	Table     string `mapstructure:"table"`
	RunsTable string `mapstructure:"runs_table"`
	MaxConns  int    `mapstructure:"max_conns"`
}

// PubSubConfig holds metadata for snapshot notifications. An empty topic
// disables publishing.
type PubSubConfig struct {
	ProjectID string `mapstructure:"project_id"`
	Topic     string `mapstructure:"topic"`
}

// LoggingConfig toggles zap development features.
type LoggingConfig struct {
	Development bool `mapstructure:"development"`
}

// MetricsConfig toggles the Prometheus endpoint.
type MetricsConfig struct {
	Enabled bool `mapstructure:"enabled"`
}

// TracingConfig toggles OpenTelemetry spans. Trace context is propagated to
// Pub/Sub messages either way.
type TracingConfig struct {
	Enabled     bool    `mapstructure:"enabled"`
	SampleRatio float64 `mapstructure:"sample_ratio"`
}

// Load builds a Config from disk/environment. Environment variables use the
// SITEGROUND_ prefix with dots replaced by underscores, e.g.
// SITEGROUND_STORAGE_BACKEND.
func Load(path string) (Config, error) {
	v := viper.New()
	v.SetEnvPrefix("SITEGROUND")
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
	v.SetDefault("default_url", "")
	v.SetDefault("max_depth", 2)
	v.SetDefault("index_on_crawl", false)
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.request_timeout_seconds", 300)
	v.SetDefault("server.shutdown_timeout_seconds", 10)
	v.SetDefault("auth.enabled", false)
	v.SetDefault("auth.api_key", "")
	v.SetDefault("crawler.user_agent", "")
	v.SetDefault("crawler.concurrency", 4)
	v.SetDefault("crawler.request_timeout_seconds", 10)
	v.SetDefault("crawler.max_body_bytes", 10*1024*1024)
	v.SetDefault("embedding.provider", ProviderOpenAI)
	v.SetDefault("embedding.model", "")
	v.SetDefault("embedding.base_url", "")
	v.SetDefault("embedding.api_key_env", "")
	v.SetDefault("embedding.batch_size", 16)
	v.SetDefault("embedding.concurrency", 4)
	v.SetDefault("embedding.on_error", "abort")
	v.SetDefault("embedding.dedupe", true)
	v.SetDefault("embedding.timeout_seconds", 60)
	v.SetDefault("completion.provider", ProviderOpenAI)
	v.SetDefault("completion.model", "")
	v.SetDefault("completion.base_url", "")
	v.SetDefault("completion.api_key_env", "")
	v.SetDefault("completion.temperature", 0.0)
	v.SetDefault("completion.timeout_seconds", 60)
	v.SetDefault("retry.max_attempts", 3)
	v.SetDefault("retry.backoff_initial_ms", 250)
	v.SetDefault("retry.backoff_max_ms", 5000)
	v.SetDefault("retrieval.top_k", 3)
	v.SetDefault("storage.backend", BackendLocal)
	v.SetDefault("storage.pages_key", "scraped_data.json")
	v.SetDefault("storage.units_key", "embedded_data.json")
	v.SetDefault("storage.local.dir", ".")
	v.SetDefault("storage.gcs.bucket", "")
	v.SetDefault("storage.gcs.prefix", "")
	v.SetDefault("storage.postgres.dsn", "")
	v.SetDefault("storage.postgres.table", "snapshots")
	v.SetDefault("storage.postgres.runs_table", "runs")
	v.SetDefault("storage.postgres.max_conns", 4)
	v.SetDefault("pubsub.project_id", "")
	v.SetDefault("pubsub.topic", "")
	v.SetDefault("logging.development", true)
	v.SetDefault("metrics.enabled", true)
	v.SetDefault("tracing.enabled", false)
	v.SetDefault("tracing.sample_ratio", 1.0)
}

// Validate enforces required values and reasonable limits. It does not
// require default_url; a crawl without one fails when it is triggered.
func (c Config) Validate() error {
	switch {
	case c.MaxDepth < 0:
		return invalid("max_depth", "must be >= 0")
	case c.Server.Port <= 0:
		return invalid("server.port", "must be > 0")
	case c.Server.RequestTimeoutSeconds <= 0:
		return invalid("server.request_timeout_seconds", "must be > 0")
	case c.Auth.Enabled && c.Auth.APIKey == "":
		return invalid("auth.api_key", "must be set when auth is enabled")
	case c.Crawler.Concurrency <= 0:
		return invalid("crawler.concurrency", "must be > 0")
	case c.Crawler.RequestTimeoutSeconds <= 0:
		return invalid("crawler.request_timeout_seconds", "must be > 0")
	case !oneOf(c.Embedding.Provider, ProviderOpenAI, ProviderOllama, ProviderGemini, ProviderNone):
		return invalid("embedding.provider", fmt.Sprintf("unknown provider %q", c.Embedding.Provider))
	case !oneOf(c.Completion.Provider, ProviderOpenAI, ProviderOllama, ProviderGemini, ProviderNone):
		return invalid("completion.provider", fmt.Sprintf("unknown provider %q", c.Completion.Provider))
	case c.Embedding.BatchSize <= 0:
		return invalid("embedding.batch_size", "must be > 0")
	case c.Embedding.Concurrency <= 0:
		return invalid("embedding.concurrency", "must be > 0")
	case !oneOf(c.Embedding.OnError, "abort", "skip"):
		return invalid("embedding.on_error", `must be "abort" or "skip"`)
	case c.Retry.MaxAttempts <= 0:
		return invalid("retry.max_attempts", "must be > 0")
	case c.Retrieval.TopK <= 0:
		return invalid("retrieval.top_k", "must be > 0")
	case c.Tracing.SampleRatio < 0 || c.Tracing.SampleRatio > 1:
		return invalid("tracing.sample_ratio", "must be between 0 and 1")
	}
	return c.Storage.validate()
}

func (s StorageConfig) validate() error {
	switch {
	case s.PagesKey == "" || s.UnitsKey == "":
		return invalid("storage.pages_key", "snapshot keys must be set")
	case s.PagesKey == s.UnitsKey:
		return invalid("storage.units_key", "must differ from storage.pages_key")
	}
	switch s.Backend {
	case BackendLocal:
		if s.Local.Dir == "" {
			return invalid("storage.local.dir", "must be set for the local backend")
		}
	case BackendMemory:
	case BackendGCS:
		if s.GCS.Bucket == "" {
			return invalid("storage.gcs.bucket", "must be set for the gcs backend")
		}
	case BackendPostgres:
		if s.Postgres.DSN == "" {
			return invalid("storage.postgres.dsn", "must be set for the postgres backend")
		}
	default:
		return invalid("storage.backend", fmt.Sprintf("unknown backend %q", s.Backend))
	}
	return nil
}

// KeyEnv returns the environment variable holding the embedding credential.
func (e EmbeddingConfig) KeyEnv() string {
	return keyEnv(e.Provider, e.APIKeyEnv)
}

// KeyEnv returns the environment variable holding the completion credential.
func (c CompletionConfig) KeyEnv() string {
	return keyEnv(c.Provider, c.APIKeyEnv)
}

func keyEnv(provider, explicit string) string {
	if explicit != "" {
		return explicit
	}
	switch provider {
	case ProviderOpenAI:
		return "OPENAI_API_KEY"
	case ProviderGemini:
		return "GEMINI_API_KEY"
	default:
		return ""
	}
}

// Seconds converts a seconds knob into a duration.
func Seconds(n int) time.Duration {
	return time.Duration(n) * time.Second
}

// Millis converts a milliseconds knob into a duration.
func Millis(n int) time.Duration {
	return time.Duration(n) * time.Millisecond
}

func invalid(key, reason string) error {
	return &crawler.ConfigError{Key: key, Reason: reason}
}

func oneOf(v string, allowed ...string) bool {
	for _, a := range allowed {
		if v == a {
			return true
		}
	}
	return false
}
