// Package app builds the long-lived services from configuration and acts as
// the dependency injection container for the commands.
package app

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sync"
	"time"

	gcs "cloud.google.com/go/storage"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"

	"github.com/JakeFAU/siteground/internal/api"
	"github.com/JakeFAU/siteground/internal/clock/system"
	"github.com/JakeFAU/siteground/internal/config"
	"github.com/JakeFAU/siteground/internal/crawler"
	"github.com/JakeFAU/siteground/internal/extractor"
	collyfetcher "github.com/JakeFAU/siteground/internal/fetcher/colly"
	"github.com/JakeFAU/siteground/internal/id/uuid"
	"github.com/JakeFAU/siteground/internal/index"
	"github.com/JakeFAU/siteground/internal/llm"
	"github.com/JakeFAU/siteground/internal/llm/gemini"
	"github.com/JakeFAU/siteground/internal/llm/ollama"
	"github.com/JakeFAU/siteground/internal/llm/openai"
	"github.com/JakeFAU/siteground/internal/logging"
	"github.com/JakeFAU/siteground/internal/metrics"
	"github.com/JakeFAU/siteground/internal/pipeline"
	"github.com/JakeFAU/siteground/internal/progress"
	"github.com/JakeFAU/siteground/internal/progress/sinks"
	"github.com/JakeFAU/siteground/internal/publisher/pubsub"
	"github.com/JakeFAU/siteground/internal/snapshot"
	"github.com/JakeFAU/siteground/internal/storage"
	gcsstore "github.com/JakeFAU/siteground/internal/storage/gcs"
	"github.com/JakeFAU/siteground/internal/storage/local"
	"github.com/JakeFAU/siteground/internal/storage/memory"
	"github.com/JakeFAU/siteground/internal/storage/postgres"
	"github.com/JakeFAU/siteground/internal/store"
	"github.com/JakeFAU/siteground/internal/telemetry"
)

const shutdownTimeout = 10 * time.Second

// progressMetrics is shared by every App in the process because its
// collectors live on the default registerer.
var progressMetrics = sync.OnceValues(func() (*sinks.PrometheusSink, error) {
	return sinks.NewPrometheusSink(nil)
})

// App holds the shared, long-lived services. It is built once at startup and
// closed when the command exits.
type App struct {
	Config   config.Config
	Logger   *zap.Logger
	Backend  storage.Backend
	Runs     store.RunRepository
	Pipeline *pipeline.Service
	Server   *api.Server

	readiness []api.ReadinessCheck
	closers   []func() error
}

// Options adjusts how New resolves its environment.
type Options struct {
	// LookupEnv defaults to os.LookupEnv.
	LookupEnv func(string) (string, bool)
}

// New wires every service described by cfg. It fails fast when a configured
// backend cannot be reached. A missing provider credential is not fatal: the
// provider is left unset and the operations that need it report a ConfigError.
func New(ctx context.Context, cfg config.Config, logger *zap.Logger, opts Options) (*App, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	if opts.LookupEnv == nil {
		opts.LookupEnv = os.LookupEnv
	}
	if cfg.Metrics.Enabled {
		metrics.Init()
	}
	a := &App{Config: cfg, Logger: logger}
	logger.Info("initializing application services",
		zap.String("storage", cfg.Storage.Backend),
		zap.String("embedding", cfg.Embedding.Provider),
		zap.String("completion", cfg.Completion.Provider),
	)

	shutdownTracing, err := telemetry.InitTracerProvider(ctx, telemetry.Config{
		Enabled:     cfg.Tracing.Enabled,
		ServiceName: logging.ServiceName,
		SampleRatio: cfg.Tracing.SampleRatio,
	}, logger.Named("trace"))
	if err != nil {
		return nil, fmt.Errorf("initialize tracing: %w", err)
	}
	a.closers = append(a.closers, func() error {
		sctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		return shutdownTracing(sctx)
	})

	if err := a.initStorage(ctx); err != nil {
		_ = a.Close()
		return nil, err
	}

	hub, err := a.initProgress()
	if err != nil {
		_ = a.Close()
		return nil, err
	}

	embedder, err := newEmbedder(ctx, cfg, opts.LookupEnv, logger)
	if err != nil {
		_ = a.Close()
		return nil, err
	}
	completer, err := newCompleter(ctx, cfg, opts.LookupEnv, logger)
	if err != nil {
		_ = a.Close()
		return nil, err
	}

	var publisher crawler.Publisher
	if cfg.PubSub.Topic != "" {
		pub, err := pubsub.Connect(ctx, cfg.PubSub.ProjectID)
		if err != nil {
			_ = a.Close()
			return nil, fmt.Errorf("initialize pubsub: %w", err)
		}
		a.closers = append(a.closers, pub.Close)
		publisher = pub
		logger.Info("publishing snapshot events", zap.String("topic", cfg.PubSub.Topic))
	}

	var indexer pipeline.Indexer
	if embedder != nil {
		builder, err := index.New(embedder, index.Config{
			BatchSize:   cfg.Embedding.BatchSize,
			Concurrency: cfg.Embedding.Concurrency,
			OnError:     cfg.Embedding.OnError,
			Dedupe:      cfg.Embedding.Dedupe,
		}, logger.Named("index"))
		if err != nil {
			_ = a.Close()
			return nil, err
		}
		indexer = builder
	}

	fetcher := collyfetcher.New(collyfetcher.Config{
		UserAgent:   cfg.Crawler.UserAgent,
		Timeout:     config.Seconds(cfg.Crawler.RequestTimeoutSeconds),
		MaxBodySize: cfg.Crawler.MaxBodyBytes,
	})
	clock := system.New()
	crawl := crawler.New(fetcher, extractor.New(), clock, crawler.Config{
		Concurrency: cfg.Crawler.Concurrency,
		Progress:    hub,
	}, logger.Named("crawler"))

	deps := pipeline.Deps{
		Crawler:   crawl,
		Indexer:   indexer,
		Embedder:  embedder,
		Completer: completer,
		Pages:     snapshot.New[crawler.PageRecord](a.Backend, cfg.Storage.PagesKey, logger),
		Units:     snapshot.New[crawler.EmbeddedUnit](a.Backend, cfg.Storage.UnitsKey, logger),
		Publisher: publisher,
		Runs:      a.Runs,
		Clock:     clock,
		IDs:       uuid.New(),
		Progress:  hub,
		Logger:    logger.Named("pipeline"),
		LookupEnv: opts.LookupEnv,
	}
	svc, err := pipeline.New(pipeline.Config{
		DefaultURL:   cfg.DefaultURL,
		MaxDepth:     cfg.MaxDepth,
		IndexOnCrawl: cfg.IndexOnCrawl,
		TopK:         cfg.Retrieval.TopK,
		Topic:        cfg.PubSub.Topic,
		APIKeyEnv:    apiKeyEnv(cfg),
	}, deps)
	if err != nil {
		_ = a.Close()
		return nil, err
	}
	a.Pipeline = svc

	authKey := ""
	if cfg.Auth.Enabled {
		authKey = cfg.Auth.APIKey
	}
	a.Server = api.NewServer(svc, a.Runs, api.Options{
		RequestTimeout: config.Seconds(cfg.Server.RequestTimeoutSeconds),
		AuthAPIKey:     authKey,
		MetricsEnabled: cfg.Metrics.Enabled,
		Tracing:        cfg.Tracing.Enabled,
		Readiness:      a.readiness,
	}, logger.Named("api"))

	logger.Info("application services initialized")
	return a, nil
}

// Close releases every service in reverse order of creation.
func (a *App) Close() error {
	var errs []error
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](); err != nil {
			errs = append(errs, err)
		}
	}
	a.closers = nil
	if err := errors.Join(errs...); err != nil {
		a.Logger.Warn("error closing application services", zap.Error(err))
		return err
	}
	return nil
}

func (a *App) initProgress() (*progress.Hub, error) {
	named := a.Logger.Named("progress")
	hubSinks := []progress.Sink{sinks.NewLogSink(named)}
	if a.Config.Metrics.Enabled {
		promSink, err := progressMetrics()
		if err != nil {
			return nil, fmt.Errorf("initialize progress metrics: %w", err)
		}
		hubSinks = append(hubSinks, promSink)
	}
	hub := progress.NewHub(progress.Config{Logger: named}, hubSinks...)
	a.closers = append(a.closers, func() error {
		ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		return hub.Close(ctx)
	})
	return hub, nil
}

func (a *App) initStorage(ctx context.Context) error {
	sc := a.Config.Storage
	switch sc.Backend {
	case config.BackendMemory:
		a.Backend = memory.NewBlobStore()
		a.Runs = memory.NewRunStore()
	case config.BackendLocal:
		backend, err := local.New(local.Config{BaseDir: sc.Local.Dir})
		if err != nil {
			return fmt.Errorf("initialize local storage: %w", err)
		}
		a.Backend = backend
		a.Runs = memory.NewRunStore()
	case config.BackendGCS:
		client, err := gcs.NewClient(ctx)
		if err != nil {
			return fmt.Errorf("create gcs client: %w", err)
		}
		a.closers = append(a.closers, client.Close)
		backend, err := gcsstore.New(client, gcsstore.Config{Bucket: sc.GCS.Bucket, Prefix: sc.GCS.Prefix})
		if err != nil {
			return fmt.Errorf("initialize gcs storage: %w", err)
		}
		a.Backend = backend
		a.Runs = memory.NewRunStore()
	case config.BackendPostgres:
		return a.initPostgres(ctx)
	default:
		return &crawler.ConfigError{Key: "storage.backend", Reason: fmt.Sprintf("unknown backend %q", sc.Backend)}
	}
	a.Logger.Info("storage ready", zap.String("backend", sc.Backend))
	return nil
}

func (a *App) initPostgres(ctx context.Context) error {
	pc := a.Config.Storage.Postgres
	pool, err := postgres.NewPool(ctx, postgres.PoolConfig{
		DSN:      pc.DSN,
		MaxConns: int32(pc.MaxConns), //nolint:gosec // bounded by config validation
	})
	if err != nil {
		return fmt.Errorf("initialize postgres: %w", err)
	}
	a.closers = append(a.closers, func() error {
		pool.Close()
		return nil
	})
	a.readiness = append(a.readiness, pingCheck(pool))

	snapshots, err := postgres.NewSnapshotStore(pool, pc.Table)
	if err != nil {
		return err
	}
	if err := snapshots.EnsureSchema(ctx); err != nil {
		return err
	}
	runs, err := postgres.NewRunStore(pool, pc.RunsTable)
	if err != nil {
		return err
	}
	if err := runs.EnsureSchema(ctx); err != nil {
		return err
	}
	a.Backend = snapshots
	a.Runs = runs
	a.Logger.Info("storage ready", zap.String("backend", config.BackendPostgres), zap.String("table", pc.Table))
	return nil
}

func pingCheck(pool *pgxpool.Pool) api.ReadinessCheck {
	return func(ctx context.Context) error {
		if err := pool.Ping(ctx); err != nil {
			return fmt.Errorf("postgres ping: %w", err)
		}
		return nil
	}
}

func retryPolicy(cfg config.RetryConfig) llm.RetryPolicy {
	return llm.RetryPolicy{
		MaxAttempts: cfg.MaxAttempts,
		BaseDelay:   config.Millis(cfg.BackoffInitialMs),
		MaxDelay:    config.Millis(cfg.BackoffMaxMs),
	}
}

// credential resolves the key for a provider. ok is false when the provider
// needs a key and none is set.
func credential(envName string, lookup func(string) (string, bool)) (string, bool) {
	if envName == "" {
		return "", true
	}
	v, found := lookup(envName)
	return v, found && v != ""
}

func apiKeyEnv(cfg config.Config) string {
	if env := cfg.Embedding.KeyEnv(); env != "" {
		return env
	}
	return cfg.Completion.KeyEnv()
}

func newEmbedder(ctx context.Context, cfg config.Config, lookup func(string) (string, bool), logger *zap.Logger) (crawler.Embedder, error) {
	ec := cfg.Embedding
	key, ok := credential(ec.KeyEnv(), lookup)
	if !ok {
		logger.Warn("embedding credential not set; indexing and queries are disabled",
			zap.String("provider", ec.Provider), zap.String("env", ec.KeyEnv()))
		return nil, nil
	}
	retry := retryPolicy(cfg.Retry)
	timeout := config.Seconds(ec.TimeoutSeconds)
	named := logger.Named("embedding")

	switch ec.Provider {
	case config.ProviderNone:
		return nil, nil
	case config.ProviderOpenAI:
		return openai.NewEmbedder(openai.Config{
			APIKey: key, BaseURL: ec.BaseURL, Model: ec.Model,
			Timeout: timeout, Retry: retry, Logger: named,
		})
	case config.ProviderOllama:
		client, err := ollama.NewClient(ec.BaseURL, timeout)
		if err != nil {
			return nil, &crawler.ConfigError{Key: "embedding.base_url", Reason: err.Error()}
		}
		return ollama.NewEmbedder(client, ollama.Config{
			Model: ec.Model, Timeout: timeout, Retry: retry, Logger: named,
		}), nil
	case config.ProviderGemini:
		client, err := gemini.NewClient(ctx, key)
		if err != nil {
			return nil, err
		}
		return gemini.NewEmbedder(client.Models, gemini.Config{
			Model: ec.Model, Retry: retry, Logger: named,
		}), nil
	default:
		return nil, &crawler.ConfigError{Key: "embedding.provider", Reason: fmt.Sprintf("unknown provider %q", ec.Provider)}
	}
}

func newCompleter(ctx context.Context, cfg config.Config, lookup func(string) (string, bool), logger *zap.Logger) (crawler.Completer, error) {
	cc := cfg.Completion
	key, ok := credential(cc.KeyEnv(), lookup)
	if !ok {
		logger.Warn("completion credential not set; queries are disabled",
			zap.String("provider", cc.Provider), zap.String("env", cc.KeyEnv()))
		return nil, nil
	}
	retry := retryPolicy(cfg.Retry)
	timeout := config.Seconds(cc.TimeoutSeconds)
	named := logger.Named("completion")

	switch cc.Provider {
	case config.ProviderNone:
		return nil, nil
	case config.ProviderOpenAI:
		return openai.NewCompleter(openai.Config{
			APIKey: key, BaseURL: cc.BaseURL, Model: cc.Model, Timeout: timeout,
			Temperature: cc.Temperature, Retry: retry, Logger: named,
		})
	case config.ProviderOllama:
		client, err := ollama.NewClient(cc.BaseURL, timeout)
		if err != nil {
			return nil, &crawler.ConfigError{Key: "completion.base_url", Reason: err.Error()}
		}
		return ollama.NewCompleter(client, ollama.Config{
			Model: cc.Model, Timeout: timeout, Temperature: cc.Temperature,
			Retry: retry, Logger: named,
		}), nil
	case config.ProviderGemini:
		client, err := gemini.NewClient(ctx, key)
		if err != nil {
			return nil, err
		}
		return gemini.NewCompleter(client.Models, gemini.Config{
			Model: cc.Model, Temperature: cc.Temperature, Retry: retry, Logger: named,
		}), nil
	default:
		return nil, &crawler.ConfigError{Key: "completion.provider", Reason: fmt.Sprintf("unknown provider %q", cc.Provider)}
	}
}
