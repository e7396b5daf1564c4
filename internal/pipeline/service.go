// Package pipeline orchestrates crawl, index and query runs over the snapshot
// stores. It is the single entry point used by the HTTP API and the CLI.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"os"
	"strings"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/JakeFAU/siteground/internal/crawler"
	"github.com/JakeFAU/siteground/internal/llm"
	"github.com/JakeFAU/siteground/internal/metrics"
	"github.com/JakeFAU/siteground/internal/progress"
	"github.com/JakeFAU/siteground/internal/retrieval"
	"github.com/JakeFAU/siteground/internal/snapshot"
	"github.com/JakeFAU/siteground/internal/store"
)

// ErrBusy is returned when a run of the same kind is already in progress for
// the target.
var ErrBusy = errors.New("operation already running for this target")

// ErrInvalidInput marks caller mistakes such as an empty prompt.
var ErrInvalidInput = errors.New("invalid input")

// DefaultMaxDepth is used when neither the request nor the config sets one.
const DefaultMaxDepth = 2

// DefaultTopK is the number of context excerpts handed to the completer.
const DefaultTopK = 3

var tracer = otel.Tracer("github.com/JakeFAU/siteground/internal/pipeline")

// Crawler walks a domain from a seed.
type Crawler interface {
	Crawl(ctx context.Context, seed string, maxDepth int) ([]crawler.PageRecord, error)
}

// Indexer turns pages into embedded units.
type Indexer interface {
	Build(ctx context.Context, pages []crawler.PageRecord) ([]crawler.EmbeddedUnit, error)
}

// Snapshots persists one collection.
type Snapshots[T any] interface {
	Key() string
	Save(ctx context.Context, items []T) (snapshot.Saved, error)
	Load(ctx context.Context) ([]T, error)
	LoadRaw(ctx context.Context) ([]byte, error)
}

// Config holds the settings read once at start.
type Config struct {
	DefaultURL   string
	MaxDepth     int
	IndexOnCrawl bool
	TopK         int
	// Topic receives snapshot notifications when a publisher is wired.
	Topic string
	// APIKeyEnv names the environment variable holding the provider
	// credential. Empty means the provider needs none.
	APIKeyEnv string
}

// Deps are the collaborators of a Service. Publisher and Runs are optional.
type Deps struct {
	Crawler   Crawler
	Indexer   Indexer
	Embedder  crawler.Embedder
	Completer crawler.Completer
	Pages     Snapshots[crawler.PageRecord]
	Units     Snapshots[crawler.EmbeddedUnit]
	Publisher crawler.Publisher
	Runs      store.RunRepository
	// Progress receives run start and finish events. Nil discards them.
	Progress  progress.Emitter
	Clock     crawler.Clock
	IDs       crawler.IDGenerator
	Logger    *zap.Logger
	// LookupEnv defaults to os.LookupEnv.
	LookupEnv func(string) (string, bool)
}

// Service runs the crawl-and-ground pipeline.
type Service struct {
	cfg  Config
	deps Deps

	mu     sync.Mutex
	active map[string]struct{}
}

// New validates deps and returns a Service.
func New(cfg Config, deps Deps) (*Service, error) {
	switch {
	case deps.Crawler == nil:
		return nil, errors.New("pipeline: crawler is required")
	case deps.Pages == nil || deps.Units == nil:
		return nil, errors.New("pipeline: snapshot stores are required")
	case deps.Clock == nil:
		return nil, errors.New("pipeline: clock is required")
	case deps.IDs == nil:
		return nil, errors.New("pipeline: id generator is required")
	}
	if cfg.MaxDepth < 0 {
		return nil, &crawler.ConfigError{Key: "max_depth", Reason: "must be >= 0"}
	}
	if cfg.TopK <= 0 {
		cfg.TopK = DefaultTopK
	}
	if deps.Logger == nil {
		deps.Logger = zap.NewNop()
	}
	if deps.LookupEnv == nil {
		deps.LookupEnv = os.LookupEnv
	}
	if deps.Progress == nil {
		deps.Progress = progress.Discard
	}
	deps.Logger = deps.Logger.Named("pipeline")
	return &Service{cfg: cfg, deps: deps, active: make(map[string]struct{})}, nil
}

// CrawlRequest overrides the configured defaults for one crawl.
type CrawlRequest struct {
	URL      string
	MaxDepth *int
	Index    *bool
}

// IndexSummary reports the outcome of one index build.
type IndexSummary struct {
	RunID        string        `json:"run_id"`
	PagesRead    int           `json:"pages_read"`
	UnitsIndexed int           `json:"units_indexed"`
	Model        string        `json:"model"`
	Duration     time.Duration `json:"duration"`
}

// Answer is a grounded completion and the excerpts it was grounded in.
type Answer struct {
	Response string   `json:"response"`
	Context  []string `json:"context"`
}

// Notification is published after each snapshot write.
type Notification struct {
	Event    string         `json:"event"`
	RunID    string         `json:"run_id"`
	Snapshot snapshot.Saved `json:"snapshot"`
	SavedAt  time.Time      `json:"saved_at"`
}

// Notification events.
const (
	EventPagesSaved = "pages_saved"
	EventUnitsSaved = "units_saved"
)

// Crawl walks the domain, saves the page snapshot and optionally builds the
// unit index from it.
func (s *Service) Crawl(ctx context.Context, req CrawlRequest) (summary crawler.CrawlSummary, err error) {
	ctx, span := tracer.Start(ctx, "pipeline.Crawl")
	defer func() { endSpan(span, err) }()

	seed := strings.TrimSpace(req.URL)
	if seed == "" {
		seed = s.cfg.DefaultURL
	}
	if seed == "" {
		return crawler.CrawlSummary{}, &crawler.ConfigError{Key: "default_url", Reason: "no URL given and no default configured"}
	}
	host, err := hostOf(seed)
	if err != nil {
		return crawler.CrawlSummary{}, err
	}
	span.SetAttributes(attribute.String("seed", seed))
	depth := s.cfg.MaxDepth
	if req.MaxDepth != nil {
		depth = *req.MaxDepth
	}
	if depth < 0 {
		return crawler.CrawlSummary{}, fmt.Errorf("%w: max_depth must be >= 0", ErrInvalidInput)
	}
	index := s.cfg.IndexOnCrawl
	if req.Index != nil {
		index = *req.Index
	}
	if index && (s.deps.Indexer == nil || s.deps.Embedder == nil) {
		return crawler.CrawlSummary{}, &crawler.ConfigError{Key: "embedding.provider", Reason: "indexing requested but no embedder is configured"}
	}

	locks := []string{"crawl:" + host}
	if index {
		locks = append(locks, "index")
	}
	release, err := s.acquire(locks...)
	if err != nil {
		return crawler.CrawlSummary{}, err
	}
	defer release()

	start := s.deps.Clock.Now()
	runID, err := s.startRun(ctx, store.Run{Kind: store.KindCrawl, Target: seed, MaxDepth: depth})
	if err != nil {
		return crawler.CrawlSummary{}, err
	}
	span.SetAttributes(attribute.String("run_id", runID), attribute.Int("max_depth", depth))
	logger := s.deps.Logger.With(zap.String("run_id", runID), zap.String("seed", seed))
	logger.Info("crawl started", zap.Int("max_depth", depth), zap.Bool("index", index))
	ctx = progress.WithRun(ctx, runID)
	s.emitRun(runID, store.KindCrawl, progress.StageRunStart, 0, nil)

	summary = crawler.CrawlSummary{RunID: runID, SeedURL: seed, MaxDepth: depth, Indexed: index}
	result, err := s.crawlAndSave(ctx, runID, seed, depth, index, &summary)
	summary.Duration = s.deps.Clock.Now().Sub(start)
	s.completeRun(ctx, runID, result, err)
	s.emitRun(runID, store.KindCrawl, progress.StageRunDone, summary.Duration, err)
	span.SetAttributes(attribute.Int("pages", summary.PagesScraped), attribute.Int("units", summary.UnitsIndexed))
	if err != nil {
		metrics.ObserveCrawl("error", summary.Duration)
		logger.Error("crawl failed", zap.Error(err))
		return crawler.CrawlSummary{}, err
	}
	metrics.ObserveCrawl("success", summary.Duration)
	logger.Info("crawl completed",
		zap.Int("pages", summary.PagesScraped),
		zap.Int("units", summary.UnitsIndexed),
		zap.Duration("duration", summary.Duration),
	)
	return summary, nil
}

func (s *Service) crawlAndSave(ctx context.Context, runID, seed string, depth int, index bool, summary *crawler.CrawlSummary) (store.RunResult, error) {
	var result store.RunResult
	pages, err := s.deps.Crawler.Crawl(ctx, seed, depth)
	if err != nil {
		return result, fmt.Errorf("crawl %s: %w", seed, err)
	}
	result.Pages = len(pages)
	summary.PagesScraped = len(pages)

	saved, err := s.deps.Pages.Save(ctx, pages)
	if err != nil {
		return result, err
	}
	s.notify(ctx, EventPagesSaved, runID, saved)

	if !index {
		return result, nil
	}
	units, err := s.buildAndSave(ctx, runID, pages)
	if err != nil {
		return result, err
	}
	result.Units = len(units)
	summary.UnitsIndexed = len(units)
	return result, nil
}

// Index rebuilds the unit snapshot from the saved page snapshot.
func (s *Service) Index(ctx context.Context) (_ IndexSummary, err error) {
	ctx, span := tracer.Start(ctx, "pipeline.Index")
	defer func() { endSpan(span, err) }()

	if s.deps.Indexer == nil || s.deps.Embedder == nil {
		return IndexSummary{}, &crawler.ConfigError{Key: "embedding.provider", Reason: "no embedder is configured"}
	}
	release, err := s.acquire("index")
	if err != nil {
		return IndexSummary{}, err
	}
	defer release()

	start := s.deps.Clock.Now()
	runID, err := s.startRun(ctx, store.Run{Kind: store.KindIndex, Target: s.deps.Pages.Key()})
	if err != nil {
		return IndexSummary{}, err
	}

	span.SetAttributes(attribute.String("run_id", runID))
	ctx = progress.WithRun(ctx, runID)
	s.emitRun(runID, store.KindIndex, progress.StageRunStart, 0, nil)

	summary := IndexSummary{RunID: runID, Model: s.deps.Embedder.ModelName()}
	var result store.RunResult
	pages, err := s.deps.Pages.Load(ctx)
	if err == nil {
		result.Pages = len(pages)
		summary.PagesRead = len(pages)
		var units []crawler.EmbeddedUnit
		units, err = s.buildAndSave(ctx, runID, pages)
		result.Units = len(units)
		summary.UnitsIndexed = len(units)
	}
	summary.Duration = s.deps.Clock.Now().Sub(start)
	s.completeRun(ctx, runID, result, err)
	s.emitRun(runID, store.KindIndex, progress.StageRunDone, summary.Duration, err)
	span.SetAttributes(attribute.Int("units", summary.UnitsIndexed))
	if err != nil {
		s.deps.Logger.Error("index build failed", zap.String("run_id", runID), zap.Error(err))
		return IndexSummary{}, err
	}
	return summary, nil
}

func (s *Service) buildAndSave(ctx context.Context, runID string, pages []crawler.PageRecord) ([]crawler.EmbeddedUnit, error) {
	units, err := s.deps.Indexer.Build(ctx, pages)
	if err != nil {
		return nil, fmt.Errorf("build index: %w", err)
	}
	saved, err := s.deps.Units.Save(ctx, units)
	if err != nil {
		return nil, err
	}
	s.notify(ctx, EventUnitsSaved, runID, saved)
	return units, nil
}

// Query embeds prompt, retrieves the closest units and asks the completer for
// an answer grounded in them.
func (s *Service) Query(ctx context.Context, prompt string) (Answer, error) {
	ctx, span := tracer.Start(ctx, "pipeline.Query")
	answer, err := s.query(ctx, prompt)
	span.SetAttributes(attribute.Int("context_units", len(answer.Context)))
	endSpan(span, err)
	switch {
	case err == nil:
		metrics.ObserveQuery("success")
	case isNotFound(err):
		metrics.ObserveQuery("not_found")
	default:
		metrics.ObserveQuery("error")
	}
	return answer, err
}

func (s *Service) query(ctx context.Context, prompt string) (Answer, error) {
	if strings.TrimSpace(prompt) == "" {
		return Answer{}, fmt.Errorf("%w: prompt is required", ErrInvalidInput)
	}
	if s.deps.Embedder == nil || s.deps.Completer == nil {
		return Answer{}, &crawler.ConfigError{Key: "completion.provider", Reason: "query needs an embedder and a completer"}
	}
	units, err := s.deps.Units.Load(ctx)
	if err != nil {
		return Answer{}, err
	}
	model := s.deps.Embedder.ModelName()
	for _, u := range units {
		if u.Model != "" && u.Model != model {
			return Answer{}, &crawler.ConfigError{
				Key:    "embedding.model",
				Reason: fmt.Sprintf("index was built with %q but queries embed with %q; rebuild the index", u.Model, model),
			}
		}
	}

	vector, err := s.deps.Embedder.Embed(ctx, prompt)
	if err != nil {
		return Answer{}, err
	}
	texts, err := retrieval.Retrieve(vector, units, s.cfg.TopK)
	if err != nil {
		return Answer{}, err
	}
	response, err := s.deps.Completer.Complete(ctx, llm.SystemPrompt, llm.UserPrompt(retrieval.ContextText(texts), prompt))
	if err != nil {
		return Answer{}, err
	}
	s.deps.Logger.Info("query answered",
		zap.Int("corpus", len(units)),
		zap.Int("context", len(texts)),
	)
	return Answer{Response: response, Context: texts}, nil
}

// Pages returns the saved page snapshot.
func (s *Service) Pages(ctx context.Context) ([]crawler.PageRecord, error) {
	return s.deps.Pages.Load(ctx)
}

// PagesRaw returns the saved page snapshot document unchanged.
func (s *Service) PagesRaw(ctx context.Context) ([]byte, error) {
	return s.deps.Pages.LoadRaw(ctx)
}

// APIKeyPresent reports whether the provider credential is set. The value is
// never returned or logged.
func (s *Service) APIKeyPresent() bool {
	if s.cfg.APIKeyEnv == "" {
		return true
	}
	v, ok := s.deps.LookupEnv(s.cfg.APIKeyEnv)
	return ok && strings.TrimSpace(v) != ""
}

// Runs lists recorded runs, newest first.
func (s *Service) Runs(ctx context.Context, status *store.RunStatus, limit, offset int) ([]store.Run, error) {
	if s.deps.Runs == nil {
		return []store.Run{}, nil
	}
	return s.deps.Runs.ListRuns(ctx, status, limit, offset)
}

// Run loads one recorded run.
func (s *Service) Run(ctx context.Context, id string) (store.Run, error) {
	if s.deps.Runs == nil {
		return store.Run{}, store.ErrNotFound
	}
	return s.deps.Runs.GetRun(ctx, id)
}

func (s *Service) acquire(keys ...string) (func(), error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, k := range keys {
		if _, busy := s.active[k]; busy {
			return nil, fmt.Errorf("%w: %s", ErrBusy, k)
		}
	}
	for _, k := range keys {
		s.active[k] = struct{}{}
	}
	return func() {
		s.mu.Lock()
		defer s.mu.Unlock()
		for _, k := range keys {
			delete(s.active, k)
		}
	}, nil
}

func (s *Service) startRun(ctx context.Context, run store.Run) (string, error) {
	id, err := s.deps.IDs.NewID()
	if err != nil {
		return "", fmt.Errorf("new run id: %w", err)
	}
	if s.deps.Runs == nil {
		return id, nil
	}
	run.ID = id
	run.StartedAt = s.deps.Clock.Now()
	run.Status = store.RunRunning
	if err := s.deps.Runs.StartRun(ctx, run); err != nil {
		return "", fmt.Errorf("record run start: %w", err)
	}
	return id, nil
}

// completeRun records the final state even when ctx was canceled.
func (s *Service) completeRun(ctx context.Context, id string, result store.RunResult, runErr error) {
	if s.deps.Runs == nil {
		return
	}
	result.Status = store.RunSuccess
	if runErr != nil {
		result.Status = store.RunError
		result.Err = runErr
	}
	if err := s.deps.Runs.CompleteRun(context.WithoutCancel(ctx), id, s.deps.Clock.Now(), result); err != nil {
		s.deps.Logger.Warn("record run completion failed", zap.String("run_id", id), zap.Error(err))
	}
}

// notify publishes a snapshot event. Failures are logged and never fail the
// run.
func (s *Service) notify(ctx context.Context, event, runID string, saved snapshot.Saved) {
	if s.deps.Publisher == nil || s.cfg.Topic == "" {
		return
	}
	msg := Notification{Event: event, RunID: runID, Snapshot: saved, SavedAt: s.deps.Clock.Now()}
	id, err := s.deps.Publisher.Publish(ctx, s.cfg.Topic, msg)
	if err != nil {
		s.deps.Logger.Warn("publish snapshot notification failed",
			zap.String("run_id", runID),
			zap.String("event", event),
			zap.Error(err),
		)
		return
	}
	s.deps.Logger.Debug("snapshot notification published",
		zap.String("event", event),
		zap.String("message_id", id),
	)
}

// emitRun reports a run milestone. A non-nil err turns RUN_DONE into
// RUN_ERROR.
func (s *Service) emitRun(runID string, kind store.RunKind, stage progress.Stage, dur time.Duration, err error) {
	evt := progress.Event{RunID: runID, Kind: string(kind), TS: s.deps.Clock.Now(), Stage: stage, Dur: dur}
	if err != nil {
		evt.Stage = progress.StageRunError
		evt.Note = err.Error()
	}
	s.deps.Progress.Emit(evt)
}

func endSpan(span trace.Span, err error) {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	span.End()
}

func hostOf(seed string) (string, error) {
	u, err := url.Parse(seed)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return "", fmt.Errorf("%w: url %q must be an absolute http(s) URL", ErrInvalidInput, seed)
	}
	return strings.ToLower(u.Host), nil
}

func isNotFound(err error) bool {
	var nf *crawler.NotFoundError
	return errors.As(err, &nf)
}
