// Package index turns crawled pages into embedded text units.
package index

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/JakeFAU/siteground/internal/crawler"
	"github.com/JakeFAU/siteground/internal/metrics"
)

// Failure policies for units whose embedding fails.
const (
	OnErrorAbort = "abort"
	OnErrorSkip  = "skip"
)

// Defaults applied by New.
const (
	DefaultBatchSize   = 16
	DefaultConcurrency = 4
)

// Config controls how units are embedded.
type Config struct {
	BatchSize   int
	Concurrency int
	// OnError is OnErrorAbort or OnErrorSkip. Empty means abort.
	OnError string
	// Dedupe drops units whose exact text was already seen.
	Dedupe bool
}

// Validate checks the failure policy.
func (c Config) Validate() error {
	switch c.OnError {
	case "", OnErrorAbort, OnErrorSkip:
		return nil
	default:
		return &crawler.ConfigError{
			Key:    "embedding.on_error",
			Reason: fmt.Sprintf("must be %q or %q, got %q", OnErrorAbort, OnErrorSkip, c.OnError),
		}
	}
}

// Builder embeds the text units of a page collection.
type Builder struct {
	embedder crawler.Embedder
	cfg      Config
	logger   *zap.Logger
}

// New constructs a Builder.
func New(embedder crawler.Embedder, cfg Config, logger *zap.Logger) (*Builder, error) {
	if embedder == nil {
		return nil, errors.New("index: embedder is required")
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if cfg.OnError == "" {
		cfg.OnError = OnErrorAbort
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = DefaultBatchSize
	}
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = DefaultConcurrency
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Builder{embedder: embedder, cfg: cfg, logger: logger.Named("index")}, nil
}

// Segment splits pages into unembedded units. Per page the order is the
// title, the headings by level, then the non-empty paragraphs. With dedupe
// only the first occurrence of a text is kept.
func Segment(pages []crawler.PageRecord, dedupe bool) []crawler.EmbeddedUnit {
	units := make([]crawler.EmbeddedUnit, 0)
	seen := make(map[string]struct{})
	add := func(u crawler.EmbeddedUnit) {
		if strings.TrimSpace(u.Text) == "" {
			return
		}
		if dedupe {
			if _, ok := seen[u.Text]; ok {
				return
			}
			seen[u.Text] = struct{}{}
		}
		units = append(units, u)
	}

	for _, p := range pages {
		add(crawler.EmbeddedUnit{Text: p.Title, Kind: crawler.UnitTitle, SourceURL: p.URL})
		for _, level := range crawler.HeadingLevels {
			for _, h := range p.Headings.Level(level) {
				add(crawler.EmbeddedUnit{Text: h, Kind: crawler.UnitHeading, Level: string(level), SourceURL: p.URL})
			}
		}
		for _, para := range p.Paragraphs {
			add(crawler.EmbeddedUnit{Text: para, Kind: crawler.UnitParagraph, SourceURL: p.URL})
		}
	}
	return units
}

// Build segments pages and embeds every unit. Under the abort policy the
// first embedding failure cancels the build and no units are returned. Under
// the skip policy a failed batch is retried unit by unit and units that still
// fail are logged and dropped.
func (b *Builder) Build(ctx context.Context, pages []crawler.PageRecord) ([]crawler.EmbeddedUnit, error) {
	units := Segment(pages, b.cfg.Dedupe)
	if len(units) == 0 {
		return units, nil
	}

	batches := split(len(units), b.cfg.BatchSize)
	vectors := make([][]float32, len(units))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(b.cfg.Concurrency)
	for _, r := range batches {
		g.Go(func() error {
			return b.embedRange(gctx, units, vectors, r)
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, fmt.Errorf("index build canceled: %w", err)
	}

	model := b.embedder.ModelName()
	out := make([]crawler.EmbeddedUnit, 0, len(units))
	dim := -1
	for i, u := range units {
		if vectors[i] == nil {
			continue
		}
		if dim < 0 {
			dim = len(vectors[i])
		} else if len(vectors[i]) != dim {
			return nil, &crawler.DimensionMismatchError{Want: dim, Got: len(vectors[i]), Index: len(out)}
		}
		u.Vector = vectors[i]
		u.Model = model
		out = append(out, u)
	}

	skipped := len(units) - len(out)
	metrics.ObserveUnits("ok", len(out))
	metrics.ObserveUnits("skipped", skipped)
	b.logger.Info("index built",
		zap.Int("pages", len(pages)),
		zap.Int("units", len(out)),
		zap.Int("skipped", skipped),
		zap.Int("dimensions", max(dim, 0)),
		zap.String("model", model),
	)
	return out, nil
}

type span struct{ start, end int }

func split(n, size int) []span {
	spans := make([]span, 0, (n+size-1)/size)
	for start := 0; start < n; start += size {
		spans = append(spans, span{start: start, end: min(start+size, n)})
	}
	return spans
}

func (b *Builder) embedRange(ctx context.Context, units []crawler.EmbeddedUnit, vectors [][]float32, r span) error {
	texts := make([]string, 0, r.end-r.start)
	for _, u := range units[r.start:r.end] {
		texts = append(texts, u.Text)
	}

	got, err := b.embedTexts(ctx, texts)
	if err == nil {
		copy(vectors[r.start:r.end], got)
		return nil
	}
	if b.cfg.OnError == OnErrorAbort || ctx.Err() != nil {
		// Batches stopped by a sibling's failure are not counted.
		if ctx.Err() == nil {
			metrics.ObserveUnits("failed", len(texts))
		}
		return asEmbeddingError(err)
	}

	b.logger.Warn("batch embedding failed; retrying units individually",
		zap.Int("batch_start", r.start),
		zap.Int("batch_size", len(texts)),
		zap.Error(err),
	)
	for i := r.start; i < r.end; i++ {
		v, err := b.embedder.Embed(ctx, units[i].Text)
		if err != nil {
			if ctxErr := ctx.Err(); ctxErr != nil {
				return fmt.Errorf("index build canceled: %w", ctxErr)
			}
			b.logger.Warn("skipping unit",
				zap.String("source_url", units[i].SourceURL),
				zap.String("type", string(units[i].Kind)),
				zap.Error(err),
			)
			continue
		}
		vectors[i] = v
	}
	return nil
}

// embedTexts uses the batch call when the embedder supports it and falls
// back to one call per text.
func (b *Builder) embedTexts(ctx context.Context, texts []string) ([][]float32, error) {
	if be, ok := b.embedder.(crawler.BatchEmbedder); ok {
		got, err := be.EmbedBatch(ctx, texts)
		if err != nil {
			return nil, err
		}
		if len(got) != len(texts) {
			return nil, &crawler.EmbeddingError{
				Provider: b.embedder.ModelName(),
				Err:      fmt.Errorf("expected %d vectors, got %d", len(texts), len(got)),
			}
		}
		return got, nil
	}
	out := make([][]float32, len(texts))
	for i, t := range texts {
		v, err := b.embedder.Embed(ctx, t)
		if err != nil {
			return nil, err
		}
		out[i] = v
	}
	return out, nil
}

func asEmbeddingError(err error) error {
	var embErr *crawler.EmbeddingError
	if errors.As(err, &embErr) {
		return err
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return fmt.Errorf("index build canceled: %w", err)
	}
	return &crawler.EmbeddingError{Provider: "unknown", Err: err}
}
