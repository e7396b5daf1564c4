package crawler

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/JakeFAU/siteground/internal/metrics"
	"github.com/JakeFAU/siteground/internal/progress"
)

// Config holds the settings for a crawl session.
type Config struct {
	// Concurrency caps in-flight fetches within one level. Values below one
	// fall back to sequential fetching.
	Concurrency int
	// Progress receives one event per visited page, tagged with the run
	// found on the crawl context. Nil discards events.
	Progress progress.Emitter
}

// Crawler performs a breadth-first traversal of the pages reachable from a
// seed URL, one level at a time.
type Crawler struct {
	fetcher   Fetcher
	extractor Extractor
	clock     Clock
	cfg       Config
	logger    *zap.Logger
}

// New constructs a Crawler.
func New(fetcher Fetcher, extractor Extractor, clock Clock, cfg Config, logger *zap.Logger) *Crawler {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = 1
	}
	if cfg.Progress == nil {
		cfg.Progress = progress.Discard
	}
	return &Crawler{
		fetcher:   fetcher,
		extractor: extractor,
		clock:     clock,
		cfg:       cfg,
		logger:    logger,
	}
}

// Crawl visits pages level by level until the frontier empties or maxDepth
// levels have been processed. The seed is level zero, so maxDepth 0 fetches
// nothing. Pages that fail to fetch are logged and contribute neither a record
// nor links. A canceled context stops the crawl at the next level boundary or
// fetch completion and no records are returned.
func (c *Crawler) Crawl(ctx context.Context, seed string, maxDepth int) ([]PageRecord, error) {
	if seed == "" {
		return nil, &ConfigError{Key: "default_url", Reason: "seed URL is required"}
	}
	frontier := NewFrontier(seed)
	records := make([]PageRecord, 0)

	for level := 0; frontier.Len() > 0 && level < maxDepth; level++ {
		if err := ctx.Err(); err != nil {
			return nil, fmt.Errorf("crawl canceled before level %d: %w", level, err)
		}
		batch := frontier.Claim()
		c.logger.Debug("crawling level",
			zap.Int("level", level),
			zap.Int("urls", len(batch)),
		)
		results, err := c.crawlLevel(ctx, level, batch)
		if err != nil {
			return nil, err
		}
		var next []string
		for _, rec := range results {
			if rec == nil {
				continue
			}
			records = append(records, *rec)
			next = append(next, rec.Links...)
		}
		frontier.Advance(next)
	}

	c.logger.Info("crawl finished",
		zap.String("seed", seed),
		zap.Int("max_depth", maxDepth),
		zap.Int("visited", frontier.VisitedCount()),
		zap.Int("pages", len(records)),
	)
	return records, nil
}

// crawlLevel fetches every URL of one level and waits for all of them. The
// returned slice follows the order of urls; failed fetches leave nil entries.
func (c *Crawler) crawlLevel(ctx context.Context, level int, urls []string) ([]*PageRecord, error) {
	results := make([]*PageRecord, len(urls))
	// In-flight fetches finish on their own timeout rather than being cut off.
	fetchCtx := context.WithoutCancel(ctx)

	var g errgroup.Group
	g.SetLimit(c.cfg.Concurrency)
	for i, u := range urls {
		if ctx.Err() != nil {
			break
		}
		g.Go(func() error {
			if ctx.Err() != nil {
				return nil
			}
			results[i] = c.visit(fetchCtx, level, u)
			return nil
		})
	}
	_ = g.Wait()

	if err := ctx.Err(); err != nil {
		return nil, fmt.Errorf("crawl canceled during level %d: %w", level, err)
	}
	return results, nil
}

func (c *Crawler) visit(ctx context.Context, level int, url string) *PageRecord {
	start := time.Now()
	evt := progress.Event{
		RunID: progress.RunID(ctx),
		Stage: progress.StagePageDone,
		Site:  metrics.SanitizeSite(url),
		URL:   url,
		Level: level,
	}
	body, err := c.fetcher.Fetch(ctx, url)
	if err != nil {
		fields := []zap.Field{zap.String("url", url), zap.Int("level", level), zap.Error(err)}
		var fetchErr *FetchError
		if errors.As(err, &fetchErr) && fetchErr.StatusCode != 0 {
			fields = append(fields, zap.Int("status_code", fetchErr.StatusCode))
			evt.StatusCode = fetchErr.StatusCode
		}
		c.logger.Warn("fetch failed; skipping page", fields...)
		evt.Stage = progress.StagePageFailed
		evt.Note = err.Error()
		c.emit(evt, start)
		return nil
	}

	rec, err := c.extractor.Extract(url, body, c.clock.Now())
	if err != nil {
		c.logger.Warn("extraction degraded", zap.String("url", url), zap.Error(err))
		evt.Note = err.Error()
	}
	evt.Bytes = int64(len(body))
	c.emit(evt, start)
	c.logger.Debug("page crawled",
		zap.String("url", url),
		zap.Int("level", level),
		zap.Int("links", len(rec.Links)),
		zap.Duration("duration", time.Since(start)),
	)
	return &rec
}

func (c *Crawler) emit(evt progress.Event, start time.Time) {
	evt.TS = c.clock.Now()
	evt.Dur = time.Since(start)
	c.cfg.Progress.Emit(evt)
}
