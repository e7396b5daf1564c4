package pipeline

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/siteground/internal/crawler"
	"github.com/JakeFAU/siteground/internal/index"
	"github.com/JakeFAU/siteground/internal/llm"
	"github.com/JakeFAU/siteground/internal/progress"
	pubmemory "github.com/JakeFAU/siteground/internal/publisher/memory"
	"github.com/JakeFAU/siteground/internal/snapshot"
	"github.com/JakeFAU/siteground/internal/storage/memory"
	"github.com/JakeFAU/siteground/internal/store"
)

type fixedClock struct{ t time.Time }

func (c fixedClock) Now() time.Time { return c.t }

type seqIDs struct {
	mu sync.Mutex
	n  int
}

func (s *seqIDs) NewID() (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.n++
	return fmt.Sprintf("run-%d", s.n), nil
}

type MockCrawler struct {
	mock.Mock
}

func (m *MockCrawler) Crawl(ctx context.Context, seed string, maxDepth int) ([]crawler.PageRecord, error) {
	args := m.Called(ctx, seed, maxDepth)
	pages, _ := args.Get(0).([]crawler.PageRecord)
	return pages, args.Error(1)
}

// keywordEmbedder places texts on axes by keyword so retrieval is predictable.
type keywordEmbedder struct {
	model string
	err   error
}

func (e keywordEmbedder) Embed(_ context.Context, text string) ([]float32, error) {
	if e.err != nil {
		return nil, e.err
	}
	v := []float32{0.1, 0.1, 0.1}
	switch {
	case strings.Contains(text, "price"):
		v[0] = 1
	case strings.Contains(text, "ship"):
		v[1] = 1
	default:
		v[2] = 1
	}
	return v, nil
}

func (e keywordEmbedder) ModelName() string { return e.model }

type recordingCompleter struct {
	system, user string
	answer       string
	err          error
}

func (c *recordingCompleter) Complete(_ context.Context, system, user string) (string, error) {
	c.system, c.user = system, user
	return c.answer, c.err
}

type recordingEmitter struct {
	mu     sync.Mutex
	events []progress.Event
}

func (r *recordingEmitter) Emit(evt progress.Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, evt)
}

func (r *recordingEmitter) stages() []progress.Stage {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]progress.Stage, 0, len(r.events))
	for _, evt := range r.events {
		out = append(out, evt.Stage)
	}
	return out
}

type fixture struct {
	svc       *Service
	events    *recordingEmitter
	crawler   *MockCrawler
	completer *recordingCompleter
	pages     *snapshot.Store[crawler.PageRecord]
	units     *snapshot.Store[crawler.EmbeddedUnit]
	runs      *memory.RunStore
	publisher *pubmemory.Publisher
	env       map[string]string
}

func newFixture(t *testing.T, cfg Config) *fixture {
	t.Helper()

	blobs := memory.NewBlobStore()
	emb := keywordEmbedder{model: "kw-1"}
	builder, err := index.New(emb, index.Config{BatchSize: 2, Dedupe: true}, nil)
	require.NoError(t, err)

	f := &fixture{
		crawler:   &MockCrawler{},
		completer: &recordingCompleter{answer: "grounded"},
		pages:     snapshot.New[crawler.PageRecord](blobs, snapshot.DefaultPagesKey, nil),
		units:     snapshot.New[crawler.EmbeddedUnit](blobs, snapshot.DefaultUnitsKey, nil),
		runs:      memory.NewRunStore(),
		publisher: pubmemory.New(),
		events:    &recordingEmitter{},
		env:       map[string]string{},
	}
	svc, err := New(cfg, Deps{
		Crawler:   f.crawler,
		Indexer:   builder,
		Embedder:  emb,
		Completer: f.completer,
		Pages:     f.pages,
		Units:     f.units,
		Publisher: f.publisher,
		Runs:      f.runs,
		Progress:  f.events,
		Clock:     fixedClock{t: time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)},
		IDs:       &seqIDs{},
		LookupEnv: func(k string) (string, bool) {
			v, ok := f.env[k]
			return v, ok
		},
	})
	require.NoError(t, err)
	f.svc = svc
	return f
}

func samplePages() []crawler.PageRecord {
	p := crawler.NewPageRecord("https://shop.test/", time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC))
	p.Title = "Shop"
	p.TitlePresent = true
	p.Paragraphs = []string{"Our price list", "We ship worldwide", "About the team"}
	return []crawler.PageRecord{p}
}

func TestCrawl_UsesDefaultURLAndDepth(t *testing.T) {
	t.Parallel()

	f := newFixture(t, Config{DefaultURL: "https://shop.test/", MaxDepth: 2, Topic: "snapshots"})
	f.crawler.On("Crawl", mock.Anything, "https://shop.test/", 2).Return(samplePages(), nil).Once()

	summary, err := f.svc.Crawl(context.Background(), CrawlRequest{})
	require.NoError(t, err)
	assert.Equal(t, "run-1", summary.RunID)
	assert.Equal(t, 1, summary.PagesScraped)
	assert.False(t, summary.Indexed)
	f.crawler.AssertExpectations(t)

	got, err := f.svc.Pages(context.Background())
	require.NoError(t, err)
	assert.Equal(t, samplePages(), got)

	_, err = f.units.Load(context.Background())
	var nf *crawler.NotFoundError
	require.ErrorAs(t, err, &nf)

	msgs := f.publisher.Messages()
	require.Len(t, msgs, 1)
	assert.Equal(t, "snapshots", msgs[0].Topic)
	var n Notification
	require.NoError(t, json.Unmarshal(msgs[0].Data, &n))
	assert.Equal(t, EventPagesSaved, n.Event)
	assert.Equal(t, snapshot.DefaultPagesKey, n.Snapshot.Key)
	assert.NotEmpty(t, n.Snapshot.Checksum)

	run, err := f.svc.Run(context.Background(), "run-1")
	require.NoError(t, err)
	assert.Equal(t, store.RunSuccess, run.Status)
	assert.Equal(t, store.KindCrawl, run.Kind)
	assert.Equal(t, 1, run.Pages)
}

func TestCrawl_RequestOverridesAndIndex(t *testing.T) {
	t.Parallel()

	f := newFixture(t, Config{DefaultURL: "https://other.test/", MaxDepth: 2})
	depth, idx := 1, true
	f.crawler.On("Crawl", mock.Anything, "https://shop.test/", 1).Return(samplePages(), nil)

	summary, err := f.svc.Crawl(context.Background(), CrawlRequest{URL: "https://shop.test/", MaxDepth: &depth, Index: &idx})
	require.NoError(t, err)
	assert.True(t, summary.Indexed)
	assert.Equal(t, 4, summary.UnitsIndexed)

	units, err := f.units.Load(context.Background())
	require.NoError(t, err)
	require.Len(t, units, 4)
	assert.Equal(t, "kw-1", units[0].Model)
	assert.Empty(t, f.publisher.Messages(), "no topic configured")
}

func TestCrawl_MissingDefaultURL(t *testing.T) {
	t.Parallel()

	f := newFixture(t, Config{})
	_, err := f.svc.Crawl(context.Background(), CrawlRequest{})
	var cfgErr *crawler.ConfigError
	require.ErrorAs(t, err, &cfgErr)
	assert.Equal(t, "default_url", cfgErr.Key)
	f.crawler.AssertNotCalled(t, "Crawl", mock.Anything, mock.Anything, mock.Anything)
}

func TestCrawl_InvalidInput(t *testing.T) {
	t.Parallel()

	f := newFixture(t, Config{DefaultURL: "https://shop.test/"})
	_, err := f.svc.Crawl(context.Background(), CrawlRequest{URL: "ftp://shop.test/"})
	require.ErrorIs(t, err, ErrInvalidInput)

	negative := -1
	_, err = f.svc.Crawl(context.Background(), CrawlRequest{MaxDepth: &negative})
	require.ErrorIs(t, err, ErrInvalidInput)
}

func TestCrawl_FailureRecordsRunAndKeepsPreviousSnapshot(t *testing.T) {
	t.Parallel()

	f := newFixture(t, Config{DefaultURL: "https://shop.test/"})
	_, err := f.pages.Save(context.Background(), samplePages())
	require.NoError(t, err)
	f.crawler.On("Crawl", mock.Anything, "https://shop.test/", 0).Return(nil, context.Canceled)

	_, err = f.svc.Crawl(context.Background(), CrawlRequest{})
	require.ErrorIs(t, err, context.Canceled)

	got, err := f.svc.Pages(context.Background())
	require.NoError(t, err)
	assert.Equal(t, samplePages(), got)

	runs, err := f.svc.Runs(context.Background(), nil, 10, 0)
	require.NoError(t, err)
	require.Len(t, runs, 1)
	assert.Equal(t, store.RunError, runs[0].Status)
	require.NotNil(t, runs[0].ErrorMessage)
}

func TestCrawl_BusyForSameHost(t *testing.T) {
	t.Parallel()

	f := newFixture(t, Config{DefaultURL: "https://shop.test/"})
	started := make(chan struct{})
	unblock := make(chan struct{})
	f.crawler.On("Crawl", mock.Anything, "https://shop.test/", 0).
		Run(func(mock.Arguments) {
			close(started)
			<-unblock
		}).
		Return(samplePages(), nil).Once()

	done := make(chan error, 1)
	go func() {
		_, err := f.svc.Crawl(context.Background(), CrawlRequest{})
		done <- err
	}()
	<-started

	_, err := f.svc.Crawl(context.Background(), CrawlRequest{URL: "https://SHOP.test/about"})
	require.ErrorIs(t, err, ErrBusy)

	close(unblock)
	require.NoError(t, <-done)
}

func TestCrawl_PublishFailureIsNotFatal(t *testing.T) {
	t.Parallel()

	f := newFixture(t, Config{DefaultURL: "https://shop.test/", Topic: "snapshots"})
	f.publisher.FailWith(errors.New("topic gone"))
	f.crawler.On("Crawl", mock.Anything, "https://shop.test/", 0).Return(samplePages(), nil)

	_, err := f.svc.Crawl(context.Background(), CrawlRequest{})
	require.NoError(t, err)
}

func TestIndex_FromSavedPages(t *testing.T) {
	t.Parallel()

	f := newFixture(t, Config{})
	_, err := f.pages.Save(context.Background(), samplePages())
	require.NoError(t, err)

	summary, err := f.svc.Index(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, summary.PagesRead)
	assert.Equal(t, 4, summary.UnitsIndexed)
	assert.Equal(t, "kw-1", summary.Model)

	run, err := f.svc.Run(context.Background(), summary.RunID)
	require.NoError(t, err)
	assert.Equal(t, store.KindIndex, run.Kind)
	assert.Equal(t, 4, run.Units)
}

func TestIndex_NoPages(t *testing.T) {
	t.Parallel()

	f := newFixture(t, Config{})
	_, err := f.svc.Index(context.Background())
	var nf *crawler.NotFoundError
	require.ErrorAs(t, err, &nf)
}

func TestQuery_GroundsAnswerInTopK(t *testing.T) {
	t.Parallel()

	f := newFixture(t, Config{TopK: 2})
	_, err := f.pages.Save(context.Background(), samplePages())
	require.NoError(t, err)
	_, err = f.svc.Index(context.Background())
	require.NoError(t, err)

	answer, err := f.svc.Query(context.Background(), "what is the price?")
	require.NoError(t, err)
	assert.Equal(t, "grounded", answer.Response)
	require.Len(t, answer.Context, 2)
	assert.Equal(t, "Our price list", answer.Context[0])

	assert.Equal(t, llm.SystemPrompt, f.completer.system)
	assert.Equal(t, llm.UserPrompt("Our price list\n"+answer.Context[1], "what is the price?"), f.completer.user)
}

func TestQuery_Errors(t *testing.T) {
	t.Parallel()

	f := newFixture(t, Config{})

	_, err := f.svc.Query(context.Background(), "   ")
	require.ErrorIs(t, err, ErrInvalidInput)

	_, err = f.svc.Query(context.Background(), "anything")
	var nf *crawler.NotFoundError
	require.ErrorAs(t, err, &nf)
	assert.Equal(t, snapshot.DefaultUnitsKey, nf.Key)
}

func TestQuery_ModelMismatch(t *testing.T) {
	t.Parallel()

	f := newFixture(t, Config{})
	_, err := f.units.Save(context.Background(), []crawler.EmbeddedUnit{
		{Text: "x", Vector: []float32{1, 0, 0}, Kind: crawler.UnitParagraph, Model: "other-model"},
	})
	require.NoError(t, err)

	_, err = f.svc.Query(context.Background(), "price")
	var cfgErr *crawler.ConfigError
	require.ErrorAs(t, err, &cfgErr)
	assert.Equal(t, "embedding.model", cfgErr.Key)
}

func TestQuery_DimensionMismatch(t *testing.T) {
	t.Parallel()

	f := newFixture(t, Config{})
	_, err := f.units.Save(context.Background(), []crawler.EmbeddedUnit{
		{Text: "x", Vector: []float32{1, 0}, Kind: crawler.UnitParagraph},
	})
	require.NoError(t, err)

	_, err = f.svc.Query(context.Background(), "price")
	var dimErr *crawler.DimensionMismatchError
	require.ErrorAs(t, err, &dimErr)
}

func TestAPIKeyPresent(t *testing.T) {
	t.Parallel()

	f := newFixture(t, Config{APIKeyEnv: "OPENAI_API_KEY"})
	assert.False(t, f.svc.APIKeyPresent())
	f.env["OPENAI_API_KEY"] = "  "
	assert.False(t, f.svc.APIKeyPresent())
	f.env["OPENAI_API_KEY"] = "sk-live"
	assert.True(t, f.svc.APIKeyPresent())

	assert.True(t, newFixture(t, Config{}).svc.APIKeyPresent())
}

func TestNew_Validation(t *testing.T) {
	t.Parallel()

	_, err := New(Config{}, Deps{})
	require.Error(t, err)
}

func TestCrawlEmitsRunProgress(t *testing.T) {
	t.Parallel()

	f := newFixture(t, Config{DefaultURL: "https://shop.test/", MaxDepth: 1})
	withRun := mock.MatchedBy(func(ctx context.Context) bool {
		return progress.RunID(ctx) == "run-1"
	})
	f.crawler.On("Crawl", withRun, "https://shop.test/", 1).Return(samplePages(), nil).Once()

	_, err := f.svc.Crawl(context.Background(), CrawlRequest{})
	require.NoError(t, err)
	f.crawler.AssertExpectations(t)
	assert.Equal(t, []progress.Stage{progress.StageRunStart, progress.StageRunDone}, f.events.stages())
	for _, evt := range f.events.events {
		assert.Equal(t, "run-1", evt.RunID)
		assert.Equal(t, "crawl", evt.Kind)
		assert.NoError(t, evt.Validate())
	}
}

func TestFailedIndexEmitsRunError(t *testing.T) {
	t.Parallel()

	f := newFixture(t, Config{})
	_, err := f.svc.Index(context.Background())
	require.Error(t, err)

	assert.Equal(t, []progress.Stage{progress.StageRunStart, progress.StageRunError}, f.events.stages())
	assert.Equal(t, "index", f.events.events[1].Kind)
	assert.NotEmpty(t, f.events.events[1].Note)
}
