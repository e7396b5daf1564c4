package api

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
	"go.uber.org/zap"

	"github.com/JakeFAU/siteground/internal/crawler"
	"github.com/JakeFAU/siteground/internal/pipeline"
	"github.com/JakeFAU/siteground/internal/storage/memory"
	"github.com/JakeFAU/siteground/internal/store"
)

type MockPipeline struct {
	mock.Mock
}

func (m *MockPipeline) Crawl(ctx context.Context, req pipeline.CrawlRequest) (crawler.CrawlSummary, error) {
	args := m.Called(ctx, req)
	return args.Get(0).(crawler.CrawlSummary), args.Error(1)
}

func (m *MockPipeline) Index(ctx context.Context) (pipeline.IndexSummary, error) {
	args := m.Called(ctx)
	return args.Get(0).(pipeline.IndexSummary), args.Error(1)
}

func (m *MockPipeline) Query(ctx context.Context, prompt string) (pipeline.Answer, error) {
	args := m.Called(ctx, prompt)
	return args.Get(0).(pipeline.Answer), args.Error(1)
}

func (m *MockPipeline) PagesRaw(ctx context.Context) ([]byte, error) {
	args := m.Called(ctx)
	raw, _ := args.Get(0).([]byte)
	return raw, args.Error(1)
}

func (m *MockPipeline) APIKeyPresent() bool {
	return m.Called().Bool(0)
}

func serve(t *testing.T, s *Server, method, target string, body []byte) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, target, bytes.NewReader(body))
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, req)
	return rec
}

func decode(t *testing.T, rec *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var out map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out))
	return out
}

func intPtr(v int) *int    { return &v }
func boolPtr(v bool) *bool { return &v }

func TestServer_Root(t *testing.T) {
	t.Parallel()

	rec := serve(t, NewServer(&MockPipeline{}, nil, Options{}, zap.NewNop()), http.MethodGet, "/", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, welcomeMessage, decode(t, rec)["message"])
}

func TestServer_Scrape(t *testing.T) {
	t.Parallel()

	p := &MockPipeline{}
	p.On("Crawl", mock.Anything, pipeline.CrawlRequest{URL: "https://a.test/", MaxDepth: intPtr(1), Index: boolPtr(true)}).
		Return(crawler.CrawlSummary{RunID: "r1", PagesScraped: 3, UnitsIndexed: 7}, nil)

	rec := serve(t, NewServer(p, nil, Options{}, nil), http.MethodGet, "/scrape?url=https://a.test/&max_depth=1&index=true", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	body := decode(t, rec)
	assert.Equal(t, scrapeMessage, body["message"])
	assert.InDelta(t, 3, body["pages_scraped"], 0)
	assert.InDelta(t, 7, body["units_indexed"], 0)
	p.AssertExpectations(t)
}

func TestServer_ScrapeDefaults(t *testing.T) {
	t.Parallel()

	p := &MockPipeline{}
	p.On("Crawl", mock.Anything, pipeline.CrawlRequest{}).Return(crawler.CrawlSummary{PagesScraped: 1}, nil)

	rec := serve(t, NewServer(p, nil, Options{}, nil), http.MethodGet, "/scrape", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	p.AssertExpectations(t)
}

func TestServer_ScrapeInvalidParams(t *testing.T) {
	t.Parallel()

	s := NewServer(&MockPipeline{}, nil, Options{}, nil)
	for _, target := range []string{"/scrape?max_depth=-1", "/scrape?max_depth=two", "/scrape?index=maybe"} {
		rec := serve(t, s, http.MethodGet, target, nil)
		assert.Equal(t, http.StatusBadRequest, rec.Code, target)
	}
}

func TestServer_ErrorMapping(t *testing.T) {
	t.Parallel()

	testCases := []struct {
		name   string
		err    error
		status int
	}{
		{"config", &crawler.ConfigError{Key: "default_url", Reason: "missing"}, http.StatusBadRequest},
		{"invalid", fmt.Errorf("%w: url", pipeline.ErrInvalidInput), http.StatusBadRequest},
		{"busy", fmt.Errorf("%w: crawl:a.test", pipeline.ErrBusy), http.StatusConflict},
		{"not found", fmt.Errorf("read: %w", &crawler.NotFoundError{Key: "scraped_data.json"}), http.StatusNotFound},
		{"dimension", &crawler.DimensionMismatchError{Want: 2, Got: 3}, http.StatusInternalServerError},
		{"embedding", &crawler.EmbeddingError{Provider: "openai", Err: errors.New("quota")}, http.StatusBadGateway},
		{"completion", &crawler.CompletionError{Provider: "openai", Err: errors.New("quota")}, http.StatusBadGateway},
		{"timeout", context.DeadlineExceeded, http.StatusGatewayTimeout},
		{"other", errors.New("disk full"), http.StatusInternalServerError},
	}
	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()

			p := &MockPipeline{}
			p.On("Crawl", mock.Anything, mock.Anything).Return(crawler.CrawlSummary{}, tc.err)
			rec := serve(t, NewServer(p, nil, Options{}, nil), http.MethodGet, "/scrape", nil)
			assert.Equal(t, tc.status, rec.Code)
			assert.NotEmpty(t, decode(t, rec)["error"])
		})
	}
}

func TestServer_Query(t *testing.T) {
	t.Parallel()

	p := &MockPipeline{}
	p.On("Query", mock.Anything, "what is sold?").
		Return(pipeline.Answer{Response: "Shoes.", Context: []string{"We sell shoes"}}, nil)

	rec := serve(t, NewServer(p, nil, Options{}, nil), http.MethodPost, "/query", []byte(`{"prompt":"what is sold?"}`))
	require.Equal(t, http.StatusOK, rec.Code)
	body := decode(t, rec)
	assert.Equal(t, "Shoes.", body["response"])
	assert.Equal(t, []any{"We sell shoes"}, body["context"])
}

func TestServer_QueryNoIndex(t *testing.T) {
	t.Parallel()

	p := &MockPipeline{}
	p.On("Query", mock.Anything, "q").Return(pipeline.Answer{}, &crawler.NotFoundError{Key: "embedded_data.json"})

	rec := serve(t, NewServer(p, nil, Options{}, nil), http.MethodPost, "/query", []byte(`{"prompt":"q"}`))
	require.Equal(t, http.StatusNotFound, rec.Code)
	assert.Equal(t, noEmbeddedDataError, decode(t, rec)["error"])
}

func TestServer_QueryInvalidJSON(t *testing.T) {
	t.Parallel()

	rec := serve(t, NewServer(&MockPipeline{}, nil, Options{}, nil), http.MethodPost, "/query", []byte("{invalid"))
	require.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestServer_Index(t *testing.T) {
	t.Parallel()

	p := &MockPipeline{}
	p.On("Index", mock.Anything).Return(pipeline.IndexSummary{RunID: "r2", PagesRead: 2, UnitsIndexed: 9, Model: "m"}, nil)

	rec := serve(t, NewServer(p, nil, Options{}, nil), http.MethodPost, "/index", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	body := decode(t, rec)
	assert.Equal(t, indexMessage, body["message"])
	assert.InDelta(t, 9, body["units_indexed"], 0)
}

func TestServer_ScrapedData(t *testing.T) {
	t.Parallel()

	p := &MockPipeline{}
	p.On("PagesRaw", mock.Anything).Return([]byte(`[{"url":"https://a.test/"}]`), nil).Once()
	p.On("PagesRaw", mock.Anything).Return(nil, &crawler.NotFoundError{Key: "scraped_data.json"}).Once()
	s := NewServer(p, nil, Options{}, nil)

	rec := serve(t, s, http.MethodGet, "/scraped-data", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `[{"url":"https://a.test/"}]`, rec.Body.String())

	rec = serve(t, s, http.MethodGet, "/scraped-data", nil)
	require.Equal(t, http.StatusNotFound, rec.Code)
	assert.Equal(t, noScrapedDataError, decode(t, rec)["error"])
}

func TestServer_CheckAPIKey(t *testing.T) {
	t.Parallel()

	p := &MockPipeline{}
	p.On("APIKeyPresent").Return(true).Once()
	p.On("APIKeyPresent").Return(false).Once()
	s := NewServer(p, nil, Options{}, nil)

	rec := serve(t, s, http.MethodGet, "/check-api-key", nil)
	assert.Equal(t, apiKeySetMessage, decode(t, rec)["message"])

	rec = serve(t, s, http.MethodGet, "/check-api-key", nil)
	assert.Equal(t, apiKeyMissingError, decode(t, rec)["error"])
}

func TestServer_Runs(t *testing.T) {
	t.Parallel()

	runs := memory.NewRunStore()
	id := "0190b0f5-6a2e-7c3d-9f00-000000000001"
	started := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	require.NoError(t, runs.StartRun(context.Background(), store.Run{ID: id, Kind: store.KindCrawl, Target: "https://a.test/", StartedAt: started}))
	require.NoError(t, runs.CompleteRun(context.Background(), id, started.Add(time.Minute), store.RunResult{Status: store.RunSuccess, Pages: 4}))
	s := NewServer(&MockPipeline{}, runs, Options{}, nil)

	rec := serve(t, s, http.MethodGet, "/runs?status=success", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Len(t, decode(t, rec)["runs"], 1)

	rec = serve(t, s, http.MethodGet, "/runs?status=running", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Empty(t, decode(t, rec)["runs"])

	rec = serve(t, s, http.MethodGet, "/runs/"+id, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	run := decode(t, rec)["run"].(map[string]any)
	assert.Equal(t, "success", run["status"])
	assert.InDelta(t, 4, run["pages"], 0)

	assert.Equal(t, http.StatusNotFound, serve(t, s, http.MethodGet, "/runs/0190b0f5-6a2e-7c3d-9f00-000000000002", nil).Code)
	assert.Equal(t, http.StatusBadRequest, serve(t, s, http.MethodGet, "/runs/not-a-uuid", nil).Code)
	assert.Equal(t, http.StatusBadRequest, serve(t, s, http.MethodGet, "/runs?limit=0", nil).Code)
	assert.Equal(t, http.StatusBadRequest, serve(t, s, http.MethodGet, "/runs?status=paused", nil).Code)
}

func TestServer_RunsUnavailable(t *testing.T) {
	t.Parallel()

	rec := serve(t, NewServer(&MockPipeline{}, nil, Options{}, nil), http.MethodGet, "/runs", nil)
	require.Equal(t, http.StatusServiceUnavailable, rec.Code)
}

func TestServer_Probes(t *testing.T) {
	t.Parallel()

	s := NewServer(&MockPipeline{}, nil, Options{}, nil)
	assert.Equal(t, http.StatusOK, serve(t, s, http.MethodGet, "/healthz", nil).Code)
	assert.Equal(t, http.StatusOK, serve(t, s, http.MethodGet, "/readyz", nil).Code)
	assert.Equal(t, http.StatusNotFound, serve(t, s, http.MethodGet, "/metrics", nil).Code)

	failing := NewServer(&MockPipeline{}, nil, Options{
		Readiness: []ReadinessCheck{func(context.Context) error { return errors.New("db down") }},
	}, nil)
	assert.Equal(t, http.StatusServiceUnavailable, serve(t, failing, http.MethodGet, "/readyz", nil).Code)
}

func TestServer_Metrics(t *testing.T) {
	t.Parallel()

	s := NewServer(&MockPipeline{}, nil, Options{MetricsEnabled: true}, nil)
	rec := serve(t, s, http.MethodGet, "/metrics", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "go_goroutines")
}

func TestServer_TracingSpans(t *testing.T) {
	recorder := tracetest.NewSpanRecorder()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(recorder))
	prev := otel.GetTracerProvider()
	otel.SetTracerProvider(tp)
	t.Cleanup(func() {
		otel.SetTracerProvider(prev)
		_ = tp.Shutdown(context.Background())
	})

	s := NewServer(&MockPipeline{}, nil, Options{Tracing: true}, nil)
	require.Equal(t, http.StatusOK, serve(t, s, http.MethodGet, "/", nil).Code)
	require.Equal(t, http.StatusOK, serve(t, s, http.MethodGet, "/healthz", nil).Code)

	spans := recorder.Ended()
	require.Len(t, spans, 1)
	assert.Equal(t, "GET /", spans[0].Name())
}

func TestServer_APIKeyMiddleware(t *testing.T) {
	t.Parallel()

	s := NewServer(&MockPipeline{}, nil, Options{AuthAPIKey: "secret"}, nil)

	rec := serve(t, s, http.MethodGet, "/", nil)
	require.Equal(t, http.StatusForbidden, rec.Code)

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set("X-API-Key", "secret")
	rec = httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)

	require.Equal(t, http.StatusOK, serve(t, s, http.MethodGet, "/healthz", nil).Code)
}

func TestServer_RecoversPanics(t *testing.T) {
	t.Parallel()

	p := &MockPipeline{}
	p.On("APIKeyPresent").Run(func(mock.Arguments) { panic("boom") }).Return(true)

	rec := serve(t, NewServer(p, nil, Options{}, nil), http.MethodGet, "/check-api-key", nil)
	require.Equal(t, http.StatusInternalServerError, rec.Code)
}

func TestRequestIDMiddlewareSetsHeader(t *testing.T) {
	t.Parallel()

	s := NewServer(&MockPipeline{}, nil, Options{}, nil)
	rec := serve(t, s, http.MethodGet, "/healthz", nil)
	require.NotEmpty(t, rec.Header().Get("X-Request-ID"))

	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	req.Header.Set("X-Request-ID", "caller-id")
	rec = httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, req)
	assert.Equal(t, "caller-id", rec.Header().Get("X-Request-ID"))
}

func TestResponseWriterHijackBehavior(t *testing.T) {
	t.Parallel()

	rw := &responseWriter{ResponseWriter: httptest.NewRecorder()}
	_, _, err := rw.Hijack()
	require.EqualError(t, err, "hijacker not supported")

	h := &hijackableRecorder{ResponseRecorder: httptest.NewRecorder()}
	rw = &responseWriter{ResponseWriter: h}
	conn, buf, err := rw.Hijack()
	require.NoError(t, err)
	require.NoError(t, conn.Close())
	require.NoError(t, h.CloseClient())
	require.NotNil(t, buf)
}

type hijackableRecorder struct {
	*httptest.ResponseRecorder
	client net.Conn
}

func (h *hijackableRecorder) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	server, client := net.Pipe()
	h.client = client
	return server, bufio.NewReadWriter(bufio.NewReader(client), bufio.NewWriter(client)), nil
}

func (h *hijackableRecorder) CloseClient() error {
	if h.client != nil {
		if err := h.client.Close(); err != nil {
			return fmt.Errorf("close hijacker client: %w", err)
		}
	}
	return nil
}
