package api

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"go.uber.org/zap"

	"github.com/JakeFAU/siteground/internal/crawler"
	"github.com/JakeFAU/siteground/internal/metrics"
	"github.com/JakeFAU/siteground/internal/pipeline"
	"github.com/JakeFAU/siteground/internal/store"
)

const (
	welcomeMessage      = "Welcome to the Scrape Data Web App! Use /scrape to start scraping."
	scrapeMessage       = "Scraping completed successfully."
	indexMessage        = "Indexing completed successfully."
	apiKeySetMessage    = "API key is set correctly."
	apiKeyMissingError  = "API key is not set."
	noScrapedDataError  = "No scraped data found."
	noEmbeddedDataError = "No embedded data found."

	defaultRequestTimeout = 5 * time.Minute
	maxQueryBodyBytes     = 1 << 20
)

// Pipeline is the subset of pipeline.Service the handlers call.
type Pipeline interface {
	Crawl(ctx context.Context, req pipeline.CrawlRequest) (crawler.CrawlSummary, error)
	Index(ctx context.Context) (pipeline.IndexSummary, error)
	Query(ctx context.Context, prompt string) (pipeline.Answer, error)
	PagesRaw(ctx context.Context) ([]byte, error)
	APIKeyPresent() bool
}

// ReadinessCheck reports whether a downstream dependency is usable.
type ReadinessCheck func(ctx context.Context) error

// Options tune the server.
type Options struct {
	// RequestTimeout bounds every handler. Crawls run inside it.
	RequestTimeout time.Duration
	// AuthAPIKey, when set, is required in X-API-Key on every route except
	// the probes.
	AuthAPIKey     string
	MetricsEnabled bool
	// Tracing wraps the API routes (not the probes) in OpenTelemetry spans.
	Tracing        bool
	Readiness      []ReadinessCheck
}

// Server wires HTTP handlers to the pipeline and run history.
type Server struct {
	router   chi.Router
	pipeline Pipeline
	opts     Options
	logger   *zap.Logger
}

// NewServer constructs a Server with middleware and routes. runs may be nil,
// in which case the run routes answer 503.
func NewServer(p Pipeline, runs store.RunRepository, opts Options, logger *zap.Logger) *Server {
	if logger == nil {
		logger = zap.NewNop()
	}
	if opts.RequestTimeout <= 0 {
		opts.RequestTimeout = defaultRequestTimeout
	}
	s := &Server{pipeline: p, opts: opts, logger: logger.Named("api")}
	runHandler := NewRunHandler(runs, s.logger)

	r := chi.NewRouter()
	r.Use(requestIDMiddleware)
	r.Use(loggingMiddleware(s.logger))
	if opts.MetricsEnabled {
		r.Use(metrics.Middleware)
	}
	r.Use(recoverMiddleware(s.logger))

	r.Get("/healthz", s.healthz)
	r.Get("/readyz", s.readyz)
	if opts.MetricsEnabled {
		r.Method(http.MethodGet, "/metrics", metrics.Handler())
	}

	r.Group(func(r chi.Router) {
		if opts.Tracing {
			r.Use(otelhttp.NewMiddleware("siteground.api",
				otelhttp.WithSpanNameFormatter(func(_ string, r *http.Request) string {
					return r.Method + " " + r.URL.Path
				}),
			))
		}
		r.Use(timeoutMiddleware(opts.RequestTimeout))
		if opts.AuthAPIKey != "" {
			r.Use(apiKeyMiddleware(opts.AuthAPIKey))
		}
		r.Get("/", s.root)
		r.Get("/scrape", s.scrape)
		r.Post("/index", s.index)
		r.Post("/query", s.query)
		r.Get("/scraped-data", s.scrapedData)
		r.Get("/check-api-key", s.checkAPIKey)
		r.Route("/runs", func(r chi.Router) {
			r.Get("/", runHandler.ListRuns)
			r.Get("/{run_id}", runHandler.GetRun)
		})
	})

	s.router = r
	return s
}

// Handler returns the Router for use with http.Server.
func (s *Server) Handler() http.Handler {
	return s.router
}

func (s *Server) healthz(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) readyz(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 3*time.Second)
	defer cancel()
	for _, check := range s.opts.Readiness {
		if err := check(ctx); err != nil {
			s.logger.Warn("readiness check failed", zap.Error(err))
			writeError(w, http.StatusServiceUnavailable, "not ready")
			return
		}
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
}

func (s *Server) root(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"message": welcomeMessage})
}

type scrapeResponse struct {
	Message      string `json:"message"`
	RunID        string `json:"run_id"`
	PagesScraped int    `json:"pages_scraped"`
	UnitsIndexed int    `json:"units_indexed"`
}

// scrape handles GET /scrape?url=&max_depth=&index=.
func (s *Server) scrape(w http.ResponseWriter, r *http.Request) {
	req, err := parseCrawlRequest(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	summary, err := s.pipeline.Crawl(r.Context(), req)
	if err != nil {
		s.writePipelineError(w, err, "")
		return
	}
	writeJSON(w, http.StatusOK, scrapeResponse{
		Message:      scrapeMessage,
		RunID:        summary.RunID,
		PagesScraped: summary.PagesScraped,
		UnitsIndexed: summary.UnitsIndexed,
	})
}

func parseCrawlRequest(r *http.Request) (pipeline.CrawlRequest, error) {
	q := r.URL.Query()
	req := pipeline.CrawlRequest{URL: strings.TrimSpace(q.Get("url"))}
	if v := q.Get("max_depth"); v != "" {
		depth, err := strconv.Atoi(v)
		if err != nil || depth < 0 {
			return req, errors.New("invalid max_depth")
		}
		req.MaxDepth = &depth
	}
	if v := q.Get("index"); v != "" {
		index, err := strconv.ParseBool(v)
		if err != nil {
			return req, errors.New("invalid index")
		}
		req.Index = &index
	}
	return req, nil
}

type indexResponse struct {
	Message string `json:"message"`
	pipeline.IndexSummary
}

func (s *Server) index(w http.ResponseWriter, r *http.Request) {
	summary, err := s.pipeline.Index(r.Context())
	if err != nil {
		s.writePipelineError(w, err, noScrapedDataError)
		return
	}
	writeJSON(w, http.StatusOK, indexResponse{Message: indexMessage, IndexSummary: summary})
}

type queryRequest struct {
	Prompt string `json:"prompt"`
}

func (s *Server) query(w http.ResponseWriter, r *http.Request) {
	var req queryRequest
	if err := json.NewDecoder(io.LimitReader(r.Body, maxQueryBodyBytes)).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON")
		return
	}
	answer, err := s.pipeline.Query(r.Context(), req.Prompt)
	if err != nil {
		s.writePipelineError(w, err, noEmbeddedDataError)
		return
	}
	writeJSON(w, http.StatusOK, answer)
}

// scrapedData returns the stored page snapshot verbatim.
func (s *Server) scrapedData(w http.ResponseWriter, r *http.Request) {
	raw, err := s.pipeline.PagesRaw(r.Context())
	if err != nil {
		s.writePipelineError(w, err, noScrapedDataError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	if _, err := w.Write(raw); err != nil {
		s.logger.Warn("write scraped data failed", zap.Error(err))
	}
}

func (s *Server) checkAPIKey(w http.ResponseWriter, _ *http.Request) {
	if s.pipeline.APIKeyPresent() {
		writeJSON(w, http.StatusOK, map[string]string{"message": apiKeySetMessage})
		return
	}
	writeError(w, http.StatusOK, apiKeyMissingError)
}

// writePipelineError maps the error taxonomy onto HTTP statuses. notFoundMsg
// replaces the message of a missing snapshot when set.
func (s *Server) writePipelineError(w http.ResponseWriter, err error, notFoundMsg string) {
	status := statusFor(err)
	msg := err.Error()
	if status == http.StatusNotFound && notFoundMsg != "" {
		msg = notFoundMsg
	}
	if status >= http.StatusInternalServerError {
		s.logger.Error("request failed", zap.Int("status", status), zap.Error(err))
	}
	writeError(w, status, msg)
}

func statusFor(err error) int {
	var (
		notFound    *crawler.NotFoundError
		configErr   *crawler.ConfigError
		dimErr      *crawler.DimensionMismatchError
		embedErr    *crawler.EmbeddingError
		completeErr *crawler.CompletionError
	)
	switch {
	case errors.As(err, &notFound), errors.Is(err, store.ErrNotFound):
		return http.StatusNotFound
	case errors.As(err, &configErr), errors.Is(err, pipeline.ErrInvalidInput):
		return http.StatusBadRequest
	case errors.Is(err, pipeline.ErrBusy):
		return http.StatusConflict
	case errors.As(err, &dimErr):
		return http.StatusInternalServerError
	case errors.As(err, &embedErr), errors.As(err, &completeErr):
		return http.StatusBadGateway
	case errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout
	default:
		return http.StatusInternalServerError
	}
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		zap.L().Error("write JSON failed", zap.Error(err))
	}
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
