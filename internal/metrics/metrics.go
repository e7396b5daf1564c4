// Package metrics exposes Prometheus collectors for the crawl, index and
// query pipeline.
package metrics

import (
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	crawlerPagesTotal          *prometheus.CounterVec
	crawlerBytesTotal          *prometheus.CounterVec
	crawlRunsTotal             *prometheus.CounterVec
	crawlDurationSeconds       prometheus.Histogram
	embeddingUnitsTotal        *prometheus.CounterVec
	embeddingDurationSeconds   *prometheus.HistogramVec
	queriesTotal               *prometheus.CounterVec
	snapshotBytesTotal         *prometheus.CounterVec
	httpRequestsTotal          *prometheus.CounterVec
	httpRequestDurationSeconds *prometheus.HistogramVec

	once sync.Once
)

// Init initializes the Prometheus metrics collectors.
// It is safe to call this function multiple times.
func Init() {
	once.Do(func() {
		crawlerPagesTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "crawler_pages_total",
				Help: "Total number of pages crawled, labeled by site and status.",
			},
			[]string{"site", "status"},
		)

		crawlerBytesTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "crawler_bytes_total",
				Help: "Total number of bytes fetched, labeled by site.",
			},
			[]string{"site"},
		)

		crawlRunsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "crawler_runs_total",
				Help: "Total number of crawl sessions, labeled by status.",
			},
			[]string{"status"},
		)

		crawlDurationSeconds = promauto.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "crawler_run_duration_seconds",
				Help:    "Histogram of crawl session durations.",
				Buckets: []float64{1, 5, 15, 30, 60, 120, 300, 600},
			},
		)

		embeddingUnitsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "index_units_total",
				Help: "Total number of text units processed by the index builder, labeled by status.",
			},
			[]string{"status"},
		)

		embeddingDurationSeconds = promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "embedding_request_duration_seconds",
				Help:    "Histogram of embedding request latencies, labeled by provider.",
				Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2, 5, 10},
			},
			[]string{"provider"},
		)

		queriesTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "rag_queries_total",
				Help: "Total number of answered queries, labeled by status.",
			},
			[]string{"status"},
		)

		snapshotBytesTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "snapshot_bytes_written_total",
				Help: "Total bytes written to snapshot storage, labeled by key.",
			},
			[]string{"key"},
		)

		httpRequestsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "http_requests_total",
				Help: "Total number of HTTP requests, labeled by method and code.",
			},
			[]string{"method", "code"},
		)

		httpRequestDurationSeconds = promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "http_request_duration_seconds",
				Help:    "Histogram of HTTP request latencies, labeled by method and route.",
				Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2, 5},
			},
			[]string{"method", "route"},
		)
	})
}

// SanitizeSite sanitizes a URL to extract a lowercase hostname.
// It returns "unknown" if the URL is invalid.
func SanitizeSite(rawURL string) string {
	if !strings.HasPrefix(rawURL, "http") {
		rawURL = "http://" + rawURL
	}
	u, err := url.Parse(rawURL)
	if err != nil || u.Hostname() == "" {
		return "unknown"
	}
	return strings.ToLower(u.Hostname())
}

// Handler returns an http.Handler for exposing Prometheus metrics.
func Handler() http.Handler {
	return promhttp.Handler()
}

// ObservePage records one visited page.
func ObservePage(site string, status string, bytesFetched int) {
	Init()
	sanitizedSite := SanitizeSite(site)
	crawlerPagesTotal.WithLabelValues(sanitizedSite, status).Inc()
	if bytesFetched > 0 {
		crawlerBytesTotal.WithLabelValues(sanitizedSite).Add(float64(bytesFetched))
	}
}

// ObserveCrawl records a finished crawl session.
func ObserveCrawl(status string, duration time.Duration) {
	Init()
	crawlRunsTotal.WithLabelValues(status).Inc()
	crawlDurationSeconds.Observe(duration.Seconds())
}

// ObserveUnits adds n to the index unit counter for status.
func ObserveUnits(status string, n int) {
	Init()
	if n <= 0 {
		return
	}
	embeddingUnitsTotal.WithLabelValues(status).Add(float64(n))
}

// ObserveEmbedding records the latency of one embedding request.
func ObserveEmbedding(provider string, duration time.Duration) {
	Init()
	embeddingDurationSeconds.WithLabelValues(provider).Observe(duration.Seconds())
}

// ObserveQuery increments the query counter for the given status.
func ObserveQuery(status string) {
	Init()
	queriesTotal.WithLabelValues(status).Inc()
}

// ObserveSnapshot records bytes written for a snapshot key.
func ObserveSnapshot(key string, bytesWritten int) {
	Init()
	snapshotBytesTotal.WithLabelValues(key).Add(float64(bytesWritten))
}

// ObserveHTTPRequest increments the HTTP request metrics.
func ObserveHTTPRequest(method, route string, code int, duration time.Duration) {
	Init()
	httpRequestsTotal.WithLabelValues(method, strconv.Itoa(code)).Inc()
	httpRequestDurationSeconds.WithLabelValues(method, route).Observe(duration.Seconds())
}
