package sinks

import (
	"context"
	"fmt"
	"sync"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/JakeFAU/siteground/internal/metrics"
	"github.com/JakeFAU/siteground/internal/progress"
)

// PrometheusSink turns progress events into metrics. Page counts go to the
// shared crawler_pages_total counter; the sink itself owns the running-runs
// gauge and the fetch latency histogram.
type PrometheusSink struct {
	runsRunning   *prometheus.GaugeVec
	fetchDuration *prometheus.HistogramVec

	mu      sync.Mutex
	running map[string]string
}

// NewPrometheusSink registers the sink's collectors with reg, or the default
// registerer when reg is nil.
func NewPrometheusSink(reg prometheus.Registerer) (*PrometheusSink, error) {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	s := &PrometheusSink{
		runsRunning: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "siteground_runs_running",
			Help: "Crawl and index runs currently in progress, labeled by kind.",
		}, []string{"kind"}),
		fetchDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "crawler_fetch_duration_seconds",
			Help:    "Time to fetch and extract one page, labeled by outcome.",
			Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2, 5, 10},
		}, []string{"outcome"}),
		running: make(map[string]string),
	}
	for _, c := range []prometheus.Collector{s.runsRunning, s.fetchDuration} {
		if err := reg.Register(c); err != nil {
			return nil, fmt.Errorf("register progress collector: %w", err)
		}
	}
	return s, nil
}

// Consume updates the collectors for every event in batch.
func (s *PrometheusSink) Consume(_ context.Context, batch []progress.Event) error {
	for _, evt := range batch {
		switch evt.Stage {
		case progress.StageRunStart:
			s.start(evt.RunID, evt.Kind)
		case progress.StageRunDone, progress.StageRunError:
			s.finish(evt.RunID)
		case progress.StagePageDone:
			metrics.ObservePage(evt.URL, "ok", int(evt.Bytes))
			s.fetchDuration.WithLabelValues("ok").Observe(evt.Dur.Seconds())
		case progress.StagePageFailed:
			metrics.ObservePage(evt.URL, "failed", 0)
			s.fetchDuration.WithLabelValues("failed").Observe(evt.Dur.Seconds())
		}
	}
	return nil
}

func (s *PrometheusSink) start(runID, kind string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.running[runID]; ok {
		return
	}
	s.running[runID] = kind
	s.runsRunning.WithLabelValues(kind).Inc()
}

func (s *PrometheusSink) finish(runID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	kind, ok := s.running[runID]
	if !ok {
		return
	}
	delete(s.running, runID)
	s.runsRunning.WithLabelValues(kind).Dec()
}

// Close implements the Sink interface; it performs no action.
func (s *PrometheusSink) Close(context.Context) error {
	return nil
}
