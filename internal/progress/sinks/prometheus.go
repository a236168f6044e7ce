package sinks

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/JakeFAU/docs2md/internal/crawler"
	"github.com/JakeFAU/docs2md/internal/progress"
)

// PrometheusSink derives job lifecycle metrics from progress events: state
// transitions, jobs in flight, and wall time from crawl start to a terminal
// state.
type PrometheusSink struct {
	transitions *prometheus.CounterVec
	jobsRunning prometheus.Gauge
	jobRuntime  *prometheus.HistogramVec
	pageEvents  *prometheus.CounterVec

	tracker *jobTracker
}

// NewPrometheusSink registers the collectors against the provided registry.
func NewPrometheusSink(reg prometheus.Registerer) (*PrometheusSink, error) {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	s := &PrometheusSink{
		transitions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "docs2md_job_transitions_total",
			Help: "Job state transitions partitioned by target state.",
		}, []string{"state"}),
		jobsRunning: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "docs2md_jobs_running",
			Help: "Jobs that have started crawling and not yet reached a terminal state.",
		}),
		jobRuntime: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "docs2md_job_runtime_seconds",
			Help:    "Wall time from crawl start to a terminal state.",
			Buckets: []float64{1, 5, 15, 30, 60, 120, 300, 600, 1200},
		}, []string{"state"}),
		pageEvents: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "docs2md_progress_page_events_total",
			Help: "Page progress events partitioned by outcome.",
		}, []string{"outcome"}),
		tracker: newJobTracker(),
	}
	for _, collector := range []prometheus.Collector{
		s.transitions,
		s.jobsRunning,
		s.jobRuntime,
		s.pageEvents,
	} {
		if err := reg.Register(collector); err != nil {
			return nil, fmt.Errorf("register progress collector: %w", err)
		}
	}
	return s, nil
}

// Consume updates the collectors from the batch.
func (s *PrometheusSink) Consume(_ context.Context, batch []progress.Event) error {
	for _, evt := range batch {
		switch evt.Type {
		case progress.EventState:
			s.handleState(evt)
		case progress.EventPage:
			s.pageEvents.WithLabelValues(evt.Outcome).Inc()
		}
	}
	return nil
}

func (s *PrometheusSink) handleState(evt progress.Event) {
	s.transitions.WithLabelValues(string(evt.State)).Inc()
	switch {
	case evt.State == crawler.JobStateCrawling:
		if s.tracker.start(evt.JobID, evt.TS) {
			s.jobsRunning.Inc()
		}
	case evt.State.IsTerminal():
		if started, ok := s.tracker.complete(evt.JobID); ok {
			s.jobsRunning.Dec()
			if d := evt.TS.Sub(started); d > 0 {
				s.jobRuntime.WithLabelValues(string(evt.State)).Observe(d.Seconds())
			}
		}
	}
}

// Close implements the Sink interface; it performs no action.
func (s *PrometheusSink) Close(context.Context) error {
	return nil
}

type jobTracker struct {
	mu      sync.Mutex
	running map[string]time.Time
}

func newJobTracker() *jobTracker {
	return &jobTracker{running: make(map[string]time.Time)}
}

func (t *jobTracker) start(id string, at time.Time) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, ok := t.running[id]; ok {
		return false
	}
	t.running[id] = at
	return true
}

func (t *jobTracker) complete(id string) (time.Time, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	started, ok := t.running[id]
	if ok {
		delete(t.running, id)
	}
	return started, ok
}
