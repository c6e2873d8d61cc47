package sinks

import (
	"context"
	"fmt"
	"sync"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/JakeFAU/jobcollector/internal/progress"
)

// PrometheusSink exports term progress via Prometheus collectors.
type PrometheusSink struct {
	termsStarted   prometheus.Counter
	termsCompleted *prometheus.CounterVec
	termsRunning   prometheus.Gauge
	termRuntime    *prometheus.HistogramVec
	pageRecords    prometheus.Histogram
	pageDuration   prometheus.Histogram

	tracker *termTracker
}

// NewPrometheusSink registers the collectors against the provided registry.
func NewPrometheusSink(reg prometheus.Registerer) (*PrometheusSink, error) {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	s := &PrometheusSink{
		termsStarted: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "jobcollector_terms_started_total",
			Help: "Total search terms that have started.",
		}),
		termsCompleted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "jobcollector_terms_completed_total",
			Help: "Total search terms completed partitioned by result.",
		}, []string{"result"}),
		termsRunning: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "jobcollector_terms_running",
			Help: "Current number of search terms being crawled.",
		}),
		termRuntime: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "jobcollector_term_runtime_seconds",
			Help:    "Wall time per completed search term.",
			Buckets: []float64{1, 5, 15, 30, 60, 120, 300, 600},
		}, []string{"result"}),
		pageRecords: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "jobcollector_page_records",
			Help:    "Records returned per non-empty page.",
			Buckets: []float64{1, 5, 10, 15, 20, 30, 50},
		}),
		pageDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "jobcollector_page_duration_seconds",
			Help:    "Fetch and admit duration per non-empty page.",
			Buckets: []float64{0.05, 0.1, 0.5, 1, 2, 5, 10},
		}),
		tracker: newTermTracker(),
	}
	for _, c := range []prometheus.Collector{
		s.termsStarted,
		s.termsCompleted,
		s.termsRunning,
		s.termRuntime,
		s.pageRecords,
		s.pageDuration,
	} {
		if err := reg.Register(c); err != nil {
			return nil, fmt.Errorf("register progress collector: %w", err)
		}
	}
	return s, nil
}

// Consume updates the Prometheus collectors using the provided batch.
func (s *PrometheusSink) Consume(_ context.Context, batch []progress.Event) error {
	for _, evt := range batch {
		switch evt.Stage {
		case progress.StageTermStart:
			s.termsStarted.Inc()
			if s.tracker.start(evt) {
				s.termsRunning.Inc()
			}
		case progress.StagePageDone:
			s.pageRecords.Observe(float64(evt.Records))
			if evt.Dur > 0 {
				s.pageDuration.Observe(evt.Dur.Seconds())
			}
		case progress.StageTermDone:
			s.finish(evt, "success")
		case progress.StageTermError:
			s.finish(evt, "error")
		}
	}
	return nil
}

func (s *PrometheusSink) finish(evt progress.Event, result string) {
	s.termsCompleted.WithLabelValues(result).Inc()
	if evt.Dur > 0 {
		s.termRuntime.WithLabelValues(result).Observe(evt.Dur.Seconds())
	}
	if s.tracker.complete(evt) {
		s.termsRunning.Dec()
	}
}

// Close implements the Sink interface; it performs no action.
func (s *PrometheusSink) Close(context.Context) error {
	return nil
}

// A worker runs one term at a time, so (run, worker) identifies a running term.
type termSlot struct {
	run    [16]byte
	worker int
}

type termTracker struct {
	mu      sync.Mutex
	running map[termSlot]struct{}
}

func newTermTracker() *termTracker {
	return &termTracker{running: make(map[termSlot]struct{})}
}

func (t *termTracker) start(evt progress.Event) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	slot := termSlot{run: evt.RunID, worker: evt.Worker}
	if _, ok := t.running[slot]; ok {
		return false
	}
	t.running[slot] = struct{}{}
	return true
}

func (t *termTracker) complete(evt progress.Event) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	slot := termSlot{run: evt.RunID, worker: evt.Worker}
	if _, ok := t.running[slot]; !ok {
		return false
	}
	delete(t.running, slot)
	return true
}
