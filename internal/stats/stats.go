// Package stats aggregates per-session collection counters.
package stats

import (
	"sync"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Summary is a point-in-time view of a collection session.
type Summary struct {
	Submitted   int           `json:"submitted"`
	Admitted    int           `json:"admitted"`
	FailedTerms int           `json:"failed_terms"`
	StartedAt   time.Time     `json:"started_at"`
	Elapsed     time.Duration `json:"elapsed_ns"`
}

// MarshalLogObject renders the summary as structured zap fields.
func (s Summary) MarshalLogObject(enc zapcore.ObjectEncoder) error {
	enc.AddInt("submitted", s.Submitted)
	enc.AddInt("admitted", s.Admitted)
	enc.AddInt("failed_terms", s.FailedTerms)
	enc.AddTime("started_at", s.StartedAt)
	enc.AddDuration("elapsed", s.Elapsed)
	return nil
}

// Aggregator holds the mutable counters for one session. It is safe for
// concurrent use by multiple workers.
type Aggregator struct {
	mu          sync.Mutex
	submitted   int
	admitted    int
	failedTerms int
	startedAt   time.Time
	now         func() time.Time
}

// New constructs an Aggregator. A nil now func defaults to time.Now.
func New(now func() time.Time) *Aggregator {
	if now == nil {
		now = time.Now
	}
	return &Aggregator{now: now}
}

// Start records the number of submitted terms and resets the session clock.
func (a *Aggregator) Start(submitted int) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.submitted = submitted
	a.startedAt = a.now()
}

// RecordAdmitted counts one record written to the output log.
func (a *Aggregator) RecordAdmitted() {
	a.mu.Lock()
	a.admitted++
	a.mu.Unlock()
}

// RecordFailedTerm counts one term whose processing failed inside a worker.
func (a *Aggregator) RecordFailedTerm() {
	a.mu.Lock()
	a.failedTerms++
	a.mu.Unlock()
}

// Snapshot returns the current counters and the elapsed time since Start.
func (a *Aggregator) Snapshot() Summary {
	a.mu.Lock()
	defer a.mu.Unlock()
	s := Summary{
		Submitted:   a.submitted,
		Admitted:    a.admitted,
		FailedTerms: a.failedTerms,
		StartedAt:   a.startedAt,
	}
	if !a.startedAt.IsZero() {
		s.Elapsed = a.now().Sub(a.startedAt)
	}
	return s
}

// Field wraps the summary for structured logging.
func Field(s Summary) zap.Field {
	return zap.Object("summary", s)
}
