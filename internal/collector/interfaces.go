package collector

import (
	"context"
	"errors"
	"time"
)

// Fetch errors returned by PageFetcher implementations. Callers end a term's
// pagination on either, but log them apart from a legitimately empty page.
var (
	ErrTransport = errors.New("upstream transport failure")
	ErrDecode    = errors.New("upstream response decode failure")
)

// PageFetcher retrieves one page of listings for a search term. An empty slice
// with a nil error signals that the term has no further pages.
type PageFetcher interface {
	FetchPage(ctx context.Context, term string, page int) ([]JobRecord, error)
}

// Admitter is the deduplication gate in front of the output log. TryAdmit
// returns true only for the single caller that persisted the record.
type Admitter interface {
	TryAdmit(record JobRecord) (bool, error)
}

// Queue provides the task queue semantics used by the worker pool.
type Queue interface {
	Enqueue(task Task)
	Dequeue(ctx context.Context) (Task, error)
	TaskDone()
	Join(ctx context.Context) error
}

// Pacer suspends the calling worker between consecutive page fetches.
type Pacer interface {
	Wait(ctx context.Context) error
}

// StatsRecorder receives counter updates. The ledger reports admits under its
// lock; workers report failed terms.
type StatsRecorder interface {
	RecordAdmitted()
	RecordFailedTerm()
}

// Clock returns the current time (useful for testing).
type Clock interface {
	Now() time.Time
}

// SystemClock implements Clock using time.Now.
type SystemClock struct{}

// Now returns the current UTC time.
func (SystemClock) Now() time.Time {
	return time.Now().UTC()
}
