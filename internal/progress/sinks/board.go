package sinks

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/JakeFAU/jobcollector/internal/progress"
)

// ErrNotFound signals that the board has no entry for a term.
var ErrNotFound = errors.New("term progress not found")

// TermStatus is the lifecycle state of a term on the board.
type TermStatus string

// Term statuses tracked by the board.
const (
	TermRunning TermStatus = "running"
	TermSuccess TermStatus = "success"
	TermError   TermStatus = "error"
)

// TermProgress is the board's view of one search term.
type TermProgress struct {
	Term       string
	Worker     int
	Status     TermStatus
	StartedAt  time.Time
	FinishedAt *time.Time
	Pages      int
	Records    int
	Admitted   int
	Error      string
}

// Board keeps the latest progress of every term in memory so the status API
// can report on a run while it is in flight.
type Board struct {
	mu    sync.RWMutex
	terms map[string]*TermProgress
	seq   map[string]int
	next  int
}

// NewBoard returns an empty board.
func NewBoard() *Board {
	return &Board{
		terms: make(map[string]*TermProgress),
		seq:   make(map[string]int),
	}
}

// Consume folds a batch of events into the board.
func (b *Board) Consume(_ context.Context, batch []progress.Event) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, evt := range batch {
		entry := b.entry(evt)
		switch evt.Stage {
		case progress.StageTermStart:
			*entry = TermProgress{
				Term:      evt.Term,
				Worker:    evt.Worker,
				Status:    TermRunning,
				StartedAt: evt.TS,
			}
		case progress.StagePageDone:
			entry.Pages = max(entry.Pages, evt.Page)
			entry.Records += evt.Records
			entry.Admitted += evt.Admitted
		case progress.StageTermDone:
			entry.Status = TermSuccess
			finished := evt.TS
			entry.FinishedAt = &finished
		case progress.StageTermError:
			entry.Status = TermError
			entry.Error = evt.Note
			finished := evt.TS
			entry.FinishedAt = &finished
		}
	}
	return nil
}

func (b *Board) entry(evt progress.Event) *TermProgress {
	entry, ok := b.terms[evt.Term]
	if !ok {
		entry = &TermProgress{Term: evt.Term, Worker: evt.Worker, Status: TermRunning, StartedAt: evt.TS}
		b.terms[evt.Term] = entry
		b.seq[evt.Term] = b.next
		b.next++
	}
	return entry
}

// Close implements the Sink interface; it performs no action.
func (b *Board) Close(context.Context) error {
	return nil
}

// Get returns the progress for term or ErrNotFound.
func (b *Board) Get(term string) (TermProgress, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	entry, ok := b.terms[term]
	if !ok {
		return TermProgress{}, ErrNotFound
	}
	return *entry, nil
}

// List returns terms in the order they were first seen, optionally filtered by
// status, paginated by limit and offset.
func (b *Board) List(status *TermStatus, limit, offset int) []TermProgress {
	b.mu.RLock()
	defer b.mu.RUnlock()
	out := make([]TermProgress, 0, len(b.terms))
	for _, entry := range b.terms {
		if status != nil && entry.Status != *status {
			continue
		}
		out = append(out, *entry)
	}
	sort.Slice(out, func(i, j int) bool {
		return b.seq[out[i].Term] < b.seq[out[j].Term]
	})
	if offset >= len(out) {
		return []TermProgress{}
	}
	out = out[offset:]
	if limit > 0 && limit < len(out) {
		out = out[:limit]
	}
	return out
}

// Counts returns how many terms are in each status.
func (b *Board) Counts() map[TermStatus]int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	counts := map[TermStatus]int{TermRunning: 0, TermSuccess: 0, TermError: 0}
	for _, entry := range b.terms {
		counts[entry.Status]++
	}
	return counts
}
