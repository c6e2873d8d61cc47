package dispatcher

import (
	"bufio"
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/JakeFAU/jobcollector/internal/collector"
	"github.com/JakeFAU/jobcollector/internal/ledger"
	"github.com/JakeFAU/jobcollector/internal/queue/memory"
	"github.com/JakeFAU/jobcollector/internal/stats"
	"github.com/JakeFAU/jobcollector/internal/worker"
)

// scriptedFetcher serves a fixed set of pages per term. Terms listed in
// failing return a transport error on page 1; terms in panicking panic.
type scriptedFetcher struct {
	pages     map[string][][]collector.JobRecord
	failing   map[string]bool
	panicking map[string]bool
	calls     atomic.Int32
}

func (f *scriptedFetcher) FetchPage(_ context.Context, term string, page int) ([]collector.JobRecord, error) {
	f.calls.Add(1)
	if f.panicking[term] {
		panic("bad term " + term)
	}
	if f.failing[term] {
		return nil, fmt.Errorf("%w: connection reset", collector.ErrTransport)
	}
	pages := f.pages[term]
	if page > len(pages) {
		return []collector.JobRecord{}, nil
	}
	out := append([]collector.JobRecord(nil), pages[page-1]...)
	for i := range out {
		out[i].SearchTerm = term
	}
	return out, nil
}

type session struct {
	queue   *memory.Queue
	ledger  *ledger.Ledger
	stats   *stats.Aggregator
	runners []Runner
}

func newSession(t *testing.T, path string, workers int, fetcher collector.PageFetcher) *session {
	t.Helper()
	agg := stats.New(nil)
	l, err := ledger.Open(ledger.Config{Path: path, Admits: agg}, zap.NewNop())
	require.NoError(t, err)
	t.Cleanup(func() { _ = l.Close() })

	s := &session{queue: memory.NewQueue(), ledger: l, stats: agg}
	for i := 0; i < workers; i++ {
		s.runners = append(s.runners, worker.New(worker.Config{Index: i}, worker.Deps{
			Queue:   s.queue,
			Fetcher: fetcher,
			Ledger:  l,
			Stats:   s.stats,
		}, zap.NewNop()))
	}
	return s
}

func (s *session) dispatcher() *Dispatcher {
	return New(s.queue, s.runners, s.stats, zap.NewNop())
}

func countLines(t *testing.T, path string) int {
	t.Helper()
	f, err := os.Open(path)
	require.NoError(t, err)
	defer f.Close()
	n := 0
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		if len(scanner.Bytes()) > 0 {
			n++
		}
	}
	require.NoError(t, scanner.Err())
	return n
}

func TestDuplicateAcrossTermsIsWrittenOnce(t *testing.T) {
	t.Parallel()

	shared := collector.JobRecord{Title: "X", Company: "Y"}
	fetcher := &scriptedFetcher{pages: map[string][][]collector.JobRecord{
		"A": {{shared}},
		"B": {{shared}},
	}}
	path := filepath.Join(t.TempDir(), "jobs.jsonl")
	s := newSession(t, path, 2, fetcher)

	summary, err := s.dispatcher().Run(context.Background(), []string{"A", "B"})
	require.NoError(t, err)
	require.Equal(t, 2, summary.Submitted)
	require.Equal(t, 1, summary.Admitted)
	require.Zero(t, summary.FailedTerms)
	require.NoError(t, s.ledger.Close())
	require.Equal(t, 1, countLines(t, path))
}

func TestTransportErrorEndsOnlyThatTerm(t *testing.T) {
	t.Parallel()

	fetcher := &scriptedFetcher{
		pages: map[string][][]collector.JobRecord{
			"ok-1": {{{Title: "a", Company: "1"}, {Title: "b", Company: "1"}}, {{Title: "c", Company: "1"}}},
			"ok-2": {{{Title: "d", Company: "2"}}},
		},
		failing: map[string]bool{"C": true},
	}
	path := filepath.Join(t.TempDir(), "jobs.jsonl")
	s := newSession(t, path, 3, fetcher)

	summary, err := s.dispatcher().Run(context.Background(), []string{"ok-1", "C", "ok-2"})
	require.NoError(t, err)
	require.Equal(t, 4, summary.Admitted)
	require.Zero(t, summary.FailedTerms, "a fetch error is not a failed term")
}

func TestPanickingTermIsCountedAndPoolSurvives(t *testing.T) {
	t.Parallel()

	fetcher := &scriptedFetcher{
		pages: map[string][][]collector.JobRecord{
			"good": {{{Title: "a", Company: "1"}}},
		},
		panicking: map[string]bool{"bad-1": true, "bad-2": true},
	}
	s := newSession(t, filepath.Join(t.TempDir(), "jobs.jsonl"), 1, fetcher)

	summary, err := s.dispatcher().Run(context.Background(), []string{"bad-1", "good", "bad-2"})
	require.NoError(t, err)
	require.Equal(t, 2, summary.FailedTerms)
	require.Equal(t, 1, summary.Admitted)
}

func TestRestartAdmitsNothingNew(t *testing.T) {
	t.Parallel()

	fetcher := &scriptedFetcher{pages: map[string][][]collector.JobRecord{
		"A": {{{Title: "X", Company: "Y"}, {Title: "P", Company: "Q"}}},
	}}
	path := filepath.Join(t.TempDir(), "jobs.jsonl")

	first := newSession(t, path, 2, fetcher)
	summary, err := first.dispatcher().Run(context.Background(), []string{"A"})
	require.NoError(t, err)
	require.Equal(t, 2, summary.Admitted)
	require.NoError(t, first.ledger.Close())

	second := newSession(t, path, 2, fetcher)
	require.True(t, second.ledger.Contains(collector.IdentityKey{Title: "X", Company: "Y"}))
	require.True(t, second.ledger.Contains(collector.IdentityKey{Title: "P", Company: "Q"}))

	summary, err = second.dispatcher().Run(context.Background(), []string{"A"})
	require.NoError(t, err)
	require.Zero(t, summary.Admitted)
	require.NoError(t, second.ledger.Close())
	require.Equal(t, 2, countLines(t, path))
}

// exitCounter wraps a runner and counts clean exits.
type exitCounter struct {
	inner Runner
	exits *atomic.Int32
}

func (e exitCounter) Run(ctx context.Context) error {
	err := e.inner.Run(ctx)
	if err == nil {
		e.exits.Add(1)
	}
	return err
}

func TestEveryWorkerExitsExactlyOnce(t *testing.T) {
	t.Parallel()

	const workers = 4
	fetcher := &scriptedFetcher{pages: map[string][][]collector.JobRecord{}}
	s := newSession(t, filepath.Join(t.TempDir(), "jobs.jsonl"), workers, fetcher)

	var exits atomic.Int32
	runners := make([]Runner, 0, workers)
	for _, r := range s.runners {
		runners = append(runners, exitCounter{inner: r, exits: &exits})
	}
	terms := make([]string, 25)
	for i := range terms {
		terms[i] = fmt.Sprintf("term-%02d", i)
	}

	summary, err := New(s.queue, runners, s.stats, nil).Run(context.Background(), terms)
	require.NoError(t, err)
	require.Equal(t, int32(workers), exits.Load())
	require.Equal(t, 25, summary.Submitted)
	require.Equal(t, int32(25), fetcher.calls.Load(), "each term fetched once, all pages empty")
	require.Zero(t, s.queue.Len(), "no stop task left behind")
	require.NoError(t, s.queue.Join(context.Background()))
}

func TestRunWithNoTerms(t *testing.T) {
	t.Parallel()

	s := newSession(t, filepath.Join(t.TempDir(), "jobs.jsonl"), 3, &scriptedFetcher{})
	summary, err := s.dispatcher().Run(context.Background(), nil)
	require.NoError(t, err)
	require.Zero(t, summary.Submitted)
	require.False(t, summary.StartedAt.IsZero())
}

func TestRunWithoutWorkers(t *testing.T) {
	t.Parallel()

	_, err := New(memory.NewQueue(), nil, nil, nil).Run(context.Background(), []string{"a"})
	require.EqualError(t, err, "dispatcher has no workers")
}

// blockingFetcher holds every call until ctx ends.
type blockingFetcher struct {
	entered chan struct{}
	once    sync.Once
}

func (f *blockingFetcher) FetchPage(ctx context.Context, _ string, _ int) ([]collector.JobRecord, error) {
	f.once.Do(func() { close(f.entered) })
	<-ctx.Done()
	return nil, fmt.Errorf("%w: %w", collector.ErrTransport, ctx.Err())
}

func TestRunCancellationStopsAllWorkers(t *testing.T) {
	t.Parallel()

	fetcher := &blockingFetcher{entered: make(chan struct{})}
	s := newSession(t, filepath.Join(t.TempDir(), "jobs.jsonl"), 2, fetcher)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan error, 1)
	go func() {
		_, err := s.dispatcher().Run(ctx, []string{"a", "b", "c", "d"})
		done <- err
	}()

	select {
	case <-fetcher.entered:
	case <-time.After(time.Second):
		t.Fatal("no worker started fetching")
	}
	cancel()

	select {
	case err := <-done:
		require.ErrorIs(t, err, context.Canceled)
	case <-time.After(2 * time.Second):
		t.Fatal("dispatcher did not return after cancel")
	}
	require.Zero(t, s.stats.Snapshot().FailedTerms)
}
