package worker

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"

	"github.com/JakeFAU/jobcollector/internal/collector"
	"github.com/JakeFAU/jobcollector/internal/progress"
	"github.com/JakeFAU/jobcollector/internal/queue/memory"
	"github.com/JakeFAU/jobcollector/internal/stats"
)

// pageScript describes what the fake fetcher returns for one page.
type pageScript struct {
	records []collector.JobRecord
	err     error
	panics  bool
}

type fakeFetcher struct {
	mu      sync.Mutex
	scripts map[string][]pageScript
	calls   map[string][]int
}

func newFakeFetcher(scripts map[string][]pageScript) *fakeFetcher {
	return &fakeFetcher{scripts: scripts, calls: make(map[string][]int)}
}

func (f *fakeFetcher) FetchPage(_ context.Context, term string, page int) ([]collector.JobRecord, error) {
	f.mu.Lock()
	f.calls[term] = append(f.calls[term], page)
	pages := f.scripts[term]
	f.mu.Unlock()

	if page > len(pages) {
		return []collector.JobRecord{}, nil
	}
	script := pages[page-1]
	if script.panics {
		panic("fetcher exploded")
	}
	if script.err != nil {
		return nil, script.err
	}
	out := make([]collector.JobRecord, len(script.records))
	for i, rec := range script.records {
		rec.SearchTerm = term
		out[i] = rec
	}
	return out, nil
}

func (f *fakeFetcher) Calls(term string) []int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]int(nil), f.calls[term]...)
}

type fakeLedger struct {
	mu      sync.Mutex
	keys    map[collector.IdentityKey]struct{}
	written []collector.JobRecord
	failOn  map[collector.IdentityKey]bool
	admits  collector.StatsRecorder
}

func newFakeLedger() *fakeLedger {
	return &fakeLedger{
		keys:   make(map[collector.IdentityKey]struct{}),
		failOn: make(map[collector.IdentityKey]bool),
	}
}

// countInto makes the fake count admits the way the real ledger does.
func (l *fakeLedger) countInto(r collector.StatsRecorder) *fakeLedger {
	l.admits = r
	return l
}

func (l *fakeLedger) TryAdmit(rec collector.JobRecord) (bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	key := rec.Key()
	if _, ok := l.keys[key]; ok {
		return false, nil
	}
	l.keys[key] = struct{}{}
	if l.failOn[key] {
		return false, errors.New("disk full")
	}
	l.written = append(l.written, rec)
	if l.admits != nil {
		l.admits.RecordAdmitted()
	}
	return true, nil
}

func (l *fakeLedger) Written() []collector.JobRecord {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]collector.JobRecord(nil), l.written...)
}

type countingPacer struct {
	calls atomic.Int32
	err   error
}

func (p *countingPacer) Wait(context.Context) error {
	p.calls.Add(1)
	return p.err
}

type recordingEmitter struct {
	mu     sync.Mutex
	events []progress.Event
}

func (e *recordingEmitter) Emit(evt progress.Event) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.events = append(e.events, evt)
}

func (e *recordingEmitter) Stages() []progress.Stage {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]progress.Stage, len(e.events))
	for i, evt := range e.events {
		out[i] = evt.Stage
	}
	return out
}

func job(title, company string) collector.JobRecord {
	return collector.JobRecord{Title: title, Company: company}
}

func newTestWorker(t *testing.T, deps Deps, logger *zap.Logger) *Worker {
	t.Helper()
	if deps.Queue == nil {
		deps.Queue = memory.NewQueue()
	}
	return New(Config{Index: 0, RunID: progress.UUIDToBytes(uuid.New())}, deps, logger)
}

func TestCrawlTermPaginatesUntilEmptyPage(t *testing.T) {
	t.Parallel()

	fetcher := newFakeFetcher(map[string][]pageScript{
		"golang": {
			{records: []collector.JobRecord{job("A", "X"), job("B", "X")}},
			{records: []collector.JobRecord{job("C", "Y")}},
		},
	})
	agg := stats.New(nil)
	ledger := newFakeLedger().countInto(agg)
	pacer := &countingPacer{}
	emitter := &recordingEmitter{}
	w := newTestWorker(t, Deps{Fetcher: fetcher, Ledger: ledger, Pacer: pacer, Stats: agg, Progress: emitter}, nil)

	result, err := w.crawlTerm(context.Background(), "golang")
	require.NoError(t, err)
	require.Equal(t, []int{1, 2, 3}, fetcher.Calls("golang"))
	require.Equal(t, 2, result.Pages)
	require.Equal(t, 3, result.Records)
	require.Equal(t, 3, result.Admitted)
	require.Equal(t, EndExhausted, result.EndReason)
	require.Equal(t, int32(2), pacer.calls.Load(), "pacer runs between consecutive fetches only")
	require.Equal(t, 3, agg.Snapshot().Admitted)
	require.Equal(t, []progress.Stage{progress.StagePageDone, progress.StagePageDone}, emitter.Stages())
	for _, rec := range ledger.Written() {
		require.Equal(t, "golang", rec.SearchTerm)
	}
}

func TestCrawlTermEmptyFirstPage(t *testing.T) {
	t.Parallel()

	fetcher := newFakeFetcher(map[string][]pageScript{})
	pacer := &countingPacer{}
	w := newTestWorker(t, Deps{Fetcher: fetcher, Ledger: newFakeLedger(), Pacer: pacer}, nil)

	result, err := w.crawlTerm(context.Background(), "nothing")
	require.NoError(t, err)
	require.Zero(t, result.Pages)
	require.Zero(t, result.Records)
	require.Equal(t, []int{1}, fetcher.Calls("nothing"))
	require.Zero(t, pacer.calls.Load())
}

func TestCrawlTermFetchErrorEndsTermWithoutFailing(t *testing.T) {
	t.Parallel()

	transportErr := fmt.Errorf("%w: connection refused", collector.ErrTransport)
	fetcher := newFakeFetcher(map[string][]pageScript{
		"broken": {{err: transportErr}},
		"decode": {
			{records: []collector.JobRecord{job("A", "X")}},
			{err: fmt.Errorf("%w: invalid character '<'", collector.ErrDecode)},
		},
	})
	core, logs := observer.New(zapcore.DebugLevel)
	agg := stats.New(nil)
	w := newTestWorker(t, Deps{Fetcher: fetcher, Ledger: newFakeLedger().countInto(agg), Stats: agg}, zap.New(core))

	result, err := w.crawlTerm(context.Background(), "broken")
	require.NoError(t, err)
	require.Zero(t, result.Records)
	require.Equal(t, EndFetchError, result.EndReason)
	require.ErrorIs(t, result.FetchErr, collector.ErrTransport)

	result, err = w.crawlTerm(context.Background(), "decode")
	require.NoError(t, err)
	require.Equal(t, 1, result.Records)
	require.ErrorIs(t, result.FetchErr, collector.ErrDecode)

	failures := logs.FilterMessage("page fetch failed, ending term").All()
	require.Len(t, failures, 2)
	require.Equal(t, "transport", failures[0].ContextMap()["kind"])
	require.Equal(t, "decode", failures[1].ContextMap()["kind"])
	require.Zero(t, logs.FilterMessage("empty page, pagination complete").Len(),
		"fetch errors are logged apart from empty pages")
	require.Zero(t, agg.Snapshot().FailedTerms)
}

func TestCrawlTermCountsDuplicatesAndAdmitErrors(t *testing.T) {
	t.Parallel()

	fetcher := newFakeFetcher(map[string][]pageScript{
		"t": {{records: []collector.JobRecord{job("A", "X"), job("A", "X"), job("B", "X"), job("C", "X")}}},
	})
	agg := stats.New(nil)
	ledger := newFakeLedger().countInto(agg)
	ledger.failOn[collector.IdentityKey{Title: "B", Company: "X"}] = true
	w := newTestWorker(t, Deps{Fetcher: fetcher, Ledger: ledger, Stats: agg}, nil)

	result, err := w.crawlTerm(context.Background(), "t")
	require.NoError(t, err)
	require.Equal(t, 4, result.Records)
	require.Equal(t, 2, result.Admitted)
	require.Equal(t, 1, result.Duplicates)
	require.Equal(t, 1, result.AdmitErrors)
	require.Equal(t, 2, agg.Snapshot().Admitted)
	require.Len(t, ledger.Written(), 2)
}

func TestCrawlTermPacerCancellation(t *testing.T) {
	t.Parallel()

	fetcher := newFakeFetcher(map[string][]pageScript{
		"t": {{records: []collector.JobRecord{job("A", "X")}}, {records: []collector.JobRecord{job("B", "X")}}},
	})
	pacer := &countingPacer{err: context.Canceled}
	w := newTestWorker(t, Deps{Fetcher: fetcher, Ledger: newFakeLedger(), Pacer: pacer}, nil)

	result, err := w.crawlTerm(context.Background(), "t")
	require.ErrorIs(t, err, context.Canceled)
	require.Equal(t, 1, result.Pages)
	require.Equal(t, []int{1}, fetcher.Calls("t"))
}

func TestRunRecoversPanicsAndKeepsWorking(t *testing.T) {
	t.Parallel()

	q := memory.NewQueue()
	fetcher := newFakeFetcher(map[string][]pageScript{
		"explodes": {{panics: true}},
		"fine":     {{records: []collector.JobRecord{job("A", "X")}}},
	})
	agg := stats.New(nil)
	emitter := &recordingEmitter{}
	w := newTestWorker(t, Deps{Queue: q, Fetcher: fetcher, Ledger: newFakeLedger().countInto(agg), Stats: agg, Progress: emitter}, nil)

	q.Enqueue(collector.NewTask("explodes"))
	q.Enqueue(collector.NewTask("fine"))
	q.Enqueue(collector.StopTask())

	require.NoError(t, w.Run(context.Background()))
	require.NoError(t, q.Join(context.Background()), "every task including the stop task is acknowledged")

	snap := agg.Snapshot()
	require.Equal(t, 1, snap.FailedTerms)
	require.Equal(t, 1, snap.Admitted)
	require.Equal(t, []progress.Stage{
		progress.StageTermStart, progress.StageTermError,
		progress.StageTermStart, progress.StagePageDone, progress.StageTermDone,
	}, emitter.Stages())
}

func TestRunTreatsEmptyStringAsRealTerm(t *testing.T) {
	t.Parallel()

	q := memory.NewQueue()
	fetcher := newFakeFetcher(map[string][]pageScript{
		"": {{records: []collector.JobRecord{job("A", "X")}}},
	})
	w := newTestWorker(t, Deps{Queue: q, Fetcher: fetcher, Ledger: newFakeLedger()}, nil)

	q.Enqueue(collector.NewTask(""))
	q.Enqueue(collector.StopTask())
	require.NoError(t, w.Run(context.Background()))
	require.Equal(t, []int{1, 2}, fetcher.Calls(""))
}

func TestRunStopsOnCancellation(t *testing.T) {
	t.Parallel()

	q := memory.NewQueue()
	w := newTestWorker(t, Deps{Queue: q, Fetcher: newFakeFetcher(nil), Ledger: newFakeLedger()}, nil)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- w.Run(ctx) }()

	cancel()
	select {
	case err := <-done:
		require.ErrorIs(t, err, context.Canceled)
	case <-time.After(time.Second):
		t.Fatal("worker did not stop after cancel")
	}
}

func TestRunInterruptedTermIsNotAFailure(t *testing.T) {
	t.Parallel()

	q := memory.NewQueue()
	fetcher := newFakeFetcher(map[string][]pageScript{
		"t": {{records: []collector.JobRecord{job("A", "X")}}, {records: []collector.JobRecord{job("B", "X")}}},
	})
	ctx, cancel := context.WithCancel(context.Background())
	pacer := pacerFunc(func(context.Context) error {
		cancel()
		return fmt.Errorf("pacer wait: %w", context.Canceled)
	})
	agg := stats.New(nil)
	w := newTestWorker(t, Deps{Queue: q, Fetcher: fetcher, Ledger: newFakeLedger().countInto(agg), Pacer: pacer, Stats: agg}, nil)

	q.Enqueue(collector.NewTask("t"))
	err := w.Run(ctx)
	require.ErrorIs(t, err, context.Canceled)
	require.Zero(t, agg.Snapshot().FailedTerms)
	require.Equal(t, 1, agg.Snapshot().Admitted)
}

type pacerFunc func(context.Context) error

func (f pacerFunc) Wait(ctx context.Context) error { return f(ctx) }
