// Package worker implements the per-term crawl loop and the worker goroutine
// that drives it from the shared task queue.
package worker

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/JakeFAU/jobcollector/internal/collector"
	"github.com/JakeFAU/jobcollector/internal/metrics"
	"github.com/JakeFAU/jobcollector/internal/policy/jitter"
	"github.com/JakeFAU/jobcollector/internal/progress"
)

// Config identifies a worker within a run.
type Config struct {
	Index int
	RunID [16]byte
}

// Deps are the collaborators a Worker needs. Queue, Fetcher and Ledger are
// required; the rest fall back to no-op or system implementations.
type Deps struct {
	Queue    collector.Queue
	Fetcher  collector.PageFetcher
	Ledger   collector.Admitter
	Pacer    collector.Pacer
	Stats    collector.StatsRecorder
	Progress progress.Emitter
	Clock    collector.Clock
}

// Worker consumes search terms from the queue until it receives a stop task.
type Worker struct {
	cfg      Config
	queue    collector.Queue
	fetcher  collector.PageFetcher
	ledger   collector.Admitter
	pacer    collector.Pacer
	stats    collector.StatsRecorder
	progress progress.Emitter
	clock    collector.Clock
	logger   *zap.Logger
}

// New constructs a Worker.
func New(cfg Config, deps Deps, logger *zap.Logger) *Worker {
	if logger == nil {
		logger = zap.NewNop()
	}
	if deps.Pacer == nil {
		deps.Pacer = jitter.None{}
	}
	if deps.Stats == nil {
		deps.Stats = nopStats{}
	}
	if deps.Progress == nil {
		deps.Progress = progress.Discard{}
	}
	if deps.Clock == nil {
		deps.Clock = collector.SystemClock{}
	}
	return &Worker{
		cfg:      cfg,
		queue:    deps.Queue,
		fetcher:  deps.Fetcher,
		ledger:   deps.Ledger,
		pacer:    deps.Pacer,
		stats:    deps.Stats,
		progress: deps.Progress,
		clock:    deps.Clock,
		logger:   logger.Named("worker").With(zap.Int("index", cfg.Index)),
	}
}

// Index returns the worker's position in the pool.
func (w *Worker) Index() int {
	return w.cfg.Index
}

// Run dequeues and processes terms until a stop task arrives, in which case
// it returns nil. It returns an error when the context ends or the queue fails.
func (w *Worker) Run(ctx context.Context) error {
	w.logger.Debug("worker started")
	for {
		task, err := w.queue.Dequeue(ctx)
		if err != nil {
			if ctx.Err() != nil {
				w.logger.Info("worker stopping on cancellation")
				return fmt.Errorf("worker %d: %w", w.cfg.Index, ctx.Err())
			}
			w.logger.Error("queue dequeue failed", zap.Error(err))
			return fmt.Errorf("worker %d dequeue: %w", w.cfg.Index, err)
		}
		if task.IsStop() {
			w.queue.TaskDone()
			w.logger.Debug("stop task received")
			return nil
		}
		if err := ctx.Err(); err != nil {
			// Abandon queued terms once the run is canceled.
			w.queue.TaskDone()
			return fmt.Errorf("worker %d: %w", w.cfg.Index, err)
		}
		w.process(ctx, task.Term())
		w.queue.TaskDone()
	}
}

// process runs one term behind a recover so that no term can take the worker
// down with it.
func (w *Worker) process(ctx context.Context, term string) {
	start := w.clock.Now()
	w.emit(progress.Event{Stage: progress.StageTermStart, Term: term})
	metrics.IncActiveWorkers()
	defer metrics.DecActiveWorkers()

	result, err := w.safeCrawl(ctx, term)
	elapsed := max(w.clock.Now().Sub(start), 0)

	switch {
	case err == nil:
		metrics.ObserveTerm("done")
		w.emit(progress.Event{
			Stage:    progress.StageTermDone,
			Term:     term,
			Page:     result.Pages,
			Records:  result.Records,
			Admitted: result.Admitted,
			Dur:      elapsed,
			Note:     result.note(),
		})
	case ctx.Err() != nil && errors.Is(err, ctx.Err()):
		// An interrupted term is not a failed term.
		metrics.ObserveTerm("interrupted")
		w.logger.Info("term interrupted", zap.String("term", term), zap.Int("pages", result.Pages))
		w.emit(progress.Event{
			Stage:    progress.StageTermError,
			Term:     term,
			Page:     result.Pages,
			Records:  result.Records,
			Admitted: result.Admitted,
			Dur:      elapsed,
			Note:     err.Error(),
		})
	default:
		w.stats.RecordFailedTerm()
		metrics.ObserveTerm("failed")
		w.logger.Error("term failed", zap.String("term", term), zap.Error(err))
		w.emit(progress.Event{
			Stage:    progress.StageTermError,
			Term:     term,
			Page:     result.Pages,
			Records:  result.Records,
			Admitted: result.Admitted,
			Dur:      elapsed,
			Note:     err.Error(),
		})
	}
}

func (w *Worker) safeCrawl(ctx context.Context, term string) (result TermResult, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic while crawling term %q: %v", term, r)
		}
	}()
	return w.crawlTerm(ctx, term)
}

func (w *Worker) emit(evt progress.Event) {
	evt.RunID = w.cfg.RunID
	evt.Worker = w.cfg.Index
	if evt.TS.IsZero() {
		evt.TS = w.clock.Now()
	}
	w.progress.Emit(evt)
}

type nopStats struct{}

func (nopStats) RecordAdmitted()   {}
func (nopStats) RecordFailedTerm() {}
