// Package dispatcher runs a collection session: it starts the worker pool,
// submits every search term, waits for the queue to drain, and shuts the pool
// down with one stop task per worker.
package dispatcher

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"go.uber.org/zap"

	"github.com/JakeFAU/jobcollector/internal/collector"
	"github.com/JakeFAU/jobcollector/internal/stats"
)

// Runner is the unit of work the dispatcher starts once per pool slot.
type Runner interface {
	Run(ctx context.Context) error
}

// Dispatcher owns the pool of runners and the queue they share.
type Dispatcher struct {
	queue   collector.Queue
	workers []Runner
	stats   *stats.Aggregator
	logger  *zap.Logger
}

// New creates a Dispatcher. The aggregator must be the same one the workers
// report into.
func New(queue collector.Queue, workers []Runner, agg *stats.Aggregator, logger *zap.Logger) *Dispatcher {
	if logger == nil {
		logger = zap.NewNop()
	}
	if agg == nil {
		agg = stats.New(nil)
	}
	return &Dispatcher{
		queue:   queue,
		workers: workers,
		stats:   agg,
		logger:  logger.Named("dispatcher"),
	}
}

// Stats exposes the live aggregator, e.g. for the status API.
func (d *Dispatcher) Stats() *stats.Aggregator {
	return d.stats
}

// Run processes terms to completion and returns the session summary. Workers
// are running before the first term is submitted, and Run returns only after
// every worker has exited. When ctx ends early, queued terms are abandoned and
// the returned error wraps ctx.Err().
func (d *Dispatcher) Run(ctx context.Context, terms []string) (stats.Summary, error) {
	if len(d.workers) == 0 {
		return stats.Summary{}, errors.New("dispatcher has no workers")
	}

	var (
		wg    sync.WaitGroup
		exits = make(chan error, len(d.workers))
	)
	for _, w := range d.workers {
		wg.Add(1)
		go func(r Runner) {
			defer wg.Done()
			exits <- r.Run(ctx)
		}(w)
	}
	d.logger.Info("worker pool started", zap.Int("workers", len(d.workers)))

	d.stats.Start(len(terms))
	for _, term := range terms {
		d.queue.Enqueue(collector.NewTask(term))
	}
	d.logger.Info("terms submitted", zap.Int("terms", len(terms)))

	joinErr := d.queue.Join(ctx)
	if joinErr == nil {
		for range d.workers {
			d.queue.Enqueue(collector.StopTask())
		}
	}
	wg.Wait()
	close(exits)

	clean := 0
	for err := range exits {
		if err == nil {
			clean++
		}
	}

	summary := d.stats.Snapshot()
	d.logger.Info("collection finished",
		stats.Field(summary),
		zap.Int("workers_stopped", clean),
	)
	if joinErr != nil {
		return summary, fmt.Errorf("wait for terms: %w", joinErr)
	}
	if clean != len(d.workers) {
		return summary, fmt.Errorf("%d of %d workers exited abnormally", len(d.workers)-clean, len(d.workers))
	}
	return summary, nil
}
