// Package memory provides the in-process task queue used by the worker pool.
package memory

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/JakeFAU/jobcollector/internal/collector"
)

// ErrClosed is returned by Dequeue once the queue is closed and drained.
var ErrClosed = errors.New("queue closed")

// Queue is an unbounded FIFO of tasks with context-aware dequeue and
// join-style completion tracking: every enqueued task must be acknowledged
// with TaskDone before Join returns.
type Queue struct {
	mu      sync.Mutex
	items   []collector.Task
	ready   chan struct{}
	pending int
	idle    chan struct{}
	closed  bool
}

// NewQueue constructs an empty queue.
func NewQueue() *Queue {
	idle := make(chan struct{})
	close(idle)
	return &Queue{
		ready: make(chan struct{}, 1),
		idle:  idle,
	}
}

// Enqueue appends a task. It never blocks. Enqueue on a closed queue is a
// no-op.
func (q *Queue) Enqueue(task collector.Task) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return
	}
	if q.pending == 0 {
		q.idle = make(chan struct{})
	}
	q.pending++
	q.items = append(q.items, task)
	q.signal()
}

// Dequeue pops the oldest task, blocking until one is available, the context
// ends, or the queue is closed and empty.
func (q *Queue) Dequeue(ctx context.Context) (collector.Task, error) {
	for {
		q.mu.Lock()
		if len(q.items) > 0 {
			task := q.items[0]
			q.items[0] = collector.Task{}
			q.items = q.items[1:]
			if len(q.items) > 0 {
				// Pass the wakeup on so another waiter sees the remaining items.
				q.signal()
			}
			q.mu.Unlock()
			return task, nil
		}
		if q.closed {
			// Wake the next blocked consumer so it observes the close too.
			q.signal()
			q.mu.Unlock()
			return collector.Task{}, ErrClosed
		}
		q.mu.Unlock()

		select {
		case <-ctx.Done():
			return collector.Task{}, fmt.Errorf("dequeue canceled: %w", ctx.Err())
		case <-q.ready:
		}
	}
}

// TaskDone acknowledges that a previously dequeued task has been fully
// processed.
func (q *Queue) TaskDone() {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.pending <= 0 {
		panic("memory.Queue: TaskDone called more times than Enqueue")
	}
	q.pending--
	if q.pending == 0 {
		close(q.idle)
	}
}

// Join blocks until every enqueued task has been acknowledged or the context
// ends.
func (q *Queue) Join(ctx context.Context) error {
	q.mu.Lock()
	idle := q.idle
	q.mu.Unlock()
	select {
	case <-idle:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("join canceled: %w", ctx.Err())
	}
}

// Len returns the number of tasks waiting to be dequeued.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}

// Close stops accepting new tasks and wakes blocked consumers once the
// remaining items drain. Closing twice is safe.
func (q *Queue) Close() {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return
	}
	q.closed = true
	q.signal()
}

func (q *Queue) signal() {
	select {
	case q.ready <- struct{}{}:
	default:
	}
}
