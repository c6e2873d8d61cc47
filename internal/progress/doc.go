// Package progress provides the event primitives, the non-blocking hub, and the
// emitter interface that workers use to report term progress. Events are
// batched on a background goroutine and fanned out to sinks such as the
// structured log, Prometheus, or the in-memory term board behind /v1/terms.
package progress
