// Package sinks implements progress consumers: structured logging, Prometheus
// collectors, the in-memory term board served by the status API, and an
// optional Pub/Sub notifier for finished terms.
package sinks
