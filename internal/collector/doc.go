// Package collector defines the job listing record, identity key, task, and the
// interfaces that connect the page fetcher, deduplication ledger, worker pool,
// and statistics aggregator.
package collector
