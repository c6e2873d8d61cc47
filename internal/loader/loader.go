// Package loader copies records from the output log into a database.
package loader

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/JakeFAU/jobcollector/internal/collector"
)

// Defaults for batching and retries.
const (
	DefaultBatchSize    = 1000
	DefaultMaxRetries   = 3
	DefaultRetryBackoff = 500 * time.Millisecond
	DefaultMaxLineBytes = 16 * 1024 * 1024
)

// RecordStore persists batches of records, ignoring ones already present.
type RecordStore interface {
	EnsureSchema(ctx context.Context) error
	InsertBatch(ctx context.Context, records []collector.JobRecord) (int, error)
}

// Config tunes batching and retry behavior.
type Config struct {
	BatchSize    int
	MaxRetries   int
	RetryBackoff time.Duration
	// MaxLineBytes bounds one log line; longer lines are skipped as malformed.
	MaxLineBytes int
}

func (c Config) withDefaults() Config {
	if c.BatchSize <= 0 {
		c.BatchSize = DefaultBatchSize
	}
	if c.MaxRetries < 0 {
		c.MaxRetries = 0
	}
	if c.RetryBackoff <= 0 {
		c.RetryBackoff = DefaultRetryBackoff
	}
	if c.MaxLineBytes <= 0 {
		c.MaxLineBytes = DefaultMaxLineBytes
	}
	return c
}

// Result summarizes one load.
type Result struct {
	Lines         int
	Records       int
	Malformed     int
	Inserted      int
	Batches       int
	FailedBatches int
	FailedRecords int
}

// MarshalLogObject renders the result as structured zap fields.
func (r Result) MarshalLogObject(enc zapcore.ObjectEncoder) error {
	enc.AddInt("lines", r.Lines)
	enc.AddInt("records", r.Records)
	enc.AddInt("malformed", r.Malformed)
	enc.AddInt("inserted", r.Inserted)
	enc.AddInt("batches", r.Batches)
	enc.AddInt("failed_batches", r.FailedBatches)
	enc.AddInt("failed_records", r.FailedRecords)
	return nil
}

// Loader streams the output log into a RecordStore in batches.
type Loader struct {
	store  RecordStore
	cfg    Config
	logger *zap.Logger
	sleep  func(ctx context.Context, d time.Duration) error
}

// New builds a Loader.
func New(store RecordStore, cfg Config, logger *zap.Logger) *Loader {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Loader{
		store:  store,
		cfg:    cfg.withDefaults(),
		logger: logger,
		sleep:  sleepCtx,
	}
}

// LoadFile loads the log at path.
func (l *Loader) LoadFile(ctx context.Context, path string) (Result, error) {
	f, err := os.Open(path)
	if err != nil {
		return Result{}, fmt.Errorf("open output log: %w", err)
	}
	defer f.Close()
	res, err := l.Load(ctx, f)
	if err != nil {
		return res, err
	}
	l.logger.Info("load finished", zap.String("path", path), zap.Object("result", res))
	return res, nil
}

// Load reads JSON Lines from r. Malformed and oversized lines are skipped with
// a warning. A batch that still fails after the configured retries is logged
// and skipped; only context cancellation and read errors abort the load.
func (l *Loader) Load(ctx context.Context, r io.Reader) (Result, error) {
	var res Result
	if err := l.store.EnsureSchema(ctx); err != nil {
		return res, fmt.Errorf("ensure schema: %w", err)
	}

	reader := bufio.NewReaderSize(r, 64*1024)
	batch := make([]collector.JobRecord, 0, l.cfg.BatchSize)
	for {
		raw, readErr := reader.ReadBytes('\n')
		if readErr != nil && !errors.Is(readErr, io.EOF) {
			return res, fmt.Errorf("read output log: %w", readErr)
		}
		if len(raw) > 0 {
			res.Lines++
			if rec, ok := l.decodeLine(raw, res.Lines, &res); ok {
				res.Records++
				batch = append(batch, rec)
				if len(batch) == l.cfg.BatchSize {
					if err := l.flush(ctx, batch, &res); err != nil {
						return res, err
					}
					batch = batch[:0]
				}
			}
		}
		if readErr != nil {
			break
		}
	}
	if len(batch) > 0 {
		if err := l.flush(ctx, batch, &res); err != nil {
			return res, err
		}
	}
	return res, nil
}

// decodeLine parses one raw log line. Blank, oversized and undecodable lines
// report false; the latter two count as malformed.
func (l *Loader) decodeLine(raw []byte, lineNo int, res *Result) (collector.JobRecord, bool) {
	line := bytes.TrimSpace(raw)
	if len(line) == 0 {
		return collector.JobRecord{}, false
	}
	if len(line) > l.cfg.MaxLineBytes {
		res.Malformed++
		l.logger.Warn("skipping oversized log line", zap.Int("line", lineNo), zap.Int("bytes", len(line)))
		return collector.JobRecord{}, false
	}
	var rec collector.JobRecord
	if err := json.Unmarshal(line, &rec); err != nil {
		res.Malformed++
		l.logger.Warn("skipping malformed log line", zap.Int("line", lineNo), zap.Error(err))
		return collector.JobRecord{}, false
	}
	return rec, true
}

func (l *Loader) flush(ctx context.Context, batch []collector.JobRecord, res *Result) error {
	res.Batches++
	var lastErr error
	for attempt := 0; attempt <= l.cfg.MaxRetries; attempt++ {
		if attempt > 0 {
			l.logger.Warn("batch insert failed, retrying",
				zap.Int("batch", res.Batches),
				zap.Int("attempt", attempt),
				zap.Int("max_retries", l.cfg.MaxRetries),
				zap.Error(lastErr),
			)
			if err := l.sleep(ctx, l.cfg.RetryBackoff*time.Duration(attempt)); err != nil {
				return fmt.Errorf("batch %d: %w", res.Batches, err)
			}
		}
		n, err := l.store.InsertBatch(ctx, batch)
		if err == nil {
			res.Inserted += n
			l.logger.Debug("batch inserted",
				zap.Int("batch", res.Batches),
				zap.Int("records", len(batch)),
				zap.Int("inserted", n),
			)
			return nil
		}
		if ctxErr := ctx.Err(); ctxErr != nil {
			return fmt.Errorf("batch %d: %w", res.Batches, errors.Join(ctxErr, err))
		}
		lastErr = err
	}
	res.FailedBatches++
	res.FailedRecords += len(batch)
	l.logger.Error("batch insert failed, skipping batch",
		zap.Int("batch", res.Batches),
		zap.Int("records", len(batch)),
		zap.Error(lastErr),
	)
	return nil
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
