// Package archive copies the output log to a blob store.
package archive

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path"
	"strings"
	"time"

	"github.com/gofrs/flock"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/JakeFAU/jobcollector/internal/hash/sha256"
)

// ContentType is the media type recorded for archived logs.
const ContentType = "application/x-ndjson"

// ErrBusy is returned when a collector currently holds the output log.
var ErrBusy = errors.New("output log is being written")

// BlobStore persists archived objects.
type BlobStore interface {
	PutObject(ctx context.Context, path, contentType string, r io.Reader) (string, error)
}

// Archiver uploads snapshots of the output log.
type Archiver struct {
	store  BlobStore
	prefix string
	now    func() time.Time
	logger *zap.Logger
}

// Option customizes an Archiver.
type Option func(*Archiver)

// WithClock overrides the time source used to date archive paths.
func WithClock(now func() time.Time) Option {
	return func(a *Archiver) {
		if now != nil {
			a.now = now
		}
	}
}

// WithLogger attaches a logger.
func WithLogger(logger *zap.Logger) Option {
	return func(a *Archiver) {
		if logger != nil {
			a.logger = logger
		}
	}
}

// New builds an Archiver writing under prefix.
func New(store BlobStore, prefix string, opts ...Option) (*Archiver, error) {
	if store == nil {
		return nil, fmt.Errorf("blob store is required")
	}
	a := &Archiver{
		store:  store,
		prefix: strings.Trim(prefix, "/"),
		now:    time.Now,
		logger: zap.NewNop(),
	}
	for _, opt := range opts {
		opt(a)
	}
	return a, nil
}

// ObjectPath returns prefix/<yyyy-mm-dd>/<run-id>.jsonl using the UTC date.
func ObjectPath(prefix string, ts time.Time, runID uuid.UUID) string {
	return path.Join(strings.Trim(prefix, "/"), ts.UTC().Format("2006-01-02"), runID.String()+".jsonl")
}

// Archive uploads the log at logPath. It takes a shared lock on the log so a
// running collector, which holds the exclusive lock, is never copied
// mid-write.
func (a *Archiver) Archive(ctx context.Context, logPath string, runID uuid.UUID) (string, error) {
	lock := flock.New(logPath + ".lock")
	locked, err := lock.TryRLock()
	if err != nil {
		return "", fmt.Errorf("lock output log: %w", err)
	}
	if !locked {
		return "", fmt.Errorf("%s: %w", logPath, ErrBusy)
	}
	defer func() {
		if err := lock.Unlock(); err != nil {
			a.logger.Warn("unlock output log failed", zap.Error(err))
		}
	}()

	f, err := os.Open(logPath)
	if err != nil {
		return "", fmt.Errorf("open output log: %w", err)
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return "", fmt.Errorf("stat output log: %w", err)
	}

	objectPath := ObjectPath(a.prefix, a.now(), runID)
	start := time.Now()
	digest := sha256.NewReader(f)
	uri, err := a.store.PutObject(ctx, objectPath, ContentType, digest)
	if err != nil {
		return "", fmt.Errorf("upload %s: %w", objectPath, err)
	}
	if digest.Len() != info.Size() {
		a.logger.Warn("output log changed size during upload",
			zap.Int64("expected", info.Size()),
			zap.Int64("read", digest.Len()),
		)
	}
	a.logger.Info("output log archived",
		zap.String("uri", uri),
		zap.Int64("bytes", digest.Len()),
		zap.String("sha256", digest.Sum()),
		zap.Stringer("run_id", runID),
		zap.Duration("duration", time.Since(start)),
	)
	return uri, nil
}
