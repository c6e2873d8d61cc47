// Package ledger implements the deduplication ledger in front of the
// append-only JSON Lines output log.
package ledger

import (
	"bufio"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/gofrs/flock"
	"go.uber.org/zap"

	"github.com/JakeFAU/jobcollector/internal/collector"
)

// maxLineBytes bounds a single log line during replay.
const maxLineBytes = 16 * 1024 * 1024

// ErrLocked is returned when another process already holds the output log.
var ErrLocked = errors.New("output log is locked by another process")

// Config controls where the ledger persists records.
type Config struct {
	// Path is the JSON Lines output log.
	Path string
	// SyncOnAppend fsyncs the log after every admitted record.
	SyncOnAppend bool
	// Admits is told about every successful admit while the ledger lock is
	// still held, so it never trails the log. Optional.
	Admits AdmitRecorder
}

// AdmitRecorder counts records written to the log.
type AdmitRecorder interface {
	RecordAdmitted()
}

type appendFile interface {
	Write(p []byte) (int, error)
	Sync() error
	Close() error
}

// Ledger tracks which identity keys have been written to the output log and
// serializes every admit-and-append behind a single mutex.
type Ledger struct {
	mu           sync.Mutex
	keys         map[collector.IdentityKey]struct{}
	file         appendFile
	lock         *flock.Flock
	path         string
	syncOnAppend bool
	admits       AdmitRecorder
	logger       *zap.Logger
}

// ReplayStats describes what Open found in an existing log.
type ReplayStats struct {
	Lines     int
	Keys      int
	Malformed int
}

// Open locks the output log, rebuilds the key set from every previously
// written record, and prepares the log for appends. A missing log is created
// empty.
func Open(cfg Config, logger *zap.Logger) (*Ledger, error) {
	if strings.TrimSpace(cfg.Path) == "" {
		return nil, fmt.Errorf("ledger path is required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	if dir := filepath.Dir(cfg.Path); dir != "" {
		if err := os.MkdirAll(dir, 0o750); err != nil {
			return nil, fmt.Errorf("create log dir %s: %w", dir, err)
		}
	}

	lock := flock.New(cfg.Path + ".lock")
	locked, err := lock.TryLock()
	if err != nil {
		return nil, fmt.Errorf("lock output log: %w", err)
	}
	if !locked {
		return nil, fmt.Errorf("%s: %w", cfg.Path, ErrLocked)
	}

	l := &Ledger{
		keys:         make(map[collector.IdentityKey]struct{}),
		lock:         lock,
		path:         cfg.Path,
		syncOnAppend: cfg.SyncOnAppend,
		admits:       cfg.Admits,
		logger:       logger,
	}
	replay, endsClean, err := l.replay()
	if err != nil {
		l.unlock()
		return nil, err
	}

	file, err := os.OpenFile(cfg.Path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		l.unlock()
		return nil, fmt.Errorf("open output log: %w", err)
	}
	if !endsClean {
		// A torn final line would otherwise swallow the next record.
		if _, err := file.Write([]byte{'\n'}); err != nil {
			_ = file.Close()
			l.unlock()
			return nil, fmt.Errorf("terminate torn line: %w", err)
		}
	}
	l.file = file

	logger.Info("ledger ready",
		zap.String("path", cfg.Path),
		zap.Int("lines", replay.Lines),
		zap.Int("keys", replay.Keys),
		zap.Int("malformed", replay.Malformed),
	)
	return l, nil
}

// replay loads identity keys from the existing log. It reports whether the
// file is empty or ends with a newline.
func (l *Ledger) replay() (ReplayStats, bool, error) {
	var stats ReplayStats
	f, err := os.Open(l.path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return stats, true, nil
		}
		return stats, false, fmt.Errorf("open output log for replay: %w", err)
	}
	defer f.Close()

	reader := bufio.NewReaderSize(f, 64*1024)
	endsClean := true
	for {
		line, readErr := reader.ReadBytes('\n')
		if len(line) > 0 {
			endsClean = line[len(line)-1] == '\n'
			stats.Lines++
			l.replayLine(stats.Lines, line, &stats)
		}
		if readErr == io.EOF {
			break
		}
		if readErr != nil {
			return stats, false, fmt.Errorf("read output log: %w", readErr)
		}
	}
	stats.Keys = len(l.keys)
	return stats, endsClean, nil
}

func (l *Ledger) replayLine(lineNo int, line []byte, stats *ReplayStats) {
	trimmed := strings.TrimSpace(string(line))
	if trimmed == "" {
		return
	}
	if len(trimmed) > maxLineBytes {
		stats.Malformed++
		l.logger.Warn("skipping oversized log line", zap.Int("line", lineNo), zap.Int("bytes", len(trimmed)))
		return
	}
	var rec struct {
		Title   *string `json:"title"`
		Company *string `json:"company"`
	}
	if err := json.Unmarshal([]byte(trimmed), &rec); err != nil {
		stats.Malformed++
		l.logger.Warn("skipping malformed log line", zap.Int("line", lineNo), zap.Error(err))
		return
	}
	if rec.Title == nil || rec.Company == nil {
		stats.Malformed++
		l.logger.Warn("skipping log line without identity fields", zap.Int("line", lineNo))
		return
	}
	l.keys[collector.IdentityKey{Title: *rec.Title, Company: *rec.Company}] = struct{}{}
}

// TryAdmit writes the record to the log if its identity key has never been
// seen. It returns true only for the caller that performed the write. When the
// append fails the key stays marked as present and the error is returned.
func (l *Ledger) TryAdmit(record collector.JobRecord) (bool, error) {
	payload, err := json.Marshal(record)
	if err != nil {
		return false, fmt.Errorf("marshal record: %w", err)
	}
	payload = append(payload, '\n')
	key := record.Key()

	l.mu.Lock()
	defer l.mu.Unlock()
	if l.file == nil {
		return false, fmt.Errorf("ledger is closed")
	}
	if _, ok := l.keys[key]; ok {
		return false, nil
	}
	l.keys[key] = struct{}{}
	if _, err := l.file.Write(payload); err != nil {
		l.logger.Error("append record failed", zap.Stringer("key", key), zap.Error(err))
		return false, fmt.Errorf("append record: %w", err)
	}
	if l.syncOnAppend {
		if err := l.file.Sync(); err != nil {
			l.logger.Error("sync output log failed", zap.Stringer("key", key), zap.Error(err))
			return false, fmt.Errorf("sync output log: %w", err)
		}
	}
	if l.admits != nil {
		l.admits.RecordAdmitted()
	}
	return true, nil
}

// Contains reports whether the key has been admitted.
func (l *Ledger) Contains(key collector.IdentityKey) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	_, ok := l.keys[key]
	return ok
}

// Len returns the number of known identity keys.
func (l *Ledger) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.keys)
}

// Path returns the output log location.
func (l *Ledger) Path() string {
	return l.path
}

// Close flushes and closes the log and releases the process lock. It is safe
// to call more than once.
func (l *Ledger) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.file == nil {
		return nil
	}
	var errs []error
	if err := l.file.Sync(); err != nil {
		errs = append(errs, fmt.Errorf("sync output log: %w", err))
	}
	if err := l.file.Close(); err != nil {
		errs = append(errs, fmt.Errorf("close output log: %w", err))
	}
	l.file = nil
	if err := l.unlock(); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}

func (l *Ledger) unlock() error {
	if l.lock == nil {
		return nil
	}
	if err := l.lock.Unlock(); err != nil {
		return fmt.Errorf("unlock output log: %w", err)
	}
	return nil
}
