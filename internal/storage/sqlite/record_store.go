// Package sqlite loads job records into a local SQLite database.
package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite" // registers the "sqlite" driver

	"github.com/JakeFAU/jobcollector/internal/collector"
	"github.com/JakeFAU/jobcollector/internal/storage"
)

// RecordStore inserts job records with INSERT OR IGNORE on (title, company).
type RecordStore struct {
	db    *sql.DB
	table string
}

// Open opens (creating if needed) the database file at path.
func Open(ctx context.Context, path, table string) (*RecordStore, error) {
	if strings.TrimSpace(path) == "" {
		return nil, fmt.Errorf("sqlite path is required")
	}
	if table == "" {
		table = storage.DefaultTable
	}
	if err := storage.ValidateTable(table); err != nil {
		return nil, err
	}
	if dir := filepath.Dir(path); dir != "" {
		if err := os.MkdirAll(dir, 0o750); err != nil {
			return nil, fmt.Errorf("create database dir: %w", err)
		}
	}

	dsn := fmt.Sprintf("file:%s?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)", path)
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	// SQLite allows a single writer.
	db.SetMaxOpenConns(1)
	db.SetConnMaxLifetime(5 * time.Minute)

	pingCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping sqlite: %w", err)
	}
	return &RecordStore{db: db, table: table}, nil
}

// EnsureSchema creates the records table if it does not exist.
func (s *RecordStore) EnsureSchema(ctx context.Context) error {
	query := fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	title TEXT NOT NULL,
	company TEXT NOT NULL,
	salary TEXT NOT NULL DEFAULT '',
	location TEXT NOT NULL DEFAULT '',
	experience TEXT NOT NULL DEFAULT '',
	education TEXT NOT NULL DEFAULT '',
	headcount INTEGER NOT NULL DEFAULT 0,
	job_type TEXT NOT NULL DEFAULT '',
	company_nature TEXT NOT NULL DEFAULT '',
	company_size TEXT NOT NULL DEFAULT '',
	industry TEXT NOT NULL DEFAULT '',
	benefits TEXT NOT NULL DEFAULT '[]',
	requirements TEXT NOT NULL DEFAULT '{}',
	meta TEXT NOT NULL DEFAULT '{}',
	search_term TEXT NOT NULL DEFAULT '',
	created_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP,
	UNIQUE (title, company)
)`, s.table)
	if _, err := s.db.ExecContext(ctx, query); err != nil {
		return fmt.Errorf("create table %s: %w", s.table, err)
	}
	return nil
}

// InsertBatch writes records in one transaction and returns how many rows were
// new. A failure rolls back the whole batch.
func (s *RecordStore) InsertBatch(ctx context.Context, records []collector.JobRecord) (int, error) {
	if len(records) == 0 {
		return 0, nil
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	placeholders := strings.TrimSuffix(strings.Repeat("?,", len(storage.Columns)), ",")
	stmt, err := tx.PrepareContext(ctx, fmt.Sprintf(
		"INSERT OR IGNORE INTO %s (%s) VALUES (%s)",
		s.table, strings.Join(storage.Columns, ", "), placeholders,
	))
	if err != nil {
		return 0, fmt.Errorf("prepare insert: %w", err)
	}
	defer stmt.Close()

	inserted := 0
	for _, rec := range records {
		vals, err := storage.Values(rec)
		if err != nil {
			return 0, fmt.Errorf("record %q: %w", rec.Key(), err)
		}
		res, err := stmt.ExecContext(ctx, vals...)
		if err != nil {
			return 0, fmt.Errorf("insert record %q: %w", rec.Key(), err)
		}
		if n, err := res.RowsAffected(); err == nil {
			inserted += int(n)
		}
	}
	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("commit batch: %w", err)
	}
	return inserted, nil
}

// Count returns the number of rows in the records table.
func (s *RecordStore) Count(ctx context.Context) (int, error) {
	var n int
	if err := s.db.QueryRowContext(ctx, fmt.Sprintf("SELECT COUNT(*) FROM %s", s.table)).Scan(&n); err != nil {
		return 0, fmt.Errorf("count records: %w", err)
	}
	return n, nil
}

// Close closes the database.
func (s *RecordStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	if err := s.db.Close(); err != nil {
		return fmt.Errorf("close sqlite: %w", err)
	}
	return nil
}
