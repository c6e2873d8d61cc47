// Package postgres loads job records into Postgres.
package postgres

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/JakeFAU/jobcollector/internal/collector"
	"github.com/JakeFAU/jobcollector/internal/storage"
)

// maxParams is the Postgres limit on bind parameters per statement.
const maxParams = 65535

// RecordStoreConfig controls the Postgres connection pool used for loading.
type RecordStoreConfig struct {
	DSN             string
	Table           string
	MaxConns        int32
	MinConns        int32
	MaxConnLifetime time.Duration
}

type execCloser interface {
	Exec(context.Context, string, ...any) (pgconn.CommandTag, error)
	Close()
}

// RecordStore inserts job records, ignoring rows whose (title, company)
// already exists.
type RecordStore struct {
	pool  execCloser
	table string
}

// NewRecordStore connects a pgx pool using the provided config.
func NewRecordStore(ctx context.Context, cfg RecordStoreConfig) (*RecordStore, error) {
	if cfg.DSN == "" {
		return nil, fmt.Errorf("loader.dsn is required")
	}
	table := cfg.Table
	if table == "" {
		table = storage.DefaultTable
	}
	if err := storage.ValidateTable(table); err != nil {
		return nil, err
	}
	poolCfg, err := pgxpool.ParseConfig(cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("parse postgres dsn: %w", err)
	}
	if cfg.MaxConns > 0 {
		poolCfg.MaxConns = cfg.MaxConns
	}
	if cfg.MinConns > 0 {
		poolCfg.MinConns = cfg.MinConns
	}
	if cfg.MaxConnLifetime > 0 {
		poolCfg.MaxConnLifetime = cfg.MaxConnLifetime
	}
	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	return &RecordStore{pool: pool, table: table}, nil
}

// NewRecordStoreWithPool constructs a store from an existing pool (primarily
// for testing).
func NewRecordStoreWithPool(pool execCloser, table string) (*RecordStore, error) {
	if pool == nil {
		return nil, fmt.Errorf("pool is required")
	}
	if table == "" {
		table = storage.DefaultTable
	}
	if err := storage.ValidateTable(table); err != nil {
		return nil, err
	}
	return &RecordStore{pool: pool, table: table}, nil
}

// EnsureSchema creates the records table if it does not exist.
func (s *RecordStore) EnsureSchema(ctx context.Context) error {
	query := fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
	id BIGSERIAL PRIMARY KEY,
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
	benefits JSONB NOT NULL DEFAULT '[]',
	requirements JSONB NOT NULL DEFAULT '{}',
	meta JSONB NOT NULL DEFAULT '{}',
	search_term TEXT NOT NULL DEFAULT '',
	created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
	UNIQUE (title, company)
)`, s.table)
	if _, err := s.pool.Exec(ctx, query); err != nil {
		return fmt.Errorf("create table %s: %w", s.table, err)
	}
	return nil
}

// InsertBatch writes records with a multi-row insert and returns how many rows
// were new.
func (s *RecordStore) InsertBatch(ctx context.Context, records []collector.JobRecord) (int, error) {
	if s == nil || s.pool == nil {
		return 0, fmt.Errorf("record store is not configured")
	}
	perStmt := maxParams / len(storage.Columns)
	inserted := 0
	for start := 0; start < len(records); start += perStmt {
		end := min(start+perStmt, len(records))
		n, err := s.insertChunk(ctx, records[start:end])
		inserted += n
		if err != nil {
			return inserted, err
		}
	}
	return inserted, nil
}

func (s *RecordStore) insertChunk(ctx context.Context, records []collector.JobRecord) (int, error) {
	query, args, err := buildInsert(s.table, records)
	if err != nil {
		return 0, err
	}
	tag, err := s.pool.Exec(ctx, query, args...)
	if err != nil {
		return 0, fmt.Errorf("insert records: %w", err)
	}
	return int(tag.RowsAffected()), nil
}

// Close releases the underlying pool resources.
func (s *RecordStore) Close() error {
	if s == nil || s.pool == nil {
		return nil
	}
	s.pool.Close()
	return nil
}

func buildInsert(table string, records []collector.JobRecord) (string, []any, error) {
	cols := len(storage.Columns)
	args := make([]any, 0, len(records)*cols)
	var b strings.Builder
	b.WriteString("INSERT INTO ")
	b.WriteString(table)
	b.WriteString(" (")
	b.WriteString(strings.Join(storage.Columns, ", "))
	b.WriteString(") VALUES ")
	for i, rec := range records {
		vals, err := storage.Values(rec)
		if err != nil {
			return "", nil, fmt.Errorf("record %q: %w", rec.Key(), err)
		}
		if i > 0 {
			b.WriteString(", ")
		}
		b.WriteByte('(')
		for j := range vals {
			if j > 0 {
				b.WriteByte(',')
			}
			b.WriteByte('$')
			b.WriteString(strconv.Itoa(len(args) + j + 1))
		}
		b.WriteByte(')')
		args = append(args, vals...)
	}
	b.WriteString(" ON CONFLICT (title, company) DO NOTHING")
	return b.String(), args, nil
}
