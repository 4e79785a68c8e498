// Package postgres provides Postgres-backed persistence implementations.
package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"regexp"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/JakeFAU/cmc-crawler/internal/crawler"
)

// SinkPostgres names the Postgres sink in errors and metrics.
const SinkPostgres = "postgres"

var validTableName = regexp.MustCompile(`^[a-zA-Z_][a-zA-Z0-9_]*$`)

// Config controls the Postgres connection pool.
type Config struct {
	DSN             string        `mapstructure:"dsn"`
	Table           string        `mapstructure:"table"`
	RunsTable       string        `mapstructure:"runs_table"`
	ItemsTable      string        `mapstructure:"items_table"`
	MaxConns        int32         `mapstructure:"max_conns"`
	MinConns        int32         `mapstructure:"min_conns"`
	MaxConnLifetime time.Duration `mapstructure:"max_conn_lifetime"`
}

type execCloser interface {
	Exec(context.Context, string, ...any) (pgconn.CommandTag, error)
	Close()
}

// querier is the subset of *pgxpool.Pool used by the run store.
type querier interface {
	execCloser
	QueryRow(context.Context, string, ...any) pgx.Row
	Query(context.Context, string, ...any) (pgx.Rows, error)
}

// NewPool opens a pgx pool from cfg.
func NewPool(ctx context.Context, cfg Config) (*pgxpool.Pool, error) {
	if cfg.DSN == "" {
		return nil, errors.New("postgres.dsn is required")
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
	return pool, nil
}

// RecordStore inserts crawled records into a table of
// (url text, title text, fields jsonb, crawled_at timestamptz).
type RecordStore struct {
	pool  execCloser
	table string
	now   func() time.Time
}

// NewRecordStore creates a Postgres-backed RecordStore using the provided config.
func NewRecordStore(ctx context.Context, cfg Config) (*RecordStore, error) {
	if _, err := tableOrDefault(cfg.Table, "records"); err != nil {
		return nil, err
	}
	pool, err := NewPool(ctx, cfg)
	if err != nil {
		return nil, err
	}
	return NewRecordStoreWithPool(pool, cfg.Table)
}

// NewRecordStoreWithPool constructs a store from an existing pool (primarily for testing).
func NewRecordStoreWithPool(pool execCloser, table string) (*RecordStore, error) {
	if pool == nil {
		return nil, errors.New("pool is required")
	}
	table, err := tableOrDefault(table, "records")
	if err != nil {
		return nil, err
	}
	return &RecordStore{pool: pool, table: table, now: time.Now}, nil
}

// Close releases the underlying pool resources.
func (s *RecordStore) Close() {
	if s == nil || s.pool == nil {
		return
	}
	s.pool.Close()
}

// Append inserts one row per record. The column values are stored as a JSON
// object in configured column order.
func (s *RecordStore) Append(ctx context.Context, record crawler.Record) error {
	fields, err := json.Marshal(record)
	if err != nil {
		return crawler.NewStorageError(SinkPostgres, record.URL, fmt.Errorf("encode record: %w", err))
	}
	query := fmt.Sprintf(`
INSERT INTO %s (url, title, fields, crawled_at)
VALUES ($1, $2, $3, $4)`, s.table)

	if _, err := s.pool.Exec(ctx, query, record.URL, record.Title, fields, s.now().UTC()); err != nil {
		return crawler.NewStorageError(SinkPostgres, record.URL, fmt.Errorf("insert record: %w", err))
	}
	return nil
}

func tableOrDefault(table, fallback string) (string, error) {
	if table == "" {
		table = fallback
	}
	if !validTableName.MatchString(table) {
		return "", fmt.Errorf("invalid table name %q", table)
	}
	return table, nil
}
