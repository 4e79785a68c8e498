package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/JakeFAU/cmc-crawler/internal/store"
)

// RunStore implements store.RunRepository using Postgres.
type RunStore struct {
	pool       querier
	runsTable  string
	itemsTable string
}

// NewRunStore creates a RunStore with its own pool.
func NewRunStore(ctx context.Context, cfg Config) (*RunStore, error) {
	pool, err := NewPool(ctx, cfg)
	if err != nil {
		return nil, err
	}
	s, err := NewRunStoreWithPool(pool, cfg.RunsTable, cfg.ItemsTable)
	if err != nil {
		pool.Close()
		return nil, err
	}
	return s, nil
}

// NewRunStoreWithPool constructs a RunStore from an existing pool.
func NewRunStoreWithPool(pool querier, runsTable, itemsTable string) (*RunStore, error) {
	if pool == nil {
		return nil, errors.New("pool is required")
	}
	runs, err := tableOrDefault(runsTable, "crawl_runs")
	if err != nil {
		return nil, err
	}
	items, err := tableOrDefault(itemsTable, "crawl_items")
	if err != nil {
		return nil, err
	}
	return &RunStore{pool: pool, runsTable: runs, itemsTable: items}, nil
}

// Close closes the underlying connection pool.
func (s *RunStore) Close() {
	s.pool.Close()
}

// StartRun inserts a run or resets it to running.
func (s *RunStore) StartRun(ctx context.Context, runID uuid.UUID, startedAt time.Time, total int) error {
	query := fmt.Sprintf(`
		INSERT INTO %s (id, started_at, status, total)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (id) DO UPDATE
		SET started_at = EXCLUDED.started_at, status = EXCLUDED.status, total = EXCLUDED.total;
	`, s.runsTable)
	if _, err := s.pool.Exec(ctx, query, runID, startedAt, store.RunRunning, total); err != nil {
		return fmt.Errorf("failed to upsert run start: %w", err)
	}
	return nil
}

// RecordItems upserts item states keyed by (run_id, url).
func (s *RunStore) RecordItems(ctx context.Context, runID uuid.UUID, items []store.ItemState) error {
	query := fmt.Sprintf(`
		INSERT INTO %s (run_id, url, status, attempts, kind, last_error, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (run_id, url) DO UPDATE
		SET status = EXCLUDED.status,
			attempts = EXCLUDED.attempts,
			kind = EXCLUDED.kind,
			last_error = EXCLUDED.last_error,
			updated_at = EXCLUDED.updated_at;
	`, s.itemsTable)
	for _, item := range items {
		_, err := s.pool.Exec(ctx, query,
			runID,
			item.URL,
			item.Status,
			item.Attempts,
			item.Kind,
			item.LastError,
			item.UpdatedAt,
		)
		if err != nil {
			return fmt.Errorf("failed to upsert item %s: %w", item.URL, err)
		}
	}
	return nil
}

// CompleteRun marks a run finished.
func (s *RunStore) CompleteRun(ctx context.Context, runID uuid.UUID, done store.RunCompletion) error {
	query := fmt.Sprintf(`
		UPDATE %s
		SET finished_at = $1, status = $2, succeeded = $3, failed = $4, note = $5
		WHERE id = $6;
	`, s.runsTable)
	tag, err := s.pool.Exec(ctx, query, done.FinishedAt, done.Status, done.Succeeded, done.Failed, done.Note, runID)
	if err != nil {
		return fmt.Errorf("failed to complete run: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return store.ErrNotFound
	}
	return nil
}

// GetRun retrieves a single run by its ID.
func (s *RunStore) GetRun(ctx context.Context, runID uuid.UUID) (store.Run, error) {
	query := fmt.Sprintf(`
		SELECT id, started_at, finished_at, status, total, succeeded, failed, note
		FROM %s
		WHERE id = $1;
	`, s.runsTable)
	var run store.Run
	err := s.pool.QueryRow(ctx, query, runID).Scan(
		&run.ID,
		&run.StartedAt,
		&run.FinishedAt,
		&run.Status,
		&run.Total,
		&run.Succeeded,
		&run.Failed,
		&run.Note,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return store.Run{}, store.ErrNotFound
		}
		return store.Run{}, fmt.Errorf("failed to get run: %w", err)
	}
	return run, nil
}

// ListItems returns item states for a run ordered by URL.
func (s *RunStore) ListItems(ctx context.Context, runID uuid.UUID) ([]store.ItemState, error) {
	query := fmt.Sprintf(`
		SELECT url, status, attempts, kind, last_error, updated_at
		FROM %s
		WHERE run_id = $1
		ORDER BY url;
	`, s.itemsTable)
	rows, err := s.pool.Query(ctx, query, runID)
	if err != nil {
		return nil, fmt.Errorf("failed to list items: %w", err)
	}
	defer rows.Close()

	var items []store.ItemState
	for rows.Next() {
		var item store.ItemState
		if err := rows.Scan(
			&item.URL,
			&item.Status,
			&item.Attempts,
			&item.Kind,
			&item.LastError,
			&item.UpdatedAt,
		); err != nil {
			return nil, fmt.Errorf("failed to scan item row: %w", err)
		}
		items = append(items, item)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate item rows: %w", err)
	}
	return items, nil
}
