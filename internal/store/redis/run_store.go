// Package redis implements store.RunRepository on Redis.
package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"slices"
	"strings"
	"time"

	"github.com/google/uuid"
	goredis "github.com/redis/go-redis/v9"

	"github.com/JakeFAU/cmc-crawler/internal/store"
)

// Config controls the Redis connection and key layout.
type Config struct {
	Addr     string        `mapstructure:"addr"`
	Password string        `mapstructure:"password"`
	DB       int           `mapstructure:"db"`
	Prefix   string        `mapstructure:"prefix"`
	TTL      time.Duration `mapstructure:"ttl"`
}

// RunStore keeps each run as a JSON value and its items in a hash keyed by URL.
type RunStore struct {
	client goredis.UniversalClient
	prefix string
	ttl    time.Duration
}

// New connects to Redis.
func New(cfg Config) (*RunStore, error) {
	if strings.TrimSpace(cfg.Addr) == "" {
		return nil, errors.New("redis addr is required")
	}
	client := goredis.NewClient(&goredis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})
	return NewWithClient(client, cfg.Prefix, cfg.TTL), nil
}

// NewWithClient wraps an existing client (primarily for testing).
func NewWithClient(client goredis.UniversalClient, prefix string, ttl time.Duration) *RunStore {
	if prefix == "" {
		prefix = "crawler:"
	}
	return &RunStore{client: client, prefix: prefix, ttl: ttl}
}

// Ping verifies the connection.
func (s *RunStore) Ping(ctx context.Context) error {
	if err := s.client.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("redis ping: %w", err)
	}
	return nil
}

// Close closes the Redis client.
func (s *RunStore) Close() error {
	if err := s.client.Close(); err != nil {
		return fmt.Errorf("close redis client: %w", err)
	}
	return nil
}

func (s *RunStore) runKey(runID uuid.UUID) string {
	return s.prefix + "run:" + runID.String()
}

func (s *RunStore) itemsKey(runID uuid.UUID) string {
	return s.runKey(runID) + ":items"
}

// StartRun writes a running record, replacing any previous one for runID.
func (s *RunStore) StartRun(ctx context.Context, runID uuid.UUID, startedAt time.Time, total int) error {
	run := store.Run{
		ID:        runID,
		StartedAt: startedAt.UTC(),
		Status:    store.RunRunning,
		Total:     total,
	}
	if err := s.putRun(ctx, run); err != nil {
		return fmt.Errorf("start run: %w", err)
	}
	return nil
}

// RecordItems upserts item states into the run's hash.
func (s *RunStore) RecordItems(ctx context.Context, runID uuid.UUID, items []store.ItemState) error {
	if len(items) == 0 {
		return nil
	}
	values := make([]any, 0, len(items)*2)
	for _, item := range items {
		payload, err := json.Marshal(item)
		if err != nil {
			return fmt.Errorf("encode item %s: %w", item.URL, err)
		}
		values = append(values, item.URL, payload)
	}
	key := s.itemsKey(runID)
	_, err := s.client.TxPipelined(ctx, func(pipe goredis.Pipeliner) error {
		pipe.HSet(ctx, key, values...)
		if s.ttl > 0 {
			pipe.Expire(ctx, key, s.ttl)
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("record items: %w", err)
	}
	return nil
}

// CompleteRun applies the final tallies to an existing run.
func (s *RunStore) CompleteRun(ctx context.Context, runID uuid.UUID, done store.RunCompletion) error {
	run, err := s.GetRun(ctx, runID)
	if err != nil {
		return err
	}
	finishedAt := done.FinishedAt.UTC()
	run.FinishedAt = &finishedAt
	run.Status = done.Status
	run.Succeeded = done.Succeeded
	run.Failed = done.Failed
	run.Note = done.Note
	if err := s.putRun(ctx, run); err != nil {
		return fmt.Errorf("complete run: %w", err)
	}
	return nil
}

// GetRun loads a run or returns store.ErrNotFound.
func (s *RunStore) GetRun(ctx context.Context, runID uuid.UUID) (store.Run, error) {
	val, err := s.client.Get(ctx, s.runKey(runID)).Bytes()
	if err != nil {
		if errors.Is(err, goredis.Nil) {
			return store.Run{}, store.ErrNotFound
		}
		return store.Run{}, fmt.Errorf("get run: %w", err)
	}
	var run store.Run
	if err := json.Unmarshal(val, &run); err != nil {
		return store.Run{}, fmt.Errorf("decode run: %w", err)
	}
	return run, nil
}

// ListItems returns the run's item states ordered by URL.
func (s *RunStore) ListItems(ctx context.Context, runID uuid.UUID) ([]store.ItemState, error) {
	raw, err := s.client.HGetAll(ctx, s.itemsKey(runID)).Result()
	if err != nil {
		return nil, fmt.Errorf("list items: %w", err)
	}
	items := make([]store.ItemState, 0, len(raw))
	for url, payload := range raw {
		var item store.ItemState
		if err := json.Unmarshal([]byte(payload), &item); err != nil {
			return nil, fmt.Errorf("decode item %s: %w", url, err)
		}
		items = append(items, item)
	}
	slices.SortFunc(items, func(a, b store.ItemState) int {
		return strings.Compare(a.URL, b.URL)
	})
	return items, nil
}

func (s *RunStore) putRun(ctx context.Context, run store.Run) error {
	payload, err := json.Marshal(run)
	if err != nil {
		return fmt.Errorf("encode run: %w", err)
	}
	if err := s.client.Set(ctx, s.runKey(run.ID), payload, s.ttl).Err(); err != nil {
		return fmt.Errorf("set run: %w", err)
	}
	return nil
}
