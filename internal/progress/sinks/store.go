package sinks

import (
	"context"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/JakeFAU/cmc-crawler/internal/crawler"
	"github.com/JakeFAU/cmc-crawler/internal/progress"
	"github.com/JakeFAU/cmc-crawler/internal/store"
)

// StoreSink persists run state via a store.RunRepository. Item transitions
// are collapsed per URL within a batch so each item costs one write. Final
// run tallies come from the RUN_DONE event, not from counting item events.
type StoreSink struct {
	repo   store.RunRepository
	logger *zap.Logger
}

// NewStoreSink constructs a StoreSink for the provided repository.
func NewStoreSink(repo store.RunRepository, logger *zap.Logger) *StoreSink {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &StoreSink{repo: repo, logger: logger}
}

// Consume forwards run and item transitions to the repository. It respects
// ctx deadlines and returns repository errors wrapped.
func (s *StoreSink) Consume(ctx context.Context, batch []progress.Event) error {
	if s == nil || s.repo == nil {
		return nil
	}
	pending := make(map[uuid.UUID]map[string]store.ItemState)

	for _, evt := range batch {
		runID := evt.RunUUID()
		switch evt.Stage {
		case progress.StageRunStart:
			if err := s.repo.StartRun(ctx, runID, evt.TS, evt.Total); err != nil {
				return fmt.Errorf("start run: %w", err)
			}
		case progress.StageItemDone, progress.StageItemRetry, progress.StageItemFailed:
			items := pending[runID]
			if items == nil {
				items = make(map[string]store.ItemState)
				pending[runID] = items
			}
			items[evt.URL] = itemState(evt)
		case progress.StageRunDone:
			if err := s.flush(ctx, runID, pending[runID]); err != nil {
				return err
			}
			delete(pending, runID)
			if err := s.complete(ctx, runID, evt); err != nil {
				return err
			}
		}
	}

	for runID, items := range pending {
		if err := s.flush(ctx, runID, items); err != nil {
			return err
		}
	}
	return nil
}

func (s *StoreSink) flush(ctx context.Context, runID uuid.UUID, items map[string]store.ItemState) error {
	if len(items) == 0 {
		return nil
	}
	states := make([]store.ItemState, 0, len(items))
	for _, item := range items {
		states = append(states, item)
	}
	if err := s.repo.RecordItems(ctx, runID, states); err != nil {
		return fmt.Errorf("record items: %w", err)
	}
	return nil
}

func (s *StoreSink) complete(ctx context.Context, runID uuid.UUID, evt progress.Event) error {
	if err := s.repo.CompleteRun(ctx, runID, Completion(evt)); err != nil {
		return fmt.Errorf("complete run: %w", err)
	}
	return nil
}

// Completion derives the final run record from a RUN_DONE event.
func Completion(evt progress.Event) store.RunCompletion {
	done := store.RunCompletion{
		FinishedAt: evt.TS,
		Status:     store.RunFinished,
		Succeeded:  evt.Succeeded,
		Failed:     evt.Failed,
	}
	if strings.HasPrefix(evt.Note, "interrupted") {
		note := evt.Note
		done.Status = store.RunInterrupted
		done.Note = &note
	}
	return done
}

func itemState(evt progress.Event) store.ItemState {
	status := crawler.StatusPending
	switch evt.Stage {
	case progress.StageItemDone:
		status = crawler.StatusDone
	case progress.StageItemFailed:
		status = crawler.StatusFailed
	}
	return store.ItemState{
		URL:       evt.URL,
		Status:    string(status),
		Attempts:  evt.Attempt,
		Kind:      evt.Kind,
		LastError: evt.Note,
		UpdatedAt: evt.TS,
	}
}

// Close implements the Sink interface; it performs no action.
func (s *StoreSink) Close(context.Context) error {
	return nil
}
