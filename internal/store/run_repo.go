package store

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
)

// ErrNotFound signals that the requested record does not exist.
var ErrNotFound = errors.New("run record not found")

// RunStatus mirrors the crawl_runs status column.
type RunStatus string

// Run statuses persisted by repositories.
const (
	RunRunning     RunStatus = "running"
	RunFinished    RunStatus = "finished"
	RunInterrupted RunStatus = "interrupted"
)

// Run models one crawl invocation.
type Run struct {
	// ID is the run identifier shared with progress events.
	ID uuid.UUID `json:"id"`
	// StartedAt captures when the run was first marked running.
	StartedAt time.Time `json:"started_at"`
	// FinishedAt is nil until the run completes.
	FinishedAt *time.Time `json:"finished_at,omitempty"`
	Status     RunStatus  `json:"status"`
	// Total is the deduplicated size of the source list.
	Total     int `json:"total"`
	Succeeded int `json:"succeeded"`
	Failed    int `json:"failed"`
	// Note optionally stores why the run ended early.
	Note *string `json:"note,omitempty"`
}

// ItemState is the last reported state of a work item within a run. Items are
// transitioned, never removed, so a finished run keeps one row per URL.
type ItemState struct {
	URL       string    `json:"url"`
	Status    string    `json:"status"`
	Attempts  int       `json:"attempts"`
	Kind      string    `json:"kind,omitempty"`
	LastError string    `json:"last_error,omitempty"`
	UpdatedAt time.Time `json:"updated_at"`
}

// RunCompletion carries the final tallies of a run.
type RunCompletion struct {
	FinishedAt time.Time
	Status     RunStatus
	Succeeded  int
	Failed     int
	Note       *string
}

// RunRepository persists crawl run state.
type RunRepository interface {
	// StartRun inserts (or idempotently refreshes) a running run.
	StartRun(ctx context.Context, runID uuid.UUID, startedAt time.Time, total int) error
	// RecordItems upserts item states keyed by URL; later updates win.
	RecordItems(ctx context.Context, runID uuid.UUID, items []ItemState) error
	// CompleteRun marks the run finished with its final tallies.
	CompleteRun(ctx context.Context, runID uuid.UUID, done RunCompletion) error

	// GetRun loads a single run or returns ErrNotFound.
	GetRun(ctx context.Context, runID uuid.UUID) (Run, error)
	// ListItems returns item states for one run ordered by URL.
	ListItems(ctx context.Context, runID uuid.UUID) ([]ItemState, error)
}
