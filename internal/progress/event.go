package progress

import (
	"errors"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Stage denotes the type of milestone represented by an Event.
type Stage string

// Supported progress stages.
const (
	StageRunStart   Stage = "RUN_START"
	StageItemStart  Stage = "ITEM_START"
	StageItemDone   Stage = "ITEM_DONE"
	StageItemRetry  Stage = "ITEM_RETRY"
	StageItemFailed Stage = "ITEM_FAILED"
	StageRunDone    Stage = "RUN_DONE"
)

// Terminal reports whether the stage closes out a work item.
func (s Stage) Terminal() bool {
	return s == StageItemDone || s == StageItemFailed
}

// Event captures a single component of crawl progress.
type Event struct {
	// RunID identifies the crawl run using the 16-byte UUID form.
	RunID [16]byte
	// TS is the UTC timestamp recorded by the emitter.
	TS time.Time
	// Stage denotes which lifecycle milestone occurred.
	Stage Stage
	// Site is the host label for item events.
	Site string
	// URL is the work item URL for item events.
	URL string
	// Attempt is the 1-based attempt number for item events.
	Attempt int
	// Kind is the error kind for retry and failure events.
	Kind string
	// Total is the number of items in the run, set on RUN_START and RUN_DONE.
	Total int
	// Succeeded and Failed are the final tallies, set on RUN_DONE.
	Succeeded int
	Failed    int
	// Dur is the attempt latency, or the run wall time on RUN_DONE.
	Dur time.Duration
	// Note carries low-volume context such as error text.
	Note string
}

// Validate performs coarse validation on Event payloads.
func (e Event) Validate() error {
	if e.RunID == [16]byte{} {
		return errors.New("run id is required")
	}
	if e.TS.IsZero() {
		return errors.New("timestamp is required")
	}
	switch e.Stage {
	case StageRunStart, StageRunDone:
	case StageItemStart, StageItemDone:
		if e.URL == "" {
			return fmt.Errorf("%s requires url", e.Stage)
		}
	case StageItemRetry, StageItemFailed:
		if e.URL == "" {
			return fmt.Errorf("%s requires url", e.Stage)
		}
		if e.Kind == "" {
			return fmt.Errorf("%s requires error kind", e.Stage)
		}
	default:
		return fmt.Errorf("unknown stage %q", e.Stage)
	}
	if e.Dur < 0 {
		return errors.New("duration must be >= 0")
	}
	return nil
}

// RunUUID converts the binary run ID to uuid.UUID for repositories.
func (e Event) RunUUID() uuid.UUID {
	return uuid.UUID(e.RunID)
}

// UUIDToBytes encodes a uuid.UUID into the Event form.
func UUIDToBytes(id uuid.UUID) [16]byte {
	var dest [16]byte
	copy(dest[:], id[:])
	return dest
}

// SiteOf returns the lowercase host of rawURL or "unknown".
func SiteOf(rawURL string) string {
	u, err := url.Parse(rawURL)
	if err != nil || u.Hostname() == "" {
		return "unknown"
	}
	return strings.ToLower(u.Hostname())
}
