package crawler

import (
	"context"
	"time"
)

// Fetcher retrieves a URL and returns the parsed document. Failures are
// *FetchError, *ParseError or *TimeoutError.
type Fetcher interface {
	Fetch(ctx context.Context, url string) (Page, error)
}

// Extractor maps a parsed page to a Record. It must not mutate the page.
type Extractor interface {
	Extract(page Page) (Record, error)
}

// Sink appends records to persistent storage. Implementations must be safe for
// concurrent use and return *StorageError on failure.
type Sink interface {
	Append(ctx context.Context, record Record) error
}

// SourceList is the shared, serialized work list drained by the dispatcher.
type SourceList interface {
	// NextPending atomically moves the oldest pending item to in flight and
	// returns it; ok is false when nothing is pending.
	NextPending() (item WorkItem, ok bool)
	// ReportResult applies outcome to an in-flight item and returns its new status.
	ReportResult(item WorkItem, outcome Outcome, cause error) (ItemStatus, error)
	Counts() Counts
	Items() []WorkItem
	Len() int
}

// ConcurrencyPolicy proposes a slot count given the current one and host load.
// The dispatcher clamps the result to its configured bounds.
type ConcurrencyPolicy interface {
	DesiredConcurrency(current int, load LoadSignal) int
}

// LoadSampler returns the most recent resource pressure reading.
type LoadSampler interface {
	Load() LoadSignal
}

// Backoff returns the delay before retry attempt n (n >= 2).
type Backoff interface {
	Delay(attempt int) time.Duration
}

// Limiter throttles requests, typically per host.
type Limiter interface {
	Wait(ctx context.Context, url string) error
}

// FailureHandler is invoked once for every item that ends Failed.
type FailureHandler func(ctx context.Context, failure Failure)
