// Package memory provides the in-process SourceList used by the dispatcher.
package memory

import (
	"errors"
	"fmt"
	"sync"

	"github.com/JakeFAU/cmc-crawler/internal/crawler"
)

var (
	// ErrEmptySourceList is returned when Initialize receives no URLs.
	ErrEmptySourceList = errors.New("source list is empty")
	// ErrAlreadyInitialized is returned on a second Initialize call.
	ErrAlreadyInitialized = errors.New("source list already initialized")
	// ErrUnknownItem is returned when reporting an item the list never issued.
	ErrUnknownItem = errors.New("unknown work item")
	// ErrNotInFlight is returned when reporting an item that is not in flight.
	ErrNotInFlight = errors.New("work item is not in flight")
)

// SourceList is a mutex-guarded, deduplicated work list. Items are never
// removed, only transitioned, so the final state of every URL stays auditable.
type SourceList struct {
	mu         sync.Mutex
	maxRetries int
	items      []*crawler.WorkItem
	byKey      map[string]int
	pending    []int
	counts     crawler.Counts
	ready      bool
}

// NewSourceList builds an empty list. maxRetries is the number of retries
// allowed after the first attempt.
func NewSourceList(maxRetries int) *SourceList {
	if maxRetries < 0 {
		maxRetries = 0
	}
	return &SourceList{
		maxRetries: maxRetries,
		byKey:      make(map[string]int),
	}
}

// Initialize loads urls as pending items, deduplicating by normalized URL and
// preserving first-seen order. Items keep the URL as given; the normalized form
// is only the UniqueKey. It returns the number of unique items.
func (l *SourceList) Initialize(urls []string) (int, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.ready {
		return 0, ErrAlreadyInitialized
	}
	if len(urls) == 0 {
		return 0, ErrEmptySourceList
	}
	for _, raw := range urls {
		key, err := crawler.NormalizeURL(raw)
		if err != nil {
			return 0, fmt.Errorf("source url %q: %w", raw, err)
		}
		if _, dup := l.byKey[key]; dup {
			continue
		}
		idx := len(l.items)
		l.items = append(l.items, &crawler.WorkItem{
			URL:       raw,
			UniqueKey: key,
			Status:    crawler.StatusPending,
		})
		l.byKey[key] = idx
		l.pending = append(l.pending, idx)
	}
	l.counts.Pending = len(l.items)
	l.ready = true
	return len(l.items), nil
}

// NextPending moves the oldest pending item to in flight, charging one attempt.
func (l *SourceList) NextPending() (crawler.WorkItem, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if len(l.pending) == 0 {
		return crawler.WorkItem{}, false
	}
	idx := l.pending[0]
	l.pending = l.pending[1:]
	item := l.items[idx]
	item.Status = crawler.StatusInFlight
	item.Attempts++
	l.counts.Pending--
	l.counts.InFlight++
	return *item, true
}

// ReportResult applies outcome to an in-flight item. Reporting an item that is
// not in flight is rejected with ErrNotInFlight and leaves it untouched.
func (l *SourceList) ReportResult(item crawler.WorkItem, outcome crawler.Outcome, cause error) (crawler.ItemStatus, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	idx, ok := l.byKey[item.UniqueKey]
	if !ok {
		return "", fmt.Errorf("%w: %s", ErrUnknownItem, item.UniqueKey)
	}
	cur := l.items[idx]
	if cur.Status != crawler.StatusInFlight {
		return cur.Status, fmt.Errorf("%w: %s is %s", ErrNotInFlight, cur.URL, cur.Status)
	}
	if cause != nil {
		cur.LastError = cause.Error()
		cur.LastErrorKind = crawler.KindOf(cause)
	}
	l.counts.InFlight--
	switch outcome {
	case crawler.OutcomeSucceeded:
		cur.Status = crawler.StatusDone
		cur.LastError, cur.LastErrorKind = "", ""
		l.counts.Done++
	case crawler.OutcomeRetryable:
		if cur.Attempts <= l.maxRetries {
			l.requeue(idx)
		} else {
			cur.Status = crawler.StatusFailed
			l.counts.Failed++
		}
	case crawler.OutcomeAbandoned:
		cur.Attempts--
		l.requeue(idx)
	default:
		cur.Status = crawler.StatusFailed
		l.counts.Failed++
	}
	return cur.Status, nil
}

func (l *SourceList) requeue(idx int) {
	l.items[idx].Status = crawler.StatusPending
	l.pending = append(l.pending, idx)
	l.counts.Pending++
}

// Counts returns a snapshot of per-status totals.
func (l *SourceList) Counts() crawler.Counts {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.counts
}

// Items returns a copy of every item in insertion order.
func (l *SourceList) Items() []crawler.WorkItem {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]crawler.WorkItem, len(l.items))
	for i, item := range l.items {
		out[i] = *item
	}
	return out
}

// Len returns the number of unique items.
func (l *SourceList) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.items)
}
