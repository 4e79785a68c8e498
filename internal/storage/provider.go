// Package storage combines record sinks. Concrete backends live in the
// local, memory, gcs and postgres subpackages.
package storage

import (
	"context"
	"errors"

	"github.com/JakeFAU/cmc-crawler/internal/crawler"
)

// Discard is a sink that drops every record. Useful for dry runs where pages
// are fetched and parsed but nothing is kept.
type Discard struct{}

// Append does nothing and always returns nil.
func (Discard) Append(_ context.Context, _ crawler.Record) error {
	return nil
}

// FanOut appends every record to each of its sinks in order.
type FanOut struct {
	sinks []crawler.Sink
}

// NewFanOut returns a FanOut over the non-nil sinks.
func NewFanOut(sinks ...crawler.Sink) *FanOut {
	f := &FanOut{}
	for _, s := range sinks {
		if s != nil {
			f.sinks = append(f.sinks, s)
		}
	}
	return f
}

// Len reports how many sinks receive records.
func (f *FanOut) Len() int {
	return len(f.sinks)
}

// Append writes record to all sinks. Every sink is attempted; failures are
// joined and reported as a single StorageError.
func (f *FanOut) Append(ctx context.Context, record crawler.Record) error {
	var errs []error
	for _, s := range f.sinks {
		if err := s.Append(ctx, record); err != nil {
			errs = append(errs, err)
		}
	}
	switch len(errs) {
	case 0:
		return nil
	case 1:
		return crawler.NewStorageError("fanout", record.URL, errs[0])
	default:
		return &crawler.StorageError{URL: record.URL, Sink: "fanout", Err: errors.Join(errs...)}
	}
}
