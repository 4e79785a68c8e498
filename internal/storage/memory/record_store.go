// Package memory keeps crawl output in-memory for development and tests.
package memory

import (
	"context"
	"slices"
	"sync"

	"github.com/JakeFAU/cmc-crawler/internal/crawler"
)

// SinkMemory names the in-memory sink in errors and metrics.
const SinkMemory = "memory"

// RecordStore stores appended records in order.
type RecordStore struct {
	mu      sync.RWMutex
	records []crawler.Record
}

// NewRecordStore creates an empty store.
func NewRecordStore() *RecordStore {
	return &RecordStore{}
}

// Append stores a deep copy of record.
func (s *RecordStore) Append(ctx context.Context, record crawler.Record) error {
	if err := ctx.Err(); err != nil {
		return crawler.NewStorageError(SinkMemory, record.URL, err)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.records = append(s.records, cloneRecord(record))
	return nil
}

// Records returns a snapshot of everything appended so far.
func (s *RecordStore) Records() []crawler.Record {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]crawler.Record, len(s.records))
	for i, r := range s.records {
		out[i] = cloneRecord(r)
	}
	return out
}

// Len reports how many records were appended.
func (s *RecordStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.records)
}

func cloneRecord(r crawler.Record) crawler.Record {
	fields := make(map[string][]string, len(r.Fields))
	for k, v := range r.Fields {
		fields[k] = slices.Clone(v)
	}
	r.Fields = fields
	r.Columns = slices.Clone(r.Columns)
	return r
}
