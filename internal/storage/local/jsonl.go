package local

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/JakeFAU/cmc-crawler/internal/crawler"
)

// SinkJSONL names the JSON lines sink in errors and metrics.
const SinkJSONL = "jsonl"

// JSONLinesStore appends one JSON document per line to a single file.
type JSONLinesStore struct {
	mu   sync.Mutex
	file *os.File
	path string
}

// NewJSONLinesStore opens (or creates) path for appending.
func NewJSONLinesStore(path string) (*JSONLinesStore, error) {
	if strings.TrimSpace(path) == "" {
		return nil, fmt.Errorf("path is required")
	}
	if err := ensureWritableDir(filepath.Dir(path)); err != nil {
		return nil, err
	}
	// #nosec G304 -- path comes from operator configuration.
	f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o600)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", path, err)
	}
	return &JSONLinesStore{file: f, path: path}, nil
}

// Append encodes record on its own line.
func (s *JSONLinesStore) Append(ctx context.Context, record crawler.Record) error {
	if err := ctx.Err(); err != nil {
		return crawler.NewStorageError(SinkJSONL, record.URL, err)
	}
	line, err := json.Marshal(record)
	if err != nil {
		return crawler.NewStorageError(SinkJSONL, record.URL, fmt.Errorf("encode record: %w", err))
	}
	line = append(line, '\n')

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.file == nil {
		return crawler.NewStorageError(SinkJSONL, record.URL, os.ErrClosed)
	}
	if _, err := s.file.Write(line); err != nil {
		return crawler.NewStorageError(SinkJSONL, record.URL, fmt.Errorf("write %s: %w", s.path, err))
	}
	return nil
}

// Close flushes and closes the file. Safe to call more than once.
func (s *JSONLinesStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.file == nil {
		return nil
	}
	err := s.file.Close()
	s.file = nil
	if err != nil {
		return fmt.Errorf("close %s: %w", s.path, err)
	}
	return nil
}
