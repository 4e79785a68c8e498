package local

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"

	"github.com/JakeFAU/cmc-crawler/internal/crawler"
)

const (
	// SinkDataset names the dataset sink in errors and metrics.
	SinkDataset = "dataset"
	// DefaultDatasetName is used when Config.Name is empty.
	DefaultDatasetName = "default"
)

// Config captures where datasets are written.
type Config struct {
	// BaseDir is the storage root; records land in <BaseDir>/datasets/<Name>.
	BaseDir string `mapstructure:"base_dir" yaml:"base_dir"`
	Name    string `mapstructure:"name" yaml:"name"`
}

// DatasetStore writes each record as its own pretty-printed JSON file, numbered
// in append order (000000001.json, 000000002.json, ...).
type DatasetStore struct {
	mu   sync.Mutex
	dir  string
	next int
}

// NewDatasetStore prepares the dataset directory. Numbering continues after
// the highest file already present.
func NewDatasetStore(cfg Config) (*DatasetStore, error) {
	if strings.TrimSpace(cfg.BaseDir) == "" {
		return nil, errors.New("base directory is required")
	}
	name := cfg.Name
	if name == "" {
		name = DefaultDatasetName
	}
	if strings.ContainsAny(name, `/\`) || name == "." || name == ".." {
		return nil, fmt.Errorf("invalid dataset name %q", name)
	}
	dir := filepath.Join(cfg.BaseDir, "datasets", name)
	if err := ensureWritableDir(dir); err != nil {
		return nil, err
	}
	last, err := highestIndex(dir)
	if err != nil {
		return nil, err
	}
	return &DatasetStore{dir: dir, next: last + 1}, nil
}

// Dir returns the directory records are written to.
func (s *DatasetStore) Dir() string {
	return s.dir
}

// Append writes record to the next numbered file.
func (s *DatasetStore) Append(ctx context.Context, record crawler.Record) error {
	if err := ctx.Err(); err != nil {
		return crawler.NewStorageError(SinkDataset, record.URL, err)
	}
	data, err := json.MarshalIndent(record, "", "  ")
	if err != nil {
		return crawler.NewStorageError(SinkDataset, record.URL, fmt.Errorf("encode record: %w", err))
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	path := filepath.Join(s.dir, fmt.Sprintf("%09d.json", s.next))
	if err := os.WriteFile(path, data, 0o600); err != nil {
		return crawler.NewStorageError(SinkDataset, record.URL, fmt.Errorf("failed to write file: %w", err))
	}
	s.next++
	return nil
}

func highestIndex(dir string) (int, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return 0, fmt.Errorf("read dataset directory: %w", err)
	}
	highest := 0
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		stem, ok := strings.CutSuffix(entry.Name(), ".json")
		if !ok {
			continue
		}
		n, err := strconv.Atoi(stem)
		if err != nil {
			continue
		}
		highest = max(highest, n)
	}
	return highest, nil
}
