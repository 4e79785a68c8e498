// Package gcs provides a record sink backed by Google Cloud Storage.
package gcs

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"path"
	"strings"

	"cloud.google.com/go/storage"
	"github.com/google/uuid"

	"github.com/JakeFAU/cmc-crawler/internal/crawler"
)

// SinkGCS names the GCS sink in errors and metrics.
const SinkGCS = "gcs"

// Config captures the parameters required to write to GCS.
type Config struct {
	Bucket string `mapstructure:"bucket"`
	Prefix string `mapstructure:"prefix"`
}

// RecordStore writes each record as a JSON object in the configured bucket.
type RecordStore struct {
	client *storage.Client
	bucket string
	prefix string
	newID  func() (uuid.UUID, error)
}

// New creates a GCS-backed record store.
func New(client *storage.Client, cfg Config) (*RecordStore, error) {
	if client == nil {
		return nil, errors.New("storage client is required")
	}
	if cfg.Bucket == "" {
		return nil, errors.New("bucket name is required")
	}
	return &RecordStore{
		client: client,
		bucket: cfg.Bucket,
		prefix: strings.Trim(cfg.Prefix, "/"),
		newID:  uuid.NewV7,
	}, nil
}

// Append uploads record to <prefix>/<uuid>.json. Version 7 IDs keep objects
// listed in write order.
func (s *RecordStore) Append(ctx context.Context, record crawler.Record) error {
	id, err := s.newID()
	if err != nil {
		return crawler.NewStorageError(SinkGCS, record.URL, fmt.Errorf("object id: %w", err))
	}
	data, err := json.Marshal(record)
	if err != nil {
		return crawler.NewStorageError(SinkGCS, record.URL, fmt.Errorf("encode record: %w", err))
	}

	name := path.Join(s.prefix, id.String()+".json")
	writer := s.client.Bucket(s.bucket).Object(name).NewWriter(ctx)
	writer.ContentType = "application/json"
	if _, err := writer.Write(data); err != nil {
		if closeErr := writer.Close(); closeErr != nil {
			err = fmt.Errorf("%w (close writer: %v)", err, closeErr)
		}
		return crawler.NewStorageError(SinkGCS, record.URL, fmt.Errorf("write object %s: %w", name, err))
	}
	if err := writer.Close(); err != nil {
		return crawler.NewStorageError(SinkGCS, record.URL, fmt.Errorf("close writer for %s: %w", name, err))
	}
	return nil
}
