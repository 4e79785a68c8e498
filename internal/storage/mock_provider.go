package storage

import (
	"context"

	"github.com/stretchr/testify/mock"

	"github.com/JakeFAU/cmc-crawler/internal/crawler"
)

// MockSink is a testify mock of crawler.Sink.
type MockSink struct {
	mock.Mock
}

// Append records the call and returns the configured error.
func (m *MockSink) Append(ctx context.Context, record crawler.Record) error {
	args := m.Called(ctx, record)
	return args.Error(0) //nolint:wrapcheck
}
