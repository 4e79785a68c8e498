package crawler

import (
	"context"
	"errors"
	"fmt"
	"net"
)

// ErrorKind classifies why a work item attempt failed.
type ErrorKind string

// Error kinds reported to metrics, logs and the failure handler.
const (
	KindFetch   ErrorKind = "fetch"
	KindParse   ErrorKind = "parse"
	KindTimeout ErrorKind = "timeout"
	KindStorage ErrorKind = "storage"
)

// FetchError is a network or HTTP layer failure.
type FetchError struct {
	URL        string
	StatusCode int
	Err        error
}

func (e *FetchError) Error() string {
	if e.StatusCode > 0 {
		return fmt.Sprintf("fetch %s: status %d: %v", e.URL, e.StatusCode, e.Err)
	}
	return fmt.Sprintf("fetch %s: %v", e.URL, e.Err)
}

func (e *FetchError) Unwrap() error { return e.Err }

// ParseError means the response could not be turned into a usable document.
type ParseError struct {
	URL string
	Err error
}

func (e *ParseError) Error() string {
	return fmt.Sprintf("parse %s: %v", e.URL, e.Err)
}

func (e *ParseError) Unwrap() error { return e.Err }

// TimeoutError means an attempt exceeded the per-item budget.
type TimeoutError struct {
	URL     string
	Timeout string
	Err     error
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("timeout %s after %s: %v", e.URL, e.Timeout, e.Err)
}

func (e *TimeoutError) Unwrap() error { return e.Err }

// StorageError is returned by sinks when a record could not be appended.
type StorageError struct {
	URL  string
	Sink string
	Err  error
}

func (e *StorageError) Error() string {
	if e.Sink != "" {
		return fmt.Sprintf("store %s in %s: %v", e.URL, e.Sink, e.Err)
	}
	return fmt.Sprintf("store %s: %v", e.URL, e.Err)
}

func (e *StorageError) Unwrap() error { return e.Err }

// NewStorageError wraps err unless it already is a StorageError.
func NewStorageError(sink, url string, err error) error {
	if err == nil {
		return nil
	}
	var se *StorageError
	if errors.As(err, &se) {
		return err
	}
	return &StorageError{URL: url, Sink: sink, Err: err}
}

// KindOf classifies err. Unknown errors count as fetch failures.
func KindOf(err error) ErrorKind {
	var (
		fe *FetchError
		pe *ParseError
		te *TimeoutError
		se *StorageError
	)
	switch {
	case err == nil:
		return ""
	case errors.As(err, &te):
		return KindTimeout
	case errors.As(err, &se):
		return KindStorage
	case errors.As(err, &pe):
		return KindParse
	case errors.As(err, &fe):
		return KindFetch
	case errors.Is(err, context.DeadlineExceeded):
		return KindTimeout
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return KindTimeout
	}
	return KindFetch
}
