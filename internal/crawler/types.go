package crawler

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"slices"
	"time"

	"github.com/PuerkitoBio/goquery"
)

// ItemStatus represents the lifecycle state of a work item.
type ItemStatus string

// Work item states. Done and Failed are terminal.
const (
	StatusPending  ItemStatus = "pending"
	StatusInFlight ItemStatus = "in_flight"
	StatusDone     ItemStatus = "done"
	StatusFailed   ItemStatus = "failed"
)

// Terminal reports whether no further transition is allowed from s.
func (s ItemStatus) Terminal() bool {
	return s == StatusDone || s == StatusFailed
}

// WorkItem is one source URL together with its retry and status bookkeeping.
type WorkItem struct {
	URL           string     `json:"url"`
	UniqueKey     string     `json:"unique_key"`
	Attempts      int        `json:"attempts"`
	Status        ItemStatus `json:"status"`
	LastError     string     `json:"last_error,omitempty"`
	LastErrorKind ErrorKind  `json:"last_error_kind,omitempty"`
}

// Outcome is the result of processing a work item, as reported to the SourceList.
type Outcome int

const (
	// OutcomeSucceeded moves the item to Done.
	OutcomeSucceeded Outcome = iota
	// OutcomeRetryable moves the item back to Pending while retry budget remains.
	OutcomeRetryable
	// OutcomeFatal moves the item straight to Failed.
	OutcomeFatal
	// OutcomeAbandoned returns the item to Pending without charging the
	// attempt, used when the run is shutting down.
	OutcomeAbandoned
)

func (o Outcome) String() string {
	switch o {
	case OutcomeSucceeded:
		return "succeeded"
	case OutcomeRetryable:
		return "retryable"
	case OutcomeFatal:
		return "fatal"
	case OutcomeAbandoned:
		return "abandoned"
	default:
		return fmt.Sprintf("outcome(%d)", int(o))
	}
}

// Counts is a snapshot of how many items sit in each state.
type Counts struct {
	Pending  int `json:"pending"`
	InFlight int `json:"in_flight"`
	Done     int `json:"done"`
	Failed   int `json:"failed"`
}

// Total returns the number of tracked items.
func (c Counts) Total() int {
	return c.Pending + c.InFlight + c.Done + c.Failed
}

// Settled is true once nothing is pending and nothing is in flight.
func (c Counts) Settled() bool {
	return c.Pending == 0 && c.InFlight == 0
}

// Page is a fetched and parsed HTML document.
type Page struct {
	URL        string
	FinalURL   string
	StatusCode int
	Headers    http.Header
	Bytes      int
	FetchedAt  time.Time
	Doc        *goquery.Document
}

// Record is the structured output produced for one successfully crawled URL.
// Columns fixes the JSON key order of Fields.
type Record struct {
	URL     string
	Title   string
	Fields  map[string][]string
	Columns []string
}

// Values returns the extracted values of a column, never nil.
func (r Record) Values(column string) []string {
	if v, ok := r.Fields[column]; ok && v != nil {
		return v
	}
	return []string{}
}

// MarshalJSON renders {"url":..,"title":..,<column>:[..]} with columns in
// configured order and empty columns as [].
func (r Record) MarshalJSON() ([]byte, error) {
	var buf bytes.Buffer
	buf.WriteByte('{')
	if err := writeMember(&buf, "url", r.URL); err != nil {
		return nil, err
	}
	buf.WriteByte(',')
	if err := writeMember(&buf, "title", r.Title); err != nil {
		return nil, err
	}
	for _, col := range r.columnOrder() {
		if col == "url" || col == "title" {
			continue
		}
		buf.WriteByte(',')
		if err := writeMember(&buf, col, r.Values(col)); err != nil {
			return nil, err
		}
	}
	buf.WriteByte('}')
	return buf.Bytes(), nil
}

// UnmarshalJSON is the inverse of MarshalJSON; column order follows the input.
func (r *Record) UnmarshalJSON(data []byte) error {
	dec := json.NewDecoder(bytes.NewReader(data))
	tok, err := dec.Token()
	if err != nil {
		return fmt.Errorf("decode record: %w", err)
	}
	if delim, ok := tok.(json.Delim); !ok || delim != '{' {
		return errors.New("decode record: expected object")
	}
	out := Record{Fields: make(map[string][]string)}
	for dec.More() {
		keyTok, err := dec.Token()
		if err != nil {
			return fmt.Errorf("decode record key: %w", err)
		}
		key, _ := keyTok.(string)
		switch key {
		case "url":
			err = dec.Decode(&out.URL)
		case "title":
			err = dec.Decode(&out.Title)
		default:
			var values []string
			err = dec.Decode(&values)
			if values == nil {
				values = []string{}
			}
			out.Fields[key] = values
			out.Columns = append(out.Columns, key)
		}
		if err != nil {
			return fmt.Errorf("decode record field %q: %w", key, err)
		}
	}
	*r = out
	return nil
}

func (r Record) columnOrder() []string {
	if len(r.Columns) > 0 {
		return r.Columns
	}
	// Without an explicit order fall back to a stable one.
	cols := make([]string, 0, len(r.Fields))
	for k := range r.Fields {
		cols = append(cols, k)
	}
	slices.Sort(cols)
	return cols
}

func writeMember(buf *bytes.Buffer, key string, value any) error {
	k, err := json.Marshal(key)
	if err != nil {
		return fmt.Errorf("encode key: %w", err)
	}
	v, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("encode %s: %w", key, err)
	}
	buf.Write(k)
	buf.WriteByte(':')
	buf.Write(v)
	return nil
}

// AttemptResult is what processing one dequeued item produced.
type AttemptResult struct {
	Outcome  Outcome
	Err      error
	Duration time.Duration
}

// Summary is returned when a run finishes.
type Summary struct {
	Succeeded int           `json:"succeeded"`
	Failed    int           `json:"failed"`
	Duration  time.Duration `json:"duration"`
}

// Failure describes a work item that reached Failed. It is handed to the
// FailureHandler exactly once per item.
type Failure struct {
	URL      string
	Attempts int
	Kind     ErrorKind
	Err      error
}

// LoadSignal is a point-in-time view of host resource pressure.
type LoadSignal struct {
	CPUPercent    float64
	MemoryPercent float64
	SampledAt     time.Time
}
