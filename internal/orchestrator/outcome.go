package orchestrator

import (
	stderrors "errors"
	"fmt"
	"strings"
	"time"

	"conan-inquiry/internal/record"
)

// Status is the result kind of one descriptor.
type Status string

const (
	StatusSuccess Status = "success"
	StatusFailure Status = "failure"
	StatusSkipped Status = "skipped"
)

// Outcome is what happened to one descriptor.
type Outcome struct {
	ID       string
	Status   Status
	Record   record.Record
	Err      error
	Reason   string
	Duration time.Duration
}

// Result is the sorted outcome of a batch.
type Result struct {
	RunID string
	// Records holds the published records sorted by id. It is nil when the
	// batch failed.
	Records  []record.Record
	Outcomes []Outcome
	Failures []Outcome
	Skipped  []Outcome
	Duration time.Duration
}

// ErrBatchFailed is matched by every *BatchError.
var ErrBatchFailed = stderrors.New("batch failed")

// BatchError reports a batch that produced no output. Fatal is set when an
// upstream quota aborted the batch.
type BatchError struct {
	Fatal    error
	Failures []Outcome
}

func (e *BatchError) Error() string {
	if e.Fatal != nil {
		return fmt.Sprintf("batch aborted: %v", e.Fatal)
	}
	ids := make([]string, len(e.Failures))
	for i, f := range e.Failures {
		ids[i] = f.ID
	}
	return fmt.Sprintf("batch failed: %d record(s) failed: %s", len(e.Failures), strings.Join(ids, ", "))
}

func (e *BatchError) Unwrap() []error {
	if e.Fatal != nil {
		return []error{ErrBatchFailed, e.Fatal}
	}
	return []error{ErrBatchFailed}
}
