package pipeline

import (
	"errors"
	"fmt"
)

// Sentinel errors surfaced by stores and the scheduler.
var (
	// ErrClaimConflict is returned to the loser of a claim race. It is not
	// a failure: the worker moves on to the next item.
	ErrClaimConflict = errors.New("run already claimed")
	// ErrRunNotFound indicates the run id does not exist in the ledger.
	ErrRunNotFound = errors.New("run not found")
	// ErrPostingNotFound indicates the posting id is unknown.
	ErrPostingNotFound = errors.New("posting not found")
	// ErrNoJobIDs rejects validation submissions with an empty id list.
	ErrNoJobIDs = errors.New("job id list is empty")
	// ErrLeaseLost indicates the worker no longer owns the run's lease and
	// must abandon the attempt without finalizing.
	ErrLeaseLost = errors.New("run lease lost")
)

// FetchError wraps a fetcher failure with its retry classification.
// Transient errors (timeouts, rate limits) are retried within the attempt
// budget; fatal errors fail the run outright.
type FetchError struct {
	Op        string
	Transient bool
	Err       error
}

func (e *FetchError) Error() string {
	kind := "fatal"
	if e.Transient {
		kind = "transient"
	}
	return fmt.Sprintf("%s fetch error: %s: %v", kind, e.Op, e.Err)
}

func (e *FetchError) Unwrap() error {
	return e.Err
}

// TransientFetch builds a retryable fetch error.
func TransientFetch(op string, err error) *FetchError {
	return &FetchError{Op: op, Transient: true, Err: err}
}

// FatalFetch builds a non-retryable fetch error.
func FatalFetch(op string, err error) *FetchError {
	return &FetchError{Op: op, Transient: false, Err: err}
}

// IsTransientFetch reports whether err is a retryable fetch error.
func IsTransientFetch(err error) bool {
	var fe *FetchError
	return errors.As(err, &fe) && fe.Transient
}

// RecordError marks a candidate record that failed schema validation. The
// record is counted and skipped; the run continues.
type RecordError struct {
	Reason string
}

func (e *RecordError) Error() string {
	return "invalid record: " + e.Reason
}

// InvalidRecord builds a RecordError.
func InvalidRecord(reason string) *RecordError {
	return &RecordError{Reason: reason}
}

// IsRecordError reports whether err is a per-record validation failure.
func IsRecordError(err error) bool {
	var re *RecordError
	return errors.As(err, &re)
}
