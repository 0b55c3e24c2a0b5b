package core

import (
	"errors"
	"fmt"
)

// Validation errors, rejected synchronously at submission.
var (
	ErrMissingExecutionID = errors.New("dispatchq: execution id required")
	ErrMissingJobID       = errors.New("dispatchq: job id required")
	ErrInvalidJobID       = errors.New("dispatchq: invalid job id (alphanumeric with _-., starting with a letter or digit)")
	ErrInvalidJobType     = errors.New("dispatchq: invalid job type name")
	ErrPriorityOutOfRange = errors.New("dispatchq: priority must be between 1 and 10")
	ErrNegativeRetries    = errors.New("dispatchq: max retries must be non-negative")
	ErrConfigTooLarge     = errors.New("dispatchq: job config exceeds size limit")
)

// ErrJobNotFound is returned by operations referencing a job with no record.
// This is an expected condition (for example querying a cleaned-up job) and
// callers should branch on it with errors.Is rather than treat it as fatal.
var ErrJobNotFound = errors.New("dispatchq: job not found")

// ErrNoJob is returned by poll-style dequeues when no eligible job exists.
var ErrNoJob = errors.New("dispatchq: no job available")

// ErrQueueClosed is returned by operations on a closed queue handle.
var ErrQueueClosed = errors.New("dispatchq: queue closed")

// ErrStateConflict reports a transition attempted from the wrong state, e.g.
// completing a job that is no longer active. The queue treats these as benign
// no-ops; adapters return them so the core can decide.
type ErrStateConflict struct {
	Key      string
	Observed JobStatus
	Expected JobStatus
}

func (e *ErrStateConflict) Error() string {
	return fmt.Sprintf("dispatchq: job %s is %s, expected %s", e.Key, e.Observed, e.Expected)
}

// IsStateConflict reports whether err is a state-conflict error.
func IsStateConflict(err error) bool {
	var sc *ErrStateConflict
	return errors.As(err, &sc)
}

// StoreError wraps infrastructure failures from the durable store so callers
// can distinguish "the job failed" from "the backend is unreachable".
type StoreError struct {
	Op  string
	Err error
}

func (e *StoreError) Error() string {
	return fmt.Sprintf("dispatchq: store %s: %v", e.Op, e.Err)
}

func (e *StoreError) Unwrap() error {
	return e.Err
}

// WrapStore wraps err as a StoreError unless it is nil or one of the
// domain sentinels that must pass through untouched.
func WrapStore(op string, err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, ErrJobNotFound) || errors.Is(err, ErrNoJob) || IsStateConflict(err) {
		return err
	}
	return &StoreError{Op: op, Err: err}
}

// IsStoreError reports whether err is an infrastructure failure.
func IsStoreError(err error) bool {
	var se *StoreError
	return errors.As(err, &se)
}
