package core

import (
	"context"
	"time"
)

// RetryPolicy controls the backoff applied when an active job fails with
// retries remaining. The delay for attempt n (0-based) is
// BaseDelay * Multiplier^n, capped at MaxDelay.
type RetryPolicy struct {
	BaseDelay  time.Duration
	Multiplier float64
	MaxDelay   time.Duration
}

// DefaultRetryPolicy is 5s, 10s, 20s, ... capped at 5 minutes.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		BaseDelay:  5 * time.Second,
		Multiplier: 2,
		MaxDelay:   5 * time.Minute,
	}
}

// Delay computes the backoff before retry attempt n (0-based).
func (p RetryPolicy) Delay(attempt int) time.Duration {
	d := float64(p.BaseDelay)
	for i := 0; i < attempt; i++ {
		d *= p.Multiplier
	}
	if p.MaxDelay > 0 && d > float64(p.MaxDelay) {
		return p.MaxDelay
	}
	return time.Duration(d)
}

// FailOutcome describes the transition applied by Store.FailActive.
type FailOutcome struct {
	// Terminal is true when retries were exhausted and the job dead-lettered.
	Terminal bool
	// Attempt is the attempt count after the transition.
	Attempt int
	// NextRunAt is the scheduled ready time when Terminal is false.
	NextRunAt time.Time
	// Job is the post-transition record.
	Job *Job
}

// Store is the durable store adapter contract the queue core is built on.
//
// Every transition that can be raced across processes must be atomic inside
// the adapter: Insert's duplicate check, Claim's pop-and-activate, and the
// conditional Complete/Fail/Remove/Requeue transitions are never allowed to
// be read-then-write pairs observed by the calling process.
//
// Adapters return ErrJobNotFound, ErrNoJob, and *ErrStateConflict for the
// expected conditions those name; any other failure is infrastructure and is
// wrapped by the queue as a StoreError.
type Store interface {
	// Ping verifies connectivity for health probes.
	Ping(ctx context.Context) error
	Close() error

	// Insert atomically adds job to the waiting set, assigning its sequence
	// number. It returns false when a non-terminal record with the same key
	// already exists (idempotent resubmission); a terminal record with the
	// same key is replaced.
	Insert(ctx context.Context, job *Job) (bool, error)

	// InsertBatch inserts all jobs as one atomic batch: consumers observe
	// either the whole batch or none of it. The returned slice mirrors
	// Insert's inserted flag per job.
	InsertBatch(ctx context.Context, jobs []*Job) ([]bool, error)

	// Claim atomically moves the highest-priority, oldest eligible waiting
	// job to active, stamping the worker id and lease deadline. It returns
	// ErrNoJob when nothing is eligible or the queue is paused.
	Claim(ctx context.Context, workerID string, capabilities []string, now time.Time) (*Job, error)

	// CompleteActive conditionally transitions key from active to completed,
	// storing result. Returns *ErrStateConflict if the job is not active.
	CompleteActive(ctx context.Context, key string, result *JobResult) (*Job, error)

	// FailActive conditionally transitions key from active to either delayed
	// (retries remain; ready at now+policy.Delay(attempts)) or terminal
	// failed. Returns *ErrStateConflict if the job is not active.
	FailActive(ctx context.Context, key string, errMsg string, policy RetryPolicy) (*FailOutcome, error)

	// PromoteDue moves delayed jobs whose ready time has passed back to
	// waiting, assigning each a fresh sequence number. Returns the number of
	// jobs promoted.
	PromoteDue(ctx context.Context, now time.Time) (int, error)

	// ExpiredActive lists keys of active jobs whose lease deadline passed.
	// The caller fails them through the normal retry path; the listing itself
	// needs no atomicity because FailActive is conditional.
	ExpiredActive(ctx context.Context, now time.Time) ([]string, error)

	// Remove deletes a waiting or delayed job (cancellation). Returns
	// *ErrStateConflict for active or terminal jobs and ErrJobNotFound when
	// no record exists.
	Remove(ctx context.Context, key string) (*Job, error)

	// RequeueFailed moves a terminally failed job straight back to waiting,
	// bypassing backoff. Returns *ErrStateConflict unless the job is failed.
	RequeueFailed(ctx context.Context, key string) (*Job, error)

	Get(ctx context.Context, key string) (*Job, error)
	ListByStatus(ctx context.Context, status JobStatus, offset, limit int) ([]*Job, error)
	Counts(ctx context.Context) (QueueStats, error)

	SetPaused(ctx context.Context, paused bool) error
	Paused(ctx context.Context) (bool, error)

	// Drain removes all waiting (and optionally delayed) jobs without
	// executing them. Returns the number removed.
	Drain(ctx context.Context, includeDelayed bool) (int, error)

	// Clean deletes terminal records in status older than olderThan, oldest
	// first, at most limit per call. Returns the removed keys.
	Clean(ctx context.Context, status JobStatus, olderThan time.Duration, limit int) ([]string, error)

	// TrimTerminal evicts the oldest terminal records in status beyond keep.
	TrimTerminal(ctx context.Context, status JobStatus, keep int) ([]string, error)

	// Publish emits a lifecycle event to all subscribers, across processes
	// where the backing store supports it.
	Publish(ctx context.Context, ev Event) error

	// Subscribe returns a channel of lifecycle events and a cancel function.
	// Slow subscribers may miss events; the channel is never closed before
	// cancel is called.
	Subscribe(ctx context.Context) (<-chan Event, func(), error)
}
