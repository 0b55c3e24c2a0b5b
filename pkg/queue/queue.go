// Package queue implements the queue core: submission, dequeue, completion,
// retry scheduling, cancellation and operator controls, all delegated to a
// core.Store for the actual state transitions.
package queue

import (
	"context"
	"errors"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/canfieldjuan/dispatchq/pkg/core"
	"github.com/canfieldjuan/dispatchq/pkg/security"
)

// Queue is the shared orchestration surface for producers, workers and
// operators. All methods are safe for concurrent use; atomicity of the
// underlying state transitions is the store's responsibility.
type Queue struct {
	store           core.Store
	log             *slog.Logger
	retry           core.RetryPolicy
	poll            time.Duration
	defaultPriority int
	closed          atomic.Bool
}

// New creates a Queue on top of an opened store.
func New(store core.Store, opts ...Option) *Queue {
	q := &Queue{
		store:           store,
		log:             slog.Default(),
		retry:           core.DefaultRetryPolicy(),
		poll:            100 * time.Millisecond,
		defaultPriority: 5,
	}
	for _, opt := range opts {
		opt.apply(q)
	}
	return q
}

// Store exposes the underlying store for components that need direct access,
// such as the worker runtime's maintenance loops.
func (q *Queue) Store() core.Store { return q.store }

// Close marks the queue closed and releases the store. Further calls return
// core.ErrQueueClosed.
func (q *Queue) Close() error {
	if q.closed.Swap(true) {
		return nil
	}
	return q.store.Close()
}

func (q *Queue) guard() error {
	if q.closed.Load() {
		return core.ErrQueueClosed
	}
	return nil
}

// Submit validates and enqueues a single job. Submitting a key that already
// exists in a non-terminal state is an idempotent no-op; a terminal record
// under the same key is replaced.
func (q *Queue) Submit(ctx context.Context, job *core.Job) error {
	if err := q.guard(); err != nil {
		return err
	}
	if err := q.normalize(job); err != nil {
		return err
	}

	inserted, err := q.store.Insert(ctx, job)
	if err != nil {
		return core.WrapStore("submit", err)
	}
	if !inserted {
		q.log.Debug("duplicate submission ignored", "job", job.Key())
		return nil
	}

	q.publish(ctx, core.Event{
		Kind:   core.EventSubmitted,
		JobKey: job.Key(),
		Type:   job.Type,
		Status: core.StatusWaiting,
	})
	return nil
}

// SubmitBulk validates and enqueues a batch atomically: if any job fails
// validation nothing is enqueued, and the store makes the whole batch visible
// in one step.
func (q *Queue) SubmitBulk(ctx context.Context, jobs []*core.Job) error {
	if err := q.guard(); err != nil {
		return err
	}
	for _, job := range jobs {
		if err := q.normalize(job); err != nil {
			return err
		}
	}

	inserted, err := q.store.InsertBatch(ctx, jobs)
	if err != nil {
		return core.WrapStore("submit_bulk", err)
	}
	for i, ok := range inserted {
		if !ok {
			q.log.Debug("duplicate submission ignored", "job", jobs[i].Key())
			continue
		}
		q.publish(ctx, core.Event{
			Kind:   core.EventSubmitted,
			JobKey: jobs[i].Key(),
			Type:   jobs[i].Type,
			Status: core.StatusWaiting,
		})
	}
	return nil
}

func (q *Queue) normalize(job *core.Job) error {
	if job == nil {
		return errors.New("nil job")
	}
	if job.JobID == "" {
		job.JobID = uuid.NewString()
	}
	if job.Priority == 0 {
		job.Priority = q.defaultPriority
	}
	job.MaxRetries = security.ClampRetries(job.MaxRetries)
	return security.ValidateJob(job)
}

// Dequeue claims the most urgent eligible job. With wait <= 0 it polls once
// and returns core.ErrNoJob if nothing is eligible; otherwise it re-polls
// until a job arrives, the wait elapses, or ctx is done.
func (q *Queue) Dequeue(ctx context.Context, workerID string, capabilities []string, wait time.Duration) (*core.Job, error) {
	if err := q.guard(); err != nil {
		return nil, err
	}
	if workerID == "" {
		workerID = uuid.NewString()
	}

	deadline := time.Now().Add(wait)
	for {
		job, err := q.store.Claim(ctx, workerID, capabilities, time.Now())
		if err == nil {
			q.publish(ctx, core.Event{
				Kind:    core.EventStarted,
				JobKey:  job.Key(),
				Type:    job.Type,
				Status:  core.StatusActive,
				Attempt: job.Attempts,
			})
			return job, nil
		}
		if !errors.Is(err, core.ErrNoJob) {
			return nil, core.WrapStore("dequeue", err)
		}
		if wait <= 0 || time.Now().After(deadline) {
			return nil, core.ErrNoJob
		}

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(q.poll):
		}
	}
}

// Complete records a successful result for an active job. A state conflict
// means another actor already transitioned the job (reaper, cancellation);
// that is logged and absorbed.
func (q *Queue) Complete(ctx context.Context, key string, result *core.JobResult) error {
	if err := q.guard(); err != nil {
		return err
	}
	if result == nil {
		result = &core.JobResult{Success: true}
	}

	job, err := q.store.CompleteActive(ctx, key, result)
	if core.IsStateConflict(err) {
		q.log.Warn("stale completion ignored", "job", key, "err", err)
		return nil
	}
	if errors.Is(err, core.ErrJobNotFound) {
		return err
	}
	if err != nil {
		return core.WrapStore("complete", err)
	}

	q.publish(ctx, core.Event{
		Kind:    core.EventCompleted,
		JobKey:  key,
		Type:    job.Type,
		Status:  core.StatusCompleted,
		Attempt: job.Attempts,
	})
	return nil
}

// Fail records a failed execution. With attempts remaining the job is
// rescheduled with exponential backoff; otherwise it dead-letters into the
// failed state. State conflicts are absorbed the same way Complete absorbs
// them.
func (q *Queue) Fail(ctx context.Context, key string, errMsg string) error {
	if err := q.guard(); err != nil {
		return err
	}
	errMsg = security.SanitizeErrorMessage(errMsg)

	outcome, err := q.store.FailActive(ctx, key, errMsg, q.retry)
	if core.IsStateConflict(err) {
		q.log.Warn("stale failure ignored", "job", key, "err", err)
		return nil
	}
	if errors.Is(err, core.ErrJobNotFound) {
		return err
	}
	if err != nil {
		return core.WrapStore("fail", err)
	}

	if outcome.Terminal {
		q.log.Warn("job exhausted retries", "job", key, "attempts", outcome.Attempt, "err", errMsg)
		q.publish(ctx, core.Event{
			Kind:    core.EventFailed,
			JobKey:  key,
			Type:    outcome.Job.Type,
			Status:  core.StatusFailed,
			Attempt: outcome.Attempt,
			Error:   errMsg,
		})
		return nil
	}

	next := outcome.NextRunAt
	q.publish(ctx, core.Event{
		Kind:      core.EventRetryScheduled,
		JobKey:    key,
		Type:      outcome.Job.Type,
		Status:    core.StatusDelayed,
		Attempt:   outcome.Attempt,
		Error:     errMsg,
		NextRunAt: &next,
	})
	return nil
}

// Cancel removes a waiting or delayed job so it never runs. Unlike Complete
// and Fail, a state conflict is returned: the producer needs to know that the
// job had already started or finished.
func (q *Queue) Cancel(ctx context.Context, key string) error {
	if err := q.guard(); err != nil {
		return err
	}

	job, err := q.store.Remove(ctx, key)
	if err != nil {
		if errors.Is(err, core.ErrJobNotFound) || core.IsStateConflict(err) {
			return err
		}
		return core.WrapStore("cancel", err)
	}

	q.publish(ctx, core.Event{
		Kind:   core.EventCancelled,
		JobKey: key,
		Type:   job.Type,
	})
	return nil
}

// RetryNow moves a dead-lettered job straight back to waiting for one more
// execution. Attempts are not reset, so its next failure dead-letters again.
func (q *Queue) RetryNow(ctx context.Context, key string) error {
	if err := q.guard(); err != nil {
		return err
	}

	job, err := q.store.RequeueFailed(ctx, key)
	if err != nil {
		if errors.Is(err, core.ErrJobNotFound) || core.IsStateConflict(err) {
			return err
		}
		return core.WrapStore("retry_now", err)
	}

	q.publish(ctx, core.Event{
		Kind:    core.EventRetryScheduled,
		JobKey:  key,
		Type:    job.Type,
		Status:  core.StatusWaiting,
		Attempt: job.Attempts,
	})
	return nil
}

// GetJob returns the stored record for a job key.
func (q *Queue) GetJob(ctx context.Context, key string) (*core.Job, error) {
	if err := q.guard(); err != nil {
		return nil, err
	}
	job, err := q.store.Get(ctx, key)
	if err != nil {
		if errors.Is(err, core.ErrJobNotFound) {
			return nil, err
		}
		return nil, core.WrapStore("get", err)
	}
	return job, nil
}

// GetStatus reports a job's lifecycle state. Waiting and delayed jobs report
// StatusPaused while the queue-wide pause flag is set; unknown keys report
// StatusNotFound rather than an error.
func (q *Queue) GetStatus(ctx context.Context, key string) (core.JobStatus, error) {
	job, err := q.GetJob(ctx, key)
	if errors.Is(err, core.ErrJobNotFound) {
		return core.StatusNotFound, nil
	}
	if err != nil {
		return "", err
	}

	if job.Status == core.StatusWaiting || job.Status == core.StatusDelayed {
		paused, err := q.store.Paused(ctx)
		if err != nil {
			return "", core.WrapStore("get_status", err)
		}
		if paused {
			return core.StatusPaused, nil
		}
	}
	return job.Status, nil
}

// GetResult returns the recorded result for a job, or nil while the job has
// not reached a terminal state.
func (q *Queue) GetResult(ctx context.Context, key string) (*core.JobResult, error) {
	job, err := q.GetJob(ctx, key)
	if err != nil {
		return nil, err
	}
	return job.Result, nil
}

// ListJobs pages through jobs in a given state in arrival order.
func (q *Queue) ListJobs(ctx context.Context, status core.JobStatus, offset, limit int) ([]*core.Job, error) {
	if err := q.guard(); err != nil {
		return nil, err
	}
	jobs, err := q.store.ListByStatus(ctx, status, offset, limit)
	if err != nil {
		return nil, core.WrapStore("list", err)
	}
	return jobs, nil
}

// Stats returns per-state depths and the pause flag.
func (q *Queue) Stats(ctx context.Context) (core.QueueStats, error) {
	if err := q.guard(); err != nil {
		return core.QueueStats{}, err
	}
	stats, err := q.store.Counts(ctx)
	if err != nil {
		return core.QueueStats{}, core.WrapStore("stats", err)
	}
	return stats, nil
}

// Pause stops dequeues queue-wide. Active jobs run to completion; waiting and
// delayed jobs stay put.
func (q *Queue) Pause(ctx context.Context) error {
	if err := q.guard(); err != nil {
		return err
	}
	if err := q.store.SetPaused(ctx, true); err != nil {
		return core.WrapStore("pause", err)
	}
	q.log.Info("queue paused")
	q.publish(ctx, core.Event{Kind: core.EventPaused})
	return nil
}

// Resume re-enables dequeues after a Pause.
func (q *Queue) Resume(ctx context.Context) error {
	if err := q.guard(); err != nil {
		return err
	}
	if err := q.store.SetPaused(ctx, false); err != nil {
		return core.WrapStore("resume", err)
	}
	q.log.Info("queue resumed")
	q.publish(ctx, core.Event{Kind: core.EventResumed})
	return nil
}

// Drain discards all waiting jobs, and delayed jobs too when includeDelayed
// is set. Active jobs are untouched. Returns the number removed.
func (q *Queue) Drain(ctx context.Context, includeDelayed bool) (int, error) {
	if err := q.guard(); err != nil {
		return 0, err
	}
	removed, err := q.store.Drain(ctx, includeDelayed)
	if err != nil {
		return 0, core.WrapStore("drain", err)
	}
	q.log.Info("queue drained", "removed", removed, "include_delayed", includeDelayed)
	q.publish(ctx, core.Event{Kind: core.EventDrained, Removed: removed})
	return removed, nil
}

// Clean removes terminal records older than the given age, up to limit.
// Returns the removed job keys.
func (q *Queue) Clean(ctx context.Context, status core.JobStatus, olderThan time.Duration, limit int) ([]string, error) {
	if err := q.guard(); err != nil {
		return nil, err
	}
	if !status.Terminal() {
		return nil, errors.New("clean applies to completed or failed jobs")
	}
	keys, err := q.store.Clean(ctx, status, olderThan, limit)
	if err != nil {
		return nil, core.WrapStore("clean", err)
	}
	if len(keys) > 0 {
		q.log.Info("cleaned terminal jobs", "status", status, "removed", len(keys))
	}
	return keys, nil
}

// IsHealthy reports whether the store answers a ping.
func (q *Queue) IsHealthy(ctx context.Context) bool {
	if q.closed.Load() {
		return false
	}
	return q.store.Ping(ctx) == nil
}

// Subscribe streams lifecycle events from the store. The returned cancel
// function releases the subscription.
func (q *Queue) Subscribe(ctx context.Context) (<-chan core.Event, func(), error) {
	if err := q.guard(); err != nil {
		return nil, nil, err
	}
	return q.store.Subscribe(ctx)
}

// Event publication is best-effort: queue semantics never depend on a
// subscriber seeing an event.
func (q *Queue) publish(ctx context.Context, ev core.Event) {
	ev.Timestamp = time.Now()
	if err := q.store.Publish(ctx, ev); err != nil {
		q.log.Warn("event publish failed", "kind", ev.Kind, "job", ev.JobKey, "err", err)
	}
}
