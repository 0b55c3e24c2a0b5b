// Package dispatchq provides a distributed job queue with priority ordering,
// bounded retries with exponential backoff, cancellation and operator
// controls, backed by pluggable durable stores.
//
// This is the main package users should import. It re-exports the public
// types from the pkg/ packages for a clean API surface.
//
// Basic usage:
//
//	store := dispatchq.NewMemoryStore()
//	q := dispatchq.New(store)
//	defer q.Close()
//
//	q.Submit(ctx, &dispatchq.Job{
//	    ExecutionID: "run-42",
//	    JobID:       "render-report",
//	    Type:        "render",
//	    Priority:    8,
//	    MaxRetries:  3,
//	})
//
//	w := dispatchq.NewWorker(q, dispatchq.Concurrency(4))
//	w.Register("render", func(ctx context.Context, job *dispatchq.Job) (map[string]any, error) {
//	    return render(ctx, job.Config)
//	})
//	w.Start(ctx)
//
// For distributed deployments use NewRedisStore; every state transition is
// atomic inside the store, so any number of producers and workers can share
// one queue.
package dispatchq

import (
	"github.com/redis/go-redis/v9"
	"gorm.io/gorm"

	"github.com/canfieldjuan/dispatchq/pkg/core"
	"github.com/canfieldjuan/dispatchq/pkg/monitor"
	"github.com/canfieldjuan/dispatchq/pkg/queue"
	"github.com/canfieldjuan/dispatchq/pkg/schedule"
	"github.com/canfieldjuan/dispatchq/pkg/storage"
	"github.com/canfieldjuan/dispatchq/pkg/worker"
)

type (
	// Job is a unit of work identified by "{executionID}_{jobID}".
	Job = core.Job

	// JobResult is the recorded outcome of a terminal job.
	JobResult = core.JobResult

	// JobStatus is a lifecycle state.
	JobStatus = core.JobStatus

	// QueueStats holds per-state depths and the pause flag.
	QueueStats = core.QueueStats

	// Event is a lifecycle notification.
	Event = core.Event

	// Store is the durable store adapter contract.
	Store = core.Store

	// RetryPolicy controls backoff between attempts.
	RetryPolicy = core.RetryPolicy

	// Queue is the orchestration surface shared by producers, workers and
	// operators.
	Queue = queue.Queue

	// Option configures a Queue.
	Option = queue.Option

	// Worker claims and executes jobs.
	Worker = worker.Worker

	// WorkerOption configures a Worker.
	WorkerOption = worker.Option

	// Handler executes one job.
	Handler = worker.Handler

	// Monitor watches a queue's event stream.
	Monitor = monitor.Monitor

	// Schedule yields occurrence times for recurring submission.
	Schedule = schedule.Schedule
)

// Lifecycle states.
const (
	StatusWaiting   = core.StatusWaiting
	StatusActive    = core.StatusActive
	StatusCompleted = core.StatusCompleted
	StatusFailed    = core.StatusFailed
	StatusDelayed   = core.StatusDelayed
	StatusPaused    = core.StatusPaused
	StatusNotFound  = core.StatusNotFound
)

// Sentinel errors.
var (
	ErrJobNotFound = core.ErrJobNotFound
	ErrNoJob       = core.ErrNoJob
	ErrQueueClosed = core.ErrQueueClosed
)

// New creates a Queue on an opened store.
func New(store Store, opts ...Option) *Queue {
	return queue.New(store, opts...)
}

// NewMemoryStore creates the in-process store, useful for tests and
// single-process embedding.
func NewMemoryStore() *storage.MemoryStore {
	return storage.NewMemoryStore()
}

// NewRedisStore creates the Redis-backed store for distributed deployments.
func NewRedisStore(rdb redis.UniversalClient, opts ...storage.RedisOption) *storage.RedisStore {
	return storage.NewRedisStore(rdb, opts...)
}

// NewGormStore creates the relational store on an opened gorm handle. Call
// Migrate before first use.
func NewGormStore(db *gorm.DB) *storage.GormStore {
	return storage.NewGormStore(db)
}

// NewWorker creates a worker bound to a queue.
func NewWorker(q *Queue, opts ...WorkerOption) *Worker {
	return worker.New(q, opts...)
}

// NewMonitor creates a monitor on a queue.
func NewMonitor(q *Queue, opts ...monitor.MonitorOption) *Monitor {
	return monitor.New(q, opts...)
}

// Queue options.
var (
	WithLogger          = queue.WithLogger
	WithRetryPolicy     = queue.WithRetryPolicy
	WithPollInterval    = queue.WithPollInterval
	WithDefaultPriority = queue.WithDefaultPriority
)

// Worker options.
var (
	WithWorkerID     = worker.WithWorkerID
	WithCapabilities = worker.WithCapabilities
	Concurrency      = worker.Concurrency
	WithRetention    = worker.WithRetention
	WithScheduler    = worker.WithScheduler
)

// Recurring schedules.
var (
	Every     = schedule.Every
	Daily     = schedule.Daily
	Weekly    = schedule.Weekly
	Cron      = schedule.Cron
	ParseCron = schedule.ParseCron
)
