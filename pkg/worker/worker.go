package worker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/rand"
	"runtime/debug"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/canfieldjuan/dispatchq/pkg/core"
	"github.com/canfieldjuan/dispatchq/pkg/queue"
	"github.com/canfieldjuan/dispatchq/pkg/schedule"
)

// Handler executes one job and returns its output. A non-nil error sends the
// job through the retry path. Use RecordLog on ctx to attach log lines to the
// result.
type Handler func(ctx context.Context, job *core.Job) (map[string]any, error)

// Recurring is a template job submitted on a schedule.
type Recurring struct {
	Name     string
	Schedule schedule.Schedule
	Template core.Job
}

// Worker claims and executes jobs, and runs the queue's maintenance loops.
type Worker struct {
	queue  *queue.Queue
	config Config
	log    *slog.Logger

	mu        sync.RWMutex
	handlers  map[string]Handler
	recurring map[string]Recurring
	cancel    context.CancelFunc

	wg sync.WaitGroup
}

// New creates a worker bound to a queue.
func New(q *queue.Queue, opts ...Option) *Worker {
	config := Config{
		WorkerID:        uuid.NewString(),
		Concurrency:     10,
		PollInterval:    100 * time.Millisecond,
		ReapInterval:    30 * time.Second,
		PromoteInterval: time.Second,
		RetainInterval:  time.Minute,
		KeepCompleted:   100,
		KeepFailed:      1000,
		Logger:          slog.Default(),
	}
	for _, opt := range opts {
		opt.applyWorker(&config)
	}

	return &Worker{
		queue:     q,
		config:    config,
		log:       config.Logger.With("worker", config.WorkerID),
		handlers:  make(map[string]Handler),
		recurring: make(map[string]Recurring),
	}
}

// Register binds a handler to a job type. Registering the same type twice
// replaces the previous handler.
func (w *Worker) Register(jobType string, h Handler) {
	w.mu.Lock()
	w.handlers[jobType] = h
	w.mu.Unlock()
}

// Schedule registers a recurring template submitted whenever its schedule
// fires. Requires WithScheduler(true).
func (w *Worker) Schedule(name string, s schedule.Schedule, template core.Job) {
	w.mu.Lock()
	w.recurring[name] = Recurring{Name: name, Schedule: s, Template: template}
	w.mu.Unlock()
}

func (w *Worker) handler(jobType string) (Handler, bool) {
	w.mu.RLock()
	defer w.mu.RUnlock()
	h, ok := w.handlers[jobType]
	return h, ok
}

// Start runs the dispatch and maintenance loops until ctx is cancelled or
// Stop is called, then waits for in-flight jobs to finish.
func (w *Worker) Start(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	w.mu.Lock()
	w.cancel = cancel
	w.mu.Unlock()

	w.log.Info("worker starting",
		"concurrency", w.config.Concurrency,
		"capabilities", w.config.Capabilities)

	jobs := make(chan *core.Job)
	for i := 0; i < w.config.Concurrency; i++ {
		w.wg.Add(1)
		go w.processLoop(ctx, jobs)
	}

	w.spawnLoop(ctx, w.config.ReapInterval, w.reap)
	w.spawnLoop(ctx, w.config.PromoteInterval, w.promote)
	w.spawnLoop(ctx, w.config.RetainInterval, w.retain)
	if w.config.EnableScheduler {
		w.wg.Add(1)
		go w.runScheduler(ctx)
	}

	ticker := time.NewTicker(w.config.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			close(jobs)
			w.wg.Wait()
			w.log.Info("worker stopped")
			return ctx.Err()
		case <-ticker.C:
			job, err := w.queue.Dequeue(ctx, w.config.WorkerID, w.config.Capabilities, 0)
			if err != nil {
				if !errors.Is(err, core.ErrNoJob) && ctx.Err() == nil {
					w.log.Error("dequeue failed", "err", err)
				}
				continue
			}
			select {
			case jobs <- job:
			case <-ctx.Done():
				// Hand the unstarted claim back through the retry path.
				w.failJob(context.Background(), job.Key(), "worker shut down before execution")
			}
		}
	}
}

// Stop cancels a running Start. Start itself waits for in-flight jobs before
// returning.
func (w *Worker) Stop() {
	w.mu.RLock()
	cancel := w.cancel
	w.mu.RUnlock()
	if cancel != nil {
		cancel()
	}
}

func (w *Worker) processLoop(ctx context.Context, jobs <-chan *core.Job) {
	defer w.wg.Done()
	for job := range jobs {
		w.processJob(ctx, job)
	}
}

func (w *Worker) processJob(ctx context.Context, job *core.Job) {
	start := time.Now()
	key := job.Key()

	// Results are reported on a detached context: a job that finishes while
	// the worker is stopping must still record its outcome instead of being
	// re-run after lease expiry.
	reportCtx := context.WithoutCancel(ctx)

	h, ok := w.handler(job.Type)
	if !ok {
		w.log.Error("no handler registered", "type", job.Type, "job", key)
		w.failJob(reportCtx, key, "no handler registered for type "+job.Type)
		return
	}

	recorder := &logRecorder{}
	jobCtx := withLogRecorder(ctx, recorder)
	if job.Timeout > 0 {
		var cancel context.CancelFunc
		jobCtx, cancel = context.WithTimeout(jobCtx, job.Timeout)
		defer cancel()
	}

	output, err := w.invoke(jobCtx, job, h)
	if err != nil {
		w.log.Warn("job failed", "job", key, "type", job.Type, "attempt", job.Attempts, "err", err)
		w.failJob(reportCtx, key, err.Error())
		return
	}

	result := &core.JobResult{
		Success:       true,
		Output:        output,
		Logs:          recorder.snapshot(),
		WorkerID:      w.config.WorkerID,
		ExecutionTime: time.Since(start),
	}
	if err := w.queue.Complete(reportCtx, key, result); err != nil {
		w.log.Error("completion failed", "job", key, "err", err)
		return
	}
	w.log.Debug("job completed", "job", key, "type", job.Type, "took", time.Since(start))
}

// invoke runs the handler with panic containment.
func (w *Worker) invoke(ctx context.Context, job *core.Job, h Handler) (output map[string]any, err error) {
	defer func() {
		if r := recover(); r != nil {
			w.log.Error("handler panicked", "job", job.Key(), "panic", r, "stack", string(debug.Stack()))
			err = fmt.Errorf("panic: %v", r)
		}
	}()
	return h(ctx, job)
}

func (w *Worker) failJob(ctx context.Context, key, errMsg string) {
	if err := w.queue.Fail(ctx, key, errMsg); err != nil {
		w.log.Error("failure report failed", "job", key, "err", err)
	}
}

// spawnLoop runs fn on a jittered interval until ctx is done. Jitter keeps a
// fleet of workers from sweeping in lockstep.
func (w *Worker) spawnLoop(ctx context.Context, interval time.Duration, fn func(ctx context.Context)) {
	if interval <= 0 {
		return
	}
	w.wg.Add(1)
	go func() {
		defer w.wg.Done()
		for {
			var jitter time.Duration
			if fifth := int64(interval) / 5; fifth > 0 {
				jitter = time.Duration(rand.Int63n(fifth))
			}
			select {
			case <-ctx.Done():
				return
			case <-time.After(interval + jitter):
				fn(ctx)
			}
		}
	}()
}

// reap fails active jobs whose lease expired so they re-enter the retry
// path. A crashed worker's jobs come back this way, each expiry consuming an
// attempt.
func (w *Worker) reap(ctx context.Context) {
	keys, err := w.queue.Store().ExpiredActive(ctx, time.Now())
	if err != nil {
		w.log.Error("lease sweep failed", "err", err)
		return
	}
	for _, key := range keys {
		w.log.Warn("reclaiming expired lease", "job", key)
		w.failJob(ctx, key, "lease expired")
	}
}

// promote moves due delayed jobs back to waiting.
func (w *Worker) promote(ctx context.Context) {
	n, err := w.queue.Store().PromoteDue(ctx, time.Now())
	if err != nil {
		w.log.Error("delayed promotion failed", "err", err)
		return
	}
	if n > 0 {
		w.log.Debug("promoted delayed jobs", "count", n)
	}
}

// retain trims terminal records down to the configured keep counts.
func (w *Worker) retain(ctx context.Context) {
	for status, keep := range map[core.JobStatus]int{
		core.StatusCompleted: w.config.KeepCompleted,
		core.StatusFailed:    w.config.KeepFailed,
	} {
		removed, err := w.queue.Store().TrimTerminal(ctx, status, keep)
		if err != nil {
			w.log.Error("retention trim failed", "status", status, "err", err)
			continue
		}
		if len(removed) > 0 {
			w.log.Debug("trimmed terminal jobs", "status", status, "removed", len(removed))
		}
	}
}

func (w *Worker) runScheduler(ctx context.Context) {
	defer w.wg.Done()

	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()

	lastRun := make(map[string]time.Time)
	started := time.Now()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			w.mu.RLock()
			entries := make([]Recurring, 0, len(w.recurring))
			for _, r := range w.recurring {
				entries = append(entries, r)
			}
			w.mu.RUnlock()

			now := time.Now()
			for _, r := range entries {
				from, ok := lastRun[r.Name]
				if !ok {
					from = started
				}
				if now.Before(r.Schedule.Next(from)) {
					continue
				}

				job := r.Template
				job.JobID = fmt.Sprintf("%s-%d", r.Name, now.Unix())
				if err := w.queue.Submit(ctx, &job); err != nil {
					w.log.Error("scheduled submission failed", "name", r.Name, "err", err)
					continue
				}
				lastRun[r.Name] = now
			}
		}
	}
}
