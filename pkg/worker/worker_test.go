package worker

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/canfieldjuan/dispatchq/pkg/core"
	"github.com/canfieldjuan/dispatchq/pkg/queue"
	"github.com/canfieldjuan/dispatchq/pkg/schedule"
	"github.com/canfieldjuan/dispatchq/pkg/storage"
)

func newTestQueue(t *testing.T) *queue.Queue {
	t.Helper()
	q := queue.New(storage.NewMemoryStore(),
		queue.WithRetryPolicy(core.RetryPolicy{BaseDelay: 0, Multiplier: 2}))
	t.Cleanup(func() { q.Close() })
	return q
}

func startWorker(t *testing.T, w *Worker) context.CancelFunc {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = w.Start(ctx)
	}()
	t.Cleanup(func() {
		cancel()
		select {
		case <-done:
		case <-time.After(5 * time.Second):
			t.Fatal("worker did not stop")
		}
	})
	return cancel
}

func submitJob(t *testing.T, q *queue.Queue, jobID string, maxRetries int) {
	t.Helper()
	require.NoError(t, q.Submit(context.Background(), &core.Job{
		ExecutionID: "run",
		JobID:       jobID,
		Type:        "work",
		Priority:    5,
		MaxRetries:  maxRetries,
	}))
}

func waitTerminal(t *testing.T, q *queue.Queue, key string) core.JobStatus {
	t.Helper()
	var status core.JobStatus
	require.Eventually(t, func() bool {
		var err error
		status, err = q.GetStatus(context.Background(), key)
		require.NoError(t, err)
		return status == core.StatusCompleted || status == core.StatusFailed
	}, 5*time.Second, 10*time.Millisecond)
	return status
}

func TestWorkerProcessesJob(t *testing.T) {
	q := newTestQueue(t)
	w := New(q, WithPollInterval(5*time.Millisecond), Concurrency(2))
	w.Register("work", func(ctx context.Context, job *core.Job) (map[string]any, error) {
		RecordLog(ctx, "processing %s", job.Key())
		return map[string]any{"ok": true}, nil
	})
	startWorker(t, w)

	submitJob(t, q, "a", 0)
	assert.Equal(t, core.StatusCompleted, waitTerminal(t, q, "run_a"))

	result, err := q.GetResult(context.Background(), "run_a")
	require.NoError(t, err)
	require.NotNil(t, result)
	assert.True(t, result.Success)
	assert.Equal(t, true, result.Output["ok"])
	require.Len(t, result.Logs, 1)
	assert.Contains(t, result.Logs[0], "processing run_a")
	assert.Equal(t, w.config.WorkerID, result.WorkerID)
}

// ctxCheckedStore refuses writes on a cancelled context, like a networked
// store would.
type ctxCheckedStore struct {
	core.Store
}

func (s *ctxCheckedStore) CompleteActive(ctx context.Context, key string, result *core.JobResult) (*core.Job, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return s.Store.CompleteActive(ctx, key, result)
}

func (s *ctxCheckedStore) FailActive(ctx context.Context, key string, errMsg string, policy core.RetryPolicy) (*core.FailOutcome, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return s.Store.FailActive(ctx, key, errMsg, policy)
}

func TestWorkerRecordsResultDuringShutdown(t *testing.T) {
	q := queue.New(&ctxCheckedStore{Store: storage.NewMemoryStore()},
		queue.WithRetryPolicy(core.RetryPolicy{BaseDelay: 0, Multiplier: 2}))
	t.Cleanup(func() { q.Close() })

	started := make(chan struct{})
	w := New(q,
		WithPollInterval(5*time.Millisecond),
		WithMaintenanceIntervals(-1, -1, -1))
	w.Register("work", func(ctx context.Context, job *core.Job) (map[string]any, error) {
		close(started)
		<-ctx.Done() // run until the worker begins stopping
		return map[string]any{"ok": true}, nil
	})
	cancel := startWorker(t, w)

	submitJob(t, q, "a", 0)
	select {
	case <-started:
	case <-time.After(5 * time.Second):
		t.Fatal("job never started")
	}
	cancel()

	// The in-flight job must still record its completion.
	assert.Equal(t, core.StatusCompleted, waitTerminal(t, q, "run_a"))
}

func TestWorkerRetriesThenDeadLetters(t *testing.T) {
	q := newTestQueue(t)

	var attempts atomic.Int32
	w := New(q,
		WithPollInterval(5*time.Millisecond),
		WithMaintenanceIntervals(-1, 10*time.Millisecond, -1))
	w.Register("work", func(ctx context.Context, job *core.Job) (map[string]any, error) {
		attempts.Add(1)
		return nil, errors.New("always fails")
	})
	startWorker(t, w)

	submitJob(t, q, "a", 2)
	assert.Equal(t, core.StatusFailed, waitTerminal(t, q, "run_a"))
	assert.Equal(t, int32(3), attempts.Load())

	result, err := q.GetResult(context.Background(), "run_a")
	require.NoError(t, err)
	require.NotNil(t, result)
	assert.False(t, result.Success)
	assert.Equal(t, "always fails", result.Error)
}

func TestWorkerPanicIsContained(t *testing.T) {
	q := newTestQueue(t)
	w := New(q, WithPollInterval(5*time.Millisecond))
	w.Register("work", func(ctx context.Context, job *core.Job) (map[string]any, error) {
		panic("handler exploded")
	})
	startWorker(t, w)

	submitJob(t, q, "a", 0)
	assert.Equal(t, core.StatusFailed, waitTerminal(t, q, "run_a"))

	job, err := q.GetJob(context.Background(), "run_a")
	require.NoError(t, err)
	assert.Contains(t, job.LastError, "panic: handler exploded")
}

func TestWorkerUnknownTypeFails(t *testing.T) {
	q := newTestQueue(t)
	w := New(q, WithPollInterval(5*time.Millisecond))
	startWorker(t, w)

	submitJob(t, q, "a", 0)
	assert.Equal(t, core.StatusFailed, waitTerminal(t, q, "run_a"))

	job, err := q.GetJob(context.Background(), "run_a")
	require.NoError(t, err)
	assert.Contains(t, job.LastError, "no handler registered")
}

func TestWorkerCapabilities(t *testing.T) {
	q := newTestQueue(t)
	w := New(q,
		WithPollInterval(5*time.Millisecond),
		WithCapabilities("linux"))
	w.Register("work", func(ctx context.Context, job *core.Job) (map[string]any, error) {
		return nil, nil
	})
	startWorker(t, w)

	require.NoError(t, q.Submit(context.Background(), &core.Job{
		ExecutionID:          "run",
		JobID:                "gpu-job",
		Type:                 "work",
		Priority:             5,
		RequiredCapabilities: []string{"gpu"},
	}))
	submitJob(t, q, "plain", 0)

	// The plain job completes while the gpu job stays queued.
	assert.Equal(t, core.StatusCompleted, waitTerminal(t, q, "run_plain"))

	status, err := q.GetStatus(context.Background(), "run_gpu-job")
	require.NoError(t, err)
	assert.Equal(t, core.StatusWaiting, status)
}

func TestWorkerReapsExpiredLeases(t *testing.T) {
	q := newTestQueue(t)
	ctx := context.Background()

	// Claim directly, simulating a worker that died mid-job.
	require.NoError(t, q.Submit(ctx, &core.Job{
		ExecutionID: "run",
		JobID:       "stuck",
		Type:        "work",
		Priority:    5,
		MaxRetries:  0,
		Timeout:     time.Millisecond,
	}))
	_, err := q.Dequeue(ctx, "dead-worker", nil, 0)
	require.NoError(t, err)

	w := New(q,
		WithPollInterval(time.Hour), // this worker only reaps
		WithMaintenanceIntervals(10*time.Millisecond, -1, -1))
	startWorker(t, w)

	assert.Equal(t, core.StatusFailed, waitTerminal(t, q, "run_stuck"))
	job, err := q.GetJob(ctx, "run_stuck")
	require.NoError(t, err)
	assert.Equal(t, "lease expired", job.LastError)
}

func TestWorkerRetentionTrim(t *testing.T) {
	q := newTestQueue(t)
	ctx := context.Background()

	// Complete five jobs by hand, then let the retention loop trim to two.
	for _, id := range []string{"a", "b", "c", "d", "e"} {
		submitJob(t, q, id, 0)
		job, err := q.Dequeue(ctx, "w1", nil, 0)
		require.NoError(t, err)
		require.NoError(t, q.Complete(ctx, job.Key(), &core.JobResult{Success: true}))
	}

	w := New(q,
		WithPollInterval(time.Hour),
		WithRetention(2, 10),
		WithMaintenanceIntervals(-1, -1, 10*time.Millisecond))
	startWorker(t, w)

	require.Eventually(t, func() bool {
		stats, err := q.Stats(ctx)
		require.NoError(t, err)
		return stats.Completed == 2
	}, 5*time.Second, 10*time.Millisecond)
}

func TestWorkerScheduler(t *testing.T) {
	q := newTestQueue(t)
	w := New(q,
		WithPollInterval(time.Hour), // no execution, just submission
		WithScheduler(true),
		WithMaintenanceIntervals(-1, -1, -1))
	w.Schedule("heartbeat", schedule.Every(time.Millisecond), core.Job{
		ExecutionID: "cron",
		Type:        "work",
		Priority:    5,
	})
	startWorker(t, w)

	// The scheduler ticks once a second; wait for at least one submission.
	require.Eventually(t, func() bool {
		stats, err := q.Stats(context.Background())
		require.NoError(t, err)
		return stats.Waiting >= 1
	}, 5*time.Second, 50*time.Millisecond)
}
