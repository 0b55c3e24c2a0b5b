package storage

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/canfieldjuan/dispatchq/pkg/core"
)

func setupGorm(t *testing.T) *GormStore {
	t.Helper()
	db, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	require.NoError(t, err, "open in-memory sqlite")

	s := NewGormStore(db)
	require.NoError(t, s.Migrate(context.Background()), "migrate schema")
	return s
}

func TestGormInsertAndGet(t *testing.T) {
	s := setupGorm(t)
	ctx := context.Background()

	job := makeJob("run", "a", 5, 3)
	job.Config = map[string]any{"path": "/tmp/in"}
	job.Metadata = map[string]string{"tenant": "acme"}

	inserted, err := s.Insert(ctx, job)
	require.NoError(t, err)
	assert.True(t, inserted)

	got, err := s.Get(ctx, "run_a")
	require.NoError(t, err)
	assert.Equal(t, core.StatusWaiting, got.Status)
	assert.Equal(t, "/tmp/in", got.Config["path"])
	assert.Equal(t, "acme", got.Metadata["tenant"])

	_, err = s.Get(ctx, "run_missing")
	assert.ErrorIs(t, err, core.ErrJobNotFound)
}

func TestGormInsert_Duplicate(t *testing.T) {
	s := setupGorm(t)
	ctx := context.Background()

	inserted, err := s.Insert(ctx, makeJob("run", "a", 5, 0))
	require.NoError(t, err)
	assert.True(t, inserted)

	inserted, err = s.Insert(ctx, makeJob("run", "a", 9, 0))
	require.NoError(t, err)
	assert.False(t, inserted)
}

func TestGormClaim_PriorityThenFIFO(t *testing.T) {
	s := setupGorm(t)
	ctx := context.Background()

	_, err := s.Insert(ctx, makeJob("run", "a", 10, 0))
	require.NoError(t, err)
	_, err = s.Insert(ctx, makeJob("run", "b", 5, 0))
	require.NoError(t, err)
	_, err = s.Insert(ctx, makeJob("run", "c", 10, 0))
	require.NoError(t, err)

	assert.Equal(t, "run_a", mustClaim(t, s).Key())
	assert.Equal(t, "run_c", mustClaim(t, s).Key())
	assert.Equal(t, "run_b", mustClaim(t, s).Key())

	_, err = s.Claim(ctx, "w1", nil, time.Now())
	assert.ErrorIs(t, err, core.ErrNoJob)
}

func TestGormClaim_Capabilities(t *testing.T) {
	s := setupGorm(t)
	ctx := context.Background()

	gpu := makeJob("run", "gpu-job", 10, 0)
	gpu.RequiredCapabilities = []string{"gpu"}
	_, err := s.Insert(ctx, gpu)
	require.NoError(t, err)
	_, err = s.Insert(ctx, makeJob("run", "plain", 5, 0))
	require.NoError(t, err)

	job, err := s.Claim(ctx, "w1", []string{"linux"}, time.Now())
	require.NoError(t, err)
	assert.Equal(t, "run_plain", job.Key())
}

func TestGormClaim_EligibleJobBehindDeepBacklog(t *testing.T) {
	s := setupGorm(t)
	ctx := context.Background()

	// A backlog of higher-priority jobs this worker cannot run, deeper than
	// any single candidate page.
	for i := 0; i < 150; i++ {
		job := makeJob("run", fmt.Sprintf("gpu-%03d", i), 9, 0)
		job.RequiredCapabilities = []string{"gpu"}
		_, err := s.Insert(ctx, job)
		require.NoError(t, err)
	}
	_, err := s.Insert(ctx, makeJob("run", "cpu-ok", 1, 0))
	require.NoError(t, err)

	job, err := s.Claim(ctx, "w1", nil, time.Now())
	require.NoError(t, err)
	assert.Equal(t, "run_cpu-ok", job.Key())
}

func TestGormCompleteAndResult(t *testing.T) {
	s := setupGorm(t)
	ctx := context.Background()

	_, err := s.Insert(ctx, makeJob("run", "a", 5, 0))
	require.NoError(t, err)
	mustClaim(t, s)

	_, err = s.CompleteActive(ctx, "run_a", &core.JobResult{
		Success:  true,
		Output:   map[string]any{"rows": float64(42)},
		WorkerID: "w1",
	})
	require.NoError(t, err)

	got, err := s.Get(ctx, "run_a")
	require.NoError(t, err)
	assert.Equal(t, core.StatusCompleted, got.Status)
	require.NotNil(t, got.Result)
	assert.Equal(t, float64(42), got.Result.Output["rows"])

	_, err = s.CompleteActive(ctx, "run_a", &core.JobResult{Success: true})
	assert.True(t, core.IsStateConflict(err))
}

func TestGormFailRetryThenTerminal(t *testing.T) {
	s := setupGorm(t)
	ctx := context.Background()

	instant := core.RetryPolicy{BaseDelay: 0, Multiplier: 2}
	_, err := s.Insert(ctx, makeJob("run", "a", 5, 1))
	require.NoError(t, err)

	mustClaim(t, s)
	outcome, err := s.FailActive(ctx, "run_a", "transient", instant)
	require.NoError(t, err)
	assert.False(t, outcome.Terminal)
	assert.Equal(t, 1, outcome.Attempt)

	n, err := s.PromoteDue(ctx, time.Now().Add(time.Millisecond))
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	mustClaim(t, s)
	outcome, err = s.FailActive(ctx, "run_a", "fatal", instant)
	require.NoError(t, err)
	assert.True(t, outcome.Terminal)

	got, err := s.Get(ctx, "run_a")
	require.NoError(t, err)
	assert.Equal(t, core.StatusFailed, got.Status)
	assert.Equal(t, "fatal", got.LastError)
}

func TestGormRemoveAndRequeue(t *testing.T) {
	s := setupGorm(t)
	ctx := context.Background()

	_, err := s.Insert(ctx, makeJob("run", "cancel-me", 5, 0))
	require.NoError(t, err)
	_, err = s.Remove(ctx, "run_cancel-me")
	require.NoError(t, err)
	_, err = s.Get(ctx, "run_cancel-me")
	assert.ErrorIs(t, err, core.ErrJobNotFound)

	_, err = s.Insert(ctx, makeJob("run", "dead", 5, 0))
	require.NoError(t, err)
	mustClaim(t, s)
	_, err = s.FailActive(ctx, "run_dead", "boom", core.DefaultRetryPolicy())
	require.NoError(t, err)

	job, err := s.RequeueFailed(ctx, "run_dead")
	require.NoError(t, err)
	assert.Equal(t, core.StatusWaiting, job.Status)

	claimed := mustClaim(t, s)
	assert.Equal(t, "run_dead", claimed.Key())
}

func TestGormPauseCountsDrain(t *testing.T) {
	s := setupGorm(t)
	ctx := context.Background()

	for _, id := range []string{"a", "b"} {
		_, err := s.Insert(ctx, makeJob("run", id, 5, 0))
		require.NoError(t, err)
	}

	require.NoError(t, s.SetPaused(ctx, true))
	paused, err := s.Paused(ctx)
	require.NoError(t, err)
	assert.True(t, paused)

	_, err = s.Claim(ctx, "w1", nil, time.Now())
	assert.ErrorIs(t, err, core.ErrNoJob)

	stats, err := s.Counts(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(2), stats.Waiting)
	assert.True(t, stats.Paused)

	removed, err := s.Drain(ctx, true)
	require.NoError(t, err)
	assert.Equal(t, 2, removed)
}

func TestGormSeqMonotonicAcrossPauseToggles(t *testing.T) {
	s := setupGorm(t)
	ctx := context.Background()

	_, err := s.Insert(ctx, makeJob("run", "a", 5, 0))
	require.NoError(t, err)

	// Pause toggles touch the same state row as the seq counter; they must
	// not reset it.
	require.NoError(t, s.SetPaused(ctx, true))
	require.NoError(t, s.SetPaused(ctx, false))

	_, err = s.Insert(ctx, makeJob("run", "b", 5, 0))
	require.NoError(t, err)

	a, err := s.Get(ctx, "run_a")
	require.NoError(t, err)
	b, err := s.Get(ctx, "run_b")
	require.NoError(t, err)
	assert.Greater(t, b.Seq, a.Seq)
}

func TestGormExpiredActive(t *testing.T) {
	s := setupGorm(t)
	ctx := context.Background()

	job := makeJob("run", "a", 5, 1)
	job.Timeout = time.Millisecond
	_, err := s.Insert(ctx, job)
	require.NoError(t, err)
	mustClaim(t, s)

	expired, err := s.ExpiredActive(ctx, time.Now().Add(time.Second))
	require.NoError(t, err)
	assert.Equal(t, []string{"run_a"}, expired)
}

func TestGormCleanAndTrim(t *testing.T) {
	s := setupGorm(t)
	ctx := context.Background()

	for _, id := range []string{"a", "b", "c"} {
		_, err := s.Insert(ctx, makeJob("run", id, 5, 0))
		require.NoError(t, err)
		job := mustClaim(t, s)
		_, err = s.CompleteActive(ctx, job.Key(), &core.JobResult{Success: true})
		require.NoError(t, err)
		time.Sleep(2 * time.Millisecond)
	}

	removed, err := s.TrimTerminal(ctx, core.StatusCompleted, 2)
	require.NoError(t, err)
	assert.Equal(t, []string{"run_a"}, removed)

	time.Sleep(2 * time.Millisecond)
	removed, err = s.Clean(ctx, core.StatusCompleted, 0, 10)
	require.NoError(t, err)
	assert.Len(t, removed, 2)
}
