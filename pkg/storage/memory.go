// Package storage provides durable store adapters for dispatchq: Redis,
// GORM-backed SQL, and an in-process memory store for tests and embedding.
package storage

import (
	"context"
	"maps"
	"slices"
	"sort"
	"sync"
	"time"

	"github.com/canfieldjuan/dispatchq/pkg/core"
)

// DefaultLeaseDuration is the active-lease deadline applied when a job
// carries no timeout of its own.
const DefaultLeaseDuration = 5 * time.Minute

var _ core.Store = (*MemoryStore)(nil)

// MemoryStore is an in-process core.Store. It backs unit tests and
// single-process embedding; it survives nothing.
type MemoryStore struct {
	mu     sync.RWMutex
	jobs   map[string]*core.Job
	seq    uint64
	paused bool
	closed bool

	events *eventFanout
}

// NewMemoryStore creates an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		jobs:   make(map[string]*core.Job),
		events: newEventFanout(),
	}
}

func (s *MemoryStore) Ping(ctx context.Context) error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return core.ErrQueueClosed
	}
	return nil
}

func (s *MemoryStore) Close() error {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()

	s.events.closeAll()
	return nil
}

func (s *MemoryStore) Insert(ctx context.Context, job *core.Job) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.insertLocked(job), nil
}

func (s *MemoryStore) InsertBatch(ctx context.Context, jobs []*core.Job) ([]bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	inserted := make([]bool, len(jobs))
	for i, job := range jobs {
		inserted[i] = s.insertLocked(job)
	}
	return inserted, nil
}

func (s *MemoryStore) insertLocked(job *core.Job) bool {
	if existing, ok := s.jobs[job.Key()]; ok && !existing.Status.Terminal() {
		return false
	}

	s.seq++
	rec := cloneJob(job)
	rec.Status = core.StatusWaiting
	rec.Seq = s.seq
	if rec.SubmittedAt.IsZero() {
		rec.SubmittedAt = time.Now()
	}
	s.jobs[rec.Key()] = rec
	job.Status = rec.Status
	job.Seq = rec.Seq
	job.SubmittedAt = rec.SubmittedAt
	return true
}

func (s *MemoryStore) Claim(ctx context.Context, workerID string, capabilities []string, now time.Time) (*core.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.paused {
		return nil, core.ErrNoJob
	}

	var best *core.Job
	for _, j := range s.jobs {
		switch j.Status {
		case core.StatusWaiting:
		case core.StatusDelayed:
			// Store-native delayed semantics: a due delayed job is eligible.
			if j.RunAt == nil || j.RunAt.After(now) {
				continue
			}
		default:
			continue
		}
		if !j.Eligible(capabilities) {
			continue
		}
		if best == nil || less(j, best) {
			best = j
		}
	}
	if best == nil {
		return nil, core.ErrNoJob
	}

	best.Status = core.StatusActive
	started := now
	best.StartedAt = &started
	best.RunAt = nil
	lease := now.Add(leaseFor(best))
	best.LeaseExpiresAt = &lease
	best.Metadata = withWorkerID(best.Metadata, workerID)

	return cloneJob(best), nil
}

// less orders by inverted priority then insertion sequence, matching the
// sorted-set score used by the Redis adapter.
func less(a, b *core.Job) bool {
	pa, pb := core.MaxPriority+1-a.Priority, core.MaxPriority+1-b.Priority
	if pa != pb {
		return pa < pb
	}
	return a.Seq < b.Seq
}

func leaseFor(j *core.Job) time.Duration {
	if j.Timeout > 0 {
		return j.Timeout
	}
	return DefaultLeaseDuration
}

func withWorkerID(meta map[string]string, workerID string) map[string]string {
	if workerID == "" {
		return meta
	}
	if meta == nil {
		meta = make(map[string]string, 1)
	}
	meta["worker_id"] = workerID
	return meta
}

func (s *MemoryStore) CompleteActive(ctx context.Context, key string, result *core.JobResult) (*core.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	j, ok := s.jobs[key]
	if !ok {
		return nil, core.ErrJobNotFound
	}
	if j.Status != core.StatusActive {
		return nil, &core.ErrStateConflict{Key: key, Observed: j.Status, Expected: core.StatusActive}
	}

	now := time.Now()
	j.Status = core.StatusCompleted
	j.FinishedAt = &now
	j.LeaseExpiresAt = nil
	j.Result = result
	return cloneJob(j), nil
}

func (s *MemoryStore) FailActive(ctx context.Context, key string, errMsg string, policy core.RetryPolicy) (*core.FailOutcome, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	j, ok := s.jobs[key]
	if !ok {
		return nil, core.ErrJobNotFound
	}
	if j.Status != core.StatusActive {
		return nil, &core.ErrStateConflict{Key: key, Observed: j.Status, Expected: core.StatusActive}
	}

	now := time.Now()
	j.LastError = errMsg
	j.LeaseExpiresAt = nil

	if j.Attempts < j.MaxRetries {
		delay := policy.Delay(j.Attempts)
		ready := now.Add(delay)
		j.Attempts++
		j.Status = core.StatusDelayed
		j.RunAt = &ready
		return &core.FailOutcome{Attempt: j.Attempts, NextRunAt: ready, Job: cloneJob(j)}, nil
	}

	j.Status = core.StatusFailed
	j.FinishedAt = &now
	j.Result = &core.JobResult{Success: false, Error: errMsg}
	return &core.FailOutcome{Terminal: true, Attempt: j.Attempts, Job: cloneJob(j)}, nil
}

func (s *MemoryStore) PromoteDue(ctx context.Context, now time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	promoted := 0
	for _, j := range s.jobs {
		if j.Status == core.StatusDelayed && j.RunAt != nil && !j.RunAt.After(now) {
			s.seq++
			j.Status = core.StatusWaiting
			j.Seq = s.seq
			j.RunAt = nil
			promoted++
		}
	}
	return promoted, nil
}

func (s *MemoryStore) ExpiredActive(ctx context.Context, now time.Time) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var keys []string
	for k, j := range s.jobs {
		if j.Status == core.StatusActive && j.LeaseExpiresAt != nil && j.LeaseExpiresAt.Before(now) {
			keys = append(keys, k)
		}
	}
	return keys, nil
}

func (s *MemoryStore) Remove(ctx context.Context, key string) (*core.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	j, ok := s.jobs[key]
	if !ok {
		return nil, core.ErrJobNotFound
	}
	if j.Status != core.StatusWaiting && j.Status != core.StatusDelayed {
		return nil, &core.ErrStateConflict{Key: key, Observed: j.Status, Expected: core.StatusWaiting}
	}
	delete(s.jobs, key)
	return cloneJob(j), nil
}

func (s *MemoryStore) RequeueFailed(ctx context.Context, key string) (*core.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	j, ok := s.jobs[key]
	if !ok {
		return nil, core.ErrJobNotFound
	}
	if j.Status != core.StatusFailed {
		return nil, &core.ErrStateConflict{Key: key, Observed: j.Status, Expected: core.StatusFailed}
	}

	s.seq++
	j.Status = core.StatusWaiting
	j.Seq = s.seq
	j.RunAt = nil
	j.FinishedAt = nil
	j.Result = nil
	return cloneJob(j), nil
}

func (s *MemoryStore) Get(ctx context.Context, key string) (*core.Job, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	j, ok := s.jobs[key]
	if !ok {
		return nil, core.ErrJobNotFound
	}
	return cloneJob(j), nil
}

func (s *MemoryStore) ListByStatus(ctx context.Context, status core.JobStatus, offset, limit int) ([]*core.Job, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var matched []*core.Job
	for _, j := range s.jobs {
		if j.Status == status {
			matched = append(matched, j)
		}
	}
	sort.Slice(matched, func(a, b int) bool { return matched[a].Seq < matched[b].Seq })

	if offset >= len(matched) {
		return nil, nil
	}
	matched = matched[offset:]
	if limit > 0 && limit < len(matched) {
		matched = matched[:limit]
	}

	out := make([]*core.Job, len(matched))
	for i, j := range matched {
		out[i] = cloneJob(j)
	}
	return out, nil
}

func (s *MemoryStore) Counts(ctx context.Context) (core.QueueStats, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	stats := core.QueueStats{Paused: s.paused}
	for _, j := range s.jobs {
		switch j.Status {
		case core.StatusWaiting:
			stats.Waiting++
		case core.StatusActive:
			stats.Active++
		case core.StatusCompleted:
			stats.Completed++
		case core.StatusFailed:
			stats.Failed++
		case core.StatusDelayed:
			stats.Delayed++
		}
	}
	return stats, nil
}

func (s *MemoryStore) SetPaused(ctx context.Context, paused bool) error {
	s.mu.Lock()
	s.paused = paused
	s.mu.Unlock()
	return nil
}

func (s *MemoryStore) Paused(ctx context.Context) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.paused, nil
}

func (s *MemoryStore) Drain(ctx context.Context, includeDelayed bool) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	removed := 0
	for k, j := range s.jobs {
		if j.Status == core.StatusWaiting || (includeDelayed && j.Status == core.StatusDelayed) {
			delete(s.jobs, k)
			removed++
		}
	}
	return removed, nil
}

func (s *MemoryStore) Clean(ctx context.Context, status core.JobStatus, olderThan time.Duration, limit int) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	cutoff := time.Now().Add(-olderThan)
	candidates := s.terminalOldestFirstLocked(status)

	var removed []string
	for _, j := range candidates {
		if limit > 0 && len(removed) >= limit {
			break
		}
		if j.FinishedAt != nil && j.FinishedAt.Before(cutoff) {
			delete(s.jobs, j.Key())
			removed = append(removed, j.Key())
		}
	}
	return removed, nil
}

func (s *MemoryStore) TrimTerminal(ctx context.Context, status core.JobStatus, keep int) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	candidates := s.terminalOldestFirstLocked(status)
	if len(candidates) <= keep {
		return nil, nil
	}

	var removed []string
	for _, j := range candidates[:len(candidates)-keep] {
		delete(s.jobs, j.Key())
		removed = append(removed, j.Key())
	}
	return removed, nil
}

func (s *MemoryStore) terminalOldestFirstLocked(status core.JobStatus) []*core.Job {
	var matched []*core.Job
	for _, j := range s.jobs {
		if j.Status == status {
			matched = append(matched, j)
		}
	}
	sort.Slice(matched, func(a, b int) bool {
		ta, tb := matched[a].FinishedAt, matched[b].FinishedAt
		if ta == nil || tb == nil {
			return tb != nil
		}
		return ta.Before(*tb)
	})
	return matched
}

func (s *MemoryStore) Publish(ctx context.Context, ev core.Event) error {
	s.events.publish(ev)
	return nil
}

func (s *MemoryStore) Subscribe(ctx context.Context) (<-chan core.Event, func(), error) {
	ch, cancel := s.events.subscribe()
	return ch, cancel, nil
}

func cloneJob(j *core.Job) *core.Job {
	c := *j
	c.Config = maps.Clone(j.Config)
	c.DependencyOutputs = maps.Clone(j.DependencyOutputs)
	c.Metadata = maps.Clone(j.Metadata)
	c.RequiredCapabilities = slices.Clone(j.RequiredCapabilities)
	if j.StartedAt != nil {
		t := *j.StartedAt
		c.StartedAt = &t
	}
	if j.FinishedAt != nil {
		t := *j.FinishedAt
		c.FinishedAt = &t
	}
	if j.RunAt != nil {
		t := *j.RunAt
		c.RunAt = &t
	}
	if j.LeaseExpiresAt != nil {
		t := *j.LeaseExpiresAt
		c.LeaseExpiresAt = &t
	}
	if j.Result != nil {
		r := *j.Result
		r.Output = maps.Clone(j.Result.Output)
		r.Logs = slices.Clone(j.Result.Logs)
		r.ResourceUsage = maps.Clone(j.Result.ResourceUsage)
		c.Result = &r
	}
	return &c
}
