package storage

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"gorm.io/gorm"

	"github.com/canfieldjuan/dispatchq/pkg/core"
)

var _ core.Store = (*GormStore)(nil)

// GormStore implements core.Store on a relational database through GORM.
// Atomicity comes from wrapping every racy transition in a transaction with
// a status-guarded update. Events stay in-process; a SQL database has no
// pub/sub channel, so cross-process consumers should poll Counts instead.
type GormStore struct {
	db     *gorm.DB
	events *eventFanout
}

// NewGormStore creates a GORM-backed store.
func NewGormStore(db *gorm.DB) *GormStore {
	return &GormStore{db: db, events: newEventFanout()}
}

// jobRow is the adapter-owned persistence model. Opaque maps are serialized
// to JSON columns; core.Job stays free of storage tags.
type jobRow struct {
	Key         string `gorm:"primaryKey;size:511"`
	ExecutionID string `gorm:"size:255;not null"`
	JobID       string `gorm:"size:255;not null"`
	Type        string `gorm:"index;size:255;not null"`

	Config            []byte
	DependencyOutputs []byte
	Capabilities      []byte
	Metadata          []byte
	Result            []byte

	Priority   int   `gorm:"index;not null"`
	MaxRetries int   `gorm:"default:0"`
	TimeoutNS  int64 `gorm:"default:0"`

	Status   core.JobStatus `gorm:"index;size:20;not null"`
	Attempts int            `gorm:"default:0"`
	Seq      uint64         `gorm:"index;not null"`

	SubmittedAt    time.Time
	StartedAt      *time.Time
	FinishedAt     *time.Time `gorm:"index"`
	RunAt          *time.Time `gorm:"index"`
	LeaseExpiresAt *time.Time `gorm:"index"`
	LastError      string     `gorm:"type:text"`
}

func (jobRow) TableName() string { return "dispatch_jobs" }

// queueStateRow holds the queue-wide pause flag and the submission sequence
// counter. The counter lives here, not as MAX(seq) over jobs, so that
// concurrent producers serialize on the row lock instead of racing a
// read-then-write under read committed.
type queueStateRow struct {
	ID       uint   `gorm:"primaryKey"`
	Paused   bool   `gorm:"default:false"`
	Seq      uint64 `gorm:"default:0"`
	PausedAt *time.Time
}

func (queueStateRow) TableName() string { return "dispatch_queue_state" }

// Migrate creates the necessary tables and seeds the queue state row.
func (s *GormStore) Migrate(ctx context.Context) error {
	if err := s.db.WithContext(ctx).AutoMigrate(&jobRow{}, &queueStateRow{}); err != nil {
		return err
	}
	return s.db.WithContext(ctx).FirstOrCreate(&queueStateRow{}, queueStateRow{ID: 1}).Error
}

func (s *GormStore) Ping(ctx context.Context) error {
	db, err := s.db.WithContext(ctx).DB()
	if err != nil {
		return err
	}
	return db.PingContext(ctx)
}

func (s *GormStore) Close() error {
	s.events.closeAll()
	db, err := s.db.DB()
	if err != nil {
		return err
	}
	return db.Close()
}

func (s *GormStore) Insert(ctx context.Context, job *core.Job) (bool, error) {
	var inserted bool
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var err error
		inserted, err = insertTx(tx, job)
		return err
	})
	return inserted, err
}

func (s *GormStore) InsertBatch(ctx context.Context, jobs []*core.Job) ([]bool, error) {
	inserted := make([]bool, len(jobs))
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		for i, job := range jobs {
			ok, err := insertTx(tx, job)
			if err != nil {
				return err
			}
			inserted[i] = ok
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return inserted, nil
}

func insertTx(tx *gorm.DB, job *core.Job) (bool, error) {
	var existing jobRow
	err := tx.Where("key = ?", job.Key()).First(&existing).Error
	switch {
	case err == nil:
		if !existing.Status.Terminal() {
			return false, nil
		}
		// Terminal record with the same key: resubmission replaces it.
		if err := tx.Delete(&jobRow{}, "key = ?", job.Key()).Error; err != nil {
			return false, err
		}
	case errors.Is(err, gorm.ErrRecordNotFound):
	default:
		return false, err
	}

	seq, err := nextSeq(tx)
	if err != nil {
		return false, err
	}

	job.Status = core.StatusWaiting
	job.Seq = seq
	if job.SubmittedAt.IsZero() {
		job.SubmittedAt = time.Now()
	}

	row, err := toRow(job)
	if err != nil {
		return false, err
	}
	return true, tx.Create(row).Error
}

// nextSeq increments the state-row counter in place; the UPDATE takes a row
// lock, so two transactions can never be handed the same sequence number.
func nextSeq(tx *gorm.DB) (uint64, error) {
	res := tx.Model(&queueStateRow{}).
		Where("id = ?", 1).
		UpdateColumn("seq", gorm.Expr("seq + 1"))
	if res.Error != nil {
		return 0, res.Error
	}
	if res.RowsAffected == 0 {
		// State row missing (Migrate not run); seed it with the first seq.
		if err := tx.Create(&queueStateRow{ID: 1, Seq: 1}).Error; err != nil {
			return 0, err
		}
		return 1, nil
	}
	var state queueStateRow
	if err := tx.Where("id = ?", 1).First(&state).Error; err != nil {
		return 0, err
	}
	return state.Seq, nil
}

func (s *GormStore) Claim(ctx context.Context, workerID string, capabilities []string, now time.Time) (*core.Job, error) {
	var claimed *core.Job
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var state queueStateRow
		if err := tx.First(&state).Error; err != nil && !errors.Is(err, gorm.ErrRecordNotFound) {
			return err
		}
		if state.Paused {
			return core.ErrNoJob
		}

		// Candidates in dequeue order, fetched in bounded pages. Capability
		// subset matching happens in Go, so the pager must walk the whole
		// eligible set: an ineligible backlog at the head must never hide an
		// eligible job behind it.
		const window = 100
		for offset := 0; ; offset += window {
			var rows []jobRow
			err := tx.
				Where("status = ? OR (status = ? AND run_at <= ?)",
					core.StatusWaiting, core.StatusDelayed, now).
				Order("priority DESC, seq ASC").
				Offset(offset).
				Limit(window).
				Find(&rows).Error
			if err != nil {
				return err
			}
			if len(rows) == 0 {
				return core.ErrNoJob
			}

			for i := range rows {
				job, err := fromRow(&rows[i])
				if err != nil {
					return err
				}
				if !job.Eligible(capabilities) {
					continue
				}

				lease := now.Add(leaseFor(job))
				res := tx.Model(&jobRow{}).
					Where("key = ? AND status = ?", rows[i].Key, rows[i].Status).
					Updates(map[string]any{
						"status":           core.StatusActive,
						"started_at":       now,
						"run_at":           nil,
						"lease_expires_at": lease,
					})
				if res.Error != nil {
					return res.Error
				}
				if res.RowsAffected == 0 {
					continue // raced by another claim
				}

				job.Status = core.StatusActive
				started := now
				job.StartedAt = &started
				job.RunAt = nil
				job.LeaseExpiresAt = &lease
				job.Metadata = withWorkerID(job.Metadata, workerID)
				claimed = job
				return nil
			}
		}
	})
	if err != nil {
		return nil, err
	}
	return claimed, nil
}

func (s *GormStore) CompleteActive(ctx context.Context, key string, result *core.JobResult) (*core.Job, error) {
	resultJSON, err := json.Marshal(result)
	if err != nil {
		return nil, err
	}

	var job *core.Job
	err = s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		row, err := getRowTx(tx, key)
		if err != nil {
			return err
		}
		if row.Status != core.StatusActive {
			return &core.ErrStateConflict{Key: key, Observed: row.Status, Expected: core.StatusActive}
		}

		now := time.Now()
		res := tx.Model(&jobRow{}).
			Where("key = ? AND status = ?", key, core.StatusActive).
			Updates(map[string]any{
				"status":           core.StatusCompleted,
				"finished_at":      now,
				"lease_expires_at": nil,
				"result":           resultJSON,
			})
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			return &core.ErrStateConflict{Key: key, Observed: row.Status, Expected: core.StatusActive}
		}

		job, err = fromRow(row)
		if err != nil {
			return err
		}
		job.Status = core.StatusCompleted
		job.FinishedAt = &now
		job.LeaseExpiresAt = nil
		job.Result = result
		return nil
	})
	if err != nil {
		return nil, err
	}
	return job, nil
}

func (s *GormStore) FailActive(ctx context.Context, key string, errMsg string, policy core.RetryPolicy) (*core.FailOutcome, error) {
	var outcome *core.FailOutcome
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		row, err := getRowTx(tx, key)
		if err != nil {
			return err
		}
		if row.Status != core.StatusActive {
			return &core.ErrStateConflict{Key: key, Observed: row.Status, Expected: core.StatusActive}
		}

		now := time.Now()
		job, err := fromRow(row)
		if err != nil {
			return err
		}
		job.LastError = errMsg
		job.LeaseExpiresAt = nil

		if row.Attempts < row.MaxRetries {
			ready := now.Add(policy.Delay(row.Attempts))
			res := tx.Model(&jobRow{}).
				Where("key = ? AND status = ?", key, core.StatusActive).
				Updates(map[string]any{
					"status":           core.StatusDelayed,
					"attempts":         row.Attempts + 1,
					"run_at":           ready,
					"last_error":       errMsg,
					"lease_expires_at": nil,
				})
			if err := guardUpdate(res, key, row.Status); err != nil {
				return err
			}

			job.Status = core.StatusDelayed
			job.Attempts = row.Attempts + 1
			job.RunAt = &ready
			outcome = &core.FailOutcome{Attempt: job.Attempts, NextRunAt: ready, Job: job}
			return nil
		}

		failResult := &core.JobResult{Success: false, Error: errMsg}
		resultJSON, err := json.Marshal(failResult)
		if err != nil {
			return err
		}
		res := tx.Model(&jobRow{}).
			Where("key = ? AND status = ?", key, core.StatusActive).
			Updates(map[string]any{
				"status":           core.StatusFailed,
				"finished_at":      now,
				"last_error":       errMsg,
				"lease_expires_at": nil,
				"result":           resultJSON,
			})
		if err := guardUpdate(res, key, row.Status); err != nil {
			return err
		}

		job.Status = core.StatusFailed
		job.FinishedAt = &now
		job.Result = failResult
		outcome = &core.FailOutcome{Terminal: true, Attempt: row.Attempts, Job: job}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return outcome, nil
}

func guardUpdate(res *gorm.DB, key string, observed core.JobStatus) error {
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return &core.ErrStateConflict{Key: key, Observed: observed, Expected: core.StatusActive}
	}
	return nil
}

func (s *GormStore) PromoteDue(ctx context.Context, now time.Time) (int, error) {
	promoted := 0
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var rows []jobRow
		err := tx.
			Where("status = ? AND run_at <= ?", core.StatusDelayed, now).
			Order("run_at ASC").
			Find(&rows).Error
		if err != nil {
			return err
		}

		for i := range rows {
			seq, err := nextSeq(tx)
			if err != nil {
				return err
			}
			res := tx.Model(&jobRow{}).
				Where("key = ? AND status = ?", rows[i].Key, core.StatusDelayed).
				Updates(map[string]any{
					"status": core.StatusWaiting,
					"seq":    seq,
					"run_at": nil,
				})
			if res.Error != nil {
				return res.Error
			}
			promoted += int(res.RowsAffected)
		}
		return nil
	})
	return promoted, err
}

func (s *GormStore) ExpiredActive(ctx context.Context, now time.Time) ([]string, error) {
	var keys []string
	err := s.db.WithContext(ctx).Model(&jobRow{}).
		Where("status = ? AND lease_expires_at IS NOT NULL AND lease_expires_at < ?", core.StatusActive, now).
		Pluck("key", &keys).Error
	return keys, err
}

func (s *GormStore) Remove(ctx context.Context, key string) (*core.Job, error) {
	var job *core.Job
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		row, err := getRowTx(tx, key)
		if err != nil {
			return err
		}
		if row.Status != core.StatusWaiting && row.Status != core.StatusDelayed {
			return &core.ErrStateConflict{Key: key, Observed: row.Status, Expected: core.StatusWaiting}
		}

		res := tx.Where("key = ? AND status = ?", key, row.Status).Delete(&jobRow{})
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			return &core.ErrStateConflict{Key: key, Observed: row.Status, Expected: core.StatusWaiting}
		}
		job, err = fromRow(row)
		return err
	})
	if err != nil {
		return nil, err
	}
	return job, nil
}

func (s *GormStore) RequeueFailed(ctx context.Context, key string) (*core.Job, error) {
	var job *core.Job
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		row, err := getRowTx(tx, key)
		if err != nil {
			return err
		}
		if row.Status != core.StatusFailed {
			return &core.ErrStateConflict{Key: key, Observed: row.Status, Expected: core.StatusFailed}
		}

		seq, err := nextSeq(tx)
		if err != nil {
			return err
		}
		res := tx.Model(&jobRow{}).
			Where("key = ? AND status = ?", key, core.StatusFailed).
			Updates(map[string]any{
				"status":      core.StatusWaiting,
				"seq":         seq,
				"run_at":      nil,
				"finished_at": nil,
				"result":      nil,
			})
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			return &core.ErrStateConflict{Key: key, Observed: row.Status, Expected: core.StatusFailed}
		}

		job, err = fromRow(row)
		if err != nil {
			return err
		}
		job.Status = core.StatusWaiting
		job.Seq = seq
		job.FinishedAt = nil
		job.Result = nil
		return nil
	})
	if err != nil {
		return nil, err
	}
	return job, nil
}

func (s *GormStore) Get(ctx context.Context, key string) (*core.Job, error) {
	var row jobRow
	err := s.db.WithContext(ctx).Where("key = ?", key).First(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, core.ErrJobNotFound
	}
	if err != nil {
		return nil, err
	}
	return fromRow(&row)
}

func (s *GormStore) ListByStatus(ctx context.Context, status core.JobStatus, offset, limit int) ([]*core.Job, error) {
	var rows []jobRow
	q := s.db.WithContext(ctx).
		Where("status = ?", status).
		Order("seq ASC").
		Offset(offset)
	if limit > 0 {
		q = q.Limit(limit)
	}
	if err := q.Find(&rows).Error; err != nil {
		return nil, err
	}

	jobs := make([]*core.Job, 0, len(rows))
	for i := range rows {
		job, err := fromRow(&rows[i])
		if err != nil {
			return nil, err
		}
		jobs = append(jobs, job)
	}
	return jobs, nil
}

func (s *GormStore) Counts(ctx context.Context) (core.QueueStats, error) {
	type statusCount struct {
		Status core.JobStatus
		N      int64
	}
	var counts []statusCount
	err := s.db.WithContext(ctx).Model(&jobRow{}).
		Select("status, count(*) as n").
		Group("status").
		Scan(&counts).Error
	if err != nil {
		return core.QueueStats{}, err
	}

	stats := core.QueueStats{}
	for _, c := range counts {
		switch c.Status {
		case core.StatusWaiting:
			stats.Waiting = c.N
		case core.StatusActive:
			stats.Active = c.N
		case core.StatusCompleted:
			stats.Completed = c.N
		case core.StatusFailed:
			stats.Failed = c.N
		case core.StatusDelayed:
			stats.Delayed = c.N
		}
	}

	paused, err := s.Paused(ctx)
	if err != nil {
		return core.QueueStats{}, err
	}
	stats.Paused = paused
	return stats, nil
}

func (s *GormStore) SetPaused(ctx context.Context, paused bool) error {
	var pausedAt *time.Time
	if paused {
		now := time.Now()
		pausedAt = &now
	}
	// Update only the pause columns; a full-row Save could write back a
	// stale seq counter.
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		res := tx.Model(&queueStateRow{}).
			Where("id = ?", 1).
			Updates(map[string]any{"paused": paused, "paused_at": pausedAt})
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			return tx.Create(&queueStateRow{ID: 1, Paused: paused, PausedAt: pausedAt}).Error
		}
		return nil
	})
}

func (s *GormStore) Paused(ctx context.Context) (bool, error) {
	var state queueStateRow
	err := s.db.WithContext(ctx).First(&state).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return state.Paused, nil
}

func (s *GormStore) Drain(ctx context.Context, includeDelayed bool) (int, error) {
	statuses := []core.JobStatus{core.StatusWaiting}
	if includeDelayed {
		statuses = append(statuses, core.StatusDelayed)
	}
	res := s.db.WithContext(ctx).Where("status IN ?", statuses).Delete(&jobRow{})
	return int(res.RowsAffected), res.Error
}

func (s *GormStore) Clean(ctx context.Context, status core.JobStatus, olderThan time.Duration, limit int) ([]string, error) {
	cutoff := time.Now().Add(-olderThan)

	var keys []string
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		q := tx.Model(&jobRow{}).
			Where("status = ? AND finished_at IS NOT NULL AND finished_at < ?", status, cutoff).
			Order("finished_at ASC")
		if limit > 0 {
			q = q.Limit(limit)
		}
		if err := q.Pluck("key", &keys).Error; err != nil {
			return err
		}
		if len(keys) == 0 {
			return nil
		}
		return tx.Where("key IN ?", keys).Delete(&jobRow{}).Error
	})
	if err != nil {
		return nil, err
	}
	return keys, nil
}

func (s *GormStore) TrimTerminal(ctx context.Context, status core.JobStatus, keep int) ([]string, error) {
	var keys []string
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var total int64
		if err := tx.Model(&jobRow{}).Where("status = ?", status).Count(&total).Error; err != nil {
			return err
		}
		excess := int(total) - keep
		if excess <= 0 {
			return nil
		}

		err := tx.Model(&jobRow{}).
			Where("status = ?", status).
			Order("finished_at ASC").
			Limit(excess).
			Pluck("key", &keys).Error
		if err != nil {
			return err
		}
		if len(keys) == 0 {
			return nil
		}
		return tx.Where("key IN ?", keys).Delete(&jobRow{}).Error
	})
	if err != nil {
		return nil, err
	}
	return keys, nil
}

func (s *GormStore) Publish(ctx context.Context, ev core.Event) error {
	s.events.publish(ev)
	return nil
}

func (s *GormStore) Subscribe(ctx context.Context) (<-chan core.Event, func(), error) {
	ch, cancel := s.events.subscribe()
	return ch, cancel, nil
}

func getRowTx(tx *gorm.DB, key string) (*jobRow, error) {
	var row jobRow
	err := tx.Where("key = ?", key).First(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, core.ErrJobNotFound
	}
	if err != nil {
		return nil, err
	}
	return &row, nil
}

func toRow(job *core.Job) (*jobRow, error) {
	row := &jobRow{
		Key:         job.Key(),
		ExecutionID: job.ExecutionID,
		JobID:       job.JobID,
		Type:        job.Type,
		Priority:    job.Priority,
		MaxRetries:  job.MaxRetries,
		TimeoutNS:   int64(job.Timeout),
		Status:      job.Status,
		Attempts:    job.Attempts,
		Seq:         job.Seq,
		SubmittedAt: job.SubmittedAt,
		StartedAt:   job.StartedAt,
		FinishedAt:  job.FinishedAt,
		RunAt:       job.RunAt,
		LastError:   job.LastError,

		LeaseExpiresAt: job.LeaseExpiresAt,
	}

	var err error
	if row.Config, err = marshalOrNil(job.Config); err != nil {
		return nil, err
	}
	if row.DependencyOutputs, err = marshalOrNil(job.DependencyOutputs); err != nil {
		return nil, err
	}
	if row.Capabilities, err = marshalOrNil(job.RequiredCapabilities); err != nil {
		return nil, err
	}
	if row.Metadata, err = marshalOrNil(job.Metadata); err != nil {
		return nil, err
	}
	if row.Result, err = marshalOrNil(job.Result); err != nil {
		return nil, err
	}
	return row, nil
}

func fromRow(row *jobRow) (*core.Job, error) {
	job := &core.Job{
		ExecutionID: row.ExecutionID,
		JobID:       row.JobID,
		Type:        row.Type,
		Priority:    row.Priority,
		MaxRetries:  row.MaxRetries,
		Timeout:     time.Duration(row.TimeoutNS),
		Status:      row.Status,
		Attempts:    row.Attempts,
		Seq:         row.Seq,
		SubmittedAt: row.SubmittedAt,
		StartedAt:   row.StartedAt,
		FinishedAt:  row.FinishedAt,
		RunAt:       row.RunAt,
		LastError:   row.LastError,

		LeaseExpiresAt: row.LeaseExpiresAt,
	}

	if err := unmarshalOrNil(row.Config, &job.Config); err != nil {
		return nil, err
	}
	if err := unmarshalOrNil(row.DependencyOutputs, &job.DependencyOutputs); err != nil {
		return nil, err
	}
	if err := unmarshalOrNil(row.Capabilities, &job.RequiredCapabilities); err != nil {
		return nil, err
	}
	if err := unmarshalOrNil(row.Metadata, &job.Metadata); err != nil {
		return nil, err
	}
	if err := unmarshalOrNil(row.Result, &job.Result); err != nil {
		return nil, err
	}
	return job, nil
}

func marshalOrNil(v any) ([]byte, error) {
	if v == nil {
		return nil, nil
	}
	return json.Marshal(v)
}

func unmarshalOrNil(b []byte, dst any) error {
	if len(b) == 0 {
		return nil
	}
	return json.Unmarshal(b, dst)
}
