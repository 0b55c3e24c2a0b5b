// Package core provides the domain models and the store contract for dispatchq.
package core

import (
	"fmt"
	"time"
)

// JobStatus represents the current state of a job.
type JobStatus string

const (
	StatusWaiting   JobStatus = "waiting"
	StatusActive    JobStatus = "active"
	StatusCompleted JobStatus = "completed"
	StatusFailed    JobStatus = "failed"
	StatusDelayed   JobStatus = "delayed"

	// StatusPaused is a reported status, never stored: waiting and delayed
	// jobs are reported as paused while the queue-wide pause flag is set.
	StatusPaused JobStatus = "paused"

	// StatusNotFound is a reported status for jobs with no record.
	StatusNotFound JobStatus = "not-found"
)

// Terminal reports whether s is a final state.
func (s JobStatus) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed
}

// Priority bounds. 10 is the most urgent.
const (
	MinPriority = 1
	MaxPriority = 10
)

// JobKey builds the queue-wide unique key for a job.
func JobKey(executionID, jobID string) string {
	return executionID + "_" + jobID
}

// Job represents a unit of schedulable work.
type Job struct {
	// ExecutionID identifies the workflow/run this job belongs to. Opaque.
	ExecutionID string `json:"execution_id"`
	// JobID identifies the job within its execution.
	JobID string `json:"job_id"`
	// Type names the domain handler that should process the job. The queue
	// carries it through to the worker and never dispatches on it.
	Type string `json:"type"`

	Config            map[string]any `json:"config,omitempty"`
	DependencyOutputs map[string]any `json:"dependency_outputs,omitempty"`

	// Priority is 1-10, 10 most urgent. Equal priorities dequeue FIFO.
	Priority   int           `json:"priority"`
	MaxRetries int           `json:"max_retries"`
	Timeout    time.Duration `json:"timeout"`

	// RequiredCapabilities lists tags a worker must advertise to claim the job.
	RequiredCapabilities []string          `json:"required_capabilities,omitempty"`
	Metadata             map[string]string `json:"metadata,omitempty"`

	// Fields below are managed by the queue.
	Status      JobStatus  `json:"status"`
	Attempts    int        `json:"attempts"`
	Seq         uint64     `json:"seq"`
	SubmittedAt time.Time  `json:"submitted_at"`
	StartedAt   *time.Time `json:"started_at,omitempty"`
	FinishedAt  *time.Time `json:"finished_at,omitempty"`
	// RunAt is the earliest time a delayed job becomes eligible again.
	RunAt *time.Time `json:"run_at,omitempty"`
	// LeaseExpiresAt is when an active job is considered stalled.
	LeaseExpiresAt *time.Time `json:"lease_expires_at,omitempty"`
	LastError      string     `json:"last_error,omitempty"`
	Result         *JobResult `json:"result,omitempty"`
}

// Key returns the queue-wide unique key "{executionID}_{jobID}".
func (j *Job) Key() string {
	return JobKey(j.ExecutionID, j.JobID)
}

// Eligible reports whether the job's capability requirements are satisfied
// by the given worker capabilities.
func (j *Job) Eligible(capabilities []string) bool {
	return CapabilitiesSatisfy(capabilities, j.RequiredCapabilities)
}

// CapabilitiesSatisfy reports whether have covers every tag in want.
func CapabilitiesSatisfy(have, want []string) bool {
	for _, w := range want {
		found := false
		for _, h := range have {
			if h == w {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	return true
}

// JobResult holds the outcome of a job that reached a terminal state.
type JobResult struct {
	Success bool           `json:"success"`
	Output  map[string]any `json:"output,omitempty"`
	Error   string         `json:"error,omitempty"`
	Logs    []string       `json:"logs,omitempty"`

	WorkerID      string             `json:"worker_id,omitempty"`
	ExecutionTime time.Duration      `json:"execution_time,omitempty"`
	ResourceUsage map[string]float64 `json:"resource_usage,omitempty"`
}

// QueueStats is a point-in-time snapshot of queue depth per state.
type QueueStats struct {
	Waiting   int64 `json:"waiting"`
	Active    int64 `json:"active"`
	Completed int64 `json:"completed"`
	Failed    int64 `json:"failed"`
	Delayed   int64 `json:"delayed"`
	Paused    bool  `json:"paused"`
}

func (s QueueStats) String() string {
	return fmt.Sprintf("waiting=%d active=%d completed=%d failed=%d delayed=%d paused=%t",
		s.Waiting, s.Active, s.Completed, s.Failed, s.Delayed, s.Paused)
}
