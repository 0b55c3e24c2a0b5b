package core

import "time"

// EventKind discriminates lifecycle events.
type EventKind string

const (
	EventSubmitted      EventKind = "submitted"
	EventStarted        EventKind = "started"
	EventCompleted      EventKind = "completed"
	EventFailed         EventKind = "failed"
	EventRetryScheduled EventKind = "retry_scheduled"
	EventCancelled      EventKind = "cancelled"
	EventPaused         EventKind = "paused"
	EventResumed        EventKind = "resumed"
	EventDrained        EventKind = "drained"
)

// Event is a lifecycle notification published through the store's pub/sub
// channel. It is a single flat struct rather than an interface hierarchy so
// adapters can carry it across process boundaries as JSON.
type Event struct {
	Kind   EventKind `json:"kind"`
	JobKey string    `json:"job_key,omitempty"`
	Type   string    `json:"type,omitempty"`
	Status JobStatus `json:"status,omitempty"`

	Attempt   int        `json:"attempt,omitempty"`
	Error     string     `json:"error,omitempty"`
	NextRunAt *time.Time `json:"next_run_at,omitempty"`

	// Removed counts drained entries for EventDrained.
	Removed int `json:"removed,omitempty"`

	Timestamp time.Time `json:"timestamp"`
}
