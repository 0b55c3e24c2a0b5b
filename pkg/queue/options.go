package queue

import (
	"log/slog"
	"time"

	"github.com/canfieldjuan/dispatchq/pkg/core"
)

// Option configures a Queue.
type Option interface {
	apply(*Queue)
}

type optionFunc func(*Queue)

func (f optionFunc) apply(q *Queue) { f(q) }

// WithLogger sets the queue's logger. Defaults to slog.Default().
func WithLogger(log *slog.Logger) Option {
	return optionFunc(func(q *Queue) {
		if log != nil {
			q.log = log
		}
	})
}

// WithRetryPolicy overrides the retry/backoff policy applied when a job
// fails with attempts remaining.
func WithRetryPolicy(policy core.RetryPolicy) Option {
	return optionFunc(func(q *Queue) {
		q.retry = policy
	})
}

// WithPollInterval sets how often a blocking Dequeue re-checks the store.
func WithPollInterval(d time.Duration) Option {
	return optionFunc(func(q *Queue) {
		if d > 0 {
			q.poll = d
		}
	})
}

// WithDefaultPriority sets the priority assigned to submitted jobs that
// leave Priority zero. Defaults to 5.
func WithDefaultPriority(priority int) Option {
	return optionFunc(func(q *Queue) {
		if priority >= core.MinPriority && priority <= core.MaxPriority {
			q.defaultPriority = priority
		}
	})
}
