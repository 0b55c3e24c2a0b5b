// Package worker provides the job processing runtime: handler dispatch,
// lease enforcement, delayed promotion, retention trimming and recurring
// submission.
package worker

import (
	"log/slog"
	"time"

	"github.com/canfieldjuan/dispatchq/pkg/security"
)

// Config holds worker runtime settings.
type Config struct {
	WorkerID     string
	Capabilities []string
	Concurrency  int
	PollInterval time.Duration

	// Maintenance loops. Zero intervals take defaults; a negative interval
	// disables the loop.
	ReapInterval    time.Duration
	PromoteInterval time.Duration
	RetainInterval  time.Duration
	KeepCompleted   int
	KeepFailed      int

	EnableScheduler bool
	Logger          *slog.Logger
}

// Option configures a Worker.
type Option interface {
	applyWorker(*Config)
}

type optionFunc func(*Config)

func (f optionFunc) applyWorker(c *Config) { f(c) }

// WithWorkerID sets the worker identity reported on claimed jobs.
func WithWorkerID(id string) Option {
	return optionFunc(func(c *Config) {
		if id != "" {
			c.WorkerID = id
		}
	})
}

// WithCapabilities advertises what this worker can run; it only claims jobs
// whose required capabilities are a subset.
func WithCapabilities(caps ...string) Option {
	return optionFunc(func(c *Config) {
		c.Capabilities = caps
	})
}

// Concurrency sets how many jobs run at once, clamped to [1, MaxConcurrency].
func Concurrency(n int) Option {
	return optionFunc(func(c *Config) {
		c.Concurrency = security.ClampConcurrency(n)
	})
}

// WithPollInterval sets the dequeue poll cadence.
func WithPollInterval(d time.Duration) Option {
	return optionFunc(func(c *Config) {
		if d > 0 {
			c.PollInterval = d
		}
	})
}

// WithRetention sets how many terminal records the cleaner keeps per state.
func WithRetention(keepCompleted, keepFailed int) Option {
	return optionFunc(func(c *Config) {
		if keepCompleted >= 0 {
			c.KeepCompleted = keepCompleted
		}
		if keepFailed >= 0 {
			c.KeepFailed = keepFailed
		}
	})
}

// WithScheduler enables the recurring-submission loop.
func WithScheduler(enabled bool) Option {
	return optionFunc(func(c *Config) {
		c.EnableScheduler = enabled
	})
}

// WithLogger sets the worker's logger.
func WithLogger(log *slog.Logger) Option {
	return optionFunc(func(c *Config) {
		if log != nil {
			c.Logger = log
		}
	})
}

// WithMaintenanceIntervals tunes the reaper, promoter and retention loops.
// Negative values disable the corresponding loop.
func WithMaintenanceIntervals(reap, promote, retain time.Duration) Option {
	return optionFunc(func(c *Config) {
		if reap != 0 {
			c.ReapInterval = reap
		}
		if promote != 0 {
			c.PromoteInterval = promote
		}
		if retain != 0 {
			c.RetainInterval = retain
		}
	})
}
