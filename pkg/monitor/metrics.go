package monitor

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/canfieldjuan/dispatchq/pkg/core"
)

// Metrics holds the Prometheus instruments for one queue.
type Metrics struct {
	submitted prometheus.Counter
	completed prometheus.Counter
	failed    prometheus.Counter
	retried   prometheus.Counter
	cancelled prometheus.Counter
	depth     *prometheus.GaugeVec
	paused    prometheus.Gauge
}

// NewMetrics registers the queue instruments on reg. Pass
// prometheus.DefaultRegisterer for the usual global registry.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)
	return &Metrics{
		submitted: factory.NewCounter(prometheus.CounterOpts{
			Name: "dispatchq_jobs_submitted_total",
			Help: "Jobs accepted into the queue.",
		}),
		completed: factory.NewCounter(prometheus.CounterOpts{
			Name: "dispatchq_jobs_completed_total",
			Help: "Jobs that finished successfully.",
		}),
		failed: factory.NewCounter(prometheus.CounterOpts{
			Name: "dispatchq_jobs_failed_total",
			Help: "Jobs that exhausted their retries.",
		}),
		retried: factory.NewCounter(prometheus.CounterOpts{
			Name: "dispatchq_jobs_retried_total",
			Help: "Retry attempts scheduled after a failure.",
		}),
		cancelled: factory.NewCounter(prometheus.CounterOpts{
			Name: "dispatchq_jobs_cancelled_total",
			Help: "Jobs cancelled before execution.",
		}),
		depth: factory.NewGaugeVec(prometheus.GaugeOpts{
			Name: "dispatchq_queue_depth",
			Help: "Jobs currently in each lifecycle state.",
		}, []string{"state"}),
		paused: factory.NewGauge(prometheus.GaugeOpts{
			Name: "dispatchq_queue_paused",
			Help: "1 while the queue is paused.",
		}),
	}
}

func (m *Metrics) observe(ev core.Event) {
	if m == nil {
		return
	}
	switch ev.Kind {
	case core.EventSubmitted:
		m.submitted.Inc()
	case core.EventCompleted:
		m.completed.Inc()
	case core.EventFailed:
		m.failed.Inc()
	case core.EventRetryScheduled:
		m.retried.Inc()
	case core.EventCancelled:
		m.cancelled.Inc()
	}
}

func (m *Metrics) setDepths(stats core.QueueStats) {
	if m == nil {
		return
	}
	m.depth.WithLabelValues(string(core.StatusWaiting)).Set(float64(stats.Waiting))
	m.depth.WithLabelValues(string(core.StatusActive)).Set(float64(stats.Active))
	m.depth.WithLabelValues(string(core.StatusCompleted)).Set(float64(stats.Completed))
	m.depth.WithLabelValues(string(core.StatusFailed)).Set(float64(stats.Failed))
	m.depth.WithLabelValues(string(core.StatusDelayed)).Set(float64(stats.Delayed))
	if stats.Paused {
		m.paused.Set(1)
	} else {
		m.paused.Set(0)
	}
}
