// Package monitor consumes queue lifecycle events and turns them into live
// counters, a re-broadcast stream for callers, and Prometheus metrics.
package monitor

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/canfieldjuan/dispatchq/pkg/core"
)

// Source is the slice of the queue surface the monitor needs.
type Source interface {
	Subscribe(ctx context.Context) (<-chan core.Event, func(), error)
	Stats(ctx context.Context) (core.QueueStats, error)
}

// Tally counts lifecycle events seen since the monitor started. It is a
// process-local view; authoritative depths come from Stats.
type Tally struct {
	Submitted int64
	Completed int64
	Failed    int64
	Retried   int64
	Cancelled int64
}

// Monitor watches one queue. Zero value is not usable; construct with New.
type Monitor struct {
	source  Source
	log     *slog.Logger
	metrics *Metrics
	refresh time.Duration

	mu    sync.Mutex
	tally Tally
	subs  map[chan core.Event]struct{}

	stop    func()
	stopped chan struct{}
}

// MonitorOption configures a Monitor.
type MonitorOption func(*Monitor)

// WithMonitorLogger sets the monitor's logger.
func WithMonitorLogger(log *slog.Logger) MonitorOption {
	return func(m *Monitor) {
		if log != nil {
			m.log = log
		}
	}
}

// WithMetrics attaches Prometheus instruments to the monitor.
func WithMetrics(metrics *Metrics) MonitorOption {
	return func(m *Monitor) { m.metrics = metrics }
}

// WithRefreshInterval sets how often depth gauges are refreshed from Stats.
func WithRefreshInterval(d time.Duration) MonitorOption {
	return func(m *Monitor) {
		if d > 0 {
			m.refresh = d
		}
	}
}

// New creates a Monitor on a queue.
func New(source Source, opts ...MonitorOption) *Monitor {
	m := &Monitor{
		source:  source,
		log:     slog.Default(),
		refresh: 10 * time.Second,
		subs:    make(map[chan core.Event]struct{}),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Start subscribes to the queue's event stream and begins updating counters
// and gauges. It returns once the subscription is live.
func (m *Monitor) Start(ctx context.Context) error {
	events, cancel, err := m.source.Subscribe(ctx)
	if err != nil {
		return err
	}

	runCtx, stop := context.WithCancel(context.Background())
	m.stop = func() {
		stop()
		cancel()
	}
	m.stopped = make(chan struct{})

	go m.run(runCtx, events)
	return nil
}

// Stop ends the watch loops. Safe to call more than once.
func (m *Monitor) Stop() {
	if m.stop == nil {
		return
	}
	m.stop()
	<-m.stopped
}

func (m *Monitor) run(ctx context.Context, events <-chan core.Event) {
	defer close(m.stopped)
	defer m.closeSubs()

	ticker := time.NewTicker(m.refresh)
	defer ticker.Stop()
	m.refreshDepths(ctx)

	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-events:
			if !ok {
				return
			}
			m.record(ev)
			m.broadcast(ev)
		case <-ticker.C:
			m.refreshDepths(ctx)
		}
	}
}

func (m *Monitor) record(ev core.Event) {
	m.mu.Lock()
	switch ev.Kind {
	case core.EventSubmitted:
		m.tally.Submitted++
	case core.EventCompleted:
		m.tally.Completed++
	case core.EventFailed:
		m.tally.Failed++
	case core.EventRetryScheduled:
		m.tally.Retried++
	case core.EventCancelled:
		m.tally.Cancelled++
	}
	m.mu.Unlock()

	m.metrics.observe(ev)
}

func (m *Monitor) refreshDepths(ctx context.Context) {
	stats, err := m.source.Stats(ctx)
	if err != nil {
		m.log.Warn("stats refresh failed", "err", err)
		return
	}
	m.metrics.setDepths(stats)
}

// Tally returns the counters accumulated since Start.
func (m *Monitor) Tally() Tally {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.tally
}

// Events returns a stream re-broadcasting every event the monitor sees, and
// a cancel function releasing it. Slow readers drop events rather than block
// the monitor.
func (m *Monitor) Events() (<-chan core.Event, func()) {
	ch := make(chan core.Event, 64)
	m.mu.Lock()
	m.subs[ch] = struct{}{}
	m.mu.Unlock()

	var once sync.Once
	cancel := func() {
		once.Do(func() {
			m.mu.Lock()
			if _, ok := m.subs[ch]; ok {
				delete(m.subs, ch)
				close(ch)
			}
			m.mu.Unlock()
		})
	}
	return ch, cancel
}

func (m *Monitor) broadcast(ev core.Event) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for ch := range m.subs {
		select {
		case ch <- ev:
		default:
		}
	}
}

func (m *Monitor) closeSubs() {
	m.mu.Lock()
	defer m.mu.Unlock()
	for ch := range m.subs {
		delete(m.subs, ch)
		close(ch)
	}
}
