package storage

import (
	"sync"

	"github.com/canfieldjuan/dispatchq/pkg/core"
)

// eventFanout distributes lifecycle events to in-process subscribers. The
// memory and GORM adapters use it in place of a store-native pub/sub channel;
// the Redis adapter publishes through Redis instead so events cross processes.
type eventFanout struct {
	mu   sync.Mutex
	subs map[chan core.Event]struct{}
}

func newEventFanout() *eventFanout {
	return &eventFanout{subs: make(map[chan core.Event]struct{})}
}

func (f *eventFanout) publish(ev core.Event) {
	f.mu.Lock()
	defer f.mu.Unlock()

	for ch := range f.subs {
		select {
		case ch <- ev:
		default:
			// Slow subscriber; drop rather than block a transition.
		}
	}
}

func (f *eventFanout) subscribe() (<-chan core.Event, func()) {
	ch := make(chan core.Event, 256)

	f.mu.Lock()
	f.subs[ch] = struct{}{}
	f.mu.Unlock()

	cancel := func() {
		f.mu.Lock()
		if _, ok := f.subs[ch]; ok {
			delete(f.subs, ch)
			close(ch)
		}
		f.mu.Unlock()
	}
	return ch, cancel
}

func (f *eventFanout) closeAll() {
	f.mu.Lock()
	for ch := range f.subs {
		close(ch)
		delete(f.subs, ch)
	}
	f.mu.Unlock()
}
