package eventbus

import (
	"errors"
	"sync"
	"time"
)

// maxReports bounds the retained outcome ring.
const maxReports = 1000

// ErrStopped is returned by Send after Stop.
var ErrStopped = errors.New("event bus stopped")

// LocalBackend is the default in-process backend: FIFO per event type,
// coalescing by associated id while an earlier copy is unacknowledged.
type LocalBackend struct {
	mu      sync.Mutex
	queues  map[EventType][]Event
	pending map[EventType]map[int64]struct{}
	notify  map[EventType]chan struct{}
	reports []Report
	stopped bool
	done    chan struct{}
}

// NewLocalBackend creates an empty LocalBackend.
func NewLocalBackend() *LocalBackend {
	return &LocalBackend{
		queues:  make(map[EventType][]Event),
		pending: make(map[EventType]map[int64]struct{}),
		notify:  make(map[EventType]chan struct{}),
		done:    make(chan struct{}),
	}
}

func (b *LocalBackend) signal(typ EventType) chan struct{} {
	ch, ok := b.notify[typ]
	if !ok {
		ch = make(chan struct{}, 1)
		b.notify[typ] = ch
	}
	return ch
}

// Send enqueues ev unless an event with the same type and associated id
// is already queued or in flight.
func (b *LocalBackend) Send(ev Event) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.stopped {
		return ErrStopped
	}

	ids, ok := b.pending[ev.Type]
	if !ok {
		ids = make(map[int64]struct{})
		b.pending[ev.Type] = ids
	}
	if _, dup := ids[ev.AssociatedID]; dup {
		return nil
	}
	ids[ev.AssociatedID] = struct{}{}
	b.queues[ev.Type] = append(b.queues[ev.Type], ev)

	select {
	case b.signal(ev.Type) <- struct{}{}:
	default:
	}
	return nil
}

// Get pops the oldest event of typ, waiting up to wait for an arrival.
func (b *LocalBackend) Get(typ EventType, wait time.Duration) (Event, bool) {
	deadline := time.Now().Add(wait)
	for {
		b.mu.Lock()
		if b.stopped {
			b.mu.Unlock()
			return Event{}, false
		}
		q := b.queues[typ]
		if len(q) > 0 {
			ev := q[0]
			b.queues[typ] = q[1:]
			b.mu.Unlock()
			return ev, true
		}
		ch := b.signal(typ)
		b.mu.Unlock()

		remaining := time.Until(deadline)
		if remaining <= 0 {
			return Event{}, false
		}
		timer := time.NewTimer(remaining)
		select {
		case <-ch:
			timer.Stop()
		case <-timer.C:
			return Event{}, false
		case <-b.done:
			timer.Stop()
			return Event{}, false
		}
	}
}

// Clean acknowledges ev, allowing the next event for the same entity to
// be enqueued.
func (b *LocalBackend) Clean(ev Event) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if ids, ok := b.pending[ev.Type]; ok {
		delete(ids, ev.AssociatedID)
	}
}

// Fail requeues ev with an incremented retry count. The pending mark is
// kept so duplicates still coalesce.
func (b *LocalBackend) Fail(ev Event) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.stopped {
		return
	}
	ev.RetryCount++
	b.queues[ev.Type] = append(b.queues[ev.Type], ev)
	select {
	case b.signal(ev.Type) <- struct{}{}:
	default:
	}
}

// Report appends r to the bounded outcome ring.
func (b *LocalBackend) Report(r Report) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.reports = append(b.reports, r)
	if len(b.reports) > maxReports {
		b.reports = b.reports[len(b.reports)-maxReports:]
	}
}

// Reports returns a copy of the retained outcome ring.
func (b *LocalBackend) Reports() []Report {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]Report, len(b.reports))
	copy(out, b.reports)
	return out
}

// Stop wakes all waiters and rejects further sends.
func (b *LocalBackend) Stop() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.stopped {
		return
	}
	b.stopped = true
	close(b.done)
}
