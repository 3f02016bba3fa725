// Package bus implements the fan-out bus: a bounded broadcast channel that
// delivers every published SecurityEvent to every currently-registered
// subscriber, each with its own cursor, following a lagging-consumer
// drop-and-signal policy (spec.md §4.F).
//
// No library in the retrieval pack provides a generic multi-subscriber
// broadcast primitive with per-subscriber lag detection (see DESIGN.md for
// the full account); this is a new component grounded in shape on
// internal/server/websocket/broadcaster.go's register/unregister/
// non-blocking-send idiom, but backed by a fixed-size ring buffer plus a
// monotonic sequence counter — the same technique tokio::sync::broadcast (the
// primitive this component stands in for) uses internally — so that a lagged
// subscriber can be told so explicitly rather than silently resuming at an
// arbitrary point.
package bus

import (
	"errors"
	"log/slog"
	"sync"

	"github.com/soulvice/secmon/internal/monitor"
)

// Capacity is the fixed ring buffer size specified by spec.md §4.F.
const Capacity = 1000

// ErrLagged is returned by Subscription.Recv when the subscriber fell more
// than Capacity events behind the head and some events were dropped for it.
// The subscriber's cursor is advanced to the oldest still-available event so
// that a subsequent Recv succeeds.
var ErrLagged = errors.New("bus: subscriber lagged, events dropped")

// ErrClosed is returned once the bus has been closed and the subscriber has
// drained every event published before closure.
var ErrClosed = errors.New("bus: closed")

// slot holds one published event plus the sequence number it occupies.
type slot struct {
	seq   uint64
	event monitor.SecurityEvent
	valid bool
}

// Bus is a bounded, multi-subscriber broadcast channel of SecurityEvents.
// The zero value is not usable; construct with New.
type Bus struct {
	logger *slog.Logger

	mu     sync.Mutex
	cond   *sync.Cond
	ring   [Capacity]slot
	head   uint64 // sequence number of the next event to be written
	closed bool

	subs map[int]*Subscription
	next int
}

// New creates an empty Bus.
func New(logger *slog.Logger) *Bus {
	b := &Bus{
		logger: logger,
		subs:   make(map[int]*Subscription),
	}
	b.cond = sync.NewCond(&b.mu)
	return b
}

// Publish appends event to the ring buffer and wakes any subscriber blocked
// in Recv. Publish never blocks: the bus unconditionally overwrites the
// oldest slot once the ring is full, which is how lag is detected (a
// subscriber whose cursor still points at an overwritten slot receives
// ErrLagged on its next Recv).
func (b *Bus) Publish(event monitor.SecurityEvent) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	b.ring[b.head%Capacity] = slot{seq: b.head, event: event, valid: true}
	b.head++
	b.cond.Broadcast()
}

// Close marks the bus closed. Subscribers observe ErrClosed once they have
// drained every event published before Close was called, matching spec.md
// §4.F's "when all senders are dropped subscribers observe channel closure
// and terminate cleanly."
func (b *Bus) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	b.closed = true
	b.cond.Broadcast()
}

// Subscription is one subscriber's independent cursor over the bus.
type Subscription struct {
	b       *Bus
	id      int
	cursor  uint64 // sequence number of the next event this subscriber wants
	stopped bool
}

// Subscribe registers a new subscriber whose cursor starts at the current
// head, so it observes only events published after Subscribe returns — the
// "listen" mode semantics of spec.md §4.G. Use SubscribeReplay for the
// "monitor" mode, which replays everything still buffered.
func (b *Bus) Subscribe() *Subscription {
	b.mu.Lock()
	defer b.mu.Unlock()
	sub := &Subscription{b: b, id: b.next, cursor: b.head}
	b.subs[b.next] = sub
	b.next++
	return sub
}

// SubscribeReplay registers a new subscriber whose cursor starts at the
// oldest event still held in the ring (sequence 0 until the ring has
// wrapped, which is the head when nothing has been published yet),
// implementing the "monitor" mode's buffered replay
// (spec.md §4.G).
func (b *Bus) SubscribeReplay() *Subscription {
	b.mu.Lock()
	defer b.mu.Unlock()
	oldest := uint64(0)
	if b.head > Capacity {
		oldest = b.head - Capacity
	}
	sub := &Subscription{b: b, id: b.next, cursor: oldest}
	b.subs[b.next] = sub
	b.next++
	return sub
}

// Unsubscribe releases a subscription and unblocks any goroutine currently
// parked in Recv for it. It is safe to call multiple times.
func (b *Bus) Unsubscribe(sub *Subscription) {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.subs, sub.id)
	sub.stopped = true
	b.cond.Broadcast()
}

// Recv blocks until an event is available for this subscriber, the bus is
// closed, or the subscriber has lagged. On ErrLagged the cursor is advanced
// past the dropped range so the next call to Recv succeeds normally.
func (s *Subscription) Recv() (monitor.SecurityEvent, error) {
	b := s.b
	b.mu.Lock()
	defer b.mu.Unlock()

	for {
		if s.stopped {
			return monitor.SecurityEvent{}, ErrClosed
		}

		oldestAvailable := uint64(0)
		if b.head > Capacity {
			oldestAvailable = b.head - Capacity
		}
		if s.cursor < oldestAvailable {
			dropped := oldestAvailable - s.cursor
			s.cursor = oldestAvailable
			b.logger.Warn("bus: subscriber lagged, events dropped",
				"dropped", dropped, "subscriber_id", s.id)
			return monitor.SecurityEvent{}, ErrLagged
		}

		if s.cursor < b.head {
			sl := b.ring[s.cursor%Capacity]
			s.cursor++
			if sl.valid {
				return sl.event, nil
			}
			continue
		}

		if b.closed {
			return monitor.SecurityEvent{}, ErrClosed
		}

		b.cond.Wait()
	}
}

// SubscriberCount returns the number of currently registered subscribers.
// Exposed for tests and diagnostics.
func (b *Bus) SubscriberCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.subs)
}
