// Package fanout implements the Broadcast & Fan-out Fabric: a generic
// multi-producer, multi-consumer channel with a bounded ring buffer and
// lag-aware receivers, plus the process-wide Fabric that owns instance
// handles and the lifecycle/state/conversation channels built on top of it
// (spec.md §4.3). The broadcast primitive generalizes the
// sync.Cond-based broadcast-on-change pattern in
// zmb3-teleport/lib/srv/sessiontracker.go to N independently-lagging
// subscribers over a ring buffer, rather than a single condition variable.
package fanout

import "sync"

// Status distinguishes a Receiver's Next() outcomes.
type Status int

const (
	StatusOK Status = iota
	StatusLag
	StatusClosed
)

// Result is what Receiver.Next returns: either an event, a Lag count (the
// receiver fell behind and that many events were dropped), or Closed.
type Result[T any] struct {
	Status Status
	Event  T
	Lag    int
}

// Broadcaster is a multi-producer, multi-consumer fan-out channel with a
// bounded ring buffer. Every channel in the core (output, lifecycle, state,
// conversation) is this shape (spec.md §3).
type Broadcaster[T any] struct {
	mu      sync.Mutex
	cond    *sync.Cond
	buf     []T
	next    uint64 // sequence number of the next event to be written
	cap     int
	closed  bool
}

// NewBroadcaster creates a Broadcaster with a ring buffer of the given
// capacity. capacity must be >= 1.
func NewBroadcaster[T any](capacity int) *Broadcaster[T] {
	if capacity < 1 {
		capacity = 1
	}
	b := &Broadcaster[T]{buf: make([]T, capacity), cap: capacity}
	b.cond = sync.NewCond(&b.mu)
	return b
}

// Publish appends an event, overwriting the oldest slot once the ring is
// full, and wakes all waiting receivers. Publish order is preserved for
// every subscriber modulo drops reported as Lag (spec.md §5 ordering
// guarantees).
func (b *Broadcaster[T]) Publish(event T) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	b.buf[b.next%uint64(b.cap)] = event
	b.next++
	b.cond.Broadcast()
}

// Close marks the channel closed; all current and future receivers observe
// StatusClosed once they drain any buffered events.
func (b *Broadcaster[T]) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.closed = true
	b.cond.Broadcast()
}

// Subscribe returns a fresh Receiver positioned at the current head (it
// will only observe events published after this call).
func (b *Broadcaster[T]) Subscribe() *Receiver[T] {
	b.mu.Lock()
	defer b.mu.Unlock()
	return &Receiver[T]{b: b, pos: b.next}
}

// Receiver is one subscriber's read cursor over a Broadcaster.
type Receiver[T any] struct {
	b   *Broadcaster[T]
	pos uint64
}

// Next blocks until an event is available, the receiver has lagged past the
// ring buffer, or the channel closes. It never blocks across an external
// lock (spec.md §5: "holding a lock across a suspension point is
// forbidden" — the Broadcaster's own mutex is only ever held internally).
func (r *Receiver[T]) Next() Result[T] {
	b := r.b
	b.mu.Lock()
	defer b.mu.Unlock()

	for r.pos == b.next && !b.closed {
		b.cond.Wait()
	}

	if b.closed && r.pos == b.next {
		return Result[T]{Status: StatusClosed}
	}

	oldestAvailable := uint64(0)
	if b.next > uint64(b.cap) {
		oldestAvailable = b.next - uint64(b.cap)
	}
	if r.pos < oldestAvailable {
		lag := oldestAvailable - r.pos
		r.pos = oldestAvailable
		return Result[T]{Status: StatusLag, Lag: int(lag)}
	}

	ev := b.buf[r.pos%uint64(b.cap)]
	r.pos++
	return Result[T]{Status: StatusOK, Event: ev}
}

// Close is a no-op: a Receiver holds only a read cursor and no
// registration in its Broadcaster, so it can be dropped at any time.
func (r *Receiver[T]) Close() {}
