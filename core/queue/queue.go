// Package queue provides the bounded, ordered, multi-subscriber event
// fan-out for a single execution.
//
// One Queue exists per execution, owned by the execution service and
// lifetimed with the execution. The engine and the service publish into it;
// any number of subscribers read from it through iterators.
package queue

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/flowgraph/flowcore/core/event"
	"github.com/flowgraph/flowcore/core/ident"
)

// DefaultCapacity is the per-subscriber buffer capacity for general
// executions. Child executions use a smaller buffer (see the service).
const DefaultCapacity = 200

// ErrClosed is returned by Publish after the queue has been closed.
var ErrClosed = errors.New("event queue is closed")

// Queue is a bounded multi-subscriber fan-out of ordered events for one
// execution.
//
// Ordering: Publish assigns a monotonically increasing index under the queue
// lock and pushes to every subscriber before returning, so each subscriber
// observes events in publish order with no gaps relative to later events.
// Subscribers attached after an event was published do not receive it;
// history lives in the event store.
//
// Overflow policy: when a subscriber's buffer is full, the oldest buffered
// non-terminal event for that subscriber is dropped to make room. Terminal
// lifecycle events (flow.completed / flow.failed / flow.cancelled) are never
// dropped; if a buffer holds only terminal events it grows past capacity
// instead. Publish therefore never blocks the engine behind a slow reader.
type Queue struct {
	mu        sync.Mutex
	capacity  int
	nextIndex int64
	subs      map[*Iterator]struct{}
	closed    bool
	onClose   []func()
	now       func() time.Time
}

// Option configures a Queue.
type Option func(*Queue)

// WithCapacity sets the per-subscriber buffer capacity.
func WithCapacity(n int) Option {
	return func(q *Queue) {
		if n > 0 {
			q.capacity = n
		}
	}
}

// WithNow overrides the timestamp source (tests).
func WithNow(now func() time.Time) Option {
	return func(q *Queue) {
		if now != nil {
			q.now = now
		}
	}
}

// New creates an event queue.
func New(opts ...Option) *Queue {
	q := &Queue{
		capacity: DefaultCapacity,
		subs:     make(map[*Iterator]struct{}),
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(q)
	}
	return q
}

// Publish stamps the event with the next index (and an ID and timestamp when
// missing), fans it out to every subscriber, and returns the stamped event.
// It returns after the event is buffered for all subscribers; it does not
// wait for them to consume it.
func (q *Queue) Publish(ev event.Event) (event.Event, error) {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return event.Event{}, ErrClosed
	}

	ev.Index = q.nextIndex
	q.nextIndex++
	if ev.ID == "" {
		ev.ID = ident.NewEventID()
	}
	if ev.Timestamp.IsZero() {
		ev.Timestamp = q.now()
	}

	// Fan out under the queue lock so concurrent publishers cannot
	// interleave pushes out of index order. push only buffers; it never
	// waits on a consumer.
	for it := range q.subs {
		it.push(ev, q.capacity)
	}
	q.mu.Unlock()

	return ev, nil
}

// Subscribe attaches a new iterator observing every event published from this
// moment on. It receives no history. Subscribing to a closed queue returns an
// iterator that ends immediately.
func (q *Queue) Subscribe() *Iterator {
	it := &Iterator{notify: make(chan struct{}, 1)}

	q.mu.Lock()
	defer q.mu.Unlock()

	if q.closed {
		it.closed = true
		return it
	}

	q.subs[it] = struct{}{}
	it.q = q
	return it
}

// OnClose registers a callback invoked exactly once after Close.
func (q *Queue) OnClose(fn func()) {
	q.mu.Lock()
	if !q.closed {
		q.onClose = append(q.onClose, fn)
		q.mu.Unlock()
		return
	}
	q.mu.Unlock()

	// Queue already closed: honor the exactly-once contract by firing now.
	fn()
}

// Close closes the queue. Idempotent. Iterators drain their buffered events
// and then end; close callbacks run once, after subscribers are released.
func (q *Queue) Close() {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return
	}
	q.closed = true

	subs := make([]*Iterator, 0, len(q.subs))
	for it := range q.subs {
		subs = append(subs, it)
	}
	q.subs = make(map[*Iterator]struct{})

	callbacks := q.onClose
	q.onClose = nil
	q.mu.Unlock()

	for _, it := range subs {
		it.markClosed()
	}
	for _, fn := range callbacks {
		fn()
	}
}

// Closed reports whether the queue has been closed.
func (q *Queue) Closed() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.closed
}

// NextIndex returns the index the next published event will receive.
func (q *Queue) NextIndex() int64 {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.nextIndex
}

// Iterator is one subscriber's view of the queue: a lazy sequence of events
// in publish order. Safe for use by a single consuming goroutine.
type Iterator struct {
	q      *Queue
	mu     sync.Mutex
	buf    []event.Event
	closed bool
	notify chan struct{}
}

// push buffers an event, applying the overflow policy.
func (it *Iterator) push(ev event.Event, capacity int) {
	it.mu.Lock()
	if it.closed {
		it.mu.Unlock()
		return
	}

	if len(it.buf) >= capacity {
		// Drop the oldest non-terminal event. Terminal events are kept even
		// past capacity.
		for i, buffered := range it.buf {
			if !buffered.Type.Terminal() {
				it.buf = append(it.buf[:i], it.buf[i+1:]...)
				break
			}
		}
	}

	it.buf = append(it.buf, ev)
	it.mu.Unlock()

	select {
	case it.notify <- struct{}{}:
	default:
	}
}

// markClosed flags end-of-stream. Buffered events remain readable.
func (it *Iterator) markClosed() {
	it.mu.Lock()
	it.closed = true
	it.mu.Unlock()

	select {
	case it.notify <- struct{}{}:
	default:
	}
}

// Next blocks until an event is available, the stream ends, or the context is
// cancelled. The second return is false when the stream has ended (queue
// closed and buffer drained, or context cancelled).
func (it *Iterator) Next(ctx context.Context) (event.Event, bool) {
	for {
		it.mu.Lock()
		if len(it.buf) > 0 {
			ev := it.buf[0]
			it.buf = it.buf[1:]
			it.mu.Unlock()
			return ev, true
		}
		if it.closed {
			it.mu.Unlock()
			return event.Event{}, false
		}
		it.mu.Unlock()

		select {
		case <-ctx.Done():
			return event.Event{}, false
		case <-it.notify:
		}
	}
}

// Close detaches the iterator from the queue. Subsequent Next calls drain the
// buffer and then end.
func (it *Iterator) Close() {
	if it.q != nil {
		it.q.mu.Lock()
		delete(it.q.subs, it)
		it.q.mu.Unlock()
	}
	it.markClosed()
}
