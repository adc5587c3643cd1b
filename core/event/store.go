package event

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"
)

// Default batching parameters for the Store.
const (
	DefaultBatchSize    = 50
	DefaultBatchTimeout = 100 * time.Millisecond
)

// Sink is the durable writer behind the batching Store.
//
// Writes must be idempotent on (executionID, event index): re-inserting an
// already-persisted index is ignored, not an error. Implementations are safe
// for concurrent use.
type Sink interface {
	// WriteEvents persists a batch of events for one execution.
	WriteEvents(ctx context.Context, executionID string, events []Event) error

	// Events returns persisted events for an execution in ascending index
	// order, starting at fromIndex. limit <= 0 means no limit.
	Events(ctx context.Context, executionID string, fromIndex int64, limit int) ([]Event, error)

	// DeleteEvents removes all persisted events for an execution.
	DeleteEvents(ctx context.Context, executionID string) error

	// Close releases sink resources.
	Close() error
}

// Store batches events per execution before handing them to a Sink.
//
// A batch flushes when it reaches the batch size or when the batch timeout
// elapses since the last append, whichever comes first. At most one flush per
// execution is in flight at a time; FlushAll fans out over execution keys in
// parallel.
//
// Durability is best-effort: when a sink write fails, the failing batch is
// re-prepended to the execution's pending batch and the error is surfaced to
// the caller, but the execution itself is never rolled back.
type Store struct {
	sink         Sink
	batchSize    int
	batchTimeout time.Duration

	mu      sync.Mutex
	batches map[string]*batch
}

// batch holds pending events for one execution. flushMu serializes flushes
// for the execution; the Store's mu only guards the map and the slices.
type batch struct {
	flushMu sync.Mutex
	events  []Event
	timer   *time.Timer
}

// StoreOption configures a Store.
type StoreOption func(*Store)

// WithBatchSize sets the number of events that triggers a flush.
func WithBatchSize(n int) StoreOption {
	return func(s *Store) {
		if n > 0 {
			s.batchSize = n
		}
	}
}

// WithBatchTimeout sets the idle interval after which a partial batch flushes.
func WithBatchTimeout(d time.Duration) StoreOption {
	return func(s *Store) {
		if d > 0 {
			s.batchTimeout = d
		}
	}
}

// NewStore creates a batching event store over the given sink.
func NewStore(sink Sink, opts ...StoreOption) *Store {
	s := &Store{
		sink:         sink,
		batchSize:    DefaultBatchSize,
		batchTimeout: DefaultBatchTimeout,
		batches:      make(map[string]*batch),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Append enqueues an event into the execution's pending batch.
//
// Append itself never blocks on the sink; a size-triggered flush runs on the
// caller's goroutine and its error is returned, while timeout-triggered
// flushes run in the background with errors dropped (the batch is retained
// for the next flush attempt either way).
func (s *Store) Append(ctx context.Context, executionID string, ev Event) error {
	s.mu.Lock()
	b, ok := s.batches[executionID]
	if !ok {
		b = &batch{}
		s.batches[executionID] = b
	}
	b.events = append(b.events, ev)
	full := len(b.events) >= s.batchSize

	if b.timer != nil {
		b.timer.Stop()
		b.timer = nil
	}
	if !full {
		b.timer = time.AfterFunc(s.batchTimeout, func() {
			// Timeout flush is best-effort; a failed batch stays pending.
			_ = s.Flush(context.Background(), executionID)
		})
	}
	s.mu.Unlock()

	if full {
		return s.Flush(ctx, executionID)
	}
	return nil
}

// Flush drains the pending batch for one execution into the sink.
func (s *Store) Flush(ctx context.Context, executionID string) error {
	s.mu.Lock()
	b, ok := s.batches[executionID]
	s.mu.Unlock()
	if !ok {
		return nil
	}

	// One flush per execution at a time.
	b.flushMu.Lock()
	defer b.flushMu.Unlock()

	s.mu.Lock()
	pending := b.events
	b.events = nil
	if b.timer != nil {
		b.timer.Stop()
		b.timer = nil
	}
	s.mu.Unlock()

	if len(pending) == 0 {
		return nil
	}

	if err := s.sink.WriteEvents(ctx, executionID, pending); err != nil {
		// Re-prepend so nothing is lost and ordering is preserved for the
		// next attempt.
		s.mu.Lock()
		b.events = append(pending, b.events...)
		s.mu.Unlock()
		return fmt.Errorf("failed to flush %d events for %s: %w", len(pending), executionID, err)
	}

	return nil
}

// FlushAll drains every pending batch, fanning out over executions in
// parallel. The first error encountered is returned after all flushes finish.
func (s *Store) FlushAll(ctx context.Context) error {
	s.mu.Lock()
	ids := make([]string, 0, len(s.batches))
	for id := range s.batches {
		ids = append(ids, id)
	}
	s.mu.Unlock()

	var wg sync.WaitGroup
	errs := make([]error, len(ids))
	for i, id := range ids {
		wg.Add(1)
		go func(i int, id string) {
			defer wg.Done()
			errs[i] = s.Flush(ctx, id)
		}(i, id)
	}
	wg.Wait()

	for _, err := range errs {
		if err != nil {
			return err
		}
	}
	return nil
}

// Events returns persisted events in ascending index order. Pending batched
// events are not visible until flushed.
func (s *Store) Events(ctx context.Context, executionID string, fromIndex int64, limit int) ([]Event, error) {
	return s.sink.Events(ctx, executionID, fromIndex, limit)
}

// DeleteEvents drops the pending batch and removes all persisted events for
// an execution.
func (s *Store) DeleteEvents(ctx context.Context, executionID string) error {
	s.mu.Lock()
	if b, ok := s.batches[executionID]; ok {
		if b.timer != nil {
			b.timer.Stop()
		}
		delete(s.batches, executionID)
	}
	s.mu.Unlock()

	return s.sink.DeleteEvents(ctx, executionID)
}

// Pending returns the number of unflushed events for an execution.
func (s *Store) Pending(executionID string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	if b, ok := s.batches[executionID]; ok {
		return len(b.events)
	}
	return 0
}

// Close flushes all pending batches and closes the sink.
func (s *Store) Close() error {
	flushErr := s.FlushAll(context.Background())
	if err := s.sink.Close(); err != nil {
		return err
	}
	return flushErr
}

// sortByIndex orders events ascending by index. Shared by sink
// implementations.
func sortByIndex(events []Event) {
	sort.Slice(events, func(i, j int) bool { return events[i].Index < events[j].Index })
}
