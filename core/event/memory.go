package event

import (
	"context"
	"sync"
)

// MemorySink is an in-memory Sink for tests and development.
//
// Writes are idempotent on (executionID, index), matching the durable sinks.
// Data is lost when the process exits.
type MemorySink struct {
	mu     sync.RWMutex
	events map[string]map[int64]Event // executionID -> index -> event
	closed bool
}

// NewMemorySink creates an empty MemorySink.
func NewMemorySink() *MemorySink {
	return &MemorySink{events: make(map[string]map[int64]Event)}
}

// WriteEvents implements Sink. Duplicate indices are ignored.
func (m *MemorySink) WriteEvents(_ context.Context, executionID string, events []Event) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return errSinkClosed
	}

	byIndex, ok := m.events[executionID]
	if !ok {
		byIndex = make(map[int64]Event, len(events))
		m.events[executionID] = byIndex
	}

	for _, ev := range events {
		if _, exists := byIndex[ev.Index]; exists {
			continue
		}
		byIndex[ev.Index] = ev
	}
	return nil
}

// Events implements Sink.
func (m *MemorySink) Events(_ context.Context, executionID string, fromIndex int64, limit int) ([]Event, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if m.closed {
		return nil, errSinkClosed
	}

	byIndex := m.events[executionID]
	out := make([]Event, 0, len(byIndex))
	for idx, ev := range byIndex {
		if idx < fromIndex {
			continue
		}
		out = append(out, ev)
	}
	sortByIndex(out)

	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// DeleteEvents implements Sink.
func (m *MemorySink) DeleteEvents(_ context.Context, executionID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return errSinkClosed
	}

	delete(m.events, executionID)
	return nil
}

// Close implements Sink. Double-close is a no-op.
func (m *MemorySink) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = true
	return nil
}
