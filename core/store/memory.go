package store

import (
	"context"
	"sort"
	"sync"

	"github.com/flowgraph/flowcore/core/event"
)

// MemoryDurable is an in-memory Durable backend for tests and development.
//
// It honors the same contract as the database backends (upsert on Save,
// ErrNotFound on unknown IDs, createdAt-descending List) but loses its
// contents when the process exits.
type MemoryDurable struct {
	mu      sync.RWMutex
	records map[string]Record
	closed  bool
}

// NewMemoryDurable creates an empty MemoryDurable.
func NewMemoryDurable() *MemoryDurable {
	return &MemoryDurable{records: make(map[string]Record)}
}

// Save implements Durable.
func (m *MemoryDurable) Save(_ context.Context, rec Record) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return errDurableClosed
	}

	m.records[rec.ID] = cloneRecord(rec)
	return nil
}

// Get implements Durable.
func (m *MemoryDurable) Get(_ context.Context, id string) (Record, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if m.closed {
		return Record{}, errDurableClosed
	}

	rec, ok := m.records[id]
	if !ok {
		return Record{}, ErrNotFound
	}
	return cloneRecord(rec), nil
}

// Delete implements Durable. Deleting an unknown ID is a no-op.
func (m *MemoryDurable) Delete(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return errDurableClosed
	}

	delete(m.records, id)
	return nil
}

// List implements Durable.
func (m *MemoryDurable) List(_ context.Context, limit int) ([]Record, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if m.closed {
		return nil, errDurableClosed
	}

	out := make([]Record, 0, len(m.records))
	for _, rec := range m.records {
		out = append(out, cloneRecord(rec))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })

	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// Close implements Durable. Double-close is a no-op.
func (m *MemoryDurable) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = true
	return nil
}

// cloneRecord copies the slices a caller could otherwise mutate in place.
func cloneRecord(rec Record) Record {
	out := rec
	if rec.ChildIDs != nil {
		out.ChildIDs = append([]string(nil), rec.ChildIDs...)
	}
	if rec.FlowData != nil {
		out.FlowData = append([]byte(nil), rec.FlowData...)
	}
	if rec.ExternalEvents != nil {
		out.ExternalEvents = append([]event.External(nil), rec.ExternalEvents...)
	}
	return out
}
