package store

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/flowgraph/flowcore/core/flow"
)

// Instance is the live-execution handle the hybrid store registers. The
// concrete type lives in the core package; the store only needs a metadata
// snapshot from it.
type Instance interface {
	// Record returns a consistent snapshot of the execution's metadata.
	Record() Record
}

// Hybrid combines an in-memory registry of live executions with a durable
// backend of terminal records.
//
// The registry is authoritative for anything it holds: a live instance keeps
// its engine, context, and flow object graph, which no durable record can
// represent. Reads are memory-first with durable fallback; List merges both
// views with memory winning on ID collisions.
//
// Type parameter T is the live instance handle.
type Hybrid[T Instance] struct {
	mu       sync.RWMutex
	live     map[string]T
	durable  Durable
	maxDepth int
}

// NewHybrid creates a hybrid store over the given durable backend. maxDepth
// bounds the parent-chain walk during flow reconstruction; values <= 0 fall
// back to 100.
func NewHybrid[T Instance](durable Durable, maxDepth int) *Hybrid[T] {
	if maxDepth <= 0 {
		maxDepth = 100
	}
	return &Hybrid[T]{
		live:     make(map[string]T),
		durable:  durable,
		maxDepth: maxDepth,
	}
}

// Put registers (or replaces) a live instance. Upsert semantics.
func (h *Hybrid[T]) Put(id string, instance T) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.live[id] = instance
}

// Live returns the live instance for an ID, when one is registered.
func (h *Hybrid[T]) Live(id string) (T, bool) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	instance, ok := h.live[id]
	return instance, ok
}

// LiveIDs returns the IDs of all registered live instances.
func (h *Hybrid[T]) LiveIDs() []string {
	h.mu.RLock()
	defer h.mu.RUnlock()

	ids := make([]string, 0, len(h.live))
	for id := range h.live {
		ids = append(ids, id)
	}
	return ids
}

// Get returns the metadata record for an ID: memory-first, durable fallback.
// Returns ErrNotFound when the ID is unknown to both.
func (h *Hybrid[T]) Get(ctx context.Context, id string) (Record, error) {
	h.mu.RLock()
	instance, ok := h.live[id]
	h.mu.RUnlock()
	if ok {
		return instance.Record(), nil
	}

	rec, err := h.durable.Get(ctx, id)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return Record{}, ErrNotFound
		}
		return Record{}, fmt.Errorf("failed to read execution %s: %w", id, err)
	}
	return rec, nil
}

// Persist writes an instance's current record to the durable backend.
// Intended for terminal transitions; the instance stays registered until
// removed.
func (h *Hybrid[T]) Persist(ctx context.Context, instance T) error {
	rec := instance.Record()
	if err := h.durable.Save(ctx, rec); err != nil {
		return fmt.Errorf("failed to persist execution %s: %w", rec.ID, err)
	}
	return nil
}

// Delete removes an execution from both the registry and the durable
// backend.
func (h *Hybrid[T]) Delete(ctx context.Context, id string) error {
	h.mu.Lock()
	delete(h.live, id)
	h.mu.Unlock()

	if err := h.durable.Delete(ctx, id); err != nil {
		return fmt.Errorf("failed to delete execution %s: %w", id, err)
	}
	return nil
}

// Remove drops an execution from the live registry only, leaving any durable
// record in place.
func (h *Hybrid[T]) Remove(id string) {
	h.mu.Lock()
	delete(h.live, id)
	h.mu.Unlock()
}

// List returns the union of live and durable records sorted by createdAt
// descending, with live records taking precedence on ID collisions.
// limit <= 0 means no limit.
func (h *Hybrid[T]) List(ctx context.Context, limit int) ([]Record, error) {
	h.mu.RLock()
	merged := make(map[string]Record, len(h.live))
	for id, instance := range h.live {
		merged[id] = instance.Record()
	}
	h.mu.RUnlock()

	durable, err := h.durable.List(ctx, 0)
	if err != nil {
		return nil, fmt.Errorf("failed to list durable executions: %w", err)
	}
	for _, rec := range durable {
		if _, ok := merged[rec.ID]; !ok {
			merged[rec.ID] = rec
		}
	}

	out := make([]Record, 0, len(merged))
	for _, rec := range merged {
		out = append(out, rec)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })

	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// Flow reconstructs the flow definition for a record.
//
// Records carrying their own serialized flow deserialize directly. Child
// records omit the flow and instead name their parent; the walk follows
// parent links (bounded by maxDepth) to the nearest ancestor with a
// serialized definition. When no ancestor has one, a minimal shell with just
// the flow's identity is returned.
func (h *Hybrid[T]) Flow(ctx context.Context, rec Record) (*flow.Flow, error) {
	current := rec
	for depth := 0; depth <= h.maxDepth; depth++ {
		if len(current.FlowData) > 0 {
			f, err := flow.Deserialize(current.FlowData)
			if err != nil {
				return nil, fmt.Errorf("failed to deserialize flow for %s: %w", current.ID, err)
			}
			return f, nil
		}
		if current.ParentID == "" {
			break
		}
		parent, err := h.Get(ctx, current.ParentID)
		if err != nil {
			break
		}
		current = parent
	}

	return flow.Shell(rec.FlowID, rec.FlowName), nil
}

// Close closes the durable backend.
func (h *Hybrid[T]) Close() error {
	return h.durable.Close()
}
