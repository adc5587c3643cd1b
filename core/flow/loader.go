package flow

import (
	"context"
	"errors"
	"sync"
)

// ErrNotFound is returned by Loader implementations when a flow ID is unknown.
var ErrNotFound = errors.New("flow not found")

// Loader resolves flow definitions by ID. Flow persistence lives outside the
// execution core; the core consumes it through this interface only.
type Loader interface {
	// Get returns the flow with the given ID, or ErrNotFound.
	Get(ctx context.Context, flowID string) (*Flow, error)
}

// MemoryLoader is an in-memory Loader for tests and embedding.
//
// Registered flows are cloned on Get so callers can never mutate the
// registered definition through a running execution.
type MemoryLoader struct {
	mu    sync.RWMutex
	flows map[string]*Flow
}

// NewMemoryLoader creates an empty MemoryLoader.
func NewMemoryLoader() *MemoryLoader {
	return &MemoryLoader{flows: make(map[string]*Flow)}
}

// Register stores a flow definition under its ID, replacing any previous
// definition with the same ID.
func (l *MemoryLoader) Register(f *Flow) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.flows[f.ID] = f.Clone()
}

// Get implements Loader.
func (l *MemoryLoader) Get(_ context.Context, flowID string) (*Flow, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()

	f, ok := l.flows[flowID]
	if !ok {
		return nil, ErrNotFound
	}
	return f.Clone(), nil
}
