package core

import (
	"sync"
	"time"

	"github.com/flowgraph/flowcore/core/event"
	"github.com/flowgraph/flowcore/core/flow"
	"github.com/flowgraph/flowcore/core/store"
)

// Instance is one unit of work: a flow snapshot, its execution context, the
// engine driving it, and the lifecycle metadata the stores persist.
//
// The working flow is mutated by the engine as port values propagate; the
// initial-state flow is the immutable snapshot children are seeded from, so
// siblings never observe each other's mutations.
type Instance struct {
	id               string
	flow             *flow.Flow
	initialStateFlow *flow.Flow
	flowData         []byte
	ec               *ExecutionContext
	engine           *Engine
	opts             ExecutionOptions
	ownerID          string
	parentID         string
	depth            int

	mu             sync.Mutex
	status         store.Status
	createdAt      time.Time
	updatedAt      time.Time
	startedAt      *time.Time
	completedAt    *time.Time
	execErr        *store.ExecutionError
	childOrder     []string
	childTerminal  map[string]bool
	externalEvents []event.External

	// completionDeferred marks a parent whose engine finished while children
	// were still alive; the last terminating child completes it.
	completionDeferred bool

	// childSignal broadcasts child-terminal transitions to waiters. Replaced
	// and closed on every signal.
	childSignal chan struct{}
}

// ID returns the execution identifier.
func (i *Instance) ID() string { return i.id }

// Flow returns the working flow the engine mutates.
func (i *Instance) Flow() *flow.Flow { return i.flow }

// InitialStateFlow returns the read-only seed flow for children.
func (i *Instance) InitialStateFlow() *flow.Flow { return i.initialStateFlow }

// ExecutionContext returns the per-execution scratchpad.
func (i *Instance) ExecutionContext() *ExecutionContext { return i.ec }

// Engine returns the scheduler driving this execution.
func (i *Instance) Engine() *Engine { return i.engine }

// ParentID returns the parent execution's ID, or "" for roots.
func (i *Instance) ParentID() string { return i.parentID }

// Depth returns the execution depth (root = 1).
func (i *Instance) Depth() int { return i.depth }

// Status returns the current lifecycle status.
func (i *Instance) Status() store.Status {
	i.mu.Lock()
	defer i.mu.Unlock()
	return i.status
}

// transition moves the instance to next when the lifecycle DAG allows it,
// stamping startedAt/completedAt as required. Returns true only when the
// status actually changed; both illegal transitions and transitions to the
// current status leave the instance untouched and return false, so racing
// callers resolve to exactly one winner.
func (i *Instance) transition(next store.Status, now time.Time) bool {
	i.mu.Lock()
	defer i.mu.Unlock()

	if i.status == next || !i.status.CanTransition(next) {
		return false
	}

	i.status = next
	i.updatedAt = now
	if next == store.StatusRunning && i.startedAt == nil {
		t := now
		i.startedAt = &t
	}
	if next.Terminal() {
		t := now
		i.completedAt = &t
	}
	return true
}

// setError records why the execution failed.
func (i *Instance) setError(message, nodeID string) {
	i.mu.Lock()
	defer i.mu.Unlock()
	i.execErr = &store.ExecutionError{Message: message, NodeID: nodeID}
}

// addChild registers a spawned child as living, preserving spawn order.
func (i *Instance) addChild(childID string) {
	i.mu.Lock()
	defer i.mu.Unlock()

	if i.childTerminal == nil {
		i.childTerminal = make(map[string]bool)
	}
	if _, ok := i.childTerminal[childID]; !ok {
		i.childOrder = append(i.childOrder, childID)
	}
	i.childTerminal[childID] = false
}

// markChildTerminal records a child's terminal transition. Returns false when
// the child was already terminal (or never registered), so duplicate
// notifications collapse to one. Waiters are not woken here: the service
// publishes the child's completion events and checks parent completion first,
// then calls signalChildren, so subscribers see those events before the
// parent's queue can close.
func (i *Instance) markChildTerminal(childID string) bool {
	i.mu.Lock()
	defer i.mu.Unlock()

	terminal, ok := i.childTerminal[childID]
	if !ok || terminal {
		return false
	}
	i.childTerminal[childID] = true
	return true
}

// signalChildren wakes everyone blocked in waitForChildren.
func (i *Instance) signalChildren() {
	i.mu.Lock()
	defer i.mu.Unlock()

	if i.childSignal != nil {
		close(i.childSignal)
		i.childSignal = nil
	}
}

// childWait returns a channel closed at the next child-terminal transition,
// or nil when every listed child is already terminal.
func (i *Instance) childWait(ids []string) <-chan struct{} {
	i.mu.Lock()
	defer i.mu.Unlock()

	living := false
	for _, id := range ids {
		if terminal, ok := i.childTerminal[id]; ok && !terminal {
			living = true
			break
		}
	}
	if !living {
		return nil
	}

	if i.childSignal == nil {
		i.childSignal = make(chan struct{})
	}
	return i.childSignal
}

// childIDs returns the registered children in spawn order.
func (i *Instance) childIDs() []string {
	i.mu.Lock()
	defer i.mu.Unlock()
	return append([]string(nil), i.childOrder...)
}

// livingChildren counts registered children not yet terminal.
func (i *Instance) livingChildren() int {
	i.mu.Lock()
	defer i.mu.Unlock()

	n := 0
	for _, terminal := range i.childTerminal {
		if !terminal {
			n++
		}
	}
	return n
}

// deferCompletion marks the parent as waiting for children before its own
// completion. Returns the number of living children observed atomically with
// the mark, so the caller can tell deferral from immediate completion.
func (i *Instance) deferCompletion() int {
	i.mu.Lock()
	defer i.mu.Unlock()

	n := 0
	for _, terminal := range i.childTerminal {
		if !terminal {
			n++
		}
	}
	if n > 0 {
		i.completionDeferred = true
	}
	return n
}

// takeDeferredCompletion consumes the deferred-completion mark when every
// child is terminal and the instance is still running. At most one caller
// observes true.
func (i *Instance) takeDeferredCompletion() bool {
	i.mu.Lock()
	defer i.mu.Unlock()

	if !i.completionDeferred || i.status != store.StatusRunning {
		return false
	}
	for _, terminal := range i.childTerminal {
		if !terminal {
			return false
		}
	}
	i.completionDeferred = false
	return true
}

// setExternalEvents records the container-mode seed events.
func (i *Instance) setExternalEvents(events []event.External) {
	i.mu.Lock()
	defer i.mu.Unlock()
	i.externalEvents = events
}

// Record implements store.Instance: a consistent metadata snapshot.
func (i *Instance) Record() store.Record {
	i.mu.Lock()
	defer i.mu.Unlock()

	rec := store.Record{
		ID:             i.id,
		FlowID:         i.flow.ID,
		FlowName:       i.flow.Name,
		OwnerID:        i.ownerID,
		Status:         i.status,
		CreatedAt:      i.createdAt,
		UpdatedAt:      i.updatedAt,
		ParentID:       i.parentID,
		Depth:          i.depth,
		FlowData:       i.flowData,
		EventData:      i.ec.EventData,
		ExternalEvents: i.externalEvents,
		ChildIDs:       append([]string(nil), i.childOrder...),
	}
	if i.startedAt != nil {
		t := *i.startedAt
		rec.StartedAt = &t
	}
	if i.completedAt != nil {
		t := *i.completedAt
		rec.CompletedAt = &t
	}
	if i.execErr != nil {
		e := *i.execErr
		rec.Error = &e
	}
	return rec
}
