package core

import (
	"context"
	"sync"
	"time"

	"github.com/flowgraph/flowcore/core/event"
	"github.com/flowgraph/flowcore/core/ident"
)

// EmittedEvent is an in-flow event a node produced during execution. Each
// unprocessed emitted event drives the spawn of one child execution.
type EmittedEvent struct {
	ID        string    `json:"id"`
	Type      string    `json:"type"`
	Data      any       `json:"data,omitempty"`
	EmittedAt time.Time `json:"emittedAt"`
	EmittedBy string    `json:"emittedBy,omitempty"`

	// Processed is set once the service has scheduled a child spawn for the
	// event, regardless of the child's eventual outcome.
	Processed bool `json:"processed"`

	// ChildExecutionID is the execution spawned to handle the event.
	ChildExecutionID string `json:"childExecutionId,omitempty"`
}

// ExecutionContext is the per-execution scratchpad handed to every node: the
// execution's identity, its cancellation handle, the opaque integrations bag,
// the inbound event for child executions, and the append-only list of events
// nodes have emitted.
type ExecutionContext struct {
	ExecutionID string
	FlowID      string

	// Integrations is an opaque bag passed through to nodes (credentials,
	// client handles). The core never inspects it.
	Integrations map[string]any

	// EventData is set for child executions: the event that caused the
	// spawn. Nil for root executions.
	EventData *event.Inbound

	// IsChild reports whether the execution was spawned by a parent.
	IsChild bool

	ctx    context.Context
	cancel context.CancelFunc

	mu      sync.Mutex
	emitted []*EmittedEvent
}

func newExecutionContext(executionID, flowID string, integrations map[string]any, eventData *event.Inbound, isChild bool) *ExecutionContext {
	ctx, cancel := context.WithCancel(context.Background())
	return &ExecutionContext{
		ExecutionID:  executionID,
		FlowID:       flowID,
		Integrations: integrations,
		EventData:    eventData,
		IsChild:      isChild,
		ctx:          ctx,
		cancel:       cancel,
	}
}

// Context returns the cancellation context every I/O-bound node path must
// observe. Stop aborts it.
func (c *ExecutionContext) Context() context.Context {
	return c.ctx
}

// Cancel aborts the execution's cancellation handle. Cooperative: the engine
// and nodes observe it at their next boundary.
func (c *ExecutionContext) Cancel() {
	c.cancel()
}

// Emit appends an in-flow event to the context. The engine notices the
// unprocessed event after the emitting node completes and asks the service to
// spawn a child execution for it.
func (c *ExecutionContext) Emit(eventType string, data any, emittedBy string) *EmittedEvent {
	ev := &EmittedEvent{
		ID:        ident.NewEventID(),
		Type:      eventType,
		Data:      data,
		EmittedAt: time.Now(),
		EmittedBy: emittedBy,
	}

	c.mu.Lock()
	c.emitted = append(c.emitted, ev)
	c.mu.Unlock()

	return ev
}

// EmittedEvents returns a snapshot of the emitted-event list. The entries are
// shared; callers mutate Processed and ChildExecutionID through takeUnprocessed.
func (c *ExecutionContext) EmittedEvents() []*EmittedEvent {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]*EmittedEvent(nil), c.emitted...)
}

// hasUnprocessed reports whether any emitted event has not yet been handed to
// the service for child spawning.
func (c *ExecutionContext) hasUnprocessed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, ev := range c.emitted {
		if !ev.Processed {
			return true
		}
	}
	return false
}

// takeUnprocessed marks every unprocessed emitted event processed and returns
// them in emission order. Marking happens under the context lock so two
// concurrent callbacks never spawn twice for one event.
func (c *ExecutionContext) takeUnprocessed() []*EmittedEvent {
	c.mu.Lock()
	defer c.mu.Unlock()

	var out []*EmittedEvent
	for _, ev := range c.emitted {
		if !ev.Processed {
			ev.Processed = true
			out = append(out, ev)
		}
	}
	return out
}
