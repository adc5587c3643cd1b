// Package event defines the execution event model, the typed payload codec,
// and the batched durable event store used by the execution core.
package event

import "time"

// Type categorizes an execution event.
type Type string

const (
	// FlowSubscribed is the synthetic first event yielded to a new subscriber,
	// carrying the flow snapshot.
	FlowSubscribed Type = "flow.subscribed"

	// NodeStarted is published when a node begins execution.
	NodeStarted Type = "node.started"
	// NodeCompleted is published when a node completes successfully.
	NodeCompleted Type = "node.completed"
	// NodeFailed is published when a node fails with an error.
	NodeFailed Type = "node.failed"

	// FlowCompleted is published when an execution completes successfully.
	FlowCompleted Type = "flow.completed"
	// FlowFailed is published when an execution fails.
	FlowFailed Type = "flow.failed"
	// FlowCancelled is published when an execution is stopped.
	FlowCancelled Type = "flow.cancelled"
	// FlowPaused is published when a debugger pauses an execution.
	FlowPaused Type = "flow.paused"
	// FlowResumed is published when a paused execution continues.
	FlowResumed Type = "flow.resumed"

	// ChildSpawned is published on a parent's stream when an emitted event
	// spawns a child execution.
	ChildSpawned Type = "child.spawned"
	// ChildCompleted is published on a parent's stream when a child reaches
	// Completed.
	ChildCompleted Type = "child.completed"
	// ChildFailed is published on a parent's stream when a child reaches
	// Failed or Stopped.
	ChildFailed Type = "child.failed"
)

// Terminal reports whether the type is a terminal lifecycle event for the
// execution it belongs to. Terminal events are never dropped by the queue's
// overflow policy.
func (t Type) Terminal() bool {
	switch t {
	case FlowCompleted, FlowFailed, FlowCancelled:
		return true
	default:
		return false
	}
}

// Event is one element in a per-execution event stream.
//
// Index is the authoritative ordering: it is assigned monotonically at
// publish time and is unique within one execution. Timestamp is
// informational only.
type Event struct {
	ID        string         `json:"id"`
	Index     int64          `json:"index"`
	Type      Type           `json:"type"`
	Timestamp time.Time      `json:"timestamp"`
	Data      map[string]any `json:"data,omitempty"`
}

// External is an event supplied at start time. A non-empty external event
// list turns the execution into a container: it runs no graph of its own and
// instead spawns one child per event.
type External struct {
	Type string         `json:"type"`
	Data map[string]any `json:"data,omitempty"`
}

// Inbound is the event context a child execution is seeded with.
type Inbound struct {
	EventName string `json:"eventName"`
	Payload   any    `json:"payload,omitempty"`
	EmittedBy string `json:"emittedBy,omitempty"`
}
