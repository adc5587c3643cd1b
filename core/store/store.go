// Package store persists execution metadata. It pairs an in-memory registry
// of live executions with a durable backend holding terminal records, behind
// one hybrid facade.
package store

import (
	"context"
	"errors"
	"time"

	"github.com/flowgraph/flowcore/core/event"
)

// ErrNotFound is returned when an execution ID is unknown to both the live
// registry and the durable backend.
var ErrNotFound = errors.New("execution not found")

// errDurableClosed is returned by backends after Close.
var errDurableClosed = errors.New("execution store is closed")

// Status is the lifecycle state of an execution.
type Status string

const (
	StatusCreated   Status = "created"
	StatusRunning   Status = "running"
	StatusPaused    Status = "paused"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
	StatusStopped   Status = "stopped"
)

// Terminal reports whether the status is final. Terminal executions never
// transition again.
func (s Status) Terminal() bool {
	switch s {
	case StatusCompleted, StatusFailed, StatusStopped:
		return true
	default:
		return false
	}
}

// Active reports whether the execution is currently being driven by an
// engine. Active executions are exempt from cleanup.
func (s Status) Active() bool {
	return s == StatusRunning || s == StatusPaused
}

// CanTransition reports whether the lifecycle DAG permits moving from s to
// next: Created → Running → (Paused ↔ Running) → terminal. Terminal states
// admit nothing.
func (s Status) CanTransition(next Status) bool {
	if s.Terminal() {
		return false
	}
	switch next {
	case StatusRunning:
		return s == StatusCreated || s == StatusPaused || s == StatusRunning
	case StatusPaused:
		return s == StatusRunning
	case StatusCompleted, StatusFailed:
		return s == StatusRunning || s == StatusPaused
	case StatusStopped:
		return s == StatusCreated || s == StatusRunning || s == StatusPaused
	default:
		return false
	}
}

// ExecutionError describes why an execution failed.
type ExecutionError struct {
	Message string `json:"message"`
	NodeID  string `json:"nodeId,omitempty"`
}

// Record is the persistable snapshot of an execution.
//
// Live executions carry full-fidelity state (engine, context, flow object
// graph) in memory; a Record is what survives them. FlowData holds the
// serialized flow definition and is empty for child executions, which
// reconstruct their flow by walking parent links.
type Record struct {
	ID          string
	FlowID      string
	FlowName    string
	OwnerID     string
	Status      Status
	CreatedAt   time.Time
	UpdatedAt   time.Time
	StartedAt   *time.Time
	CompletedAt *time.Time
	Error       *ExecutionError

	ParentID string
	ChildIDs []string
	Depth    int

	FlowData       []byte
	EventData      *event.Inbound
	ExternalEvents []event.External
}

// ReferenceTime is the timestamp cleanup ages a record by: completion time
// when terminal, creation time otherwise.
func (r Record) ReferenceTime() time.Time {
	if r.CompletedAt != nil {
		return *r.CompletedAt
	}
	return r.CreatedAt
}

// Durable is the persistence backend for terminal records.
//
// Save is an upsert. Implementations are safe for concurrent use; a write
// failure must leave previously persisted records intact.
type Durable interface {
	Save(ctx context.Context, rec Record) error
	Get(ctx context.Context, id string) (Record, error)
	Delete(ctx context.Context, id string) error
	List(ctx context.Context, limit int) ([]Record, error)
	Close() error
}
