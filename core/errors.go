// Package core implements the flow execution core: per-execution engines,
// the orchestrating execution service, and the cleanup reaper. It consumes
// flow definitions through flow.Loader and node business logic through
// NodeRuntime; everything else (transport, auth, node libraries) lives
// outside this module.
package core

import (
	"errors"
	"fmt"
)

// Sentinel errors forming the caller-visible taxonomy. Service operations
// wrap these in a *Error carrying a human-readable message; match with
// errors.Is.
var (
	// ErrNotFound reports an unknown execution or node ID.
	ErrNotFound = errors.New("not found")

	// ErrBadState reports an operation illegal in the execution's current
	// status, such as pausing an execution that was never started.
	ErrBadState = errors.New("operation not allowed in current status")

	// ErrNoDebugger reports a debug operation on an execution created
	// without debug mode.
	ErrNoDebugger = errors.New("debug mode not enabled")

	// ErrCycleDetected reports a child creation that would exceed the
	// maximum execution depth.
	ErrCycleDetected = errors.New("maximum execution depth exceeded")

	// ErrStoreUnavailable reports a durable store write failure. Best-effort:
	// the in-memory live state is unaffected.
	ErrStoreUnavailable = errors.New("durable store unavailable")

	// ErrInternal covers everything else, including engine panics surfaced
	// as flow failures.
	ErrInternal = errors.New("internal error")
)

// Error is a structured execution-core error: a taxonomy kind (one of the
// sentinel errors above), a human-readable message, and the node the failure
// is attributable to when one is known.
type Error struct {
	Kind    error
	Message string
	NodeID  string
}

// Error implements error.
func (e *Error) Error() string {
	if e.NodeID != "" {
		return fmt.Sprintf("%s (node %s)", e.Message, e.NodeID)
	}
	return e.Message
}

// Unwrap exposes the taxonomy kind so errors.Is matches the sentinels.
func (e *Error) Unwrap() error {
	return e.Kind
}

func notFound(format string, args ...any) error {
	return &Error{Kind: ErrNotFound, Message: fmt.Sprintf(format, args...)}
}

func badState(format string, args ...any) error {
	return &Error{Kind: ErrBadState, Message: fmt.Sprintf(format, args...)}
}

func cycleDetected(depth, maxDepth int) error {
	return &Error{
		Kind:    ErrCycleDetected,
		Message: fmt.Sprintf("execution depth %d exceeds maximum %d", depth, maxDepth),
	}
}
