package core

import (
	"context"
	"sort"
	"sync"
)

// Debugger controls a debug-enabled engine: pausing between nodes, stepping
// one node at a time, and breaking before named nodes.
//
// The engine consults the debugger at each node boundary. Nodes already in
// flight when a pause lands run to completion; only new dispatches block.
type Debugger struct {
	mu          sync.Mutex
	paused      bool
	steps       int
	breakpoints map[string]struct{}
	notify      chan struct{}
}

func newDebugger(breakpoints []string) *Debugger {
	d := &Debugger{
		breakpoints: make(map[string]struct{}, len(breakpoints)),
		notify:      make(chan struct{}),
	}
	for _, nodeID := range breakpoints {
		d.breakpoints[nodeID] = struct{}{}
	}
	return d
}

// Pause blocks further node dispatch until Continue or Step.
func (d *Debugger) Pause() {
	d.mu.Lock()
	d.paused = true
	d.mu.Unlock()
}

// Continue clears the pause and releases the engine. Idempotent: continuing a
// running engine is a no-op.
func (d *Debugger) Continue() {
	d.mu.Lock()
	d.paused = false
	d.steps = 0
	d.broadcast()
	d.mu.Unlock()
}

// Step allows exactly one more node to dispatch while staying paused.
func (d *Debugger) Step() {
	d.mu.Lock()
	d.steps++
	d.broadcast()
	d.mu.Unlock()
}

// AddBreakpoint pauses the engine before the named node dispatches.
func (d *Debugger) AddBreakpoint(nodeID string) {
	d.mu.Lock()
	d.breakpoints[nodeID] = struct{}{}
	d.mu.Unlock()
}

// RemoveBreakpoint removes a breakpoint. Unknown IDs are a no-op.
func (d *Debugger) RemoveBreakpoint(nodeID string) {
	d.mu.Lock()
	delete(d.breakpoints, nodeID)
	d.mu.Unlock()
}

// Breakpoints returns the current breakpoint node IDs, sorted.
func (d *Debugger) Breakpoints() []string {
	d.mu.Lock()
	defer d.mu.Unlock()

	out := make([]string, 0, len(d.breakpoints))
	for nodeID := range d.breakpoints {
		out = append(out, nodeID)
	}
	sort.Strings(out)
	return out
}

// broadcast wakes every gated waiter. Callers hold d.mu.
func (d *Debugger) broadcast() {
	close(d.notify)
	d.notify = make(chan struct{})
}

// gate blocks before nodeID dispatches while the debugger is paused, or
// engages the pause when the node carries a breakpoint. onPause fires once
// when the gate itself engages the pause for a breakpoint hit; pauses and
// resumes requested through the service are announced by the service, not
// here. Returns ctx.Err on cancellation.
func (d *Debugger) gate(ctx context.Context, nodeID string, onPause func()) error {
	d.mu.Lock()
	if _, hit := d.breakpoints[nodeID]; hit && !d.paused {
		d.paused = true
		d.mu.Unlock()
		if onPause != nil {
			onPause()
		}
		d.mu.Lock()
	}

	for {
		if !d.paused {
			d.mu.Unlock()
			return nil
		}
		if d.steps > 0 {
			d.steps--
			d.mu.Unlock()
			return nil
		}
		ch := d.notify
		d.mu.Unlock()

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ch:
		}
		d.mu.Lock()
	}
}
