package core

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/flowgraph/flowcore/core/event"
	"github.com/flowgraph/flowcore/core/flow"
)

// Engine is the per-execution scheduler. It fires the nodes of one working
// flow in topological order with bounded concurrency, reports lifecycle and
// per-node events through a single subscription callback, and notifies the
// service whenever a node emitted an in-flow event.
//
// Execute never panics: node and engine panics are recovered and surfaced as
// flow failures. An engine drives exactly one execution and is not reusable.
type Engine struct {
	flow     *flow.Flow
	ec       *ExecutionContext
	runtime  NodeRuntime
	opts     ExecutionOptions
	debugger *Debugger

	mu      sync.Mutex
	onEvent func(event.Event)
	onEmit  func()
}

func newEngine(f *flow.Flow, ec *ExecutionContext, runtime NodeRuntime, opts ExecutionOptions) *Engine {
	opts = opts.withDefaults()

	e := &Engine{
		flow:    f,
		ec:      ec,
		runtime: runtime,
		opts:    opts,
	}
	if opts.Debug {
		e.debugger = newDebugger(opts.Breakpoints)
	}
	return e
}

// OnAll registers the subscription callback receiving every event the engine
// emits. The service installs its dispatcher here before Execute runs.
func (e *Engine) OnAll(fn func(event.Event)) {
	e.mu.Lock()
	e.onEvent = fn
	e.mu.Unlock()
}

// SetEventCallback registers the emission callback, invoked after any node
// appended to the context's emitted events. The service uses it to spawn
// child executions.
func (e *Engine) SetEventCallback(fn func()) {
	e.mu.Lock()
	e.onEmit = fn
	e.mu.Unlock()
}

// Debugger returns the debugger handle, or ErrNoDebugger when the engine was
// created without debug mode.
func (e *Engine) Debugger() (*Debugger, error) {
	if e.debugger == nil {
		return nil, ErrNoDebugger
	}
	return e.debugger, nil
}

// Options returns the options the engine was created with, after defaults.
func (e *Engine) Options() ExecutionOptions {
	return e.opts
}

// emit hands an event to the subscription callback. Events carry no index or
// timestamp yet; the queue stamps them at publish time.
func (e *Engine) emit(t event.Type, data map[string]any) {
	e.mu.Lock()
	fn := e.onEvent
	e.mu.Unlock()

	if fn != nil {
		fn(event.Event{Type: t, Data: data})
	}
}

// fireEmitCallback notifies the service of unprocessed emitted events.
func (e *Engine) fireEmitCallback() {
	e.mu.Lock()
	fn := e.onEmit
	e.mu.Unlock()

	if fn != nil && e.ec.hasUnprocessed() {
		fn()
	}
}

type nodeResult struct {
	node *flow.Node
	err  error
}

// Execute runs the flow until it reaches a terminal state, cancellation is
// observed, or the flow times out.
//
// Scheduling is topological: a node becomes ready once every incoming edge's
// source has completed, and at most MaxConcurrency nodes run at a time.
// After a node completes, its output port values propagate along outgoing
// edges into the target nodes' input ports.
//
// Returns nil on success, ctx.Err on cancellation, and an *Error otherwise.
// Failures (but not plain cancellation) are also emitted as FlowFailed events
// before Execute returns.
func (e *Engine) Execute(ctx context.Context) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = &Error{Kind: ErrInternal, Message: fmt.Sprintf("engine panic: %v", r)}
			e.emit(event.FlowFailed, map[string]any{"message": err.Error()})
		}
	}()

	if e.opts.FlowTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, e.opts.FlowTimeout)
		defer cancel()
	}

	indegree := make(map[string]int, len(e.flow.Nodes))
	successors := make(map[string][]*flow.Edge)
	for _, n := range e.flow.Nodes {
		indegree[n.ID] = 0
	}
	for _, edge := range e.flow.Edges {
		if _, ok := indegree[edge.Target]; !ok {
			continue
		}
		indegree[edge.Target]++
		successors[edge.Source] = append(successors[edge.Source], edge)
	}

	var ready []*flow.Node
	for _, n := range e.flow.Nodes {
		if indegree[n.ID] == 0 {
			ready = append(ready, n)
		}
	}

	results := make(chan nodeResult, len(e.flow.Nodes))
	remaining := len(e.flow.Nodes)
	inflight := 0

	finish := func(failure error) error {
		// Drain in-flight nodes so no worker outlives Execute.
		for inflight > 0 {
			<-results
			inflight--
		}
		return failure
	}

	for remaining > 0 {
		for len(ready) > 0 && inflight < e.opts.MaxConcurrency {
			if ctx.Err() != nil {
				return finish(e.finishInterrupted(ctx))
			}

			n := ready[0]
			if e.debugger != nil {
				if err := e.debugger.gate(ctx, n.ID, func() {
					e.emit(event.FlowPaused, map[string]any{"nodeId": n.ID, "reason": "breakpoint"})
				}); err != nil {
					return finish(e.finishInterrupted(ctx))
				}
			}

			ready = ready[1:]
			inflight++
			go e.runNode(ctx, n, results)
		}

		if inflight == 0 {
			if remaining > 0 {
				failure := &Error{Kind: ErrInternal, Message: "flow has no runnable nodes; graph contains a cycle"}
				e.emit(event.FlowFailed, map[string]any{"message": failure.Message})
				return failure
			}
			break
		}

		select {
		case <-ctx.Done():
			return finish(e.finishInterrupted(ctx))
		case res := <-results:
			inflight--
			remaining--

			if res.err != nil {
				failure := &Error{Kind: ErrInternal, Message: res.err.Error(), NodeID: res.node.ID}
				if errors.Is(res.err, context.DeadlineExceeded) {
					failure.Message = "node timed out"
				}
				e.emit(event.FlowFailed, map[string]any{"message": failure.Message, "nodeId": res.node.ID})
				return finish(failure)
			}

			e.propagate(res.node)
			e.fireEmitCallback()

			for _, edge := range successors[res.node.ID] {
				indegree[edge.Target]--
				if indegree[edge.Target] == 0 {
					if target := e.flow.Node(edge.Target); target != nil {
						ready = append(ready, target)
					}
				}
			}
		}
	}

	if ctx.Err() != nil {
		return e.finishInterrupted(ctx)
	}

	e.emit(event.FlowCompleted, map[string]any{"flowId": e.flow.ID})
	return nil
}

// finishInterrupted maps a context interruption to its outcome: a flow
// timeout is a failure, a plain cancellation (stop) is reported by the
// service and stays silent here.
func (e *Engine) finishInterrupted(ctx context.Context) error {
	err := context.Cause(ctx)
	if err == nil {
		err = ctx.Err()
	}
	if errors.Is(err, context.DeadlineExceeded) {
		failure := &Error{Kind: ErrInternal, Message: "flow timed out"}
		e.emit(event.FlowFailed, map[string]any{"message": failure.Message})
		return failure
	}
	return err
}

// runNode executes one node on a worker goroutine, bracketing it with
// NodeStarted and NodeCompleted/NodeFailed events.
func (e *Engine) runNode(ctx context.Context, n *flow.Node, results chan<- nodeResult) {
	e.emit(event.NodeStarted, map[string]any{"nodeId": n.ID, "nodeType": n.Type})

	nodeCtx := ctx
	if e.opts.NodeTimeout > 0 {
		var cancel context.CancelFunc
		nodeCtx, cancel = context.WithTimeout(ctx, e.opts.NodeTimeout)
		defer cancel()
	}

	err := e.safeRun(nodeCtx, n)
	if err != nil {
		e.emit(event.NodeFailed, map[string]any{"nodeId": n.ID, "message": err.Error()})
	} else {
		e.emit(event.NodeCompleted, map[string]any{"nodeId": n.ID})
	}

	results <- nodeResult{node: n, err: err}
}

// safeRun invokes the node runtime, converting panics to errors.
func (e *Engine) safeRun(ctx context.Context, n *flow.Node) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("node panic: %v", r)
		}
	}()
	return e.runtime.RunNode(ctx, n, e.ec)
}

// propagate copies the completed node's output port values along its outgoing
// edges into the target nodes' input ports. Runs on the scheduler goroutine
// after the source completed and before any target dispatches, so no port is
// written concurrently.
func (e *Engine) propagate(n *flow.Node) {
	for _, edge := range e.flow.Edges {
		if edge.Source != n.ID {
			continue
		}
		target := e.flow.Node(edge.Target)
		if target == nil {
			continue
		}

		out := n.Output(edge.SourcePort)
		in := target.Input(edge.TargetPort)
		if out == nil && len(n.Outputs) == 1 {
			out = n.Outputs[0]
		}
		if in == nil && len(target.Inputs) == 1 {
			in = target.Inputs[0]
		}
		if out != nil && in != nil {
			in.Value = out.Value
		}
	}
}
