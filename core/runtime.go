package core

import (
	"context"

	"github.com/flowgraph/flowcore/core/flow"
)

// NodeRuntime executes the business logic of a single node. The node library
// lives outside the core; the engine drives it exclusively through this
// interface.
//
// Implementations read the node's input ports, do their work, write output
// ports, and may emit in-flow events through the execution context. They must
// observe ctx: the core cancels it on stop and on node/flow timeouts.
type NodeRuntime interface {
	RunNode(ctx context.Context, node *flow.Node, ec *ExecutionContext) error
}

// NodeRuntimeFunc adapts a function to the NodeRuntime interface.
type NodeRuntimeFunc func(ctx context.Context, node *flow.Node, ec *ExecutionContext) error

// RunNode implements NodeRuntime.
func (f NodeRuntimeFunc) RunNode(ctx context.Context, node *flow.Node, ec *ExecutionContext) error {
	return f(ctx, node, ec)
}
