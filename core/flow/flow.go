// Package flow defines the graph model executed by the core: flows, nodes,
// typed ports, and edges, together with the clone and serialize surface the
// execution core depends on.
package flow

import (
	"encoding/json"
	"fmt"
)

// serializeVersion is the envelope version written by Serialize.
const serializeVersion = 1

// Port is a typed input or output of a node. Value holds the current payload
// flowing through the port; it is mutated as the execution progresses.
type Port struct {
	ID    string `json:"id"`
	Name  string `json:"name"`
	Type  string `json:"type,omitempty"`
	Value any    `json:"value,omitempty"`
}

// Node is one computation vertex in a flow.
//
// Type selects the node implementation in the node library; the core never
// interprets it beyond passing the node to the NodeRuntime. Config carries
// per-node settings opaque to the core.
type Node struct {
	ID      string         `json:"id"`
	Type    string         `json:"type"`
	Name    string         `json:"name,omitempty"`
	Inputs  []*Port        `json:"inputs,omitempty"`
	Outputs []*Port        `json:"outputs,omitempty"`
	Config  map[string]any `json:"config,omitempty"`
}

// Edge connects a source node's output port to a target node's input port.
type Edge struct {
	ID         string `json:"id,omitempty"`
	Source     string `json:"source"`
	SourcePort string `json:"sourcePort,omitempty"`
	Target     string `json:"target"`
	TargetPort string `json:"targetPort,omitempty"`
}

// Flow is a DAG of nodes and edges.
type Flow struct {
	ID       string         `json:"id"`
	Name     string         `json:"name,omitempty"`
	Nodes    []*Node        `json:"nodes,omitempty"`
	Edges    []*Edge        `json:"edges,omitempty"`
	Metadata map[string]any `json:"metadata,omitempty"`
}

// envelope wraps a serialized flow with a format version.
type envelope struct {
	Version int   `json:"version"`
	Flow    *Flow `json:"flow"`
}

// Node returns the node with the given ID, or nil if it does not exist.
func (f *Flow) Node(id string) *Node {
	for _, n := range f.Nodes {
		if n.ID == id {
			return n
		}
	}
	return nil
}

// HasNode reports whether a node with the given ID exists in the flow.
func (f *Flow) HasNode(id string) bool {
	return f.Node(id) != nil
}

// Clone returns a deep copy of the flow.
//
// Clones are fully independent: mutating port values, node config, or
// metadata in the clone is never observable through the original. The
// execution core relies on this to isolate sibling executions seeded from
// the same initial-state flow.
func (f *Flow) Clone() *Flow {
	if f == nil {
		return nil
	}

	clone := &Flow{
		ID:   f.ID,
		Name: f.Name,
	}

	if f.Nodes != nil {
		clone.Nodes = make([]*Node, len(f.Nodes))
		for i, n := range f.Nodes {
			clone.Nodes[i] = n.clone()
		}
	}

	if f.Edges != nil {
		clone.Edges = make([]*Edge, len(f.Edges))
		for i, e := range f.Edges {
			edge := *e
			clone.Edges[i] = &edge
		}
	}

	if f.Metadata != nil {
		clone.Metadata = copyValue(f.Metadata).(map[string]any)
	}

	return clone
}

// clone returns a deep copy of the node.
func (n *Node) clone() *Node {
	c := &Node{
		ID:   n.ID,
		Type: n.Type,
		Name: n.Name,
	}

	if n.Inputs != nil {
		c.Inputs = make([]*Port, len(n.Inputs))
		for i, p := range n.Inputs {
			c.Inputs[i] = p.clone()
		}
	}

	if n.Outputs != nil {
		c.Outputs = make([]*Port, len(n.Outputs))
		for i, p := range n.Outputs {
			c.Outputs[i] = p.clone()
		}
	}

	if n.Config != nil {
		c.Config = copyValue(n.Config).(map[string]any)
	}

	return c
}

// clone returns a deep copy of the port, including its current value.
func (p *Port) clone() *Port {
	c := *p
	c.Value = copyValue(p.Value)
	return &c
}

// Input returns the input port with the given name, or nil.
func (n *Node) Input(name string) *Port {
	for _, p := range n.Inputs {
		if p.Name == name {
			return p
		}
	}
	return nil
}

// Output returns the output port with the given name, or nil.
func (n *Node) Output(name string) *Port {
	for _, p := range n.Outputs {
		if p.Name == name {
			return p
		}
	}
	return nil
}

// copyValue deep-copies the JSON-shaped subset of values used in port values,
// node config, and flow metadata. Scalars are returned as-is.
func copyValue(v any) any {
	switch val := v.(type) {
	case map[string]any:
		out := make(map[string]any, len(val))
		for k, item := range val {
			out[k] = copyValue(item)
		}
		return out
	case []any:
		out := make([]any, len(val))
		for i, item := range val {
			out[i] = copyValue(item)
		}
		return out
	default:
		return v
	}
}

// Serialize encodes the flow as a versioned JSON envelope.
//
// The output round-trips through Deserialize. Port values must be
// JSON-serializable; flows holding live handles in port values cannot be
// serialized and should be reduced to data before persistence.
func (f *Flow) Serialize() ([]byte, error) {
	data, err := json.Marshal(envelope{Version: serializeVersion, Flow: f})
	if err != nil {
		return nil, fmt.Errorf("failed to serialize flow %q: %w", f.ID, err)
	}
	return data, nil
}

// Deserialize decodes a flow previously produced by Serialize.
func Deserialize(data []byte) (*Flow, error) {
	var env envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, fmt.Errorf("failed to deserialize flow: %w", err)
	}
	if env.Version != serializeVersion {
		return nil, fmt.Errorf("unsupported flow envelope version %d", env.Version)
	}
	if env.Flow == nil {
		return nil, fmt.Errorf("flow envelope has no flow")
	}
	return env.Flow, nil
}

// Shell returns a minimal flow carrying only identity. The execution store
// falls back to a shell when a child record's ancestry holds no serialized
// flow definition.
func Shell(id, name string) *Flow {
	return &Flow{ID: id, Name: name}
}
