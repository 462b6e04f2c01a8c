package workflow

import (
	"bytes"
	"cmp"
	"encoding/json"
	"errors"
	"fmt"
	"maps"
	"slices"
	"strconv"
)

var (
	// ErrNodeNotFound is returned when an override targets a node id the graph does not contain.
	ErrNodeNotFound = errors.New("node not found")

	// ErrInvalidGraph is returned when a workflow document cannot be used as a graph.
	ErrInvalidGraph = errors.New("invalid workflow graph")
)

// NodeNotFoundError reports the node id a merge could not find.
type NodeNotFoundError struct {
	NodeID string
}

func (e *NodeNotFoundError) Error() string {
	return fmt.Sprintf("%s: %q", ErrNodeNotFound, e.NodeID)
}

func (e *NodeNotFoundError) Unwrap() error { return ErrNodeNotFound }

// Node is one entry of a workflow graph in the engine's API format.
type Node struct {
	ClassType string
	Inputs    map[string]any

	// extra keeps fields other than class_type and inputs (e.g. _meta) verbatim.
	extra map[string]json.RawMessage
}

// Title returns the node's display title from _meta, if present.
func (n Node) Title() string {
	raw, ok := n.extra["_meta"]
	if !ok {
		return ""
	}
	var meta struct {
		Title string `json:"title"`
	}
	if err := json.Unmarshal(raw, &meta); err != nil {
		return ""
	}
	return meta.Title
}

// UnmarshalJSON decodes a node, keeping numeric inputs as json.Number so that
// large seeds are not rounded through float64.
func (n *Node) UnmarshalJSON(data []byte) error {
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(data, &fields); err != nil {
		return err
	}

	if raw, ok := fields["class_type"]; ok {
		if err := json.Unmarshal(raw, &n.ClassType); err != nil {
			return fmt.Errorf("class_type: %w", err)
		}
		delete(fields, "class_type")
	}

	n.Inputs = map[string]any{}
	if raw, ok := fields["inputs"]; ok {
		dec := json.NewDecoder(bytes.NewReader(raw))
		dec.UseNumber()
		if err := dec.Decode(&n.Inputs); err != nil {
			return fmt.Errorf("inputs: %w", err)
		}
		if n.Inputs == nil {
			n.Inputs = map[string]any{}
		}
		delete(fields, "inputs")
	}

	n.extra = fields
	return nil
}

// MarshalJSON encodes the node back into the engine's API format.
func (n Node) MarshalJSON() ([]byte, error) {
	out := make(map[string]any, len(n.extra)+2)
	for k, v := range n.extra {
		out[k] = v
	}
	out["class_type"] = n.ClassType
	inputs := n.Inputs
	if inputs == nil {
		inputs = map[string]any{}
	}
	out["inputs"] = inputs
	return json.Marshal(out)
}

// Graph maps node identifiers to node descriptors.
type Graph map[string]Node

// Parse decodes and validates a workflow graph in API format.
func Parse(data []byte) (Graph, error) {
	var g Graph
	if err := json.Unmarshal(data, &g); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidGraph, err)
	}
	if err := g.Validate(); err != nil {
		return nil, err
	}
	return g, nil
}

// Validate checks that the graph is non-empty and every node names its class.
func (g Graph) Validate() error {
	if len(g) == 0 {
		return fmt.Errorf("%w: graph has no nodes", ErrInvalidGraph)
	}
	for _, id := range SortNodeIDs(slices.Collect(maps.Keys(g))) {
		if g[id].ClassType == "" {
			return fmt.Errorf("%w: node %q has no class_type", ErrInvalidGraph, id)
		}
	}
	return nil
}

// Clone returns a copy whose nodes and input maps can be edited without
// affecting g. Input values themselves are shared.
func (g Graph) Clone() Graph {
	out := make(Graph, len(g))
	for id, n := range g {
		n.Inputs = maps.Clone(n.Inputs)
		n.extra = maps.Clone(n.extra)
		out[id] = n
	}
	return out
}

// Merge overlays inputs onto the input mapping of node nodeID. Keys in inputs
// replace existing keys; other inputs are kept. It returns a
// *NodeNotFoundError when the graph has no such node.
func (g Graph) Merge(nodeID string, inputs map[string]any) error {
	n, ok := g[nodeID]
	if !ok {
		return &NodeNotFoundError{NodeID: nodeID}
	}
	merged := make(map[string]any, len(n.Inputs)+len(inputs))
	maps.Copy(merged, n.Inputs)
	maps.Copy(merged, inputs)
	n.Inputs = merged
	g[nodeID] = n
	return nil
}

// MergeAll applies every override in node id order and stops at the first
// unknown node.
func (g Graph) MergeAll(overrides map[string]map[string]any) error {
	for _, id := range SortNodeIDs(slices.Collect(maps.Keys(overrides))) {
		if err := g.Merge(id, overrides[id]); err != nil {
			return err
		}
	}
	return nil
}

// Link is a connection from one node's output slot into another node's input.
type Link struct {
	From   string
	Output int
	To     string
	Input  string
}

// Links returns every connection in the graph. An input is a connection when
// its value is a two-element array of [source node id, output index] and the
// source exists in the graph.
func (g Graph) Links() []Link {
	var links []Link
	for _, to := range SortNodeIDs(slices.Collect(maps.Keys(g))) {
		n := g[to]
		for _, name := range slices.Sorted(maps.Keys(n.Inputs)) {
			from, slot, ok := linkRef(n.Inputs[name])
			if !ok {
				continue
			}
			if _, exists := g[from]; !exists {
				continue
			}
			links = append(links, Link{From: from, Output: slot, To: to, Input: name})
		}
	}
	return links
}

func linkRef(v any) (string, int, bool) {
	arr, ok := v.([]any)
	if !ok || len(arr) != 2 {
		return "", 0, false
	}
	from, ok := arr[0].(string)
	if !ok {
		return "", 0, false
	}
	switch idx := arr[1].(type) {
	case json.Number:
		i, err := idx.Int64()
		if err != nil {
			return "", 0, false
		}
		return from, int(i), true
	case float64:
		return from, int(idx), true
	case int:
		return from, idx, true
	}
	return "", 0, false
}

// SortNodeIDs sorts ids in place so that numeric ids come first in numeric
// order followed by the rest lexically, and returns the slice.
func SortNodeIDs(ids []string) []string {
	slices.SortFunc(ids, func(a, b string) int {
		ai, aerr := strconv.Atoi(a)
		bi, berr := strconv.Atoi(b)
		switch {
		case aerr == nil && berr == nil:
			return cmp.Compare(ai, bi)
		case aerr == nil:
			return -1
		case berr == nil:
			return 1
		}
		return cmp.Compare(a, b)
	})
	return ids
}
