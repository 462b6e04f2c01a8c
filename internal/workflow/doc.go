// Package workflow holds the node-graph job description submitted to the
// execution engine. A Graph is treated as an opaque value: the only edit the
// package performs is merging caller-supplied inputs into a node, and unknown
// node fields survive a decode/encode round trip unchanged.
package workflow
