// Package orchestrator drives a workflow through an execution engine. It
// submits the graph, polls the engine's queue until the job has left it,
// reads the job's history record and turns its per-node image outputs into
// URLs. Optionally the images are downloaded and handed to a Sink.
package orchestrator
