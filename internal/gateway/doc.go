// Package gateway defines the narrow boundary between the orchestrator and a
// remote execution engine: submitting a graph, reading the global queue,
// reading a job's history record and fetching output artifacts. It also holds
// the error taxonomy shared by every stage of an execution.
package gateway
