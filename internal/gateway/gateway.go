package gateway

import (
	"context"
	"encoding/json"
	"slices"

	"github.com/seantiz/comfyflow/internal/workflow"
)

// Gateway is the set of engine operations the orchestrator depends on.
type Gateway interface {
	// SubmitJob queues graph for execution on behalf of clientID.
	SubmitJob(ctx context.Context, graph workflow.Graph, clientID string) (JobHandle, error)

	// QueueState returns a fresh snapshot of the engine's entire queue.
	QueueState(ctx context.Context) (QueueSnapshot, error)

	// JobResult returns the history record of jobID. A job the engine has not
	// recorded yet yields an error matching ErrNotRecorded.
	JobResult(ctx context.Context, jobID string) (*JobRecord, error)

	// FetchArtifact returns the bytes addressed by desc.
	FetchArtifact(ctx context.Context, desc ArtifactDescriptor) ([]byte, error)

	// ArtifactURL returns the retrieval URL for desc.
	ArtifactURL(desc ArtifactDescriptor) string
}

// Admin is implemented by gateways that expose engine housekeeping.
type Admin interface {
	SystemStats(ctx context.Context) (json.RawMessage, error)
	Interrupt(ctx context.Context) error
}

// JobHandle identifies a submitted job.
type JobHandle struct {
	PromptID   string          `json:"prompt_id"`
	Number     int             `json:"number"`
	NodeErrors json.RawMessage `json:"node_errors,omitempty"`
}

// QueueSnapshot lists the job ids running and waiting across the whole engine,
// not only the caller's.
type QueueSnapshot struct {
	Running []string `json:"running"`
	Pending []string `json:"pending"`
}

// Contains reports whether jobID is running or pending.
func (q QueueSnapshot) Contains(jobID string) bool {
	return slices.Contains(q.Running, jobID) || slices.Contains(q.Pending, jobID)
}

// ArtifactDescriptor addresses one output artifact. Identical triples resolve
// to identical bytes for the lifetime of a job.
type ArtifactDescriptor struct {
	Filename  string `json:"filename"`
	Subfolder string `json:"subfolder"`
	Type      string `json:"type"`
}

// NodeOutput is what one graph node produced.
type NodeOutput struct {
	Images []ArtifactDescriptor `json:"images,omitempty"`
}

// Engine-reported job status values.
const (
	JobStatusSuccess = "success"
	JobStatusError   = "error"
)

// JobStatus is the engine's verdict on a finished job.
type JobStatus struct {
	StatusStr string          `json:"status_str"`
	Completed bool            `json:"completed"`
	Messages  json.RawMessage `json:"messages,omitempty"`
}

// JobRecord is the engine's history entry for one job.
type JobRecord struct {
	Outputs map[string]NodeOutput `json:"outputs"`
	Status  JobStatus             `json:"status"`
}

// Failed reports whether the engine recorded the job as failed.
func (r *JobRecord) Failed() bool {
	return r.Status.StatusStr == JobStatusError
}
