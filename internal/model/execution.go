package model

import (
	"encoding/json"
	"time"
)

// Execution status constants.
const (
	StatusPending   = "pending"
	StatusRunning   = "running"
	StatusCompleted = "completed"
	StatusFailed    = "failed"
	StatusKilled    = "killed"
)

// validTransitions maps each status to the set of statuses it may transition to.
var validTransitions = map[string]map[string]bool{
	StatusPending: {
		StatusRunning: true,
		StatusFailed:  true,
		StatusKilled:  true,
	},
	StatusRunning: {
		StatusCompleted: true,
		StatusFailed:    true,
		StatusKilled:    true,
	},
}

// ValidTransition reports whether transitioning from one status to another is allowed.
func ValidTransition(from, to string) bool {
	targets, ok := validTransitions[from]
	if !ok {
		return false
	}
	return targets[to]
}

// Terminal reports whether status is a final execution state.
func Terminal(status string) bool {
	return status == StatusCompleted || status == StatusFailed || status == StatusKilled
}

// Event is a single persisted progress line from an execution.
type Event struct {
	ID          int64     `json:"id"`
	ExecutionID string    `json:"execution_id"`
	Seq         int       `json:"seq"`
	Line        string    `json:"line"`
	CreatedAt   time.Time `json:"created_at"`
}

// Execution is one workflow submitted through the service. PromptID is the
// engine's job identifier, known once submission succeeds.
type Execution struct {
	ID          string          `json:"id"`
	Status      string          `json:"status"`
	Gateway     string          `json:"gateway"`
	ClientID    string          `json:"client_id"`
	PromptID    string          `json:"prompt_id,omitempty"`
	Workflow    json.RawMessage `json:"workflow,omitempty"`
	Result      json.RawMessage `json:"result,omitempty"`
	Materialize bool            `json:"materialize"`
	Error       string          `json:"error,omitempty"`
	ErrorKind   string          `json:"error_kind,omitempty"`
	TimeoutS    *int            `json:"timeout_s,omitempty"`
	DurationMS  *int            `json:"duration_ms,omitempty"`
	CreatedAt   time.Time       `json:"created_at"`
	StartedAt   *time.Time      `json:"started_at,omitempty"`
	FinishedAt  *time.Time      `json:"finished_at,omitempty"`
}

// StoredArtifact is a materialized output image kept for an execution.
type StoredArtifact struct {
	ExecutionID string    `json:"execution_id"`
	NodeID      string    `json:"node_id"`
	Filename    string    `json:"filename"`
	Subfolder   string    `json:"subfolder"`
	Type        string    `json:"type"`
	Size        int       `json:"size"`
	Data        []byte    `json:"-"`
	CreatedAt   time.Time `json:"created_at"`
}
