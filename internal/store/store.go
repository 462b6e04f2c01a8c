package store

import (
	"context"
	"errors"

	"github.com/seantiz/comfyflow/internal/model"
)

// ErrInvalidTransition is returned when an execution status transition is not allowed.
var ErrInvalidTransition = errors.New("invalid status transition")

// ExecutionStats holds aggregate execution statistics.
type ExecutionStats struct {
	Total            int            `json:"total"`
	CountByStatus    map[string]int `json:"count_by_status"`
	CountByGateway   map[string]int `json:"count_by_gateway"`
	CountByErrorKind map[string]int `json:"count_by_error_kind"`
	AvgDurationMS    float64        `json:"avg_duration_ms"`
	Artifacts        int            `json:"artifacts"`
	ArtifactBytes    int64          `json:"artifact_bytes"`
}

// Store defines the persistence operations for executions, their progress
// events and their materialized artifacts.
type Store interface {
	CreateExecution(ctx context.Context, e *model.Execution) error
	GetExecution(ctx context.Context, id string) (*model.Execution, error)
	ListExecutions(ctx context.Context, limit, offset int) ([]*model.Execution, int, error)
	UpdateExecutionStatus(ctx context.Context, id, status string) error
	SetPromptID(ctx context.Context, id, promptID string) error
	UpdateExecution(ctx context.Context, e *model.Execution) error
	GetExecutionStats(ctx context.Context) (*ExecutionStats, error)
	InsertEvent(ctx context.Context, executionID string, seq int, line string) error
	GetEvents(ctx context.Context, executionID string) ([]model.Event, error)
	PutArtifact(ctx context.Context, a *model.StoredArtifact) error
	GetArtifact(ctx context.Context, executionID, filename string) (*model.StoredArtifact, error)
	ListArtifacts(ctx context.Context, executionID string) ([]model.StoredArtifact, error)
	Ping(ctx context.Context) error
	Close() error
}
