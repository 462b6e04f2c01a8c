package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/seantiz/comfyflow/internal/model"
	"github.com/seantiz/comfyflow/internal/orchestrator"
)

// PutArtifact stores an artifact's bytes. Artifacts are keyed by execution
// and filename; a second artifact with the same filename replaces the first.
func (s *SQLiteStore) PutArtifact(ctx context.Context, a *model.StoredArtifact) error {
	if a.CreatedAt.IsZero() {
		a.CreatedAt = time.Now().UTC()
	}
	a.Size = len(a.Data)
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO artifacts (execution_id, filename, node_id, subfolder, type, size, data, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (execution_id, filename) DO UPDATE SET
			node_id = excluded.node_id,
			subfolder = excluded.subfolder,
			type = excluded.type,
			size = excluded.size,
			data = excluded.data,
			created_at = excluded.created_at`,
		a.ExecutionID, a.Filename, a.NodeID, a.Subfolder, a.Type, a.Size, a.Data, a.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("put artifact: %w", err)
	}
	return nil
}

// GetArtifact returns an artifact including its bytes.
func (s *SQLiteStore) GetArtifact(ctx context.Context, executionID, filename string) (*model.StoredArtifact, error) {
	a := &model.StoredArtifact{}
	err := s.db.QueryRowContext(ctx,
		`SELECT execution_id, filename, node_id, subfolder, type, size, data, created_at
		FROM artifacts WHERE execution_id = ? AND filename = ?`, executionID, filename,
	).Scan(&a.ExecutionID, &a.Filename, &a.NodeID, &a.Subfolder, &a.Type, &a.Size, &a.Data, &a.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get artifact: %w", err)
	}
	return a, nil
}

// ListArtifacts returns the artifacts of an execution without their bytes,
// ordered by filename.
func (s *SQLiteStore) ListArtifacts(ctx context.Context, executionID string) ([]model.StoredArtifact, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT execution_id, filename, node_id, subfolder, type, size, created_at
		FROM artifacts WHERE execution_id = ? ORDER BY filename ASC`, executionID,
	)
	if err != nil {
		return nil, fmt.Errorf("list artifacts: %w", err)
	}
	defer rows.Close()

	artifacts := []model.StoredArtifact{}
	for rows.Next() {
		var a model.StoredArtifact
		if err := rows.Scan(&a.ExecutionID, &a.Filename, &a.NodeID, &a.Subfolder, &a.Type, &a.Size, &a.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan artifact: %w", err)
		}
		artifacts = append(artifacts, a)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate artifacts: %w", err)
	}
	return artifacts, nil
}

// ArtifactSink persists downloaded images of one execution into a Store.
type ArtifactSink struct {
	Store       Store
	ExecutionID string
}

var _ orchestrator.Sink = ArtifactSink{}

// Persist stores img under the sink's execution.
func (s ArtifactSink) Persist(ctx context.Context, img orchestrator.Image) error {
	return s.Store.PutArtifact(ctx, &model.StoredArtifact{
		ExecutionID: s.ExecutionID,
		NodeID:      img.NodeID,
		Filename:    img.Descriptor.Filename,
		Subfolder:   img.Descriptor.Subfolder,
		Type:        img.Descriptor.Type,
		Data:        img.Data,
	})
}
