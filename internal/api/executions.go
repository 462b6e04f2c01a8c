package api

import (
	"bytes"
	"encoding/json"
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/seantiz/comfyflow/internal/engine"
	"github.com/seantiz/comfyflow/internal/model"
	"github.com/seantiz/comfyflow/internal/store"
	"github.com/seantiz/comfyflow/internal/workflow"
)

const (
	defaultListLimit = 20
	maxListLimit     = 100
	maxBodySize      = 8 << 20 // 8 MB
)

// createExecutionRequest is the JSON body for POST /v1/executions.
type createExecutionRequest struct {
	Gateway     string                    `json:"gateway"`
	Workflow    json.RawMessage           `json:"workflow"`
	Overrides   map[string]map[string]any `json:"overrides"`
	TimeoutS    *int                      `json:"timeout_s"`
	Materialize bool                      `json:"materialize"`
}

// listExecutionsResponse wraps the paginated list response.
type listExecutionsResponse struct {
	Executions []*model.Execution `json:"executions"`
	Total      int                `json:"total"`
	Limit      int                `json:"limit"`
	Offset     int                `json:"offset"`
}

func (s *Server) handleCreateExecution(w http.ResponseWriter, r *http.Request) {
	var req createExecutionRequest
	r.Body = http.MaxBytesReader(w, r.Body, maxBodySize)
	dec := json.NewDecoder(r.Body)
	dec.UseNumber()
	if err := dec.Decode(&req); err != nil {
		s.rejectSubmission(w, http.StatusBadRequest, "invalid JSON body")
		return
	}

	if len(bytes.TrimSpace(req.Workflow)) == 0 {
		s.rejectSubmission(w, http.StatusBadRequest, "workflow is required")
		return
	}
	graph, err := workflow.Parse(req.Workflow)
	if err != nil {
		s.rejectSubmission(w, http.StatusBadRequest, err.Error())
		return
	}
	if req.TimeoutS != nil && *req.TimeoutS < 0 {
		s.rejectSubmission(w, http.StatusBadRequest, "timeout_s must not be negative")
		return
	}

	x, err := s.engine.Submit(r.Context(), engine.Submission{
		Gateway:     req.Gateway,
		Workflow:    graph,
		Overrides:   req.Overrides,
		TimeoutS:    req.TimeoutS,
		Materialize: req.Materialize,
	})
	switch {
	case errors.Is(err, engine.ErrUnknownGateway), errors.Is(err, workflow.ErrNodeNotFound):
		s.rejectSubmission(w, http.StatusBadRequest, err.Error())
		return
	case errors.Is(err, engine.ErrShuttingDown):
		s.rejectSubmission(w, http.StatusServiceUnavailable, err.Error())
		return
	case err != nil:
		s.logger.Error("submit execution", "error", err)
		s.rejectSubmission(w, http.StatusInternalServerError, "failed to submit execution")
		return
	}

	recordSubmission(x.Gateway, submissionAccepted)
	s.writeJSON(w, http.StatusAccepted, x)
}

// rejectSubmission answers a submission that was not accepted and counts it
// by the kind of failure.
func (s *Server) rejectSubmission(w http.ResponseWriter, status int, message string) {
	outcome := submissionError
	switch status {
	case http.StatusBadRequest:
		outcome = submissionInvalid
	case http.StatusServiceUnavailable:
		outcome = submissionUnavailable
	}
	recordSubmission("", outcome)
	s.writeError(w, status, message)
}

func (s *Server) handleGetExecution(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	x, err := s.store.GetExecution(r.Context(), id)
	if errors.Is(err, store.ErrNotFound) {
		s.writeError(w, http.StatusNotFound, "execution not found")
		return
	}
	if err != nil {
		s.logger.Error("get execution", "error", err)
		s.writeError(w, http.StatusInternalServerError, "failed to get execution")
		return
	}

	s.writeJSON(w, http.StatusOK, x)
}

func (s *Server) handleListExecutions(w http.ResponseWriter, r *http.Request) {
	limit := parseIntQuery(r, "limit", defaultListLimit)
	offset := parseIntQuery(r, "offset", 0)

	if limit <= 0 || limit > maxListLimit {
		limit = defaultListLimit
	}
	if offset < 0 {
		offset = 0
	}

	executions, total, err := s.store.ListExecutions(r.Context(), limit, offset)
	if err != nil {
		s.logger.Error("list executions", "error", err)
		s.writeError(w, http.StatusInternalServerError, "failed to list executions")
		return
	}

	if executions == nil {
		executions = []*model.Execution{}
	}
	// The list view leaves out graphs and results; fetch one execution for those.
	for _, x := range executions {
		x.Workflow = nil
		x.Result = nil
	}

	s.writeJSON(w, http.StatusOK, listExecutionsResponse{
		Executions: executions,
		Total:      total,
		Limit:      limit,
		Offset:     offset,
	})
}

// handleCancelExecution cancels a pending or running execution. It answers
// 202 because the execution reaches killed asynchronously.
func (s *Server) handleCancelExecution(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	err := s.engine.Cancel(r.Context(), id)
	switch {
	case errors.Is(err, store.ErrNotFound):
		s.writeError(w, http.StatusNotFound, "execution not found")
		return
	case errors.Is(err, engine.ErrNotRunning):
		s.writeError(w, http.StatusConflict, "execution already finished")
		return
	case err != nil:
		s.logger.Error("cancel execution", "error", err)
		s.writeError(w, http.StatusInternalServerError, "failed to cancel execution")
		return
	}

	x, err := s.store.GetExecution(r.Context(), id)
	if err != nil {
		s.logger.Error("get cancelled execution", "error", err)
		s.writeError(w, http.StatusInternalServerError, "failed to retrieve execution")
		return
	}

	s.writeJSON(w, http.StatusAccepted, x)
}
