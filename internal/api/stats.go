package api

import (
	"net/http"
)

// statsResponse is the JSON response for GET /v1/stats.
type statsResponse struct {
	Total         int            `json:"total"`
	ByStatus      map[string]int `json:"by_status"`
	ByGateway     map[string]int `json:"by_gateway"`
	ByErrorKind   map[string]int `json:"by_error_kind"`
	AvgDurationMS float64        `json:"avg_duration_ms"`
	Artifacts     int            `json:"artifacts"`
	ArtifactBytes int64          `json:"artifact_bytes"`
}

func (s *Server) handleGetStats(w http.ResponseWriter, r *http.Request) {
	stats, err := s.store.GetExecutionStats(r.Context())
	if err != nil {
		s.logger.Error("get execution stats", "error", err)
		s.writeError(w, http.StatusInternalServerError, "failed to get stats")
		return
	}

	s.writeJSON(w, http.StatusOK, statsResponse{
		Total:         stats.Total,
		ByStatus:      stats.CountByStatus,
		ByGateway:     stats.CountByGateway,
		ByErrorKind:   stats.CountByErrorKind,
		AvgDurationMS: stats.AvgDurationMS,
		Artifacts:     stats.Artifacts,
		ArtifactBytes: stats.ArtifactBytes,
	})
}
