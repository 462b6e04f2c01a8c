package api

import (
	"bytes"
	"io"
	"net/http"

	"github.com/seantiz/comfyflow/internal/workflow"
)

// handleRenderWorkflow draws the posted workflow graph as SVG.
func (s *Server) handleRenderWorkflow(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, maxBodySize)
	data, err := io.ReadAll(r.Body)
	if err != nil {
		s.writeError(w, http.StatusBadRequest, "failed to read body")
		return
	}

	graph, err := workflow.Parse(data)
	if err != nil {
		s.writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	var buf bytes.Buffer
	workflow.Render(&buf, graph, r.URL.Query().Get("title"))

	w.Header().Set("Content-Type", "image/svg+xml")
	w.WriteHeader(http.StatusOK)
	if _, err := buf.WriteTo(w); err != nil {
		s.logger.Debug("write svg", "error", err)
	}
}
