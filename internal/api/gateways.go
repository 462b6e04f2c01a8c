package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/seantiz/comfyflow/internal/gateway"
)

func (s *Server) handleListGateways(w http.ResponseWriter, _ *http.Request) {
	s.writeJSON(w, http.StatusOK, s.registry.List())
}

// adminGateway resolves the named gateway and checks it supports the
// admin endpoints. It writes the error response itself and returns false
// on failure.
func (s *Server) adminGateway(w http.ResponseWriter, r *http.Request) (gateway.Admin, bool) {
	name := chi.URLParam(r, "name")
	g, _, err := s.registry.Resolve(name)
	if err != nil {
		s.writeError(w, http.StatusNotFound, "gateway not found")
		return nil, false
	}
	admin, ok := g.(gateway.Admin)
	if !ok {
		s.writeError(w, http.StatusNotImplemented, "gateway does not support admin operations")
		return nil, false
	}
	return admin, true
}

func (s *Server) handleGatewaySystemStats(w http.ResponseWriter, r *http.Request) {
	admin, ok := s.adminGateway(w, r)
	if !ok {
		return
	}

	stats, err := admin.SystemStats(r.Context())
	if err != nil {
		s.logger.Warn("gateway system stats", "gateway", chi.URLParam(r, "name"), "error", err)
		s.writeError(w, http.StatusBadGateway, err.Error())
		return
	}
	s.writeJSON(w, http.StatusOK, stats)
}

// handleGatewayInterrupt stops whatever the engine is running right now,
// which may belong to another client.
func (s *Server) handleGatewayInterrupt(w http.ResponseWriter, r *http.Request) {
	admin, ok := s.adminGateway(w, r)
	if !ok {
		return
	}

	if err := admin.Interrupt(r.Context()); err != nil {
		s.logger.Warn("gateway interrupt", "gateway", chi.URLParam(r, "name"), "error", err)
		s.writeError(w, http.StatusBadGateway, err.Error())
		return
	}
	s.logger.Info("gateway interrupted", "gateway", chi.URLParam(r, "name"))
	w.WriteHeader(http.StatusNoContent)
}
