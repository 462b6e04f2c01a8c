package api

import (
	"context"
	"net/http"
	"time"
)

const healthPingTimeout = 2 * time.Second

// healthResponse reports whether the service can record executions and how
// many engines it can send them to.
type healthResponse struct {
	Status   string `json:"status"`
	Store    string `json:"store"`
	Gateways int    `json:"gateways"`
	Error    string `json:"error,omitempty"`
}

// handleHealthz answers 503 when the store is unreachable or no gateway is
// registered, since no execution could be accepted in either case.
func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), healthPingTimeout)
	defer cancel()

	resp := healthResponse{Status: "ok", Store: "ok", Gateways: len(s.registry.List())}
	if err := s.store.Ping(ctx); err != nil {
		s.logger.Warn("health check: store unreachable", "error", err)
		resp.Status, resp.Store, resp.Error = "unavailable", "unreachable", err.Error()
	} else if resp.Gateways == 0 {
		resp.Status, resp.Error = "unavailable", "no gateways registered"
	}

	status := http.StatusOK
	if resp.Status != "ok" {
		status = http.StatusServiceUnavailable
	}
	s.writeJSON(w, status, resp)
}
