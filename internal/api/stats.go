package api

import (
	"net/http"
)

// statsResponse is the JSON response for GET /v1/stats.
type statsResponse struct {
	Pending          int            `json:"pending"`
	InFlight         int            `json:"in_flight"`
	ActiveByKind     map[string]int `json:"active_by_kind"`
	Limits           map[string]int `json:"limits"`
	Retained         int            `json:"retained"`
	RetainedByStatus map[string]int `json:"retained_by_status"`
}

func (s *Server) handleGetStats(w http.ResponseWriter, r *http.Request) {
	stats, err := s.engine.Stats(r.Context())
	if err != nil {
		s.logger.Error("get engine stats", "error", err)
		s.writeError(w, http.StatusInternalServerError, "failed to get stats")
		return
	}

	resp := statsResponse{
		Pending:      stats.Pending,
		InFlight:     stats.InFlight,
		ActiveByKind: stats.ActiveByKind,
		Limits:       stats.Limits,
	}
	if stats.Retained != nil {
		resp.Retained = stats.Retained.Total
		resp.RetainedByStatus = stats.Retained.CountByStatus
	}
	if resp.RetainedByStatus == nil {
		resp.RetainedByStatus = map[string]int{}
	}

	s.writeJSON(w, http.StatusOK, resp)
}
