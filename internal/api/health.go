package api

import (
	"encoding/json"
	"net/http"
)

const (
	serverRunning = "running"
	serverBusy    = "busy"
)

type healthResponse struct {
	Status string `json:"status"`
}

// statusResponse is the JSON response for GET /status.
type statusResponse struct {
	Status   string `json:"status"`
	Pending  int    `json:"pending"`
	InFlight int    `json:"in_flight"`
}

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	if err := json.NewEncoder(w).Encode(healthResponse{Status: "ok"}); err != nil {
		s.logger.Error("encode healthz response", "error", err)
	}
}

// handleStatus reports "busy" while any job is queued or running.
func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	stats, err := s.engine.Stats(r.Context())
	if err != nil {
		s.logger.Error("get engine stats", "error", err)
		s.writeError(w, http.StatusInternalServerError, "failed to get status")
		return
	}

	status := serverRunning
	if stats.Pending+stats.InFlight > 0 {
		status = serverBusy
	}
	s.writeJSON(w, http.StatusOK, statusResponse{
		Status:   status,
		Pending:  stats.Pending,
		InFlight: stats.InFlight,
	})
}
