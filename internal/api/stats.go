package api

import (
	"net/http"
)

// statsResponse is the JSON response for GET /v1/stats.
type statsResponse struct {
	Workers            int            `json:"workers"`
	Live               int            `json:"live"`
	WorkersByState     map[string]int `json:"workers_by_state"`
	WorkersByTransport map[string]int `json:"workers_by_transport"`
	Calls              int            `json:"calls"`
	CallsByOutcome     map[string]int `json:"calls_by_outcome"`
	AvgDurationMS      float64        `json:"avg_duration_ms"`
}

func (s *Server) handleGetStats(w http.ResponseWriter, r *http.Request) {
	stats, err := s.manager.Stats(r.Context())
	if err != nil {
		s.logger.Error("get stats", "error", err)
		s.writeError(w, http.StatusInternalServerError, "failed to get stats")
		return
	}

	s.writeJSON(w, http.StatusOK, statsResponse{
		Workers:            stats.Handles,
		Live:               s.manager.Live(),
		WorkersByState:     stats.HandlesByState,
		WorkersByTransport: stats.HandlesByTransport,
		Calls:              stats.Calls,
		CallsByOutcome:     stats.CallsByOutcome,
		AvgDurationMS:      stats.AvgDurationMS,
	})
}
