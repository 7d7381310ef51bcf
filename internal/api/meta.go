package api

import "net/http"

// healthResponse is the JSON response for GET /healthz.
type healthResponse struct {
	Status string `json:"status"`
	Live   int    `json:"live_workers"`
}

type entrypointsResponse struct {
	Entrypoints []string `json:"entrypoints"`
}

type transportsResponse struct {
	Transports []string `json:"transports"`
}

func (s *Server) handleHealthz(w http.ResponseWriter, _ *http.Request) {
	s.writeJSON(w, http.StatusOK, healthResponse{Status: "ok", Live: s.manager.Live()})
}

func (s *Server) handleListEntrypoints(w http.ResponseWriter, _ *http.Request) {
	s.writeJSON(w, http.StatusOK, entrypointsResponse{Entrypoints: s.manager.Entrypoints()})
}

func (s *Server) handleListTransports(w http.ResponseWriter, _ *http.Request) {
	s.writeJSON(w, http.StatusOK, transportsResponse{Transports: s.manager.Transports()})
}
