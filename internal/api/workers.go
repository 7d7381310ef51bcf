package api

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/seantiz/offload/internal/model"
)

const (
	defaultListLimit = 20
	maxListLimit     = 100
	maxBodySize      = 1 << 20 // 1 MB
)

// spawnWorkerRequest is the JSON body for POST /v1/workers.
type spawnWorkerRequest struct {
	Locator   string `json:"locator"`
	Transport string `json:"transport"`
}

// listWorkersResponse wraps the paginated list response.
type listWorkersResponse struct {
	Workers []*model.HandleRecord `json:"workers"`
	Total   int                   `json:"total"`
	Limit   int                   `json:"limit"`
	Offset  int                   `json:"offset"`
}

// runRequest is the JSON body for POST /v1/workers/:id/run.
type runRequest struct {
	Input     json.RawMessage `json:"input"`
	TimeoutMS int             `json:"timeout_ms"`
}

// runResponse is the JSON response for a completed call.
type runResponse struct {
	WorkerID string          `json:"worker_id"`
	Output   json.RawMessage `json:"output"`
}

// listCallsResponse is the JSON response for GET /v1/workers/:id/calls.
type listCallsResponse struct {
	WorkerID string              `json:"worker_id"`
	Calls    []*model.CallRecord `json:"calls"`
}

func (s *Server) handleSpawnWorker(w http.ResponseWriter, r *http.Request) {
	var req spawnWorkerRequest
	r.Body = http.MaxBytesReader(w, r.Body, maxBodySize)
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}

	if req.Locator == "" {
		s.writeError(w, http.StatusBadRequest, "locator is required")
		return
	}

	rec, err := s.manager.Spawn(r.Context(), req.Locator, req.Transport)
	if err != nil {
		s.writeFailure(w, err, "failed to spawn worker")
		return
	}

	s.writeJSON(w, http.StatusCreated, rec)
}

func (s *Server) handleGetWorker(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	rec, err := s.manager.Get(r.Context(), id)
	if err != nil {
		s.writeFailure(w, err, "failed to get worker")
		return
	}

	s.writeJSON(w, http.StatusOK, rec)
}

func (s *Server) handleListWorkers(w http.ResponseWriter, r *http.Request) {
	limit := parseIntQuery(r, "limit", defaultListLimit)
	offset := parseIntQuery(r, "offset", 0)

	if limit <= 0 || limit > maxListLimit {
		limit = defaultListLimit
	}
	if offset < 0 {
		offset = 0
	}

	workers, total, err := s.manager.List(r.Context(), limit, offset)
	if err != nil {
		s.writeFailure(w, err, "failed to list workers")
		return
	}

	if workers == nil {
		workers = []*model.HandleRecord{}
	}

	s.writeJSON(w, http.StatusOK, listWorkersResponse{
		Workers: workers,
		Total:   total,
		Limit:   limit,
		Offset:  offset,
	})
}

func (s *Server) handleRunWorker(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	var req runRequest
	r.Body = http.MaxBytesReader(w, r.Body, maxBodySize)
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if len(req.Input) == 0 {
		s.writeError(w, http.StatusBadRequest, "input is required")
		return
	}
	if req.TimeoutMS < 0 {
		s.writeError(w, http.StatusBadRequest, "timeout_ms must not be negative")
		return
	}

	ctx := r.Context()
	if req.TimeoutMS > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, time.Duration(req.TimeoutMS)*time.Millisecond)
		defer cancel()
	}

	out, err := s.manager.Run(ctx, id, req.Input)
	if err != nil {
		s.writeFailure(w, err, "failed to run worker")
		return
	}

	s.writeJSON(w, http.StatusOK, runResponse{WorkerID: id, Output: out})
}

func (s *Server) handleListCalls(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	calls, err := s.manager.Calls(r.Context(), id)
	if err != nil {
		s.writeFailure(w, err, "failed to list calls")
		return
	}

	s.writeJSON(w, http.StatusOK, listCallsResponse{WorkerID: id, Calls: calls})
}

func (s *Server) handleTerminateWorker(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	if err := s.manager.Terminate(r.Context(), id); err != nil {
		s.writeFailure(w, err, "failed to terminate worker")
		return
	}

	rec, err := s.manager.Get(r.Context(), id)
	if err != nil {
		s.logger.Error("get terminated worker", "error", err)
		s.writeError(w, http.StatusInternalServerError, "failed to retrieve worker")
		return
	}

	s.writeJSON(w, http.StatusOK, rec)
}
