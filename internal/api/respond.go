package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"github.com/seantiz/offload/internal/engine"
	"github.com/seantiz/offload/internal/entrypoint"
	"github.com/seantiz/offload/internal/store"
	"github.com/seantiz/offload/internal/transport"
	"github.com/seantiz/offload/internal/worker"
)

// errorResponse is the JSON body of every non-2xx response.
type errorResponse struct {
	Error     string `json:"error"`
	RequestID string `json:"request_id,omitempty"`
}

// writeJSON writes v as a JSON response with the given status.
func (s *Server) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.logger.Error("encode response", "error", err)
	}
}

// writeError writes a JSON error response.
func (s *Server) writeError(w http.ResponseWriter, status int, message string) {
	s.writeJSON(w, status, errorResponse{Error: message})
}

// writeFailure maps a manager or worker error onto an HTTP status. Errors it
// does not recognise are logged and reported as 500 with the given message.
func (s *Server) writeFailure(w http.ResponseWriter, err error, message string) {
	var remote *worker.RemoteError
	switch {
	case errors.As(err, &remote):
		s.writeJSON(w, http.StatusUnprocessableEntity, errorResponse{Error: remote.Reason, RequestID: remote.RequestID})
	case errors.Is(err, store.ErrNotFound):
		s.writeError(w, http.StatusNotFound, "worker not found")
	case errors.Is(err, worker.ErrBusy):
		s.writeError(w, http.StatusConflict, err.Error())
	case errors.Is(err, engine.ErrNotLive),
		errors.Is(err, worker.ErrTerminated),
		errors.Is(err, worker.ErrTransportClosed):
		s.writeError(w, http.StatusGone, err.Error())
	case errors.Is(err, entrypoint.ErrUnknownEntrypoint),
		errors.Is(err, transport.ErrUnknownKind),
		errors.Is(err, transport.ErrRejected):
		s.writeError(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, context.DeadlineExceeded):
		s.writeError(w, http.StatusGatewayTimeout, "call timed out")
	default:
		s.logger.Error(message, "error", err)
		s.writeError(w, http.StatusInternalServerError, message)
	}
}

// parseIntQuery parses an integer query parameter with a default value.
func parseIntQuery(r *http.Request, key string, defaultVal int) int {
	s := r.URL.Query().Get(key)
	if s == "" {
		return defaultVal
	}
	v, err := strconv.Atoi(s)
	if err != nil {
		return defaultVal
	}
	return v
}
