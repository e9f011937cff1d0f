package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/foxzi/mailpace/internal/campaign"
	"github.com/foxzi/mailpace/internal/engine"
	"github.com/foxzi/mailpace/internal/metrics"
	"github.com/foxzi/mailpace/internal/personalize"
	"github.com/foxzi/mailpace/internal/store"
)

// HealthResponse is the response for GET /health
type HealthResponse struct {
	Status  string   `json:"status"`
	Version string   `json:"version"`
	Uptime  string   `json:"uptime"`
	Running []string `json:"running"`
}

// ErrorResponse is the error response
type ErrorResponse struct {
	Error string `json:"error"`
	Field string `json:"field,omitempty"`
}

// handleHealth handles GET /health
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	s.sendJSON(w, http.StatusOK, HealthResponse{
		Status:  "ok",
		Version: s.version,
		Uptime:  time.Since(s.startTime).Round(time.Second).String(),
		Running: s.manager.Running(),
	})
}

// sendJSON sends a JSON response
func (s *Server) sendJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

// sendError sends an error response
func (s *Server) sendError(w http.ResponseWriter, status int, message string) {
	s.sendJSON(w, status, ErrorResponse{Error: message})
}

// sendStoreError maps domain errors onto HTTP statuses
func (s *Server) sendStoreError(w http.ResponseWriter, err error, action string) {
	var ve *campaign.ValidationError
	if errors.As(err, &ve) {
		metrics.IncAPIErrors("validation")
		s.sendJSON(w, http.StatusBadRequest, ErrorResponse{Error: ve.Error(), Field: ve.Field})
		return
	}

	var mfe *personalize.MissingFieldError
	switch {
	case errors.As(err, &mfe), errors.Is(err, store.ErrDuplicateEmail):
		metrics.IncAPIErrors("validation")
		s.sendError(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, store.ErrNotFound):
		s.sendError(w, http.StatusNotFound, "Campaign not found")
	case errors.Is(err, store.ErrNotDraft),
		errors.Is(err, store.ErrConflict),
		errors.Is(err, store.ErrRunning),
		errors.Is(err, engine.ErrAlreadyRunning),
		errors.Is(err, engine.ErrNotRunnable),
		errors.Is(err, engine.ErrNotActive):
		metrics.IncAPIErrors("conflict")
		s.sendError(w, http.StatusConflict, err.Error())
	case errors.Is(err, engine.ErrShutdown):
		s.sendError(w, http.StatusServiceUnavailable, "Server is shutting down")
	default:
		metrics.IncAPIErrors("internal")
		s.logger.Error("request failed", "action", action, "error", err)
		s.sendError(w, http.StatusInternalServerError, "Failed to "+action)
	}
}

// queryInt reads a non-negative integer query parameter
func queryInt(r *http.Request, name string, def int) (int, error) {
	v := r.URL.Query().Get(name)
	if v == "" {
		return def, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil || n < 0 {
		return 0, errors.New(name + " must be a non-negative integer")
	}
	return n, nil
}
