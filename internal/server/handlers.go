package server

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/conneroisu/reservoir/internal/errors"
	"github.com/conneroisu/reservoir/internal/hub"
	"github.com/conneroisu/reservoir/internal/version"
)

const maxBodyBytes = 1 << 20

type publishRequest struct {
	Type    string   `json:"type"`
	Keys    []string `json:"keys"`
	Payload any      `json:"payload"`
}

type errorResponse struct {
	Error string `json:"error"`
	Kind  string `json:"kind,omitempty"`
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, r, http.StatusOK, s.container.Stats())
}

func (s *Server) handleVersion(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, r, http.StatusOK, version.Get())
}

func (s *Server) handlePublish(w http.ResponseWriter, r *http.Request) {
	var req publishRequest
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if err := dec.Decode(&req); err != nil {
		s.writeError(w, r, errors.Invalid("server.publish", fmt.Sprintf("malformed body: %v", err)))
		return
	}

	rec, err := s.container.Events.Append(r.Context(), hub.Event{
		Type:    req.Type,
		Keys:    req.Keys,
		Payload: req.Payload,
	})
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.writeJSON(w, r, http.StatusCreated, rec)
}

func (s *Server) handleGetEvent(w http.ResponseWriter, r *http.Request) {
	id, err := strconv.ParseInt(r.PathValue("id"), 10, 64)
	if err != nil || id < 1 {
		s.writeError(w, r, errors.Invalid("server.getEvent", "id must be a positive integer"))
		return
	}

	rec, err := s.container.Events.Get(r.Context(), id)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.writeJSON(w, r, http.StatusOK, rec)
}

func (s *Server) handleRecent(w http.ResponseWriter, r *http.Request) {
	limit := 50
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil {
			s.writeError(w, r, errors.Invalid("server.recent", "limit must be an integer"))
			return
		}
		limit = n
	}

	records, err := s.container.Events.Recent(r.Context(), limit)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.writeJSON(w, r, http.StatusOK, records)
}

func (s *Server) handlePrune(w http.ResponseWriter, r *http.Request) {
	olderThan := 24 * time.Hour
	if raw := r.URL.Query().Get("older_than"); raw != "" {
		d, err := time.ParseDuration(raw)
		if err != nil || d < 0 {
			s.writeError(w, r, errors.Invalid("server.prune", "older_than must be a non-negative duration"))
			return
		}
		olderThan = d
	}

	if err := s.container.Events.SubmitPrune(time.Now().Add(-olderThan)); err != nil {
		s.writeError(w, r, err)
		return
	}
	info, _ := s.container.Events.PruneStatus()
	s.writeJSON(w, r, http.StatusAccepted, info)
}

func (s *Server) handlePruneStatus(w http.ResponseWriter, r *http.Request) {
	info, ok := s.container.Events.PruneStatus()
	if !ok {
		s.writeError(w, r, errors.NotFound("server.pruneStatus", "no prune has run"))
		return
	}

	body := map[string]any{"task": info}
	if info.State.Terminal() {
		if info.Err != nil {
			body["error"] = info.Err.Error()
		} else {
			body["deleted"] = info.Result
		}
	}
	s.writeJSON(w, r, http.StatusOK, body)
}

// statusFor maps an error kind to an HTTP status.
func statusFor(err error) int {
	switch errors.KindOf(err) {
	case errors.KindNotFound:
		return http.StatusNotFound
	case errors.KindInvalid:
		return http.StatusBadRequest
	case errors.KindDuplicateRequest:
		return http.StatusConflict
	case errors.KindCapacityExceeded, errors.KindClosed:
		return http.StatusServiceUnavailable
	case errors.KindTimeout:
		return http.StatusGatewayTimeout
	case errors.KindUpstreamFailure:
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

func (s *Server) writeError(w http.ResponseWriter, r *http.Request, err error) {
	status := statusFor(err)
	if status >= http.StatusInternalServerError {
		s.logger.Warn(r.Context(), err, "Request failed", "path", r.URL.Path, "status", status)
	}
	s.writeJSON(w, r, status, errorResponse{Error: err.Error(), Kind: string(errors.KindOf(err))})
}

func (s *Server) writeJSON(w http.ResponseWriter, r *http.Request, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.logger.Error(r.Context(), err, "Failed to encode response", "path", r.URL.Path)
	}
}
