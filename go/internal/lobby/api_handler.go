package lobby

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/mcdev12/trivia/go/internal/presence"
)

const maxBodyBytes = 4 << 10

// APIHandler serves the JSON lobby endpoints
type APIHandler struct {
	service *Service
}

// NewAPIHandler creates a new API handler
func NewAPIHandler(service *Service) *APIHandler {
	return &APIHandler{service: service}
}

// HandleJoin handles POST /api/lobby/join
func (h *APIHandler) HandleJoin(w http.ResponseWriter, r *http.Request) {
	var req JoinRequest
	if !decodeBody(w, r, &req) {
		return
	}

	resp, err := h.service.Join(r.Context(), req.Username)
	if err != nil {
		log.Warn().Err(err).Str("username", req.Username).Msg("lobby join failed")
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, resp)
}

// HandleLeave handles POST /api/lobby/leave
func (h *APIHandler) HandleLeave(w http.ResponseWriter, r *http.Request) {
	var req LeaveRequest
	if !decodeBody(w, r, &req) {
		return
	}
	sessionID, ok := parseSessionID(w, req.SessionID)
	if !ok {
		return
	}

	if err := h.service.Leave(r.Context(), sessionID); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// HandleUsers handles GET /api/lobby/users?session_id=
func (h *APIHandler) HandleUsers(w http.ResponseWriter, r *http.Request) {
	sessionID, ok := parseSessionID(w, r.URL.Query().Get("session_id"))
	if !ok {
		return
	}

	resp, err := h.service.Users(sessionID)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

// HandleChallenge handles POST /api/lobby/challenge
func (h *APIHandler) HandleChallenge(w http.ResponseWriter, r *http.Request) {
	var req ChallengeRequest
	if !decodeBody(w, r, &req) {
		return
	}
	sessionID, ok := parseSessionID(w, req.SessionID)
	if !ok {
		return
	}

	result, err := h.service.Challenge(r.Context(), sessionID, req.Challenged)
	if err != nil {
		log.Warn().Err(err).Str("session_id", req.SessionID).Msg("challenge failed")
		writeError(w, err)
		return
	}

	resp := ChallengeResponse{SessionID: req.SessionID, Challenged: req.Challenged}
	if json.Valid(result) {
		resp.Result = json.RawMessage(result)
	} else {
		resp.Result = string(result)
	}
	writeJSON(w, http.StatusOK, resp)
}

// HandleHealth handles GET /health
func (h *APIHandler) HandleHealth(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	if _, err := w.Write([]byte("OK")); err != nil {
		log.Error().Err(err).Msg("failed to write health check response")
	}
}

// RegisterRoutes registers the lobby API routes with an HTTP mux
func (h *APIHandler) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("POST /api/lobby/join", h.HandleJoin)
	mux.HandleFunc("POST /api/lobby/leave", h.HandleLeave)
	mux.HandleFunc("GET /api/lobby/users", h.HandleUsers)
	mux.HandleFunc("POST /api/lobby/challenge", h.HandleChallenge)
	mux.HandleFunc("GET /health", h.HandleHealth)
}

// statusFor maps service errors onto HTTP status codes
func statusFor(err error) int {
	switch {
	case errors.Is(err, ErrUnknownSession):
		return http.StatusNotFound
	case errors.Is(err, presence.ErrInvalidUsername):
		return http.StatusBadRequest
	case errors.Is(err, presence.ErrAlreadyJoined), errors.Is(err, presence.ErrNotJoined):
		return http.StatusConflict
	case errors.Is(err, presence.ErrConnectFailed),
		errors.Is(err, presence.ErrTransportRejected),
		errors.Is(err, presence.ErrNotConnected),
		errors.Is(err, presence.ErrSessionClosed):
		return http.StatusServiceUnavailable
	case errors.Is(err, presence.ErrChallengeFailed):
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

func writeError(w http.ResponseWriter, err error) {
	writeJSON(w, statusFor(err), ErrorResponse{Error: err.Error()})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Error().Err(err).Msg("failed to encode response")
	}
}

func decodeBody(w http.ResponseWriter, r *http.Request, v any) bool {
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		writeJSON(w, http.StatusBadRequest, ErrorResponse{Error: "invalid request body"})
		return false
	}
	return true
}

func parseSessionID(w http.ResponseWriter, raw string) (uuid.UUID, bool) {
	if raw == "" {
		writeJSON(w, http.StatusBadRequest, ErrorResponse{Error: "session_id is required"})
		return uuid.Nil, false
	}
	id, err := uuid.Parse(raw)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, ErrorResponse{Error: "invalid session_id format"})
		return uuid.Nil, false
	}
	return id, true
}
