// Package api provides HTTP handlers for CallFlow endpoints.
package api

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"github.com/BTreeMap/CallFlow/internal/models"
	"github.com/BTreeMap/CallFlow/internal/oracle"
	"github.com/BTreeMap/CallFlow/internal/pipeline"
)

// turnRequest is the body for POST /v1/turn.
type turnRequest struct {
	SessionID string `json:"session_id"`
	CallID    string `json:"call_id,omitempty"`
	Utterance string `json:"utterance"`
}

// turnResponse is the result payload for a processed turn.
type turnResponse struct {
	Augmentation string                 `json:"augmentation,omitempty"`
	ToolResults  map[string]any         `json:"tool_results,omitempty"`
	Rules        []oracle.GuidelineRule `json:"rules,omitempty"`
	Flags        models.SessionFlags    `json:"flags"`
}

func (s *Server) turnHandler(w http.ResponseWriter, r *http.Request) {
	if r.Body != nil {
		defer r.Body.Close()
	}
	slog.Debug("Server.turnHandler: processing turn request", "method", r.Method, "path", r.URL.Path)
	if r.Method != http.MethodPost {
		w.Header().Set("Allow", http.MethodPost)
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	var req turnRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		slog.Warn("Server.turnHandler: failed to decode JSON", "error", err)
		writeJSONResponse(w, http.StatusBadRequest, models.Error("Invalid JSON format"))
		return
	}
	if req.SessionID == "" || req.Utterance == "" {
		writeJSONResponse(w, http.StatusBadRequest, models.Error("session_id and utterance are required"))
		return
	}

	res, err := s.pipeline.ProcessUtterance(r.Context(), pipeline.TurnRequest{
		SessionID: req.SessionID,
		CallID:    req.CallID,
		Utterance: req.Utterance,
	})
	if err != nil {
		slog.Error("Server.turnHandler: turn processing failed", "error", err, "session_id", req.SessionID)
		writeJSONResponse(w, http.StatusInternalServerError, models.Error("Failed to process turn"))
		return
	}

	slog.Info("Server.turnHandler: turn processed", "session_id", req.SessionID, "rules", len(res.Rules))
	writeJSONResponse(w, http.StatusOK, models.Success(turnResponse{
		Augmentation: res.Augmentation,
		ToolResults:  res.ToolResults,
		Rules:        res.Rules,
		Flags:        res.Flags,
	}))
}

// validateRequest is the body for POST /v1/validate. Rules carries the
// guidelines returned by the turn endpoint.
type validateRequest struct {
	SessionID string                 `json:"session_id"`
	Response  string                 `json:"response"`
	Rules     []oracle.GuidelineRule `json:"rules,omitempty"`
}

// validateResponse is the result payload for a validated response.
type validateResponse struct {
	Text     string `json:"text"`
	Fixed    bool   `json:"fixed"`
	Bypassed bool   `json:"bypassed"`
}

func (s *Server) validateHandler(w http.ResponseWriter, r *http.Request) {
	if r.Body != nil {
		defer r.Body.Close()
	}
	slog.Debug("Server.validateHandler: processing validation request", "method", r.Method)
	if r.Method != http.MethodPost {
		w.Header().Set("Allow", http.MethodPost)
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	var req validateRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		slog.Warn("Server.validateHandler: failed to decode JSON", "error", err)
		writeJSONResponse(w, http.StatusBadRequest, models.Error("Invalid JSON format"))
		return
	}
	if req.SessionID == "" || req.Response == "" {
		writeJSONResponse(w, http.StatusBadRequest, models.Error("session_id and response are required"))
		return
	}

	reply, err := s.pipeline.ValidateResponse(r.Context(), pipeline.ValidationRequest{
		SessionID: req.SessionID,
		Response:  req.Response,
		Rules:     req.Rules,
	})
	if err != nil {
		if errors.Is(err, models.ErrResponseRejected) {
			slog.Warn("Server.validateHandler: response rejected", "session_id", req.SessionID, "error", err)
			writeJSONResponse(w, http.StatusUnprocessableEntity, models.Error(err.Error()))
			return
		}
		slog.Error("Server.validateHandler: validation failed", "error", err, "session_id", req.SessionID)
		writeJSONResponse(w, http.StatusInternalServerError, models.Error("Failed to validate response"))
		return
	}

	writeJSONResponse(w, http.StatusOK, models.Success(validateResponse{
		Text:     reply.Text,
		Fixed:    reply.Fixed,
		Bypassed: reply.Bypassed,
	}))
}

// endSessionRequest is the body for POST /v1/session/end.
type endSessionRequest struct {
	SessionID string `json:"session_id"`
}

func (s *Server) endSessionHandler(w http.ResponseWriter, r *http.Request) {
	if r.Body != nil {
		defer r.Body.Close()
	}
	if r.Method != http.MethodPost {
		w.Header().Set("Allow", http.MethodPost)
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	var req endSessionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSONResponse(w, http.StatusBadRequest, models.Error("Invalid JSON format"))
		return
	}
	if req.SessionID == "" {
		writeJSONResponse(w, http.StatusBadRequest, models.Error("session_id is required"))
		return
	}

	s.pipeline.EndSession(req.SessionID)
	slog.Info("Server.endSessionHandler: session ended", "session_id", req.SessionID)
	writeJSONResponse(w, http.StatusOK, models.SuccessWithMessage("Session ended", nil))
}

func (s *Server) reloadHandler(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.Header().Set("Allow", http.MethodPost)
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}

	if err := s.registry.Reload(); err != nil {
		// The previous snapshot stays live on a failed reload.
		slog.Error("Server.reloadHandler: definition reload failed", "error", err)
		writeJSONResponse(w, http.StatusUnprocessableEntity, models.Error(err.Error()))
		return
	}

	slog.Info("Server.reloadHandler: definitions reloaded")
	writeJSONResponse(w, http.StatusOK, models.SuccessWithMessage("Definitions reloaded", nil))
}

func (s *Server) auditHandler(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.Header().Set("Allow", http.MethodGet)
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	sessionID := r.URL.Query().Get("session_id")
	if sessionID == "" {
		writeJSONResponse(w, http.StatusBadRequest, models.Error("session_id is required"))
		return
	}

	records, err := s.store.ListAuditRecords(sessionID)
	if err != nil {
		slog.Error("Server.auditHandler: failed to list audit records", "error", err, "session_id", sessionID)
		writeJSONResponse(w, http.StatusInternalServerError, models.Error("Failed to list audit records"))
		return
	}
	writeJSONResponse(w, http.StatusOK, models.Success(records))
}

func (s *Server) healthHandler(w http.ResponseWriter, r *http.Request) {
	writeJSONResponse(w, http.StatusOK, models.SuccessWithMessage("healthy", nil))
}
