package server

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/toolflow/toolflow/internal/engine"
	"github.com/toolflow/toolflow/internal/observability"
	"github.com/toolflow/toolflow/internal/storage"
	"github.com/toolflow/toolflow/pkg/models"
)

const maxBodyBytes = 1 << 20

type errorResponse struct {
	Error string `json:"error"`
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.logger.Warn("response encode failed", "error", err)
	}
}

func (s *Server) writeError(w http.ResponseWriter, status int, msg string) {
	s.writeJSON(w, status, errorResponse{Error: msg})
}

// writeEngineError maps the engine error taxonomy to HTTP statuses.
func (s *Server) writeEngineError(w http.ResponseWriter, err error) {
	var verr *engine.ValidationError
	var nerr *engine.NotFoundError
	var terr *engine.TransitionError
	switch {
	case errors.As(err, &verr):
		s.writeError(w, http.StatusBadRequest, verr.Error())
	case errors.As(err, &nerr):
		s.writeError(w, http.StatusNotFound, nerr.Error())
	case errors.As(err, &terr):
		s.writeError(w, http.StatusConflict, terr.Error())
	case errors.Is(err, storage.ErrAlreadyExists):
		s.writeError(w, http.StatusConflict, "record already exists")
	default:
		s.logger.Error("request failed", "error", err)
		s.writeError(w, http.StatusInternalServerError, "internal error")
	}
}

func (s *Server) decode(w http.ResponseWriter, r *http.Request, v any) bool {
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return false
	}
	return true
}

type createCallRequest struct {
	ID               string          `json:"id,omitempty"`
	ChatID           string          `json:"chat_id"`
	MessageID        string          `json:"message_id"`
	ToolName         string          `json:"tool_name"`
	ToolCallID       string          `json:"tool_call_id"`
	Args             json.RawMessage `json:"args"`
	ParentToolCallID string          `json:"parent_tool_call_id,omitempty"`
	PipelineID       string          `json:"pipeline_id,omitempty"`
	StepNumber       int             `json:"step_number,omitempty"`
}

func (s *Server) handleCreateCall(w http.ResponseWriter, r *http.Request) {
	var req createCallRequest
	if !s.decode(w, r, &req) {
		return
	}
	call, err := s.engine.CreateToolCall(r.Context(), &models.ToolCall{
		ID:               req.ID,
		ChatID:           req.ChatID,
		MessageID:        req.MessageID,
		ToolName:         req.ToolName,
		ToolCallID:       req.ToolCallID,
		Args:             req.Args,
		ParentToolCallID: req.ParentToolCallID,
		PipelineID:       req.PipelineID,
		StepNumber:       req.StepNumber,
	})
	if err != nil {
		s.writeEngineError(w, err)
		return
	}
	s.writeJSON(w, http.StatusCreated, call)
}

// handleGetCall never 404s: a missing id renders a pending placeholder
// so a client racing the create sees a consistent default.
func (s *Server) handleGetCall(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	call, err := s.engine.GetToolCall(r.Context(), id)
	if err != nil {
		var nerr *engine.NotFoundError
		if errors.As(err, &nerr) {
			now := time.Now().UTC()
			s.writeJSON(w, http.StatusOK, &models.ToolCall{
				ID:        id,
				Status:    models.StatusPending,
				CreatedAt: now,
				UpdatedAt: now,
			})
			return
		}
		s.writeEngineError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, call)
}

type updateCallStatusRequest struct {
	Status models.CallStatus `json:"status"`
	Result json.RawMessage   `json:"result,omitempty"`
	Error  string            `json:"error,omitempty"`
}

func (s *Server) handleUpdateCallStatus(w http.ResponseWriter, r *http.Request) {
	var req updateCallStatusRequest
	if !s.decode(w, r, &req) {
		return
	}
	call, err := s.engine.UpdateToolCallStatus(r.Context(), r.PathValue("id"), req.Status, req.Result, req.Error)
	if err != nil {
		s.writeEngineError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, call)
}

func (s *Server) handleApproveCall(w http.ResponseWriter, r *http.Request) {
	call, err := s.engine.ApproveToolCall(r.Context(), r.PathValue("id"))
	if err != nil {
		s.writeEngineError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, call)
}

type rejectCallRequest struct {
	Reason string `json:"reason,omitempty"`
}

func (s *Server) handleRejectCall(w http.ResponseWriter, r *http.Request) {
	// Body is optional on reject.
	var req rejectCallRequest
	if r.ContentLength > 0 {
		if !s.decode(w, r, &req) {
			return
		}
	}
	call, err := s.engine.RejectToolCall(r.Context(), r.PathValue("id"), req.Reason)
	if err != nil {
		s.writeEngineError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, call)
}

func (s *Server) handleRetryCall(w http.ResponseWriter, r *http.Request) {
	call, err := s.engine.IncrementRetryCount(r.Context(), r.PathValue("id"))
	if err != nil {
		s.writeEngineError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, call)
}

func (s *Server) handleListChatCalls(w http.ResponseWriter, r *http.Request) {
	calls, err := s.engine.ListToolCallsByChat(r.Context(), r.PathValue("chatID"))
	if err != nil {
		s.writeEngineError(w, err)
		return
	}
	if calls == nil {
		calls = []*models.ToolCall{}
	}
	s.writeJSON(w, http.StatusOK, calls)
}

func (s *Server) handleListPipelineCalls(w http.ResponseWriter, r *http.Request) {
	calls, err := s.engine.ListToolCallsByPipeline(r.Context(), r.PathValue("id"))
	if err != nil {
		s.writeEngineError(w, err)
		return
	}
	if calls == nil {
		calls = []*models.ToolCall{}
	}
	s.writeJSON(w, http.StatusOK, calls)
}

type createPipelineRequest struct {
	ID         string         `json:"id,omitempty"`
	ChatID     string         `json:"chat_id"`
	Name       string         `json:"name"`
	TotalSteps int            `json:"total_steps"`
	Metadata   map[string]any `json:"metadata,omitempty"`
}

func (s *Server) handleCreatePipeline(w http.ResponseWriter, r *http.Request) {
	var req createPipelineRequest
	if !s.decode(w, r, &req) {
		return
	}
	p, err := s.engine.CreateToolPipeline(r.Context(), &models.ToolPipeline{
		ID:         req.ID,
		ChatID:     req.ChatID,
		Name:       req.Name,
		TotalSteps: req.TotalSteps,
		Metadata:   req.Metadata,
	})
	if err != nil {
		s.writeEngineError(w, err)
		return
	}
	s.writeJSON(w, http.StatusCreated, p)
}

func (s *Server) handleGetPipeline(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	p, err := s.engine.GetToolPipeline(r.Context(), id)
	if err != nil {
		var nerr *engine.NotFoundError
		if errors.As(err, &nerr) {
			now := time.Now().UTC()
			s.writeJSON(w, http.StatusOK, &models.ToolPipeline{
				ID:        id,
				Status:    models.StatusPending,
				CreatedAt: now,
				UpdatedAt: now,
			})
			return
		}
		s.writeEngineError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, p)
}

type updatePipelineStatusRequest struct {
	Status      models.CallStatus `json:"status"`
	CurrentStep *int              `json:"current_step,omitempty"`
	Metadata    map[string]any    `json:"metadata,omitempty"`
}

func (s *Server) handleUpdatePipelineStatus(w http.ResponseWriter, r *http.Request) {
	var req updatePipelineStatusRequest
	if !s.decode(w, r, &req) {
		return
	}
	p, err := s.engine.UpdateToolPipelineStatus(r.Context(), r.PathValue("id"), req.Status, req.CurrentStep, req.Metadata)
	if err != nil {
		s.writeEngineError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, p)
}

func (s *Server) handleChatAudit(w http.ResponseWriter, r *http.Request) {
	if s.audit == nil {
		s.writeError(w, http.StatusNotFound, "audit trail not enabled")
		return
	}
	events, err := s.audit.GetByChatID(r.PathValue("chatID"))
	if err != nil {
		s.writeEngineError(w, err)
		return
	}
	s.writeTimeline(w, r, events)
}

func (s *Server) handleCallAudit(w http.ResponseWriter, r *http.Request) {
	if s.audit == nil {
		s.writeError(w, http.StatusNotFound, "audit trail not enabled")
		return
	}
	events, err := s.audit.GetByCallID(r.PathValue("id"))
	if err != nil {
		s.writeEngineError(w, err)
		return
	}
	s.writeTimeline(w, r, events)
}

func (s *Server) handleAuditEvents(w http.ResponseWriter, r *http.Request) {
	if s.audit == nil {
		s.writeError(w, http.StatusNotFound, "audit trail not enabled")
		return
	}
	eventType := r.URL.Query().Get("type")
	if eventType == "" {
		s.writeError(w, http.StatusBadRequest, "type query parameter is required")
		return
	}
	limit := 100
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 1 {
			s.writeError(w, http.StatusBadRequest, "limit must be a positive integer")
			return
		}
		limit = n
	}
	events, err := s.audit.GetByType(observability.EventType(eventType), limit)
	if err != nil {
		s.writeEngineError(w, err)
		return
	}
	if events == nil {
		events = []*observability.AuditEvent{}
	}
	s.writeJSON(w, http.StatusOK, events)
}

// writeTimeline renders events as a JSON timeline, or as plain text when
// ?format=text is asked.
func (s *Server) writeTimeline(w http.ResponseWriter, r *http.Request, events []*observability.AuditEvent) {
	timeline := observability.BuildTimeline(events)
	if r.URL.Query().Get("format") == "text" {
		w.Header().Set("Content-Type", "text/plain; charset=utf-8")
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(observability.FormatTimeline(timeline)))
		return
	}
	s.writeJSON(w, http.StatusOK, timeline)
}

func (s *Server) handleListChatPipelines(w http.ResponseWriter, r *http.Request) {
	pipelines, err := s.engine.ListToolPipelinesByChat(r.Context(), r.PathValue("chatID"))
	if err != nil {
		s.writeEngineError(w, err)
		return
	}
	if pipelines == nil {
		pipelines = []*models.ToolPipeline{}
	}
	s.writeJSON(w, http.StatusOK, pipelines)
}
