package api

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/ashureev/agent-lab/internal/domain"
)

type createSessionRequest struct {
	ProjectID      string `json:"projectId"`
	Title          string `json:"title,omitempty"`
	InitialMessage string `json:"initialMessage,omitempty"`
}

type createSessionResponse struct {
	*domain.Session
	Containers []*domain.SessionContainer `json:"containers"`
}

// ListSessions returns session summaries.
func (h *Handler) ListSessions(w http.ResponseWriter, r *http.Request) {
	sessions, err := h.repo.ListSessions(r.Context())
	if err != nil {
		DomainError(w, err)
		return
	}
	if sessions == nil {
		sessions = []*domain.Session{}
	}
	JSON(w, http.StatusOK, sessions)
}

// CreateSession spawns a session and returns immediately with its partial
// state; cluster progress streams on the bus.
func (h *Handler) CreateSession(w http.ResponseWriter, r *http.Request) {
	var req createSessionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		Error(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.ProjectID == "" {
		Error(w, http.StatusBadRequest, "projectId is required")
		return
	}

	title := req.Title
	if title == "" {
		title = req.InitialMessage
	}

	sess, containers, err := h.sessions.Spawn(r.Context(), req.ProjectID, title)
	if err != nil {
		DomainError(w, err)
		return
	}

	if msg := strings.TrimSpace(req.InitialMessage); msg != "" {
		event, _ := json.Marshal(map[string]string{"type": "user_message", "content": msg})
		if _, err := h.repo.AppendAgentEvent(r.Context(), sess.ID, string(event)); err != nil {
			slog.Warn("Initial message append failed", "session", sess.ID, "error", err)
		}
	}

	if containers == nil {
		containers = []*domain.SessionContainer{}
	}
	JSON(w, http.StatusCreated, createSessionResponse{Session: sess, Containers: containers})
}

// GetSession returns a session with its containers and routed URLs.
func (h *Handler) GetSession(w http.ResponseWriter, r *http.Request) {
	detail, err := h.sessions.Detail(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		DomainError(w, err)
		return
	}
	JSON(w, http.StatusOK, detail)
}

type updateSessionRequest struct {
	Title          *string `json:"title,omitempty"`
	AgentSessionID *string `json:"agentSessionId,omitempty"`
}

// UpdateSession patches session title and/or agent session binding.
func (h *Handler) UpdateSession(w http.ResponseWriter, r *http.Request) {
	var req updateSessionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		Error(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.Title == nil && req.AgentSessionID == nil {
		Error(w, http.StatusBadRequest, "nothing to update")
		return
	}

	id := chi.URLParam(r, "id")
	if err := h.repo.UpdateSessionMeta(r.Context(), id, req.Title, req.AgentSessionID); err != nil {
		DomainError(w, err)
		return
	}

	sess, err := h.repo.GetSession(r.Context(), id)
	if err != nil {
		DomainError(w, err)
		return
	}
	JSON(w, http.StatusOK, sess)
}

// DeleteSession tears the session down in the background and returns 204.
// Teardown is idempotent; a crash mid-cleanup is finished by the orphan
// sweep at next boot.
func (h *Handler) DeleteSession(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if _, err := h.repo.GetSession(r.Context(), id); err != nil {
		DomainError(w, err)
		return
	}

	go func() {
		ctx, cancel := context.WithTimeout(context.WithoutCancel(r.Context()), 5*time.Minute)
		defer cancel()
		if err := h.sessions.Cleanup(ctx, id); err != nil {
			slog.Error("Session cleanup failed", "session", id, "error", err)
		}
	}()

	w.WriteHeader(http.StatusNoContent)
}

type orchestrateRequest struct {
	Content   string `json:"content"`
	ChannelID string `json:"channelId,omitempty"`
	ModelID   string `json:"modelId,omitempty"`
}

// Orchestrate records a free-form request; resolution progress streams on
// orchestrationStatus/{id}.
func (h *Handler) Orchestrate(w http.ResponseWriter, r *http.Request) {
	var req orchestrateRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		Error(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if strings.TrimSpace(req.Content) == "" {
		Error(w, http.StatusBadRequest, "content is required")
		return
	}

	orch, err := h.sessions.Orchestrate(r.Context(), req.Content, req.ChannelID, req.ModelID)
	if err != nil {
		DomainError(w, err)
		return
	}
	JSON(w, http.StatusAccepted, map[string]string{"orchestrationId": orch.ID})
}
