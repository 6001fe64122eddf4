// Package api provides HTTP handlers for the lab API.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"

	"github.com/ashureev/agent-lab/internal/bus"
	"github.com/ashureev/agent-lab/internal/domain"
	"github.com/ashureev/agent-lab/internal/middleware"
	"github.com/ashureev/agent-lab/internal/session"
	"github.com/ashureev/agent-lab/internal/sse"
	"github.com/ashureev/agent-lab/internal/store"
)

// SessionService is the slice of the session orchestrator the API drives.
type SessionService interface {
	Spawn(ctx context.Context, projectID, taskSummary string) (*domain.Session, []*domain.SessionContainer, error)
	Detail(ctx context.Context, sessionID string) (*session.SessionDetail, error)
	Cleanup(ctx context.Context, sessionID string) error
	Orchestrate(ctx context.Context, content, channelID, modelID string) (*domain.OrchestrationRequest, error)
}

// Handler provides the HTTP API surface.
type Handler struct {
	repo     store.Repository
	sessions SessionService
	bus      *bus.Bus
	auth     *sse.Stream
}

// NewHandler creates the API handler.
func NewHandler(repo store.Repository, sessions SessionService, b *bus.Bus, auth *sse.Stream) *Handler {
	return &Handler{repo: repo, sessions: sessions, bus: b, auth: auth}
}

// Routes builds the chi router for the API listener.
func (h *Handler) Routes() chi.Router {
	r := chi.NewRouter()
	r.Use(chimw.RealIP)
	r.Use(chimw.Recoverer)
	r.Use(middleware.CORS([]string{"*"}))

	r.Get("/health", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("OK"))
	})
	r.Get("/healthz", h.Healthz)
	r.Get("/projects", h.ListProjects)

	r.Route("/sessions", func(r chi.Router) {
		r.Get("/", h.ListSessions)
		r.Post("/", h.CreateSession)
		r.Get("/{id}", h.GetSession)
		r.Patch("/{id}", h.UpdateSession)
		r.Delete("/{id}", h.DeleteSession)
	})

	r.Post("/orchestrate", h.Orchestrate)

	r.Route("/github/settings", func(r chi.Router) {
		r.Get("/", h.GetGitHubSettings)
		r.Post("/", h.SaveGitHubSettings)
		r.Delete("/", h.DeleteGitHubSettings)
	})

	if h.auth != nil {
		r.Get("/auth/events", h.auth.Handler())
	}
	if h.bus != nil {
		r.Get("/ws", h.bus.Handler())
	}

	return r
}

// JSON writes a JSON response with the given status code.
func JSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		http.Error(w, `{"error": "failed to encode response"}`, http.StatusInternalServerError)
	}
}

// Error writes a JSON error response.
func Error(w http.ResponseWriter, status int, message string) {
	JSON(w, status, map[string]string{"error": message})
}

// DomainError maps a domain error onto its HTTP response.
func DomainError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, domain.ErrSessionNotFound),
		errors.Is(err, domain.ErrProjectNotFound),
		errors.Is(err, domain.ErrOrchestrationNotFound),
		errors.Is(err, domain.ErrBrowserSessionNotFound),
		errors.Is(err, domain.ErrContainerNotFound):
		Error(w, http.StatusNotFound, err.Error())
	case errors.Is(err, domain.ErrNoContainerDefinitions),
		errors.Is(err, domain.ErrInvalidSubdomain):
		Error(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, domain.ErrUnauthorized):
		Error(w, http.StatusUnauthorized, err.Error())
	case errors.Is(err, domain.ErrNoPortsAvailable),
		errors.Is(err, domain.ErrPooledSessionsExhausted):
		Error(w, http.StatusConflict, err.Error())
	default:
		Error(w, http.StatusInternalServerError, err.Error())
	}
}

// Healthz reports service health including database connectivity.
func (h *Handler) Healthz(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()

	if err := h.repo.Ping(ctx); err != nil {
		JSON(w, http.StatusServiceUnavailable, map[string]any{
			"status": "degraded",
			"db":     err.Error(),
		})
		return
	}
	JSON(w, http.StatusOK, map[string]any{"status": "ok", "db": "ok"})
}

// ListProjects returns every project with its container definitions.
func (h *Handler) ListProjects(w http.ResponseWriter, r *http.Request) {
	projects, err := h.repo.ListProjects(r.Context())
	if err != nil {
		DomainError(w, err)
		return
	}
	if projects == nil {
		projects = []*domain.Project{}
	}
	JSON(w, http.StatusOK, projects)
}

// GetGitHubSettings returns the singleton settings; an unconfigured
// integration reads as {"configured": false}.
func (h *Handler) GetGitHubSettings(w http.ResponseWriter, r *http.Request) {
	settings, err := h.repo.GetGitHubSettings(r.Context())
	if err != nil {
		DomainError(w, err)
		return
	}
	if settings == nil {
		settings = &domain.GitHubSettings{}
	}
	JSON(w, http.StatusOK, settings)
}

// SaveGitHubSettings replaces the singleton settings.
func (h *Handler) SaveGitHubSettings(w http.ResponseWriter, r *http.Request) {
	var settings domain.GitHubSettings
	if err := json.NewDecoder(r.Body).Decode(&settings); err != nil {
		Error(w, http.StatusBadRequest, "invalid request body")
		return
	}
	settings.Configured = settings.Token != ""
	if err := h.repo.SaveGitHubSettings(r.Context(), &settings); err != nil {
		DomainError(w, err)
		return
	}
	JSON(w, http.StatusOK, &settings)
}

// DeleteGitHubSettings clears the integration.
func (h *Handler) DeleteGitHubSettings(w http.ResponseWriter, r *http.Request) {
	if err := h.repo.DeleteGitHubSettings(r.Context()); err != nil {
		DomainError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
