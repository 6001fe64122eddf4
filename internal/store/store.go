// Package store provides data persistence interfaces and implementations.
package store

import (
	"context"

	"github.com/ashureev/agent-lab/internal/domain"
)

// Repository defines the durable state of the platform: projects, sessions
// and their containers, port reservations, browser state, agent events,
// orchestration requests, and the GitHub settings singleton.
type Repository interface {
	// Projects.
	ListProjects(ctx context.Context) ([]*domain.Project, error)
	GetProject(ctx context.Context, id string) (*domain.Project, error)
	UpsertProject(ctx context.Context, p *domain.Project) error

	// Sessions.
	CreateSession(ctx context.Context, s *domain.Session) error
	GetSession(ctx context.Context, id string) (*domain.Session, error)
	ListSessions(ctx context.Context) ([]*domain.Session, error)
	UpdateSessionStatus(ctx context.Context, id string, status domain.SessionStatus) error
	UpdateSessionMeta(ctx context.Context, id string, title, agentSessionID *string) error

	// ClaimPooledSession atomically transitions the oldest pooled session of
	// the project to creating with the given title. Returns
	// domain.ErrPooledSessionsExhausted when none exists.
	ClaimPooledSession(ctx context.Context, projectID, title string) (*domain.Session, error)
	CountPooledSessions(ctx context.Context, projectID string) (int, error)

	// DeleteSession removes the session row; containers, reservations,
	// events, and browser state cascade.
	DeleteSession(ctx context.Context, id string) error

	// Session containers.
	CreateSessionContainer(ctx context.Context, c *domain.SessionContainer) error
	ListSessionContainers(ctx context.Context, sessionID string) ([]*domain.SessionContainer, error)
	GetContainerByRuntimeID(ctx context.Context, runtimeID string) (*domain.SessionContainer, error)
	UpdateContainerRuntime(ctx context.Context, id, runtimeID string) error
	UpdateContainerStatus(ctx context.Context, id string, status domain.ContainerStatus, errorMessage string) error

	// Port reservations.
	ListPortReservations(ctx context.Context) ([]*domain.PortReservation, error)
	CreatePortReservation(ctx context.Context, r *domain.PortReservation) error
	DeletePortReservation(ctx context.Context, port int, kind domain.PortKind) error

	// Browser state.
	GetBrowserState(ctx context.Context, sessionID string) (*domain.BrowserSessionState, error)
	ListBrowserStates(ctx context.Context) ([]*domain.BrowserSessionState, error)
	UpsertBrowserState(ctx context.Context, st *domain.BrowserSessionState) error

	// Agent events. AppendAgentEvent assigns the next dense sequence.
	AppendAgentEvent(ctx context.Context, sessionID, eventData string) (int64, error)
	ListAgentEvents(ctx context.Context, sessionID string, afterSequence int64) ([]*domain.AgentEvent, error)

	// Orchestration requests.
	CreateOrchestration(ctx context.Context, r *domain.OrchestrationRequest) error
	GetOrchestration(ctx context.Context, id string) (*domain.OrchestrationRequest, error)
	UpdateOrchestration(ctx context.Context, r *domain.OrchestrationRequest) error

	// Volumes.
	UpsertVolume(ctx context.Context, v *domain.Volume) error
	ReleaseSessionVolumes(ctx context.Context, sessionID string) error

	// GitHub settings singleton.
	GetGitHubSettings(ctx context.Context) (*domain.GitHubSettings, error)
	SaveGitHubSettings(ctx context.Context, s *domain.GitHubSettings) error
	DeleteGitHubSettings(ctx context.Context) error

	// Ping verifies database connectivity.
	Ping(ctx context.Context) error

	// Close closes the database connection.
	Close() error
}
