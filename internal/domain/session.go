// Package domain holds the core entities of the lab platform.
package domain

import "time"

// SessionStatus enumerates the lifecycle states of a session.
type SessionStatus string

const (
	SessionCreating SessionStatus = "creating"
	SessionPooled   SessionStatus = "pooled"
	SessionRunning  SessionStatus = "running"
	SessionDeleting SessionStatus = "deleting"
	SessionError    SessionStatus = "error"
)

// Session is one user-request execution environment: a cluster of containers,
// a browser daemon, and a message log, all bound to a dedicated network.
type Session struct {
	ID             string        `json:"id"`
	ProjectID      string        `json:"projectId"`
	Title          string        `json:"title,omitempty"`
	Status         SessionStatus `json:"status"`
	AgentSessionID string        `json:"agentSessionId,omitempty"`
	CreatedAt      time.Time     `json:"createdAt"`
	UpdatedAt      time.Time     `json:"updatedAt"`
}

// NetworkName returns the name of the session's dedicated network.
func (s *Session) NetworkName() string {
	return "lab-" + s.ID
}

// ContainerStatus enumerates the lifecycle states of a session container.
type ContainerStatus string

const (
	ContainerStarting ContainerStatus = "starting"
	ContainerRunning  ContainerStatus = "running"
	ContainerStopped  ContainerStatus = "stopped"
	ContainerError    ContainerStatus = "error"
)

// SessionContainer is one running instance of a project container definition
// inside a session. ContainerID refers to the definition; RuntimeID to the
// provider's container.
type SessionContainer struct {
	ID           string          `json:"id"`
	SessionID    string          `json:"sessionId"`
	ContainerID  string          `json:"containerId"`
	RuntimeID    string          `json:"runtimeId,omitempty"`
	Status       ContainerStatus `json:"status"`
	Hostname     string          `json:"hostname"`
	ErrorMessage string          `json:"errorMessage,omitempty"`
	CreatedAt    time.Time       `json:"createdAt"`
	UpdatedAt    time.Time       `json:"updatedAt"`
}

// AgentEvent is one append-only event in a session's agent log. Sequence is
// dense and monotonically increasing per session.
type AgentEvent struct {
	SessionID string    `json:"sessionId"`
	Sequence  int64     `json:"sequence"`
	EventData string    `json:"eventData"`
	CreatedAt time.Time `json:"createdAt"`
}
