package domain

import "time"

// Project is a user-managed template for sessions: a set of container
// definitions plus an optional system prompt.
type Project struct {
	ID           string                `json:"id"`
	Name         string                `json:"name"`
	SystemPrompt string                `json:"systemPrompt,omitempty"`
	PoolSize     int                   `json:"poolSize"`
	Containers   []ContainerDefinition `json:"containers,omitempty"`
	CreatedAt    time.Time             `json:"createdAt"`
	UpdatedAt    time.Time             `json:"updatedAt"`
}

// ContainerDefinition describes one container a project's sessions run.
type ContainerDefinition struct {
	ID          string            `json:"id"`
	ProjectID   string            `json:"projectId"`
	Image       string            `json:"image"`
	Hostname    string            `json:"hostname,omitempty"`
	EnvTemplate map[string]string `json:"envTemplate,omitempty"`
	Ports       []ContainerPort   `json:"ports,omitempty"`
}

// ContainerPort is a port a container definition declares.
type ContainerPort struct {
	ContainerID string `json:"containerId"`
	Port        int    `json:"port"`
	Protocol    string `json:"protocol"`
}

// Volume tracks a provider volume. A volume with no session is orphaned and
// eligible for reaping.
type Volume struct {
	Name       string    `json:"name"`
	SessionID  string    `json:"sessionId,omitempty"`
	Kind       string    `json:"kind"`
	CreatedAt  time.Time `json:"createdAt"`
	LastUsedAt time.Time `json:"lastUsedAt"`
}

// GitHubSettings holds the singleton GitHub integration settings.
type GitHubSettings struct {
	Configured bool   `json:"configured"`
	Username   string `json:"username,omitempty"`
	Token      string `json:"token,omitempty"`
	Repo       string `json:"repo,omitempty"`
}
