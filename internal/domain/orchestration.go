package domain

import "time"

// OrchestrationStatus enumerates the states of an orchestration request.
type OrchestrationStatus string

const (
	OrchestrationPending    OrchestrationStatus = "pending"
	OrchestrationThinking   OrchestrationStatus = "thinking"
	OrchestrationDelegating OrchestrationStatus = "delegating"
	OrchestrationStarting   OrchestrationStatus = "starting"
	OrchestrationComplete   OrchestrationStatus = "complete"
	OrchestrationError      OrchestrationStatus = "error"
)

// OrchestrationRequest tracks a free-form user request being resolved into a
// project and session.
type OrchestrationRequest struct {
	ID                string              `json:"id"`
	ChannelID         string              `json:"channelId,omitempty"`
	Content           string              `json:"content"`
	Status            OrchestrationStatus `json:"status"`
	ResolvedProjectID string              `json:"resolvedProjectId,omitempty"`
	ResolvedSessionID string              `json:"resolvedSessionId,omitempty"`
	ModelID           string              `json:"modelId,omitempty"`
	ErrorMessage      string              `json:"errorMessage,omitempty"`
	CreatedAt         time.Time           `json:"createdAt"`
	UpdatedAt         time.Time           `json:"updatedAt"`
}
