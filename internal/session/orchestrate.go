package session

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/ashureev/agent-lab/internal/bus"
	"github.com/ashureev/agent-lab/internal/domain"
)

// Orchestrate records a free-form request and resolves it to a project and
// session in the background. Callers follow progress on the
// orchestrationStatus channel.
func (o *Orchestrator) Orchestrate(ctx context.Context, content, channelID, modelID string) (*domain.OrchestrationRequest, error) {
	now := time.Now().UTC()
	req := &domain.OrchestrationRequest{
		ID:        uuid.NewString(),
		ChannelID: channelID,
		Content:   content,
		ModelID:   modelID,
		Status:    domain.OrchestrationPending,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := o.repo.CreateOrchestration(ctx, req); err != nil {
		return nil, err
	}

	go o.runOrchestration(context.WithoutCancel(ctx), req)
	return req, nil
}

func (o *Orchestrator) runOrchestration(ctx context.Context, req *domain.OrchestrationRequest) {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Minute)
	defer cancel()

	fail := func(cause error) {
		req.Status = domain.OrchestrationError
		req.ErrorMessage = cause.Error()
		o.saveOrchestration(ctx, req)
		slog.Warn("Orchestration failed", "request", req.ID, "error", cause)
	}

	o.transitionOrchestration(ctx, req, domain.OrchestrationThinking)

	project, err := o.resolveProject(ctx, req.Content)
	if err != nil {
		fail(err)
		return
	}
	req.ResolvedProjectID = project.ID
	o.transitionOrchestration(ctx, req, domain.OrchestrationDelegating)

	sess, _, err := o.Spawn(ctx, project.ID, req.Content)
	if err != nil {
		fail(err)
		return
	}
	req.ResolvedSessionID = sess.ID
	o.transitionOrchestration(ctx, req, domain.OrchestrationStarting)

	event, err := json.Marshal(map[string]any{
		"type":    "user_message",
		"content": req.Content,
		"modelId": req.ModelID,
	})
	if err == nil {
		if _, err := o.repo.AppendAgentEvent(ctx, sess.ID, string(event)); err != nil {
			fail(fmt.Errorf("append initial message: %w", err))
			return
		}
	}

	o.transitionOrchestration(ctx, req, domain.OrchestrationComplete)
}

// resolveProject picks the project whose name best matches the request
// content: the longest case-insensitive name mention wins, falling back to
// the first project.
func (o *Orchestrator) resolveProject(ctx context.Context, content string) (*domain.Project, error) {
	projects, err := o.repo.ListProjects(ctx)
	if err != nil {
		return nil, err
	}
	if len(projects) == 0 {
		return nil, domain.ErrProjectNotFound
	}

	lowered := strings.ToLower(content)
	var best *domain.Project
	for _, p := range projects {
		name := strings.ToLower(strings.TrimSpace(p.Name))
		if name == "" || !strings.Contains(lowered, name) {
			continue
		}
		if best == nil || len(p.Name) > len(best.Name) {
			best = p
		}
	}
	if best != nil {
		return best, nil
	}
	return projects[0], nil
}

func (o *Orchestrator) transitionOrchestration(ctx context.Context, req *domain.OrchestrationRequest, status domain.OrchestrationStatus) {
	req.Status = status
	o.saveOrchestration(ctx, req)
}

func (o *Orchestrator) saveOrchestration(ctx context.Context, req *domain.OrchestrationRequest) {
	req.UpdatedAt = time.Now().UTC()
	if err := o.repo.UpdateOrchestration(ctx, req); err != nil {
		slog.Error("Orchestration update failed", "request", req.ID, "error", err)
	}

	fields := map[string]any{"status": req.Status}
	if req.ResolvedProjectID != "" {
		fields["projectId"] = req.ResolvedProjectID
	}
	if req.ResolvedSessionID != "" {
		fields["sessionId"] = req.ResolvedSessionID
	}
	if req.ErrorMessage != "" {
		fields["errorMessage"] = req.ErrorMessage
	}
	o.pub.PublishDelta(bus.ChannelOrchestrationStatus, req.ID, bus.PatchDelta(fields))
}
