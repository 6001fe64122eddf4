package session

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/ashureev/agent-lab/internal/domain"
)

// EnsurePool tops the project's warm pool up to poolSize sessions. Pooled
// sessions go through the same cluster initialization as live ones and sit
// with their containers running until claimed.
func (o *Orchestrator) EnsurePool(ctx context.Context, projectID string) error {
	project, err := o.repo.GetProject(ctx, projectID)
	if err != nil {
		return err
	}
	if project.PoolSize <= 0 || len(project.Containers) == 0 {
		return nil
	}

	pooled, err := o.repo.CountPooledSessions(ctx, projectID)
	if err != nil {
		return err
	}

	for i := pooled; i < project.PoolSize; i++ {
		sess, containers, err := o.insertSession(ctx, project, "", domain.SessionCreating)
		if err != nil {
			return fmt.Errorf("pool session insert: %w", err)
		}
		slog.Info("Provisioning pooled session", "project", projectID, "session", sess.ID)
		o.initCluster(ctx, project, sess, containers, domain.SessionPooled)
	}
	return nil
}

// ReconcilePools runs EnsurePool across every project on a timer until ctx
// is canceled.
func (o *Orchestrator) ReconcilePools(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			projects, err := o.repo.ListProjects(ctx)
			if err != nil {
				slog.Warn("Pool sweep project list failed", "error", err)
				continue
			}
			for _, p := range projects {
				if err := o.EnsurePool(ctx, p.ID); err != nil {
					slog.Warn("Pool top-up failed", "project", p.ID, "error", err)
				}
			}
		}
	}
}

func (o *Orchestrator) ensurePoolAsync(projectID string) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Minute)
	defer cancel()
	if err := o.EnsurePool(ctx, projectID); err != nil {
		slog.Warn("Pool top-up failed", "project", projectID, "error", err)
	}
}
