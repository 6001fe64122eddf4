// Package monitor consumes the sandbox provider's container event stream
// and folds it into session container status.
package monitor

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"time"

	"github.com/ashureev/agent-lab/internal/bus"
	"github.com/ashureev/agent-lab/internal/domain"
	"github.com/ashureev/agent-lab/internal/sandbox"
	"github.com/ashureev/agent-lab/internal/store"
)

const (
	sessionLabel   = "lab.session"
	initialBackoff = time.Second
	maxBackoff     = 60 * time.Second
)

// Publisher fans deltas out to channel subscribers.
type Publisher interface {
	PublishDelta(channel, param string, data any)
}

// Monitor is the single long-running consumer of provider container events.
type Monitor struct {
	repo     store.Repository
	provider sandbox.Provider
	pub      Publisher
}

// New creates a container event monitor.
func New(repo store.Repository, provider sandbox.Provider, pub Publisher) *Monitor {
	return &Monitor{repo: repo, provider: provider, pub: pub}
}

// statusFor maps a provider action to a container status. The second return
// is false for actions the monitor ignores.
func statusFor(action string) (domain.ContainerStatus, bool) {
	switch action {
	case "start":
		return domain.ContainerRunning, true
	case "stop", "die", "kill":
		return domain.ContainerStopped, true
	case "restart":
		return domain.ContainerStarting, true
	case "oom":
		return domain.ContainerError, true
	}
	if strings.HasPrefix(action, "health_status") && strings.Contains(action, "unhealthy") {
		return domain.ContainerError, true
	}
	return "", false
}

// Run consumes the event stream until ctx is canceled, reconnecting with
// exponential backoff on stream failure. It never returns an error to the
// caller; a broken stream must not take the service down.
func (m *Monitor) Run(ctx context.Context) {
	backoff := initialBackoff

	for {
		if ctx.Err() != nil {
			return
		}

		events, errs := m.provider.StreamEvents(ctx, sessionLabel)
		slog.Info("Container event stream connected")

		streamErr := m.consume(ctx, events, errs, func() { backoff = initialBackoff })
		if ctx.Err() != nil {
			return
		}

		slog.Warn("Container event stream lost", "error", streamErr, "retry_in", backoff)
		select {
		case <-ctx.Done():
			return
		case <-time.After(backoff):
		}
		backoff = min(backoff*2, maxBackoff)
	}
}

// consume drains one stream until it breaks. onEvent resets the reconnect
// backoff after the first successfully handled event.
func (m *Monitor) consume(ctx context.Context, events <-chan sandbox.Event, errs <-chan error, onEvent func()) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case err, ok := <-errs:
			if !ok {
				return errors.New("event stream closed")
			}
			return err
		case ev, ok := <-events:
			if !ok {
				return errors.New("event stream closed")
			}
			if err := m.Handle(ctx, ev); err != nil {
				slog.Warn("Container event handling failed", "action", ev.Action, "runtime", ev.RuntimeID, "error", err)
				continue
			}
			onEvent()
		}
	}
}

// Handle applies a single provider event to the matching session container
// and publishes the resulting delta.
func (m *Monitor) Handle(ctx context.Context, ev sandbox.Event) error {
	status, ok := statusFor(ev.Action)
	if !ok {
		return nil
	}
	sessionID := ev.Attributes[sessionLabel]
	if sessionID == "" {
		return nil
	}

	c, err := m.repo.GetContainerByRuntimeID(ctx, ev.RuntimeID)
	if errors.Is(err, domain.ErrContainerNotFound) {
		// Events can outlive their session during teardown.
		return nil
	}
	if err != nil {
		return err
	}
	if c.Status == status {
		return nil
	}

	if err := m.repo.UpdateContainerStatus(ctx, c.ID, status, ""); err != nil {
		return err
	}
	c.Status = status
	slog.Info("Container status changed", "session", sessionID, "container", c.ID, "action", ev.Action, "status", status)
	m.pub.PublishDelta(bus.ChannelSessionContainers, sessionID, bus.UpdateDelta(c))
	return nil
}
