package bus

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"sort"
	"sync"

	"github.com/ashureev/agent-lab/internal/browser"
	"github.com/ashureev/agent-lab/internal/domain"
	"github.com/ashureev/agent-lab/internal/proxy"
	"github.com/ashureev/agent-lab/internal/store"
)

// RegisterDefaultChannels wires the closed channel set against the store,
// router, and browser orchestrator.
func RegisterDefaultChannels(b *Bus, repo store.Repository, router *proxy.Router, browserOrch *browser.Orchestrator) {
	typing := newTypingTracker(b)

	b.Register(&Channel{
		Name: ChannelProjects,
		Snapshot: func(ctx context.Context, _ string) (any, error) {
			return repo.ListProjects(ctx)
		},
	})

	b.Register(&Channel{
		Name: ChannelSessions,
		Snapshot: func(ctx context.Context, _ string) (any, error) {
			return repo.ListSessions(ctx)
		},
	})

	b.Register(&Channel{
		Name:          ChannelSessionMetadata,
		Parameterized: true,
		Snapshot: func(ctx context.Context, sessionID string) (any, error) {
			sess, err := repo.GetSession(ctx, sessionID)
			if err != nil {
				return nil, err
			}
			return map[string]any{
				"title":          sess.Title,
				"status":         sess.Status,
				"agentSessionId": sess.AgentSessionID,
			}, nil
		},
	})

	b.Register(&Channel{
		Name:          ChannelSessionContainers,
		Parameterized: true,
		Snapshot: func(ctx context.Context, sessionID string) (any, error) {
			containers, err := repo.ListSessionContainers(ctx, sessionID)
			if err != nil {
				return nil, err
			}
			if containers == nil {
				containers = []*domain.SessionContainer{}
			}
			return containers, nil
		},
	})

	b.Register(&Channel{
		Name:          ChannelSessionTyping,
		Parameterized: true,
		Snapshot: func(_ context.Context, sessionID string) (any, error) {
			return typing.users(sessionID), nil
		},
		OnEvent: typing.onEvent,
	})

	// Empty-snapshot channels: their deltas come from collaborators outside
	// this subsystem; subscribers still need a well-formed initial state.
	for _, name := range []string{ChannelSessionChangedFiles, ChannelSessionTasks, ChannelSessionBranches} {
		b.Register(&Channel{
			Name:          name,
			Parameterized: true,
			Snapshot: func(context.Context, string) (any, error) {
				return []any{}, nil
			},
		})
	}

	b.Register(&Channel{
		Name:          ChannelSessionLinks,
		Parameterized: true,
		Snapshot: func(_ context.Context, sessionID string) (any, error) {
			return router.GetURLs(sessionID), nil
		},
	})

	b.Register(&Channel{
		Name:          ChannelSessionLogs,
		Parameterized: true,
		Snapshot: func(context.Context, string) (any, error) {
			return map[string]any{"sources": []string{}, "recentLogs": map[string]any{}}, nil
		},
	})

	b.Register(&Channel{
		Name:          ChannelSessionMessages,
		Parameterized: true,
		Snapshot: func(ctx context.Context, sessionID string) (any, error) {
			events, err := repo.ListAgentEvents(ctx, sessionID, 0)
			if err != nil {
				return nil, err
			}
			messages := make([]json.RawMessage, 0, len(events))
			for _, ev := range events {
				messages = append(messages, json.RawMessage(ev.EventData))
			}
			return map[string]any{
				"messages":         messages,
				"questionRequests": []any{},
			}, nil
		},
	})

	b.Register(&Channel{
		Name:          ChannelSessionAcpEvents,
		Parameterized: true,
		Snapshot: func(ctx context.Context, sessionID string) (any, error) {
			events, err := repo.ListAgentEvents(ctx, sessionID, 0)
			if err != nil {
				return nil, err
			}
			var checkpoint int64
			payloads := make([]json.RawMessage, 0, len(events))
			for _, ev := range events {
				checkpoint = ev.Sequence
				payloads = append(payloads, json.RawMessage(ev.EventData))
			}
			return map[string]any{"checkpoint": checkpoint, "events": payloads}, nil
		},
	})

	b.Register(&Channel{
		Name:          ChannelSessionBrowserState,
		Parameterized: true,
		Snapshot: func(ctx context.Context, sessionID string) (any, error) {
			st, err := repo.GetBrowserState(ctx, sessionID)
			if errors.Is(err, domain.ErrBrowserSessionNotFound) {
				return &domain.BrowserSessionState{
					SessionID: sessionID,
					Desired:   domain.BrowserWantStopped,
					Actual:    domain.BrowserStopped,
				}, nil
			}
			return st, err
		},
		OnFirstSubscribe: func(ctx context.Context, sessionID string) {
			if err := browserOrch.Subscribe(ctx, sessionID); err != nil {
				slog.Warn("Browser subscribe failed", "session", sessionID, "error", err)
			}
		},
		OnLastUnsubscribe: func(sessionID string) {
			browserOrch.Unsubscribe(sessionID)
		},
	})

	b.Register(&Channel{
		Name:          ChannelSessionBrowserFrames,
		Parameterized: true,
		Snapshot: func(_ context.Context, sessionID string) (any, error) {
			data, at, ok := browserOrch.LastFrame(sessionID)
			if !ok {
				return map[string]any{"lastFrame": nil}, nil
			}
			return map[string]any{"lastFrame": data, "timestamp": at}, nil
		},
		OnFirstSubscribe: func(ctx context.Context, sessionID string) {
			if err := browserOrch.Subscribe(ctx, sessionID); err != nil {
				slog.Warn("Browser subscribe failed", "session", sessionID, "error", err)
			}
		},
		OnLastUnsubscribe: func(sessionID string) {
			browserOrch.Unsubscribe(sessionID)
		},
	})

	b.Register(&Channel{
		Name:          ChannelSessionBrowserInput,
		Parameterized: true,
		OnEvent: func(ctx context.Context, sessionID string, data json.RawMessage) error {
			return browserOrch.SendInput(ctx, sessionID, data)
		},
	})

	b.Register(&Channel{
		Name:          ChannelOrchestrationStatus,
		Parameterized: true,
		Snapshot: func(ctx context.Context, id string) (any, error) {
			req, err := repo.GetOrchestration(ctx, id)
			if err != nil {
				return nil, err
			}
			snapshot := map[string]any{"status": req.Status}
			if req.ResolvedProjectID != "" {
				if project, err := repo.GetProject(ctx, req.ResolvedProjectID); err == nil {
					snapshot["projectName"] = project.Name
				}
			}
			if req.ResolvedSessionID != "" {
				snapshot["sessionId"] = req.ResolvedSessionID
			}
			if req.ErrorMessage != "" {
				snapshot["errorMessage"] = req.ErrorMessage
			}
			return snapshot, nil
		},
	})

	b.Register(&Channel{
		Name:          ChannelSessionComplete,
		Parameterized: true,
		Snapshot: func(ctx context.Context, sessionID string) (any, error) {
			events, err := repo.ListAgentEvents(ctx, sessionID, 0)
			if err != nil {
				return nil, err
			}
			completed := false
			if len(events) > 0 {
				var last struct {
					Type string `json:"type"`
				}
				if json.Unmarshal([]byte(events[len(events)-1].EventData), &last) == nil {
					completed = last.Type == "session_complete"
				}
			}
			return map[string]any{"completed": completed}, nil
		},
	})
}

// typingTracker keeps the per-session set of typing users in memory and
// rebroadcasts it on every change.
type typingTracker struct {
	bus *Bus

	mu       sync.Mutex
	sessions map[string]map[string]bool
}

func newTypingTracker(b *Bus) *typingTracker {
	return &typingTracker{bus: b, sessions: make(map[string]map[string]bool)}
}

func (t *typingTracker) users(sessionID string) []string {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]string, 0, len(t.sessions[sessionID]))
	for user := range t.sessions[sessionID] {
		out = append(out, user)
	}
	sort.Strings(out)
	return out
}

func (t *typingTracker) onEvent(_ context.Context, sessionID string, data json.RawMessage) error {
	var ev struct {
		UserID string `json:"userId"`
		Typing bool   `json:"typing"`
	}
	if err := json.Unmarshal(data, &ev); err != nil {
		return err
	}
	if ev.UserID == "" {
		return errors.New("missing userId")
	}

	t.mu.Lock()
	if ev.Typing {
		if t.sessions[sessionID] == nil {
			t.sessions[sessionID] = make(map[string]bool)
		}
		t.sessions[sessionID][ev.UserID] = true
	} else {
		delete(t.sessions[sessionID], ev.UserID)
		if len(t.sessions[sessionID]) == 0 {
			delete(t.sessions, sessionID)
		}
	}
	t.mu.Unlock()

	t.bus.PublishEvent(ChannelSessionTyping, sessionID, t.users(sessionID))
	return nil
}
