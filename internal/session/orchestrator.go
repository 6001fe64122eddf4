// Package session orchestrates session lifecycles: spawning container
// clusters, maintaining warm pools, and tearing sessions down.
package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/ashureev/agent-lab/internal/bus"
	"github.com/ashureev/agent-lab/internal/domain"
	"github.com/ashureev/agent-lab/internal/proxy"
	"github.com/ashureev/agent-lab/internal/sandbox"
	"github.com/ashureev/agent-lab/internal/store"
)

const callTimeout = 30 * time.Second

// Publisher fans deltas out to channel subscribers.
type Publisher interface {
	PublishDelta(channel, param string, data any)
}

// BrowserStopper force-stops a session's browser daemon during teardown.
type BrowserStopper interface {
	ForceStop(ctx context.Context, sessionID string) error
}

// Volumes names the shared volumes mounted into every cluster.
type Volumes struct {
	Workspaces  string
	Auth        string
	BrowserSock string
}

// Orchestrator owns session lifecycles. Spawn and cleanup for the same
// session serialize through a per-session mutex.
type Orchestrator struct {
	repo     store.Repository
	provider sandbox.Provider
	router   *proxy.Router
	browser  BrowserStopper
	pub      Publisher
	volumes  Volumes

	// composePrompt renders the system prompt passed to agent containers.
	composePrompt func(ctx context.Context, p *domain.Project, s *domain.Session) string

	locks sync.Map // sessionID -> *sync.Mutex
}

// NewOrchestrator wires the session orchestrator.
func NewOrchestrator(repo store.Repository, provider sandbox.Provider, router *proxy.Router, browser BrowserStopper, pub Publisher, volumes Volumes) *Orchestrator {
	return &Orchestrator{
		repo:     repo,
		provider: provider,
		router:   router,
		browser:  browser,
		pub:      pub,
		volumes:  volumes,
	}
}

// SetPromptComposer installs the system prompt renderer used for agent
// container environments.
func (o *Orchestrator) SetPromptComposer(fn func(ctx context.Context, p *domain.Project, s *domain.Session) string) {
	o.composePrompt = fn
}

func (o *Orchestrator) sessionLock(sessionID string) *sync.Mutex {
	lock, _ := o.locks.LoadOrStore(sessionID, &sync.Mutex{})
	return lock.(*sync.Mutex)
}

// normalizeTitle trims and collapses whitespace into a single-line title.
func normalizeTitle(s string) string {
	return strings.Join(strings.Fields(s), " ")
}

// hostnameFor derives the stable container hostname from session and
// definition ids.
func hostnameFor(sessionID, definitionID string) string {
	return "s-" + shortID(sessionID) + "-" + shortID(definitionID)
}

func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}

// Spawn creates a session for the project, preferring a warm pooled session.
// It returns immediately with the partial session; cluster initialization
// runs in the background and progress surfaces on the bus.
func (o *Orchestrator) Spawn(ctx context.Context, projectID, taskSummary string) (*domain.Session, []*domain.SessionContainer, error) {
	title := normalizeTitle(taskSummary)

	claimed, err := o.repo.ClaimPooledSession(ctx, projectID, title)
	if err == nil {
		// Pooled sessions keep their containers running; nothing to start.
		if err := o.repo.UpdateSessionStatus(ctx, claimed.ID, domain.SessionRunning); err != nil {
			return nil, nil, err
		}
		claimed.Status = domain.SessionRunning
		containers, listErr := o.repo.ListSessionContainers(ctx, claimed.ID)
		if listErr != nil {
			return nil, nil, listErr
		}
		o.pub.PublishDelta(bus.ChannelSessions, "", bus.AddDelta(claimed))
		go o.ensurePoolAsync(projectID)
		return claimed, containers, nil
	}
	if !errors.Is(err, domain.ErrPooledSessionsExhausted) {
		return nil, nil, err
	}

	project, err := o.repo.GetProject(ctx, projectID)
	if err != nil {
		return nil, nil, err
	}
	if len(project.Containers) == 0 {
		return nil, nil, domain.ErrNoContainerDefinitions
	}

	sess, containers, err := o.insertSession(ctx, project, title, domain.SessionCreating)
	if err != nil {
		return nil, nil, err
	}

	o.pub.PublishDelta(bus.ChannelSessions, "", bus.AddDelta(sess))
	for _, c := range containers {
		o.pub.PublishDelta(bus.ChannelSessionContainers, sess.ID, bus.AddDelta(c))
	}

	go o.initCluster(context.WithoutCancel(ctx), project, sess, containers, domain.SessionRunning)

	return sess, containers, nil
}

// insertSession writes the session and one SessionContainer row per
// definition, all in starting state.
func (o *Orchestrator) insertSession(ctx context.Context, project *domain.Project, title string, status domain.SessionStatus) (*domain.Session, []*domain.SessionContainer, error) {
	now := time.Now().UTC()
	sess := &domain.Session{
		ID:        uuid.NewString(),
		ProjectID: project.ID,
		Title:     title,
		Status:    status,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := o.repo.CreateSession(ctx, sess); err != nil {
		return nil, nil, err
	}

	containers := make([]*domain.SessionContainer, 0, len(project.Containers))
	for _, def := range project.Containers {
		c := &domain.SessionContainer{
			ID:          uuid.NewString(),
			SessionID:   sess.ID,
			ContainerID: def.ID,
			Status:      domain.ContainerStarting,
			Hostname:    hostnameFor(sess.ID, def.ID),
			CreatedAt:   now,
			UpdatedAt:   now,
		}
		if err := o.repo.CreateSessionContainer(ctx, c); err != nil {
			return nil, nil, err
		}
		containers = append(containers, c)
	}
	return sess, containers, nil
}

// initCluster brings a session's containers up: network, shared volumes,
// containers, per-port aliases, router registration. Failures mark the
// affected containers error and leave the rest standing.
func (o *Orchestrator) initCluster(ctx context.Context, project *domain.Project, sess *domain.Session, containers []*domain.SessionContainer, finalStatus domain.SessionStatus) {
	lock := o.sessionLock(sess.ID)
	lock.Lock()
	defer lock.Unlock()

	network := sess.NetworkName()
	if err := o.withTimeout(ctx, func(ctx context.Context) error {
		_, err := o.provider.CreateNetwork(ctx, network)
		return err
	}); err != nil {
		slog.Error("Network creation failed", "session", sess.ID, "network", network, "error", err)
		o.markClusterError(ctx, sess.ID, containers, err)
		return
	}

	if err := o.ensureSharedVolumes(ctx); err != nil {
		slog.Error("Shared volume setup failed", "session", sess.ID, "error", err)
		o.markClusterError(ctx, sess.ID, containers, err)
		return
	}

	defsByID := make(map[string]domain.ContainerDefinition, len(project.Containers))
	for _, def := range project.Containers {
		defsByID[def.ID] = def
	}

	g, gctx := errgroup.WithContext(ctx)
	cluster := make([]proxy.ClusterContainer, len(containers))
	for i, c := range containers {
		def, ok := defsByID[c.ContainerID]
		if !ok {
			o.markContainerError(ctx, c, fmt.Errorf("definition %s missing", c.ContainerID))
			continue
		}
		g.Go(func() error {
			entry, err := o.startContainer(gctx, project, sess, c, def, network)
			if err != nil {
				o.markContainerError(ctx, c, err)
				// Per-container failures do not abort the siblings.
				return nil
			}
			cluster[i] = *entry
			return nil
		})
	}
	g.Wait()

	live := make([]proxy.ClusterContainer, 0, len(cluster))
	for _, entry := range cluster {
		if entry.ContainerID != "" {
			live = append(live, entry)
		}
	}
	if len(live) > 0 {
		o.router.RegisterCluster(sess.ID, network, live)
	}

	if err := o.repo.UpdateSessionStatus(ctx, sess.ID, finalStatus); err != nil {
		slog.Error("Session status update failed", "session", sess.ID, "error", err)
		return
	}
	sess.Status = finalStatus
	o.pub.PublishDelta(bus.ChannelSessions, "", bus.UpdateDelta(sess))

	if finalStatus == domain.SessionRunning {
		go o.ensurePoolAsync(project.ID)
	}
}

// startContainer creates, starts, and wires one container onto the session
// network with its <sessionID>--<port> aliases.
func (o *Orchestrator) startContainer(ctx context.Context, project *domain.Project, sess *domain.Session, c *domain.SessionContainer, def domain.ContainerDefinition, network string) (*proxy.ClusterContainer, error) {
	declared := make([]int, 0, len(def.Ports))
	aliases := make([]string, 0, len(def.Ports))
	for _, p := range def.Ports {
		declared = append(declared, p.Port)
		aliases = append(aliases, fmt.Sprintf("%s--%d", sess.ID, p.Port))
	}

	spec := sandbox.ContainerSpec{
		Name:       c.Hostname,
		Image:      def.Image,
		Hostname:   c.Hostname,
		WorkingDir: "/workspaces/" + sess.ID,
		Env:        o.renderEnv(ctx, project, sess, def),
		Labels: map[string]string{
			"lab.session":   sess.ID,
			"lab.project":   project.ID,
			"lab.container": def.ID,
		},
		Ports: declared,
		Volumes: map[string]string{
			o.volumes.Workspaces:  "/workspaces",
			o.volumes.Auth:        "/home/agent/.local/share/opencode",
			o.volumes.BrowserSock: "/tmp/browser",
		},
		MaxRestartRetries: 3,
	}

	var runtimeID string
	err := o.withTimeout(ctx, func(ctx context.Context) error {
		id, err := o.provider.CreateContainer(ctx, spec)
		runtimeID = id
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("create container: %w", err)
	}
	if err := o.repo.UpdateContainerRuntime(ctx, c.ID, runtimeID); err != nil {
		return nil, err
	}
	c.RuntimeID = runtimeID

	if err := o.withTimeout(ctx, func(ctx context.Context) error {
		return o.provider.StartContainer(ctx, runtimeID)
	}); err != nil {
		return nil, fmt.Errorf("start container: %w", err)
	}

	// Re-attach to the session network so every declared port gets its DNS
	// alias; the proxy resolves upstreams through them.
	if err := o.withTimeout(ctx, func(ctx context.Context) error {
		if connected, err := o.provider.IsConnected(ctx, runtimeID, network); err == nil && connected {
			if err := o.provider.DisconnectNetwork(ctx, runtimeID, network); err != nil {
				return err
			}
		}
		return o.provider.ConnectNetwork(ctx, runtimeID, network, aliases)
	}); err != nil {
		return nil, fmt.Errorf("attach network: %w", err)
	}

	hostPorts := map[int]int{}
	if err := o.withTimeout(ctx, func(ctx context.Context) error {
		state, err := o.provider.Inspect(ctx, runtimeID)
		if err != nil {
			return err
		}
		hostPorts = state.Ports
		return nil
	}); err != nil {
		slog.Warn("Container inspect failed", "session", sess.ID, "container", c.ID, "error", err)
	}

	portMap := make(map[int]int, len(declared))
	for _, p := range declared {
		portMap[p] = hostPorts[p]
	}

	if err := o.repo.UpdateContainerStatus(ctx, c.ID, domain.ContainerRunning, ""); err != nil {
		return nil, err
	}
	c.Status = domain.ContainerRunning
	o.pub.PublishDelta(bus.ChannelSessionContainers, sess.ID, bus.UpdateDelta(c))

	return &proxy.ClusterContainer{
		ContainerID: c.ID,
		Hostname:    c.Hostname,
		Ports:       portMap,
	}, nil
}

// renderEnv expands ${SESSION_ID}-style references in the definition's env
// template and injects the composed system prompt for agent containers.
func (o *Orchestrator) renderEnv(ctx context.Context, project *domain.Project, sess *domain.Session, def domain.ContainerDefinition) map[string]string {
	vars := map[string]string{
		"SESSION_ID": sess.ID,
		"PROJECT_ID": project.ID,
		"HOSTNAME":   hostnameFor(sess.ID, def.ID),
	}
	env := make(map[string]string, len(def.EnvTemplate)+1)
	for k, v := range def.EnvTemplate {
		env[k] = os.Expand(v, func(name string) string { return vars[name] })
	}
	if o.composePrompt != nil {
		if p := o.composePrompt(ctx, project, sess); p != "" {
			env["SYSTEM_PROMPT"] = p
		}
	}
	return env
}

func (o *Orchestrator) ensureSharedVolumes(ctx context.Context) error {
	for _, name := range []string{o.volumes.Workspaces, o.volumes.Auth, o.volumes.BrowserSock} {
		if err := o.withTimeout(ctx, func(ctx context.Context) error {
			return o.provider.CreateVolume(ctx, name)
		}); err != nil {
			return fmt.Errorf("volume %s: %w", name, err)
		}
		v := &domain.Volume{Name: name, Kind: "shared", CreatedAt: time.Now().UTC(), LastUsedAt: time.Now().UTC()}
		if err := o.repo.UpsertVolume(ctx, v); err != nil {
			return err
		}
	}
	return nil
}

func (o *Orchestrator) markClusterError(ctx context.Context, sessionID string, containers []*domain.SessionContainer, cause error) {
	for _, c := range containers {
		o.markContainerError(ctx, c, cause)
	}
	if err := o.repo.UpdateSessionStatus(ctx, sessionID, domain.SessionError); err != nil {
		slog.Error("Session error status update failed", "session", sessionID, "error", err)
	}
}

func (o *Orchestrator) markContainerError(ctx context.Context, c *domain.SessionContainer, cause error) {
	if err := o.repo.UpdateContainerStatus(ctx, c.ID, domain.ContainerError, cause.Error()); err != nil {
		slog.Error("Container error status update failed", "container", c.ID, "error", err)
		return
	}
	c.Status = domain.ContainerError
	c.ErrorMessage = cause.Error()
	o.pub.PublishDelta(bus.ChannelSessionContainers, c.SessionID, bus.UpdateDelta(c))
}

// Cleanup tears a session down. Every step is idempotent; the whole sequence
// may re-run on a crash-recovery sweep.
func (o *Orchestrator) Cleanup(ctx context.Context, sessionID string) error {
	lock := o.sessionLock(sessionID)
	lock.Lock()
	defer lock.Unlock()

	sess, err := o.repo.GetSession(ctx, sessionID)
	if errors.Is(err, domain.ErrSessionNotFound) {
		return nil
	}
	if err != nil {
		return err
	}

	if sess.Status != domain.SessionDeleting {
		if err := o.repo.UpdateSessionStatus(ctx, sessionID, domain.SessionDeleting); err != nil {
			return err
		}
	}
	o.pub.PublishDelta(bus.ChannelSessions, "", bus.RemoveDelta(sessionID))

	containers, err := o.repo.ListSessionContainers(ctx, sessionID)
	if err != nil {
		return err
	}
	for _, c := range containers {
		if c.RuntimeID == "" {
			continue
		}
		if err := o.withTimeout(ctx, func(ctx context.Context) error {
			if err := o.provider.StopContainer(ctx, c.RuntimeID); err != nil {
				return err
			}
			return o.provider.RemoveContainer(ctx, c.RuntimeID, true)
		}); err != nil {
			slog.Warn("Container teardown failed", "session", sessionID, "runtime", c.RuntimeID, "error", err)
			continue
		}
		if exists, err := o.provider.ContainerExists(ctx, c.RuntimeID); err != nil || exists {
			slog.Warn("Container removal unverified", "session", sessionID, "runtime", c.RuntimeID, "error", err)
		}
	}

	if err := o.browser.ForceStop(ctx, sessionID); err != nil {
		slog.Warn("Browser force stop failed", "session", sessionID, "error", err)
	}

	o.router.UnregisterCluster(sessionID)

	if err := o.withTimeout(ctx, func(ctx context.Context) error {
		return o.provider.RemoveNetwork(ctx, sess.NetworkName())
	}); err != nil {
		slog.Warn("Network removal failed", "session", sessionID, "error", err)
	}

	if err := o.repo.ReleaseSessionVolumes(ctx, sessionID); err != nil {
		slog.Warn("Volume release failed", "session", sessionID, "error", err)
	}

	return o.repo.DeleteSession(ctx, sessionID)
}

// SweepOrphans re-runs cleanup for sessions stuck in deleting, typically
// after a crash mid-teardown.
func (o *Orchestrator) SweepOrphans(ctx context.Context) error {
	sessions, err := o.repo.ListSessions(ctx)
	if err != nil {
		return err
	}
	var errs []error
	for _, s := range sessions {
		if s.Status != domain.SessionDeleting {
			continue
		}
		slog.Info("Sweeping orphaned session", "session", s.ID)
		if err := o.Cleanup(ctx, s.ID); err != nil {
			errs = append(errs, fmt.Errorf("session %s: %w", s.ID, err))
		}
	}
	return errors.Join(errs...)
}

// SessionDetail is a session plus its containers and public URLs.
type SessionDetail struct {
	*domain.Session
	Containers []*domain.SessionContainer `json:"containers"`
	URLs       []proxy.RouteInfo          `json:"urls"`
}

// Detail loads a session with its containers and routed URLs.
func (o *Orchestrator) Detail(ctx context.Context, sessionID string) (*SessionDetail, error) {
	sess, err := o.repo.GetSession(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	containers, err := o.repo.ListSessionContainers(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	return &SessionDetail{
		Session:    sess,
		Containers: containers,
		URLs:       o.router.GetURLs(sessionID),
	}, nil
}

func (o *Orchestrator) withTimeout(ctx context.Context, fn func(context.Context) error) error {
	ctx, cancel := context.WithTimeout(ctx, callTimeout)
	defer cancel()
	return fn(ctx)
}
