package browser

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/ashureev/agent-lab/internal/domain"
	"github.com/ashureev/agent-lab/internal/ports"
	"github.com/ashureev/agent-lab/internal/store"
)

// Action is the reconciler's next move for one session, chosen purely from
// desired and actual state.
type Action int

const (
	ActionNoOp Action = iota
	ActionStartDaemon
	ActionWaitForReady
	ActionCheckAlive
	ActionResetToStopped
	ActionStopDaemon
	ActionWaitForStopped
)

func (a Action) String() string {
	switch a {
	case ActionStartDaemon:
		return "start"
	case ActionWaitForReady:
		return "wait-ready"
	case ActionCheckAlive:
		return "check-alive"
	case ActionResetToStopped:
		return "reset"
	case ActionStopDaemon:
		return "stop"
	case ActionWaitForStopped:
		return "wait-stopped"
	default:
		return "noop"
	}
}

// selectAction decides the next reconciliation step. Once retryCount reaches
// maxRetries an errored daemon stays errored until something external resets
// the state.
func selectAction(desired domain.BrowserDesired, actual domain.BrowserActual, retryCount, maxRetries int) Action {
	if actual == domain.BrowserErrored && retryCount >= maxRetries {
		return ActionNoOp
	}

	switch desired {
	case domain.BrowserWantRunning:
		switch actual {
		case domain.BrowserStopped:
			return ActionStartDaemon
		case domain.BrowserStarting:
			return ActionWaitForReady
		case domain.BrowserRunning:
			return ActionCheckAlive
		case domain.BrowserErrored:
			return ActionResetToStopped
		case domain.BrowserStopping:
			return ActionWaitForStopped
		}
	case domain.BrowserWantStopped:
		switch actual {
		case domain.BrowserRunning, domain.BrowserStarting:
			return ActionStopDaemon
		case domain.BrowserStopping:
			return ActionWaitForStopped
		case domain.BrowserErrored:
			return ActionResetToStopped
		}
	}
	return ActionNoOp
}

// Orchestrator reconciles browser daemon state for every session with a
// browser record. One instance per process.
type Orchestrator struct {
	repo       store.Repository
	controller DaemonController
	allocator  *ports.Allocator

	maxRetries   int
	interval     time.Duration
	cleanupDelay time.Duration

	// locks serializes reconciliation per session id.
	locks sync.Map // sessionID -> *sync.Mutex

	mu       sync.Mutex
	viewers  map[string]int
	cleanups map[string]*time.Timer
	frames   map[string]frameEntry

	listenerMu     sync.RWMutex
	errListeners   []func(error)
	stateListeners []func(*domain.BrowserSessionState)
}

// NewOrchestrator creates a browser reconciler. Call Run to start the loop.
func NewOrchestrator(repo store.Repository, controller DaemonController, allocator *ports.Allocator, maxRetries int, interval, cleanupDelay time.Duration) *Orchestrator {
	return &Orchestrator{
		repo:         repo,
		controller:   controller,
		allocator:    allocator,
		maxRetries:   maxRetries,
		interval:     interval,
		cleanupDelay: cleanupDelay,
		viewers:      make(map[string]int),
		cleanups:     make(map[string]*time.Timer),
		frames:       make(map[string]frameEntry),
	}
}

// OnError registers a listener for aggregated reconciliation failures.
func (o *Orchestrator) OnError(fn func(error)) {
	o.listenerMu.Lock()
	o.errListeners = append(o.errListeners, fn)
	o.listenerMu.Unlock()
}

// OnStateChange registers a listener invoked after every persisted state
// transition.
func (o *Orchestrator) OnStateChange(fn func(*domain.BrowserSessionState)) {
	o.listenerMu.Lock()
	o.stateListeners = append(o.stateListeners, fn)
	o.listenerMu.Unlock()
}

// Run ticks reconcileAll until ctx is canceled.
func (o *Orchestrator) Run(ctx context.Context) {
	ticker := time.NewTicker(o.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := o.ReconcileAll(ctx); err != nil {
				o.listenerMu.RLock()
				listeners := o.errListeners
				o.listenerMu.RUnlock()
				for _, fn := range listeners {
					fn(err)
				}
			}
		}
	}
}

// ReconcileAll reconciles every known browser session. Per-session failures
// are joined and returned; they never stop the sweep.
func (o *Orchestrator) ReconcileAll(ctx context.Context) error {
	states, err := o.repo.ListBrowserStates(ctx)
	if err != nil {
		return fmt.Errorf("list browser states: %w", err)
	}

	var errs []error
	for _, st := range states {
		if ctx.Err() != nil {
			return errors.Join(append(errs, ctx.Err())...)
		}
		if err := o.Reconcile(ctx, st.SessionID); err != nil {
			errs = append(errs, fmt.Errorf("session %s: %w", st.SessionID, err))
		}
	}
	return errors.Join(errs...)
}

func (o *Orchestrator) sessionLock(sessionID string) *sync.Mutex {
	lock, _ := o.locks.LoadOrStore(sessionID, &sync.Mutex{})
	return lock.(*sync.Mutex)
}

// Reconcile runs a single reconciliation step for one session.
func (o *Orchestrator) Reconcile(ctx context.Context, sessionID string) error {
	lock := o.sessionLock(sessionID)
	lock.Lock()
	defer lock.Unlock()

	st, err := o.repo.GetBrowserState(ctx, sessionID)
	if errors.Is(err, domain.ErrBrowserSessionNotFound) {
		return nil
	}
	if err != nil {
		return err
	}

	action := selectAction(st.Desired, st.Actual, st.RetryCount, o.maxRetries)
	if action == ActionNoOp {
		return nil
	}
	slog.Debug("Browser reconcile", "session", sessionID, "desired", st.Desired, "actual", st.Actual, "action", action.String())

	switch action {
	case ActionStartDaemon:
		return o.startDaemon(ctx, st)
	case ActionWaitForReady:
		return o.waitForReady(ctx, st)
	case ActionCheckAlive:
		return o.checkAlive(ctx, st)
	case ActionResetToStopped:
		st.Actual = domain.BrowserStopped
		return o.persist(ctx, st)
	case ActionStopDaemon:
		return o.stopDaemon(ctx, st)
	case ActionWaitForStopped:
		return o.waitForStopped(ctx, st)
	}
	return nil
}

func (o *Orchestrator) startDaemon(ctx context.Context, st *domain.BrowserSessionState) error {
	port := st.StreamPort
	if port == 0 || !o.allocator.IsAllocated(port, domain.PortKindStream) {
		allocated, err := o.allocator.Allocate(ctx, st.SessionID, domain.PortKindStream)
		if err != nil {
			st.RetryCount++
			st.Actual = domain.BrowserErrored
			st.ErrorMessage = err.Error()
			if persistErr := o.persist(ctx, st); persistErr != nil {
				return errors.Join(err, persistErr)
			}
			return err
		}
		port = allocated
	}

	st.RetryCount++
	st.StreamPort = port
	st.Actual = domain.BrowserStarting
	st.ErrorMessage = ""
	if err := o.persist(ctx, st); err != nil {
		return err
	}

	if err := o.controller.Start(ctx, st.SessionID, port, st.LastURL); err != nil {
		st.Actual = domain.BrowserErrored
		st.ErrorMessage = err.Error()
		o.releasePort(ctx, st)
		if persistErr := o.persist(ctx, st); persistErr != nil {
			return errors.Join(err, persistErr)
		}
		return err
	}
	return nil
}

func (o *Orchestrator) waitForReady(ctx context.Context, st *domain.BrowserSessionState) error {
	status, err := o.controller.GetStatus(ctx, st.SessionID)
	if err != nil {
		return err
	}
	if status == nil {
		// Daemon vanished while starting; fall back to stopped and let the
		// next tick re-issue the start if still desired.
		o.releasePort(ctx, st)
		st.Actual = domain.BrowserStopped
		return o.persist(ctx, st)
	}
	if !status.Ready {
		return nil
	}

	st.Actual = domain.BrowserRunning
	st.ErrorMessage = ""
	st.LastHeartbeatAt = time.Now().UTC()
	if err := o.persist(ctx, st); err != nil {
		return err
	}

	if st.LastURL != "" {
		if err := o.controller.Navigate(ctx, st.SessionID, st.LastURL); err != nil {
			slog.Warn("Initial navigation failed", "session", st.SessionID, "url", st.LastURL, "error", err)
		}
	}
	return nil
}

func (o *Orchestrator) checkAlive(ctx context.Context, st *domain.BrowserSessionState) error {
	status, err := o.controller.GetStatus(ctx, st.SessionID)
	if err != nil {
		return err
	}
	if status == nil || !status.Running {
		slog.Info("Browser daemon disappeared", "session", st.SessionID)
		o.releasePort(ctx, st)
		st.Actual = domain.BrowserStopped
		return o.persist(ctx, st)
	}
	st.LastHeartbeatAt = time.Now().UTC()
	return o.persist(ctx, st)
}

func (o *Orchestrator) stopDaemon(ctx context.Context, st *domain.BrowserSessionState) error {
	if url, err := o.controller.GetCurrentURL(ctx, st.SessionID); err == nil && url != "" {
		st.LastURL = url
	}

	st.Actual = domain.BrowserStopping
	if err := o.persist(ctx, st); err != nil {
		return err
	}

	if err := o.controller.Stop(ctx, st.SessionID); err != nil {
		st.ErrorMessage = err.Error()
		if persistErr := o.persist(ctx, st); persistErr != nil {
			return errors.Join(err, persistErr)
		}
		return err
	}

	o.releasePort(ctx, st)
	st.Actual = domain.BrowserStopped
	st.RetryCount = 0
	st.ErrorMessage = ""
	return o.persist(ctx, st)
}

func (o *Orchestrator) waitForStopped(ctx context.Context, st *domain.BrowserSessionState) error {
	status, err := o.controller.GetStatus(ctx, st.SessionID)
	if err != nil {
		return err
	}
	if status != nil && status.Running {
		return nil
	}
	o.releasePort(ctx, st)
	st.Actual = domain.BrowserStopped
	st.RetryCount = 0
	st.ErrorMessage = ""
	return o.persist(ctx, st)
}

// releasePort drops the stream port reservation; the reservation is held
// exactly while actual is starting, running, or stopping.
func (o *Orchestrator) releasePort(ctx context.Context, st *domain.BrowserSessionState) {
	if st.StreamPort == 0 {
		return
	}
	if err := o.allocator.Release(ctx, st.StreamPort, domain.PortKindStream); err != nil {
		slog.Warn("Stream port release failed", "session", st.SessionID, "port", st.StreamPort, "error", err)
	}
	st.StreamPort = 0
}

func (o *Orchestrator) persist(ctx context.Context, st *domain.BrowserSessionState) error {
	if err := o.repo.UpsertBrowserState(ctx, st); err != nil {
		return err
	}
	o.listenerMu.RLock()
	listeners := o.stateListeners
	o.listenerMu.RUnlock()
	for _, fn := range listeners {
		fn(st)
	}
	return nil
}

// Subscribe records a viewer. The first viewer sets desired=running and
// cancels any pending cleanup.
func (o *Orchestrator) Subscribe(ctx context.Context, sessionID string) error {
	o.mu.Lock()
	o.viewers[sessionID]++
	first := o.viewers[sessionID] == 1
	if timer, ok := o.cleanups[sessionID]; ok {
		timer.Stop()
		delete(o.cleanups, sessionID)
	}
	o.mu.Unlock()

	if !first {
		return nil
	}

	if err := o.setDesired(ctx, sessionID, domain.BrowserWantRunning); err != nil {
		return err
	}
	if err := o.controller.Launch(ctx, sessionID); err != nil {
		slog.Warn("Browser launch failed", "session", sessionID, "error", err)
	}

	go func() {
		if err := o.Reconcile(context.WithoutCancel(ctx), sessionID); err != nil {
			slog.Warn("Browser reconcile after subscribe failed", "session", sessionID, "error", err)
		}
	}()
	return nil
}

// Unsubscribe drops a viewer. When the count reaches zero a cleanup timer is
// armed; if no viewer returns before it fires, desired flips to stopped.
// The delay debounces page reloads.
func (o *Orchestrator) Unsubscribe(sessionID string) {
	o.mu.Lock()
	defer o.mu.Unlock()

	if o.viewers[sessionID] > 0 {
		o.viewers[sessionID]--
	}
	if o.viewers[sessionID] > 0 {
		return
	}
	delete(o.viewers, sessionID)

	if timer, ok := o.cleanups[sessionID]; ok {
		timer.Stop()
	}
	o.cleanups[sessionID] = time.AfterFunc(o.cleanupDelay, func() {
		o.mu.Lock()
		stillIdle := o.viewers[sessionID] == 0
		delete(o.cleanups, sessionID)
		if stillIdle {
			delete(o.frames, sessionID)
		}
		o.mu.Unlock()
		if !stillIdle {
			return
		}

		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		if err := o.setDesired(ctx, sessionID, domain.BrowserWantStopped); err != nil {
			slog.Warn("Browser cleanup failed", "session", sessionID, "error", err)
			return
		}
		if err := o.Reconcile(ctx, sessionID); err != nil {
			slog.Warn("Browser reconcile after cleanup failed", "session", sessionID, "error", err)
		}
	})
}

// ViewerCount reports the live viewer refcount for a session.
func (o *Orchestrator) ViewerCount(sessionID string) int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.viewers[sessionID]
}

func (o *Orchestrator) setDesired(ctx context.Context, sessionID string, desired domain.BrowserDesired) error {
	lock := o.sessionLock(sessionID)
	lock.Lock()
	defer lock.Unlock()

	st, err := o.repo.GetBrowserState(ctx, sessionID)
	if errors.Is(err, domain.ErrBrowserSessionNotFound) {
		st = &domain.BrowserSessionState{
			SessionID: sessionID,
			Desired:   domain.BrowserWantStopped,
			Actual:    domain.BrowserStopped,
		}
	} else if err != nil {
		return err
	}

	if st.Desired == desired {
		return nil
	}
	st.Desired = desired
	if desired == domain.BrowserWantRunning {
		// A fresh intent gets a fresh retry budget.
		st.RetryCount = 0
		if st.Actual == domain.BrowserErrored {
			st.Actual = domain.BrowserStopped
		}
		st.ErrorMessage = ""
	}
	return o.persist(ctx, st)
}

// ForceStop tears the daemon down regardless of desired state and releases
// the stream port. Used by session destruction.
func (o *Orchestrator) ForceStop(ctx context.Context, sessionID string) error {
	lock := o.sessionLock(sessionID)
	lock.Lock()
	defer lock.Unlock()

	o.mu.Lock()
	if timer, ok := o.cleanups[sessionID]; ok {
		timer.Stop()
		delete(o.cleanups, sessionID)
	}
	delete(o.viewers, sessionID)
	delete(o.frames, sessionID)
	o.mu.Unlock()

	st, err := o.repo.GetBrowserState(ctx, sessionID)
	if errors.Is(err, domain.ErrBrowserSessionNotFound) {
		return nil
	}
	if err != nil {
		return err
	}

	stopErr := o.controller.Stop(ctx, sessionID)
	o.releasePort(ctx, st)
	st.Desired = domain.BrowserWantStopped
	st.Actual = domain.BrowserStopped
	st.RetryCount = 0
	st.ErrorMessage = ""
	if err := o.persist(ctx, st); err != nil {
		return errors.Join(stopErr, err)
	}
	return stopErr
}

// SendInput forwards a viewer input event to the session's daemon.
func (o *Orchestrator) SendInput(ctx context.Context, sessionID string, input json.RawMessage) error {
	result, err := o.controller.ExecuteCommand(ctx, sessionID, input)
	if err != nil {
		return err
	}
	if !result.Success {
		return &domain.ConnectionFailed{SessionID: sessionID, Detail: result.Error}
	}
	return nil
}

type frameEntry struct {
	data []byte
	at   time.Time
}

// StoreFrame memoizes the latest frame payload for a session.
func (o *Orchestrator) StoreFrame(sessionID string, data []byte) {
	o.mu.Lock()
	o.frames[sessionID] = frameEntry{data: data, at: time.Now().UTC()}
	o.mu.Unlock()
}

// LastFrame returns the cached frame and its capture time so a new viewer
// is never blank while the daemon warms.
func (o *Orchestrator) LastFrame(sessionID string) ([]byte, time.Time, bool) {
	o.mu.Lock()
	defer o.mu.Unlock()
	entry, ok := o.frames[sessionID]
	return entry.data, entry.at, ok
}
