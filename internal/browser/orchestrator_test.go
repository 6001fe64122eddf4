package browser

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/ashureev/agent-lab/internal/domain"
	"github.com/ashureev/agent-lab/internal/ports"
	"github.com/ashureev/agent-lab/internal/store"
)

// fakeRepo implements the browser-state and port-reservation slices of the
// repository in memory.
type fakeRepo struct {
	store.Repository

	mu           sync.Mutex
	states       map[string]*domain.BrowserSessionState
	reservations map[int]domain.PortKind
}

func newFakeRepo() *fakeRepo {
	return &fakeRepo{
		states:       make(map[string]*domain.BrowserSessionState),
		reservations: make(map[int]domain.PortKind),
	}
}

func (f *fakeRepo) GetBrowserState(_ context.Context, sessionID string) (*domain.BrowserSessionState, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	st, ok := f.states[sessionID]
	if !ok {
		return nil, domain.ErrBrowserSessionNotFound
	}
	copied := *st
	return &copied, nil
}

func (f *fakeRepo) ListBrowserStates(context.Context) ([]*domain.BrowserSessionState, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]*domain.BrowserSessionState, 0, len(f.states))
	for _, st := range f.states {
		copied := *st
		out = append(out, &copied)
	}
	return out, nil
}

func (f *fakeRepo) UpsertBrowserState(_ context.Context, st *domain.BrowserSessionState) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	copied := *st
	f.states[st.SessionID] = &copied
	return nil
}

func (f *fakeRepo) ListPortReservations(context.Context) ([]*domain.PortReservation, error) {
	return nil, nil
}

func (f *fakeRepo) CreatePortReservation(_ context.Context, r *domain.PortReservation) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.reservations[r.Port] = r.Kind
	return nil
}

func (f *fakeRepo) DeletePortReservation(_ context.Context, port int, _ domain.PortKind) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.reservations, port)
	return nil
}

func (f *fakeRepo) state(t *testing.T, sessionID string) *domain.BrowserSessionState {
	t.Helper()
	st, err := f.GetBrowserState(context.Background(), sessionID)
	if err != nil {
		t.Fatalf("get browser state: %v", err)
	}
	return st
}

// fakeController scripts daemon behavior per test.
type fakeController struct {
	mu         sync.Mutex
	startErr   error
	status     *DaemonStatus
	currentURL string

	starts    int
	stops     int
	launches  int
	navigated []string
}

func (f *fakeController) Start(_ context.Context, _ string, _ int, _ string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.starts++
	return f.startErr
}

func (f *fakeController) Stop(context.Context, string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.stops++
	return nil
}

func (f *fakeController) Navigate(_ context.Context, _ string, url string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.navigated = append(f.navigated, url)
	return nil
}

func (f *fakeController) GetStatus(context.Context, string) (*DaemonStatus, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.status, nil
}

func (f *fakeController) GetCurrentURL(context.Context, string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.currentURL, nil
}

func (f *fakeController) Launch(context.Context, string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.launches++
	return nil
}

func (f *fakeController) IsHealthy(context.Context) bool { return true }

func (f *fakeController) ExecuteCommand(context.Context, string, json.RawMessage) (*CommandResult, error) {
	return &CommandResult{ID: "cmd", Success: true}, nil
}

func (f *fakeController) startCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.starts
}

func (f *fakeController) setStatus(s *DaemonStatus) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.status = s
}

func newTestOrchestrator(repo *fakeRepo, ctrl *fakeController, cleanupDelay time.Duration) *Orchestrator {
	alloc := ports.NewAllocator(repo, 9300, 9310)
	return NewOrchestrator(repo, ctrl, alloc, 3, 10*time.Millisecond, cleanupDelay)
}

const testSession = "sess-1"

func seedState(repo *fakeRepo, desired domain.BrowserDesired, actual domain.BrowserActual) {
	repo.states[testSession] = &domain.BrowserSessionState{
		SessionID: testSession,
		Desired:   desired,
		Actual:    actual,
	}
}

func TestReconcileDrivesStoppedToRunning(t *testing.T) {
	ctx := context.Background()
	repo := newFakeRepo()
	ctrl := &fakeController{}
	o := newTestOrchestrator(repo, ctrl, time.Hour)
	seedState(repo, domain.BrowserWantRunning, domain.BrowserStopped)

	// First tick issues the start.
	if err := o.Reconcile(ctx, testSession); err != nil {
		t.Fatalf("reconcile: %v", err)
	}
	st := repo.state(t, testSession)
	if st.Actual != domain.BrowserStarting {
		t.Fatalf("actual = %s, want starting", st.Actual)
	}
	if st.StreamPort != 9300 {
		t.Fatalf("stream port = %d, want 9300", st.StreamPort)
	}
	if ctrl.startCount() != 1 {
		t.Fatalf("starts = %d", ctrl.startCount())
	}

	// Daemon not ready yet: stays starting.
	ctrl.setStatus(&DaemonStatus{Running: true, Ready: false, Port: 9300})
	if err := o.Reconcile(ctx, testSession); err != nil {
		t.Fatalf("reconcile: %v", err)
	}
	if st := repo.state(t, testSession); st.Actual != domain.BrowserStarting {
		t.Fatalf("actual = %s, want starting", st.Actual)
	}

	// Ready: transitions to running.
	ctrl.setStatus(&DaemonStatus{Running: true, Ready: true, Port: 9300})
	if err := o.Reconcile(ctx, testSession); err != nil {
		t.Fatalf("reconcile: %v", err)
	}
	if st := repo.state(t, testSession); st.Actual != domain.BrowserRunning {
		t.Fatalf("actual = %s, want running", st.Actual)
	}
}

func TestRetryCapStopsAfterThreeStarts(t *testing.T) {
	ctx := context.Background()
	repo := newFakeRepo()
	ctrl := &fakeController{startErr: &domain.DaemonStartFailed{SessionID: testSession, Detail: "boom"}}
	o := newTestOrchestrator(repo, ctrl, time.Hour)
	seedState(repo, domain.BrowserWantRunning, domain.BrowserStopped)

	// Each failed start lands in error; the reconciler resets and retries
	// until the cap, then holds.
	for i := 0; i < 10; i++ {
		o.Reconcile(ctx, testSession)
	}

	if got := ctrl.startCount(); got != 3 {
		t.Fatalf("starts = %d, want exactly 3", got)
	}
	st := repo.state(t, testSession)
	if st.Actual != domain.BrowserErrored {
		t.Fatalf("actual = %s, want error", st.Actual)
	}
	if st.RetryCount != 3 {
		t.Fatalf("retryCount = %d, want 3", st.RetryCount)
	}
	if st.ErrorMessage == "" {
		t.Fatal("expected error message to be surfaced")
	}
}

func TestStreamPortHeldExactlyWhileActive(t *testing.T) {
	ctx := context.Background()
	repo := newFakeRepo()
	ctrl := &fakeController{}
	o := newTestOrchestrator(repo, ctrl, time.Hour)
	seedState(repo, domain.BrowserWantRunning, domain.BrowserStopped)

	if err := o.Reconcile(ctx, testSession); err != nil {
		t.Fatalf("reconcile: %v", err)
	}
	if !o.allocator.IsAllocated(9300, domain.PortKindStream) {
		t.Fatal("port should be reserved while starting")
	}

	ctrl.setStatus(&DaemonStatus{Running: true, Ready: true, Port: 9300})
	if err := o.Reconcile(ctx, testSession); err != nil {
		t.Fatalf("reconcile: %v", err)
	}
	if !o.allocator.IsAllocated(9300, domain.PortKindStream) {
		t.Fatal("port should be reserved while running")
	}

	// Flip desired to stopped; stop path must release the reservation.
	st := repo.state(t, testSession)
	st.Desired = domain.BrowserWantStopped
	repo.UpsertBrowserState(ctx, st)
	if err := o.Reconcile(ctx, testSession); err != nil {
		t.Fatalf("reconcile: %v", err)
	}

	st = repo.state(t, testSession)
	if st.Actual != domain.BrowserStopped {
		t.Fatalf("actual = %s, want stopped", st.Actual)
	}
	if st.StreamPort != 0 {
		t.Fatalf("stream port = %d, want cleared", st.StreamPort)
	}
	if o.allocator.IsAllocated(9300, domain.PortKindStream) {
		t.Fatal("port reservation leaked after stop")
	}
}

func TestCrashedDaemonFallsBackToStopped(t *testing.T) {
	ctx := context.Background()
	repo := newFakeRepo()
	ctrl := &fakeController{}
	o := newTestOrchestrator(repo, ctrl, time.Hour)
	repo.states[testSession] = &domain.BrowserSessionState{
		SessionID:  testSession,
		Desired:    domain.BrowserWantRunning,
		Actual:     domain.BrowserRunning,
		StreamPort: 9300,
	}
	o.allocator.Reserve(9300, domain.PortKindStream)

	// GetStatus returns nil: no daemon exists any more.
	if err := o.Reconcile(ctx, testSession); err != nil {
		t.Fatalf("reconcile: %v", err)
	}
	st := repo.state(t, testSession)
	if st.Actual != domain.BrowserStopped {
		t.Fatalf("actual = %s, want stopped", st.Actual)
	}

	// Still desired running: the next tick re-issues the start.
	if err := o.Reconcile(ctx, testSession); err != nil {
		t.Fatalf("reconcile: %v", err)
	}
	if ctrl.startCount() != 1 {
		t.Fatalf("starts = %d, want restart after crash", ctrl.startCount())
	}
}

func TestSubscribeSetsDesiredRunning(t *testing.T) {
	ctx := context.Background()
	repo := newFakeRepo()
	ctrl := &fakeController{}
	o := newTestOrchestrator(repo, ctrl, time.Hour)

	if err := o.Subscribe(ctx, testSession); err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	st := repo.state(t, testSession)
	if st.Desired != domain.BrowserWantRunning {
		t.Fatalf("desired = %s, want running", st.Desired)
	}
	if o.ViewerCount(testSession) != 1 {
		t.Fatalf("viewers = %d", o.ViewerCount(testSession))
	}
}

func TestUnsubscribeDebouncesCleanup(t *testing.T) {
	ctx := context.Background()
	repo := newFakeRepo()
	ctrl := &fakeController{}
	o := newTestOrchestrator(repo, ctrl, 30*time.Millisecond)

	if err := o.Subscribe(ctx, testSession); err != nil {
		t.Fatalf("subscribe: %v", err)
	}

	// Leave and come back before the timer fires: desired stays running.
	o.Unsubscribe(testSession)
	if err := o.Subscribe(ctx, testSession); err != nil {
		t.Fatalf("re-subscribe: %v", err)
	}
	time.Sleep(60 * time.Millisecond)
	if st := repo.state(t, testSession); st.Desired != domain.BrowserWantRunning {
		t.Fatalf("desired = %s, reload should not stop the daemon", st.Desired)
	}

	// Leave for good: timer flips desired to stopped.
	o.Unsubscribe(testSession)
	deadline := time.Now().Add(time.Second)
	for {
		if st := repo.state(t, testSession); st.Desired == domain.BrowserWantStopped {
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("desired never flipped to stopped")
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestFrameCache(t *testing.T) {
	repo := newFakeRepo()
	o := newTestOrchestrator(repo, &fakeController{}, time.Hour)

	if _, _, ok := o.LastFrame(testSession); ok {
		t.Fatal("unexpected cached frame")
	}
	o.StoreFrame(testSession, []byte("frame-1"))
	o.StoreFrame(testSession, []byte("frame-2"))
	data, at, ok := o.LastFrame(testSession)
	if !ok || string(data) != "frame-2" {
		t.Fatalf("frame = %q, %v", data, ok)
	}
	if at.IsZero() {
		t.Fatal("frame timestamp not recorded")
	}
}

func TestForceStopReleasesEverything(t *testing.T) {
	ctx := context.Background()
	repo := newFakeRepo()
	ctrl := &fakeController{}
	o := newTestOrchestrator(repo, ctrl, time.Hour)
	repo.states[testSession] = &domain.BrowserSessionState{
		SessionID:  testSession,
		Desired:    domain.BrowserWantRunning,
		Actual:     domain.BrowserRunning,
		StreamPort: 9300,
	}
	o.allocator.Reserve(9300, domain.PortKindStream)
	o.StoreFrame(testSession, []byte("frame"))

	if err := o.ForceStop(ctx, testSession); err != nil {
		t.Fatalf("force stop: %v", err)
	}
	st := repo.state(t, testSession)
	if st.Desired != domain.BrowserWantStopped || st.Actual != domain.BrowserStopped {
		t.Fatalf("state = %s/%s, want stopped/stopped", st.Desired, st.Actual)
	}
	if o.allocator.IsAllocated(9300, domain.PortKindStream) {
		t.Fatal("port reservation leaked")
	}
	if _, _, ok := o.LastFrame(testSession); ok {
		t.Fatal("frame cache not dropped")
	}

	// Idempotent for sessions that never had a browser.
	if err := o.ForceStop(ctx, "never-seen"); err != nil {
		t.Fatalf("force stop unknown session: %v", err)
	}
}

func TestSelectActionTable(t *testing.T) {
	tests := []struct {
		desired domain.BrowserDesired
		actual  domain.BrowserActual
		retry   int
		want    Action
	}{
		{domain.BrowserWantRunning, domain.BrowserStopped, 0, ActionStartDaemon},
		{domain.BrowserWantRunning, domain.BrowserStarting, 0, ActionWaitForReady},
		{domain.BrowserWantRunning, domain.BrowserRunning, 0, ActionCheckAlive},
		{domain.BrowserWantRunning, domain.BrowserErrored, 2, ActionResetToStopped},
		{domain.BrowserWantRunning, domain.BrowserErrored, 3, ActionNoOp},
		{domain.BrowserWantStopped, domain.BrowserRunning, 0, ActionStopDaemon},
		{domain.BrowserWantStopped, domain.BrowserStarting, 0, ActionStopDaemon},
		{domain.BrowserWantStopped, domain.BrowserStopping, 0, ActionWaitForStopped},
		{domain.BrowserWantStopped, domain.BrowserStopped, 0, ActionNoOp},
		{domain.BrowserWantStopped, domain.BrowserErrored, 5, ActionNoOp},
	}
	for _, tt := range tests {
		got := selectAction(tt.desired, tt.actual, tt.retry, 3)
		if got != tt.want {
			t.Errorf("selectAction(%s, %s, %d) = %s, want %s", tt.desired, tt.actual, tt.retry, got, tt.want)
		}
	}
}
