package api

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/ashureev/agent-lab/internal/domain"
	"github.com/ashureev/agent-lab/internal/session"
	"github.com/ashureev/agent-lab/internal/store"
)

type fakeRepo struct {
	store.Repository

	mu       sync.Mutex
	sessions map[string]*domain.Session
	projects []*domain.Project
	github   *domain.GitHubSettings
	events   map[string][]string
	pingErr  error
}

func newAPIRepo() *fakeRepo {
	return &fakeRepo{
		sessions: make(map[string]*domain.Session),
		events:   make(map[string][]string),
	}
}

func (f *fakeRepo) Ping(context.Context) error { return f.pingErr }

func (f *fakeRepo) ListProjects(context.Context) ([]*domain.Project, error) {
	return f.projects, nil
}

func (f *fakeRepo) ListSessions(context.Context) ([]*domain.Session, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]*domain.Session, 0, len(f.sessions))
	for _, s := range f.sessions {
		out = append(out, s)
	}
	return out, nil
}

func (f *fakeRepo) GetSession(_ context.Context, id string) (*domain.Session, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	s, ok := f.sessions[id]
	if !ok {
		return nil, domain.ErrSessionNotFound
	}
	return s, nil
}

func (f *fakeRepo) UpdateSessionMeta(_ context.Context, id string, title, agentSessionID *string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	s, ok := f.sessions[id]
	if !ok {
		return domain.ErrSessionNotFound
	}
	if title != nil {
		s.Title = *title
	}
	if agentSessionID != nil {
		s.AgentSessionID = *agentSessionID
	}
	return nil
}

func (f *fakeRepo) AppendAgentEvent(_ context.Context, sessionID, eventData string) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.events[sessionID] = append(f.events[sessionID], eventData)
	return int64(len(f.events[sessionID])), nil
}

func (f *fakeRepo) GetGitHubSettings(context.Context) (*domain.GitHubSettings, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.github, nil
}

func (f *fakeRepo) SaveGitHubSettings(_ context.Context, s *domain.GitHubSettings) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.github = s
	return nil
}

func (f *fakeRepo) DeleteGitHubSettings(context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.github = nil
	return nil
}

type fakeSessions struct {
	mu       sync.Mutex
	spawnErr error
	cleaned  []string
	repo     *fakeRepo
}

func (f *fakeSessions) Spawn(_ context.Context, projectID, taskSummary string) (*domain.Session, []*domain.SessionContainer, error) {
	if f.spawnErr != nil {
		return nil, nil, f.spawnErr
	}
	sess := &domain.Session{
		ID:        "sess-new",
		ProjectID: projectID,
		Title:     taskSummary,
		Status:    domain.SessionCreating,
	}
	containers := []*domain.SessionContainer{
		{ID: "c-1", SessionID: sess.ID, Status: domain.ContainerStarting},
	}
	if f.repo != nil {
		f.repo.mu.Lock()
		f.repo.sessions[sess.ID] = sess
		f.repo.mu.Unlock()
	}
	return sess, containers, nil
}

func (f *fakeSessions) Detail(ctx context.Context, sessionID string) (*session.SessionDetail, error) {
	sess, err := f.repo.GetSession(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	return &session.SessionDetail{Session: sess, Containers: []*domain.SessionContainer{}}, nil
}

func (f *fakeSessions) Cleanup(_ context.Context, sessionID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.cleaned = append(f.cleaned, sessionID)
	return nil
}

func (f *fakeSessions) Orchestrate(_ context.Context, content, channelID, modelID string) (*domain.OrchestrationRequest, error) {
	return &domain.OrchestrationRequest{
		ID:      "orch-1",
		Content: content,
		Status:  domain.OrchestrationPending,
	}, nil
}

func newTestAPI() (*fakeRepo, *fakeSessions, http.Handler) {
	repo := newAPIRepo()
	sessions := &fakeSessions{repo: repo}
	h := NewHandler(repo, sessions, nil, nil)
	return repo, sessions, h.Routes()
}

func doJSON(t *testing.T, handler http.Handler, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	var req *http.Request
	if body != "" {
		req = httptest.NewRequest(method, path, strings.NewReader(body))
		req.Header.Set("Content-Type", "application/json")
	} else {
		req = httptest.NewRequest(method, path, nil)
	}
	rr := httptest.NewRecorder()
	handler.ServeHTTP(rr, req)
	return rr
}

func TestHealthEndpoints(t *testing.T) {
	_, _, handler := newTestAPI()

	rr := doJSON(t, handler, http.MethodGet, "/health", "")
	if rr.Code != http.StatusOK || rr.Body.String() != "OK" {
		t.Fatalf("health = %d %q", rr.Code, rr.Body.String())
	}

	rr = doJSON(t, handler, http.MethodGet, "/healthz", "")
	if rr.Code != http.StatusOK {
		t.Fatalf("healthz = %d", rr.Code)
	}
	var body map[string]string
	if err := json.Unmarshal(rr.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if body["status"] != "ok" || body["db"] != "ok" {
		t.Fatalf("healthz body = %v", body)
	}
}

func TestCreateSessionValidation(t *testing.T) {
	_, _, handler := newTestAPI()

	rr := doJSON(t, handler, http.MethodPost, "/sessions", `{"title":"no project"}`)
	if rr.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", rr.Code)
	}
	if !strings.Contains(rr.Body.String(), "projectId") {
		t.Fatalf("body = %s", rr.Body.String())
	}

	rr = doJSON(t, handler, http.MethodPost, "/sessions", `{not json`)
	if rr.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", rr.Code)
	}
}

func TestCreateSessionReturnsPartialState(t *testing.T) {
	repo, _, handler := newTestAPI()

	rr := doJSON(t, handler, http.MethodPost, "/sessions", `{"projectId":"proj-1","initialMessage":"do the thing"}`)
	if rr.Code != http.StatusCreated {
		t.Fatalf("status = %d: %s", rr.Code, rr.Body.String())
	}

	var body struct {
		ID         string `json:"id"`
		Status     string `json:"status"`
		Containers []struct {
			Status string `json:"status"`
		} `json:"containers"`
	}
	if err := json.Unmarshal(rr.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if body.ID != "sess-new" || len(body.Containers) != 1 || body.Containers[0].Status != "starting" {
		t.Fatalf("body = %+v", body)
	}

	repo.mu.Lock()
	events := repo.events["sess-new"]
	repo.mu.Unlock()
	if len(events) != 1 || !strings.Contains(events[0], "do the thing") {
		t.Fatalf("initial message events = %v", events)
	}
}

func TestCreateSessionDomainErrors(t *testing.T) {
	repo := newAPIRepo()
	sessions := &fakeSessions{repo: repo, spawnErr: domain.ErrNoContainerDefinitions}
	handler := NewHandler(repo, sessions, nil, nil).Routes()

	rr := doJSON(t, handler, http.MethodPost, "/sessions", `{"projectId":"empty"}`)
	if rr.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", rr.Code)
	}

	sessions.spawnErr = domain.ErrProjectNotFound
	rr = doJSON(t, handler, http.MethodPost, "/sessions", `{"projectId":"ghost"}`)
	if rr.Code != http.StatusNotFound {
		t.Fatalf("status = %d, want 404", rr.Code)
	}
}

func TestGetSessionNotFound(t *testing.T) {
	_, _, handler := newTestAPI()

	rr := doJSON(t, handler, http.MethodGet, "/sessions/ghost", "")
	if rr.Code != http.StatusNotFound {
		t.Fatalf("status = %d, want 404", rr.Code)
	}
	var body map[string]string
	if err := json.Unmarshal(rr.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if body["error"] == "" {
		t.Fatal("missing error body")
	}
}

func TestUpdateSession(t *testing.T) {
	repo, _, handler := newTestAPI()
	repo.sessions["sess-1"] = &domain.Session{ID: "sess-1", Status: domain.SessionRunning}

	rr := doJSON(t, handler, http.MethodPatch, "/sessions/sess-1", `{"title":"renamed"}`)
	if rr.Code != http.StatusOK {
		t.Fatalf("status = %d: %s", rr.Code, rr.Body.String())
	}
	if repo.sessions["sess-1"].Title != "renamed" {
		t.Fatalf("title = %q", repo.sessions["sess-1"].Title)
	}

	rr = doJSON(t, handler, http.MethodPatch, "/sessions/sess-1", `{}`)
	if rr.Code != http.StatusBadRequest {
		t.Fatalf("empty patch status = %d, want 400", rr.Code)
	}
}

func TestDeleteSessionRunsCleanup(t *testing.T) {
	repo, sessions, handler := newTestAPI()
	repo.sessions["sess-1"] = &domain.Session{ID: "sess-1", Status: domain.SessionRunning}

	rr := doJSON(t, handler, http.MethodDelete, "/sessions/sess-1", "")
	if rr.Code != http.StatusNoContent {
		t.Fatalf("status = %d, want 204", rr.Code)
	}

	deadline := time.Now().Add(2 * time.Second)
	for {
		sessions.mu.Lock()
		cleaned := len(sessions.cleaned) == 1 && sessions.cleaned[0] == "sess-1"
		sessions.mu.Unlock()
		if cleaned {
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("cleanup never ran")
		}
		time.Sleep(5 * time.Millisecond)
	}

	rr = doJSON(t, handler, http.MethodDelete, "/sessions/ghost", "")
	if rr.Code != http.StatusNotFound {
		t.Fatalf("unknown session delete = %d, want 404", rr.Code)
	}
}

func TestOrchestrate(t *testing.T) {
	_, _, handler := newTestAPI()

	rr := doJSON(t, handler, http.MethodPost, "/orchestrate", `{"content":"fix the login page"}`)
	if rr.Code != http.StatusAccepted {
		t.Fatalf("status = %d: %s", rr.Code, rr.Body.String())
	}
	var body map[string]string
	if err := json.Unmarshal(rr.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if body["orchestrationId"] != "orch-1" {
		t.Fatalf("body = %v", body)
	}

	rr = doJSON(t, handler, http.MethodPost, "/orchestrate", `{"content":"   "}`)
	if rr.Code != http.StatusBadRequest {
		t.Fatalf("blank content status = %d, want 400", rr.Code)
	}
}

func TestGitHubSettingsLifecycle(t *testing.T) {
	_, _, handler := newTestAPI()

	rr := doJSON(t, handler, http.MethodGet, "/github/settings", "")
	if rr.Code != http.StatusOK {
		t.Fatalf("status = %d", rr.Code)
	}
	if !strings.Contains(rr.Body.String(), `"configured":false`) {
		t.Fatalf("unconfigured body = %s", rr.Body.String())
	}

	rr = doJSON(t, handler, http.MethodPost, "/github/settings", `{"username":"octocat","token":"tok","repo":"octocat/lab"}`)
	if rr.Code != http.StatusOK {
		t.Fatalf("save status = %d", rr.Code)
	}
	if !strings.Contains(rr.Body.String(), `"configured":true`) {
		t.Fatalf("saved body = %s", rr.Body.String())
	}

	rr = doJSON(t, handler, http.MethodDelete, "/github/settings", "")
	if rr.Code != http.StatusNoContent {
		t.Fatalf("delete status = %d", rr.Code)
	}
	rr = doJSON(t, handler, http.MethodGet, "/github/settings", "")
	if !strings.Contains(rr.Body.String(), `"configured":false`) {
		t.Fatalf("post-delete body = %s", rr.Body.String())
	}
}
