package monitor

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/ashureev/agent-lab/internal/bus"
	"github.com/ashureev/agent-lab/internal/domain"
	"github.com/ashureev/agent-lab/internal/sandbox"
	"github.com/ashureev/agent-lab/internal/store"
)

type fakeRepo struct {
	store.Repository

	mu         sync.Mutex
	containers map[string]*domain.SessionContainer // runtimeID -> container
}

func (f *fakeRepo) GetContainerByRuntimeID(_ context.Context, runtimeID string) (*domain.SessionContainer, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	c, ok := f.containers[runtimeID]
	if !ok {
		return nil, domain.ErrContainerNotFound
	}
	copied := *c
	return &copied, nil
}

func (f *fakeRepo) UpdateContainerStatus(_ context.Context, id string, status domain.ContainerStatus, errorMessage string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, c := range f.containers {
		if c.ID == id {
			c.Status = status
			c.ErrorMessage = errorMessage
			return nil
		}
	}
	return domain.ErrContainerNotFound
}

func (f *fakeRepo) status(runtimeID string) domain.ContainerStatus {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.containers[runtimeID].Status
}

type fakePublisher struct {
	mu     sync.Mutex
	deltas []struct {
		channel, param string
		data           any
	}
}

func (f *fakePublisher) PublishDelta(channel, param string, data any) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.deltas = append(f.deltas, struct {
		channel, param string
		data           any
	}{channel, param, data})
}

func (f *fakePublisher) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.deltas)
}

// scriptedProvider feeds predetermined event batches, failing the stream
// between batches.
type scriptedProvider struct {
	sandbox.Provider

	mu       sync.Mutex
	batches  [][]sandbox.Event
	connects int
}

func (p *scriptedProvider) StreamEvents(ctx context.Context, _ string) (<-chan sandbox.Event, <-chan error) {
	p.mu.Lock()
	p.connects++
	var batch []sandbox.Event
	if len(p.batches) > 0 {
		batch = p.batches[0]
		p.batches = p.batches[1:]
	}
	p.mu.Unlock()

	events := make(chan sandbox.Event)
	errs := make(chan error)
	go func() {
		defer close(events)
		defer close(errs)
		for _, ev := range batch {
			select {
			case events <- ev:
			case <-ctx.Done():
				return
			}
		}
	}()
	return events, errs
}

func (p *scriptedProvider) connectCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.connects
}

func newFakeRepo() *fakeRepo {
	return &fakeRepo{containers: map[string]*domain.SessionContainer{
		"rt-1": {ID: "c-1", SessionID: "sess-1", ContainerID: "def-1", RuntimeID: "rt-1", Status: domain.ContainerRunning},
	}}
}

func TestStatusMapping(t *testing.T) {
	tests := []struct {
		action string
		want   domain.ContainerStatus
		mapped bool
	}{
		{"start", domain.ContainerRunning, true},
		{"stop", domain.ContainerStopped, true},
		{"die", domain.ContainerStopped, true},
		{"kill", domain.ContainerStopped, true},
		{"restart", domain.ContainerStarting, true},
		{"oom", domain.ContainerError, true},
		{"health_status: unhealthy", domain.ContainerError, true},
		{"health_status: healthy", "", false},
		{"create", "", false},
		{"attach", "", false},
	}
	for _, tt := range tests {
		got, mapped := statusFor(tt.action)
		if mapped != tt.mapped || got != tt.want {
			t.Errorf("statusFor(%q) = (%s, %v), want (%s, %v)", tt.action, got, mapped, tt.want, tt.mapped)
		}
	}
}

func TestDieEventMarksContainerStopped(t *testing.T) {
	repo := newFakeRepo()
	pub := &fakePublisher{}
	m := New(repo, &scriptedProvider{}, pub)

	err := m.Handle(context.Background(), sandbox.Event{
		Action:     "die",
		RuntimeID:  "rt-1",
		Attributes: map[string]string{"lab.session": "sess-1"},
	})
	if err != nil {
		t.Fatalf("handle: %v", err)
	}
	if got := repo.status("rt-1"); got != domain.ContainerStopped {
		t.Fatalf("status = %s, want stopped", got)
	}
	if pub.count() != 1 {
		t.Fatalf("deltas = %d, want 1", pub.count())
	}
	if pub.deltas[0].channel != bus.ChannelSessionContainers || pub.deltas[0].param != "sess-1" {
		t.Fatalf("delta published to %s/%s", pub.deltas[0].channel, pub.deltas[0].param)
	}
}

func TestUnknownRuntimeIsIgnored(t *testing.T) {
	repo := newFakeRepo()
	pub := &fakePublisher{}
	m := New(repo, &scriptedProvider{}, pub)

	err := m.Handle(context.Background(), sandbox.Event{
		Action:     "die",
		RuntimeID:  "rt-gone",
		Attributes: map[string]string{"lab.session": "sess-1"},
	})
	if err != nil {
		t.Fatalf("handle: %v", err)
	}
	if pub.count() != 0 {
		t.Fatal("unexpected delta for unknown runtime")
	}
}

func TestNoOpWhenStatusUnchanged(t *testing.T) {
	repo := newFakeRepo()
	pub := &fakePublisher{}
	m := New(repo, &scriptedProvider{}, pub)

	err := m.Handle(context.Background(), sandbox.Event{
		Action:     "start",
		RuntimeID:  "rt-1",
		Attributes: map[string]string{"lab.session": "sess-1"},
	})
	if err != nil {
		t.Fatalf("handle: %v", err)
	}
	if pub.count() != 0 {
		t.Fatal("no delta expected when status is unchanged")
	}
}

func TestRunReconnectsAfterStreamFailure(t *testing.T) {
	repo := newFakeRepo()
	pub := &fakePublisher{}
	provider := &scriptedProvider{batches: [][]sandbox.Event{
		{{Action: "die", RuntimeID: "rt-1", Attributes: map[string]string{"lab.session": "sess-1"}}},
		{{Action: "start", RuntimeID: "rt-1", Attributes: map[string]string{"lab.session": "sess-1"}}},
	}}
	m := New(repo, provider, pub)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan struct{})
	go func() {
		m.Run(ctx)
		close(done)
	}()

	// Both batches require a fresh connect; the second event only lands
	// after the stream failed once and reconnected.
	deadline := time.Now().Add(5 * time.Second)
	for pub.count() < 2 {
		if time.Now().After(deadline) {
			t.Fatalf("deltas = %d after reconnect window, connects = %d", pub.count(), provider.connectCount())
		}
		time.Sleep(10 * time.Millisecond)
	}
	if provider.connectCount() < 2 {
		t.Fatalf("connects = %d, want reconnect", provider.connectCount())
	}

	cancel()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Run did not exit on cancel")
	}
}
