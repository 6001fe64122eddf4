// Package ports hands out stream/CDP ports from a bounded range with durable
// reservations.
package ports

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/ashureev/agent-lab/internal/domain"
	"github.com/ashureev/agent-lab/internal/store"
)

type portKey struct {
	port int
	kind domain.PortKind
}

// Allocator hands out ports in [lo, hi], guaranteeing at most one live holder
// per (port, kind). Reservations are persisted so the allocator survives
// restarts; Rehydrate pre-marks them busy at boot.
type Allocator struct {
	repo store.Repository

	mu   sync.Mutex
	lo   int
	hi   int
	used map[portKey]bool
}

// NewAllocator creates an allocator over [lo, hi].
func NewAllocator(repo store.Repository, lo, hi int) *Allocator {
	return &Allocator{
		repo: repo,
		lo:   lo,
		hi:   hi,
		used: make(map[portKey]bool),
	}
}

// Rehydrate marks every persisted reservation busy. Called once at boot
// before any Allocate.
func (a *Allocator) Rehydrate(ctx context.Context) error {
	reservations, err := a.repo.ListPortReservations(ctx)
	if err != nil {
		return fmt.Errorf("load port reservations: %w", err)
	}
	a.mu.Lock()
	for _, r := range reservations {
		a.used[portKey{port: r.Port, kind: r.Kind}] = true
	}
	a.mu.Unlock()
	slog.Info("Port allocator rehydrated", "reservations", len(reservations))
	return nil
}

// Allocate reserves the lowest free port of the kind for the session. The
// in-memory claim happens under the lock; the durable write happens outside
// it, and the claim is rolled back if the write fails.
func (a *Allocator) Allocate(ctx context.Context, sessionID string, kind domain.PortKind) (int, error) {
	port, ok := a.claimLowest(kind)
	if !ok {
		return 0, domain.ErrNoPortsAvailable
	}

	err := a.repo.CreatePortReservation(ctx, &domain.PortReservation{
		ID:         uuid.NewString(),
		SessionID:  sessionID,
		Port:       port,
		Kind:       kind,
		ReservedAt: time.Now(),
	})
	if err != nil {
		a.unmark(port, kind)
		return 0, fmt.Errorf("persist port reservation: %w", err)
	}
	return port, nil
}

func (a *Allocator) claimLowest(kind domain.PortKind) (int, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	for port := a.lo; port <= a.hi; port++ {
		key := portKey{port: port, kind: kind}
		if !a.used[key] {
			a.used[key] = true
			return port, true
		}
	}
	return 0, false
}

func (a *Allocator) unmark(port int, kind domain.PortKind) {
	a.mu.Lock()
	delete(a.used, portKey{port: port, kind: kind})
	a.mu.Unlock()
}

// Release frees a port; idempotent.
func (a *Allocator) Release(ctx context.Context, port int, kind domain.PortKind) error {
	if err := a.repo.DeletePortReservation(ctx, port, kind); err != nil {
		return fmt.Errorf("delete port reservation: %w", err)
	}
	a.unmark(port, kind)
	return nil
}

// Reserve marks an externally known port busy without persisting; used when
// a component rehydrates state the store already holds.
func (a *Allocator) Reserve(port int, kind domain.PortKind) {
	a.mu.Lock()
	a.used[portKey{port: port, kind: kind}] = true
	a.mu.Unlock()
}

// IsAllocated reports whether (port, kind) currently has a holder.
func (a *Allocator) IsAllocated(port int, kind domain.PortKind) bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.used[portKey{port: port, kind: kind}]
}
