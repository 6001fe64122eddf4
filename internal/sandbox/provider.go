// Package sandbox provides the container runtime abstraction the platform
// drives: container and network CRUD, volumes, and the event stream.
package sandbox

import (
	"context"
)

// ContainerSpec describes a container to create.
type ContainerSpec struct {
	Name       string
	Image      string
	Hostname   string
	WorkingDir string
	Env        map[string]string
	Labels     map[string]string
	// Ports the container exposes (container side).
	Ports []int
	// Volumes maps volume name to mount target.
	Volumes map[string]string
	// MaxRestartRetries configures the on-failure restart policy.
	MaxRestartRetries int
}

// ContainerState is the subset of inspect output the platform consumes.
type ContainerState struct {
	Running bool
	Status  string
	// Ports maps container port to bound host port (0 when unbound).
	Ports map[int]int
}

// Event is a normalized provider container event.
type Event struct {
	Action     string
	RuntimeID  string
	Attributes map[string]string
}

// Provider is the sandbox runtime the orchestrators drive. Every method
// returns a *domain.ProviderError on runtime failure.
type Provider interface {
	CreateContainer(ctx context.Context, spec ContainerSpec) (string, error)
	StartContainer(ctx context.Context, runtimeID string) error
	StopContainer(ctx context.Context, runtimeID string) error
	RemoveContainer(ctx context.Context, runtimeID string, force bool) error
	Inspect(ctx context.Context, runtimeID string) (*ContainerState, error)
	ContainerExists(ctx context.Context, runtimeID string) (bool, error)

	CreateNetwork(ctx context.Context, name string) (string, error)
	RemoveNetwork(ctx context.Context, name string) error
	ConnectNetwork(ctx context.Context, runtimeID, network string, aliases []string) error
	DisconnectNetwork(ctx context.Context, runtimeID, network string) error
	IsConnected(ctx context.Context, runtimeID, network string) (bool, error)

	CreateVolume(ctx context.Context, name string) error
	RemoveVolume(ctx context.Context, name string) error

	// StreamEvents streams container events whose labels match labelFilter
	// (a bare key matches presence). The channels close when ctx is done or
	// the underlying stream fails; the error channel reports the cause.
	StreamEvents(ctx context.Context, labelFilter string) (<-chan Event, <-chan error)
}
