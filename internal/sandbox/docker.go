package sandbox

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"strings"

	"github.com/containerd/errdefs"
	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/events"
	"github.com/docker/docker/api/types/filters"
	"github.com/docker/docker/api/types/mount"
	"github.com/docker/docker/api/types/network"
	"github.com/docker/docker/api/types/volume"
	"github.com/docker/docker/client"
	"github.com/docker/go-connections/nat"

	"github.com/ashureev/agent-lab/internal/domain"
)

const stopTimeoutSecs = 10

// DockerProvider implements Provider using the Docker API.
type DockerProvider struct {
	cli *client.Client
}

// NewDockerProvider creates a Docker-backed provider. endpoint overrides the
// environment-derived daemon address when non-empty.
func NewDockerProvider(endpoint string) (*DockerProvider, error) {
	opts := []client.Opt{client.FromEnv, client.WithAPIVersionNegotiation()}
	if endpoint != "" {
		opts = append(opts, client.WithHost(endpoint))
	}
	cli, err := client.NewClientWithOpts(opts...)
	if err != nil {
		return nil, fmt.Errorf("create docker client: %w", err)
	}
	slog.Info("Docker provider initialized", "endpoint", endpoint)
	return &DockerProvider{cli: cli}, nil
}

// providerErr translates a docker error into a domain ProviderError.
func providerErr(op string, err error) error {
	code := "internal"
	switch {
	case errdefs.IsNotFound(err):
		code = "not_found"
	case errdefs.IsConflict(err):
		code = "conflict"
	case errdefs.IsInvalidArgument(err):
		code = "invalid_argument"
	case errdefs.IsUnavailable(err):
		code = "unavailable"
	}
	return &domain.ProviderError{Code: code, Message: fmt.Sprintf("%s: %v", op, err)}
}

// CreateContainer creates (but does not start) a container from the spec.
func (p *DockerProvider) CreateContainer(ctx context.Context, spec ContainerSpec) (string, error) {
	env := make([]string, 0, len(spec.Env))
	for k, v := range spec.Env {
		env = append(env, fmt.Sprintf("%s=%s", k, v))
	}

	exposed := nat.PortSet{}
	for _, port := range spec.Ports {
		exposed[nat.Port(fmt.Sprintf("%d/tcp", port))] = struct{}{}
	}

	mounts := make([]mount.Mount, 0, len(spec.Volumes))
	for source, target := range spec.Volumes {
		mounts = append(mounts, mount.Mount{
			Type:   mount.TypeVolume,
			Source: source,
			Target: target,
		})
	}

	config := &container.Config{
		Image:        spec.Image,
		Hostname:     spec.Hostname,
		WorkingDir:   spec.WorkingDir,
		Env:          env,
		Labels:       spec.Labels,
		ExposedPorts: exposed,
	}
	hostConfig := &container.HostConfig{
		Mounts: mounts,
		RestartPolicy: container.RestartPolicy{
			Name:              container.RestartPolicyOnFailure,
			MaximumRetryCount: spec.MaxRestartRetries,
		},
	}

	resp, err := p.cli.ContainerCreate(ctx, config, hostConfig, nil, nil, spec.Name)
	if err != nil {
		return "", providerErr("create container", err)
	}
	return resp.ID, nil
}

// StartContainer starts a created container.
func (p *DockerProvider) StartContainer(ctx context.Context, runtimeID string) error {
	if err := p.cli.ContainerStart(ctx, runtimeID, container.StartOptions{}); err != nil {
		return providerErr("start container", err)
	}
	return nil
}

// StopContainer stops a container; already-gone containers are success.
func (p *DockerProvider) StopContainer(ctx context.Context, runtimeID string) error {
	timeout := stopTimeoutSecs
	if err := p.cli.ContainerStop(ctx, runtimeID, container.StopOptions{Timeout: &timeout}); err != nil {
		if errdefs.IsNotFound(err) {
			slog.Debug("Container already stopped/removed", "runtime_id", runtimeID)
			return nil
		}
		return providerErr("stop container", err)
	}
	return nil
}

// RemoveContainer removes a container; already-gone containers and removals
// already in progress are success.
func (p *DockerProvider) RemoveContainer(ctx context.Context, runtimeID string, force bool) error {
	if err := p.cli.ContainerRemove(ctx, runtimeID, container.RemoveOptions{Force: force}); err != nil {
		if errdefs.IsNotFound(err) {
			slog.Debug("Container already removed", "runtime_id", runtimeID)
			return nil
		}
		if strings.Contains(err.Error(), "is already in progress") {
			slog.Debug("Container removal already in progress", "runtime_id", runtimeID)
			return nil
		}
		return providerErr("remove container", err)
	}
	return nil
}

// Inspect returns the container's run state and port bindings.
func (p *DockerProvider) Inspect(ctx context.Context, runtimeID string) (*ContainerState, error) {
	inspect, err := p.cli.ContainerInspect(ctx, runtimeID)
	if err != nil {
		return nil, providerErr("inspect container", err)
	}

	state := &ContainerState{Ports: map[int]int{}}
	if inspect.State != nil {
		state.Running = inspect.State.Running
		state.Status = inspect.State.Status
	}
	if inspect.NetworkSettings != nil {
		for port, bindings := range inspect.NetworkSettings.Ports {
			hostPort := 0
			if len(bindings) > 0 {
				hostPort, _ = strconv.Atoi(bindings[0].HostPort)
			}
			state.Ports[port.Int()] = hostPort
		}
	}
	return state, nil
}

// ContainerExists reports whether the provider still knows the container.
func (p *DockerProvider) ContainerExists(ctx context.Context, runtimeID string) (bool, error) {
	_, err := p.cli.ContainerInspect(ctx, runtimeID)
	if err != nil {
		if errdefs.IsNotFound(err) {
			return false, nil
		}
		return false, providerErr("inspect container", err)
	}
	return true, nil
}

// CreateNetwork creates a bridge network; an existing network with the same
// name is reused.
func (p *DockerProvider) CreateNetwork(ctx context.Context, name string) (string, error) {
	existing, err := p.cli.NetworkInspect(ctx, name, network.InspectOptions{})
	if err == nil {
		return existing.ID, nil
	}
	if !errdefs.IsNotFound(err) {
		return "", providerErr("inspect network", err)
	}

	resp, err := p.cli.NetworkCreate(ctx, name, network.CreateOptions{Driver: "bridge"})
	if err != nil {
		// A concurrent creator may have won the race.
		if errdefs.IsConflict(err) {
			if existing, inspectErr := p.cli.NetworkInspect(ctx, name, network.InspectOptions{}); inspectErr == nil {
				return existing.ID, nil
			}
		}
		return "", providerErr("create network", err)
	}
	return resp.ID, nil
}

// RemoveNetwork removes a network; already-gone networks are success.
func (p *DockerProvider) RemoveNetwork(ctx context.Context, name string) error {
	if err := p.cli.NetworkRemove(ctx, name); err != nil {
		if errdefs.IsNotFound(err) {
			return nil
		}
		return providerErr("remove network", err)
	}
	return nil
}

// ConnectNetwork attaches a container to a network with DNS aliases.
func (p *DockerProvider) ConnectNetwork(ctx context.Context, runtimeID, networkName string, aliases []string) error {
	err := p.cli.NetworkConnect(ctx, networkName, runtimeID, &network.EndpointSettings{Aliases: aliases})
	if err != nil {
		if strings.Contains(err.Error(), "already exists in network") {
			return nil
		}
		return providerErr("connect network", err)
	}
	return nil
}

// DisconnectNetwork detaches a container from a network; not-connected is
// success.
func (p *DockerProvider) DisconnectNetwork(ctx context.Context, runtimeID, networkName string) error {
	if err := p.cli.NetworkDisconnect(ctx, networkName, runtimeID, true); err != nil {
		if errdefs.IsNotFound(err) || strings.Contains(err.Error(), "is not connected") {
			return nil
		}
		return providerErr("disconnect network", err)
	}
	return nil
}

// IsConnected reports whether the container is attached to the network.
func (p *DockerProvider) IsConnected(ctx context.Context, runtimeID, networkName string) (bool, error) {
	inspect, err := p.cli.NetworkInspect(ctx, networkName, network.InspectOptions{})
	if err != nil {
		if errdefs.IsNotFound(err) {
			return false, nil
		}
		return false, providerErr("inspect network", err)
	}
	for id := range inspect.Containers {
		if id == runtimeID {
			return true, nil
		}
	}
	return false, nil
}

// CreateVolume creates a named volume; creation is idempotent on the daemon.
func (p *DockerProvider) CreateVolume(ctx context.Context, name string) error {
	if _, err := p.cli.VolumeCreate(ctx, volume.CreateOptions{Name: name}); err != nil {
		return providerErr("create volume", err)
	}
	return nil
}

// RemoveVolume removes a volume; already-gone volumes are success.
func (p *DockerProvider) RemoveVolume(ctx context.Context, name string) error {
	if err := p.cli.VolumeRemove(ctx, name, false); err != nil {
		if errdefs.IsNotFound(err) {
			return nil
		}
		return providerErr("remove volume", err)
	}
	return nil
}

// StreamEvents streams container events matching the label filter.
func (p *DockerProvider) StreamEvents(ctx context.Context, labelFilter string) (<-chan Event, <-chan error) {
	args := filters.NewArgs(
		filters.Arg("type", "container"),
		filters.Arg("label", labelFilter),
	)
	msgs, errs := p.cli.Events(ctx, events.ListOptions{Filters: args})

	out := make(chan Event)
	errOut := make(chan error, 1)
	go func() {
		defer close(out)
		defer close(errOut)
		for {
			select {
			case <-ctx.Done():
				return
			case err, ok := <-errs:
				if ok && err != nil {
					errOut <- providerErr("stream events", err)
				}
				return
			case msg, ok := <-msgs:
				if !ok {
					return
				}
				ev := Event{
					Action:     string(msg.Action),
					RuntimeID:  msg.Actor.ID,
					Attributes: msg.Actor.Attributes,
				}
				select {
				case out <- ev:
				case <-ctx.Done():
					return
				}
			}
		}
	}()
	return out, errOut
}
