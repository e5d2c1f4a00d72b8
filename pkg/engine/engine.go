package engine

import (
	"context"
	"fmt"

	"github.com/docker/docker/api/types"
	containerapi "github.com/docker/docker/api/types/container"
	imageapi "github.com/docker/docker/api/types/image"
	networkapi "github.com/docker/docker/api/types/network"
	"github.com/docker/docker/api/types/strslice"
	"github.com/docker/docker/client"
	ocispec "github.com/opencontainers/image-spec/specs-go/v1"
)

// managedLabel marks containers owned by the pool so operators can tell them
// apart from unrelated workloads on the same daemon.
const managedLabel = "io.mazuadm.pool"

// API is the subset of the Docker Engine client used by the engine. Declared
// as an interface to ease testing subtle exec conditions.
type API interface {
	ContainerCreate(ctx context.Context, config *containerapi.Config, hostConfig *containerapi.HostConfig, networkingConfig *networkapi.NetworkingConfig, platform *ocispec.Platform, containerName string) (containerapi.CreateResponse, error)
	ContainerStart(ctx context.Context, containerID string, options containerapi.StartOptions) error
	ContainerInspect(ctx context.Context, containerID string) (types.ContainerJSON, error)
	ContainerRemove(ctx context.Context, containerID string, options containerapi.RemoveOptions) error
	ContainerRestart(ctx context.Context, containerID string, options containerapi.StopOptions) error
	ContainerKill(ctx context.Context, containerID, signal string) error
	ContainerExecCreate(ctx context.Context, container string, options containerapi.ExecOptions) (containerapi.ExecCreateResponse, error)
	ContainerExecAttach(ctx context.Context, execID string, config containerapi.ExecAttachOptions) (types.HijackedResponse, error)
	ContainerExecStart(ctx context.Context, execID string, config containerapi.ExecStartOptions) error
	ContainerExecInspect(ctx context.Context, execID string) (containerapi.ExecInspect, error)
	ImageInspectWithRaw(ctx context.Context, imageID string) (imageapi.InspectResponse, []byte, error)
	Ping(ctx context.Context) (types.Ping, error)
	Close() error
}

// Docker drives exploit containers through the Docker Engine API.
type Docker struct {
	api API
}

// New creates a Docker engine client. An empty host falls back on the
// standard DOCKER_* environment variables.
func New(host string) (*Docker, error) {
	var (
		c   *client.Client
		err error
	)
	if host != "" {
		c, err = client.NewClientWithOpts(
			client.WithHost(host),
			client.WithAPIVersionNegotiation(),
		)
	} else {
		c, err = client.NewClientWithOpts(client.FromEnv, client.WithAPIVersionNegotiation())
	}
	if err != nil {
		return nil, fmt.Errorf("failed to connect to docker: %w", err)
	}
	return &Docker{api: c}, nil
}

// NewWithAPI wraps an existing API client.
func NewWithAPI(api API) *Docker {
	return &Docker{api: api}
}

// Close closes the engine client connection
func (d *Docker) Close() error {
	if d.api != nil {
		return d.api.Close()
	}
	return nil
}

// Ping verifies the daemon is reachable
func (d *Docker) Ping(ctx context.Context) error {
	if _, err := d.api.Ping(ctx); err != nil {
		return fmt.Errorf("failed to ping docker: %w", err)
	}
	return nil
}

// ContainerSpec describes a pool container to create.
type ContainerSpec struct {
	Name  string
	Image string
	Env   []string
}

// CreateContainer creates a persistent idle container on the host network
// and returns its engine ID. The container stays up until removed; exploits
// run as execs inside it. Exploit images must ship sh: both the idle loop
// and the kill path spawn it.
func (d *Docker) CreateContainer(ctx context.Context, spec ContainerSpec) (string, error) {
	cfg := &containerapi.Config{
		Image:      spec.Image,
		Env:        spec.Env,
		Entrypoint: strslice.StrSlice{"sh", "-c"},
		Cmd:        strslice.StrSlice{"while true; do sleep 3600; done"},
		Labels:     map[string]string{managedLabel: "true"},
	}
	hostCfg := &containerapi.HostConfig{
		NetworkMode: "host",
	}

	resp, err := d.api.ContainerCreate(ctx, cfg, hostCfg, nil, nil, spec.Name)
	if err != nil {
		return "", fmt.Errorf("failed to create container: %w", err)
	}
	return resp.ID, nil
}

// StartContainer starts a created container
func (d *Docker) StartContainer(ctx context.Context, containerID string) error {
	if err := d.api.ContainerStart(ctx, containerID, containerapi.StartOptions{}); err != nil {
		return fmt.Errorf("failed to start container %s: %w", containerID, err)
	}
	return nil
}

// ContainerState is the slice of inspect output the pool cares about.
type ContainerState struct {
	Running bool
	Pid     int
	Status  string
}

// InspectContainer returns the engine state of a container
func (d *Docker) InspectContainer(ctx context.Context, containerID string) (*ContainerState, error) {
	info, err := d.api.ContainerInspect(ctx, containerID)
	if err != nil {
		return nil, fmt.Errorf("failed to inspect container %s: %w", containerID, err)
	}

	state := &ContainerState{}
	if info.State != nil {
		state.Running = info.State.Running
		state.Pid = info.State.Pid
		state.Status = info.State.Status
	}
	return state, nil
}

// IsRunning checks if a container is currently running
func (d *Docker) IsRunning(ctx context.Context, containerID string) bool {
	state, err := d.InspectContainer(ctx, containerID)
	if err != nil {
		return false
	}
	return state.Running
}

// RemoveContainer removes a container, optionally force-killing it first
func (d *Docker) RemoveContainer(ctx context.Context, containerID string, force bool) error {
	opts := containerapi.RemoveOptions{Force: force}
	if err := d.api.ContainerRemove(ctx, containerID, opts); err != nil {
		return fmt.Errorf("failed to remove container %s: %w", containerID, err)
	}
	return nil
}

// RestartContainer restarts a container. A nil timeout uses the engine
// default grace period; force restarts immediately without a grace period.
func (d *Docker) RestartContainer(ctx context.Context, containerID string, timeout *int, force bool) error {
	opts := containerapi.StopOptions{Timeout: timeout}
	if force {
		zero := 0
		opts.Timeout = &zero
	}
	if err := d.api.ContainerRestart(ctx, containerID, opts); err != nil {
		return fmt.Errorf("failed to restart container %s: %w", containerID, err)
	}
	return nil
}

// KillContainer sends a signal to a container's init process
func (d *Docker) KillContainer(ctx context.Context, containerID, signal string) error {
	if err := d.api.ContainerKill(ctx, containerID, signal); err != nil {
		return fmt.Errorf("failed to kill container %s: %w", containerID, err)
	}
	return nil
}

// HasImage reports whether an image is present on the daemon
func (d *Docker) HasImage(ctx context.Context, image string) bool {
	img, _, err := d.api.ImageInspectWithRaw(ctx, image)
	if err != nil {
		return false
	}
	return img.ID != ""
}
