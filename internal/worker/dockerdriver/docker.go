// Package dockerdriver adapts the Docker Engine API into the worker
// package's ContainerDriver port.
package dockerdriver

import (
	"context"
	"fmt"

	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/client"
	"github.com/docker/docker/errdefs"

	"github.com/runfleet/fleetcore/internal/worker"
)

// Driver implements worker.ContainerDriver against a live Docker daemon.
// Each CreateWorker call launches a fresh, stopped container from Image
// with the given resource limits; Start/Stop/Remove operate on its id.
type Driver struct {
	client      *client.Client
	image       string
	memoryBytes int64
	networkMode string
	workspace   string
}

// New creates a Driver talking to the Docker daemon found in the current
// environment (DOCKER_HOST etc). memoryMB<=0 defaults to 512;
// networkMode=="" defaults to "none".
func New(image string, memoryMB int64, networkMode, workspace string) (*Driver, error) {
	cli, err := client.NewClientWithOpts(client.FromEnv, client.WithAPIVersionNegotiation())
	if err != nil {
		return nil, fmt.Errorf("docker client: %w", err)
	}
	if image == "" {
		image = "golang:alpine"
	}
	if memoryMB <= 0 {
		memoryMB = 512
	}
	if networkMode == "" {
		networkMode = "none"
	}
	return &Driver{
		client:      cli,
		image:       image,
		memoryBytes: memoryMB * 1024 * 1024,
		networkMode: networkMode,
		workspace:   workspace,
	}, nil
}

// CreateWorker creates (but does not start) a new container and returns its id.
func (d *Driver) CreateWorker(ctx context.Context) (string, error) {
	resp, err := d.client.ContainerCreate(ctx, &container.Config{
		Image: d.image,
		Cmd:   []string{"sleep", "infinity"},
		Tty:   false,
	}, &container.HostConfig{
		Resources: container.Resources{
			Memory: d.memoryBytes,
		},
		NetworkMode: container.NetworkMode(d.networkMode),
		Binds:       []string{fmt.Sprintf("%s:/workspace", d.workspace)},
	}, nil, nil, "")
	if err != nil {
		return "", worker.ErrContainerTransient(fmt.Errorf("create container: %w", err))
	}
	return resp.ID, nil
}

func (d *Driver) Start(ctx context.Context, containerID string) error {
	err := d.client.ContainerStart(ctx, containerID, container.StartOptions{})
	return d.classify(containerID, err, "start container")
}

// Stop is idempotent: stopping an already-stopped container is a no-op
// from the caller's perspective, matching the port contract.
func (d *Driver) Stop(ctx context.Context, containerID string) error {
	err := d.client.ContainerStop(ctx, containerID, container.StopOptions{})
	return d.classify(containerID, err, "stop container")
}

// Remove removes regardless of current state; unknown ids are silently
// accepted per the port contract.
func (d *Driver) Remove(ctx context.Context, containerID string) error {
	err := d.client.ContainerRemove(ctx, containerID, container.RemoveOptions{Force: true})
	if err != nil && errdefs.IsNotFound(err) {
		return nil
	}
	return d.classify(containerID, err, "remove container")
}

func (d *Driver) Exists(ctx context.Context, containerID string) (bool, error) {
	_, err := d.client.ContainerInspect(ctx, containerID)
	if err == nil {
		return true, nil
	}
	if errdefs.IsNotFound(err) {
		return false, nil
	}
	return false, worker.ErrContainerTransient(fmt.Errorf("inspect container: %w", err))
}

// Close releases the underlying Docker client connection.
func (d *Driver) Close() error {
	return d.client.Close()
}

func (d *Driver) classify(containerID string, err error, op string) error {
	if err == nil {
		return nil
	}
	if errdefs.IsNotFound(err) {
		return worker.ErrContainerNotFound(containerID)
	}
	return worker.ErrContainerTransient(fmt.Errorf("%s: %w", op, err))
}
