package worker

import (
	"context"
	"sync"

	"github.com/google/uuid"
)

// ContainerDriver is the capability port for creating/starting/stopping/
// removing a worker container, keyed by an opaque container id. createWorker
// is not idempotent: each call yields a fresh id. start/stop are idempotent
// from the caller's perspective (no-op when already in the target state),
// which the Manager relies on when retrying after a transient error.
type ContainerDriver interface {
	CreateWorker(ctx context.Context) (containerID string, err error)
	Start(ctx context.Context, containerID string) error
	Stop(ctx context.Context, containerID string) error
	Remove(ctx context.Context, containerID string) error
	Exists(ctx context.Context, containerID string) (bool, error)
}

// NoopDriver is an in-memory ContainerDriver used for tests and for
// deployments that do not yet have a real container backend wired in. It
// tracks a running/stopped boolean per id so Exists/Start/Stop behave
// consistently with the port contract.
type NoopDriver struct {
	mu        sync.Mutex
	running   map[string]bool // containerID -> running
}

// NewNoopDriver creates an empty NoopDriver.
func NewNoopDriver() *NoopDriver {
	return &NoopDriver{running: make(map[string]bool)}
}

func (d *NoopDriver) CreateWorker(_ context.Context) (string, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	id := uuid.NewString()
	d.running[id] = false
	return id, nil
}

func (d *NoopDriver) Start(_ context.Context, containerID string) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if _, ok := d.running[containerID]; !ok {
		return ErrContainerNotFound(containerID)
	}
	d.running[containerID] = true
	return nil
}

func (d *NoopDriver) Stop(_ context.Context, containerID string) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if _, ok := d.running[containerID]; !ok {
		return ErrContainerNotFound(containerID)
	}
	d.running[containerID] = false
	return nil
}

func (d *NoopDriver) Remove(_ context.Context, containerID string) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	delete(d.running, containerID)
	return nil
}

func (d *NoopDriver) Exists(_ context.Context, containerID string) (bool, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	_, ok := d.running[containerID]
	return ok, nil
}
