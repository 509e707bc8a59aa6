package worker

import (
	"context"
	"errors"
	"testing"
)

func TestNoopDriver_Lifecycle(t *testing.T) {
	d := NewNoopDriver()
	ctx := context.Background()

	id, err := d.CreateWorker(ctx)
	if err != nil {
		t.Fatalf("createWorker: %v", err)
	}
	exists, _ := d.Exists(ctx, id)
	if !exists {
		t.Fatal("expected created worker to exist")
	}

	if err := d.Start(ctx, id); err != nil {
		t.Fatalf("start: %v", err)
	}
	if err := d.Start(ctx, id); err != nil {
		t.Fatalf("start on already-running should be a no-op, got: %v", err)
	}

	if err := d.Stop(ctx, id); err != nil {
		t.Fatalf("stop: %v", err)
	}
	if err := d.Stop(ctx, id); err != nil {
		t.Fatalf("stop on already-stopped should be a no-op, got: %v", err)
	}

	if err := d.Remove(ctx, id); err != nil {
		t.Fatalf("remove: %v", err)
	}
	exists, _ = d.Exists(ctx, id)
	if exists {
		t.Fatal("expected worker to no longer exist after remove")
	}
}

func TestNoopDriver_UnknownContainer(t *testing.T) {
	d := NewNoopDriver()
	ctx := context.Background()

	err := d.Start(ctx, "missing")
	var werr *Error
	if !errors.As(err, &werr) || werr.Kind != KindContainerNotFound {
		t.Fatalf("expected ContainerNotFound, got %v", err)
	}

	// Remove on an unknown id is silent.
	if err := d.Remove(ctx, "missing"); err != nil {
		t.Fatalf("expected remove on unknown id to be silent, got %v", err)
	}
}

func TestNoopDriver_CreateWorkerYieldsFreshIDs(t *testing.T) {
	d := NewNoopDriver()
	ctx := context.Background()
	id1, _ := d.CreateWorker(ctx)
	id2, _ := d.CreateWorker(ctx)
	if id1 == id2 {
		t.Fatal("expected distinct ids across createWorker calls")
	}
}
