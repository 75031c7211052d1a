package registry

import (
	"context"
	"errors"
	"testing"

	"github.com/flexinfer/mentatlab/services/orchestrator-go/pkg/types"
)

func TestMemoryRegistry_RegisterAndGet(t *testing.T) {
	ctx := context.Background()
	reg := NewMemoryRegistry()

	manifest := &types.AgentManifest{ID: "echo-agent", Name: "Echo Agent", Image: "busybox"}
	if err := reg.Register(ctx, manifest); err != nil {
		t.Fatalf("Register: %v", err)
	}

	got, err := reg.Get(ctx, "echo-agent")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got.Name != "Echo Agent" {
		t.Fatalf("Name = %q, want Echo Agent", got.Name)
	}

	// Mutating the returned copy must not affect the stored manifest.
	got.Name = "mutated"
	again, err := reg.Get(ctx, "echo-agent")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if again.Name != "Echo Agent" {
		t.Fatalf("registry was mutated through the returned pointer")
	}
}

func TestMemoryRegistry_DuplicateRegisterRejected(t *testing.T) {
	ctx := context.Background()
	reg := NewMemoryRegistry()

	manifest := &types.AgentManifest{ID: "echo-agent", Name: "Echo Agent"}
	if err := reg.Register(ctx, manifest); err != nil {
		t.Fatalf("Register: %v", err)
	}
	err := reg.Register(ctx, manifest)
	if !errors.Is(err, ErrAgentExists) {
		t.Fatalf("expected ErrAgentExists, got %v", err)
	}
}

func TestMemoryRegistry_GetMissing(t *testing.T) {
	ctx := context.Background()
	reg := NewMemoryRegistry()

	_, err := reg.Get(ctx, "nope")
	if !errors.Is(err, ErrAgentNotFound) {
		t.Fatalf("expected ErrAgentNotFound, got %v", err)
	}
}
