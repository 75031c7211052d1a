// Package registry provides agent manifest registration and lookup. Unlike
// the teacher's full agent CRUD registry, this one only supports register
// and get: flow/agent authoring and listing are out of scope for the
// orchestrator core. Its only consumers are the HTTP register/get agent
// endpoints; the scheduler does not look manifests up.
package registry

import (
	"context"
	"errors"
	"sync"

	"github.com/flexinfer/mentatlab/services/orchestrator-go/pkg/types"
)

// ErrAgentNotFound is returned when an agent id has no registered manifest.
var ErrAgentNotFound = errors.New("agent not found")

// ErrAgentExists is returned when registering an id that is already taken.
var ErrAgentExists = errors.New("agent already exists")

// Registry stores and retrieves agent manifests by id.
type Registry interface {
	Register(ctx context.Context, manifest *types.AgentManifest) error
	Get(ctx context.Context, id string) (*types.AgentManifest, error)
}

// MemoryRegistry is an in-memory Registry implementation.
type MemoryRegistry struct {
	mu     sync.RWMutex
	agents map[string]*types.AgentManifest
}

// NewMemoryRegistry creates a new in-memory agent registry.
func NewMemoryRegistry() *MemoryRegistry {
	return &MemoryRegistry{
		agents: make(map[string]*types.AgentManifest),
	}
}

// Register stores a manifest under its ID. Re-registering the same id is
// rejected: a manifest update, if ever needed, goes through a new id/version
// rather than mutating a registered one in place.
func (r *MemoryRegistry) Register(ctx context.Context, manifest *types.AgentManifest) error {
	if manifest == nil || manifest.ID == "" {
		return errors.New("manifest id is required")
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.agents[manifest.ID]; exists {
		return ErrAgentExists
	}

	cp := *manifest
	r.agents[manifest.ID] = &cp
	return nil
}

// Get retrieves a manifest by id.
func (r *MemoryRegistry) Get(ctx context.Context, id string) (*types.AgentManifest, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	manifest, ok := r.agents[id]
	if !ok {
		return nil, ErrAgentNotFound
	}
	cp := *manifest
	return &cp, nil
}

var _ Registry = (*MemoryRegistry)(nil)
