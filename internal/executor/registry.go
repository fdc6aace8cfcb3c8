package executor

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/miradorstack/mirador-heal/internal/models"
)

// ActionRequest is what a handler receives for one step.
type ActionRequest struct {
	ExecutionID string
	PlanID      string
	ResourceID  string
	Action      models.Action
	Parameters  map[string]string
}

// ActionResult is a handler's report for one step.
type ActionResult struct {
	Success      bool
	Message      string
	RollbackInfo models.RollbackInfo
}

// RollbackRequest replays captured rollback info for a failed step.
type RollbackRequest struct {
	ExecutionID string
	ResourceID  string
	Action      models.Action
	Step        string
	Info        models.RollbackInfo
}

// Handler performs and reverses one kind of remediation.
type Handler interface {
	Execute(ctx context.Context, req ActionRequest) (ActionResult, error)
	Rollback(ctx context.Context, req RollbackRequest) error
}

// Snapshotter returns a flat numeric view of a resource's current metrics.
type Snapshotter interface {
	Snapshot(ctx context.Context, resourceID string) (map[string]float64, error)
}

// Registry maps action kinds, and custom handler ids, onto handlers.
type Registry struct {
	mu     sync.RWMutex
	kinds  map[models.ActionKind]Handler
	custom map[string]Handler
}

// NewRegistry constructs an empty registry.
func NewRegistry() *Registry {
	return &Registry{
		kinds:  make(map[models.ActionKind]Handler),
		custom: make(map[string]Handler),
	}
}

// Register binds a handler to a built-in kind.
func (r *Registry) Register(kind models.ActionKind, handler Handler) error {
	if kind == models.ActionCustom {
		return fmt.Errorf("custom actions register by handler id")
	}
	if !kind.Valid() {
		return fmt.Errorf("unknown action kind %q", kind)
	}
	if handler == nil {
		return fmt.Errorf("nil handler for %s", kind)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.kinds[kind] = handler
	return nil
}

// RegisterCustom binds a handler to a custom handler id.
func (r *Registry) RegisterCustom(id string, handler Handler) error {
	if id == "" {
		return fmt.Errorf("custom handler id required")
	}
	if handler == nil {
		return fmt.Errorf("nil handler for custom:%s", id)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.custom[id] = handler
	return nil
}

// Lookup resolves the handler for an action.
func (r *Registry) Lookup(action models.Action) (Handler, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if action.Kind == models.ActionCustom {
		h, ok := r.custom[action.Handler]
		return h, ok
	}
	h, ok := r.kinds[action.Kind]
	return h, ok
}

// Capabilities lists registered action names in a stable order.
func (r *Registry) Capabilities() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.kinds)+len(r.custom))
	for kind := range r.kinds {
		out = append(out, string(kind))
	}
	for id := range r.custom {
		out = append(out, models.Action{Kind: models.ActionCustom, Handler: id}.Name())
	}
	sort.Strings(out)
	return out
}
