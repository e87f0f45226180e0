// Package handlers executes claimed tasks. Each task type maps to one
// handler; the runner dispatches through the registry and reports the outcome
// back to the queue.
package handlers

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/Hasbicom1/Tagent-sub007/internal/domain"
)

// Result is what a successful handler run produces: the terminal payload and
// any log lines worth keeping with it.
type Result struct {
	Data json.RawMessage `json:"data,omitempty"`
	Logs []string        `json:"logs,omitempty"`
}

// Handler executes one task to completion or error. Errors are retryable by
// default; the queue decides when the budget runs out.
type Handler interface {
	Handle(ctx context.Context, task *domain.Task) (*Result, error)
}

// Registry maps task types to handlers.
type Registry struct {
	mu       sync.RWMutex
	handlers map[domain.TaskType]Handler
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{handlers: map[domain.TaskType]Handler{}}
}

// Register binds a handler to a task type, replacing any previous binding.
func (r *Registry) Register(t domain.TaskType, h Handler) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.handlers[t] = h
}

// Handle dispatches the task to its handler. An unbound type is a permanent
// configuration error, not a transient failure.
func (r *Registry) Handle(ctx context.Context, task *domain.Task) (*Result, error) {
	r.mu.RLock()
	h, ok := r.handlers[task.Type]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("no handler registered for task type %s", task.Type)
	}
	return h.Handle(ctx, task)
}

// Types returns the registered task types; the runner claims only these.
func (r *Registry) Types() []domain.TaskType {
	r.mu.RLock()
	defer r.mu.RUnlock()
	types := make([]domain.TaskType, 0, len(r.handlers))
	for t := range r.handlers {
		types = append(types, t)
	}
	return types
}
