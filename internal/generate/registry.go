// Package generate turns assembled prompts into model replies, with
// swappable backends, retries and a circuit breaker in front of the call.
package generate

import (
	"context"
	"errors"
	"fmt"
	"sync"
)

// Backend produces a completion for a prompt with a named model.
type Backend interface {
	Complete(ctx context.Context, prompt, model string) (string, error)
}

// ErrUnknownModel indicates a selection naming a backend that was never
// registered. Not retried.
var ErrUnknownModel = errors.New("unknown generation backend")

// Registry maps backend names to implementations. Resolution happens per
// call, so registering a new backend requires no client changes. A default
// backend, when set, serves every name without an explicit registration;
// backends like Ollama take the model name per call, so one client can
// address any model its server hosts.
type Registry struct {
	mu       sync.RWMutex
	backends map[string]Backend
	fallback Backend
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{backends: make(map[string]Backend)}
}

// Register adds or replaces the backend under name.
func (r *Registry) Register(name string, b Backend) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.backends[name] = b
}

// SetDefault installs the backend serving names with no explicit
// registration. Without one, unknown names resolve to ErrUnknownModel.
func (r *Registry) SetDefault(b Backend) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.fallback = b
}

// Resolve returns the backend serving name.
func (r *Registry) Resolve(name string) (Backend, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if b, ok := r.backends[name]; ok {
		return b, nil
	}
	if r.fallback != nil {
		return r.fallback, nil
	}
	return nil, fmt.Errorf("%w: %q", ErrUnknownModel, name)
}

// Names lists the registered backend names.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.backends))
	for name := range r.backends {
		names = append(names, name)
	}
	return names
}
