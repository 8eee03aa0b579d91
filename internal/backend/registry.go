package backend

import (
	"fmt"
	"sort"
	"strings"
	"sync"

	"EdgeLLM/internal/config"
)

// Factory constructs a backend from runtime configuration.
type Factory func(cfg config.RuntimeConfig) (Backend, error)

// Registry maps backend keys to factories.
type Registry struct {
	mu        sync.RWMutex
	factories map[string]Factory
}

// DefaultRegistry holds the backends compiled into this binary. Backends
// add themselves from init functions.
var DefaultRegistry = &Registry{}

// Register adds a new backend factory to the default registry.
func Register(name string, factory Factory) {
	DefaultRegistry.Register(name, factory)
}

// Register adds or replaces the factory for name.
func (r *Registry) Register(name string, factory Factory) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.factories == nil {
		r.factories = make(map[string]Factory)
	}
	r.factories[strings.ToLower(strings.TrimSpace(name))] = factory
}

// Names lists registered backends in sorted order.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.factories))
	for name := range r.factories {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Open builds the backend named by cfg.Backend and runs its process-wide
// initialisation through the Init guard.
func (r *Registry) Open(cfg config.RuntimeConfig) (Backend, error) {
	name := strings.ToLower(strings.TrimSpace(cfg.Backend))
	if name == "" {
		name = "llamacpp"
	}

	r.mu.RLock()
	factory, ok := r.factories[name]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("backend: %q not registered (available: %s)", name, strings.Join(r.Names(), ", "))
	}

	b, err := factory(cfg)
	if err != nil {
		return nil, fmt.Errorf("backend: %s: %w", name, err)
	}
	if err := Init(b); err != nil {
		return nil, err
	}
	return b, nil
}

// Open builds a backend from the default registry.
func Open(cfg config.RuntimeConfig) (Backend, error) {
	return DefaultRegistry.Open(cfg)
}
