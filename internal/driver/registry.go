package driver

import (
	"fmt"
	"sort"
	"sync"
)

// Factory creates a fresh, uninitialised driver instance.
type Factory func() Driver

// Registry maps driver type tags (the "driver:" field of a device
// declaration) to factories. The core has no compile-time knowledge of
// concrete hardware; main registers whatever drivers the binary ships.
type Registry struct {
	mu        sync.RWMutex
	factories map[string]Factory
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{factories: make(map[string]Factory)}
}

// Register adds a factory for kind.
func (r *Registry) Register(kind string, f Factory) error {
	if kind == "" || f == nil {
		return fmt.Errorf("registering driver %q: kind and factory are required", kind)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.factories[kind]; exists {
		return fmt.Errorf("%w: %s", ErrDuplicateDriver, kind)
	}
	r.factories[kind] = f
	return nil
}

// New creates a driver of the given kind.
func (r *Registry) New(kind string) (Driver, error) {
	r.mu.RLock()
	f, ok := r.factories[kind]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownDriver, kind)
	}
	return f(), nil
}

// Kinds lists the registered driver types in sorted order.
func (r *Registry) Kinds() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	kinds := make([]string, 0, len(r.factories))
	for k := range r.factories {
		kinds = append(kinds, k)
	}
	sort.Strings(kinds)
	return kinds
}
