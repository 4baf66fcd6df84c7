package tools

import (
	"fmt"
	"sort"
)

// Registry resolves adapters by name.
type Registry struct {
	adapters map[string]Adapter
}

// NewRegistry registers adapters, rejecting duplicate names.
func NewRegistry(adapters ...Adapter) (*Registry, error) {
	r := &Registry{adapters: make(map[string]Adapter, len(adapters))}
	for _, a := range adapters {
		if err := r.Register(a); err != nil {
			return nil, err
		}
	}
	return r, nil
}

// Register adds an adapter.
func (r *Registry) Register(a Adapter) error {
	if a == nil {
		return fmt.Errorf("nil adapter")
	}
	if _, dup := r.adapters[a.Name()]; dup {
		return fmt.Errorf("adapter %q registered twice", a.Name())
	}
	r.adapters[a.Name()] = a
	return nil
}

// Get returns the adapter registered under name.
//
//nolint:ireturn // callers work against the Adapter contract.
func (r *Registry) Get(name string) (Adapter, bool) {
	a, ok := r.adapters[name]
	return a, ok
}

// Names returns the registered adapter names in sorted order.
func (r *Registry) Names() []string {
	names := make([]string, 0, len(r.adapters))
	for name := range r.adapters {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// All returns the registered adapters sorted by name.
func (r *Registry) All() []Adapter {
	names := r.Names()
	out := make([]Adapter, 0, len(names))
	for _, n := range names {
		out = append(out, r.adapters[n])
	}
	return out
}
