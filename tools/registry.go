package tools

import (
	"fmt"
	"sort"
)

// ErrToolNotFound indicates a requested tool name has no registered adapter.
var ErrToolNotFound = fmt.Errorf("tool not found")

// Registry resolves tool names to adapter instances. It is populated once
// at startup and read-only afterwards, so it is safe to share across all
// concurrent task executions.
type Registry struct {
	tools map[string]Tool
}

// NewRegistry builds a registry from the given adapters. Duplicate names
// are rejected so a misconfiguration surfaces at startup, not mid-task.
func NewRegistry(adapters ...Tool) (*Registry, error) {
	reg := &Registry{tools: make(map[string]Tool, len(adapters))}
	for _, t := range adapters {
		if t == nil {
			continue
		}
		name := t.Name()
		if name == "" {
			return nil, fmt.Errorf("tool with empty name")
		}
		if _, dup := reg.tools[name]; dup {
			return nil, fmt.Errorf("duplicate tool registration: %s", name)
		}
		reg.tools[name] = t
	}
	return reg, nil
}

// Resolve returns the adapter registered under name.
func (r *Registry) Resolve(name string) (Tool, error) {
	if r == nil {
		return nil, fmt.Errorf("%w: %s", ErrToolNotFound, name)
	}
	t, ok := r.tools[name]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrToolNotFound, name)
	}
	return t, nil
}

// Has reports whether name is registered.
func (r *Registry) Has(name string) bool {
	if r == nil {
		return false
	}
	_, ok := r.tools[name]
	return ok
}

// Names returns the registered tool names in sorted order.
func (r *Registry) Names() []string {
	if r == nil {
		return nil
	}
	names := make([]string, 0, len(r.tools))
	for n := range r.tools {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}
