package registry

import (
	"fmt"
	"sort"
	"sync"

	"github.com/plc-bridge/backend/internal/upstream"
)

// Variable is one named upstream value. Value holds the raw, unscaled
// reading; HasValue is false until the first reading arrives.
type Variable struct {
	Name     string              `json:"name"`
	Handle   upstream.NodeHandle `json:"handle,omitempty"`
	Value    float64             `json:"value"`
	HasValue bool                `json:"hasValue"`
	// Placeholder marks a variable with no upstream node behind it.
	Placeholder bool `json:"placeholder,omitempty"`
}

// Registry maps symbolic names to variables. Reads return copies.
type Registry struct {
	mu   sync.RWMutex
	vars map[string]*Variable
}

func New() *Registry {
	return &Registry{
		vars: make(map[string]*Variable),
	}
}

func (r *Registry) Get(name string) (Variable, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	v, ok := r.vars[name]
	if !ok {
		return Variable{}, false
	}
	return *v, true
}

// All returns every variable sorted by name.
func (r *Registry) All() []Variable {
	r.mu.RLock()
	defer r.mu.RUnlock()
	result := make([]Variable, 0, len(r.vars))
	for _, v := range r.vars {
		result = append(result, *v)
	}
	sort.Slice(result, func(i, j int) bool { return result[i].Name < result[j].Name })
	return result
}

// Register adds a variable backed by an upstream node, or rebinds the
// handle of an existing one. A known value is kept.
func (r *Registry) Register(name string, h upstream.NodeHandle) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if existing, ok := r.vars[name]; ok {
		existing.Handle = h
		existing.Placeholder = false
		return
	}
	r.vars[name] = &Variable{Name: name, Handle: h}
}

// RegisterPlaceholder adds a variable with no upstream node, seeded with
// value.
func (r *Registry) RegisterPlaceholder(name string, value float64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.vars[name] = &Variable{Name: name, Value: value, HasValue: true, Placeholder: true}
}

// SetValue records a raw reading for a registered variable.
func (r *Registry) SetValue(name string, raw float64) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	v, ok := r.vars[name]
	if !ok {
		return fmt.Errorf("variable %q: %w", name, upstream.ErrNotFound)
	}
	v.Value = raw
	v.HasValue = true
	return nil
}

// Replace swaps the whole content for vars.
func (r *Registry) Replace(vars []Variable) {
	next := make(map[string]*Variable, len(vars))
	for _, v := range vars {
		vv := v
		next[v.Name] = &vv
	}
	r.mu.Lock()
	r.vars = next
	r.mu.Unlock()
}

func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.vars)
}
