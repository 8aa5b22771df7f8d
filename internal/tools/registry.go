package tools

import (
	"fmt"
	"sort"
)

// Registry maps tool names to implementations. It is populated during boot
// and read-only afterwards, so lookups need no locking.
type Registry struct {
	tools map[string]Tool
}

// NewRegistry builds an empty registry.
func NewRegistry() *Registry {
	return &Registry{tools: make(map[string]Tool)}
}

// Register adds a tool. Names are case-sensitive and must be unique.
func (r *Registry) Register(t Tool) error {
	name := t.Name()
	if name == "" {
		return fmt.Errorf("tool with empty name")
	}
	if _, ok := r.tools[name]; ok {
		return fmt.Errorf("tool %s already registered", name)
	}
	r.tools[name] = t
	return nil
}

// MustRegister is Register for boot-time wiring of built-ins.
func (r *Registry) MustRegister(ts ...Tool) {
	for _, t := range ts {
		if err := r.Register(t); err != nil {
			panic(err)
		}
	}
}

// Get looks up a tool by name.
func (r *Registry) Get(name string) (Tool, bool) {
	t, ok := r.tools[name]
	return t, ok
}

// Names returns all registered names, sorted.
func (r *Registry) Names() []string {
	out := make([]string, 0, len(r.tools))
	for name := range r.tools {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}

// Descriptor is the tool.list entry.
type Descriptor struct {
	Name        string `json:"name"`
	Description string `json:"description"`
}

// Descriptors returns {name, description} pairs sorted by name.
func (r *Registry) Descriptors() []Descriptor {
	out := make([]Descriptor, 0, len(r.tools))
	for _, name := range r.Names() {
		out = append(out, Descriptor{Name: name, Description: r.tools[name].Description()})
	}
	return out
}

// Definition pairs a tool's identity with its provider-ready schema, the
// shape prompt builders advertise to the model.
type Definition struct {
	Name        string         `json:"name"`
	Description string         `json:"description"`
	InputSchema map[string]any `json:"input_schema"`
}

// Definitions returns provider-ready definitions for every tool, sorted by
// name. exclude names tools to leave out (the sub-agent denylist).
func (r *Registry) Definitions(exclude map[string]bool) []Definition {
	out := make([]Definition, 0, len(r.tools))
	for _, name := range r.Names() {
		if exclude[name] {
			continue
		}
		t := r.tools[name]
		out = append(out, Definition{
			Name:        name,
			Description: t.Description(),
			InputSchema: t.Schema().JSON(),
		})
	}
	return out
}
