// Package registry tracks the tools the engine may execute: their
// argument schemas and whether a human must approve each invocation.
package registry

import (
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v5"
)

// Definition describes one registered tool.
type Definition struct {
	// Name is the tool identifier referenced by tool calls.
	Name string `json:"name"`
	// Description is shown to operators reviewing approvals.
	Description string `json:"description,omitempty"`
	// ArgsSchema is an optional JSON Schema the call arguments must
	// satisfy. Empty means arguments are not validated.
	ArgsSchema json.RawMessage `json:"args_schema,omitempty"`
	// RequiresApproval gates every invocation behind a human decision.
	RequiresApproval bool `json:"requires_approval"`
}

type entry struct {
	def    Definition
	schema *jsonschema.Schema
}

// Registry is a concurrency-safe tool catalog.
type Registry struct {
	mu    sync.RWMutex
	tools map[string]entry
}

// New creates an empty registry.
func New() *Registry {
	return &Registry{tools: make(map[string]entry)}
}

// Register adds a tool. The name must be unique and any args schema
// must compile.
func (r *Registry) Register(def Definition) error {
	name := strings.TrimSpace(def.Name)
	if name == "" {
		return fmt.Errorf("tool name is required")
	}
	def.Name = name

	var schema *jsonschema.Schema
	if len(def.ArgsSchema) > 0 {
		compiler := jsonschema.NewCompiler()
		if err := compiler.AddResource(name+".schema.json", strings.NewReader(string(def.ArgsSchema))); err != nil {
			return fmt.Errorf("add schema for tool %q: %w", name, err)
		}
		compiled, err := compiler.Compile(name + ".schema.json")
		if err != nil {
			return fmt.Errorf("compile schema for tool %q: %w", name, err)
		}
		schema = compiled
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.tools[name]; exists {
		return fmt.Errorf("tool %q already registered", name)
	}
	r.tools[name] = entry{def: def, schema: schema}
	return nil
}

// Unregister removes a tool; removing an unknown name is a no-op.
func (r *Registry) Unregister(name string) {
	r.mu.Lock()
	delete(r.tools, name)
	r.mu.Unlock()
}

// Lookup returns the definition for name.
func (r *Registry) Lookup(name string) (Definition, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.tools[name]
	return e.def, ok
}

// RequiresApproval reports whether an invocation of name must wait for
// a human decision. Unknown tools never require approval; they are
// accepted optimistically and fail later if unexecutable.
func (r *Registry) RequiresApproval(name string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.tools[name].def.RequiresApproval
}

// ValidateArgs checks raw args against the tool's schema, if it has
// one. Tools without a schema accept anything.
func (r *Registry) ValidateArgs(name string, args json.RawMessage) error {
	r.mu.RLock()
	e, ok := r.tools[name]
	r.mu.RUnlock()
	if !ok || e.schema == nil {
		return nil
	}

	var doc any
	if err := json.Unmarshal(args, &doc); err != nil {
		return fmt.Errorf("tool %q args are not valid JSON: %w", name, err)
	}
	if err := e.schema.Validate(doc); err != nil {
		return fmt.Errorf("tool %q args rejected by schema: %w", name, err)
	}
	return nil
}

// Names lists registered tool names in sorted order.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.tools))
	for name := range r.tools {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
