// Package tool defines the tool contract, the schema-validating registry,
// and the execution gateway that applies policy, approval, and timeout
// handling around every tool call.
package tool

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v6"
)

// Tool is the contract every executable tool implements. ParamSchema returns
// a JSON Schema for the call arguments; a nil schema skips validation.
type Tool interface {
	Name() string
	Description() string
	ParamSchema() json.RawMessage
	RequiresApproval() bool
	Execute(ctx context.Context, args map[string]any) (Result, error)
}

// Result is the outcome of a tool call. Expected failures (denials,
// validation errors, timeouts) are Success=false results, never raised
// errors. An approval-pending result is neither success nor failure: callers
// must check ApprovalPending before Success.
type Result struct {
	Success  bool           `json:"success"`
	Output   string         `json:"output"`
	Metadata map[string]any `json:"metadata,omitempty"`
}

// ApprovalPending reports whether this result is an approval-pending marker,
// and returns the approval request id when it is.
func (r Result) ApprovalPending() (string, bool) {
	if r.Metadata == nil {
		return "", false
	}
	pending, _ := r.Metadata["approvalPending"].(bool)
	if !pending {
		return "", false
	}
	id, _ := r.Metadata["requestId"].(string)
	return id, true
}

// Failure builds a failed result with a formatted message.
func Failure(format string, args ...any) Result {
	return Result{Success: false, Output: fmt.Sprintf(format, args...)}
}

type registryEntry struct {
	tool   Tool
	schema *jsonschema.Schema
}

// Registry holds registered tools keyed by name. Parameter schemas are
// compiled at registration so a broken schema fails fast, not at call time.
type Registry struct {
	mu    sync.RWMutex
	tools map[string]registryEntry
}

func NewRegistry() *Registry {
	return &Registry{tools: make(map[string]registryEntry)}
}

// Register adds a tool, compiling its parameter schema if it declares one.
// Registering a second tool under the same name is an error.
func (r *Registry) Register(t Tool) error {
	name := strings.ToLower(strings.TrimSpace(t.Name()))
	if name == "" {
		return fmt.Errorf("tool has empty name")
	}

	var schema *jsonschema.Schema
	if raw := t.ParamSchema(); len(raw) > 0 {
		compiled, err := compileSchema(name, raw)
		if err != nil {
			return fmt.Errorf("tool %s: %w", name, err)
		}
		schema = compiled
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.tools[name]; exists {
		return fmt.Errorf("tool %s already registered", name)
	}
	r.tools[name] = registryEntry{tool: t, schema: schema}
	return nil
}

func (r *Registry) Get(name string) (Tool, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	entry, ok := r.tools[strings.ToLower(strings.TrimSpace(name))]
	if !ok {
		return nil, false
	}
	return entry.tool, true
}

// Definition is the LLM-facing description of a registered tool.
type Definition struct {
	Name        string          `json:"name"`
	Description string          `json:"description"`
	Schema      json.RawMessage `json:"schema,omitempty"`
}

// Definitions returns LLM-facing tool descriptions sorted by name.
func (r *Registry) Definitions() []Definition {
	r.mu.RLock()
	defer r.mu.RUnlock()
	defs := make([]Definition, 0, len(r.tools))
	for name, entry := range r.tools {
		defs = append(defs, Definition{
			Name:        name,
			Description: entry.tool.Description(),
			Schema:      entry.tool.ParamSchema(),
		})
	}
	sort.Slice(defs, func(i, j int) bool { return defs[i].Name < defs[j].Name })
	return defs
}

// Names returns registered tool names sorted for stable prompt building.
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

// ValidateArgs checks call arguments against the tool's compiled schema.
// Tools without a schema accept any arguments.
func (r *Registry) ValidateArgs(name string, args map[string]any) error {
	r.mu.RLock()
	entry, ok := r.tools[strings.ToLower(strings.TrimSpace(name))]
	r.mu.RUnlock()
	if !ok {
		return fmt.Errorf("tool %s not registered", name)
	}
	if entry.schema == nil {
		return nil
	}

	encoded, err := json.Marshal(args)
	if err != nil {
		return fmt.Errorf("encode arguments: %w", err)
	}
	// jsonschema requires values decoded with json.Number, so round-trip
	// through its own decoder rather than validating the map directly.
	decoded, err := jsonschema.UnmarshalJSON(strings.NewReader(string(encoded)))
	if err != nil {
		return fmt.Errorf("decode arguments: %w", err)
	}
	if err := entry.schema.Validate(decoded); err != nil {
		return fmt.Errorf("invalid arguments: %w", err)
	}
	return nil
}

func compileSchema(name string, raw json.RawMessage) (*jsonschema.Schema, error) {
	doc, err := jsonschema.UnmarshalJSON(strings.NewReader(string(raw)))
	if err != nil {
		return nil, fmt.Errorf("unmarshal param schema: %w", err)
	}
	c := jsonschema.NewCompiler()
	resource := name + ".schema.json"
	if err := c.AddResource(resource, doc); err != nil {
		return nil, fmt.Errorf("add schema resource: %w", err)
	}
	schema, err := c.Compile(resource)
	if err != nil {
		return nil, fmt.Errorf("compile param schema: %w", err)
	}
	return schema, nil
}
