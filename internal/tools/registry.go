package tools

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/quiet-coder-io/DomainOS-sub000/internal/logging"
	"github.com/quiet-coder-io/DomainOS-sub000/internal/types"

	"github.com/santhosh-tekuri/jsonschema/v6"
)

// Registry holds the available tools. It is thread-safe and supports
// registration at runtime; each tool's schema is compiled once here and
// arguments are validated against it on every execution.
type Registry struct {
	mu       sync.RWMutex
	tools    map[string]*Tool
	compiled map[string]*jsonschema.Schema
}

// NewRegistry creates an empty tool registry.
func NewRegistry() *Registry {
	return &Registry{
		tools:    make(map[string]*Tool),
		compiled: make(map[string]*jsonschema.Schema),
	}
}

// Register adds a tool, compiling its input schema. Returns an error if a
// tool with the same name exists or the schema does not compile.
func (r *Registry) Register(tool *Tool) error {
	if err := tool.Validate(); err != nil {
		return fmt.Errorf("invalid tool: %w", err)
	}

	schema, err := compileSchema(tool.Name, tool.InputSchema)
	if err != nil {
		return fmt.Errorf("tool %s schema does not compile: %w", tool.Name, err)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.tools[tool.Name]; exists {
		return fmt.Errorf("%w: %s", ErrToolAlreadyRegistered, tool.Name)
	}

	r.tools[tool.Name] = tool
	r.compiled[tool.Name] = schema

	logging.ToolsDebug("Registered tool: %s (external=%v)", tool.Name, tool.RequiresExternal)
	return nil
}

// Get returns a tool by name, or nil if not found.
func (r *Registry) Get(name string) *Tool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.tools[name]
}

// Has reports whether a tool with the given name is registered.
func (r *Registry) Has(name string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.tools[name]
	return ok
}

// Names returns all registered tool names, sorted.
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

// Count returns the number of registered tools.
func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.tools)
}

// Definitions returns the provider-facing tool listing. Tools marked
// RequiresExternal are withheld unless allowExternal is set. Schemas are
// deep-cloned downstream before any adapter sees them.
func (r *Registry) Definitions(allowExternal bool) []types.ToolDefinition {
	r.mu.RLock()
	defer r.mu.RUnlock()

	names := make([]string, 0, len(r.tools))
	for name := range r.tools {
		names = append(names, name)
	}
	sort.Strings(names)

	defs := make([]types.ToolDefinition, 0, len(names))
	for _, name := range names {
		tool := r.tools[name]
		if tool.RequiresExternal && !allowExternal {
			continue
		}
		defs = append(defs, types.ToolDefinition{
			Name:        tool.Name,
			Description: tool.Description,
			InputSchema: tool.InputSchema,
		})
	}
	return defs
}

// Execute runs a tool by name. Arguments are validated against the tool's
// compiled schema first; validation failures return ErrInvalidArgs without
// running the executor.
func (r *Registry) Execute(ctx context.Context, name string, args map[string]any) (*ToolResult, error) {
	r.mu.RLock()
	tool := r.tools[name]
	schema := r.compiled[name]
	r.mu.RUnlock()

	if tool == nil {
		return nil, fmt.Errorf("%w: %s", ErrToolNotFound, name)
	}

	start := time.Now()

	if args == nil {
		args = map[string]any{}
	}
	// Validate and execute against the same normalized shape, so an
	// executor always sees JSON-typed values no matter who called.
	norm := normalizeArgs(args).(map[string]any)
	if err := schema.Validate(norm); err != nil {
		verr := fmt.Errorf("%w: %v", ErrInvalidArgs, err)
		return &ToolResult{
			ToolName:   name,
			Error:      verr,
			DurationMs: time.Since(start).Milliseconds(),
		}, verr
	}

	logging.ToolsDebug("Executing tool: %s", name)
	result, err := tool.Execute(ctx, norm)

	duration := time.Since(start)
	logging.ToolsDebug("Tool %s completed in %v (success=%v)", name, duration, err == nil)

	return &ToolResult{
		ToolName:   name,
		Result:     result,
		Error:      err,
		DurationMs: duration.Milliseconds(),
	}, err
}

// compileSchema compiles one tool's JSON-Schema document.
func compileSchema(name string, doc map[string]any) (*jsonschema.Schema, error) {
	url := "tool://" + name + ".json"
	c := jsonschema.NewCompiler()
	if err := c.AddResource(url, normalizeArgs(doc)); err != nil {
		return nil, err
	}
	return c.Compile(url)
}

// normalizeArgs rewrites Go-typed values into the plain JSON shapes the
// schema validator expects (map[string]any / []any / float64 / string).
// Provider adapters already decode arguments this way; this guards direct
// callers that build maps by hand.
func normalizeArgs(v any) any {
	switch t := v.(type) {
	case map[string]any:
		out := make(map[string]any, len(t))
		for k, val := range t {
			out[k] = normalizeArgs(val)
		}
		return out
	case []any:
		out := make([]any, len(t))
		for i, val := range t {
			out[i] = normalizeArgs(val)
		}
		return out
	case int:
		return float64(t)
	case int64:
		return float64(t)
	case float32:
		return float64(t)
	default:
		return v
	}
}
