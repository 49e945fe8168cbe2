// Package tools holds the agent's tool registry and the builtin handler
// set: file and shell ops, memory ops, scheduler ops, channel ops, and
// skill management. Handlers return text; failures surface as is_error
// tool results instead of aborting the agent loop.
package tools

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v5"

	"github.com/pocketmind/pocketmind/internal/llm"
)

// Tool is one callable capability exposed to the model.
type Tool interface {
	Name() string
	Description() string
	Category() string
	Schema() json.RawMessage
	Execute(ctx context.Context, input map[string]any) (string, error)
}

// FuncTool adapts a plain function into a Tool.
type FuncTool struct {
	ToolName        string
	ToolDescription string
	ToolCategory    string
	ToolSchema      json.RawMessage
	Fn              func(ctx context.Context, input map[string]any) (string, error)
}

func (t *FuncTool) Name() string            { return t.ToolName }
func (t *FuncTool) Description() string     { return t.ToolDescription }
func (t *FuncTool) Category() string        { return t.ToolCategory }
func (t *FuncTool) Schema() json.RawMessage { return t.ToolSchema }

func (t *FuncTool) Execute(ctx context.Context, input map[string]any) (string, error) {
	return t.Fn(ctx, input)
}

// Registry is a name-unique tool collection with schema validation.
type Registry struct {
	mu      sync.RWMutex
	tools   map[string]Tool
	schemas map[string]*jsonschema.Schema
	order   []string
	logger  *slog.Logger
	observe func(tool string, err error)
}

// NewRegistry creates an empty registry.
func NewRegistry(logger *slog.Logger) *Registry {
	if logger == nil {
		logger = slog.Default()
	}
	return &Registry{
		tools:   make(map[string]Tool),
		schemas: make(map[string]*jsonschema.Schema),
		logger:  logger.With("component", "tools"),
	}
}

// SetObserver installs a per-execution hook, used for metrics.
func (r *Registry) SetObserver(observe func(tool string, err error)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.observe = observe
}

// Register adds a tool. Names are unique; the input schema must compile.
func (r *Registry) Register(tool Tool) error {
	name := tool.Name()
	if name == "" {
		return fmt.Errorf("tool name is required")
	}

	var compiled *jsonschema.Schema
	if raw := tool.Schema(); len(raw) > 0 {
		compiler := jsonschema.NewCompiler()
		if err := compiler.AddResource(name+".json", strings.NewReader(string(raw))); err != nil {
			return fmt.Errorf("tool %s: invalid schema: %w", name, err)
		}
		sch, err := compiler.Compile(name + ".json")
		if err != nil {
			return fmt.Errorf("tool %s: compile schema: %w", name, err)
		}
		compiled = sch
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.tools[name]; exists {
		return fmt.Errorf("tool %s already registered", name)
	}
	r.tools[name] = tool
	if compiled != nil {
		r.schemas[name] = compiled
	}
	r.order = append(r.order, name)
	return nil
}

// MustRegister panics on registration failure; used for the builtin set
// where a bad schema is a programming error.
func (r *Registry) MustRegister(tool Tool) {
	if err := r.Register(tool); err != nil {
		panic(err)
	}
}

// Get returns a tool by name.
func (r *Registry) Get(name string) (Tool, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	t, ok := r.tools[name]
	return t, ok
}

// Names returns tool names in registration order.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, len(r.order))
	copy(out, r.order)
	return out
}

// Defs returns the tool definitions offered to the model.
func (r *Registry) Defs() []llm.ToolDef {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]llm.ToolDef, 0, len(r.order))
	for _, name := range r.order {
		t := r.tools[name]
		schema := t.Schema()
		if len(schema) == 0 {
			schema = json.RawMessage(`{"type":"object"}`)
		}
		out = append(out, llm.ToolDef{
			Name:        name,
			Description: t.Description(),
			InputSchema: schema,
		})
	}
	return out
}

// Execute validates raw input against the tool schema and runs the
// handler. All failures, including panics, come back as errors so the
// caller can render an is_error tool result.
func (r *Registry) Execute(ctx context.Context, name string, rawInput json.RawMessage) (result string, err error) {
	r.mu.RLock()
	tool, ok := r.tools[name]
	schema := r.schemas[name]
	observe := r.observe
	r.mu.RUnlock()
	if !ok {
		return "", fmt.Errorf("unknown tool: %s", name)
	}
	if observe != nil {
		defer func() { observe(name, err) }()
	}

	input := map[string]any{}
	if len(rawInput) > 0 {
		var decoded any
		if jerr := json.Unmarshal(rawInput, &decoded); jerr != nil {
			return "", fmt.Errorf("tool %s: invalid input JSON: %w", name, jerr)
		}
		if schema != nil {
			if verr := schema.Validate(decoded); verr != nil {
				return "", fmt.Errorf("tool %s: input validation: %w", name, verr)
			}
		}
		if m, ok := decoded.(map[string]any); ok {
			input = m
		}
	}

	defer func() {
		if rec := recover(); rec != nil {
			r.logger.Error("tool panicked", "tool", name, "panic", rec)
			err = fmt.Errorf("tool %s panicked: %v", name, rec)
		}
	}()
	return tool.Execute(ctx, input)
}

// Catalog renders the registered tools grouped by category, for the
// system prompt.
func (r *Registry) Catalog() string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	byCategory := make(map[string][]Tool)
	for _, name := range r.order {
		t := r.tools[name]
		cat := t.Category()
		if cat == "" {
			cat = "general"
		}
		byCategory[cat] = append(byCategory[cat], t)
	}
	categories := make([]string, 0, len(byCategory))
	for cat := range byCategory {
		categories = append(categories, cat)
	}
	sort.Strings(categories)

	var b strings.Builder
	for _, cat := range categories {
		fmt.Fprintf(&b, "### %s\n", cat)
		for _, t := range byCategory[cat] {
			fmt.Fprintf(&b, "- %s: %s\n", t.Name(), t.Description())
		}
	}
	return strings.TrimRight(b.String(), "\n")
}
