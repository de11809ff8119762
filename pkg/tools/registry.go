// Package tools implements the process-wide tool registry: a thread-safe
// mapping from tool name to JSON schema, handler, and metadata, with
// namespacing, enable/disable, and schema-validated execution.
package tools

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"regexp"
	"sort"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v6"

	"github.com/dreamwalker-ai/dreamwalker/pkg/model"
)

// Handler executes a registered tool. The returned value must be
// JSON-serialisable; failures are reported through the error.
type Handler func(ctx context.Context, args map[string]any) (any, error)

// Definition describes one tool registration.
type Definition struct {
	// Name identifies the tool within its namespace.
	Name string
	// Namespace qualifies the name; empty is the default namespace.
	Namespace   string
	Description string
	Category    string
	Tags        []string
	// Schema is the JSON schema for the tool's arguments. Empty means
	// "any object".
	Schema  json.RawMessage
	Handler Handler
}

// Filter narrows List results. Nil pointer fields match everything.
type Filter struct {
	Category  string
	Tags      []string
	Enabled   *bool
	Namespace *string
}

// Info is the externally visible view of a registration.
type Info struct {
	Name        string          `json:"name"`
	Namespace   string          `json:"namespace,omitempty"`
	Description string          `json:"description,omitempty"`
	Category    string          `json:"category,omitempty"`
	Tags        []string        `json:"tags,omitempty"`
	Enabled     bool            `json:"enabled"`
	Schema      json.RawMessage `json:"schema,omitempty"`
}

// qualifiedNameRegex validates the "namespace.tool" format: both parts must
// start with a word character and contain only word characters and hyphens.
var qualifiedNameRegex = regexp.MustCompile(`^([\w][\w-]*)\.([\w][\w-]*)$`)

// SplitName splits "namespace.tool" into (namespace, tool). Names without
// a dot resolve to the default namespace.
func SplitName(name string) (namespace, tool string) {
	if matches := qualifiedNameRegex.FindStringSubmatch(name); matches != nil {
		return matches[1], matches[2]
	}
	return "", name
}

// QualifyName joins a namespace and tool name back into the wire form.
func QualifyName(namespace, tool string) string {
	if namespace == "" {
		return tool
	}
	return namespace + "." + tool
}

type registryKey struct {
	namespace string
	name      string
}

type entry struct {
	def      Definition
	compiled *jsonschema.Schema
	enabled  bool
}

// Registry is the process-wide tool table.
type Registry struct {
	mu     sync.RWMutex
	tools  map[registryKey]*entry
	logger *slog.Logger
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{
		tools:  make(map[registryKey]*entry),
		logger: slog.Default().With("component", "tool-registry"),
	}
}

// Register adds a tool. The (namespace, name) pair must be unique and the
// schema must compile; both are rejected up front so a bad registration
// never reaches execution.
func (r *Registry) Register(def Definition) error {
	if def.Name == "" {
		return fmt.Errorf("tool name is required")
	}
	if def.Handler == nil {
		return fmt.Errorf("tool %q: handler is required", def.Name)
	}

	compiled, err := compileSchema(def.Schema)
	if err != nil {
		return fmt.Errorf("tool %q: %w", QualifyName(def.Namespace, def.Name), err)
	}

	k := registryKey{namespace: def.Namespace, name: def.Name}

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.tools[k]; exists {
		return fmt.Errorf("tool %q already registered", QualifyName(def.Namespace, def.Name))
	}
	r.tools[k] = &entry{def: def, compiled: compiled, enabled: true}

	r.logger.Debug("Registered tool",
		"tool", QualifyName(def.Namespace, def.Name),
		"category", def.Category)
	return nil
}

// Unregister removes a tool; unknown tools report unknown_tool.
func (r *Registry) Unregister(name string) error {
	ns, tool := SplitName(name)
	k := registryKey{namespace: ns, name: tool}

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.tools[k]; !ok {
		return model.NewError(model.KindUnknownTool, "tool %q is not registered", name)
	}
	delete(r.tools, k)
	return nil
}

// Get returns the visible info for a tool.
func (r *Registry) Get(name string) (Info, error) {
	ns, tool := SplitName(name)

	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.tools[registryKey{namespace: ns, name: tool}]
	if !ok {
		return Info{}, model.NewError(model.KindUnknownTool, "tool %q is not registered", name)
	}
	return e.info(), nil
}

// List returns registrations matching the filter, sorted by qualified name.
func (r *Registry) List(f Filter) []Info {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]Info, 0, len(r.tools))
	for _, e := range r.tools {
		if !f.matches(e) {
			continue
		}
		out = append(out, e.info())
	}
	sort.Slice(out, func(i, j int) bool {
		return QualifyName(out[i].Namespace, out[i].Name) < QualifyName(out[j].Namespace, out[j].Name)
	})
	return out
}

// Enable marks a tool executable again.
func (r *Registry) Enable(name string) error {
	return r.setEnabled(name, true)
}

// Disable blocks execution of a tool without removing it.
func (r *Registry) Disable(name string) error {
	return r.setEnabled(name, false)
}

func (r *Registry) setEnabled(name string, enabled bool) error {
	ns, tool := SplitName(name)

	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.tools[registryKey{namespace: ns, name: tool}]
	if !ok {
		return model.NewError(model.KindUnknownTool, "tool %q is not registered", name)
	}
	e.enabled = enabled
	return nil
}

// Execute validates args against the tool's schema and invokes the handler.
// The handler runs synchronously on the caller's goroutine; ctx carries the
// caller's deadline and cancellation.
func (r *Registry) Execute(ctx context.Context, name string, args map[string]any) (any, error) {
	ns, tool := SplitName(name)

	r.mu.RLock()
	e, ok := r.tools[registryKey{namespace: ns, name: tool}]
	r.mu.RUnlock()

	if !ok {
		return nil, model.NewError(model.KindUnknownTool, "tool %q is not registered", name)
	}
	if !e.enabled {
		return nil, model.NewError(model.KindToolDisabled, "tool %q is disabled", name)
	}

	if e.compiled != nil {
		if args == nil {
			args = map[string]any{}
		}
		if err := e.compiled.Validate(normalizeForSchema(args)); err != nil {
			return nil, model.NewError(model.KindInvalidArguments, "arguments for %q rejected by schema", name).
				WithDetail("cause", err.Error())
		}
	}

	result, err := e.def.Handler(ctx, args)
	if err != nil {
		return nil, err
	}
	return result, nil
}

func (e *entry) info() Info {
	tags := make([]string, len(e.def.Tags))
	copy(tags, e.def.Tags)
	return Info{
		Name:        e.def.Name,
		Namespace:   e.def.Namespace,
		Description: e.def.Description,
		Category:    e.def.Category,
		Tags:        tags,
		Enabled:     e.enabled,
		Schema:      e.def.Schema,
	}
}

func (f Filter) matches(e *entry) bool {
	if f.Category != "" && e.def.Category != f.Category {
		return false
	}
	if f.Namespace != nil && e.def.Namespace != *f.Namespace {
		return false
	}
	if f.Enabled != nil && e.enabled != *f.Enabled {
		return false
	}
	for _, want := range f.Tags {
		found := false
		for _, have := range e.def.Tags {
			if have == want {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	return true
}

// compileSchema compiles the declared argument schema. An empty schema
// compiles to nil, meaning "accept any object".
func compileSchema(raw json.RawMessage) (*jsonschema.Schema, error) {
	if len(raw) == 0 {
		return nil, nil
	}

	var doc any
	if err := json.Unmarshal(raw, &doc); err != nil {
		return nil, fmt.Errorf("unmarshal schema: %w", err)
	}

	c := jsonschema.NewCompiler()
	if err := c.AddResource("schema.json", doc); err != nil {
		return nil, fmt.Errorf("add schema resource: %w", err)
	}
	schema, err := c.Compile("schema.json")
	if err != nil {
		return nil, fmt.Errorf("compile schema: %w", err)
	}
	return schema, nil
}

// normalizeForSchema round-trips args through JSON so the validator sees
// canonical JSON values (float64 numbers, no typed ints from Go callers).
func normalizeForSchema(args map[string]any) any {
	raw, err := json.Marshal(args)
	if err != nil {
		return args
	}
	var doc any
	if err := json.Unmarshal(raw, &doc); err != nil {
		return args
	}
	return doc
}
