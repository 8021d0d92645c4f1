package tools

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/google/jsonschema-go/jsonschema"
	"github.com/m4xw311/axon/errors"
	"github.com/m4xw311/axon/logging"
	"github.com/m4xw311/axon/session"
)

// SourceLocal marks built-in tools in Descriptor.Source.
const SourceLocal = "local"

// Tool defines the interface for any action the agent can take.
type Tool interface {
	Name() string
	Description() string
	// InputSchema is a JSON Schema object describing the arguments.
	InputSchema() map[string]any
	// ReadOnly tools never modify the workspace.
	ReadOnly() bool
	Execute(ctx context.Context, args map[string]any) (string, error)
}

// Descriptor is what providers and the permission gate see of a tool.
type Descriptor struct {
	Name                 string
	Description          string
	InputSchema          map[string]any
	Source               string
	RequiresConfirmation bool
}

type entry struct {
	tool   Tool
	source string
	schema *jsonschema.Resolved
}

// Registry holds every tool the agent may call, local and MCP, keyed by
// unique name.
type Registry struct {
	mu      sync.RWMutex
	tools   map[string]entry
	allowed map[string]bool
}

// NewRegistry returns an empty registry. Tools named in allowed never need
// confirmation.
func NewRegistry(allowed []string) *Registry {
	r := &Registry{tools: make(map[string]entry), allowed: make(map[string]bool)}
	for _, name := range allowed {
		r.allowed[name] = true
	}
	return r
}

// Register adds a local tool.
func (r *Registry) Register(t Tool) error {
	return r.AddSource(SourceLocal, []Tool{t})
}

// AddSource adds all tools of one source. Nothing is added if any name
// collides with an existing tool or with another tool in ts.
func (r *Registry) AddSource(source string, ts []Tool) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	batch := make(map[string]entry, len(ts))
	for _, t := range ts {
		name := t.Name()
		if existing, ok := r.tools[name]; ok {
			return errors.Errorf(errors.ConfigError, "tool %q from %s collides with tool from %s", name, source, existing.source)
		}
		if _, ok := batch[name]; ok {
			return errors.Errorf(errors.ConfigError, "tool %q is declared twice by %s", name, source)
		}
		batch[name] = entry{tool: t, source: source, schema: resolveSchema(name, t.InputSchema())}
	}
	for name, e := range batch {
		r.tools[name] = e
	}
	return nil
}

// RemoveSource drops every tool registered by source and returns how many
// were removed.
func (r *Registry) RemoveSource(source string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for name, e := range r.tools {
		if e.source == source {
			delete(r.tools, name)
			n++
		}
	}
	return n
}

// Resolve looks up a tool by name.
func (r *Registry) Resolve(name string) (Descriptor, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.tools[name]
	if !ok {
		return Descriptor{}, false
	}
	return r.describe(name, e), true
}

// Descriptors lists every registered tool sorted by name.
func (r *Registry) Descriptors() []Descriptor {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Descriptor, 0, len(r.tools))
	for name, e := range r.tools {
		out = append(out, r.describe(name, e))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

func (r *Registry) describe(name string, e entry) Descriptor {
	return Descriptor{
		Name:                 name,
		Description:          e.tool.Description(),
		InputSchema:          e.tool.InputSchema(),
		Source:               e.source,
		RequiresConfirmation: !(e.tool.ReadOnly() || r.allowed[name]),
	}
}

// Invoke validates the call's arguments and runs the tool. Every failure
// is reported in the result, never as a Go error.
func (r *Registry) Invoke(ctx context.Context, call session.ToolCall) (res session.ToolResult) {
	res = session.ToolResult{ToolCallID: call.ID, Name: call.Name}

	r.mu.RLock()
	e, ok := r.tools[call.Name]
	r.mu.RUnlock()
	if !ok {
		res.IsError, res.Kind = true, errors.ToolValidationError
		res.Output = fmt.Sprintf("unknown tool %q", call.Name)
		return res
	}

	args := call.Args
	if args == nil {
		args = map[string]any{}
	}
	if e.schema != nil {
		if err := e.schema.Validate(args); err != nil {
			res.IsError, res.Kind = true, errors.ToolValidationError
			res.Output = fmt.Sprintf("invalid arguments for %s: %v", call.Name, err)
			return res
		}
	}

	defer func() {
		if p := recover(); p != nil {
			logging.Error("tool panicked", "tool", call.Name, "panic", p)
			res.IsError, res.Kind = true, errors.ToolExecutionError
			res.Output = fmt.Sprintf("tool %s panicked: %v", call.Name, p)
		}
	}()

	out, err := e.tool.Execute(ctx, args)
	if err != nil {
		res.IsError = true
		res.Kind = errors.KindOf(err)
		if res.Kind == errors.KindUnknown {
			res.Kind = errors.ToolExecutionError
		}
		res.Output = strings.TrimSpace(strings.Join([]string{out, err.Error()}, "\n"))
		return res
	}
	res.Output = out
	return res
}

func resolveSchema(name string, raw map[string]any) *jsonschema.Resolved {
	if raw == nil {
		return nil
	}
	var s jsonschema.Schema
	if err := remarshal(raw, &s); err != nil {
		logging.Warn("ignoring unreadable input schema", "tool", name, "error", err)
		return nil
	}
	rs, err := s.Resolve(nil)
	if err != nil {
		logging.Warn("ignoring unresolvable input schema", "tool", name, "error", err)
		return nil
	}
	return rs
}
