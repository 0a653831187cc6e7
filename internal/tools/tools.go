// Package tools is the skill registry: the catalog of capabilities the
// model may invoke, each with a JSON Schema for its input and a
// permission level that the approval gate consults before execution.
package tools

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"sync"
	"time"

	"github.com/santhosh-tekuri/jsonschema/v5"

	"github.com/nugget/hearth/internal/llm"
)

// Permission is a skill's declared blast radius.
type Permission int

const (
	// ReadOnly skills observe but never change anything; they are never gated.
	ReadOnly Permission = iota
	// Mutating skills change local state (files, long-term memory).
	Mutating
	// Network skills reach outside the host.
	Network
)

func (p Permission) String() string {
	switch p {
	case ReadOnly:
		return "read_only"
	case Mutating:
		return "mutating"
	case Network:
		return "network"
	default:
		return fmt.Sprintf("Permission(%d)", int(p))
	}
}

// MarshalText renders the permission by name.
func (p Permission) MarshalText() ([]byte, error) { return []byte(p.String()), nil }

// Handler runs a skill with arguments that already satisfy its schema.
// The result must marshal to a JSON object. Returning a [*SkillError]
// selects its kind; any other error is reported as ExecutionFailed.
type Handler func(ctx context.Context, args map[string]any) (any, error)

// Tool is one registered skill.
type Tool struct {
	Name        string
	Description string
	Parameters  map[string]any
	Permission  Permission
	Handler     Handler

	schema *jsonschema.Schema
}

// Registry holds the available skills. It is built once per
// configuration and not modified while in use.
type Registry struct {
	mu     sync.RWMutex
	tools  map[string]*Tool
	logger *slog.Logger
}

// NewRegistry creates an empty registry.
func NewRegistry(logger *slog.Logger) *Registry {
	if logger == nil {
		logger = slog.Default()
	}
	return &Registry{
		tools:  make(map[string]*Tool),
		logger: logger.With("component", "tools"),
	}
}

// Register compiles the tool's parameter schema and adds it, replacing
// any tool of the same name.
func (r *Registry) Register(t *Tool) error {
	if t.Name == "" || t.Handler == nil {
		return errors.New("tool needs a name and a handler")
	}
	params := t.Parameters
	if params == nil {
		params = map[string]any{"type": "object", "properties": map[string]any{}}
		t.Parameters = params
	}
	raw, err := json.Marshal(params)
	if err != nil {
		return fmt.Errorf("tool %s: marshal schema: %w", t.Name, err)
	}
	url := "hearth://skills/" + t.Name + ".json"
	c := jsonschema.NewCompiler()
	if err := c.AddResource(url, bytes.NewReader(raw)); err != nil {
		return fmt.Errorf("tool %s: load schema: %w", t.Name, err)
	}
	if t.schema, err = c.Compile(url); err != nil {
		return fmt.Errorf("tool %s: compile schema: %w", t.Name, err)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	r.tools[t.Name] = t
	return nil
}

// Get retrieves a tool by name.
func (r *Registry) Get(name string) (*Tool, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	t, ok := r.tools[name]
	return t, ok
}

// Names returns the registered tool names, sorted.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.tools))
	for name := range r.tools {
		names = append(names, name)
	}
	slices.Sort(names)
	return names
}

// Definitions returns the tool definitions offered to the model, sorted
// by name so prompts are stable across calls.
func (r *Registry) Definitions() []llm.ToolDefinition {
	names := r.Names()
	r.mu.RLock()
	defer r.mu.RUnlock()
	defs := make([]llm.ToolDefinition, 0, len(names))
	for _, name := range names {
		t := r.tools[name]
		defs = append(defs, llm.ToolDefinition{Name: t.Name, Description: t.Description, InputSchema: t.Parameters})
	}
	return defs
}

// Execute validates args against the tool's schema and runs it. The
// returned error, when non-nil, is always a [*SkillError]; a panicking
// handler is reported as ExecutionFailed rather than crashing the turn.
func (r *Registry) Execute(ctx context.Context, name string, args json.RawMessage) (result json.RawMessage, err error) {
	t, ok := r.Get(name)
	if !ok {
		return nil, &SkillError{Kind: InvalidInput, Skill: name, Message: "unknown skill"}
	}

	if len(bytes.TrimSpace(args)) == 0 {
		args = json.RawMessage("{}")
	}
	var decoded any
	if err := json.Unmarshal(args, &decoded); err != nil {
		return nil, &SkillError{Kind: InvalidInput, Skill: name, Message: "arguments are not valid JSON: " + err.Error()}
	}
	if err := t.schema.Validate(decoded); err != nil {
		return nil, &SkillError{Kind: InvalidInput, Skill: name, Message: schemaMessage(err)}
	}
	argMap, _ := decoded.(map[string]any)

	start := time.Now()
	log := r.logger.With("skill", name)
	log.Info("executing skill", "permission", t.Permission)

	defer func() {
		if p := recover(); p != nil {
			log.Error("skill panicked", "panic", p)
			result, err = nil, &SkillError{Kind: ExecutionFailed, Skill: name, Message: fmt.Sprintf("internal error: %v", p)}
		}
	}()

	out, herr := t.Handler(ctx, argMap)
	if herr != nil {
		serr := asSkillError(name, herr)
		log.Info("skill failed", "kind", serr.Kind, "error", serr.Message, "duration", time.Since(start))
		return nil, serr
	}

	raw, merr := json.Marshal(out)
	if merr != nil {
		return nil, &SkillError{Kind: ExecutionFailed, Skill: name, Message: "encode result: " + merr.Error()}
	}
	log.Info("skill finished", "duration", time.Since(start), "result_bytes", len(raw))
	return raw, nil
}

// schemaMessage flattens a validation error to its leaf causes, which
// read better to a model than the nested default rendering.
func schemaMessage(err error) string {
	var ve *jsonschema.ValidationError
	if !errors.As(err, &ve) {
		return err.Error()
	}
	var leaves []string
	var walk func(e *jsonschema.ValidationError)
	walk = func(e *jsonschema.ValidationError) {
		if len(e.Causes) == 0 {
			loc := e.InstanceLocation
			if loc == "" {
				loc = "/"
			}
			leaves = append(leaves, loc+": "+e.Message)
			return
		}
		for _, c := range e.Causes {
			walk(c)
		}
	}
	walk(ve)
	if len(leaves) == 1 {
		return "invalid arguments: " + leaves[0]
	}
	return fmt.Sprintf("invalid arguments: %v", leaves)
}
