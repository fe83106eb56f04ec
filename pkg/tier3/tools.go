package tier3

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v5"
)

var (
	// ErrToolNotFound is returned for an unregistered tool name.
	ErrToolNotFound = errors.New("tier3: tool not found")
	// ErrInvalidParams is returned when params violate the tool schema.
	ErrInvalidParams = errors.New("tier3: invalid tool parameters")
)

// ToolResult is what a tool returns. CreditsUsed of zero falls back to the
// tool's declared cost.
type ToolResult struct {
	Output       map[string]any
	CreditsUsed  int64
	MemoryUsedMB int64
}

// ToolFunc implements a tool.
type ToolFunc func(ctx context.Context, params, inputs map[string]any) (ToolResult, error)

// Tool declares a callable tool. Schema is an optional JSON schema for params.
type Tool struct {
	Name        string
	Description string
	Schema      string
	Credits     int64
	Fn          ToolFunc
}

type registeredTool struct {
	Tool
	schema *jsonschema.Schema
}

// ToolRegistry resolves tool names for tool steps.
type ToolRegistry struct {
	mu    sync.RWMutex
	tools map[string]*registeredTool
}

// NewToolRegistry creates an empty registry.
func NewToolRegistry() *ToolRegistry {
	return &ToolRegistry{tools: make(map[string]*registeredTool)}
}

// Register compiles the tool schema and adds the tool.
func (r *ToolRegistry) Register(t Tool) error {
	if t.Name == "" {
		return errors.New("tier3: tool name is required")
	}
	if t.Fn == nil {
		return fmt.Errorf("tier3: tool %s has no implementation", t.Name)
	}

	rt := &registeredTool{Tool: t}
	if strings.TrimSpace(t.Schema) != "" {
		c := jsonschema.NewCompiler()
		c.Draft = jsonschema.Draft2020
		url := "mem://tools/" + t.Name + ".json"
		if err := c.AddResource(url, strings.NewReader(t.Schema)); err != nil {
			return fmt.Errorf("tier3: tool %s schema: %w", t.Name, err)
		}
		s, err := c.Compile(url)
		if err != nil {
			return fmt.Errorf("tier3: tool %s schema: %w", t.Name, err)
		}
		rt.schema = s
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	r.tools[t.Name] = rt
	return nil
}

// Names lists registered tools in sorted order.
func (r *ToolRegistry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.tools))
	for n := range r.tools {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

func (r *ToolRegistry) lookup(name string) (*registeredTool, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	t, ok := r.tools[name]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrToolNotFound, name)
	}
	return t, nil
}

// Invoke validates params and calls the tool.
func (r *ToolRegistry) Invoke(ctx context.Context, name string, params, inputs map[string]any) (ToolResult, error) {
	t, err := r.lookup(name)
	if err != nil {
		return ToolResult{}, err
	}
	if t.schema != nil {
		if err := validateParams(t.schema, params); err != nil {
			return ToolResult{}, fmt.Errorf("%w: %s: %v", ErrInvalidParams, name, err)
		}
	}

	res, err := t.Fn(ctx, params, inputs)
	if err != nil {
		// Only the spend the tool reported survives a failure.
		return ToolResult{CreditsUsed: max(res.CreditsUsed, 0)}, err
	}
	if res.CreditsUsed == 0 {
		res.CreditsUsed = t.Credits
	}
	if res.Output == nil {
		res.Output = map[string]any{}
	}
	return res, nil
}

// validateParams runs the schema over the JSON form of params.
func validateParams(schema *jsonschema.Schema, params map[string]any) error {
	if params == nil {
		params = map[string]any{}
	}
	raw, err := json.Marshal(params)
	if err != nil {
		return err
	}
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	var doc any
	if err := dec.Decode(&doc); err != nil {
		return err
	}
	return schema.Validate(doc)
}
