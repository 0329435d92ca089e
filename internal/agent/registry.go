package agent

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v5"

	"github.com/haasonsaas/shopagent/internal/protocol"
	"github.com/haasonsaas/shopagent/pkg/models"
)

// ToolCaller executes tools on the remote server. Satisfied by
// protocol.SessionClient; tests substitute fakes.
type ToolCaller interface {
	ListTools(ctx context.Context, state *models.ProtocolState) ([]protocol.Tool, error)
	CallTool(ctx context.Context, state *models.ProtocolState, name string, args json.RawMessage) (*protocol.ToolCallResult, error)
}

type registeredTool struct {
	def    ToolDefinition
	schema *jsonschema.Schema // nil when the advertised schema did not compile
}

// Registry is the closed catalog of remote tools: an explicit map from tool
// name to definition plus compiled argument schema, built from tools/list on
// first use and refreshed on demand.
type Registry struct {
	caller ToolCaller
	logger *slog.Logger

	mu    sync.RWMutex
	tools map[string]*registeredTool
	order []string
	ready bool
}

// NewRegistry creates an empty registry backed by the given caller.
func NewRegistry(caller ToolCaller, logger *slog.Logger) *Registry {
	if logger == nil {
		logger = slog.Default()
	}
	return &Registry{
		caller: caller,
		logger: logger.With("component", "tool_registry"),
		tools:  make(map[string]*registeredTool),
	}
}

// Refresh replaces the catalog with the server's current tool list. A tool
// whose input schema fails to compile is kept but skips argument validation.
func (r *Registry) Refresh(ctx context.Context, state *models.ProtocolState) error {
	remote, err := r.caller.ListTools(ctx, state)
	if err != nil {
		return fmt.Errorf("list tools: %w", err)
	}

	tools := make(map[string]*registeredTool, len(remote))
	order := make([]string, 0, len(remote))
	for _, t := range remote {
		rt := &registeredTool{def: ToolDefinition{
			Name:        t.Name,
			Description: t.Description,
			InputSchema: t.InputSchema,
		}}
		if len(t.InputSchema) > 0 {
			schema, err := jsonschema.CompileString(t.Name+".schema.json", string(t.InputSchema))
			if err != nil {
				r.logger.Warn("tool schema does not compile, skipping validation",
					"tool", t.Name, "error", err)
			} else {
				rt.schema = schema
			}
		}
		tools[t.Name] = rt
		order = append(order, t.Name)
	}

	r.mu.Lock()
	r.tools = tools
	r.order = order
	r.ready = true
	r.mu.Unlock()

	r.logger.Info("tool catalog refreshed", "tools", len(order))
	return nil
}

// Ready reports whether the catalog has been loaded at least once.
func (r *Registry) Ready() bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.ready
}

// Definitions returns the catalog in server order.
func (r *Registry) Definitions() []ToolDefinition {
	r.mu.RLock()
	defer r.mu.RUnlock()
	defs := make([]ToolDefinition, 0, len(r.order))
	for _, name := range r.order {
		defs = append(defs, r.tools[name].def)
	}
	return defs
}

// Has reports whether the catalog contains the named tool.
func (r *Registry) Has(name string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.tools[name]
	return ok
}

// Validate checks model-emitted arguments against the tool's input schema.
func (r *Registry) Validate(name string, args json.RawMessage) error {
	r.mu.RLock()
	rt, ok := r.tools[name]
	r.mu.RUnlock()
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownTool, name)
	}
	if rt.schema == nil {
		return nil
	}

	var value any
	if len(args) == 0 {
		value = map[string]any{}
	} else if err := json.Unmarshal(args, &value); err != nil {
		return &ToolArgsError{Tool: name, Err: err}
	}
	if err := rt.schema.Validate(value); err != nil {
		return &ToolArgsError{Tool: name, Err: err}
	}
	return nil
}

// Call executes the named tool on the remote server.
func (r *Registry) Call(ctx context.Context, state *models.ProtocolState, name string, args json.RawMessage) (*protocol.ToolCallResult, error) {
	if !r.Has(name) {
		return nil, fmt.Errorf("%w: %s", ErrUnknownTool, name)
	}
	return r.caller.CallTool(ctx, state, name, args)
}
