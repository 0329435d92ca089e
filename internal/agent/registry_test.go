package agent

import (
	"context"
	"encoding/json"
	"errors"
	"testing"

	"github.com/haasonsaas/shopagent/internal/protocol"
	"github.com/haasonsaas/shopagent/pkg/models"
)

func newTestRegistry(t *testing.T, tools []protocol.Tool) *Registry {
	t.Helper()
	r := NewRegistry(&fakeCaller{tools: tools}, nil)
	if err := r.Refresh(context.Background(), &models.ProtocolState{}); err != nil {
		t.Fatalf("Refresh: %v", err)
	}
	return r
}

func TestRegistry_ValidateAgainstSchema(t *testing.T) {
	r := newTestRegistry(t, testCatalog)

	if err := r.Validate("search_products", json.RawMessage(`{"query":"boots"}`)); err != nil {
		t.Errorf("valid args rejected: %v", err)
	}

	err := r.Validate("search_products", json.RawMessage(`{"limit":5}`))
	var argsErr *ToolArgsError
	if !errors.As(err, &argsErr) {
		t.Errorf("missing required field: err = %v, want ToolArgsError", err)
	}

	err = r.Validate("search_products", json.RawMessage(`not json`))
	if !errors.As(err, &argsErr) {
		t.Errorf("unparsable args: err = %v, want ToolArgsError", err)
	}
}

func TestRegistry_UnknownTool(t *testing.T) {
	r := newTestRegistry(t, testCatalog)

	if err := r.Validate("nonexistent", nil); !errors.Is(err, ErrUnknownTool) {
		t.Errorf("Validate unknown = %v", err)
	}
	if _, err := r.Call(context.Background(), &models.ProtocolState{}, "nonexistent", nil); !errors.Is(err, ErrUnknownTool) {
		t.Errorf("Call unknown = %v", err)
	}
}

func TestRegistry_BrokenSchemaSkipsValidation(t *testing.T) {
	r := newTestRegistry(t, []protocol.Tool{
		{Name: "odd_tool", InputSchema: json.RawMessage(`{"type": 17}`)},
	})

	// The tool stays callable; only validation is skipped.
	if !r.Has("odd_tool") {
		t.Fatal("tool with broken schema dropped from catalog")
	}
	if err := r.Validate("odd_tool", json.RawMessage(`{"anything":"goes"}`)); err != nil {
		t.Errorf("Validate = %v, want nil when schema did not compile", err)
	}
}

func TestRegistry_DefinitionsInServerOrder(t *testing.T) {
	r := newTestRegistry(t, testCatalog)
	defs := r.Definitions()
	if len(defs) != len(testCatalog) {
		t.Fatalf("got %d definitions", len(defs))
	}
	for i, def := range defs {
		if def.Name != testCatalog[i].Name {
			t.Errorf("definition %d = %q, want %q", i, def.Name, testCatalog[i].Name)
		}
	}
}
