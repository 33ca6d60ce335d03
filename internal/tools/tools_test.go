package tools

import (
	"context"
	"errors"
	"testing"
)

func newTestRegistry(t *testing.T) *Registry {
	t.Helper()
	r := NewRegistry()
	for _, name := range []string{"gamma", "alpha", "beta"} {
		name := name
		err := r.Register(&Tool{
			Name:        name,
			Description: "Tool " + name,
			Server:      "test",
			Handler: func(ctx context.Context, args map[string]any) (any, error) {
				return name + "-result", nil
			},
		})
		if err != nil {
			t.Fatalf("Register(%q): %v", name, err)
		}
	}
	return r
}

func TestRegistry_AllToolNamesSorted(t *testing.T) {
	r := newTestRegistry(t)
	names := r.AllToolNames()

	want := []string{"alpha", "beta", "gamma"}
	if len(names) != len(want) {
		t.Fatalf("AllToolNames() = %v, want %v", names, want)
	}
	for i := range want {
		if names[i] != want[i] {
			t.Errorf("AllToolNames()[%d] = %q, want %q", i, names[i], want[i])
		}
	}
	if r.Len() != 3 {
		t.Errorf("Len() = %d, want 3", r.Len())
	}
}

func TestRegistry_RegisterDuplicate(t *testing.T) {
	r := newTestRegistry(t)
	err := r.Register(&Tool{
		Name:    "alpha",
		Server:  "other",
		Handler: func(context.Context, map[string]any) (any, error) { return nil, nil },
	})
	if !errors.Is(err, ErrDuplicateTool) {
		t.Fatalf("Register duplicate error = %v, want ErrDuplicateTool", err)
	}
	if got := r.Get("alpha").Server; got != "test" {
		t.Errorf("first registration should win, Server = %q", got)
	}
}

func TestRegistry_RegisterInvalid(t *testing.T) {
	r := NewRegistry()
	tests := []struct {
		name string
		tool *Tool
	}{
		{"nil", nil},
		{"no name", &Tool{Handler: func(context.Context, map[string]any) (any, error) { return nil, nil }}},
		{"no handler", &Tool{Name: "x"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if err := r.Register(tt.tool); err == nil {
				t.Error("expected error")
			}
		})
	}
}

func TestRegistry_List(t *testing.T) {
	r := NewRegistry()
	_ = r.Register(&Tool{
		Name:        "add",
		Description: "Add two numbers",
		Parameters: map[string]any{
			"type": "object",
			"properties": map[string]any{
				"a": map[string]any{"type": "number"},
				"b": map[string]any{"type": "number"},
			},
		},
		Handler: func(context.Context, map[string]any) (any, error) { return nil, nil },
	})
	_ = r.Register(&Tool{
		Name:    "noop",
		Handler: func(context.Context, map[string]any) (any, error) { return nil, nil },
	})

	list := r.List()
	if len(list) != 2 {
		t.Fatalf("List() returned %d entries, want 2", len(list))
	}
	fn, ok := list[0]["function"].(map[string]any)
	if !ok {
		t.Fatalf("function entry has type %T", list[0]["function"])
	}
	if fn["name"] != "add" {
		t.Errorf("first tool = %v, want add", fn["name"])
	}

	// A tool without a schema still advertises an object schema.
	fn = list[1]["function"].(map[string]any)
	params, ok := fn["parameters"].(map[string]any)
	if !ok || params["type"] != "object" {
		t.Errorf("noop parameters = %v, want object schema", fn["parameters"])
	}
}

func TestRegistry_Execute(t *testing.T) {
	r := newTestRegistry(t)

	got, err := r.Execute(context.Background(), "beta", nil)
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if got != "beta-result" {
		t.Errorf("Execute = %v, want beta-result", got)
	}
}

func TestRegistry_ExecuteUnknown(t *testing.T) {
	r := newTestRegistry(t)

	_, err := r.Execute(context.Background(), "delta", nil)
	var unavailable *ErrToolUnavailable
	if !errors.As(err, &unavailable) {
		t.Fatalf("Execute unknown error = %v, want *ErrToolUnavailable", err)
	}
	if unavailable.ToolName != "delta" {
		t.Errorf("ToolName = %q, want delta", unavailable.ToolName)
	}
}

func TestRegistry_ExecutePassesArgs(t *testing.T) {
	r := NewRegistry()
	var seen map[string]any
	_ = r.Register(&Tool{
		Name: "echo",
		Handler: func(_ context.Context, args map[string]any) (any, error) {
			seen = args
			return args["text"], nil
		},
	})

	got, err := r.Execute(context.Background(), "echo", map[string]any{"text": "hi"})
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if got != "hi" || seen["text"] != "hi" {
		t.Errorf("Execute = %v, args = %v", got, seen)
	}
}
