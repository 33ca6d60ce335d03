package mcp

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"reflect"
	"sync"
	"testing"

	"github.com/nugget/mcp-agent/internal/tools"
)

func TestToolName(t *testing.T) {
	tests := []struct {
		server string
		tool   string
		want   string
	}{
		{"postgres-db", "run_query", "mcp_postgres_db_run_query"},
		{"github", "create_issue", "mcp_github_create_issue"},
		{"My Server", "Do Thing", "mcp_my_server_do_thing"},
		{"test", "UPPERCASE", "mcp_test_uppercase"},
		{"a--b", "c--d", "mcp_a_b_c_d"},
		{"special!@#", "chars$%^", "mcp_special_chars"},
	}

	for _, tt := range tests {
		t.Run(tt.server+"/"+tt.tool, func(t *testing.T) {
			got := ToolName(tt.server, tt.tool)
			if got != tt.want {
				t.Errorf("ToolName(%q, %q) = %q, want %q", tt.server, tt.tool, got, tt.want)
			}
		})
	}
}

func TestNormalizeName(t *testing.T) {
	tests := []struct {
		input string
		want  string
	}{
		{"hello", "hello"},
		{"Hello-World", "hello_world"},
		{"a--b", "a_b"},
		{"_leading_", "leading"},
		{"special!chars", "special_chars"},
		{"", ""},
	}

	for _, tt := range tests {
		t.Run(tt.input, func(t *testing.T) {
			got := normalizeName(tt.input)
			if got != tt.want {
				t.Errorf("normalizeName(%q) = %q, want %q", tt.input, got, tt.want)
			}
		})
	}
}

func calculatorTransport() *mockTransport {
	mt := newMockTransport()
	mt.addResponse("initialize", initializeResult{
		ProtocolVersion: "2024-11-05",
		ServerInfo:      serverInfo{Name: "calculator", Version: "0.1.0"},
	})
	mt.addResponse("tools/list", toolsListResult{
		Tools: []ToolDefinition{
			{
				Name:        "add",
				Description: "Add two numbers",
				InputSchema: map[string]any{
					"type": "object",
					"properties": map[string]any{
						"a": map[string]any{"type": "number"},
						"b": map[string]any{"type": "number"},
					},
				},
			},
			{Name: "multiply", Description: "Multiply two numbers", InputSchema: map[string]any{"type": "object"}},
			{Name: "divide", Description: "Divide two numbers", InputSchema: map[string]any{"type": "object"}},
		},
	})
	mt.addResponse("tools/call", CallResult{
		Content: []ContentBlock{{Type: "text", Text: "4"}},
	})
	return mt
}

func TestBridgeTools_AllTools(t *testing.T) {
	client := NewClient("calc", calculatorTransport(), nil)
	registry := tools.NewRegistry()

	count, err := BridgeTools(context.Background(), client, "calc", registry, ServerConfig{}, slog.Default())
	if err != nil {
		t.Fatalf("BridgeTools: %v", err)
	}
	if count != 3 {
		t.Errorf("count = %d, want 3", count)
	}

	want := []string{"add", "divide", "multiply"}
	if got := registry.AllToolNames(); !reflect.DeepEqual(got, want) {
		t.Errorf("AllToolNames() = %v, want %v", got, want)
	}

	tool := registry.Get("add")
	if tool.Server != "calc" {
		t.Errorf("Server = %q, want calc", tool.Server)
	}
	props, ok := tool.Parameters["properties"].(map[string]any)
	if !ok {
		t.Fatal("Parameters missing 'properties'")
	}
	if _, ok := props["a"]; !ok {
		t.Error("missing 'a' in parameters properties")
	}
}

func TestBridgeTools_Prefix(t *testing.T) {
	client := NewClient("calc", calculatorTransport(), nil)
	registry := tools.NewRegistry()

	_, err := BridgeTools(context.Background(), client, "Home-Calc", registry, ServerConfig{Prefix: true}, nil)
	if err != nil {
		t.Fatalf("BridgeTools: %v", err)
	}
	if registry.Get("mcp_home_calc_add") == nil {
		t.Error("expected mcp_home_calc_add in registry")
	}
	if registry.Get("add") != nil {
		t.Error("unprefixed name should not be registered")
	}
}

func TestBridgeTools_Filters(t *testing.T) {
	tests := []struct {
		name string
		cfg  ServerConfig
		want []string
	}{
		{
			name: "include",
			cfg:  ServerConfig{Include: []string{"add", "divide"}},
			want: []string{"add", "divide"},
		},
		{
			name: "exclude",
			cfg:  ServerConfig{Exclude: []string{"divide"}},
			want: []string{"add", "multiply"},
		},
		{
			name: "include takes precedence",
			cfg:  ServerConfig{Include: []string{"add"}, Exclude: []string{"add"}},
			want: []string{"add"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			client := NewClient("calc", calculatorTransport(), nil)
			registry := tools.NewRegistry()

			count, err := BridgeTools(context.Background(), client, "calc", registry, tt.cfg, nil)
			if err != nil {
				t.Fatalf("BridgeTools: %v", err)
			}
			if count != len(tt.want) {
				t.Errorf("count = %d, want %d", count, len(tt.want))
			}
			if got := registry.AllToolNames(); !reflect.DeepEqual(got, tt.want) {
				t.Errorf("AllToolNames() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestBridgeTools_HandlerProxiesCallTool(t *testing.T) {
	mt := calculatorTransport()
	client := NewClient("calc", mt, nil)
	registry := tools.NewRegistry()

	if _, err := BridgeTools(context.Background(), client, "calc", registry, ServerConfig{Prefix: true}, nil); err != nil {
		t.Fatalf("BridgeTools: %v", err)
	}

	result, err := registry.Execute(context.Background(), "mcp_calc_add", map[string]any{"a": 2, "b": 2})
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	res, ok := result.(*CallResult)
	if !ok {
		t.Fatalf("result type = %T, want *CallResult", result)
	}
	if got := res.Export(); got != "4" {
		t.Errorf("Export() = %#v, want %q", got, "4")
	}

	// The tools/call request must use the server's own tool name.
	mt.mu.Lock()
	defer mt.mu.Unlock()
	found := false
	for _, req := range mt.sent {
		if req.Method != "tools/call" {
			continue
		}
		paramsJSON, _ := json.Marshal(req.Params)
		var params map[string]any
		_ = json.Unmarshal(paramsJSON, &params)
		if params["name"] == "add" {
			found = true
		}
	}
	if !found {
		t.Error("tools/call request should use original MCP name 'add', not namespaced name")
	}
}

func TestBridgeTools_ListError(t *testing.T) {
	client := NewClient("broken", newMockTransport(), nil)
	_, err := BridgeTools(context.Background(), client, "broken", tools.NewRegistry(), ServerConfig{}, nil)
	if err == nil {
		t.Fatal("expected error from tools/list")
	}
}

// fakeServers hands out mock transports by server name and counts how
// often each was created.
type fakeServers struct {
	mu         sync.Mutex
	transports map[string]func() *mockTransport
	created    map[string]int
	last       map[string]*mockTransport
}

func newFakeServers() *fakeServers {
	return &fakeServers{
		transports: make(map[string]func() *mockTransport),
		created:    make(map[string]int),
		last:       make(map[string]*mockTransport),
	}
}

func (f *fakeServers) factory(name string, _ ServerConfig, _ *slog.Logger) (Transport, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	mk, ok := f.transports[name]
	if !ok {
		return nil, errors.New("no such server")
	}
	f.created[name]++
	mt := mk()
	f.last[name] = mt
	return mt, nil
}

func (f *fakeServers) count(name string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.created[name]
}

func (f *fakeServers) transport(name string) *mockTransport {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.last[name]
}

func TestBridge_Open(t *testing.T) {
	fs := newFakeServers()
	fs.transports["calc"] = calculatorTransport

	b := NewBridge(BridgeConfig{
		Servers:      map[string]ServerConfig{"calc": {Command: "calc-server"}},
		NewTransport: fs.factory,
	})

	ts, err := b.Open(context.Background())
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	if ts.Registry.Len() != 3 {
		t.Errorf("Registry.Len() = %d, want 3", ts.Registry.Len())
	}
	if len(ts.Failed) != 0 {
		t.Errorf("Failed = %v, want none", ts.Failed)
	}

	if err := ts.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if !fs.transport("calc").closed {
		t.Error("transport was not closed")
	}
}

func TestBridge_OpenNoServers(t *testing.T) {
	b := NewBridge(BridgeConfig{})

	ts, err := b.Open(context.Background())
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	if ts.Registry.Len() != 0 {
		t.Errorf("Registry.Len() = %d, want 0", ts.Registry.Len())
	}
}

func TestBridge_OpenSkipsFailedServer(t *testing.T) {
	fs := newFakeServers()
	fs.transports["calc"] = calculatorTransport
	fs.transports["down"] = newMockTransport // answers nothing

	b := NewBridge(BridgeConfig{
		Servers: map[string]ServerConfig{
			"calc": {Command: "calc-server"},
			"down": {URL: "http://127.0.0.1:1/mcp"},
		},
		NewTransport: fs.factory,
	})

	ts, err := b.Open(context.Background())
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer ts.Close()

	if ts.Registry.Len() != 3 {
		t.Errorf("Registry.Len() = %d, want 3", ts.Registry.Len())
	}
	if _, ok := ts.Failed["down"]; !ok {
		t.Errorf("Failed = %v, want entry for down", ts.Failed)
	}
	if !fs.transport("down").closed {
		t.Error("failed server transport was not closed")
	}
}

func TestBridge_OpenAllFail(t *testing.T) {
	fs := newFakeServers()
	fs.transports["down"] = newMockTransport

	b := NewBridge(BridgeConfig{
		Servers: map[string]ServerConfig{
			"down":    {Command: "down-server"},
			"missing": {Command: "missing-server"},
		},
		NewTransport: fs.factory,
	})

	_, err := b.Open(context.Background())
	if !errors.Is(err, ErrNoServers) {
		t.Fatalf("Open error = %v, want ErrNoServers", err)
	}
}

func TestBridge_DuplicateToolFirstServerWins(t *testing.T) {
	fs := newFakeServers()
	fs.transports["alpha"] = calculatorTransport
	fs.transports["beta"] = calculatorTransport

	b := NewBridge(BridgeConfig{
		Servers: map[string]ServerConfig{
			"beta":  {Command: "b"},
			"alpha": {Command: "a"},
		},
		NewTransport: fs.factory,
	})

	ts, err := b.Open(context.Background())
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer ts.Close()

	if ts.Registry.Len() != 3 {
		t.Errorf("Registry.Len() = %d, want 3", ts.Registry.Len())
	}
	if got := ts.Registry.Get("add").Server; got != "alpha" {
		t.Errorf("add served by %q, want alpha", got)
	}
}

func TestBridge_Persistent(t *testing.T) {
	fs := newFakeServers()
	fs.transports["calc"] = calculatorTransport

	b := NewBridge(BridgeConfig{
		Servers:      map[string]ServerConfig{"calc": {Command: "calc-server"}},
		Persistent:   true,
		NewTransport: fs.factory,
	})

	reg1, release1, err := b.OpenTools(context.Background())
	if err != nil {
		t.Fatalf("OpenTools: %v", err)
	}
	release1()

	reg2, release2, err := b.OpenTools(context.Background())
	if err != nil {
		t.Fatalf("OpenTools: %v", err)
	}
	release2()

	if reg1 != reg2 {
		t.Error("persistent bridge should reuse the pooled registry")
	}
	if n := fs.count("calc"); n != 1 {
		t.Errorf("transports created = %d, want 1", n)
	}
	if fs.transport("calc").closed {
		t.Error("pooled transport closed by release")
	}

	if err := b.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if !fs.transport("calc").closed {
		t.Error("Bridge.Close did not close pooled transport")
	}
}

func TestBridge_PersistentInvalidatedOnTransportFailure(t *testing.T) {
	fs := newFakeServers()
	fs.transports["calc"] = func() *mockTransport {
		mt := calculatorTransport()
		delete(mt.responses, "tools/call") // Send fails like a dead pipe
		return mt
	}

	b := NewBridge(BridgeConfig{
		Servers:      map[string]ServerConfig{"calc": {Command: "calc-server"}},
		Persistent:   true,
		NewTransport: fs.factory,
	})
	defer b.Close()

	reg, release, err := b.OpenTools(context.Background())
	if err != nil {
		t.Fatalf("OpenTools: %v", err)
	}
	first := fs.transport("calc")
	if _, err := reg.Execute(context.Background(), "add", nil); err == nil {
		t.Fatal("expected call failure")
	}
	release()

	if !first.closed {
		t.Error("invalidated toolset should close on release")
	}

	_, release, err = b.OpenTools(context.Background())
	if err != nil {
		t.Fatalf("OpenTools: %v", err)
	}
	release()
	if n := fs.count("calc"); n != 2 {
		t.Errorf("transports created = %d, want 2 after invalidation", n)
	}
}

func TestBridge_InvalidatedPoolOutlivesOtherHolders(t *testing.T) {
	fs := newFakeServers()
	fs.transports["calc"] = func() *mockTransport {
		mt := calculatorTransport()
		mt.failCalls = 1
		return mt
	}

	b := NewBridge(BridgeConfig{
		Servers:      map[string]ServerConfig{"calc": {Command: "calc-server"}},
		Persistent:   true,
		NewTransport: fs.factory,
	})
	defer b.Close()

	ctx := context.Background()
	failing, releaseFailing, err := b.OpenTools(ctx)
	if err != nil {
		t.Fatalf("OpenTools: %v", err)
	}
	other, releaseOther, err := b.OpenTools(ctx)
	if err != nil {
		t.Fatalf("OpenTools: %v", err)
	}
	shared := fs.transport("calc")

	if _, err := failing.Execute(ctx, "add", nil); err == nil {
		t.Fatal("expected call failure")
	}
	releaseFailing()
	releaseFailing() // a second release must not drop the other hold

	if shared.isClosed() {
		t.Fatal("invalidated toolset closed while another step holds it")
	}
	out, err := other.Execute(ctx, "add", map[string]any{"a": 2, "b": 2})
	if err != nil {
		t.Fatalf("Execute on remaining holder: %v", err)
	}
	if got := out.(*CallResult).Export(); got != "4" {
		t.Errorf("add(2,2) = %#v, want %q", got, "4")
	}

	releaseOther()
	if !shared.isClosed() {
		t.Error("invalidated toolset not closed after the last release")
	}

	_, release, err := b.OpenTools(ctx)
	if err != nil {
		t.Fatalf("OpenTools: %v", err)
	}
	release()
	if n := fs.count("calc"); n != 2 {
		t.Errorf("transports created = %d, want 2 after invalidation", n)
	}
}

func TestBridge_CloseWaitsForHolders(t *testing.T) {
	fs := newFakeServers()
	fs.transports["calc"] = calculatorTransport

	b := NewBridge(BridgeConfig{
		Servers:      map[string]ServerConfig{"calc": {Command: "calc-server"}},
		Persistent:   true,
		NewTransport: fs.factory,
	})

	reg, release, err := b.OpenTools(context.Background())
	if err != nil {
		t.Fatalf("OpenTools: %v", err)
	}
	if err := b.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if fs.transport("calc").isClosed() {
		t.Fatal("Bridge.Close closed connections still in use")
	}
	if _, err := reg.Execute(context.Background(), "add", nil); err != nil {
		t.Fatalf("Execute after Bridge.Close: %v", err)
	}

	release()
	if !fs.transport("calc").isClosed() {
		t.Error("pooled connections not closed after the last release")
	}
}

func TestBridge_ToolErrorKeepsPool(t *testing.T) {
	fs := newFakeServers()
	fs.transports["calc"] = func() *mockTransport {
		mt := calculatorTransport()
		mt.addResponse("tools/call", CallResult{
			Content: []ContentBlock{{Type: "text", Text: "division by zero"}},
			IsError: true,
		})
		return mt
	}

	b := NewBridge(BridgeConfig{
		Servers:      map[string]ServerConfig{"calc": {Command: "calc-server"}},
		Persistent:   true,
		NewTransport: fs.factory,
	})
	defer b.Close()

	reg, release, err := b.OpenTools(context.Background())
	if err != nil {
		t.Fatalf("OpenTools: %v", err)
	}
	_, err = reg.Execute(context.Background(), "divide", map[string]any{"a": 1, "b": 0})
	var toolErr *ToolError
	if !errors.As(err, &toolErr) {
		t.Fatalf("error = %v, want *ToolError", err)
	}
	release()

	_, release, err = b.OpenTools(context.Background())
	if err != nil {
		t.Fatalf("OpenTools: %v", err)
	}
	release()
	if n := fs.count("calc"); n != 1 {
		t.Errorf("transports created = %d, want 1", n)
	}
}

func TestBridge_ServerNames(t *testing.T) {
	b := NewBridge(BridgeConfig{Servers: map[string]ServerConfig{
		"zeta":  {Command: "z"},
		"alpha": {Command: "a"},
	}})
	want := []string{"alpha", "zeta"}
	if got := b.ServerNames(); !reflect.DeepEqual(got, want) {
		t.Errorf("ServerNames() = %v, want %v", got, want)
	}
}
