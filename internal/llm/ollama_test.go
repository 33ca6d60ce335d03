package llm

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
)

func TestParseTextToolCalls(t *testing.T) {
	tests := []struct {
		name       string
		content    string
		validTools []string
		wantCount  int
		wantName   string // First tool name if wantCount > 0
	}{
		{
			name:      "empty content",
			content:   "",
			wantCount: 0,
		},
		{
			name:      "whitespace only",
			content:   "   \n\t  ",
			wantCount: 0,
		},
		{
			name:      "plain text no JSON",
			content:   "The sun is currently up.",
			wantCount: 0,
		},
		{
			name:      "single tool call object",
			content:   `{"name": "get_weather", "arguments": {"city": "Paris"}}`,
			wantCount: 1,
			wantName:  "get_weather",
		},
		{
			name:      "single tool call with whitespace",
			content:   `  {"name": "get_weather", "arguments": {"city": "Paris"}}  `,
			wantCount: 1,
			wantName:  "get_weather",
		},
		{
			name:      "array of tool calls",
			content:   `[{"name": "get_weather", "arguments": {"city": "Paris"}}, {"name": "list_tables", "arguments": {}}]`,
			wantCount: 2,
			wantName:  "get_weather",
		},
		{
			name:      "tagged tool call",
			content:   `<tool_call>{"name": "query_database", "arguments": {"table": "orders", "order_by": "created_at"}}</tool_call>`,
			wantCount: 1,
			wantName:  "query_database",
		},
		{
			name:      "tagged tool call without closing tag",
			content:   `<tool_call>{"name": "get_weather", "arguments": {"city": "Berlin"}}`,
			wantCount: 1,
			wantName:  "get_weather",
		},
		{
			name:      "tagged with preamble",
			content:   `Let me check that for you. <tool_call>{"name": "get_weather", "arguments": {"city": "Paris"}}</tool_call>`,
			wantCount: 1,
			wantName:  "get_weather",
		},
		{
			name:      "empty arguments",
			content:   `{"name": "list_tables", "arguments": {}}`,
			wantCount: 1,
			wantName:  "list_tables",
		},
		{
			name:      "nested arguments",
			content:   `{"name": "query_database", "arguments": {"table": "orders", "order_by": "created_at", "data": {"limit": 10}}}`,
			wantCount: 1,
			wantName:  "query_database",
		},
		{
			name:      "malformed JSON",
			content:   `{"name": "get_weather", "arguments": {`,
			wantCount: 0,
		},
		{
			name:      "JSON without name field",
			content:   `{"foo": "bar", "arguments": {}}`,
			wantCount: 0,
		},
		{
			name:      "JSON with empty name",
			content:   `{"name": "", "arguments": {}}`,
			wantCount: 0,
		},
		// Validation tests
		{
			name:       "valid tool with validation",
			content:    `{"name": "get_weather", "arguments": {"city": "Paris"}}`,
			validTools: []string{"get_weather", "query_database"},
			wantCount:  1,
			wantName:   "get_weather",
		},
		{
			name:       "invalid tool rejected by validation",
			content:    `{"name": "hack_the_planet", "arguments": {}}`,
			validTools: []string{"get_weather", "query_database"},
			wantCount:  0,
		},
		{
			name:       "mixed valid/invalid in array",
			content:    `[{"name": "get_weather", "arguments": {}}, {"name": "invalid_tool", "arguments": {}}]`,
			validTools: []string{"get_weather", "query_database"},
			wantCount:  1,
			wantName:   "get_weather",
		},
		{
			name:       "no validation (nil validTools)",
			content:    `{"name": "any_tool_name", "arguments": {}}`,
			validTools: nil,
			wantCount:  1,
			wantName:   "any_tool_name",
		},
		{
			name:       "no validation (empty validTools)",
			content:    `{"name": "any_tool_name", "arguments": {}}`,
			validTools: []string{},
			wantCount:  1,
			wantName:   "any_tool_name",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := parseTextToolCalls(tt.content, tt.validTools)

			if len(got) != tt.wantCount {
				t.Errorf("parseTextToolCalls() returned %d tools, want %d", len(got), tt.wantCount)
				return
			}

			if tt.wantCount > 0 && got[0].Function.Name != tt.wantName {
				t.Errorf("parseTextToolCalls() first tool name = %q, want %q", got[0].Function.Name, tt.wantName)
			}
		})
	}
}

func TestExtractToolNames(t *testing.T) {
	tests := []struct {
		name  string
		tools []map[string]any
		want  []string
	}{
		{
			name:  "nil tools",
			tools: nil,
			want:  nil,
		},
		{
			name:  "empty tools",
			tools: []map[string]any{},
			want:  nil,
		},
		{
			name: "single tool",
			tools: []map[string]any{
				{"function": map[string]any{"name": "get_weather", "description": "Gets the current weather"}},
			},
			want: []string{"get_weather"},
		},
		{
			name: "multiple tools",
			tools: []map[string]any{
				{"function": map[string]any{"name": "get_weather"}},
				{"function": map[string]any{"name": "query_database"}},
				{"function": map[string]any{"name": "list_tables"}},
			},
			want: []string{"get_weather", "query_database", "list_tables"},
		},
		{
			name: "malformed tool (no function)",
			tools: []map[string]any{
				{"name": "orphan_name"},
			},
			want: []string{},
		},
		{
			name: "mixed valid and malformed",
			tools: []map[string]any{
				{"function": map[string]any{"name": "valid_tool"}},
				{"broken": "entry"},
				{"function": map[string]any{"name": "another_valid"}},
			},
			want: []string{"valid_tool", "another_valid"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := extractToolNames(tt.tools)
			if len(got) != len(tt.want) {
				t.Errorf("extractToolNames() = %v, want %v", got, tt.want)
				return
			}
			for i := range got {
				if got[i] != tt.want[i] {
					t.Errorf("extractToolNames()[%d] = %q, want %q", i, got[i], tt.want[i])
				}
			}
		})
	}
}

func TestParseTextToolCalls_Arguments(t *testing.T) {
	content := `{"name": "query_database", "arguments": {"table": "orders", "order_by": "created_at", "city": "Berlin"}}`

	calls := parseTextToolCalls(content, nil)
	if len(calls) != 1 {
		t.Fatalf("expected 1 tool call, got %d", len(calls))
	}

	args := calls[0].Function.Arguments
	if args["table"] != "orders" {
		t.Errorf("table = %v, want 'orders'", args["table"])
	}
	if args["order_by"] != "created_at" {
		t.Errorf("order_by = %v, want 'created_at'", args["order_by"])
	}
	if args["city"] != "Berlin" {
		t.Errorf("city = %v, want 'Berlin'", args["city"])
	}
}

func TestParseTextToolCalls_ConcatenatedJSON(t *testing.T) {
	// Test concatenated JSON objects (qwen-style): {...}{...}{...}
	content := `{"name": "search_docs", "arguments": {"query": "ollama:llama3 routing"}}{"name": "search_docs", "arguments": {"query": "what was discussed previously"}}{"name": "read_file", "arguments": {"path": "logs/log.txt"}}`
	validTools := []string{"search_docs", "read_file", "list_files"}

	calls := parseTextToolCalls(content, validTools)
	if len(calls) != 3 {
		t.Fatalf("expected 3 tool calls, got %d", len(calls))
	}

	if calls[0].Function.Name != "search_docs" {
		t.Errorf("call[0] name = %q, want search_docs", calls[0].Function.Name)
	}
	if calls[1].Function.Name != "search_docs" {
		t.Errorf("call[1] name = %q, want search_docs", calls[1].Function.Name)
	}
	if calls[2].Function.Name != "read_file" {
		t.Errorf("call[2] name = %q, want read_file", calls[2].Function.Name)
	}
	if calls[2].Function.Arguments["path"] != "logs/log.txt" {
		t.Errorf("call[2] path = %v, want logs/log.txt", calls[2].Function.Arguments["path"])
	}
}

func TestParseTextToolCalls_ConcatenatedWithTrailingText(t *testing.T) {
	// Concatenated JSON followed by prose (as seen from qwen)
	content := `{"name": "search_docs", "arguments": {"query": "routing"}}{"name": "read_file", "arguments": {"path": "log.txt"}}Those are the relevant sections of the runbook.`
	validTools := []string{"search_docs", "read_file"}

	calls := parseTextToolCalls(content, validTools)
	if len(calls) != 2 {
		t.Fatalf("expected 2 tool calls, got %d (trailing text should be ignored)", len(calls))
	}
}

func TestParseTextToolCalls_ToolNameSpaceJSON(t *testing.T) {
	// Test "tool_name {json}" format that some models output
	tests := []struct {
		name       string
		content    string
		validTools []string
		wantTool   string
		wantArgs   map[string]any
	}{
		{
			name:       "find_file format",
			content:    `find_file {"pattern": "*.yaml", "dir": "internal"}`,
			validTools: []string{"find_file", "query_database"},
			wantTool:   "find_file",
			wantArgs:   map[string]any{"pattern": "*.yaml", "dir": "internal"},
		},
		{
			name:       "query_database format",
			content:    `query_database {"table": "orders", "order_by": "created_at"}`,
			validTools: []string{"find_file", "query_database"},
			wantTool:   "query_database",
			wantArgs:   map[string]any{"table": "orders", "order_by": "created_at"},
		},
		{
			name:       "with trailing text",
			content:    `find_file {"pattern": "config files"} I will open the first one.`,
			validTools: []string{"find_file"},
			wantTool:   "find_file",
			wantArgs:   map[string]any{"pattern": "config files"},
		},
		{
			name:       "invalid tool ignored",
			content:    `unknown_tool {"foo": "bar"}`,
			validTools: []string{"find_file"},
			wantTool:   "",
			wantArgs:   nil,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			calls := parseTextToolCalls(tt.content, tt.validTools)

			if tt.wantTool == "" {
				if len(calls) != 0 {
					t.Errorf("expected no tool calls, got %d", len(calls))
				}
				return
			}

			if len(calls) != 1 {
				t.Fatalf("expected 1 tool call, got %d", len(calls))
			}

			if calls[0].Function.Name != tt.wantTool {
				t.Errorf("tool name = %q, want %q", calls[0].Function.Name, tt.wantTool)
			}

			for k, want := range tt.wantArgs {
				got := calls[0].Function.Arguments[k]
				if got != want {
					t.Errorf("args[%q] = %v, want %v", k, got, want)
				}
			}
		})
	}
}

func TestOllamaClient_Chat(t *testing.T) {
	var got ollamaRequest
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/chat" {
			http.NotFound(w, r)
			return
		}
		json.NewDecoder(r.Body).Decode(&got)
		w.Header().Set("Content-Type", "application/json")
		// A model that writes its tool call into the content.
		w.Write([]byte(`{
			"model": "llama3.1",
			"message": {"role": "assistant", "content": "<tool_call>{\"name\": \"add\", \"arguments\": {\"a\": 2, \"b\": 2}}</tool_call>"},
			"done": true,
			"done_reason": "stop",
			"prompt_eval_count": 30,
			"eval_count": 12
		}`))
	}))
	defer srv.Close()

	temp := 0.2
	client := NewOllamaClient(srv.URL, nil)
	resp, err := client.Chat(context.Background(), &Request{
		Model:       "llama3.1",
		System:      "sys",
		Messages:    []Message{{Role: RoleUser, Content: "what's 2 + 2?"}},
		Tools:       []map[string]any{{"type": "function", "function": map[string]any{"name": "add"}}},
		Temperature: &temp,
		MaxTokens:   256,
	})
	if err != nil {
		t.Fatalf("Chat: %v", err)
	}

	if got.Stream {
		t.Error("stream should be false")
	}
	if len(got.Messages) != 2 || got.Messages[0].Role != RoleSystem {
		t.Errorf("messages = %+v", got.Messages)
	}
	if got.Options == nil || got.Options.NumPredict != 256 || *got.Options.Temperature != 0.2 {
		t.Errorf("options = %+v", got.Options)
	}

	if resp.Message.Content != "" {
		t.Errorf("content = %q, want cleared after tool call parse", resp.Message.Content)
	}
	if len(resp.Message.ToolCalls) != 1 || resp.Message.ToolCalls[0].Function.Name != "add" {
		t.Fatalf("tool calls = %+v", resp.Message.ToolCalls)
	}
	if resp.InputTokens != 30 || resp.OutputTokens != 12 {
		t.Errorf("tokens = %d/%d", resp.InputTokens, resp.OutputTokens)
	}
}

func TestOllamaClient_ListModels(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"models":[{"name":"llama3.1"},{"name":"qwen2.5:7b"}]}`))
	}))
	defer srv.Close()

	client := NewOllamaClient(srv.URL, nil)
	names, err := client.ListModels(context.Background())
	if err != nil {
		t.Fatalf("ListModels: %v", err)
	}
	if len(names) != 2 || names[1] != "qwen2.5:7b" {
		t.Errorf("names = %v", names)
	}
	if err := client.Ping(context.Background()); err != nil {
		t.Errorf("Ping: %v", err)
	}
}
