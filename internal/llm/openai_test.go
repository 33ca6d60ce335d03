package llm

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
)

func TestConvertToOpenAI(t *testing.T) {
	messages := []Message{
		{Role: RoleUser, Content: "what's 2 + 2?"},
		{
			Role: RoleAssistant,
			ToolCalls: []ToolCall{{
				ID:       "call_1",
				Function: FunctionCall{Name: "add", Arguments: map[string]any{"a": 2, "b": 2}},
			}},
		},
		{Role: RoleTool, Content: "4", ToolCallID: "call_1", ToolName: "add"},
	}

	out := convertToOpenAI("Be brief.", messages)
	if len(out) != 4 {
		t.Fatalf("got %d messages, want 4", len(out))
	}
	if out[0].Role != RoleSystem || out[0].Content == nil || *out[0].Content != "Be brief." {
		t.Errorf("system message = %+v", out[0])
	}

	assistant := out[2]
	if assistant.Content != nil {
		t.Errorf("tool-call-only assistant content = %q, want null", *assistant.Content)
	}
	if len(assistant.ToolCalls) != 1 {
		t.Fatalf("tool calls = %d, want 1", len(assistant.ToolCalls))
	}
	tc := assistant.ToolCalls[0]
	if tc.Type != "function" || tc.ID != "call_1" {
		t.Errorf("tool call = %+v", tc)
	}
	var args map[string]any
	if err := json.Unmarshal([]byte(tc.Function.Arguments), &args); err != nil {
		t.Fatalf("arguments not JSON: %q", tc.Function.Arguments)
	}
	if args["a"] != float64(2) {
		t.Errorf("args = %v", args)
	}

	tool := out[3]
	if tool.ToolCallID != "call_1" || tool.Name != "add" || *tool.Content != "4" {
		t.Errorf("tool message = %+v", tool)
	}
}

func TestRepairJSON(t *testing.T) {
	tests := []struct {
		name    string
		raw     string
		want    map[string]any
		wantErr bool
	}{
		{"valid", `{"a": 1}`, map[string]any{"a": float64(1)}, false},
		{"empty", ``, map[string]any{}, false},
		{"null", `null`, map[string]any{}, false},
		{"truncated", `{"a": 1`, map[string]any{"a": float64(1)}, false},
		{"trailing text", `{"a": 1} and then some`, map[string]any{"a": float64(1)}, false},
		{"garbage", `not json`, map[string]any{}, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := repairJSON(tt.raw)
			if (err != nil) != tt.wantErr {
				t.Fatalf("err = %v, wantErr %v", err, tt.wantErr)
			}
			if got == nil {
				t.Fatal("repairJSON returned a nil map")
			}
			if len(got) != len(tt.want) {
				t.Fatalf("got %v, want %v", got, tt.want)
			}
			for k, v := range tt.want {
				if got[k] != v {
					t.Errorf("%s = %v, want %v", k, got[k], v)
				}
			}
		})
	}
}

func TestOpenAIClient_Chat(t *testing.T) {
	var got map[string]any
	var auth string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/chat/completions" {
			http.NotFound(w, r)
			return
		}
		auth = r.Header.Get("Authorization")
		json.NewDecoder(r.Body).Decode(&got)
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{
			"model": "gpt-4o-mini",
			"choices": [{
				"message": {
					"role": "assistant",
					"content": null,
					"tool_calls": [{
						"id": "call_abc",
						"type": "function",
						"function": {"name": "add", "arguments": "{\"a\":2,\"b\":2}"}
					}]
				},
				"finish_reason": "tool_calls"
			}],
			"usage": {"prompt_tokens": 40, "completion_tokens": 9}
		}`))
	}))
	defer srv.Close()

	client := NewOpenAIClient("sk-test", srv.URL, nil)
	resp, err := client.Chat(context.Background(), &Request{
		Model:    "gpt-4o-mini",
		Messages: []Message{{Role: RoleUser, Content: "what's 2 + 2?"}},
		Tools:    []map[string]any{{"type": "function", "function": map[string]any{"name": "add"}}},
	})
	if err != nil {
		t.Fatalf("Chat: %v", err)
	}

	if auth != "Bearer sk-test" {
		t.Errorf("Authorization = %q", auth)
	}
	if got["tool_choice"] != "auto" {
		t.Errorf("tool_choice = %v, want auto", got["tool_choice"])
	}
	if _, ok := got["temperature"]; ok {
		t.Error("temperature sent although unset")
	}

	if resp.StopReason != "tool_calls" || resp.InputTokens != 40 || resp.OutputTokens != 9 {
		t.Errorf("response = %+v", resp)
	}
	if len(resp.Message.ToolCalls) != 1 {
		t.Fatalf("tool calls = %d, want 1", len(resp.Message.ToolCalls))
	}
	call := resp.Message.ToolCalls[0]
	if call.ID != "call_abc" || call.Function.Name != "add" || call.Function.Arguments["b"] != float64(2) {
		t.Errorf("tool call = %+v", call)
	}
}

func TestOpenAIClient_EmptyChoices(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"model":"gpt-4o-mini","choices":[]}`))
	}))
	defer srv.Close()

	client := NewOpenAIClient("", srv.URL, nil)
	if _, err := client.Chat(context.Background(), &Request{Model: "gpt-4o-mini"}); err == nil {
		t.Fatal("expected error for empty choices")
	}
}

func TestOpenAIClient_Ping(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/models" {
			http.NotFound(w, r)
			return
		}
		w.Write([]byte(`{"data":[]}`))
	}))
	defer srv.Close()

	if err := NewOpenAIClient("k", srv.URL, nil).Ping(context.Background()); err != nil {
		t.Errorf("Ping: %v", err)
	}
	if err := NewOpenAIClient("k", srv.URL+"/nope", nil).Ping(context.Background()); err == nil {
		t.Error("Ping against 404 should fail")
	}
}
