package agent

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/nugget/mcp-agent/internal/llm"
	"github.com/nugget/mcp-agent/internal/tools"
	"github.com/nugget/mcp-agent/internal/usage"
)

// mockLLM returns canned responses in order and records every request.
type mockLLM struct {
	mu        sync.Mutex
	responses []*llm.ChatResponse
	errs      []error // errs[i], when non-nil, fails call i
	calls     []*llm.Request
}

func (m *mockLLM) Chat(_ context.Context, req *llm.Request) (*llm.ChatResponse, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	i := len(m.calls)
	m.calls = append(m.calls, req)
	if i < len(m.errs) && m.errs[i] != nil {
		return nil, m.errs[i]
	}
	if i >= len(m.responses) {
		return nil, fmt.Errorf("mockLLM: unexpected call %d", i)
	}
	return m.responses[i], nil
}

func (m *mockLLM) Ping(context.Context) error { return nil }

func (m *mockLLM) callCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.calls)
}

// textResponse is a final answer.
func textResponse(text string) *llm.ChatResponse {
	return &llm.ChatResponse{
		Model:        "test-model",
		Message:      llm.Message{Role: llm.RoleAssistant, Content: text},
		InputTokens:  10,
		OutputTokens: 5,
	}
}

// toolResponse requests the given calls.
func toolResponse(calls ...llm.ToolCall) *llm.ChatResponse {
	return &llm.ChatResponse{
		Model:        "test-model",
		Message:      llm.Message{Role: llm.RoleAssistant, ToolCalls: calls},
		InputTokens:  20,
		OutputTokens: 8,
	}
}

func toolCall(id, name string, args map[string]any) llm.ToolCall {
	return llm.ToolCall{ID: id, Function: llm.FunctionCall{Name: name, Arguments: args}}
}

// num reads a numeric tool argument, which arrives as json.Number after
// argument sanitization.
func num(v any) (float64, error) {
	switch n := v.(type) {
	case json.Number:
		return n.Float64()
	case float64:
		return n, nil
	case int:
		return float64(n), nil
	}
	return 0, fmt.Errorf("not a number: %v", v)
}

func binaryOp(op func(a, b float64) float64) tools.Handler {
	return func(_ context.Context, args map[string]any) (any, error) {
		a, err := num(args["a"])
		if err != nil {
			return nil, fmt.Errorf("a: %w", err)
		}
		b, err := num(args["b"])
		if err != nil {
			return nil, fmt.Errorf("b: %w", err)
		}
		return strconv.FormatFloat(op(a, b), 'f', -1, 64), nil
	}
}

// mathRegistry exposes add and multiply.
func mathRegistry() *tools.Registry {
	r := tools.NewRegistry()
	r.Register(&tools.Tool{
		Name:        "add",
		Description: "Add two numbers",
		Parameters: map[string]any{
			"type": "object",
			"properties": map[string]any{
				"a": map[string]any{"type": "number"},
				"b": map[string]any{"type": "number"},
			},
			"required": []any{"a", "b"},
		},
		Server:  "math",
		Handler: binaryOp(func(a, b float64) float64 { return a + b }),
	})
	r.Register(&tools.Tool{
		Name:    "multiply",
		Server:  "math",
		Handler: binaryOp(func(a, b float64) float64 { return a * b }),
	})
	return r
}

// countingSource wraps a registry and counts opens and releases. When
// fail is set, OpenTools fails on the listed call numbers (1-based).
type countingSource struct {
	registry *tools.Registry
	fail     map[int]error

	opens    atomic.Int32
	releases atomic.Int32
}

func (s *countingSource) OpenTools(context.Context) (*tools.Registry, func(), error) {
	n := int(s.opens.Add(1))
	if err := s.fail[n]; err != nil {
		return nil, nil, err
	}
	return s.registry, func() { s.releases.Add(1) }, nil
}

// recordingUsage collects usage records.
type recordingUsage struct {
	mu      sync.Mutex
	records []usage.Record
	err     error
}

func (r *recordingUsage) Record(_ context.Context, rec usage.Record) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.records = append(r.records, rec)
	return r.err
}

var errProviderDown = errors.New("connection refused")

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// sleepTool returns its name after d, honoring cancellation.
func sleepTool(name string, d time.Duration) *tools.Tool {
	return &tools.Tool{
		Name: name,
		Handler: func(ctx context.Context, _ map[string]any) (any, error) {
			select {
			case <-time.After(d):
				return name, nil
			case <-ctx.Done():
				return nil, ctx.Err()
			}
		},
	}
}
