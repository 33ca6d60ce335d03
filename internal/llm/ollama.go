package llm

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strings"

	"github.com/nugget/mcp-agent/internal/httpkit"
)

const defaultOllamaURL = "http://localhost:11434"

// OllamaClient is a client for the Ollama API.
type OllamaClient struct {
	baseURL    string
	httpClient *http.Client
	logger     *slog.Logger
}

// NewOllamaClient creates a new Ollama client.
func NewOllamaClient(baseURL string, logger *slog.Logger) *OllamaClient {
	if logger == nil {
		logger = slog.Default()
	}
	if baseURL == "" {
		baseURL = defaultOllamaURL
	}
	return &OllamaClient{
		baseURL: strings.TrimRight(baseURL, "/"),
		logger:  logger.With("provider", "ollama"),
		// Large local models with tools need time, and a local daemon
		// that is still starting refuses connections briefly.
		httpClient: httpkit.NewClient(
			httpkit.WithTimeout(httpkit.DefaultTimeout),
			httpkit.WithLogger(logger),
			httpkit.WithRetry(httpkit.DefaultRetryCount, httpkit.DefaultRetryDelay),
		),
	}
}

// Ollama request/response types

type ollamaRequest struct {
	Model    string           `json:"model"`
	Messages []ollamaMessage  `json:"messages"`
	Stream   bool             `json:"stream"`
	Tools    []map[string]any `json:"tools,omitempty"`
	Options  *ollamaOptions   `json:"options,omitempty"`
}

type ollamaOptions struct {
	Temperature *float64 `json:"temperature,omitempty"`
	NumPredict  int      `json:"num_predict,omitempty"`
}

type ollamaMessage struct {
	Role      string           `json:"role"`
	Content   string           `json:"content"`
	ToolCalls []ollamaToolCall `json:"tool_calls,omitempty"`
	ToolName  string           `json:"tool_name,omitempty"`
}

type ollamaToolCall struct {
	Function FunctionCall `json:"function"` // Ollama returns object arguments, not a string
}

type ollamaResponse struct {
	Model           string        `json:"model"`
	Message         ollamaMessage `json:"message"`
	Done            bool          `json:"done"`
	DoneReason      string        `json:"done_reason,omitempty"`
	PromptEvalCount int           `json:"prompt_eval_count,omitempty"`
	EvalCount       int           `json:"eval_count,omitempty"`
}

// Chat sends a non-streaming chat request to /api/chat.
func (c *OllamaClient) Chat(ctx context.Context, req *Request) (*ChatResponse, error) {
	body := ollamaRequest{
		Model:    req.Model,
		Messages: convertToOllama(req.System, req.Messages),
		Tools:    req.Tools,
	}
	if req.Temperature != nil || req.MaxTokens > 0 {
		body.Options = &ollamaOptions{Temperature: req.Temperature, NumPredict: req.MaxTokens}
	}

	c.logger.Debug("preparing request",
		"model", req.Model,
		"messages", len(body.Messages),
		"tools", len(body.Tools),
	)

	raw, err := postJSON(ctx, c.httpClient, c.logger, c.baseURL+"/api/chat", nil, body)
	if err != nil {
		return nil, fmt.Errorf("ollama: %w", err)
	}

	var resp ollamaResponse
	if err := json.Unmarshal(raw, &resp); err != nil {
		return nil, fmt.Errorf("ollama: decode response: %w", err)
	}

	result := &ChatResponse{
		Model:        resp.Model,
		Message:      Message{Role: RoleAssistant, Content: resp.Message.Content},
		StopReason:   resp.DoneReason,
		InputTokens:  resp.PromptEvalCount,
		OutputTokens: resp.EvalCount,
	}
	for _, tc := range resp.Message.ToolCalls {
		args := tc.Function.Arguments
		if args == nil {
			args = map[string]any{}
		}
		result.Message.ToolCalls = append(result.Message.ToolCalls, ToolCall{
			Function: FunctionCall{Name: tc.Function.Name, Arguments: args},
		})
	}

	// Many local models write tool calls into the content instead of the
	// native tool_calls field.
	if len(result.Message.ToolCalls) == 0 && result.Message.Content != "" {
		if parsed := parseTextToolCalls(result.Message.Content, extractToolNames(req.Tools)); len(parsed) > 0 {
			c.logger.Debug("parsed tool calls from content", "count", len(parsed))
			result.Message.ToolCalls = parsed
			result.Message.Content = "" // Clear content since it was a tool call
		}
	}

	c.logger.Debug("response received",
		"model", result.Model,
		"input_tokens", result.InputTokens,
		"output_tokens", result.OutputTokens,
		"tool_calls", len(result.Message.ToolCalls),
	)
	return result, nil
}

// Ping checks if Ollama is reachable.
func (c *OllamaClient) Ping(ctx context.Context) error {
	return getOK(ctx, c.httpClient, c.baseURL+"/api/tags", nil)
}

// ListModels returns available models.
func (c *OllamaClient) ListModels(ctx context.Context) ([]string, error) {
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/api/tags", nil)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("request failed: %w", err)
	}
	defer httpkit.DrainAndClose(resp.Body, 1<<20)

	if err := httpkit.CheckStatus(resp); err != nil {
		return nil, err
	}

	var result struct {
		Models []struct {
			Name string `json:"name"`
		} `json:"models"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return nil, fmt.Errorf("decode response: %w", err)
	}

	names := make([]string, len(result.Models))
	for i, m := range result.Models {
		names[i] = m.Name
	}
	return names, nil
}

// convertToOllama converts internal messages to /api/chat format.
func convertToOllama(system string, messages []Message) []ollamaMessage {
	out := make([]ollamaMessage, 0, len(messages)+1)
	if system != "" {
		out = append(out, ollamaMessage{Role: RoleSystem, Content: system})
	}
	for _, msg := range messages {
		m := ollamaMessage{Role: msg.Role, Content: msg.Content}
		for _, tc := range msg.ToolCalls {
			m.ToolCalls = append(m.ToolCalls, ollamaToolCall{Function: tc.Function})
		}
		if msg.Role == RoleTool {
			m.ToolName = msg.ToolName
		}
		out = append(out, m)
	}
	return out
}

// extractToolNames returns the function names of OpenAI-format tool
// definitions, skipping malformed entries.
func extractToolNames(tools []map[string]any) []string {
	if len(tools) == 0 {
		return nil
	}
	names := make([]string, 0, len(tools))
	for _, tool := range tools {
		fn, ok := tool["function"].(map[string]any)
		if !ok {
			continue
		}
		if name, ok := fn["name"].(string); ok && name != "" {
			names = append(names, name)
		}
	}
	return names
}

// textToolCall is the JSON shape models use when writing a tool call as text.
type textToolCall struct {
	Name      string         `json:"name"`
	Arguments map[string]any `json:"arguments"`
}

// parseTextToolCalls attempts to extract tool calls from content text.
// Many models output tool calls as JSON in the content rather than using
// the native tool_calls field. This function handles common formats:
//   - Raw JSON object: {"name": "...", "arguments": {...}}
//   - JSON array: [{"name": "...", "arguments": {...}}]
//   - Concatenated objects: {...}{...}, optionally followed by prose
//   - Tagged: <tool_call>...</tool_call>
//   - Name then object: tool_name {"arg": ...}
//
// When validTools is non-empty, calls naming other tools are dropped.
func parseTextToolCalls(content string, validTools []string) []ToolCall {
	content = strings.TrimSpace(content)
	if content == "" {
		return nil
	}

	valid := func(name string) bool {
		if name == "" {
			return false
		}
		if len(validTools) == 0 {
			return true
		}
		for _, v := range validTools {
			if v == name {
				return true
			}
		}
		return false
	}

	// Try to extract from <tool_call> tags
	if start := strings.Index(content, "<tool_call>"); start != -1 {
		rest := content[start+len("<tool_call>"):]
		if end := strings.Index(rest, "</tool_call>"); end != -1 {
			rest = rest[:end]
		}
		content = strings.TrimSpace(rest)
	}

	var calls []ToolCall
	add := func(tc textToolCall) {
		if !valid(tc.Name) {
			return
		}
		args := tc.Arguments
		if args == nil {
			args = map[string]any{}
		}
		calls = append(calls, ToolCall{Function: FunctionCall{Name: tc.Name, Arguments: args}})
	}

	switch content[0] {
	case '[':
		var list []textToolCall
		if err := json.Unmarshal([]byte(content), &list); err == nil {
			for _, tc := range list {
				add(tc)
			}
		}
		return calls

	case '{':
		// One or more objects back to back; stop at the first thing that
		// is not a tool call object.
		dec := json.NewDecoder(strings.NewReader(content))
		for {
			var tc textToolCall
			if err := dec.Decode(&tc); err != nil || tc.Name == "" {
				break
			}
			add(tc)
		}
		return calls
	}

	// tool_name {json}: only trusted when the name is a known tool.
	if len(validTools) == 0 {
		return nil
	}
	idx := strings.IndexByte(content, '{')
	if idx <= 0 {
		return nil
	}
	name := strings.TrimSpace(content[:idx])
	if strings.ContainsAny(name, " \t\n") || !valid(name) {
		return nil
	}
	var args map[string]any
	if err := json.NewDecoder(strings.NewReader(content[idx:])).Decode(&args); err != nil {
		return nil
	}
	add(textToolCall{Name: name, Arguments: args})
	return calls
}
