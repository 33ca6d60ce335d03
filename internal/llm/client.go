// Package llm provides LLM client implementations.
package llm

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"

	"github.com/nugget/mcp-agent/internal/httpkit"
)

// Client is the interface that all LLM providers must implement.
type Client interface {
	// Chat sends a chat completion request and returns the response.
	Chat(ctx context.Context, req *Request) (*ChatResponse, error)

	// Ping checks if the provider is reachable.
	Ping(ctx context.Context) error
}

// Request is one model invocation.
type Request struct {
	Model string

	// System is sent ahead of Messages in the provider's system slot.
	System   string
	Messages []Message

	// Tools are OpenAI function-format definitions; each provider
	// converts them to its own shape.
	Tools []map[string]any

	// Temperature is omitted from the wire request when nil.
	Temperature *float64

	// MaxTokens is omitted when zero, except for Anthropic which
	// requires it and falls back to defaultMaxTokens.
	MaxTokens int
}

// maxResponseBytes bounds provider response bodies.
const maxResponseBytes = 32 << 20

// postJSON marshals body, POSTs it to url and returns the raw 200 body.
func postJSON(ctx context.Context, client *http.Client, logger *slog.Logger, url string, headers map[string]string, body any) ([]byte, error) {
	data, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("marshal request: %w", err)
	}
	logger.Log(ctx, LevelTrace, "request payload", "json", string(data))

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	for k, v := range headers {
		httpReq.Header.Set(k, v)
	}

	resp, err := client.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("request failed: %w", err)
	}
	defer httpkit.DrainAndClose(resp.Body, 1<<20)

	if err := httpkit.CheckStatus(resp); err != nil {
		logger.Error("API error", "status", resp.StatusCode, "error", err)
		return nil, err
	}

	raw, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}
	logger.Log(ctx, LevelTrace, "response payload", "json", string(raw))
	return raw, nil
}

// getOK issues a GET and reports whether it answered 200.
func getOK(ctx context.Context, client *http.Client, url string, headers map[string]string) error {
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	for k, v := range headers {
		httpReq.Header.Set(k, v)
	}
	resp, err := client.Do(httpReq)
	if err != nil {
		return fmt.Errorf("request failed: %w", err)
	}
	defer httpkit.DrainAndClose(resp.Body, 1<<20)
	return httpkit.CheckStatus(resp)
}
