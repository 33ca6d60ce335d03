package mcp

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"mime"
	"net/http"
	"sync"
	"time"

	"github.com/nugget/mcp-agent/internal/httpkit"
)

// sessionHeader carries the server-assigned session for streamable HTTP.
const sessionHeader = "Mcp-Session-Id"

// HTTPConfig configures a streamable HTTP MCP transport.
type HTTPConfig struct {
	// URL is the MCP server endpoint.
	URL string

	// Headers are additional HTTP headers sent with every request
	// (e.g., Authorization).
	Headers map[string]string

	// Logger is the structured logger for transport diagnostics.
	Logger *slog.Logger
}

// HTTPTransport communicates with an MCP server over streamable HTTP.
// Each JSON-RPC request is sent as an HTTP POST; the server answers with
// either a JSON body or an event stream that eventually carries the
// response.
type HTTPTransport struct {
	url        string
	httpClient *http.Client
	logger     *slog.Logger

	mu        sync.RWMutex
	sessionID string
}

// NewHTTPTransport creates an HTTP transport for the given config.
// The underlying HTTP client is constructed via httpkit.
func NewHTTPTransport(cfg HTTPConfig) *HTTPTransport {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	// Tool calls are bounded by the caller's context, and replies may be
	// streamed, so the client itself has no overall timeout.
	client := httpkit.NewClient(
		httpkit.WithStreaming(),
		httpkit.WithHeaders(cfg.Headers),
		httpkit.WithLogger(logger),
		httpkit.WithRetry(httpkit.DefaultRetryCount, httpkit.DefaultRetryDelay),
	)

	return &HTTPTransport{
		url:        cfg.URL,
		httpClient: client,
		logger:     logger,
	}
}

// Send sends a JSON-RPC request via HTTP POST and returns the response.
func (t *HTTPTransport) Send(ctx context.Context, req *Request) (*Response, error) {
	httpResp, err := t.post(ctx, req)
	if err != nil {
		return nil, err
	}
	defer httpkit.DrainAndClose(httpResp.Body, 1<<20)

	if err := httpkit.CheckStatus(httpResp); err != nil {
		return nil, fmt.Errorf("MCP server %s: %w", t.url, err)
	}

	mediaType, _, _ := mime.ParseMediaType(httpResp.Header.Get("Content-Type"))
	if mediaType == "text/event-stream" {
		return t.readStream(ctx, httpResp.Body, req.ID)
	}

	respBody, err := io.ReadAll(io.LimitReader(httpResp.Body, 10<<20)) // 10 MiB limit
	if err != nil {
		return nil, fmt.Errorf("read response body: %w", err)
	}
	t.logger.Log(ctx, levelTrace, "MCP HTTP recv", "payload", string(respBody))

	resp, ok := parseResponse(respBody)
	if !ok {
		return nil, fmt.Errorf("unmarshal response: not a JSON-RPC response: %s", truncate(string(respBody), 200))
	}
	return resp, nil
}

// readStream consumes an event-stream reply until the response for id
// arrives. Notifications sent ahead of it are skipped.
func (t *HTTPTransport) readStream(ctx context.Context, body io.Reader, id int64) (*Response, error) {
	reader := newSSEReader(body)
	for {
		ev, err := reader.next()
		if err != nil {
			if ctxErr := ctx.Err(); ctxErr != nil {
				return nil, ctxErr
			}
			return nil, fmt.Errorf("read response stream: %w", err)
		}
		if ev.Event != "message" {
			continue
		}
		t.logger.Log(ctx, levelTrace, "MCP HTTP stream event", "data", ev.Data)

		resp, ok := parseResponse([]byte(ev.Data))
		if !ok || resp.ID != id {
			continue
		}
		return resp, nil
	}
}

// Notify sends a JSON-RPC notification via HTTP POST. No response
// content is expected, but the HTTP response status is checked.
func (t *HTTPTransport) Notify(ctx context.Context, notif *Notification) error {
	httpResp, err := t.post(ctx, notif)
	if err != nil {
		return err
	}
	defer httpkit.DrainAndClose(httpResp.Body, 1<<20)

	if err := httpkit.CheckStatus(httpResp, http.StatusOK, http.StatusAccepted, http.StatusNoContent); err != nil {
		return fmt.Errorf("MCP server %s rejected notification: %w", t.url, err)
	}
	return nil
}

func (t *HTTPTransport) post(ctx context.Context, msg any) (*http.Response, error) {
	body, err := json.Marshal(msg)
	if err != nil {
		return nil, fmt.Errorf("marshal message: %w", err)
	}
	t.logger.Log(ctx, levelTrace, "MCP HTTP send", "payload", string(body))

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, t.url, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("create HTTP request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Accept", "application/json, text/event-stream")
	t.setSession(httpReq)

	httpResp, err := t.httpClient.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("HTTP request to %s: %w", t.url, err)
	}

	if sid := httpResp.Header.Get(sessionHeader); sid != "" {
		t.mu.Lock()
		t.sessionID = sid
		t.mu.Unlock()
	}
	return httpResp, nil
}

func (t *HTTPTransport) setSession(req *http.Request) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	if t.sessionID != "" {
		req.Header.Set(sessionHeader, t.sessionID)
	}
}

// SessionID returns the session assigned by the server, if any.
func (t *HTTPTransport) SessionID() string {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.sessionID
}

// Close ends the server session with a DELETE when one was assigned.
// Servers that do not support explicit termination answer 405, which is
// ignored.
func (t *HTTPTransport) Close() error {
	t.mu.Lock()
	sid := t.sessionID
	t.sessionID = ""
	t.mu.Unlock()
	if sid == "" {
		return nil
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodDelete, t.url, nil)
	if err != nil {
		return nil
	}
	req.Header.Set(sessionHeader, sid)
	resp, err := t.httpClient.Do(req)
	if err != nil {
		t.logger.Debug("MCP session termination failed", "error", err)
		return nil
	}
	httpkit.DrainAndClose(resp.Body, 1024)
	return nil
}
