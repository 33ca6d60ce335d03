package mcp

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"sort"
	"strings"
	"sync"
)

// levelTrace is below Debug, used for wire-level payload logging.
const levelTrace = slog.Level(-8)

// Transport is the interface for MCP server communication.
// Implementations handle the details of sending JSON-RPC requests and
// receiving responses over a specific transport.
type Transport interface {
	// Send sends a JSON-RPC request and returns the response.
	// The transport handles framing, encoding, and correlation.
	Send(ctx context.Context, req *Request) (*Response, error)

	// Notify sends a JSON-RPC notification (no response expected).
	Notify(ctx context.Context, notif *Notification) error

	// Close shuts down the transport and releases resources.
	// For stdio transports this terminates the subprocess.
	Close() error
}

// Transport names accepted in server configuration.
const (
	TransportStdio          = "stdio"
	TransportSSE            = "sse"
	TransportStreamableHTTP = "streamable_http"
	TransportWebSocket      = "websocket"
)

// ErrTransportClosed is returned for calls on a transport whose
// connection has been closed or lost.
var ErrTransportClosed = errors.New("mcp transport closed")

// NormalizeTransport maps a configured transport name, including its
// aliases, to one of the Transport* constants. An empty name is inferred
// from the other fields: a command means stdio, a URL ending in /sse means
// SSE, a ws:// or wss:// URL means websocket and any other URL means
// streamable HTTP.
func NormalizeTransport(name, command, rawURL string) (string, error) {
	switch strings.ToLower(strings.TrimSpace(name)) {
	case "stdio":
		return TransportStdio, nil
	case "sse":
		return TransportSSE, nil
	case "streamable_http", "streamable-http", "http":
		return TransportStreamableHTTP, nil
	case "websocket", "ws":
		return TransportWebSocket, nil
	case "":
	default:
		return "", fmt.Errorf("unknown transport %q", name)
	}

	if command != "" {
		return TransportStdio, nil
	}
	if rawURL == "" {
		return "", fmt.Errorf("transport not set and neither command nor url given")
	}
	u, err := url.Parse(rawURL)
	if err != nil {
		return "", fmt.Errorf("parse url: %w", err)
	}
	switch {
	case u.Scheme == "ws" || u.Scheme == "wss":
		return TransportWebSocket, nil
	case strings.HasSuffix(strings.TrimRight(u.Path, "/"), "/sse"):
		return TransportSSE, nil
	case u.Scheme == "http" || u.Scheme == "https":
		return TransportStreamableHTTP, nil
	}
	return "", fmt.Errorf("cannot infer transport from url %q", rawURL)
}

// NewTransport builds the transport described by cfg. Nothing is
// started or dialed until the first message is sent.
func NewTransport(cfg ServerConfig, logger *slog.Logger) (Transport, error) {
	kind, err := NormalizeTransport(cfg.Transport, cfg.Command, cfg.URL)
	if err != nil {
		return nil, err
	}

	switch kind {
	case TransportStdio:
		if cfg.Command == "" {
			return nil, fmt.Errorf("stdio transport requires a command")
		}
		return NewStdioTransport(StdioConfig{
			Command: cfg.Command,
			Args:    cfg.Args,
			Env:     envList(cfg.Env),
			Logger:  logger,
		}), nil
	case TransportSSE:
		return NewSSETransport(SSEConfig{
			URL:     cfg.URL,
			Headers: cfg.Headers,
			Logger:  logger,
		}), nil
	case TransportStreamableHTTP:
		return NewHTTPTransport(HTTPConfig{
			URL:     cfg.URL,
			Headers: cfg.Headers,
			Logger:  logger,
		}), nil
	case TransportWebSocket:
		return NewWebSocketTransport(WebSocketConfig{
			URL:     cfg.URL,
			Headers: cfg.Headers,
			Logger:  logger,
		}), nil
	}
	return nil, fmt.Errorf("unsupported transport %q", kind)
}

// envList flattens an environment map into sorted KEY=VALUE pairs.
func envList(env map[string]string) []string {
	if len(env) == 0 {
		return nil
	}
	out := make([]string, 0, len(env))
	for k, v := range env {
		out = append(out, k+"="+v)
	}
	sort.Strings(out)
	return out
}

// pendingCalls correlates responses arriving on a shared read loop with
// the requests waiting for them.
type pendingCalls struct {
	mu     sync.Mutex
	calls  map[int64]chan *Response
	closed error
}

func newPendingCalls() *pendingCalls {
	return &pendingCalls{calls: make(map[int64]chan *Response)}
}

// add registers a waiter for id. It fails once the read loop has ended.
func (p *pendingCalls) add(id int64) (chan *Response, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed != nil {
		return nil, p.closed
	}
	ch := make(chan *Response, 1)
	p.calls[id] = ch
	return ch, nil
}

func (p *pendingCalls) remove(id int64) {
	p.mu.Lock()
	delete(p.calls, id)
	p.mu.Unlock()
}

// deliver hands resp to its waiter and reports whether one existed.
func (p *pendingCalls) deliver(resp *Response) bool {
	p.mu.Lock()
	ch, ok := p.calls[resp.ID]
	delete(p.calls, resp.ID)
	p.mu.Unlock()
	if ok {
		ch <- resp
	}
	return ok
}

// failAll wakes every waiter and rejects future calls with err.
func (p *pendingCalls) failAll(err error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed == nil {
		p.closed = err
	}
	for id, ch := range p.calls {
		close(ch)
		delete(p.calls, id)
	}
}

// reset allows a reconnected read loop to accept new calls.
func (p *pendingCalls) reset() {
	p.mu.Lock()
	p.closed = nil
	p.mu.Unlock()
}

// err returns the error recorded by failAll.
func (p *pendingCalls) err() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed == nil {
		return ErrTransportClosed
	}
	return p.closed
}

// await blocks until the response for a registered id arrives, the read
// loop fails, or ctx ends.
func (p *pendingCalls) await(ctx context.Context, id int64, ch chan *Response) (*Response, error) {
	select {
	case resp, ok := <-ch:
		if !ok {
			return nil, p.err()
		}
		return resp, nil
	case <-ctx.Done():
		p.remove(id)
		return nil, ctx.Err()
	}
}
