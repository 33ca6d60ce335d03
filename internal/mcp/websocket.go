package mcp

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

// WebSocketConfig configures a websocket MCP transport.
type WebSocketConfig struct {
	// URL is the ws:// or wss:// endpoint.
	URL string

	// Headers are sent with the opening handshake.
	Headers map[string]string

	// Logger is the structured logger for transport diagnostics.
	Logger *slog.Logger
}

// WebSocketTransport carries one JSON-RPC message per text frame over a
// single websocket. A read loop routes responses to waiting callers by
// request ID, so concurrent calls share the connection.
type WebSocketTransport struct {
	url     string
	headers http.Header
	logger  *slog.Logger
	pending *pendingCalls

	connMu sync.Mutex // guards conn and done
	conn   *websocket.Conn
	done   chan struct{}

	writeMu sync.Mutex // gorilla allows one concurrent writer
}

// NewWebSocketTransport creates a websocket transport for the given
// config. The connection is dialed on the first Send or Notify call.
func NewWebSocketTransport(cfg WebSocketConfig) *WebSocketTransport {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	h := make(http.Header)
	for k, v := range cfg.Headers {
		h.Set(k, v)
	}
	return &WebSocketTransport{
		url:     cfg.URL,
		headers: h,
		logger:  logger,
		pending: newPendingCalls(),
	}
}

// connect dials the server unless a live connection exists.
func (t *WebSocketTransport) connect(ctx context.Context) (*websocket.Conn, error) {
	t.connMu.Lock()
	defer t.connMu.Unlock()

	if t.conn != nil {
		select {
		case <-t.done:
			t.conn = nil
		default:
			return t.conn, nil
		}
	}

	dialer := websocket.Dialer{
		HandshakeTimeout: 10 * time.Second,
		ReadBufferSize:   64 * 1024,
		WriteBufferSize:  64 * 1024,
		Subprotocols:     []string{"mcp"},
		Proxy:            http.ProxyFromEnvironment,
	}

	t.logger.Debug("dialing MCP websocket", "url", t.url)
	conn, resp, err := dialer.DialContext(ctx, t.url, t.headers)
	if err != nil {
		if resp != nil {
			return nil, fmt.Errorf("dial websocket %s: %w (HTTP %d)", t.url, err, resp.StatusCode)
		}
		return nil, fmt.Errorf("dial websocket %s: %w", t.url, err)
	}
	conn.SetReadLimit(16 << 20) // 16 MiB max message size

	t.pending.reset()
	t.conn = conn
	t.done = make(chan struct{})
	go t.readLoop(conn, t.done)
	return conn, nil
}

// readLoop delivers responses until the connection fails or closes.
func (t *WebSocketTransport) readLoop(conn *websocket.Conn, done chan struct{}) {
	defer close(done)
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsCloseError(err, websocket.CloseNormalClosure) {
				t.logger.Debug("MCP websocket closed")
			} else {
				t.logger.Debug("MCP websocket read failed", "error", err)
			}
			t.pending.failAll(fmt.Errorf("%w: %v", ErrTransportClosed, err))
			return
		}
		t.logger.Log(context.Background(), levelTrace, "MCP websocket recv", "payload", string(data))

		resp, ok := parseResponse(data)
		if !ok {
			t.logger.Debug("ignoring non-response MCP message", "data", truncate(string(data), 200))
			continue
		}
		if !t.pending.deliver(resp) {
			t.logger.Debug("dropping MCP response with no waiter", "id", resp.ID)
		}
	}
}

func (t *WebSocketTransport) write(ctx context.Context, conn *websocket.Conn, msg any) error {
	data, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("marshal message: %w", err)
	}
	t.logger.Log(ctx, levelTrace, "MCP websocket send", "payload", string(data))

	t.writeMu.Lock()
	defer t.writeMu.Unlock()
	if deadline, ok := ctx.Deadline(); ok {
		_ = conn.SetWriteDeadline(deadline)
		defer conn.SetWriteDeadline(time.Time{})
	}
	if err := conn.WriteMessage(websocket.TextMessage, data); err != nil {
		return fmt.Errorf("write websocket message: %w", err)
	}
	return nil
}

// Send writes a request frame and waits for the matching response.
func (t *WebSocketTransport) Send(ctx context.Context, req *Request) (*Response, error) {
	conn, err := t.connect(ctx)
	if err != nil {
		return nil, err
	}

	ch, err := t.pending.add(req.ID)
	if err != nil {
		return nil, err
	}
	if err := t.write(ctx, conn, req); err != nil {
		t.pending.remove(req.ID)
		return nil, err
	}
	return t.pending.await(ctx, req.ID, ch)
}

// Notify writes a notification frame.
func (t *WebSocketTransport) Notify(ctx context.Context, notif *Notification) error {
	conn, err := t.connect(ctx)
	if err != nil {
		return err
	}
	return t.write(ctx, conn, notif)
}

// Close sends a close frame and shuts the connection down.
func (t *WebSocketTransport) Close() error {
	t.connMu.Lock()
	conn, done := t.conn, t.done
	t.conn, t.done = nil, nil
	t.connMu.Unlock()

	if conn == nil {
		return nil
	}

	t.writeMu.Lock()
	_ = conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
		time.Now().Add(time.Second))
	t.writeMu.Unlock()

	err := conn.Close()
	<-done
	t.pending.failAll(ErrTransportClosed)
	return err
}
