package mcp

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/nugget/mcp-agent/internal/httpkit"
)

// sseEvent is one dispatched server-sent event.
type sseEvent struct {
	Event string
	Data  string
	ID    string
}

// sseReader parses a text/event-stream body.
type sseReader struct {
	r *bufio.Reader
}

func newSSEReader(r io.Reader) *sseReader {
	return &sseReader{r: bufio.NewReaderSize(r, 64*1024)}
}

// next returns the next event. Comment lines and retry fields are
// ignored. An event without an explicit type is a "message".
func (s *sseReader) next() (sseEvent, error) {
	var (
		ev   sseEvent
		data []string
	)
	for {
		line, err := s.r.ReadString('\n')
		if err != nil {
			// An event cut off by the end of the stream is incomplete.
			return sseEvent{}, err
		}
		line = strings.TrimRight(line, "\r\n")

		if line == "" {
			if len(data) == 0 && ev.Event == "" {
				continue
			}
			if ev.Event == "" {
				ev.Event = "message"
			}
			ev.Data = strings.Join(data, "\n")
			return ev, nil
		}
		if strings.HasPrefix(line, ":") {
			continue
		}

		field, value, _ := strings.Cut(line, ":")
		value = strings.TrimPrefix(value, " ")
		switch field {
		case "event":
			ev.Event = value
		case "data":
			data = append(data, value)
		case "id":
			ev.ID = value
		}
	}
}

// SSEConfig configures a legacy HTTP+SSE MCP transport.
type SSEConfig struct {
	// URL is the event stream endpoint (usually ending in /sse).
	URL string

	// Headers are additional HTTP headers sent with every request.
	Headers map[string]string

	// Logger is the structured logger for transport diagnostics.
	Logger *slog.Logger
}

// SSETransport speaks the HTTP+SSE flavor of MCP: the client holds a GET
// event stream open, the server announces a POST endpoint in an
// "endpoint" event, requests are POSTed there, and responses come back as
// "message" events on the stream.
type SSETransport struct {
	url        string
	httpClient *http.Client
	logger     *slog.Logger
	pending    *pendingCalls

	mu       sync.Mutex
	endpoint string
	cancel   context.CancelFunc
	done     chan struct{}
}

// NewSSETransport creates an SSE transport for the given config. The
// stream is opened on the first Send or Notify call.
func NewSSETransport(cfg SSEConfig) *SSETransport {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &SSETransport{
		url: cfg.URL,
		httpClient: httpkit.NewClient(
			httpkit.WithStreaming(),
			httpkit.WithHeaders(cfg.Headers),
			httpkit.WithLogger(logger),
			httpkit.WithRetry(httpkit.DefaultRetryCount, httpkit.DefaultRetryDelay),
		),
		logger:  logger,
		pending: newPendingCalls(),
	}
}

// connect opens the event stream and waits for the endpoint event, unless
// a live stream already exists.
func (t *SSETransport) connect(ctx context.Context) (string, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.done != nil {
		select {
		case <-t.done:
			// Stream ended; reconnect below.
			t.endpoint = ""
		default:
			return t.endpoint, nil
		}
	}

	// The stream outlives the caller's context; ctx only bounds the
	// handshake.
	streamCtx, cancel := context.WithCancel(context.Background())
	stop := context.AfterFunc(ctx, cancel)

	req, err := http.NewRequestWithContext(streamCtx, http.MethodGet, t.url, nil)
	if err != nil {
		cancel()
		return "", fmt.Errorf("create SSE request: %w", err)
	}
	req.Header.Set("Accept", "text/event-stream")
	req.Header.Set("Cache-Control", "no-cache")

	t.logger.Debug("opening MCP event stream", "url", t.url)
	resp, err := t.httpClient.Do(req)
	if err != nil {
		cancel()
		return "", fmt.Errorf("open event stream %s: %w", t.url, err)
	}
	if err := httpkit.CheckStatus(resp); err != nil {
		httpkit.DrainAndClose(resp.Body, 1<<20)
		cancel()
		return "", fmt.Errorf("open event stream %s: %w", t.url, err)
	}

	endpointCh := make(chan string, 1)
	done := make(chan struct{})
	t.pending.reset()
	go t.readLoop(resp.Body, endpointCh, done)

	var endpoint string
	select {
	case endpoint = <-endpointCh:
	case <-done:
		cancel()
		return "", fmt.Errorf("event stream closed before endpoint event: %w", t.pending.err())
	case <-ctx.Done():
		cancel()
		<-done
		return "", ctx.Err()
	}
	if !stop() {
		// ctx ended just as the endpoint arrived.
		<-done
		return "", ctx.Err()
	}

	resolved, err := resolveEndpoint(t.url, endpoint)
	if err != nil {
		cancel()
		<-done
		return "", err
	}

	t.endpoint = resolved
	t.cancel = cancel
	t.done = done
	t.logger.Debug("MCP event stream ready", "endpoint", resolved)
	return resolved, nil
}

// readLoop dispatches events until the stream ends.
func (t *SSETransport) readLoop(body io.ReadCloser, endpointCh chan<- string, done chan<- struct{}) {
	defer close(done)
	defer body.Close()

	reader := newSSEReader(body)
	for {
		ev, err := reader.next()
		if err != nil {
			t.pending.failAll(fmt.Errorf("%w: event stream: %v", ErrTransportClosed, err))
			return
		}
		t.logger.Log(context.Background(), levelTrace, "MCP SSE event",
			"event", ev.Event, "data", ev.Data)

		switch ev.Event {
		case "endpoint":
			select {
			case endpointCh <- strings.TrimSpace(ev.Data):
			default:
			}
		case "message":
			resp, ok := parseResponse([]byte(ev.Data))
			if !ok {
				t.logger.Debug("ignoring non-response MCP message", "data", truncate(ev.Data, 200))
				continue
			}
			if !t.pending.deliver(resp) {
				t.logger.Debug("dropping MCP response with no waiter", "id", resp.ID)
			}
		}
	}
}

// resolveEndpoint resolves the announced endpoint against the stream URL.
func resolveEndpoint(base, endpoint string) (string, error) {
	b, err := url.Parse(base)
	if err != nil {
		return "", fmt.Errorf("parse SSE url: %w", err)
	}
	e, err := url.Parse(endpoint)
	if err != nil {
		return "", fmt.Errorf("parse endpoint %q: %w", endpoint, err)
	}
	return b.ResolveReference(e).String(), nil
}

// Send posts a JSON-RPC request and waits for its response on the stream.
func (t *SSETransport) Send(ctx context.Context, req *Request) (*Response, error) {
	endpoint, err := t.connect(ctx)
	if err != nil {
		return nil, err
	}

	ch, err := t.pending.add(req.ID)
	if err != nil {
		return nil, err
	}
	if err := t.post(ctx, endpoint, req); err != nil {
		t.pending.remove(req.ID)
		return nil, err
	}
	return t.pending.await(ctx, req.ID, ch)
}

// Notify posts a JSON-RPC notification.
func (t *SSETransport) Notify(ctx context.Context, notif *Notification) error {
	endpoint, err := t.connect(ctx)
	if err != nil {
		return err
	}
	return t.post(ctx, endpoint, notif)
}

func (t *SSETransport) post(ctx context.Context, endpoint string, msg any) error {
	body, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("marshal message: %w", err)
	}
	t.logger.Log(ctx, levelTrace, "MCP SSE post", "payload", string(body))

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("create HTTP request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := t.httpClient.Do(httpReq)
	if err != nil {
		return fmt.Errorf("HTTP request to %s: %w", endpoint, err)
	}
	defer httpkit.DrainAndClose(resp.Body, 1<<20)

	if err := httpkit.CheckStatus(resp, http.StatusOK, http.StatusAccepted, http.StatusNoContent); err != nil {
		return fmt.Errorf("MCP server rejected message: %w", err)
	}
	return nil
}

// Close ends the event stream and fails any waiting calls.
func (t *SSETransport) Close() error {
	t.mu.Lock()
	cancel, done := t.cancel, t.done
	t.cancel, t.done, t.endpoint = nil, nil, ""
	t.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	if done != nil {
		select {
		case <-done:
		case <-time.After(5 * time.Second):
			t.logger.Warn("MCP event stream did not shut down", "url", t.url)
		}
	}
	t.pending.failAll(ErrTransportClosed)
	return nil
}
