package mcp

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"regexp"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/nugget/mcp-agent/internal/tools"
)

// ErrNoServers is returned by [Bridge.Open] when servers are configured
// but none of them could be reached.
var ErrNoServers = errors.New("no MCP servers available")

// DefaultConnectTimeout bounds the handshake and tool discovery for one
// server.
const DefaultConnectTimeout = 30 * time.Second

// nameRe matches characters that are not lowercase alphanumeric or underscore.
var nameRe = regexp.MustCompile(`[^a-z0-9_]`)

// ServerConfig describes how to reach one MCP server and which of its
// tools to expose.
type ServerConfig struct {
	// Transport is stdio, sse, streamable_http or websocket. Empty means
	// inferred from Command or URL.
	Transport string

	// Command, Args and Env launch a stdio server.
	Command string
	Args    []string
	Env     map[string]string

	// URL and Headers reach a network server.
	URL     string
	Headers map[string]string

	// Include, when non-empty, limits the bridged tools to these names.
	// Exclude drops tools by name. Include takes precedence.
	Include []string
	Exclude []string

	// Prefix namespaces tool names as mcp_<server>_<tool>.
	Prefix bool
}

// TransportFactory builds the transport for a named server.
type TransportFactory func(name string, cfg ServerConfig, logger *slog.Logger) (Transport, error)

// BridgeConfig configures a [Bridge].
type BridgeConfig struct {
	// Servers maps server names to their configuration.
	Servers map[string]ServerConfig

	// Persistent keeps the connections of the first successful Open and
	// hands them out again on later calls instead of reconnecting for
	// every step.
	Persistent bool

	// ConnectTimeout bounds connecting to one server. Zero means
	// DefaultConnectTimeout.
	ConnectTimeout time.Duration

	// NewTransport overrides transport construction. Nil uses NewTransport.
	NewTransport TransportFactory

	Logger *slog.Logger
}

// Bridge discovers tools from the configured MCP servers and exposes
// them as a [tools.Registry]. Each Open connects to every server, so a
// server that crashed between steps is simply absent from the next one.
type Bridge struct {
	servers        map[string]ServerConfig
	persistent     bool
	connectTimeout time.Duration
	newTransport   TransportFactory
	logger         *slog.Logger

	mu     sync.Mutex
	pooled *Toolset
}

// NewBridge creates a bridge for the given configuration. No connection
// is made until Open.
func NewBridge(cfg BridgeConfig) *Bridge {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	timeout := cfg.ConnectTimeout
	if timeout <= 0 {
		timeout = DefaultConnectTimeout
	}
	factory := cfg.NewTransport
	if factory == nil {
		factory = func(name string, sc ServerConfig, l *slog.Logger) (Transport, error) {
			return NewTransport(sc, l)
		}
	}
	servers := make(map[string]ServerConfig, len(cfg.Servers))
	for name, sc := range cfg.Servers {
		servers[name] = sc
	}
	return &Bridge{
		servers:        servers,
		persistent:     cfg.Persistent,
		connectTimeout: timeout,
		newTransport:   factory,
		logger:         logger,
	}
}

// ServerNames returns the configured server names in sorted order.
func (b *Bridge) ServerNames() []string {
	names := make([]string, 0, len(b.servers))
	for name := range b.servers {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Toolset is the result of one Open: a registry of bridged tools and the
// live clients behind them.
type Toolset struct {
	// Registry holds the bridged tools.
	Registry *tools.Registry

	// Failed records the servers that could not be reached and why.
	Failed map[string]error

	clients   []*Client
	pooled    atomic.Bool
	closeOnce sync.Once

	// Holders of a pooled set. Once retired from the pool the clients
	// close when the last holder releases.
	mu      sync.Mutex
	holders int
	retired bool
}

// Close disconnects from every server in the set. For a pooled toolset
// Close releases the caller's hold instead; the clients stay open until
// the set has left the pool and every holder has released it.
func (ts *Toolset) Close() error {
	if ts.pooled.Load() {
		ts.mu.Lock()
		if ts.holders > 0 {
			ts.holders--
		}
		last := ts.retired && ts.holders == 0
		ts.mu.Unlock()
		if !last {
			return nil
		}
	}
	return ts.closeClients()
}

// hold registers another holder of a pooled toolset.
func (ts *Toolset) hold() {
	ts.mu.Lock()
	ts.holders++
	ts.mu.Unlock()
}

// retire marks a pooled toolset as dropped from the pool and closes it
// if nobody holds it.
func (ts *Toolset) retire() error {
	ts.mu.Lock()
	ts.retired = true
	idle := ts.holders == 0
	ts.mu.Unlock()
	if !idle {
		return nil
	}
	return ts.closeClients()
}

func (ts *Toolset) closeClients() error {
	var errs []error
	ts.closeOnce.Do(func() {
		for _, c := range ts.clients {
			if err := c.Close(); err != nil {
				errs = append(errs, fmt.Errorf("close %s: %w", c.Name(), err))
			}
		}
	})
	return errors.Join(errs...)
}

// connection is the outcome of connecting to one server.
type connection struct {
	client *Client
	tools  []ToolDefinition
	err    error
}

// Open connects to every configured server, performs the MCP handshake
// and discovers tools. Servers that fail are logged, recorded in
// Toolset.Failed and skipped. Open fails only when servers are
// configured and none of them could be reached.
//
// The caller must Close the returned toolset when the step is done.
func (b *Bridge) Open(ctx context.Context) (*Toolset, error) {
	if b.persistent {
		b.mu.Lock()
		if ts := b.pooled; ts != nil {
			ts.hold()
			b.mu.Unlock()
			return ts, nil
		}
		b.mu.Unlock()
	}

	names := b.ServerNames()
	ts := &Toolset{
		Registry: tools.NewRegistry(),
		Failed:   make(map[string]error),
	}
	if len(names) == 0 {
		return ts, nil
	}

	results := make([]connection, len(names))
	var g errgroup.Group
	for i, name := range names {
		g.Go(func() error {
			results[i] = b.connect(ctx, name, b.servers[name])
			return nil
		})
	}
	_ = g.Wait()

	var errs []error
	for i, name := range names {
		res := results[i]
		if res.err != nil {
			b.logger.Warn("MCP server unavailable", "server", name, "error", res.err)
			ts.Failed[name] = res.err
			errs = append(errs, fmt.Errorf("%s: %w", name, res.err))
			continue
		}
		ts.clients = append(ts.clients, res.client)
		b.register(ts, res.client, name, b.servers[name], res.tools)
	}

	if len(ts.clients) == 0 {
		return nil, fmt.Errorf("%w: %w", ErrNoServers, errors.Join(errs...))
	}

	if b.persistent {
		b.mu.Lock()
		if b.pooled != nil {
			// Another step won the race; use its connections.
			pooled := b.pooled
			pooled.hold()
			b.mu.Unlock()
			_ = ts.Close()
			return pooled, nil
		}
		ts.pooled.Store(true)
		ts.holders = 1
		b.pooled = ts
		b.mu.Unlock()
	}

	b.logger.Debug("MCP tools opened",
		"servers", len(ts.clients),
		"failed", len(ts.Failed),
		"tools", ts.Registry.Len(),
	)
	return ts, nil
}

// OpenTools opens a toolset and returns its registry together with the
// function that releases it.
func (b *Bridge) OpenTools(ctx context.Context) (*tools.Registry, func(), error) {
	ts, err := b.Open(ctx)
	if err != nil {
		return nil, nil, err
	}
	var once sync.Once
	return ts.Registry, func() {
		once.Do(func() {
			if err := ts.Close(); err != nil {
				b.logger.Debug("closing MCP toolset", "error", err)
			}
		})
	}, nil
}

// Close drops the pooled connections, if any. Steps still holding them
// keep working; the connections close when the last one releases.
func (b *Bridge) Close() error {
	b.mu.Lock()
	ts := b.pooled
	b.pooled = nil
	b.mu.Unlock()
	if ts == nil {
		return nil
	}
	return ts.retire()
}

// invalidate drops ts from the pool after a transport failure so the
// next step reconnects. Other holders of ts keep using it until they
// release.
func (b *Bridge) invalidate(ts *Toolset) {
	b.mu.Lock()
	if b.pooled != ts {
		b.mu.Unlock()
		return
	}
	b.pooled = nil
	b.mu.Unlock()

	b.logger.Info("MCP connection pool invalidated after transport failure")
	if err := ts.retire(); err != nil {
		b.logger.Debug("closing MCP toolset", "error", err)
	}
}

func (b *Bridge) connect(ctx context.Context, name string, cfg ServerConfig) connection {
	ctx, cancel := context.WithTimeout(ctx, b.connectTimeout)
	defer cancel()

	transport, err := b.newTransport(name, cfg, b.logger.With("mcp_server", name))
	if err != nil {
		return connection{err: fmt.Errorf("create transport: %w", err)}
	}

	client := NewClient(name, transport, b.logger)
	if err := client.Initialize(ctx); err != nil {
		_ = client.Close()
		return connection{err: err}
	}
	defs, err := client.ListTools(ctx)
	if err != nil {
		_ = client.Close()
		return connection{err: err}
	}
	return connection{client: client, tools: defs}
}

// register bridges the server's tools into ts, routing transport
// failures of pooled toolsets to invalidate.
func (b *Bridge) register(ts *Toolset, client *Client, serverName string, cfg ServerConfig, defs []ToolDefinition) {
	wrap := func(h tools.Handler) tools.Handler {
		return func(ctx context.Context, args map[string]any) (any, error) {
			out, err := h(ctx, args)
			if err != nil && ts.pooled.Load() && isTransportFailure(ctx, err) {
				b.invalidate(ts)
			}
			return out, err
		}
	}
	bridgeTools(client, serverName, ts.Registry, cfg, defs, wrap, b.logger)
}

// isTransportFailure reports errors that suggest the connection itself
// is broken rather than the call.
func isTransportFailure(ctx context.Context, err error) bool {
	if ctx.Err() != nil {
		return false
	}
	var toolErr *ToolError
	var rpcErr *RPCError
	return !errors.As(err, &toolErr) && !errors.As(err, &rpcErr)
}

// BridgeTools discovers tools from an MCP client and registers them on
// the given registry, returning the number registered.
//
// Tool names are the server's own names unless cfg.Prefix is set, in
// which case they are namespaced as "mcp_{serverName}_{toolName}". A name
// already present in the registry is skipped with a warning.
//
// cfg.Include and cfg.Exclude control which tools are bridged:
//   - If Include is non-empty, only tools whose MCP names appear in it are registered.
//   - If Exclude is non-empty, tools whose MCP names appear in it are skipped.
//   - If both are empty, all tools are registered.
func BridgeTools(ctx context.Context, client *Client, serverName string, registry *tools.Registry, cfg ServerConfig, logger *slog.Logger) (int, error) {
	if logger == nil {
		logger = slog.Default()
	}

	defs, err := client.ListTools(ctx)
	if err != nil {
		return 0, fmt.Errorf("list tools from %s: %w", serverName, err)
	}
	return bridgeTools(client, serverName, registry, cfg, defs, nil, logger), nil
}

func bridgeTools(client *Client, serverName string, registry *tools.Registry, cfg ServerConfig, defs []ToolDefinition, wrap func(tools.Handler) tools.Handler, logger *slog.Logger) int {
	includeSet := toSet(cfg.Include)
	excludeSet := toSet(cfg.Exclude)

	count := 0
	for _, td := range defs {
		if len(includeSet) > 0 {
			if !includeSet[td.Name] {
				continue
			}
		} else if excludeSet[td.Name] {
			continue
		}

		name := td.Name
		if cfg.Prefix {
			name = ToolName(serverName, td.Name)
		}

		tool := bridgeTool(client, serverName, name, td)
		if wrap != nil {
			tool.Handler = wrap(tool.Handler)
		}
		if err := registry.Register(tool); err != nil {
			if errors.Is(err, tools.ErrDuplicateTool) {
				logger.Warn("skipping duplicate MCP tool",
					"tool", name,
					"server", serverName,
					"provided_by", registry.Get(name).Server,
				)
				continue
			}
			logger.Warn("skipping MCP tool", "tool", name, "server", serverName, "error", err)
			continue
		}
		count++

		logger.Debug("bridged MCP tool",
			"mcp_name", td.Name,
			"tool_name", name,
			"server", serverName,
		)
	}

	return count
}

// ToolName generates a namespaced tool name from an MCP server name and
// tool name. Both components are normalized to contain only lowercase
// alphanumeric characters and underscores.
func ToolName(serverName, mcpToolName string) string {
	return fmt.Sprintf("mcp_%s_%s", normalizeName(serverName), normalizeName(mcpToolName))
}

// bridgeTool creates a tool that proxies calls to an MCP server. The
// handler returns the *CallResult so the sanitizer can export it.
func bridgeTool(client *Client, serverName, name string, td ToolDefinition) *tools.Tool {
	mcpName := td.Name

	return &tools.Tool{
		Name:        name,
		Description: td.Description,
		Parameters:  td.InputSchema,
		Server:      serverName,
		Handler: func(ctx context.Context, args map[string]any) (any, error) {
			res, err := client.CallTool(ctx, mcpName, args)
			if err != nil {
				return nil, err
			}
			return res, nil
		},
	}
}

// normalizeName converts a name to lowercase and replaces
// non-alphanumeric characters (except underscore) with underscores.
// Consecutive underscores are collapsed and leading/trailing underscores
// are trimmed.
func normalizeName(name string) string {
	s := strings.ToLower(name)
	s = nameRe.ReplaceAllString(s, "_")

	for strings.Contains(s, "__") {
		s = strings.ReplaceAll(s, "__", "_")
	}

	return strings.Trim(s, "_")
}

// toSet converts a string slice to a set for O(1) lookups.
func toSet(items []string) map[string]bool {
	if len(items) == 0 {
		return nil
	}
	m := make(map[string]bool, len(items))
	for _, item := range items {
		m[item] = true
	}
	return m
}
