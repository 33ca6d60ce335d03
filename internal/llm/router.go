package llm

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
)

// Provider names accepted as model prefixes ("anthropic:claude-...").
const (
	ProviderOpenAI    = "openai"
	ProviderAnthropic = "anthropic"
	ProviderOllama    = "ollama"
)

// ErrNoProvider is returned when a model maps to a provider that has no
// registered client.
var ErrNoProvider = errors.New("no provider configured")

// Router sends each request to the client for its model's provider.
type Router struct {
	clients map[string]Client // provider name → client
	logger  *slog.Logger
}

// NewRouter creates an empty router.
func NewRouter(logger *slog.Logger) *Router {
	if logger == nil {
		logger = slog.Default()
	}
	return &Router{
		clients: make(map[string]Client),
		logger:  logger,
	}
}

// AddProvider registers a client for a provider name.
func (r *Router) AddProvider(name string, client Client) {
	r.clients[name] = client
}

// Providers returns the registered provider names, sorted.
func (r *Router) Providers() []string {
	names := make([]string, 0, len(r.clients))
	for name := range r.clients {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// SplitModel returns the provider and bare model name for model. An
// explicit "provider:" prefix wins; otherwise the provider is inferred
// from well-known model name prefixes, defaulting to Ollama.
func SplitModel(model string) (provider, name string) {
	if p, rest, ok := strings.Cut(model, ":"); ok {
		switch p {
		case ProviderOpenAI, ProviderAnthropic, ProviderOllama:
			return p, rest
		}
	}
	switch {
	case strings.HasPrefix(model, "gpt-"),
		strings.HasPrefix(model, "o1"),
		strings.HasPrefix(model, "o3"),
		strings.HasPrefix(model, "o4"):
		return ProviderOpenAI, model
	case strings.HasPrefix(model, "claude-"):
		return ProviderAnthropic, model
	}
	return ProviderOllama, model
}

// clientFor resolves the client and the model name to send it.
func (r *Router) clientFor(model string) (Client, string, error) {
	provider, name := SplitModel(model)
	client, ok := r.clients[provider]
	if !ok {
		return nil, "", fmt.Errorf("%w for model %q (provider %s)", ErrNoProvider, model, provider)
	}
	return client, name, nil
}

// Chat sends a request to the provider for req.Model, with any provider
// prefix removed from the model name.
func (r *Router) Chat(ctx context.Context, req *Request) (*ChatResponse, error) {
	client, name, err := r.clientFor(req.Model)
	if err != nil {
		return nil, err
	}
	routed := *req
	routed.Model = name
	r.logger.Log(ctx, LevelTrace, "routing request", "model", name, "requested", req.Model)
	return client.Chat(ctx, &routed)
}

// Ping checks every registered provider.
func (r *Router) Ping(ctx context.Context) error {
	if len(r.clients) == 0 {
		return ErrNoProvider
	}
	var errs []error
	for _, name := range r.Providers() {
		if err := r.clients[name].Ping(ctx); err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", name, err))
		}
	}
	return errors.Join(errs...)
}

// PingModel checks only the provider that serves model.
func (r *Router) PingModel(ctx context.Context, model string) error {
	client, _, err := r.clientFor(model)
	if err != nil {
		return err
	}
	return client.Ping(ctx)
}
