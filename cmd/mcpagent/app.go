package main

import (
	"context"
	"io"
	"log/slog"
	"os"

	"github.com/nugget/mcp-agent/internal/agent"
	"github.com/nugget/mcp-agent/internal/config"
	"github.com/nugget/mcp-agent/internal/llm"
	"github.com/nugget/mcp-agent/internal/mcp"
	"github.com/nugget/mcp-agent/internal/metrics"
	"github.com/nugget/mcp-agent/internal/usage"
)

// app is the wiring shared by the subcommands that talk to the model or
// the MCP servers.
type app struct {
	cfg     *config.Config
	logger  *slog.Logger
	llm     llm.Client
	bridge  *mcp.Bridge
	usage   *usage.Store
	metrics *metrics.Metrics
	opts    agent.Options
}

// newApp loads configuration and builds the model client, the MCP
// bridge and the optional usage ledger.
func newApp(stderr io.Writer, flags globalFlags) (*app, error) {
	cfg, cfgPath, err := loadConfig(flags.configPath)
	if err != nil {
		return nil, err
	}
	logger, err := newLogger(stderr, flags.logLevel, cfg.LogLevel)
	if err != nil {
		return nil, err
	}
	if cfgPath == "" {
		logger.Debug("no config file found, using defaults")
	} else {
		logger.Debug("config loaded", "path", cfgPath)
	}

	if flags.model != "" {
		cfg.Model.Name = flags.model
	}

	a := &app{
		cfg:     cfg,
		logger:  logger,
		llm:     createLLMClient(cfg, logger),
		metrics: metrics.New(),
		opts: agent.Options{
			SystemPrompt: cfg.Model.SystemPrompt,
			Model:        cfg.Model.Name,
			Temperature:  agent.Temperature(cfg.Model.Temperature),
			MaxTokens:    cfg.Model.MaxTokens,
		},
	}

	a.bridge = mcp.NewBridge(mcp.BridgeConfig{
		Servers:    cfg.MCPServers(os.LookupEnv),
		Persistent: cfg.MCP.Persistent,
		Logger:     logger,
	})

	if cfg.Usage.Path != "" {
		store, err := usage.NewStore(cfg.Usage.Path)
		if err != nil {
			a.Close()
			return nil, err
		}
		a.usage = store
	}

	return a, nil
}

// Close releases pooled MCP connections and the usage ledger.
func (a *app) Close() {
	if err := a.bridge.Close(); err != nil {
		a.logger.Debug("closing MCP bridge", "error", err)
	}
	if a.usage != nil {
		a.usage.Close()
	}
}

// newLoop builds a control loop reporting through hooks.
func (a *app) newLoop(hooks agent.Hooks) *agent.Loop {
	cfg := agent.Config{
		LLM:             a.llm,
		Tools:           a.bridge,
		Metrics:         a.metrics,
		Logger:          a.logger,
		MaxIterations:   a.cfg.Agent.MaxIterations,
		ToolConcurrency: a.cfg.Agent.ToolConcurrency,
		ToolTimeout:     a.cfg.Agent.ToolTimeout,
		Hooks:           hooks,
	}
	if a.usage != nil {
		cfg.Usage = a.usage
	}
	return agent.NewLoop(cfg)
}

// serveMetrics exposes /metrics in the background when configured.
func (a *app) serveMetrics(ctx context.Context) {
	if a.cfg.Metrics.Listen == "" {
		return
	}
	go func() {
		if err := a.metrics.Serve(ctx, a.cfg.Metrics.Listen, a.logger); err != nil {
			a.logger.Error("metrics server failed", "error", err)
		}
	}()
}

// createLLMClient builds a provider router from the configuration. Ollama
// is always available; OpenAI is added when it has a key or a non-default
// endpoint, Anthropic when it has a key.
func createLLMClient(cfg *config.Config, logger *slog.Logger) llm.Client {
	router := llm.NewRouter(logger)
	router.AddProvider(llm.ProviderOllama, llm.NewOllamaClient(cfg.Providers.Ollama.URL, logger))

	openai := cfg.Providers.OpenAI
	if openai.APIKey != "" || (openai.BaseURL != "" && openai.BaseURL != config.Default().Providers.OpenAI.BaseURL) {
		router.AddProvider(llm.ProviderOpenAI, llm.NewOpenAIClient(openai.APIKey, openai.BaseURL, logger))
	}
	if cfg.Providers.Anthropic.APIKey != "" {
		router.AddProvider(llm.ProviderAnthropic, llm.NewAnthropicClient(cfg.Providers.Anthropic.APIKey, "", logger))
	}

	provider, _ := llm.SplitModel(cfg.Model.Name)
	logger.Info("LLM client initialized",
		"model", cfg.Model.Name,
		"provider", provider,
		"providers", router.Providers(),
	)

	return llm.NewRateLimitedClient(router, cfg.Model.RequestsPerMinute)
}
