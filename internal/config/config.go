// Package config handles mcpagent configuration loading.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/nugget/mcp-agent/internal/mcp"
)

// DefaultSearchPaths returns the config file search order.
// An explicit path (from -config flag) is checked first.
// Then: ./config.yaml, ~/.config/mcpagent/config.yaml, /etc/mcpagent/config.yaml.
func DefaultSearchPaths() []string {
	paths := []string{"config.yaml"}

	if home, err := os.UserHomeDir(); err == nil {
		paths = append(paths, filepath.Join(home, ".config", "mcpagent", "config.yaml"))
	}

	paths = append(paths, "/etc/mcpagent/config.yaml")
	return paths
}

// FindConfig locates a config file. If explicit is non-empty, it must exist.
// Otherwise, searches DefaultSearchPaths and returns the first that exists.
// Returns the path found, or an error if nothing was found.
func FindConfig(explicit string) (string, error) {
	if explicit != "" {
		if _, err := os.Stat(explicit); err != nil {
			return "", fmt.Errorf("config file not found: %s", explicit)
		}
		return explicit, nil
	}

	for _, p := range DefaultSearchPaths() {
		if _, err := os.Stat(p); err == nil {
			return p, nil
		}
	}

	return "", fmt.Errorf("no config file found (searched: %v)", DefaultSearchPaths())
}

// Config holds all mcpagent configuration.
type Config struct {
	LogLevel  string          `yaml:"log_level"`
	Model     ModelConfig     `yaml:"model"`
	Providers ProvidersConfig `yaml:"providers"`
	Agent     AgentConfig     `yaml:"agent"`
	MCP       MCPConfig       `yaml:"mcp"`
	Usage     UsageConfig     `yaml:"usage"`
	Metrics   MetricsConfig   `yaml:"metrics"`
}

// ModelConfig selects the model and its sampling parameters.
type ModelConfig struct {
	// Name is "provider:model" or a bare model name whose provider is
	// inferred (gpt-* and o1-* → openai, claude-* → anthropic, else ollama).
	Name         string  `yaml:"name"`
	Temperature  float64 `yaml:"temperature"`
	MaxTokens    int     `yaml:"max_tokens"`
	SystemPrompt string  `yaml:"system_prompt"`

	// RequestsPerMinute throttles model calls. Zero means unlimited.
	RequestsPerMinute float64 `yaml:"requests_per_minute"`
}

// ProvidersConfig holds credentials and endpoints per model provider.
type ProvidersConfig struct {
	OpenAI    OpenAIConfig    `yaml:"openai"`
	Anthropic AnthropicConfig `yaml:"anthropic"`
	Ollama    OllamaConfig    `yaml:"ollama"`
}

// OpenAIConfig defines OpenAI-compatible API settings.
type OpenAIConfig struct {
	APIKey  string `yaml:"api_key"`
	BaseURL string `yaml:"base_url"`
}

// AnthropicConfig defines Anthropic API settings.
type AnthropicConfig struct {
	APIKey string `yaml:"api_key"`
}

// OllamaConfig defines the Ollama server location.
type OllamaConfig struct {
	URL string `yaml:"url"`
}

// AgentConfig bounds the control loop.
type AgentConfig struct {
	// MaxIterations caps decision steps per turn. Zero means unbounded.
	MaxIterations int `yaml:"max_iterations"`

	// ToolConcurrency is the number of tool calls run in parallel within
	// one execution step. 1 runs them sequentially.
	ToolConcurrency int `yaml:"tool_concurrency"`

	// ToolTimeout bounds a single tool call. Zero means no limit beyond
	// the turn's context.
	ToolTimeout time.Duration `yaml:"tool_timeout"`
}

// MCPConfig lists the MCP servers that provide tools.
type MCPConfig struct {
	// Persistent keeps server connections open across steps instead of
	// reconnecting for every decision and execution step.
	Persistent bool                       `yaml:"persistent"`
	Servers    map[string]MCPServerConfig `yaml:"servers"`
}

// MCPServerConfig describes one MCP server.
type MCPServerConfig struct {
	Transport string            `yaml:"transport"`
	Command   string            `yaml:"command"`
	Args      []string          `yaml:"args"`
	Env       map[string]string `yaml:"env"`
	URL       string            `yaml:"url"`
	Headers   map[string]string `yaml:"headers"`
	Include   []string          `yaml:"include"`
	Exclude   []string          `yaml:"exclude"`
	Prefix    bool              `yaml:"prefix"`
}

// UsageConfig locates the token usage ledger.
type UsageConfig struct {
	// Path is the sqlite database file. Empty disables usage recording.
	Path string `yaml:"path"`
}

// MetricsConfig controls the Prometheus endpoint.
type MetricsConfig struct {
	// Listen is the address serving /metrics. Empty disables it.
	Listen string `yaml:"listen"`
}

// Load reads configuration from a YAML file. Values not present in the
// file keep their Default.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	// Expand environment variables
	expanded := os.ExpandEnv(string(data))

	cfg := Default()
	if err := yaml.Unmarshal([]byte(expanded), cfg); err != nil {
		return nil, fmt.Errorf("parse %s: %w", path, err)
	}

	return cfg, nil
}

// Default returns a default configuration.
func Default() *Config {
	return &Config{
		LogLevel: "info",
		Model: ModelConfig{
			Name:         "gpt-4o-mini",
			Temperature:  0.5,
			MaxTokens:    4096,
			SystemPrompt: "You are a helpful assistant.",
		},
		Providers: ProvidersConfig{
			OpenAI: OpenAIConfig{BaseURL: "https://api.openai.com/v1"},
			Ollama: OllamaConfig{URL: "http://localhost:11434"},
		},
		Agent: AgentConfig{
			MaxIterations:   20,
			ToolConcurrency: 4,
			ToolTimeout:     60 * time.Second,
		},
	}
}

// Validate reports every configuration problem found, joined.
func (c *Config) Validate() error {
	var errs []error

	if _, err := ParseLogLevel(c.LogLevel); err != nil {
		errs = append(errs, err)
	}
	if c.Model.Temperature < 0 || c.Model.Temperature > 2 {
		errs = append(errs, fmt.Errorf("model.temperature %v out of range [0, 2]", c.Model.Temperature))
	}
	if c.Model.MaxTokens < 0 {
		errs = append(errs, fmt.Errorf("model.max_tokens must not be negative"))
	}
	if c.Model.RequestsPerMinute < 0 {
		errs = append(errs, fmt.Errorf("model.requests_per_minute must not be negative"))
	}
	if c.Agent.MaxIterations < 0 {
		errs = append(errs, fmt.Errorf("agent.max_iterations must not be negative"))
	}
	if c.Agent.ToolConcurrency < 0 {
		errs = append(errs, fmt.Errorf("agent.tool_concurrency must not be negative"))
	}
	if c.Agent.ToolTimeout < 0 {
		errs = append(errs, fmt.Errorf("agent.tool_timeout must not be negative"))
	}

	names := make([]string, 0, len(c.MCP.Servers))
	for name := range c.MCP.Servers {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		if err := c.MCP.Servers[name].validate(); err != nil {
			errs = append(errs, fmt.Errorf("mcp.servers.%s: %w", name, err))
		}
	}

	return errors.Join(errs...)
}

func (s MCPServerConfig) validate() error {
	kind, err := mcp.NormalizeTransport(s.Transport, s.Command, s.URL)
	if err != nil {
		return err
	}
	switch kind {
	case mcp.TransportStdio:
		if s.Command == "" {
			return errors.New("stdio transport requires command")
		}
	default:
		if s.URL == "" {
			return fmt.Errorf("%s transport requires url", kind)
		}
	}
	return nil
}

// MCPServers returns the bridge configuration for every server, with
// the database connection string applied from lookup.
func (c *Config) MCPServers(lookup func(string) (string, bool)) map[string]mcp.ServerConfig {
	servers := ApplyDatabaseDSN(c.MCP.Servers, lookup)
	out := make(map[string]mcp.ServerConfig, len(servers))
	for name, s := range servers {
		out[name] = mcp.ServerConfig{
			Transport: s.Transport,
			Command:   s.Command,
			Args:      s.Args,
			Env:       s.Env,
			URL:       s.URL,
			Headers:   s.Headers,
			Include:   s.Include,
			Exclude:   s.Exclude,
			Prefix:    s.Prefix,
		}
	}
	return out
}
