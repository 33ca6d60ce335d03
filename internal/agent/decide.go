package agent

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/nugget/mcp-agent/internal/llm"
	"github.com/nugget/mcp-agent/internal/metrics"
	"github.com/nugget/mcp-agent/internal/usage"
)

// UsageRecorder persists per-step token usage. *usage.Store implements it.
type UsageRecorder interface {
	Record(ctx context.Context, rec usage.Record) error
}

// Decider asks the model for the next action.
type Decider struct {
	llm     llm.Client
	tools   ToolSource
	usage   UsageRecorder
	metrics *metrics.Metrics
	logger  *slog.Logger
}

// NewDecider creates a Decider. usage and m may be nil.
func NewDecider(client llm.Client, source ToolSource, rec UsageRecorder, m *metrics.Metrics, logger *slog.Logger) *Decider {
	if logger == nil {
		logger = slog.Default()
	}
	return &Decider{
		llm:     client,
		tools:   source,
		usage:   rec,
		metrics: m,
		logger:  logger,
	}
}

// Decide discovers the current tools, offers them to the model along
// with the conversation and returns the model's response. Discovery and
// model failures are returned unchanged in kind; nothing is retried.
func (d *Decider) Decide(ctx context.Context, conv *Conversation, opts Options) (*AssistantMessage, error) {
	return d.decide(ctx, conv, opts.WithDefaults(), 0)
}

func (d *Decider) decide(ctx context.Context, conv *Conversation, opts Options, iteration int) (*AssistantMessage, error) {
	registry, release, err := d.tools.OpenTools(ctx)
	if err != nil {
		return nil, fmt.Errorf("discover tools: %w", err)
	}
	capabilities := registry.List()
	// The model call can take a while; don't hold provider connections
	// open across it.
	release()

	req := &llm.Request{
		Model:       opts.Model,
		System:      opts.SystemPrompt,
		Messages:    toLLMMessages(conv.Messages()),
		Tools:       capabilities,
		Temperature: opts.Temperature,
		MaxTokens:   opts.MaxTokens,
	}

	d.logger.Debug("calling model",
		"conversation", conv.ID,
		"iteration", iteration,
		"model", opts.Model,
		"messages", len(req.Messages),
		"tools", len(capabilities),
	)

	start := time.Now()
	resp, err := d.llm.Chat(ctx, req)
	d.metrics.ObserveDecision(opts.Model, time.Since(start), err)
	if err != nil {
		return nil, fmt.Errorf("model %s: %w", opts.Model, err)
	}
	d.metrics.AddTokens(opts.Model, resp.InputTokens, resp.OutputTokens)

	msg := fromLLMMessage(resp.Message)

	d.logger.Debug("model responded",
		"conversation", conv.ID,
		"iteration", iteration,
		"input_tokens", resp.InputTokens,
		"output_tokens", resp.OutputTokens,
		"tool_calls", len(msg.ToolCalls),
		"stop_reason", resp.StopReason,
	)

	d.recordUsage(ctx, conv, opts.Model, iteration, resp, len(msg.ToolCalls))
	return msg, nil
}

// recordUsage writes the ledger entry. Failures are logged, never
// returned: the ledger is not conversation state.
func (d *Decider) recordUsage(ctx context.Context, conv *Conversation, model string, iteration int, resp *llm.ChatResponse, toolCalls int) {
	if d.usage == nil {
		return
	}
	provider, name := llm.SplitModel(model)
	if resp.Model != "" {
		name = resp.Model
	}
	err := d.usage.Record(ctx, usage.Record{
		ConversationID: conv.ID.String(),
		Iteration:      iteration,
		Model:          name,
		Provider:       provider,
		InputTokens:    resp.InputTokens,
		OutputTokens:   resp.OutputTokens,
		ToolCalls:      toolCalls,
	})
	if err != nil {
		d.logger.Warn("failed to record usage", "error", err)
	}
}

// toLLMMessages converts conversation messages to the provider-neutral
// wire form.
func toLLMMessages(msgs []Message) []llm.Message {
	out := make([]llm.Message, 0, len(msgs))
	for _, msg := range msgs {
		switch m := msg.(type) {
		case *UserMessage:
			out = append(out, llm.Message{Role: llm.RoleUser, Content: m.Text})
		case *AssistantMessage:
			lm := llm.Message{Role: llm.RoleAssistant, Content: m.Text}
			for _, tc := range m.ToolCalls {
				lm.ToolCalls = append(lm.ToolCalls, llm.ToolCall{
					ID:       tc.ID,
					Function: llm.FunctionCall{Name: tc.Name, Arguments: tc.Arguments},
				})
			}
			out = append(out, lm)
		case *ToolResultMessage:
			out = append(out, llm.Message{
				Role:       llm.RoleTool,
				Content:    m.Content,
				ToolCallID: m.ToolCallID,
				ToolName:   m.ToolName,
			})
		}
	}
	return out
}

// fromLLMMessage converts a model response. Missing or repeated call
// IDs are replaced so every result can echo a unique ID.
func fromLLMMessage(lm llm.Message) *AssistantMessage {
	msg := &AssistantMessage{Text: lm.Content}
	seen := make(map[string]bool, len(lm.ToolCalls))
	for _, tc := range lm.ToolCalls {
		id := tc.ID
		if id == "" || seen[id] {
			id = "call_" + uuid.NewString()
		}
		seen[id] = true

		args := tc.Function.Arguments
		if args == nil {
			args = map[string]any{}
		}
		msg.ToolCalls = append(msg.ToolCalls, ToolCallRequest{
			ID:        id,
			Name:      tc.Function.Name,
			Arguments: args,
		})
	}
	return msg
}
