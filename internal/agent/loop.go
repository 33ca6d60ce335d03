package agent

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/nugget/mcp-agent/internal/llm"
	"github.com/nugget/mcp-agent/internal/metrics"
	"github.com/nugget/mcp-agent/internal/tools"
)

// ErrMaxIterations is returned when the model keeps requesting tools
// past the configured decision limit.
var ErrMaxIterations = errors.New("maximum iterations reached")

// Hooks observe a run as it progresses. All hooks are called from the
// goroutine running the loop, in conversation order. Nil hooks are
// skipped.
type Hooks struct {
	// OnDecision is called with every model response.
	OnDecision func(msg *AssistantMessage)

	// OnToolCall is called for each requested call before the batch runs.
	OnToolCall func(call ToolCallRequest)

	// OnToolResult is called for each result once the batch is done.
	OnToolResult func(res *ToolResultMessage)
}

// Config wires a [Loop].
type Config struct {
	LLM   llm.Client
	Tools ToolSource

	// Usage, when set, receives one record per decision step.
	Usage UsageRecorder

	Metrics *metrics.Metrics
	Logger  *slog.Logger

	// MaxIterations bounds decision steps per run. Zero is unbounded.
	MaxIterations int

	// ToolConcurrency caps parallel tool calls within one turn.
	ToolConcurrency int

	// ToolTimeout bounds each tool call. Zero leaves only the turn's
	// deadline.
	ToolTimeout time.Duration

	Hooks Hooks
}

// Loop alternates decision and execution steps until the model answers
// without requesting tools.
type Loop struct {
	decider       *Decider
	executor      *Executor
	maxIterations int
	hooks         Hooks
	metrics       *metrics.Metrics
	logger        *slog.Logger
}

// NewLoop creates a control loop.
func NewLoop(cfg Config) *Loop {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Loop{
		decider: NewDecider(cfg.LLM, cfg.Tools, cfg.Usage, cfg.Metrics, logger),
		executor: NewExecutor(ExecutorConfig{
			Tools:       cfg.Tools,
			Concurrency: cfg.ToolConcurrency,
			Timeout:     cfg.ToolTimeout,
			Metrics:     cfg.Metrics,
			Logger:      logger,
		}),
		maxIterations: cfg.MaxIterations,
		hooks:         cfg.Hooks,
		metrics:       cfg.Metrics,
		logger:        logger,
	}
}

// Advance appends a user message to conv and runs the loop. conv itself
// is not modified.
func (l *Loop) Advance(ctx context.Context, conv *Conversation, text string, opts Options) (*Conversation, error) {
	next := conv.Clone()
	next.Append(&UserMessage{Text: text})
	return l.run(ctx, next, opts)
}

// Run drives the conversation until the newest message is an assistant
// message without tool calls. conv itself is not modified; the returned
// conversation holds every message produced, including on error, when
// it ends at the last completed step.
func (l *Loop) Run(ctx context.Context, conv *Conversation, opts Options) (*Conversation, error) {
	return l.run(ctx, conv.Clone(), opts)
}

func (l *Loop) run(ctx context.Context, conv *Conversation, opts Options) (out *Conversation, err error) {
	opts = opts.WithDefaults()
	start := time.Now()
	ctx = tools.WithConversationID(ctx, conv.ID.String())
	log := l.logger.With("conversation", conv.ID)
	log.Info("turn started", "messages", conv.Len(), "model", opts.Model)

	defer func() {
		l.metrics.ObserveTurn(err)
		if err != nil {
			log.Error("turn failed", "error", err, "elapsed", time.Since(start))
			return
		}
		log.Info("turn completed", "messages", out.Len(), "elapsed", time.Since(start))
	}()

	for iteration := 1; ; iteration++ {
		if l.maxIterations > 0 && iteration > l.maxIterations {
			return conv, fmt.Errorf("%w (%d)", ErrMaxIterations, l.maxIterations)
		}
		if err := ctx.Err(); err != nil {
			return conv, err
		}

		msg, err := l.decider.decide(ctx, conv, opts, iteration)
		if err != nil {
			return conv, err
		}
		conv.Append(msg)
		if l.hooks.OnDecision != nil {
			l.hooks.OnDecision(msg)
		}

		if !msg.HasToolCalls() {
			return conv, nil
		}

		log.Debug("executing tools", "iteration", iteration, "tools", msg.ToolNames())
		if l.hooks.OnToolCall != nil {
			for _, call := range msg.ToolCalls {
				l.hooks.OnToolCall(call)
			}
		}

		results, err := l.executor.Execute(ctx, msg)
		for _, res := range results {
			conv.Append(res)
			if l.hooks.OnToolResult != nil {
				l.hooks.OnToolResult(res)
			}
		}
		if err != nil {
			return conv, err
		}
	}
}
