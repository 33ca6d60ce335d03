package agent

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/nugget/mcp-agent/internal/metrics"
	"github.com/nugget/mcp-agent/internal/sanitize"
	"github.com/nugget/mcp-agent/internal/tools"
)

// Executor runs the tool calls of one assistant turn.
type Executor struct {
	tools       ToolSource
	concurrency int
	timeout     time.Duration
	metrics     *metrics.Metrics
	logger      *slog.Logger
}

// ExecutorConfig configures an [Executor].
type ExecutorConfig struct {
	Tools ToolSource

	// Concurrency caps parallel calls within one turn. Zero or one runs
	// the calls sequentially.
	Concurrency int

	// Timeout bounds each call. Zero leaves only the caller's deadline.
	Timeout time.Duration

	Metrics *metrics.Metrics
	Logger  *slog.Logger
}

// NewExecutor creates an Executor.
func NewExecutor(cfg ExecutorConfig) *Executor {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	concurrency := cfg.Concurrency
	if concurrency < 1 {
		concurrency = 1
	}
	return &Executor{
		tools:       cfg.Tools,
		concurrency: concurrency,
		timeout:     cfg.Timeout,
		metrics:     cfg.Metrics,
		logger:      logger,
	}
}

// Execute discovers the current tools and runs every call in msg,
// returning one result per call in request order. A failing call,
// including a failed discovery, becomes an error result and never stops
// the others. The error is non-nil only when ctx ends; the results are
// complete even then.
func (e *Executor) Execute(ctx context.Context, msg *AssistantMessage) ([]*ToolResultMessage, error) {
	results := make([]*ToolResultMessage, len(msg.ToolCalls))
	if len(results) == 0 {
		return results, nil
	}

	registry, release, err := e.tools.OpenTools(ctx)
	if err != nil {
		e.logger.Error("tool discovery failed", "error", err)
		for i, call := range msg.ToolCalls {
			results[i] = errorResult(call, fmt.Errorf("tool discovery failed: %w", err))
		}
		return results, ctx.Err()
	}
	defer release()

	var g errgroup.Group
	g.SetLimit(e.concurrency)
	for i, call := range msg.ToolCalls {
		g.Go(func() error {
			results[i] = e.call(ctx, registry, call)
			return nil
		})
	}
	g.Wait()

	return results, ctx.Err()
}

// call runs one tool call. It always returns a result.
func (e *Executor) call(ctx context.Context, registry *tools.Registry, call ToolCallRequest) (res *ToolResultMessage) {
	start := time.Now()
	ctx = tools.WithToolCallID(ctx, call.ID)
	log := e.logger.With("tool", call.Name, "call_id", call.ID)
	if id := tools.ConversationIDFromContext(ctx); id != "" {
		log = log.With("conversation", id)
	}

	defer func() {
		if r := recover(); r != nil {
			log.Error("tool panicked", "panic", r)
			res = errorResult(call, fmt.Errorf("panic: %v", r))
		}
		e.metrics.ObserveToolCall(call.Name, time.Since(start), res.IsError)
	}()

	if e.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, e.timeout)
		defer cancel()
	}

	out, err := registry.Execute(ctx, call.Name, sanitizeArgs(call.Arguments))
	if err != nil {
		log.Warn("tool call failed", "error", err, "elapsed", time.Since(start))
		return errorResult(call, err)
	}

	content := sanitize.Sanitize(out).Text()
	log.Debug("tool call succeeded", "elapsed", time.Since(start), "result_len", len(content))
	return &ToolResultMessage{
		ToolCallID: call.ID,
		ToolName:   call.Name,
		Content:    content,
	}
}

// sanitizeArgs narrows model-supplied arguments to plain data.
func sanitizeArgs(args map[string]any) map[string]any {
	if m, ok := sanitize.Sanitize(args).Interface().(map[string]any); ok {
		return m
	}
	return map[string]any{}
}

func errorResult(call ToolCallRequest, err error) *ToolResultMessage {
	return &ToolResultMessage{
		ToolCallID: call.ID,
		ToolName:   call.Name,
		Content:    fmt.Sprintf("Error executing tool %s: %s", call.Name, err),
		IsError:    true,
	}
}
