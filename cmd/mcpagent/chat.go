package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/nugget/mcp-agent/internal/agent"
)

// maxLineBytes bounds one line of REPL input.
const maxLineBytes = 1 << 20

// runChat runs the interactive session. A failed turn is reported and
// the conversation starts over.
func runChat(ctx context.Context, stdin io.Reader, stdout, stderr io.Writer, flags globalFlags) error {
	a, err := newApp(stderr, flags)
	if err != nil {
		return err
	}
	defer a.Close()
	a.serveMetrics(ctx)

	loop := a.newLoop(agent.Hooks{
		OnDecision: func(msg *agent.AssistantMessage) {
			if msg.Text != "" || !msg.HasToolCalls() {
				fmt.Fprintf(stdout, "Agent: %s\n", msg.Text)
			}
			if msg.HasToolCalls() {
				fmt.Fprintf(stdout, "Agent: (Executing tools: %s)\n", strings.Join(msg.ToolNames(), ", "))
			}
		},
	})

	fmt.Fprintln(stdout, "MCP agent ready. Type 'exit' or 'quit' to leave, '/reset' to start over.")

	scanner := bufio.NewScanner(stdin)
	scanner.Buffer(make([]byte, 0, 64*1024), maxLineBytes)

	conv := agent.NewConversation()
	for {
		fmt.Fprint(stdout, "You: ")
		if !scanner.Scan() {
			fmt.Fprintln(stdout)
			return scanner.Err()
		}

		text := strings.TrimSpace(scanner.Text())
		switch strings.ToLower(text) {
		case "":
			continue
		case "exit", "quit":
			fmt.Fprintln(stdout, "Goodbye!")
			return nil
		case "/reset":
			conv = agent.NewConversation()
			fmt.Fprintln(stdout, "Conversation reset.")
			continue
		}

		next, err := loop.Advance(ctx, conv, text, a.opts)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			fmt.Fprintf(stdout, "An error occurred: %v\n", err)
			if errors.Is(err, agent.ErrMaxIterations) {
				fmt.Fprintln(stdout, "The model kept requesting tools; starting a new conversation.")
			}
			conv = agent.NewConversation()
			continue
		}
		conv = next
	}
}

// runAsk answers a single question and prints the final answer.
func runAsk(ctx context.Context, stdout, stderr io.Writer, flags globalFlags, question string) error {
	a, err := newApp(stderr, flags)
	if err != nil {
		return err
	}
	defer a.Close()

	conv, err := a.newLoop(agent.Hooks{}).Advance(ctx, agent.NewConversation(), question, a.opts)
	if err != nil {
		return fmt.Errorf("ask: %w", err)
	}

	answer, _ := conv.Last().(*agent.AssistantMessage)
	if answer == nil {
		return fmt.Errorf("ask: no answer")
	}

	if flags.outputFmt == "json" {
		return writeJSON(stdout, map[string]any{
			"conversation_id": conv.ID.String(),
			"answer":          answer.Text,
			"messages":        conv.Messages(),
		})
	}
	fmt.Fprintln(stdout, answer.Text)
	return nil
}
