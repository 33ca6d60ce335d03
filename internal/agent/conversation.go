// Package agent implements the conversation state, the decision and
// execution steps, and the control loop that alternates between them.
package agent

import (
	"errors"
	"fmt"
	"slices"

	"github.com/google/uuid"
)

// ErrInvalidConversation is returned by [Conversation.Validate] when a
// tool result does not answer a pending call.
var ErrInvalidConversation = errors.New("invalid conversation")

// Message is one entry of a conversation: *UserMessage,
// *AssistantMessage or *ToolResultMessage.
type Message interface {
	// Role is "user", "assistant" or "tool".
	Role() string

	isMessage()
}

// UserMessage is input from the person driving the conversation.
type UserMessage struct {
	Text string `json:"text"`
}

// ToolCallRequest is a tool invocation requested by the model. ID is
// unique within its assistant turn and echoed by the matching result.
type ToolCallRequest struct {
	ID        string         `json:"id"`
	Name      string         `json:"name"`
	Arguments map[string]any `json:"arguments"`
}

// AssistantMessage is one model response. Any ToolCalls take precedence
// over Text when deciding whether the turn continues.
type AssistantMessage struct {
	Text      string            `json:"text,omitempty"`
	ToolCalls []ToolCallRequest `json:"tool_calls,omitempty"`
}

// HasToolCalls reports whether the model asked for tools.
func (m *AssistantMessage) HasToolCalls() bool { return len(m.ToolCalls) > 0 }

// ToolNames returns the requested tool names in request order.
func (m *AssistantMessage) ToolNames() []string {
	names := make([]string, len(m.ToolCalls))
	for i, tc := range m.ToolCalls {
		names[i] = tc.Name
	}
	return names
}

// ToolResultMessage carries the outcome of one tool call back to the
// model.
type ToolResultMessage struct {
	ToolCallID string `json:"tool_call_id"`
	ToolName   string `json:"tool_name"`
	Content    string `json:"content"`
	IsError    bool   `json:"is_error,omitempty"`
}

func (*UserMessage) Role() string       { return "user" }
func (*AssistantMessage) Role() string  { return "assistant" }
func (*ToolResultMessage) Role() string { return "tool" }

func (*UserMessage) isMessage()       {}
func (*AssistantMessage) isMessage()  {}
func (*ToolResultMessage) isMessage() {}

// Conversation is the ordered dialogue history of one session. It is
// owned by a single control loop at a time and is not safe for
// concurrent use.
type Conversation struct {
	ID       uuid.UUID
	messages []Message
}

// NewConversation starts a conversation with a fresh ID and optional
// prior messages.
func NewConversation(msgs ...Message) *Conversation {
	return &Conversation{
		ID:       uuid.New(),
		messages: slices.Clone(msgs),
	}
}

// Append adds messages to the end of the conversation.
func (c *Conversation) Append(msgs ...Message) {
	c.messages = append(c.messages, msgs...)
}

// Messages returns a copy of the message list. The messages themselves
// are shared.
func (c *Conversation) Messages() []Message {
	return slices.Clone(c.messages)
}

// Len returns the number of messages.
func (c *Conversation) Len() int {
	return len(c.messages)
}

// Last returns the newest message, or nil for an empty conversation.
func (c *Conversation) Last() Message {
	if len(c.messages) == 0 {
		return nil
	}
	return c.messages[len(c.messages)-1]
}

// Clone returns a conversation with the same ID and its own message
// list, so appends to one do not show in the other.
func (c *Conversation) Clone() *Conversation {
	return &Conversation{
		ID:       c.ID,
		messages: slices.Clone(c.messages),
	}
}

// Validate checks that every tool result answers a call issued by the
// assistant turn it follows, and answers it only once.
func (c *Conversation) Validate() error {
	var pending map[string]string // call ID → tool name
	for i, msg := range c.messages {
		switch m := msg.(type) {
		case *UserMessage:
			pending = nil
		case *AssistantMessage:
			pending = make(map[string]string, len(m.ToolCalls))
			for _, tc := range m.ToolCalls {
				if tc.ID == "" {
					return fmt.Errorf("%w: message %d: tool call %q has no ID", ErrInvalidConversation, i, tc.Name)
				}
				if _, dup := pending[tc.ID]; dup {
					return fmt.Errorf("%w: message %d: duplicate tool call ID %q", ErrInvalidConversation, i, tc.ID)
				}
				pending[tc.ID] = tc.Name
			}
		case *ToolResultMessage:
			if _, ok := pending[m.ToolCallID]; !ok {
				return fmt.Errorf("%w: message %d: tool result %q answers no pending call", ErrInvalidConversation, i, m.ToolCallID)
			}
			delete(pending, m.ToolCallID)
		case nil:
			return fmt.Errorf("%w: message %d is nil", ErrInvalidConversation, i)
		}
	}
	return nil
}
