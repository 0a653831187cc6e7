// Package llm is the provider layer: the canonical conversation model,
// one streaming client per backend family, and the fallback chain that
// orders them.
package llm

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"
)

// LevelTrace is below Debug, used for wire-level payload logging.
const LevelTrace = slog.Level(-8)

// Role identifies the speaker of a message.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleSystem    Role = "system"
)

// Content is the closed set of message payloads: [Text], [ToolCall],
// and [ToolResult].
type Content interface {
	isContent()
}

// Text is plain conversational text.
type Text string

// ToolCall is a model's request to invoke a skill. Arguments is always
// a JSON object.
type ToolCall struct {
	ID        string          `json:"id"`
	Name      string          `json:"name"`
	Arguments json.RawMessage `json:"arguments"`
}

// ToolResult answers the ToolCall with the same ID. IsError marks a
// skill that failed or was never run.
type ToolResult struct {
	ID      string          `json:"id"`
	Content json.RawMessage `json:"content"`
	IsError bool            `json:"is_error,omitempty"`
}

func (Text) isContent()       {}
func (ToolCall) isContent()   {}
func (ToolResult) isContent() {}

// Message is one immutable entry in a conversation.
type Message struct {
	Role      Role
	Content   Content
	Timestamp time.Time
}

// NewText returns a text message stamped with the current time.
func NewText(role Role, text string) Message {
	return Message{Role: role, Content: Text(text), Timestamp: time.Now()}
}

// NewToolCall returns the assistant message that records a tool request.
func NewToolCall(call ToolCall) Message {
	return Message{Role: RoleAssistant, Content: call, Timestamp: time.Now()}
}

// NewToolResult returns the message carrying a skill's output back to
// the model. Results travel on the user side of the conversation.
func NewToolResult(id string, content json.RawMessage) Message {
	return Message{Role: RoleUser, Content: ToolResult{ID: id, Content: content}, Timestamp: time.Now()}
}

// NewToolError is [NewToolResult] for a failed or denied call.
func NewToolError(id string, content json.RawMessage) Message {
	return Message{Role: RoleUser, Content: ToolResult{ID: id, Content: content, IsError: true}, Timestamp: time.Now()}
}

// TextOf returns the message's text, or "" for tool messages.
func (m Message) TextOf() string {
	if t, ok := m.Content.(Text); ok {
		return string(t)
	}
	return ""
}

// ErrOrphanToolResult is returned by [ValidateSequence] when a
// ToolResult does not answer an earlier ToolCall.
var ErrOrphanToolResult = errors.New("tool result without matching tool call")

// ValidateSequence checks that every ToolResult id matches a preceding
// ToolCall id in msgs.
func ValidateSequence(msgs []Message) error {
	calls := make(map[string]bool)
	for i, m := range msgs {
		switch c := m.Content.(type) {
		case ToolCall:
			calls[c.ID] = true
		case ToolResult:
			if !calls[c.ID] {
				return fmt.Errorf("message %d (id %q): %w", i, c.ID, ErrOrphanToolResult)
			}
		case nil:
			return fmt.Errorf("message %d: empty content", i)
		}
	}
	return nil
}

// wireMessage is the JSON shape used by transports and persistence.
type wireMessage struct {
	Role       Role        `json:"role"`
	Type       string      `json:"type"`
	Text       string      `json:"text,omitempty"`
	ToolCall   *ToolCall   `json:"tool_call,omitempty"`
	ToolResult *ToolResult `json:"tool_result,omitempty"`
	Timestamp  time.Time   `json:"timestamp,omitzero"`
}

// MarshalJSON encodes the message with an explicit "type" discriminator.
func (m Message) MarshalJSON() ([]byte, error) {
	w := wireMessage{Role: m.Role, Timestamp: m.Timestamp}
	switch c := m.Content.(type) {
	case Text:
		w.Type, w.Text = "text", string(c)
	case ToolCall:
		w.Type, w.ToolCall = "tool_call", &c
	case ToolResult:
		w.Type, w.ToolResult = "tool_result", &c
	default:
		return nil, fmt.Errorf("marshal message: unsupported content %T", m.Content)
	}
	return json.Marshal(w)
}

// UnmarshalJSON decodes the form produced by MarshalJSON. A missing
// type is read as text.
func (m *Message) UnmarshalJSON(data []byte) error {
	var w wireMessage
	if err := json.Unmarshal(data, &w); err != nil {
		return err
	}
	switch w.Role {
	case RoleUser, RoleAssistant, RoleSystem:
	default:
		return fmt.Errorf("unmarshal message: unknown role %q", w.Role)
	}

	m.Role, m.Timestamp = w.Role, w.Timestamp
	switch w.Type {
	case "", "text":
		m.Content = Text(w.Text)
	case "tool_call":
		if w.ToolCall == nil {
			return errors.New("unmarshal message: tool_call type without tool_call")
		}
		m.Content = *w.ToolCall
	case "tool_result":
		if w.ToolResult == nil {
			return errors.New("unmarshal message: tool_result type without tool_result")
		}
		m.Content = *w.ToolResult
	default:
		return fmt.Errorf("unmarshal message: unknown type %q", w.Type)
	}
	return nil
}

// TokenKind distinguishes the payload of a [Token].
type TokenKind int

const (
	// TokenText is an incremental text delta.
	TokenText TokenKind = iota
	// TokenToolCall is a fully assembled tool call.
	TokenToolCall
	// TokenNotice is an out-of-band notice from the chain, such as a
	// fallback to the next provider. It carries no model output.
	TokenNotice
)

// Token is one unit of streamed provider output.
type Token struct {
	Kind     TokenKind
	Text     string
	ToolCall ToolCall
	Notice   string
}

// ToolDefinition describes a skill to the model.
type ToolDefinition struct {
	Name        string
	Description string
	InputSchema map[string]any
}

// schema substitutes an empty object schema for tools without parameters.
func (d ToolDefinition) schema() map[string]any {
	if d.InputSchema == nil {
		return map[string]any{"type": "object", "properties": map[string]any{}}
	}
	return d.InputSchema
}
