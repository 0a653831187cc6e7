package agent

import (
	"encoding/json"

	"github.com/nugget/hearth/internal/approval"
	"github.com/nugget/hearth/internal/llm"
	"github.com/nugget/hearth/internal/tools"
)

// EventType names an event in the canonical stream every transport
// consumes.
type EventType string

const (
	EventWarnings        EventType = "warnings"
	EventMemoryContext   EventType = "memory_context"
	EventTokenDelta      EventType = "token_delta"
	EventToolCallStart   EventType = "tool_call_start"
	EventApprovalRequest EventType = "approval_request"
	EventToolCallResult  EventType = "tool_call_result"
	EventError           EventType = "error"
	EventDone            EventType = "done"
)

// Event is one element of a turn's event stream. Only the fields that
// belong to Type are set. A turn ends with exactly one Done or Error.
type Event struct {
	Type EventType `json:"type"`

	Warnings []string             `json:"warnings,omitempty"`
	Snippets []tools.Recollection `json:"snippets,omitempty"`
	Text     string               `json:"text,omitempty"`
	ToolCall *llm.ToolCall        `json:"tool_call,omitempty"`
	Approval *approval.Request    `json:"approval,omitempty"`
	Result   *ToolCallResult      `json:"result,omitempty"`
	Error    string               `json:"error,omitempty"`
}

// ToolCallResult is what a skill call returned, or why it did not run.
type ToolCallResult struct {
	ID      string          `json:"id"`
	Name    string          `json:"name"`
	Content json.RawMessage `json:"content"`
	IsError bool            `json:"is_error,omitempty"`
}
