package llm

import (
	"context"
	"iter"
)

// Client is the interface every provider implements.
//
// Complete streams the model's reply to messages. Text arrives as
// incremental [TokenText] tokens; tool calls arrive fully assembled as
// [TokenToolCall]. A failed stream yields one final non-nil error,
// always a *[ProviderError], and stops. A consumer that stops ranging
// early aborts the underlying request.
type Client interface {
	Name() string
	Complete(ctx context.Context, messages []Message, tools []ToolDefinition) iter.Seq2[Token, error]
}
