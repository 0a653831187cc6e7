package llm

import (
	"context"
	"errors"
	"fmt"
	"iter"
	"log/slog"
	"strings"
)

// ErrEmptyChain is returned by [NewChain] with no clients.
var ErrEmptyChain = errors.New("provider chain needs at least one client")

// Chain tries an ordered list of clients for one role. A transient
// failure (network or rate limit) before any output moves on to the
// next client; anything else ends the stream.
type Chain struct {
	clients []Client
	logger  *slog.Logger
}

// NewChain builds a chain over clients in fallback order. A single
// client is returned as is, so a one-entry chain behaves exactly like
// calling that client.
func NewChain(logger *slog.Logger, clients ...Client) (Client, error) {
	switch len(clients) {
	case 0:
		return nil, ErrEmptyChain
	case 1:
		return clients[0], nil
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Chain{clients: clients, logger: logger.With("component", "chain")}, nil
}

// Name lists the members in order.
func (ch *Chain) Name() string {
	names := make([]string, len(ch.clients))
	for i, c := range ch.clients {
		names[i] = c.Name()
	}
	return "chain(" + strings.Join(names, ",") + ")"
}

// Clients returns the members in fallback order.
func (ch *Chain) Clients() []Client {
	return append([]Client(nil), ch.clients...)
}

// Complete streams from the first client that answers. Each client is
// tried at most once per call. Once a client has produced a token the
// chain is committed to it, because the consumer has already seen its
// output. A [TokenNotice] precedes the output of every fallback client.
func (ch *Chain) Complete(ctx context.Context, messages []Message, tools []ToolDefinition) iter.Seq2[Token, error] {
	return func(yield func(Token, error) bool) {
		for i, client := range ch.clients {
			produced := false
			var failure error

			for tok, err := range client.Complete(ctx, messages, tools) {
				if err != nil {
					failure = err
					break
				}
				produced = true
				if !yield(tok, nil) {
					return
				}
			}

			if failure == nil {
				return
			}

			var pe *ProviderError
			last := i == len(ch.clients)-1
			if produced || last || ctx.Err() != nil || !errors.As(failure, &pe) || !pe.Retryable() {
				yield(Token{}, failure)
				return
			}

			next := ch.clients[i+1]
			ch.logger.Warn("provider failed, falling back",
				"failed", client.Name(),
				"next", next.Name(),
				"kind", pe.Kind,
				"error", failure,
			)
			notice := fmt.Sprintf("%s unavailable (%s), falling back to %s", client.Name(), pe.Kind, next.Name())
			if !yield(Token{Kind: TokenNotice, Notice: notice}, nil) {
				return
			}
		}
	}
}

var _ Client = (*Chain)(nil)
