// Package events is an operational event bus. The agent loop, the
// approval gate, memory migration, and configuration reloads publish
// here; the websocket event feed subscribes. Publishing never blocks,
// and a nil *Bus accepts publishes as a no-op so components need no
// guard checks.
package events

import (
	"sync"
	"time"
)

// Sources.
const (
	SourceAgent    = "agent"
	SourceApproval = "approval"
	SourceMemory   = "memory"
	SourceRuntime  = "runtime"
)

// Kinds, with the data keys each carries.
const (
	// KindRequestStart: conversation_id, messages.
	KindRequestStart = "request_start"
	// KindLLMCall: conversation_id, iter, provider.
	KindLLMCall = "llm_call"
	// KindFallback: conversation_id, notice.
	KindFallback = "fallback"
	// KindToolCall: conversation_id, tool, id.
	KindToolCall = "tool_call"
	// KindToolDone: conversation_id, tool, id, ok, duration_ms.
	KindToolDone = "tool_done"
	// KindRequestComplete: conversation_id, iterations, elapsed_ms, error.
	KindRequestComplete = "request_complete"

	// KindApprovalRequested: approval_id, conversation_id, skill.
	KindApprovalRequested = "approval_requested"
	// KindApprovalResolved: approval_id, conversation_id, skill, decision, reason.
	KindApprovalResolved = "approval_resolved"

	// KindMigrationStart: from_model, to_model.
	KindMigrationStart = "migration_start"
	// KindMigrationComplete: to_model, reembedded, skipped, elapsed_ms, error.
	KindMigrationComplete = "migration_complete"

	// KindReload: chat, embedder, warnings.
	KindReload = "reload"
)

// Event is a single operational event.
type Event struct {
	Timestamp time.Time      `json:"ts"`
	Source    string         `json:"source"`
	Kind      string         `json:"kind"`
	Data      map[string]any `json:"data,omitempty"`
}

// Bus broadcasts events to buffered subscriber channels. A subscriber
// that falls behind misses events instead of slowing publishers.
type Bus struct {
	mu   sync.RWMutex
	subs map[<-chan Event]chan Event // caller's view -> send side
}

// New creates a new event bus ready for use.
func New() *Bus {
	return &Bus{subs: make(map[<-chan Event]chan Event)}
}

// Publish delivers e to every subscriber with room for it.
func (b *Bus) Publish(e Event) {
	if b == nil {
		return
	}
	b.mu.RLock()
	defer b.mu.RUnlock()
	for _, ch := range b.subs {
		select {
		case ch <- e:
		default:
		}
	}
}

// Emit publishes an event stamped with the current time.
func (b *Bus) Emit(source, kind string, data map[string]any) {
	if b == nil {
		return
	}
	b.Publish(Event{Timestamp: time.Now(), Source: source, Kind: kind, Data: data})
}

// Subscribe returns a channel receiving subsequent events. Every
// subscription must end with [Bus.Unsubscribe].
func (b *Bus) Subscribe(bufSize int) <-chan Event {
	ch := make(chan Event, bufSize)
	b.mu.Lock()
	defer b.mu.Unlock()
	b.subs[ch] = ch
	return ch
}

// Unsubscribe ends a subscription and closes its channel. Unknown or
// already-closed subscriptions are ignored.
func (b *Bus) Unsubscribe(ch <-chan Event) {
	b.mu.Lock()
	defer b.mu.Unlock()
	send, ok := b.subs[ch]
	if !ok {
		return
	}
	delete(b.subs, ch)
	close(send)
}

// SubscriberCount returns the number of active subscribers.
func (b *Bus) SubscriberCount() int {
	if b == nil {
		return 0
	}
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs)
}
