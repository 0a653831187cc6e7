// Package conversation keeps conversation history in memory. Transports
// hand a Store to the agent loop, which reads and extends a
// conversation's history only while one of its turns holds it.
package conversation

import (
	"sort"
	"sync"
	"time"

	"github.com/nugget/hearth/internal/llm"
)

// DefaultMaxMessages bounds each conversation's history.
const DefaultMaxMessages = 200

// Conversation holds the state of a single conversation.
type Conversation struct {
	ID        string        `json:"id"`
	Messages  []llm.Message `json:"messages"`
	CreatedAt time.Time     `json:"created_at"`
	UpdatedAt time.Time     `json:"updated_at"`
}

// Store manages conversation history.
type Store struct {
	mu            sync.RWMutex
	conversations map[string]*Conversation
	maxMessages   int

	hookMu   sync.Mutex
	onDelete []func(id string)
}

// NewStore creates an empty store. maxMessages <= 0 selects
// [DefaultMaxMessages].
func NewStore(maxMessages int) *Store {
	if maxMessages <= 0 {
		maxMessages = DefaultMaxMessages
	}
	return &Store{
		conversations: make(map[string]*Conversation),
		maxMessages:   maxMessages,
	}
}

// OnDelete registers fn to run when a conversation is deleted, before
// its history is removed. Hooks run in registration order, outside the
// store lock.
func (s *Store) OnDelete(fn func(id string)) {
	s.hookMu.Lock()
	defer s.hookMu.Unlock()
	s.onDelete = append(s.onDelete, fn)
}

// Append adds messages to a conversation, creating it on first use.
// Messages without a timestamp are stamped now.
func (s *Store) Append(id string, msgs ...llm.Message) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now()
	conv, ok := s.conversations[id]
	if !ok {
		conv = &Conversation{ID: id, CreatedAt: now}
		s.conversations[id] = conv
	}
	for _, m := range msgs {
		if m.Timestamp.IsZero() {
			m.Timestamp = now
		}
		conv.Messages = append(conv.Messages, m)
	}
	conv.UpdatedAt = now
	conv.Messages = trim(conv.Messages, s.maxMessages)
}

// trim keeps system messages and the most recent others. A tool result
// left at the front without its call is dropped with it.
func trim(msgs []llm.Message, limit int) []llm.Message {
	if len(msgs) <= limit {
		return msgs
	}
	var system, rest []llm.Message
	for _, m := range msgs {
		if m.Role == llm.RoleSystem {
			system = append(system, m)
		} else {
			rest = append(rest, m)
		}
	}
	keep := max(limit-len(system), 10)
	if len(rest) > keep {
		rest = rest[len(rest)-keep:]
	}
	for len(rest) > 0 {
		if _, orphan := rest[0].Content.(llm.ToolResult); !orphan {
			break
		}
		rest = rest[1:]
	}
	return append(system, rest...)
}

// Messages returns a copy of a conversation's history, or nil.
func (s *Store) Messages(id string) []llm.Message {
	s.mu.RLock()
	defer s.mu.RUnlock()

	conv, ok := s.conversations[id]
	if !ok {
		return nil
	}
	return append([]llm.Message(nil), conv.Messages...)
}

// Get returns a copy of the conversation, or nil.
func (s *Store) Get(id string) *Conversation {
	s.mu.RLock()
	defer s.mu.RUnlock()

	conv, ok := s.conversations[id]
	if !ok {
		return nil
	}
	return conv.copy()
}

// List returns copies of all conversations, most recently updated first.
func (s *Store) List() []*Conversation {
	s.mu.RLock()
	convs := make([]*Conversation, 0, len(s.conversations))
	for _, conv := range s.conversations {
		convs = append(convs, conv.copy())
	}
	s.mu.RUnlock()

	sort.Slice(convs, func(i, j int) bool { return convs[i].UpdatedAt.After(convs[j].UpdatedAt) })
	return convs
}

// Delete runs the delete hooks, then removes the conversation. Hooks
// run even when the conversation had no stored history, since per-turn
// state may exist without it, and they run first so a turn they end
// cannot write history back afterwards. It reports whether history was
// removed.
func (s *Store) Delete(id string) bool {
	s.hookMu.Lock()
	hooks := append([]func(string)(nil), s.onDelete...)
	s.hookMu.Unlock()
	for _, fn := range hooks {
		fn(id)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.conversations[id]
	delete(s.conversations, id)
	return ok
}

// Stats returns store statistics.
func (s *Store) Stats() map[string]any {
	s.mu.RLock()
	defer s.mu.RUnlock()

	total := 0
	for _, conv := range s.conversations {
		total += len(conv.Messages)
	}
	return map[string]any{
		"conversations": len(s.conversations),
		"messages":      total,
		"max_per_conv":  s.maxMessages,
	}
}

func (c *Conversation) copy() *Conversation {
	return &Conversation{
		ID:        c.ID,
		Messages:  append([]llm.Message(nil), c.Messages...),
		CreatedAt: c.CreatedAt,
		UpdatedAt: c.UpdatedAt,
	}
}
