// Package memory holds per-conversation working memory: a volatile
// scratchpad of key/value pairs and an ordered list of notes. Nothing
// here is persisted; a conversation's working memory is gone when the
// conversation is dropped or the process restarts.
package memory

import (
	"maps"
	"slices"
	"sync"
	"time"
)

// MaxNotes bounds the notes list; the oldest note is discarded first.
const MaxNotes = 200

// Note is one entry in the ordered notes list.
type Note struct {
	Text string    `json:"text"`
	At   time.Time `json:"at"`
}

// Snapshot is a point-in-time copy of a conversation's working memory.
type Snapshot struct {
	Values    map[string]string `json:"values"`
	Notes     []Note            `json:"notes"`
	UpdatedAt time.Time         `json:"updated_at,omitzero"`
}

// WorkingMemory is one conversation's scratchpad. Its lock is its own,
// so conversations never contend with each other.
type WorkingMemory struct {
	mu        sync.Mutex
	values    map[string]string
	notes     []Note
	updatedAt time.Time
}

func newWorkingMemory() *WorkingMemory {
	return &WorkingMemory{values: make(map[string]string)}
}

// Set stores value under key, replacing any previous value.
func (w *WorkingMemory) Set(key, value string) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.values[key] = value
	w.updatedAt = time.Now()
}

// Get returns the value under key.
func (w *WorkingMemory) Get(key string) (string, bool) {
	w.mu.Lock()
	defer w.mu.Unlock()
	v, ok := w.values[key]
	return v, ok
}

// Delete removes key and reports whether it was present.
func (w *WorkingMemory) Delete(key string) bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	_, ok := w.values[key]
	delete(w.values, key)
	if ok {
		w.updatedAt = time.Now()
	}
	return ok
}

// AddNote appends a note and returns the number of notes held.
func (w *WorkingMemory) AddNote(text string) int {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.notes = append(w.notes, Note{Text: text, At: time.Now()})
	if len(w.notes) > MaxNotes {
		w.notes = slices.Delete(w.notes, 0, len(w.notes)-MaxNotes)
	}
	w.updatedAt = time.Now()
	return len(w.notes)
}

// Clear empties both values and notes.
func (w *WorkingMemory) Clear() {
	w.mu.Lock()
	defer w.mu.Unlock()
	clear(w.values)
	w.notes = nil
	w.updatedAt = time.Now()
}

// Snapshot returns a copy safe to read without the lock.
func (w *WorkingMemory) Snapshot() Snapshot {
	w.mu.Lock()
	defer w.mu.Unlock()
	return Snapshot{
		Values:    maps.Clone(w.values),
		Notes:     slices.Clone(w.notes),
		UpdatedAt: w.updatedAt,
	}
}

// WorkingSet maps conversation IDs to their working memory.
type WorkingSet struct {
	m sync.Map // conversation ID -> *WorkingMemory
}

// NewWorkingSet returns an empty set.
func NewWorkingSet() *WorkingSet { return &WorkingSet{} }

// For returns the conversation's working memory, creating it on first use.
func (s *WorkingSet) For(conversationID string) *WorkingMemory {
	if wm, ok := s.m.Load(conversationID); ok {
		return wm.(*WorkingMemory)
	}
	wm, _ := s.m.LoadOrStore(conversationID, newWorkingMemory())
	return wm.(*WorkingMemory)
}

// Lookup returns the conversation's working memory without creating it.
func (s *WorkingSet) Lookup(conversationID string) (*WorkingMemory, bool) {
	wm, ok := s.m.Load(conversationID)
	if !ok {
		return nil, false
	}
	return wm.(*WorkingMemory), true
}

// Drop discards a conversation's working memory.
func (s *WorkingSet) Drop(conversationID string) {
	s.m.Delete(conversationID)
}

// Len returns the number of conversations holding working memory.
func (s *WorkingSet) Len() int {
	n := 0
	s.m.Range(func(any, any) bool { n++; return true })
	return n
}
