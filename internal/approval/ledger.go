package approval

import (
	"errors"
	"slices"
	"sync"
)

// ErrUnknownApproval is returned when resolving an id that is not
// pending: never issued, already resolved, or timed out.
var ErrUnknownApproval = errors.New("unknown or expired approval")

type pending struct {
	req     Request
	decided chan bool // buffered; receives at most one value
}

// onceSet holds the skills approved under the Once policy in one
// conversation.
type onceSet struct {
	mu     sync.Mutex
	skills map[string]bool
}

// Ledger holds state that must survive configuration reloads: pending
// approvals and the per-conversation Once grants. Both are keyed maps,
// so conversations never contend on a shared lock.
type Ledger struct {
	pending sync.Map // approval ID -> *pending
	once    sync.Map // conversation ID -> *onceSet
}

// NewLedger creates an empty ledger.
func NewLedger() *Ledger { return &Ledger{} }

func (l *Ledger) open(req Request) <-chan bool {
	p := &pending{req: req, decided: make(chan bool, 1)}
	l.pending.Store(req.ID, p)
	return p.decided
}

func (l *Ledger) close(id string) {
	l.pending.Delete(id)
}

// Resolve delivers a decision for a pending approval. Each id can be
// resolved at most once.
func (l *Ledger) Resolve(id string, approved bool) error {
	v, ok := l.pending.LoadAndDelete(id)
	if !ok {
		return ErrUnknownApproval
	}
	v.(*pending).decided <- approved
	return nil
}

// Pending returns the open requests, oldest first.
func (l *Ledger) Pending() []Request {
	var out []Request
	l.pending.Range(func(_, v any) bool {
		out = append(out, v.(*pending).req)
		return true
	})
	slices.SortFunc(out, func(a, b Request) int { return a.CreatedAt.Compare(b.CreatedAt) })
	return out
}

func (l *Ledger) grantedOnce(conversationID, skill string) bool {
	v, ok := l.once.Load(conversationID)
	if !ok {
		return false
	}
	s := v.(*onceSet)
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.skills[skill]
}

func (l *Ledger) grantOnce(conversationID, skill string) {
	v, _ := l.once.LoadOrStore(conversationID, &onceSet{skills: make(map[string]bool)})
	s := v.(*onceSet)
	s.mu.Lock()
	defer s.mu.Unlock()
	s.skills[skill] = true
}

// Forget ends a conversation's approval state: its Once grants are
// dropped and any request still waiting is denied.
func (l *Ledger) Forget(conversationID string) {
	l.once.Delete(conversationID)
	l.pending.Range(func(k, v any) bool {
		if v.(*pending).req.ConversationID == conversationID {
			if p, ok := l.pending.LoadAndDelete(k); ok {
				p.(*pending).decided <- false
			}
		}
		return true
	})
}
