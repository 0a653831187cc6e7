// Package approval is the permission gate between a model's tool call
// and its execution. It resolves each call to an effective policy and,
// when a human must decide, suspends only the calling conversation
// until a decision arrives or the timeout denies it.
package approval

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/nugget/hearth/internal/tools"
)

// DefaultTimeout is how long an unanswered request waits before it is
// denied.
const DefaultTimeout = 60 * time.Second

// Policy is a skill's configured approval behavior.
type Policy int

const (
	// Always asks on every call.
	Always Policy = iota
	// Once asks on the first call in a conversation and remembers the
	// answer for the rest of it.
	Once
	// Trust never asks.
	Trust
)

func (p Policy) String() string {
	switch p {
	case Always:
		return "always"
	case Once:
		return "once"
	case Trust:
		return "trust"
	default:
		return fmt.Sprintf("Policy(%d)", int(p))
	}
}

// ParsePolicy reads a policy name, case-insensitively.
func ParsePolicy(s string) (Policy, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "always":
		return Always, nil
	case "once":
		return Once, nil
	case "trust":
		return Trust, nil
	}
	return 0, fmt.Errorf("unknown approval policy %q (want always, once, or trust)", s)
}

// ParsePolicies converts a configured skill→name map.
func ParsePolicies(raw map[string]string) (map[string]Policy, error) {
	out := make(map[string]Policy, len(raw))
	var errs []error
	for skill, name := range raw {
		p, err := ParsePolicy(name)
		if err != nil {
			errs = append(errs, fmt.Errorf("skill %s: %w", skill, err))
			continue
		}
		out[skill] = p
	}
	return out, errors.Join(errs...)
}

// Decision is the gate's answer for one call.
type Decision int

const (
	Denied Decision = iota
	Approved
)

func (d Decision) String() string {
	if d == Approved {
		return "approved"
	}
	return "denied"
}

// Outcome explains a decision.
type Outcome struct {
	Decision  Decision
	Policy    Policy
	Asked     bool   // a human was consulted
	RequestID string // set when Asked
	Reason    string
}

// Request is a pending approval as shown to a human.
type Request struct {
	ID             string           `json:"id"`
	ConversationID string           `json:"conversation_id"`
	Skill          string           `json:"skill_name"`
	Arguments      json.RawMessage  `json:"arguments"`
	Permission     tools.Permission `json:"permission_level"`
	CreatedAt      time.Time        `json:"created_at"`
}

// Gate applies one configuration's policies. A new Gate is built on
// every reload; the [Ledger] it records into outlives it, so requests
// raised under an old configuration can still be resolved.
type Gate struct {
	policies map[string]Policy
	timeout  time.Duration
	ledger   *Ledger
	logger   *slog.Logger
}

// NewGate creates a gate. Skills without a configured policy that need
// one default to [Always].
func NewGate(ledger *Ledger, policies map[string]Policy, timeout time.Duration, logger *slog.Logger) *Gate {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Gate{
		policies: policies,
		timeout:  timeout,
		ledger:   ledger,
		logger:   logger.With("component", "approval"),
	}
}

// Ledger returns the ledger this gate records into.
func (g *Gate) Ledger() *Ledger { return g.ledger }

// PolicyFor resolves the effective policy for a skill. ReadOnly skills
// are always trusted, whatever is configured.
func (g *Gate) PolicyFor(skill string, perm tools.Permission) Policy {
	if perm == tools.ReadOnly {
		return Trust
	}
	if p, ok := g.policies[skill]; ok {
		return p
	}
	return Always
}

// Check decides whether a call may run. When a human must be asked,
// notify is called with the request before Check blocks; it must not
// block itself. Check returns when the request is resolved, the timeout
// elapses, or ctx is done. The last two deny.
func (g *Gate) Check(ctx context.Context, conversationID, skill string, perm tools.Permission, args json.RawMessage, notify func(Request)) Outcome {
	policy := g.PolicyFor(skill, perm)
	switch policy {
	case Trust:
		return Outcome{Decision: Approved, Policy: policy, Reason: "trusted"}
	case Once:
		if g.ledger.grantedOnce(conversationID, skill) {
			return Outcome{Decision: Approved, Policy: policy, Reason: "approved earlier in this conversation"}
		}
	}

	req := Request{
		ID:             uuid.NewString(),
		ConversationID: conversationID,
		Skill:          skill,
		Arguments:      args,
		Permission:     perm,
		CreatedAt:      time.Now(),
	}
	decided := g.ledger.open(req)
	defer g.ledger.close(req.ID)

	log := g.logger.With("approval_id", req.ID, "conversation", conversationID, "skill", skill, "policy", policy)
	log.Info("approval requested")
	if notify != nil {
		notify(req)
	}

	timer := time.NewTimer(g.timeout)
	defer timer.Stop()

	out := Outcome{Policy: policy, Asked: true, RequestID: req.ID}
	select {
	case ok := <-decided:
		if ok {
			out.Decision = Approved
			out.Reason = "approved"
			if policy == Once {
				g.ledger.grantOnce(conversationID, skill)
			}
		} else {
			out.Reason = "denied by user"
		}
		log.Info("approval resolved", "decision", out.Decision)
	case <-timer.C:
		out.Reason = fmt.Sprintf("no decision within %s", g.timeout)
		log.Info("approval timed out", "timeout", g.timeout)
	case <-ctx.Done():
		out.Reason = "request cancelled"
		log.Info("approval abandoned", "error", ctx.Err())
	}
	return out
}
