// Package agent implements the tool-call loop: it streams a reply from
// the provider chain, stops at the first tool call, puts the call
// through the approval gate, runs it, feeds the result back, and
// repeats until the model answers in plain text or the iteration
// ceiling is reached.
package agent

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/nugget/hearth/internal/approval"
	"github.com/nugget/hearth/internal/events"
	"github.com/nugget/hearth/internal/llm"
	"github.com/nugget/hearth/internal/tools"
	"github.com/nugget/hearth/internal/vectorstore"
)

// DefaultMaxIterations is the tool-call ceiling per turn.
const DefaultMaxIterations = 10

// ErrIterationLimit is returned when the model keeps requesting tools
// past the ceiling.
var ErrIterationLimit = errors.New("tool call iteration limit exceeded")

// MigrationWarning is shown while the vector store is blocked.
const MigrationWarning = "long-term memory is unavailable until the embedding migration is run"

// Recaller looks up long-term memories relevant to a query.
type Recaller interface {
	Recall(ctx context.Context, query string, limit int) ([]tools.Recollection, error)
}

// Components is one configuration's worth of collaborators. A turn
// captures a single Components value at its start and uses it to the
// end, so a reload never changes a turn in flight.
type Components struct {
	Chat               llm.Client
	Tools              *tools.Registry
	Gate               *approval.Gate
	Memory             Recaller // nil disables memory context
	Warnings           []string
	SystemPrompt       string
	MaxIterations      int
	MemoryContextLimit int
}

// ComponentSource supplies the current Components.
type ComponentSource interface {
	Components() *Components
}

// ErrConversationForgotten ends turns whose conversation was dropped
// while they ran or waited.
var ErrConversationForgotten = errors.New("conversation was deleted")

// Transcript stores conversation history.
type Transcript interface {
	Messages(conversationID string) []llm.Message
	Append(conversationID string, msgs ...llm.Message)
}

// Request is one conversational turn.
type Request struct {
	ConversationID string
	// Messages ends with the new user message. Without a Transcript it
	// is the full history.
	Messages []llm.Message
	// Transcript, when set, is read once the turn holds the
	// conversation; Messages is appended to it. Messages and everything
	// the turn added are written back before the next turn may start,
	// unless the conversation was forgotten meanwhile.
	Transcript Transcript
}

// Result is what a turn added to the conversation.
type Result struct {
	// Messages are the messages the loop appended: assistant text, tool
	// calls, and tool results, in order. It excludes injected context.
	Messages   []llm.Message
	Text       string // final assistant text
	Iterations int    // tool calls executed or denied
}

// Loop runs turns. Turns for one conversation run one at a time;
// different conversations run in parallel.
type Loop struct {
	source ComponentSource
	bus    *events.Bus
	logger *slog.Logger

	mu    sync.Mutex
	turns map[string]*turnSlot
}

// turnSlot serializes the turns of one conversation. It lives while
// any turn holds or waits for it.
type turnSlot struct {
	sem    chan struct{} // capacity 1
	refs   int           // guarded by Loop.mu
	idle   chan struct{} // closed when refs drops to zero
	ctx    context.Context
	cancel context.CancelCauseFunc
}

// NewLoop creates a loop drawing components from source.
func NewLoop(source ComponentSource, bus *events.Bus, logger *slog.Logger) *Loop {
	if logger == nil {
		logger = slog.Default()
	}
	return &Loop{
		source: source,
		bus:    bus,
		logger: logger.With("component", "agent"),
		turns:  make(map[string]*turnSlot),
	}
}

// acquire waits for the conversation's turn. The returned context is
// cancelled when the conversation is forgotten.
func (l *Loop) acquire(ctx context.Context, convID string) (context.Context, func(), error) {
	l.mu.Lock()
	slot, ok := l.turns[convID]
	if !ok {
		slot = &turnSlot{sem: make(chan struct{}, 1), idle: make(chan struct{})}
		slot.ctx, slot.cancel = context.WithCancelCause(context.Background())
		l.turns[convID] = slot
	}
	slot.refs++
	l.mu.Unlock()

	ctx, cancel := context.WithCancelCause(ctx)
	stop := context.AfterFunc(slot.ctx, func() { cancel(context.Cause(slot.ctx)) })
	leave := func() {
		stop()
		cancel(nil)
		l.leave(convID, slot)
	}

	select {
	case slot.sem <- struct{}{}:
		return ctx, func() {
			<-slot.sem
			leave()
		}, nil
	case <-ctx.Done():
		err := context.Cause(ctx)
		leave()
		return nil, nil, err
	}
}

func (l *Loop) leave(convID string, slot *turnSlot) {
	l.mu.Lock()
	defer l.mu.Unlock()
	slot.refs--
	if slot.refs > 0 {
		return
	}
	if l.turns[convID] == slot {
		delete(l.turns, convID)
	}
	slot.cancel(nil)
	close(slot.idle)
}

// Forget cancels the conversation's running and waiting turns with
// [ErrConversationForgotten] and returns once they have all ended.
// Turns that arrive before then fail the same way.
func (l *Loop) Forget(convID string) {
	l.mu.Lock()
	slot, ok := l.turns[convID]
	l.mu.Unlock()
	if !ok {
		return
	}
	slot.cancel(ErrConversationForgotten)
	<-slot.idle
}

// Run executes one turn, reporting progress through emit, which is
// called from the calling goroutine only. The returned Result is never
// nil; on error it holds whatever the turn appended before failing.
func (l *Loop) Run(ctx context.Context, req Request, emit func(Event)) (*Result, error) {
	if emit == nil {
		emit = func(Event) {}
	}
	convID := req.ConversationID
	if convID == "" {
		convID = "default"
	}
	res := &Result{}

	ctx, release, err := l.acquire(ctx, convID)
	if err != nil {
		return res, err
	}
	defer release()

	history := req.Messages
	if req.Transcript != nil {
		history = append(req.Transcript.Messages(convID), req.Messages...)
	}

	comp := l.source.Components()
	maxIter := comp.MaxIterations
	if maxIter <= 0 {
		maxIter = DefaultMaxIterations
	}

	start := time.Now()
	log := l.logger.With("conversation", convID)
	log.Info("turn started", "messages", len(history), "provider", comp.Chat.Name())
	l.bus.Emit(events.SourceAgent, events.KindRequestStart, map[string]any{
		"conversation_id": convID,
		"messages":        len(history),
	})

	err = l.run(tools.WithConversationID(ctx, convID), comp, convID, maxIter, history, res, emit, log)
	if err != nil && errors.Is(context.Cause(ctx), ErrConversationForgotten) {
		err = ErrConversationForgotten
	}
	if req.Transcript != nil && !errors.Is(err, ErrConversationForgotten) {
		req.Transcript.Append(convID, append(slices.Clone(req.Messages), res.Messages...)...)
	}

	complete := map[string]any{
		"conversation_id": convID,
		"iterations":      res.Iterations,
		"elapsed_ms":      time.Since(start).Milliseconds(),
	}
	if err != nil {
		complete["error"] = err.Error()
		emit(Event{Type: EventError, Error: err.Error()})
		log.Warn("turn failed", "error", err, "iterations", res.Iterations, "elapsed", time.Since(start))
	} else {
		emit(Event{Type: EventDone})
		log.Info("turn complete", "iterations", res.Iterations, "elapsed", time.Since(start))
	}
	l.bus.Emit(events.SourceAgent, events.KindRequestComplete, complete)
	return res, err
}

func (l *Loop) run(ctx context.Context, comp *Components, convID string, maxIter int, history []llm.Message, res *Result, emit func(Event), log *slog.Logger) error {
	msgs := make([]llm.Message, 0, len(history)+2)
	if comp.SystemPrompt != "" && !hasSystem(history) {
		msgs = append(msgs, llm.NewText(llm.RoleSystem, comp.SystemPrompt))
	}

	warnings := append([]string(nil), comp.Warnings...)
	snippets, memWarning := l.memoryContext(ctx, comp, history, log)
	if memWarning != "" && !slices.Contains(warnings, memWarning) {
		warnings = append(warnings, memWarning)
	}
	if len(warnings) > 0 {
		emit(Event{Type: EventWarnings, Warnings: warnings})
	}
	if len(snippets) > 0 {
		emit(Event{Type: EventMemoryContext, Snippets: snippets})
		msgs = append(msgs, llm.NewText(llm.RoleSystem, formatMemories(snippets)))
	}
	msgs = append(msgs, history...)

	defs := comp.Tools.Definitions()

	for iter := 1; ; iter++ {
		l.bus.Emit(events.SourceAgent, events.KindLLMCall, map[string]any{
			"conversation_id": convID,
			"iter":            iter,
			"provider":        comp.Chat.Name(),
		})

		text, call, err := l.stream(ctx, comp.Chat, msgs, defs, convID, emit)
		if text != "" {
			m := llm.NewText(llm.RoleAssistant, text)
			msgs = append(msgs, m)
			res.Messages = append(res.Messages, m)
			res.Text = text
		}
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return err
		}
		if call == nil {
			return nil
		}

		if res.Iterations >= maxIter {
			log.Warn("iteration limit reached", "limit", maxIter, "requested", call.Name)
			return fmt.Errorf("%w: %d tool calls without a final answer", ErrIterationLimit, maxIter)
		}
		res.Iterations++

		result := l.toolCall(ctx, comp, convID, *call, emit, log)
		if ctx.Err() != nil {
			return ctx.Err()
		}

		callMsg := llm.NewToolCall(*call)
		resultMsg := llm.NewToolResult(call.ID, result.Content)
		if result.IsError {
			resultMsg = llm.NewToolError(call.ID, result.Content)
		}
		msgs = append(msgs, callMsg, resultMsg)
		res.Messages = append(res.Messages, callMsg, resultMsg)
		res.Text = ""
		emit(Event{Type: EventToolCallResult, Result: result})
	}
}

// stream consumes one provider reply. Text is forwarded as it arrives.
// The first tool call ends consumption; cancelling the stream context
// stops the provider request.
func (l *Loop) stream(ctx context.Context, client llm.Client, msgs []llm.Message, defs []llm.ToolDefinition, convID string, emit func(Event)) (string, *llm.ToolCall, error) {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	var text strings.Builder
	for tok, err := range client.Complete(ctx, msgs, defs) {
		if err != nil {
			return text.String(), nil, err
		}
		switch tok.Kind {
		case llm.TokenText:
			text.WriteString(tok.Text)
			emit(Event{Type: EventTokenDelta, Text: tok.Text})
		case llm.TokenNotice:
			l.bus.Emit(events.SourceAgent, events.KindFallback, map[string]any{
				"conversation_id": convID,
				"notice":          tok.Notice,
			})
			emit(Event{Type: EventWarnings, Warnings: []string{tok.Notice}})
		case llm.TokenToolCall:
			call := tok.ToolCall
			if len(call.Arguments) == 0 {
				call.Arguments = json.RawMessage("{}")
			}
			return text.String(), &call, nil
		}
	}
	return text.String(), nil, nil
}

// toolCall gates and runs one call. Every failure mode becomes a
// result the model can read.
func (l *Loop) toolCall(ctx context.Context, comp *Components, convID string, call llm.ToolCall, emit func(Event), log *slog.Logger) *ToolCallResult {
	emit(Event{Type: EventToolCallStart, ToolCall: &call})
	result := &ToolCallResult{ID: call.ID, Name: call.Name}
	log = log.With("tool", call.Name, "call_id", call.ID)

	tool, ok := comp.Tools.Get(call.Name)
	if !ok {
		log.Warn("model requested unknown tool")
		serr := &tools.SkillError{Kind: tools.InvalidInput, Skill: call.Name, Message: "unknown skill"}
		result.Content, result.IsError = serr.Result(), true
		return result
	}

	outcome := comp.Gate.Check(ctx, convID, call.Name, tool.Permission, call.Arguments, func(req approval.Request) {
		l.bus.Emit(events.SourceApproval, events.KindApprovalRequested, map[string]any{
			"approval_id":     req.ID,
			"conversation_id": convID,
			"skill":           req.Skill,
		})
		emit(Event{Type: EventApprovalRequest, Approval: &req})
	})
	if outcome.Asked {
		l.bus.Emit(events.SourceApproval, events.KindApprovalResolved, map[string]any{
			"approval_id":     outcome.RequestID,
			"conversation_id": convID,
			"skill":           call.Name,
			"decision":        outcome.Decision.String(),
			"reason":          outcome.Reason,
		})
	}
	if outcome.Decision != approval.Approved {
		result.Content, _ = json.Marshal(map[string]string{
			"error":   "denied",
			"skill":   call.Name,
			"message": "The action was not approved (" + outcome.Reason + "). Do not retry it unless the user asks.",
		})
		result.IsError = true
		return result
	}

	start := time.Now()
	l.bus.Emit(events.SourceAgent, events.KindToolCall, map[string]any{
		"conversation_id": convID,
		"tool":            call.Name,
		"id":              call.ID,
	})
	out, err := comp.Tools.Execute(ctx, call.Name, call.Arguments)
	l.bus.Emit(events.SourceAgent, events.KindToolDone, map[string]any{
		"conversation_id": convID,
		"tool":            call.Name,
		"id":              call.ID,
		"ok":              err == nil,
		"duration_ms":     time.Since(start).Milliseconds(),
	})
	if err != nil {
		var serr *tools.SkillError
		if !errors.As(err, &serr) {
			serr = &tools.SkillError{Kind: tools.ExecutionFailed, Skill: call.Name, Message: err.Error()}
		}
		result.Content, result.IsError = serr.Result(), true
		return result
	}
	result.Content = out
	return result
}

// memoryContext recalls memories for the latest user message. Failures
// degrade to a warning; a blocked store says so explicitly.
func (l *Loop) memoryContext(ctx context.Context, comp *Components, history []llm.Message, log *slog.Logger) ([]tools.Recollection, string) {
	if comp.Memory == nil || comp.MemoryContextLimit <= 0 {
		return nil, ""
	}
	query := lastUserText(history)
	if query == "" {
		return nil, ""
	}
	found, err := comp.Memory.Recall(ctx, query, comp.MemoryContextLimit)
	switch {
	case errors.Is(err, vectorstore.ErrMigrationRequired):
		return nil, MigrationWarning
	case err != nil:
		log.Warn("memory recall failed", "error", err)
		return nil, "long-term memory lookup failed: " + err.Error()
	}
	return found, ""
}

func formatMemories(snippets []tools.Recollection) string {
	var b strings.Builder
	b.WriteString("Possibly relevant memories from earlier conversations:")
	for _, s := range snippets {
		b.WriteString("\n- ")
		b.WriteString(s.Text)
	}
	return b.String()
}

func lastUserText(msgs []llm.Message) string {
	for i := len(msgs) - 1; i >= 0; i-- {
		if msgs[i].Role != llm.RoleUser {
			continue
		}
		if t, ok := msgs[i].Content.(llm.Text); ok {
			return string(t)
		}
	}
	return ""
}

func hasSystem(msgs []llm.Message) bool {
	for _, m := range msgs {
		if m.Role == llm.RoleSystem {
			return true
		}
	}
	return false
}
