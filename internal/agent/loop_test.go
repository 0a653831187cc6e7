package agent

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"iter"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	_ "modernc.org/sqlite"

	"github.com/nugget/hearth/internal/approval"
	"github.com/nugget/hearth/internal/conversation"
	"github.com/nugget/hearth/internal/embeddings"
	"github.com/nugget/hearth/internal/events"
	"github.com/nugget/hearth/internal/llm"
	"github.com/nugget/hearth/internal/tools"
	"github.com/nugget/hearth/internal/vectorstore"
)

// scriptedClient replies from a fixed script, repeating the last reply
// once the script runs out.
type scriptedClient struct {
	mu      sync.Mutex
	replies [][]llm.Token
	calls   int
	seen    [][]llm.Message
}

func (c *scriptedClient) Name() string { return "scripted" }

func (c *scriptedClient) Complete(ctx context.Context, messages []llm.Message, _ []llm.ToolDefinition) iter.Seq2[llm.Token, error] {
	c.mu.Lock()
	i := min(c.calls, len(c.replies)-1)
	c.calls++
	c.seen = append(c.seen, append([]llm.Message(nil), messages...))
	reply := c.replies[i]
	c.mu.Unlock()

	return func(yield func(llm.Token, error) bool) {
		for _, tok := range reply {
			if !yield(tok, nil) {
				return
			}
		}
	}
}

func (c *scriptedClient) callCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.calls
}

func textReply(parts ...string) []llm.Token {
	toks := make([]llm.Token, len(parts))
	for i, p := range parts {
		toks[i] = llm.Token{Kind: llm.TokenText, Text: p}
	}
	return toks
}

func callReply(id, name, args string) []llm.Token {
	return []llm.Token{{Kind: llm.TokenToolCall, ToolCall: llm.ToolCall{ID: id, Name: name, Arguments: json.RawMessage(args)}}}
}

type staticSource struct{ c *Components }

func (s staticSource) Components() *Components { return s.c }

// counterTool registers a skill that counts its executions.
func counterTool(t *testing.T, r *tools.Registry, name string, perm tools.Permission) *atomic.Int32 {
	t.Helper()
	var n atomic.Int32
	err := r.Register(&tools.Tool{
		Name:        name,
		Description: "counts calls",
		Permission:  perm,
		Handler: func(ctx context.Context, args map[string]any) (any, error) {
			return map[string]any{"count": n.Add(1)}, nil
		},
	})
	if err != nil {
		t.Fatalf("register %s: %v", name, err)
	}
	return &n
}

func newComponents(client llm.Client, policies map[string]approval.Policy) *Components {
	return &Components{
		Chat:          client,
		Tools:         tools.NewRegistry(nil),
		Gate:          approval.NewGate(approval.NewLedger(), policies, time.Second, nil),
		MaxIterations: DefaultMaxIterations,
	}
}

// recorder collects events and optionally answers approval requests.
type recorder struct {
	events []Event
	answer func(req approval.Request) (approved, respond bool)
	ledger *approval.Ledger
}

func (r *recorder) emit(ev Event) {
	r.events = append(r.events, ev)
	if ev.Type == EventApprovalRequest && r.answer != nil {
		if approved, respond := r.answer(*ev.Approval); respond {
			_ = r.ledger.Resolve(ev.Approval.ID, approved)
		}
	}
}

func (r *recorder) count(typ EventType) int {
	n := 0
	for _, ev := range r.events {
		if ev.Type == typ {
			n++
		}
	}
	return n
}

func (r *recorder) types() []EventType {
	out := make([]EventType, len(r.events))
	for i, ev := range r.events {
		out[i] = ev.Type
	}
	return out
}

func userTurn(conv, text string) Request {
	return Request{ConversationID: conv, Messages: []llm.Message{llm.NewText(llm.RoleUser, text)}}
}

func TestLoop_PlainText(t *testing.T) {
	client := &scriptedClient{replies: [][]llm.Token{textReply("Hel", "lo")}}
	comp := newComponents(client, nil)
	bus := events.New()
	sub := bus.Subscribe(16)
	defer bus.Unsubscribe(sub)

	rec := &recorder{}
	res, err := NewLoop(staticSource{comp}, bus, nil).Run(context.Background(), userTurn("c1", "hi"), rec.emit)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if res.Text != "Hello" {
		t.Errorf("Text = %q, want Hello", res.Text)
	}
	if len(res.Messages) != 1 || res.Messages[0].TextOf() != "Hello" {
		t.Errorf("Messages = %+v", res.Messages)
	}

	want := []EventType{EventTokenDelta, EventTokenDelta, EventDone}
	if got := rec.types(); fmt.Sprint(got) != fmt.Sprint(want) {
		t.Errorf("events = %v, want %v", got, want)
	}

	var kinds []string
	for len(sub) > 0 {
		kinds = append(kinds, (<-sub).Kind)
	}
	if len(kinds) == 0 || kinds[0] != events.KindRequestStart || kinds[len(kinds)-1] != events.KindRequestComplete {
		t.Errorf("bus kinds = %v", kinds)
	}
}

func TestLoop_SystemPromptPrepended(t *testing.T) {
	client := &scriptedClient{replies: [][]llm.Token{textReply("ok")}}
	comp := newComponents(client, nil)
	comp.SystemPrompt = "You are Hearth."

	if _, err := NewLoop(staticSource{comp}, nil, nil).Run(context.Background(), userTurn("c1", "hi"), nil); err != nil {
		t.Fatal(err)
	}
	first := client.seen[0][0]
	if first.Role != llm.RoleSystem || first.TextOf() != "You are Hearth." {
		t.Errorf("first message = %+v", first)
	}
}

func TestLoop_IterationLimit(t *testing.T) {
	client := &scriptedClient{replies: [][]llm.Token{callReply("call", "tick", `{}`)}}
	comp := newComponents(client, nil)
	n := counterTool(t, comp.Tools, "tick", tools.ReadOnly)

	rec := &recorder{}
	res, err := NewLoop(staticSource{comp}, nil, nil).Run(context.Background(), userTurn("c1", "loop forever"), rec.emit)
	if !errors.Is(err, ErrIterationLimit) {
		t.Fatalf("err = %v, want ErrIterationLimit", err)
	}
	if got := n.Load(); got != 10 {
		t.Errorf("executed %d calls, want 10", got)
	}
	if got := client.callCount(); got != 11 {
		t.Errorf("provider called %d times, want 11", got)
	}
	if res.Iterations != 10 {
		t.Errorf("Iterations = %d, want 10", res.Iterations)
	}
	if len(res.Messages) != 20 {
		t.Errorf("appended %d messages, want 20", len(res.Messages))
	}
	last := rec.events[len(rec.events)-1]
	if last.Type != EventError || !strings.Contains(last.Error, "iteration limit") {
		t.Errorf("last event = %+v", last)
	}
	if rec.count(EventDone) != 0 {
		t.Error("Done emitted on a failed turn")
	}
}

func TestLoop_ToolCallThenAnswer(t *testing.T) {
	client := &scriptedClient{replies: [][]llm.Token{
		callReply("call_1", "tick", `{}`),
		textReply("Counted."),
	}}
	comp := newComponents(client, nil)
	counterTool(t, comp.Tools, "tick", tools.ReadOnly)

	rec := &recorder{}
	res, err := NewLoop(staticSource{comp}, nil, nil).Run(context.Background(), userTurn("c1", "count"), rec.emit)
	if err != nil {
		t.Fatal(err)
	}

	want := []EventType{EventToolCallStart, EventToolCallResult, EventTokenDelta, EventDone}
	if got := rec.types(); fmt.Sprint(got) != fmt.Sprint(want) {
		t.Errorf("events = %v, want %v", got, want)
	}
	if rec.count(EventApprovalRequest) != 0 {
		t.Error("read-only skill asked for approval")
	}

	if len(res.Messages) != 3 {
		t.Fatalf("appended %d messages, want 3", len(res.Messages))
	}
	call, ok := res.Messages[0].Content.(llm.ToolCall)
	if !ok || call.ID != "call_1" {
		t.Errorf("message 0 = %+v", res.Messages[0])
	}
	result, ok := res.Messages[1].Content.(llm.ToolResult)
	if !ok || result.ID != "call_1" || result.IsError || string(result.Content) != `{"count":1}` {
		t.Errorf("message 1 = %+v", res.Messages[1])
	}
	if err := llm.ValidateSequence(client.seen[1]); err != nil {
		t.Errorf("second request history invalid: %v", err)
	}
}

func TestLoop_ReadOnlyNeverAsks(t *testing.T) {
	// Even a configured Always policy cannot gate a read-only skill.
	client := &scriptedClient{replies: [][]llm.Token{
		callReply("a", "look", `{}`),
		callReply("b", "look", `{}`),
		textReply("done"),
	}}
	comp := newComponents(client, map[string]approval.Policy{"look": approval.Always})
	counterTool(t, comp.Tools, "look", tools.ReadOnly)

	rec := &recorder{}
	if _, err := NewLoop(staticSource{comp}, nil, nil).Run(context.Background(), userTurn("c1", "look twice"), rec.emit); err != nil {
		t.Fatal(err)
	}
	if n := rec.count(EventApprovalRequest); n != 0 {
		t.Errorf("ApprovalRequest emitted %d times, want 0", n)
	}
}

func TestLoop_AlwaysAsksEveryCall(t *testing.T) {
	client := &scriptedClient{replies: [][]llm.Token{
		callReply("a", "write", `{}`),
		callReply("b", "write", `{}`),
		callReply("c", "write", `{}`),
		textReply("done"),
	}}
	comp := newComponents(client, map[string]approval.Policy{"write": approval.Always})
	n := counterTool(t, comp.Tools, "write", tools.Mutating)

	rec := &recorder{ledger: comp.Gate.Ledger(), answer: func(approval.Request) (bool, bool) { return true, true }}
	if _, err := NewLoop(staticSource{comp}, nil, nil).Run(context.Background(), userTurn("c1", "write thrice"), rec.emit); err != nil {
		t.Fatal(err)
	}
	if got := rec.count(EventApprovalRequest); got != 3 {
		t.Errorf("ApprovalRequest emitted %d times, want 3", got)
	}
	if got := n.Load(); got != 3 {
		t.Errorf("executed %d times, want 3", got)
	}

	req := rec.events[1].Approval
	if req == nil || req.Skill != "write" || req.Permission != tools.Mutating || req.ConversationID != "c1" {
		t.Errorf("approval request = %+v", req)
	}
}

func TestLoop_OnceAsksOncePerConversation(t *testing.T) {
	script := [][]llm.Token{
		callReply("a", "fetch", `{}`),
		callReply("b", "fetch", `{}`),
		textReply("done"),
	}
	comp := newComponents(nil, map[string]approval.Policy{"fetch": approval.Once})
	counterTool(t, comp.Tools, "fetch", tools.Network)
	loop := NewLoop(staticSource{comp}, nil, nil)

	for _, conv := range []string{"c1", "c2"} {
		comp.Chat = &scriptedClient{replies: script}
		rec := &recorder{ledger: comp.Gate.Ledger(), answer: func(approval.Request) (bool, bool) { return true, true }}
		if _, err := loop.Run(context.Background(), userTurn(conv, "fetch twice"), rec.emit); err != nil {
			t.Fatal(err)
		}
		if got := rec.count(EventApprovalRequest); got != 1 {
			t.Errorf("%s: ApprovalRequest emitted %d times, want 1", conv, got)
		}
	}
}

func TestLoop_DenialIsFedBack(t *testing.T) {
	client := &scriptedClient{replies: [][]llm.Token{
		callReply("a", "write", `{"path":"x"}`),
		textReply("Understood, I will not write it."),
	}}
	comp := newComponents(client, nil)
	n := counterTool(t, comp.Tools, "write", tools.Mutating)

	bus := events.New()
	sub := bus.Subscribe(32)
	rec := &recorder{ledger: comp.Gate.Ledger(), answer: func(approval.Request) (bool, bool) { return false, true }}
	res, err := NewLoop(staticSource{comp}, bus, nil).Run(context.Background(), userTurn("c1", "write x"), rec.emit)
	if err != nil {
		t.Fatalf("denial failed the turn: %v", err)
	}
	if n.Load() != 0 {
		t.Error("denied skill was executed")
	}
	if res.Text != "Understood, I will not write it." {
		t.Errorf("Text = %q", res.Text)
	}

	var result *ToolCallResult
	for _, ev := range rec.events {
		if ev.Type == EventToolCallResult {
			result = ev.Result
		}
	}
	if result == nil || !result.IsError || !strings.Contains(string(result.Content), `"error":"denied"`) {
		t.Errorf("tool result = %+v", result)
	}
	if !strings.Contains(string(result.Content), "denied by user") {
		t.Errorf("denial reason missing: %s", result.Content)
	}

	resolved := false
	bus.Unsubscribe(sub)
	for ev := range sub {
		if ev.Kind == events.KindApprovalResolved && ev.Data["decision"] == "denied" {
			resolved = true
		}
	}
	if !resolved {
		t.Error("no approval_resolved bus event")
	}
}

func TestLoop_TimeoutDenies(t *testing.T) {
	client := &scriptedClient{replies: [][]llm.Token{
		callReply("a", "write", `{}`),
		textReply("ok"),
	}}
	comp := newComponents(client, nil)
	comp.Gate = approval.NewGate(approval.NewLedger(), nil, 20*time.Millisecond, nil)
	n := counterTool(t, comp.Tools, "write", tools.Mutating)

	rec := &recorder{}
	if _, err := NewLoop(staticSource{comp}, nil, nil).Run(context.Background(), userTurn("c1", "write"), rec.emit); err != nil {
		t.Fatal(err)
	}
	if n.Load() != 0 {
		t.Error("skill ran after approval timed out")
	}
	if rec.count(EventApprovalRequest) != 1 {
		t.Errorf("events = %v", rec.types())
	}
}

func TestLoop_SkillErrorsAreFedBack(t *testing.T) {
	tests := []struct {
		name     string
		call     []llm.Token
		wantKind string
	}{
		{"handler failure", callReply("a", "broken", `{}`), `"error":"execution_failed"`},
		{"unknown skill", callReply("a", "nonexistent", `{}`), `"error":"invalid_input"`},
		{"bad arguments", callReply("a", "strict", `{"n":"seven"}`), `"error":"invalid_input"`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			client := &scriptedClient{replies: [][]llm.Token{tt.call, textReply("Sorry.")}}
			comp := newComponents(client, nil)
			_ = comp.Tools.Register(&tools.Tool{
				Name:       "broken",
				Permission: tools.ReadOnly,
				Handler: func(ctx context.Context, args map[string]any) (any, error) {
					return nil, errors.New("disk on fire")
				},
			})
			_ = comp.Tools.Register(&tools.Tool{
				Name:       "strict",
				Permission: tools.ReadOnly,
				Parameters: map[string]any{
					"type":       "object",
					"properties": map[string]any{"n": map[string]any{"type": "integer"}},
				},
				Handler: func(ctx context.Context, args map[string]any) (any, error) { return "ok", nil },
			})

			rec := &recorder{}
			res, err := NewLoop(staticSource{comp}, nil, nil).Run(context.Background(), userTurn("c1", "go"), rec.emit)
			if err != nil {
				t.Fatalf("skill error failed the turn: %v", err)
			}
			if res.Text != "Sorry." {
				t.Errorf("Text = %q", res.Text)
			}
			result, ok := res.Messages[1].Content.(llm.ToolResult)
			if !ok || !result.IsError || !strings.Contains(string(result.Content), tt.wantKind) {
				t.Errorf("tool result = %+v, want %s", res.Messages[1], tt.wantKind)
			}
		})
	}
}

func TestLoop_ProviderErrorFailsTurn(t *testing.T) {
	client := llmFunc(func(yield func(llm.Token, error) bool) {
		if !yield(llm.Token{Kind: llm.TokenText, Text: "partial"}, nil) {
			return
		}
		yield(llm.Token{}, &llm.ProviderError{Kind: llm.ErrorNetwork, Provider: "x", Message: "reset"})
	})
	comp := newComponents(client, nil)

	rec := &recorder{}
	res, err := NewLoop(staticSource{comp}, nil, nil).Run(context.Background(), userTurn("c1", "hi"), rec.emit)
	if llm.KindOf(err) != llm.ErrorNetwork {
		t.Fatalf("err = %v, want network ProviderError", err)
	}
	if res.Text != "partial" {
		t.Errorf("partial text not kept: %q", res.Text)
	}
	want := []EventType{EventTokenDelta, EventError}
	if got := rec.types(); fmt.Sprint(got) != fmt.Sprint(want) {
		t.Errorf("events = %v, want %v", got, want)
	}
}

type llmFunc func(yield func(llm.Token, error) bool)

func (llmFunc) Name() string { return "func" }

func (f llmFunc) Complete(context.Context, []llm.Message, []llm.ToolDefinition) iter.Seq2[llm.Token, error] {
	return iter.Seq2[llm.Token, error](f)
}

func TestLoop_FallbackWarningPrecedesText(t *testing.T) {
	dead := httptest.NewServer(http.NotFoundHandler())
	deadURL := dead.URL
	dead.Close()

	live := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/x-ndjson")
		fmt.Fprintln(w, `{"model":"backup","message":{"role":"assistant","content":"Hello from backup"},"done":false}`)
		fmt.Fprintln(w, `{"model":"backup","message":{"role":"assistant","content":""},"done":true}`)
	}))
	defer live.Close()

	chain, err := llm.NewChain(nil,
		llm.NewOllamaClient(deadURL, "primary", nil),
		llm.NewOllamaClient(live.URL, "backup", nil),
	)
	if err != nil {
		t.Fatal(err)
	}
	comp := newComponents(chain, nil)

	rec := &recorder{}
	res, err := NewLoop(staticSource{comp}, nil, nil).Run(context.Background(), userTurn("c1", "hi"), rec.emit)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if res.Text != "Hello from backup" {
		t.Errorf("Text = %q", res.Text)
	}

	want := []EventType{EventWarnings, EventTokenDelta, EventDone}
	if got := rec.types(); fmt.Sprint(got) != fmt.Sprint(want) {
		t.Fatalf("events = %v, want %v", got, want)
	}
	if w := rec.events[0].Warnings; len(w) != 1 || !strings.Contains(w[0], "falling back to ollama/backup") {
		t.Errorf("warning = %v", w)
	}
}

func newMemory(t *testing.T) (*tools.Memory, *vectorstore.Store) {
	t.Helper()
	db, err := sql.Open("sqlite", filepath.Join(t.TempDir(), "memory.db"))
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { db.Close() })
	store, err := vectorstore.New(db, nil)
	if err != nil {
		t.Fatal(err)
	}
	return tools.NewMemory(embeddings.NewLocal(), store), store
}

func TestLoop_MemoryContext(t *testing.T) {
	mem, _ := newMemory(t)
	ctx := context.Background()
	if _, err := mem.Remember(ctx, "User's favorite color is blue", map[string]any{"category": "preference"}); err != nil {
		t.Fatal(err)
	}

	client := &scriptedClient{replies: [][]llm.Token{textReply("Blue.")}}
	comp := newComponents(client, nil)
	comp.Memory = mem
	comp.MemoryContextLimit = 3
	comp.Warnings = []string{"url_fetch has no allowed domains"}

	rec := &recorder{}
	if _, err := NewLoop(staticSource{comp}, nil, nil).Run(ctx, userTurn("c1", "what is my favorite color?"), rec.emit); err != nil {
		t.Fatal(err)
	}

	want := []EventType{EventWarnings, EventMemoryContext, EventTokenDelta, EventDone}
	if got := rec.types(); fmt.Sprint(got) != fmt.Sprint(want) {
		t.Fatalf("events = %v, want %v", got, want)
	}
	snips := rec.events[1].Snippets
	if len(snips) == 0 || snips[0].Text != "User's favorite color is blue" {
		t.Errorf("snippets = %+v", snips)
	}

	sent := client.seen[0]
	if len(sent) != 2 || sent[0].Role != llm.RoleSystem || !strings.Contains(sent[0].TextOf(), "favorite color is blue") {
		t.Errorf("provider saw %+v", sent)
	}
}

func TestLoop_MigrationRequiredWarns(t *testing.T) {
	mem, store := newMemory(t)
	ctx := context.Background()
	if _, err := mem.Remember(ctx, "User's favorite color is blue", nil); err != nil {
		t.Fatal(err)
	}
	if required, err := store.CheckEmbedder(ctx, "other-model", 768); err != nil || !required {
		t.Fatalf("CheckEmbedder = %v, %v", required, err)
	}

	client := &scriptedClient{replies: [][]llm.Token{textReply("I can't recall right now.")}}
	comp := newComponents(client, nil)
	comp.Memory = mem
	comp.MemoryContextLimit = 3

	rec := &recorder{}
	if _, err := NewLoop(staticSource{comp}, nil, nil).Run(ctx, userTurn("c1", "favorite color?"), rec.emit); err != nil {
		t.Fatalf("blocked memory failed the turn: %v", err)
	}
	if rec.events[0].Type != EventWarnings || !strings.Contains(rec.events[0].Warnings[0], "migration") {
		t.Errorf("first event = %+v", rec.events[0])
	}
	if rec.count(EventMemoryContext) != 0 {
		t.Error("memory context emitted from a blocked store")
	}
}

func TestLoop_ApprovalWaitDoesNotBlockOtherConversations(t *testing.T) {
	comp := newComponents(nil, nil)
	comp.Gate = approval.NewGate(approval.NewLedger(), nil, 5*time.Second, nil)
	counterTool(t, comp.Tools, "write", tools.Mutating)
	comp.Chat = &routedClient{
		"waits": {callReply("a", "write", `{}`), textReply("written")},
		"free":  {textReply("hello")},
	}
	loop := NewLoop(staticSource{comp}, nil, nil)

	asked := make(chan approval.Request, 1)
	done := make(chan error, 1)
	go func() {
		_, err := loop.Run(context.Background(), userTurn("waits", "write"), func(ev Event) {
			if ev.Type == EventApprovalRequest {
				asked <- *ev.Approval
			}
		})
		done <- err
	}()

	req := <-asked
	if _, err := loop.Run(context.Background(), userTurn("free", "hello"), nil); err != nil {
		t.Fatalf("other conversation: %v", err)
	}
	if err := comp.Gate.Ledger().Resolve(req.ID, true); err != nil {
		t.Fatal(err)
	}
	if err := <-done; err != nil {
		t.Fatalf("waiting conversation: %v", err)
	}
}

func TestLoop_CancelWhileAwaitingApproval(t *testing.T) {
	comp := newComponents(&scriptedClient{replies: [][]llm.Token{callReply("a", "write", `{}`)}}, nil)
	comp.Gate = approval.NewGate(approval.NewLedger(), nil, 5*time.Second, nil)
	n := counterTool(t, comp.Tools, "write", tools.Mutating)

	ctx, cancel := context.WithCancel(context.Background())
	rec := &recorder{}
	_, err := NewLoop(staticSource{comp}, nil, nil).Run(ctx, userTurn("c1", "write"), func(ev Event) {
		rec.emit(ev)
		if ev.Type == EventApprovalRequest {
			cancel()
		}
	})
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("err = %v, want context.Canceled", err)
	}
	if n.Load() != 0 {
		t.Error("skill ran after cancellation")
	}
	if len(comp.Gate.Ledger().Pending()) != 0 {
		t.Error("pending approval left behind")
	}
}

// routedClient scripts replies per conversation, keyed by the first
// user message.
type routedClient map[string][][]llm.Token

func (routedClient) Name() string { return "routed" }

func (c routedClient) Complete(_ context.Context, messages []llm.Message, _ []llm.ToolDefinition) iter.Seq2[llm.Token, error] {
	key := "free"
	if lastUserText(messages) == "write" {
		key = "waits"
	}
	reply := c[key][0]
	if _, ok := messages[len(messages)-1].Content.(llm.ToolResult); ok {
		reply = c[key][len(c[key])-1]
	}
	return func(yield func(llm.Token, error) bool) {
		for _, tok := range reply {
			if !yield(tok, nil) {
				return
			}
		}
	}
}

// gatedClient holds every reply until release is closed, reporting each
// call's messages on entered and the most calls ever in flight at once.
type gatedClient struct {
	entered chan []llm.Message
	release chan struct{}
	active  atomic.Int32
	peak    atomic.Int32
}

func newGatedClient() *gatedClient {
	return &gatedClient{entered: make(chan []llm.Message, 8), release: make(chan struct{})}
}

func (c *gatedClient) Name() string { return "gated" }

func (c *gatedClient) Complete(ctx context.Context, messages []llm.Message, _ []llm.ToolDefinition) iter.Seq2[llm.Token, error] {
	return func(yield func(llm.Token, error) bool) {
		n := c.active.Add(1)
		defer c.active.Add(-1)
		for {
			p := c.peak.Load()
			if n <= p || c.peak.CompareAndSwap(p, n) {
				break
			}
		}
		c.entered <- append([]llm.Message(nil), messages...)

		select {
		case <-c.release:
			yield(llm.Token{Kind: llm.TokenText, Text: "ok"}, nil)
		case <-ctx.Done():
			yield(llm.Token{}, ctx.Err())
		}
	}
}

func transcriptTurn(convs *conversation.Store, conv, text string) Request {
	return Request{
		ConversationID: conv,
		Messages:       []llm.Message{llm.NewText(llm.RoleUser, text)},
		Transcript:     convs,
	}
}

func texts(msgs []llm.Message) []string {
	out := make([]string, len(msgs))
	for i, m := range msgs {
		out[i] = m.TextOf()
	}
	return out
}

// waitRefs waits until n turns hold or wait for the conversation.
func waitRefs(t *testing.T, l *Loop, conv string, n int) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		l.mu.Lock()
		refs := 0
		if slot := l.turns[conv]; slot != nil {
			refs = slot.refs
		}
		l.mu.Unlock()
		if refs == n {
			return
		}
		time.Sleep(time.Millisecond)
	}
	t.Fatalf("conversation %s never reached %d turns", conv, n)
}

func TestLoop_QueuedTurnSeesPreviousTurn(t *testing.T) {
	client := newGatedClient()
	loop := NewLoop(staticSource{newComponents(client, nil)}, nil, nil)
	convs := conversation.NewStore(0)

	errs := make(chan error, 2)
	go func() {
		_, err := loop.Run(context.Background(), transcriptTurn(convs, "c1", "first"), nil)
		errs <- err
	}()
	<-client.entered
	go func() {
		_, err := loop.Run(context.Background(), transcriptTurn(convs, "c1", "second"), nil)
		errs <- err
	}()
	waitRefs(t, loop, "c1", 2)
	close(client.release)

	seen := <-client.entered
	for range 2 {
		if err := <-errs; err != nil {
			t.Fatalf("Run: %v", err)
		}
	}
	if got, want := fmt.Sprint(texts(seen)), "[first ok second]"; got != want {
		t.Errorf("second turn saw %s, want %s", got, want)
	}
	if got, want := fmt.Sprint(texts(convs.Messages("c1"))), "[first ok second ok]"; got != want {
		t.Errorf("stored history = %s, want %s", got, want)
	}
	if p := client.peak.Load(); p != 1 {
		t.Errorf("%d provider calls overlapped on one conversation", p)
	}
}

func TestLoop_ForgetEndsTurns(t *testing.T) {
	client := newGatedClient()
	loop := NewLoop(staticSource{newComponents(client, nil)}, nil, nil)
	convs := conversation.NewStore(0)
	convs.OnDelete(loop.Forget)

	running := make(chan error, 1)
	queued := make(chan error, 1)
	go func() {
		_, err := loop.Run(context.Background(), transcriptTurn(convs, "c1", "first"), nil)
		running <- err
	}()
	<-client.entered
	go func() {
		_, err := loop.Run(context.Background(), transcriptTurn(convs, "c1", "second"), nil)
		queued <- err
	}()
	waitRefs(t, loop, "c1", 2)

	convs.Delete("c1")
	if n := client.active.Load(); n != 0 {
		t.Errorf("%d provider calls still running after Delete returned", n)
	}
	for name, ch := range map[string]chan error{"running": running, "queued": queued} {
		select {
		case err := <-ch:
			if !errors.Is(err, ErrConversationForgotten) {
				t.Errorf("%s turn: err = %v, want ErrConversationForgotten", name, err)
			}
		case <-time.After(2 * time.Second):
			t.Fatalf("%s turn never returned", name)
		}
	}
	if msgs := convs.Messages("c1"); msgs != nil {
		t.Errorf("deleted conversation written back: %s", texts(msgs))
	}

	close(client.release)
	if _, err := loop.Run(context.Background(), transcriptTurn(convs, "c1", "again"), nil); err != nil {
		t.Fatalf("turn after delete: %v", err)
	}
	if got := fmt.Sprint(texts(convs.Messages("c1"))); got != "[again ok]" {
		t.Errorf("history after delete = %s", got)
	}
	if p := client.peak.Load(); p != 1 {
		t.Errorf("%d provider calls overlapped on one conversation", p)
	}
	loop.mu.Lock()
	defer loop.mu.Unlock()
	if len(loop.turns) != 0 {
		t.Errorf("turn slots left behind: %d", len(loop.turns))
	}
}
