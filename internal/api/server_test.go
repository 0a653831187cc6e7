package api

import (
	"bufio"
	"context"
	"database/sql"
	"encoding/json"
	"iter"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	_ "modernc.org/sqlite"

	"github.com/nugget/hearth/internal/agent"
	"github.com/nugget/hearth/internal/config"
	"github.com/nugget/hearth/internal/conversation"
	"github.com/nugget/hearth/internal/events"
	"github.com/nugget/hearth/internal/llm"
	"github.com/nugget/hearth/internal/runtime"
	"github.com/nugget/hearth/internal/vectorstore"
)

// scriptedClient replies from a fixed script, repeating the last reply.
type scriptedClient struct {
	mu      sync.Mutex
	replies [][]llm.Token
	calls   int
}

func (c *scriptedClient) Name() string { return "scripted" }

func (c *scriptedClient) Complete(context.Context, []llm.Message, []llm.ToolDefinition) iter.Seq2[llm.Token, error] {
	c.mu.Lock()
	reply := c.replies[min(c.calls, len(c.replies)-1)]
	c.calls++
	c.mu.Unlock()
	return func(yield func(llm.Token, error) bool) {
		for _, tok := range reply {
			if !yield(tok, nil) {
				return
			}
		}
	}
}

func text(s string) []llm.Token {
	return []llm.Token{{Kind: llm.TokenText, Text: s}}
}

func call(id, name, args string) []llm.Token {
	return []llm.Token{{Kind: llm.TokenToolCall, ToolCall: llm.ToolCall{ID: id, Name: name, Arguments: json.RawMessage(args)}}}
}

type testEnv struct {
	srv     *httptest.Server
	rt      *runtime.Runtime
	convs   *conversation.Store
	bus     *events.Bus
	sandbox string
}

func newEnv(t *testing.T, store *vectorstore.Store, replies ...[]llm.Token) *testEnv {
	t.Helper()
	client := &scriptedClient{replies: replies}
	sandbox := t.TempDir()

	cfg := config.Default()
	cfg.Skills.AllowedDirectories = []string{sandbox}
	cfg.Skills.AllowedDomains = []string{"example.com"}

	bus := events.New()
	rt, err := runtime.New(context.Background(), cfg, runtime.Options{
		Store: store,
		Bus:   bus,
		NewChat: func(config.ProviderConfig, string, *slog.Logger) (llm.Client, error) {
			return client, nil
		},
	})
	if err != nil {
		t.Fatal(err)
	}

	loop := agent.NewLoop(rt, bus, nil)
	convs := conversation.NewStore(0)
	convs.OnDelete(rt.DropConversation)
	convs.OnDelete(loop.Forget)

	srv := httptest.NewServer(NewServer("", 0, loop, rt, convs, bus, nil).Handler())
	t.Cleanup(srv.Close)
	return &testEnv{srv: srv, rt: rt, convs: convs, bus: bus, sandbox: sandbox}
}

func (e *testEnv) do(t *testing.T, method, path, body string) *http.Response {
	t.Helper()
	req, err := http.NewRequest(method, e.srv.URL+path, strings.NewReader(body))
	if err != nil {
		t.Fatal(err)
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { resp.Body.Close() })
	return resp
}

func decode[T any](t *testing.T, resp *http.Response) T {
	t.Helper()
	var v T
	if err := json.NewDecoder(resp.Body).Decode(&v); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	return v
}

// sseFrame is one parsed server-sent event.
type sseFrame struct {
	name string
	data string
}

func readSSE(t *testing.T, resp *http.Response, until string) []sseFrame {
	t.Helper()
	var frames []sseFrame
	var cur sseFrame
	sc := bufio.NewScanner(resp.Body)
	for sc.Scan() {
		line := sc.Text()
		switch {
		case strings.HasPrefix(line, "event: "):
			cur.name = strings.TrimPrefix(line, "event: ")
		case strings.HasPrefix(line, "data: "):
			cur.data = strings.TrimPrefix(line, "data: ")
		case line == "" && cur.name != "":
			frames = append(frames, cur)
			if cur.name == until {
				return frames
			}
			cur = sseFrame{}
		}
	}
	return frames
}

func TestChat_SSE(t *testing.T) {
	env := newEnv(t, nil, text("Hello there"))

	resp := env.do(t, http.MethodPost, "/v1/chat", `{"message":"hi","conversation_id":"c1","stream":true}`)
	if ct := resp.Header.Get("Content-Type"); ct != "text/event-stream" {
		t.Fatalf("Content-Type = %q", ct)
	}
	frames := readSSE(t, resp, "done")

	var names []string
	for _, f := range frames {
		names = append(names, f.name)
	}
	// Runtime warnings are absent: both allow-lists are configured.
	if got := strings.Join(names, ","); got != "token_delta,done" {
		t.Errorf("frames = %s", got)
	}
	var ev agent.Event
	if err := json.Unmarshal([]byte(frames[0].data), &ev); err != nil || ev.Text != "Hello there" {
		t.Errorf("token frame = %s (%v)", frames[0].data, err)
	}

	msgs := env.convs.Messages("c1")
	if len(msgs) != 2 || msgs[0].TextOf() != "hi" || msgs[1].TextOf() != "Hello there" {
		t.Errorf("stored history = %+v", msgs)
	}
}

func TestChat_JSON(t *testing.T) {
	env := newEnv(t, nil, text("Plain answer"))

	resp := env.do(t, http.MethodPost, "/v1/chat", `{"message":"hi"}`)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", resp.StatusCode)
	}
	got := decode[ChatResponse](t, resp)
	if got.Response != "Plain answer" || got.ConversationID != "default" {
		t.Errorf("response = %+v", got)
	}
}

func TestChat_BadRequests(t *testing.T) {
	env := newEnv(t, nil, text("unused"))
	for _, body := range []string{`{"message":""}`, `{"message":`, `{"conversation_id":"x"}`} {
		if resp := env.do(t, http.MethodPost, "/v1/chat", body); resp.StatusCode != http.StatusBadRequest {
			t.Errorf("%s: status = %d, want 400", body, resp.StatusCode)
		}
	}
}

func TestChat_ApprovalOverHTTP(t *testing.T) {
	env := newEnv(t, nil,
		call("call_1", "file_write", `{"path":"note.txt","content":"remember the milk"}`),
		text("Saved."),
	)

	done := make(chan ChatResponse, 1)
	go func() {
		resp, err := http.Post(env.srv.URL+"/v1/chat", "application/json", strings.NewReader(`{"message":"save a note","conversation_id":"c1"}`))
		if err != nil {
			done <- ChatResponse{Error: err.Error()}
			return
		}
		defer resp.Body.Close()
		var out ChatResponse
		_ = json.NewDecoder(resp.Body).Decode(&out)
		done <- out
	}()

	var id string
	deadline := time.Now().Add(5 * time.Second)
	for id == "" && time.Now().Before(deadline) {
		list := decode[struct {
			Approvals []struct {
				ID    string `json:"id"`
				Skill string `json:"skill_name"`
			} `json:"approvals"`
		}](t, env.do(t, http.MethodGet, "/v1/approvals", ""))
		if len(list.Approvals) > 0 {
			if list.Approvals[0].Skill != "file_write" {
				t.Fatalf("pending approval for %s", list.Approvals[0].Skill)
			}
			id = list.Approvals[0].ID
			break
		}
		time.Sleep(10 * time.Millisecond)
	}
	if id == "" {
		t.Fatal("approval never became pending")
	}

	if resp := env.do(t, http.MethodPost, "/v1/approvals/"+id, `{"approved":true}`); resp.StatusCode != http.StatusOK {
		t.Fatalf("resolve status = %d", resp.StatusCode)
	}

	got := <-done
	if got.Response != "Saved." || len(got.ToolCalls) != 1 || got.Error != "" {
		t.Errorf("response = %+v", got)
	}
	data, err := os.ReadFile(filepath.Join(env.sandbox, "note.txt"))
	if err != nil || string(data) != "remember the milk" {
		t.Errorf("note = %q, %v", data, err)
	}

	if resp := env.do(t, http.MethodPost, "/v1/approvals/"+id, `{"approved":true}`); resp.StatusCode != http.StatusNotFound {
		t.Errorf("second resolve status = %d, want 404", resp.StatusCode)
	}
}

func TestWebSocket_ChatWithApproval(t *testing.T) {
	env := newEnv(t, nil,
		call("call_1", "file_write", `{"path":"ws.txt","content":"via websocket"}`),
		text("Written."),
	)

	url := "ws" + strings.TrimPrefix(env.srv.URL, "http") + "/v1/ws"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()
	conn.SetReadDeadline(time.Now().Add(5 * time.Second))

	if err := conn.WriteJSON(map[string]any{"type": "chat", "conversation_id": "ws1", "message": "write it"}); err != nil {
		t.Fatal(err)
	}

	var seen []agent.EventType
	for {
		var frame outboundFrame
		if err := conn.ReadJSON(&frame); err != nil {
			t.Fatalf("read: %v (seen %v)", err, seen)
		}
		if frame.ConversationID != "ws1" {
			t.Errorf("frame for conversation %q", frame.ConversationID)
		}
		seen = append(seen, frame.Type)

		if frame.Type == agent.EventApprovalRequest {
			if err := conn.WriteJSON(map[string]any{"type": "approval", "approval_id": frame.Approval.ID, "approved": true}); err != nil {
				t.Fatal(err)
			}
		}
		if frame.Type == agent.EventDone || frame.Type == agent.EventError {
			break
		}
	}

	want := []agent.EventType{
		agent.EventToolCallStart, agent.EventApprovalRequest, agent.EventToolCallResult,
		agent.EventTokenDelta, agent.EventDone,
	}
	if len(seen) != len(want) {
		t.Fatalf("frames = %v, want %v", seen, want)
	}
	for i := range want {
		if seen[i] != want[i] {
			t.Errorf("frame %d = %s, want %s", i, seen[i], want[i])
		}
	}
	if data, _ := os.ReadFile(filepath.Join(env.sandbox, "ws.txt")); string(data) != "via websocket" {
		t.Errorf("ws.txt = %q", data)
	}
}

func TestWebSocket_BadFrames(t *testing.T) {
	env := newEnv(t, nil, text("unused"))
	url := "ws" + strings.TrimPrefix(env.srv.URL, "http") + "/v1/ws"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatal(err)
	}
	defer conn.Close()
	conn.SetReadDeadline(time.Now().Add(5 * time.Second))

	for _, frame := range []map[string]any{
		{"type": "bogus"},
		{"type": "approval", "approval_id": "missing", "approved": true},
		{"type": "chat", "message": "  "},
	} {
		if err := conn.WriteJSON(frame); err != nil {
			t.Fatal(err)
		}
		var out outboundFrame
		if err := conn.ReadJSON(&out); err != nil {
			t.Fatal(err)
		}
		if out.Type != agent.EventError || out.Error == "" {
			t.Errorf("%v: reply = %+v", frame, out)
		}
	}
}

func TestEvents_StreamsBus(t *testing.T) {
	env := newEnv(t, nil, text("ok"))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	req, _ := http.NewRequestWithContext(ctx, http.MethodGet, env.srv.URL+"/v1/events", nil)
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()

	for env.bus.SubscriberCount() == 0 {
		time.Sleep(time.Millisecond)
	}
	env.do(t, http.MethodPost, "/v1/chat", `{"message":"hi"}`)

	frames := readSSE(t, resp, events.KindRequestComplete)
	if len(frames) == 0 || frames[0].name != events.KindRequestStart {
		t.Fatalf("frames = %+v", frames)
	}
	var ev events.Event
	if err := json.Unmarshal([]byte(frames[0].data), &ev); err != nil || ev.Source != events.SourceAgent {
		t.Errorf("event = %+v (%v)", ev, err)
	}
}

func TestConversations_GetAndDelete(t *testing.T) {
	env := newEnv(t, nil, text("ok"))
	env.do(t, http.MethodPost, "/v1/chat", `{"message":"hi","conversation_id":"c9"}`)
	env.rt.Working().For("c9").Set("topic", "groceries")

	list := decode[struct {
		Count int `json:"count"`
	}](t, env.do(t, http.MethodGet, "/v1/conversations", ""))
	if list.Count != 1 {
		t.Errorf("count = %d", list.Count)
	}

	conv := decode[conversation.Conversation](t, env.do(t, http.MethodGet, "/v1/conversations/c9", ""))
	if len(conv.Messages) != 2 {
		t.Errorf("messages = %d", len(conv.Messages))
	}

	if resp := env.do(t, http.MethodDelete, "/v1/conversations/c9", ""); resp.StatusCode != http.StatusNoContent {
		t.Errorf("delete status = %d", resp.StatusCode)
	}
	if _, ok := env.rt.Working().Lookup("c9"); ok {
		t.Error("working memory survived conversation delete")
	}
	for _, method := range []string{http.MethodGet, http.MethodDelete} {
		if resp := env.do(t, method, "/v1/conversations/c9", ""); resp.StatusCode != http.StatusNotFound {
			t.Errorf("%s after delete: status = %d", method, resp.StatusCode)
		}
	}
}

func TestMemoryEndpoints(t *testing.T) {
	db, err := sql.Open("sqlite", filepath.Join(t.TempDir(), "memory.db"))
	if err != nil {
		t.Fatal(err)
	}
	defer db.Close()
	store, err := vectorstore.New(db, nil)
	if err != nil {
		t.Fatal(err)
	}
	env := newEnv(t, store, text("ok"))

	status := decode[runtime.MemoryStatus](t, env.do(t, http.MethodGet, "/v1/memory/status", ""))
	if !status.Enabled || status.MigrationRequired || status.ActiveModel == "" {
		t.Errorf("status = %+v", status)
	}

	// The first run on an empty store only records the baseline.
	resp := env.do(t, http.MethodPost, "/v1/memory/migrate", "")
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("migrate status = %d", resp.StatusCode)
	}
	report := decode[vectorstore.MigrationReport](t, resp)
	if report.ToModel != status.ActiveModel || report.Reembedded != 0 {
		t.Errorf("report = %+v", report)
	}

	again := decode[vectorstore.MigrationReport](t, env.do(t, http.MethodPost, "/v1/memory/migrate", ""))
	if !again.Skipped {
		t.Errorf("second report = %+v, want skipped", again)
	}
}

func TestMemoryEndpoints_Disabled(t *testing.T) {
	env := newEnv(t, nil, text("ok"))
	status := decode[runtime.MemoryStatus](t, env.do(t, http.MethodGet, "/v1/memory/status", ""))
	if status.Enabled {
		t.Errorf("status = %+v", status)
	}
	if resp := env.do(t, http.MethodPost, "/v1/memory/migrate", ""); resp.StatusCode != http.StatusConflict {
		t.Errorf("migrate status = %d, want 409", resp.StatusCode)
	}
}

func TestHealthAndVersion(t *testing.T) {
	env := newEnv(t, nil, text("ok"))

	health := decode[map[string]string](t, env.do(t, http.MethodGet, "/health", ""))
	if health["status"] != "healthy" {
		t.Errorf("health = %v", health)
	}
	version := decode[map[string]string](t, env.do(t, http.MethodGet, "/v1/version", ""))
	if version["version"] == "" || version["uptime"] == "" {
		t.Errorf("version = %v", version)
	}
	if resp := env.do(t, http.MethodGet, "/nope", ""); resp.StatusCode != http.StatusNotFound {
		t.Errorf("unknown path status = %d", resp.StatusCode)
	}
}
