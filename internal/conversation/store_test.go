package conversation

import (
	"encoding/json"
	"fmt"
	"testing"

	"github.com/nugget/hearth/internal/llm"
)

func TestStore_AppendAndCopy(t *testing.T) {
	s := NewStore(0)
	s.Append("c1", llm.NewText(llm.RoleUser, "hello"), llm.NewText(llm.RoleAssistant, "hi"))

	msgs := s.Messages("c1")
	if len(msgs) != 2 {
		t.Fatalf("messages = %d, want 2", len(msgs))
	}
	if msgs[0].Timestamp.IsZero() {
		t.Error("timestamp not set")
	}

	msgs[0] = llm.NewText(llm.RoleUser, "mutated")
	if got := s.Messages("c1")[0].TextOf(); got != "hello" {
		t.Errorf("store was mutated through copy: %q", got)
	}
	if s.Messages("missing") != nil {
		t.Error("expected nil for unknown conversation")
	}
}

func TestStore_TrimKeepsSystemAndDropsOrphans(t *testing.T) {
	s := NewStore(12)
	s.Append("c1", llm.NewText(llm.RoleSystem, "be brief"))
	for i := range 10 {
		s.Append("c1", llm.NewText(llm.RoleUser, fmt.Sprintf("q%d", i)))
	}
	call := llm.ToolCall{ID: "t1", Name: "recall", Arguments: json.RawMessage(`{}`)}
	s.Append("c1", llm.NewToolCall(call), llm.NewToolResult("t1", json.RawMessage(`{}`)))
	s.Append("c1", llm.NewText(llm.RoleAssistant, "done"))

	msgs := s.Messages("c1")
	if msgs[0].Role != llm.RoleSystem {
		t.Errorf("system message not kept first: %+v", msgs[0])
	}
	if err := llm.ValidateSequence(msgs); err != nil {
		t.Errorf("trimmed history is invalid: %v", err)
	}
	if last := msgs[len(msgs)-1].TextOf(); last != "done" {
		t.Errorf("last = %q", last)
	}
}

func TestTrim_DropsLeadingToolResult(t *testing.T) {
	var msgs []llm.Message
	msgs = append(msgs, llm.NewToolCall(llm.ToolCall{ID: "a", Name: "x", Arguments: json.RawMessage(`{}`)}))
	msgs = append(msgs, llm.NewToolResult("a", json.RawMessage(`{}`)))
	for i := range 10 {
		msgs = append(msgs, llm.NewText(llm.RoleUser, fmt.Sprint(i)))
	}

	got := trim(msgs, 11)
	if len(got) != 10 {
		t.Fatalf("len = %d, want 10", len(got))
	}
	if err := llm.ValidateSequence(got); err != nil {
		t.Errorf("ValidateSequence: %v", err)
	}
}

func TestStore_DeleteRunsHooks(t *testing.T) {
	s := NewStore(0)
	s.Append("c1", llm.NewText(llm.RoleUser, "hello"))

	var dropped []string
	s.OnDelete(func(id string) { dropped = append(dropped, "first:"+id) })
	s.OnDelete(func(id string) { dropped = append(dropped, "second:"+id) })

	if !s.Delete("c1") {
		t.Error("Delete returned false for stored conversation")
	}
	if s.Delete("never-stored") {
		t.Error("Delete returned true for unknown conversation")
	}

	want := []string{"first:c1", "second:c1", "first:never-stored", "second:never-stored"}
	if fmt.Sprint(dropped) != fmt.Sprint(want) {
		t.Errorf("hooks = %v, want %v", dropped, want)
	}
	if s.Get("c1") != nil {
		t.Error("conversation still present")
	}
}

func TestStore_ListAndStats(t *testing.T) {
	s := NewStore(0)
	s.Append("old", llm.NewText(llm.RoleUser, "a"))
	s.Append("new", llm.NewText(llm.RoleUser, "b"), llm.NewText(llm.RoleAssistant, "c"))

	list := s.List()
	if len(list) != 2 {
		t.Fatalf("List = %d", len(list))
	}
	stats := s.Stats()
	if stats["conversations"] != 2 || stats["messages"] != 3 {
		t.Errorf("Stats = %v", stats)
	}
}
