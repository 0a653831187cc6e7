package llm

import (
	"encoding/json"
	"errors"
	"testing"
)

func TestValidateSequence(t *testing.T) {
	call := ToolCall{ID: "c1", Name: "recall", Arguments: json.RawMessage(`{}`)}

	ok := []Message{NewText(RoleUser, "hi"), NewToolCall(call), NewToolResult("c1", json.RawMessage(`{}`))}
	if err := ValidateSequence(ok); err != nil {
		t.Errorf("valid sequence rejected: %v", err)
	}

	orphan := []Message{NewText(RoleUser, "hi"), NewToolResult("c1", json.RawMessage(`{}`)), NewToolCall(call)}
	if err := ValidateSequence(orphan); !errors.Is(err, ErrOrphanToolResult) {
		t.Errorf("err = %v, want ErrOrphanToolResult", err)
	}

	if err := ValidateSequence([]Message{{Role: RoleUser}}); err == nil {
		t.Error("message without content accepted")
	}
}

func TestMessageJSON(t *testing.T) {
	in := []Message{
		NewText(RoleUser, "hello"),
		NewToolCall(ToolCall{ID: "c1", Name: "recall", Arguments: json.RawMessage(`{"query":"x"}`)}),
		NewToolResult("c1", json.RawMessage(`{"results":[]}`)),
		NewToolError("c2", json.RawMessage(`{"error":"denied"}`)),
	}
	data, err := json.Marshal(in)
	if err != nil {
		t.Fatal(err)
	}

	var out []Message
	if err := json.Unmarshal(data, &out); err != nil {
		t.Fatal(err)
	}
	if out[0].TextOf() != "hello" {
		t.Errorf("text = %q", out[0].TextOf())
	}
	if c, ok := out[1].Content.(ToolCall); !ok || c.Name != "recall" {
		t.Errorf("tool call = %#v", out[1].Content)
	}
	if r, ok := out[2].Content.(ToolResult); !ok || r.ID != "c1" || r.IsError {
		t.Errorf("tool result = %#v", out[2].Content)
	}
	if r, ok := out[3].Content.(ToolResult); !ok || !r.IsError {
		t.Errorf("tool error = %#v", out[3].Content)
	}
}

func TestMessageJSON_Rejects(t *testing.T) {
	for _, raw := range []string{
		`{"role":"robot","text":"x"}`,
		`{"role":"user","type":"image"}`,
		`{"role":"assistant","type":"tool_call"}`,
	} {
		var m Message
		if err := json.Unmarshal([]byte(raw), &m); err == nil {
			t.Errorf("Unmarshal(%s) accepted", raw)
		}
	}

	var m Message
	if err := json.Unmarshal([]byte(`{"role":"user","text":"bare"}`), &m); err != nil || m.TextOf() != "bare" {
		t.Errorf("untyped message should decode as text: %v %#v", err, m)
	}
}

func TestProviderError(t *testing.T) {
	cause := errors.New("dial tcp: refused")
	err := error(&ProviderError{Kind: ErrorNetwork, Provider: "ollama/x", Message: "connection failed", Err: cause})

	if !errors.Is(err, cause) {
		t.Error("ProviderError should unwrap to its cause")
	}
	if KindOf(err) != ErrorNetwork {
		t.Errorf("KindOf = %s", KindOf(err))
	}
	if KindOf(cause) != ErrorOther {
		t.Error("plain errors should classify as other")
	}
	want := "ollama/x: network error: connection failed: dial tcp: refused"
	if err.Error() != want {
		t.Errorf("Error() = %q, want %q", err.Error(), want)
	}
}

func TestStatusError(t *testing.T) {
	tests := map[int]ErrorKind{
		401: ErrorAuth,
		403: ErrorAuth,
		429: ErrorRateLimit,
		500: ErrorNetwork,
		503: ErrorNetwork,
		400: ErrorOther,
		404: ErrorOther,
	}
	for status, want := range tests {
		if got := statusError("p", status, "").Kind; got != want {
			t.Errorf("status %d: kind = %s, want %s", status, got, want)
		}
	}
}
