package tools

import (
	"context"

	"github.com/nugget/hearth/internal/memory"
)

// RegisterWorkingMemory adds the working_memory skill to r. It only
// touches the calling conversation's volatile scratchpad, so it is
// registered ReadOnly and never gated.
func RegisterWorkingMemory(r *Registry, set *memory.WorkingSet) error {
	return r.Register(&Tool{
		Name: "working_memory",
		Description: "Your scratchpad for this conversation only. It is lost when the conversation ends. " +
			"Actions: set stores value under key, get reads a key (or everything when key is omitted), " +
			"note appends to an ordered list of notes, delete removes a key, clear empties everything.",
		Permission: ReadOnly,
		Parameters: map[string]any{
			"type": "object",
			"properties": map[string]any{
				"action": map[string]any{
					"type": "string",
					"enum": []string{"set", "get", "note", "delete", "clear"},
				},
				"key": map[string]any{
					"type":        "string",
					"description": "Key for set, get, and delete",
				},
				"value": map[string]any{
					"type":        "string",
					"description": "Value for set, or the note text for note",
				},
			},
			"required":             []string{"action"},
			"additionalProperties": false,
		},
		Handler: func(ctx context.Context, args map[string]any) (any, error) {
			action, _ := args["action"].(string)
			key, _ := args["key"].(string)
			value, hasValue := args["value"].(string)
			wm := set.For(ConversationIDFromContext(ctx))

			switch action {
			case "set":
				if key == "" || !hasValue {
					return nil, invalidInput("set needs key and value")
				}
				wm.Set(key, value)
				return map[string]any{"ok": true}, nil

			case "get":
				if key == "" {
					return wm.Snapshot(), nil
				}
				v, ok := wm.Get(key)
				return map[string]any{"key": key, "value": v, "found": ok}, nil

			case "note":
				if value == "" {
					return nil, invalidInput("note needs value")
				}
				return map[string]any{"ok": true, "notes": wm.AddNote(value)}, nil

			case "delete":
				if key == "" {
					return nil, invalidInput("delete needs key")
				}
				return map[string]any{"deleted": wm.Delete(key)}, nil

			case "clear":
				wm.Clear()
				return map[string]any{"ok": true}, nil
			}
			return nil, invalidInput("unknown action %q", action)
		},
	})
}
