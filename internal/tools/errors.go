package tools

import (
	"encoding/json"
	"errors"
	"fmt"
)

// SkillErrorKind classifies a skill failure.
type SkillErrorKind string

const (
	// InvalidInput means the arguments did not satisfy the skill's contract.
	InvalidInput SkillErrorKind = "invalid_input"
	// Forbidden means a sandbox rule rejected the request.
	Forbidden SkillErrorKind = "forbidden"
	// ExecutionFailed means the skill ran and could not complete.
	ExecutionFailed SkillErrorKind = "execution_failed"
)

// SkillError is a recoverable skill failure. It is fed back to the
// model as a tool result and never ends a turn.
type SkillError struct {
	Kind    SkillErrorKind
	Skill   string
	Message string
}

func (e *SkillError) Error() string {
	return fmt.Sprintf("%s: %s: %s", e.Skill, e.Kind, e.Message)
}

// Result renders the error as the JSON object the model sees.
func (e *SkillError) Result() json.RawMessage {
	raw, _ := json.Marshal(map[string]string{
		"error":   string(e.Kind),
		"skill":   e.Skill,
		"message": e.Message,
	})
	return raw
}

func invalidInput(format string, args ...any) *SkillError {
	return &SkillError{Kind: InvalidInput, Message: fmt.Sprintf(format, args...)}
}

func forbidden(format string, args ...any) *SkillError {
	return &SkillError{Kind: Forbidden, Message: fmt.Sprintf(format, args...)}
}

func failed(format string, args ...any) *SkillError {
	return &SkillError{Kind: ExecutionFailed, Message: fmt.Sprintf(format, args...)}
}

// asSkillError attributes err to skill, keeping its kind when it
// already is a SkillError.
func asSkillError(skill string, err error) *SkillError {
	var se *SkillError
	if errors.As(err, &se) {
		out := *se
		out.Skill = skill
		return &out
	}
	return &SkillError{Kind: ExecutionFailed, Skill: skill, Message: err.Error()}
}
