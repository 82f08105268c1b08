package entities

import (
	"errors"
	"fmt"
)

// SessionMode selects how the remote agent runs the conversation
type SessionMode string

const (
	SessionModeVocal   SessionMode = "vocal"
	SessionModeChatbot SessionMode = "chatbot"
	SessionModeCustom  SessionMode = "custom"
)

// ErrInvalidSessionMode is returned for a mode outside vocal, chatbot and custom
var ErrInvalidSessionMode = errors.New("invalid sessionMode")

// Validate reports whether the mode is one the backend accepts
func (m SessionMode) Validate() error {
	switch m {
	case SessionModeVocal, SessionModeChatbot, SessionModeCustom:
		return nil
	}
	return fmt.Errorf("%w: %q", ErrInvalidSessionMode, string(m))
}

// MessageRole represents the author of a transcript turn
type MessageRole string

const (
	MessageRoleUser      MessageRole = "user"
	MessageRoleAssistant MessageRole = "assistant"
)

// Turn is one entry of the conversation transcript
type Turn struct {
	Role    MessageRole `json:"role" bson:"role"`
	Content string      `json:"content" bson:"content"`
}

// SessionOptions carries everything the caller chooses when starting a call.
// Nil feature flags are left for the backend to default.
type SessionOptions struct {
	AgentID     *string        `json:"agentId"`
	Mode        SessionMode    `json:"sessionMode"`
	Config      map[string]any `json:"config,omitempty"`
	IsVadActive *bool          `json:"isVadActive,omitempty"`
	IsSttActive *bool          `json:"isSttActive,omitempty"`
	IsLlmActive *bool          `json:"isLlmActive,omitempty"`
	IsTtsActive *bool          `json:"isTtsActive,omitempty"`
}

// WithDefaults returns a copy with the mode defaulted to vocal
func (o SessionOptions) WithDefaults() SessionOptions {
	if o.Mode == "" {
		o.Mode = SessionModeVocal
	}
	return o
}

// Validate validates the session options
func (o SessionOptions) Validate() error {
	return o.Mode.Validate()
}

// AgentIDOrEmpty returns the agent identifier, or "" when none was chosen
func (o SessionOptions) AgentIDOrEmpty() string {
	if o.AgentID == nil {
		return ""
	}
	return *o.AgentID
}

// Bool is a helper for building optional feature flags
func Bool(v bool) *bool { return &v }

// String is a helper for building optional identifiers
func String(v string) *string { return &v }

// CloneTranscript returns a copy that callers may keep after further updates
func CloneTranscript(turns []Turn) []Turn {
	if turns == nil {
		return nil
	}
	out := make([]Turn, len(turns))
	copy(out, turns)
	return out
}
