package duplex

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/alexlevy0/mycompanion/domain/entities"
)

// MessageType is the discriminant of every JSON control frame
type MessageType string

// Outbound control messages
const (
	MessageTypeStart       MessageType = "start"
	MessageTypePing        MessageType = "ping"
	MessageTypeHangUp      MessageType = "hangUp"
	MessageTypeSendMessage MessageType = "sendMessage"
)

// Inbound control messages
const (
	MessageTypeReady                 MessageType = "ready"
	MessageTypeSessionStarted        MessageType = "sessionStarted"
	MessageTypeUserSpeechStart       MessageType = "userSpeechStart"
	MessageTypeUserSpeechEnd         MessageType = "userSpeechEnd"
	MessageTypeSTTTranscription      MessageType = "sttTranscription"
	MessageTypeLLMChunk              MessageType = "llmChunk"
	MessageTypeLLMComplete           MessageType = "llmComplete"
	MessageTypeFirstSentenceInjected MessageType = "firstSentenceInjected"
	MessageTypeConversationUpdated   MessageType = "conversationUpdated"
	MessageTypeInactivityReminder    MessageType = "inactivityReminder"
	MessageTypeModelSpeechStart      MessageType = "modelSpeechStart"
	MessageTypeModelSpeechEnd        MessageType = "modelSpeechEnd"
	MessageTypeModelSpeechResume     MessageType = "modelSpeechResume"
	MessageTypeFunctionCalls         MessageType = "functionCalls"
	MessageTypeHungUp                MessageType = "hungUp"
	MessageTypeStats                 MessageType = "stats"
	MessageTypeEnd                   MessageType = "end"
	MessageTypeError                 MessageType = "error"
	MessageTypePong                  MessageType = "pong"
)

// defaultServerError is reported when an error frame carries no text
const defaultServerError = "Unknown error from server."

var (
	errMissingType     = errors.New("message missing type field")
	errUnsupportedType = errors.New("unsupported message type")
)

var inboundTypes = map[MessageType]bool{
	MessageTypeReady:                 true,
	MessageTypeSessionStarted:        true,
	MessageTypeUserSpeechStart:       true,
	MessageTypeUserSpeechEnd:         true,
	MessageTypeSTTTranscription:      true,
	MessageTypeLLMChunk:              true,
	MessageTypeLLMComplete:           true,
	MessageTypeFirstSentenceInjected: true,
	MessageTypeConversationUpdated:   true,
	MessageTypeInactivityReminder:    true,
	MessageTypeModelSpeechStart:      true,
	MessageTypeModelSpeechEnd:        true,
	MessageTypeModelSpeechResume:     true,
	MessageTypeFunctionCalls:         true,
	MessageTypeHungUp:                true,
	MessageTypeStats:                 true,
	MessageTypeEnd:                   true,
	MessageTypeError:                 true,
	MessageTypePong:                  true,
}

// BaseMessage carries only the discriminant
type BaseMessage struct {
	Type MessageType `json:"type"`
}

// StartMessage is sent in reply to ready
type StartMessage struct {
	Type        MessageType          `json:"type"`
	WorkspaceID string               `json:"workspaceId"`
	Config      map[string]any       `json:"config,omitempty"`
	AgentID     *string              `json:"agentId"`
	SessionMode entities.SessionMode `json:"sessionMode"`
	IsVadActive *bool                `json:"isVadActive,omitempty"`
	IsSttActive *bool                `json:"isSttActive,omitempty"`
	IsLlmActive *bool                `json:"isLlmActive,omitempty"`
	IsTtsActive *bool                `json:"isTtsActive,omitempty"`
}

// NewStartMessage builds the start message for a session
func NewStartMessage(workspaceID string, opts entities.SessionOptions) *StartMessage {
	return &StartMessage{
		Type:        MessageTypeStart,
		WorkspaceID: workspaceID,
		Config:      opts.Config,
		AgentID:     opts.AgentID,
		SessionMode: opts.Mode,
		IsVadActive: opts.IsVadActive,
		IsSttActive: opts.IsSttActive,
		IsLlmActive: opts.IsLlmActive,
		IsTtsActive: opts.IsTtsActive,
	}
}

// SendMessageMessage carries a typed user message
type SendMessageMessage struct {
	Type MessageType `json:"type"`
	Text string      `json:"text"`
}

// InboundMessage is a decoded control frame from the backend
type InboundMessage struct {
	Type MessageType

	// HasConversation distinguishes an absent transcript from an empty one
	HasConversation bool
	Conversation    []entities.Turn

	FunctionCalls []entities.FunctionCall
	Stats         *entities.SessionStats
	Validation    entities.ValidationResult
	Error         string
}

type inboundWire struct {
	Type          MessageType     `json:"type"`
	Conversation  json.RawMessage `json:"conversation"`
	FunctionCalls json.RawMessage `json:"functionCalls"`
	Stats         json.RawMessage `json:"stats"`
	Validation    json.RawMessage `json:"validation"`
	Error         json.RawMessage `json:"error"`
}

// DecodeInbound parses and validates a text frame from the backend
func DecodeInbound(data []byte) (*InboundMessage, error) {
	var wire inboundWire
	if err := json.Unmarshal(data, &wire); err != nil {
		return nil, fmt.Errorf("invalid JSON format: %w", err)
	}
	if wire.Type == "" {
		return nil, errMissingType
	}
	if !inboundTypes[wire.Type] {
		return nil, fmt.Errorf("%w: %s", errUnsupportedType, wire.Type)
	}

	msg := &InboundMessage{Type: wire.Type}

	if present(wire.Conversation) {
		var turns []entities.Turn
		if err := json.Unmarshal(wire.Conversation, &turns); err != nil {
			return nil, fmt.Errorf("invalid conversation in %s message: %w", wire.Type, err)
		}
		if turns == nil {
			turns = []entities.Turn{}
		}
		msg.HasConversation = true
		msg.Conversation = turns
	}

	switch wire.Type {
	case MessageTypeFunctionCalls:
		if present(wire.FunctionCalls) {
			if err := json.Unmarshal(wire.FunctionCalls, &msg.FunctionCalls); err != nil {
				return nil, fmt.Errorf("invalid functionCalls message: %w", err)
			}
		}
	case MessageTypeStats:
		if present(wire.Stats) {
			var stats entities.SessionStats
			if err := json.Unmarshal(wire.Stats, &stats); err != nil {
				return nil, fmt.Errorf("invalid stats message: %w", err)
			}
			msg.Stats = &stats
		}
		if present(wire.Validation) {
			if err := json.Unmarshal(wire.Validation, &msg.Validation); err != nil {
				return nil, fmt.Errorf("invalid validation in stats message: %w", err)
			}
		}
	case MessageTypeError:
		msg.Error = errorText(wire.Error)
	}

	return msg, nil
}

func present(raw json.RawMessage) bool {
	return len(raw) > 0 && !bytes.Equal(raw, []byte("null"))
}

func errorText(raw json.RawMessage) string {
	if !present(raw) {
		return defaultServerError
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		if s == "" {
			return defaultServerError
		}
		return s
	}
	return string(raw)
}

// IsTranscriptType reports whether t may carry a full conversation
func IsTranscriptType(t MessageType) bool {
	switch t {
	case MessageTypeSTTTranscription, MessageTypeLLMChunk, MessageTypeLLMComplete,
		MessageTypeFirstSentenceInjected, MessageTypeConversationUpdated, MessageTypeInactivityReminder:
		return true
	}
	return false
}
