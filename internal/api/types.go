package api

import (
	"github.com/alexlevy0/mycompanion/domain/entities"
	"github.com/alexlevy0/mycompanion/internal/duplex"
)

// StartCallRequest represents the request payload for starting a call
type StartCallRequest struct {
	AgentID     *string              `json:"agentId"`
	SessionMode entities.SessionMode `json:"sessionMode"`
	Config      map[string]any       `json:"config,omitempty"`
	IsVadActive *bool                `json:"isVadActive,omitempty"`
	IsSttActive *bool                `json:"isSttActive,omitempty"`
	IsLlmActive *bool                `json:"isLlmActive,omitempty"`
	IsTtsActive *bool                `json:"isTtsActive,omitempty"`
}

// Options converts the request into session options
func (r StartCallRequest) Options() entities.SessionOptions {
	return entities.SessionOptions{
		AgentID:     r.AgentID,
		Mode:        r.SessionMode,
		Config:      r.Config,
		IsVadActive: r.IsVadActive,
		IsSttActive: r.IsSttActive,
		IsLlmActive: r.IsLlmActive,
		IsTtsActive: r.IsTtsActive,
	}
}

// SendMessageRequest represents the request payload for a typed message
type SendMessageRequest struct {
	Text string `json:"text"`
}

// CallStateResponse is the current call snapshot plus the last terminal stats
type CallStateResponse struct {
	duplex.Snapshot
	Stats      *entities.SessionStats    `json:"stats,omitempty"`
	Validation entities.ValidationResult `json:"validation,omitempty"`
}

// MuteResponse reports the microphone state after a toggle
type MuteResponse struct {
	Muted bool `json:"muted"`
}

// TranscriptResponse carries the latest transcript
type TranscriptResponse struct {
	Conversation []entities.Turn `json:"conversation"`
}

// CallListResponse is a page of call history
type CallListResponse struct {
	Calls []*entities.CallRecord `json:"calls"`
}

// ErrorResponse represents an error response
type ErrorResponse struct {
	Error   string `json:"error"`
	Message string `json:"message,omitempty"`
}
