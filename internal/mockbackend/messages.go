package mockbackend

import (
	"github.com/alexlevy0/mycompanion/domain/entities"
	"github.com/alexlevy0/mycompanion/internal/duplex"
)

// inboundMessage is the union of the client's control frames
type inboundMessage struct {
	Type        duplex.MessageType   `json:"type"`
	WorkspaceID string               `json:"workspaceId"`
	AgentID     *string              `json:"agentId"`
	SessionMode entities.SessionMode `json:"sessionMode"`
	Text        string               `json:"text"`
}

type conversationMessage struct {
	Type         duplex.MessageType `json:"type"`
	Conversation []entities.Turn    `json:"conversation"`
}

type functionCallsMessage struct {
	Type          duplex.MessageType      `json:"type"`
	FunctionCalls []entities.FunctionCall `json:"functionCalls"`
}

type statsMessage struct {
	Type       duplex.MessageType        `json:"type"`
	Stats      entities.SessionStats     `json:"stats"`
	Validation entities.ValidationResult `json:"validation"`
}

type errorMessage struct {
	Type  duplex.MessageType `json:"type"`
	Error string             `json:"error"`
}
