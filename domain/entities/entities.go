package entities

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// EndReason records which path tore a call down
type EndReason string

const (
	EndReasonHangUp    EndReason = "hang_up"
	EndReasonServerEnd EndReason = "server_end"
	EndReasonServer    EndReason = "server_error"
	EndReasonTransport EndReason = "transport_error"
	EndReasonClosed    EndReason = "closed"
	EndReasonTimeout   EndReason = "handshake_timeout"
	EndReasonLocal     EndReason = "local"
)

// SessionStats is the terminal summary the backend sends once per call
type SessionStats struct {
	Duration          float64 `json:"duration" bson:"duration"`
	MessageCount      int     `json:"messageCount" bson:"message_count"`
	SessionTotalPrice float64 `json:"sessionTotalPrice" bson:"session_total_price"`

	// Extra keeps every field the client does not model
	Extra map[string]any `json:"-" bson:"extra,omitempty"`
}

// UnmarshalJSON decodes the known fields and keeps the rest in Extra
func (s *SessionStats) UnmarshalJSON(data []byte) error {
	type known SessionStats
	var k known
	if err := json.Unmarshal(data, &k); err != nil {
		return err
	}
	var all map[string]any
	if err := json.Unmarshal(data, &all); err != nil {
		return err
	}
	delete(all, "duration")
	delete(all, "messageCount")
	delete(all, "sessionTotalPrice")
	*s = SessionStats(k)
	if len(all) > 0 {
		s.Extra = all
	}
	return nil
}

// ValidationResult is the backend's free-form validation summary
type ValidationResult map[string]any

// CallRecord is the persisted history entry for one finished call
type CallRecord struct {
	ID          string           `json:"id" bson:"_id"`
	WorkspaceID string           `json:"workspace_id" bson:"workspace_id"`
	AgentID     string           `json:"agent_id,omitempty" bson:"agent_id,omitempty"`
	Mode        SessionMode      `json:"session_mode" bson:"session_mode"`
	StartedAt   time.Time        `json:"started_at" bson:"started_at"`
	EndedAt     time.Time        `json:"ended_at" bson:"ended_at"`
	Transcript  []Turn           `json:"transcript" bson:"transcript"`
	Stats       *SessionStats    `json:"stats,omitempty" bson:"stats,omitempty"`
	Validation  ValidationResult `json:"validation,omitempty" bson:"validation,omitempty"`
	EndReason   EndReason        `json:"end_reason" bson:"end_reason"`
	Error       string           `json:"error,omitempty" bson:"error,omitempty"`
}

// NewCallRecord creates a record for a call that has just started
func NewCallRecord(workspaceID string, opts SessionOptions) *CallRecord {
	return &CallRecord{
		ID:          uuid.NewString(),
		WorkspaceID: workspaceID,
		AgentID:     opts.AgentIDOrEmpty(),
		Mode:        opts.Mode,
		StartedAt:   time.Now(),
		Transcript:  make([]Turn, 0),
	}
}

// Duration returns how long the call lasted on the client side
func (c *CallRecord) Duration() time.Duration {
	if c.EndedAt.IsZero() {
		return 0
	}
	return c.EndedAt.Sub(c.StartedAt)
}

// Validate validates the call record before persisting
func (c *CallRecord) Validate() error {
	if c.ID == "" {
		return errors.New("id is required")
	}
	if c.WorkspaceID == "" {
		return errors.New("workspace_id is required")
	}
	if err := c.Mode.Validate(); err != nil {
		return err
	}
	if !c.EndedAt.IsZero() && c.EndedAt.Before(c.StartedAt) {
		return fmt.Errorf("ended_at %s is before started_at %s", c.EndedAt, c.StartedAt)
	}
	return nil
}
