package domain

import (
	"errors"
	"time"

	"github.com/google/uuid"
)

// ErrCallNotFound is returned when no call record matches a lookup.
var ErrCallNotFound = errors.New("call not found")

// CallRecord is the relay's account of one call between two users of a
// conversation. It is opened by the offer and closed by a rejection or
// hang-up.
type CallRecord struct {
	CallID         uuid.UUID  `json:"call_id"`
	ConversationID string     `json:"conversation_id"`
	CallerID       string     `json:"caller_id"`
	CalleeID       string     `json:"callee_id"`
	CallType       string     `json:"call_type"` // audio
	Status         string     `json:"status"`    // ringing, active, ended, rejected
	StartedAt      time.Time  `json:"started_at"`
	AnsweredAt     *time.Time `json:"answered_at,omitempty"`
	EndedAt        *time.Time `json:"ended_at,omitempty"`
	Duration       int        `json:"duration"` // seconds between answer and end
	EndedBy        string     `json:"ended_by,omitempty"`
}

// Involves reports whether userID is one of the two parties.
func (c *CallRecord) Involves(userID string) bool {
	return userID != "" && (c.CallerID == userID || c.CalleeID == userID)
}

// Open reports whether the call has not reached a final status.
func (c *CallRecord) Open() bool {
	return c.EndedAt == nil
}
