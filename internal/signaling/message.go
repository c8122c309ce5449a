// Package signaling carries call negotiation messages between the two
// parties of a voice call over a shared relay connection.
package signaling

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/pion/webrtc/v4"
)

// MessageType identifies a signaling message kind on the wire.
type MessageType string

const (
	TypeOffer     MessageType = "call-offer"
	TypeAnswer    MessageType = "call-answer"
	TypeCandidate MessageType = "ice-candidate"
	TypeRejected  MessageType = "call-rejected"
	TypeEnded     MessageType = "call-ended"
	TypePing      MessageType = "call-ping"
)

// Valid reports whether t is a known message kind.
func (t MessageType) Valid() bool {
	switch t {
	case TypeOffer, TypeAnswer, TypeCandidate, TypeRejected, TypeEnded, TypePing:
		return true
	}
	return false
}

// Message is the signaling envelope exchanged through the relay.
// SenderID is stamped by the relay from the authenticated connection and is
// never trusted from the client.
type Message struct {
	Type           MessageType                `json:"type"`
	ConversationID string                     `json:"conversationId"`
	CallerID       string                     `json:"callerId,omitempty"`
	CalleeID       string                     `json:"calleeId,omitempty"`
	TargetUserID   string                     `json:"targetUserId,omitempty"`
	UserID         string                     `json:"userId,omitempty"`
	SenderID       string                     `json:"senderId,omitempty"`
	Offer          *webrtc.SessionDescription `json:"offer,omitempty"`
	Answer         *webrtc.SessionDescription `json:"answer,omitempty"`
	Candidate      *webrtc.ICECandidateInit   `json:"candidate,omitempty"`
	Timestamp      int64                      `json:"timestamp,omitempty"`
}

var (
	ErrUnknownType      = errors.New("unknown signaling message type")
	ErrMissingField     = errors.New("signaling message missing required field")
	ErrNoRecipient      = errors.New("signaling message has no recipient")
	ErrMalformedMessage = errors.New("malformed signaling message")
)

// Decode parses a wire frame into a Message and validates it.
func Decode(data []byte) (*Message, error) {
	var msg Message
	if err := json.Unmarshal(data, &msg); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrMalformedMessage, err)
	}
	if err := msg.Validate(); err != nil {
		return nil, err
	}
	return &msg, nil
}

// Encode serialises m for the wire.
func (m *Message) Encode() ([]byte, error) {
	return json.Marshal(m)
}

// Recipient returns the user the message is addressed to. Answers and
// rejections go back to the caller; everything else names its target.
func (m *Message) Recipient() string {
	switch m.Type {
	case TypeAnswer, TypeRejected:
		return m.CallerID
	default:
		return m.TargetUserID
	}
}

// Sender returns the originating user: the relay-stamped SenderID when
// present, otherwise the identity field the message kind carries.
// Candidates carry no identity of their own.
func (m *Message) Sender() string {
	if m.SenderID != "" {
		return m.SenderID
	}
	switch m.Type {
	case TypeOffer:
		return m.CallerID
	case TypeAnswer, TypeRejected:
		return m.CalleeID
	case TypeEnded, TypePing:
		return m.UserID
	}
	return ""
}

// Validate checks the field set required by the message kind.
func (m *Message) Validate() error {
	if !m.Type.Valid() {
		return fmt.Errorf("%w: %q", ErrUnknownType, m.Type)
	}
	if m.ConversationID == "" {
		return fmt.Errorf("%w: conversationId", ErrMissingField)
	}

	switch m.Type {
	case TypeOffer:
		if m.Offer == nil || m.Offer.SDP == "" {
			return fmt.Errorf("%w: offer", ErrMissingField)
		}
		if m.CallerID == "" {
			return fmt.Errorf("%w: callerId", ErrMissingField)
		}
	case TypeAnswer:
		if m.Answer == nil || m.Answer.SDP == "" {
			return fmt.Errorf("%w: answer", ErrMissingField)
		}
		if m.CalleeID == "" {
			return fmt.Errorf("%w: calleeId", ErrMissingField)
		}
	case TypeCandidate:
		if m.Candidate == nil {
			return fmt.Errorf("%w: candidate", ErrMissingField)
		}
	case TypeRejected:
		if m.CalleeID == "" {
			return fmt.Errorf("%w: calleeId", ErrMissingField)
		}
	case TypeEnded, TypePing:
		if m.UserID == "" {
			return fmt.Errorf("%w: userId", ErrMissingField)
		}
	}

	if m.Recipient() == "" {
		return ErrNoRecipient
	}
	return nil
}
