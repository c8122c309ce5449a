package signaling

import (
	"time"

	"github.com/pion/webrtc/v4"
	"go.uber.org/zap"

	"pickcreator-backend/pkg/metrics"
)

// Adapter turns call intents into relay messages scoped to one conversation
// and one local identity.
type Adapter struct {
	transport      Transport
	conversationID string
	localUserID    string
	log            *zap.Logger
	now            func() time.Time
}

// NewAdapter creates an Adapter sending through t.
func NewAdapter(t Transport, conversationID, localUserID string, log *zap.Logger) *Adapter {
	if log == nil {
		log = zap.NewNop()
	}
	return &Adapter{
		transport:      t,
		conversationID: conversationID,
		localUserID:    localUserID,
		log:            log,
		now:            time.Now,
	}
}

// ConversationID returns the conversation this adapter is scoped to.
func (a *Adapter) ConversationID() string {
	return a.conversationID
}

// LocalUserID returns the local party's identity.
func (a *Adapter) LocalUserID() string {
	return a.localUserID
}

// Ready reports whether the transport is connected and the local identity is known.
func (a *Adapter) Ready() bool {
	return a.transport != nil && a.transport.Connected() && a.localUserID != ""
}

// Accepts reports whether an inbound message belongs to this conversation
// and was not sent by the local user.
func (a *Adapter) Accepts(msg *Message) bool {
	if msg == nil || msg.ConversationID != a.conversationID {
		return false
	}
	sender := msg.Sender()
	return sender == "" || sender != a.localUserID
}

func (a *Adapter) SendOffer(targetID string, offer webrtc.SessionDescription) error {
	return a.send(&Message{
		Type:         TypeOffer,
		CallerID:     a.localUserID,
		TargetUserID: targetID,
		Offer:        &offer,
	})
}

func (a *Adapter) SendAnswer(callerID string, answer webrtc.SessionDescription) error {
	return a.send(&Message{
		Type:     TypeAnswer,
		CalleeID: a.localUserID,
		CallerID: callerID,
		Answer:   &answer,
	})
}

func (a *Adapter) SendCandidate(targetID string, candidate webrtc.ICECandidateInit) error {
	return a.send(&Message{
		Type:         TypeCandidate,
		TargetUserID: targetID,
		Candidate:    &candidate,
	})
}

func (a *Adapter) SendReject(callerID string) error {
	return a.send(&Message{
		Type:     TypeRejected,
		CalleeID: a.localUserID,
		CallerID: callerID,
	})
}

func (a *Adapter) SendEnd(targetID string) error {
	return a.send(&Message{
		Type:         TypeEnded,
		UserID:       a.localUserID,
		TargetUserID: targetID,
	})
}

func (a *Adapter) SendPing(targetID string) error {
	return a.send(&Message{
		Type:         TypePing,
		UserID:       a.localUserID,
		TargetUserID: targetID,
	})
}

func (a *Adapter) send(msg *Message) error {
	msg.ConversationID = a.conversationID
	msg.Timestamp = a.now().UnixMilli()

	if a.transport == nil || !a.transport.Connected() {
		metrics.SignalingMessagesTotal.WithLabelValues(string(msg.Type), "dropped").Inc()
		a.log.Debug("Signaling transport unavailable, message not sent",
			zap.String("type", string(msg.Type)),
			zap.String("recipient", msg.Recipient()))
		return ErrTransportUnavailable
	}

	if err := a.transport.Send(msg); err != nil {
		metrics.SignalingMessagesTotal.WithLabelValues(string(msg.Type), "dropped").Inc()
		a.log.Warn("Failed to send signaling message",
			zap.String("type", string(msg.Type)),
			zap.String("recipient", msg.Recipient()),
			zap.Error(err))
		return err
	}

	metrics.SignalingMessagesTotal.WithLabelValues(string(msg.Type), "outbound").Inc()
	return nil
}
