package call

import (
	"time"

	"github.com/pion/webrtc/v4"
	"go.uber.org/zap"

	"pickcreator-backend/internal/signaling"
	"pickcreator-backend/pkg/metrics"
)

var _ signaling.Handler = (*Manager)(nil)

// HandleMessage dispatches an inbound relay message. Messages for other
// conversations or echoed from the local user are ignored.
func (m *Manager) HandleMessage(msg *signaling.Message) {
	if !m.sig.Accepts(msg) {
		return
	}

	switch msg.Type {
	case signaling.TypeOffer:
		m.receiveOffer(msg)
	case signaling.TypeAnswer:
		m.receiveAnswer(msg)
	case signaling.TypeCandidate:
		m.receiveCandidate(msg)
	case signaling.TypeRejected:
		m.receiveRejected(msg)
	case signaling.TypeEnded:
		m.receiveEnded(msg)
	case signaling.TypePing:
		m.receivePing(msg)
	default:
		m.log.Debug("Unhandled signaling message", zap.String("type", string(msg.Type)))
	}
}

// HandleConnState reacts to relay connection changes. A reconnect during
// a connected call pings the remote party so both sides resynchronise.
// Calls still ringing are left alone: a ping would promote the callee
// without an answer.
func (m *Manager) HandleConnState(state signaling.ConnState) {
	m.mu.Lock()
	defer m.unlock()

	switch state {
	case signaling.ConnStateConnect:
		if m.session.Status == StatusConnected && m.session.RemotePartyID != "" {
			if err := m.sig.SendPing(m.session.RemotePartyID); err != nil {
				m.log.Debug("Resync ping not delivered", zap.Error(err))
			}
		}
	case signaling.ConnStateDisconnect:
		m.log.Warn("Signaling disconnected", m.fieldsLocked()...)
	case signaling.ConnStateConnectError:
		m.log.Warn("Signaling connection failed", m.fieldsLocked()...)
	}
}

func (m *Manager) receiveOffer(msg *signaling.Message) {
	m.mu.Lock()
	defer m.unlock()

	if m.session.Status != StatusIdle {
		m.log.Debug("Offer ignored, session busy", m.fieldsLocked()...)
		return
	}
	caller := msg.Sender()
	if caller == "" || msg.Offer == nil {
		return
	}

	offer := *msg.Offer
	m.session.RemotePartyID = caller
	m.direction = directionIncoming
	m.remoteOffer = &offer
	if !m.fireLocked(eventReceiveOffer) {
		m.session.RemotePartyID = ""
		m.remoteOffer = nil
		return
	}

	if err := m.openContextLocked(caller); err != nil {
		m.log.Warn("Failed to create peer connection", zap.Error(err))
		m.cleanupLocked(outcomeSetupFailed)
		return
	}
	if err := m.nc.SetRemoteDescription(offer); err != nil {
		m.log.Warn("Failed to apply offer", zap.Error(err))
		m.cleanupLocked(outcomeNegotiationFailed)
		return
	}
	m.markSignalLocked()
	m.log.Info("Incoming call", zap.String("remote_party_id", caller))
}

func (m *Manager) receiveAnswer(msg *signaling.Message) {
	m.mu.Lock()
	defer m.unlock()

	if m.session.Status != StatusCalling || m.nc == nil || msg.Answer == nil {
		m.log.Debug("Answer ignored", m.fieldsLocked()...)
		return
	}
	if !m.fromRemoteLocked(msg) {
		return
	}
	m.markSignalLocked()

	if err := m.applyAnswerLocked(*msg.Answer); err != nil {
		m.log.Warn("Failed to apply answer, ending call", zap.Error(err))
		m.endCallLocked(outcomeNegotiationFailed)
		return
	}
	m.connectLocked(eventConnect)
}

// applyAnswerLocked applies answer, recovering from a rejected direct
// application according to the engine's signaling state.
func (m *Manager) applyAnswerLocked(answer webrtc.SessionDescription) error {
	nc := m.nc
	err := nc.SetRemoteDescription(answer)
	if err == nil {
		metrics.NegotiationRecoveriesTotal.WithLabelValues("direct", "success").Inc()
		return nil
	}
	metrics.NegotiationRecoveriesTotal.WithLabelValues("direct", "failure").Inc()

	state := nc.SignalingState()
	m.log.Warn("Answer rejected, attempting recovery",
		zap.String("signaling_state", state.String()),
		zap.Error(err))

	path := ""
	switch state {
	case webrtc.SignalingStateStable:
		path = "reoffer"
		err = m.reofferLocked()
		if err == nil {
			err = nc.SetRemoteDescription(answer)
		}
	case webrtc.SignalingStateHaveLocalOffer:
		path = "rollback"
		err = nc.Rollback()
		if err == nil {
			err = nc.SetRemoteDescription(answer)
		}
		if err == nil {
			err = m.reofferLocked()
		}
	}
	if path != "" {
		if err == nil {
			metrics.NegotiationRecoveriesTotal.WithLabelValues(path, "success").Inc()
			return nil
		}
		metrics.NegotiationRecoveriesTotal.WithLabelValues(path, "failure").Inc()
		m.log.Warn("Answer recovery failed", zap.String("path", path), zap.Error(err))
	}

	if err = nc.SetRemoteDescription(answer); err != nil {
		metrics.NegotiationRecoveriesTotal.WithLabelValues("forced", "failure").Inc()
		return err
	}
	metrics.NegotiationRecoveriesTotal.WithLabelValues("forced", "success").Inc()
	return nil
}

func (m *Manager) reofferLocked() error {
	offer, err := m.nc.CreateOffer()
	if err != nil {
		return err
	}
	return m.nc.SetLocalDescription(offer)
}

func (m *Manager) receiveCandidate(msg *signaling.Message) {
	m.mu.Lock()
	defer m.unlock()

	if msg.Candidate == nil {
		return
	}
	if m.session.Status.Active() && !m.fromRemoteLocked(msg) {
		m.log.Debug("Candidate from unexpected sender ignored", zap.String("sender_id", msg.Sender()))
		return
	}
	if m.nc == nil {
		m.holdEarlyLocked(msg.Sender(), *msg.Candidate)
		return
	}
	m.nc.AddCandidate(*msg.Candidate)
	m.markSignalLocked()
}

func (m *Manager) receiveRejected(msg *signaling.Message) {
	m.mu.Lock()
	defer m.unlock()

	if !m.session.Status.Active() || !m.fromRemoteLocked(msg) {
		return
	}
	m.log.Info("Call rejected", zap.String("remote_party_id", m.session.RemotePartyID))
	m.cleanupLocked(outcomeRejected)
}

func (m *Manager) receiveEnded(msg *signaling.Message) {
	m.mu.Lock()
	defer m.unlock()

	if !m.session.Status.Active() || !m.fromRemoteLocked(msg) || m.endedTimer != nil {
		return
	}

	if m.session.Status == StatusConnected && m.cfg.EndedGrace > 0 && !m.audio.Mounted() {
		gen := m.gen
		m.log.Debug("Remote hung up before audio output mounted, delaying cleanup")
		m.endedTimer = time.AfterFunc(m.cfg.EndedGrace, func() {
			m.mu.Lock()
			defer m.unlock()
			if m.gen == gen {
				m.cleanupLocked(outcomeRemoteEnded)
			}
		})
		return
	}
	m.cleanupLocked(outcomeRemoteEnded)
}

func (m *Manager) receivePing(msg *signaling.Message) {
	m.mu.Lock()
	defer m.unlock()

	if m.session.RemotePartyID == "" || !m.fromRemoteLocked(msg) {
		return
	}
	m.markSignalLocked()

	switch m.session.Status {
	case StatusCalling, StatusRinging:
		m.log.Info("Remote party reports a live call, resynchronising", m.fieldsLocked()...)
		m.connectLocked(eventResync)
	}
}

// holdEarlyLocked keeps a candidate that arrived before any peer
// connection exists. The oldest is dropped when the buffer is full.
func (m *Manager) holdEarlyLocked(from string, c webrtc.ICECandidateInit) {
	m.pruneEarlyLocked()
	if limit := m.cfg.MaxEarlyCandidates; limit > 0 && len(m.early) >= limit {
		m.early = m.early[1:]
		metrics.ICECandidatesTotal.WithLabelValues("skipped").Inc()
	}
	m.early = append(m.early, earlyCandidate{from: from, candidate: c, at: time.Now()})
	metrics.ICECandidatesTotal.WithLabelValues("queued").Inc()
}

// adoptEarlyLocked hands held candidates from remoteID, or from no known
// sender, to the new context.
func (m *Manager) adoptEarlyLocked(remoteID string) {
	m.pruneEarlyLocked()
	kept := m.early[:0]
	adopted := 0
	for _, e := range m.early {
		if e.from == "" || e.from == remoteID {
			m.nc.Enqueue(e.candidate)
			adopted++
			continue
		}
		kept = append(kept, e)
	}
	m.early = kept
	if adopted > 0 {
		m.log.Debug("Adopted early candidates", zap.Int("count", adopted))
	}
}

func (m *Manager) pruneEarlyLocked() {
	if m.cfg.EarlyCandidateTTL <= 0 {
		return
	}
	cutoff := time.Now().Add(-m.cfg.EarlyCandidateTTL)
	i := 0
	for i < len(m.early) && m.early[i].at.Before(cutoff) {
		i++
	}
	m.early = m.early[i:]
}
