package call

import (
	"time"

	"github.com/pion/webrtc/v4"
	"go.uber.org/zap"

	"pickcreator-backend/pkg/metrics"
)

// startTimersLocked (re)starts the duration counter, the heartbeat and the
// liveness monitor. DurationSeconds is left as is.
func (m *Manager) startTimersLocked() {
	m.stopTimersLocked()

	stop := make(chan struct{})
	m.timersStop = stop
	m.lastSignal = time.Now()

	go m.every(stop, m.cfg.DurationTick, func() { m.tick(stop) })
	go m.every(stop, m.cfg.HeartbeatInterval, func() { m.heartbeat(stop) })
	if m.cfg.LivenessTimeout > 0 {
		m.liveness = time.AfterFunc(m.cfg.LivenessTimeout, func() { m.checkLiveness(stop) })
	}
}

func (m *Manager) stopTimersLocked() {
	if m.timersStop != nil {
		close(m.timersStop)
		m.timersStop = nil
	}
	if m.liveness != nil {
		m.liveness.Stop()
		m.liveness = nil
	}
}

// markSignalLocked records proof that the remote party is alive.
func (m *Manager) markSignalLocked() {
	m.lastSignal = time.Now()
}

func (m *Manager) every(stop <-chan struct{}, d time.Duration, fn func()) {
	if d <= 0 {
		return
	}
	ticker := time.NewTicker(d)
	defer ticker.Stop()
	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			fn()
		}
	}
}

func (m *Manager) tick(stop chan struct{}) {
	m.mu.Lock()
	defer m.unlock()

	if m.timersStop != stop || m.session.Status != StatusConnected {
		return
	}
	m.session.DurationSeconds++
	m.notifyLocked()
}

func (m *Manager) heartbeat(stop chan struct{}) {
	m.mu.Lock()
	defer m.unlock()

	if m.timersStop != stop || m.session.RemotePartyID == "" {
		return
	}
	if err := m.sig.SendPing(m.session.RemotePartyID); err != nil {
		m.log.Debug("Heartbeat not delivered", zap.Error(err))
	}
}

func (m *Manager) checkLiveness(stop chan struct{}) {
	m.mu.Lock()
	defer m.unlock()

	if m.timersStop != stop || m.session.Status != StatusConnected {
		return
	}
	silence := time.Since(m.lastSignal)
	if silence < m.cfg.LivenessTimeout {
		m.liveness = time.AfterFunc(m.cfg.LivenessTimeout-silence, func() { m.checkLiveness(stop) })
		return
	}

	metrics.LivenessTimeoutsTotal.Inc()
	m.log.Warn("Ending call",
		zap.String("remote_party_id", m.session.RemotePartyID),
		zap.Duration("silence", silence),
		zap.Error(ErrLivenessTimeout))
	m.endCallLocked(outcomeLivenessTimeout)
}

// Engine event sinks. Each is bound to the generation that created the
// peer connection and ignores events once that session is gone.

func (m *Manager) sendCandidate(gen uint64, c webrtc.ICECandidateInit) {
	m.mu.Lock()
	defer m.unlock()

	if m.gen != gen || m.session.RemotePartyID == "" {
		return
	}
	if err := m.sig.SendCandidate(m.session.RemotePartyID, c); err != nil {
		m.log.Debug("Candidate not delivered", zap.Error(err))
	}
}

func (m *Manager) remoteTrack(gen, epoch uint64, track *webrtc.TrackRemote) {
	m.mu.Lock()
	defer m.unlock()

	if m.gen != gen || track == nil || track.Kind() != webrtc.RTPCodecTypeAudio {
		return
	}
	if !m.audio.OnTrackFor(epoch, track) {
		return
	}
	m.log.Debug("Remote audio track received", zap.String("track_id", track.ID()))
}

func (m *Manager) engineStateChanged(gen uint64, state webrtc.PeerConnectionState) {
	m.mu.Lock()
	defer m.unlock()

	if m.gen != gen {
		return
	}
	switch state {
	case webrtc.PeerConnectionStateConnected:
		// A ringing callee connects only through AcceptCall.
		if m.session.Status == StatusCalling {
			m.connectLocked(eventConnect)
		}
	case webrtc.PeerConnectionStateDisconnected,
		webrtc.PeerConnectionStateFailed,
		webrtc.PeerConnectionStateClosed:
		m.engineLostLocked(state.String())
	}
}

func (m *Manager) iceStateChanged(gen uint64, state webrtc.ICEConnectionState) {
	m.mu.Lock()
	defer m.unlock()

	if m.gen != gen {
		return
	}
	switch state {
	case webrtc.ICEConnectionStateDisconnected,
		webrtc.ICEConnectionStateFailed,
		webrtc.ICEConnectionStateClosed:
		m.engineLostLocked("ice-" + state.String())
	}
}

func (m *Manager) engineLostLocked(state string) {
	if !m.session.Status.Active() {
		return
	}
	m.log.Warn("Peer connection lost, ending call",
		zap.String("state", state),
		zap.String("remote_party_id", m.session.RemotePartyID))
	m.endCallLocked(outcomeEngineFailed)
}
