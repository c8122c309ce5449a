package call

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/looplab/fsm"
	"github.com/pion/webrtc/v4"
	"go.uber.org/zap"

	"pickcreator-backend/internal/audio"
	"pickcreator-backend/internal/media"
	"pickcreator-backend/internal/rtc"
	"pickcreator-backend/internal/signaling"
	"pickcreator-backend/pkg/metrics"
)

const (
	directionOutgoing = "outgoing"
	directionIncoming = "incoming"
)

// Session outcomes, used as metric labels.
const (
	outcomeHungUp            = "hung_up"
	outcomeRemoteEnded       = "remote_ended"
	outcomeRejected          = "rejected"
	outcomeMediaFailed       = "media_failed"
	outcomeNegotiationFailed = "negotiation_failed"
	outcomeSetupFailed       = "setup_failed"
	outcomeLivenessTimeout   = "liveness_timeout"
	outcomeEngineFailed      = "engine_failed"
	outcomeClosed            = "closed"
)

// Deps are the collaborators a Manager drives.
type Deps struct {
	Signaling *signaling.Adapter
	Factory   *rtc.Factory
	Capture   *media.Capture
	// Audio defaults to a reconnector with no output.
	Audio    *audio.Reconnector
	Observer Observer
	Logger   *zap.Logger
}

type earlyCandidate struct {
	from      string
	candidate webrtc.ICECandidateInit
	at        time.Time
}

// Manager owns the call session of one conversation. Every operation and
// every engine or timer callback runs under one lock; blocking steps run
// unlocked and are abandoned if the session was cleaned up meanwhile.
type Manager struct {
	cfg      Config
	sig      *signaling.Adapter
	factory  *rtc.Factory
	capture  *media.Capture
	audio    *audio.Reconnector
	observer Observer
	log      *zap.Logger

	ctx    context.Context
	cancel context.CancelFunc

	mu      sync.Mutex
	machine *fsm.FSM
	session Session
	// gen changes on every cleanup; work captured under an older gen is stale.
	gen         uint64
	nc          *rtc.NegotiationContext
	remoteOffer *webrtc.SessionDescription
	direction   string
	early       []earlyCandidate
	lastSignal  time.Time
	timersStop  chan struct{}
	liveness    *time.Timer
	endedTimer  *time.Timer

	// notifyMu guards the observer queue; acquired after mu, never before.
	notifyMu   sync.Mutex
	outbox     []func(Observer)
	delivering bool
}

// NewManager creates an idle Manager.
func NewManager(cfg Config, deps Deps) *Manager {
	log := deps.Logger
	if log == nil {
		log = zap.NewNop()
	}
	log = log.With(zap.String("conversation_id", deps.Signaling.ConversationID()))

	reconnector := deps.Audio
	if reconnector == nil {
		reconnector = audio.NewReconnector(nil, nil, nil, audio.DefaultConfig(), log)
	}
	observer := deps.Observer
	if observer == nil {
		observer = ObserverFuncs{}
	}

	m := &Manager{
		cfg:      cfg,
		sig:      deps.Signaling,
		factory:  deps.Factory,
		capture:  deps.Capture,
		audio:    reconnector,
		observer: observer,
		log:      log,
		machine:  newMachine(log),
		session:  Session{Status: StatusIdle},
	}
	m.ctx, m.cancel = context.WithCancel(context.Background())
	return m
}

// ConversationID returns the conversation this manager serves.
func (m *Manager) ConversationID() string {
	return m.sig.ConversationID()
}

// Snapshot returns the current session.
func (m *Manager) Snapshot() Session {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.session
}

// Duration returns the connected time as MM:SS.
func (m *Manager) Duration() string {
	return m.Snapshot().Duration()
}

// StartCall places an outgoing call to targetID. It acquires the
// microphone, commits a local offer, lets candidate gathering start and
// then sends the offer. Any failure returns the session to idle.
func (m *Manager) StartCall(targetID string) {
	gen, muted, ok := m.beginOutgoing(targetID)
	if !ok {
		return
	}

	stream, err := m.capture.Acquire(m.ctx, muted)

	offer, ok := m.prepareOffer(gen, stream, err)
	if !ok {
		return
	}

	m.wait(m.cfg.ICEWarmup)
	m.sendOffer(gen, targetID, offer)
}

func (m *Manager) beginOutgoing(targetID string) (uint64, bool, bool) {
	m.mu.Lock()
	defer m.unlock()

	if m.session.Status != StatusIdle {
		m.log.Debug("Start call ignored, session busy", m.fieldsLocked()...)
		return 0, false, false
	}
	if targetID == "" || !m.sig.Ready() {
		m.log.Warn("Cannot start call, signaling not ready", zap.String("target_id", targetID))
		return 0, false, false
	}

	m.session.RemotePartyID = targetID
	m.direction = directionOutgoing
	if !m.fireLocked(eventStartCall) {
		m.session.RemotePartyID = ""
		return 0, false, false
	}

	if err := m.openContextLocked(targetID); err != nil {
		m.log.Warn("Failed to create peer connection", zap.Error(err))
		m.cleanupLocked(outcomeSetupFailed)
		return 0, false, false
	}
	return m.gen, m.session.IsMuted, true
}

func (m *Manager) prepareOffer(gen uint64, stream media.Stream, acquireErr error) (webrtc.SessionDescription, bool) {
	m.mu.Lock()
	defer m.unlock()

	if m.gen != gen {
		m.discardStaleStreamLocked(acquireErr)
		return webrtc.SessionDescription{}, false
	}
	if acquireErr != nil {
		m.mediaFailedLocked(acquireErr)
		m.cleanupLocked(outcomeMediaFailed)
		return webrtc.SessionDescription{}, false
	}
	if err := m.attachLocked(stream); err != nil {
		m.log.Warn("Failed to attach microphone", zap.Error(err))
		m.cleanupLocked(outcomeSetupFailed)
		return webrtc.SessionDescription{}, false
	}

	offer, err := m.nc.CreateOffer()
	if err == nil {
		err = m.nc.SetLocalDescription(offer)
	}
	if err != nil {
		m.log.Warn("Failed to prepare offer", zap.Error(err))
		m.cleanupLocked(outcomeNegotiationFailed)
		return webrtc.SessionDescription{}, false
	}
	return offer, true
}

func (m *Manager) sendOffer(gen uint64, targetID string, offer webrtc.SessionDescription) {
	m.mu.Lock()
	defer m.unlock()

	if m.gen != gen {
		return
	}
	if err := m.sig.SendOffer(targetID, offer); err != nil {
		m.log.Warn("Failed to send offer", zap.String("target_id", targetID), zap.Error(err))
		m.cleanupLocked(outcomeSetupFailed)
		return
	}
	m.log.Info("Calling", zap.String("remote_party_id", targetID))
}

// AcceptCall answers the ringing call. Microphone failure ends the call
// and notifies the caller.
func (m *Manager) AcceptCall() {
	gen, muted, ok := m.beginAccept()
	if !ok {
		return
	}

	stream, err := m.capture.Acquire(m.ctx, muted)
	m.finishAccept(gen, stream, err)
}

func (m *Manager) beginAccept() (uint64, bool, bool) {
	m.mu.Lock()
	defer m.unlock()

	if m.session.Status != StatusRinging {
		m.log.Debug("Accept ignored, nothing ringing", m.fieldsLocked()...)
		return 0, false, false
	}

	if m.nc == nil {
		// Recover a lost context from the stored offer.
		if m.remoteOffer == nil {
			m.log.Warn("No offer to answer")
			m.endCallLocked(outcomeSetupFailed)
			return 0, false, false
		}
		err := m.openContextLocked(m.session.RemotePartyID)
		if err == nil {
			err = m.nc.SetRemoteDescription(*m.remoteOffer)
		}
		if err != nil {
			m.log.Warn("Failed to recreate peer connection", zap.Error(err))
			m.endCallLocked(outcomeSetupFailed)
			return 0, false, false
		}
	}
	return m.gen, m.session.IsMuted, true
}

func (m *Manager) finishAccept(gen uint64, stream media.Stream, acquireErr error) {
	m.mu.Lock()
	defer m.unlock()

	if m.gen != gen {
		m.discardStaleStreamLocked(acquireErr)
		return
	}
	if acquireErr != nil {
		m.mediaFailedLocked(acquireErr)
		m.endCallLocked(outcomeMediaFailed)
		return
	}
	if err := m.attachLocked(stream); err != nil {
		m.log.Warn("Failed to attach microphone", zap.Error(err))
		m.endCallLocked(outcomeSetupFailed)
		return
	}

	answer, err := m.nc.CreateAnswer()
	if err == nil {
		err = m.nc.SetLocalDescription(answer)
	}
	if err != nil {
		m.log.Warn("Failed to prepare answer", zap.Error(err))
		m.endCallLocked(outcomeNegotiationFailed)
		return
	}
	if err := m.sig.SendAnswer(m.session.RemotePartyID, answer); err != nil {
		m.log.Warn("Failed to send answer", zap.Error(err))
		m.endCallLocked(outcomeSetupFailed)
		return
	}

	m.capture.SetEnabled(!m.session.IsMuted)
	m.connectLocked(eventConnect)
}

// RejectCall declines the ringing call.
func (m *Manager) RejectCall() {
	m.mu.Lock()
	defer m.unlock()

	if m.session.Status != StatusRinging {
		m.log.Debug("Reject ignored, nothing ringing", m.fieldsLocked()...)
		return
	}
	if err := m.sig.SendReject(m.session.RemotePartyID); err != nil {
		m.log.Debug("Reject not delivered", zap.Error(err))
	}
	m.cleanupLocked(outcomeRejected)
}

// EndCall hangs up. It is a no-op when idle.
func (m *Manager) EndCall() {
	m.mu.Lock()
	defer m.unlock()

	if !m.session.Status.Active() {
		return
	}
	m.endCallLocked(outcomeHungUp)
}

// ToggleMute flips the mute intent and applies it to the held microphone.
func (m *Manager) ToggleMute() {
	m.mu.Lock()
	defer m.unlock()

	m.session.IsMuted = !m.session.IsMuted
	m.capture.SetEnabled(!m.session.IsMuted)
	m.notifyLocked()
}

// ReconnectAudio rebinds the inbound audio to the output.
func (m *Manager) ReconnectAudio() {
	m.audio.Reconnect()
}

// Close ends any call and abandons in-flight work.
func (m *Manager) Close() {
	m.mu.Lock()
	if m.session.Status.Active() {
		m.endCallLocked(outcomeClosed)
	}
	m.unlock()
	m.cancel()
}

func (m *Manager) endCallLocked(outcome string) {
	if remote := m.session.RemotePartyID; remote != "" {
		if err := m.sig.SendEnd(remote); err != nil {
			m.log.Debug("End notification not delivered", zap.Error(err))
		}
	}
	m.cleanupLocked(outcome)
}

// cleanupLocked releases every resource and returns the session to idle.
func (m *Manager) cleanupLocked(outcome string) {
	prev := m.session

	m.stopTimersLocked()
	if m.endedTimer != nil {
		m.endedTimer.Stop()
		m.endedTimer = nil
	}
	m.audio.Stop()
	m.audio.Handle().Clear()
	m.factory.Teardown()
	m.nc = nil
	m.remoteOffer = nil
	m.capture.Release()

	if prev.Status.Active() {
		m.fireLocked(eventHangUp)
	}
	if Status(m.machine.Current()) == StatusEnded {
		if err := m.machine.Event(context.Background(), eventReset); err != nil {
			m.log.Warn("Failed to reset call state", zap.Error(err))
			m.machine.SetState(string(StatusIdle))
		}
	}

	if prev.Status != StatusIdle {
		direction := m.direction
		if direction == "" {
			direction = directionOutgoing
		}
		metrics.CallSessionsTotal.WithLabelValues(direction, outcome).Inc()
		if prev.Status == StatusConnected {
			metrics.CallSessionActive.Dec()
			metrics.CallSessionDuration.Observe(float64(prev.DurationSeconds))
		}
		m.log.Info("Call finished",
			zap.String("remote_party_id", prev.RemotePartyID),
			zap.String("outcome", outcome),
			zap.String("duration", prev.Duration()))
	}

	m.session = Session{Status: StatusIdle}
	m.direction = ""
	m.gen++
	m.notifyLocked()
}

func (m *Manager) connectLocked(event string) bool {
	if !m.fireLocked(event) {
		return false
	}
	metrics.CallSessionActive.Inc()
	m.startTimersLocked()
	m.audio.ScheduleChecks()
	m.log.Info("Call connected", m.fieldsLocked()...)
	return true
}

// openContextLocked replaces the negotiation context, binding its engine
// events to the current session generation.
func (m *Manager) openContextLocked(remoteID string) error {
	gen, epoch := m.gen, m.audio.Epoch()
	nc, err := m.factory.Create(rtc.Handlers{
		OnCandidate: func(c webrtc.ICECandidateInit) {
			m.sendCandidate(gen, c)
		},
		OnTrack: func(track *webrtc.TrackRemote) {
			m.remoteTrack(gen, epoch, track)
		},
		OnConnectionState: func(state webrtc.PeerConnectionState) {
			m.engineStateChanged(gen, state)
		},
		OnICEConnectionState: func(state webrtc.ICEConnectionState) {
			m.iceStateChanged(gen, state)
		},
	})
	if err != nil {
		return err
	}
	m.nc = nc
	m.adoptEarlyLocked(remoteID)
	return nil
}

func (m *Manager) attachLocked(stream media.Stream) error {
	for _, track := range stream.AudioTracks() {
		if err := m.nc.AddTrack(track.Local()); err != nil {
			return err
		}
	}
	return nil
}

func (m *Manager) mediaFailedLocked(err error) {
	var accessErr *media.AccessError
	if !errors.As(err, &accessErr) {
		accessErr = &media.AccessError{Kind: media.Classify(err), Err: err}
	}
	m.log.Error("Microphone access failed",
		zap.String("kind", string(accessErr.Kind)),
		zap.Error(err))
	m.enqueue(func(o Observer) { o.MediaAccessFailed(accessErr) })
}

// discardStaleStreamLocked releases a stream acquired for a session that
// was cleaned up while the acquisition was in flight.
func (m *Manager) discardStaleStreamLocked(acquireErr error) {
	if acquireErr == nil && m.session.Status == StatusIdle {
		m.capture.Release()
	}
}

func (m *Manager) fireLocked(event string) bool {
	if err := m.machine.Event(context.Background(), event); err != nil {
		m.log.Debug("Call transition rejected",
			zap.String("event", event),
			zap.String("status", m.machine.Current()),
			zap.Error(err))
		return false
	}
	m.session.Status = Status(m.machine.Current())
	m.notifyLocked()
	return true
}

func (m *Manager) fieldsLocked() []zap.Field {
	return []zap.Field{
		zap.String("status", string(m.session.Status)),
		zap.String("remote_party_id", m.session.RemotePartyID),
	}
}

// fromRemoteLocked reports whether msg may act on the current session.
// Relays that do not stamp identities leave candidates anonymous.
func (m *Manager) fromRemoteLocked(msg *signaling.Message) bool {
	sender := msg.Sender()
	return sender == "" || sender == m.session.RemotePartyID
}

func (m *Manager) wait(d time.Duration) {
	if d <= 0 {
		return
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
	case <-m.ctx.Done():
	}
}

func (m *Manager) notifyLocked() {
	s := m.session
	m.enqueue(func(o Observer) { o.SessionChanged(s) })
}

func (m *Manager) enqueue(fn func(Observer)) {
	m.notifyMu.Lock()
	m.outbox = append(m.outbox, fn)
	m.notifyMu.Unlock()
}

// unlock releases mu and delivers queued observer callbacks in order.
// A callback that re-enters the manager has its own notifications
// delivered by the outer loop.
func (m *Manager) unlock() {
	m.mu.Unlock()

	m.notifyMu.Lock()
	if m.delivering {
		m.notifyMu.Unlock()
		return
	}
	m.delivering = true
	for len(m.outbox) > 0 {
		batch := m.outbox
		m.outbox = nil
		m.notifyMu.Unlock()
		for _, fn := range batch {
			fn(m.observer)
		}
		m.notifyMu.Lock()
	}
	m.delivering = false
	m.notifyMu.Unlock()
}
