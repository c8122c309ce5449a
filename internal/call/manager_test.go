package call_test

import (
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/pion/webrtc/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"pickcreator-backend/internal/audio"
	"pickcreator-backend/internal/call"
	"pickcreator-backend/internal/media"
	"pickcreator-backend/internal/media/mediatest"
	"pickcreator-backend/internal/rtc"
	"pickcreator-backend/internal/rtc/rtctest"
	"pickcreator-backend/internal/signaling"
)

const (
	conv  = "conv-1"
	alice = "alice"
	bob   = "bob"
	carol = "carol"
)

type fakeTransport struct {
	mu        sync.Mutex
	connected bool
	sent      []signaling.Message
}

func (f *fakeTransport) Send(msg *signaling.Message) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if !f.connected {
		return signaling.ErrTransportUnavailable
	}
	f.sent = append(f.sent, *msg)
	return nil
}

func (f *fakeTransport) Connected() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.connected
}

func (f *fakeTransport) setConnected(c bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.connected = c
}

func (f *fakeTransport) messages(typ signaling.MessageType) []signaling.Message {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []signaling.Message
	for _, m := range f.sent {
		if m.Type == typ {
			out = append(out, m)
		}
	}
	return out
}

func (f *fakeTransport) count(typ signaling.MessageType) int {
	return len(f.messages(typ))
}

type recorder struct {
	mu       sync.Mutex
	sessions []call.Session
	failures []*media.AccessError
}

func (r *recorder) SessionChanged(s call.Session) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sessions = append(r.sessions, s)
}

func (r *recorder) MediaAccessFailed(err *media.AccessError) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.failures = append(r.failures, err)
}

func (r *recorder) statuses() []call.Status {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []call.Status
	for _, s := range r.sessions {
		if len(out) == 0 || out[len(out)-1] != s.Status {
			out = append(out, s.Status)
		}
	}
	return out
}

func (r *recorder) failureList() []*media.AccessError {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]*media.AccessError(nil), r.failures...)
}

type harness struct {
	transport *fakeTransport
	builder   *rtctest.Builder
	devices   *mediatest.Devices
	rec       *recorder
	m         *call.Manager
}

func testConfig() call.Config {
	return call.Config{
		HeartbeatInterval:  20 * time.Millisecond,
		LivenessTimeout:    2 * time.Second,
		DurationTick:       50 * time.Millisecond,
		EndedGrace:         80 * time.Millisecond,
		MaxEarlyCandidates: 4,
		EarlyCandidateTTL:  time.Minute,
	}
}

func newHarness(t *testing.T) *harness {
	return newHarnessWith(t, testConfig(), nil)
}

func newHarnessWith(t *testing.T, cfg call.Config, reconnector *audio.Reconnector) *harness {
	t.Helper()
	h := &harness{
		transport: &fakeTransport{connected: true},
		builder:   &rtctest.Builder{},
		devices:   &mediatest.Devices{},
		rec:       &recorder{},
	}
	h.m = call.NewManager(cfg, call.Deps{
		Signaling: signaling.NewAdapter(h.transport, conv, alice, nil),
		Factory:   rtc.NewFactory(h.builder, nil),
		Capture:   media.NewCapture(h.devices, nil),
		Audio:     reconnector,
		Observer:  h.rec,
	})
	t.Cleanup(h.m.Close)
	return h
}

func mountedReconnector(t *testing.T) *audio.Reconnector {
	out := audio.NewOggOutput(filepath.Join(t.TempDir(), "remote.ogg"), false, nil)
	t.Cleanup(func() { _ = out.Close() })
	return audio.NewReconnector(out, &audio.GestureBus{}, nil, audio.DefaultConfig(), nil)
}

func (h *harness) status() call.Status {
	return h.m.Snapshot().Status
}

func (h *harness) connectOutgoing(t *testing.T) *rtctest.Engine {
	t.Helper()
	h.m.StartCall(bob)
	require.Equal(t, call.StatusCalling, h.status())
	h.m.HandleMessage(answerFrom(bob))
	require.Equal(t, call.StatusConnected, h.status())
	return h.builder.Last()
}

func (h *harness) ring(t *testing.T) *rtctest.Engine {
	t.Helper()
	h.m.HandleMessage(offerFrom(bob))
	require.Equal(t, call.StatusRinging, h.status())
	return h.builder.Last()
}

func (h *harness) connectIncoming(t *testing.T) *rtctest.Engine {
	t.Helper()
	engine := h.ring(t)
	h.m.AcceptCall()
	require.Equal(t, call.StatusConnected, h.status())
	return engine
}

func (h *harness) assertReleased(t *testing.T) {
	t.Helper()
	s := h.m.Snapshot()
	assert.Equal(t, call.Session{Status: call.StatusIdle}, s)
	assert.Zero(t, h.builder.Live(), "peer connection left open")
	assert.Zero(t, h.devices.LiveStreams(), "microphone left open")
}

func offerFrom(id string) *signaling.Message {
	return &signaling.Message{
		Type:           signaling.TypeOffer,
		ConversationID: conv,
		CallerID:       id,
		TargetUserID:   alice,
		Offer:          &webrtc.SessionDescription{Type: webrtc.SDPTypeOffer, SDP: rtctest.OfferSDP},
	}
}

func answerFrom(id string) *signaling.Message {
	return &signaling.Message{
		Type:           signaling.TypeAnswer,
		ConversationID: conv,
		CallerID:       alice,
		CalleeID:       id,
		Answer:         &webrtc.SessionDescription{Type: webrtc.SDPTypeAnswer, SDP: rtctest.AnswerSDP},
	}
}

func candidateFrom(id, candidate string) *signaling.Message {
	return &signaling.Message{
		Type:           signaling.TypeCandidate,
		ConversationID: conv,
		TargetUserID:   alice,
		SenderID:       id,
		Candidate:      &webrtc.ICECandidateInit{Candidate: candidate},
	}
}

func rejectedFrom(id string) *signaling.Message {
	return &signaling.Message{
		Type:           signaling.TypeRejected,
		ConversationID: conv,
		CallerID:       alice,
		CalleeID:       id,
	}
}

func endedFrom(id string) *signaling.Message {
	return &signaling.Message{
		Type:           signaling.TypeEnded,
		ConversationID: conv,
		UserID:         id,
		TargetUserID:   alice,
	}
}

func pingFrom(id string) *signaling.Message {
	return &signaling.Message{
		Type:           signaling.TypePing,
		ConversationID: conv,
		UserID:         id,
		TargetUserID:   alice,
	}
}

func TestStartCallSendsOfferAfterLocalDescription(t *testing.T) {
	h := newHarness(t)

	h.m.StartCall(bob)

	assert.Equal(t, call.StatusCalling, h.status())
	assert.Equal(t, bob, h.m.Snapshot().RemotePartyID)

	engine := h.builder.Last()
	require.NotNil(t, engine)
	assert.Equal(t, []string{"add-track", "create-offer", "set-local:offer"}, engine.OpsCopy())

	offers := h.transport.messages(signaling.TypeOffer)
	require.Len(t, offers, 1)
	assert.Equal(t, alice, offers[0].CallerID)
	assert.Equal(t, bob, offers[0].TargetUserID)
	assert.Equal(t, conv, offers[0].ConversationID)
	require.NotNil(t, offers[0].Offer)
	assert.Equal(t, webrtc.SDPTypeOffer, offers[0].Offer.Type)
	assert.Equal(t, []media.Constraints{media.MinimalConstraints()}, h.devices.Requests())
}

func TestStartCallRequiresSignaling(t *testing.T) {
	h := newHarness(t)
	h.transport.setConnected(false)

	h.m.StartCall(bob)

	assert.Equal(t, call.StatusIdle, h.status())
	assert.Empty(t, h.builder.Engines())
	assert.Empty(t, h.devices.Requests())
}

func TestStartCallIgnoredWhileBusy(t *testing.T) {
	h := newHarness(t)
	h.m.StartCall(bob)

	h.m.StartCall(carol)

	assert.Equal(t, bob, h.m.Snapshot().RemotePartyID)
	assert.Len(t, h.builder.Engines(), 1)
	assert.Equal(t, 1, h.transport.count(signaling.TypeOffer))
}

func TestStartCallMicrophoneDenied(t *testing.T) {
	h := newHarness(t)
	h.devices.Errs = []error{media.ErrPermissionDenied, media.ErrPermissionDenied}

	h.m.StartCall(bob)

	h.assertReleased(t)
	assert.Zero(t, h.transport.count(signaling.TypeOffer))
	assert.Len(t, h.devices.Requests(), 2, "fallback constraints tried")

	failures := h.rec.failureList()
	require.Len(t, failures, 1)
	assert.Equal(t, media.KindPermissionDenied, failures[0].Kind)
	assert.ErrorIs(t, failures[0], media.ErrPermissionDenied)

	statuses := h.rec.statuses()
	require.NotEmpty(t, statuses)
	assert.Equal(t, call.StatusCalling, statuses[0])
	assert.Equal(t, call.StatusIdle, statuses[len(statuses)-1])
}

func TestStartCallFallsBackToRelaxedConstraints(t *testing.T) {
	h := newHarness(t)
	h.devices.Errs = []error{media.ErrOverconstrained}

	h.m.StartCall(bob)

	assert.Equal(t, call.StatusCalling, h.status())
	assert.Equal(t, []media.Constraints{media.MinimalConstraints(), media.FallbackConstraints()}, h.devices.Requests())
	assert.Empty(t, h.rec.failureList())
}

func TestEndCallDuringMicrophoneAcquisition(t *testing.T) {
	h := newHarness(t)
	block := make(chan struct{})
	h.devices.Block = block

	done := make(chan struct{})
	go func() {
		defer close(done)
		h.m.StartCall(bob)
	}()

	require.Eventually(t, func() bool { return len(h.devices.Requests()) == 1 }, time.Second, 5*time.Millisecond)
	h.m.EndCall()
	assert.Equal(t, call.StatusIdle, h.status())

	close(block)
	<-done

	h.assertReleased(t)
	assert.Zero(t, h.transport.count(signaling.TypeOffer))
}

func TestAnswerConnectsCall(t *testing.T) {
	h := newHarness(t)
	engine := h.connectOutgoing(t)

	assert.Contains(t, engine.OpsCopy(), "set-remote:answer")
	assert.Zero(t, h.m.Snapshot().DurationSeconds)
	assert.Equal(t, "00:00", h.m.Duration())

	require.Eventually(t, func() bool { return h.m.Snapshot().DurationSeconds >= 2 }, time.Second, 10*time.Millisecond)
	assert.Equal(t, call.StatusConnected, h.status())
}

func TestAnswerRecoveryFromHaveLocalOffer(t *testing.T) {
	h := newHarness(t)
	h.m.StartCall(bob)
	engine := h.builder.Last()
	require.Equal(t, webrtc.SignalingStateHaveLocalOffer, engine.SignalingState())
	engine.SetRemoteErrs = []error{assert.AnError}

	h.m.HandleMessage(answerFrom(bob))

	assert.Equal(t, call.StatusConnected, h.status())
	assert.Equal(t, []string{
		"add-track", "create-offer", "set-local:offer",
		"set-remote:answer",
		"set-local:rollback", "set-remote:answer",
		"create-offer", "set-local:offer",
	}, engine.OpsCopy())
}

func TestAnswerRecoveryFromStable(t *testing.T) {
	h := newHarness(t)
	h.m.StartCall(bob)
	engine := h.builder.Last()
	engine.SetSignalingState(webrtc.SignalingStateStable)
	engine.SetRemoteErrs = []error{assert.AnError}

	h.m.HandleMessage(answerFrom(bob))

	assert.Equal(t, call.StatusConnected, h.status())
	ops := engine.OpsCopy()
	assert.Equal(t, []string{"set-remote:answer", "create-offer", "set-local:offer", "set-remote:answer"}, ops[3:])
}

func TestAnswerFailureEndsCall(t *testing.T) {
	h := newHarness(t)
	h.m.StartCall(bob)
	engine := h.builder.Last()
	engine.SetRemoteErrs = []error{assert.AnError, assert.AnError, assert.AnError}

	h.m.HandleMessage(answerFrom(bob))

	h.assertReleased(t)
	ended := h.transport.messages(signaling.TypeEnded)
	require.Len(t, ended, 1)
	assert.Equal(t, bob, ended[0].TargetUserID)
	assert.Equal(t, alice, ended[0].UserID)
}

func TestAnswerFromStrangerIgnored(t *testing.T) {
	h := newHarness(t)
	h.m.StartCall(bob)

	h.m.HandleMessage(answerFrom(carol))

	assert.Equal(t, call.StatusCalling, h.status())
	assert.NotContains(t, h.builder.Last().OpsCopy(), "set-remote:answer")
}

func TestOfferRingsAndAcceptAnswers(t *testing.T) {
	h := newHarness(t)
	engine := h.ring(t)

	assert.Equal(t, bob, h.m.Snapshot().RemotePartyID)
	assert.Empty(t, h.devices.Requests(), "microphone untouched until accepted")

	h.m.AcceptCall()

	assert.Equal(t, call.StatusConnected, h.status())
	assert.Equal(t, []string{"set-remote:offer", "add-track", "create-answer", "set-local:answer"}, engine.OpsCopy())

	answers := h.transport.messages(signaling.TypeAnswer)
	require.Len(t, answers, 1)
	assert.Equal(t, bob, answers[0].CallerID)
	assert.Equal(t, alice, answers[0].CalleeID)
	require.NotNil(t, answers[0].Answer)
	assert.Equal(t, webrtc.SDPTypeAnswer, answers[0].Answer.Type)
}

func TestOfferIgnoredWhileBusy(t *testing.T) {
	h := newHarness(t)
	h.connectOutgoing(t)

	h.m.HandleMessage(offerFrom(carol))

	assert.Equal(t, call.StatusConnected, h.status())
	assert.Equal(t, bob, h.m.Snapshot().RemotePartyID)
	assert.Len(t, h.builder.Engines(), 1)
}

func TestOtherConversationIgnored(t *testing.T) {
	h := newHarness(t)
	msg := offerFrom(bob)
	msg.ConversationID = "conv-2"

	h.m.HandleMessage(msg)

	assert.Equal(t, call.StatusIdle, h.status())
}

func TestCandidatesQueuedUntilAnswerCommitted(t *testing.T) {
	h := newHarness(t)
	engine := h.ring(t)

	h.m.HandleMessage(candidateFrom(bob, "c1"))
	h.m.HandleMessage(candidateFrom(bob, "c2"))
	assert.Empty(t, engine.AppliedCandidates())

	h.m.AcceptCall()

	assert.Equal(t, []string{"c1", "c2"}, engine.AppliedCandidates())
	h.m.HandleMessage(candidateFrom(bob, "c3"))
	assert.Equal(t, []string{"c1", "c2", "c3"}, engine.AppliedCandidates())
}

func TestEarlyCandidatesAdoptedByNextOffer(t *testing.T) {
	h := newHarness(t)

	h.m.HandleMessage(candidateFrom(bob, "c1"))
	h.m.HandleMessage(candidateFrom(carol, "other"))
	h.m.HandleMessage(candidateFrom(bob, "c2"))

	engine := h.ring(t)
	h.m.AcceptCall()

	assert.Equal(t, []string{"c1", "c2"}, engine.AppliedCandidates())
}

func TestEarlyCandidatesBounded(t *testing.T) {
	h := newHarness(t)
	for _, c := range []string{"c1", "c2", "c3", "c4", "c5", "c6"} {
		h.m.HandleMessage(candidateFrom(bob, c))
	}

	engine := h.ring(t)
	h.m.AcceptCall()

	assert.Equal(t, []string{"c3", "c4", "c5", "c6"}, engine.AppliedCandidates())
}

func TestCandidateFromStrangerIgnored(t *testing.T) {
	h := newHarness(t)
	engine := h.connectOutgoing(t)

	h.m.HandleMessage(candidateFrom(carol, "intruder"))
	h.m.HandleMessage(candidateFrom(bob, "c1"))

	assert.Equal(t, []string{"c1"}, engine.AppliedCandidates())
}

func TestCandidateErrorDoesNotEndCall(t *testing.T) {
	h := newHarness(t)
	engine := h.connectOutgoing(t)
	engine.CandidateErr = assert.AnError

	h.m.HandleMessage(candidateFrom(bob, "bad"))

	assert.Equal(t, call.StatusConnected, h.status())
}

func TestLocalCandidatesRelayed(t *testing.T) {
	h := newHarness(t)
	h.m.StartCall(bob)
	engine := h.builder.Last()

	engine.FireCandidate(&webrtc.ICECandidate{
		Foundation: "1",
		Priority:   2130706431,
		Address:    "192.0.2.10",
		Protocol:   webrtc.ICEProtocolUDP,
		Port:       50000,
		Typ:        webrtc.ICECandidateTypeHost,
		Component:  1,
	})
	engine.FireCandidate(nil)

	sent := h.transport.messages(signaling.TypeCandidate)
	require.Len(t, sent, 1)
	assert.Equal(t, bob, sent[0].TargetUserID)
	require.NotNil(t, sent[0].Candidate)
	assert.Contains(t, sent[0].Candidate.Candidate, "192.0.2.10")
}

func TestRejectCall(t *testing.T) {
	h := newHarness(t)
	h.ring(t)

	h.m.RejectCall()

	h.assertReleased(t)
	rejected := h.transport.messages(signaling.TypeRejected)
	require.Len(t, rejected, 1)
	assert.Equal(t, bob, rejected[0].CallerID)
	assert.Equal(t, alice, rejected[0].CalleeID)
}

func TestRejectCallOnlyWhileRinging(t *testing.T) {
	h := newHarness(t)
	h.m.StartCall(bob)

	h.m.RejectCall()

	assert.Equal(t, call.StatusCalling, h.status())
	assert.Zero(t, h.transport.count(signaling.TypeRejected))
}

func TestReceiveRejected(t *testing.T) {
	h := newHarness(t)
	h.m.StartCall(bob)

	h.m.HandleMessage(rejectedFrom(bob))

	h.assertReleased(t)
	assert.Zero(t, h.transport.count(signaling.TypeEnded))
}

func TestEndCallReleasesEverything(t *testing.T) {
	h := newHarness(t)
	h.connectOutgoing(t)
	h.m.ToggleMute()

	h.m.EndCall()

	h.assertReleased(t)
	ended := h.transport.messages(signaling.TypeEnded)
	require.Len(t, ended, 1)
	assert.Equal(t, bob, ended[0].TargetUserID)

	statuses := h.rec.statuses()
	assert.Equal(t, []call.Status{call.StatusCalling, call.StatusConnected, call.StatusEnded, call.StatusIdle}, statuses)
}

func TestEndCallWhenIdleIsNoop(t *testing.T) {
	h := newHarness(t)

	h.m.EndCall()
	h.m.EndCall()

	assert.Equal(t, call.StatusIdle, h.status())
	assert.Zero(t, h.transport.count(signaling.TypeEnded))
	assert.Empty(t, h.rec.statuses())
}

func TestRemoteEndedWithMountedOutput(t *testing.T) {
	h := newHarnessWith(t, testConfig(), mountedReconnector(t))
	h.connectOutgoing(t)

	h.m.HandleMessage(endedFrom(bob))

	h.assertReleased(t)
	assert.Zero(t, h.transport.count(signaling.TypeEnded), "no echo of the remote hang-up")
}

func TestRemoteEndedGraceWithoutOutput(t *testing.T) {
	h := newHarness(t)
	h.connectOutgoing(t)

	h.m.HandleMessage(endedFrom(bob))
	assert.Equal(t, call.StatusConnected, h.status())

	require.Eventually(t, func() bool { return h.status() == call.StatusIdle }, time.Second, 10*time.Millisecond)
	h.assertReleased(t)
}

func TestRemoteEndedBeforeConnect(t *testing.T) {
	h := newHarness(t)
	h.ring(t)

	h.m.HandleMessage(endedFrom(bob))

	h.assertReleased(t)
}

func TestRemoteEndedFromStrangerIgnored(t *testing.T) {
	h := newHarness(t)
	h.connectOutgoing(t)

	h.m.HandleMessage(endedFrom(carol))

	assert.Equal(t, call.StatusConnected, h.status())
}

func TestPingResyncsCaller(t *testing.T) {
	h := newHarness(t)
	h.m.StartCall(bob)

	h.m.HandleMessage(pingFrom(bob))

	assert.Equal(t, call.StatusConnected, h.status())
	require.Eventually(t, func() bool { return h.m.Snapshot().DurationSeconds >= 1 }, time.Second, 10*time.Millisecond)
}

func TestPingWhileIdleIgnored(t *testing.T) {
	h := newHarness(t)

	h.m.HandleMessage(pingFrom(bob))

	assert.Equal(t, call.StatusIdle, h.status())
	assert.Empty(t, h.rec.statuses())
}

func TestHeartbeatWhileConnected(t *testing.T) {
	h := newHarness(t)
	h.connectIncoming(t)

	require.Eventually(t, func() bool { return h.transport.count(signaling.TypePing) >= 2 }, time.Second, 10*time.Millisecond)
	ping := h.transport.messages(signaling.TypePing)[0]
	assert.Equal(t, alice, ping.UserID)
	assert.Equal(t, bob, ping.TargetUserID)
}

func TestLivenessTimeoutEndsCall(t *testing.T) {
	cfg := testConfig()
	cfg.LivenessTimeout = 150 * time.Millisecond
	h := newHarnessWith(t, cfg, nil)
	h.connectOutgoing(t)

	require.Eventually(t, func() bool { return h.status() == call.StatusIdle }, 2*time.Second, 10*time.Millisecond)
	h.assertReleased(t)
	assert.Equal(t, 1, h.transport.count(signaling.TypeEnded))
}

func TestSignalsKeepCallAlive(t *testing.T) {
	cfg := testConfig()
	cfg.LivenessTimeout = 150 * time.Millisecond
	h := newHarnessWith(t, cfg, nil)
	h.connectOutgoing(t)

	deadline := time.Now().Add(450 * time.Millisecond)
	for time.Now().Before(deadline) {
		h.m.HandleMessage(pingFrom(bob))
		time.Sleep(30 * time.Millisecond)
	}
	assert.Equal(t, call.StatusConnected, h.status())
}

func TestToggleMute(t *testing.T) {
	h := newHarness(t)
	h.connectOutgoing(t)
	track := h.devices.Streams()[0].Tracks[0]
	require.True(t, track.Enabled())

	h.m.ToggleMute()
	assert.True(t, h.m.Snapshot().IsMuted)
	assert.False(t, track.Enabled())
	assert.Equal(t, call.StatusConnected, h.status())

	// The duration keeps counting while muted.
	muted := h.m.Snapshot().DurationSeconds
	require.Eventually(t, func() bool {
		return h.m.Snapshot().DurationSeconds >= muted+2
	}, time.Second, 10*time.Millisecond)
	assert.True(t, h.m.Snapshot().IsMuted)

	h.m.ToggleMute()
	assert.False(t, h.m.Snapshot().IsMuted)
	assert.True(t, track.Enabled())
	assert.Equal(t, call.StatusConnected, h.status())

	unmuted := h.m.Snapshot().DurationSeconds
	assert.GreaterOrEqual(t, unmuted, muted+2)
	require.Eventually(t, func() bool {
		return h.m.Snapshot().DurationSeconds > unmuted
	}, time.Second, 10*time.Millisecond)
}

func TestToggleMuteBeforeConnectKeepsStatus(t *testing.T) {
	h := newHarness(t)
	h.m.StartCall(bob)

	h.m.ToggleMute()

	assert.Equal(t, call.StatusCalling, h.status())
	assert.True(t, h.m.Snapshot().IsMuted)
	assert.Zero(t, h.m.Snapshot().DurationSeconds)
}

func TestAcceptAppliesMuteIntent(t *testing.T) {
	h := newHarness(t)
	h.ring(t)
	h.m.ToggleMute()

	h.m.AcceptCall()

	require.Equal(t, call.StatusConnected, h.status())
	assert.True(t, h.m.Snapshot().IsMuted)
	assert.False(t, h.devices.Streams()[0].Tracks[0].Enabled())
}

func TestAcceptMicrophoneFailureEndsCall(t *testing.T) {
	h := newHarness(t)
	h.ring(t)
	h.devices.Errs = []error{media.ErrNoDevice, media.ErrNoDevice}

	h.m.AcceptCall()

	h.assertReleased(t)
	assert.Equal(t, 1, h.transport.count(signaling.TypeEnded))
	assert.Zero(t, h.transport.count(signaling.TypeAnswer))
	failures := h.rec.failureList()
	require.Len(t, failures, 1)
	assert.Equal(t, media.KindNoDevice, failures[0].Kind)
}

func TestReconnectPingsDuringCall(t *testing.T) {
	h := newHarnessWith(t, func() call.Config {
		cfg := testConfig()
		cfg.HeartbeatInterval = time.Hour
		return cfg
	}(), nil)
	h.connectOutgoing(t)

	h.m.HandleConnState(signaling.ConnStateDisconnect)
	h.m.HandleConnState(signaling.ConnStateConnect)

	assert.Equal(t, 1, h.transport.count(signaling.TypePing))
	assert.Equal(t, call.StatusConnected, h.status())
}

func TestReconnectWhileCallingSendsNoPing(t *testing.T) {
	h := newHarness(t)
	h.m.StartCall(bob)

	h.m.HandleConnState(signaling.ConnStateDisconnect)
	h.m.HandleConnState(signaling.ConnStateConnect)

	assert.Zero(t, h.transport.count(signaling.TypePing))
	assert.Equal(t, call.StatusCalling, h.status())
}

func TestReconnectWhileRingingSendsNoPing(t *testing.T) {
	h := newHarness(t)
	h.ring(t)

	h.m.HandleConnState(signaling.ConnStateConnect)

	assert.Zero(t, h.transport.count(signaling.TypePing))
	assert.Zero(t, h.transport.count(signaling.TypeAnswer))
	assert.Equal(t, call.StatusRinging, h.status())
}

func TestReconnectWhileIdleSendsNothing(t *testing.T) {
	h := newHarness(t)

	h.m.HandleConnState(signaling.ConnStateConnect)
	h.m.HandleConnState(signaling.ConnStateConnectError)

	assert.Zero(t, h.transport.count(signaling.TypePing))
}

func TestEngineFailureEndsCall(t *testing.T) {
	h := newHarness(t)
	engine := h.connectOutgoing(t)

	engine.FireConnectionState(webrtc.PeerConnectionStateFailed)

	h.assertReleased(t)
	assert.Equal(t, 1, h.transport.count(signaling.TypeEnded))
}

func TestICEDisconnectEndsCall(t *testing.T) {
	h := newHarness(t)
	engine := h.connectIncoming(t)

	engine.FireICEConnectionState(webrtc.ICEConnectionStateDisconnected)

	h.assertReleased(t)
}

func TestEngineConnectedPromotesCaller(t *testing.T) {
	h := newHarness(t)
	h.m.StartCall(bob)

	h.builder.Last().FireConnectionState(webrtc.PeerConnectionStateConnected)

	assert.Equal(t, call.StatusConnected, h.status())
}

func TestEngineConnectedLeavesRingingCall(t *testing.T) {
	h := newHarness(t)
	engine := h.ring(t)

	engine.FireConnectionState(webrtc.PeerConnectionStateConnected)

	assert.Equal(t, call.StatusRinging, h.status())
	assert.Zero(t, h.transport.count(signaling.TypeAnswer))
	assert.Zero(t, h.devices.LiveStreams())
}

func TestStaleEngineEventsIgnored(t *testing.T) {
	h := newHarness(t)
	first := h.connectOutgoing(t)
	h.m.EndCall()

	second := h.connectOutgoing(t)
	require.NotSame(t, first, second)

	first.FireConnectionState(webrtc.PeerConnectionStateFailed)

	assert.Equal(t, call.StatusConnected, h.status())
	assert.Equal(t, 1, h.builder.Live())
}

func TestBuilderFailureReturnsToIdle(t *testing.T) {
	h := newHarness(t)
	h.builder.Err = assert.AnError

	h.m.StartCall(bob)

	h.assertReleased(t)
	assert.Empty(t, h.devices.Requests())
}

func TestObserverMayReenterManager(t *testing.T) {
	transport := &fakeTransport{connected: true}
	var m *call.Manager
	var seen []call.Status
	m = call.NewManager(testConfig(), call.Deps{
		Signaling: signaling.NewAdapter(transport, conv, alice, nil),
		Factory:   rtc.NewFactory(&rtctest.Builder{}, nil),
		Capture:   media.NewCapture(&mediatest.Devices{}, nil),
		Observer: call.ObserverFuncs{OnSessionChanged: func(s call.Session) {
			seen = append(seen, m.Snapshot().Status)
			if s.Status == call.StatusRinging {
				m.RejectCall()
			}
		}},
	})
	t.Cleanup(m.Close)

	m.HandleMessage(offerFrom(bob))

	assert.Equal(t, call.StatusIdle, m.Snapshot().Status)
	assert.Equal(t, 1, transport.count(signaling.TypeRejected))
	require.NotEmpty(t, seen)
	assert.Equal(t, call.StatusRinging, seen[0])
	assert.Equal(t, call.StatusIdle, seen[len(seen)-1])
}
