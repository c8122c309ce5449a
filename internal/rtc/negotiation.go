package rtc

import (
	"fmt"
	"sync"

	"github.com/pion/webrtc/v4"
	"go.uber.org/zap"

	"pickcreator-backend/pkg/metrics"
)

// Handlers are the engine event sinks wired when a context is created.
// Nil handlers are ignored. Events stop flowing once the context is closed.
type Handlers struct {
	OnCandidate          func(webrtc.ICECandidateInit)
	OnTrack              func(*webrtc.TrackRemote)
	OnConnectionState    func(webrtc.PeerConnectionState)
	OnICEConnectionState func(webrtc.ICEConnectionState)
}

// NegotiationContext owns one engine and the remote candidates that
// arrived before it could apply them. Candidates are applied in arrival
// order once both the remote description is applied and the local side
// has committed its own description.
type NegotiationContext struct {
	engine Engine
	log    *zap.Logger

	// applyMu keeps candidate application in arrival order.
	applyMu sync.Mutex

	mu        sync.Mutex
	pending   []webrtc.ICECandidateInit
	localSet  bool
	remoteSet bool
	closed    bool
}

func newNegotiationContext(engine Engine, log *zap.Logger) *NegotiationContext {
	return &NegotiationContext{engine: engine, log: log}
}

// Engine exposes the underlying engine for track attachment.
func (nc *NegotiationContext) Engine() Engine {
	return nc.engine
}

func (nc *NegotiationContext) wire(h Handlers) {
	nc.engine.OnICECandidate(func(c *webrtc.ICECandidate) {
		// nil marks the end of gathering
		if c == nil || h.OnCandidate == nil || nc.isClosed() {
			return
		}
		h.OnCandidate(c.ToJSON())
	})
	nc.engine.OnTrack(func(track *webrtc.TrackRemote, _ *webrtc.RTPReceiver) {
		if h.OnTrack == nil || nc.isClosed() {
			return
		}
		h.OnTrack(track)
	})
	nc.engine.OnConnectionStateChange(func(state webrtc.PeerConnectionState) {
		if h.OnConnectionState == nil || nc.isClosed() {
			return
		}
		h.OnConnectionState(state)
	})
	nc.engine.OnICEConnectionStateChange(func(state webrtc.ICEConnectionState) {
		if h.OnICEConnectionState == nil || nc.isClosed() {
			return
		}
		h.OnICEConnectionState(state)
	})
}

func (nc *NegotiationContext) detach() {
	nc.engine.OnICECandidate(func(*webrtc.ICECandidate) {})
	nc.engine.OnTrack(func(*webrtc.TrackRemote, *webrtc.RTPReceiver) {})
	nc.engine.OnConnectionStateChange(func(webrtc.PeerConnectionState) {})
	nc.engine.OnICEConnectionStateChange(func(webrtc.ICEConnectionState) {})
}

func (nc *NegotiationContext) isClosed() bool {
	nc.mu.Lock()
	defer nc.mu.Unlock()
	return nc.closed
}

// AddTrack attaches a local track to the engine.
func (nc *NegotiationContext) AddTrack(track webrtc.TrackLocal) error {
	if nc.isClosed() {
		return ErrContextClosed
	}
	if _, err := nc.engine.AddTrack(track); err != nil {
		return fmt.Errorf("add track: %w", err)
	}
	return nil
}

// CreateOffer creates an offer with audio prioritised. A prioritisation
// failure keeps the engine's original SDP.
func (nc *NegotiationContext) CreateOffer() (webrtc.SessionDescription, error) {
	if nc.isClosed() {
		return webrtc.SessionDescription{}, ErrContextClosed
	}
	offer, err := nc.engine.CreateOffer(nil)
	if err != nil {
		return webrtc.SessionDescription{}, fmt.Errorf("%w: create offer: %w", ErrNegotiation, err)
	}
	if adjusted, err := PrioritizeAudio(offer.SDP); err != nil {
		nc.log.Debug("Keeping unadjusted offer", zap.Error(err))
	} else {
		offer.SDP = adjusted
	}
	return offer, nil
}

// CreateAnswer creates an answer to the applied remote offer.
func (nc *NegotiationContext) CreateAnswer() (webrtc.SessionDescription, error) {
	if nc.isClosed() {
		return webrtc.SessionDescription{}, ErrContextClosed
	}
	answer, err := nc.engine.CreateAnswer(nil)
	if err != nil {
		return webrtc.SessionDescription{}, fmt.Errorf("%w: create answer: %w", ErrNegotiation, err)
	}
	return answer, nil
}

// SetLocalDescription commits desc locally and flushes queued candidates
// if the remote description is already in place.
func (nc *NegotiationContext) SetLocalDescription(desc webrtc.SessionDescription) error {
	if nc.isClosed() {
		return ErrContextClosed
	}
	if err := nc.engine.SetLocalDescription(desc); err != nil {
		return fmt.Errorf("%w: set local %s: %w", ErrNegotiation, desc.Type, err)
	}
	nc.mu.Lock()
	nc.localSet = true
	nc.mu.Unlock()
	nc.Flush()
	return nil
}

// SetRemoteDescription applies desc and flushes queued candidates if the
// local side has already committed.
func (nc *NegotiationContext) SetRemoteDescription(desc webrtc.SessionDescription) error {
	if nc.isClosed() {
		return ErrContextClosed
	}
	if err := nc.engine.SetRemoteDescription(desc); err != nil {
		return fmt.Errorf("%w: set remote %s: %w", ErrNegotiation, desc.Type, err)
	}
	nc.mu.Lock()
	nc.remoteSet = true
	nc.mu.Unlock()
	nc.Flush()
	return nil
}

// Rollback discards an uncommitted local offer.
func (nc *NegotiationContext) Rollback() error {
	if nc.isClosed() {
		return ErrContextClosed
	}
	if err := nc.engine.SetLocalDescription(webrtc.SessionDescription{Type: webrtc.SDPTypeRollback}); err != nil {
		return fmt.Errorf("%w: rollback: %w", ErrNegotiation, err)
	}
	nc.mu.Lock()
	nc.localSet = false
	nc.mu.Unlock()
	return nil
}

// SignalingState reports the engine's offer/answer state.
func (nc *NegotiationContext) SignalingState() webrtc.SignalingState {
	return nc.engine.SignalingState()
}

// RemoteApplied reports whether a remote description has been applied.
func (nc *NegotiationContext) RemoteApplied() bool {
	nc.mu.Lock()
	defer nc.mu.Unlock()
	return nc.remoteSet
}

// AddCandidate applies c, or queues it until both descriptions are in
// place. Application errors are logged and swallowed; a single bad
// candidate does not end a call.
func (nc *NegotiationContext) AddCandidate(c webrtc.ICECandidateInit) {
	nc.mu.Lock()
	if nc.closed {
		nc.mu.Unlock()
		metrics.ICECandidatesTotal.WithLabelValues("skipped").Inc()
		return
	}
	nc.pending = append(nc.pending, c)
	ready := nc.remoteSet && nc.localSet
	nc.mu.Unlock()

	if !ready {
		metrics.ICECandidatesTotal.WithLabelValues("queued").Inc()
		return
	}
	nc.Flush()
}

// Enqueue holds c until the context is ready, regardless of current state.
// Used to adopt candidates that arrived before the context existed.
func (nc *NegotiationContext) Enqueue(c webrtc.ICECandidateInit) {
	nc.mu.Lock()
	defer nc.mu.Unlock()
	if nc.closed {
		return
	}
	nc.pending = append(nc.pending, c)
}

// Flush applies queued candidates in arrival order if the context is ready,
// returning how many were attempted.
func (nc *NegotiationContext) Flush() int {
	nc.applyMu.Lock()
	defer nc.applyMu.Unlock()

	total := 0
	for {
		nc.mu.Lock()
		if nc.closed || !nc.remoteSet || !nc.localSet || len(nc.pending) == 0 {
			nc.mu.Unlock()
			break
		}
		queued := nc.pending
		nc.pending = nil
		nc.mu.Unlock()

		for _, c := range queued {
			nc.apply(c)
		}
		total += len(queued)
	}
	if total > 1 {
		nc.log.Debug("Flushed pending candidates", zap.Int("count", total))
	}
	return total
}

// Pending returns the number of queued candidates.
func (nc *NegotiationContext) Pending() int {
	nc.mu.Lock()
	defer nc.mu.Unlock()
	return len(nc.pending)
}

func (nc *NegotiationContext) apply(c webrtc.ICECandidateInit) {
	switch nc.engine.ConnectionState() {
	case webrtc.PeerConnectionStateClosed, webrtc.PeerConnectionStateFailed:
		metrics.ICECandidatesTotal.WithLabelValues("skipped").Inc()
		return
	}
	if err := nc.engine.AddICECandidate(c); err != nil {
		metrics.ICECandidatesTotal.WithLabelValues("failed").Inc()
		nc.log.Warn("Failed to apply ICE candidate", zap.Error(err))
		return
	}
	metrics.ICECandidatesTotal.WithLabelValues("applied").Inc()
}

// Close detaches the event sinks, closes the engine and drops queued
// candidates. Safe to call more than once.
func (nc *NegotiationContext) Close() error {
	nc.mu.Lock()
	if nc.closed {
		nc.mu.Unlock()
		return nil
	}
	nc.closed = true
	nc.pending = nil
	nc.mu.Unlock()

	nc.detach()
	if err := nc.engine.Close(); err != nil {
		return fmt.Errorf("close engine: %w", err)
	}
	return nil
}

// Factory creates negotiation contexts, keeping at most one alive.
type Factory struct {
	builder EngineBuilder
	log     *zap.Logger

	mu      sync.Mutex
	current *NegotiationContext
}

// NewFactory creates a Factory building engines with b.
func NewFactory(b EngineBuilder, log *zap.Logger) *Factory {
	if log == nil {
		log = zap.NewNop()
	}
	return &Factory{builder: b, log: log}
}

// Create tears down the live context, if any, then builds a new one with h wired.
func (f *Factory) Create(h Handlers) (*NegotiationContext, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.teardownLocked()

	engine, err := f.builder.NewEngine()
	if err != nil {
		return nil, fmt.Errorf("build engine: %w", err)
	}
	nc := newNegotiationContext(engine, f.log)
	nc.wire(h)
	f.current = nc
	return nc, nil
}

// Current returns the live context or nil.
func (f *Factory) Current() *NegotiationContext {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.current
}

// Teardown closes the live context, if any.
func (f *Factory) Teardown() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.teardownLocked()
}

func (f *Factory) teardownLocked() {
	if f.current == nil {
		return
	}
	if err := f.current.Close(); err != nil {
		f.log.Debug("Engine close failed", zap.Error(err))
	}
	f.current = nil
}
