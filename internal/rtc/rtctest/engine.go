// Package rtctest provides an in-memory rtc.Engine for tests.
package rtctest

import (
	"errors"
	"fmt"
	"sync"

	"github.com/pion/webrtc/v4"

	"pickcreator-backend/internal/rtc"
)

// OfferSDP is a minimal audio offer returned by Engine.CreateOffer.
const OfferSDP = "v=0\r\n" +
	"o=- 4215775240449105457 2 IN IP4 127.0.0.1\r\n" +
	"s=-\r\n" +
	"t=0 0\r\n" +
	"m=audio 9 UDP/TLS/RTP/SAVPF 0 111\r\n" +
	"c=IN IP4 0.0.0.0\r\n" +
	"a=rtpmap:0 PCMU/8000\r\n" +
	"a=rtpmap:111 opus/48000/2\r\n" +
	"a=mid:0\r\n"

// AnswerSDP is a minimal audio answer returned by Engine.CreateAnswer.
const AnswerSDP = "v=0\r\n" +
	"o=- 4215775240449105458 2 IN IP4 127.0.0.1\r\n" +
	"s=-\r\n" +
	"t=0 0\r\n" +
	"m=audio 9 UDP/TLS/RTP/SAVPF 111\r\n" +
	"c=IN IP4 0.0.0.0\r\n" +
	"a=rtpmap:111 opus/48000/2\r\n" +
	"a=mid:0\r\n"

// ErrNoRemoteDescription mirrors the engine refusing candidates before a
// remote description is applied.
var ErrNoRemoteDescription = errors.New("remote description not set")

// Engine records every call made to it. It follows offer/answer signaling
// states loosely: descriptions are accepted in any state unless an error
// is injected.
type Engine struct {
	mu sync.Mutex

	// Ops is the ordered log of mutating calls, e.g. "set-local:offer".
	Ops []string
	// Applied holds candidates accepted by AddICECandidate in order.
	Applied []webrtc.ICECandidateInit
	Tracks  []webrtc.TrackLocal

	// Failure injection. SetRemoteErrs is consumed one error per call.
	CreateOfferErr  error
	CreateAnswerErr error
	SetLocalErr     error
	SetRemoteErrs   []error
	CandidateErr    error

	signaling webrtc.SignalingState
	conn      webrtc.PeerConnectionState
	local     *webrtc.SessionDescription
	remote    *webrtc.SessionDescription
	closed    bool

	onCandidate func(*webrtc.ICECandidate)
	onTrack     func(*webrtc.TrackRemote, *webrtc.RTPReceiver)
	onConn      func(webrtc.PeerConnectionState)
	onICE       func(webrtc.ICEConnectionState)
}

var _ rtc.Engine = (*Engine)(nil)

// NewEngine returns an engine in the stable, new state.
func NewEngine() *Engine {
	return &Engine{
		signaling: webrtc.SignalingStateStable,
		conn:      webrtc.PeerConnectionStateNew,
	}
}

func (e *Engine) record(op string) {
	e.Ops = append(e.Ops, op)
}

func (e *Engine) CreateOffer(*webrtc.OfferOptions) (webrtc.SessionDescription, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.record("create-offer")
	if e.CreateOfferErr != nil {
		return webrtc.SessionDescription{}, e.CreateOfferErr
	}
	return webrtc.SessionDescription{Type: webrtc.SDPTypeOffer, SDP: OfferSDP}, nil
}

func (e *Engine) CreateAnswer(*webrtc.AnswerOptions) (webrtc.SessionDescription, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.record("create-answer")
	if e.CreateAnswerErr != nil {
		return webrtc.SessionDescription{}, e.CreateAnswerErr
	}
	if e.remote == nil {
		return webrtc.SessionDescription{}, errors.New("no remote offer")
	}
	return webrtc.SessionDescription{Type: webrtc.SDPTypeAnswer, SDP: AnswerSDP}, nil
}

func (e *Engine) SetLocalDescription(desc webrtc.SessionDescription) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.record("set-local:" + desc.Type.String())
	if e.closed {
		return errors.New("engine closed")
	}
	if e.SetLocalErr != nil && desc.Type != webrtc.SDPTypeRollback {
		return e.SetLocalErr
	}

	switch desc.Type {
	case webrtc.SDPTypeRollback:
		e.local = nil
		e.signaling = webrtc.SignalingStateStable
	case webrtc.SDPTypeOffer:
		e.local = &desc
		e.signaling = webrtc.SignalingStateHaveLocalOffer
	default:
		e.local = &desc
		e.signaling = webrtc.SignalingStateStable
	}
	return nil
}

func (e *Engine) SetRemoteDescription(desc webrtc.SessionDescription) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.record("set-remote:" + desc.Type.String())
	if e.closed {
		return errors.New("engine closed")
	}
	if len(e.SetRemoteErrs) > 0 {
		err := e.SetRemoteErrs[0]
		e.SetRemoteErrs = e.SetRemoteErrs[1:]
		if err != nil {
			return err
		}
	}

	e.remote = &desc
	if desc.Type == webrtc.SDPTypeOffer {
		e.signaling = webrtc.SignalingStateHaveRemoteOffer
	} else {
		e.signaling = webrtc.SignalingStateStable
	}
	return nil
}

func (e *Engine) AddICECandidate(c webrtc.ICECandidateInit) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.record("add-candidate:" + c.Candidate)
	if e.remote == nil {
		return ErrNoRemoteDescription
	}
	if e.CandidateErr != nil {
		return e.CandidateErr
	}
	e.Applied = append(e.Applied, c)
	return nil
}

func (e *Engine) AddTrack(track webrtc.TrackLocal) (*webrtc.RTPSender, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.record("add-track")
	e.Tracks = append(e.Tracks, track)
	return nil, nil
}

func (e *Engine) SignalingState() webrtc.SignalingState {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.signaling
}

func (e *Engine) ConnectionState() webrtc.PeerConnectionState {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.conn
}

func (e *Engine) OnICECandidate(f func(*webrtc.ICECandidate)) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.onCandidate = f
}

func (e *Engine) OnTrack(f func(*webrtc.TrackRemote, *webrtc.RTPReceiver)) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.onTrack = f
}

func (e *Engine) OnConnectionStateChange(f func(webrtc.PeerConnectionState)) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.onConn = f
}

func (e *Engine) OnICEConnectionStateChange(f func(webrtc.ICEConnectionState)) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.onICE = f
}

func (e *Engine) Close() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if !e.closed {
		e.record("close")
	}
	e.closed = true
	e.conn = webrtc.PeerConnectionStateClosed
	e.signaling = webrtc.SignalingStateClosed
	return nil
}

// Closed reports whether Close has been called.
func (e *Engine) Closed() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.closed
}

// SetSignalingState forces the signaling state, for recovery-path tests.
func (e *Engine) SetSignalingState(s webrtc.SignalingState) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.signaling = s
}

// OpsCopy returns a snapshot of the operation log.
func (e *Engine) OpsCopy() []string {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]string(nil), e.Ops...)
}

// AppliedCandidates returns a snapshot of the applied candidate strings.
func (e *Engine) AppliedCandidates() []string {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]string, 0, len(e.Applied))
	for _, c := range e.Applied {
		out = append(out, c.Candidate)
	}
	return out
}

// FireCandidate delivers a locally gathered candidate to the registered sink.
func (e *Engine) FireCandidate(c *webrtc.ICECandidate) {
	e.mu.Lock()
	f := e.onCandidate
	e.mu.Unlock()
	if f != nil {
		f(c)
	}
}

// FireConnectionState sets and delivers an aggregate connection state.
func (e *Engine) FireConnectionState(s webrtc.PeerConnectionState) {
	e.mu.Lock()
	e.conn = s
	f := e.onConn
	e.mu.Unlock()
	if f != nil {
		f(s)
	}
}

// FireICEConnectionState delivers a path connectivity state.
func (e *Engine) FireICEConnectionState(s webrtc.ICEConnectionState) {
	e.mu.Lock()
	f := e.onICE
	e.mu.Unlock()
	if f != nil {
		f(s)
	}
}

// Builder hands out fresh Engines and remembers them.
type Builder struct {
	mu      sync.Mutex
	engines []*Engine

	// Err fails the next NewEngine call.
	Err error
	// Configure runs on each new engine before it is returned.
	Configure func(*Engine)
}

var _ rtc.EngineBuilder = (*Builder)(nil)

// NewEngine implements rtc.EngineBuilder.
func (b *Builder) NewEngine() (rtc.Engine, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.Err != nil {
		err := b.Err
		b.Err = nil
		return nil, fmt.Errorf("fake builder: %w", err)
	}
	e := NewEngine()
	if b.Configure != nil {
		b.Configure(e)
	}
	b.engines = append(b.engines, e)
	return e, nil
}

// Engines returns every engine built so far.
func (b *Builder) Engines() []*Engine {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]*Engine(nil), b.engines...)
}

// Last returns the most recent engine or nil.
func (b *Builder) Last() *Engine {
	b.mu.Lock()
	defer b.mu.Unlock()
	if len(b.engines) == 0 {
		return nil
	}
	return b.engines[len(b.engines)-1]
}

// Live counts engines not yet closed.
func (b *Builder) Live() int {
	b.mu.Lock()
	engines := append([]*Engine(nil), b.engines...)
	b.mu.Unlock()

	n := 0
	for _, e := range engines {
		if !e.Closed() {
			n++
		}
	}
	return n
}
