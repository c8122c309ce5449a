// Package rtc builds and owns the peer connection used by a voice call.
package rtc

import (
	"errors"
	"fmt"

	"github.com/pion/interceptor"
	"github.com/pion/webrtc/v4"
)

var (
	// ErrNegotiation wraps failures creating or applying session descriptions.
	ErrNegotiation = errors.New("negotiation failed")
	// ErrContextClosed is returned by operations on a torn-down NegotiationContext.
	ErrContextClosed = errors.New("negotiation context closed")
)

// Engine is the negotiation primitive. *webrtc.PeerConnection satisfies it.
type Engine interface {
	CreateOffer(options *webrtc.OfferOptions) (webrtc.SessionDescription, error)
	CreateAnswer(options *webrtc.AnswerOptions) (webrtc.SessionDescription, error)
	SetLocalDescription(desc webrtc.SessionDescription) error
	SetRemoteDescription(desc webrtc.SessionDescription) error
	AddICECandidate(candidate webrtc.ICECandidateInit) error
	AddTrack(track webrtc.TrackLocal) (*webrtc.RTPSender, error)
	SignalingState() webrtc.SignalingState
	ConnectionState() webrtc.PeerConnectionState
	OnICECandidate(f func(*webrtc.ICECandidate))
	OnTrack(f func(*webrtc.TrackRemote, *webrtc.RTPReceiver))
	OnConnectionStateChange(f func(webrtc.PeerConnectionState))
	OnICEConnectionStateChange(f func(webrtc.ICEConnectionState))
	Close() error
}

// EngineBuilder constructs fresh engines.
type EngineBuilder interface {
	NewEngine() (Engine, error)
}

// PionBuilder builds pion peer connections restricted to Opus audio.
type PionBuilder struct {
	api    *webrtc.API
	config webrtc.Configuration
}

var _ Engine = (*webrtc.PeerConnection)(nil)

// NewPionBuilder creates a builder using iceServers as STUN/TURN URLs.
func NewPionBuilder(iceServers []string) (*PionBuilder, error) {
	m := &webrtc.MediaEngine{}
	if err := m.RegisterCodec(webrtc.RTPCodecParameters{
		RTPCodecCapability: webrtc.RTPCodecCapability{
			MimeType:    webrtc.MimeTypeOpus,
			ClockRate:   48000,
			Channels:    2,
			SDPFmtpLine: "minptime=10;useinbandfec=1",
		},
		PayloadType: 111,
	}, webrtc.RTPCodecTypeAudio); err != nil {
		return nil, fmt.Errorf("register opus codec: %w", err)
	}

	registry := &interceptor.Registry{}
	if err := webrtc.RegisterDefaultInterceptors(m, registry); err != nil {
		return nil, fmt.Errorf("register interceptors: %w", err)
	}

	servers := make([]webrtc.ICEServer, 0, len(iceServers))
	for _, url := range iceServers {
		servers = append(servers, webrtc.ICEServer{URLs: []string{url}})
	}

	return &PionBuilder{
		api:    webrtc.NewAPI(webrtc.WithMediaEngine(m), webrtc.WithInterceptorRegistry(registry)),
		config: webrtc.Configuration{ICEServers: servers},
	}, nil
}

// NewEngine implements EngineBuilder.
func (b *PionBuilder) NewEngine() (Engine, error) {
	pc, err := b.api.NewPeerConnection(b.config)
	if err != nil {
		return nil, fmt.Errorf("new peer connection: %w", err)
	}
	return pc, nil
}
