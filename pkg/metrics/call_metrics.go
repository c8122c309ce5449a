package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Call session metrics, recorded by the client-side call core
var (
	// Session lifecycle
	CallSessionsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "call_sessions_total",
		Help: "Total number of call sessions by direction and outcome",
	}, []string{"direction", "outcome"}) // direction: outgoing, incoming

	CallSessionActive = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "call_session_active",
		Help: "1 while a call session is connected",
	})

	CallSessionDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "call_session_duration_seconds",
		Help:    "Connected time of finished call sessions",
		Buckets: []float64{5, 15, 30, 60, 120, 300, 600, 1800, 3600},
	})

	CallStateTransitionsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "call_state_transitions_total",
		Help: "Total number of call state machine transitions",
	}, []string{"from", "to"})

	// Signaling
	SignalingMessagesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "signaling_messages_total",
		Help: "Total number of signaling messages by type and direction",
	}, []string{"type", "direction"}) // direction: outbound, inbound, dropped, unrouted

	// Negotiation
	ICECandidatesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "ice_candidates_total",
		Help: "Total number of remote ICE candidates by result",
	}, []string{"result"}) // queued, applied, failed, skipped

	NegotiationRecoveriesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "negotiation_recoveries_total",
		Help: "Total number of answer application attempts by recovery path and result",
	}, []string{"path", "result"})

	// Devices
	MediaAccessFailuresTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "media_access_failures_total",
		Help: "Total number of local media acquisition failures by kind",
	}, []string{"kind"})

	AudioRebindsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "audio_output_rebinds_total",
		Help: "Total number of audio output bind attempts by trigger and result",
	}, []string{"trigger", "result"})

	LivenessTimeoutsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "call_liveness_timeouts_total",
		Help: "Total number of sessions ended because the remote party went silent",
	})
)
