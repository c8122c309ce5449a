// Package constants defines application-wide constants for timeouts, limits, and durations.
package constants

import "time"

// Time-related constants
const (
	// RecordTimeout bounds one call record write issued by the relay
	RecordTimeout = 10 * time.Second

	// WebSocketPingInterval is the interval for WebSocket ping/pong
	WebSocketPingInterval = 30 * time.Second

	// WebSocketWriteTimeout bounds a single websocket frame write
	WebSocketWriteTimeout = 10 * time.Second

	// GracefulShutdownTimeout is the timeout for graceful server shutdown
	GracefulShutdownTimeout = 30 * time.Second
)

// Database connection constants
const (
	// MaxConnLifetime is the maximum lifetime of a database connection
	MaxConnLifetime = 1 * time.Hour

	// MaxConnIdleTime is the maximum idle time for a database connection
	MaxConnIdleTime = 30 * time.Minute

	// HealthCheckPeriod is the interval between database health checks
	HealthCheckPeriod = 1 * time.Minute
)

// Call session timing
const (
	// HeartbeatInterval is how often a connected session pings the remote party
	HeartbeatInterval = 5 * time.Second

	// LivenessTimeout ends a connected session after this long without any signal
	LivenessTimeout = 15 * time.Second

	// DurationTick is the resolution of the call duration counter
	DurationTick = 1 * time.Second

	// ICEWarmup is the pause between setting the local offer and sending it,
	// giving candidate gathering a head start
	ICEWarmup = 500 * time.Millisecond

	// EndedGrace delays cleanup of a connected call on remote hang-up while the
	// audio output is not yet mounted
	EndedGrace = 1 * time.Second

	// MaxEarlyCandidates bounds candidates held before any negotiation exists
	MaxEarlyCandidates = 64

	// EarlyCandidateTTL drops held candidates nobody adopted in time
	EarlyCandidateTTL = 10 * time.Second
)

// Audio output reconnection timing
const (
	// AudioFirstCheck and AudioSecondCheck are the deferred playback checks after connect
	AudioFirstCheck  = 2 * time.Second
	AudioSecondCheck = 5 * time.Second

	// AudioBindAttempts bounds output binding when the inbound track arrives
	AudioBindAttempts = 5

	// AudioBindInitialBackoff and AudioBindMaxBackoff shape the bind backoff
	AudioBindInitialBackoff = 200 * time.Millisecond
	AudioBindMaxBackoff     = 2 * time.Second

	// AudioRebindDelay separates clearing the output source from reassigning it
	AudioRebindDelay = 100 * time.Millisecond
)

// Presence constants
const (
	// PresenceTTL is how long a user stays online without activity
	PresenceTTL = 5 * time.Minute
)

// Pagination constants
const (
	// DefaultPageSize is the default number of items per page
	DefaultPageSize = 20

	// MaxPageSize is the maximum number of items per page
	MaxPageSize = 100
)

// Call record status constants
const (
	// CallStatusRinging indicates a call is waiting to be answered
	CallStatusRinging = "ringing"

	// CallStatusActive indicates a call is in progress
	CallStatusActive = "active"

	// CallStatusEnded indicates a call has ended
	CallStatusEnded = "ended"

	// CallStatusRejected indicates the callee declined the call
	CallStatusRejected = "rejected"

	// CallTypeAudio indicates an audio-only call
	CallTypeAudio = "audio"
)
