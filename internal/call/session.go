// Package call implements the voice call session manager: one session per
// conversation, driven by UI intents, relay messages and engine events.
package call

import (
	"errors"
	"fmt"
	"time"

	"pickcreator-backend/internal/media"
	"pickcreator-backend/pkg/constants"
)

// Status is the session lifecycle state.
type Status string

const (
	StatusIdle      Status = "idle"
	StatusCalling   Status = "calling"
	StatusRinging   Status = "ringing"
	StatusConnected Status = "connected"
	StatusEnded     Status = "ended"
)

// Active reports whether a call is in progress.
func (s Status) Active() bool {
	return s == StatusCalling || s == StatusRinging || s == StatusConnected
}

// ErrLivenessTimeout ends a connected session whose remote party went silent.
var ErrLivenessTimeout = errors.New("remote party stopped responding")

// Session is a snapshot of the call as the UI sees it.
type Session struct {
	Status          Status `json:"status"`
	RemotePartyID   string `json:"remotePartyId,omitempty"`
	IsMuted         bool   `json:"isMuted"`
	DurationSeconds int    `json:"durationSeconds"`
}

// Duration renders DurationSeconds as MM:SS.
func (s Session) Duration() string {
	return FormatDuration(s.DurationSeconds)
}

// FormatDuration renders seconds as zero-padded MM:SS. Minutes are not
// wrapped into hours.
func FormatDuration(seconds int) string {
	if seconds < 0 {
		seconds = 0
	}
	return fmt.Sprintf("%02d:%02d", seconds/60, seconds%60)
}

// Observer receives session changes and media failures. Callbacks run
// outside the manager lock and may call back into the manager.
type Observer interface {
	SessionChanged(s Session)
	MediaAccessFailed(err *media.AccessError)
}

// ObserverFuncs adapts plain functions to Observer. Nil fields are skipped.
type ObserverFuncs struct {
	OnSessionChanged    func(Session)
	OnMediaAccessFailed func(*media.AccessError)
}

func (o ObserverFuncs) SessionChanged(s Session) {
	if o.OnSessionChanged != nil {
		o.OnSessionChanged(s)
	}
}

func (o ObserverFuncs) MediaAccessFailed(err *media.AccessError) {
	if o.OnMediaAccessFailed != nil {
		o.OnMediaAccessFailed(err)
	}
}

// Config holds session timing.
type Config struct {
	HeartbeatInterval  time.Duration
	LivenessTimeout    time.Duration
	DurationTick       time.Duration
	ICEWarmup          time.Duration
	EndedGrace         time.Duration
	MaxEarlyCandidates int
	EarlyCandidateTTL  time.Duration
}

// DefaultConfig returns production timing.
func DefaultConfig() Config {
	return Config{
		HeartbeatInterval:  constants.HeartbeatInterval,
		LivenessTimeout:    constants.LivenessTimeout,
		DurationTick:       constants.DurationTick,
		ICEWarmup:          constants.ICEWarmup,
		EndedGrace:         constants.EndedGrace,
		MaxEarlyCandidates: constants.MaxEarlyCandidates,
		EarlyCandidateTTL:  constants.EarlyCandidateTTL,
	}
}
