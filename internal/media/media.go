// Package media acquires and releases the local audio capture stream.
package media

import (
	"context"

	"github.com/pion/webrtc/v4"
)

// Constraints select an audio capture configuration. Nil processing flags
// leave the device default in place.
type Constraints struct {
	Audio            bool
	EchoCancellation *bool
	NoiseSuppression *bool
	AutoGainControl  *bool
}

// MinimalConstraints requests audio with device defaults.
func MinimalConstraints() Constraints {
	return Constraints{Audio: true}
}

// FallbackConstraints requests audio with all processing disabled, which
// more devices can satisfy.
func FallbackConstraints() Constraints {
	off := false
	return Constraints{
		Audio:            true,
		EchoCancellation: &off,
		NoiseSuppression: &off,
		AutoGainControl:  &off,
	}
}

// Track is one local capture track.
type Track interface {
	ID() string
	Enabled() bool
	SetEnabled(enabled bool)
	Stop()
	// Local is the track handed to the negotiation engine.
	Local() webrtc.TrackLocal
}

// Stream is a set of local capture tracks.
type Stream interface {
	AudioTracks() []Track
	// Active reports whether any track is still live.
	Active() bool
}

// Devices is the platform capture primitive.
type Devices interface {
	GetUserMedia(ctx context.Context, c Constraints) (Stream, error)
}
