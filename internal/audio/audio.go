// Package audio binds the inbound call audio to a playback output and keeps
// it playing.
package audio

import (
	"errors"
	"sync"

	"github.com/pion/interceptor"
	"github.com/pion/rtp"
)

var (
	// ErrAutoplayBlocked is returned by Output.Play until a user gesture unlocks playback.
	ErrAutoplayBlocked = errors.New("playback blocked until user interaction")
	// ErrOutputNotMounted is returned when no output is available to bind.
	ErrOutputNotMounted = errors.New("audio output not mounted")
	// ErrNoSource is returned when binding before any inbound track arrived.
	ErrNoSource = errors.New("no inbound audio source")
)

// Source is an inbound audio track. *webrtc.TrackRemote satisfies it.
type Source interface {
	ID() string
	ReadRTP() (*rtp.Packet, interceptor.Attributes, error)
}

// Output is a playback sink for one Source.
type Output interface {
	Playing() bool
	Pause()
	// SetSource replaces the bound source; nil clears it.
	SetSource(src Source)
	SetVolume(v float64)
	SetMuted(muted bool)
	Play() error
}

// Locator finds the output, which may not exist yet.
type Locator interface {
	Output() (Output, bool)
}

// Gestures registers one-shot user-interaction callbacks.
type Gestures interface {
	Once(fn func())
}

// RemoteHandle references the inbound audio source. It is rebindable
// independently of any call session state.
type RemoteHandle struct {
	mu  sync.RWMutex
	src Source
}

// Set stores src as the current inbound source.
func (h *RemoteHandle) Set(src Source) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.src = src
}

// Get returns the current inbound source or nil.
func (h *RemoteHandle) Get() Source {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.src
}

// Clear drops the reference.
func (h *RemoteHandle) Clear() {
	h.Set(nil)
}

// GestureBus collects one-shot callbacks and runs them on the next Fire.
type GestureBus struct {
	mu      sync.Mutex
	pending []func()
}

// Once implements Gestures.
func (b *GestureBus) Once(fn func()) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.pending = append(b.pending, fn)
}

// Fire runs and forgets every registered callback, returning how many ran.
func (b *GestureBus) Fire() int {
	b.mu.Lock()
	pending := b.pending
	b.pending = nil
	b.mu.Unlock()

	for _, fn := range pending {
		fn()
	}
	return len(pending)
}

// Pending returns the number of registered callbacks.
func (b *GestureBus) Pending() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.pending)
}
