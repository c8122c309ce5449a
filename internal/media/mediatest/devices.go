// Package mediatest provides in-memory capture devices for tests.
package mediatest

import (
	"context"
	"fmt"
	"sync"

	"github.com/pion/webrtc/v4"

	"pickcreator-backend/internal/media"
)

// Track is a capture track that records its enabled/stopped state.
type Track struct {
	mu      sync.Mutex
	id      string
	enabled bool
	stopped bool
}

func (t *Track) ID() string { return t.id }

func (t *Track) Enabled() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.enabled
}

func (t *Track) SetEnabled(enabled bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.enabled = enabled
}

func (t *Track) Stop() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.stopped = true
}

// Stopped reports whether Stop has been called.
func (t *Track) Stopped() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.stopped
}

// Local returns nil; fake engines accept any track.
func (t *Track) Local() webrtc.TrackLocal { return nil }

// Stream holds fake tracks.
type Stream struct {
	Tracks []*Track
}

func (s *Stream) AudioTracks() []media.Track {
	out := make([]media.Track, 0, len(s.Tracks))
	for _, t := range s.Tracks {
		out = append(out, t)
	}
	return out
}

func (s *Stream) Active() bool {
	for _, t := range s.Tracks {
		if !t.Stopped() {
			return true
		}
	}
	return false
}

// Devices hands out single-track streams. Errs is consumed one entry per
// call; a nil entry or an empty slice succeeds.
type Devices struct {
	mu sync.Mutex

	Errs []error
	// Block, when set, is waited on before each call returns.
	Block chan struct{}

	requests []media.Constraints
	streams  []*Stream
}

var _ media.Devices = (*Devices)(nil)

// GetUserMedia implements media.Devices.
func (d *Devices) GetUserMedia(ctx context.Context, c media.Constraints) (media.Stream, error) {
	d.mu.Lock()
	d.requests = append(d.requests, c)
	block := d.Block
	var err error
	if len(d.Errs) > 0 {
		err = d.Errs[0]
		d.Errs = d.Errs[1:]
	}
	d.mu.Unlock()

	if block != nil {
		select {
		case <-block:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if err != nil {
		return nil, err
	}

	d.mu.Lock()
	defer d.mu.Unlock()
	s := &Stream{Tracks: []*Track{{id: fmt.Sprintf("track-%d", len(d.streams)+1), enabled: true}}}
	d.streams = append(d.streams, s)
	return s, nil
}

// Requests returns the constraints of every call so far.
func (d *Devices) Requests() []media.Constraints {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]media.Constraints(nil), d.requests...)
}

// Streams returns every stream handed out.
func (d *Devices) Streams() []*Stream {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]*Stream(nil), d.streams...)
}

// LiveStreams counts streams with a track not yet stopped.
func (d *Devices) LiveStreams() int {
	n := 0
	for _, s := range d.Streams() {
		if s.Active() {
			n++
		}
	}
	return n
}
