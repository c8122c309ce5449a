package media

import (
	"context"
	"sync"

	"go.uber.org/zap"

	"pickcreator-backend/pkg/metrics"
	"pickcreator-backend/pkg/retry"
)

// Capture owns at most one local stream.
type Capture struct {
	devices  Devices
	attempts []Constraints
	log      *zap.Logger

	mu     sync.Mutex
	stream Stream
}

// NewCapture creates a Capture over devices. Acquisition tries the minimal
// constraint set, then the fallback set.
func NewCapture(devices Devices, log *zap.Logger) *Capture {
	if log == nil {
		log = zap.NewNop()
	}
	return &Capture{
		devices:  devices,
		attempts: []Constraints{MinimalConstraints(), FallbackConstraints()},
		log:      log,
	}
}

// Acquire returns the live stream, re-enabling its tracks to match muted,
// or captures a new one. Failure yields an *AccessError.
func (c *Capture) Acquire(ctx context.Context, muted bool) (Stream, error) {
	c.mu.Lock()
	if c.stream != nil && c.stream.Active() {
		s := c.stream
		c.mu.Unlock()
		setEnabled(s, !muted)
		return s, nil
	}
	c.mu.Unlock()

	var stream Stream
	policy := retry.Policy{
		MaxAttempts: len(c.attempts),
		Operation:   "media_acquire",
		Logger:      c.log,
	}
	err := retry.Do(ctx, policy, func(ctx context.Context, attempt int) error {
		s, err := c.devices.GetUserMedia(ctx, c.attempts[attempt-1])
		if err != nil {
			c.log.Debug("Capture attempt failed", zap.Int("attempt", attempt), zap.Error(err))
			return err
		}
		stream = s
		return nil
	})
	if err != nil {
		kind := Classify(err)
		metrics.MediaAccessFailuresTotal.WithLabelValues(string(kind)).Inc()
		return nil, &AccessError{Kind: kind, Err: err}
	}

	setEnabled(stream, !muted)

	c.mu.Lock()
	prev := c.stream
	c.stream = stream
	c.mu.Unlock()
	if prev != nil {
		stopAll(prev)
	}
	return stream, nil
}

// Release stops every track and drops the stream. Idempotent.
func (c *Capture) Release() {
	c.mu.Lock()
	s := c.stream
	c.stream = nil
	c.mu.Unlock()

	if s != nil {
		stopAll(s)
	}
}

// Stream returns the held stream or nil.
func (c *Capture) Stream() Stream {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.stream
}

// SetEnabled toggles every held track.
func (c *Capture) SetEnabled(enabled bool) {
	if s := c.Stream(); s != nil {
		setEnabled(s, enabled)
	}
}

func setEnabled(s Stream, enabled bool) {
	for _, t := range s.AudioTracks() {
		t.SetEnabled(enabled)
	}
}

func stopAll(s Stream) {
	for _, t := range s.AudioTracks() {
		t.Stop()
	}
}
