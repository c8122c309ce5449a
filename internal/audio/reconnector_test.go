package audio

import (
	"io"
	"sync"
	"testing"
	"time"

	"github.com/pion/interceptor"
	"github.com/pion/rtp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeSource struct {
	id      string
	packets chan *rtp.Packet
}

func newFakeSource(id string) *fakeSource {
	return &fakeSource{id: id, packets: make(chan *rtp.Packet, 16)}
}

func (s *fakeSource) ID() string { return s.id }

func (s *fakeSource) ReadRTP() (*rtp.Packet, interceptor.Attributes, error) {
	pkt, ok := <-s.packets
	if !ok {
		return nil, nil, io.EOF
	}
	return pkt, nil, nil
}

type fakeOutput struct {
	mu       sync.Mutex
	playing  bool
	src      Source
	volume   float64
	muted    bool
	blocked  bool
	plays    int
	sources  []Source
	pauseOps int
}

func (o *fakeOutput) Playing() bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.playing
}

func (o *fakeOutput) Pause() {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.playing = false
	o.pauseOps++
}

func (o *fakeOutput) SetSource(src Source) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.src = src
	o.sources = append(o.sources, src)
}

func (o *fakeOutput) SetVolume(v float64) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.volume = v
}

func (o *fakeOutput) SetMuted(m bool) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.muted = m
}

func (o *fakeOutput) Play() error {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.plays++
	if o.blocked {
		return ErrAutoplayBlocked
	}
	o.playing = true
	return nil
}

func (o *fakeOutput) setBlocked(b bool) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.blocked = b
}

func (o *fakeOutput) stats() (plays int, playing bool, src Source) {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.plays, o.playing, o.src
}

type fakeLocator struct {
	mu      sync.Mutex
	out     *fakeOutput
	mounted bool
	lookups int
}

func (l *fakeLocator) Output() (Output, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.lookups++
	if !l.mounted {
		return nil, false
	}
	return l.out, true
}

func (l *fakeLocator) mount() {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.mounted = true
}

func (l *fakeLocator) lookupCount() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.lookups
}

func fastConfig() Config {
	return Config{
		FirstCheck:         20 * time.Millisecond,
		SecondCheck:        50 * time.Millisecond,
		BindAttempts:       5,
		BindInitialBackoff: 10 * time.Millisecond,
		BindMaxBackoff:     40 * time.Millisecond,
		RebindDelay:        time.Millisecond,
	}
}

func TestOnTrackBindsAndPlays(t *testing.T) {
	out := &fakeOutput{}
	loc := &fakeLocator{out: out, mounted: true}
	r := NewReconnector(loc, &GestureBus{}, nil, fastConfig(), nil)

	src := newFakeSource("remote")
	r.OnTrack(src)

	require.Eventually(t, out.Playing, time.Second, 5*time.Millisecond)
	_, _, bound := out.stats()
	assert.Same(t, src, bound)
	assert.Same(t, src, r.Handle().Get())
	out.mu.Lock()
	defer out.mu.Unlock()
	assert.Equal(t, 1.0, out.volume)
	assert.False(t, out.muted)
}

func TestOnTrackRetriesUntilMounted(t *testing.T) {
	out := &fakeOutput{}
	loc := &fakeLocator{out: out}
	r := NewReconnector(loc, &GestureBus{}, nil, fastConfig(), nil)

	r.OnTrack(newFakeSource("remote"))

	require.Eventually(t, func() bool { return loc.lookupCount() >= 2 }, time.Second, 5*time.Millisecond)
	assert.False(t, out.Playing())

	loc.mount()
	require.Eventually(t, out.Playing, time.Second, 5*time.Millisecond)
}

func TestOnTrackGivesUpAfterBoundedAttempts(t *testing.T) {
	loc := &fakeLocator{out: &fakeOutput{}}
	cfg := fastConfig()
	cfg.BindAttempts = 3
	r := NewReconnector(loc, &GestureBus{}, nil, cfg, nil)

	err := r.bindWithRetry(r.ctx, r.epoch, "track")
	assert.ErrorIs(t, err, ErrOutputNotMounted)
	assert.Equal(t, 3, loc.lookupCount())
}

func TestOnTrackForStoppedSessionDropped(t *testing.T) {
	out := &fakeOutput{}
	loc := &fakeLocator{out: out, mounted: true}
	r := NewReconnector(loc, &GestureBus{}, nil, fastConfig(), nil)

	epoch := r.Epoch()
	r.Stop()
	r.Handle().Clear()

	assert.False(t, r.OnTrackFor(epoch, newFakeSource("remote")))
	assert.Nil(t, r.Handle().Get())

	time.Sleep(50 * time.Millisecond)
	plays, _, bound := out.stats()
	assert.Zero(t, plays)
	assert.Nil(t, bound)
	assert.Zero(t, loc.lookupCount())

	src := newFakeSource("next")
	require.True(t, r.OnTrackFor(r.Epoch(), src))
	require.Eventually(t, out.Playing, time.Second, 5*time.Millisecond)
	assert.Same(t, src, r.Handle().Get())
}

func TestDeferredChecksRebindPausedOutput(t *testing.T) {
	out := &fakeOutput{}
	loc := &fakeLocator{out: out, mounted: true}
	r := NewReconnector(loc, &GestureBus{}, nil, fastConfig(), nil)
	r.Handle().Set(newFakeSource("remote"))

	r.ScheduleChecks()

	require.Eventually(t, func() bool {
		plays, _, _ := out.stats()
		return plays >= 1
	}, time.Second, 5*time.Millisecond)

	// Second check finds it playing and leaves it alone.
	time.Sleep(80 * time.Millisecond)
	plays, playing, _ := out.stats()
	assert.Equal(t, 1, plays)
	assert.True(t, playing)
}

func TestStopCancelsChecks(t *testing.T) {
	out := &fakeOutput{}
	loc := &fakeLocator{out: out, mounted: true}
	r := NewReconnector(loc, &GestureBus{}, nil, fastConfig(), nil)
	r.Handle().Set(newFakeSource("remote"))

	r.ScheduleChecks()
	r.Stop()

	time.Sleep(80 * time.Millisecond)
	plays, _, _ := out.stats()
	assert.Equal(t, 0, plays)
}

func TestAutoplayBlockedWaitsForGesture(t *testing.T) {
	out := &fakeOutput{blocked: true}
	loc := &fakeLocator{out: out, mounted: true}
	gestures := &GestureBus{}
	r := NewReconnector(loc, gestures, nil, fastConfig(), nil)

	r.OnTrack(newFakeSource("remote"))

	require.Eventually(t, func() bool { return gestures.Pending() == 1 }, time.Second, 5*time.Millisecond)
	plays, playing, _ := out.stats()
	assert.Equal(t, 1, plays, "autoplay rejection is not retried by backoff")
	assert.False(t, playing)

	out.setBlocked(false)
	assert.Equal(t, 1, gestures.Fire())
	assert.True(t, out.Playing())
	assert.Equal(t, 0, gestures.Pending())
}

func TestGestureAfterStopIsIgnored(t *testing.T) {
	out := &fakeOutput{blocked: true}
	loc := &fakeLocator{out: out, mounted: true}
	gestures := &GestureBus{}
	r := NewReconnector(loc, gestures, nil, fastConfig(), nil)

	r.OnTrack(newFakeSource("remote"))
	require.Eventually(t, func() bool { return gestures.Pending() == 1 }, time.Second, 5*time.Millisecond)

	r.Stop()
	out.setBlocked(false)
	gestures.Fire()
	assert.False(t, out.Playing())
}

func TestReconnectWithoutSource(t *testing.T) {
	out := &fakeOutput{}
	loc := &fakeLocator{out: out, mounted: true}
	cfg := fastConfig()
	cfg.BindAttempts = 2
	r := NewReconnector(loc, &GestureBus{}, nil, cfg, nil)

	err := r.bindWithRetry(r.ctx, r.epoch, "manual")
	assert.ErrorIs(t, err, ErrNoSource)
}
