package audio

import (
	"context"
	"errors"
	"sync"
	"time"

	"go.uber.org/zap"

	"pickcreator-backend/pkg/constants"
	"pickcreator-backend/pkg/metrics"
	"pickcreator-backend/pkg/retry"
)

// Config controls rebinding timing.
type Config struct {
	FirstCheck         time.Duration
	SecondCheck        time.Duration
	BindAttempts       int
	BindInitialBackoff time.Duration
	BindMaxBackoff     time.Duration
	RebindDelay        time.Duration
}

// DefaultConfig returns production timing.
func DefaultConfig() Config {
	return Config{
		FirstCheck:         constants.AudioFirstCheck,
		SecondCheck:        constants.AudioSecondCheck,
		BindAttempts:       constants.AudioBindAttempts,
		BindInitialBackoff: constants.AudioBindInitialBackoff,
		BindMaxBackoff:     constants.AudioBindMaxBackoff,
		RebindDelay:        constants.AudioRebindDelay,
	}
}

// Reconnector keeps the inbound source bound to the output. Work it starts
// belongs to the current arm cycle and is abandoned by Stop.
type Reconnector struct {
	locator  Locator
	gestures Gestures
	handle   *RemoteHandle
	cfg      Config
	log      *zap.Logger

	mu     sync.Mutex
	ctx    context.Context
	cancel context.CancelFunc
	timers []*time.Timer
	epoch  uint64
}

// NewReconnector creates a Reconnector binding handle's source to the
// output found by locator.
func NewReconnector(locator Locator, gestures Gestures, handle *RemoteHandle, cfg Config, log *zap.Logger) *Reconnector {
	if log == nil {
		log = zap.NewNop()
	}
	if handle == nil {
		handle = &RemoteHandle{}
	}
	r := &Reconnector{
		locator:  locator,
		gestures: gestures,
		handle:   handle,
		cfg:      cfg,
		log:      log,
	}
	r.ctx, r.cancel = context.WithCancel(context.Background())
	return r
}

// Handle returns the inbound source reference.
func (r *Reconnector) Handle() *RemoteHandle {
	return r.handle
}

// Mounted reports whether an output can currently be located.
func (r *Reconnector) Mounted() bool {
	if r.locator == nil {
		return false
	}
	_, ok := r.locator.Output()
	return ok
}

// OnTrack records src and binds it with bounded retries in the background.
func (r *Reconnector) OnTrack(src Source) {
	r.OnTrackFor(r.Epoch(), src)
}

// Epoch identifies the current playback session. Stop starts a new one.
func (r *Reconnector) Epoch() uint64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.epoch
}

// OnTrackFor is OnTrack for a track that belongs to epoch. A track from a
// stopped session is dropped and false is returned.
func (r *Reconnector) OnTrackFor(epoch uint64, src Source) bool {
	r.mu.Lock()
	if r.epoch != epoch {
		r.mu.Unlock()
		return false
	}
	r.handle.Set(src)
	ctx := r.ctx
	r.mu.Unlock()

	go func() {
		if err := r.bindWithRetry(ctx, epoch, "track"); err != nil && ctx.Err() == nil {
			r.log.Warn("Audio output bind gave up", zap.Error(err))
		}
	}()
	return true
}

// Reconnect rebinds on demand, with bounded retries, in the background.
func (r *Reconnector) Reconnect() {
	ctx, epoch := r.current()
	go func() {
		if err := r.bindWithRetry(ctx, epoch, "manual"); err != nil && ctx.Err() == nil {
			r.log.Warn("Manual audio reconnect failed", zap.Error(err))
		}
	}()
}

// ScheduleChecks arms the deferred playback checks.
func (r *Reconnector) ScheduleChecks() {
	r.mu.Lock()
	defer r.mu.Unlock()

	ctx, epoch := r.ctx, r.epoch
	for _, d := range []time.Duration{r.cfg.FirstCheck, r.cfg.SecondCheck} {
		if d <= 0 {
			continue
		}
		r.timers = append(r.timers, time.AfterFunc(d, func() {
			r.check(ctx, epoch)
		}))
	}
}

// Stop cancels pending checks, in-flight binds and gesture retries.
func (r *Reconnector) Stop() {
	r.mu.Lock()
	defer r.mu.Unlock()

	for _, t := range r.timers {
		t.Stop()
	}
	r.timers = nil
	r.cancel()
	r.epoch++
	r.ctx, r.cancel = context.WithCancel(context.Background())
}

func (r *Reconnector) current() (context.Context, uint64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.ctx, r.epoch
}

func (r *Reconnector) stale(epoch uint64) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.epoch != epoch
}

func (r *Reconnector) check(ctx context.Context, epoch uint64) {
	if ctx.Err() != nil {
		return
	}
	if r.locator != nil {
		if out, ok := r.locator.Output(); ok && out.Playing() {
			return
		}
	}
	r.log.Debug("Audio output not playing, rebinding")
	if err := r.bind(ctx, epoch); err != nil {
		metrics.AudioRebindsTotal.WithLabelValues("check", "failure").Inc()
		r.log.Debug("Deferred audio rebind failed", zap.Error(err))
		return
	}
	metrics.AudioRebindsTotal.WithLabelValues("check", "success").Inc()
}

func (r *Reconnector) bindWithRetry(ctx context.Context, epoch uint64, trigger string) error {
	policy := retry.Policy{
		MaxAttempts: r.cfg.BindAttempts,
		Backoff:     retry.Exponential(r.cfg.BindInitialBackoff, r.cfg.BindMaxBackoff),
		Operation:   "audio_bind",
		Logger:      r.log,
	}
	err := retry.Do(ctx, policy, func(ctx context.Context, _ int) error {
		err := r.bind(ctx, epoch)
		if errors.Is(err, ErrAutoplayBlocked) {
			// The gesture listener owns the retry from here.
			return retry.Permanent(err)
		}
		return err
	})

	result := "success"
	if err != nil {
		result = "failure"
	}
	metrics.AudioRebindsTotal.WithLabelValues(trigger, result).Inc()
	return err
}

// bind pauses the output, clears and reassigns its source after a short
// delay, restores full volume and starts playback.
func (r *Reconnector) bind(ctx context.Context, epoch uint64) error {
	if r.locator == nil {
		return ErrOutputNotMounted
	}
	out, ok := r.locator.Output()
	if !ok {
		return ErrOutputNotMounted
	}
	src := r.handle.Get()
	if src == nil {
		return ErrNoSource
	}

	out.Pause()
	out.SetSource(nil)

	if r.cfg.RebindDelay > 0 {
		t := time.NewTimer(r.cfg.RebindDelay)
		select {
		case <-ctx.Done():
			t.Stop()
			return ctx.Err()
		case <-t.C:
		}
	}
	if r.stale(epoch) {
		return context.Canceled
	}

	out.SetSource(src)
	out.SetVolume(1)
	out.SetMuted(false)

	err := out.Play()
	if errors.Is(err, ErrAutoplayBlocked) {
		r.log.Info("Audio playback blocked, waiting for user interaction")
		if r.gestures != nil {
			r.gestures.Once(func() {
				if r.stale(epoch) {
					return
				}
				if err := out.Play(); err != nil {
					r.log.Warn("Playback retry after interaction failed", zap.Error(err))
				}
			})
		}
	}
	return err
}
