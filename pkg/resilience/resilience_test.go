package resilience

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var errNotFound = errors.New("record not found")

func newTestBreaker(t *testing.T) (*CircuitBreaker, *time.Time) {
	t.Helper()
	now := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)
	cb := NewCircuitBreaker(t.Name(), Config{
		FailureThreshold: 2,
		Cooldown:         time.Minute,
		MaxAttempts:      2,
		IsFailure: func(err error) bool {
			return err != nil && !errors.Is(err, errNotFound)
		},
	})
	cb.now = func() time.Time { return now }
	return cb, &now
}

func TestExecuteRetriesUntilSuccess(t *testing.T) {
	cb, _ := newTestBreaker(t)

	calls := 0
	err := cb.Execute(context.Background(), "create", func(ctx context.Context) error {
		calls++
		if calls == 1 {
			return errors.New("connection refused")
		}
		return nil
	})

	require.NoError(t, err)
	assert.Equal(t, 2, calls)
	assert.Equal(t, CircuitBreakerClosed, cb.State())
}

func TestExecuteOpensAfterThreshold(t *testing.T) {
	cb, _ := newTestBreaker(t)
	failing := func(ctx context.Context) error { return errors.New("connection refused") }

	require.Error(t, cb.Execute(context.Background(), "create", failing))
	assert.Equal(t, CircuitBreakerClosed, cb.State())
	require.Error(t, cb.Execute(context.Background(), "create", failing))
	assert.Equal(t, CircuitBreakerOpen, cb.State())

	called := false
	err := cb.Execute(context.Background(), "create", func(ctx context.Context) error {
		called = true
		return nil
	})
	assert.ErrorIs(t, err, ErrCircuitOpen)
	assert.False(t, called)
}

func TestHalfOpenProbe(t *testing.T) {
	cb, now := newTestBreaker(t)
	failing := func(ctx context.Context) error { return errors.New("i/o timeout") }
	for i := 0; i < 2; i++ {
		_ = cb.Execute(context.Background(), "end", failing)
	}
	require.Equal(t, CircuitBreakerOpen, cb.State())

	// A failed probe reopens the circuit.
	*now = now.Add(2 * time.Minute)
	attempts := 0
	err := cb.Execute(context.Background(), "end", func(ctx context.Context) error {
		attempts++
		return errors.New("i/o timeout")
	})
	require.Error(t, err)
	assert.Equal(t, 1, attempts, "probe runs once")
	assert.Equal(t, CircuitBreakerOpen, cb.State())
	assert.ErrorIs(t, cb.Execute(context.Background(), "end", failing), ErrCircuitOpen)

	// A successful probe closes it.
	*now = now.Add(2 * time.Minute)
	require.NoError(t, cb.Execute(context.Background(), "end", func(ctx context.Context) error { return nil }))
	assert.Equal(t, CircuitBreakerClosed, cb.State())
}

func TestNonFailureErrorsPassThrough(t *testing.T) {
	cb, _ := newTestBreaker(t)

	for i := 0; i < 5; i++ {
		calls := 0
		err := cb.Execute(context.Background(), "get", func(ctx context.Context) error {
			calls++
			return errNotFound
		})
		assert.ErrorIs(t, err, errNotFound)
		assert.Equal(t, 1, calls, "not retried")
	}
	assert.Equal(t, CircuitBreakerClosed, cb.State())
}

func TestExecuteHonoursTimeout(t *testing.T) {
	cb := NewCircuitBreaker(t.Name(), Config{Timeout: 20 * time.Millisecond, MaxAttempts: 1})

	err := cb.Execute(context.Background(), "slow", func(ctx context.Context) error {
		<-ctx.Done()
		return ctx.Err()
	})
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestClassifyError(t *testing.T) {
	assert.Equal(t, "none", classifyError(nil))
	assert.Equal(t, "timeout", classifyError(context.DeadlineExceeded))
	assert.Equal(t, "network", classifyError(errors.New("dial tcp: connection refused")))
	assert.Equal(t, "dns", classifyError(errors.New("lookup db: no such host")))
	assert.Equal(t, "not_found", classifyError(errors.New("call not found")))
	assert.Equal(t, "unknown", classifyError(errors.New("boom")))
}
