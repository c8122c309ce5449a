// Package resilience guards calls to backing stores with retries, a per-call
// timeout and a circuit breaker.
package resilience

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"

	"pickcreator-backend/pkg/logger"
	"pickcreator-backend/pkg/retry"
)

// CircuitBreakerState represents the state of the circuit breaker
type CircuitBreakerState string

const (
	CircuitBreakerClosed   CircuitBreakerState = "closed"
	CircuitBreakerHalfOpen CircuitBreakerState = "half_open"
	CircuitBreakerOpen     CircuitBreakerState = "open"
)

// ErrCircuitOpen is returned without running the operation while the breaker is open.
var ErrCircuitOpen = errors.New("circuit breaker open")

// Config tunes a CircuitBreaker. Zero fields take the defaults.
type Config struct {
	// FailureThreshold is the number of consecutive failed executions that opens the circuit.
	FailureThreshold int
	// Cooldown is how long the circuit stays open before a probe is let through.
	Cooldown time.Duration
	// Timeout bounds a single Execute including its retries.
	Timeout     time.Duration
	MaxAttempts int
	Backoff     retry.BackoffFunc
	// IsFailure decides whether an error counts against the breaker.
	// Errors it rejects are returned to the caller without retry.
	IsFailure func(error) bool
}

// DefaultConfig returns the settings used for the call record store
func DefaultConfig() Config {
	return Config{
		FailureThreshold: 3,
		Cooldown:         10 * time.Second,
		Timeout:          5 * time.Second,
		MaxAttempts:      3,
		Backoff:          retry.Exponential(100*time.Millisecond, time.Second),
	}
}

// CircuitBreaker wraps operations against one dependency
type CircuitBreaker struct {
	name string
	cfg  Config
	log  *zap.Logger
	now  func() time.Time

	mu                  sync.Mutex
	state               CircuitBreakerState
	consecutiveFailures int
	openedAt            time.Time
	probing             bool
}

type breakerMetrics struct {
	requestsTotal       *prometheus.CounterVec
	errorsTotal         *prometheus.CounterVec
	circuitBreakerState *prometheus.GaugeVec
}

var (
	metricsInstance *breakerMetrics
	metricsOnce     sync.Once
)

func getMetrics() *breakerMetrics {
	metricsOnce.Do(func() {
		metricsInstance = &breakerMetrics{
			requestsTotal: prometheus.NewCounterVec(
				prometheus.CounterOpts{
					Name: "circuit_breaker_requests_total",
					Help: "Total number of guarded requests",
				},
				[]string{"breaker", "operation", "status"},
			),
			errorsTotal: prometheus.NewCounterVec(
				prometheus.CounterOpts{
					Name: "circuit_breaker_errors_total",
					Help: "Total number of guarded request errors",
				},
				[]string{"breaker", "operation", "error_type"},
			),
			circuitBreakerState: prometheus.NewGaugeVec(
				prometheus.GaugeOpts{
					Name: "circuit_breaker_state",
					Help: "State of the circuit breaker (0=closed, 1=half_open, 2=open)",
				},
				[]string{"breaker"},
			),
		}
		prometheus.MustRegister(metricsInstance.requestsTotal)
		prometheus.MustRegister(metricsInstance.errorsTotal)
		prometheus.MustRegister(metricsInstance.circuitBreakerState)
	})
	return metricsInstance
}

// NewCircuitBreaker creates a closed breaker named name
func NewCircuitBreaker(name string, cfg Config) *CircuitBreaker {
	def := DefaultConfig()
	if cfg.FailureThreshold <= 0 {
		cfg.FailureThreshold = def.FailureThreshold
	}
	if cfg.Cooldown <= 0 {
		cfg.Cooldown = def.Cooldown
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = def.MaxAttempts
	}
	if cfg.IsFailure == nil {
		cfg.IsFailure = func(err error) bool { return err != nil }
	}

	cb := &CircuitBreaker{
		name:  name,
		cfg:   cfg,
		log:   logger.Named("resilience").With(zap.String("breaker", name)),
		now:   time.Now,
		state: CircuitBreakerClosed,
	}
	getMetrics().circuitBreakerState.WithLabelValues(name).Set(0)
	return cb
}

// Execute runs fn with retry and timeout unless the circuit is open
func (cb *CircuitBreaker) Execute(ctx context.Context, operation string, fn func(ctx context.Context) error) error {
	m := getMetrics()

	probe, err := cb.admit()
	if err != nil {
		m.requestsTotal.WithLabelValues(cb.name, operation, "circuit_breaker_open").Inc()
		return err
	}

	if cb.cfg.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, cb.cfg.Timeout)
		defer cancel()
	}

	attempts := cb.cfg.MaxAttempts
	if probe {
		attempts = 1
	}
	err = retry.Do(ctx, retry.Policy{
		MaxAttempts: attempts,
		Backoff:     cb.cfg.Backoff,
		Operation:   cb.name + "." + operation,
		Logger:      cb.log,
	}, func(ctx context.Context, _ int) error {
		err := fn(ctx)
		if err != nil && !cb.cfg.IsFailure(err) {
			return retry.Permanent(err)
		}
		return err
	})

	if err != nil && cb.cfg.IsFailure(err) {
		m.errorsTotal.WithLabelValues(cb.name, operation, classifyError(err)).Inc()
		m.requestsTotal.WithLabelValues(cb.name, operation, "failure").Inc()
		cb.onFailure(operation, probe)
		return err
	}

	status := "success"
	if err != nil {
		status = "passthrough"
	}
	m.requestsTotal.WithLabelValues(cb.name, operation, status).Inc()
	cb.onSuccess(operation, probe)
	return err
}

// State returns the current circuit breaker state
func (cb *CircuitBreaker) State() CircuitBreakerState {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return cb.state
}

// admit decides whether a request may run. probe is true for the single
// request let through a half-open circuit.
func (cb *CircuitBreaker) admit() (probe bool, err error) {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	switch cb.state {
	case CircuitBreakerOpen:
		if cb.now().Sub(cb.openedAt) < cb.cfg.Cooldown {
			return false, fmt.Errorf("%s: %w", cb.name, ErrCircuitOpen)
		}
		cb.setStateLocked(CircuitBreakerHalfOpen)
		cb.log.Warn("Circuit breaker HALF-OPEN - allowing probe request")
		fallthrough
	case CircuitBreakerHalfOpen:
		if cb.probing {
			return false, fmt.Errorf("%s: %w", cb.name, ErrCircuitOpen)
		}
		cb.probing = true
		return true, nil
	}
	return false, nil
}

func (cb *CircuitBreaker) onSuccess(operation string, probe bool) {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	if probe {
		cb.probing = false
	}
	cb.consecutiveFailures = 0
	if cb.state != CircuitBreakerClosed {
		cb.setStateLocked(CircuitBreakerClosed)
		cb.log.Info("Circuit breaker CLOSED - recovered", zap.String("operation", operation))
	}
}

func (cb *CircuitBreaker) onFailure(operation string, probe bool) {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	if probe {
		cb.probing = false
	}
	cb.consecutiveFailures++
	if probe || cb.consecutiveFailures >= cb.cfg.FailureThreshold {
		if cb.state != CircuitBreakerOpen {
			cb.log.Error("Circuit breaker OPEN - too many consecutive failures",
				zap.String("operation", operation),
				zap.Int("consecutive_failures", cb.consecutiveFailures))
		}
		cb.openedAt = cb.now()
		cb.setStateLocked(CircuitBreakerOpen)
	}
}

func (cb *CircuitBreaker) setStateLocked(state CircuitBreakerState) {
	cb.state = state
	var v float64
	switch state {
	case CircuitBreakerHalfOpen:
		v = 1
	case CircuitBreakerOpen:
		v = 2
	}
	getMetrics().circuitBreakerState.WithLabelValues(cb.name).Set(v)
}

// classifyError classifies errors for better metrics
func classifyError(err error) string {
	if err == nil {
		return "none"
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return "timeout"
	}

	errMsg := strings.ToLower(err.Error())
	switch {
	case strings.Contains(errMsg, "timeout") || strings.Contains(errMsg, "deadline exceeded"):
		return "timeout"
	case strings.Contains(errMsg, "connection refused") || strings.Contains(errMsg, "network unreachable"):
		return "network"
	case strings.Contains(errMsg, "no such host") || strings.Contains(errMsg, "dns"):
		return "dns"
	case strings.Contains(errMsg, "not found"):
		return "not_found"
	case strings.Contains(errMsg, "permission denied") || strings.Contains(errMsg, "access denied"):
		return "permission"
	case strings.Contains(errMsg, "circuit breaker"):
		return "circuit_breaker"
	default:
		return "unknown"
	}
}
