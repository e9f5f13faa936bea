package llm

import (
	"context"
	"errors"
	"log"
	"sync/atomic"
	"time"

	"github.com/sony/gobreaker"
)

// ErrCircuitOpen is returned when the circuit breaker rejects a request to
// prevent hammering a failing backend.
var ErrCircuitOpen = errors.New("circuit breaker is open")

// BreakerConfig holds circuit breaker tuning.
type BreakerConfig struct {
	// MaxFailures is the number of consecutive failures that trips the
	// circuit (default: 3).
	MaxFailures uint32

	// Timeout is how long the circuit stays open before allowing test
	// requests (default: 30s).
	Timeout time.Duration

	// HalfOpenMaxSuccesses is the number of consecutive successes in
	// half-open state needed to close the circuit (default: 2).
	HalfOpenMaxSuccesses uint32
}

// BreakerMetrics exposes cumulative request counters.
type BreakerMetrics struct {
	TotalRequests  uint64
	TotalSuccesses uint64
	TotalFailures  uint64
}

// CircuitBreaker wraps gobreaker for the model clients. After MaxFailures
// consecutive failures the circuit opens and every call fails fast with
// ErrCircuitOpen until the timeout elapses and test requests succeed again.
type CircuitBreaker struct {
	breaker *gobreaker.CircuitBreaker

	requests  atomic.Uint64
	successes atomic.Uint64
	failures  atomic.Uint64
}

// NewCircuitBreaker creates a breaker named for the backend it protects,
// applying defaults for zero-valued config fields.
func NewCircuitBreaker(name string, cfg BreakerConfig) *CircuitBreaker {
	if cfg.MaxFailures == 0 {
		cfg.MaxFailures = 3
	}
	if cfg.Timeout == 0 {
		cfg.Timeout = 30 * time.Second
	}
	if cfg.HalfOpenMaxSuccesses == 0 {
		cfg.HalfOpenMaxSuccesses = 2
	}

	cb := &CircuitBreaker{}
	cb.breaker = gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        name,
		MaxRequests: cfg.HalfOpenMaxSuccesses,
		Timeout:     cfg.Timeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= cfg.MaxFailures
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			log.Printf("llm: circuit %s transitioned %s -> %s", name, from, to)
		},
	})
	return cb
}

// Execute runs fn through the breaker. When the circuit is open the call
// fails immediately with ErrCircuitOpen. A context already cancelled counts
// as a failure without invoking fn.
func (cb *CircuitBreaker) Execute(ctx context.Context, fn func() (any, error)) (any, error) {
	cb.requests.Add(1)

	if err := ctx.Err(); err != nil {
		cb.failures.Add(1)
		return nil, err
	}

	result, err := cb.breaker.Execute(func() (any, error) {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		return fn()
	})
	if err != nil {
		cb.failures.Add(1)
		if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
			return nil, ErrCircuitOpen
		}
		return nil, err
	}

	cb.successes.Add(1)
	return result, nil
}

// State returns "closed", "open", or "half-open".
func (cb *CircuitBreaker) State() string {
	switch cb.breaker.State() {
	case gobreaker.StateClosed:
		return "closed"
	case gobreaker.StateOpen:
		return "open"
	case gobreaker.StateHalfOpen:
		return "half-open"
	default:
		return "unknown"
	}
}

// Metrics returns the cumulative counters.
func (cb *CircuitBreaker) Metrics() BreakerMetrics {
	return BreakerMetrics{
		TotalRequests:  cb.requests.Load(),
		TotalSuccesses: cb.successes.Load(),
		TotalFailures:  cb.failures.Load(),
	}
}
