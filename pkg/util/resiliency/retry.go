// Package resiliency provides bounded retry with exponential backoff and a
// circuit breaker for the pipeline's two network destinations.
package resiliency

import (
	"context"
	"crypto/rand"
	"fmt"
	"math/big"
	"sync"
	"time"
)

// Policy bounds a retry loop. Delay for attempt i is BaseDelay * 2^i plus
// jitter, capped at MaxDelay.
type Policy struct {
	MaxAttempts int
	BaseDelay   time.Duration
	MaxDelay    time.Duration
}

// DefaultPolicy matches the client defaults: 4 attempts, 100ms base, 5s cap.
func DefaultPolicy() Policy {
	return Policy{MaxAttempts: 4, BaseDelay: 100 * time.Millisecond, MaxDelay: 5 * time.Second}
}

func (p Policy) normalized() Policy {
	if p.MaxAttempts < 1 {
		p.MaxAttempts = 1
	}
	if p.BaseDelay <= 0 {
		p.BaseDelay = 100 * time.Millisecond
	}
	if p.MaxDelay <= 0 {
		p.MaxDelay = 5 * time.Second
	}
	return p
}

// Backoff returns the sleep before retry number attempt (0-based).
func (p Policy) Backoff(attempt int) time.Duration {
	delay := p.BaseDelay
	for i := 0; i < attempt; i++ {
		delay *= 2
		if delay >= p.MaxDelay {
			delay = p.MaxDelay
			break
		}
	}
	// Jitter up to half the delay, from crypto/rand to avoid shared-seed
	// thundering herds across concurrent producers.
	if n, err := rand.Int(rand.Reader, big.NewInt(int64(delay/2)+1)); err == nil {
		delay += time.Duration(n.Int64())
	}
	if delay > p.MaxDelay {
		delay = p.MaxDelay
	}
	return delay
}

// Do runs op up to MaxAttempts times, sleeping between attempts, as long as
// retryable(err) reports the failure is worth another try. Context
// cancellation aborts the loop with the context error wrapped around the last
// operation error.
func Do(ctx context.Context, p Policy, retryable func(error) bool, op func(context.Context) error) error {
	p = p.normalized()

	var lastErr error
	for attempt := 0; attempt < p.MaxAttempts; attempt++ {
		lastErr = op(ctx)
		if lastErr == nil {
			return nil
		}
		if !retryable(lastErr) {
			return lastErr
		}
		if attempt == p.MaxAttempts-1 {
			break
		}

		timer := time.NewTimer(p.Backoff(attempt))
		select {
		case <-ctx.Done():
			timer.Stop()
			return fmt.Errorf("%w (last error: %v)", ctx.Err(), lastErr)
		case <-timer.C:
		}
	}
	return lastErr
}

// BreakerState is the circuit breaker state machine position.
type BreakerState string

const (
	BreakerClosed   BreakerState = "CLOSED"
	BreakerOpen     BreakerState = "OPEN"
	BreakerHalfOpen BreakerState = "HALF_OPEN"
)

// CircuitBreaker trips after a threshold of consecutive failures and lets a
// probe through once the reset timeout elapses.
type CircuitBreaker struct {
	mu           sync.Mutex
	name         string
	failureCount int
	threshold    int
	lastFailure  time.Time
	resetTimeout time.Duration
	state        BreakerState
}

func NewCircuitBreaker(name string, threshold int, timeout time.Duration) *CircuitBreaker {
	return &CircuitBreaker{
		name:         name,
		threshold:    threshold,
		resetTimeout: timeout,
		state:        BreakerClosed,
	}
}

// Allow reports whether a call may proceed.
func (cb *CircuitBreaker) Allow() bool {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	if cb.state == BreakerOpen {
		if time.Since(cb.lastFailure) > cb.resetTimeout {
			cb.state = BreakerHalfOpen
			return true
		}
		return false
	}
	return true
}

// Success records a successful call and closes the breaker.
func (cb *CircuitBreaker) Success() {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	cb.state = BreakerClosed
	cb.failureCount = 0
}

// Failure records a failed call, tripping the breaker at the threshold.
func (cb *CircuitBreaker) Failure() {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	cb.failureCount++
	cb.lastFailure = time.Now()
	if cb.failureCount >= cb.threshold {
		cb.state = BreakerOpen
	}
}

// Name identifies the breaker in error messages.
func (cb *CircuitBreaker) Name() string { return cb.name }
