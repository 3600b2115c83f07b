// Package limiter gates admission to the inference backend. One limiter
// instance is created at process start and shared by every run, so
// concurrent runs draw from the same provider quota.
package limiter

import (
	"context"
	"errors"
	"fmt"
	"time"

	"golang.org/x/time/rate"

	"dopilot/internal/logging"
)

// ErrRateLimitTimeout is returned when no slot frees up within the acquire
// deadline. Admission is denied; no provider call was made.
var ErrRateLimitTimeout = errors.New("rate limit: timed out waiting for a free slot")

// RateLimiter throttles outbound provider calls to a requests-per-minute
// quota using a token bucket. A permit only gates admission; completion of
// the call is not tracked and permits are never explicitly released.
type RateLimiter struct {
	limiter        *rate.Limiter
	acquireTimeout time.Duration
	logger         logging.Logger
}

// New creates a limiter for the given quota. A non-positive
// requestsPerMinute disables throttling entirely.
func New(requestsPerMinute int, acquireTimeout time.Duration) *RateLimiter {
	limit := rate.Inf
	burst := 1
	if requestsPerMinute > 0 {
		limit = rate.Limit(float64(requestsPerMinute) / 60.0)
		// Allow the full quota to be consumed in a burst at window start,
		// matching a fixed per-minute counter.
		burst = requestsPerMinute
	}

	return &RateLimiter{
		limiter:        rate.NewLimiter(limit, burst),
		acquireTimeout: acquireTimeout,
		logger:         logging.NewComponentLogger("rate-limiter"),
	}
}

// Acquire blocks until a slot is free, the acquire timeout elapses, or ctx
// is cancelled. The limiter's internal counter is safe for concurrent
// callers.
func (l *RateLimiter) Acquire(ctx context.Context) error {
	if l.limiter.Allow() {
		return nil
	}

	l.logger.Debug("quota exhausted, waiting up to %v for a slot", l.acquireTimeout)

	waitCtx := ctx
	var cancel context.CancelFunc
	if l.acquireTimeout > 0 {
		waitCtx, cancel = context.WithTimeout(ctx, l.acquireTimeout)
		defer cancel()
	}

	if err := l.limiter.Wait(waitCtx); err != nil {
		// Distinguish caller cancellation from the acquire deadline.
		if ctx.Err() != nil {
			return ctx.Err()
		}
		l.logger.Warn("admission denied after %v", l.acquireTimeout)
		return fmt.Errorf("%w (waited %v)", ErrRateLimitTimeout, l.acquireTimeout)
	}

	return nil
}

// Tokens reports the currently available slot count, for diagnostics.
func (l *RateLimiter) Tokens() float64 {
	return l.limiter.Tokens()
}
