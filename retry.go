package nexasync

import (
	"context"
	"math"
	"time"

	"github.com/rs/zerolog"

	"github.com/nexa-social/nexasync/clock"
)

// RetryPolicy configures ExecuteWithRetry.
type RetryPolicy struct {
	// MaxRetries is the total number of attempts, including the first.
	MaxRetries        int
	BaseDelay         time.Duration
	MaxDelay          time.Duration
	BackoffMultiplier float64

	// ShouldRetry decides whether an error is worth another attempt.
	// Nil means IsRetryable.
	ShouldRetry func(error) bool

	// Clock drives the backoff waits. Nil means the real clock.
	Clock clock.Clock
}

// DefaultRetryPolicy returns 3 attempts starting at 1s, doubling, capped
// at 30s.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		MaxRetries:        3,
		BaseDelay:         time.Second,
		MaxDelay:          30 * time.Second,
		BackoffMultiplier: 2,
	}
}

func (p RetryPolicy) withDefaults() RetryPolicy {
	if p.MaxRetries <= 0 {
		p.MaxRetries = 1
	}
	if p.BackoffMultiplier <= 0 {
		p.BackoffMultiplier = 2
	}
	if p.MaxDelay <= 0 {
		p.MaxDelay = 30 * time.Second
	}
	if p.ShouldRetry == nil {
		p.ShouldRetry = IsRetryable
	}
	if p.Clock == nil {
		p.Clock = clock.Real()
	}
	return p
}

// Delay returns the wait after the given failed attempt (1-based):
// min(MaxDelay, BaseDelay * BackoffMultiplier^(attempt-1)).
func (p RetryPolicy) Delay(attempt int) time.Duration {
	p = p.withDefaults()
	if attempt < 1 {
		attempt = 1
	}
	d := float64(p.BaseDelay) * math.Pow(p.BackoffMultiplier, float64(attempt-1))
	if d >= float64(p.MaxDelay) {
		return p.MaxDelay
	}
	return time.Duration(d)
}

// ExecuteWithRetry calls op until it succeeds, the policy says stop, or
// attempts run out, and returns the last error. A terminal error is
// returned immediately without waiting. ExecuteWithRetry holds no
// state of its own and is safe for concurrent use.
func ExecuteWithRetry[T any](ctx context.Context, policy RetryPolicy, op func(context.Context) (T, error)) (T, error) {
	p := policy.withDefaults()
	log := zerolog.Ctx(ctx)

	var zero T
	var lastErr error
	for attempt := 1; attempt <= p.MaxRetries; attempt++ {
		result, err := op(ctx)
		if err == nil {
			return result, nil
		}
		lastErr = err

		if attempt == p.MaxRetries || !p.ShouldRetry(err) {
			break
		}
		delay := p.Delay(attempt)
		log.Debug().Err(err).Int("attempt", attempt).Dur("delay", delay).Msg("retrying")
		if err := waitWithContext(ctx, p.Clock, delay); err != nil {
			return zero, err
		}
	}
	return zero, lastErr
}

func waitWithContext(ctx context.Context, clk clock.Clock, delay time.Duration) error {
	if delay <= 0 {
		return ctx.Err()
	}
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-clk.After(delay):
		return nil
	}
}
