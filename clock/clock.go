// Package clock abstracts time so the sync managers can be driven
// deterministically in tests.
//
// Production code uses Real(); tests use Fake() and move time forward
// with Advance. Every TTL check, backoff wait, batch timer and sweep in
// nexasync reads time through a Clock.
package clock

import "time"

// Clock is the subset of the time package the managers depend on.
type Clock interface {
	Now() time.Time

	// After behaves like time.After. If d <= 0 the channel is ready
	// immediately.
	After(d time.Duration) <-chan time.Time

	// AfterFunc behaves like time.AfterFunc. The returned Timer has a
	// nil C field.
	AfterFunc(d time.Duration, f func()) *Timer

	// NewTicker behaves like time.NewTicker and panics if d <= 0.
	NewTicker(d time.Duration) *Ticker

	Sleep(d time.Duration)
}

// Ticker delivers ticks on C. C has capacity 1; ticks are dropped
// when the reader falls behind.
type Ticker struct {
	C <-chan time.Time

	stop  func()
	reset func(time.Duration)
}

// Stop turns the ticker off. C is not closed.
func (t *Ticker) Stop() { t.stop() }

// Reset changes the interval and restarts the cycle.
func (t *Ticker) Reset(d time.Duration) { t.reset(d) }

// Timer is a scheduled callback created by AfterFunc.
type Timer struct {
	C <-chan time.Time

	stop  func() bool
	reset func(time.Duration) bool
}

// Stop cancels the timer. It reports whether the call prevented the
// timer from firing.
func (t *Timer) Stop() bool { return t.stop() }

// Reset reschedules the timer to fire after d.
func (t *Timer) Reset(d time.Duration) bool { return t.reset(d) }
