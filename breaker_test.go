package nexasync_test

import (
	"context"
	"errors"
	"testing"
	"time"

	nexasync "github.com/nexa-social/nexasync"
	"github.com/nexa-social/nexasync/clock"
)

func newTestBreaker(threshold int) (*nexasync.CircuitBreaker, *clock.FakeClock) {
	clk := clock.Fake(epoch)
	cfg := nexasync.BreakerConfig{FailureThreshold: threshold, ResetTimeout: time.Minute, MonitoringPeriod: 5 * time.Minute}
	return nexasync.NewCircuitBreaker("message-send", cfg, clk), clk
}

func failN(b *nexasync.CircuitBreaker, n int) {
	for i := 0; i < n; i++ {
		if b.Allow() == nil {
			b.Record(errFlaky)
		}
	}
}

func TestCircuitBreakerTrips(t *testing.T) {
	b, clk := newTestBreaker(3)

	failN(b, 2)
	if st := b.State(); st.State != nexasync.BreakerClosed || st.ConsecutiveFailures != 2 {
		t.Fatalf("after 2 failures: %+v", st)
	}
	failN(b, 1)
	if st := b.State(); st.State != nexasync.BreakerOpen {
		t.Fatalf("after 3 failures: %+v", st)
	}

	clk.Advance(20 * time.Second)
	err := b.Allow()
	var open *nexasync.CircuitOpenError
	if !errors.As(err, &open) || !errors.Is(err, nexasync.ErrCircuitOpen) {
		t.Fatalf("Allow while open = %v", err)
	}
	if open.Class != "message-send" || open.RetryAfter != 40*time.Second {
		t.Errorf("open error = %+v", open)
	}
	if nexasync.IsRetryable(err) {
		t.Error("circuit-open error must not be retried")
	}
}

func TestCircuitBreakerHalfOpen(t *testing.T) {
	t.Run("probe success closes", func(t *testing.T) {
		b, clk := newTestBreaker(2)
		failN(b, 2)
		clk.Advance(time.Minute)

		if err := b.Allow(); err != nil {
			t.Fatalf("probe rejected: %v", err)
		}
		if st := b.State(); st.State != nexasync.BreakerHalfOpen {
			t.Errorf("state = %s", st.State)
		}
		if err := b.Allow(); !errors.Is(err, nexasync.ErrCircuitOpen) {
			t.Errorf("second call during probe = %v", err)
		}
		b.Record(nil)
		if st := b.State(); st.State != nexasync.BreakerClosed || st.ConsecutiveFailures != 0 {
			t.Errorf("after probe success: %+v", st)
		}
	})

	t.Run("probe failure reopens", func(t *testing.T) {
		b, clk := newTestBreaker(2)
		failN(b, 2)
		clk.Advance(time.Minute)

		if err := b.Allow(); err != nil {
			t.Fatal(err)
		}
		b.Record(errFlaky)
		if st := b.State(); st.State != nexasync.BreakerOpen {
			t.Errorf("state = %s", st.State)
		}
		if err := b.Allow(); !errors.Is(err, nexasync.ErrCircuitOpen) {
			t.Errorf("Allow = %v", err)
		}
	})
}

func TestCircuitBreakerMonitoringPeriod(t *testing.T) {
	b, clk := newTestBreaker(3)
	failN(b, 2)
	clk.Advance(5 * time.Minute)
	failN(b, 1)
	if st := b.State(); st.State != nexasync.BreakerClosed || st.ConsecutiveFailures != 1 {
		t.Errorf("stale failures were counted: %+v", st)
	}
}

func TestGuard(t *testing.T) {
	b, _ := newTestBreaker(1)

	if _, err := nexasync.Guard(b, func() (int, error) { return 0, nexasync.ErrValidation }); !errors.Is(err, nexasync.ErrValidation) {
		t.Fatalf("err = %v", err)
	}
	if _, err := nexasync.Guard(b, func() (int, error) { return 0, context.Canceled }); !errors.Is(err, context.Canceled) {
		t.Fatalf("err = %v", err)
	}
	if st := b.State(); st.State != nexasync.BreakerClosed || st.ConsecutiveFailures != 0 {
		t.Fatalf("input errors counted against the breaker: %+v", st)
	}

	got, err := nexasync.Guard(b, func() (int, error) { return 7, nil })
	if got != 7 || err != nil {
		t.Errorf("Guard = %d, %v", got, err)
	}

	nexasync.Guard(b, func() (int, error) { return 0, errFlaky })
	called := false
	_, err = nexasync.Guard(b, func() (int, error) { called = true; return 0, nil })
	if called || !errors.Is(err, nexasync.ErrCircuitOpen) {
		t.Errorf("open breaker: called=%v err=%v", called, err)
	}
}

func TestExecutor(t *testing.T) {
	clk := clock.Fake(epoch)
	exec := nexasync.NewExecutor(nexasync.RetryPolicy{MaxRetries: 3}, nexasync.BreakerConfig{FailureThreshold: 2}, nexasync.WithExecutorClock(clk))
	ctx := context.Background()

	t.Run("one breaker record per call", func(t *testing.T) {
		op, calls := failingOp(10, errFlaky)
		if _, err := nexasync.Execute(ctx, exec, "message-send", op); !errors.Is(err, nexasync.ErrNetwork) {
			t.Fatalf("err = %v", err)
		}
		if calls.Load() != 3 {
			t.Errorf("attempts = %d", calls.Load())
		}
		if st := exec.Breaker("message-send").State(); st.ConsecutiveFailures != 1 || st.State != nexasync.BreakerClosed {
			t.Errorf("breaker = %+v", st)
		}
	})

	t.Run("open breaker rejects without calling", func(t *testing.T) {
		op, _ := failingOp(10, errFlaky)
		nexasync.Execute(ctx, exec, "message-send", op)

		next, calls := failingOp(0, nil)
		_, err := nexasync.Execute(ctx, exec, "message-send", next)
		if !errors.Is(err, nexasync.ErrCircuitOpen) || calls.Load() != 0 {
			t.Errorf("err = %v, calls = %d", err, calls.Load())
		}
	})

	t.Run("classes are isolated", func(t *testing.T) {
		op, _ := failingOp(0, nil)
		if got, err := nexasync.Execute(ctx, exec, "media-upload", op); err != nil || got != "ok" {
			t.Errorf("media-upload = %q, %v", got, err)
		}
		states := exec.Breakers()
		if len(states) != 2 || states[0].Class != "media-upload" || states[1].Class != "message-send" {
			t.Errorf("Breakers = %+v", states)
		}
		if states[0].State != nexasync.BreakerClosed || states[1].State != nexasync.BreakerOpen {
			t.Errorf("Breakers = %+v", states)
		}
	})

	t.Run("recovers after reset timeout", func(t *testing.T) {
		clk.Advance(nexasync.DefaultBreakerConfig().ResetTimeout)
		op, _ := failingOp(0, nil)
		if _, err := nexasync.Execute(ctx, exec, "message-send", op); err != nil {
			t.Fatalf("probe = %v", err)
		}
		if st := exec.Breaker("message-send").State(); st.State != nexasync.BreakerClosed {
			t.Errorf("state = %s", st.State)
		}
	})
}
