package nexasync

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/nexa-social/nexasync/clock"
)

// ============================================================================
// Circuit breaker
// ============================================================================

// BreakerState is the position of a circuit breaker.
type BreakerState string

const (
	BreakerClosed   BreakerState = "closed"
	BreakerOpen     BreakerState = "open"
	BreakerHalfOpen BreakerState = "half-open"
)

// BreakerConfig sets the trip and recovery thresholds.
type BreakerConfig struct {
	FailureThreshold int
	ResetTimeout     time.Duration
	MonitoringPeriod time.Duration
}

func DefaultBreakerConfig() BreakerConfig {
	return BreakerConfig{
		FailureThreshold: 5,
		ResetTimeout:     60 * time.Second,
		MonitoringPeriod: 5 * time.Minute,
	}
}

// CircuitBreakerState is a point-in-time view of a breaker.
type CircuitBreakerState struct {
	Class               string       `json:"class"`
	State               BreakerState `json:"state"`
	ConsecutiveFailures int          `json:"consecutiveFailures"`
	LastFailureAt       time.Time    `json:"lastFailureAt,omitempty"`
}

// CircuitBreaker guards one class of operation. It is safe for
// concurrent use.
type CircuitBreaker struct {
	class string
	cfg   BreakerConfig
	clock clock.Clock

	mu            sync.Mutex
	state         BreakerState
	failures      int
	lastFailureAt time.Time
	openedAt      time.Time
	probing       bool
}

// NewCircuitBreaker returns a closed breaker for class.
func NewCircuitBreaker(class string, cfg BreakerConfig, clk clock.Clock) *CircuitBreaker {
	def := DefaultBreakerConfig()
	if cfg.FailureThreshold <= 0 {
		cfg.FailureThreshold = def.FailureThreshold
	}
	if cfg.ResetTimeout <= 0 {
		cfg.ResetTimeout = def.ResetTimeout
	}
	if cfg.MonitoringPeriod <= 0 {
		cfg.MonitoringPeriod = def.MonitoringPeriod
	}
	if clk == nil {
		clk = clock.Real()
	}
	return &CircuitBreaker{class: class, cfg: cfg, clock: clk, state: BreakerClosed}
}

// Allow admits or rejects a call. An admitted call must be followed by
// exactly one Record.
func (b *CircuitBreaker) Allow() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	now := b.clock.Now()

	switch b.state {
	case BreakerOpen:
		elapsed := now.Sub(b.openedAt)
		if elapsed < b.cfg.ResetTimeout {
			return &CircuitOpenError{Class: b.class, RetryAfter: b.cfg.ResetTimeout - elapsed}
		}
		b.state = BreakerHalfOpen
		b.probing = true
		return nil
	case BreakerHalfOpen:
		if b.probing {
			return &CircuitOpenError{Class: b.class, RetryAfter: b.cfg.ResetTimeout}
		}
		b.probing = true
		return nil
	default:
		b.expireLocked(now)
		return nil
	}
}

// Record reports the outcome of an admitted call.
func (b *CircuitBreaker) Record(err error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	now := b.clock.Now()

	if err == nil {
		b.state = BreakerClosed
		b.failures = 0
		b.probing = false
		return
	}

	b.expireLocked(now)
	b.failures++
	b.lastFailureAt = now

	switch {
	case b.state == BreakerHalfOpen:
		b.tripLocked(now)
	case b.failures >= b.cfg.FailureThreshold:
		b.tripLocked(now)
	}
}

// release ends an admitted call whose outcome says nothing about the
// remote side (bad input, caller cancellation).
func (b *CircuitBreaker) release() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.probing = false
}

// expireLocked zeroes the counter when the monitoring period passed
// without a failure.
func (b *CircuitBreaker) expireLocked(now time.Time) {
	if b.failures > 0 && now.Sub(b.lastFailureAt) >= b.cfg.MonitoringPeriod {
		b.failures = 0
	}
}

func (b *CircuitBreaker) tripLocked(now time.Time) {
	b.state = BreakerOpen
	b.openedAt = now
	b.probing = false
}

// State returns a snapshot of the breaker.
func (b *CircuitBreaker) State() CircuitBreakerState {
	b.mu.Lock()
	defer b.mu.Unlock()
	return CircuitBreakerState{
		Class:               b.class,
		State:               b.state,
		ConsecutiveFailures: b.failures,
		LastFailureAt:       b.lastFailureAt,
	}
}

// Guard runs op under b. While the breaker is open op is not called and
// a *CircuitOpenError is returned. Validation errors and caller
// cancellation do not count as failures.
func Guard[T any](b *CircuitBreaker, op func() (T, error)) (T, error) {
	var zero T
	if err := b.Allow(); err != nil {
		return zero, err
	}
	result, err := op()
	if errors.Is(err, ErrValidation) || errors.Is(err, context.Canceled) {
		b.release()
		return result, err
	}
	b.Record(err)
	return result, err
}

// ============================================================================
// Executor: retry + breaker registry
// ============================================================================

// Executor owns one breaker per operation class and runs operations
// through retry guarded by the class breaker.
type Executor struct {
	policy  RetryPolicy
	breaker BreakerConfig
	clock   clock.Clock
	log     zerolog.Logger

	mu       sync.Mutex
	breakers map[string]*CircuitBreaker
}

// ExecutorOption configures an Executor.
type ExecutorOption func(*Executor)

func WithExecutorClock(clk clock.Clock) ExecutorOption {
	return func(e *Executor) { e.clock = clk }
}

func WithExecutorLogger(log zerolog.Logger) ExecutorOption {
	return func(e *Executor) { e.log = log }
}

// NewExecutor returns an Executor using policy for retries and cfg for
// every breaker it creates.
func NewExecutor(policy RetryPolicy, cfg BreakerConfig, opts ...ExecutorOption) *Executor {
	e := &Executor{
		policy:   policy,
		breaker:  cfg,
		clock:    clock.Real(),
		log:      zerolog.Nop(),
		breakers: make(map[string]*CircuitBreaker),
	}
	for _, opt := range opts {
		opt(e)
	}
	e.policy.Clock = e.clock
	return e
}

// Breaker returns the breaker for class, creating it on first use.
func (e *Executor) Breaker(class string) *CircuitBreaker {
	e.mu.Lock()
	defer e.mu.Unlock()
	b, ok := e.breakers[class]
	if !ok {
		b = NewCircuitBreaker(class, e.breaker, e.clock)
		e.breakers[class] = b
	}
	return b
}

// Policy returns the executor's retry policy.
func (e *Executor) Policy() RetryPolicy { return e.policy }

// Breakers returns a snapshot of every breaker, sorted by class.
func (e *Executor) Breakers() []CircuitBreakerState {
	e.mu.Lock()
	list := make([]*CircuitBreaker, 0, len(e.breakers))
	for _, b := range e.breakers {
		list = append(list, b)
	}
	e.mu.Unlock()

	states := make([]CircuitBreakerState, 0, len(list))
	for _, b := range list {
		states = append(states, b.State())
	}
	sort.Slice(states, func(i, j int) bool { return states[i].Class < states[j].Class })
	return states
}

// Execute runs op with the executor's retry policy inside the breaker
// for class.
func Execute[T any](ctx context.Context, e *Executor, class string, op func(context.Context) (T, error)) (T, error) {
	return ExecuteWith(ctx, e, class, e.policy, op)
}

// ExecuteWith is Execute with an explicit retry policy.
func ExecuteWith[T any](ctx context.Context, e *Executor, class string, policy RetryPolicy, op func(context.Context) (T, error)) (T, error) {
	if policy.Clock == nil {
		policy.Clock = e.clock
	}
	if zerolog.Ctx(ctx).GetLevel() == zerolog.Disabled {
		ctx = e.log.WithContext(ctx)
	}
	b := e.Breaker(class)
	result, err := Guard(b, func() (T, error) {
		return ExecuteWithRetry(ctx, policy, op)
	})
	if errors.Is(err, ErrCircuitOpen) {
		e.log.Warn().Str("class", class).Msg("circuit open, call rejected")
	}
	return result, err
}
