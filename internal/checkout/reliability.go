package checkout

import (
	"context"
	"errors"
	"math/rand"
	"sync"
	"time"

	"github.com/shopspring/decimal"
	"golang.org/x/time/rate"

	"storefront/internal/apperr"
	"storefront/internal/payment"
)

// ErrCircuitOpen indicates the circuit breaker is open. It is transient: the caller may
// try again once the breaker resets.
var ErrCircuitOpen = apperr.Transient("circuit breaker", errors.New("circuit breaker open"))

// RetryPolicy controls retry behavior for collaborator calls.
type RetryPolicy struct {
	MaxAttempts int
	BaseDelay   time.Duration
	MaxDelay    time.Duration
	Jitter      func(time.Duration) time.Duration
	Sleep       func(context.Context, time.Duration) error
	ShouldRetry func(error) bool
}

// Do executes fn with retries according to the policy. By default only transient errors
// are retried.
func (p RetryPolicy) Do(ctx context.Context, fn func() error) error {
	if ctx == nil {
		ctx = context.Background()
	}

	attempts := p.MaxAttempts
	if attempts < 1 {
		attempts = 1
	}
	sleep := p.Sleep
	if sleep == nil {
		sleep = sleepWithContext
	}
	shouldRetry := p.ShouldRetry
	if shouldRetry == nil {
		shouldRetry = retryTransient
	}
	jitter := p.Jitter
	if jitter == nil {
		jitter = defaultJitter
	}

	for attempt := 1; attempt <= attempts; attempt++ {
		if err := ctx.Err(); err != nil {
			return err
		}
		err := fn()
		if err == nil {
			return nil
		}
		if attempt == attempts || !shouldRetry(err) {
			return err
		}

		delay := p.BaseDelay
		if delay > 0 {
			delay = delay << (attempt - 1)
		}
		if p.MaxDelay > 0 && delay > p.MaxDelay {
			delay = p.MaxDelay
		}
		delay = jitter(delay)
		if delay > 0 {
			if err := sleep(ctx, delay); err != nil {
				return err
			}
		}
	}
	return nil
}

func retryTransient(err error) bool {
	if errors.Is(err, context.Canceled) || errors.Is(err, ErrCircuitOpen) {
		return false
	}
	return apperr.IsTransient(err)
}

// CircuitBreakerConfig configures a circuit breaker.
type CircuitBreakerConfig struct {
	MaxFailures  int
	ResetTimeout time.Duration
	Now          func() time.Time
}

type circuitState int

const (
	circuitClosed circuitState = iota
	circuitOpen
	circuitHalfOpen
)

// CircuitBreaker stops calls after repeated transient failures. Business errors pass
// through without counting against the provider.
type CircuitBreaker struct {
	mu         sync.Mutex
	maxFails   int
	resetAfter time.Duration
	now        func() time.Time

	state          circuitState
	failures       int
	openedAt       time.Time
	halfOpenFlight bool
}

// NewCircuitBreaker constructs a circuit breaker with sane defaults.
func NewCircuitBreaker(cfg CircuitBreakerConfig) *CircuitBreaker {
	maxFails := cfg.MaxFailures
	if maxFails < 1 {
		maxFails = 1
	}
	resetAfter := cfg.ResetTimeout
	if resetAfter <= 0 {
		resetAfter = 2 * time.Second
	}
	now := cfg.Now
	if now == nil {
		now = time.Now
	}
	return &CircuitBreaker{
		maxFails:   maxFails,
		resetAfter: resetAfter,
		now:        now,
		state:      circuitClosed,
	}
}

// Execute runs fn while enforcing breaker state.
func (c *CircuitBreaker) Execute(fn func() error) error {
	if c == nil {
		return fn()
	}

	now := c.now()

	c.mu.Lock()
	switch c.state {
	case circuitOpen:
		if now.Sub(c.openedAt) < c.resetAfter {
			c.mu.Unlock()
			return ErrCircuitOpen
		}
		c.state = circuitHalfOpen
		c.halfOpenFlight = true
	case circuitHalfOpen:
		if c.halfOpenFlight {
			c.mu.Unlock()
			return ErrCircuitOpen
		}
		c.halfOpenFlight = true
	}
	c.mu.Unlock()

	err := fn()
	failed := err != nil && apperr.IsTransient(err)

	c.mu.Lock()
	defer c.mu.Unlock()

	if c.state == circuitHalfOpen {
		c.halfOpenFlight = false
		if failed {
			c.state = circuitOpen
			c.openedAt = now
			c.failures = 0
			return err
		}
	}

	if !failed {
		c.state = circuitClosed
		c.failures = 0
		return err
	}

	c.failures++
	if c.failures >= c.maxFails {
		c.state = circuitOpen
		c.openedAt = now
	}
	return err
}

// RateLimiter paces calls with a token bucket that refills one token per interval.
type RateLimiter struct {
	lim   *rate.Limiter
	now   func() time.Time
	sleep func(context.Context, time.Duration) error
}

// NewRateLimiter returns a limiter allowing burst calls at once and one more per
// interval. A non-positive interval or burst disables limiting.
func NewRateLimiter(interval time.Duration, burst int) *RateLimiter {
	if interval <= 0 || burst <= 0 {
		return &RateLimiter{}
	}
	return &RateLimiter{
		lim:   rate.NewLimiter(rate.Every(interval), burst),
		now:   time.Now,
		sleep: sleepWithContext,
	}
}

// Wait blocks until a token is available. When ctx ends first the reserved token is
// handed back and ctx.Err() is returned.
func (r *RateLimiter) Wait(ctx context.Context) error {
	if r == nil || r.lim == nil {
		return ctx.Err()
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	now := r.now()
	res := r.lim.ReserveN(now, 1)
	if !res.OK() {
		return apperr.Transient("rate limiter", errors.New("rate limit exceeds burst"))
	}
	delay := res.DelayFrom(now)
	if delay <= 0 {
		return nil
	}
	if err := r.sleep(ctx, delay); err != nil {
		res.CancelAt(r.now())
		return err
	}
	return nil
}

// ReliableProvider wraps a payment.Provider with rate limiting, a circuit breaker and retries.
type ReliableProvider struct {
	base    payment.Provider
	limiter *RateLimiter
	breaker *CircuitBreaker
	retry   RetryPolicy
}

// NewReliableProvider constructs a reliability-wrapped payment provider.
func NewReliableProvider(base payment.Provider, limiter *RateLimiter, breaker *CircuitBreaker, retry RetryPolicy) *ReliableProvider {
	return &ReliableProvider{
		base:    base,
		limiter: limiter,
		breaker: breaker,
		retry:   retry,
	}
}

func (c *ReliableProvider) Initiate(ctx context.Context, orderID string, amount decimal.Decimal, currency string) (payment.Initiation, error) {
	var out payment.Initiation
	err := c.do(ctx, func() error {
		var err error
		out, err = c.base.Initiate(ctx, orderID, amount, currency)
		return err
	})
	return out, err
}

func (c *ReliableProvider) Status(ctx context.Context, paymentID string) (payment.Payment, error) {
	var out payment.Payment
	err := c.do(ctx, func() error {
		var err error
		out, err = c.base.Status(ctx, paymentID)
		return err
	})
	return out, err
}

func (c *ReliableProvider) Cancel(ctx context.Context, paymentID string) error {
	return c.do(ctx, func() error {
		return c.base.Cancel(ctx, paymentID)
	})
}

func (c *ReliableProvider) Refund(ctx context.Context, paymentID string, amount decimal.Decimal) error {
	return c.do(ctx, func() error {
		return c.base.Refund(ctx, paymentID, amount)
	})
}

// Apply forwards a webhook outcome to the wrapped provider when it keeps a ledger.
func (c *ReliableProvider) Apply(ctx context.Context, ev payment.Event) (payment.Payment, error) {
	if applier, ok := c.base.(eventApplier); ok {
		return applier.Apply(ctx, ev)
	}
	return payment.Payment{}, nil
}

// FindByOrder forwards the order lookup when the wrapped provider supports it.
func (c *ReliableProvider) FindByOrder(ctx context.Context, orderID string) (payment.Payment, bool, error) {
	lookup, ok := c.base.(paymentLookup)
	if !ok {
		return payment.Payment{}, false, errLookupUnsupported
	}
	var (
		out   payment.Payment
		found bool
	)
	err := c.do(ctx, func() error {
		var err error
		out, found, err = lookup.FindByOrder(ctx, orderID)
		return err
	})
	return out, found, err
}

func (c *ReliableProvider) do(ctx context.Context, fn func() error) error {
	attempt := func() error {
		if c.limiter != nil {
			if err := c.limiter.Wait(ctx); err != nil {
				return err
			}
		}
		if c.breaker != nil {
			return c.breaker.Execute(fn)
		}
		return fn()
	}
	return c.retry.Do(ctx, attempt)
}

func sleepWithContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

func defaultJitter(d time.Duration) time.Duration {
	if d <= 0 {
		return 0
	}
	half := d / 2
	return half + time.Duration(rand.Int63n(int64(half)+1))
}
