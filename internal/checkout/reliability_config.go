package checkout

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// ReliabilityConfig tunes retries for collaborator calls and the guards in front of the
// payment provider.
type ReliabilityConfig struct {
	RetryMaxAttempts    int
	RetryBaseDelay      time.Duration
	RetryMaxDelay       time.Duration
	BreakerMaxFailures  int
	BreakerResetTimeout time.Duration
	RateLimitInterval   time.Duration
	RateLimitBurst      int
}

// DefaultReliabilityConfig is used for every variable left unset.
func DefaultReliabilityConfig() ReliabilityConfig {
	return ReliabilityConfig{
		RetryMaxAttempts:    3,
		RetryBaseDelay:      50 * time.Millisecond,
		RetryMaxDelay:       time.Second,
		BreakerMaxFailures:  5,
		BreakerResetTimeout: 10 * time.Second,
		RateLimitInterval:   10 * time.Millisecond,
		RateLimitBurst:      50,
	}
}

// LoadReliabilityConfigFromEnv reads CHECKOUT_RETRY_*, CHECKOUT_BREAKER_* and
// CHECKOUT_RATE_LIMIT_* over the defaults.
func LoadReliabilityConfigFromEnv() (ReliabilityConfig, error) {
	cfg := DefaultReliabilityConfig()

	ints := []struct {
		name string
		dst  *int
	}{
		{"CHECKOUT_RETRY_MAX_ATTEMPTS", &cfg.RetryMaxAttempts},
		{"CHECKOUT_BREAKER_MAX_FAILURES", &cfg.BreakerMaxFailures},
		{"CHECKOUT_RATE_LIMIT_BURST", &cfg.RateLimitBurst},
	}
	for _, v := range ints {
		if err := overrideInt(v.name, v.dst); err != nil {
			return cfg, err
		}
	}

	durations := []struct {
		name string
		dst  *time.Duration
	}{
		{"CHECKOUT_RETRY_BASE_DELAY", &cfg.RetryBaseDelay},
		{"CHECKOUT_RETRY_MAX_DELAY", &cfg.RetryMaxDelay},
		{"CHECKOUT_BREAKER_RESET_TIMEOUT", &cfg.BreakerResetTimeout},
		{"CHECKOUT_RATE_LIMIT_INTERVAL", &cfg.RateLimitInterval},
	}
	for _, v := range durations {
		if err := overrideDuration(v.name, v.dst); err != nil {
			return cfg, err
		}
	}

	return cfg, nil
}

// RetryPolicy builds the step retry policy.
func (c ReliabilityConfig) RetryPolicy() RetryPolicy {
	return RetryPolicy{
		MaxAttempts: c.RetryMaxAttempts,
		BaseDelay:   c.RetryBaseDelay,
		MaxDelay:    c.RetryMaxDelay,
	}
}

// Breaker builds a circuit breaker.
func (c ReliabilityConfig) Breaker() *CircuitBreaker {
	return NewCircuitBreaker(CircuitBreakerConfig{
		MaxFailures:  c.BreakerMaxFailures,
		ResetTimeout: c.BreakerResetTimeout,
	})
}

// Limiter builds a rate limiter, or nil when limiting is disabled.
func (c ReliabilityConfig) Limiter() *RateLimiter {
	if c.RateLimitInterval <= 0 || c.RateLimitBurst <= 0 {
		return nil
	}
	return NewRateLimiter(c.RateLimitInterval, c.RateLimitBurst)
}

func overrideDuration(name string, dst *time.Duration) error {
	raw := strings.TrimSpace(os.Getenv(name))
	if raw == "" {
		return nil
	}
	val, err := time.ParseDuration(raw)
	if err != nil {
		return fmt.Errorf("%s: %w", name, err)
	}
	if val < 0 {
		return fmt.Errorf("%s must be >= 0", name)
	}
	*dst = val
	return nil
}

func overrideInt(name string, dst *int) error {
	raw := strings.TrimSpace(os.Getenv(name))
	if raw == "" {
		return nil
	}
	val, err := strconv.Atoi(raw)
	if err != nil {
		return fmt.Errorf("%s: %w", name, err)
	}
	if val < 0 {
		return fmt.Errorf("%s must be >= 0", name)
	}
	*dst = val
	return nil
}
