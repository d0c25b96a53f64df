package transport

import (
	"math"
	"time"
)

// BackoffConfig defines bounded retry behavior for transient transport
// failures. Retries are invisible to callers: a request either eventually
// succeeds or reports its last error.
type BackoffConfig struct {
	MaxAttempts  int
	InitialDelay time.Duration
	Multiplier   float64
	MaxDelay     time.Duration
	Jitter       bool
}

// DefaultBackoff returns the retry defaults.
func DefaultBackoff() BackoffConfig {
	return BackoffConfig{
		MaxAttempts:  3,
		InitialDelay: 250 * time.Millisecond,
		Multiplier:   2.0,
		MaxDelay:     5 * time.Second,
		Jitter:       true,
	}
}

// NoRetry makes exactly one attempt.
func NoRetry() BackoffConfig {
	return BackoffConfig{MaxAttempts: 1}
}

// NextBackoffDelay returns the delay before retry attempt N (1-based: the
// delay before the first retry is attempt 1). jitter, when non-nil and
// enabled, returns a value in [0,1).
func NextBackoffDelay(cfg BackoffConfig, attempt int, jitter func() float64) time.Duration {
	if cfg.InitialDelay <= 0 {
		return 0
	}
	if attempt < 1 {
		attempt = 1
	}
	if cfg.Multiplier < 1.0 {
		cfg.Multiplier = 1.0
	}
	delay := float64(cfg.InitialDelay) * math.Pow(cfg.Multiplier, float64(attempt-1))
	if cfg.MaxDelay > 0 && delay > float64(cfg.MaxDelay) {
		delay = float64(cfg.MaxDelay)
	}
	if cfg.Jitter {
		f := 0.5
		if jitter != nil {
			f = 0.5 + jitter()
		}
		delay = delay * f
	}
	return time.Duration(delay)
}
