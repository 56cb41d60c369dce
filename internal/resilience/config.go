package resilience

import (
	"time"
)

// PolicyFromConfig overlays operator-tunable values onto a base policy.
// Zero values leave the base untouched, so a partially-filled config
// section only overrides what it names.
func PolicyFromConfig(base Policy, maxAttempts, initialBackoffMs, maxBackoffMs int, multiplier float64) Policy {
	if maxAttempts > 0 {
		base.MaxAttempts = maxAttempts
	}
	if initialBackoffMs > 0 {
		base.InitialBackoff = time.Duration(initialBackoffMs) * time.Millisecond
	}
	if maxBackoffMs > 0 {
		base.MaxBackoff = time.Duration(maxBackoffMs) * time.Millisecond
	}
	if multiplier > 0 {
		base.Multiplier = multiplier
	}
	return base
}

// BreakerFromConfig overlays operator-tunable values onto the default
// breaker config.
func BreakerFromConfig(failureThreshold, resetTimeoutSecs, halfOpenSuccesses int) BreakerConfig {
	cfg := DefaultBreakerConfig()
	if failureThreshold > 0 {
		cfg.FailureThreshold = failureThreshold
	}
	if resetTimeoutSecs > 0 {
		cfg.ResetTimeout = time.Duration(resetTimeoutSecs) * time.Second
	}
	if halfOpenSuccesses > 0 {
		cfg.HalfOpenSuccesses = halfOpenSuccesses
	}
	return cfg
}
