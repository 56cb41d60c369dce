package resilience

import (
	"context"
	"math"
	"math/rand/v2"
	"time"

	"go.uber.org/zap"
)

// Policy controls retry behavior with exponential backoff and jitter.
type Policy struct {
	// Name labels the policy in logs.
	Name string

	// MaxAttempts is the total number of attempts (including the first try).
	// A value of 1 means no retries. Default: 3.
	MaxAttempts int

	// InitialBackoff is the base delay before the first retry. Default: 500ms.
	InitialBackoff time.Duration

	// MaxBackoff caps the backoff duration. Default: 30s.
	MaxBackoff time.Duration

	// Multiplier scales the backoff after each attempt. Default: 2.0.
	Multiplier float64

	// JitterFraction adds random jitter as a fraction of the computed delay
	// (0.0 = no jitter, 0.5 = ±50%). Default: 0.25.
	JitterFraction float64

	// OnRetry is called before each retry sleep with the attempt number
	// just failed, its classified error, and the chosen delay.
	OnRetry func(attempt int, err error, delay time.Duration)
}

// DefaultPolicy is the standard policy for external calls: 3 attempts.
func DefaultPolicy() Policy {
	return Policy{
		Name:           "default",
		MaxAttempts:    3,
		InitialBackoff: 500 * time.Millisecond,
		MaxBackoff:     30 * time.Second,
		Multiplier:     2.0,
		JitterFraction: 0.25,
	}
}

// AggressivePolicy retries harder with shorter delays: 5 attempts.
func AggressivePolicy() Policy {
	return Policy{
		Name:           "aggressive",
		MaxAttempts:    5,
		InitialBackoff: 200 * time.Millisecond,
		MaxBackoff:     10 * time.Second,
		Multiplier:     2.0,
		JitterFraction: 0.25,
	}
}

// ConservativePolicy retries once with a longer delay: 2 attempts.
func ConservativePolicy() Policy {
	return Policy{
		Name:           "conservative",
		MaxAttempts:    2,
		InitialBackoff: 2 * time.Second,
		MaxBackoff:     60 * time.Second,
		Multiplier:     2.0,
		JitterFraction: 0.25,
	}
}

// NoRetryPolicy makes exactly one attempt.
func NoRetryPolicy() Policy {
	return Policy{
		Name:        "no_retry",
		MaxAttempts: 1,
	}
}

// Do executes fn under the policy. Every failure is classified; non-retryable
// errors return immediately. The returned count is the number of attempts
// made, and the returned error (always a *PipelineError when non-nil) carries
// that count.
func Do(ctx context.Context, policy Policy, fn func(ctx context.Context) error) (int, error) {
	_, attempts, err := DoVal(ctx, policy, func(ctx context.Context) (struct{}, error) {
		return struct{}{}, fn(ctx)
	})
	return attempts, err
}

// DoVal executes fn returning a value under the policy. Same semantics as Do
// but preserves the return value from the successful call.
func DoVal[T any](ctx context.Context, policy Policy, fn func(ctx context.Context) (T, error)) (T, int, error) {
	policy = applyDefaults(policy)

	var zero T
	var classified *PipelineError
	attempts := 0
	for attempt := 0; attempt < policy.MaxAttempts; attempt++ {
		attempts++
		val, err := fn(ctx)
		if err == nil {
			return val, attempts, nil
		}
		classified = Classify(err)
		classified.Attempts = attempts

		// Cancellation always wins over retryability.
		if ctx.Err() != nil {
			return zero, attempts, classified
		}

		if !classified.Retryable {
			return zero, attempts, classified
		}

		if attempt >= policy.MaxAttempts-1 {
			break
		}

		delay := computeBackoff(attempt, policy)
		if classified.RetryAfter > 0 {
			delay = classified.RetryAfter
		}
		if policy.OnRetry != nil {
			policy.OnRetry(attempts, classified, delay)
		}

		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return zero, attempts, classified
		case <-timer.C:
		}
	}

	return zero, attempts, classified
}

func applyDefaults(policy Policy) Policy {
	if policy.MaxAttempts <= 0 {
		policy.MaxAttempts = 3
	}
	if policy.InitialBackoff <= 0 {
		policy.InitialBackoff = 500 * time.Millisecond
	}
	if policy.MaxBackoff <= 0 {
		policy.MaxBackoff = 30 * time.Second
	}
	if policy.Multiplier <= 0 {
		policy.Multiplier = 2.0
	}
	if policy.JitterFraction < 0 {
		policy.JitterFraction = 0
	}
	return policy
}

// maxBackoffExponent caps the exponent so the float math never overflows no
// matter how many attempts a policy allows.
const maxBackoffExponent = 16

func computeBackoff(attempt int, policy Policy) time.Duration {
	if attempt > maxBackoffExponent {
		attempt = maxBackoffExponent
	}
	delay := float64(policy.InitialBackoff) * math.Pow(policy.Multiplier, float64(attempt))
	if delay > float64(policy.MaxBackoff) {
		delay = float64(policy.MaxBackoff)
	}

	// Apply jitter: ±JitterFraction of delay.
	if policy.JitterFraction > 0 {
		jitterRange := delay * policy.JitterFraction
		jitter := (rand.Float64()*2 - 1) * jitterRange // [-jitterRange, +jitterRange]
		delay += jitter
	}

	if delay < 0 {
		delay = 0
	}
	return time.Duration(delay)
}

// RetryLogger returns an OnRetry callback that logs each retry attempt.
func RetryLogger(service, operation string) func(int, error, time.Duration) {
	return func(attempt int, err error, delay time.Duration) {
		zap.L().Warn("retrying operation",
			zap.String("service", service),
			zap.String("operation", operation),
			zap.Int("attempt", attempt),
			zap.Duration("delay", delay),
			zap.Error(err),
		)
	}
}
