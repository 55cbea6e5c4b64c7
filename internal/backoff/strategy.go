package backoff

import (
	"math/rand"
	"time"
)

// Strategy defines the interface for backoff calculation algorithms.
// This allows for extensible backoff strategies while maintaining consistent behavior.
type Strategy interface {
	// Calculate returns the backoff duration for the given zero-based attempt number.
	Calculate(attempt int, initialDelay, maxDelay time.Duration, multiplier, jitter float64) time.Duration
}

// ExponentialJitterStrategy implements capped exponential growth with symmetric
// uniform jitter. The base delay is min(initial * multiplier^attempt, max),
// scaled by a factor drawn uniformly from [1-jitter, 1+jitter]. With jitter 0
// the schedule is fully deterministic, which keeps retry timing testable.
type ExponentialJitterStrategy struct{}

// Calculate implements the Strategy interface for exponential backoff with jitter.
func (s ExponentialJitterStrategy) Calculate(attempt int, initialDelay, maxDelay time.Duration, multiplier, jitter float64) time.Duration {
	if attempt < 0 {
		attempt = 0
	}

	// Prevent overflow by limiting the exponent
	if attempt > 30 {
		attempt = 30
	}

	delay := float64(initialDelay) * pow(multiplier, attempt)
	if delay < 0 || delay > float64(maxDelay) {
		delay = float64(maxDelay)
	}

	jitter = clampJitter(jitter)
	if jitter > 0 {
		delay *= 1 + jitter*(2*rand.Float64()-1)
	}

	if delay < 0 {
		return 0
	}
	return time.Duration(delay)
}

// DecorrelatedJitterStrategy implements decorrelated jitter as per the AWS
// architecture blog. It trades deterministic schedules for smoother tail
// latencies under heavy retry contention.
type DecorrelatedJitterStrategy struct{}

// Calculate implements the Strategy interface for decorrelated jitter.
func (s DecorrelatedJitterStrategy) Calculate(attempt int, initialDelay, maxDelay time.Duration, multiplier, jitter float64) time.Duration {
	// Stateless variant of random_between(base, min(cap, previous*3)):
	// random_between(base, min(cap, base * 3^attempt))
	if attempt <= 0 {
		return initialDelay
	}

	if attempt > 10 {
		attempt = 10
	}

	base := float64(initialDelay)
	upper := base * pow(3.0, attempt)

	maxDelayFloat := float64(maxDelay)
	if upper > maxDelayFloat || upper < 0 {
		upper = maxDelayFloat
	}
	if upper < base {
		upper = base
	}

	delay := base + rand.Float64()*(upper-base)

	result := time.Duration(delay)
	if result < 0 || result > maxDelay {
		result = maxDelay
	}
	return result
}

// clampJitter ensures jitter is within valid bounds [0, 1].
func clampJitter(jitter float64) float64 {
	if jitter < 0 {
		return 0
	}
	if jitter > 1 {
		return 1
	}
	return jitter
}

// pow calculates base^exponent using integer exponentiation.
func pow(base float64, exponent int) float64 {
	result := 1.0
	for i := 0; i < exponent; i++ {
		result *= base
	}
	return result
}

// Pow exposes integer exponentiation for callers that need the same
// arithmetic the strategies use.
func Pow(base float64, exponent int) float64 {
	return pow(base, exponent)
}
