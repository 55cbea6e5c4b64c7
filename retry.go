package breakwater

import (
	"context"
	"errors"
	"net/http"
	"time"

	internalbackoff "github.com/breakwater-go/breakwater/internal/backoff"
)

// RetryOutcome reports how a retried operation concluded. It is returned
// even on failure so callers can observe attempt counts and total delay.
type RetryOutcome struct {
	// Result is the operation's value when the final attempt succeeded.
	Result interface{}
	// Attempts is the number of invocations made; 1 means first-try success.
	Attempts int
	// TotalDelay is the cumulative time slept between attempts.
	TotalDelay time.Duration
}

// CalculateBackoff returns the delay before the given zero-based retry
// attempt: min(initialDelay * 2^attempt, maxDelay) scaled by a uniform
// factor in [1-jitter, 1+jitter]. With jitter 0 the schedule is exact.
func CalculateBackoff(attempt int, initialDelay, maxDelay time.Duration, jitter float64) time.Duration {
	return internalbackoff.ExponentialJitterStrategy{}.Calculate(attempt, initialDelay, maxDelay, 2.0, jitter)
}

// Retry executes op under the retry engine: per-attempt timeouts, capped
// exponential backoff with jitter, and error classification. A Retry-After
// hint carried by an *HTTPStatusError is preferred over computed backoff,
// still capped at MaxDelay. On success the outcome carries the result; on
// a non-retryable failure or exhausted attempts the last error is returned
// unchanged, never wrapped.
func Retry(ctx context.Context, config RetryConfig, op Operation) (*RetryOutcome, error) {
	statuses := config.RetryableStatuses
	if statuses == nil {
		statuses = DefaultRetryableStatuses()
	}
	statusSet := make(map[int]bool, len(statuses))
	for _, code := range statuses {
		statusSet[code] = true
	}

	substrings := config.RetryableErrors
	if substrings == nil {
		substrings = DefaultRetryableErrors()
	}

	multiplier := config.Multiplier
	if multiplier == 0 {
		multiplier = 2.0
	}

	calc := internalbackoff.GetExponentialJitterCalculator()
	outcome := &RetryOutcome{}
	var lastErr error

	for attempt := 0; attempt <= config.MaxRetries; attempt++ {
		outcome.Attempts = attempt + 1

		result, err := runAttempt(ctx, config.Timeout, op)
		if err == nil {
			outcome.Result = result
			return outcome, nil
		}
		lastErr = err

		if attempt == config.MaxRetries {
			break
		}
		if ctx.Err() != nil {
			return outcome, ctx.Err()
		}
		if !retryableError(err, statusSet, substrings) {
			break
		}

		delay := retryDelay(err, attempt, config, multiplier, calc)
		select {
		case <-time.After(delay):
			outcome.TotalDelay += delay
		case <-ctx.Done():
			return outcome, ctx.Err()
		}
	}

	return outcome, lastErr
}

// runAttempt invokes op under an attempt-scoped timeout. An attempt that
// exceeds the timeout while the parent context is still live surfaces as a
// *TimeoutError, which the classifier always treats as retryable.
func runAttempt(ctx context.Context, timeout time.Duration, op Operation) (interface{}, error) {
	if timeout <= 0 {
		return op(ctx)
	}

	attemptCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	result, err := op(attemptCtx)
	if err != nil && ctx.Err() == nil && attemptCtx.Err() == context.DeadlineExceeded {
		return result, &TimeoutError{Limit: timeout}
	}
	return result, err
}

// retryableError classifies a failed attempt. Parent-level cancellation is
// never retried; attempt timeouts always are; HTTP statuses consult the
// configured set; everything else goes through transport matching.
func retryableError(err error, statusSet map[int]bool, substrings []string) bool {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}
	if errors.Is(err, ErrAttemptTimeout) {
		return true
	}

	var statusErr *HTTPStatusError
	if errors.As(err, &statusErr) {
		return statusSet[statusErr.StatusCode]
	}
	return isRetryableTransportError(err, substrings)
}

func retryDelay(err error, attempt int, config RetryConfig, multiplier float64, calc *internalbackoff.Calculator) time.Duration {
	var delay time.Duration

	var statusErr *HTTPStatusError
	if errors.As(err, &statusErr) && statusErr.Response != nil &&
		(statusErr.StatusCode == http.StatusTooManyRequests || statusErr.StatusCode == http.StatusServiceUnavailable) {
		delay = parseRetryAfter(statusErr.Response.Header.Get("Retry-After"))
	}

	if delay <= 0 {
		delay = calc.Calculate(attempt, config.InitialDelay, config.MaxDelay, multiplier, config.Jitter)
	}
	if delay > config.MaxDelay {
		delay = config.MaxDelay
	}
	return delay
}
