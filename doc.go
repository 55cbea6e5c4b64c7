// Package breakwater provides a resilient HTTP client with composable reliability primitives:
//
//   - Retries with exponential backoff + jitter, Retry-After aware
//   - Sliding-window rate limiting with named scopes (per caller, per host, global)
//   - Concurrency queue with FIFO admission and bounded waiting
//   - Request de-duplication (merges concurrent identical in-flight requests)
//   - Idempotency keys (replays completed results instead of re-executing)
//   - Per-dependency circuit breakers (open / half-open / closed states)
//   - Middleware chain for cross-cutting concerns (auth, logging, tracing, etc.)
//   - Prometheus metrics, health reporting and lightweight structured debug logging
//
// Design goals:
//   - Small surface area: functional options configure everything
//   - Every stage except the circuit breaker is opt-in
//   - Safe concurrent use of a single *Client instance
//   - Extensibility via user supplied middleware, retry policies & metrics
//
// Typical usage:
//
//	client := breakwater.New(
//	    breakwater.WithMaxRetries(3),
//	    breakwater.WithRateLimit("api", breakwater.RateLimitConfig{Limit: 100, Window: time.Minute}, nil),
//	    breakwater.WithQueue(breakwater.DefaultQueueConfig()),
//	    breakwater.WithDeduplication(),
//	    breakwater.WithCircuitBreaker(breakwater.DefaultBreakerConfig()),
//	)
//	resp, err := client.Get(ctx, "https://api.example.com/data")
//
// Stages run in a fixed order: idempotency, deduplication, rate limiting,
// queue admission, then the retry loop with a circuit breaker around each
// attempt. When retries exhaust on an HTTP status the final response is
// returned rather than an error; rejections from the other stages surface as
// typed errors matching the package sentinels (ErrRateLimited, ErrQueueFull,
// ErrCircuitOpen, ...).
//
// The library avoids opinionated logging: provide a Logger (e.g. via
// WithSimpleLogger or WithZapLogger) + enable debug flags selectively
// (WithDebug / WithDebugConfig) for insight without noise.
package breakwater
