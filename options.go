package breakwater

import (
	"fmt"
	"net/http"
	"strings"
	"time"

	"go.uber.org/zap"
)

// scopedRateLimitConfig retains the raw config a rate limit scope was
// registered with, for validation.
type scopedRateLimitConfig struct {
	name   string
	config RateLimitConfig
}

// WithMaxRetries sets the number of retries after the initial attempt.
func WithMaxRetries(n int) Option {
	return func(c *Client) {
		c.retryConfig.MaxRetries = n
	}
}

// WithInitialDelay sets the first backoff delay.
func WithInitialDelay(d time.Duration) Option {
	return func(c *Client) {
		c.retryConfig.InitialDelay = d
	}
}

// WithMaxDelay caps every backoff delay, including Retry-After hints.
func WithMaxDelay(d time.Duration) Option {
	return func(c *Client) {
		c.retryConfig.MaxDelay = d
	}
}

// WithBackoffMultiplier sets the exponential growth factor.
func WithBackoffMultiplier(f float64) Option {
	return func(c *Client) {
		c.retryConfig.Multiplier = f
	}
}

// WithJitter sets the jitter factor for backoff, clamped to [0, 1].
func WithJitter(f float64) Option {
	return func(c *Client) {
		if f < 0 {
			f = 0
		}
		if f > 1 {
			f = 1
		}
		c.retryConfig.Jitter = f
	}
}

// WithRetryableStatuses replaces the retryable HTTP status set.
func WithRetryableStatuses(codes ...int) Option {
	return func(c *Client) {
		c.retryConfig.RetryableStatuses = codes
	}
}

// WithRetryableErrors replaces the transport error substrings treated as
// retryable.
func WithRetryableErrors(substrings ...string) Option {
	return func(c *Client) {
		c.retryConfig.RetryableErrors = substrings
	}
}

// WithBackoffStrategy selects the delay distribution used between retries.
// The default is ExponentialJitter.
func WithBackoffStrategy(strategy BackoffStrategy) Option {
	return func(c *Client) {
		c.backoffStrategy = strategy
	}
}

// WithRetryPolicy replaces the retry decision point entirely. The retry
// config options above are ignored when a custom policy is set.
func WithRetryPolicy(policy RetryPolicy) Option {
	return func(c *Client) {
		c.retryPolicy = policy
	}
}

// WithRetryBudget caps retries across all calls at maxRetries per window.
func WithRetryBudget(maxRetries int, window time.Duration) Option {
	return func(c *Client) {
		c.retryBudget = NewRetryBudget(maxRetries, window)
	}
}

// WithDefaultRateLimits enables the default rate limiting policy: a
// per-caller scope of 60 per minute and a global scope of 5 per second.
func WithDefaultRateLimits() Option {
	return func(c *Client) {
		c.rateLimiters = NewDefaultRateLimiterRegistry()
		c.rateLimitConfigs = append(c.rateLimitConfigs,
			scopedRateLimitConfig{name: "caller", config: DefaultCallerRateLimit()},
			scopedRateLimitConfig{name: "global", config: DefaultGlobalRateLimit()},
		)
	}
}

// WithRateLimit registers one rate limit scope. A nil keyFunc makes the
// scope global. Scopes are checked in registration order.
func WithRateLimit(name string, config RateLimitConfig, keyFunc KeyFunc) Option {
	return func(c *Client) {
		if c.rateLimiters == nil {
			c.rateLimiters = NewRateLimiterRegistry()
		}
		c.rateLimiters.Register(name, NewRateLimiter(config), keyFunc)
		c.rateLimitConfigs = append(c.rateLimitConfigs, scopedRateLimitConfig{name: name, config: config})
	}
}

// WithRateLimiterRegistry sets a fully assembled registry.
func WithRateLimiterRegistry(registry *RateLimiterRegistry) Option {
	return func(c *Client) {
		c.rateLimiters = registry
	}
}

// WithQueue enables the concurrency queue.
func WithQueue(config QueueConfig) Option {
	return func(c *Client) {
		c.queueConfig = &config
		c.queue = NewRequestQueue(config)
	}
}

// WithRequestQueue sets a shared queue instance, so several clients can
// compete for the same concurrency slots.
func WithRequestQueue(queue *RequestQueue) Option {
	return func(c *Client) {
		c.queueConfig = nil
		c.queue = queue
	}
}

// WithCircuitBreaker configures the per-dependency circuit breakers.
func WithCircuitBreaker(config BreakerConfig) Option {
	return func(c *Client) {
		c.breakerConfig = config
		c.breakers = NewBreakerRegistry(config)
	}
}

// WithBreakerRegistry sets a shared breaker registry, so several clients
// observe the same dependency state.
func WithBreakerRegistry(registry *BreakerRegistry) Option {
	return func(c *Client) {
		c.breakers = registry
	}
}

// WithBreakerKeyFunc sets how requests map to breaker names. The default is
// HostKeyFunc, one breaker per downstream host.
func WithBreakerKeyFunc(fn KeyFunc) Option {
	return func(c *Client) {
		c.breakerKeyFunc = fn
	}
}

// WithDeduplication enables in-flight coalescing with the default config.
func WithDeduplication() Option {
	return WithDeduplicationConfig(DefaultDeduplicationConfig())
}

// WithDeduplicationConfig enables in-flight coalescing.
func WithDeduplicationConfig(config DeduplicationConfig) Option {
	return func(c *Client) {
		c.dedupConfig = &config
		c.deduplication = NewDeduplicationTracker(config)
	}
}

// WithDeduplicationKeyFunc sets a custom deduplication key function.
func WithDeduplicationKeyFunc(fn DeduplicationKeyFunc) Option {
	return func(c *Client) {
		c.dedupKeyFunc = fn
	}
}

// WithDeduplicationCondition sets which requests are eligible for
// coalescing. The default admits GET, HEAD and OPTIONS.
func WithDeduplicationCondition(fn DeduplicationCondition) Option {
	return func(c *Client) {
		c.dedupCondition = fn
	}
}

// WithIdempotency enables idempotency replay with the default config. The
// stage applies to non-idempotent methods whose context carries a key from
// WithIdempotencyKey.
func WithIdempotency() Option {
	return WithIdempotencyConfig(DefaultIdempotencyConfig())
}

// WithIdempotencyConfig enables idempotency replay.
func WithIdempotencyConfig(config IdempotencyConfig) Option {
	return func(c *Client) {
		c.idempotencyConfig = &config
		c.idempotency = NewIdempotencyTracker(config)
	}
}

// WithTimeout bounds each attempt, covering connection, headers and body.
func WithTimeout(d time.Duration) Option {
	return func(c *Client) {
		if c.httpClient != nil {
			c.httpClient.Timeout = d
		}
	}
}

// WithHTTPClient sets a custom HTTP client. Apply before WithTimeout when
// combining the two.
func WithHTTPClient(client *http.Client) Option {
	return func(c *Client) {
		c.httpClient = client
	}
}

// WithMiddleware appends middleware. The first registered wraps all the
// others, ending at the transport.
func WithMiddleware(middleware ...Middleware) Option {
	return func(c *Client) {
		c.middleware = append(c.middleware, middleware...)
	}
}

// WithMetrics enables Prometheus metrics on the default registerer.
func WithMetrics() Option {
	return func(c *Client) {
		c.metrics = NewMetricsCollector()
	}
}

// WithMetricsCollector sets a custom metrics collector.
func WithMetricsCollector(collector *MetricsCollector) Option {
	return func(c *Client) {
		c.metrics = collector
	}
}

// WithDebug turns on all diagnostic logging gates.
func WithDebug() Option {
	return func(c *Client) {
		if c.debug == nil {
			c.debug = DefaultDebugConfig()
		}
		c.debug.EnableAll()
	}
}

// WithDebugConfig sets a custom debug configuration.
func WithDebugConfig(config *DebugConfig) Option {
	return func(c *Client) {
		c.debug = config
	}
}

// WithRequestIDGenerator sets the correlation ID generator used in logs.
func WithRequestIDGenerator(gen func() string) Option {
	return func(c *Client) {
		if c.debug == nil {
			c.debug = DefaultDebugConfig()
		}
		c.debug.RequestIDGen = gen
	}
}

// WithLogger sets the logger used for diagnostics and component warnings.
func WithLogger(logger Logger) Option {
	return func(c *Client) {
		c.logger = logger
	}
}

// WithSimpleLogger enables debug logging to stderr.
func WithSimpleLogger() Option {
	return func(c *Client) {
		if c.debug == nil {
			c.debug = DefaultDebugConfig()
		}
		c.debug.EnableAll()
		c.logger = NewSimpleLogger()
	}
}

// WithZapLogger routes diagnostics through a zap logger.
func WithZapLogger(logger *zap.Logger) Option {
	return func(c *Client) {
		c.logger = NewZapLogger(logger)
	}
}

// ConfigError aggregates every problem found while validating a client's
// configuration.
type ConfigError struct {
	Problems []string
}

// Error implements error interface.
func (e *ConfigError) Error() string {
	return fmt.Sprintf("breakwater: invalid configuration: %s", strings.Join(e.Problems, "; "))
}

// Is reports equivalence to the ErrInvalidConfig sentinel.
func (e *ConfigError) Is(target error) bool {
	return target == ErrInvalidConfig
}

// ValidateConfiguration checks the client configuration and returns a
// *ConfigError listing every problem, or nil. Zero values that select a
// documented default are not problems; negative values are.
func (c *Client) ValidateConfiguration() error {
	var problems []string

	problems = append(problems, c.validateRetryConfig()...)
	problems = append(problems, c.validateRateLimitConfigs()...)
	problems = append(problems, c.validateQueueConfig()...)
	problems = append(problems, c.validateBreakerConfig()...)
	problems = append(problems, c.validateDeduplicationConfig()...)
	problems = append(problems, c.validateIdempotencyConfig()...)
	problems = append(problems, c.validateDebugConfig()...)
	problems = append(problems, c.validateMiddleware()...)
	problems = append(problems, c.validateHTTPClient()...)
	problems = append(problems, c.validateExtremeValues()...)

	if len(problems) > 0 {
		return &ConfigError{Problems: problems}
	}
	return nil
}

func (c *Client) validateRetryConfig() []string {
	var problems []string

	if c.retryConfig.MaxRetries < 0 {
		problems = append(problems, "maxRetries must be non-negative")
	}
	if c.retryConfig.InitialDelay <= 0 {
		problems = append(problems, "initialDelay must be positive")
	}
	if c.retryConfig.MaxDelay < c.retryConfig.InitialDelay {
		problems = append(problems, "maxDelay must be greater than or equal to initialDelay")
	}
	if c.retryConfig.Multiplier != 0 && c.retryConfig.Multiplier < 1 {
		problems = append(problems, "backoff multiplier must be at least 1, or 0 for the default")
	}
	if c.retryConfig.Jitter < 0 || c.retryConfig.Jitter > 1 {
		problems = append(problems, "jitter must be between 0 and 1")
	}
	if c.retryConfig.Timeout < 0 {
		problems = append(problems, "attempt timeout must be non-negative")
	}

	return problems
}

func (c *Client) validateRateLimitConfigs() []string {
	var problems []string

	for _, scope := range c.rateLimitConfigs {
		if scope.config.Limit < 0 {
			problems = append(problems, fmt.Sprintf("rate limit scope %q: limit must be non-negative", scope.name))
		}
		if scope.config.Window < 0 {
			problems = append(problems, fmt.Sprintf("rate limit scope %q: window must be non-negative", scope.name))
		}
	}

	return problems
}

func (c *Client) validateQueueConfig() []string {
	var problems []string

	if c.queueConfig != nil {
		if c.queueConfig.MaxConcurrency < 0 {
			problems = append(problems, "queue maxConcurrency must be non-negative (0 selects the default)")
		}
		if c.queueConfig.MaxQueueSize < 0 {
			problems = append(problems, "queue maxQueueSize must be non-negative (0 selects the default)")
		}
		if c.queueConfig.QueueTimeout < 0 {
			problems = append(problems, "queue timeout must be non-negative (0 waits indefinitely)")
		}
	}

	return problems
}

func (c *Client) validateBreakerConfig() []string {
	var problems []string

	if c.breakerConfig.FailureThreshold < 0 {
		problems = append(problems, "breaker failureThreshold must be non-negative (0 selects the default)")
	}
	if c.breakerConfig.ResetTimeout < 0 {
		problems = append(problems, "breaker resetTimeout must be non-negative (0 selects the default)")
	}

	return problems
}

func (c *Client) validateDeduplicationConfig() []string {
	var problems []string

	if c.dedupConfig != nil {
		if c.dedupConfig.TTL < 0 {
			problems = append(problems, "deduplication TTL must be non-negative (0 selects the default)")
		}
		if c.dedupConfig.MaxPending < 0 {
			problems = append(problems, "deduplication maxPending must be non-negative (0 selects the default)")
		}
	}

	if c.deduplication != nil {
		if c.dedupKeyFunc == nil {
			problems = append(problems, "deduplication key function must be set when deduplication is enabled")
		}
		if c.dedupCondition == nil {
			problems = append(problems, "deduplication condition must be set when deduplication is enabled")
		}
	}

	return problems
}

func (c *Client) validateIdempotencyConfig() []string {
	var problems []string

	if c.idempotencyConfig != nil {
		if c.idempotencyConfig.TTL < 0 {
			problems = append(problems, "idempotency TTL must be non-negative (0 selects the default)")
		}
		if c.idempotencyConfig.MaxKeys < 0 {
			problems = append(problems, "idempotency maxKeys must be non-negative (0 selects the default)")
		}
	}

	return problems
}

func (c *Client) validateDebugConfig() []string {
	var problems []string

	if c.debug != nil && c.debug.Enabled {
		if c.debug.RequestIDGen == nil {
			problems = append(problems, "debug requestIDGen must be set when debug logging is enabled")
		}
		if c.logger == nil {
			problems = append(problems, "logger must be set when debug logging is enabled")
		}
	}

	return problems
}

func (c *Client) validateMiddleware() []string {
	var problems []string

	for i, middleware := range c.middleware {
		if middleware == nil {
			problems = append(problems, fmt.Sprintf("middleware[%d] cannot be nil", i))
		}
	}

	return problems
}

func (c *Client) validateHTTPClient() []string {
	if c.httpClient == nil {
		return []string{"HTTP client cannot be nil"}
	}
	return nil
}

func (c *Client) validateExtremeValues() []string {
	var problems []string

	if c.retryConfig.MaxRetries > 100 {
		problems = append(problems, "maxRetries > 100 may cause excessive resource usage")
	}
	if c.retryConfig.InitialDelay > 10*time.Minute {
		problems = append(problems, "initialDelay > 10m may cause very long delays")
	}
	if c.retryConfig.MaxDelay > time.Hour {
		problems = append(problems, "maxDelay > 1h may cause extremely long delays")
	}
	if c.httpClient != nil && c.httpClient.Timeout > 10*time.Minute {
		problems = append(problems, "timeout > 10m may cause requests to hang for too long")
	}

	for _, scope := range c.rateLimitConfigs {
		if scope.config.Limit > 1000000 {
			problems = append(problems, fmt.Sprintf("rate limit scope %q: limit > 1M may cause memory issues", scope.name))
		}
		if scope.config.Window > 0 && scope.config.Window < time.Millisecond {
			problems = append(problems, fmt.Sprintf("rate limit scope %q: window < 1ms may cause excessive CPU usage", scope.name))
		}
	}

	if c.queueConfig != nil && c.queueConfig.MaxQueueSize > 1000000 {
		problems = append(problems, "queue maxQueueSize > 1M may cause memory issues")
	}
	if c.idempotencyConfig != nil && c.idempotencyConfig.MaxKeys > 1000000 {
		problems = append(problems, "idempotency maxKeys > 1M may cause memory issues")
	}

	return problems
}
