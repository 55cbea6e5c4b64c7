package breakwater

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"
	"time"
)

// Client layers idempotency replay, request coalescing, rate limiting,
// concurrency queueing, retries and per-dependency circuit breaking around
// the standard net/http Client. It is safe for concurrent use.
//
// Stages run in a fixed order: idempotency (non-idempotent methods with a
// key in the context), deduplication (safe methods), rate limiter scopes,
// queue admission, then the retry loop. Each attempt inside the loop runs
// the middleware chain and transport under the dependency's circuit breaker.
type Client struct {
	httpClient *http.Client

	retryConfig     RetryConfig
	retryPolicy     RetryPolicy
	retryBudget     *RetryBudget
	backoffStrategy BackoffStrategy

	rateLimiters     *RateLimiterRegistry
	rateLimitConfigs []scopedRateLimitConfig

	queue       *RequestQueue
	queueConfig *QueueConfig

	breakers       *BreakerRegistry
	breakerConfig  BreakerConfig
	breakerKeyFunc KeyFunc

	deduplication  *DeduplicationTracker
	dedupConfig    *DeduplicationConfig
	dedupKeyFunc   DeduplicationKeyFunc
	dedupCondition DeduplicationCondition

	idempotency       *IdempotencyTracker
	idempotencyConfig *IdempotencyConfig

	middleware []Middleware
	metrics    *MetricsCollector
	debug      *DebugConfig
	logger     Logger

	validationError error
}

// New constructs a Client from the provided functional options. Validation
// runs once at construction; inspect IsValid / ValidationError for the
// outcome. Every resilience stage except the circuit breaker is opt-in.
func New(options ...Option) *Client {
	client := &Client{
		httpClient: &http.Client{
			Timeout: 30 * time.Second,
		},
		retryConfig:    DefaultRetryConfig(),
		breakerConfig:  DefaultBreakerConfig(),
		breakerKeyFunc: HostKeyFunc,
		dedupKeyFunc:   DefaultDeduplicationKeyFunc,
		dedupCondition: DefaultDeduplicationCondition,
		debug:          DefaultDebugConfig(),
	}

	for _, option := range options {
		option(client)
	}

	if client.breakers == nil {
		client.breakers = NewBreakerRegistry(client.breakerConfig)
	}
	if client.retryPolicy == nil {
		policy := NewDefaultRetryPolicyWithStrategy(client.retryConfig, client.backoffStrategy)
		policy.SetIdempotencyCheck(DefaultIsIdempotent)
		client.retryPolicy = policy
	}
	if client.logger != nil {
		client.breakers.SetLogger(client.logger)
		if client.idempotency != nil {
			client.idempotency.SetLogger(client.logger)
		}
	}

	if err := client.ValidateConfiguration(); err != nil {
		client.validationError = err
	}

	return client
}

// Get performs an HTTP GET with context.
func (c *Client) Get(ctx context.Context, url string) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, err
	}
	return c.Do(req)
}

// Post performs an HTTP POST with the given content type.
func (c *Client) Post(ctx context.Context, url, contentType string, body io.Reader) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, body)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", contentType)
	return c.Do(req)
}

// Put performs an HTTP PUT with the given content type.
func (c *Client) Put(ctx context.Context, url, contentType string, body io.Reader) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPut, url, body)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", contentType)
	return c.Do(req)
}

// Patch performs an HTTP PATCH with the given content type.
func (c *Client) Patch(ctx context.Context, url, contentType string, body io.Reader) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPatch, url, body)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", contentType)
	return c.Do(req)
}

// Delete performs an HTTP DELETE with context.
func (c *Client) Delete(ctx context.Context, url string) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodDelete, url, nil)
	if err != nil {
		return nil, err
	}
	return c.Do(req)
}

// Do executes a prepared *http.Request through every enabled stage.
func (c *Client) Do(req *http.Request) (*http.Response, error) {
	start := time.Now()
	endpoint := getEndpointFromRequest(req)

	var requestID string
	if c.debug != nil && c.debug.Enabled && c.debug.RequestIDGen != nil {
		requestID = c.debug.RequestIDGen()
	}

	if c.debug != nil && c.debug.Enabled && c.debug.LogRequests && c.logger != nil {
		c.logger.Debug("starting request", "requestID", requestID, "method", req.Method, "url", req.URL.String())
	}

	c.metrics.RecordRequestStart(req.Method, endpoint)

	resp, err := c.dispatch(req, requestID, endpoint)

	c.metrics.RecordRequestEnd(req.Method, endpoint)

	duration := time.Since(start)
	statusCode := 0
	if resp != nil {
		statusCode = resp.StatusCode
	}
	c.metrics.RecordRequest(req.Method, endpoint, statusCode, duration)
	if err != nil {
		c.metrics.RecordError(errorLabel(err), req.Method, endpoint)
	}

	if c.debug != nil && c.debug.Enabled && c.debug.LogRequests && c.logger != nil {
		if err != nil {
			c.logger.Debug("request failed", "requestID", requestID, "error", err.Error(), "duration", duration)
		} else {
			c.logger.Debug("request complete", "requestID", requestID, "statusCode", statusCode, "duration", duration)
		}
	}

	return resp, err
}

// dispatch routes the request through the idempotency or deduplication
// stage when one applies, and straight to send otherwise.
func (c *Client) dispatch(req *http.Request, requestID, endpoint string) (*http.Response, error) {
	ctx := req.Context()

	if c.idempotency != nil && !DefaultIsIdempotent(req.Method) {
		if key, ok := IdempotencyKeyFromContext(ctx); ok {
			return c.dispatchIdempotent(req, key, requestID, endpoint)
		}
	}

	if c.deduplication != nil && !deduplicationDisabled(ctx) && c.dedupCondition != nil && c.dedupCondition(req) {
		return c.dispatchDeduplicated(req, requestID, endpoint)
	}

	return c.send(req, requestID, endpoint)
}

// dispatchIdempotent serves a completed result for the key when one exists,
// and otherwise records the outcome of a fresh send under the key. Responses
// are buffered so a replay carries a fresh, readable body. Responses below
// 500 are replayable outcomes, including 4xx rejections; 5xx responses are
// recorded as failures so a later call with the same key executes again.
func (c *Client) dispatchIdempotent(req *http.Request, key, requestID, endpoint string) (*http.Response, error) {
	operation := req.Method + " " + endpoint

	executed := false
	result, err := c.idempotency.Do(req.Context(), key, operation, func(ctx context.Context) (interface{}, error) {
		executed = true
		resp, err := c.send(req, requestID, endpoint)
		if err != nil {
			return nil, err
		}
		buffered, err := bufferResponse(resp)
		if err != nil {
			return nil, err
		}
		if buffered.statusCode >= http.StatusInternalServerError {
			return nil, &HTTPStatusError{StatusCode: buffered.statusCode, Status: buffered.status, Response: buffered.Response()}
		}
		return buffered, nil
	})
	if !executed && err == nil {
		c.metrics.RecordIdempotencyHit(operation)
		c.metrics.RecordIdempotencyReplay(operation)
		if c.debug != nil && c.debug.Enabled && c.debug.LogIdempotency && c.logger != nil {
			c.logger.Debug("idempotency replay", "requestID", requestID, "key", key)
		}
	}
	if err != nil {
		var statusErr *HTTPStatusError
		if errors.As(err, &statusErr) && statusErr.Response != nil {
			return statusErr.Response, nil
		}
		return nil, err
	}

	buffered, ok := result.(*bufferedResponse)
	if !ok {
		return nil, fmt.Errorf("breakwater: idempotency entry for %q holds %T, not a buffered response", key, result)
	}
	return buffered.Response(), nil
}

// dispatchDeduplicated coalesces the request onto an identical in-flight
// call when one exists. Every caller materializes its own copy of the
// buffered response, so bodies are independently readable.
func (c *Client) dispatchDeduplicated(req *http.Request, requestID, endpoint string) (*http.Response, error) {
	key := c.dedupKeyFunc(req)

	executed := false
	result, err := c.deduplication.Do(req.Context(), key, func(ctx context.Context) (interface{}, error) {
		executed = true
		resp, err := c.send(req, requestID, endpoint)
		if err != nil {
			return nil, err
		}
		return bufferResponse(resp)
	})
	if !executed {
		c.metrics.RecordDeduplicationHit(req.Method, endpoint)
		if c.debug != nil && c.debug.Enabled && c.debug.LogDedup && c.logger != nil {
			c.logger.Debug("coalesced onto in-flight request", "requestID", requestID, "dedupKey", key)
		}
	}
	if err != nil {
		return nil, err
	}

	buffered, ok := result.(*bufferedResponse)
	if !ok {
		return nil, fmt.Errorf("breakwater: deduplication entry for %q holds %T, not a buffered response", key, result)
	}
	return buffered.Response(), nil
}

// send runs the rate limiter scopes and queue admission, then the retry loop.
func (c *Client) send(req *http.Request, requestID, endpoint string) (*http.Response, error) {
	if c.rateLimiters != nil {
		if err := c.rateLimiters.Check(req); err != nil {
			var rlErr *RateLimitError
			if errors.As(err, &rlErr) {
				c.metrics.RecordRateLimited(rlErr.Key)
			}
			if c.debug != nil && c.debug.Enabled && c.debug.LogRateLimit && c.logger != nil {
				c.logger.Warn("rate limit exceeded", "requestID", requestID, "endpoint", endpoint, "error", err.Error())
			}
			return nil, err
		}
	}

	if c.queue == nil {
		return c.sendWithRetries(req, requestID, endpoint)
	}

	result, err := c.queue.Execute(req.Context(), func(ctx context.Context) (interface{}, error) {
		return c.sendWithRetries(req, requestID, endpoint)
	})

	stats := c.queue.Stats()
	c.metrics.RecordQueueDepth("default", stats.Running, stats.Queued)

	rejected := errors.Is(err, ErrQueueFull) || errors.Is(err, ErrQueueTimeout) || errors.Is(err, ErrQueueCleared)
	switch {
	case errors.Is(err, ErrQueueTimeout):
		c.metrics.RecordQueueOutcome("default", "timed_out")
	case rejected:
		c.metrics.RecordQueueOutcome("default", "rejected")
	default:
		c.metrics.RecordQueueOutcome("default", "completed")
	}

	if err != nil {
		if rejected && c.debug != nil && c.debug.Enabled && c.debug.LogQueue && c.logger != nil {
			c.logger.Warn("queue rejected request", "requestID", requestID, "endpoint", endpoint, "error", err.Error())
		}
		return nil, err
	}

	resp, ok := result.(*http.Response)
	if !ok {
		return nil, fmt.Errorf("breakwater: queue returned %T, not a response", result)
	}
	return resp, nil
}

// sendWithRetries runs attempts until the retry policy stops it. Attempt
// errors pass through wrapAttemptTimeout before the policy sees them. The
// final response is returned as-is even when its status exhausted the
// retries; the final error is the last attempt's.
func (c *Client) sendWithRetries(req *http.Request, requestID, endpoint string) (*http.Response, error) {
	for attempt := 0; ; attempt++ {
		if attempt > 0 {
			c.metrics.RecordRetry(req.Method, endpoint, attempt)
			if c.debug != nil && c.debug.Enabled && c.debug.LogRetries && c.logger != nil {
				c.logger.Info("retry attempt", "requestID", requestID, "attempt", attempt, "endpoint", endpoint)
			}
		}

		resp, err := c.attempt(req, attempt, requestID)
		err = c.wrapAttemptTimeout(req, endpoint, err)

		delay, shouldRetry := c.retryPolicy.ShouldRetry(resp, err, attempt)
		if !shouldRetry {
			return resp, err
		}

		if c.retryBudget != nil && !c.retryBudget.Allow() {
			c.metrics.RecordRetryBudgetExceeded(endpoint)
			if c.debug != nil && c.debug.Enabled && c.debug.LogRetries && c.logger != nil {
				c.logger.Warn("retry budget exceeded", "requestID", requestID, "endpoint", endpoint)
			}
			drainBody(resp)
			return nil, &RetryBudgetError{Budget: c.retryBudget.Max(), Window: c.retryBudget.Window()}
		}

		// The abandoned response is drained so its connection can be reused.
		drainBody(resp)

		if c.debug != nil && c.debug.Enabled && c.debug.LogRetries && c.logger != nil {
			c.logger.Info("scheduling retry", "requestID", requestID, "attempt", attempt+1, "delay", delay, "endpoint", endpoint)
		}

		select {
		case <-time.After(delay):
		case <-req.Context().Done():
			return nil, req.Context().Err()
		}
	}
}

// wrapAttemptTimeout converts a transport-level timeout into a *TimeoutError
// when the request's own context is still live. Timeouts from
// http.Client.Timeout match context.DeadlineExceeded, which the retry policy
// treats as parent cancellation; the live context tells the two apart.
func (c *Client) wrapAttemptTimeout(req *http.Request, endpoint string, err error) error {
	if err == nil || req.Context().Err() != nil {
		return err
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return &TimeoutError{Limit: c.httpClient.Timeout, Target: endpoint}
	}
	return err
}

// attempt executes one pass through the middleware chain and transport under
// the dependency's circuit breaker. Responses with 5xx statuses count as
// breaker failures but are still handed to the retry policy as responses.
func (c *Client) attempt(req *http.Request, attempt int, requestID string) (*http.Response, error) {
	attemptReq := req
	if attempt > 0 && req.GetBody != nil {
		body, err := req.GetBody()
		if err != nil {
			return nil, err
		}
		attemptReq = req.Clone(req.Context())
		attemptReq.Body = body
	}

	if c.breakers == nil {
		return c.executeMiddleware(attemptReq)
	}

	name := c.breakerName(req)
	breaker := c.breakers.Get(name)

	result, err := breaker.Execute(func() (interface{}, error) {
		resp, err := c.executeMiddleware(attemptReq)
		if err != nil {
			return nil, err
		}
		if resp.StatusCode >= http.StatusInternalServerError {
			return resp, &HTTPStatusError{StatusCode: resp.StatusCode, Status: resp.Status, Response: resp}
		}
		return resp, nil
	})

	c.metrics.RecordCircuitBreakerState(name, breaker.State())

	if err != nil {
		var statusErr *HTTPStatusError
		if errors.As(err, &statusErr) {
			if resp, ok := result.(*http.Response); ok {
				return resp, nil
			}
		}
		if errors.Is(err, ErrCircuitOpen) && c.debug != nil && c.debug.Enabled && c.debug.LogCircuit && c.logger != nil {
			c.logger.Warn("circuit breaker open", "requestID", requestID, "breaker", name)
		}
		return nil, err
	}

	resp, ok := result.(*http.Response)
	if !ok {
		return nil, fmt.Errorf("breakwater: breaker returned %T, not a response", result)
	}
	return resp, nil
}

// breakerName resolves the dependency name guarding this request.
func (c *Client) breakerName(req *http.Request) string {
	name := ""
	if c.breakerKeyFunc != nil {
		name = c.breakerKeyFunc(req)
	}
	if name == "" {
		name = "default"
	}
	return name
}

// executeMiddleware runs the middleware chain ending at the HTTP transport.
func (c *Client) executeMiddleware(req *http.Request) (*http.Response, error) {
	if len(c.middleware) == 0 {
		return c.httpClient.Do(req)
	}

	current := RoundTripperFunc(c.httpClient.Do)

	// Middleware is applied in reverse so the first registered wraps all
	// the others.
	for i := len(c.middleware) - 1; i >= 0; i-- {
		middleware := c.middleware[i]
		next := current
		current = RoundTripperFunc(func(r *http.Request) (*http.Response, error) {
			return middleware(r, next)
		})
	}

	return current.RoundTrip(req)
}

// IsValid reports whether configuration validation passed at construction.
func (c *Client) IsValid() bool {
	return c.validationError == nil
}

// ValidationError returns the construction-time validation error, if any.
func (c *Client) ValidationError() error {
	return c.validationError
}

// ValidateConfigurationStrict panics if configuration is invalid.
func (c *Client) ValidateConfigurationStrict() {
	if err := c.ValidateConfiguration(); err != nil {
		panic(fmt.Sprintf("invalid client configuration: %v", err))
	}
}

// MustValidateConfiguration re-runs validation returning an error (no panic).
func (c *Client) MustValidateConfiguration() error {
	return c.ValidateConfiguration()
}

// Queue exposes the client's request queue, nil when queueing is disabled.
func (c *Client) Queue() *RequestQueue {
	return c.queue
}

// RateLimiters exposes the client's rate limiter registry, nil when rate
// limiting is disabled.
func (c *Client) RateLimiters() *RateLimiterRegistry {
	return c.rateLimiters
}

// Breakers exposes the client's circuit breaker registry.
func (c *Client) Breakers() *BreakerRegistry {
	return c.breakers
}

// Deduplication exposes the client's coalescer, nil when disabled.
func (c *Client) Deduplication() *DeduplicationTracker {
	return c.deduplication
}

// Idempotency exposes the client's idempotency tracker, nil when disabled.
func (c *Client) Idempotency() *IdempotencyTracker {
	return c.idempotency
}

// bufferedResponse is a fully read response that can be materialized any
// number of times, each time with a fresh body. Replayed idempotency results
// and coalesced deduplication results are stored in this form.
type bufferedResponse struct {
	statusCode int
	status     string
	proto      string
	protoMajor int
	protoMinor int
	header     http.Header
	body       []byte
}

// bufferResponse reads and closes resp's body.
func bufferResponse(resp *http.Response) (*bufferedResponse, error) {
	body, err := io.ReadAll(resp.Body)
	resp.Body.Close()
	if err != nil {
		return nil, err
	}

	return &bufferedResponse{
		statusCode: resp.StatusCode,
		status:     resp.Status,
		proto:      resp.Proto,
		protoMajor: resp.ProtoMajor,
		protoMinor: resp.ProtoMinor,
		header:     resp.Header.Clone(),
		body:       body,
	}, nil
}

// Response materializes a fresh *http.Response from the buffer.
func (b *bufferedResponse) Response() *http.Response {
	return &http.Response{
		StatusCode:    b.statusCode,
		Status:        b.status,
		Proto:         b.proto,
		ProtoMajor:    b.protoMajor,
		ProtoMinor:    b.protoMinor,
		Header:        b.header.Clone(),
		Body:          io.NopCloser(bytes.NewReader(b.body)),
		ContentLength: int64(len(b.body)),
	}
}

// drainBody discards and closes a response body.
func drainBody(resp *http.Response) {
	if resp == nil || resp.Body == nil {
		return
	}
	_, _ = io.Copy(io.Discard, resp.Body)
	resp.Body.Close()
}

// getEndpointFromRequest reduces a request to a host+path label for metrics
// and logs.
func getEndpointFromRequest(req *http.Request) string {
	if req.URL == nil {
		return "unknown"
	}

	var builder strings.Builder
	builder.WriteString(req.URL.Host)

	if path := req.URL.Path; path != "" && path != "/" {
		builder.WriteString(path)
	} else {
		builder.WriteByte('/')
	}

	return builder.String()
}
