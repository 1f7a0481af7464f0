// Package httpretry wraps outbound HTTP calls with bounded exponential-backoff
// retries and a circuit breaker. Only rate limiting (429), server errors (5xx)
// and transport failures are retried; a per-attempt timeout counts as one
// failed attempt.
package httpretry

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/sony/gobreaker/v2"
)

var (
	// ErrRetriesExhausted wraps the last failure once every attempt is spent.
	ErrRetriesExhausted = errors.New("retries exhausted")
	// ErrCircuitOpen is returned without contacting the upstream while the
	// breaker is open.
	ErrCircuitOpen = errors.New("circuit open")
)

// maxBodyBytes caps how much of a response body is buffered.
const maxBodyBytes = 4 << 20

// Policy configures attempts, backoff and the breaker.
type Policy struct {
	MaxAttempts     int
	InitialInterval time.Duration
	Multiplier      float64
	MaxInterval     time.Duration
	// AttemptTimeout bounds a single attempt including reading the body.
	AttemptTimeout time.Duration
	// BreakerFailureThreshold consecutive failures open the breaker; 0 disables it.
	BreakerFailureThreshold uint32
}

// DefaultPolicy is three attempts, doubling from one second.
func DefaultPolicy() Policy {
	return Policy{
		MaxAttempts:             3,
		InitialInterval:         time.Second,
		Multiplier:              2,
		MaxInterval:             10 * time.Second,
		AttemptTimeout:          30 * time.Second,
		BreakerFailureThreshold: 10,
	}
}

// Response is a fully buffered HTTP response.
type Response struct {
	StatusCode int
	Header     http.Header
	Body       []byte
}

// StatusError reports a retryable HTTP status.
type StatusError struct {
	StatusCode int
	Body       []byte
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("upstream returned status %d: %s", e.StatusCode, truncate(e.Body, 200))
}

// RequestBuilder creates a fresh request for each attempt, bound to ctx.
type RequestBuilder func(ctx context.Context) (*http.Request, error)

// Option customizes a Client.
type Option func(*Client)

// WithRetryHook registers fn to be called before each retry wait.
func WithRetryHook(fn func(name string, attempt int, err error)) Option {
	return func(c *Client) {
		c.onRetry = fn
	}
}

// Client executes requests under a retry policy. It is safe for concurrent use.
type Client struct {
	name       string
	httpClient *http.Client
	policy     Policy
	breaker    *gobreaker.CircuitBreaker[Response]
	logger     *slog.Logger
	onRetry    func(name string, attempt int, err error)
}

// New creates a Client. name labels the breaker, logs and metrics.
func New(name string, httpClient *http.Client, policy Policy, logger *slog.Logger, opts ...Option) *Client {
	if httpClient == nil {
		httpClient = &http.Client{}
	}
	if policy.MaxAttempts < 1 {
		policy.MaxAttempts = 1
	}

	threshold := policy.BreakerFailureThreshold
	c := &Client{
		name:       name,
		httpClient: httpClient,
		policy:     policy,
		logger:     logger,
		breaker: gobreaker.NewCircuitBreaker[Response](gobreaker.Settings{
			Name:        name,
			MaxRequests: 1,
			Interval:    60 * time.Second,
			Timeout:     30 * time.Second,
			ReadyToTrip: func(counts gobreaker.Counts) bool {
				return threshold > 0 && counts.ConsecutiveFailures >= threshold
			},
			IsSuccessful: func(err error) bool {
				var perm *backoff.PermanentError
				return err == nil || errors.As(err, &perm)
			},
			OnStateChange: func(name string, from, to gobreaker.State) {
				logger.Warn("circuit breaker state change", "client", name, "from", from.String(), "to", to.String())
			},
		}),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Name returns the client label.
func (c *Client) Name() string {
	return c.name
}

// Get issues a GET request for rawURL.
func (c *Client) Get(ctx context.Context, rawURL string) (Response, error) {
	return c.Do(ctx, func(ctx context.Context) (*http.Request, error) {
		return http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	})
}

// Do runs build and sends the request until it succeeds, fails permanently or
// the attempts are spent. Non-retryable responses (2xx-4xx except 429) are
// returned with a nil error; callers inspect StatusCode.
func (c *Client) Do(ctx context.Context, build RequestBuilder) (Response, error) {
	var (
		result  Response
		attempt int
	)

	op := func() error {
		attempt++
		resp, err := c.breaker.Execute(func() (Response, error) {
			return c.attempt(ctx, build)
		})
		if err != nil {
			if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
				return backoff.Permanent(fmt.Errorf("%w: %s: %v", ErrCircuitOpen, c.name, err))
			}
			return err
		}
		result = resp
		return nil
	}

	notify := func(err error, wait time.Duration) {
		c.logger.Warn("retrying request",
			"client", c.name,
			"attempt", attempt,
			"max_attempts", c.policy.MaxAttempts,
			"wait", wait,
			"error", err,
		)
		if c.onRetry != nil {
			c.onRetry(c.name, attempt, err)
		}
	}

	err := backoff.RetryNotify(op, c.backoff(ctx), notify)
	if err == nil {
		return result, nil
	}
	if ctx.Err() != nil {
		return Response{}, ctx.Err()
	}
	if attempt >= c.policy.MaxAttempts && isRetryable(err) {
		return Response{}, fmt.Errorf("%w: %s after %d attempts: %w", ErrRetriesExhausted, c.name, attempt, err)
	}
	return Response{}, err
}

func (c *Client) backoff(ctx context.Context) backoff.BackOff {
	bo := backoff.NewExponentialBackOff()
	if c.policy.InitialInterval > 0 {
		bo.InitialInterval = c.policy.InitialInterval
	}
	if c.policy.Multiplier > 0 {
		bo.Multiplier = c.policy.Multiplier
	}
	if c.policy.MaxInterval > 0 {
		bo.MaxInterval = c.policy.MaxInterval
	}
	bo.RandomizationFactor = 0
	bo.MaxElapsedTime = 0
	bo.Reset()
	return backoff.WithContext(backoff.WithMaxRetries(bo, uint64(c.policy.MaxAttempts-1)), ctx)
}

// attempt performs one request. Errors that must not be retried are wrapped
// with backoff.Permanent.
func (c *Client) attempt(ctx context.Context, build RequestBuilder) (Response, error) {
	attemptCtx := ctx
	if c.policy.AttemptTimeout > 0 {
		var cancel context.CancelFunc
		attemptCtx, cancel = context.WithTimeout(ctx, c.policy.AttemptTimeout)
		defer cancel()
	}

	req, err := build(attemptCtx)
	if err != nil {
		return Response{}, backoff.Permanent(fmt.Errorf("build request: %w", err))
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return Response{}, backoff.Permanent(ctx.Err())
		}
		return Response{}, &transportError{err: err}
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxBodyBytes))
	if err != nil {
		if ctx.Err() != nil {
			return Response{}, backoff.Permanent(ctx.Err())
		}
		return Response{}, &transportError{err: fmt.Errorf("read body: %w", err)}
	}

	out := Response{StatusCode: resp.StatusCode, Header: resp.Header, Body: body}
	if resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500 {
		return out, &StatusError{StatusCode: resp.StatusCode, Body: body}
	}
	return out, nil
}

// transportError marks connection-level failures, including attempt timeouts.
type transportError struct {
	err error
}

func (e *transportError) Error() string { return "transport: " + e.err.Error() }
func (e *transportError) Unwrap() error { return e.err }

func isRetryable(err error) bool {
	var statusErr *StatusError
	var transportErr *transportError
	return errors.As(err, &statusErr) || errors.As(err, &transportErr)
}

func truncate(b []byte, n int) string {
	if len(b) <= n {
		return string(b)
	}
	return string(b[:n]) + "..."
}
