// Package httpclient implements the retrying HTTP transport shared by
// every LLM dialect client. Retries cover transient status codes and
// socket-level failures with jittered exponential backoff, honoring
// Retry-After, bounded by an overall window and a hard attempt cap.
package httpclient

import (
	"context"
	"errors"
	"fmt"
	"io"
	"math"
	"math/rand"
	"net"
	"net/http"
	"time"
)

const (
	DefaultBaseDelay   = 1 * time.Second
	DefaultMaxDelay    = 60 * time.Second
	DefaultRetryWindow = 3600 * time.Second
	DefaultMaxAttempts = 200
)

// OnRetry observes one scheduled retry before its backoff sleep. The
// gateway uses it to surface retry progress to subscribers.
type OnRetry func(attempt int, delay time.Duration, reason string)

type Client struct {
	client      *http.Client
	baseDelay   time.Duration
	maxDelay    time.Duration
	window      time.Duration
	maxAttempts int
	onRetry     OnRetry
}

type Option func(*Client)

func WithHTTPClient(client *http.Client) Option {
	return func(c *Client) { c.client = client }
}

func WithBaseDelay(d time.Duration) Option {
	return func(c *Client) { c.baseDelay = d }
}

func WithMaxDelay(d time.Duration) Option {
	return func(c *Client) { c.maxDelay = d }
}

// WithRetryWindow bounds the total time spent across all attempts.
func WithRetryWindow(d time.Duration) Option {
	return func(c *Client) { c.window = d }
}

func WithMaxAttempts(n int) Option {
	return func(c *Client) { c.maxAttempts = n }
}

func WithOnRetry(fn OnRetry) Option {
	return func(c *Client) { c.onRetry = fn }
}

func New(opts ...Option) *Client {
	c := &Client{
		// No per-request timeout: long streams are legal and the retry
		// window bounds total waiting. Cancellation rides the context.
		client:      &http.Client{},
		baseDelay:   DefaultBaseDelay,
		maxDelay:    DefaultMaxDelay,
		window:      DefaultRetryWindow,
		maxAttempts: DefaultMaxAttempts,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// IsRetryableStatus reports whether a status code warrants a retry.
func IsRetryableStatus(code int) bool {
	switch code {
	case http.StatusRequestTimeout, // 408
		http.StatusTooEarly,           // 425
		http.StatusTooManyRequests,    // 429
		http.StatusInternalServerError, // 500
		http.StatusBadGateway,          // 502
		http.StatusServiceUnavailable,  // 503
		http.StatusGatewayTimeout:      // 504
		return true
	}
	return false
}

func isRetryableNetErr(err error) bool {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return true
	}
	var opErr *net.OpError
	if errors.As(err, &opErr) {
		return true
	}
	var dnsErr *net.DNSError
	if errors.As(err, &dnsErr) {
		return true
	}
	// Connection resets and EOFs from dropped sockets surface as plain
	// errors through the HTTP transport.
	return errors.Is(err, io.ErrUnexpectedEOF) || errors.Is(err, io.EOF)
}

// Do performs the request, retrying transient failures until success, a
// non-retryable response, the attempt cap, or the retry window runs out.
// Non-retryable statuses are returned as-is for the caller to interpret.
// The request's context cancels both in-flight attempts and backoff
// sleeps.
func (c *Client) Do(req *http.Request) (*http.Response, error) {
	ctx := req.Context()
	deadline := time.Now().Add(c.window)

	var lastReason string
	for attempt := 1; attempt <= c.maxAttempts; attempt++ {
		if attempt > 1 && req.GetBody != nil {
			body, err := req.GetBody()
			if err != nil {
				return nil, fmt.Errorf("recreating request body for retry: %w", err)
			}
			req.Body = body
		}

		resp, err := c.client.Do(req)

		var retryAfter time.Duration
		switch {
		case err == nil && IsRetryableStatus(resp.StatusCode):
			lastReason = fmt.Sprintf("HTTP %d", resp.StatusCode)
			retryAfter = ParseRetryAfter(resp.Header)
			// Drain so the connection is reusable for the next attempt.
			_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))
			_ = resp.Body.Close()
		case err == nil:
			return resp, nil
		case isRetryableNetErr(err):
			lastReason = err.Error()
		default:
			return nil, err
		}

		if attempt == c.maxAttempts {
			return nil, &RetryExhaustedError{Attempts: attempt, Reason: lastReason}
		}

		delay := c.nextDelay(attempt, retryAfter)
		remaining := time.Until(deadline)
		if remaining <= 0 {
			return nil, &RetryExhaustedError{Attempts: attempt, Reason: lastReason, WindowExpired: true}
		}
		if delay > remaining {
			delay = remaining
		}

		if c.onRetry != nil {
			c.onRetry(attempt, delay, lastReason)
		}
		if fn := OnRetryFromContext(ctx); fn != nil {
			fn(attempt, delay, lastReason)
		}

		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil, ctx.Err()
		case <-timer.C:
		}
	}

	return nil, &RetryExhaustedError{Attempts: c.maxAttempts, Reason: lastReason}
}

// nextDelay is jittered exponential backoff, floored by Retry-After when
// the server supplied one.
func (c *Client) nextDelay(attempt int, retryAfter time.Duration) time.Duration {
	exp := time.Duration(float64(c.baseDelay) * math.Pow(2, float64(attempt-1)))
	if exp > c.maxDelay {
		exp = c.maxDelay
	}
	exp += time.Duration(rand.Float64() * 0.2 * float64(exp))
	if retryAfter > exp {
		return retryAfter
	}
	return exp
}
