// Package retry builds the HTTP clients used for remote calls: go-retryablehttp
// with exponential backoff on connection errors, 429 and 5xx responses, and
// logging through pkg/log.
//
// Requests that must not be repeated (creating a resource, for example) are
// sent with a context marked by SingleAttempt.
package retry

import (
	"context"
	"net/http"
	"time"

	"github.com/hashicorp/go-retryablehttp"

	"github.com/YuminosukeSato/mltrack/pkg/log"
)

const (
	DefaultAttempts = 3
	DefaultBackoff  = 500 * time.Millisecond
)

type config struct {
	attempts int
	backoff  time.Duration
	logger   log.Logger
}

// Option configures NewClient.
type Option func(*config)

// WithAttempts sets the total number of attempts per request, at least 1.
func WithAttempts(n int) Option {
	return func(c *config) { c.attempts = n }
}

// WithBackoff sets the wait before the first retry; later waits double.
func WithBackoff(d time.Duration) Option {
	return func(c *config) { c.backoff = d }
}

// WithLogger routes retry diagnostics to l.
func WithLogger(l log.Logger) Option {
	return func(c *config) { c.logger = l }
}

type singleAttemptKey struct{}

// SingleAttempt marks requests made with ctx as unsafe to repeat.
func SingleAttempt(ctx context.Context) context.Context {
	return context.WithValue(ctx, singleAttemptKey{}, true)
}

func isSingleAttempt(ctx context.Context) bool {
	single, _ := ctx.Value(singleAttemptKey{}).(bool)
	return single
}

// Policy is retryablehttp.DefaultRetryPolicy except that requests marked
// with SingleAttempt are never retried.
func Policy(ctx context.Context, resp *http.Response, err error) (bool, error) {
	if ctx.Err() != nil {
		return false, ctx.Err()
	}
	if isSingleAttempt(ctx) {
		return false, nil
	}
	return retryablehttp.DefaultRetryPolicy(ctx, resp, err)
}

// NewClient wraps base (nil for a pooled default client). When the attempts
// run out the last response is returned as is so callers can map its status.
func NewClient(base *http.Client, opts ...Option) *retryablehttp.Client {
	cfg := config{
		attempts: DefaultAttempts,
		backoff:  DefaultBackoff,
		logger:   log.GetLoggerWithName("http"),
	}
	for _, opt := range opts {
		opt(&cfg)
	}
	if cfg.attempts < 1 {
		cfg.attempts = 1
	}

	c := retryablehttp.NewClient()
	if base != nil {
		c.HTTPClient = base
	}
	c.RetryMax = cfg.attempts - 1
	c.RetryWaitMin = cfg.backoff
	c.RetryWaitMax = cfg.backoff << uint(c.RetryMax)
	c.CheckRetry = Policy
	c.Backoff = retryablehttp.DefaultBackoff
	c.ErrorHandler = retryablehttp.PassthroughErrorHandler
	c.Logger = cfg.logger
	return c
}
