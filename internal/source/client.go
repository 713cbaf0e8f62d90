package source

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/cenkalti/backoff/v5"
	"golang.org/x/time/rate"

	"github.com/user/wallbot/internal/storage"
	"github.com/user/wallbot/pkg/logger"
)

const (
	defaultMaxAttempts    = 5
	defaultRetryInitial   = time.Second
	defaultRequestTimeout = 30 * time.Second
	maxBodyBytes          = 16 << 20
	userAgent             = "Mozilla/5.0 (compatible; wallbot/1.0)"
)

// client is the rate-limited, retrying HTTP getter shared by the adapters.
// Every request waits on the adapter's own limiter, so sources never share a budget.
type client struct {
	source       storage.Source
	http         *http.Client
	limiter      *rate.Limiter
	header       http.Header
	maxAttempts  int
	retryInitial time.Duration
	timeout      time.Duration
}

func newClient(src storage.Source, opts Options, minInterval time.Duration) *client {
	hc := opts.HTTPClient
	if hc == nil {
		hc = &http.Client{}
	}

	limit := rate.Inf
	if minInterval > 0 {
		limit = rate.Every(minInterval)
	}

	c := &client{
		source:       src,
		http:         hc,
		limiter:      rate.NewLimiter(limit, 1),
		header:       http.Header{},
		maxAttempts:  opts.MaxAttempts,
		retryInitial: opts.RetryInitial,
		timeout:      opts.RequestTimeout,
	}
	if c.maxAttempts <= 0 {
		c.maxAttempts = defaultMaxAttempts
	}
	if c.retryInitial <= 0 {
		c.retryInitial = defaultRetryInitial
	}
	if c.timeout <= 0 {
		c.timeout = defaultRequestTimeout
	}
	c.header.Set("User-Agent", userAgent)
	return c
}

// get fetches rawURL, retrying transient failures with bounded exponential backoff.
// Auth and quota statuses come back as *FatalError, other 4xx as *StatusError and
// exhausted retries as *TransientError.
func (c *client) get(ctx context.Context, rawURL string) ([]byte, error) {
	var body []byte
	err := c.do(ctx, func(ctx context.Context) error {
		b, err := c.fetch(ctx, rawURL)
		body = b
		return err
	})
	return body, err
}

// do runs op under the limiter, a per-attempt timeout and the retry policy.
// op reports HTTP failures as *StatusError; anything else counts as a network error.
func (c *client) do(ctx context.Context, op func(ctx context.Context) error) error {
	b := &backoff.ExponentialBackOff{
		InitialInterval:     c.retryInitial,
		RandomizationFactor: 0.5,
		Multiplier:          2,
		MaxInterval:         30 * time.Second,
	}
	b.Reset()

	attempts := 0
	_, err := backoff.Retry(ctx, func() (struct{}, error) {
		attempts++
		if err := c.limiter.Wait(ctx); err != nil {
			return struct{}{}, backoff.Permanent(err)
		}

		attemptCtx, cancel := context.WithTimeout(ctx, c.timeout)
		defer cancel()

		err := op(attemptCtx)
		if err == nil {
			return struct{}{}, nil
		}
		if ctx.Err() != nil {
			return struct{}{}, backoff.Permanent(ctx.Err())
		}
		var se *StatusError
		if errors.As(err, &se) && se.StatusCode < 500 {
			return struct{}{}, backoff.Permanent(err)
		}
		return struct{}{}, err
	},
		backoff.WithBackOff(b),
		backoff.WithMaxTries(uint(c.maxAttempts)),
		backoff.WithNotify(func(err error, wait time.Duration) {
			logger.Debug().Err(err).Str("source", string(c.source)).Dur("wait", wait).Msg("Retrying request")
		}),
	)
	if err == nil {
		return nil
	}
	if ctxErr := ctx.Err(); ctxErr != nil {
		return ctxErr
	}

	var se *StatusError
	if errors.As(err, &se) && se.StatusCode < 500 {
		if fatalStatus(se.StatusCode) {
			return &FatalError{Source: c.source, Err: se}
		}
		return se
	}
	return &TransientError{Source: c.source, Attempts: attempts, Err: err}
}

func (c *client) fetch(ctx context.Context, rawURL string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return nil, backoff.Permanent(err)
	}
	req.Header = c.header.Clone()

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		body, err := io.ReadAll(io.LimitReader(resp.Body, maxBodyBytes))
		if err != nil {
			return nil, fmt.Errorf("read body: %w", err)
		}
		return body, nil
	}

	// drain so the connection can be reused
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 64<<10))
	return nil, &StatusError{URL: rawURL, StatusCode: resp.StatusCode}
}

// getJSON fetches rawURL and decodes the body into v.
func (c *client) getJSON(ctx context.Context, rawURL string, v any) error {
	body, err := c.get(ctx, rawURL)
	if err != nil {
		return err
	}
	if err := json.Unmarshal(body, v); err != nil {
		return fmt.Errorf("%w: decode %s: %v", ErrMalformed, rawURL, err)
	}
	return nil
}
