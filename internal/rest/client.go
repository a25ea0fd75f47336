// Package rest wraps the platform HTTP API: per-account and per-endpoint
// rate limiting, transient-failure retries, and abort propagation.
package rest

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/rs/zerolog"

	"github.com/guildvault/guildvault/internal/ratelimit"
)

// DefaultBaseURL is the platform REST API root.
const DefaultBaseURL = "https://discord.com/api/v9"

// ErrAborted distinguishes ambient cancellation from transport failure.
// Callers treat it as a clean unwind, never as an error to retry.
var ErrAborted = errors.New("rest: request aborted")

// ErrAuthFailed means the account's credentials were rejected (HTTP 401).
// The owning account must be disconnected.
var ErrAuthFailed = errors.New("rest: authentication failed")

// Options modifies a single request.
type Options struct {
	Method string // defaults to GET
	Body   any    // JSON-encoded when non-nil

	// AbortOnFailure drops the response body on non-2xx instead of
	// consuming it; the caller gets the bare response. Used on endpoints
	// the caller is about to give up on.
	AbortOnFailure bool
}

// Response is the outcome of a completed request.
type Response struct {
	HTTP *http.Response
	Body json.RawMessage

	// RateLimitReset is closed when the endpoint's rate-limit window has
	// reset. It is already closed unless the response reported zero
	// remaining requests. Await it before the next request on the same
	// endpoint.
	RateLimitReset <-chan struct{}
}

// closedReset is the already-complete reset future.
var closedReset = func() <-chan struct{} {
	ch := make(chan struct{})
	close(ch)
	return ch
}()

// Backoff growth parameters for transient failures.
const (
	backoffStep = 2 * time.Second
	backoffCap  = 60 * time.Second
)

// Client issues requests for one account.
type Client struct {
	httpc   *http.Client
	baseURL string
	auth    string
	limiter *ratelimit.Limiter
	log     zerolog.Logger
}

// NewClient builds a client. auth is the full Authorization header value.
// All requests pass through limiter before leaving.
func NewClient(auth string, limiter *ratelimit.Limiter, log zerolog.Logger) *Client {
	return &Client{
		httpc:   &http.Client{Timeout: 2 * time.Minute},
		baseURL: DefaultBaseURL,
		auth:    auth,
		limiter: limiter,
		log:     log,
	}
}

// SetBaseURL overrides the API root (tests).
func (c *Client) SetBaseURL(u string) { c.baseURL = u }

// Do performs one request against path (relative to the API root),
// retrying transient failures. On success the parsed body and the
// endpoint's reset future are returned. Non-2xx statuses that are not
// retryable (403, 404, …) are returned as a Response with a nil error;
// callers inspect HTTP.StatusCode.
func (c *Client) Do(ctx context.Context, path string, opts Options) (*Response, error) {
	method := opts.Method
	if method == "" {
		method = http.MethodGet
	}

	var backoff time.Duration
	fail := func() error {
		if err := sleep(ctx, backoff); err != nil {
			return ErrAborted
		}
		backoff += backoffStep
		if backoff > backoffCap {
			backoff = backoffCap
		}
		return nil
	}

	for {
		if err := c.limiter.Acquire(ctx); err != nil {
			return nil, ErrAborted
		}

		req, err := c.newRequest(ctx, method, path, opts.Body)
		if err != nil {
			return nil, err
		}

		resp, err := c.httpc.Do(req)
		if err != nil {
			if ctx.Err() != nil {
				return nil, ErrAborted
			}
			c.log.Warn().Err(err).Str("path", path).Msg("transport failure, retrying")
			if ferr := fail(); ferr != nil {
				return nil, ferr
			}
			continue
		}

		switch {
		case resp.StatusCode >= 200 && resp.StatusCode < 300:
			body, err := io.ReadAll(resp.Body)
			resp.Body.Close()
			if err != nil {
				if ctx.Err() != nil {
					return nil, ErrAborted
				}
				c.log.Warn().Err(err).Str("path", path).Msg("response read failure, retrying")
				if ferr := fail(); ferr != nil {
					return nil, ferr
				}
				continue
			}
			return &Response{HTTP: resp, Body: body, RateLimitReset: resetFuture(ctx, resp)}, nil

		case resp.StatusCode == http.StatusTooManyRequests:
			scope := resp.Header.Get("X-RateLimit-Scope")
			if scope == "" {
				scope = "route"
			}
			retryAfter := headerSeconds(resp, "Retry-After")
			c.log.Info().Str("path", path).Str("scope", scope).Dur("retry_after", retryAfter).
				Msg("rate limited")
			drain(resp)
			if err := sleep(ctx, retryAfter); err != nil {
				return nil, ErrAborted
			}
			continue

		case resp.StatusCode == http.StatusUnauthorized:
			drain(resp)
			return nil, ErrAuthFailed

		case resp.StatusCode >= 500:
			c.log.Warn().Str("path", path).Int("status", resp.StatusCode).Msg("server error, retrying")
			drain(resp)
			if ferr := fail(); ferr != nil {
				return nil, ferr
			}
			continue

		default:
			if opts.AbortOnFailure {
				// Cancel the in-flight fetch without consuming the body.
				resp.Body.Close()
				return &Response{HTTP: resp, RateLimitReset: closedReset}, nil
			}
			body, _ := io.ReadAll(resp.Body)
			resp.Body.Close()
			return &Response{HTTP: resp, Body: body, RateLimitReset: resetFuture(ctx, resp)}, nil
		}
	}
}

// DoJSON performs Do and unmarshals a 2xx body into out. Non-2xx
// responses are returned unparsed for the caller to inspect.
func (c *Client) DoJSON(ctx context.Context, path string, opts Options, out any) (*Response, error) {
	resp, err := c.Do(ctx, path, opts)
	if err != nil {
		return nil, err
	}
	if resp.HTTP.StatusCode >= 200 && resp.HTTP.StatusCode < 300 && out != nil {
		if err := json.Unmarshal(resp.Body, out); err != nil {
			return nil, fmt.Errorf("rest: decode %s: %w", path, err)
		}
	}
	return resp, nil
}

func (c *Client) newRequest(ctx context.Context, method, path string, body any) (*http.Request, error) {
	var rd io.Reader
	if body != nil {
		buf, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("rest: encode body: %w", err)
		}
		rd = bytes.NewReader(buf)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, rd)
	if err != nil {
		return nil, fmt.Errorf("rest: build request: %w", err)
	}
	req.Header.Set("Authorization", c.auth)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	return req, nil
}

// resetFuture returns a future that completes when the endpoint's window
// resets: immediately unless the response reports zero remaining.
func resetFuture(ctx context.Context, resp *http.Response) <-chan struct{} {
	if resp.Header.Get("X-RateLimit-Remaining") != "0" {
		return closedReset
	}
	after := headerSeconds(resp, "X-RateLimit-Reset-After")
	if after <= 0 {
		return closedReset
	}
	ch := make(chan struct{})
	go func() {
		select {
		case <-time.After(after):
		case <-ctx.Done():
		}
		close(ch)
	}()
	return ch
}

// headerSeconds parses a fractional-seconds header value.
func headerSeconds(resp *http.Response, name string) time.Duration {
	v := resp.Header.Get(name)
	if v == "" {
		return 0
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		return 0
	}
	return time.Duration(f * float64(time.Second))
}

func drain(resp *http.Response) {
	io.Copy(io.Discard, io.LimitReader(resp.Body, 1<<20))
	resp.Body.Close()
}

func sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
