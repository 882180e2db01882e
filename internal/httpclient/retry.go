// Package httpclient wraps net/http with the retry/backoff policy spec.md's
// C3 requires: retry on 429 and 5xx (honoring Retry-After), exponential
// backoff with jitter otherwise, and prompt abort on context cancellation.
package httpclient

import (
	"context"
	"errors"
	"fmt"
	"io"
	"math"
	"math/rand"
	"net/http"
	"strconv"
	"time"
)

// Config mirrors the retry shape used elsewhere in the corpus
// (Config{MaxAttempts,InitialDelay,MaxDelay,Factor,Jitter}), reimplemented
// here because it is not an importable package from this repository.
type Config struct {
	MaxAttempts  int
	InitialDelay time.Duration
	MaxDelay     time.Duration
	Factor       float64
	Jitter       bool
}

// DefaultConfig matches the teacher-adjacent retry package's defaults.
func DefaultConfig() Config {
	return Config{
		MaxAttempts:  4,
		InitialDelay: 250 * time.Millisecond,
		MaxDelay:     10 * time.Second,
		Factor:       2.0,
		Jitter:       true,
	}
}

// PermanentError marks an error that must not be retried (4xx other than
// 429, or a response body the caller has decided is unrecoverable).
type PermanentError struct{ Err error }

func (e *PermanentError) Error() string { return e.Err.Error() }
func (e *PermanentError) Unwrap() error { return e.Err }

// Permanent wraps err so IsPermanent reports true for it.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &PermanentError{Err: err}
}

// IsPermanent reports whether err (or anything it wraps) is a PermanentError.
func IsPermanent(err error) bool {
	var p *PermanentError
	return errors.As(err, &p)
}

// IsRetryable reports whether err is non-nil and not permanent.
func IsRetryable(err error) bool {
	return err != nil && !IsPermanent(err)
}

// AbortError wraps ctx.Err() so callers can distinguish a user-initiated
// abort (C11) from a genuine network failure.
type AbortError struct{ Err error }

func (e *AbortError) Error() string { return fmt.Sprintf("aborted: %v", e.Err) }
func (e *AbortError) Unwrap() error { return e.Err }

// Client performs HTTP requests with the retry policy above.
type Client struct {
	HTTP   *http.Client
	Config Config
}

// New constructs a Client with sane request-level timeouts; the overall
// deadline for a turn is governed by the caller's context, not this client.
func New(cfg Config) *Client {
	return &Client{
		HTTP:   &http.Client{Timeout: 5 * time.Minute},
		Config: cfg,
	}
}

// Do executes req with retries. newReq must build a fresh *http.Request on
// each attempt since request bodies can only be read once.
func (c *Client) Do(ctx context.Context, newReq func(ctx context.Context) (*http.Request, error)) (*http.Response, error) {
	cfg := c.Config
	if cfg.MaxAttempts <= 0 {
		cfg = DefaultConfig()
	}

	delay := cfg.InitialDelay
	var lastErr error

	for attempt := 1; attempt <= cfg.MaxAttempts; attempt++ {
		if err := ctx.Err(); err != nil {
			return nil, &AbortError{Err: err}
		}

		req, err := newReq(ctx)
		if err != nil {
			return nil, fmt.Errorf("build request: %w", err)
		}

		resp, err := c.HTTP.Do(req)
		if err != nil {
			if ctx.Err() != nil {
				return nil, &AbortError{Err: ctx.Err()}
			}
			lastErr = err
		} else if resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500 {
			lastErr = fmt.Errorf("upstream status %d", resp.StatusCode)
			retryAfter := parseRetryAfter(resp.Header.Get("Retry-After"))
			drainAndClose(resp.Body)
			if attempt >= cfg.MaxAttempts {
				break
			}
			sleep := retryAfter
			if sleep <= 0 {
				sleep = jittered(delay, cfg.Jitter)
			}
			if err := wait(ctx, sleep); err != nil {
				return nil, &AbortError{Err: err}
			}
			delay = nextDelay(delay, cfg)
			continue
		} else if resp.StatusCode >= 400 {
			return resp, Permanent(fmt.Errorf("upstream status %d", resp.StatusCode))
		} else {
			return resp, nil
		}

		if attempt >= cfg.MaxAttempts {
			break
		}
		if err := wait(ctx, jittered(delay, cfg.Jitter)); err != nil {
			return nil, &AbortError{Err: err}
		}
		delay = nextDelay(delay, cfg)
	}

	return nil, fmt.Errorf("request failed after %d attempts: %w", cfg.MaxAttempts, lastErr)
}

func nextDelay(delay time.Duration, cfg Config) time.Duration {
	d := time.Duration(float64(delay) * cfg.Factor)
	if d > cfg.MaxDelay {
		d = cfg.MaxDelay
	}
	return d
}

func jittered(delay time.Duration, jitter bool) time.Duration {
	if !jitter {
		return delay
	}
	factor := 0.5 + rand.Float64()
	return time.Duration(float64(delay) * factor)
}

func wait(ctx context.Context, d time.Duration) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-time.After(d):
		return nil
	}
}

func parseRetryAfter(v string) time.Duration {
	if v == "" {
		return 0
	}
	if secs, err := strconv.Atoi(v); err == nil {
		return time.Duration(secs) * time.Second
	}
	if t, err := http.ParseTime(v); err == nil {
		if d := time.Until(t); d > 0 {
			return d
		}
	}
	return 0
}

func drainAndClose(body io.ReadCloser) {
	_, _ = io.Copy(io.Discard, io.LimitReader(body, 64*1024))
	_ = body.Close()
}

// Backoff exposes the pure backoff calculation for tests and callers that
// want to display an ETA without performing a request.
func Backoff(attempt int, cfg Config) time.Duration {
	if attempt <= 0 {
		attempt = 1
	}
	delay := float64(cfg.InitialDelay) * math.Pow(cfg.Factor, float64(attempt-1))
	if d := cfg.MaxDelay; d > 0 && delay > float64(d) {
		delay = float64(d)
	}
	return time.Duration(delay)
}
