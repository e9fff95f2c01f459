package retrytransport

import (
	"context"
	"errors"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/cloudflare/backoff"
	"go.uber.org/zap"
)

type (
	ShouldRetryFunc func(err error, req *http.Request, resp *http.Response) bool
	OnRetryFunc     func(count int, req *http.Request, resp *http.Response, sleepDuration time.Duration, err error)
)

type RetryOptions struct {
	MaxRetryCount int
	Interval      time.Duration
	MaxDuration   time.Duration
	// ShouldRetry defaults to DefaultShouldRetry.
	ShouldRetry ShouldRetryFunc
	// OnRetry is called before every retry. It is used by tests.
	OnRetry OnRetryFunc
}

type RetryHTTPTransport struct {
	roundTripper http.RoundTripper
	logger       *zap.Logger
	opts         RetryOptions
}

func NewRetryHTTPTransport(roundTripper http.RoundTripper, opts RetryOptions, logger *zap.Logger) *RetryHTTPTransport {
	if opts.ShouldRetry == nil {
		opts.ShouldRetry = DefaultShouldRetry
	}
	return &RetryHTTPTransport{
		roundTripper: roundTripper,
		logger:       logger,
		opts:         opts,
	}
}

// DefaultShouldRetry retries network errors, 429 and 5xx responses. Cancelled or expired requests
// are never retried.
func DefaultShouldRetry(err error, req *http.Request, resp *http.Response) bool {
	if req.Context().Err() != nil {
		return false
	}
	if err != nil {
		return !errors.Is(err, context.Canceled) && !errors.Is(err, context.DeadlineExceeded)
	}
	if resp == nil {
		return false
	}
	return resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= http.StatusInternalServerError
}

func (rt *RetryHTTPTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	resp, err := rt.roundTripper.RoundTrip(req)
	// Short circuit if the request was successful.
	if err == nil && isResponseOK(resp) {
		return resp, nil
	}

	b := backoff.New(rt.opts.MaxDuration, rt.opts.Interval)
	defer b.Reset()

	retries := 0
	for rt.opts.ShouldRetry(err, req, resp) && retries < rt.opts.MaxRetryCount {
		retries++

		var sleepDuration time.Duration
		if retryAfterDuration, useRetryAfter := shouldUseRetryAfter(rt.logger, resp, rt.opts.MaxDuration); useRetryAfter {
			sleepDuration = retryAfterDuration
			rt.logger.Debug("Using Retry-After header for 429 response",
				zap.Int("retry", retries),
				zap.String("url", req.URL.String()),
				zap.Duration("retry-after", sleepDuration),
			)
		} else {
			sleepDuration = b.Duration()
			rt.logger.Debug("Retrying request",
				zap.Int("retry", retries),
				zap.String("url", req.URL.String()),
				zap.Duration("sleep", sleepDuration),
			)
		}

		if rt.opts.OnRetry != nil {
			rt.opts.OnRetry(retries, req, resp, sleepDuration, err)
		}

		// drain the previous response before retrying so the connection can be reused
		rt.drainBody(resp)

		if waitErr := sleep(req.Context(), sleepDuration); waitErr != nil {
			return nil, waitErr
		}

		next, rewindErr := rewind(req)
		if rewindErr != nil {
			return nil, rewindErr
		}

		resp, err = rt.roundTripper.RoundTrip(next)
		if err == nil && isResponseOK(resp) {
			return resp, nil
		}
	}

	return resp, err
}

// rewind returns a copy of req with a fresh body.
func rewind(req *http.Request) (*http.Request, error) {
	if req.Body == nil || req.Body == http.NoBody {
		return req, nil
	}
	if req.GetBody == nil {
		return nil, errors.New("request body cannot be replayed")
	}
	body, err := req.GetBody()
	if err != nil {
		return nil, err
	}
	next := req.Clone(req.Context())
	next.Body = body
	return next, nil
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

func (rt *RetryHTTPTransport) drainBody(resp *http.Response) {
	if resp == nil || resp.Body == nil {
		return
	}

	defer func() {
		if err := resp.Body.Close(); err != nil {
			rt.logger.Error("Failed draining when closing the body", zap.Error(err))
		}
	}()

	if _, err := io.Copy(io.Discard, resp.Body); err != nil {
		rt.logger.Error("Failed draining when discarding the body", zap.Error(err))
	}
}

func isResponseOK(resp *http.Response) bool {
	return resp.StatusCode >= 200 && resp.StatusCode < 300
}

// parseRetryAfterHeader parses the Retry-After header value according to RFC 7231.
// It supports both delay-seconds and HTTP-date formats.
// Returns the duration to wait before retrying, or 0 if parsing fails.
func parseRetryAfterHeader(logger *zap.Logger, retryAfter string) time.Duration {
	if retryAfter == "" {
		return 0
	}

	var errJoin error

	seconds, err := strconv.Atoi(retryAfter)
	if err != nil {
		errJoin = errors.Join(errJoin, err)
	} else if seconds >= 0 {
		return time.Duration(seconds) * time.Second
	}

	t, err := http.ParseTime(retryAfter)
	if err != nil {
		errJoin = errors.Join(errJoin, err)
	} else if duration := time.Until(t); duration > 0 {
		return duration
	}

	if errJoin != nil {
		logger.Error("Failed to parse Retry-After header", zap.String("retry-after", retryAfter), zap.Error(errJoin))
	}

	return 0
}

// shouldUseRetryAfter reports the Retry-After delay of a 429 response, capped at maxDuration.
func shouldUseRetryAfter(logger *zap.Logger, resp *http.Response, maxDuration time.Duration) (time.Duration, bool) {
	if resp == nil || resp.StatusCode != http.StatusTooManyRequests {
		return 0, false
	}

	retryAfter := resp.Header.Get("Retry-After")
	if retryAfter == "" {
		return 0, false
	}

	duration := parseRetryAfterHeader(logger, retryAfter)
	if maxDuration > 0 && duration > maxDuration {
		duration = maxDuration
	}

	return duration, duration > 0
}
