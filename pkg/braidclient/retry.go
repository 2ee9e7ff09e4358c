package braidclient

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/hashicorp/go-retryablehttp"
	"go.uber.org/zap"
)

// maxBackoffExponent caps the growth of ExponentialBackoff.
const maxBackoffExponent = 10

// IsRetryableStatus reports whether a response status is worth retrying:
// 408, 425, 429, 502, 503 and 504.
func IsRetryableStatus(code int) bool {
	switch code {
	case http.StatusRequestTimeout,
		http.StatusTooEarly,
		http.StatusTooManyRequests,
		http.StatusBadGateway,
		http.StatusServiceUnavailable,
		http.StatusGatewayTimeout:
		return true
	}
	return false
}

// IsAccessDeniedStatus reports 401 and 403.
func IsAccessDeniedStatus(code int) bool {
	return code == http.StatusUnauthorized || code == http.StatusForbidden
}

// ExponentialBackoff returns base * 2^attempt with the exponent capped at 10.
func ExponentialBackoff(attempt int, base time.Duration) time.Duration {
	attempt = min(max(attempt, 0), maxBackoffExponent)
	return base << attempt
}

func backoff(min, _ time.Duration, attemptNum int, _ *http.Response) time.Duration {
	return ExponentialBackoff(attemptNum, min)
}

func checkRetry(ctx context.Context, resp *http.Response, err error) (bool, error) {
	if ctx.Err() != nil {
		return false, ctx.Err()
	}
	if err != nil {
		return retryablehttp.DefaultRetryPolicy(ctx, resp, err)
	}
	return IsRetryableStatus(resp.StatusCode), nil
}

// errorHandler turns the last failure of a retried request into a typed
// error. retryablehttp leaves the final response body open.
func errorHandler(resp *http.Response, err error, numTries int) (*http.Response, error) {
	if resp != nil {
		defer resp.Body.Close()
		body, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
		return nil, &StatusError{
			Code:     resp.StatusCode,
			Header:   resp.Header,
			Body:     body,
			Attempts: numTries,
		}
	}
	return nil, fmt.Errorf("%w after %d attempts: %w", ErrTransport, numTries, err)
}

// retryableHttpLogger adapts a zap logger to the retryablehttp.LeveledLogger
// interface.
type retryableHttpLogger struct {
	inner *zap.Logger
}

func (r retryableHttpLogger) Error(format string, args ...any) {
	r.inner.Sugar().Errorw(format, args...)
}

func (r retryableHttpLogger) Info(format string, args ...any) {
	r.inner.Sugar().Infow(format, args...)
}

func (r retryableHttpLogger) Warn(format string, args ...any) {
	r.inner.Sugar().Warnw(format, args...)
}

func (r retryableHttpLogger) Debug(format string, args ...any) {
	r.inner.Sugar().Debugw(format, args...)
}
