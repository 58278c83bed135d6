package providers

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/go-resty/resty/v2"
	"go.uber.org/zap"
)

// Backoff is the fixed-delay retry policy of the outbound clients: long sleeps when throttled,
// short sleeps on server errors, a hard ceiling on attempts.
type Backoff struct {
	ThrottleDelay time.Duration
	ServerDelay   time.Duration
	MaxAttempts   int
}

// Do runs call until the response is neither throttled nor a server error.
// Transport errors are returned immediately as ErrUnavailable, unexpected 4xx statuses as is.
func (b Backoff) Do(ctx context.Context, log *zap.Logger, call func() (*resty.Response, error)) (*resty.Response, error) {
	var lastErr error
	for attempt := 1; attempt <= b.MaxAttempts; attempt++ {
		resp, err := call()
		if err != nil {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			return nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
		}

		var delay time.Duration
		code := resp.StatusCode()
		switch {
		case code == http.StatusNotFound:
			return nil, fmt.Errorf("%w: %s", ErrNotFound, resp.Request.URL)
		case code == http.StatusUnauthorized || code == http.StatusForbidden || code == http.StatusTooManyRequests:
			lastErr = fmt.Errorf("%w: status %d", ErrRateLimited, code)
			delay = b.ThrottleDelay
		case code >= 500:
			lastErr = fmt.Errorf("%w: status %d", ErrServer, code)
			delay = b.ServerDelay
		case code >= 400:
			return nil, fmt.Errorf("unexpected status %d: %s", code, truncate(resp.String(), 200))
		default:
			return resp, nil
		}

		if attempt == b.MaxAttempts {
			break
		}
		log.Warn("Request failed, backing off",
			zap.Int("status", code),
			zap.Int("attempt", attempt),
			zap.Duration("delay", delay))
		if err := sleep(ctx, delay); err != nil {
			return nil, err
		}
	}
	return nil, fmt.Errorf("giving up after %d attempts: %w", b.MaxAttempts, lastErr)
}

func sleep(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
