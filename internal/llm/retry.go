package llm

import (
	"context"
	"errors"
	"fmt"
	"math"
	"math/rand/v2"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"
)

// doWithRetry runs do up to MaxRetries+1 times.
// With the default MaxRetries of 0 it is a single attempt: backend failures
// are surfaced to the caller as-is. When retries are enabled they only cover
// transient network errors, 408, 429 and 5xx, never a cancelled context.
func (c *client) doWithRetry(
	ctx context.Context,
	body []byte,
	do func(ctx context.Context, body []byte) (*http.Response, error),
) (*http.Response, error) {
	var lastErr error
	maxAttempts := c.cfg.MaxRetries + 1

	for attempt := 0; attempt < maxAttempts; attempt++ {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		start := time.Now()
		resp, err := do(ctx, body)

		status := 0
		if resp != nil {
			status = resp.StatusCode
		}

		c.logger.Debug("backend request",
			zap.Int("attempt", attempt+1),
			zap.Int("max_attempts", maxAttempts),
			zap.Int("status", status),
			zap.Duration("duration", time.Since(start)),
			zap.Error(err),
		)

		switch {
		case err != nil:
			if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
				return nil, err
			}
			if !isTransientNetError(err) || maxAttempts == 1 {
				return nil, err
			}
			lastErr = err

		case !shouldRetryStatus(status) || attempt == maxAttempts-1:
			// success, client error, or last attempt: the caller inspects the status
			return resp, nil

		default:
			lastErr = fmt.Errorf("backend status %d", status)
			retryAfter := parseRetryAfter(resp)
			// close body before retrying so connection can be reused
			resp.Body.Close()

			if retryAfter > 0 {
				c.logger.Info("honoring Retry-After header",
					zap.Duration("wait", retryAfter),
					zap.Int("status", status),
				)
				if err := sleepCtx(ctx, retryAfter); err != nil {
					return nil, err
				}
				continue
			}
		}

		if attempt == maxAttempts-1 {
			break
		}

		if err := sleepCtx(ctx, computeBackoff(c.cfg.BaseBackoff, attempt)); err != nil {
			return nil, err
		}
	}

	c.logger.Warn("backend request exhausted all retries",
		zap.Int("attempts", maxAttempts),
		zap.Error(lastErr),
	)

	if lastErr == nil {
		lastErr = errors.New("unknown backend error")
	}
	return nil, fmt.Errorf("llmclient: max retries (%d) exceeded: %w", maxAttempts, lastErr)
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// isTransientNetError reports whether a network error is worth retrying.
func isTransientNetError(err error) bool {
	if err == nil {
		return false
	}

	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return true
	}

	var dnsErr *net.DNSError
	if errors.As(err, &dnsErr) {
		return dnsErr.IsTimeout || dnsErr.IsTemporary
	}

	var opErr *net.OpError
	if errors.As(err, &opErr) {
		switch opErr.Op {
		case "dial", "read", "write":
			return true
		}
	}

	errStr := strings.ToLower(err.Error())
	for _, pattern := range []string{
		"connection refused",
		"connection reset",
		"broken pipe",
	} {
		if strings.Contains(errStr, pattern) {
			return true
		}
	}

	return false
}

func shouldRetryStatus(status int) bool {
	switch {
	case status == http.StatusTooManyRequests, status == http.StatusRequestTimeout:
		return true
	case status >= 500 && status <= 599:
		return true
	default:
		return false
	}
}

// parseRetryAfter reads Retry-After as seconds or an HTTP date, capped at 5 minutes.
// Returns 0 if the header is missing or invalid.
func parseRetryAfter(resp *http.Response) time.Duration {
	const maxRetryAfter = 5 * time.Minute

	if resp == nil {
		return 0
	}
	v := strings.TrimSpace(resp.Header.Get("Retry-After"))
	if v == "" {
		return 0
	}

	var d time.Duration
	if seconds, err := strconv.Atoi(v); err == nil {
		d = time.Duration(seconds) * time.Second
	} else if t, err := http.ParseTime(v); err == nil {
		d = time.Until(t)
	}

	if d <= 0 {
		return 0
	}
	return min(d, maxRetryAfter)
}

// computeBackoff returns a random duration in [0, base*2^attempt), capped at 60s.
func computeBackoff(base time.Duration, attempt int) time.Duration {
	if base <= 0 {
		base = 100 * time.Millisecond
	}
	const maxExponent = 10
	attempt = min(attempt, maxExponent)

	ceiling := time.Duration(float64(base) * math.Pow(2, float64(attempt)))
	ceiling = min(ceiling, 60*time.Second)

	return time.Duration(rand.Float64() * float64(ceiling))
}
