package clients

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"time"

	apperrors "github.com/ethanolivertroy/vuln-ledger/internal/errors"
)

const userAgent = "vuln-ledger/1.0"

// HTTPError represents a non-2xx response from the feed
type HTTPError struct {
	StatusCode int    `json:"status_code"`
	Body       string `json:"body"`
}

func (e *HTTPError) Error() string {
	return fmt.Sprintf("http %d: %s", e.StatusCode, e.Body)
}

// IsHTTPError checks if err is an HTTPError and returns it
func IsHTTPError(err error) (*HTTPError, bool) {
	var httpErr *HTTPError
	if errors.As(err, &httpErr) {
		return httpErr, true
	}
	return nil, false
}

// isRetryable reports whether a failed request may succeed when repeated:
// transport errors, timeouts, 5xx and 429. Other 4xx are final.
func isRetryable(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.Canceled) {
		return false
	}
	if httpErr, ok := IsHTTPError(err); ok {
		return httpErr.StatusCode == http.StatusTooManyRequests || httpErr.StatusCode >= 500
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return true
	}
	return errors.Is(err, context.DeadlineExceeded) || errors.Is(err, io.ErrUnexpectedEOF)
}

// doRequest performs a request with rate limiting and retries. The returned
// error is an apperrors FeedUnavailable wrapping the last failure.
func (c *OSVClient) doRequest(ctx context.Context, endpoint, method, url string, body []byte) ([]byte, error) {
	const op = "osv.request"
	var lastErr error

	for attempt := 0; attempt <= c.cfg.MaxRetries; attempt++ {
		if attempt > 0 {
			delay := c.backoff.Interval(attempt)
			c.logger.Debug("retrying feed request",
				"endpoint", endpoint, "attempt", attempt, "max_retries", c.cfg.MaxRetries,
				"delay", delay, "error", lastErr)

			select {
			case <-ctx.Done():
				return nil, apperrors.New(apperrors.KindFeedUnavailable, op, "cancelled while waiting to retry", ctx.Err())
			case <-time.After(delay):
			}
		}

		if err := c.limiter.Wait(ctx); err != nil {
			return nil, apperrors.New(apperrors.KindFeedUnavailable, op, "rate limiter", err)
		}

		start := time.Now()
		data, err := c.doRequestOnce(ctx, method, url, body)
		if err == nil {
			c.metrics.ObserveFeedRequest(endpoint, "ok", time.Since(start))
			return data, nil
		}
		lastErr = err

		if !isRetryable(err) || ctx.Err() != nil {
			c.metrics.ObserveFeedRequest(endpoint, "error", time.Since(start))
			return nil, apperrors.New(apperrors.KindFeedUnavailable, op, endpoint, err)
		}
		c.metrics.ObserveFeedRequest(endpoint, "retry", time.Since(start))
	}

	return nil, apperrors.New(apperrors.KindFeedUnavailable, op,
		fmt.Sprintf("%s failed after %d retries", endpoint, c.cfg.MaxRetries), lastErr)
}

func (c *OSVClient) doRequestOnce(ctx context.Context, method, url string, body []byte) ([]byte, error) {
	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, url, reader)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("Accept", "application/json")
	req.Header.Set("User-Agent", userAgent)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("http request: %w", err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, &HTTPError{StatusCode: resp.StatusCode, Body: truncate(string(data), 512)}
	}
	return data, nil
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
