package engine

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"
)

// defaultTimeout bounds a single provider HTTP request.
const defaultTimeout = 60 * time.Second

// apiError represents an error from a provider API that may or may not be retryable.
type apiError struct {
	StatusCode int
	Body       string
}

func (e *apiError) Error() string {
	return fmt.Sprintf("HTTP %d: %s", e.StatusCode, e.Body)
}

// isRetryable returns true for transient errors (rate limit, server errors).
func (e *apiError) isRetryable() bool {
	return e.StatusCode == http.StatusTooManyRequests ||
		e.StatusCode >= http.StatusInternalServerError
}

// retryBackoff is the pause before the n-th retry (n starts at 1).
var retryBackoff = func(n int) time.Duration {
	return time.Duration(n) * 2 * time.Second
}

// withRetry calls do up to twice, retrying once with backoff when the first
// failure is transient. Errors are prefixed with the provider name.
func withRetry[T any](ctx context.Context, provider string, do func(context.Context) (T, error)) (T, error) {
	const maxAttempts = 2
	var zero T
	var lastErr error
	for attempt := 0; attempt < maxAttempts; attempt++ {
		result, err := do(ctx)
		if err == nil {
			return result, nil
		}
		lastErr = err

		if !isTransient(err) {
			return zero, fmt.Errorf("%s: %w", provider, err)
		}

		if attempt < maxAttempts-1 {
			select {
			case <-ctx.Done():
				return zero, ctx.Err()
			case <-time.After(retryBackoff(attempt + 1)):
			}
		}
	}
	return zero, fmt.Errorf("%s: %w", provider, lastErr)
}

// isTransient reports whether err is worth a second request: a rate limit,
// a server error or a failed round trip. Bad payloads fail the same way twice.
func isTransient(err error) bool {
	var ae *apiError
	if errors.As(err, &ae) {
		return ae.isRetryable()
	}
	var ue *url.Error
	return errors.As(err, &ue)
}

// postJSON sends body to url and returns the raw response body. Non-200
// responses become *apiError.
func postJSON(ctx context.Context, hc *http.Client, url string, body []byte, headers map[string]string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}

	resp, err := hc.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}

	if resp.StatusCode != http.StatusOK {
		return nil, &apiError{StatusCode: resp.StatusCode, Body: string(respBody)}
	}
	return respBody, nil
}
