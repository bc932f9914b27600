package health

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"time"
)

// HTTPChecker reports healthy when a GET on the target returns a status
// below 500. Client errors still prove the API answered.
type HTTPChecker struct {
	url    string
	client *http.Client
}

// NewHTTPChecker creates an HTTP checker.
func NewHTTPChecker(cfg Config) *HTTPChecker {
	scheme := cfg.Scheme
	if scheme == "" {
		scheme = "https"
	}
	path := cfg.Path
	if path == "" {
		path = "/"
	}
	return &HTTPChecker{
		url:    fmt.Sprintf("%s://%s%s", scheme, cfg.Target, path),
		client: &http.Client{Timeout: timeoutOrDefault(cfg.Timeout)},
	}
}

// Check performs one GET request.
func (c *HTTPChecker) Check(ctx context.Context) Result {
	start := time.Now()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.url, nil)
	if err != nil {
		return failed(start, "Failed to create request", err)
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return failed(start, "HTTP request failed", err)
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))

	result := Result{
		Message:   fmt.Sprintf("HTTP %d", resp.StatusCode),
		Latency:   time.Since(start),
		Timestamp: time.Now(),
	}
	if resp.StatusCode < http.StatusInternalServerError {
		result.Healthy = true
	} else {
		result.Error = fmt.Sprintf("unhealthy status code: %d", resp.StatusCode)
	}
	return result
}

// Type returns "http".
func (c *HTTPChecker) Type() string {
	return "http"
}
