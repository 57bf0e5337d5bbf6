// Rate-limited HTTP plumbing shared by the provider adapters
package services

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/desertthunder/tunegate/internal/shared"
	"golang.org/x/time/rate"
)

const (
	defaultTimeout   = 15 * time.Second
	defaultRateLimit = 5.0
	maxResponseBytes = 1 << 20
)

// APIClient performs JSON requests paced by a token bucket.
type APIClient struct {
	httpClient *http.Client
	limiter    *rate.Limiter
	timeout    time.Duration
}

// NewAPIClient creates a client allowing rps requests per second, each bounded by timeout.
func NewAPIClient(client *http.Client, rps float64, timeout time.Duration) *APIClient {
	if client == nil {
		client = &http.Client{}
	}
	if rps <= 0 {
		rps = defaultRateLimit
	}
	if timeout <= 0 {
		timeout = defaultTimeout
	}

	return &APIClient{
		httpClient: client,
		limiter:    rate.NewLimiter(rate.Limit(rps), 1),
		timeout:    timeout,
	}
}

// APIResponse represents a raw API response with status and body.
type APIResponse struct {
	StatusCode int
	Headers    http.Header
	Body       []byte
}

// OK reports a 2xx status.
func (r *APIResponse) OK() bool {
	return r.StatusCode >= 200 && r.StatusCode < 300
}

// Object decodes the body as a JSON object.
func (r *APIResponse) Object() (map[string]any, error) {
	var data map[string]any
	if err := json.Unmarshal(r.Body, &data); err != nil {
		return nil, fmt.Errorf("%w: response is not a JSON object: %v", shared.ErrProviderError, err)
	}
	return data, nil
}

// Do sends method to url with an optional JSON payload and returns the buffered response.
//
// Transport failures are wrapped with [shared.ErrProviderError]; non-2xx statuses are returned as-is.
func (c *APIClient) Do(ctx context.Context, method, url string, headers map[string]string, payload any) (*APIResponse, error) {
	if err := c.limiter.Wait(ctx); err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, fmt.Errorf("%w: rate limited: %v", shared.ErrProviderError, err)
	}

	parent := ctx
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	var body io.Reader
	if payload != nil {
		data, err := json.Marshal(payload)
		if err != nil {
			return nil, fmt.Errorf("failed to encode request: %w", err)
		}
		body = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, url, body)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}

	req.Header.Set("Accept", "application/json")
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	for k, v := range headers {
		req.Header.Set(k, v)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		if parent.Err() != nil {
			return nil, parent.Err()
		}
		return nil, fmt.Errorf("%w: request failed: %v", shared.ErrProviderError, err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return nil, fmt.Errorf("%w: failed to read response: %v", shared.ErrProviderError, err)
	}

	return &APIResponse{
		StatusCode: resp.StatusCode,
		Headers:    resp.Header,
		Body:       data,
	}, nil
}

// statusError describes a non-2xx response, preferring a message from the body.
func statusError(provider string, resp *APIResponse) error {
	if data, err := resp.Object(); err == nil {
		if msg := firstString(data, "message", "msg", "error", "detail"); msg != "" {
			return fmt.Errorf("%w: %s returned status %d: %s", shared.ErrProviderError, provider, resp.StatusCode, msg)
		}
	}
	return fmt.Errorf("%w: %s returned status %d", shared.ErrProviderError, provider, resp.StatusCode)
}

func decodeJSON(data []byte, v any) error {
	if err := json.Unmarshal(data, v); err != nil {
		return fmt.Errorf("failed to decode response: %w", err)
	}
	return nil
}
