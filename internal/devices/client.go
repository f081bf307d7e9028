// Package devices provides a typed HTTP client for the node power
// controller that backs the device tools.
package devices

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"git.cscs.ch/openchami/chamicore-opsgate/pkg/types"
)

const (
	defaultTimeout    = 30 * time.Second
	defaultMaxRetries = 3
	retryBaseDelay    = 250 * time.Millisecond

	powerStatusPath  = "/power/v1/status"
	powerRebootPath  = "/power/v1/actions/reboot"
	maxErrorBodySize = 64 * 1024
)

// PowerStatus is the controller's power state report for one node.
type PowerStatus struct {
	Node      string    `json:"node"`
	State     string    `json:"state"`
	UpdatedAt time.Time `json:"updatedAt"`
}

// RebootReceipt acknowledges an accepted reboot request.
type RebootReceipt struct {
	Node        string    `json:"node"`
	Operation   string    `json:"operation"`
	TaskID      string    `json:"taskId"`
	RequestedAt time.Time `json:"requestedAt"`
}

// Config holds device client configuration.
type Config struct {
	// BaseURL is the root URL of the controller API (for example: http://localhost:27775).
	BaseURL string
	// Token is the bearer token used for controller requests.
	Token string
	// Timeout is the per-request timeout. Defaults to 30s.
	Timeout time.Duration
	// MaxRetries is the number of retry attempts for transient errors.
	MaxRetries int
	// HTTPClient is an optional custom http.Client. If nil, a default is used.
	HTTPClient *http.Client
}

// Client is the typed HTTP client for the device controller.
type Client struct {
	httpClient *http.Client
	baseURL    string
	token      string
	maxRetries int
}

// APIError carries the controller's problem response for a failed request.
type APIError struct {
	StatusCode int
	Problem    types.ProblemDetail
}

// Error implements error.
func (e *APIError) Error() string {
	detail := strings.TrimSpace(e.Problem.Detail)
	if detail == "" {
		detail = strings.TrimSpace(e.Problem.Title)
	}
	if detail == "" {
		detail = http.StatusText(e.StatusCode)
	}
	return fmt.Sprintf("device controller returned %d: %s", e.StatusCode, detail)
}

// New creates a new device controller client.
func New(cfg Config) (*Client, error) {
	baseURL := strings.TrimSpace(cfg.BaseURL)
	if baseURL == "" {
		return nil, fmt.Errorf("devices: BaseURL is required")
	}
	baseURL = strings.TrimRight(baseURL, "/")

	timeout := cfg.Timeout
	if timeout == 0 {
		timeout = defaultTimeout
	}
	maxRetries := cfg.MaxRetries
	if maxRetries == 0 {
		maxRetries = defaultMaxRetries
	}
	httpClient := cfg.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: timeout}
	}

	return &Client{
		httpClient: httpClient,
		baseURL:    baseURL,
		token:      strings.TrimSpace(cfg.Token),
		maxRetries: maxRetries,
	}, nil
}

// PowerStatus returns the controller's power state for one node.
func (c *Client) PowerStatus(ctx context.Context, node string) (*types.Resource[PowerStatus], error) {
	target := strings.TrimSpace(node)
	if target == "" {
		return nil, fmt.Errorf("node is required")
	}

	params := url.Values{}
	params.Set("node", target)

	var result types.Resource[PowerStatus]
	if err := c.doJSON(ctx, http.MethodGet, powerStatusPath+"?"+params.Encode(), nil, &result); err != nil {
		return nil, fmt.Errorf("getting power status for %q: %w", target, err)
	}
	return &result, nil
}

// Reboot submits an asynchronous reboot request for one node.
func (c *Client) Reboot(ctx context.Context, node string) (*types.Resource[RebootReceipt], error) {
	target := strings.TrimSpace(node)
	if target == "" {
		return nil, fmt.Errorf("node is required")
	}

	payload := map[string]string{"node": target}
	var result types.Resource[RebootReceipt]
	if err := c.doJSON(ctx, http.MethodPost, powerRebootPath, payload, &result); err != nil {
		return nil, fmt.Errorf("requesting reboot of %q: %w", target, err)
	}
	return &result, nil
}

func (c *Client) doJSON(ctx context.Context, method, path string, body, out any) error {
	var encoded []byte
	if body != nil {
		var err error
		encoded, err = json.Marshal(body)
		if err != nil {
			return fmt.Errorf("encoding request body: %w", err)
		}
	}

	var lastErr error
	for attempt := 0; attempt <= c.maxRetries; attempt++ {
		if attempt > 0 {
			delay := retryBaseDelay << (attempt - 1)
			timer := time.NewTimer(delay)
			select {
			case <-ctx.Done():
				timer.Stop()
				return ctx.Err()
			case <-timer.C:
			}
		}

		var reader io.Reader
		if encoded != nil {
			reader = bytes.NewReader(encoded)
		}
		req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
		if err != nil {
			return fmt.Errorf("building request: %w", err)
		}
		req.Header.Set("Accept", "application/json")
		if encoded != nil {
			req.Header.Set("Content-Type", "application/json")
		}
		if c.token != "" {
			req.Header.Set("Authorization", "Bearer "+c.token)
		}

		resp, err := c.httpClient.Do(req)
		if err != nil {
			lastErr = err
			if ctx.Err() != nil {
				return ctx.Err()
			}
			continue
		}

		if retryableStatus(resp.StatusCode) && attempt < c.maxRetries {
			lastErr = apiErrorFromResponse(resp)
			drainAndClose(resp.Body)
			continue
		}
		if resp.StatusCode >= 400 {
			apiErr := apiErrorFromResponse(resp)
			drainAndClose(resp.Body)
			return apiErr
		}

		if out == nil {
			drainAndClose(resp.Body)
			return nil
		}
		decodeErr := json.NewDecoder(resp.Body).Decode(out)
		drainAndClose(resp.Body)
		if decodeErr != nil {
			return fmt.Errorf("decoding response: %w", decodeErr)
		}
		return nil
	}
	return lastErr
}

func retryableStatus(status int) bool {
	switch status {
	case http.StatusTooManyRequests,
		http.StatusBadGateway,
		http.StatusServiceUnavailable,
		http.StatusGatewayTimeout:
		return true
	default:
		return false
	}
}

func apiErrorFromResponse(resp *http.Response) *APIError {
	apiErr := &APIError{StatusCode: resp.StatusCode}
	raw, err := io.ReadAll(io.LimitReader(resp.Body, maxErrorBodySize))
	if err != nil {
		return apiErr
	}
	var problem types.ProblemDetail
	if err := json.Unmarshal(raw, &problem); err == nil {
		apiErr.Problem = problem
	} else {
		apiErr.Problem.Detail = strings.TrimSpace(string(raw))
	}
	return apiErr
}

func drainAndClose(body io.ReadCloser) {
	_, _ = io.Copy(io.Discard, body)
	_ = body.Close()
}
