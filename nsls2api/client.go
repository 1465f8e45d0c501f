package nsls2api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/sethvargo/go-retry"
)

// Client talks to the NSLS-II facility API over plain HTTP. The zero value
// is not usable, construct with NewClient.
type Client struct {
	baseURL    string
	httpClient *http.Client
	// Initial Fibonacci backoff delay between retries.
	retryBase time.Duration
}

// ClientOption configures a Client.
type ClientOption func(*Client)

// WithBaseURL points the client at a different API root, for tests or a
// staging deployment.
func WithBaseURL(u string) ClientOption {
	return func(c *Client) {
		c.baseURL = strings.TrimRight(u, "/")
	}
}

// WithHTTPClient replaces the underlying HTTP client.
func WithHTTPClient(h *http.Client) ClientOption {
	return func(c *Client) {
		c.httpClient = h
	}
}

// WithRetryBase overrides the initial backoff delay.
func WithRetryBase(d time.Duration) ClientOption {
	return func(c *Client) {
		c.retryBase = d
	}
}

// NewClient returns a production client unless options redirect it.
func NewClient(opts ...ClientOption) *Client {
	c := &Client{
		baseURL:    DefaultBaseURL,
		httpClient: &http.Client{Timeout: 30 * time.Second},
		retryBase:  1 * time.Second,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Proposal fetches one proposal by number.
func (c *Client) Proposal(ctx context.Context, number int) (*Proposal, error) {
	var envelope struct {
		Proposal     *Proposal `json:"proposal"`
		ErrorMessage string    `json:"error_message"`
	}
	err := c.getJSON(ctx, fmt.Sprintf("/v1/proposal/%d", number), &envelope)

	var apiErr *APIError
	if errors.As(err, &apiErr) && apiErr.StatusCode == http.StatusNotFound {
		return nil, fmt.Errorf("%w: %d", ErrProposalNotFound, number)
	}
	if err != nil {
		return nil, err
	}
	// Unknown proposals can also come back inside a 200 body.
	if envelope.ErrorMessage != "" || envelope.Proposal == nil {
		return nil, fmt.Errorf("%w: %d", ErrProposalNotFound, number)
	}
	slog.InfoContext(ctx, "proposal fetched",
		"proposal", envelope.Proposal.ID,
		"data_session", envelope.Proposal.DataSession,
	)
	return envelope.Proposal, nil
}

// CurrentCycle returns the facility's active operating cycle, e.g. "2024-2".
func (c *Client) CurrentCycle(ctx context.Context, facility string) (string, error) {
	if facility == "" {
		facility = DefaultFacility
	}
	var envelope struct {
		Facility string `json:"facility"`
		Cycle    string `json:"cycle"`
	}
	if err := c.getJSON(ctx, fmt.Sprintf("/v1/facility/%s/cycles/current", facility), &envelope); err != nil {
		return "", err
	}
	if envelope.Cycle == "" {
		return "", fmt.Errorf("nsls2api: no current cycle for facility %q", facility)
	}
	return envelope.Cycle, nil
}

// getJSON performs one GET with Fibonacci backoff on transient failures and
// decodes the 200 body into out. Rate limiting and 5xx answers are
// transient, every other non-200 is final.
func (c *Client) getJSON(ctx context.Context, path string, out any) error {
	b := retry.NewFibonacci(c.retryBase)
	return retry.Do(ctx, retry.WithMaxRetries(5, b), func(ctx context.Context) error {
		resp, err := c.doRequest(ctx, http.MethodGet, path)
		if err != nil {
			// Transport-level failures are worth another attempt.
			return retry.RetryableError(err)
		}
		defer resp.Body.Close()

		if transientStatus(resp.StatusCode) {
			return retry.RetryableError(&APIError{
				StatusCode: resp.StatusCode,
				Message:    "transient failure for " + path,
			})
		}
		if resp.StatusCode != http.StatusOK {
			return &APIError{StatusCode: resp.StatusCode, Message: "request failed for " + path}
		}
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			return fmt.Errorf("nsls2api: failed to decode response for %s: %w", path, err)
		}
		return nil
	})
}

func (c *Client) doRequest(ctx context.Context, method, path string) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Accept", "application/json")
	slog.DebugContext(ctx, "facility api request", "method", method, "path", path)
	return c.httpClient.Do(req)
}

func transientStatus(code int) bool {
	return code == http.StatusTooManyRequests || code >= 500
}
