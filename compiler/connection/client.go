// Package connection is the generated code's client for the connection
// service (spec.md §6.6), fetching credentials a Connection step needs.
// Grounded on the teacher's graph/tool.HTTPTool: a thin net/http wrapper,
// no retry/circuit-breaking of its own (the generated Connection step
// handles rate-limit retry itself via a durable sleep).
package connection

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"time"
)

var (
	// ErrNotFound is returned when the connection service answers 404.
	ErrNotFound = errors.New("connection: not found")

	// ErrRateLimited is returned when the connection service answers 429.
	// RetryAfter on the returned *RateLimitedError names the wait.
	ErrRateLimited = errors.New("connection: rate limited")
)

// RateLimitedError wraps ErrRateLimited with the Retry-After duration the
// generated Connection step should durable_sleep for before refetching.
type RateLimitedError struct {
	RetryAfter time.Duration
}

func (e *RateLimitedError) Error() string { return fmt.Sprintf("connection: rate limited, retry after %s", e.RetryAfter) }
func (e *RateLimitedError) Unwrap() error { return ErrRateLimited }

// RateLimit mirrors the rate_limit object the connection service embeds
// in a successful response.
type RateLimit struct {
	IsLimited    bool       `json:"is_limited"`
	Remaining    *int       `json:"remaining,omitempty"`
	ResetAt      *time.Time `json:"reset_at,omitempty"`
	RetryAfterMS *int64     `json:"retry_after_ms,omitempty"`
}

// Response is the connection service's response body shape (spec.md §6.6).
type Response struct {
	Parameters        map[string]any `json:"parameters"`
	IntegrationID     string         `json:"integration_id"`
	ConnectionSubtype string         `json:"connection_subtype,omitempty"`
	RateLimit         *RateLimit     `json:"rate_limit,omitempty"`
}

// Client calls the connection service over HTTP.
type Client struct {
	baseURL string
	http    *http.Client
}

func NewClient(baseURL string) *Client {
	return &Client{baseURL: baseURL, http: &http.Client{Timeout: 30 * time.Second}}
}

// Params is the optional query string the connection service accepts.
type Params struct {
	Tag        string
	StepID     string
	ScenarioID string
	InstanceID string
}

func (p Params) encode() string {
	q := url.Values{}
	if p.Tag != "" {
		q.Set("tag", p.Tag)
	}
	if p.StepID != "" {
		q.Set("stepId", p.StepID)
	}
	if p.ScenarioID != "" {
		q.Set("scenarioId", p.ScenarioID)
	}
	if p.InstanceID != "" {
		q.Set("instanceId", p.InstanceID)
	}
	return q.Encode()
}

// Fetch performs GET {base}/{tenant}/{connectionID}[?...]. A 404 response
// becomes ErrNotFound; a 429 becomes *RateLimitedError built from the
// Retry-After header (seconds).
func (c *Client) Fetch(ctx context.Context, tenantID, connectionID string, params Params) (*Response, error) {
	u := fmt.Sprintf("%s/%s/%s", c.baseURL, url.PathEscape(tenantID), url.PathEscape(connectionID))
	if qs := params.encode(); qs != "" {
		u += "?" + qs
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return nil, fmt.Errorf("connection: build request: %w", err)
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("connection: request failed: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	switch resp.StatusCode {
	case http.StatusOK:
		body, err := io.ReadAll(resp.Body)
		if err != nil {
			return nil, fmt.Errorf("connection: read response: %w", err)
		}
		var out Response
		if err := json.Unmarshal(body, &out); err != nil {
			return nil, fmt.Errorf("connection: decode response: %w", err)
		}
		return &out, nil
	case http.StatusNotFound:
		return nil, ErrNotFound
	case http.StatusTooManyRequests:
		retryAfter := parseRetryAfter(resp.Header.Get("Retry-After"))
		return nil, &RateLimitedError{RetryAfter: retryAfter}
	default:
		return nil, fmt.Errorf("connection: unexpected status %d", resp.StatusCode)
	}
}

func parseRetryAfter(header string) time.Duration {
	if header == "" {
		return 0
	}
	if secs, err := strconv.Atoi(header); err == nil {
		return time.Duration(secs) * time.Second
	}
	if at, err := http.ParseTime(header); err == nil {
		if d := time.Until(at); d > 0 {
			return d
		}
	}
	return 0
}
