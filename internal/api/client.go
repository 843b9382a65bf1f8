// Package api implements the backend HTTP collaborator the sync core
// delivers actions through. The client is deliberately single-shot:
// retry accounting belongs to the queue engine, so one Do call is one
// delivery attempt.
package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"
)

// ErrUnavailable wraps failures that look like the backend being down
// rather than the request being wrong: transport errors, 5xx, 429.
// The engine retries every failure the same way; the classification
// feeds logs and dead-letter annotations.
var ErrUnavailable = errors.New("api: backend unavailable")

// Doer is the HTTP execution seam. This allows us to mock HTTP calls
// in tests.
type Doer interface {
	Do(req *http.Request) (*http.Response, error)
}

// Config holds client settings.
type Config struct {
	BaseURL     string        `json:"baseUrl"`
	CallTimeout time.Duration `json:"-"`
}

// Response is the successful outcome of one delivery call.
type Response struct {
	Status int
	Body   json.RawMessage
}

// Client talks to the MedInvest backend REST API.
type Client struct {
	baseURL string
	timeout time.Duration
	tokens  TokenSource
	http    Doer
	logger  *slog.Logger
}

// NewClient creates a client. A nil tokens source sends unauthenticated
// requests, which the dev backend accepts.
func NewClient(cfg Config, tokens TokenSource, logger *slog.Logger) *Client {
	if logger == nil {
		logger = slog.Default()
	}
	timeout := cfg.CallTimeout
	if timeout <= 0 {
		timeout = 15 * time.Second
	}
	return &Client{
		baseURL: strings.TrimRight(cfg.BaseURL, "/"),
		timeout: timeout,
		tokens:  tokens,
		http:    &http.Client{Timeout: 30 * time.Second},
		logger:  logger.With("component", "api"),
	}
}

// SetDoer replaces the HTTP execution seam.
func (c *Client) SetDoer(d Doer) { c.http = d }

// Do performs one delivery attempt. Every error return counts as a
// failed attempt to the caller; a per-call timeout bounds how long a
// stalled backend can hold up a sync pass.
func (c *Client) Do(ctx context.Context, method, path string, body map[string]interface{}) (*Response, error) {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("api: marshal body: %w", err)
		}
		reader = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return nil, fmt.Errorf("api: create request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.tokens != nil {
		token, err := c.tokens.Token(ctx)
		if err != nil {
			return nil, fmt.Errorf("api: auth token: %w", err)
		}
		req.Header.Set("Authorization", "Bearer "+token)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	defer resp.Body.Close() //nolint:errcheck

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("%w: read response: %v", ErrUnavailable, err)
	}

	switch {
	case resp.StatusCode >= 500 || resp.StatusCode == http.StatusTooManyRequests:
		return nil, fmt.Errorf("%w: http %d: %s", ErrUnavailable, resp.StatusCode, truncate(respBody))
	case resp.StatusCode >= 400:
		return nil, fmt.Errorf("api: http %d: %s", resp.StatusCode, truncate(respBody))
	}

	return &Response{Status: resp.StatusCode, Body: respBody}, nil
}

func truncate(b []byte) string {
	const max = 200
	if len(b) > max {
		return string(b[:max]) + "..."
	}
	return string(b)
}
