// Package agent speaks the runtime call/callback contract over HTTP: the
// bridge posts tasks to a runtime webhook and the plugin posts results back.
package agent

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"wechat-relay/internal/domain"
)

// HTTPStatusError captures non-2xx responses from a runtime or bridge.
type HTTPStatusError struct {
	StatusCode int
	URL        string
	Body       string
}

func (e *HTTPStatusError) Error() string {
	return fmt.Sprintf("agent: unexpected status %d from %s: %s", e.StatusCode, e.URL, e.Body)
}

func (e *HTTPStatusError) HTTPStatusCode() int {
	return e.StatusCode
}

type Client struct {
	httpClient *http.Client
	userAgent  string
}

type Option func(*Client)

func WithHTTPClient(httpClient *http.Client) Option {
	return func(c *Client) {
		c.httpClient = httpClient
	}
}

func WithUserAgent(ua string) Option {
	return func(c *Client) {
		c.userAgent = ua
	}
}

// NewClient returns a Client. Per-call deadlines come from the caller's
// context; the HTTP client timeout is only an upper bound.
func NewClient(opts ...Option) *Client {
	c := &Client{
		httpClient: &http.Client{Timeout: 30 * time.Second},
		userAgent:  "wechat-relay",
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Dispatch posts task to a runtime webhook using the binding token as bearer.
func (c *Client) Dispatch(ctx context.Context, endpoint, token string, task domain.TaskEnvelope) error {
	return c.postJSON(ctx, endpoint, token, task)
}

// PostResult reports res to a bridge callback URL.
func (c *Client) PostResult(ctx context.Context, callbackURL, token string, res domain.ResultEnvelope) error {
	return c.postJSON(ctx, callbackURL, token, res)
}

func (c *Client) postJSON(ctx context.Context, target, token string, payload any) error {
	var body bytes.Buffer
	enc := json.NewEncoder(&body)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(payload); err != nil {
		return fmt.Errorf("agent: marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, target, &body)
	if err != nil {
		return fmt.Errorf("agent: create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("User-Agent", c.userAgent)
	if token = strings.TrimSpace(token); token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}

	res, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("agent: request failed: %w", err)
	}
	defer func() { _ = res.Body.Close() }()

	if res.StatusCode < 200 || res.StatusCode >= 300 {
		buf, _ := io.ReadAll(io.LimitReader(res.Body, 4096))
		return &HTTPStatusError{StatusCode: res.StatusCode, URL: target, Body: string(buf)}
	}
	_, _ = io.Copy(io.Discard, io.LimitReader(res.Body, 1<<20))
	return nil
}
