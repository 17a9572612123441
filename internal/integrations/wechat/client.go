// Package wechat is the client for the Official Account HTTP API: access
// token exchange and the customer-service send endpoint.
package wechat

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"
)

const defaultBaseURL = "https://api.weixin.qq.com"

// APIError is a non-zero errcode returned by the platform.
type APIError struct {
	Code    int
	Message string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("wechat: errcode=%d errmsg=%s", e.Code, e.Message)
}

// TokenRejected reports whether the access token used for the call was
// invalid or expired.
func (e *APIError) TokenRejected() bool {
	switch e.Code {
	case 40001, 40014, 42001:
		return true
	}
	return false
}

// HTTPStatusError captures non-2xx responses from the platform.
type HTTPStatusError struct {
	StatusCode int
	URL        string
	Body       string
}

func (e *HTTPStatusError) Error() string {
	return fmt.Sprintf("wechat: unexpected status %d from %s: %s", e.StatusCode, e.URL, e.Body)
}

func (e *HTTPStatusError) HTTPStatusCode() int {
	return e.StatusCode
}

type tokenResponse struct {
	AccessToken string `json:"access_token"`
	ExpiresIn   int64  `json:"expires_in"`
	ErrCode     int    `json:"errcode"`
	ErrMsg      string `json:"errmsg"`
}

type apiResponse struct {
	ErrCode int    `json:"errcode"`
	ErrMsg  string `json:"errmsg"`
}

type textContent struct {
	Content string `json:"content"`
}

type customSendRequest struct {
	ToUser  string      `json:"touser"`
	MsgType string      `json:"msgtype"`
	Text    textContent `json:"text"`
}

type Client struct {
	baseURL    string
	appID      string
	appSecret  string
	httpClient *http.Client
	logger     *slog.Logger
}

type Option func(*Client)

func WithBaseURL(baseURL string) Option {
	return func(c *Client) {
		c.baseURL = strings.TrimRight(strings.TrimSpace(baseURL), "/")
	}
}

func WithHTTPClient(httpClient *http.Client) Option {
	return func(c *Client) {
		c.httpClient = httpClient
	}
}

func WithLogger(l *slog.Logger) Option {
	return func(c *Client) {
		c.logger = l
	}
}

func NewClient(appID, appSecret string, opts ...Option) (*Client, error) {
	appID = strings.TrimSpace(appID)
	appSecret = strings.TrimSpace(appSecret)
	if appID == "" || appSecret == "" {
		return nil, errors.New("wechat: app id and app secret are required")
	}
	c := &Client{
		baseURL:    defaultBaseURL,
		appID:      appID,
		appSecret:  appSecret,
		httpClient: &http.Client{Timeout: 10 * time.Second},
		logger:     slog.Default(),
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.baseURL == "" {
		c.baseURL = defaultBaseURL
	}
	return c, nil
}

// FetchAccessToken exchanges the app credentials for a fresh access token.
func (c *Client) FetchAccessToken(ctx context.Context) (string, time.Duration, error) {
	q := url.Values{}
	q.Set("grant_type", "client_credential")
	q.Set("appid", c.appID)
	q.Set("secret", c.appSecret)
	endpoint := c.baseURL + "/cgi-bin/token"

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint+"?"+q.Encode(), nil)
	if err != nil {
		return "", 0, fmt.Errorf("wechat: create token request: %w", err)
	}
	raw, err := c.do(req, endpoint)
	if err != nil {
		return "", 0, fmt.Errorf("wechat: token request failed: %w", err)
	}

	var payload tokenResponse
	if err := json.Unmarshal(raw, &payload); err != nil {
		return "", 0, fmt.Errorf("wechat: decode token response: %w", err)
	}
	if payload.ErrCode != 0 {
		return "", 0, &APIError{Code: payload.ErrCode, Message: payload.ErrMsg}
	}
	if payload.AccessToken == "" || payload.ExpiresIn <= 0 {
		return "", 0, errors.New("wechat: token response missing access_token or expires_in")
	}
	return payload.AccessToken, time.Duration(payload.ExpiresIn) * time.Second, nil
}

// SendText pushes a text message to openID through the customer-service
// message API.
func (c *Client) SendText(ctx context.Context, accessToken, openID, content string) error {
	var body bytes.Buffer
	enc := json.NewEncoder(&body)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(customSendRequest{ToUser: openID, MsgType: "text", Text: textContent{Content: content}}); err != nil {
		return fmt.Errorf("wechat: marshal send request: %w", err)
	}
	endpoint := c.baseURL + "/cgi-bin/message/custom/send"

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint+"?access_token="+url.QueryEscape(accessToken), &body)
	if err != nil {
		return fmt.Errorf("wechat: create send request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json; charset=utf-8")

	raw, err := c.do(req, endpoint)
	if err != nil {
		return fmt.Errorf("wechat: send request failed: %w", err)
	}
	var payload apiResponse
	if err := json.Unmarshal(raw, &payload); err != nil {
		return fmt.Errorf("wechat: decode send response: %w", err)
	}
	if payload.ErrCode != 0 {
		return &APIError{Code: payload.ErrCode, Message: payload.ErrMsg}
	}
	return nil
}

// do executes req. endpoint is the URL without query so credentials never
// reach error messages.
func (c *Client) do(req *http.Request, endpoint string) ([]byte, error) {
	res, err := c.httpClient.Do(req)
	if err != nil {
		var uerr *url.Error
		if errors.As(err, &uerr) {
			return nil, fmt.Errorf("%s %s: %w", uerr.Op, endpoint, uerr.Err)
		}
		return nil, err
	}
	defer func() { _ = res.Body.Close() }()

	if res.StatusCode < 200 || res.StatusCode >= 300 {
		buf, _ := io.ReadAll(io.LimitReader(res.Body, 4096))
		return nil, &HTTPStatusError{StatusCode: res.StatusCode, URL: endpoint, Body: string(buf)}
	}
	buf, err := io.ReadAll(io.LimitReader(res.Body, 1<<20))
	if err != nil {
		return nil, fmt.Errorf("read response body: %w", err)
	}
	c.logger.Debug("wechat api call", "endpoint", endpoint, "status", res.StatusCode)
	return buf, nil
}
