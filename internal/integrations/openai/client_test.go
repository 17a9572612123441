package openai

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"wechat-relay/internal/domain"
)

type fakeGetter struct {
	val   string
	err   error
	calls int
	name  string
}

func (f *fakeGetter) GetParameter(_ context.Context, name string) (string, error) {
	f.calls++
	f.name = name
	return f.val, f.err
}

func newTestClient(t *testing.T, srv *httptest.Server, opts ...Option) *Client {
	t.Helper()
	opts = append([]Option{WithBaseURL(srv.URL), WithHTTPClient(&http.Client{Timeout: 2 * time.Second})}, opts...)
	c, err := NewClient(&fakeGetter{val: `{"token":"sk-test"}`}, "/wechat-relay", opts...)
	require.NoError(t, err)
	return c
}

func chatHandler(t *testing.T, content string, seen *chatRequest) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/v1/chat/completions", r.URL.Path)
		require.Equal(t, "Bearer sk-test", r.Header.Get("Authorization"))
		if seen != nil {
			require.NoError(t, json.NewDecoder(r.Body).Decode(seen))
		}
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"id":"chatcmpl-1","choices":[{"index":0,"message":{"role":"assistant","content":"` + content + `"}}]}`))
	}
}

func TestEndpointURL(t *testing.T) {
	cases := []struct {
		base string
		want string
	}{
		{"https://api.openai.com/v1", "https://api.openai.com/v1/chat/completions"},
		{"https://api.openai.com/v1/", "https://api.openai.com/v1/chat/completions"},
		{"http://localhost:8080", "http://localhost:8080/v1/chat/completions"},
		{"", "https://api.openai.com/v1/chat/completions"},
	}
	for _, tc := range cases {
		require.Equal(t, tc.want, endpointURL(tc.base, "/chat/completions"), "base=%q", tc.base)
	}
}

func TestNewClient_Validation(t *testing.T) {
	_, err := NewClient(nil, "/wechat-relay")
	require.ErrorContains(t, err, "nil")
	_, err = NewClient(&fakeGetter{}, " / ")
	require.Error(t, err)

	c, err := NewClient(&fakeGetter{}, "/wechat-relay/", WithModel(" "), WithSystemPrompt(""))
	require.NoError(t, err)
	require.Equal(t, defaultModel, c.model)
	require.Equal(t, defaultPrompt, c.systemPrompt)
	require.Equal(t, "/wechat-relay/open-ai-token", c.tokenParameterName())
}

func TestInvoke_SendsSystemPromptAndTask(t *testing.T) {
	var seen chatRequest
	srv := httptest.NewServer(chatHandler(t, " 42 ", &seen))
	defer srv.Close()

	c := newTestClient(t, srv, WithModel("gpt-test"), WithSystemPrompt("be brief"))
	out, err := c.Invoke(context.Background(), "what is 6*7", domain.TaskMetadata{OpenID: "U1"})
	require.NoError(t, err)
	require.Equal(t, "42", out)
	require.Equal(t, "gpt-test", seen.Model)
	require.Equal(t, "U1", seen.User)
	require.Equal(t, []domain.ChatMessage{
		{Role: "system", Content: "be brief"},
		{Role: "user", Content: "what is 6*7"},
	}, seen.Messages)
}

func TestInvoke_ModerationBlocks(t *testing.T) {
	chatCalled := false
	mux := http.NewServeMux()
	mux.HandleFunc("/v1/moderations", func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte(`{"results":[{"flagged":true}]}`))
	})
	mux.HandleFunc("/v1/chat/completions", func(http.ResponseWriter, *http.Request) {
		chatCalled = true
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	c := newTestClient(t, srv, WithModeration(true))
	_, err := c.Invoke(context.Background(), "bad", domain.TaskMetadata{})
	require.ErrorIs(t, err, ErrFlagged)
	require.False(t, chatCalled)
}

func TestInvoke_ModerationPasses(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/v1/moderations", func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte(`{"results":[{"flagged":false}]}`))
	})
	mux.HandleFunc("/v1/chat/completions", chatHandler(t, "ok", nil))
	srv := httptest.NewServer(mux)
	defer srv.Close()

	out, err := newTestClient(t, srv, WithModeration(true)).Invoke(context.Background(), "fine", domain.TaskMetadata{})
	require.NoError(t, err)
	require.Equal(t, "ok", out)
}

func TestResolveAPIKey_CachedAfterSuccess(t *testing.T) {
	g := &fakeGetter{val: `{"token":"sk-from-ssm"}`}
	c, err := NewClient(g, "/wechat-relay")
	require.NoError(t, err)

	for i := 0; i < 3; i++ {
		key, err := c.resolveAPIKey(context.Background())
		require.NoError(t, err)
		require.Equal(t, "sk-from-ssm", key)
	}
	require.Equal(t, 1, g.calls)
	require.Equal(t, "/wechat-relay/open-ai-token", g.name)
}

func TestResolveAPIKey_RetriesAfterFailure(t *testing.T) {
	g := &fakeGetter{err: errors.New("ssm unavailable")}
	c, err := NewClient(g, "/wechat-relay")
	require.NoError(t, err)

	_, err = c.resolveAPIKey(context.Background())
	require.ErrorContains(t, err, "ssm unavailable")

	g.err, g.val = nil, `{"token":"sk-later"}`
	key, err := c.resolveAPIKey(context.Background())
	require.NoError(t, err)
	require.Equal(t, "sk-later", key)
	require.Equal(t, 2, g.calls)
}

func TestFetchAPIKey(t *testing.T) {
	cases := []struct {
		name    string
		getter  *fakeGetter
		param   string
		want    string
		wantErr string
	}{
		{name: "json token", getter: &fakeGetter{val: `{"token":"sk"}`}, param: "/p/open-ai-token", want: "sk"},
		{name: "missing field", getter: &fakeGetter{val: `{"other":"x"}`}, param: "/p/open-ai-token", wantErr: "API token is empty"},
		{name: "malformed", getter: &fakeGetter{val: `{"broken`}, param: "/p/open-ai-token", wantErr: "unmarshal"},
		{name: "getter error", getter: &fakeGetter{err: errors.New("denied")}, param: "/p/open-ai-token", wantErr: "denied"},
		{name: "empty name", getter: &fakeGetter{val: `{"token":"sk"}`}, param: " ", wantErr: "empty"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got, err := fetchAPIKeyFromParamStore(context.Background(), tc.getter, tc.param)
			if tc.wantErr != "" {
				require.ErrorContains(t, err, tc.wantErr)
				return
			}
			require.NoError(t, err)
			require.Equal(t, tc.want, got)
		})
	}
}

func TestChat_Errors(t *testing.T) {
	cases := []struct {
		name    string
		status  int
		body    string
		wantErr string
	}{
		{name: "bad request", status: 400, body: `{"error":"bad request"}`, wantErr: "unexpected status 400"},
		{name: "rate limited", status: 429, body: `{"error":"rate limited"}`, wantErr: "429"},
		{name: "server error", status: 500, body: `{"error":"boom"}`, wantErr: "500"},
		{name: "invalid json", status: 200, body: `not-a-json`, wantErr: "decode response"},
		{name: "no choices", status: 200, body: `{"choices":[]}`, wantErr: "no choices"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
				w.WriteHeader(tc.status)
				_, _ = w.Write([]byte(tc.body))
			}))
			defer srv.Close()

			_, err := newTestClient(t, srv).Invoke(context.Background(), "hi", domain.TaskMetadata{})
			require.ErrorContains(t, err, tc.wantErr)
		})
	}
}

func TestChat_Timeout(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		time.Sleep(200 * time.Millisecond)
		_, _ = w.Write([]byte(`{"choices":[]}`))
	}))
	defer srv.Close()

	c := newTestClient(t, srv)
	c.httpClient = &http.Client{Timeout: 50 * time.Millisecond}
	_, err := c.Invoke(context.Background(), "hi", domain.TaskMetadata{})
	require.ErrorContains(t, err, "request failed")
}

func TestModerate_EmptyResults(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte(`{"results":[]}`))
	}))
	defer srv.Close()

	_, err := newTestClient(t, srv).Moderate(context.Background(), "hello")
	require.ErrorContains(t, err, "no results")
}
