package usecase

import (
	"context"
	"crypto/subtle"
	"errors"
	"log/slog"
	"net/url"
	"strings"
	"time"

	"wechat-relay/internal/domain"
)

const (
	defaultTaskTimeout     = 5 * time.Minute
	defaultCallbackTimeout = 30 * time.Second
)

// Invoker is the single capability the runtime must provide. meta tells it
// who the task is for.
type Invoker interface {
	Invoke(ctx context.Context, task string, meta domain.TaskMetadata) (string, error)
}

// ResultPoster reports a result to the callback URL of a task.
type ResultPoster interface {
	PostResult(ctx context.Context, callbackURL, token string, res domain.ResultEnvelope) error
}

// PluginService is the runtime-side ingress: it accepts tasks, runs them in
// the background and calls back with the outcome.
type PluginService struct {
	invoker         Invoker
	poster          ResultPoster
	runner          BackgroundRunner
	token           string
	taskTimeout     time.Duration
	callbackTimeout time.Duration
	logger          *slog.Logger
	now             func() time.Time
}

type PluginOption func(*PluginService)

// WithTaskTimeouts bounds the runtime invocation and the result callback.
func WithTaskTimeouts(task, callback time.Duration) PluginOption {
	return func(s *PluginService) {
		s.taskTimeout = task
		s.callbackTimeout = callback
	}
}

func WithPluginLogger(l *slog.Logger) PluginOption {
	return func(s *PluginService) { s.logger = l }
}

// NewPluginService builds the service. An empty token disables inbound
// bearer checks and outbound callback authorization.
func NewPluginService(invoker Invoker, poster ResultPoster, runner BackgroundRunner, token string, opts ...PluginOption) (*PluginService, error) {
	if invoker == nil {
		return nil, errors.New("usecase: invoker must not be nil")
	}
	if poster == nil {
		return nil, errors.New("usecase: result poster must not be nil")
	}
	if runner == nil {
		return nil, errors.New("usecase: background runner must not be nil")
	}
	s := &PluginService{
		invoker:         invoker,
		poster:          poster,
		runner:          runner,
		token:           strings.TrimSpace(token),
		taskTimeout:     defaultTaskTimeout,
		callbackTimeout: defaultCallbackTimeout,
		logger:          slog.Default(),
		now:             time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

// Authorize checks the bearer token presented on the webhook.
func (s *PluginService) Authorize(bearer string) error {
	if s.token == "" {
		return nil
	}
	if subtle.ConstantTimeCompare([]byte(bearer), []byte(s.token)) != 1 {
		return newError(ErrorUnauthorized, "webhook_token_mismatch", nil)
	}
	return nil
}

// Accept validates task and schedules it. It returns before the runtime is
// invoked.
func (s *PluginService) Accept(_ context.Context, task domain.TaskEnvelope) error {
	if strings.TrimSpace(task.Task) == "" {
		return newError(ErrorInvalidInput, "missing_task", nil)
	}
	if strings.TrimSpace(task.CallbackURL) == "" {
		return newError(ErrorInvalidInput, "missing_callback_url", nil)
	}
	if err := validateEndpoint(task.CallbackURL); err != nil {
		return newError(ErrorInvalidInput, "invalid_callback_url", err)
	}
	if !s.runner.Go("invoke", s.taskTimeout, func(ctx context.Context) error {
		return s.run(ctx, task)
	}) {
		return newError(ErrorInternal, "runner_closed", nil)
	}
	return nil
}

func (s *PluginService) run(ctx context.Context, task domain.TaskEnvelope) error {
	start := s.now()
	text, err := s.invoker.Invoke(ctx, task.Task, task.Metadata)
	elapsed := s.now().Sub(start).Milliseconds()

	res := domain.ResultEnvelope{
		Success:  err == nil,
		Metadata: &domain.ResultMetadata{ThinkingTimeMS: &elapsed},
	}
	if err != nil {
		s.logger.Warn("runtime invocation failed", "openid", task.Metadata.OpenID, "err", err)
		res.Error = err.Error()
	} else {
		res.Result = text
	}

	// The task deadline may already have passed; the callback gets its own.
	cctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), s.callbackTimeout)
	defer cancel()
	if err := s.poster.PostResult(cctx, task.CallbackURL, s.token, res); err != nil {
		return newError(ErrorUpstream, "callback_error", err)
	}
	s.logger.Info("result reported", "openid", task.Metadata.OpenID, "callback_host", callbackHost(task.CallbackURL), "success", res.Success, "elapsed_ms", elapsed)
	return nil
}

// callbackHost is used in logs so full callback URLs do not leak.
func callbackHost(raw string) string {
	u, err := url.Parse(raw)
	if err != nil {
		return ""
	}
	return u.Host
}
