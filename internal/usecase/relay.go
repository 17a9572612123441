package usecase

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"strings"
	"time"

	"wechat-relay/internal/domain"
	"wechat-relay/internal/wechat"
)

const defaultDispatchTimeout = 10 * time.Second

const (
	replyInstructions = "发送以下命令绑定你的 Agent 运行时：\n" +
		"bind <endpoint> <token>\n\n" +
		"例如：bind https://agent.example.com/webhook your-token\n\n" +
		"解除绑定：unbind\n查看状态：status"
	replyWelcome      = "👋 欢迎关注！\n\n" + replyInstructions
	replyOnboarding   = "你还没有绑定 Agent 运行时。\n\n" + replyInstructions
	replyBindOK       = "✅ 绑定成功！\n端点: %s\n\n现在可以直接发送消息了。"
	replyBindInvalid  = "❌ 无效的 URL 格式：%s\n请使用以 http:// 或 https:// 开头的完整地址。"
	replyUnbindOK     = "✅ 已解除绑定。"
	replyStatusBound  = "当前绑定：\n端点: %s\n令牌: %s\n绑定时间: %s"
	replyProcessing   = "⏳ 正在处理中，请稍候..."
	replyUnavailable  = "⚠️ 服务暂时不可用，请稍后再试。"
	bindingTimeLayout = "2006-01-02 15:04:05"
)

// BindingStore is the durable Credential Store keyed by OpenID.
type BindingStore interface {
	GetBinding(ctx context.Context, openID string) (domain.Binding, bool, error)
	PutBinding(ctx context.Context, b domain.Binding) error
	DeleteBinding(ctx context.Context, openID string) error
}

// TaskDispatcher posts a task envelope to a runtime endpoint.
type TaskDispatcher interface {
	Dispatch(ctx context.Context, endpoint, token string, task domain.TaskEnvelope) error
}

// BackgroundRunner runs work detached from the calling request.
type BackgroundRunner interface {
	Go(name string, timeout time.Duration, fn func(ctx context.Context) error) bool
}

// RelayService decides what to do with one inbound platform message: answer
// a command, onboard an unbound sender, or forward the task to the runtime.
type RelayService struct {
	bindings        BindingStore
	dispatcher      TaskDispatcher
	runner          BackgroundRunner
	callbackBase    string
	dispatchTimeout time.Duration
	logger          *slog.Logger
	now             func() time.Time
}

type RelayOption func(*RelayService)

func WithDispatchTimeout(d time.Duration) RelayOption {
	return func(s *RelayService) { s.dispatchTimeout = d }
}

func WithRelayLogger(l *slog.Logger) RelayOption {
	return func(s *RelayService) { s.logger = l }
}

func NewRelayService(bindings BindingStore, dispatcher TaskDispatcher, runner BackgroundRunner, baseURL string, opts ...RelayOption) (*RelayService, error) {
	if bindings == nil {
		return nil, errors.New("usecase: binding store must not be nil")
	}
	if dispatcher == nil {
		return nil, errors.New("usecase: dispatcher must not be nil")
	}
	if runner == nil {
		return nil, errors.New("usecase: background runner must not be nil")
	}
	baseURL = strings.TrimRight(strings.TrimSpace(baseURL), "/")
	if err := validateEndpoint(baseURL); err != nil {
		return nil, fmt.Errorf("usecase: invalid base URL %q: %w", baseURL, err)
	}
	s := &RelayService{
		bindings:        bindings,
		dispatcher:      dispatcher,
		runner:          runner,
		callbackBase:    baseURL,
		dispatchTimeout: defaultDispatchTimeout,
		logger:          slog.Default(),
		now:             time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

// Handle returns the passive reply for msg. An empty reply means nothing
// should be said. Store failures are returned as errors; callers still owe
// the platform a 200 and should fall back to FallbackReply.
func (s *RelayService) Handle(ctx context.Context, msg domain.InboundMessage) (string, error) {
	switch {
	case msg.IsEvent(domain.EventSubscribe):
		return replyWelcome, nil
	case msg.IsEvent(domain.EventUnsubscribe):
		return "", nil
	}

	if msg.MsgType == domain.MsgTypeText {
		cmd := ParseCommand(msg.Content)
		switch cmd.Kind {
		case CommandBind:
			return s.bind(ctx, msg.FromUser, cmd)
		case CommandUnbind:
			return s.unbind(ctx, msg.FromUser)
		case CommandStatus:
			return s.status(ctx, msg.FromUser)
		}
	}

	b, ok, err := s.bindings.GetBinding(ctx, msg.FromUser)
	if err != nil {
		return "", newError(ErrorInternal, "binding_read_error", err)
	}
	if !ok {
		return replyOnboarding, nil
	}

	task := s.taskEnvelope(msg)
	accepted := s.runner.Go("dispatch", s.dispatchTimeout, func(ctx context.Context) error {
		if err := s.dispatcher.Dispatch(ctx, b.Endpoint, b.Token, task); err != nil {
			return fmt.Errorf("dispatch for %s to %s: %w", msg.FromUser, b.Endpoint, err)
		}
		s.logger.Info("task dispatched", "openid", msg.FromUser, "endpoint", b.Endpoint, "msg_type", msg.MsgType)
		return nil
	})
	if !accepted {
		return replyUnavailable, nil
	}
	return replyProcessing, nil
}

// FallbackReply is what to tell the user when Handle fails.
func FallbackReply() string {
	return replyUnavailable
}

// CallbackURL is where the runtime reports results for openID.
func (s *RelayService) CallbackURL(openID string) string {
	return s.callbackBase + "/callback/" + url.PathEscape(openID)
}

func (s *RelayService) taskEnvelope(msg domain.InboundMessage) domain.TaskEnvelope {
	return domain.TaskEnvelope{
		Task:        wechat.TaskText(msg),
		CallbackURL: s.CallbackURL(msg.FromUser),
		Metadata: domain.TaskMetadata{
			OpenID:    msg.FromUser,
			MsgType:   msg.MsgType,
			MsgID:     msg.MsgID,
			Timestamp: msg.CreateTime,
			Event:     msg.Event,
		},
	}
}

func (s *RelayService) bind(ctx context.Context, openID string, cmd Command) (string, error) {
	if err := validateEndpoint(cmd.Endpoint); err != nil {
		s.logger.Info("bind rejected", "openid", openID, "reason", err)
		return fmt.Sprintf(replyBindInvalid, cmd.Endpoint), nil
	}
	b := domain.Binding{
		OpenID:    openID,
		Endpoint:  cmd.Endpoint,
		Token:     cmd.Token,
		CreatedAt: s.now().UTC(),
	}
	if err := s.bindings.PutBinding(ctx, b); err != nil {
		return "", newError(ErrorInternal, "binding_write_error", err)
	}
	s.logger.Info("binding saved", "openid", openID, "endpoint", cmd.Endpoint)
	return fmt.Sprintf(replyBindOK, cmd.Endpoint), nil
}

func (s *RelayService) unbind(ctx context.Context, openID string) (string, error) {
	if err := s.bindings.DeleteBinding(ctx, openID); err != nil {
		return "", newError(ErrorInternal, "binding_delete_error", err)
	}
	s.logger.Info("binding removed", "openid", openID)
	return replyUnbindOK, nil
}

func (s *RelayService) status(ctx context.Context, openID string) (string, error) {
	b, ok, err := s.bindings.GetBinding(ctx, openID)
	if err != nil {
		return "", newError(ErrorInternal, "binding_read_error", err)
	}
	if !ok {
		return replyOnboarding, nil
	}
	return fmt.Sprintf(replyStatusBound, b.Endpoint, maskToken(b.Token), b.CreatedAt.Format(bindingTimeLayout)), nil
}
