package usecase

import (
	"context"
	"crypto/subtle"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"golang.org/x/time/rate"

	"wechat-relay/internal/domain"
)

const (
	defaultChunkInterval = 100 * time.Millisecond
	resultNoContent      = "✅ 任务已完成（无返回内容）"
	resultFailedPrefix   = "❌ 任务执行失败: "
	resultUnknownError   = "未知错误"
)

// MessageSender pushes one text message through the platform's
// asynchronous send API.
type MessageSender interface {
	SendText(ctx context.Context, accessToken, openID, content string) error
}

// TokenSource provides the platform access token.
type TokenSource interface {
	Token(ctx context.Context) (string, error)
	Invalidate(ctx context.Context) error
}

// tokenRejecter is implemented by platform errors that mean the access token
// was not accepted.
type tokenRejecter interface {
	TokenRejected() bool
}

// DeliveryService turns runtime results into platform messages.
type DeliveryService struct {
	sender       MessageSender
	tokens       TokenSource
	bindings     BindingStore
	chunkLimit   int
	interval     time.Duration
	callbackAuth bool
	logger       *slog.Logger
}

type DeliveryOption func(*DeliveryService)

// WithChunking sets the per-message ceiling and the pause between chunks.
func WithChunking(limit int, interval time.Duration) DeliveryOption {
	return func(s *DeliveryService) {
		s.chunkLimit = limit
		s.interval = interval
	}
}

// WithCallbackAuth requires callbacks to present the subject's binding token.
func WithCallbackAuth(enabled bool) DeliveryOption {
	return func(s *DeliveryService) { s.callbackAuth = enabled }
}

func WithDeliveryLogger(l *slog.Logger) DeliveryOption {
	return func(s *DeliveryService) { s.logger = l }
}

func NewDeliveryService(sender MessageSender, tokens TokenSource, bindings BindingStore, opts ...DeliveryOption) (*DeliveryService, error) {
	if sender == nil {
		return nil, errors.New("usecase: message sender must not be nil")
	}
	if tokens == nil {
		return nil, errors.New("usecase: token source must not be nil")
	}
	if bindings == nil {
		return nil, errors.New("usecase: binding store must not be nil")
	}
	s := &DeliveryService{
		sender:     sender,
		tokens:     tokens,
		bindings:   bindings,
		chunkLimit: DefaultChunkLimit,
		interval:   defaultChunkInterval,
		logger:     slog.Default(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

// Authorize checks the bearer token of a callback for openID. It always
// passes unless callback authentication is enabled.
func (s *DeliveryService) Authorize(ctx context.Context, openID, bearer string) error {
	if !s.callbackAuth {
		return nil
	}
	b, ok, err := s.bindings.GetBinding(ctx, openID)
	if err != nil {
		return newError(ErrorInternal, "binding_read_error", err)
	}
	if !ok {
		return newError(ErrorUnauthorized, "callback_subject_unbound", nil)
	}
	if bearer == "" || subtle.ConstantTimeCompare([]byte(bearer), []byte(b.Token)) != 1 {
		return newError(ErrorUnauthorized, "callback_token_mismatch", nil)
	}
	return nil
}

// DeliverResult sends the composed result text to openID. Delivery does not
// depend on the subject still being bound.
func (s *DeliveryService) DeliverResult(ctx context.Context, openID string, res domain.ResultEnvelope) error {
	if strings.TrimSpace(openID) == "" {
		return newError(ErrorInvalidInput, "missing_openid", nil)
	}
	if _, ok, err := s.bindings.GetBinding(ctx, openID); err != nil {
		s.logger.Warn("binding lookup for callback failed", "openid", openID, "err", err)
	} else if !ok {
		s.logger.Info("delivering result to unbound subject", "openid", openID)
	}
	return s.Send(ctx, openID, ComposeResult(res))
}

// DeliverChunk handles one streamed piece. Only the final chunk is sent;
// the returned bool reports whether a send was attempted.
func (s *DeliveryService) DeliverChunk(ctx context.Context, openID string, chunk domain.StreamChunk) (bool, error) {
	if strings.TrimSpace(openID) == "" {
		return false, newError(ErrorInvalidInput, "missing_openid", nil)
	}
	if !chunk.Done {
		return false, nil
	}
	text := chunk.Chunk
	if strings.TrimSpace(text) == "" {
		text = resultNoContent
	}
	return true, s.Send(ctx, openID, text)
}

// ComposeResult renders a runtime result as user-facing text.
func ComposeResult(res domain.ResultEnvelope) string {
	var text string
	if res.Success {
		text = res.Result
		if strings.TrimSpace(text) == "" {
			text = resultNoContent
		}
	} else {
		reason := res.Error
		if strings.TrimSpace(reason) == "" {
			reason = resultUnknownError
		}
		text = resultFailedPrefix + reason
	}
	if res.Metadata != nil && res.Metadata.ThinkingTimeMS != nil {
		text += fmt.Sprintf("\n\n⏱️ 耗时 %.1fs", float64(*res.Metadata.ThinkingTimeMS)/1000)
	}
	return text
}

// Send splits text to fit the send API and pushes every chunk in order. All
// chunks are attempted; the call fails if any of them failed.
func (s *DeliveryService) Send(ctx context.Context, openID, text string) error {
	chunks := SplitMessage(text, s.chunkLimit)
	pace := rate.NewLimiter(rate.Every(s.interval), 1)

	var failed int
	var firstErr error
	for i, chunk := range chunks {
		if err := pace.Wait(ctx); err != nil {
			failed += len(chunks) - i
			if firstErr == nil {
				firstErr = err
			}
			break
		}
		if err := s.sendOne(ctx, openID, chunk); err != nil {
			s.logger.Warn("send chunk failed", "openid", openID, "chunk", i+1, "total", len(chunks), "err", err)
			failed++
			if firstErr == nil {
				firstErr = err
			}
		}
	}
	if failed > 0 {
		return newError(ErrorDeliveryFailed, "send_failed", fmt.Errorf("%d of %d chunks failed: %w", failed, len(chunks), firstErr))
	}
	s.logger.Info("message delivered", "openid", openID, "chunks", len(chunks))
	return nil
}

// sendOne retries exactly once with a fresh token when the platform rejects
// the current one.
func (s *DeliveryService) sendOne(ctx context.Context, openID, content string) error {
	token, err := s.tokens.Token(ctx)
	if err != nil {
		return err
	}
	err = s.sender.SendText(ctx, token, openID, content)
	if !isTokenRejected(err) {
		return err
	}

	s.logger.Warn("access token rejected by platform, refreshing", "openid", openID)
	if ierr := s.tokens.Invalidate(ctx); ierr != nil {
		s.logger.Warn("invalidate access token failed", "err", ierr)
	}
	token, err = s.tokens.Token(ctx)
	if err != nil {
		return err
	}
	return s.sender.SendText(ctx, token, openID, content)
}

func isTokenRejected(err error) bool {
	var tr tokenRejecter
	return errors.As(err, &tr) && tr.TokenRejected()
}
