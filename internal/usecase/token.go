package usecase

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"golang.org/x/sync/singleflight"

	"wechat-relay/internal/domain"
)

const (
	defaultTokenMargin  = 10 * time.Minute
	defaultLockTTL      = 30 * time.Second
	defaultLockBackoff  = time.Second
	defaultRefreshLimit = 2 * time.Minute
	accessTokenLockName = "access_token"
)

// TokenStore is the shared cache and refresh lock for the platform token.
// Implementations must be safe across process replicas.
type TokenStore interface {
	GetAccessToken(ctx context.Context) (domain.AccessToken, bool, error)
	PutAccessToken(ctx context.Context, token domain.AccessToken, ttl time.Duration) error
	DeleteAccessToken(ctx context.Context) error
	AcquireLock(ctx context.Context, name string, ttl time.Duration) (owner string, acquired bool, err error)
	ReleaseLock(ctx context.Context, name, owner string) error
}

// CredentialExchanger trades the application credentials for a new token.
type CredentialExchanger interface {
	FetchAccessToken(ctx context.Context) (value string, expiresIn time.Duration, err error)
}

// TokenManager hands out the shared platform access token, refreshing it
// ahead of expiry under a store-level lock.
type TokenManager struct {
	store     TokenStore
	exchanger CredentialExchanger
	logger    *slog.Logger

	margin       time.Duration
	lockTTL      time.Duration
	backoff      time.Duration
	refreshLimit time.Duration

	now   func() time.Time
	sleep func(ctx context.Context, d time.Duration) error

	group singleflight.Group
}

type TokenOption func(*TokenManager)

// WithTokenMargin sets how long before expiry a token stops being used.
func WithTokenMargin(d time.Duration) TokenOption {
	return func(m *TokenManager) { m.margin = d }
}

// WithLockTiming sets the refresh lock TTL and the contention backoff.
func WithLockTiming(ttl, backoff time.Duration) TokenOption {
	return func(m *TokenManager) {
		m.lockTTL = ttl
		m.backoff = backoff
	}
}

func WithTokenLogger(l *slog.Logger) TokenOption {
	return func(m *TokenManager) { m.logger = l }
}

func NewTokenManager(store TokenStore, exchanger CredentialExchanger, opts ...TokenOption) (*TokenManager, error) {
	if store == nil {
		return nil, errors.New("usecase: token store must not be nil")
	}
	if exchanger == nil {
		return nil, errors.New("usecase: credential exchanger must not be nil")
	}
	m := &TokenManager{
		store:        store,
		exchanger:    exchanger,
		logger:       slog.Default(),
		margin:       defaultTokenMargin,
		lockTTL:      defaultLockTTL,
		backoff:      defaultLockBackoff,
		refreshLimit: defaultRefreshLimit,
		now:          time.Now,
		sleep:        sleepContext,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m, nil
}

// Token returns a token that is valid for at least the configured margin.
// Concurrent callers in this process share one lookup or refresh.
func (m *TokenManager) Token(ctx context.Context) (string, error) {
	ch := m.group.DoChan(accessTokenLockName, func() (any, error) {
		// Detached so that one caller giving up does not fail the others.
		rctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), m.refreshLimit)
		defer cancel()
		return m.obtain(rctx)
	})
	select {
	case <-ctx.Done():
		return "", ctx.Err()
	case res := <-ch:
		if res.Err != nil {
			return "", res.Err
		}
		return res.Val.(string), nil
	}
}

// Invalidate drops the cached token so the next Token call refreshes. A
// lookup already in flight may still hand the old token to its own callers,
// but later callers start a new one.
func (m *TokenManager) Invalidate(ctx context.Context) error {
	if err := m.store.DeleteAccessToken(ctx); err != nil {
		return newError(ErrorInternal, "token_cache_delete_error", err)
	}
	m.group.Forget(accessTokenLockName)
	m.logger.Info("platform access token invalidated")
	return nil
}

func (m *TokenManager) obtain(ctx context.Context) (string, error) {
	for {
		if value, ok, err := m.cached(ctx); err != nil || ok {
			return value, err
		}

		owner, acquired, err := m.store.AcquireLock(ctx, accessTokenLockName, m.lockTTL)
		if err != nil {
			return "", newError(ErrorInternal, "token_lock_error", err)
		}
		if acquired {
			return m.refreshLocked(ctx, owner)
		}

		m.logger.Debug("token refresh in progress elsewhere, waiting", "backoff", m.backoff)
		if err := m.sleep(ctx, m.backoff); err != nil {
			return "", newError(ErrorInternal, "token_wait_cancelled", err)
		}
	}
}

func (m *TokenManager) cached(ctx context.Context) (string, bool, error) {
	tok, ok, err := m.store.GetAccessToken(ctx)
	if err != nil {
		return "", false, newError(ErrorInternal, "token_cache_read_error", err)
	}
	if ok && tok.Valid(m.now(), m.margin) {
		return tok.Value, true, nil
	}
	return "", false, nil
}

func (m *TokenManager) refreshLocked(ctx context.Context, owner string) (string, error) {
	defer func() {
		if err := m.store.ReleaseLock(context.WithoutCancel(ctx), accessTokenLockName, owner); err != nil {
			m.logger.Warn("release token lock failed", "err", err)
		}
	}()

	// Another replica may have refreshed while we waited for the lock.
	if value, ok, err := m.cached(ctx); err != nil || ok {
		return value, err
	}

	value, expiresIn, err := m.exchanger.FetchAccessToken(ctx)
	if err != nil {
		return "", newError(ErrorUpstream, "token_exchange_error", err)
	}
	tok := domain.AccessToken{Value: value, ExpiresAt: m.now().Add(expiresIn)}
	if err := m.store.PutAccessToken(ctx, tok, expiresIn); err != nil {
		m.logger.Warn("cache platform access token failed", "err", err)
	}
	m.logger.Info("platform access token refreshed", "expires_in", expiresIn)
	return value, nil
}

func sleepContext(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
