package repository

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"

	"wechat-relay/internal/domain"
)

type memoryLock struct {
	owner   string
	expires time.Time
}

// MemoryStore is a single-process backend for local runs and tests. State
// is lost on restart and not shared between replicas.
type MemoryStore struct {
	mu         sync.Mutex
	bindings   map[string]domain.Binding
	token      domain.AccessToken
	tokenUntil time.Time
	hasToken   bool
	locks      map[string]memoryLock
	now        func() time.Time
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		bindings: map[string]domain.Binding{},
		locks:    map[string]memoryLock{},
		now:      time.Now,
	}
}

func (m *MemoryStore) GetBinding(_ context.Context, openID string) (domain.Binding, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	b, ok := m.bindings[openID]
	return b, ok, nil
}

func (m *MemoryStore) PutBinding(_ context.Context, b domain.Binding) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.bindings[b.OpenID] = b
	return nil
}

func (m *MemoryStore) DeleteBinding(_ context.Context, openID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.bindings, openID)
	return nil
}

func (m *MemoryStore) GetAccessToken(context.Context) (domain.AccessToken, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.hasToken || !m.now().Before(m.tokenUntil) {
		return domain.AccessToken{}, false, nil
	}
	return m.token, true, nil
}

func (m *MemoryStore) PutAccessToken(_ context.Context, tok domain.AccessToken, ttl time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.token = tok
	m.tokenUntil = m.now().Add(ttl)
	m.hasToken = true
	return nil
}

func (m *MemoryStore) DeleteAccessToken(context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.token, m.hasToken = domain.AccessToken{}, false
	return nil
}

func (m *MemoryStore) AcquireLock(_ context.Context, name string, ttl time.Duration) (string, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := m.now()
	if l, ok := m.locks[name]; ok && now.Before(l.expires) {
		return "", false, nil
	}
	owner := uuid.NewString()
	m.locks[name] = memoryLock{owner: owner, expires: now.Add(ttl)}
	return owner, true, nil
}

func (m *MemoryStore) ReleaseLock(_ context.Context, name, owner string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if l, ok := m.locks[name]; ok && l.owner == owner {
		delete(m.locks, name)
	}
	return nil
}
