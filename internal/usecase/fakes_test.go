package usecase

import (
	"context"
	"sync"
	"time"

	"wechat-relay/internal/domain"
)

type fakeBindings struct {
	mu      sync.Mutex
	items   map[string]domain.Binding
	getErr  error
	putErr  error
	delErr  error
	deletes int
}

func newFakeBindings(bs ...domain.Binding) *fakeBindings {
	f := &fakeBindings{items: map[string]domain.Binding{}}
	for _, b := range bs {
		f.items[b.OpenID] = b
	}
	return f
}

func (f *fakeBindings) GetBinding(_ context.Context, openID string) (domain.Binding, bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.getErr != nil {
		return domain.Binding{}, false, f.getErr
	}
	b, ok := f.items[openID]
	return b, ok, nil
}

func (f *fakeBindings) PutBinding(_ context.Context, b domain.Binding) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.putErr != nil {
		return f.putErr
	}
	f.items[b.OpenID] = b
	return nil
}

func (f *fakeBindings) DeleteBinding(_ context.Context, openID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.delErr != nil {
		return f.delErr
	}
	f.deletes++
	delete(f.items, openID)
	return nil
}

// queuedRunner records background work so tests decide when it runs.
type queuedRunner struct {
	mu     sync.Mutex
	tasks  []func(context.Context) error
	names  []string
	closed bool
	errs   []error
}

func (r *queuedRunner) Go(name string, _ time.Duration, fn func(ctx context.Context) error) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return false
	}
	r.names = append(r.names, name)
	r.tasks = append(r.tasks, fn)
	return true
}

func (r *queuedRunner) runAll() {
	r.mu.Lock()
	tasks := r.tasks
	r.tasks = nil
	r.mu.Unlock()
	for _, fn := range tasks {
		r.errs = append(r.errs, fn(context.Background()))
	}
}

func (r *queuedRunner) pending() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.tasks)
}

type dispatchCall struct {
	endpoint string
	token    string
	task     domain.TaskEnvelope
}

type fakeDispatcher struct {
	calls []dispatchCall
	err   error
}

func (f *fakeDispatcher) Dispatch(_ context.Context, endpoint, token string, task domain.TaskEnvelope) error {
	f.calls = append(f.calls, dispatchCall{endpoint: endpoint, token: token, task: task})
	return f.err
}

// memTokenStore is a process-local TokenStore with a real lock.
type memTokenStore struct {
	mu        sync.Mutex
	token     domain.AccessToken
	has       bool
	lockOwner string
	lockUntil time.Time
	now       func() time.Time
	puts      int
	deletes   int
	lockCalls int
}

func newMemTokenStore() *memTokenStore {
	return &memTokenStore{now: time.Now}
}

func (s *memTokenStore) GetAccessToken(context.Context) (domain.AccessToken, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.token, s.has, nil
}

func (s *memTokenStore) PutAccessToken(_ context.Context, tok domain.AccessToken, _ time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.token, s.has = tok, true
	s.puts++
	return nil
}

func (s *memTokenStore) DeleteAccessToken(context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.token, s.has = domain.AccessToken{}, false
	s.deletes++
	return nil
}

func (s *memTokenStore) AcquireLock(_ context.Context, _ string, ttl time.Duration) (string, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.lockCalls++
	if s.lockOwner != "" && s.now().Before(s.lockUntil) {
		return "", false, nil
	}
	s.lockOwner = "owner"
	s.lockUntil = s.now().Add(ttl)
	return s.lockOwner, true, nil
}

func (s *memTokenStore) ReleaseLock(_ context.Context, _, owner string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.lockOwner == owner {
		s.lockOwner = ""
	}
	return nil
}
