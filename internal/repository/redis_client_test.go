package repository

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"

	"wechat-relay/internal/domain"
)

// fakeRedis keeps string values in memory and evaluates the lock release
// script natively.
type fakeRedis struct {
	mu      sync.Mutex
	values  map[string]string
	ttls    map[string]time.Duration
	err     error
	evalSha int
}

func newFakeRedis() *fakeRedis {
	return &fakeRedis{values: map[string]string{}, ttls: map[string]time.Duration{}}
}

func (f *fakeRedis) Ping(context.Context) *redis.StatusCmd {
	return redis.NewStatusResult("PONG", f.err)
}

func (f *fakeRedis) Get(_ context.Context, key string) *redis.StringCmd {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return redis.NewStringResult("", f.err)
	}
	v, ok := f.values[key]
	if !ok {
		return redis.NewStringResult("", redis.Nil)
	}
	return redis.NewStringResult(v, nil)
}

func stringify(value interface{}) string {
	switch v := value.(type) {
	case string:
		return v
	case []byte:
		return string(v)
	}
	panic("fakeRedis: unsupported value type")
}

func (f *fakeRedis) Set(_ context.Context, key string, value interface{}, expiration time.Duration) *redis.StatusCmd {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return redis.NewStatusResult("", f.err)
	}
	f.values[key] = stringify(value)
	f.ttls[key] = expiration
	return redis.NewStatusResult("OK", nil)
}

func (f *fakeRedis) SetNX(_ context.Context, key string, value interface{}, expiration time.Duration) *redis.BoolCmd {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return redis.NewBoolResult(false, f.err)
	}
	if _, ok := f.values[key]; ok {
		return redis.NewBoolResult(false, nil)
	}
	f.values[key] = stringify(value)
	f.ttls[key] = expiration
	return redis.NewBoolResult(true, nil)
}

func (f *fakeRedis) Del(_ context.Context, keys ...string) *redis.IntCmd {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return redis.NewIntResult(0, f.err)
	}
	var n int64
	for _, k := range keys {
		if _, ok := f.values[k]; ok {
			delete(f.values, k)
			n++
		}
	}
	return redis.NewIntResult(n, nil)
}

func (f *fakeRedis) compareAndDelete(keys []string, args []interface{}) *redis.Cmd {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return redis.NewCmdResult(nil, f.err)
	}
	if f.values[keys[0]] == stringify(args[0]) {
		delete(f.values, keys[0])
		return redis.NewCmdResult(int64(1), nil)
	}
	return redis.NewCmdResult(int64(0), nil)
}

func (f *fakeRedis) Eval(_ context.Context, _ string, keys []string, args ...interface{}) *redis.Cmd {
	return f.compareAndDelete(keys, args)
}

func (f *fakeRedis) EvalSha(_ context.Context, _ string, keys []string, args ...interface{}) *redis.Cmd {
	f.evalSha++
	return f.compareAndDelete(keys, args)
}

func (f *fakeRedis) EvalRO(ctx context.Context, script string, keys []string, args ...interface{}) *redis.Cmd {
	return f.Eval(ctx, script, keys, args...)
}

func (f *fakeRedis) EvalShaRO(ctx context.Context, sha string, keys []string, args ...interface{}) *redis.Cmd {
	return f.EvalSha(ctx, sha, keys, args...)
}

func (f *fakeRedis) ScriptExists(_ context.Context, hashes ...string) *redis.BoolSliceCmd {
	return redis.NewBoolSliceResult(make([]bool, len(hashes)), nil)
}

func (f *fakeRedis) ScriptLoad(_ context.Context, _ string) *redis.StringCmd {
	return redis.NewStringResult("sha", nil)
}

func TestNewRedisClient_RejectsBadURL(t *testing.T) {
	_, err := NewRedisClient("")
	require.Error(t, err)
	_, err = NewRedisClient("mysql://localhost")
	require.Error(t, err)
}

func TestNewRedisClient_ParsesURL(t *testing.T) {
	c, err := NewRedisClient("redis://localhost:6379/0")
	require.NoError(t, err)
	require.NoError(t, c.Close())
}

func TestRedisBinding_RoundTrip(t *testing.T) {
	fr := newFakeRedis()
	c := newRedisClient(fr)
	ctx := context.Background()
	created := time.Date(2026, 10, 1, 8, 0, 0, 0, time.UTC)

	require.NoError(t, c.PutBinding(ctx, domain.Binding{OpenID: "U1", Endpoint: "http://a", Token: "t1", CreatedAt: created}))
	require.Contains(t, fr.values, "wechat:binding:U1")
	require.Zero(t, fr.ttls["wechat:binding:U1"])

	b, ok, err := c.GetBinding(ctx, "U1")
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, "http://a", b.Endpoint)
	require.Equal(t, "t1", b.Token)
	require.True(t, created.Equal(b.CreatedAt))

	require.NoError(t, c.DeleteBinding(ctx, "U1"))
	_, ok, err = c.GetBinding(ctx, "U1")
	require.NoError(t, err)
	require.False(t, ok)
}

func TestRedisBinding_StoreError(t *testing.T) {
	fr := newFakeRedis()
	fr.err = errors.New("connection reset")
	c := newRedisClient(fr)

	_, _, err := c.GetBinding(context.Background(), "U1")
	require.ErrorContains(t, err, "connection reset")
	require.Error(t, c.Ping(context.Background()))
}

func TestRedisBinding_CorruptValue(t *testing.T) {
	fr := newFakeRedis()
	fr.values["wechat:binding:U1"] = "{not json"
	_, _, err := newRedisClient(fr).GetBinding(context.Background(), "U1")
	require.ErrorContains(t, err, "decode")
}

func TestRedisAccessToken_ExpiresWithTTL(t *testing.T) {
	fr := newFakeRedis()
	c := newRedisClient(fr)
	ctx := context.Background()
	tok := domain.AccessToken{Value: "at", ExpiresAt: time.Date(2026, 10, 1, 10, 0, 0, 0, time.UTC)}

	require.NoError(t, c.PutAccessToken(ctx, tok, 7200*time.Second))
	require.Equal(t, 7200*time.Second, fr.ttls["wechat:access_token"])

	got, ok, err := c.GetAccessToken(ctx)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, "at", got.Value)
	require.True(t, tok.ExpiresAt.Equal(got.ExpiresAt))

	require.NoError(t, c.DeleteAccessToken(ctx))
	_, ok, err = c.GetAccessToken(ctx)
	require.NoError(t, err)
	require.False(t, ok)
}

func TestRedisLock_ExclusiveAndOwnerChecked(t *testing.T) {
	fr := newFakeRedis()
	c := newRedisClient(fr)
	owners := []string{"a", "b"}
	c.newOwner = func() string {
		o := owners[0]
		owners = owners[1:]
		return o
	}
	ctx := context.Background()

	owner, ok, err := c.AcquireLock(ctx, "access_token", 30*time.Second)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, "a", owner)
	require.Equal(t, "a", fr.values["wechat:access_token:lock"])
	require.Equal(t, 30*time.Second, fr.ttls["wechat:access_token:lock"])

	_, ok, err = c.AcquireLock(ctx, "access_token", 30*time.Second)
	require.NoError(t, err)
	require.False(t, ok)

	// A stale owner cannot release someone else's lock.
	require.NoError(t, c.ReleaseLock(ctx, "access_token", "zzz"))
	require.Contains(t, fr.values, "wechat:access_token:lock")

	require.NoError(t, c.ReleaseLock(ctx, "access_token", "a"))
	require.NotContains(t, fr.values, "wechat:access_token:lock")
	require.Positive(t, fr.evalSha)
}
