package auth

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/StricklySoft/authgate/internal/testutil/fixtures"
	"github.com/StricklySoft/authgate/pkg/clients/redis"
	sserr "github.com/StricklySoft/authgate/pkg/errors"
)

func TestNormalizeResources(t *testing.T) {
	t.Parallel()
	got := normalizeResources([]string{" cust-b", "cust-a", "", "cust-b", "  "})
	assert.Equal(t, []string{"cust-a", "cust-b"}, got)
	assert.NotNil(t, normalizeResources(nil))
}

func TestSubjectHash(t *testing.T) {
	t.Parallel()
	h := SubjectHash(fixtures.Email)
	assert.Len(t, h, 32)
	assert.Equal(t, h, SubjectHash("  "+fixtures.Email+" "))
	assert.NotEqual(t, h, SubjectHash("ALICE@example.com"), "subjects are case-sensitive")
	assert.NotEqual(t, h, SubjectHash(fixtures.AltEmail))
}

func TestResourceGrant_FreshAndContains(t *testing.T) {
	t.Parallel()
	now := time.Now()
	g := &ResourceGrant{Resources: []string{"a", "c"}, FetchedAt: now, TTL: time.Minute}

	assert.True(t, g.Fresh(now.Add(59*time.Second)))
	assert.False(t, g.Fresh(now.Add(time.Minute)), "a grant is stale once its age reaches the TTL")
	assert.True(t, g.Contains("c"))
	assert.False(t, g.Contains("b"))

	var nilGrant *ResourceGrant
	assert.False(t, nilGrant.Fresh(now))
	assert.False(t, nilGrant.Contains("a"))
}

func TestMemoryGrantStore_CopiesOnReadAndWrite(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	store := NewMemoryGrantStore(10)
	g := &ResourceGrant{Resources: []string{"a"}, FetchedAt: time.Now(), TTL: time.Minute}
	require.NoError(t, store.Put(ctx, "k", g))

	g.Resources[0] = "mutated"
	got, ok, err := store.Get(ctx, "k")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, []string{"a"}, got.Resources)

	got.Resources[0] = "mutated"
	again, _, _ := store.Get(ctx, "k")
	assert.Equal(t, []string{"a"}, again.Resources)

	require.NoError(t, store.Delete(ctx, "k"))
	_, ok, err = store.Get(ctx, "k")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestMemoryGrantStore_EvictsOldest(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	store := NewMemoryGrantStore(3)
	base := time.Now()
	for i := range 3 {
		require.NoError(t, store.Put(ctx, fmt.Sprintf("k%d", i), &ResourceGrant{
			FetchedAt: base.Add(time.Duration(i) * time.Second),
			TTL:       time.Hour,
		}))
	}
	require.NoError(t, store.Put(ctx, "k3", &ResourceGrant{FetchedAt: base.Add(3 * time.Second), TTL: time.Hour}))

	assert.Equal(t, 3, store.Len())
	_, ok, _ := store.Get(ctx, "k0")
	assert.False(t, ok, "the oldest grant is evicted")
	_, ok, _ = store.Get(ctx, "k3")
	assert.True(t, ok)
}

func TestMemoryGrantStore_EvictsExpiredFirst(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	store := NewMemoryGrantStore(2)
	now := time.Now()
	require.NoError(t, store.Put(ctx, "fresh", &ResourceGrant{FetchedAt: now.Add(-time.Second), TTL: time.Hour}))
	require.NoError(t, store.Put(ctx, "stale", &ResourceGrant{FetchedAt: now, TTL: -time.Second}))
	require.NoError(t, store.Put(ctx, "new", &ResourceGrant{FetchedAt: now, TTL: time.Hour}))

	_, ok, _ := store.Get(ctx, "fresh")
	assert.True(t, ok, "fresh entries survive while stale ones can be dropped")
	_, ok, _ = store.Get(ctx, "stale")
	assert.False(t, ok)
}

// mockRedisKV is a testify mock of RedisKV.
type mockRedisKV struct {
	mock.Mock
}

func (m *mockRedisKV) Get(ctx context.Context, key string) ([]byte, error) {
	args := m.Called(ctx, key)
	b, _ := args.Get(0).([]byte)
	return b, args.Error(1)
}

func (m *mockRedisKV) Set(ctx context.Context, key string, value []byte, expiration time.Duration) error {
	return m.Called(ctx, key, value, expiration).Error(0)
}

func (m *mockRedisKV) Del(ctx context.Context, keys ...string) (int64, error) {
	args := m.Called(ctx, keys)
	return args.Get(0).(int64), args.Error(1)
}

func TestRedisGrantStore_PutUsesRemainingTTL(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	kv := &mockRedisKV{}
	store := NewRedisGrantStore(kv)
	now := time.Now()
	store.now = func() time.Time { return now }

	g := &ResourceGrant{Resources: []string{"a"}, FetchedAt: now.Add(-20 * time.Second), TTL: time.Minute}
	kv.On("Set", ctx, "key", mock.AnythingOfType("[]uint8"), 40*time.Second).Return(nil).Once()

	require.NoError(t, store.Put(ctx, "key", g))
	kv.AssertExpectations(t)
}

func TestRedisGrantStore_SkipsStaleGrant(t *testing.T) {
	t.Parallel()
	kv := &mockRedisKV{}
	store := NewRedisGrantStore(kv)

	g := &ResourceGrant{FetchedAt: time.Now().Add(-time.Hour), TTL: time.Minute}
	require.NoError(t, store.Put(context.Background(), "key", g))
	kv.AssertNotCalled(t, "Set", mock.Anything, mock.Anything, mock.Anything, mock.Anything)
}

func TestRedisGrantStore_GetRoundTrip(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	kv := &mockRedisKV{}
	store := NewRedisGrantStore(kv)

	var stored []byte
	kv.On("Set", ctx, "key", mock.Anything, mock.Anything).
		Run(func(args mock.Arguments) { stored = args.Get(2).([]byte) }).
		Return(nil).Once()
	fetchedAt := time.Now().Truncate(time.Millisecond)
	require.NoError(t, store.Put(ctx, "key", &ResourceGrant{
		Resources:    []string{fixtures.ResourceA, fixtures.ResourceB},
		Roles:        map[string]string{fixtures.ResourceA: "viewer"},
		AccountRoles: []string{"billing"},
		Permissions:  []string{"read:logs"},
		FetchedAt:    fetchedAt,
		TTL:          time.Minute,
	}))

	kv.On("Get", ctx, "key").Return(stored, nil).Once()
	got, ok, err := store.Get(ctx, "key")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, []string{fixtures.ResourceA, fixtures.ResourceB}, got.Resources)
	assert.Equal(t, "viewer", got.Roles[fixtures.ResourceA])
	assert.Equal(t, []string{"billing"}, got.AccountRoles)
	assert.Equal(t, []string{"read:logs"}, got.Permissions)
	assert.True(t, got.FetchedAt.Equal(fetchedAt))
	assert.Equal(t, time.Minute, got.TTL)
}

func TestRedisGrantStore_GetMissAndErrors(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	kv := &mockRedisKV{}
	store := NewRedisGrantStore(kv)

	kv.On("Get", ctx, "missing").Return(nil, sserr.Wrap(redis.Nil, sserr.CodeInternalStore, "redis: get failed")).Once()
	_, ok, err := store.Get(ctx, "missing")
	require.NoError(t, err)
	assert.False(t, ok)

	kv.On("Get", ctx, "corrupt").Return([]byte("{"), nil).Once()
	_, _, err = store.Get(ctx, "corrupt")
	assert.True(t, sserr.HasCode(err, sserr.CodeInternalStore))

	boom := errors.New("connection reset")
	kv.On("Get", ctx, "down").Return(nil, boom).Once()
	_, _, err = store.Get(ctx, "down")
	assert.ErrorIs(t, err, boom)
}

func TestRedisGrantStore_Delete(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	kv := &mockRedisKV{}
	kv.On("Del", ctx, []string{"key"}).Return(int64(1), nil).Once()

	require.NoError(t, NewRedisGrantStore(kv).Delete(ctx, "key"))
	kv.AssertExpectations(t)
}
