package auth

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	promtestutil "github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/StricklySoft/authgate/internal/testutil"
	"github.com/StricklySoft/authgate/internal/testutil/fixtures"
	sserr "github.com/StricklySoft/authgate/pkg/errors"
)

type permissionFixture struct {
	clock   *testClock
	fetcher *stubFetcher
	store   *MemoryGrantStore
	cache   *PermissionCache
}

// newPermissionFixture builds a cache whose fetcher returns resources,
// stamped with the fixture clock and a one minute TTL.
func newPermissionFixture(t *testing.T, resources ...string) *permissionFixture {
	t.Helper()
	f := &permissionFixture{
		clock: newTestClock(time.Now()),
		store: NewMemoryGrantStore(100),
	}
	f.fetcher = &stubFetcher{fn: func(context.Context, *VerifiedIdentity, string) (*ResourceGrant, error) {
		return &ResourceGrant{Resources: resources, FetchedAt: f.clock.Now(), TTL: time.Minute}, nil
	}}
	cache, err := NewPermissionCache(testPermissionConfig("http://authz.invalid"), f.fetcher, f.store, WithClock(f.clock.Now))
	require.NoError(t, err)
	f.cache = cache
	return f
}

func TestNewPermissionCache_RequiresFetcher(t *testing.T) {
	t.Parallel()
	_, err := NewPermissionCache(PermissionConfig{}, nil, nil)
	testutil.RequireErrorCode(t, err, sserr.CodeInternalConfiguration)
}

func TestPermissionCache_HitDoesNotFetch(t *testing.T) {
	t.Parallel()
	f := newPermissionFixture(t, fixtures.ResourceB, fixtures.ResourceA)

	for range 3 {
		g, err := f.cache.Resolve(context.Background(), testIdentity, "")
		require.NoError(t, err)
		assert.Equal(t, []string{fixtures.ResourceA, fixtures.ResourceB}, g.Resources)
	}
	assert.Equal(t, int32(1), f.fetcher.calls.Load())
}

func TestPermissionCache_ConcurrentMissesFetchOnce(t *testing.T) {
	t.Parallel()
	f := newPermissionFixture(t, fixtures.ResourceA)
	release := make(chan struct{})
	inner := f.fetcher.fn
	f.fetcher.fn = func(ctx context.Context, id *VerifiedIdentity, bearer string) (*ResourceGrant, error) {
		<-release
		return inner(ctx, id, bearer)
	}

	const callers = 50
	var wg sync.WaitGroup
	results := make([]*ResourceGrant, callers)
	errs := make([]error, callers)
	for i := range callers {
		wg.Add(1)
		go func() {
			defer wg.Done()
			results[i], errs[i] = f.cache.Resolve(context.Background(), testIdentity, "")
		}()
	}
	require.Eventually(t, func() bool { return f.fetcher.calls.Load() == 1 }, time.Second, time.Millisecond)
	time.Sleep(50 * time.Millisecond)
	close(release)
	wg.Wait()

	assert.Equal(t, int32(1), f.fetcher.calls.Load(), "concurrent misses must collapse into one call")
	for i := range callers {
		require.NoError(t, errs[i])
		assert.Equal(t, []string{fixtures.ResourceA}, results[i].Resources)
	}
}

func TestPermissionCache_SubjectsAreIndependent(t *testing.T) {
	t.Parallel()
	f := newPermissionFixture(t, fixtures.ResourceA)

	_, err := f.cache.Resolve(context.Background(), testIdentity, "")
	require.NoError(t, err)
	_, err = f.cache.Resolve(context.Background(), &VerifiedIdentity{Subject: fixtures.AltSubject}, "")
	require.NoError(t, err)
	assert.Equal(t, int32(2), f.fetcher.calls.Load())
}

func TestPermissionCache_StaleGrantIsRefetched(t *testing.T) {
	t.Parallel()
	f := newPermissionFixture(t, fixtures.ResourceA)

	_, err := f.cache.Resolve(context.Background(), testIdentity, "")
	require.NoError(t, err)
	f.clock.Advance(time.Minute)

	g, err := f.cache.Resolve(context.Background(), testIdentity, "")
	require.NoError(t, err)
	assert.Equal(t, int32(2), f.fetcher.calls.Load())
	assert.True(t, g.Fresh(f.clock.Now()))
}

func TestPermissionCache_NeverServesStaleGrantOnFailure(t *testing.T) {
	t.Parallel()
	f := newPermissionFixture(t, fixtures.ResourceA)
	_, err := f.cache.Resolve(context.Background(), testIdentity, "")
	require.NoError(t, err)
	key := f.cache.Key(testIdentity.Subject)
	before, _, _ := f.store.Get(context.Background(), key)

	f.clock.Advance(61 * time.Second)
	f.fetcher.fn = func(context.Context, *VerifiedIdentity, string) (*ResourceGrant, error) {
		return nil, sserr.New(sserr.CodeResolutionFailed, "authorization service down")
	}

	g, err := f.cache.Resolve(context.Background(), testIdentity, "")
	testutil.RequireErrorCode(t, err, sserr.CodeResolutionFailed)
	assert.Nil(t, g)

	after, ok, _ := f.store.Get(context.Background(), key)
	require.True(t, ok, "a failed resolution leaves the store untouched")
	assert.Equal(t, before, after)
}

func TestPermissionCache_ColdFailureFailsClosed(t *testing.T) {
	t.Parallel()
	f := newPermissionFixture(t)
	f.fetcher.fn = func(context.Context, *VerifiedIdentity, string) (*ResourceGrant, error) {
		return nil, errors.New("dial tcp: connection refused")
	}

	_, err := f.cache.Resolve(context.Background(), testIdentity, "")
	testutil.RequireErrorCode(t, err, sserr.CodeResolutionFailed)
	assert.Equal(t, 0, f.store.Len())
}

func TestPermissionCache_Invalidate(t *testing.T) {
	t.Parallel()
	f := newPermissionFixture(t, fixtures.ResourceA)
	_, err := f.cache.Resolve(context.Background(), testIdentity, "")
	require.NoError(t, err)

	require.NoError(t, f.cache.Invalidate(context.Background(), testIdentity.Subject))
	assert.Equal(t, 0, f.store.Len())

	_, err = f.cache.Resolve(context.Background(), testIdentity, "")
	require.NoError(t, err)
	assert.Equal(t, int32(2), f.fetcher.calls.Load())
}

func TestPermissionCache_SubjectsDifferingInCaseAreIndependent(t *testing.T) {
	t.Parallel()
	f := newPermissionFixture(t)
	f.fetcher.fn = func(_ context.Context, id *VerifiedIdentity, _ string) (*ResourceGrant, error) {
		return &ResourceGrant{Resources: []string{"res-of-" + id.Subject}, FetchedAt: f.clock.Now(), TTL: time.Minute}, nil
	}

	upper, err := f.cache.Resolve(context.Background(), &VerifiedIdentity{Subject: "AbC"}, "")
	require.NoError(t, err)
	lower, err := f.cache.Resolve(context.Background(), &VerifiedIdentity{Subject: "abc"}, "")
	require.NoError(t, err)

	assert.Equal(t, []string{"res-of-AbC"}, upper.Resources)
	assert.Equal(t, []string{"res-of-abc"}, lower.Resources)
	assert.Equal(t, int32(2), f.fetcher.calls.Load())
	assert.NotEqual(t, f.cache.Key("AbC"), f.cache.Key("abc"))
}

func TestPermissionCache_InvalidateDuringFetchIsNotUndone(t *testing.T) {
	t.Parallel()
	f := newPermissionFixture(t, fixtures.ResourceA)
	entered := make(chan struct{})
	release := make(chan struct{})
	inner := f.fetcher.fn
	f.fetcher.fn = func(ctx context.Context, id *VerifiedIdentity, bearer string) (*ResourceGrant, error) {
		if f.fetcher.calls.Load() == 1 {
			close(entered)
			<-release
		}
		return inner(ctx, id, bearer)
	}

	done := make(chan struct{})
	var (
		g   *ResourceGrant
		err error
	)
	go func() {
		defer close(done)
		g, err = f.cache.Resolve(context.Background(), testIdentity, "")
	}()

	<-entered
	require.NoError(t, f.cache.Invalidate(context.Background(), testIdentity.Subject))
	close(release)
	<-done

	require.NoError(t, err)
	assert.Equal(t, []string{fixtures.ResourceA}, g.Resources, "waiters still receive the fetched grant")
	assert.Equal(t, 0, f.store.Len(), "a grant fetched before invalidation must not be stored")

	_, err = f.cache.Resolve(context.Background(), testIdentity, "")
	require.NoError(t, err)
	assert.Equal(t, int32(2), f.fetcher.calls.Load())
	assert.Equal(t, 1, f.store.Len())
}

func TestPermissionCache_CancelledCallerDoesNotAbortFetch(t *testing.T) {
	t.Parallel()
	f := newPermissionFixture(t, fixtures.ResourceA)
	inner := f.fetcher.fn
	f.fetcher.fn = func(ctx context.Context, id *VerifiedIdentity, bearer string) (*ResourceGrant, error) {
		time.Sleep(100 * time.Millisecond)
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		return inner(ctx, id, bearer)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	_, err := f.cache.Resolve(ctx, testIdentity, "")
	testutil.RequireErrorCode(t, err, sserr.CodeResolutionFailed)

	require.Eventually(t, func() bool { return f.store.Len() == 1 }, 2*time.Second, 10*time.Millisecond)
}

// faultyStore fails every operation.
type faultyStore struct{}

func (faultyStore) Get(context.Context, string) (*ResourceGrant, bool, error) {
	return nil, false, errors.New("store unreachable")
}

func (faultyStore) Put(context.Context, string, *ResourceGrant) error {
	return errors.New("store unreachable")
}

func (faultyStore) Delete(context.Context, string) error {
	return errors.New("store unreachable")
}

func TestPermissionCache_StoreFailuresDoNotFailRequests(t *testing.T) {
	t.Parallel()
	fetcher := &stubFetcher{fn: func(context.Context, *VerifiedIdentity, string) (*ResourceGrant, error) {
		return &ResourceGrant{Resources: []string{fixtures.ResourceA}}, nil
	}}
	m := NewMetrics(nil)
	cache, err := NewPermissionCache(testPermissionConfig("http://authz.invalid"), fetcher, faultyStore{}, WithMetrics(m))
	require.NoError(t, err)

	g, err := cache.Resolve(context.Background(), testIdentity, "")
	require.NoError(t, err)
	assert.Equal(t, []string{fixtures.ResourceA}, g.Resources)
	assert.Equal(t, DefaultGrantTTL, g.TTL, "unset TTL falls back to the default")
	assert.Equal(t, 1.0, promtestutil.ToFloat64(m.grantLookups.WithLabelValues("miss")))
	assert.GreaterOrEqual(t, promtestutil.ToFloat64(m.grantLookups.WithLabelValues("store_error")), 2.0)

	err = cache.Invalidate(context.Background(), testIdentity.Subject)
	testutil.RequireErrorCode(t, err, sserr.CodeInternalStore)
}

func TestPermissionCache_KeyUsesPrefixAndHash(t *testing.T) {
	t.Parallel()
	f := newPermissionFixture(t)
	assert.Equal(t, DefaultGrantKeyPrefix+SubjectHash(fixtures.Subject), f.cache.Key(fixtures.Subject))
}
