package resolver_test

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ha1tch/archety/pkg/cache"
	"github.com/ha1tch/archety/pkg/models"
	"github.com/ha1tch/archety/pkg/resolver"
	"github.com/ha1tch/archety/pkg/storage"
)

// countingStore counts unique-index lookups and can simulate an outage
type countingStore struct {
	storage.Store
	finds atomic.Int64
	delay time.Duration
	down  atomic.Bool
}

func (s *countingStore) FindEntity(ctx context.Context, kind models.Kind, key string) (models.Handle, error) {
	s.finds.Add(1)
	if s.delay > 0 {
		time.Sleep(s.delay)
	}
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	if s.down.Load() {
		return 0, errors.New("connection refused")
	}
	return s.Store.FindEntity(ctx, kind, key)
}

func (s *countingStore) ForEachEntity(ctx context.Context, fn func(models.Entity) error) error {
	return s.Store.(storage.Exporter).ForEachEntity(ctx, fn)
}

func (s *countingStore) ForEachEdge(ctx context.Context, fn func(models.Edge) error) error {
	return s.Store.(storage.Exporter).ForEachEdge(ctx, fn)
}

func setup(t *testing.T) (*resolver.Resolver, *countingStore, *cache.MemoryCache) {
	t.Helper()
	store := &countingStore{Store: storage.NewMemoryStore()}
	c, err := cache.NewMemoryCache(map[models.Kind]int{models.KindIdentity: 100, models.KindPage: 100})
	require.NoError(t, err)
	return resolver.New(store, c, zerolog.Nop()), store, c
}

func seed(t *testing.T, store storage.Store, kind models.Kind, key string) models.Handle {
	t.Helper()
	ctx := context.Background()
	var h models.Handle
	require.NoError(t, storage.WithTransaction(ctx, store, func(tx storage.Tx) error {
		var err error
		h, _, err = tx.GetOrCreateEntity(ctx, kind, key, nil)
		return err
	}))
	return h
}

func TestResolve_CacheHitSkipsStore(t *testing.T) {
	r, store, c := setup(t)
	ctx := context.Background()
	require.NoError(t, c.Set(ctx, models.KindIdentity, "alice@example.com", 41))

	h, found, err := r.Resolve(ctx, models.KindIdentity, "alice@example.com")
	require.NoError(t, err)
	assert.True(t, found)
	assert.Equal(t, models.Handle(41), h)
	assert.Equal(t, int64(0), store.finds.Load())
}

func TestResolve_StoreHitPopulatesCache(t *testing.T) {
	r, store, c := setup(t)
	ctx := context.Background()
	want := seed(t, store, models.KindPage, "http://en.wikipedia.org/wiki/Tea")

	h, found, err := r.Resolve(ctx, models.KindPage, "http://en.wikipedia.org/wiki/Tea")
	require.NoError(t, err)
	assert.True(t, found)
	assert.Equal(t, want, h)

	cached, err := c.Get(ctx, models.KindPage, "http://en.wikipedia.org/wiki/Tea")
	require.NoError(t, err)
	assert.Equal(t, want, cached)

	_, _, err = r.Resolve(ctx, models.KindPage, "http://en.wikipedia.org/wiki/Tea")
	require.NoError(t, err)
	assert.Equal(t, int64(1), store.finds.Load(), "second resolve is served by the cache")
}

func TestResolve_AbsentIsNotCached(t *testing.T) {
	r, store, c := setup(t)
	ctx := context.Background()

	_, found, err := r.Resolve(ctx, models.KindIdentity, "nobody@example.com")
	require.NoError(t, err)
	assert.False(t, found)

	_, err = c.Get(ctx, models.KindIdentity, "nobody@example.com")
	assert.ErrorIs(t, err, cache.ErrMiss)

	// created later: the next resolve sees it
	want := seed(t, store, models.KindIdentity, "nobody@example.com")
	h, found, err := r.Resolve(ctx, models.KindIdentity, "nobody@example.com")
	require.NoError(t, err)
	assert.True(t, found)
	assert.Equal(t, want, h)
	assert.Equal(t, int64(2), store.finds.Load())
}

func TestResolve_StoreFailurePropagates(t *testing.T) {
	r, store, _ := setup(t)
	store.down.Store(true)

	_, found, err := r.Resolve(context.Background(), models.KindIdentity, "alice@example.com")
	assert.False(t, found)
	assert.ErrorIs(t, err, resolver.ErrUnavailable)
}

func TestResolve_ConcurrentMissesShareLookup(t *testing.T) {
	r, store, _ := setup(t)
	store.delay = 50 * time.Millisecond
	seed(t, store, models.KindIdentity, "popular@example.com")

	var wg sync.WaitGroup
	start := make(chan struct{})
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			<-start
			_, found, err := r.Resolve(context.Background(), models.KindIdentity, "popular@example.com")
			assert.NoError(t, err)
			assert.True(t, found)
		}()
	}
	close(start)
	wg.Wait()

	assert.Less(t, store.finds.Load(), int64(10))
}

func TestResolve_CancelledCallerDoesNotFailSharedLookup(t *testing.T) {
	r, store, c := setup(t)
	store.delay = 200 * time.Millisecond
	want := seed(t, store, models.KindIdentity, "shared@example.com")

	ctx, cancel := context.WithCancel(context.Background())
	leaderErr := make(chan error, 1)
	go func() {
		_, _, err := r.Resolve(ctx, models.KindIdentity, "shared@example.com")
		leaderErr <- err
	}()
	require.Eventually(t, func() bool { return store.finds.Load() == 1 }, time.Second, time.Millisecond)

	type result struct {
		h     models.Handle
		found bool
		err   error
	}
	follower := make(chan result, 1)
	go func() {
		h, found, err := r.Resolve(context.Background(), models.KindIdentity, "shared@example.com")
		follower <- result{h, found, err}
	}()
	time.Sleep(20 * time.Millisecond)
	cancel()

	assert.ErrorIs(t, <-leaderErr, context.Canceled)
	got := <-follower
	require.NoError(t, got.err)
	assert.True(t, got.found)
	assert.Equal(t, want, got.h)
	assert.Equal(t, int64(1), store.finds.Load())

	h, err := c.Get(context.Background(), models.KindIdentity, "shared@example.com")
	require.NoError(t, err)
	assert.Equal(t, want, h)
}

func TestResolveToken(t *testing.T) {
	r, store, _ := setup(t)
	ctx := context.Background()
	h := seed(t, store, models.KindIdentity, "alice@example.com")
	require.NoError(t, storage.WithTransaction(ctx, store, func(tx storage.Tx) error {
		return tx.SetAttr(ctx, h, models.AttrGeneratedToken, "abc")
	}))

	got, found, err := r.ResolveToken(ctx, "abc")
	require.NoError(t, err)
	assert.True(t, found)
	assert.Equal(t, h, got)

	_, found, err = r.ResolveToken(ctx, "nope")
	require.NoError(t, err)
	assert.False(t, found)
}

func TestWarm(t *testing.T) {
	r, store, c := setup(t)
	ctx := context.Background()
	a := seed(t, store, models.KindIdentity, "a@example.com")
	p := seed(t, store, models.KindPage, "http://en.wikipedia.org/wiki/P")

	n, err := r.Warm(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	got, err := c.Get(ctx, models.KindIdentity, "a@example.com")
	require.NoError(t, err)
	assert.Equal(t, a, got)
	got, err = c.Get(ctx, models.KindPage, "http://en.wikipedia.org/wiki/P")
	require.NoError(t, err)
	assert.Equal(t, p, got)
}
