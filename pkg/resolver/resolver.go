// Package resolver answers "does an entity with this key exist, and what
// is its handle?" using the lookup cache first and the store second.
package resolver

import (
	"context"
	"errors"
	"fmt"

	"github.com/rs/zerolog"
	"golang.org/x/sync/singleflight"

	"github.com/ha1tch/archety/pkg/cache"
	"github.com/ha1tch/archety/pkg/models"
	"github.com/ha1tch/archety/pkg/storage"
)

// ErrUnavailable wraps store failures on the resolve path
var ErrUnavailable = errors.New("store unavailable")

// Resolver resolves (kind, key) pairs to handles. A store hit is written
// back into the cache; absence is never cached because the entity may be
// created by the next flush.
type Resolver struct {
	store  storage.Store
	cache  cache.Cache
	group  singleflight.Group
	logger zerolog.Logger
}

// New creates a resolver over a store and its lookup cache
func New(store storage.Store, c cache.Cache, logger zerolog.Logger) *Resolver {
	return &Resolver{
		store:  store,
		cache:  c,
		logger: logger.With().Str("component", "resolver").Logger(),
	}
}

// Resolve returns the handle for (kind, key). found is false when the
// entity does not exist; err is non-nil when the store failed or ctx ended.
func (r *Resolver) Resolve(ctx context.Context, kind models.Kind, key string) (models.Handle, bool, error) {
	if h, err := r.cache.Get(ctx, kind, key); err == nil {
		return h, true, nil
	} else if !errors.Is(err, cache.ErrMiss) {
		r.logger.Warn().Err(err).Str("kind", string(kind)).Msg("Cache lookup failed, falling back to store")
	}

	// Concurrent misses on the same key share one store round-trip, which
	// outlives any single caller's context
	ch := r.group.DoChan(string(kind)+"\x00"+key, func() (interface{}, error) {
		lookupCtx := context.WithoutCancel(ctx)
		h, err := r.store.FindEntity(lookupCtx, kind, key)
		if err != nil {
			return models.Handle(0), err
		}
		if err := r.cache.Set(lookupCtx, kind, key, h); err != nil {
			r.logger.Warn().Err(err).Str("kind", string(kind)).Msg("Failed to populate cache")
		}
		return h, nil
	})
	var res singleflight.Result
	select {
	case res = <-ch:
	case <-ctx.Done():
		return 0, false, ctx.Err()
	}
	v, err := res.Val, res.Err
	if errors.Is(err, storage.ErrNotFound) {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, fmt.Errorf("%w: resolve %s %q: %w", ErrUnavailable, kind, key, err)
	}
	return v.(models.Handle), true, nil
}

// ResolveToken finds the identity holding a generated token. Tokens are
// looked up in the store only.
func (r *Resolver) ResolveToken(ctx context.Context, token string) (models.Handle, bool, error) {
	h, err := r.store.FindByAttr(ctx, models.KindIdentity, models.AttrGeneratedToken, token)
	if errors.Is(err, storage.ErrNotFound) {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, fmt.Errorf("%w: resolve token: %w", ErrUnavailable, err)
	}
	return h, true, nil
}

// Warm loads every entity key from an exporting store into the cache and
// returns the number of entries written.
func (r *Resolver) Warm(ctx context.Context) (int, error) {
	exporter, ok := r.store.(storage.Exporter)
	if !ok {
		return 0, fmt.Errorf("store does not support export")
	}

	n := 0
	err := exporter.ForEachEntity(ctx, func(e models.Entity) error {
		if err := r.cache.Set(ctx, e.Kind, e.Key, e.Handle); err != nil {
			return err
		}
		n++
		return nil
	})
	if err != nil {
		return n, fmt.Errorf("cache warm-up: %w", err)
	}
	r.logger.Info().Int("entries", n).Msg("Lookup cache warmed")
	return n, nil
}
