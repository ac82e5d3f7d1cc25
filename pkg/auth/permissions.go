package auth

import (
	"context"
	"sync"

	"go.opentelemetry.io/otel/attribute"
	"golang.org/x/sync/singleflight"

	sserr "github.com/StricklySoft/authgate/pkg/errors"
)

// PermissionCache serves resource grants keyed by subject hash and asks
// the [GrantFetcher] when an entry is absent or stale.
//
// A grant is never served once its age reaches the TTL. If the fetcher
// fails, the request fails with [sserr.CodeResolutionFailed] and the store
// is left as it was; no stale fallback exists. Concurrent misses for the
// same subject collapse into one fetch. The fetch runs detached from the
// caller's context and still populates the store if every waiter gives up.
// A fetch that overlaps [PermissionCache.Invalidate] answers its waiters
// but never writes to the store.
//
// PermissionCache is safe for concurrent use.
type PermissionCache struct {
	fetcher GrantFetcher
	store   GrantStore
	prefix  string
	group   singleflight.Group
	opts    options

	// generations counts invalidations per key. Keys are only added by
	// Invalidate.
	genMu       sync.Mutex
	generations map[string]uint64
}

// NewPermissionCache creates a cache in front of fetcher. A nil store
// means a [MemoryGrantStore] bounded by cfg.MaxEntries.
func NewPermissionCache(cfg PermissionConfig, fetcher GrantFetcher, store GrantStore, opts ...Option) (*PermissionCache, error) {
	if fetcher == nil {
		return nil, sserr.New(sserr.CodeInternalConfiguration, "auth: grant fetcher is required")
	}
	if store == nil {
		store = NewMemoryGrantStore(cfg.MaxEntries)
	}
	prefix := cfg.KeyPrefix
	if prefix == "" {
		prefix = DefaultGrantKeyPrefix
	}
	return &PermissionCache{
		fetcher:     fetcher,
		store:       store,
		prefix:      prefix,
		opts:        buildOptions(opts),
		generations: make(map[string]uint64),
	}, nil
}

// Key returns the store key of subject.
func (c *PermissionCache) Key(subject string) string {
	return c.prefix + SubjectHash(subject)
}

// Resolve returns a fresh grant for id. bearer is forwarded to the
// authorization service when the resolver is configured to do so.
func (c *PermissionCache) Resolve(ctx context.Context, id *VerifiedIdentity, bearer string) (*ResourceGrant, error) {
	if id == nil || id.Subject == "" {
		return nil, sserr.New(sserr.CodeValidationRequired, "auth: subject is required to resolve permissions")
	}
	key := c.Key(id.Subject)

	ctx, span := startSpan(ctx, c.opts.tracer, "auth.PermissionCache.Resolve")
	span.SetAttributes(attribute.String("auth.subject_hash", SubjectHash(id.Subject)))

	if g, ok := c.lookup(ctx, key); ok {
		c.opts.metrics.grantLookup("hit")
		span.SetAttributes(attribute.Bool("auth.cache_hit", true))
		finishSpan(span, nil)
		return g, nil
	}
	span.SetAttributes(attribute.Bool("auth.cache_hit", false))

	ch := c.group.DoChan(key, func() (any, error) {
		return c.fill(context.WithoutCancel(ctx), key, id, bearer)
	})

	var (
		grant *ResourceGrant
		err   error
	)
	select {
	case res := <-ch:
		if res.Err != nil {
			err = res.Err
		} else {
			grant = res.Val.(*ResourceGrant).clone()
		}
	case <-ctx.Done():
		err = sserr.Wrap(ctx.Err(), sserr.CodeResolutionFailed, "auth: gave up waiting for permission resolution")
	}
	if err != nil {
		c.opts.metrics.grantLookup("error")
	} else {
		c.opts.metrics.grantLookup("miss")
	}
	finishSpan(span, err)
	return grant, err
}

// fill runs once per key per flight. It checks the store again, since a
// flight that finished just before this one began may already have
// written a fresh grant.
func (c *PermissionCache) fill(ctx context.Context, key string, id *VerifiedIdentity, bearer string) (*ResourceGrant, error) {
	gen := c.generation(key)
	if g, ok := c.lookup(ctx, key); ok {
		return g, nil
	}

	g, err := c.fetcher.Fetch(ctx, id, bearer)
	if err != nil {
		if _, ok := sserr.AsError(err); !ok {
			err = sserr.Wrap(err, sserr.CodeResolutionFailed, "auth: failed to resolve permissions")
		}
		c.opts.logger.WarnContext(ctx, "auth: permission resolution failed",
			"subject_hash", SubjectHash(id.Subject),
			"error", err,
		)
		return nil, err
	}
	if g == nil {
		return nil, sserr.New(sserr.CodeResolutionFailed, "auth: authorization service returned no grant")
	}

	g = g.clone()
	g.Resources = normalizeResources(g.Resources)
	if g.FetchedAt.IsZero() {
		g.FetchedAt = c.opts.now()
	}
	if g.TTL <= 0 {
		g.TTL = DefaultGrantTTL
	}

	if c.generation(key) != gen {
		c.opts.logger.InfoContext(ctx, "auth: grant invalidated during resolution, not storing",
			"subject_hash", SubjectHash(id.Subject),
		)
		return g, nil
	}
	if err := c.store.Put(ctx, key, g); err != nil {
		c.opts.metrics.grantLookup("store_error")
		c.opts.logger.WarnContext(ctx, "auth: failed to store grant",
			"subject_hash", SubjectHash(id.Subject),
			"error", err,
		)
		return g, nil
	}
	// Invalidate may have run between the check and the write.
	if c.generation(key) != gen {
		if err := c.store.Delete(ctx, key); err != nil {
			c.opts.logger.WarnContext(ctx, "auth: failed to drop grant invalidated during resolution",
				"subject_hash", SubjectHash(id.Subject),
				"error", err,
			)
		}
	}
	return g, nil
}

func (c *PermissionCache) generation(key string) uint64 {
	c.genMu.Lock()
	defer c.genMu.Unlock()
	return c.generations[key]
}

// lookup returns the stored grant for key when it is fresh. Store errors
// count as a miss.
func (c *PermissionCache) lookup(ctx context.Context, key string) (*ResourceGrant, bool) {
	g, ok, err := c.store.Get(ctx, key)
	if err != nil {
		c.opts.metrics.grantLookup("store_error")
		c.opts.logger.WarnContext(ctx, "auth: grant store read failed, treating as miss",
			"key", key,
			"error", err,
		)
		return nil, false
	}
	if !ok || !g.Fresh(c.opts.now()) {
		return nil, false
	}
	return g, true
}

// Invalidate drops the stored grant of subject so that the next request
// resolves it again. A resolution already in flight for subject still
// answers its waiters but does not store its grant. It is an
// administrative operation; request handling never invalidates.
func (c *PermissionCache) Invalidate(ctx context.Context, subject string) error {
	key := c.Key(subject)
	c.genMu.Lock()
	c.generations[key]++
	c.genMu.Unlock()
	c.group.Forget(key)
	if err := c.store.Delete(ctx, key); err != nil {
		return sserr.Wrap(err, sserr.CodeInternalStore, "auth: failed to invalidate grant")
	}
	c.opts.logger.InfoContext(ctx, "auth: grant invalidated", "subject_hash", SubjectHash(subject))
	return nil
}
