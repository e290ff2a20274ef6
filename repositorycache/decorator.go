package repositorycache

import (
	"context"
	"strings"

	"github.com/puzpuzpuz/xsync/v3"

	"github.com/goliatone/go-db-mixin/cache"
	"github.com/goliatone/go-db-mixin/dbmixin"
)

// Store is the table access surface the decorator wraps. *dbmixin.Mixin
// satisfies it.
type Store interface {
	Find(ctx context.Context, filter dbmixin.Filter) ([]dbmixin.Entity, error)
	FindByID(ctx context.Context, id any) (dbmixin.Entity, error)
	Insert(ctx context.Context, entity dbmixin.Entity, returningColumns ...string) (dbmixin.Entity, error)
	Update(ctx context.Context, field string, value any, entity dbmixin.Entity, returningColumns ...string) (dbmixin.Entity, error)
	Delete(ctx context.Context, field string, value any, returningColumns ...string) (dbmixin.Entity, error)
}

var (
	_ Store = (*dbmixin.Mixin)(nil)
	_ Store = (*CachedStore)(nil)
)

// CachedStore decorates a Store with read-through caching. Reads are keyed
// under "<namespace>." and every successful write drops those keys.
type CachedStore struct {
	base          Store
	cache         cache.CacheService
	keySerializer cache.KeySerializer
	namespace     string
	keyRegistry   *xsync.MapOf[string, struct{}]
}

// New creates a CachedStore. Use the broker service name as namespace to
// share invalidation with the service actions.
func New(base Store, namespace string, cacheService cache.CacheService, keySerializer cache.KeySerializer) *CachedStore {
	if keySerializer == nil {
		keySerializer = cache.NewDefaultKeySerializer()
	}
	return &CachedStore{
		base:          base,
		cache:         cacheService,
		keySerializer: keySerializer,
		namespace:     namespace,
		keyRegistry:   xsync.NewMapOf[string, struct{}](),
	}
}

// Namespace returns the key prefix of the store.
func (c *CachedStore) Namespace() string {
	return c.namespace
}

// Find returns the rows matching filter, from cache when possible.
func (c *CachedStore) Find(ctx context.Context, filter dbmixin.Filter) ([]dbmixin.Entity, error) {
	key := c.key(ctx, "find", filterArgs(filter)...)
	return cache.GetOrFetch(ctx, c.cache, key, func(ctx context.Context) ([]dbmixin.Entity, error) {
		return c.base.Find(ctx, filter)
	})
}

// FindByID returns the row with id, from cache when possible.
func (c *CachedStore) FindByID(ctx context.Context, id any) (dbmixin.Entity, error) {
	key := c.key(ctx, "findById", id)
	return cache.GetOrFetch(ctx, c.cache, key, func(ctx context.Context) (dbmixin.Entity, error) {
		return c.base.FindByID(ctx, id)
	})
}

// Insert writes through and invalidates the namespace.
func (c *CachedStore) Insert(ctx context.Context, entity dbmixin.Entity, returningColumns ...string) (dbmixin.Entity, error) {
	result, err := c.base.Insert(ctx, entity, returningColumns...)
	if err == nil {
		c.Invalidate(ctx)
	}
	return result, err
}

// Update writes through and invalidates the namespace.
func (c *CachedStore) Update(ctx context.Context, field string, value any, entity dbmixin.Entity, returningColumns ...string) (dbmixin.Entity, error) {
	result, err := c.base.Update(ctx, field, value, entity, returningColumns...)
	if err == nil {
		c.Invalidate(ctx)
	}
	return result, err
}

// Delete writes through and invalidates the namespace.
func (c *CachedStore) Delete(ctx context.Context, field string, value any, returningColumns ...string) (dbmixin.Entity, error) {
	result, err := c.base.Delete(ctx, field, value, returningColumns...)
	if err == nil {
		c.Invalidate(ctx)
	}
	return result, err
}

// Invalidate drops every cached read of the namespace.
func (c *CachedStore) Invalidate(ctx context.Context) error {
	return c.invalidateByPrefix(ctx, c.namespace+".")
}

// key builds "<namespace>.<op>:<args>", appending the context tenant so
// scoped reads never share an entry.
func (c *CachedStore) key(ctx context.Context, op string, args ...any) string {
	if tenant, ok := dbmixin.TenantFromContext(ctx); ok {
		args = append(args, tenant)
	}
	key := c.keySerializer.SerializeKey(c.namespace+"."+op, args...)
	c.trackKey(key)
	return key
}

func (c *CachedStore) trackKey(key string) {
	c.keyRegistry.Store(key, struct{}{})
}

// invalidateByPrefix removes the tracked keys starting with prefix. Every key
// is attempted and the first error returned.
func (c *CachedStore) invalidateByPrefix(ctx context.Context, prefix string) error {
	var firstErr error
	c.keyRegistry.Range(func(key string, _ struct{}) bool {
		if !strings.HasPrefix(key, prefix) {
			return true
		}
		if err := c.cache.Delete(ctx, key); err != nil && firstErr == nil {
			firstErr = err
		}
		c.keyRegistry.Delete(key)
		return true
	})
	return firstErr
}

// filterArgs flattens conditions into field, operator, value triples.
func filterArgs(filter dbmixin.Filter) []any {
	args := make([]any, 0, len(filter)*3)
	for _, cond := range filter {
		op := cond.Operator
		if op == "" {
			op = "="
		}
		args = append(args, cond.Field, op, cond.Value)
	}
	return args
}
