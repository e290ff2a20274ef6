// Package cache provides the caching contract shared by the broker and the
// repository decorator.
//
// # Overview
//
// Two interfaces are exported:
//
//   - CacheService: read-through lookups plus key, prefix and pattern invalidation
//   - KeySerializer: builds action cache keys from an action name and key values
//
// # Key Format
//
// Keys are namespaced by the owning service so a single prefix clean drops every
// cached result for that service:
//
//	posts.find                      no key values
//	posts.find:title|Post 1|=       field, value, operator
//	posts.findById:42               id
//
// Values are rendered deterministically: nil as "nil", slices element by element,
// maps as sorted k=v pairs. A parameter segment longer than MaxParamsLength bytes
// is replaced by its xxhash64 digest so keys stay bounded.
//
// # Invalidation
//
// Writes clean "<service>.*" through CacheService.Clean:
//
//	err := svc.Clean(ctx, "posts.*")
//
// The same pattern is used when a remote node broadcasts cache.clean.posts, so
// every node drops its copy of the service's results.
//
// # Basic Usage
//
//	service, err := cache.NewCacheService(cache.DefaultConfig())
//	key := cache.NewDefaultKeySerializer().SerializeKey("posts.findById", id)
//	row, err := cache.GetOrFetch(ctx, service, key, func(ctx context.Context) (map[string]any, error) {
//		return store.FindByID(ctx, id)
//	})
package cache
