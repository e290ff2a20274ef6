// Package repositorycache adds read-through caching to a dbmixin Store for
// callers that use the table helpers directly instead of broker actions.
//
// Reads are cached under the store namespace:
//
//	<namespace>.find:<field>|<op>|<value>|...
//	<namespace>.findById:<id>
//
// with the context tenant appended when present. The decorator tracks every
// key it hands out and, after a successful Insert, Update or Delete, deletes
// the keys under "<namespace>.". Failed writes leave the cache alone.
//
// Basic usage:
//
//	mixin, _ := dbmixin.New(opts, dbmixin.Hooks{})
//	cached := repositorycache.New(mixin, "posts", cacheService, cache.NewDefaultKeySerializer())
//
//	rows, err := cached.Find(ctx, dbmixin.Where("title", "like", "Post%"))
//	row, err := cached.FindByID(ctx, 7)
//
// Using the broker service name as namespace keeps the decorator coherent
// with the service: a "cache.clean.<service>" event cleans "<service>.*",
// which covers both the action keys and the decorator keys.
package repositorycache
