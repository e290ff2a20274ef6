// Package dbmixin attaches CRUD actions backed by a SQL table to a broker
// service.
//
// A Mixin is built from Options describing one table (schema, name, id column
// and an optional tenant column) and a set of lifecycle Hooks. Apply merges
// five actions into a broker.Service:
//
//	find        field?, value?, operator?   cached
//	findById    <idField>                   cached
//	insert      entity
//	updateById  <idField>, entity
//	deleteById  <idField>
//
// Queries are built with bun and run on a connection owned by the mixin and
// opened when the service starts. Every successful write calls EntityChanged,
// which broadcasts "cache.clean.<service>", drops the "<service>." entries of
// the broker cache and runs the matching hook.
//
// Filters are a list of AND-combined conditions. Where builds a single
// predicate with any supported operator and Match builds equality predicates
// from a column to value map:
//
//	rows, err := m.Find(ctx, dbmixin.Where("id", ">", 10))
//	rows, err := m.Find(ctx, dbmixin.Match(dbmixin.Entity{"title": "Post 1"}))
//
// When a tenant column is configured every query built by the mixin is scoped
// to the tenant found in the context (see ContextWithTenant) or in the request
// meta.
package dbmixin
