// Package broker is a small in-process service runtime.
//
// Services register named actions and event handlers. Call validates params
// with ozzo-validation rules, serves cacheable actions through a
// cache.CacheService and falls back to Action.Fallback on handler errors.
// Broadcast delivers events to local services and, through a
// transport.Transporter, to every other node. A remote "cache.clean.<svc>"
// event drops the "<svc>." entries of the local cache.
//
// Every call is counted in prometheus and traced with one otel span.
package broker
