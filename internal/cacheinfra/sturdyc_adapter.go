package cacheinfra

import (
	"context"
	"reflect"
	"strings"
	"time"

	"github.com/viccon/sturdyc"
)

// Config carries the sturdyc client settings used for action result caching.
type Config struct {
	// Capacity is the maximum number of cached action results.
	Capacity int

	// NumShards spreads keys over independently locked shards.
	NumShards int

	// TTL bounds how long a result survives when no write cleans it first.
	TTL time.Duration

	// EvictionPercentage is the share of a full shard dropped on insert (1-100).
	EvictionPercentage int

	// EarlyRefresh refreshes hot keys in the background before they expire.
	// Nil disables it.
	EarlyRefresh *EarlyRefreshConfig

	// MissingRecordStorage lets sturdyc remember keys whose fetch reported
	// sturdyc.ErrNotFound.
	MissingRecordStorage bool

	// EvictionInterval overrides how often expired entries are swept. Zero keeps
	// the sturdyc default.
	EvictionInterval time.Duration
}

// EarlyRefreshConfig mirrors sturdyc.WithEarlyRefreshes.
type EarlyRefreshConfig struct {
	MinAsyncRefreshTime time.Duration
	MaxAsyncRefreshTime time.Duration
	SyncRefreshTime     time.Duration
	RetryBaseDelay      time.Duration
}

// DefaultConfig returns the defaults used when no cache section is configured.
func DefaultConfig() Config {
	return Config{
		Capacity:           10000,
		NumShards:          256,
		TTL:                5 * time.Minute,
		EvictionPercentage: 10,
		EarlyRefresh: &EarlyRefreshConfig{
			MinAsyncRefreshTime: 10 * time.Second,
			MaxAsyncRefreshTime: 20 * time.Second,
			SyncRefreshTime:     30 * time.Second,
			RetryBaseDelay:      100 * time.Millisecond,
		},
		MissingRecordStorage: true,
	}
}

// ToSturdycOptions returns the optional sturdyc settings. The four sizing
// fields are passed to sturdyc.New directly.
func (c Config) ToSturdycOptions() []sturdyc.Option {
	var options []sturdyc.Option

	if c.EarlyRefresh != nil {
		options = append(options, sturdyc.WithEarlyRefreshes(
			c.EarlyRefresh.MinAsyncRefreshTime,
			c.EarlyRefresh.MaxAsyncRefreshTime,
			c.EarlyRefresh.SyncRefreshTime,
			c.EarlyRefresh.RetryBaseDelay,
		))
	}

	if c.MissingRecordStorage {
		options = append(options, sturdyc.WithMissingRecordStorage())
	}

	if c.EvictionInterval > 0 {
		options = append(options, sturdyc.WithEvictionInterval(c.EvictionInterval))
	}

	return options
}

// Validate reports the first invalid setting as a *ConfigError.
func (c Config) Validate() error {
	if c.Capacity <= 0 {
		return &ConfigError{Field: "Capacity", Message: "must be greater than 0"}
	}
	if c.NumShards <= 0 {
		return &ConfigError{Field: "NumShards", Message: "must be greater than 0"}
	}
	if c.TTL <= 0 {
		return &ConfigError{Field: "TTL", Message: "must be greater than 0"}
	}
	if c.EvictionPercentage < 1 || c.EvictionPercentage > 100 {
		return &ConfigError{Field: "EvictionPercentage", Message: "must be between 1 and 100"}
	}

	if early := c.EarlyRefresh; early != nil {
		durations := []struct {
			field string
			value time.Duration
		}{
			{"EarlyRefresh.MinAsyncRefreshTime", early.MinAsyncRefreshTime},
			{"EarlyRefresh.MaxAsyncRefreshTime", early.MaxAsyncRefreshTime},
			{"EarlyRefresh.SyncRefreshTime", early.SyncRefreshTime},
			{"EarlyRefresh.RetryBaseDelay", early.RetryBaseDelay},
		}
		for _, d := range durations {
			if d.value < 0 {
				return &ConfigError{Field: d.field, Message: "must be non-negative"}
			}
		}
	}

	return nil
}

// ConfigError represents a configuration validation error.
type ConfigError struct {
	Field   string
	Message string
}

// Error implements the error interface.
func (e *ConfigError) Error() string {
	return "config error in field " + e.Field + ": " + e.Message
}

// SturdycService is the sturdyc backed CacheService used for action results.
type SturdycService struct {
	client *sturdyc.Client[entry]
}

// entry boxes a fetched value so an untyped nil result, or the zero value
// returned next to a fetch error, still passes sturdyc's type assertion.
type entry struct {
	value any
}

// NewSturdycService validates cfg and builds the sturdyc client. Capacity, shard
// count, TTL and eviction percentage go to sturdyc.New, the rest through options.
func NewSturdycService(cfg Config) (*SturdycService, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	client := sturdyc.New[entry](
		cfg.Capacity,
		cfg.NumShards,
		cfg.TTL,
		cfg.EvictionPercentage,
		cfg.ToSturdycOptions()...,
	)

	return &SturdycService{client: client}, nil
}

// GetOrFetch returns the cached value for key or runs fetchFn, which must have
// the shape func(context.Context) (T, error), and stores its result.
// Fetch errors are returned and nothing is stored.
func (s *SturdycService) GetOrFetch(ctx context.Context, key string, fetchFn any) (any, error) {
	if err := validateFetchFn(fetchFn); err != nil {
		return nil, err
	}

	cached, err := s.client.GetOrFetch(ctx, key, func(ctx context.Context) (entry, error) {
		value, err := callFetchFn(ctx, fetchFn)
		return entry{value: value}, err
	})
	if err != nil {
		return nil, err
	}
	return cached.value, nil
}

// Delete removes a single key.
func (s *SturdycService) Delete(ctx context.Context, key string) error {
	s.client.Delete(key)
	return nil
}

// DeleteByPrefix removes every key starting with prefix.
func (s *SturdycService) DeleteByPrefix(ctx context.Context, prefix string) error {
	for _, key := range s.client.ScanKeys() {
		if strings.HasPrefix(key, prefix) {
			s.client.Delete(key)
		}
	}
	return nil
}

// Clean removes the keys matched by pattern: "*" clears everything, a trailing
// "*" matches by prefix and any other pattern is an exact key.
func (s *SturdycService) Clean(ctx context.Context, pattern string) error {
	switch {
	case pattern == "" || pattern == "*" || pattern == "**":
		return s.DeleteByPrefix(ctx, "")
	case strings.HasSuffix(pattern, "*"):
		return s.DeleteByPrefix(ctx, strings.TrimRight(pattern, "*"))
	default:
		return s.Delete(ctx, pattern)
	}
}

// Keys returns the keys currently held in the cache.
func (s *SturdycService) Keys() []string {
	return s.client.ScanKeys()
}

// Get returns the cached value for key without fetching.
func (s *SturdycService) Get(key string) (any, bool) {
	cached, ok := s.client.Get(key)
	return cached.value, ok
}

// validateFetchFn checks fetchFn has the shape func(context.Context) (T, error).
func validateFetchFn(fetchFn any) error {
	if fetchFn == nil {
		return &ConfigError{Field: "fetchFn", Message: "cannot be nil"}
	}

	fnType := reflect.TypeOf(fetchFn)
	if fnType.Kind() != reflect.Func {
		return &ConfigError{Field: "fetchFn", Message: "must be a function"}
	}

	if fnType.NumIn() != 1 || fnType.NumOut() != 2 {
		return &ConfigError{Field: "fetchFn", Message: "must have signature func(context.Context) (T, error)"}
	}

	contextType := reflect.TypeOf((*context.Context)(nil)).Elem()
	if !fnType.In(0).Implements(contextType) {
		return &ConfigError{Field: "fetchFn", Message: "first parameter must be context.Context"}
	}

	errorType := reflect.TypeOf((*error)(nil)).Elem()
	if !fnType.Out(1).Implements(errorType) {
		return &ConfigError{Field: "fetchFn", Message: "second return value must be error"}
	}

	return nil
}

// callFetchFn invokes a validated fetch function and boxes its result.
func callFetchFn(ctx context.Context, fetchFn any) (any, error) {
	if fn, ok := fetchFn.(func(context.Context) (any, error)); ok {
		return fn(ctx)
	}

	results := reflect.ValueOf(fetchFn).Call([]reflect.Value{reflect.ValueOf(ctx)})

	var result any
	if results[0].IsValid() && results[0].CanInterface() {
		result = results[0].Interface()
	}

	if errValue := results[1]; !errValue.IsNil() {
		return result, errValue.Interface().(error)
	}

	return result, nil
}
