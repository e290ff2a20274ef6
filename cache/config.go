package cache

import (
	"time"

	"github.com/goliatone/go-db-mixin/internal/cacheinfra"
)

// Config tunes the in-memory action result cache.
type Config struct {
	Capacity           int
	NumShards          int
	TTL                time.Duration
	EvictionPercentage int
	// EarlyRefresh refreshes hot keys in the background before they expire.
	// Nil disables it.
	EarlyRefresh         *EarlyRefreshConfig
	MissingRecordStorage bool
	EvictionInterval     time.Duration
}

// EarlyRefreshConfig holds the sturdyc early refresh timings.
type EarlyRefreshConfig = cacheinfra.EarlyRefreshConfig

// DefaultConfig returns 10000 entries over 256 shards with a five minute TTL
// and early refreshes enabled.
func DefaultConfig() Config {
	in := cacheinfra.DefaultConfig()
	return Config{
		Capacity:             in.Capacity,
		NumShards:            in.NumShards,
		TTL:                  in.TTL,
		EvictionPercentage:   in.EvictionPercentage,
		EarlyRefresh:         in.EarlyRefresh,
		MissingRecordStorage: in.MissingRecordStorage,
		EvictionInterval:     in.EvictionInterval,
	}
}

// Validate checks whether the configuration values are valid.
func (c Config) Validate() error {
	return c.internal().Validate()
}

// NewCacheService constructs the sturdyc backed CacheService.
func NewCacheService(cfg Config) (CacheService, error) {
	service, err := cacheinfra.NewSturdycService(cfg.internal())
	if err != nil {
		return nil, err
	}
	return service, nil
}

func (c Config) internal() cacheinfra.Config {
	var early *EarlyRefreshConfig
	if c.EarlyRefresh != nil {
		copied := *c.EarlyRefresh
		early = &copied
	}
	return cacheinfra.Config{
		Capacity:             c.Capacity,
		NumShards:            c.NumShards,
		TTL:                  c.TTL,
		EvictionPercentage:   c.EvictionPercentage,
		EarlyRefresh:         early,
		MissingRecordStorage: c.MissingRecordStorage,
		EvictionInterval:     c.EvictionInterval,
	}
}
