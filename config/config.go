// Package config loads the runtime configuration. Environment variables
// prefixed with DBMIXIN_ override the YAML file, which overrides Default.
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	validation "github.com/go-ozzo/ozzo-validation/v4"
	"github.com/spf13/viper"

	"github.com/goliatone/go-db-mixin/cache"
	"github.com/goliatone/go-db-mixin/dbmixin"
)

// EnvPrefix prefixes every environment override, e.g. DBMIXIN_DATABASE_DSN.
const EnvPrefix = "DBMIXIN"

// Transport kinds.
const (
	TransportNone  = "none"
	TransportLocal = "local"
	TransportRedis = "redis"
	TransportAMQP  = "amqp"
)

// Config is the full runtime configuration.
type Config struct {
	NodeID    string          `mapstructure:"node_id"`
	Database  DatabaseConfig  `mapstructure:"database"`
	Cache     CacheConfig     `mapstructure:"cache"`
	Transport TransportConfig `mapstructure:"transport"`
	Log       LogConfig       `mapstructure:"log"`
	Metrics   MetricsConfig   `mapstructure:"metrics"`
}

type DatabaseConfig struct {
	dbmixin.ConnectionConfig `mapstructure:",squash"`
	Schema                   string `mapstructure:"schema"`
}

type CacheConfig struct {
	Enabled            bool          `mapstructure:"enabled"`
	Capacity           int           `mapstructure:"capacity"`
	NumShards          int           `mapstructure:"num_shards"`
	TTL                time.Duration `mapstructure:"ttl"`
	EvictionPercentage int           `mapstructure:"eviction_percentage"`
}

type TransportConfig struct {
	Kind  string      `mapstructure:"kind"`
	Redis RedisConfig `mapstructure:"redis"`
	AMQP  AMQPConfig  `mapstructure:"amqp"`
}

type RedisConfig struct {
	Addr     string `mapstructure:"addr"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
	Channel  string `mapstructure:"channel"`
}

type AMQPConfig struct {
	URL      string `mapstructure:"url"`
	Exchange string `mapstructure:"exchange"`
}

type LogConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

type MetricsConfig struct {
	Enabled bool `mapstructure:"enabled"`
}

// Default returns the configuration used when nothing overrides it.
func Default() Config {
	defaults := cache.DefaultConfig()
	return Config{
		Database: DatabaseConfig{
			ConnectionConfig: dbmixin.ConnectionConfig{Client: "postgres"},
			Schema:           dbmixin.DefaultSchema,
		},
		Cache: CacheConfig{
			Enabled:            true,
			Capacity:           defaults.Capacity,
			NumShards:          defaults.NumShards,
			TTL:                defaults.TTL,
			EvictionPercentage: defaults.EvictionPercentage,
		},
		Transport: TransportConfig{Kind: TransportLocal},
		Log:       LogConfig{Level: "info", Format: "text"},
	}
}

func setDefaults(v *viper.Viper) {
	d := Default()
	v.SetDefault("node_id", d.NodeID)
	v.SetDefault("database.client", d.Database.Client)
	v.SetDefault("database.dsn", d.Database.DSN)
	v.SetDefault("database.schema", d.Database.Schema)
	v.SetDefault("database.max_open_conns", d.Database.MaxOpenConns)
	v.SetDefault("database.max_idle_conns", d.Database.MaxIdleConns)
	v.SetDefault("database.conn_max_lifetime", d.Database.ConnMaxLifetime)
	v.SetDefault("cache.enabled", d.Cache.Enabled)
	v.SetDefault("cache.capacity", d.Cache.Capacity)
	v.SetDefault("cache.num_shards", d.Cache.NumShards)
	v.SetDefault("cache.ttl", d.Cache.TTL)
	v.SetDefault("cache.eviction_percentage", d.Cache.EvictionPercentage)
	v.SetDefault("transport.kind", d.Transport.Kind)
	v.SetDefault("transport.redis.addr", d.Transport.Redis.Addr)
	v.SetDefault("transport.redis.password", d.Transport.Redis.Password)
	v.SetDefault("transport.redis.db", d.Transport.Redis.DB)
	v.SetDefault("transport.redis.channel", d.Transport.Redis.Channel)
	v.SetDefault("transport.amqp.url", d.Transport.AMQP.URL)
	v.SetDefault("transport.amqp.exchange", d.Transport.AMQP.Exchange)
	v.SetDefault("log.level", d.Log.Level)
	v.SetDefault("log.format", d.Log.Format)
	v.SetDefault("metrics.enabled", d.Metrics.Enabled)
}

// Load reads path, when not empty, applies DBMIXIN_ overrides and validates
// the result.
func Load(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("config: read %s: %w", path, err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("config: decode: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config: %w", err)
	}
	return &cfg, nil
}

// Validate checks the sections in use. The database section is checked only
// once a DSN is set; entity services sharing a handle need none.
func (c Config) Validate() error {
	return validation.ValidateStruct(&c,
		validation.Field(&c.Database, validation.Skip.When(c.Database.DSN == "")),
		validation.Field(&c.Cache),
		validation.Field(&c.Transport),
		validation.Field(&c.Log),
	)
}

// Validate checks the connection settings.
func (d DatabaseConfig) Validate() error {
	return d.ConnectionConfig.Validate()
}

// Validate checks the cache sizing when the cache is enabled.
func (c CacheConfig) Validate() error {
	if !c.Enabled {
		return nil
	}
	return c.ToCacheConfig().Validate()
}

// ToCacheConfig converts the section into cache.Config, keeping the cache
// defaults for early refresh.
func (c CacheConfig) ToCacheConfig() cache.Config {
	cfg := cache.DefaultConfig()
	cfg.Capacity = c.Capacity
	cfg.NumShards = c.NumShards
	cfg.TTL = c.TTL
	cfg.EvictionPercentage = c.EvictionPercentage
	return cfg
}

// Validate checks that the selected transport is configured.
func (t TransportConfig) Validate() error {
	return validation.ValidateStruct(&t,
		validation.Field(&t.Kind, validation.Required, validation.In(TransportNone, TransportLocal, TransportRedis, TransportAMQP)),
		validation.Field(&t.Redis, validation.When(t.Kind == TransportRedis, validation.By(func(any) error {
			return validation.Validate(t.Redis.Addr, validation.Required.Error("addr is required"))
		}))),
		validation.Field(&t.AMQP, validation.When(t.Kind == TransportAMQP, validation.By(func(any) error {
			return validation.Validate(t.AMQP.URL, validation.Required.Error("url is required"))
		}))),
	)
}

var errUnknownLevel = errors.New("must be one of debug, info, warn, error")

// Validate checks the log level and format.
func (l LogConfig) Validate() error {
	return validation.ValidateStruct(&l,
		validation.Field(&l.Level, validation.By(func(any) error {
			if _, err := parseLevel(l.Level); err != nil {
				return errUnknownLevel
			}
			return nil
		})),
		validation.Field(&l.Format, validation.In("text", "json")),
	)
}
