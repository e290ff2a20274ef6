package dbmixin

import (
	"log/slog"
	"strings"
	"time"

	validation "github.com/go-ozzo/ozzo-validation/v4"
	"github.com/uptrace/bun"
)

const (
	DefaultSchema        = "public"
	DefaultIDField       = "id"
	DefaultTenantMetaKey = "tenant"
)

// Options describes the table a Mixin works on and where its connection
// comes from. Options are immutable once passed to New.
type Options struct {
	Schema  string
	Table   string
	IDField string
	// TenantField, when set, scopes every query to the current tenant.
	TenantField string
	// TenantMetaKey is the request meta key holding the tenant value.
	TenantMetaKey string

	Connection ConnectionConfig
	// DB is a shared handle. The mixin never closes it.
	DB *bun.DB

	Logger *slog.Logger
}

// ConnectionConfig opens a dedicated connection when Options.DB is nil.
type ConnectionConfig struct {
	Client          string        `mapstructure:"client"`
	DSN             string        `mapstructure:"dsn"`
	MaxOpenConns    int           `mapstructure:"max_open_conns"`
	MaxIdleConns    int           `mapstructure:"max_idle_conns"`
	ConnMaxLifetime time.Duration `mapstructure:"conn_max_lifetime"`
}

var supportedClients = []any{"postgres", "postgresql", "pg", "sqlite3", "sqlite"}

// Validate checks the connection settings.
func (c ConnectionConfig) Validate() error {
	return validation.ValidateStruct(&c,
		validation.Field(&c.Client, validation.Required, validation.By(func(v any) error {
			return validation.In(supportedClients...).Validate(strings.ToLower(v.(string)))
		})),
		validation.Field(&c.DSN, validation.Required),
		validation.Field(&c.MaxOpenConns, validation.Min(0)),
		validation.Field(&c.MaxIdleConns, validation.Min(0)),
	)
}

func (o Options) withDefaults() Options {
	if o.Schema == "" {
		o.Schema = DefaultSchema
	}
	if o.IDField == "" {
		o.IDField = DefaultIDField
	}
	if o.TenantMetaKey == "" {
		o.TenantMetaKey = DefaultTenantMetaKey
	}
	if o.Logger == nil {
		o.Logger = slog.Default()
	}
	return o
}

// Validate checks the table descriptor and, without a shared DB, the
// connection settings.
func (o Options) Validate() error {
	err := validation.ValidateStruct(&o,
		validation.Field(&o.Schema, validation.Required),
		validation.Field(&o.Table, validation.Required),
		validation.Field(&o.IDField, validation.Required),
	)
	if err != nil {
		return err
	}
	if o.DB == nil {
		return o.Connection.Validate()
	}
	return nil
}
