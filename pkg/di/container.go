package di

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/redis/go-redis/v9"
	"go.opentelemetry.io/otel/trace"

	"github.com/goliatone/go-db-mixin/broker"
	"github.com/goliatone/go-db-mixin/cache"
	"github.com/goliatone/go-db-mixin/config"
	"github.com/goliatone/go-db-mixin/dbmixin"
	"github.com/goliatone/go-db-mixin/repositorycache"
	"github.com/goliatone/go-db-mixin/transport"
)

// ErrCacheDisabled is returned when asking for a cached store while the
// cache section of the configuration is disabled.
var ErrCacheDisabled = errors.New("di: cache is disabled")

// Option customizes how NewContainer builds its components.
type Option func(*containerOptions)

type containerOptions struct {
	logWriter      io.Writer
	bus            *transport.LocalBus
	transporter    transport.Transporter
	tracerProvider trace.TracerProvider
}

// WithLogWriter sends log output to w instead of stderr.
func WithLogWriter(w io.Writer) Option {
	return func(o *containerOptions) { o.logWriter = w }
}

// WithLocalBus attaches the local transporter to bus, so several containers
// in one process see each other's events.
func WithLocalBus(bus *transport.LocalBus) Option {
	return func(o *containerOptions) { o.bus = bus }
}

// WithTransporter uses t regardless of the configured transport kind.
func WithTransporter(t transport.Transporter) Option {
	return func(o *containerOptions) { o.transporter = t }
}

// WithTracerProvider traces broker calls with tp.
func WithTracerProvider(tp trace.TracerProvider) Option {
	return func(o *containerOptions) { o.tracerProvider = tp }
}

// Container provides dependency injection for the broker and its supporting
// components. It owns them and releases them on Close.
type Container struct {
	config        config.Config
	logger        *slog.Logger
	cacheService  cache.CacheService
	keySerializer cache.KeySerializer
	transporter   transport.Transporter
	redisClient   *redis.Client
	registry      *prometheus.Registry
	broker        *broker.Broker

	mu      sync.Mutex
	started bool
	closed  bool
}

// NewContainer builds every component described by cfg. The database section
// is only checked when an entity service needs a connection of its own.
func NewContainer(cfg config.Config, opts ...Option) (*Container, error) {
	o := containerOptions{logWriter: os.Stderr}
	for _, opt := range opts {
		opt(&o)
	}

	for _, v := range []interface{ Validate() error }{cfg.Cache, cfg.Transport, cfg.Log} {
		if err := v.Validate(); err != nil {
			return nil, fmt.Errorf("di: invalid config: %w", err)
		}
	}

	c := &Container{
		config:        cfg,
		logger:        config.NewLogger(cfg.Log, o.logWriter),
		keySerializer: cache.NewDefaultKeySerializer(),
	}

	if cfg.Cache.Enabled {
		cacheService, err := cache.NewCacheService(cfg.Cache.ToCacheConfig())
		if err != nil {
			return nil, err
		}
		c.cacheService = cacheService
	}

	if cfg.Metrics.Enabled {
		c.registry = prometheus.NewRegistry()
	}

	transporter, err := c.newTransporter(o)
	if err != nil {
		return nil, err
	}
	c.transporter = transporter

	bopts := broker.Options{
		NodeID:         cfg.NodeID,
		Cacher:         c.cacheService,
		KeySerializer:  c.keySerializer,
		Transporter:    transporter,
		Logger:         c.logger,
		TracerProvider: o.tracerProvider,
	}
	if c.registry != nil {
		bopts.Metrics = c.registry
	}

	b, err := broker.New(bopts)
	if err != nil {
		c.closeTransport()
		return nil, err
	}
	c.broker = b

	c.logger.Debug("container ready",
		"node", b.NodeID(),
		"transport", cfg.Transport.Kind,
		"cache", cfg.Cache.Enabled,
		"metrics", cfg.Metrics.Enabled,
	)
	return c, nil
}

// NewContainerWithDefaults creates a container from config.Default.
func NewContainerWithDefaults(opts ...Option) (*Container, error) {
	return NewContainer(config.Default(), opts...)
}

func (c *Container) newTransporter(o containerOptions) (transport.Transporter, error) {
	if o.transporter != nil {
		return o.transporter, nil
	}

	tcfg := c.config.Transport
	logger := c.logger

	switch tcfg.Kind {
	case config.TransportNone:
		return nil, nil
	case config.TransportLocal:
		bus := o.bus
		if bus == nil {
			bus = transport.NewLocalBus()
		}
		return bus.Transporter(), nil
	case config.TransportRedis:
		c.redisClient = redis.NewClient(&redis.Options{
			Addr:     tcfg.Redis.Addr,
			Password: tcfg.Redis.Password,
			DB:       tcfg.Redis.DB,
		})
		return transport.NewRedis(c.redisClient, tcfg.Redis.Channel, logger), nil
	case config.TransportAMQP:
		t, err := transport.DialAMQP(tcfg.AMQP.URL, tcfg.AMQP.Exchange, logger)
		if err != nil {
			return nil, fmt.Errorf("di: %w", err)
		}
		return t, nil
	}
	return nil, fmt.Errorf("di: unknown transport %q", tcfg.Kind)
}

// Config returns a copy of the configuration used by this container.
func (c *Container) Config() config.Config {
	return c.config
}

// Logger returns the shared logger.
func (c *Container) Logger() *slog.Logger {
	return c.logger
}

// CacheService returns the singleton cache service, nil when disabled.
func (c *Container) CacheService() cache.CacheService {
	return c.cacheService
}

// KeySerializer returns the singleton key serializer instance.
func (c *Container) KeySerializer() cache.KeySerializer {
	return c.keySerializer
}

// Transporter returns the event transporter, nil for the "none" kind.
func (c *Container) Transporter() transport.Transporter {
	return c.transporter
}

// Registry returns the metrics registry, nil when metrics are disabled.
func (c *Container) Registry() *prometheus.Registry {
	return c.registry
}

// Broker returns the singleton broker.
func (c *Container) Broker() *broker.Broker {
	return c.broker
}

// NewEntityService creates a service called name backed by a dbmixin over
// opts and registers it with the broker. Unset schema and connection settings
// are taken from the database section of the configuration.
func (c *Container) NewEntityService(name string, opts dbmixin.Options, hooks dbmixin.Hooks) (*broker.Service, *dbmixin.Mixin, error) {
	if opts.Schema == "" {
		opts.Schema = c.config.Database.Schema
	}
	if opts.DB == nil && opts.Connection.DSN == "" {
		opts.Connection = c.config.Database.ConnectionConfig
	}
	if opts.Logger == nil {
		opts.Logger = c.logger.With("service", name)
	}

	mixin, err := dbmixin.New(opts, hooks)
	if err != nil {
		return nil, nil, err
	}

	svc := &broker.Service{Name: name}
	mixin.Apply(svc)
	if err := c.broker.CreateService(svc); err != nil {
		return nil, nil, err
	}
	return svc, mixin, nil
}

// NewCachedStore wraps base with the shared cache under namespace.
func (c *Container) NewCachedStore(base repositorycache.Store, namespace string) (*repositorycache.CachedStore, error) {
	if c.cacheService == nil {
		return nil, ErrCacheDisabled
	}
	return repositorycache.New(base, namespace, c.cacheService, c.keySerializer), nil
}

// Start starts the broker and with it every registered service.
func (c *Container) Start(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return errors.New("di: container closed")
	}
	if err := c.broker.Start(ctx); err != nil {
		return err
	}
	c.started = true
	return nil
}

// Close stops the broker and releases the transport. It is safe to call more
// than once.
func (c *Container) Close(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return nil
	}
	c.closed = true

	if c.started {
		// the broker closes the transporter
		err := c.broker.Stop(ctx)
		return errors.Join(err, c.closeRedis())
	}
	return c.closeTransport()
}

func (c *Container) closeTransport() error {
	var err error
	if c.transporter != nil {
		err = c.transporter.Close()
	}
	return errors.Join(err, c.closeRedis())
}

func (c *Container) closeRedis() error {
	if c.redisClient == nil {
		return nil
	}
	return c.redisClient.Close()
}
