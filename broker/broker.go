package broker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/goliatone/go-db-mixin/cache"
	"github.com/goliatone/go-db-mixin/transport"
)

// CacheCleanPrefix prefixes the invalidation event of every service:
// "cache.clean.<service>".
const CacheCleanPrefix = "cache.clean."

const tracerName = "github.com/goliatone/go-db-mixin/broker"

// Options configures a Broker. Every field is optional.
type Options struct {
	NodeID         string
	Cacher         cache.CacheService
	KeySerializer  cache.KeySerializer
	Transporter    transport.Transporter
	Logger         *slog.Logger
	Metrics        prometheus.Registerer
	TracerProvider trace.TracerProvider
}

// Broker routes action calls to registered services and delivers events
// between them and, through the transporter, to other nodes.
type Broker struct {
	nodeID      string
	cacher      cache.CacheService
	serializer  cache.KeySerializer
	transporter transport.Transporter
	logger      *slog.Logger
	metrics     *metrics
	tracer      trace.Tracer

	mu       sync.RWMutex
	services map[string]*Service
	order    []*Service
	started  bool
}

// New creates a broker.
func New(opts Options) (*Broker, error) {
	if opts.NodeID == "" {
		opts.NodeID = uuid.NewString()
	}
	if opts.KeySerializer == nil {
		opts.KeySerializer = cache.NewDefaultKeySerializer()
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.TracerProvider == nil {
		opts.TracerProvider = otel.GetTracerProvider()
	}

	m, err := newMetrics(opts.Metrics)
	if err != nil {
		return nil, fmt.Errorf("broker: register metrics: %w", err)
	}

	return &Broker{
		nodeID:      opts.NodeID,
		cacher:      opts.Cacher,
		serializer:  opts.KeySerializer,
		transporter: opts.Transporter,
		logger:      opts.Logger.With("node", opts.NodeID),
		metrics:     m,
		tracer:      opts.TracerProvider.Tracer(tracerName),
		services:    make(map[string]*Service),
	}, nil
}

// NodeID identifies this broker on the transport.
func (b *Broker) NodeID() string { return b.nodeID }

// Cacher returns the action result cache, nil when caching is disabled.
func (b *Broker) Cacher() cache.CacheService { return b.cacher }

// Logger returns the broker logger.
func (b *Broker) Logger() *slog.Logger { return b.logger }

// CreateService registers svc.
func (b *Broker) CreateService(svc *Service) error {
	if svc == nil || svc.Name == "" {
		return errors.New("broker: service name is required")
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	if _, ok := b.services[svc.Name]; ok {
		return &ServiceExistsError{Service: svc.Name}
	}
	b.services[svc.Name] = svc
	b.order = append(b.order, svc)
	return nil
}

// Service returns the registered service called name.
func (b *Broker) Service(name string) (*Service, bool) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	svc, ok := b.services[name]
	return svc, ok
}

// Start subscribes to the transporter and runs the Started hook of every
// service in registration order.
func (b *Broker) Start(ctx context.Context) error {
	b.mu.Lock()
	if b.started {
		b.mu.Unlock()
		return nil
	}
	b.started = true
	services := append([]*Service(nil), b.order...)
	b.mu.Unlock()

	if b.transporter != nil {
		if err := b.transporter.Subscribe(ctx, b.handleRemote); err != nil {
			return fmt.Errorf("broker: subscribe transporter: %w", err)
		}
	}

	for _, svc := range services {
		if svc.Started == nil {
			continue
		}
		if err := svc.Started(ctx); err != nil {
			return fmt.Errorf("broker: start service %s: %w", svc.Name, err)
		}
		b.logger.Debug("service started", "service", svc.Name)
	}
	return nil
}

// Stop runs the Stopped hooks in reverse registration order and closes the
// transporter. Every hook runs even if an earlier one fails.
func (b *Broker) Stop(ctx context.Context) error {
	b.mu.Lock()
	if !b.started {
		b.mu.Unlock()
		return nil
	}
	b.started = false
	services := append([]*Service(nil), b.order...)
	b.mu.Unlock()

	var errs []error
	for i := len(services) - 1; i >= 0; i-- {
		svc := services[i]
		if svc.Stopped == nil {
			continue
		}
		if err := svc.Stopped(ctx); err != nil {
			errs = append(errs, fmt.Errorf("broker: stop service %s: %w", svc.Name, err))
		}
	}

	if b.transporter != nil {
		if err := b.transporter.Close(); err != nil {
			errs = append(errs, fmt.Errorf("broker: close transporter: %w", err))
		}
	}
	return errors.Join(errs...)
}

// CallOption customizes a single Call.
type CallOption func(*Request)

// WithMeta merges meta into the request meta.
func WithMeta(meta map[string]any) CallOption {
	return func(r *Request) {
		for k, v := range meta {
			r.Meta[k] = v
		}
	}
}

// Call runs the action name ("<service>.<action>") with params.
func (b *Broker) Call(ctx context.Context, name string, params Params, opts ...CallOption) (result any, err error) {
	svc, action, err := b.lookup(name)
	if err != nil {
		return nil, err
	}

	if params == nil {
		params = Params{}
	}
	req := &Request{
		Broker:  b,
		Service: svc,
		Action:  action,
		Params:  params,
		Meta:    map[string]any{},
	}
	for _, opt := range opts {
		opt(req)
	}

	ctx, span := b.tracer.Start(ctx, name, trace.WithAttributes(
		attribute.String("dbmixin.service", svc.Name),
		attribute.String("dbmixin.action", action.Name),
		attribute.String("dbmixin.node", b.nodeID),
	))
	started := time.Now()
	defer func() {
		b.metrics.observeCall(name, started, err)
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
		span.End()
	}()

	if verr := action.validate(params); verr != nil {
		return nil, &ValidationError{Action: name, Err: verr}
	}

	if action.Cache != nil && b.cacher != nil {
		key := b.serializer.SerializeKey(name, action.cacheValues(req)...)
		hit := true
		result, err = cache.GetOrFetch(ctx, b.cacher, key, cache.FetchFn[any](func(ctx context.Context) (any, error) {
			hit = false
			return action.Handler(ctx, req)
		}))
		b.metrics.observeCache(name, hit)
		span.SetAttributes(attribute.String("dbmixin.cache_key", key), attribute.Bool("dbmixin.cache_hit", hit))
	} else {
		result, err = action.Handler(ctx, req)
	}

	if err != nil && action.Fallback != nil {
		result, err = action.Fallback(ctx, req, err)
	}
	return result, err
}

func (b *Broker) lookup(name string) (*Service, *Action, error) {
	svcName, actionName, ok := splitActionName(name)
	if !ok {
		return nil, nil, &ActionNotFoundError{Action: name}
	}

	b.mu.RLock()
	defer b.mu.RUnlock()

	svc, ok := b.services[svcName]
	if !ok {
		return nil, nil, &ActionNotFoundError{Action: name}
	}
	action, ok := svc.Actions[actionName]
	if !ok || action.Handler == nil {
		return nil, nil, &ActionNotFoundError{Action: name}
	}
	return svc, action, nil
}

// Broadcast delivers event to the local services listening for it and
// publishes it to the other nodes. Transport failures are logged only.
func (b *Broker) Broadcast(ctx context.Context, event string, payload any) {
	b.metrics.broadcasts.WithLabelValues(event).Inc()
	b.emitLocal(ctx, event, payload, b.nodeID)

	if b.transporter == nil {
		return
	}

	evt, err := transport.NewEvent(event, b.nodeID, payload)
	if err != nil {
		b.logger.Error("encode broadcast", "event", event, "error", err)
		return
	}
	if err := b.transporter.Publish(ctx, evt); err != nil {
		b.logger.Warn("publish broadcast", "event", event, "error", err)
	}
}

func (b *Broker) emitLocal(ctx context.Context, event string, payload any, sender string) {
	b.mu.RLock()
	var handlers []EventHandler
	for _, svc := range b.order {
		if h, ok := svc.Events[event]; ok && h != nil {
			handlers = append(handlers, h)
		}
	}
	b.mu.RUnlock()

	for _, h := range handlers {
		h(ctx, payload, sender)
	}
}

func (b *Broker) handleRemote(ctx context.Context, evt transport.Event) {
	if evt.Sender == b.nodeID {
		return
	}

	if svc, ok := strings.CutPrefix(evt.Name, CacheCleanPrefix); ok && b.cacher != nil {
		if err := b.cacher.Clean(ctx, svc+".*"); err != nil {
			b.logger.Warn("clean cache from remote event", "service", svc, "error", err)
		}
	}

	payload, err := evt.DecodePayload()
	if err != nil {
		b.logger.Warn("dropping remote event", "event", evt.Name, "sender", evt.Sender, "error", err)
		return
	}
	b.emitLocal(ctx, evt.Name, payload, evt.Sender)
}
