package dbmixin

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/uptrace/bun"

	"github.com/goliatone/go-db-mixin/broker"
)

// EntityEvent names the write that changed an entity.
type EntityEvent string

const (
	EventInserted EntityEvent = "inserted"
	EventUpdated  EntityEvent = "updated"
	EventDeleted  EntityEvent = "deleted"
)

// Hook is a lifecycle callback run after a successful write. row is the
// returned row, nil when the write matched nothing.
type Hook func(ctx context.Context, row Entity, req *broker.Request) error

// Hooks are the optional lifecycle callbacks of a service.
type Hooks struct {
	EntityInserted Hook
	EntityUpdated  Hook
	EntityDeleted  Hook
}

func (h Hooks) forEvent(event EntityEvent) Hook {
	switch event {
	case EventInserted:
		return h.EntityInserted
	case EventUpdated:
		return h.EntityUpdated
	case EventDeleted:
		return h.EntityDeleted
	}
	return nil
}

// Mixin provides CRUD helpers and actions over one table.
type Mixin struct {
	opts   Options
	hooks  Hooks
	logger *slog.Logger

	mu    sync.Mutex
	db    *bun.DB
	owned bool
}

// New validates opts, applying defaults, and returns a disconnected mixin.
func New(opts Options, hooks Hooks) (*Mixin, error) {
	opts = opts.withDefaults()
	if err := opts.Validate(); err != nil {
		return nil, fmt.Errorf("dbmixin: invalid options: %w", err)
	}

	return &Mixin{
		opts:   opts,
		hooks:  hooks,
		logger: opts.Logger.With("schema", opts.Schema, "table", opts.Table),
	}, nil
}

// Options returns the options the mixin was built with, defaults applied.
func (m *Mixin) Options() Options {
	return m.opts
}

// Apply merges the mixin into svc. Actions already defined by svc win. The
// connection opens before svc.Started runs and closes after svc.Stopped.
func (m *Mixin) Apply(svc *broker.Service) {
	if svc.Settings == nil {
		svc.Settings = make(map[string]any)
	}
	svc.Settings["idField"] = m.opts.IDField

	for _, action := range m.Actions() {
		if _, exists := svc.Actions[action.Name]; !exists {
			svc.AddAction(action)
		}
	}

	started := svc.Started
	svc.Started = func(ctx context.Context) error {
		if _, err := m.Connect(ctx); err != nil {
			return err
		}
		if started != nil {
			return started(ctx)
		}
		return nil
	}

	stopped := svc.Stopped
	svc.Stopped = func(ctx context.Context) error {
		var err error
		if stopped != nil {
			err = stopped(ctx)
		}
		return errors.Join(err, m.Close())
	}
}

func (m *Mixin) persistenceError(op string, err error) error {
	return &PersistenceError{Op: op, Table: m.opts.Table, Err: err}
}

// Find returns the rows matching filter, every row when filter is empty.
// The result is never nil.
func (m *Mixin) Find(ctx context.Context, filter Filter) ([]Entity, error) {
	b, err := m.QueryBuilder(ctx)
	if err != nil {
		return nil, err
	}

	q, err := filter.apply(b.Select())
	if err != nil {
		return nil, err
	}

	rows := make([]Entity, 0)
	if err := q.Scan(ctx, &rows); err != nil && !errors.Is(err, sql.ErrNoRows) {
		return nil, m.persistenceError("find", err)
	}
	if rows == nil {
		rows = make([]Entity, 0)
	}
	return rows, nil
}

// FindByID returns the row whose id column equals id, or nil.
func (m *Mixin) FindByID(ctx context.Context, id any) (Entity, error) {
	rows, err := m.Find(ctx, Where(m.opts.IDField, "=", id))
	if err != nil {
		return nil, err
	}
	return first(rows), nil
}

// Insert writes entity and returns the inserted row restricted to the
// returning columns, all columns by default.
func (m *Mixin) Insert(ctx context.Context, entity Entity, returningColumns ...string) (Entity, error) {
	b, err := m.QueryBuilder(ctx)
	if err != nil {
		return nil, err
	}

	expr, args := returning(returningColumns)
	var rows []Entity
	if err := b.Insert(entity).Returning(expr, args...).Scan(ctx, &rows); err != nil {
		return nil, m.persistenceError("insert", err)
	}
	return first(rows), nil
}

// Update sets the columns of entity on every row where field = value and
// returns the first updated row, nil when nothing matched.
func (m *Mixin) Update(ctx context.Context, field string, value any, entity Entity, returningColumns ...string) (Entity, error) {
	b, err := m.QueryBuilder(ctx)
	if err != nil {
		return nil, err
	}

	expr, args := returning(returningColumns)
	var rows []Entity
	err = b.Update(entity).
		Where("? = ?", bun.Ident(field), value).
		Returning(expr, args...).
		Scan(ctx, &rows)
	if err != nil && !errors.Is(err, sql.ErrNoRows) {
		return nil, m.persistenceError("update", err)
	}
	return first(rows), nil
}

// Delete removes every row where field = value and returns the first removed
// row, nil when nothing matched.
func (m *Mixin) Delete(ctx context.Context, field string, value any, returningColumns ...string) (Entity, error) {
	b, err := m.QueryBuilder(ctx)
	if err != nil {
		return nil, err
	}

	expr, args := returning(returningColumns)
	var rows []Entity
	err = b.Delete().
		Where("? = ?", bun.Ident(field), value).
		Returning(expr, args...).
		Scan(ctx, &rows)
	if err != nil && !errors.Is(err, sql.ErrNoRows) {
		return nil, m.persistenceError("delete", err)
	}
	return first(rows), nil
}

// Clean deletes every row with a non null id and returns the number of rows
// removed. Meant for test fixtures.
func (m *Mixin) Clean(ctx context.Context) (int64, error) {
	b, err := m.QueryBuilder(ctx)
	if err != nil {
		return 0, err
	}

	res, err := b.Delete().Where("? IS NOT NULL", bun.Ident(m.opts.IDField)).Exec(ctx)
	if err != nil {
		return 0, m.persistenceError("clean", err)
	}
	return res.RowsAffected()
}

// EntityChanged runs after every successful write. It broadcasts
// "cache.clean.<service>", cleans "<service>.*" in the broker cache and calls
// the hook registered for event. A hook error does not undo the write.
func (m *Mixin) EntityChanged(ctx context.Context, event EntityEvent, row Entity, req *broker.Request) error {
	if err := m.clearCache(ctx, req); err != nil {
		return err
	}

	hook := m.hooks.forEvent(event)
	if hook == nil {
		return nil
	}
	if err := hook(ctx, row, req); err != nil {
		return &LifecycleHookError{Event: event, Err: err}
	}
	return nil
}

func (m *Mixin) clearCache(ctx context.Context, req *broker.Request) error {
	if req == nil || req.Broker == nil || req.Service == nil {
		return nil
	}

	name := req.Service.Name
	req.Broker.Broadcast(ctx, broker.CacheCleanPrefix+name, nil)

	cacher := req.Broker.Cacher()
	if cacher == nil {
		return nil
	}
	if err := cacher.Clean(ctx, name+".*"); err != nil {
		return fmt.Errorf("dbmixin: clean cache of %s: %w", name, err)
	}
	return nil
}

func first(rows []Entity) Entity {
	if len(rows) == 0 {
		return nil
	}
	return rows[0]
}
