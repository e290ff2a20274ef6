package dbmixin

import (
	"context"
	"errors"

	validation "github.com/go-ozzo/ozzo-validation/v4"

	"github.com/goliatone/go-db-mixin/broker"
)

const (
	ActionFind       = "find"
	ActionFindByID   = "findById"
	ActionInsert     = "insert"
	ActionUpdateByID = "updateById"
	ActionDeleteByID = "deleteById"
)

var (
	isString = validation.By(func(v any) error {
		if v == nil {
			return nil
		}
		if _, ok := v.(string); !ok {
			return errors.New("must be a string")
		}
		return nil
	})

	isOperator = validation.By(func(v any) error {
		if v == nil {
			return nil
		}
		op, ok := v.(string)
		if !ok {
			return errors.New("must be a string")
		}
		if _, err := NormalizeOperator(op); err != nil {
			return errors.New("must be a supported operator")
		}
		return nil
	})

	isEntity = validation.By(func(v any) error {
		if _, ok := toEntity(v); !ok {
			return errors.New("must be an object")
		}
		return nil
	})
)

// Actions returns the five CRUD actions, ready to add to a broker.Service.
func (m *Mixin) Actions() []*broker.Action {
	idField := m.opts.IDField

	return []*broker.Action{
		{
			Name: ActionFind,
			Params: broker.ParamRules{
				"field":    {isString},
				"operator": {isOperator},
			},
			Cache:   &broker.CacheOptions{Keys: m.cacheKeys("field", "value", "operator")},
			Handler: m.findAction,
		},
		{
			Name:     ActionFindByID,
			Params:   broker.ParamRules{idField: {validation.NotNil}},
			Cache:    &broker.CacheOptions{Keys: m.cacheKeys(idField)},
			Handler:  m.findByIDAction,
			Fallback: m.findByIDFallback,
		},
		{
			Name:    ActionInsert,
			Params:  broker.ParamRules{"entity": {validation.Required, isEntity}},
			Handler: m.insertAction,
		},
		{
			Name: ActionUpdateByID,
			Params: broker.ParamRules{
				idField:  {validation.NotNil},
				"entity": {validation.Required, isEntity},
			},
			Handler: m.updateByIDAction,
		},
		{
			Name:    ActionDeleteByID,
			Params:  broker.ParamRules{idField: {validation.NotNil}},
			Handler: m.deleteByIDAction,
		},
	}
}

// cacheKeys appends the tenant meta key when results are tenant scoped.
func (m *Mixin) cacheKeys(keys ...string) []string {
	if m.opts.TenantField != "" {
		keys = append(keys, "#"+m.opts.TenantMetaKey)
	}
	return keys
}

// requestContext carries the tenant of the request meta into ctx.
func (m *Mixin) requestContext(ctx context.Context, req *broker.Request) context.Context {
	if m.opts.TenantField == "" {
		return ctx
	}
	return ContextWithTenant(ctx, req.Meta[m.opts.TenantMetaKey])
}

func (m *Mixin) findAction(ctx context.Context, req *broker.Request) (any, error) {
	ctx = m.requestContext(ctx, req)

	field := req.Params.String("field")
	value := req.Params["value"]
	if field == "" || value == nil {
		return m.Find(ctx, nil)
	}
	return m.Find(ctx, Where(field, req.Params.String("operator"), value))
}

func (m *Mixin) findByIDAction(ctx context.Context, req *broker.Request) (any, error) {
	row, err := m.FindByID(m.requestContext(ctx, req), req.Params[m.opts.IDField])
	if err != nil || row == nil {
		return nil, err
	}
	return row, nil
}

// findByIDFallback turns lookup failures into a nil result.
func (m *Mixin) findByIDFallback(ctx context.Context, req *broker.Request, err error) (any, error) {
	m.logger.WarnContext(ctx, "findById failed",
		"action", req.ActionName(),
		"id", req.Params[m.opts.IDField],
		"error", err,
	)
	return nil, nil
}

func (m *Mixin) insertAction(ctx context.Context, req *broker.Request) (any, error) {
	ctx = m.requestContext(ctx, req)

	entity, _ := toEntity(req.Params["entity"])
	row, err := m.Insert(ctx, entity)
	if err != nil {
		return nil, err
	}
	return m.changed(ctx, EventInserted, row, req)
}

func (m *Mixin) updateByIDAction(ctx context.Context, req *broker.Request) (any, error) {
	ctx = m.requestContext(ctx, req)

	entity, _ := toEntity(req.Params["entity"])
	row, err := m.Update(ctx, m.opts.IDField, req.Params[m.opts.IDField], entity)
	if err != nil {
		return nil, err
	}
	return m.changed(ctx, EventUpdated, row, req)
}

func (m *Mixin) deleteByIDAction(ctx context.Context, req *broker.Request) (any, error) {
	ctx = m.requestContext(ctx, req)

	row, err := m.Delete(ctx, m.opts.IDField, req.Params[m.opts.IDField])
	if err != nil {
		return nil, err
	}
	return m.changed(ctx, EventDeleted, row, req)
}

// changed returns the written row even when a hook fails, since the write
// is already committed.
func (m *Mixin) changed(ctx context.Context, event EntityEvent, row Entity, req *broker.Request) (any, error) {
	err := m.EntityChanged(ctx, event, row, req)
	if row == nil {
		return nil, err
	}
	return row, err
}

func toEntity(v any) (Entity, bool) {
	switch e := v.(type) {
	case Entity:
		return e, true
	case broker.Params:
		return Entity(e), true
	}
	return nil, false
}
