package dbmixin

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/uptrace/bun"
)

// Entity is one table row keyed by column name.
type Entity = map[string]any

// Condition is a single "<Field> <Operator> <Value>" predicate.
type Condition struct {
	Field    string
	Operator string
	Value    any
}

// Filter is a list of conditions combined with AND. An empty filter matches
// every row.
type Filter []Condition

// Where returns a filter holding one predicate. An empty op means "=".
func Where(field, op string, value any) Filter {
	return Filter{{Field: field, Operator: op, Value: value}}
}

// Match returns equality predicates for every column in values, sorted by
// column name.
func Match(values map[string]any) Filter {
	fields := make([]string, 0, len(values))
	for field := range values {
		fields = append(fields, field)
	}
	sort.Strings(fields)

	f := make(Filter, 0, len(fields))
	for _, field := range fields {
		f = append(f, Condition{Field: field, Operator: "=", Value: values[field]})
	}
	return f
}

// And appends a predicate to f.
func (f Filter) And(field, op string, value any) Filter {
	return append(f, Condition{Field: field, Operator: op, Value: value})
}

var operators = map[string]string{
	"=":        "=",
	"!=":       "!=",
	"<>":       "<>",
	"<":        "<",
	"<=":       "<=",
	">":        ">",
	">=":       ">=",
	"like":     "LIKE",
	"not like": "NOT LIKE",
	"ilike":    "ILIKE",
}

// NormalizeOperator maps op to its SQL form, defaulting to "=".
func NormalizeOperator(op string) (string, error) {
	op = strings.ToLower(strings.Join(strings.Fields(op), " "))
	if op == "" {
		return "=", nil
	}
	sqlOp, ok := operators[op]
	if !ok {
		return "", fmt.Errorf("%w: %q", ErrInvalidOperator, op)
	}
	return sqlOp, nil
}

func (f Filter) apply(q *bun.SelectQuery) (*bun.SelectQuery, error) {
	for _, c := range f {
		if c.Field == "" {
			return q, errors.New("dbmixin: filter condition without field")
		}
		op, err := NormalizeOperator(c.Operator)
		if err != nil {
			return q, err
		}
		q = q.Where("? "+op+" ?", bun.Ident(c.Field), c.Value)
	}
	return q, nil
}

// QueryOption customizes a QueryBuilder.
type QueryOption func(*QueryBuilder)

// WithSchema overrides the mixin schema.
func WithSchema(schema string) QueryOption {
	return func(b *QueryBuilder) { b.schema = schema }
}

// WithTable overrides the mixin table.
func WithTable(table string) QueryOption {
	return func(b *QueryBuilder) { b.table = table }
}

// WithTenant sets the tenant explicitly instead of reading it from the context.
func WithTenant(tenant any) QueryOption {
	return func(b *QueryBuilder) { b.tenant = tenant }
}

// QueryBuilder creates bun queries bound to one table. When the mixin has a
// tenant column and a tenant is known, every query it creates is restricted
// to that tenant.
type QueryBuilder struct {
	db          bun.IDB
	schema      string
	table       string
	tenantField string
	tenant      any
}

// QueryBuilder returns a builder on the mixin table. The tenant comes from
// WithTenant or, failing that, from ctx.
func (m *Mixin) QueryBuilder(ctx context.Context, opts ...QueryOption) (*QueryBuilder, error) {
	db := m.DB()
	if db == nil {
		return nil, ErrNotConnected
	}

	b := &QueryBuilder{
		db:          db,
		schema:      m.opts.Schema,
		table:       m.opts.Table,
		tenantField: m.opts.TenantField,
	}
	if tenant, ok := TenantFromContext(ctx); ok {
		b.tenant = tenant
	}
	for _, opt := range opts {
		opt(b)
	}
	return b, nil
}

// Table returns the qualified table the builder targets.
func (b *QueryBuilder) Table() string {
	if b.schema == "" {
		return b.table
	}
	return b.schema + "." + b.table
}

func (b *QueryBuilder) tableArgs() (string, []any) {
	if b.schema == "" {
		return "?", []any{bun.Ident(b.table)}
	}
	return "?.?", []any{bun.Ident(b.schema), bun.Ident(b.table)}
}

func (b *QueryBuilder) scoped() bool {
	return b.tenantField != "" && b.tenant != nil
}

// Select returns "SELECT * FROM table".
func (b *QueryBuilder) Select() *bun.SelectQuery {
	expr, args := b.tableArgs()
	q := b.db.NewSelect().TableExpr(expr, args...).ColumnExpr("*")
	if b.scoped() {
		q = q.Where("? = ?", bun.Ident(b.tenantField), b.tenant)
	}
	return q
}

// Insert returns an INSERT of entity. The tenant column is set on a copy.
func (b *QueryBuilder) Insert(entity Entity) *bun.InsertQuery {
	values := b.values(entity)
	expr, args := b.tableArgs()
	return b.db.NewInsert().Model(&values).TableExpr(expr, args...)
}

// Update returns an UPDATE setting the columns of entity. Rows never move to
// another tenant.
func (b *QueryBuilder) Update(entity Entity) *bun.UpdateQuery {
	values := b.values(entity)
	expr, args := b.tableArgs()
	q := b.db.NewUpdate().Model(&values).TableExpr(expr, args...)
	if b.scoped() {
		q = q.Where("? = ?", bun.Ident(b.tenantField), b.tenant)
	}
	return q
}

// Delete returns "DELETE FROM table".
func (b *QueryBuilder) Delete() *bun.DeleteQuery {
	expr, args := b.tableArgs()
	q := b.db.NewDelete().TableExpr(expr, args...)
	if b.scoped() {
		q = q.Where("? = ?", bun.Ident(b.tenantField), b.tenant)
	}
	return q
}

func (b *QueryBuilder) values(entity Entity) Entity {
	values := make(Entity, len(entity)+1)
	for k, v := range entity {
		values[k] = v
	}
	if b.scoped() {
		values[b.tenantField] = b.tenant
	}
	return values
}

func returning(columns []string) (string, []any) {
	if len(columns) == 0 {
		return "*", nil
	}
	placeholders := make([]string, len(columns))
	args := make([]any, len(columns))
	for i, c := range columns {
		placeholders[i] = "?"
		args[i] = bun.Ident(c)
	}
	return strings.Join(placeholders, ", "), args
}
