package dbmixin_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/goliatone/go-db-mixin/broker"
	"github.com/goliatone/go-db-mixin/dbmixin"
	"github.com/goliatone/go-db-mixin/pkg/testsupport"
)

func withTenant(o *dbmixin.Options, _ *dbmixin.Hooks) {
	o.TenantField = "tenant_id"
}

func asTenant(tenant string) broker.CallOption {
	return broker.WithMeta(map[string]any{dbmixin.DefaultTenantMetaKey: tenant})
}

func seedTenants(t *testing.T, h *harness) map[string][]dbmixin.Entity {
	t.Helper()
	byTenant := map[string][]dbmixin.Entity{}
	for _, post := range testsupport.Rows(t, "tenant_posts.json") {
		tenant := post["tenant_id"].(string)
		delete(post, "tenant_id")
		byTenant[tenant] = append(byTenant[tenant], h.insert(t, post, asTenant(tenant)))
	}
	return byTenant
}

func TestTenant_InsertSetsTenantColumn(t *testing.T) {
	h := newHarness(t, withTenant)

	row := h.insert(t, dbmixin.Entity{"title": "mine", "tenant_id": "globex"}, asTenant("acme"))
	assert.Equal(t, "acme", testsupport.Normalize(row)["tenant_id"], "callers cannot pick another tenant")
}

func TestTenant_FindIsScoped(t *testing.T) {
	h := newHarness(t, withTenant)
	seedTenants(t, h)

	assert.Equal(t, []string{"Acme launch", "Acme recap"}, titles(h.find(t, nil, asTenant("acme"))))
	assert.Equal(t, []string{"Globex news"}, titles(h.find(t, nil, asTenant("globex"))))

	rows := h.find(t, broker.Params{"field": "content", "value": "Globex"}, asTenant("acme"))
	assert.Empty(t, rows)
}

func TestTenant_CacheKeysIncludeTenant(t *testing.T) {
	h := newHarness(t, withTenant)
	seedTenants(t, h)

	acme := h.find(t, nil, asTenant("acme"))
	globex := h.find(t, nil, asTenant("globex"))
	assert.Len(t, acme, 2)
	assert.Len(t, globex, 1, "one tenant's cached result never answers another")
}

func TestTenant_WritesCannotCrossTenants(t *testing.T) {
	h := newHarness(t, withTenant)
	seeded := seedTenants(t, h)
	globexID := seeded["globex"][0]["id"]

	res, err := h.broker.Call(context.Background(), service+"."+dbmixin.ActionUpdateByID, broker.Params{
		"id":     globexID,
		"entity": dbmixin.Entity{"title": "hijacked"},
	}, asTenant("acme"))
	require.NoError(t, err)
	assert.Nil(t, res)

	res, err = h.broker.Call(context.Background(), service+"."+dbmixin.ActionDeleteByID, broker.Params{"id": globexID}, asTenant("acme"))
	require.NoError(t, err)
	assert.Nil(t, res)

	rows, err := h.mixin.Find(dbmixin.ContextWithTenant(context.Background(), "globex"), nil)
	require.NoError(t, err)
	assert.Equal(t, []string{"Globex news"}, titles(rows))
}

func TestTenant_QueryBuilderOptions(t *testing.T) {
	h := newHarness(t, withTenant)
	seedTenants(t, h)

	ctx := dbmixin.ContextWithTenant(context.Background(), "acme")
	b, err := h.mixin.QueryBuilder(ctx, dbmixin.WithTenant("globex"))
	require.NoError(t, err)
	assert.Equal(t, "main.posts", b.Table())

	var rows []dbmixin.Entity
	require.NoError(t, b.Select().Scan(ctx, &rows))
	assert.Equal(t, []string{"Globex news"}, titles(rows), "explicit tenant overrides the context")
}

func TestContextWithTenant(t *testing.T) {
	ctx := context.Background()
	_, ok := dbmixin.TenantFromContext(ctx)
	assert.False(t, ok)

	assert.Equal(t, ctx, dbmixin.ContextWithTenant(ctx, nil))

	tenant, ok := dbmixin.TenantFromContext(dbmixin.ContextWithTenant(ctx, "acme"))
	assert.True(t, ok)
	assert.Equal(t, "acme", tenant)
}
