package dbmixin_test

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/uptrace/bun"

	"github.com/goliatone/go-db-mixin/broker"
	"github.com/goliatone/go-db-mixin/cache"
	"github.com/goliatone/go-db-mixin/dbmixin"
	"github.com/goliatone/go-db-mixin/pkg/testsupport"
)

const service = "posts"

type harness struct {
	broker *broker.Broker
	mixin  *dbmixin.Mixin
	db     *bun.DB

	mu          sync.Mutex
	invalidated int
}

func (h *harness) invalidations() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.invalidated
}

type setupOption func(*dbmixin.Options, *dbmixin.Hooks)

func newHarness(t *testing.T, setup ...setupOption) *harness {
	t.Helper()

	db := testsupport.NewSQLiteDB(t)
	testsupport.CreatePostsTable(t, db)

	opts := dbmixin.Options{Schema: "main", Table: testsupport.PostsTable, DB: db}
	var hooks dbmixin.Hooks
	for _, fn := range setup {
		fn(&opts, &hooks)
	}

	mixin, err := dbmixin.New(opts, hooks)
	require.NoError(t, err)

	cacher, err := cache.NewCacheService(cache.DefaultConfig())
	require.NoError(t, err)

	b, err := broker.New(broker.Options{NodeID: "test", Cacher: cacher, Metrics: prometheus.NewRegistry()})
	require.NoError(t, err)

	h := &harness{broker: b, mixin: mixin, db: db}

	svc := &broker.Service{Name: service}
	mixin.Apply(svc)
	require.NoError(t, b.CreateService(svc))
	require.NoError(t, b.CreateService(&broker.Service{
		Name: "listener",
		Events: map[string]broker.EventHandler{
			broker.CacheCleanPrefix + service: func(ctx context.Context, payload any, sender string) {
				h.mu.Lock()
				h.invalidated++
				h.mu.Unlock()
			},
		},
	}))

	require.NoError(t, b.Start(context.Background()))
	t.Cleanup(func() { b.Stop(context.Background()) })
	return h
}

func (h *harness) call(t *testing.T, action string, params broker.Params, opts ...broker.CallOption) any {
	t.Helper()
	res, err := h.broker.Call(context.Background(), service+"."+action, params, opts...)
	require.NoError(t, err)
	return res
}

func (h *harness) find(t *testing.T, params broker.Params, opts ...broker.CallOption) []dbmixin.Entity {
	t.Helper()
	rows, ok := h.call(t, dbmixin.ActionFind, params, opts...).([]dbmixin.Entity)
	require.True(t, ok)
	return rows
}

func (h *harness) findByID(t *testing.T, id any) dbmixin.Entity {
	t.Helper()
	res := h.call(t, dbmixin.ActionFindByID, broker.Params{"id": id})
	if res == nil {
		return nil
	}
	row, ok := res.(dbmixin.Entity)
	require.True(t, ok, "unexpected result %T", res)
	return row
}

func (h *harness) insert(t *testing.T, entity dbmixin.Entity, opts ...broker.CallOption) dbmixin.Entity {
	t.Helper()
	row, ok := h.call(t, dbmixin.ActionInsert, broker.Params{"entity": entity}, opts...).(dbmixin.Entity)
	require.True(t, ok)
	return row
}

func (h *harness) seedPosts(t *testing.T) []dbmixin.Entity {
	t.Helper()
	var rows []dbmixin.Entity
	for _, post := range testsupport.Posts(t) {
		rows = append(rows, h.insert(t, post))
	}
	return rows
}

func titles(rows []dbmixin.Entity) []string {
	out := make([]string, 0, len(rows))
	for _, row := range rows {
		out = append(out, testsupport.Normalize(row)["title"].(string))
	}
	return out
}

func TestFind_NoFilterReturnsEveryRow(t *testing.T) {
	h := newHarness(t)
	assert.Empty(t, h.find(t, nil))
	assert.NotNil(t, h.find(t, broker.Params{"field": "title", "value": "missing"}))

	h.seedPosts(t)

	rows := h.find(t, nil)
	assert.Equal(t, []string{"Post 1", "Post 2", "Post 3"}, titles(rows))
}

func TestFind_NilValueReturnsEveryRow(t *testing.T) {
	h := newHarness(t)
	h.seedPosts(t)

	assert.Len(t, h.find(t, broker.Params{"field": "title"}), 3)
}

func TestFind_Scenario(t *testing.T) {
	h := newHarness(t)
	inserted := h.seedPosts(t)

	assert.Len(t, h.find(t, nil), 3)

	rows := h.find(t, broker.Params{"field": "id", "operator": ">", "value": inserted[0]["id"]})
	assert.Equal(t, []string{"Post 2", "Post 3"}, titles(rows))
}

func TestFind_Equality(t *testing.T) {
	h := newHarness(t)
	h.seedPosts(t)

	rows := h.find(t, broker.Params{"field": "title", "value": "Post 2"})
	assert.Equal(t, []string{"Post 2"}, titles(rows))

	rows = h.find(t, broker.Params{"field": "title", "operator": "LIKE", "value": "Post %"})
	assert.Len(t, rows, 3)
}

func TestFind_NilValueAndNilStringAreCachedApart(t *testing.T) {
	h := newHarness(t)
	h.seedPosts(t)

	assert.Len(t, h.find(t, broker.Params{"field": "title"}), 3)
	assert.Empty(t, h.find(t, broker.Params{"field": "title", "value": "nil"}))
}

func TestFindByID_Missing(t *testing.T) {
	h := newHarness(t)
	assert.Nil(t, h.findByID(t, 999))
}

func TestFindByID_MissingResultIsCached(t *testing.T) {
	h := newHarness(t)
	assert.Nil(t, h.findByID(t, 1))

	// bypass the actions so no invalidation runs
	_, err := h.mixin.Insert(context.Background(), dbmixin.Entity{"title": "Hidden"})
	require.NoError(t, err)
	assert.Nil(t, h.findByID(t, 1), "a nil result is served from the cache")

	h.insert(t, dbmixin.Entity{"title": "Visible"})
	assert.NotNil(t, h.findByID(t, 1))
}

func TestInsert_ThenFindByID(t *testing.T) {
	h := newHarness(t)

	inserted := h.insert(t, dbmixin.Entity{"title": "Hello", "content": "World"})
	require.NotNil(t, inserted["id"])

	row := testsupport.Normalize(h.findByID(t, inserted["id"]))
	assert.Equal(t, "Hello", row["title"])
	assert.Equal(t, "World", row["content"])
	assert.EqualValues(t, inserted["id"], row["id"])
}

func TestUpdateByID_PatchesOnlyGivenFields(t *testing.T) {
	h := newHarness(t)
	inserted := h.insert(t, dbmixin.Entity{"title": "Draft", "content": "Body"})
	id := inserted["id"]

	updated, ok := h.call(t, dbmixin.ActionUpdateByID, broker.Params{
		"id":     id,
		"entity": dbmixin.Entity{"title": "Final"},
	}).(dbmixin.Entity)
	require.True(t, ok)
	assert.Equal(t, "Final", testsupport.Normalize(updated)["title"])

	row := testsupport.Normalize(h.findByID(t, id))
	assert.Equal(t, "Final", row["title"])
	assert.Equal(t, "Body", row["content"])
}

func TestUpdateByID_NoMatchReturnsNil(t *testing.T) {
	h := newHarness(t)

	res := h.call(t, dbmixin.ActionUpdateByID, broker.Params{"id": 42, "entity": dbmixin.Entity{"title": "x"}})
	assert.Nil(t, res)
	assert.Equal(t, 1, h.invalidations())
}

func TestDeleteByID(t *testing.T) {
	h := newHarness(t)
	inserted := h.insert(t, dbmixin.Entity{"title": "Gone", "content": "soon"})

	deleted, ok := h.call(t, dbmixin.ActionDeleteByID, broker.Params{"id": inserted["id"]}).(dbmixin.Entity)
	require.True(t, ok)
	assert.EqualValues(t, inserted["id"], deleted["id"])

	assert.Nil(t, h.findByID(t, inserted["id"]))
	assert.Nil(t, h.call(t, dbmixin.ActionDeleteByID, broker.Params{"id": inserted["id"]}))
}

func TestWrites_InvalidateCache(t *testing.T) {
	h := newHarness(t)
	h.seedPosts(t)
	require.Equal(t, 3, h.invalidations(), "one broadcast per write")

	require.Len(t, h.find(t, nil), 3)
	first := h.findByID(t, 1)
	require.NotNil(t, first)

	// rows written behind the mixin's back stay invisible while cached
	values := dbmixin.Entity{"title": "Sneaky", "content": "x"}
	_, err := h.db.NewInsert().Model(&values).TableExpr(testsupport.PostsTable).Exec(context.Background())
	require.NoError(t, err)
	_, err = h.db.NewUpdate().TableExpr(testsupport.PostsTable).Set("title = ?", "Renamed").Where("id = ?", 1).Exec(context.Background())
	require.NoError(t, err)

	assert.Len(t, h.find(t, nil), 3)
	assert.Equal(t, "Post 1", testsupport.Normalize(h.findByID(t, 1))["title"])

	h.insert(t, dbmixin.Entity{"title": "Post 5", "content": "Post 5"})
	assert.Equal(t, 4, h.invalidations())

	assert.Len(t, h.find(t, nil), 5)
	assert.Equal(t, "Renamed", testsupport.Normalize(h.findByID(t, 1))["title"])
}

func TestFindByID_DriverErrorIsNotCached(t *testing.T) {
	h := newHarness(t)

	_, err := h.db.ExecContext(context.Background(), "DROP TABLE posts")
	require.NoError(t, err)

	assert.Nil(t, h.findByID(t, 1), "driver errors surface as a nil result")

	testsupport.CreatePostsTable(t, h.db)
	_, err = h.mixin.Insert(context.Background(), dbmixin.Entity{"title": "Back"})
	require.NoError(t, err)

	row := h.findByID(t, 1)
	require.NotNil(t, row, "failed lookup must not be cached")
	assert.Equal(t, "Back", testsupport.Normalize(row)["title"])
}

func TestActions_ValidateParams(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	cases := []struct {
		name   string
		action string
		params broker.Params
	}{
		{"insert without entity", dbmixin.ActionInsert, broker.Params{}},
		{"insert with empty entity", dbmixin.ActionInsert, broker.Params{"entity": dbmixin.Entity{}}},
		{"insert with scalar entity", dbmixin.ActionInsert, broker.Params{"entity": "title"}},
		{"update without id", dbmixin.ActionUpdateByID, broker.Params{"entity": dbmixin.Entity{"title": "x"}}},
		{"delete without id", dbmixin.ActionDeleteByID, broker.Params{}},
		{"findById without id", dbmixin.ActionFindByID, broker.Params{}},
		{"find with unknown operator", dbmixin.ActionFind, broker.Params{"field": "id", "value": 1, "operator": "; DROP"}},
		{"find with non string field", dbmixin.ActionFind, broker.Params{"field": 3, "value": 1}},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := h.broker.Call(ctx, service+"."+tc.action, tc.params)
			var verr *broker.ValidationError
			assert.ErrorAs(t, err, &verr)
		})
	}
	assert.Zero(t, h.invalidations())
}

func TestInsert_AcceptsParamsEntity(t *testing.T) {
	h := newHarness(t)

	res, err := h.broker.Call(context.Background(), service+".insert", broker.Params{
		"entity": broker.Params{"title": "From params"},
	})
	require.NoError(t, err)
	assert.Equal(t, "From params", testsupport.Normalize(res.(dbmixin.Entity))["title"])
}

func TestInsert_PersistenceError(t *testing.T) {
	h := newHarness(t)

	_, err := h.broker.Call(context.Background(), service+".insert", broker.Params{
		"entity": dbmixin.Entity{"no_such_column": 1},
	})
	var perr *dbmixin.PersistenceError
	require.ErrorAs(t, err, &perr)
	assert.Equal(t, "insert", perr.Op)
	assert.Equal(t, testsupport.PostsTable, perr.Table)
	assert.Zero(t, h.invalidations(), "failed writes do not invalidate")
}

func TestHooks_RunAfterEachWrite(t *testing.T) {
	var events []string
	var requests []*broker.Request
	record := func(name string) dbmixin.Hook {
		return func(ctx context.Context, row dbmixin.Entity, req *broker.Request) error {
			events = append(events, name+":"+testsupport.Normalize(row)["title"].(string))
			requests = append(requests, req)
			return nil
		}
	}

	h := newHarness(t, func(o *dbmixin.Options, hooks *dbmixin.Hooks) {
		hooks.EntityInserted = record("inserted")
		hooks.EntityUpdated = record("updated")
		hooks.EntityDeleted = record("deleted")
	})

	row := h.insert(t, dbmixin.Entity{"title": "a"})
	h.call(t, dbmixin.ActionUpdateByID, broker.Params{"id": row["id"], "entity": dbmixin.Entity{"title": "b"}})
	h.call(t, dbmixin.ActionDeleteByID, broker.Params{"id": row["id"]})

	assert.Equal(t, []string{"inserted:a", "updated:b", "deleted:b"}, events)
	require.Len(t, requests, 3)
	assert.Equal(t, "posts.insert", requests[0].ActionName())
	assert.Equal(t, "posts.deleteById", requests[2].ActionName())
}

func TestHooks_ErrorPropagatesWriteStays(t *testing.T) {
	boom := errors.New("notify failed")
	h := newHarness(t, func(o *dbmixin.Options, hooks *dbmixin.Hooks) {
		hooks.EntityInserted = func(ctx context.Context, row dbmixin.Entity, req *broker.Request) error {
			return boom
		}
	})

	res, err := h.broker.Call(context.Background(), service+".insert", broker.Params{
		"entity": dbmixin.Entity{"title": "kept"},
	})

	var herr *dbmixin.LifecycleHookError
	require.ErrorAs(t, err, &herr)
	assert.Equal(t, dbmixin.EventInserted, herr.Event)
	assert.ErrorIs(t, err, boom)

	row, ok := res.(dbmixin.Entity)
	require.True(t, ok, "the committed row is still returned")
	assert.NotNil(t, h.findByID(t, row["id"]))
	assert.Equal(t, 1, h.invalidations(), "cache is cleared before the hook runs")
}

func TestApply_ServiceActionsWin(t *testing.T) {
	mixin, err := dbmixin.New(dbmixin.Options{Table: "posts", DB: testsupport.NewSQLiteDB(t)}, dbmixin.Hooks{})
	require.NoError(t, err)

	custom := &broker.Action{
		Name: dbmixin.ActionFind,
		Handler: func(ctx context.Context, req *broker.Request) (any, error) {
			return "custom", nil
		},
	}
	svc := &broker.Service{Name: "posts"}
	svc.AddAction(custom)
	mixin.Apply(svc)

	assert.Same(t, custom, svc.Actions[dbmixin.ActionFind])
	for _, name := range []string{dbmixin.ActionFindByID, dbmixin.ActionInsert, dbmixin.ActionUpdateByID, dbmixin.ActionDeleteByID} {
		assert.Contains(t, svc.Actions, name)
	}
	assert.Equal(t, "id", svc.Settings["idField"])
}

func TestApply_LifecycleOwnsConnection(t *testing.T) {
	var startedWith *bun.DB
	mixin, err := dbmixin.New(dbmixin.Options{
		Schema: "main",
		Table:  "posts",
		Connection: dbmixin.ConnectionConfig{
			Client:       "sqlite3",
			DSN:          testsupport.SQLiteDSN(),
			MaxOpenConns: 1,
		},
	}, dbmixin.Hooks{})
	require.NoError(t, err)
	assert.Nil(t, mixin.DB())

	svc := &broker.Service{
		Name: "posts",
		Started: func(ctx context.Context) error {
			startedWith = mixin.DB()
			return nil
		},
	}
	mixin.Apply(svc)

	b, err := broker.New(broker.Options{})
	require.NoError(t, err)
	require.NoError(t, b.CreateService(svc))

	require.NoError(t, b.Start(context.Background()))
	require.NotNil(t, startedWith, "connection opens before the service Started hook")

	again, err := mixin.Connect(context.Background())
	require.NoError(t, err)
	assert.Same(t, startedWith, again)

	require.NoError(t, b.Stop(context.Background()))
	assert.Nil(t, mixin.DB())
}

func TestClose_LeavesSharedDBOpen(t *testing.T) {
	db := testsupport.NewSQLiteDB(t)
	mixin, err := dbmixin.New(dbmixin.Options{Table: "posts", DB: db}, dbmixin.Hooks{})
	require.NoError(t, err)

	got, err := mixin.Connect(context.Background())
	require.NoError(t, err)
	assert.Same(t, db, got)

	require.NoError(t, mixin.Close())
	assert.NoError(t, db.PingContext(context.Background()))
}

func TestClean(t *testing.T) {
	h := newHarness(t)
	h.seedPosts(t)

	n, err := h.mixin.Clean(context.Background())
	require.NoError(t, err)
	assert.EqualValues(t, 3, n)
	assert.Zero(t, testsupport.CountRows(t, h.db, testsupport.PostsTable))
}

func TestHelpers_RequireConnection(t *testing.T) {
	mixin, err := dbmixin.New(dbmixin.Options{
		Table:      "posts",
		Connection: dbmixin.ConnectionConfig{Client: "postgres", DSN: "postgres://localhost/db"},
	}, dbmixin.Hooks{})
	require.NoError(t, err)

	_, err = mixin.Find(context.Background(), nil)
	assert.ErrorIs(t, err, dbmixin.ErrNotConnected)
	_, err = mixin.QueryBuilder(context.Background())
	assert.ErrorIs(t, err, dbmixin.ErrNotConnected)
}
