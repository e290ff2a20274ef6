package testsupport

import (
	"context"
	"database/sql"
	"fmt"
	"testing"

	"github.com/google/uuid"
	_ "github.com/mattn/go-sqlite3"
	"github.com/uptrace/bun"
	"github.com/uptrace/bun/dialect/sqlitedialect"
)

// PostsTable is created by CreatePostsTable.
const PostsTable = "posts"

const postsSchema = `CREATE TABLE IF NOT EXISTS %s (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	title TEXT,
	content TEXT,
	tenant_id TEXT
)`

// SQLiteDSN returns a DSN for a private shared-cache in-memory database.
func SQLiteDSN() string {
	return fmt.Sprintf("file:%s?mode=memory&cache=shared", uuid.NewString())
}

// NewSQLiteDB opens a fresh in-memory sqlite database closed when the test
// ends. The pool holds one connection so the database lives as long as db.
func NewSQLiteDB(t testing.TB) *bun.DB {
	t.Helper()

	sqldb, err := sql.Open("sqlite3", SQLiteDSN())
	if err != nil {
		t.Fatalf("failed to open sqlite: %v", err)
	}
	sqldb.SetMaxOpenConns(1)

	db := bun.NewDB(sqldb, sqlitedialect.New())
	t.Cleanup(func() { db.Close() })
	return db
}

// CreatePostsTable creates the posts table on db.
func CreatePostsTable(t testing.TB, db bun.IDB) {
	t.Helper()

	if _, err := db.ExecContext(context.Background(), fmt.Sprintf(postsSchema, PostsTable)); err != nil {
		t.Fatalf("failed to create %s table: %v", PostsTable, err)
	}
}

// CountRows returns the number of rows in table.
func CountRows(t testing.TB, db bun.IDB, table string) int {
	t.Helper()

	n, err := db.NewSelect().TableExpr("?", bun.Ident(table)).Count(context.Background())
	if err != nil {
		t.Fatalf("failed to count %s: %v", table, err)
	}
	return n
}

// Normalize converts []byte column values to strings so rows compare equal
// across drivers.
func Normalize(row map[string]any) map[string]any {
	if row == nil {
		return nil
	}
	out := make(map[string]any, len(row))
	for k, v := range row {
		if b, ok := v.([]byte); ok {
			v = string(b)
		}
		out[k] = v
	}
	return out
}
