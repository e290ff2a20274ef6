package dbmixin

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	_ "github.com/lib/pq"
	_ "github.com/mattn/go-sqlite3"
	"github.com/uptrace/bun"
	"github.com/uptrace/bun/dialect/pgdialect"
	"github.com/uptrace/bun/dialect/sqlitedialect"
	"github.com/uptrace/bun/schema"
)

// Connect returns the mixin connection, creating it on first use. A shared
// Options.DB is adopted as is; otherwise a connection is opened from
// Options.Connection and checked with a ping.
func (m *Mixin) Connect(ctx context.Context) (*bun.DB, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.db != nil {
		return m.db, nil
	}

	if m.opts.DB != nil {
		m.db = m.opts.DB
		return m.db, nil
	}

	db, err := openDB(ctx, m.opts.Connection)
	if err != nil {
		return nil, &PersistenceError{Op: "connect", Table: m.opts.Table, Err: err}
	}
	db.AddQueryHook(&queryLogger{logger: m.logger})

	m.db = db
	m.owned = true
	m.logger.Info("database connected", "client", m.opts.Connection.Client)
	return m.db, nil
}

// DB returns the current connection, nil before Connect.
func (m *Mixin) DB() *bun.DB {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.db
}

// Close releases a connection opened by Connect. Shared handles stay open.
func (m *Mixin) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.db == nil {
		return nil
	}
	db, owned := m.db, m.owned
	m.db, m.owned = nil, false
	if !owned {
		return nil
	}
	return db.Close()
}

func openDB(ctx context.Context, cfg ConnectionConfig) (*bun.DB, error) {
	driver, dialect, err := resolveClient(cfg.Client)
	if err != nil {
		return nil, err
	}

	sqldb, err := sql.Open(driver, cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", driver, err)
	}
	if cfg.MaxOpenConns > 0 {
		sqldb.SetMaxOpenConns(cfg.MaxOpenConns)
	}
	if cfg.MaxIdleConns > 0 {
		sqldb.SetMaxIdleConns(cfg.MaxIdleConns)
	}
	if cfg.ConnMaxLifetime > 0 {
		sqldb.SetConnMaxLifetime(cfg.ConnMaxLifetime)
	}

	if err := sqldb.PingContext(ctx); err != nil {
		sqldb.Close()
		return nil, fmt.Errorf("ping %s: %w", driver, err)
	}

	return bun.NewDB(sqldb, dialect), nil
}

func resolveClient(client string) (string, schema.Dialect, error) {
	switch strings.ToLower(client) {
	case "postgres", "postgresql", "pg":
		return "postgres", pgdialect.New(), nil
	case "sqlite3", "sqlite":
		return "sqlite3", sqlitedialect.New(), nil
	default:
		return "", nil, fmt.Errorf("unsupported client %q", client)
	}
}

// queryLogger logs every query at debug level.
type queryLogger struct {
	logger *slog.Logger
}

func (h *queryLogger) BeforeQuery(ctx context.Context, event *bun.QueryEvent) context.Context {
	return ctx
}

func (h *queryLogger) AfterQuery(ctx context.Context, event *bun.QueryEvent) {
	attrs := []any{
		"operation", event.Operation(),
		"query", event.Query,
		"duration", time.Since(event.StartTime),
	}
	if event.Err != nil && !errors.Is(event.Err, sql.ErrNoRows) {
		h.logger.DebugContext(ctx, "query failed", append(attrs, "error", event.Err)...)
		return
	}
	h.logger.DebugContext(ctx, "query", attrs...)
}
