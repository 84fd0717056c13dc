package annodb

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"sync/atomic"

	"github.com/uptrace/bun"
	"github.com/uptrace/bun/dialect/pgdialect"
	"github.com/uptrace/bun/dialect/sqlitedialect"
	"github.com/uptrace/bun/driver/pgdriver"
	_ "modernc.org/sqlite" // registers the "sqlite" driver

	"github.com/fernandezvara/annodb/hooks"
)

// Store is the connection pool Sessions draw their connection from.
// Opening a Store does not connect; the first Session scope does.
type Store struct {
	db      *bun.DB
	config  Config
	metrics *hooks.SessionMetrics

	// query hooks, also fired for statements a Session binds itself
	queryHooks []bun.QueryHook
	scopes     atomic.Int32 // open outermost scopes
}

// New creates a store with the given configuration
func New(cfg Config) (*Store, error) {
	cfg.applyDefaults()

	if cfg.URL == "" {
		return nil, &Error{
			Code:    CodeConnectionFailed,
			Message: "database URL is required",
			Op:      "New",
		}
	}

	var bunDB *bun.DB
	switch cfg.Driver {
	case DriverSQLite:
		sqlDB, err := sql.Open("sqlite", sqliteDSN(cfg))
		if err != nil {
			return nil, &Error{
				Code:    CodeConnectionFailed,
				Message: "failed to open sqlite database",
				Op:      "New",
				Cause:   err,
			}
		}
		configurePool(sqlDB, cfg)
		bunDB = bun.NewDB(sqlDB, sqlitedialect.New())
	case DriverPostgres:
		connector := pgdriver.NewConnector(
			pgdriver.WithDSN(cfg.URL),
			pgdriver.WithDialTimeout(cfg.DialTimeout),
			pgdriver.WithReadTimeout(cfg.ReadTimeout),
			pgdriver.WithWriteTimeout(cfg.WriteTimeout),
		)
		sqlDB := sql.OpenDB(connector)
		configurePool(sqlDB, cfg)
		bunDB = bun.NewDB(sqlDB, pgdialect.New())
	default:
		return nil, &Error{
			Code:    CodeConnectionFailed,
			Message: fmt.Sprintf("unsupported driver %q", cfg.Driver),
			Op:      "New",
		}
	}

	st := &Store{
		db:     bunDB,
		config: cfg,
	}

	// Add observability hooks
	if cfg.Logger != nil && (cfg.LogQueries || cfg.LogSlowQueries > 0) {
		st.addQueryHook(hooks.NewLoggerHook(cfg.Logger, cfg.LogQueries, cfg.LogSlowQueries))
	}
	if cfg.MetricsRegistry != nil {
		hook, err := hooks.NewMetricsHook(cfg.MetricsRegistry)
		if err != nil {
			_ = bunDB.Close()
			return nil, fmt.Errorf("annodb: failed to create metrics hook: %w", err)
		}
		st.addQueryHook(hook)

		sm, err := hooks.NewSessionMetrics(cfg.MetricsRegistry)
		if err != nil {
			_ = bunDB.Close()
			return nil, fmt.Errorf("annodb: failed to create session metrics: %w", err)
		}
		st.metrics = sm
	}
	if cfg.Tracer != nil {
		st.addQueryHook(hooks.NewTracingHook(cfg.Tracer, string(cfg.Driver)))
	}

	return st, nil
}

func (st *Store) addQueryHook(h bun.QueryHook) {
	st.db.AddQueryHook(h)
	st.queryHooks = append(st.queryHooks, h)
}

func configurePool(sqlDB *sql.DB, cfg Config) {
	sqlDB.SetMaxOpenConns(cfg.MaxOpenConns)
	sqlDB.SetMaxIdleConns(cfg.MaxIdleConns)
	sqlDB.SetConnMaxLifetime(cfg.ConnMaxLifetime)
	sqlDB.SetConnMaxIdleTime(cfg.ConnMaxIdleTime)
}

// sqliteDSN builds a modernc.org/sqlite URI with the configured pragmas
func sqliteDSN(cfg Config) string {
	dsn := cfg.URL
	if !strings.HasPrefix(dsn, "file:") {
		dsn = "file:" + dsn
	}

	params := []string{
		fmt.Sprintf("_pragma=busy_timeout(%d)", cfg.BusyTimeout.Milliseconds()),
		"_txlock=immediate",
	}
	if cfg.ForeignKeys {
		params = append(params, "_pragma=foreign_keys(1)")
	}

	sep := "?"
	if strings.Contains(dsn, "?") {
		sep = "&"
	}
	return dsn + sep + strings.Join(params, "&")
}

// Close closes the connection pool
func (st *Store) Close() error {
	return st.db.Close()
}

// Ping verifies the store is reachable
func (st *Store) Ping(ctx context.Context) error {
	if err := st.db.PingContext(ctx); err != nil {
		return &Error{
			Code:    CodeConnectionFailed,
			Message: "failed to connect to database",
			Op:      "Ping",
			Cause:   err,
		}
	}
	return nil
}

// Stats returns connection pool statistics
func (st *Store) Stats() sql.DBStats {
	return st.db.Stats()
}

// Bun returns the underlying bun.DB for direct reads outside a Session
func (st *Store) Bun() *bun.DB {
	return st.db
}

// Config returns the current configuration
func (st *Store) Config() Config {
	return st.config
}

// Driver returns the configured backend
func (st *Store) Driver() Driver {
	return st.config.Driver
}

// conn reserves a single connection from the pool
func (st *Store) conn(ctx context.Context) (bun.Conn, error) {
	return st.db.Conn(ctx)
}
