// Package storage provides the PostgreSQL storage layer for EDEN3.
//
// It manages connection pooling (via pgxpool), a dedicated connection for
// LISTEN/NOTIFY, transactional helpers for the event pipeline, and query
// methods for every table the pipeline touches.
package storage

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.opentelemetry.io/otel/metric"

	"github.com/eden3/eden3/internal/telemetry"
)

// Pool is the subset of *pgxpool.Pool used by this package. It is satisfied by
// pgxmock's pool in unit tests.
type Pool interface {
	Begin(ctx context.Context) (pgx.Tx, error)
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Ping(ctx context.Context) error
	Close()
}

// querier is implemented by both Pool and pgx.Tx.
type querier interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// DB wraps a connection pool for normal queries and a dedicated pgx.Conn for
// LISTEN/NOTIFY (direct to Postgres).
type DB struct {
	pool       Pool
	notifyConn *pgx.Conn
	logger     *slog.Logger
}

// New creates a new DB with a connection pool.
// poolDSN may point to PgBouncer. notifyDSN should point directly to Postgres
// for LISTEN/NOTIFY support; empty disables the live event stream.
func New(ctx context.Context, poolDSN, notifyDSN string, logger *slog.Logger) (*DB, error) {
	poolCfg, err := pgxpool.ParseConfig(poolDSN)
	if err != nil {
		return nil, fmt.Errorf("storage: parse pool DSN: %w", err)
	}

	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("storage: create pool: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("storage: ping pool: %w", err)
	}

	var notifyConn *pgx.Conn
	if notifyDSN != "" {
		notifyConn, err = pgx.Connect(ctx, notifyDSN)
		if err != nil {
			pool.Close()
			return nil, fmt.Errorf("storage: connect notify: %w", err)
		}
	}

	return &DB{
		pool:       pool,
		notifyConn: notifyConn,
		logger:     logger,
	}, nil
}

// NewWithPool wraps an existing pool. Used by tests with pgxmock.
func NewWithPool(pool Pool, logger *slog.Logger) *DB {
	return &DB{pool: pool, logger: logger}
}

// Pool returns the underlying connection pool for use by other packages.
func (db *DB) Pool() Pool {
	return db.pool
}

// NotifyConn returns the dedicated LISTEN/NOTIFY connection, or nil if not configured.
func (db *DB) NotifyConn() *pgx.Conn {
	return db.notifyConn
}

// HasNotifyConn reports whether LISTEN/NOTIFY is available.
func (db *DB) HasNotifyConn() bool {
	return db.notifyConn != nil
}

// RegisterPoolMetrics exports pool gauges. It must run after telemetry.Init.
// Pools that are not *pgxpool.Pool (pgxmock) are skipped.
func (db *DB) RegisterPoolMetrics() {
	pool, ok := db.pool.(*pgxpool.Pool)
	if !ok {
		return
	}
	meter := telemetry.Meter("eden3/storage")
	acquired, _ := meter.Int64ObservableGauge("eden3.db.pool.acquired_conns",
		metric.WithDescription("Connections currently checked out of the pool"))
	idle, _ := meter.Int64ObservableGauge("eden3.db.pool.idle_conns",
		metric.WithDescription("Idle connections in the pool"))
	total, _ := meter.Int64ObservableGauge("eden3.db.pool.total_conns",
		metric.WithDescription("Total connections in the pool"))
	_, err := meter.RegisterCallback(func(_ context.Context, o metric.Observer) error {
		st := pool.Stat()
		o.ObserveInt64(acquired, int64(st.AcquiredConns()))
		o.ObserveInt64(idle, int64(st.IdleConns()))
		o.ObserveInt64(total, int64(st.TotalConns()))
		return nil
	}, acquired, idle, total)
	if err != nil {
		db.logger.Warn("storage: register pool metrics", "error", err)
	}
}

// PoolStats is a snapshot of the connection pool.
type PoolStats struct {
	Acquired int32 `json:"acquired"`
	Idle     int32 `json:"idle"`
	Total    int32 `json:"total"`
	Max      int32 `json:"max"`
}

// PoolStats reports the pool's connection counts. ok is false for pools
// that do not expose statistics.
func (db *DB) PoolStats() (stats PoolStats, ok bool) {
	pool, ok := db.pool.(*pgxpool.Pool)
	if !ok {
		return PoolStats{}, false
	}
	st := pool.Stat()
	return PoolStats{
		Acquired: st.AcquiredConns(),
		Idle:     st.IdleConns(),
		Total:    st.TotalConns(),
		Max:      st.MaxConns(),
	}, true
}

// Ping checks connectivity to the database.
func (db *DB) Ping(ctx context.Context) error {
	return db.pool.Ping(ctx)
}

// Close shuts down the connection pool and notify connection.
func (db *DB) Close(ctx context.Context) {
	db.pool.Close()
	if db.notifyConn != nil {
		if err := db.notifyConn.Close(ctx); err != nil {
			db.logger.Warn("storage: close notify connection", "error", err)
		}
	}
}
