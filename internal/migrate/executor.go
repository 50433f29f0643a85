package migrate

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/iliyamo/service-marketplace/internal/platform"
)

// Executor runs one statement.  Implementations must not wrap statements in
// a transaction; each one stands alone.
type Executor interface {
	Exec(ctx context.Context, stmt string) error
}

// RPCExecutor sends statements through a database function exposed over
// the platform's REST API, e.g. exec_sql(sql text).
type RPCExecutor struct {
	client *platform.Client
	fn     string
	param  string
}

// NewRPCExecutor returns an executor calling fn with the statement passed as
// the named parameter.
func NewRPCExecutor(client *platform.Client, fn, param string) *RPCExecutor {
	if fn == "" {
		fn = "exec_sql"
	}
	if param == "" {
		param = "sql"
	}
	return &RPCExecutor{client: client, fn: fn, param: param}
}

func (e *RPCExecutor) Exec(ctx context.Context, stmt string) error {
	return e.client.RPC(ctx, e.fn, map[string]string{e.param: stmt}, nil)
}

// SQLExecutor runs statements on a database/sql pool, used for the MySQL
// primary store.
type SQLExecutor struct {
	db *sql.DB
}

func NewSQLExecutor(db *sql.DB) *SQLExecutor { return &SQLExecutor{db: db} }

func (e *SQLExecutor) Exec(ctx context.Context, stmt string) error {
	_, err := e.db.ExecContext(ctx, stmt)
	return err
}

// PgxExecutor runs statements on the platform's Postgres database directly.
type PgxExecutor struct {
	pool *pgxpool.Pool
}

func NewPgxExecutor(pool *pgxpool.Pool) *PgxExecutor { return &PgxExecutor{pool: pool} }

func (e *PgxExecutor) Exec(ctx context.Context, stmt string) error {
	_, err := e.pool.Exec(ctx, stmt)
	return err
}

// OpenPgx connects a pool to dsn and pings it.
func OpenPgx(ctx context.Context, dsn string) (*pgxpool.Pool, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to parse connection string: %w", err)
	}
	cfg.MaxConns = 4
	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to PostgreSQL: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to ping PostgreSQL: %w", err)
	}
	return pool, nil
}

// ExecFunc adapts a function to Executor.
type ExecFunc func(ctx context.Context, stmt string) error

func (f ExecFunc) Exec(ctx context.Context, stmt string) error { return f(ctx, stmt) }
