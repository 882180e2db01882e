// Package repopg implements C9's Postgres backend: the persistence.Reader/
// Writer/Navigator ports plus the streamhub.Store used for reconnect
// catchup, all built on jackc/pgx/v5. Grounded on the teacher's
// internal/repository/postgres package (connection.go's pool setup and
// DBTX/transaction-context pattern, llm/turn.go's query shape), adapted
// from Turn/TurnBlock tables to this gateway's conversations/messages
// schema.
package repopg

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

// DBTX is satisfied by both *pgxpool.Pool and pgx.Tx, letting repository
// methods run unchanged whether or not a transaction is active.
type DBTX interface {
	Exec(ctx context.Context, sql string, args ...interface{}) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...interface{}) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...interface{}) pgx.Row
}

type txContextKey struct{}

// SetTx stores a transaction in the context for GetExecutor to pick up.
func SetTx(ctx context.Context, tx pgx.Tx) context.Context {
	return context.WithValue(ctx, txContextKey{}, tx)
}

// GetTx retrieves a transaction from the context, or nil if none is active.
func GetTx(ctx context.Context) pgx.Tx {
	tx, _ := ctx.Value(txContextKey{}).(pgx.Tx)
	return tx
}

// GetExecutor returns the context's active transaction if one exists,
// otherwise the pool itself — repositories call this instead of using pool
// directly so they transparently participate in a caller's transaction.
func GetExecutor(ctx context.Context, pool *pgxpool.Pool) DBTX {
	if tx := GetTx(ctx); tx != nil {
		return tx
	}
	return pool
}

// TableNames holds the (optionally prefixed) table names this package
// queries, matching the teacher's environment-prefixing convention for
// running dev/test/prod against the same database.
type TableNames struct {
	Conversations string
	Messages      string
	StreamEvents  string
}

// NewTableNames builds table names under prefix (config's defaults are
// "prod_", "test_" and "dev_" by environment; "" gives unprefixed names).
func NewTableNames(prefix string) *TableNames {
	return &TableNames{
		Conversations: prefix + "conversations",
		Messages:      prefix + "messages",
		StreamEvents:  prefix + "stream_events",
	}
}

// Config bundles what every repository in this package needs.
type Config struct {
	Pool   *pgxpool.Pool
	Tables *TableNames
}

// NewPool opens a pgx connection pool. Auto-detects PgBouncer's transaction
// pooling port (6543) the way the teacher's CreateConnectionPool does and
// switches off prepared-statement caching accordingly, since PgBouncer in
// that mode doesn't support them.
func NewPool(ctx context.Context, databaseURL string) (*pgxpool.Pool, error) {
	cfg, err := pgxpool.ParseConfig(databaseURL)
	if err != nil {
		return nil, fmt.Errorf("parse connection string: %w", err)
	}

	if cfg.ConnConfig.Port == 6543 && cfg.ConnConfig.DefaultQueryExecMode == pgx.QueryExecModeCacheStatement {
		cfg.ConnConfig.DefaultQueryExecMode = pgx.QueryExecModeCacheDescribe
	}

	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("create connection pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}
	return pool, nil
}

// IsNoRows reports whether err is pgx's "no rows" sentinel.
func IsNoRows(err error) bool {
	return errors.Is(err, pgx.ErrNoRows)
}

// IsForeignKeyViolation reports whether err is a Postgres foreign-key
// constraint violation (SQLSTATE 23503).
func IsForeignKeyViolation(err error) bool {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == "23503"
	}
	return false
}
