package repopg

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"llmgateway/internal/persistence"
)

// TransactionManager implements persistence.TransactionManager over a pgx
// pool, adapted from the teacher's internal/repository/postgres.
// TransactionManager (same Begin/fn/Commit shape, moved off its stale
// jimmyyao/meridian fork import).
type TransactionManager struct {
	pool   *pgxpool.Pool
	logger *slog.Logger
}

// NewTransactionManager constructs a TransactionManager.
func NewTransactionManager(pool *pgxpool.Pool, logger *slog.Logger) *TransactionManager {
	if logger == nil {
		logger = slog.Default()
	}
	return &TransactionManager{pool: pool, logger: logger}
}

// ExecTx runs fn inside a transaction, stashing it in ctx via SetTx so any
// repository method fn calls (through GetExecutor) participates in it.
// Commits on a nil return, rolls back otherwise.
func (tm *TransactionManager) ExecTx(ctx context.Context, fn persistence.TxFn) error {
	tx, err := tm.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}

	defer func() {
		if err := tx.Rollback(ctx); err != nil && !errors.Is(err, pgx.ErrTxClosed) {
			tm.logger.Error("transaction rollback failed", "error", err)
		}
	}()

	if err := fn(SetTx(ctx, tx)); err != nil {
		return err
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit transaction: %w", err)
	}
	return nil
}
