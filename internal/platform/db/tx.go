package db

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

const DBTxKey contextKey = "db_tx"

// TxFromContext returns the transaction stored by WithTx or InTx, if any.
func TxFromContext(ctx context.Context) pgx.Tx {
	tx, _ := ctx.Value(DBTxKey).(pgx.Tx)
	return tx
}

// WithTx begins a transaction on the tenant connection in ctx and returns a
// context carrying it. The caller commits or rolls back.
func WithTx(ctx context.Context) (context.Context, pgx.Tx, error) {
	conn := ConnFromContext(ctx)
	if conn == nil {
		return ctx, nil, errors.New("no database connection in context")
	}
	tx, err := conn.Begin(ctx)
	if err != nil {
		return ctx, nil, fmt.Errorf("begin transaction: %w", err)
	}
	return context.WithValue(ctx, DBTxKey, tx), tx, nil
}

// TxRunner runs units of work in a single transaction.
type TxRunner struct {
	pool          *pgxpool.Pool
	defaultTenant string
}

func NewTxRunner(pool *pgxpool.Pool, defaultTenant string) *TxRunner {
	return &TxRunner{pool: pool, defaultTenant: defaultTenant}
}

// InTx runs fn in a transaction. An enclosing transaction is reused. Without
// a tenant connection in ctx one is acquired for the tenant in ctx, or the
// default tenant. fn's error rolls everything back.
func (r *TxRunner) InTx(ctx context.Context, fn func(ctx context.Context) error) error {
	if TxFromContext(ctx) != nil {
		return fn(ctx)
	}
	if ConnFromContext(ctx) == nil {
		tenant := TenantFromContext(ctx)
		if tenant == "" {
			tenant = r.defaultTenant
		}
		tctx, release, err := AcquireTenantConn(ctx, r.pool, tenant)
		if err != nil {
			return err
		}
		defer release()
		ctx = tctx
	}

	txCtx, tx, err := WithTx(ctx)
	if err != nil {
		return err
	}
	if err := fn(txCtx); err != nil {
		if rbErr := tx.Rollback(ctx); rbErr != nil && !errors.Is(rbErr, pgx.ErrTxClosed) {
			return fmt.Errorf("%w (rollback: %v)", err, rbErr)
		}
		return err
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit transaction: %w", err)
	}
	return nil
}
