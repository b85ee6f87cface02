package pgrepo

import (
	"context"
	"database/sql"

	"github.com/uptrace/bun"
)

// =====================================
// Transactions
// =====================================

// RunInTx executes fn inside a transaction, committing on nil and rolling
// back on error or panic. Multi-repository workflows pass the bun.Tx to each
// repository's WithTx.
func RunInTx(ctx context.Context, db *bun.DB, opts *sql.TxOptions, fn func(ctx context.Context, tx bun.Tx) error) error {
	if err := db.RunInTx(ctx, opts, fn); err != nil {
		return convertError(err)
	}
	return nil
}

// RunInTx executes fn with a transaction-bound view of this repository. The
// engine never opens transactions implicitly; every multi-statement workflow
// states its boundary here.
func (r *Repository[T]) RunInTx(ctx context.Context, fn func(ctx context.Context, repo *Repository[T]) error) error {
	return RunInTx(ctx, r.conn, nil, func(ctx context.Context, tx bun.Tx) error {
		return fn(ctx, r.WithTx(tx))
	})
}
