package repository

import (
	"context"

	"github.com/jackc/pgx/v4"
)

type Tx interface{}

// TransactionManager runs fn inside a database transaction and hands it the
// driver's tx handle. Repositories accept a nil Tx for the non-transactional
// path and detect a real one (pgx.Tx for Postgres) to run multi-statement
// changes such as the stale-job sweep atomically.
type TransactionManager interface {
	WithTx(ctx context.Context, txOpt pgx.TxOptions, fn func(ctx context.Context, tx Tx) error) error
}
