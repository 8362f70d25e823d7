// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Keyfold Contributors

package postgres

import (
	"context"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/samber/oops"

	"github.com/keyfold/keyfold/internal/auth"
)

// querier is the query surface shared by *pgxpool.Pool and pgx.Tx. The
// repositories in this package run against it, so the same code serves
// both pooled and transaction-scoped access.
type querier interface {
	Exec(ctx context.Context, sql string, arguments ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// TxManager implements auth.Atomic on a pgx pool. Each InTx call runs its
// unit of work inside a single database transaction.
type TxManager struct {
	pool *pgxpool.Pool
}

// NewTxManager creates a TxManager.
func NewTxManager(pool *pgxpool.Pool) *TxManager {
	return &TxManager{pool: pool}
}

var _ auth.Atomic = (*TxManager)(nil)

// InTx begins a transaction, hands fn repositories bound to it, and
// commits when fn returns nil. Any error from fn rolls everything back.
func (m *TxManager) InTx(ctx context.Context, fn func(auth.TxRepositories) error) error {
	tx, err := m.pool.Begin(ctx)
	if err != nil {
		return oops.Code("TX_BEGIN_FAILED").Wrap(err)
	}
	defer tx.Rollback(ctx) //nolint:errcheck // no-op after commit

	err = fn(auth.TxRepositories{
		Users:    &UserRepository{db: tx},
		Tokens:   &TokenRepository{db: tx},
		Sessions: &SessionRepository{db: tx},
	})
	if err != nil {
		return err
	}

	if err := tx.Commit(ctx); err != nil {
		return oops.Code("TX_COMMIT_FAILED").Wrap(err)
	}
	return nil
}
