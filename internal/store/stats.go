// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Keyfold Contributors

package store

import (
	"context"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/samber/oops"
)

// querier is the subset of pgxpool.Pool used by StatsRepository.
// pgxmock.PgxPoolIface satisfies it for unit tests.
type querier interface {
	Exec(ctx context.Context, sql string, arguments ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// Stats summarizes the current contents of the auth store.
type Stats struct {
	Users            int64
	VerifiedUsers    int64
	ActiveSessions   int64
	PendingTokens    int64
	LinkedIdentities int64
}

// StatsRepository reads aggregate counts for status reporting and metrics.
type StatsRepository struct {
	pool querier
}

// NewStatsRepository creates a new StatsRepository.
func NewStatsRepository(pool querier) *StatsRepository {
	return &StatsRepository{pool: pool}
}

// Collect gathers all aggregate counts in a single round trip.
func (r *StatsRepository) Collect(ctx context.Context) (*Stats, error) {
	row := r.pool.QueryRow(ctx, `
		SELECT
			(SELECT COUNT(*) FROM users),
			(SELECT COUNT(*) FROM users WHERE email_verified),
			(SELECT COUNT(*) FROM sessions WHERE revoked_at IS NULL AND expires_at > NOW()),
			(SELECT COUNT(*) FROM verification_tokens WHERE consumed_at IS NULL AND expires_at > NOW()),
			(SELECT COUNT(*) FROM linked_identities)
	`)

	var stats Stats
	err := row.Scan(
		&stats.Users,
		&stats.VerifiedUsers,
		&stats.ActiveSessions,
		&stats.PendingTokens,
		&stats.LinkedIdentities,
	)
	if err != nil {
		return nil, oops.Code("STATS_COLLECT_FAILED").
			With("operation", "collect store stats").
			Wrap(err)
	}
	return &stats, nil
}
