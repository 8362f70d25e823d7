// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Keyfold Contributors

package auth

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/keyfold/keyfold/pkg/errutil"
)

// DefaultSweepInterval is how often expired records are purged.
const DefaultSweepInterval = time.Hour

// Sweeper periodically deletes expired/consumed tokens and
// expired/revoked sessions. It runs independently of foreground requests;
// correctness never depends on it because expiry and consumption are
// checked at read time.
type Sweeper struct {
	tokens   TokenRepository
	sessions SessionRepository
	interval time.Duration
	logger   *slog.Logger

	// OnSweep, if set, receives the per-sweep deletion counts. Used to
	// feed metrics.
	OnSweep func(tokensDeleted, sessionsDeleted int64)
}

// NewSweeper creates a Sweeper. interval <= 0 falls back to
// DefaultSweepInterval.
func NewSweeper(tokens TokenRepository, sessions SessionRepository, interval time.Duration, logger *slog.Logger) (*Sweeper, error) {
	if tokens == nil {
		return nil, fmt.Errorf("token repository is required")
	}
	if sessions == nil {
		return nil, fmt.Errorf("session repository is required")
	}
	if interval <= 0 {
		interval = DefaultSweepInterval
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Sweeper{
		tokens:   tokens,
		sessions: sessions,
		interval: interval,
		logger:   logger,
	}, nil
}

// Run sweeps on a ticker until the context is cancelled. It blocks and is
// intended to be run in its own goroutine.
func (s *Sweeper) Run(ctx context.Context) {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.Sweep(ctx)
		}
	}
}

// Sweep performs a single purge pass. Errors are logged, not returned; a
// failed sweep is retried on the next tick.
func (s *Sweeper) Sweep(ctx context.Context) {
	tokensDeleted, err := s.tokens.DeleteExpired(ctx)
	if err != nil {
		errutil.LogError(s.logger, "token sweep failed", err)
	}

	sessionsDeleted, err := s.sessions.DeleteExpired(ctx)
	if err != nil {
		errutil.LogError(s.logger, "session sweep failed", err)
	}

	if tokensDeleted > 0 || sessionsDeleted > 0 {
		s.logger.Debug("sweep completed",
			"tokens_deleted", tokensDeleted,
			"sessions_deleted", sessionsDeleted,
		)
	}

	if s.OnSweep != nil {
		s.OnSweep(tokensDeleted, sessionsDeleted)
	}
}
