// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Keyfold Contributors

//go:build integration

package postgres_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/oklog/ulid/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/keyfold/keyfold/internal/auth"
	"github.com/keyfold/keyfold/internal/auth/postgres"
)

// createTestToken inserts a verification token for the given user. Cleanup
// rides on the cascading user delete in createTestUser.
func createTestToken(t *testing.T, userID ulid.ULID, purpose auth.TokenPurpose, tokenHash string, expiresAt time.Time) *auth.VerificationToken {
	t.Helper()
	token, err := auth.NewVerificationToken(userID, purpose, tokenHash, expiresAt)
	require.NoError(t, err)
	require.NoError(t, postgres.NewTokenRepository(testPool).Create(context.Background(), token))
	return token
}

func TestTokenRepository_Consume(t *testing.T) {
	ctx := context.Background()
	repo := postgres.NewTokenRepository(testPool)

	t.Run("consumes a live token", func(t *testing.T) {
		user := createTestUser(t, "consume@example.com")
		createTestToken(t, user.ID, auth.PurposeVerifyEmail, "consume-hash", time.Now().Add(time.Hour))

		token, err := repo.Consume(ctx, "consume-hash", auth.PurposeVerifyEmail, time.Now())
		require.NoError(t, err)
		assert.Equal(t, user.ID, token.UserID)
		assert.NotNil(t, token.ConsumedAt)
	})

	t.Run("unknown token", func(t *testing.T) {
		_, err := repo.Consume(ctx, "no-such-hash", auth.PurposeVerifyEmail, time.Now())
		require.ErrorIs(t, err, auth.ErrNotFound)
	})

	t.Run("wrong purpose reads as missing", func(t *testing.T) {
		user := createTestUser(t, "purpose@example.com")
		createTestToken(t, user.ID, auth.PurposeVerifyEmail, "purpose-hash", time.Now().Add(time.Hour))

		_, err := repo.Consume(ctx, "purpose-hash", auth.PurposeResetPassword, time.Now())
		require.ErrorIs(t, err, auth.ErrNotFound)
	})

	t.Run("second consume reports used", func(t *testing.T) {
		user := createTestUser(t, "reuse@example.com")
		createTestToken(t, user.ID, auth.PurposeVerifyEmail, "reuse-hash", time.Now().Add(time.Hour))

		_, err := repo.Consume(ctx, "reuse-hash", auth.PurposeVerifyEmail, time.Now())
		require.NoError(t, err)

		_, err = repo.Consume(ctx, "reuse-hash", auth.PurposeVerifyEmail, time.Now())
		require.ErrorIs(t, err, auth.ErrTokenUsed)
	})

	t.Run("expired token", func(t *testing.T) {
		user := createTestUser(t, "expired@example.com")
		createTestToken(t, user.ID, auth.PurposeResetPassword, "expired-hash", time.Now().Add(time.Hour))

		_, err := repo.Consume(ctx, "expired-hash", auth.PurposeResetPassword, time.Now().Add(2*time.Hour))
		require.ErrorIs(t, err, auth.ErrTokenExpired)
	})

	t.Run("concurrent consumers produce a single winner", func(t *testing.T) {
		user := createTestUser(t, "race@example.com")
		createTestToken(t, user.ID, auth.PurposeVerifyEmail, "race-hash", time.Now().Add(time.Hour))

		const workers = 16
		var (
			wg   sync.WaitGroup
			mu   sync.Mutex
			wins int
			used int
		)
		for range workers {
			wg.Add(1)
			go func() {
				defer wg.Done()
				_, err := repo.Consume(ctx, "race-hash", auth.PurposeVerifyEmail, time.Now())
				mu.Lock()
				defer mu.Unlock()
				switch {
				case err == nil:
					wins++
				case errors.Is(err, auth.ErrTokenUsed):
					used++
				}
			}()
		}
		wg.Wait()

		assert.Equal(t, 1, wins)
		assert.Equal(t, workers-1, used)
	})
}

func TestTokenRepository_DeleteByUser(t *testing.T) {
	ctx := context.Background()
	repo := postgres.NewTokenRepository(testPool)

	user := createTestUser(t, "invalidate@example.com")
	createTestToken(t, user.ID, auth.PurposeResetPassword, "invalidate-hash-1", time.Now().Add(time.Hour))
	createTestToken(t, user.ID, auth.PurposeResetPassword, "invalidate-hash-2", time.Now().Add(time.Hour))
	createTestToken(t, user.ID, auth.PurposeVerifyEmail, "invalidate-hash-3", time.Now().Add(time.Hour))

	require.NoError(t, repo.DeleteByUser(ctx, user.ID, auth.PurposeResetPassword))

	_, err := repo.Consume(ctx, "invalidate-hash-1", auth.PurposeResetPassword, time.Now())
	require.ErrorIs(t, err, auth.ErrNotFound)
	_, err = repo.Consume(ctx, "invalidate-hash-2", auth.PurposeResetPassword, time.Now())
	require.ErrorIs(t, err, auth.ErrNotFound)

	// The verify token is untouched.
	_, err = repo.Consume(ctx, "invalidate-hash-3", auth.PurposeVerifyEmail, time.Now())
	require.NoError(t, err)
}

func TestTokenRepository_DeleteExpired(t *testing.T) {
	ctx := context.Background()
	repo := postgres.NewTokenRepository(testPool)

	user := createTestUser(t, "sweep-tokens@example.com")
	createTestToken(t, user.ID, auth.PurposeVerifyEmail, "sweep-live", time.Now().Add(time.Hour))
	createTestToken(t, user.ID, auth.PurposeVerifyEmail, "sweep-stale", time.Now().Add(10*time.Millisecond))
	createTestToken(t, user.ID, auth.PurposeVerifyEmail, "sweep-spent", time.Now().Add(time.Hour))

	_, err := repo.Consume(ctx, "sweep-spent", auth.PurposeVerifyEmail, time.Now())
	require.NoError(t, err)
	time.Sleep(100 * time.Millisecond)

	deleted, err := repo.DeleteExpired(ctx)
	require.NoError(t, err)
	assert.GreaterOrEqual(t, deleted, int64(2))

	// The live token survives the sweep.
	_, err = repo.Consume(ctx, "sweep-live", auth.PurposeVerifyEmail, time.Now())
	require.NoError(t, err)
}
