// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Keyfold Contributors

package auth_test

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/keyfold/keyfold/internal/auth"
)

func TestCheckFailures_ProgressiveDelay(t *testing.T) {
	tests := []struct {
		failures int
		delay    time.Duration
	}{
		{0, 0},
		{1, 1 * time.Second},
		{2, 2 * time.Second},
		{3, 4 * time.Second},
		{4, 8 * time.Second},
		{5, 16 * time.Second},
		{6, 32 * time.Second},
	}

	for _, tt := range tests {
		state := auth.CheckFailures(tt.failures, nil)
		assert.Equal(t, tt.delay, state.Delay, "failures=%d", tt.failures)
		assert.False(t, state.IsLockedOut, "failures=%d", tt.failures)
	}
}

func TestCheckFailures_ThresholdLocks(t *testing.T) {
	state := auth.CheckFailures(auth.LockoutThreshold, nil)
	assert.True(t, state.IsLockedOut)
	assert.Equal(t, auth.LockoutDuration, state.LockoutRemaining)

	state = auth.CheckFailures(auth.LockoutThreshold+5, nil)
	assert.True(t, state.IsLockedOut)
}

func TestCheckFailures_ActiveLockout(t *testing.T) {
	until := time.Now().Add(10 * time.Minute)
	state := auth.CheckFailures(2, &until)

	assert.True(t, state.IsLockedOut)
	assert.Greater(t, state.LockoutRemaining, 9*time.Minute)
	assert.LessOrEqual(t, state.LockoutRemaining, 10*time.Minute)
}

func TestCheckFailures_ExpiredLockout(t *testing.T) {
	until := time.Now().Add(-time.Minute)
	state := auth.CheckFailures(2, &until)

	assert.False(t, state.IsLockedOut)
	assert.Equal(t, 2*time.Second, state.Delay)
}

func TestIsLockedOut(t *testing.T) {
	assert.False(t, auth.IsLockedOut(nil))

	past := time.Now().Add(-time.Second)
	assert.False(t, auth.IsLockedOut(&past))

	future := time.Now().Add(time.Minute)
	assert.True(t, auth.IsLockedOut(&future))
}

func TestComputeLockoutTime(t *testing.T) {
	assert.Nil(t, auth.ComputeLockoutTime(auth.LockoutThreshold-1))

	until := auth.ComputeLockoutTime(auth.LockoutThreshold)
	if assert.NotNil(t, until) {
		assert.WithinDuration(t, time.Now().Add(auth.LockoutDuration), *until, time.Minute)
	}
}
