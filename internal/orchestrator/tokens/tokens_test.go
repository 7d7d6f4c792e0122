// Copyright (C) 2026 Lazyaf
// SPDX-License-Identifier: AGPL-3.0-or-later

package tokens

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewAndVerify(t *testing.T) {
	plaintext, hash, err := New()
	require.NoError(t, err)
	assert.NotEmpty(t, plaintext)
	assert.Len(t, hash, 64)
	assert.Equal(t, Hash(plaintext), hash)

	assert.True(t, Verify(plaintext, hash))
	assert.False(t, Verify("wrong", hash))
	assert.False(t, Verify(plaintext, Hash("other")))
}

func TestNewIsUnique(t *testing.T) {
	a, _, err := New()
	require.NoError(t, err)
	b, _, err := New()
	require.NoError(t, err)
	assert.NotEqual(t, a, b)
}

func TestRegistry(t *testing.T) {
	t.Run("issued token verifies for its subject only", func(t *testing.T) {
		r := NewRegistry()
		token, err := r.Issue("step-run-1", time.Minute)
		require.NoError(t, err)

		assert.True(t, r.VerifyFor("step-run-1", token))
		assert.False(t, r.VerifyFor("step-run-2", token))
		assert.False(t, r.VerifyFor("step-run-1", "forged"))
	})

	t.Run("reissue replaces the previous token", func(t *testing.T) {
		r := NewRegistry()
		first, err := r.Issue("step-run-1", time.Minute)
		require.NoError(t, err)
		second, err := r.Issue("step-run-1", time.Minute)
		require.NoError(t, err)

		assert.False(t, r.VerifyFor("step-run-1", first))
		assert.True(t, r.VerifyFor("step-run-1", second))
	})

	t.Run("expired token never verifies", func(t *testing.T) {
		r := NewRegistry()
		token, err := r.Issue("step-run-1", -time.Second)
		require.NoError(t, err)
		assert.False(t, r.VerifyFor("step-run-1", token))
	})

	t.Run("revoked token never verifies", func(t *testing.T) {
		r := NewRegistry()
		token, err := r.Issue("step-run-1", time.Minute)
		require.NoError(t, err)
		r.Revoke("step-run-1")
		assert.False(t, r.VerifyFor("step-run-1", token))
	})

	t.Run("sweep drops only expired entries", func(t *testing.T) {
		r := NewRegistry()
		_, err := r.Issue("expired", -time.Second)
		require.NoError(t, err)
		live, err := r.Issue("live", time.Minute)
		require.NoError(t, err)

		assert.Equal(t, 1, r.SweepExpired())
		assert.True(t, r.VerifyFor("live", live))
		assert.Equal(t, 0, r.SweepExpired())
	})
}

func TestStartSweeperDropsExpiredTokens(t *testing.T) {
	r := NewRegistry()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	_, err := r.Issue("expired", time.Millisecond)
	require.NoError(t, err)

	r.StartSweeper(ctx, 10*time.Millisecond)
	// Repeated starts must not stack sweep loops.
	r.StartSweeper(ctx, 10*time.Millisecond)

	require.Eventually(t, func() bool {
		r.mu.Lock()
		defer r.mu.Unlock()
		_, ok := r.entries["expired"]
		return !ok
	}, time.Second, 10*time.Millisecond)
}
