// Copyright (C) 2026 Lazyaf
// SPDX-License-Identifier: AGPL-3.0-or-later

package execution

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lazyaf/lazyaf/internal/orchestrator/database"
	"github.com/lazyaf/lazyaf/internal/orchestrator/models"
)

func newTestStore(t *testing.T) *Store {
	fixture := database.UseFreshInMemoryDatabase(t)
	t.Cleanup(fixture.Cleanup)
	return NewStore(fixture.DB)
}

func TestClaimIsIdempotent(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)
	key := BuildKey("run-1", 0, 0)

	first, created, err := store.Claim(ctx, key, "step-run-1", LocalRunnerID)
	require.NoError(t, err)
	require.True(t, created)
	assert.Equal(t, models.ExecutionPending, first.State)
	assert.Equal(t, LocalRunnerID, first.RunnerID)

	second, created, err := store.Claim(ctx, key, "step-run-1", "other-runner")
	require.NoError(t, err)
	assert.False(t, created)
	// The loser sees the winner's row, not its own arguments.
	assert.Equal(t, first.ID, second.ID)
	assert.Equal(t, LocalRunnerID, second.RunnerID)
}

func TestCompleteByExitCode(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)

	t.Run("exit zero completes", func(t *testing.T) {
		exec, _, err := store.Claim(ctx, BuildKey("run-ok", 0, 0), "sr-1", LocalRunnerID)
		require.NoError(t, err)
		require.NoError(t, store.Advance(ctx, exec, models.ExecutionPreparing))
		require.NoError(t, store.Advance(ctx, exec, models.ExecutionRunning))

		require.NoError(t, store.Complete(ctx, exec, 0, ""))
		assert.Equal(t, models.ExecutionCompleted, exec.State)
		require.NotNil(t, exec.ExitCode)
		assert.Equal(t, 0, *exec.ExitCode)
		assert.NotNil(t, exec.CompletedAt)
	})

	t.Run("nonzero exit fails with synthesized message", func(t *testing.T) {
		exec, _, err := store.Claim(ctx, BuildKey("run-fail", 0, 0), "sr-2", LocalRunnerID)
		require.NoError(t, err)
		require.NoError(t, store.Advance(ctx, exec, models.ExecutionPreparing))
		require.NoError(t, store.Advance(ctx, exec, models.ExecutionRunning))

		require.NoError(t, store.Complete(ctx, exec, 2, ""))
		assert.Equal(t, models.ExecutionFailed, exec.State)
		assert.Equal(t, "step exited with code 2", exec.Error)
	})
}

func TestAdvanceRecordsStateHistory(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)

	exec, _, err := store.Claim(ctx, BuildKey("run-hist", 0, 0), "sr-1", LocalRunnerID)
	require.NoError(t, err)
	require.NoError(t, store.Advance(ctx, exec, models.ExecutionPreparing))
	require.NoError(t, store.Advance(ctx, exec, models.ExecutionRunning))
	require.NoError(t, store.Complete(ctx, exec, 3, ""))

	// The full ordered transition log survives a reload.
	stored, err := store.Get(ctx, BuildKey("run-hist", 0, 0))
	require.NoError(t, err)
	require.Len(t, stored.StateHistory, 4)

	states := []models.StepExecutionState{
		models.ExecutionPending,
		models.ExecutionPreparing,
		models.ExecutionRunning,
		models.ExecutionCompleting,
		models.ExecutionFailed,
	}
	for i, change := range stored.StateHistory {
		assert.Equal(t, states[i], change.From)
		assert.Equal(t, states[i+1], change.To)
		assert.False(t, change.At.IsZero())
		if i > 0 {
			assert.False(t, change.At.Before(stored.StateHistory[i-1].At))
		}
	}
	assert.Equal(t, "step exited with code 3", stored.StateHistory[3].Reason)

	// Successful transitions carry no reason.
	assert.Empty(t, stored.StateHistory[0].Reason)
	assert.Empty(t, stored.StateHistory[1].Reason)
}

func TestFailRecordsReasonInHistory(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)

	exec, _, err := store.Claim(ctx, BuildKey("run-hist-fail", 0, 0), "sr-1", "worker-a")
	require.NoError(t, err)
	require.NoError(t, store.Advance(ctx, exec, models.ExecutionPreparing))
	require.NoError(t, store.Fail(ctx, exec, "worker died"))

	stored, err := store.Get(ctx, BuildKey("run-hist-fail", 0, 0))
	require.NoError(t, err)
	require.Len(t, stored.StateHistory, 2)
	assert.Equal(t, models.ExecutionFailed, stored.StateHistory[1].To)
	assert.Equal(t, "worker died", stored.StateHistory[1].Reason)
}

func TestRequeueClaimsNextAttempt(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)

	dead, _, err := store.Claim(ctx, BuildKey("run-2", 1, 0), "sr-1", "worker-a")
	require.NoError(t, err)
	require.NoError(t, store.Advance(ctx, dead, models.ExecutionPreparing))
	require.NoError(t, store.Advance(ctx, dead, models.ExecutionRunning))

	fresh, err := store.Requeue(ctx, dead, "worker died")
	require.NoError(t, err)

	// The dead attempt is closed out, not deleted.
	assert.Equal(t, models.ExecutionFailed, dead.State)
	assert.Equal(t, "worker died", dead.Error)
	stored, err := store.Get(ctx, BuildKey("run-2", 1, 0))
	require.NoError(t, err)
	assert.Equal(t, models.ExecutionFailed, stored.State)

	// The fresh attempt starts clean under the incremented key.
	assert.Equal(t, "run-2:1:1", fresh.ExecutionKey)
	assert.Equal(t, 1, fresh.Attempt)
	assert.Equal(t, models.ExecutionPending, fresh.State)
	assert.Empty(t, fresh.RunnerID)
	assert.Equal(t, "sr-1", fresh.StepRunID)
}

func TestRequeueOfAlreadyTerminalAttempt(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)

	dead, _, err := store.Claim(ctx, BuildKey("run-3", 0, 0), "sr-1", "worker-a")
	require.NoError(t, err)
	require.NoError(t, store.Fail(ctx, dead, "first failure"))

	fresh, err := store.Requeue(ctx, dead, "worker died")
	require.NoError(t, err)

	// The original failure reason is not overwritten.
	assert.Equal(t, "first failure", dead.Error)
	assert.Equal(t, "run-3:0:1", fresh.ExecutionKey)
}

func TestFailOrphans(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)

	running, _, err := store.Claim(ctx, BuildKey("run-4", 0, 0), "sr-1", LocalRunnerID)
	require.NoError(t, err)
	require.NoError(t, store.Advance(ctx, running, models.ExecutionPreparing))
	require.NoError(t, store.Advance(ctx, running, models.ExecutionRunning))

	done, _, err := store.Claim(ctx, BuildKey("run-4", 1, 0), "sr-2", LocalRunnerID)
	require.NoError(t, err)
	require.NoError(t, store.Advance(ctx, done, models.ExecutionPreparing))
	require.NoError(t, store.Advance(ctx, done, models.ExecutionRunning))
	require.NoError(t, store.Complete(ctx, done, 0, ""))

	n, err := store.FailOrphans(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	orphaned, err := store.Get(ctx, BuildKey("run-4", 0, 0))
	require.NoError(t, err)
	assert.Equal(t, models.ExecutionFailed, orphaned.State)
	assert.Equal(t, "orphaned by orchestrator restart", orphaned.Error)

	untouched, err := store.Get(ctx, BuildKey("run-4", 1, 0))
	require.NoError(t, err)
	assert.Equal(t, models.ExecutionCompleted, untouched.State)
}
