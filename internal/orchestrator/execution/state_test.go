// Copyright (C) 2026 Lazyaf
// SPDX-License-Identifier: AGPL-3.0-or-later

package execution

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lazyaf/lazyaf/internal/orchestrator/models"
)

func TestCanTransition(t *testing.T) {
	t.Run("forward path", func(t *testing.T) {
		assert.True(t, CanTransition(models.ExecutionPending, models.ExecutionPreparing))
		assert.True(t, CanTransition(models.ExecutionPreparing, models.ExecutionRunning))
		assert.True(t, CanTransition(models.ExecutionRunning, models.ExecutionCompleting))
		assert.True(t, CanTransition(models.ExecutionCompleting, models.ExecutionCompleted))
	})

	t.Run("no skipping forward", func(t *testing.T) {
		assert.False(t, CanTransition(models.ExecutionPending, models.ExecutionRunning))
		assert.False(t, CanTransition(models.ExecutionPending, models.ExecutionCompleted))
		assert.False(t, CanTransition(models.ExecutionPreparing, models.ExecutionCompleted))
	})

	t.Run("failure and cancellation from any non-terminal state", func(t *testing.T) {
		for _, from := range []models.StepExecutionState{
			models.ExecutionPending,
			models.ExecutionPreparing,
			models.ExecutionRunning,
			models.ExecutionCompleting,
		} {
			assert.True(t, CanTransition(from, models.ExecutionFailed), "from %s", from)
			assert.True(t, CanTransition(from, models.ExecutionCancelled), "from %s", from)
		}
	})

	t.Run("terminal states are absorbing", func(t *testing.T) {
		terminals := []models.StepExecutionState{
			models.ExecutionCompleted,
			models.ExecutionFailed,
			models.ExecutionCancelled,
		}
		targets := []models.StepExecutionState{
			models.ExecutionPending,
			models.ExecutionPreparing,
			models.ExecutionRunning,
			models.ExecutionCompleting,
			models.ExecutionCompleted,
			models.ExecutionFailed,
			models.ExecutionCancelled,
		}
		for _, from := range terminals {
			for _, to := range targets {
				assert.False(t, CanTransition(from, to), "%s -> %s", from, to)
			}
		}
	})
}

func TestTransition(t *testing.T) {
	exec := &models.StepExecution{State: models.ExecutionPending}

	require.NoError(t, Transition(exec, models.ExecutionPreparing))
	assert.Equal(t, models.ExecutionPreparing, exec.State)

	err := Transition(exec, models.ExecutionCompleted)
	require.Error(t, err)

	var invalid *ErrInvalidTransition
	require.ErrorAs(t, err, &invalid)
	assert.Equal(t, models.ExecutionPreparing, invalid.From)
	assert.Equal(t, models.ExecutionCompleted, invalid.To)
	// State is untouched on a rejected transition.
	assert.Equal(t, models.ExecutionPreparing, exec.State)
}
