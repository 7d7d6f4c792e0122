// Copyright (C) 2026 Lazyaf
// SPDX-License-Identifier: AGPL-3.0-or-later

package remote

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lazyaf/lazyaf/internal/orchestrator/models"
)

func TestWorkerCanTransition(t *testing.T) {
	t.Run("happy path", func(t *testing.T) {
		assert.True(t, CanTransition(models.WorkerDisconnected, models.WorkerIdle))
		assert.True(t, CanTransition(models.WorkerIdle, models.WorkerAssigned))
		assert.True(t, CanTransition(models.WorkerAssigned, models.WorkerWorking))
		assert.True(t, CanTransition(models.WorkerWorking, models.WorkerIdle))
	})

	t.Run("death paths", func(t *testing.T) {
		assert.True(t, CanTransition(models.WorkerAssigned, models.WorkerDead))
		assert.True(t, CanTransition(models.WorkerWorking, models.WorkerDead))
		assert.True(t, CanTransition(models.WorkerDisconnected, models.WorkerDead))
	})

	t.Run("socket close from any connected state", func(t *testing.T) {
		assert.True(t, CanTransition(models.WorkerIdle, models.WorkerDisconnected))
		assert.True(t, CanTransition(models.WorkerAssigned, models.WorkerDisconnected))
		assert.True(t, CanTransition(models.WorkerWorking, models.WorkerDisconnected))
	})

	t.Run("dead only revives through registration", func(t *testing.T) {
		assert.True(t, CanTransition(models.WorkerDead, models.WorkerIdle))
		assert.False(t, CanTransition(models.WorkerDead, models.WorkerAssigned))
		assert.False(t, CanTransition(models.WorkerDead, models.WorkerWorking))
		assert.False(t, CanTransition(models.WorkerDead, models.WorkerDisconnected))
	})

	t.Run("no skipping the ack", func(t *testing.T) {
		assert.False(t, CanTransition(models.WorkerIdle, models.WorkerWorking))
		assert.False(t, CanTransition(models.WorkerAssigned, models.WorkerIdle))
	})
}

func TestWorkerTransition(t *testing.T) {
	worker := &models.Worker{Status: models.WorkerIdle, CurrentStep: "run-1:0:0"}

	require.NoError(t, Transition(worker, models.WorkerAssigned))
	assert.Equal(t, models.WorkerAssigned, worker.Status)

	err := Transition(worker, models.WorkerIdle)
	require.Error(t, err)

	var invalid *ErrInvalidWorkerTransition
	require.ErrorAs(t, err, &invalid)
	assert.Equal(t, models.WorkerAssigned, invalid.From)
	assert.Equal(t, models.WorkerIdle, invalid.To)
	assert.Equal(t, models.WorkerAssigned, worker.Status)

	// Going dead keeps the held step for the requeue path.
	require.NoError(t, Transition(worker, models.WorkerDead))
	assert.Equal(t, "run-1:0:0", worker.CurrentStep)
}
