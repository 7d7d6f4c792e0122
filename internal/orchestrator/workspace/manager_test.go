// Copyright (C) 2026 Lazyaf
// SPDX-License-Identifier: AGPL-3.0-or-later

package workspace

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/lazyaf/lazyaf/internal/config"
	"github.com/lazyaf/lazyaf/internal/orchestrator/database"
	"github.com/lazyaf/lazyaf/internal/orchestrator/models"
	"github.com/lazyaf/lazyaf/pkg/containers/docker"
	containermodels "github.com/lazyaf/lazyaf/pkg/containers/models"
)

func newTestManager(t *testing.T) (*Manager, *database.GormDB, *docker.MockClient) {
	fixture := database.UseFreshInMemoryDatabase(t)
	t.Cleanup(fixture.Cleanup)

	mockDocker := &docker.MockClient{}
	cfg := &config.WorkspaceConfig{
		OrphanThreshold: 2 * time.Hour,
		SweepInterval:   30 * time.Second,
	}
	return NewManager(fixture.DB, mockDocker, cfg), fixture.DB, mockDocker
}

func TestAcquireCreatesVolumeOnce(t *testing.T) {
	ctx := context.Background()
	mgr, _, mockDocker := newTestManager(t)
	id := models.WorkspaceID("run-1")

	mockDocker.On("VolumeExists", mock.Anything, id).Return(false, nil).Once()
	mockDocker.On("CreateVolume", mock.Anything, id, mock.Anything).
		Return(&containermodels.Volume{Name: id}, nil).Once()

	first, err := mgr.Acquire(ctx, "run-1")
	require.NoError(t, err)
	assert.Equal(t, id, first.ID)
	assert.Equal(t, models.WorkspaceInUse, first.Status)
	assert.Equal(t, 1, first.UseCount)

	// Second acquire reuses the existing volume.
	second, err := mgr.Acquire(ctx, "run-1")
	require.NoError(t, err)
	assert.Equal(t, 2, second.UseCount)

	mockDocker.AssertExpectations(t)
}

func TestReleaseDropsUseCount(t *testing.T) {
	ctx := context.Background()
	mgr, db, mockDocker := newTestManager(t)
	id := models.WorkspaceID("run-1")

	mockDocker.On("VolumeExists", mock.Anything, id).Return(false, nil).Once()
	mockDocker.On("CreateVolume", mock.Anything, id, mock.Anything).
		Return(&containermodels.Volume{Name: id}, nil).Once()

	_, err := mgr.Acquire(ctx, "run-1")
	require.NoError(t, err)
	_, err = mgr.Acquire(ctx, "run-1")
	require.NoError(t, err)

	require.NoError(t, mgr.Release(ctx, "run-1"))
	ws, err := db.GetWorkspace(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, 1, ws.UseCount)
	assert.Equal(t, models.WorkspaceInUse, ws.Status)

	// Last release returns the workspace to ready, volume stays.
	require.NoError(t, mgr.Release(ctx, "run-1"))
	ws, err = db.GetWorkspace(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, 0, ws.UseCount)
	assert.Equal(t, models.WorkspaceReady, ws.Status)
	mockDocker.AssertNotCalled(t, "RemoveVolume", mock.Anything, mock.Anything, mock.Anything)
}

func TestClean(t *testing.T) {
	ctx := context.Background()

	t.Run("refuses while in use", func(t *testing.T) {
		mgr, _, mockDocker := newTestManager(t)
		id := models.WorkspaceID("run-1")

		mockDocker.On("VolumeExists", mock.Anything, id).Return(false, nil).Once()
		mockDocker.On("CreateVolume", mock.Anything, id, mock.Anything).
			Return(&containermodels.Volume{Name: id}, nil).Once()

		_, err := mgr.Acquire(ctx, "run-1")
		require.NoError(t, err)

		err = mgr.Clean(ctx, "run-1", false)
		assert.ErrorContains(t, err, "active uses")
	})

	t.Run("force ignores use count", func(t *testing.T) {
		mgr, db, mockDocker := newTestManager(t)
		id := models.WorkspaceID("run-2")

		mockDocker.On("VolumeExists", mock.Anything, id).Return(false, nil).Once()
		mockDocker.On("CreateVolume", mock.Anything, id, mock.Anything).
			Return(&containermodels.Volume{Name: id}, nil).Once()
		mockDocker.On("RemoveVolume", mock.Anything, id, true).Return(nil).Once()

		_, err := mgr.Acquire(ctx, "run-2")
		require.NoError(t, err)

		require.NoError(t, mgr.Clean(ctx, "run-2", true))
		ws, err := db.GetWorkspace(ctx, id)
		require.NoError(t, err)
		assert.Equal(t, models.WorkspaceCleaned, ws.Status)
		assert.Equal(t, 0, ws.UseCount)
		assert.NotNil(t, ws.CleanedAt)
		mockDocker.AssertExpectations(t)
	})

	t.Run("unknown run is a no-op", func(t *testing.T) {
		mgr, _, _ := newTestManager(t)
		require.NoError(t, mgr.Clean(ctx, "run-never-existed", false))
	})

	t.Run("clean is idempotent", func(t *testing.T) {
		mgr, _, mockDocker := newTestManager(t)
		id := models.WorkspaceID("run-3")

		mockDocker.On("VolumeExists", mock.Anything, id).Return(false, nil).Once()
		mockDocker.On("CreateVolume", mock.Anything, id, mock.Anything).
			Return(&containermodels.Volume{Name: id}, nil).Once()
		mockDocker.On("RemoveVolume", mock.Anything, id, false).Return(nil).Once()

		_, err := mgr.Acquire(ctx, "run-3")
		require.NoError(t, err)
		require.NoError(t, mgr.Release(ctx, "run-3"))

		require.NoError(t, mgr.Clean(ctx, "run-3", false))
		require.NoError(t, mgr.Clean(ctx, "run-3", false))
		mockDocker.AssertNumberOfCalls(t, "RemoveVolume", 1)
	})
}

func TestSweepOrphans(t *testing.T) {
	ctx := context.Background()
	mgr, db, mockDocker := newTestManager(t)

	require.NoError(t, db.CreatePipelineRun(ctx, &models.PipelineRun{
		ID:           "run-done",
		PipelineID:   "p-1",
		RepositoryID: "repo-1",
		Status:       models.PipelineRunPassed,
	}))
	require.NoError(t, db.CreatePipelineRun(ctx, &models.PipelineRun{
		ID:           "run-fresh",
		PipelineID:   "p-1",
		RepositoryID: "repo-1",
		Status:       models.PipelineRunPassed,
	}))

	now := time.Now()
	stale := now.Add(-3 * time.Hour)
	doneID := models.WorkspaceID("run-done")
	freshID := models.WorkspaceID("run-fresh")
	goneID := models.WorkspaceID("run-gone")

	// Stale workspace of a finished run: reclaimed.
	require.NoError(t, db.CreateWorkspace(ctx, &models.Workspace{
		ID:            doneID,
		PipelineRunID: "run-done",
		Status:        models.WorkspaceReady,
		LastUsedAt:    &stale,
	}))
	// Fresh workspace of a finished run: still within the idle threshold.
	require.NoError(t, db.CreateWorkspace(ctx, &models.Workspace{
		ID:            freshID,
		PipelineRunID: "run-fresh",
		Status:        models.WorkspaceReady,
		LastUsedAt:    &now,
	}))
	// Stale workspace whose run row no longer exists: reclaimed.
	require.NoError(t, db.CreateWorkspace(ctx, &models.Workspace{
		ID:            goneID,
		PipelineRunID: "run-gone",
		Status:        models.WorkspaceReady,
		LastUsedAt:    &stale,
	}))

	mockDocker.On("RemoveVolume", mock.Anything, doneID, false).Return(nil).Once()
	mockDocker.On("RemoveVolume", mock.Anything, goneID, false).Return(nil).Once()

	require.NoError(t, mgr.SweepOrphans(ctx))

	swept, err := db.GetWorkspace(ctx, doneID)
	require.NoError(t, err)
	assert.Equal(t, models.WorkspaceCleaned, swept.Status)

	orphaned, err := db.GetWorkspace(ctx, goneID)
	require.NoError(t, err)
	assert.Equal(t, models.WorkspaceCleaned, orphaned.Status)

	kept, err := db.GetWorkspace(ctx, freshID)
	require.NoError(t, err)
	assert.Equal(t, models.WorkspaceReady, kept.Status)

	mockDocker.AssertExpectations(t)
	mockDocker.AssertNotCalled(t, "RemoveVolume", mock.Anything, freshID, mock.Anything)
}

func TestSweepSparesStaleLiveRun(t *testing.T) {
	ctx := context.Background()
	mgr, db, mockDocker := newTestManager(t)

	// A run idling at a breakpoint or between slow steps may not touch its
	// workspace for hours; the sweeper must leave it alone while the run
	// is still live.
	require.NoError(t, db.CreatePipelineRun(ctx, &models.PipelineRun{
		ID:           "run-stale",
		PipelineID:   "p-1",
		RepositoryID: "repo-1",
		Status:       models.PipelineRunRunning,
	}))

	id := models.WorkspaceID("run-stale")
	stale := time.Now().Add(-3 * time.Hour)
	require.NoError(t, db.CreateWorkspace(ctx, &models.Workspace{
		ID:            id,
		PipelineRunID: "run-stale",
		Status:        models.WorkspaceReady,
		LastUsedAt:    &stale,
	}))

	require.NoError(t, mgr.SweepOrphans(ctx))

	ws, err := db.GetWorkspace(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, models.WorkspaceReady, ws.Status)
	mockDocker.AssertNotCalled(t, "RemoveVolume", mock.Anything, mock.Anything, mock.Anything)
}

func TestStartSweeperSingleLoop(t *testing.T) {
	mgr, _, _ := newTestManager(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Repeated starts must not stack sweep loops.
	mgr.StartSweeper(ctx)
	mgr.StartSweeper(ctx)
}
