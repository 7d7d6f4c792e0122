// Copyright (C) 2026 Lazyaf
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package workspace manages the shared docker volume each pipeline run
// executes in. Volumes are reference counted: acquisition bumps the count,
// release drops it, and cleanup only proceeds at zero. A background sweeper
// reclaims volumes whose run is long gone.
package workspace

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/lazyaf/lazyaf/internal/config"
	"github.com/lazyaf/lazyaf/internal/logger"
	"github.com/lazyaf/lazyaf/internal/orchestrator/database"
	"github.com/lazyaf/lazyaf/internal/orchestrator/models"
	"github.com/lazyaf/lazyaf/pkg/containers/docker"
)

var (
	log     *zerolog.Logger
	logOnce sync.Once
)

func getLog() *zerolog.Logger {
	logOnce.Do(func() {
		l := logger.GetWorkspaceLogger().With().Str("component", "manager").Logger()
		log = &l
	})
	return log
}

// Manager owns workspace volumes. All acquire/release/clean paths serialize
// per workspace id through perIDLock, so a concurrent acquire and clean of
// the same run cannot interleave.
type Manager struct {
	db     *database.GormDB
	docker docker.ClientInterface
	cfg    *config.WorkspaceConfig

	mu    sync.Mutex
	locks map[string]*sync.Mutex

	sweepOnce sync.Once
}

// NewManager creates a new workspace manager
func NewManager(db *database.GormDB, dockerClient docker.ClientInterface, cfg *config.WorkspaceConfig) *Manager {
	return &Manager{
		db:     db,
		docker: dockerClient,
		cfg:    cfg,
		locks:  make(map[string]*sync.Mutex),
	}
}

// perIDLock returns the mutex serializing operations on one workspace id.
func (m *Manager) perIDLock(id string) *sync.Mutex {
	m.mu.Lock()
	defer m.mu.Unlock()
	l, ok := m.locks[id]
	if !ok {
		l = &sync.Mutex{}
		m.locks[id] = l
	}
	return l
}

// Acquire returns the run's workspace, creating the volume on first use,
// and bumps the use count. Safe to call concurrently for the same run:
// exactly one caller creates, the rest attach to the existing record.
func (m *Manager) Acquire(ctx context.Context, pipelineRunID string) (*models.Workspace, error) {
	id := models.WorkspaceID(pipelineRunID)
	lock := m.perIDLock(id)
	lock.Lock()
	defer lock.Unlock()

	ws, err := m.db.GetWorkspace(ctx, id)
	if err != nil {
		if !database.IsNotFound(err) {
			return nil, err
		}
		ws, err = m.create(ctx, id, pipelineRunID)
		if err != nil {
			return nil, err
		}
	}

	switch ws.Status {
	case models.WorkspaceCleaned, models.WorkspaceCleaning:
		return nil, fmt.Errorf("workspace %s is already being cleaned up", id)
	case models.WorkspaceFailed:
		// A failed creation retries from scratch.
		ws, err = m.recreate(ctx, ws)
		if err != nil {
			return nil, err
		}
	}

	now := time.Now()
	ws.UseCount++
	ws.Status = models.WorkspaceInUse
	ws.LastUsedAt = &now
	if err := m.db.SaveWorkspace(ctx, ws); err != nil {
		return nil, err
	}

	getLog().Debug().Str("workspace_id", id).Int("use_count", ws.UseCount).Msg("Workspace acquired")
	return ws, nil
}

// create provisions the docker volume and records it. Called under the
// per-id lock. The volume may already exist from a crashed process; that is
// treated as success.
func (m *Manager) create(ctx context.Context, id, pipelineRunID string) (*models.Workspace, error) {
	ws := &models.Workspace{
		ID:            id,
		PipelineRunID: pipelineRunID,
		Status:        models.WorkspaceCreating,
	}
	if err := m.db.CreateWorkspace(ctx, ws); err != nil {
		// Lost a race with another process; reload.
		existing, lookupErr := m.db.GetWorkspace(ctx, id)
		if lookupErr != nil {
			return nil, err
		}
		return existing, nil
	}

	exists, err := m.docker.VolumeExists(ctx, id)
	if err == nil && !exists {
		_, err = m.docker.CreateVolume(ctx, id, map[string]string{
			"lazyaf.pipeline_run_id": pipelineRunID,
		})
	}
	if err != nil {
		ws.Status = models.WorkspaceFailed
		ws.Error = err.Error()
		if saveErr := m.db.SaveWorkspace(ctx, ws); saveErr != nil {
			getLog().Error().Err(saveErr).Str("workspace_id", id).Msg("Failed to record workspace failure")
		}
		return nil, fmt.Errorf("failed to create workspace volume %s: %w", id, err)
	}

	ws.Status = models.WorkspaceReady
	if err := m.db.SaveWorkspace(ctx, ws); err != nil {
		return nil, err
	}

	getLog().Info().Str("workspace_id", id).Msg("Workspace volume created")
	return ws, nil
}

// recreate retries volume creation for a workspace that previously failed.
func (m *Manager) recreate(ctx context.Context, ws *models.Workspace) (*models.Workspace, error) {
	exists, err := m.docker.VolumeExists(ctx, ws.ID)
	if err != nil {
		return nil, err
	}
	if !exists {
		if _, err := m.docker.CreateVolume(ctx, ws.ID, map[string]string{
			"lazyaf.pipeline_run_id": ws.PipelineRunID,
		}); err != nil {
			return nil, fmt.Errorf("failed to recreate workspace volume %s: %w", ws.ID, err)
		}
	}
	ws.Status = models.WorkspaceReady
	ws.Error = ""
	if err := m.db.SaveWorkspace(ctx, ws); err != nil {
		return nil, err
	}
	return ws, nil
}

// Release drops the use count. At zero the workspace returns to ready; the
// volume stays for the next step or the sweeper.
func (m *Manager) Release(ctx context.Context, pipelineRunID string) error {
	id := models.WorkspaceID(pipelineRunID)
	lock := m.perIDLock(id)
	lock.Lock()
	defer lock.Unlock()

	ws, err := m.db.GetWorkspace(ctx, id)
	if err != nil {
		return err
	}

	if ws.UseCount > 0 {
		ws.UseCount--
	}
	now := time.Now()
	ws.LastUsedAt = &now
	if ws.UseCount == 0 && ws.Status == models.WorkspaceInUse {
		ws.Status = models.WorkspaceReady
	}
	if err := m.db.SaveWorkspace(ctx, ws); err != nil {
		return err
	}

	getLog().Debug().Str("workspace_id", id).Int("use_count", ws.UseCount).Msg("Workspace released")
	return nil
}

// Clean removes the run's volume once the use count is zero. With force set
// the count is ignored; used when a run is cancelled outright.
func (m *Manager) Clean(ctx context.Context, pipelineRunID string, force bool) error {
	id := models.WorkspaceID(pipelineRunID)
	lock := m.perIDLock(id)
	lock.Lock()
	defer lock.Unlock()

	ws, err := m.db.GetWorkspace(ctx, id)
	if err != nil {
		if database.IsNotFound(err) {
			return nil
		}
		return err
	}
	return m.cleanLocked(ctx, ws, force)
}

// cleanLocked performs the actual removal. Caller holds the per-id lock.
func (m *Manager) cleanLocked(ctx context.Context, ws *models.Workspace, force bool) error {
	if ws.Status == models.WorkspaceCleaned {
		return nil
	}
	if ws.UseCount > 0 && !force {
		return fmt.Errorf("workspace %s still has %d active uses", ws.ID, ws.UseCount)
	}

	ws.Status = models.WorkspaceCleaning
	if err := m.db.SaveWorkspace(ctx, ws); err != nil {
		return err
	}

	if err := m.docker.RemoveVolume(ctx, ws.ID, force); err != nil && !docker.IsNotFound(err) {
		ws.Status = models.WorkspaceFailed
		ws.Error = err.Error()
		if saveErr := m.db.SaveWorkspace(ctx, ws); saveErr != nil {
			getLog().Error().Err(saveErr).Str("workspace_id", ws.ID).Msg("Failed to record cleanup failure")
		}
		return fmt.Errorf("failed to remove workspace volume %s: %w", ws.ID, err)
	}

	now := time.Now()
	ws.Status = models.WorkspaceCleaned
	ws.UseCount = 0
	ws.CleanedAt = &now
	if err := m.db.SaveWorkspace(ctx, ws); err != nil {
		return err
	}

	getLog().Info().Str("workspace_id", ws.ID).Bool("force", force).Msg("Workspace volume removed")
	return nil
}

// StartSweeper runs the orphan sweep on the configured interval until ctx
// is cancelled. Repeated calls start at most one loop.
func (m *Manager) StartSweeper(ctx context.Context) {
	interval := m.cfg.SweepInterval
	if interval <= 0 {
		interval = 30 * time.Second
	}
	m.sweepOnce.Do(func() { go m.sweepLoop(ctx, interval) })
}

func (m *Manager) sweepLoop(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := m.SweepOrphans(ctx); err != nil && ctx.Err() == nil {
				getLog().Error().Err(err).Msg("Workspace orphan sweep failed")
			}
		}
	}
}

// SweepOrphans removes workspaces nothing will ever use again: idle past
// the orphan threshold AND belonging to a run that is terminal or missing.
// A workspace whose run is still live is never swept, no matter how long
// it has sat idle.
func (m *Manager) SweepOrphans(ctx context.Context) error {
	candidates, err := m.db.GetWorkspacesByStatus(ctx, models.WorkspaceReady, models.WorkspaceFailed)
	if err != nil {
		return err
	}

	threshold := m.cfg.OrphanThreshold
	if threshold <= 0 {
		threshold = 2 * time.Hour
	}
	cutoff := time.Now().Add(-threshold)

	for _, ws := range candidates {
		if !m.isOrphan(ctx, ws, cutoff) {
			continue
		}
		lock := m.perIDLock(ws.ID)
		lock.Lock()
		// Re-read under the lock: a step may have acquired it meanwhile.
		fresh, err := m.db.GetWorkspace(ctx, ws.ID)
		if err == nil && fresh.UseCount == 0 {
			if cleanErr := m.cleanLocked(ctx, fresh, false); cleanErr != nil {
				getLog().Warn().Err(cleanErr).Str("workspace_id", ws.ID).Msg("Failed to sweep orphaned workspace")
			} else {
				getLog().Info().Str("workspace_id", ws.ID).Msg("Swept orphaned workspace")
			}
		}
		lock.Unlock()
	}
	return nil
}

// isOrphan decides whether a workspace is reclaimable: it has sat unused
// past the threshold and its run is terminal or gone.
func (m *Manager) isOrphan(ctx context.Context, ws *models.Workspace, cutoff time.Time) bool {
	lastUsed := ws.LastUsedAt
	if lastUsed == nil {
		lastUsed = &ws.CreatedAt
	}
	if !lastUsed.Before(cutoff) {
		return false
	}
	run, err := m.db.GetPipelineRun(ctx, ws.PipelineRunID)
	if err != nil {
		return database.IsNotFound(err)
	}
	return run.Status.IsTerminal()
}
