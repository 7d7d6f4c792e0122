// Copyright (C) 2026 Lazyaf
// SPDX-License-Identifier: AGPL-3.0-or-later

package models

import (
	"fmt"
	"time"
)

// WorkspaceStatus represents the lifecycle state of a run workspace volume.
type WorkspaceStatus string

const (
	WorkspaceCreating WorkspaceStatus = "creating"
	WorkspaceReady    WorkspaceStatus = "ready"
	WorkspaceInUse    WorkspaceStatus = "in_use"
	WorkspaceCleaning WorkspaceStatus = "cleaning"
	WorkspaceCleaned  WorkspaceStatus = "cleaned"
	WorkspaceFailed   WorkspaceStatus = "failed"
)

// WorkspaceID returns the docker volume name for a pipeline run's workspace.
func WorkspaceID(pipelineRunID string) string {
	return fmt.Sprintf("lazyaf-ws-%s", pipelineRunID)
}

// Workspace tracks the shared docker volume a run's steps execute in.
// UseCount is the number of live acquisitions; cleanup only proceeds when it
// reaches zero.
type Workspace struct {
	// ID is the volume name, "lazyaf-ws-<pipeline_run_id>".
	ID            string          `gorm:"primaryKey;type:text" json:"id"`
	PipelineRunID string          `gorm:"not null;type:text;uniqueIndex" json:"pipeline_run_id"`
	Status        WorkspaceStatus `gorm:"not null;type:text;default:creating;index" json:"status"`
	UseCount      int             `gorm:"not null;default:0" json:"use_count"`

	Error string `gorm:"type:text" json:"error,omitempty"`

	LastUsedAt *time.Time `json:"last_used_at,omitempty"`
	CleanedAt  *time.Time `json:"cleaned_at,omitempty"`
	CreatedAt  time.Time  `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt  time.Time  `gorm:"autoUpdateTime" json:"updated_at"`
}

// TableName returns the table name for Workspace
func (Workspace) TableName() string {
	return "workspaces"
}
