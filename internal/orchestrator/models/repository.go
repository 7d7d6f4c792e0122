// Copyright (C) 2026 Lazyaf
// SPDX-License-Identifier: AGPL-3.0-or-later

package models

import (
	"time"

	"gorm.io/gorm"
)

// Repository represents a named source project backed by an internal bare
// clone. The bare clone under the git server's root is the authoritative
// store; RemoteURL is advisory only.
type Repository struct {
	ID            string    `gorm:"primaryKey;type:text" json:"id"`
	Name          string    `gorm:"not null;type:text" json:"name"`
	Description   string    `gorm:"type:text" json:"description"`
	DefaultBranch string    `gorm:"type:text" json:"default_branch"`
	RemoteURL     string    `gorm:"type:text" json:"remote_url,omitempty"`
	Ingested      bool      `gorm:"not null;default:false" json:"ingested"`
	CreatedAt     time.Time `gorm:"autoCreateTime" json:"created_at"`
	LastUpdatedAt time.Time `gorm:"autoUpdateTime" json:"last_updated_at"`

	// Relations
	Pipelines []Pipeline `gorm:"foreignKey:RepositoryID;constraint:OnDelete:CASCADE" json:"pipelines,omitempty"`
	Cards     []Card     `gorm:"foreignKey:RepositoryID;constraint:OnDelete:CASCADE" json:"cards,omitempty"`
}

// TableName returns the table name for Repository
func (Repository) TableName() string {
	return "repositories"
}

// BeforeCreate is a GORM hook that runs before creating a record
func (r *Repository) BeforeCreate(tx *gorm.DB) error {
	now := time.Now()
	if r.CreatedAt.IsZero() {
		r.CreatedAt = now
	}
	if r.LastUpdatedAt.IsZero() {
		r.LastUpdatedAt = now
	}
	return nil
}

// CardStatus represents the kanban status of a card
type CardStatus string

const (
	CardStatusTodo       CardStatus = "todo"
	CardStatusInProgress CardStatus = "in_progress"
	CardStatusReview     CardStatus = "review"
	CardStatusDone       CardStatus = "done"
	CardStatusFailed     CardStatus = "failed"
)

// Card represents a unit of work against a repository. The pipeline
// executor materializes synthetic cards as handles for the executor
// protocol; user-created cards drive trigger actions (merge, reject).
type Card struct {
	ID           string     `gorm:"primaryKey;type:text" json:"id"`
	RepositoryID string     `gorm:"not null;type:text;index" json:"repository_id"`
	Title        string     `gorm:"not null;type:text" json:"title"`
	Description  string     `gorm:"type:text" json:"description"`
	Status       CardStatus `gorm:"not null;type:text;default:todo" json:"status"`

	// Step handle fields, set when the card is materialized for a step.
	StepType      string    `gorm:"type:text" json:"step_type,omitempty"`
	StepConfig    ConfigMap `gorm:"type:text" json:"step_config,omitempty"`
	PipelineRunID string    `gorm:"type:text;index" json:"pipeline_run_id,omitempty"`
	JobID         string    `gorm:"type:text;index" json:"job_id,omitempty"`

	Branch string `gorm:"type:text" json:"branch,omitempty"`
	PRURL  string `gorm:"type:text" json:"pr_url,omitempty"`

	CreatedAt     time.Time `gorm:"autoCreateTime" json:"created_at"`
	LastUpdatedAt time.Time `gorm:"autoUpdateTime" json:"last_updated_at"`
}

// TableName returns the table name for Card
func (Card) TableName() string {
	return "cards"
}
