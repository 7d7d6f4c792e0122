// Copyright (C) 2026 Lazyaf
// SPDX-License-Identifier: AGPL-3.0-or-later

package models

import (
	"database/sql/driver"
	"encoding/json"
	"errors"
	"time"
)

// PipelineRunStatus represents the lifecycle state of a pipeline run.
type PipelineRunStatus string

const (
	PipelineRunPending   PipelineRunStatus = "pending"
	PipelineRunRunning   PipelineRunStatus = "running"
	PipelineRunPassed    PipelineRunStatus = "passed"
	PipelineRunFailed    PipelineRunStatus = "failed"
	PipelineRunCancelled PipelineRunStatus = "cancelled"
)

// IsTerminal reports whether the run will never change state again.
func (s PipelineRunStatus) IsTerminal() bool {
	switch s {
	case PipelineRunPassed, PipelineRunFailed, PipelineRunCancelled:
		return true
	}
	return false
}

// TriggerContext records what started a run and what to do when it ends.
// on_pass / on_fail grammar: nothing | merge | merge:<branch> | reject | fail.
type TriggerContext struct {
	Trigger string `json:"trigger,omitempty"` // manual | card | push
	Branch  string `json:"branch,omitempty"`
	SHA     string `json:"sha,omitempty"`
	CardID  string `json:"card_id,omitempty"`
	OnPass  string `json:"on_pass,omitempty"`
	OnFail  string `json:"on_fail,omitempty"`
}

// Scan implements the sql.Scanner interface
func (t *TriggerContext) Scan(value any) error {
	if value == nil {
		*t = TriggerContext{}
		return nil
	}
	switch v := value.(type) {
	case []byte:
		return json.Unmarshal(v, t)
	case string:
		return json.Unmarshal([]byte(v), t)
	default:
		return errors.New("cannot scan TriggerContext from non-string/[]byte value")
	}
}

// Value implements the driver.Valuer interface
func (t TriggerContext) Value() (driver.Value, error) {
	return json.Marshal(t)
}

// PipelineRun is one execution of a pipeline graph.
type PipelineRun struct {
	ID           string            `gorm:"primaryKey;type:text" json:"id"`
	PipelineID   string            `gorm:"not null;type:text;index" json:"pipeline_id"`
	RepositoryID string            `gorm:"not null;type:text;index" json:"repository_id"`
	Status       PipelineRunStatus `gorm:"not null;type:text;default:pending;index" json:"status"`

	Trigger TriggerContext `gorm:"type:text" json:"trigger"`

	// Branch is the working branch the run's steps commit to.
	Branch string `gorm:"type:text" json:"branch,omitempty"`

	StepsTotal     int `gorm:"not null;default:0" json:"steps_total"`
	StepsCompleted int `gorm:"not null;default:0" json:"steps_completed"`

	// ActiveStepIDs and CompletedStepIDs track graph progress. A run is
	// terminal when the active set drains with no dispatchable successors.
	ActiveStepIDs    StringList `gorm:"type:text" json:"active_step_ids"`
	CompletedStepIDs StringList `gorm:"type:text" json:"completed_step_ids"`

	Error       string     `gorm:"type:text" json:"error,omitempty"`
	StartedAt   *time.Time `json:"started_at,omitempty"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
	CreatedAt   time.Time  `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt   time.Time  `gorm:"autoUpdateTime" json:"updated_at"`

	// Relations
	StepRuns []StepRun `gorm:"foreignKey:PipelineRunID;constraint:OnDelete:CASCADE" json:"step_runs,omitempty"`
}

// TableName returns the table name for PipelineRun
func (PipelineRun) TableName() string {
	return "pipeline_runs"
}
