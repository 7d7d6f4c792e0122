// Copyright (C) 2026 Lazyaf
// SPDX-License-Identifier: AGPL-3.0-or-later

package models

import (
	"time"
)

// StepRunStatus represents the lifecycle state of one step within a run.
type StepRunStatus string

const (
	StepRunPending   StepRunStatus = "pending"
	StepRunRunning   StepRunStatus = "running"
	StepRunCompleted StepRunStatus = "completed"
	StepRunFailed    StepRunStatus = "failed"
	StepRunCancelled StepRunStatus = "cancelled"
	StepRunWaiting   StepRunStatus = "waiting-at-bp"
)

// IsTerminal reports whether the step run will never change state again.
func (s StepRunStatus) IsTerminal() bool {
	switch s {
	case StepRunCompleted, StepRunFailed, StepRunCancelled:
		return true
	}
	return false
}

// StepRun is one step's execution record within a pipeline run.
type StepRun struct {
	ID            string `gorm:"primaryKey;type:text" json:"id"`
	PipelineRunID string `gorm:"not null;type:text;index" json:"pipeline_run_id"`

	// StepIndex is the step's position in the graph's stable order;
	// StepID is the graph node id ("" for runs predating the graph form).
	StepIndex int    `gorm:"not null" json:"step_index"`
	StepID    string `gorm:"type:text" json:"step_id,omitempty"`
	StepName  string `gorm:"not null;type:text" json:"step_name"`

	Status StepRunStatus `gorm:"not null;type:text;default:pending;index" json:"status"`
	JobID  string        `gorm:"type:text;index" json:"job_id,omitempty"`

	Logs  string `gorm:"type:text" json:"logs,omitempty"`
	Error string `gorm:"type:text" json:"error,omitempty"`

	StartedAt   *time.Time `json:"started_at,omitempty"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
	CreatedAt   time.Time  `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt   time.Time  `gorm:"autoUpdateTime" json:"updated_at"`
}

// TableName returns the table name for StepRun
func (StepRun) TableName() string {
	return "step_runs"
}

// JobStatus represents the queue state of a job.
type JobStatus string

const (
	JobQueued    JobStatus = "queued"
	JobRunning   JobStatus = "running"
	JobCompleted JobStatus = "completed"
	JobFailed    JobStatus = "failed"
)

// Job is the schedulable unit handed to an executor. One job per step-run
// attempt; a requeue after worker death creates a fresh execution under the
// same job.
type Job struct {
	ID        string    `gorm:"primaryKey;type:text" json:"id"`
	CardID    string    `gorm:"type:text;index" json:"card_id,omitempty"`
	StepRunID string    `gorm:"not null;type:text;index" json:"step_run_id"`
	Status    JobStatus `gorm:"not null;type:text;default:queued;index" json:"status"`

	// WorkerType routes the job: "local" or a remote worker type.
	WorkerType string `gorm:"type:text" json:"worker_type,omitempty"`

	Error     string    `gorm:"type:text" json:"error,omitempty"`
	CreatedAt time.Time `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt time.Time `gorm:"autoUpdateTime" json:"updated_at"`
}

// TableName returns the table name for Job
func (Job) TableName() string {
	return "jobs"
}
