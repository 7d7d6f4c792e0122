// Copyright (C) 2026 Lazyaf
// SPDX-License-Identifier: AGPL-3.0-or-later

package models

import (
	"database/sql/driver"
	"encoding/json"
	"errors"
	"time"
)

// StepExecutionState represents the fine-grained state of one execution
// attempt. pending → preparing → running → completing → {completed, failed,
// cancelled}; failed and cancelled are reachable from any non-terminal state.
type StepExecutionState string

const (
	ExecutionPending    StepExecutionState = "pending"
	ExecutionPreparing  StepExecutionState = "preparing"
	ExecutionRunning    StepExecutionState = "running"
	ExecutionCompleting StepExecutionState = "completing"
	ExecutionCompleted  StepExecutionState = "completed"
	ExecutionFailed     StepExecutionState = "failed"
	ExecutionCancelled  StepExecutionState = "cancelled"
)

// IsTerminal reports whether the execution will never change state again.
func (s StepExecutionState) IsTerminal() bool {
	switch s {
	case ExecutionCompleted, ExecutionFailed, ExecutionCancelled:
		return true
	}
	return false
}

// ExecutionStateChange is one recorded transition of an execution attempt.
type ExecutionStateChange struct {
	From   StepExecutionState `json:"from"`
	To     StepExecutionState `json:"to"`
	Reason string             `json:"reason,omitempty"`
	At     time.Time          `json:"at"`
}

// ExecutionStateHistory is the ordered transition log, serialized as a JSON
// text column.
type ExecutionStateHistory []ExecutionStateChange

func (h *ExecutionStateHistory) Scan(value any) error {
	if value == nil {
		*h = nil
		return nil
	}
	switch v := value.(type) {
	case []byte:
		return json.Unmarshal(v, h)
	case string:
		return json.Unmarshal([]byte(v), h)
	default:
		return errors.New("cannot scan ExecutionStateHistory from non-string/[]byte value")
	}
}

func (h ExecutionStateHistory) Value() (driver.Value, error) {
	if len(h) == 0 {
		return "[]", nil
	}
	return json.Marshal(h)
}

// StepExecution is the idempotency record for one attempt of one step.
// ExecutionKey is "<pipeline_run_id>:<step_index>:<attempt>" and is unique;
// concurrent dispatches of the same key converge on a single row.
type StepExecution struct {
	ID           string `gorm:"primaryKey;type:text" json:"id"`
	ExecutionKey string `gorm:"not null;type:text;uniqueIndex" json:"execution_key"`

	PipelineRunID string `gorm:"not null;type:text;index" json:"pipeline_run_id"`
	StepRunID     string `gorm:"not null;type:text;index" json:"step_run_id"`
	StepIndex     int    `gorm:"not null" json:"step_index"`
	Attempt       int    `gorm:"not null;default:0" json:"attempt"`

	State StepExecutionState `gorm:"not null;type:text;default:pending;index" json:"state"`

	// StateHistory records every transition in order, with the reason for
	// failures and cancellations.
	StateHistory ExecutionStateHistory `gorm:"type:text" json:"state_history"`

	// RunnerID identifies who holds the execution: "local" for the docker
	// executor, otherwise a remote worker id. Cleared on requeue.
	RunnerID string `gorm:"type:text;index" json:"runner_id,omitempty"`

	ContainerID string `gorm:"type:text" json:"container_id,omitempty"`
	ExitCode    *int   `json:"exit_code,omitempty"`
	Error       string `gorm:"type:text" json:"error,omitempty"`

	StartedAt   *time.Time `json:"started_at,omitempty"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
	CreatedAt   time.Time  `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt   time.Time  `gorm:"autoUpdateTime" json:"updated_at"`
}

// TableName returns the table name for StepExecution
func (StepExecution) TableName() string {
	return "step_executions"
}
