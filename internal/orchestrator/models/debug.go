// Copyright (C) 2026 Lazyaf
// SPDX-License-Identifier: AGPL-3.0-or-later

package models

import (
	"database/sql/driver"
	"encoding/json"
	"errors"
	"time"
)

// DebugSessionStatus represents the lifecycle state of a debug rerun.
type DebugSessionStatus string

const (
	DebugPending   DebugSessionStatus = "pending"
	DebugWaiting   DebugSessionStatus = "waiting-at-bp"
	DebugConnected DebugSessionStatus = "connected"
	DebugEnded     DebugSessionStatus = "ended"
	DebugTimeout   DebugSessionStatus = "timeout"
)

// IsTerminal reports whether the session will never change state again.
func (s DebugSessionStatus) IsTerminal() bool {
	return s == DebugEnded || s == DebugTimeout
}

// DebugConnectMode selects how the operator attaches to a paused session.
type DebugConnectMode string

const (
	ConnectModeSidecar DebugConnectMode = "sidecar"
	ConnectModeShell   DebugConnectMode = "shell"
)

// DebugStateChange is one entry of a session's recorded state history.
type DebugStateChange struct {
	From   DebugSessionStatus `json:"from"`
	To     DebugSessionStatus `json:"to"`
	Reason string             `json:"reason,omitempty"`
	At     time.Time          `json:"at"`
}

// DebugStateHistory is a JSON-serialized ordered transition log.
type DebugStateHistory []DebugStateChange

// Scan implements the sql.Scanner interface
func (h *DebugStateHistory) Scan(value any) error {
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
		return errors.New("cannot scan DebugStateHistory from non-string/[]byte value")
	}
}

// Value implements the driver.Valuer interface
func (h DebugStateHistory) Value() (driver.Value, error) {
	if len(h) == 0 {
		return "[]", nil
	}
	return json.Marshal(h)
}

// DebugSession is a breakpointed rerun of a finished pipeline run. The
// rerun executes under its own PipelineRunID; OriginalRunID points back at
// the run being debugged. The connect token is stored hashed and is
// consumed on first use.
type DebugSession struct {
	ID            string `gorm:"primaryKey;type:text" json:"id"`
	OriginalRunID string `gorm:"not null;type:text;index" json:"original_run_id"`
	PipelineRunID string `gorm:"not null;type:text;uniqueIndex" json:"pipeline_run_id"`

	Breakpoints IntList            `gorm:"type:text" json:"breakpoints"`
	Status      DebugSessionStatus `gorm:"not null;type:text;default:pending;index" json:"status"`

	// TokenHash is the SHA-256 of the one-time connect token. The plaintext
	// is returned exactly once, at session creation.
	TokenHash string `gorm:"type:text" json:"-"`

	CurrentStepIndex *int   `json:"current_step_index,omitempty"`
	CurrentStepName  string `gorm:"type:text" json:"current_step_name,omitempty"`

	ConnectMode        DebugConnectMode `gorm:"type:text" json:"connect_mode,omitempty"`
	SidecarContainerID string           `gorm:"type:text" json:"sidecar_container_id,omitempty"`

	TimeoutSeconds    int        `gorm:"not null;default:1800" json:"timeout_seconds"`
	MaxTimeoutSeconds int        `gorm:"not null;default:14400" json:"max_timeout_seconds"`
	ExpiresAt         *time.Time `gorm:"index" json:"expires_at,omitempty"`

	StateHistory DebugStateHistory `gorm:"type:text" json:"state_history"`

	EndedAt   *time.Time `json:"ended_at,omitempty"`
	CreatedAt time.Time  `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt time.Time  `gorm:"autoUpdateTime" json:"updated_at"`
}

// TableName returns the table name for DebugSession
func (DebugSession) TableName() string {
	return "debug_sessions"
}

// RecordTransition appends a state change to the session history and applies it.
func (d *DebugSession) RecordTransition(to DebugSessionStatus, reason string) {
	d.StateHistory = append(d.StateHistory, DebugStateChange{
		From:   d.Status,
		To:     to,
		Reason: reason,
		At:     time.Now(),
	})
	d.Status = to
}
