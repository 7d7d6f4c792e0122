// Copyright (C) 2026 Lazyaf
// SPDX-License-Identifier: AGPL-3.0-or-later

package models

import (
	"database/sql/driver"
	"encoding/json"
	"errors"
	"time"

	"github.com/lazyaf/lazyaf/internal/protocol"
)

// WorkerStatus represents the scheduling state of a remote worker.
type WorkerStatus string

const (
	WorkerIdle         WorkerStatus = "idle"
	WorkerAssigned     WorkerStatus = "assigned"
	WorkerWorking      WorkerStatus = "working"
	WorkerDisconnected WorkerStatus = "disconnected"
	WorkerDead         WorkerStatus = "dead"
)

// IsConnected reports whether the worker holds a live duplex channel.
func (s WorkerStatus) IsConnected() bool {
	switch s {
	case WorkerIdle, WorkerAssigned, WorkerWorking:
		return true
	}
	return false
}

// IsAvailable reports whether the worker can accept a new step.
func (s WorkerStatus) IsAvailable() bool {
	return s == WorkerIdle
}

// LabelSet is the persisted form of a worker's requirement labels.
type LabelSet protocol.WorkerLabels

// Scan implements the sql.Scanner interface
func (l *LabelSet) Scan(value any) error {
	if value == nil {
		*l = LabelSet{}
		return nil
	}
	switch v := value.(type) {
	case []byte:
		return json.Unmarshal(v, l)
	case string:
		return json.Unmarshal([]byte(v), l)
	default:
		return errors.New("cannot scan LabelSet from non-string/[]byte value")
	}
}

// Value implements the driver.Valuer interface
func (l LabelSet) Value() (driver.Value, error) {
	return json.Marshal(l)
}

// Satisfies reports whether the labels satisfy a requested set.
func (l LabelSet) Satisfies(want protocol.WorkerLabels) bool {
	return protocol.WorkerLabels(l).Satisfies(want)
}

// Worker is a remote runner registered over the duplex channel. The row is
// keyed by the runner's persistent id, so a reconnect resumes the same
// record rather than creating a new one.
type Worker struct {
	ID         string       `gorm:"primaryKey;type:text" json:"id"`
	Name       string       `gorm:"type:text" json:"name"`
	WorkerType string       `gorm:"not null;type:text;index" json:"worker_type"`
	Labels     LabelSet     `gorm:"type:text" json:"labels"`
	Status     WorkerStatus `gorm:"not null;type:text;default:disconnected;index" json:"status"`

	// CurrentStep survives the transition to dead so the requeue path can
	// recover the step the worker was holding.
	CurrentStep string `gorm:"type:text" json:"current_step,omitempty"`

	LastHeartbeat *time.Time `json:"last_heartbeat,omitempty"`
	ConnectedAt   *time.Time `json:"connected_at,omitempty"`
	CreatedAt     time.Time  `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt     time.Time  `gorm:"autoUpdateTime" json:"updated_at"`
}

// TableName returns the table name for Worker
func (Worker) TableName() string {
	return "workers"
}
