// Copyright (C) 2026 Lazyaf
// SPDX-License-Identifier: AGPL-3.0-or-later

package models

import "time"

// ContainerStatus represents the current state of a container
type ContainerStatus string

const (
	StatusCreated ContainerStatus = "created"
	StatusRunning ContainerStatus = "running"
	StatusExited  ContainerStatus = "exited"
	StatusDead    ContainerStatus = "dead"
	StatusFailed  ContainerStatus = "failed"
)

// IsGone reports whether a container in this status can no longer produce
// output. Used by orphan detection after a backend restart.
func (s ContainerStatus) IsGone() bool {
	return s == StatusExited || s == StatusDead
}

// Container represents a step execution container
type Container struct {
	ID          string            `json:"id"`
	Name        string            `json:"name"`
	Image       string            `json:"image"`
	Status      ContainerStatus   `json:"status"`
	ExitCode    int               `json:"exit_code"`
	Environment map[string]string `json:"environment"`
	Mounts      []Mount           `json:"mounts"`
	CreatedAt   time.Time         `json:"created_at"`
	StepID      string            `json:"step_id,omitempty"`
}

// Mount defines a bind or named-volume mount
type Mount struct {
	// Source is a host path for bind mounts or a volume name for volume mounts.
	Source   string `json:"source"`
	Target   string `json:"target"`
	ReadOnly bool   `json:"read_only"`
	// Volume marks Source as a docker named volume rather than a host path.
	Volume bool `json:"volume"`
}

// ContainerConfig holds configuration for creating a container
type ContainerConfig struct {
	Name        string            `json:"name"`
	Image       string            `json:"image"`
	Environment map[string]string `json:"environment"`
	Mounts      []Mount           `json:"mounts"`
	WorkingDir  string            `json:"working_dir,omitempty"`
	Command     []string          `json:"command,omitempty"`
	Labels      map[string]string `json:"labels,omitempty"`
	MemoryMB    int64             `json:"memory_mb,omitempty"`
	CPUShares   int64             `json:"cpu_shares,omitempty"`
	NetworkMode string            `json:"network_mode,omitempty"`
	StepID      string            `json:"step_id,omitempty"`
}

// Volume represents a docker named volume
type Volume struct {
	Name      string            `json:"name"`
	Labels    map[string]string `json:"labels,omitempty"`
	CreatedAt time.Time         `json:"created_at"`
}

// ExecResult holds the result of executing a command in a container
type ExecResult struct {
	ExitCode int    `json:"exit_code"`
	Stdout   string `json:"stdout"`
	Stderr   string `json:"stderr"`
}
