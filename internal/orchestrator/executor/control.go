// Copyright (C) 2026 Lazyaf
// SPDX-License-Identifier: AGPL-3.0-or-later

package executor

import (
	"encoding/json"
	"fmt"
	"path"
	"strings"
)

// ControlFile is the per-step contract the in-container control layer reads.
// It is written into the workspace before the step starts, under the control
// directory, one file per step index.
type ControlFile struct {
	ExecutionKey   string            `json:"execution_key"`
	StepToken      string            `json:"step_token"`
	BackendURL     string            `json:"backend_url"`
	CloneURL       string            `json:"clone_url,omitempty"`
	Branch         string            `json:"branch,omitempty"`
	Command        []string          `json:"command,omitempty"`
	Script         string            `json:"script,omitempty"`
	Env            map[string]string `json:"env,omitempty"`
	Cwd            string            `json:"cwd"`
	TimeoutSeconds int               `json:"timeout_seconds"`
}

// WorkspaceMountPath is where the run's volume is mounted in every step
// container.
const WorkspaceMountPath = "/workspace"

// RepoDir is the step's working directory inside the workspace.
const RepoDir = WorkspaceMountPath + "/repo"

// HomeDir is the HOME every step container gets; tool state written there
// survives across the run's steps.
const HomeDir = WorkspaceMountPath + "/home"

// ControlFilePath returns the control file location for a step index.
func ControlFilePath(controlDir string, stepIndex int) string {
	return path.Join(WorkspaceMountPath, controlDir, fmt.Sprintf("step-%d.json", stepIndex))
}

// Marshal renders the control file as JSON.
func (cf *ControlFile) Marshal() (string, error) {
	data, err := json.MarshalIndent(cf, "", "  ")
	if err != nil {
		return "", fmt.Errorf("failed to marshal control file: %w", err)
	}
	return string(data), nil
}

// NormalizeScript converts CRLF and lone CR line endings to LF, including
// the double-escaped form that survives a second JSON encoding. Scripts
// authored on Windows would otherwise fail under /bin/sh with "bad
// interpreter".
func NormalizeScript(script string) string {
	script = strings.ReplaceAll(script, `\r\n`, "\n")
	script = strings.ReplaceAll(script, "\r\n", "\n")
	return strings.ReplaceAll(script, "\r", "\n")
}
