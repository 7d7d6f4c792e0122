// Copyright (C) 2026 Lazyaf
// SPDX-License-Identifier: AGPL-3.0-or-later

package protocol

import (
	"encoding/json"
	"fmt"
)

// Worker duplex-channel message types. Every frame is a JSON object with a
// "type" field; the remaining fields depend on the type.
const (
	// backend → worker
	MsgExecuteStep = "execute_step"
	MsgPing        = "ping"

	// worker → backend
	MsgRegister     = "register"
	MsgAck          = "ack"
	MsgHeartbeat    = "heartbeat"
	MsgLog          = "log"
	MsgStepComplete = "step_complete"
)

// WireMessage is the decoded envelope of one duplex-channel frame.
type WireMessage struct {
	Type string `json:"type"`

	// register
	RunnerID   string            `json:"runner_id,omitempty"`
	Name       string            `json:"name,omitempty"`
	RunnerType string            `json:"runner_type,omitempty"`
	Labels     WorkerLabels      `json:"labels,omitempty"`

	// execute_step / ack / log / step_complete
	StepID       string          `json:"step_id,omitempty"`
	ExecutionKey string          `json:"execution_key,omitempty"`
	Config       json.RawMessage `json:"config,omitempty"`

	// log
	Lines []string `json:"lines,omitempty"`

	// step_complete
	ExitCode *int   `json:"exit_code,omitempty"`
	Error    string `json:"error,omitempty"`
}

// StepAssignment is the config payload of an execute_step frame.
type StepAssignment struct {
	Image          string            `json:"image,omitempty"`
	Command        []string          `json:"command,omitempty"`
	Script         string            `json:"script,omitempty"`
	Env            map[string]string `json:"env,omitempty"`
	TimeoutSeconds int               `json:"timeout_seconds"`
	CloneURL       string            `json:"clone_url,omitempty"`
	Branch         string            `json:"branch,omitempty"`
	StepToken      string            `json:"step_token,omitempty"`
	BackendURL     string            `json:"backend_url,omitempty"`
}

// DecodeAssignment is the worker-side inverse of the execute_step payload.
func DecodeAssignment(raw json.RawMessage) (*StepAssignment, error) {
	var a StepAssignment
	if err := json.Unmarshal(raw, &a); err != nil {
		return nil, fmt.Errorf("malformed step assignment: %w", err)
	}
	return &a, nil
}

// WorkerLabels is the requirement-matching label set a worker registers with.
type WorkerLabels struct {
	Arch string   `json:"arch,omitempty"`
	Has  []string `json:"has,omitempty"`
}

// Satisfies reports whether this worker's labels satisfy a requested set:
// arch must match when requested, and every requested capability must be
// present.
func (l WorkerLabels) Satisfies(want WorkerLabels) bool {
	if want.Arch != "" && want.Arch != l.Arch {
		return false
	}
	have := make(map[string]struct{}, len(l.Has))
	for _, h := range l.Has {
		have[h] = struct{}{}
	}
	for _, h := range want.Has {
		if _, ok := have[h]; !ok {
			return false
		}
	}
	return true
}

// ParseWireMessage decodes one frame and validates the type field.
func ParseWireMessage(data []byte) (*WireMessage, error) {
	var msg WireMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		return nil, fmt.Errorf("malformed wire message: %w", err)
	}
	if msg.Type == "" {
		return nil, fmt.Errorf("wire message missing type field")
	}
	return &msg, nil
}

// NewExecuteStep builds the backend→worker dispatch frame.
func NewExecuteStep(stepID, executionKey string, config any) (*WireMessage, error) {
	raw, err := json.Marshal(config)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal step config: %w", err)
	}
	return &WireMessage{
		Type:         MsgExecuteStep,
		StepID:       stepID,
		ExecutionKey: executionKey,
		Config:       raw,
	}, nil
}

// NewAck builds the worker→backend acknowledgement frame.
func NewAck(stepID, executionKey string) *WireMessage {
	return &WireMessage{Type: MsgAck, StepID: stepID, ExecutionKey: executionKey}
}

// NewLogBatch builds the worker→backend log frame.
func NewLogBatch(stepID, executionKey string, lines []string) *WireMessage {
	return &WireMessage{Type: MsgLog, StepID: stepID, ExecutionKey: executionKey, Lines: lines}
}

// NewStepComplete builds the worker→backend completion frame.
func NewStepComplete(stepID, executionKey string, exitCode int, errMsg string) *WireMessage {
	return &WireMessage{
		Type:         MsgStepComplete,
		StepID:       stepID,
		ExecutionKey: executionKey,
		ExitCode:     &exitCode,
		Error:        errMsg,
	}
}
