// Copyright (C) 2026 Lazyaf
// SPDX-License-Identifier: AGPL-3.0-or-later

// Here lies the definition of the data the orchestrator broadcasts to
// observers. Everything an observer can receive is named: Event. Events
// within a single pipeline run are delivered in emission order; ordering
// across runs is not guaranteed.
package protocol

import (
	"time"
)

// CurrentProtocolVersion is stamped into every event's metadata.
const CurrentProtocolVersion = 1

// Metadata carries the envelope fields common to all events.
type Metadata struct {
	IdempotencyKey string    `json:"idempotency_key"`
	RunID          string    `json:"run_id,omitempty"`
	Version        int       `json:"version"`
	EmittedAt      time.Time `json:"emitted_at"`
}

// Event is anything the orchestrator can broadcast.
type Event interface {
	GetMetadata() Metadata
	// EventType is the wire name, e.g. "pipeline_run_status".
	EventType() string
}

// GetIdempotencyKey extracts the idempotency key from any event
func GetIdempotencyKey(event Event) string {
	return event.GetMetadata().IdempotencyKey
}

// NewMetadata builds metadata for an event scoped to a pipeline run.
func NewMetadata(idempotencyKey, runID string) Metadata {
	return Metadata{
		IdempotencyKey: idempotencyKey,
		RunID:          runID,
		Version:        CurrentProtocolVersion,
		EmittedAt:      time.Now(),
	}
}

// CardUpdatedEvent is sent when a card changes status, branch, or PR URL.
type CardUpdatedEvent struct {
	Metadata
	CardID string `json:"card_id"`
	Status string `json:"status"`
	Branch string `json:"branch,omitempty"`
	PRURL  string `json:"pr_url,omitempty"`
}

func (e CardUpdatedEvent) GetMetadata() Metadata { return e.Metadata }
func (e CardUpdatedEvent) EventType() string     { return "card_updated" }

// CardDeletedEvent is sent when a card is removed.
type CardDeletedEvent struct {
	Metadata
	CardID string `json:"card_id"`
}

func (e CardDeletedEvent) GetMetadata() Metadata { return e.Metadata }
func (e CardDeletedEvent) EventType() string     { return "card_deleted" }

// JobStatusEvent is sent when a job moves through the queue.
type JobStatusEvent struct {
	Metadata
	JobID     string `json:"job_id"`
	StepRunID string `json:"step_run_id"`
	Status    string `json:"status"` // queued | running | completed | failed
	Error     string `json:"error,omitempty"`
}

func (e JobStatusEvent) GetMetadata() Metadata { return e.Metadata }
func (e JobStatusEvent) EventType() string     { return "job_status" }

// PipelineRunStatusEvent is sent on every pipeline-run status transition.
type PipelineRunStatusEvent struct {
	Metadata
	PipelineID     string `json:"pipeline_id"`
	Status         string `json:"status"`
	StepsCompleted int    `json:"steps_completed"`
	StepsTotal     int    `json:"steps_total"`
	Error          string `json:"error,omitempty"`
}

func (e PipelineRunStatusEvent) GetMetadata() Metadata { return e.Metadata }
func (e PipelineRunStatusEvent) EventType() string     { return "pipeline_run_status" }

// StepRunStatusEvent is sent on every step-run status transition.
type StepRunStatusEvent struct {
	Metadata
	StepRunID string `json:"step_run_id"`
	StepID    string `json:"step_id,omitempty"`
	StepName  string `json:"step_name"`
	StepIndex int    `json:"step_index"`
	Status    string `json:"status"`
	Error     string `json:"error,omitempty"`
}

func (e StepRunStatusEvent) GetMetadata() Metadata { return e.Metadata }
func (e StepRunStatusEvent) EventType() string     { return "step_run_status" }

// StepLogEvent carries a batch of log lines for a running step.
type StepLogEvent struct {
	Metadata
	StepRunID string   `json:"step_run_id"`
	Lines     []string `json:"lines"`
}

func (e StepLogEvent) GetMetadata() Metadata { return e.Metadata }
func (e StepLogEvent) EventType() string     { return "step_log" }

// DebugBreakpointEvent is sent when a debug session pauses before a step.
type DebugBreakpointEvent struct {
	Metadata
	SessionID string `json:"session_id"`
	StepIndex int    `json:"step_index"`
	StepName  string `json:"step_name"`
}

func (e DebugBreakpointEvent) GetMetadata() Metadata { return e.Metadata }
func (e DebugBreakpointEvent) EventType() string     { return "debug_breakpoint" }

// DebugStatusEvent is sent on every debug-session status transition.
type DebugStatusEvent struct {
	Metadata
	SessionID string `json:"session_id"`
	Status    string `json:"status"`
	Reason    string `json:"reason,omitempty"`
}

func (e DebugStatusEvent) GetMetadata() Metadata { return e.Metadata }
func (e DebugStatusEvent) EventType() string     { return "debug_status" }

// DebugResumeEvent is sent when a paused session resumes execution.
type DebugResumeEvent struct {
	Metadata
	SessionID string `json:"session_id"`
	StepIndex int    `json:"step_index"`
}

func (e DebugResumeEvent) GetMetadata() Metadata { return e.Metadata }
func (e DebugResumeEvent) EventType() string     { return "debug_resume" }

// WorkerStatusEvent is sent when a remote worker changes state.
type WorkerStatusEvent struct {
	Metadata
	WorkerID    string `json:"worker_id"`
	Status      string `json:"status"`
	CurrentStep string `json:"current_step,omitempty"`
}

func (e WorkerStatusEvent) GetMetadata() Metadata { return e.Metadata }
func (e WorkerStatusEvent) EventType() string     { return "worker_status" }

// runScoped lets the observer hub filter events by run without enumerating
// every event type.
type runScoped interface {
	GetRunID() string
}

// GetRunID implements runScoped for every event embedding Metadata.
func (m Metadata) GetRunID() string { return m.RunID }

// ExtractRunID returns the run id an event is scoped to, or "".
func ExtractRunID(event Event) string {
	if rs, ok := event.(runScoped); ok {
		return rs.GetRunID()
	}
	return ""
}
