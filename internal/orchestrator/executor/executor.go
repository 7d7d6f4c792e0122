// Copyright (C) 2026 Lazyaf
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package executor runs individual pipeline steps. Every execution is
// identified by its idempotency key; running the same key twice never runs
// the step twice. The local executor runs steps in docker containers on the
// orchestrator host, the remote executor pushes them to registered workers.
package executor

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/lazyaf/lazyaf/internal/orchestrator/execution"
	"github.com/lazyaf/lazyaf/internal/protocol"
)

// Sentinel errors the pipeline executor branches on.
var (
	// ErrImageNotFound means the step's image could not be pulled or found.
	ErrImageNotFound = errors.New("step image not found")

	// ErrExecutionTimeout means the step exceeded its timeout and was killed.
	ErrExecutionTimeout = errors.New("step execution timed out")

	// ErrContainerNotFound means the step's container vanished mid-run.
	ErrContainerNotFound = errors.New("step container not found")

	// ErrNoWorkerAvailable means routing demanded a remote worker and none
	// matching the requirements is available.
	ErrNoWorkerAvailable = errors.New("no worker available for step")
)

// ExecutionError wraps a step failure with its exit code.
type ExecutionError struct {
	ExecutionKey string
	ExitCode     int
	Message      string
}

func (e *ExecutionError) Error() string {
	if e.Message != "" {
		return fmt.Sprintf("execution %s failed with exit code %d: %s", e.ExecutionKey, e.ExitCode, e.Message)
	}
	return fmt.Sprintf("execution %s failed with exit code %d", e.ExecutionKey, e.ExitCode)
}

// Request describes one step execution attempt.
type Request struct {
	Key       execution.Key
	StepRunID string
	StepID    string
	StepName  string

	// Image and Command define what runs. Script, when set, is normalized
	// and executed through the shell instead of Command.
	Image   string
	Command []string
	Script  string
	Env     map[string]string
	Timeout time.Duration

	// WorkspaceID is the docker volume shared by the run's steps.
	WorkspaceID string

	// CloneURL and Branch point the in-container control layer at the
	// embedded git server.
	CloneURL string
	Branch   string

	// StepToken authenticates the step's callbacks to the orchestrator.
	StepToken string

	// Requirements constrain which remote worker may take the step.
	Requirements protocol.WorkerLabels

	// WorkerType is the routed destination: "local" or a remote worker type.
	WorkerType string

	// RequiredWorker pins remote scheduling to exactly that worker id.
	// Unlike PreferredWorker it never falls through to another worker.
	RequiredWorker string

	// PreferredWorker biases remote scheduling toward the worker that ran
	// the previous step, so steps continuing in context land on the same
	// machine when possible.
	PreferredWorker string

	// LogSink receives batches of output lines as the step produces them.
	// May be nil.
	LogSink func(lines []string)
}

// Result is the outcome of one execution attempt.
type Result struct {
	ExecutionKey string
	ExitCode     int
	Error        string
}

// Succeeded reports whether the step exited cleanly.
func (r *Result) Succeeded() bool {
	return r.ExitCode == 0
}

// StepExecutor runs one step to completion. Execute blocks until the step
// finishes, fails, or ctx is cancelled; it is safe to call concurrently for
// different keys and idempotent for the same key.
type StepExecutor interface {
	Execute(ctx context.Context, req *Request) (*Result, error)
	Cancel(ctx context.Context, key execution.Key) error
}
