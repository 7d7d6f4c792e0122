// Copyright (C) 2026 Lazyaf
// SPDX-License-Identifier: AGPL-3.0-or-later

package execution

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/lazyaf/lazyaf/internal/orchestrator/database"
	"github.com/lazyaf/lazyaf/internal/orchestrator/models"
)

// LocalRunnerID is the runner id the in-process docker executor claims
// executions under. Remote executions use the worker's persistent id.
const LocalRunnerID = "local"

// Store is the idempotency store for step executions. All executor paths go
// through it: an execution key maps to exactly one row, and repeated claims
// of the same key converge on that row.
type Store struct {
	db *database.GormDB
}

// NewStore creates a new execution store
func NewStore(db *database.GormDB) *Store {
	return &Store{db: db}
}

// Claim inserts a pending execution row for key, or returns the existing
// row when the key was already claimed. The bool is true when this call
// created the row; a false return with a non-terminal row means another
// dispatch already owns the attempt.
func (s *Store) Claim(ctx context.Context, key Key, stepRunID, runnerID string) (*models.StepExecution, bool, error) {
	exec := &models.StepExecution{
		ID:            uuid.NewString(),
		ExecutionKey:  key.String(),
		PipelineRunID: key.PipelineRunID,
		StepRunID:     stepRunID,
		StepIndex:     key.StepIndex,
		Attempt:       key.Attempt,
		State:         models.ExecutionPending,
		RunnerID:      runnerID,
	}
	return s.db.GetOrCreateStepExecution(ctx, exec)
}

// Get returns the execution row for key.
func (s *Store) Get(ctx context.Context, key Key) (*models.StepExecution, error) {
	return s.db.GetStepExecutionByKey(ctx, key.String())
}

// Advance moves an execution to a new state and persists it. Timestamps and
// the transition history are maintained here so every path records them the
// same way.
func (s *Store) Advance(ctx context.Context, exec *models.StepExecution, to models.StepExecutionState) error {
	from := exec.State
	if err := Transition(exec, to); err != nil {
		return err
	}
	now := time.Now()
	change := models.ExecutionStateChange{From: from, To: to, At: now}
	if to == models.ExecutionFailed || to == models.ExecutionCancelled {
		change.Reason = exec.Error
	}
	exec.StateHistory = append(exec.StateHistory, change)
	switch to {
	case models.ExecutionRunning:
		if exec.StartedAt == nil {
			exec.StartedAt = &now
		}
	case models.ExecutionCompleted, models.ExecutionFailed, models.ExecutionCancelled:
		exec.CompletedAt = &now
	}
	return s.db.SaveStepExecution(ctx, exec)
}

// Fail moves an execution to failed with an error message, from any
// non-terminal state.
func (s *Store) Fail(ctx context.Context, exec *models.StepExecution, reason string) error {
	exec.Error = reason
	return s.Advance(ctx, exec, models.ExecutionFailed)
}

// Complete moves an execution through completing to its final state based
// on the exit code.
func (s *Store) Complete(ctx context.Context, exec *models.StepExecution, exitCode int, errMsg string) error {
	if err := s.Advance(ctx, exec, models.ExecutionCompleting); err != nil {
		return err
	}
	exec.ExitCode = &exitCode
	exec.Error = errMsg
	if exitCode == 0 {
		return s.Advance(ctx, exec, models.ExecutionCompleted)
	}
	if exec.Error == "" {
		exec.Error = fmt.Sprintf("step exited with code %d", exitCode)
	}
	return s.Advance(ctx, exec, models.ExecutionFailed)
}

// Requeue fails the dead attempt and claims a fresh row under the next
// attempt key. Used when a remote worker dies mid-step: the dead attempt's
// row is preserved for audit, the new attempt starts clean with no runner.
func (s *Store) Requeue(ctx context.Context, dead *models.StepExecution, reason string) (*models.StepExecution, error) {
	if !dead.State.IsTerminal() {
		if err := s.Fail(ctx, dead, reason); err != nil {
			return nil, fmt.Errorf("failed to close dead execution %s: %w", dead.ExecutionKey, err)
		}
	}

	next := BuildKey(dead.PipelineRunID, dead.StepIndex, dead.Attempt).NextAttempt()
	fresh, created, err := s.Claim(ctx, next, dead.StepRunID, "")
	if err != nil {
		return nil, err
	}
	if !created {
		// Another path already requeued this attempt.
		return fresh, nil
	}
	return fresh, nil
}

// FailOrphans marks every non-terminal execution as failed. Called once at
// startup: nothing from a previous process is still running.
func (s *Store) FailOrphans(ctx context.Context) (int, error) {
	execs, err := s.db.GetNonTerminalExecutions(ctx)
	if err != nil {
		return 0, err
	}
	for _, exec := range execs {
		if err := s.Fail(ctx, exec, "orphaned by orchestrator restart"); err != nil {
			return 0, err
		}
	}
	return len(execs), nil
}
