// Copyright (C) 2026 Lazyaf
// SPDX-License-Identifier: AGPL-3.0-or-later

package execution

import (
	"fmt"

	"github.com/lazyaf/lazyaf/internal/orchestrator/models"
)

// ErrInvalidTransition is returned when a state change is not permitted by
// the execution state machine.
type ErrInvalidTransition struct {
	From models.StepExecutionState
	To   models.StepExecutionState
}

func (e *ErrInvalidTransition) Error() string {
	return fmt.Sprintf("invalid execution transition %s -> %s", e.From, e.To)
}

// transitions is the forward path plus the failure/cancellation escapes.
// failed and cancelled are reachable from any non-terminal state; pending is
// additionally reachable from running and completing via requeue (the
// original attempt's row stays put, requeue resets a fresh attempt's row).
var transitions = map[models.StepExecutionState][]models.StepExecutionState{
	models.ExecutionPending: {
		models.ExecutionPreparing, models.ExecutionFailed, models.ExecutionCancelled,
	},
	models.ExecutionPreparing: {
		models.ExecutionRunning, models.ExecutionFailed, models.ExecutionCancelled,
	},
	models.ExecutionRunning: {
		models.ExecutionCompleting, models.ExecutionFailed, models.ExecutionCancelled,
	},
	models.ExecutionCompleting: {
		models.ExecutionCompleted, models.ExecutionFailed, models.ExecutionCancelled,
	},
}

// CanTransition reports whether from -> to is a legal state change.
func CanTransition(from, to models.StepExecutionState) bool {
	for _, allowed := range transitions[from] {
		if allowed == to {
			return true
		}
	}
	return false
}

// Transition applies a state change to an execution record, returning
// ErrInvalidTransition when the machine forbids it. Terminal states are
// absorbing: a transition out of one always fails, which makes duplicate
// completion callbacks harmless.
func Transition(exec *models.StepExecution, to models.StepExecutionState) error {
	if !CanTransition(exec.State, to) {
		return &ErrInvalidTransition{From: exec.State, To: to}
	}
	exec.State = to
	return nil
}
