// Copyright (C) 2026 Lazyaf
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package remote schedules steps onto workers connected over the duplex
// channel. A worker moves through a small state machine: idle workers take
// assignments, an assignment must be acknowledged quickly, and a worker
// that stops heartbeating is declared dead so its step can be requeued.
package remote

import (
	"fmt"

	"github.com/lazyaf/lazyaf/internal/orchestrator/models"
)

// ErrInvalidWorkerTransition is returned when a worker state change is not
// permitted by the machine.
type ErrInvalidWorkerTransition struct {
	From models.WorkerStatus
	To   models.WorkerStatus
}

func (e *ErrInvalidWorkerTransition) Error() string {
	return fmt.Sprintf("invalid worker transition %s -> %s", e.From, e.To)
}

// workerTransitions encodes the worker lifecycle:
//
//	disconnected --register--> idle
//	idle --dispatch--> assigned --ack--> working --step_complete--> idle
//	assigned --ack timeout--> dead
//	working --heartbeat stale--> dead
//	idle|assigned|working --socket close--> disconnected
//	disconnected --heartbeat stale--> dead
//	dead --register--> idle
var workerTransitions = map[models.WorkerStatus][]models.WorkerStatus{
	models.WorkerDisconnected: {models.WorkerIdle, models.WorkerDead},
	models.WorkerIdle:         {models.WorkerAssigned, models.WorkerDisconnected, models.WorkerDead},
	models.WorkerAssigned:     {models.WorkerWorking, models.WorkerDisconnected, models.WorkerDead},
	models.WorkerWorking:      {models.WorkerIdle, models.WorkerDisconnected, models.WorkerDead},
	models.WorkerDead:         {models.WorkerIdle},
}

// CanTransition reports whether from -> to is a legal worker state change.
func CanTransition(from, to models.WorkerStatus) bool {
	for _, allowed := range workerTransitions[from] {
		if allowed == to {
			return true
		}
	}
	return false
}

// Transition applies a worker state change, returning
// ErrInvalidWorkerTransition when the machine forbids it. CurrentStep is
// deliberately untouched: a worker going dead keeps the step it held so the
// requeue path can recover it.
func Transition(worker *models.Worker, to models.WorkerStatus) error {
	if !CanTransition(worker.Status, to) {
		return &ErrInvalidWorkerTransition{From: worker.Status, To: to}
	}
	worker.Status = to
	return nil
}
