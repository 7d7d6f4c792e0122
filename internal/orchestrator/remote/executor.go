// Copyright (C) 2026 Lazyaf
// SPDX-License-Identifier: AGPL-3.0-or-later

package remote

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/lazyaf/lazyaf/internal/config"
	"github.com/lazyaf/lazyaf/internal/logger"
	"github.com/lazyaf/lazyaf/internal/orchestrator/database"
	"github.com/lazyaf/lazyaf/internal/orchestrator/execution"
	"github.com/lazyaf/lazyaf/internal/orchestrator/executor"
	"github.com/lazyaf/lazyaf/internal/orchestrator/models"
	"github.com/lazyaf/lazyaf/internal/protocol"
)

var (
	log     *zerolog.Logger
	logOnce sync.Once
)

func getLog() *zerolog.Logger {
	logOnce.Do(func() {
		l := logger.GetRemoteLogger().With().Str("component", "executor").Logger()
		log = &l
	})
	return log
}

// sendFunc pushes one frame down a worker's duplex channel.
type sendFunc func(msg *protocol.WireMessage) error

// pendingStep tracks one dispatched execution: the ack gate and the
// completion future. Both are created before the execute_step frame is
// sent, so a worker answering instantly still finds a listener.
type pendingStep struct {
	ack      chan struct{}
	ackOnce  sync.Once
	complete chan *executor.Result // nil result means the worker died
	logSink  func([]string)
}

func (p *pendingStep) markAcked() {
	p.ackOnce.Do(func() { close(p.ack) })
}

// RemoteExecutor pushes steps to registered workers and tracks their
// liveness. It implements the same StepExecutor contract as the local
// docker executor.
type RemoteExecutor struct {
	store  *execution.Store
	db     *database.GormDB
	cfg    *config.RemoteConfig
	events protocol.Broadcaster

	// BaseURL is advertised to workers for step callbacks.
	baseURL string

	mu      sync.Mutex
	conns   map[string]sendFunc     // worker id -> live channel
	pending map[string]*pendingStep // execution key -> in-flight dispatch

	monitorOnce sync.Once
}

// Compile-time check that RemoteExecutor implements StepExecutor
var _ executor.StepExecutor = (*RemoteExecutor)(nil)

// NewRemoteExecutor creates a new remote executor
func NewRemoteExecutor(store *execution.Store, db *database.GormDB, cfg *config.RemoteConfig, baseURL string, events protocol.Broadcaster) *RemoteExecutor {
	if events == nil {
		events = protocol.NopBroadcaster{}
	}
	return &RemoteExecutor{
		store:   store,
		db:      db,
		cfg:     cfg,
		events:  events,
		baseURL: baseURL,
		conns:   make(map[string]sendFunc),
		pending: make(map[string]*pendingStep),
	}
}

// Register records a worker connection. The worker row is keyed by the
// runner's persistent id so reconnects resume the same record.
func (e *RemoteExecutor) Register(ctx context.Context, workerID, name, workerType string, labels protocol.WorkerLabels, send sendFunc) error {
	now := time.Now()

	worker, err := e.db.GetWorker(ctx, workerID)
	if err != nil {
		if !database.IsNotFound(err) {
			return err
		}
		worker = &models.Worker{
			ID:     workerID,
			Status: models.WorkerDisconnected,
		}
	}

	worker.Name = name
	worker.WorkerType = workerType
	worker.Labels = models.LabelSet(labels)
	worker.LastHeartbeat = &now
	worker.ConnectedAt = &now

	if err := Transition(worker, models.WorkerIdle); err != nil {
		return fmt.Errorf("worker %s cannot register: %w", workerID, err)
	}
	worker.CurrentStep = ""
	if err := e.db.UpsertWorker(ctx, worker); err != nil {
		return err
	}

	e.mu.Lock()
	e.conns[workerID] = send
	e.mu.Unlock()

	e.emitWorkerStatus(worker)
	getLog().Info().
		Str("worker_id", workerID).
		Str("worker_type", workerType).
		Msg("Worker registered")
	return nil
}

// Disconnect handles a closed duplex channel. The completion for any held
// step can never arrive on a closed socket, so the step is released for
// requeue immediately rather than waiting out the death timeout.
func (e *RemoteExecutor) Disconnect(ctx context.Context, workerID string) {
	e.mu.Lock()
	delete(e.conns, workerID)
	e.mu.Unlock()

	worker, err := e.db.GetWorker(ctx, workerID)
	if err != nil {
		return
	}
	if !worker.Status.IsConnected() {
		return
	}

	heldStep := worker.CurrentStep
	if err := Transition(worker, models.WorkerDisconnected); err != nil {
		getLog().Error().Err(err).Str("worker_id", workerID).Msg("Failed to mark worker disconnected")
		return
	}
	if err := e.db.UpsertWorker(ctx, worker); err != nil {
		getLog().Error().Err(err).Str("worker_id", workerID).Msg("Failed to persist worker disconnect")
	}
	e.emitWorkerStatus(worker)

	getLog().Warn().Str("worker_id", workerID).Str("held_step", heldStep).Msg("Worker disconnected")

	if heldStep != "" {
		e.resolveDead(heldStep)
	}
}

// HandleMessage processes one inbound frame from a worker.
func (e *RemoteExecutor) HandleMessage(ctx context.Context, workerID string, msg *protocol.WireMessage) error {
	switch msg.Type {
	case protocol.MsgAck:
		return e.handleAck(ctx, workerID, msg)
	case protocol.MsgHeartbeat:
		return e.handleHeartbeat(ctx, workerID)
	case protocol.MsgLog:
		e.handleLog(msg)
		return nil
	case protocol.MsgStepComplete:
		return e.handleStepComplete(ctx, workerID, msg)
	default:
		return fmt.Errorf("unexpected message type %q from worker %s", msg.Type, workerID)
	}
}

func (e *RemoteExecutor) handleAck(ctx context.Context, workerID string, msg *protocol.WireMessage) error {
	e.mu.Lock()
	p := e.pending[msg.ExecutionKey]
	e.mu.Unlock()
	if p != nil {
		p.markAcked()
	}

	worker, err := e.db.GetWorker(ctx, workerID)
	if err != nil {
		return err
	}
	if worker.Status != models.WorkerAssigned {
		// Late ack after the dispatch already timed out; ignore.
		return nil
	}
	if err := Transition(worker, models.WorkerWorking); err != nil {
		return err
	}
	now := time.Now()
	worker.LastHeartbeat = &now
	if err := e.db.UpsertWorker(ctx, worker); err != nil {
		return err
	}
	e.emitWorkerStatus(worker)
	return nil
}

func (e *RemoteExecutor) handleHeartbeat(ctx context.Context, workerID string) error {
	return e.db.TouchWorkerHeartbeat(ctx, workerID, time.Now())
}

func (e *RemoteExecutor) handleLog(msg *protocol.WireMessage) {
	e.mu.Lock()
	p := e.pending[msg.ExecutionKey]
	e.mu.Unlock()
	if p != nil && p.logSink != nil && len(msg.Lines) > 0 {
		p.logSink(msg.Lines)
	}
}

func (e *RemoteExecutor) handleStepComplete(ctx context.Context, workerID string, msg *protocol.WireMessage) error {
	exitCode := -1
	if msg.ExitCode != nil {
		exitCode = *msg.ExitCode
	}

	exec, err := e.db.GetStepExecutionByKey(ctx, msg.ExecutionKey)
	if err != nil {
		return fmt.Errorf("step_complete for unknown execution %s: %w", msg.ExecutionKey, err)
	}
	if !exec.State.IsTerminal() {
		// The worker owns preparing/running; fast finishers may still be
		// in preparing when the result lands.
		if exec.State == models.ExecutionPending || exec.State == models.ExecutionPreparing {
			if exec.State == models.ExecutionPending {
				if err := e.store.Advance(ctx, exec, models.ExecutionPreparing); err != nil {
					return err
				}
			}
			if err := e.store.Advance(ctx, exec, models.ExecutionRunning); err != nil {
				return err
			}
		}
		if err := e.store.Complete(ctx, exec, exitCode, msg.Error); err != nil {
			return err
		}
	}

	worker, err := e.db.GetWorker(ctx, workerID)
	if err == nil && worker.Status == models.WorkerWorking {
		if err := Transition(worker, models.WorkerIdle); err == nil {
			worker.CurrentStep = ""
			now := time.Now()
			worker.LastHeartbeat = &now
			if saveErr := e.db.UpsertWorker(ctx, worker); saveErr != nil {
				getLog().Error().Err(saveErr).Str("worker_id", workerID).Msg("Failed to return worker to idle")
			}
			e.emitWorkerStatus(worker)
		}
	}

	e.mu.Lock()
	p := e.pending[msg.ExecutionKey]
	delete(e.pending, msg.ExecutionKey)
	e.mu.Unlock()
	if p != nil {
		p.complete <- &executor.Result{
			ExecutionKey: msg.ExecutionKey,
			ExitCode:     exitCode,
			Error:        msg.Error,
		}
	}
	return nil
}

// Execute pushes the step to a matching worker and blocks for the result.
// If the worker dies mid-step the attempt is failed, a fresh attempt key is
// claimed, and the step is dispatched again.
func (e *RemoteExecutor) Execute(ctx context.Context, req *executor.Request) (*executor.Result, error) {
	key := req.Key
	for {
		exec, created, err := e.store.Claim(ctx, key, req.StepRunID, "")
		if err != nil {
			return nil, err
		}
		if !created {
			if exec.State.IsTerminal() {
				return &executor.Result{
					ExecutionKey: exec.ExecutionKey,
					ExitCode:     exitCodeOf(exec),
					Error:        exec.Error,
				}, nil
			}
			return nil, fmt.Errorf("execution %s is already in progress", key)
		}

		result, died, err := e.dispatch(ctx, exec, req)
		if err != nil {
			return nil, err
		}
		if !died {
			return result, nil
		}

		fresh, err := e.store.Requeue(ctx, exec, "worker died mid-step")
		if err != nil {
			return nil, err
		}
		key, err = execution.ParseKey(fresh.ExecutionKey)
		if err != nil {
			return nil, err
		}
		getLog().Warn().
			Str("previous_key", exec.ExecutionKey).
			Str("requeued_key", fresh.ExecutionKey).
			Msg("Requeued step after worker death")
	}
}

// dispatch sends one attempt to one worker. The bool return reports worker
// death; the caller requeues.
func (e *RemoteExecutor) dispatch(ctx context.Context, exec *models.StepExecution, req *executor.Request) (*executor.Result, bool, error) {
	worker, send, err := e.reserveWorker(ctx, exec.ExecutionKey, req)
	if err != nil {
		return nil, false, err
	}

	exec.RunnerID = worker.ID
	if err := e.store.Advance(ctx, exec, models.ExecutionPreparing); err != nil {
		return nil, false, err
	}

	p := &pendingStep{
		ack:      make(chan struct{}),
		complete: make(chan *executor.Result, 1),
		logSink:  req.LogSink,
	}
	e.mu.Lock()
	e.pending[exec.ExecutionKey] = p
	e.mu.Unlock()
	defer func() {
		e.mu.Lock()
		delete(e.pending, exec.ExecutionKey)
		e.mu.Unlock()
	}()

	timeout := req.Timeout
	assignment := protocol.StepAssignment{
		Image:          req.Image,
		Command:        req.Command,
		Script:         executor.NormalizeScript(req.Script),
		Env:            req.Env,
		TimeoutSeconds: int(timeout.Seconds()),
		CloneURL:       req.CloneURL,
		Branch:         req.Branch,
		StepToken:      req.StepToken,
		BackendURL:     e.baseURL,
	}
	frame, err := protocol.NewExecuteStep(req.StepID, exec.ExecutionKey, assignment)
	if err != nil {
		return nil, false, err
	}
	if err := send(frame); err != nil {
		e.markDead(ctx, worker.ID, "send failed")
		return nil, true, nil
	}

	// ACK gate: a worker that does not acknowledge promptly is dead.
	ackTimer := time.NewTimer(e.cfg.AckTimeout)
	defer ackTimer.Stop()
	select {
	case <-p.ack:
	case <-ackTimer.C:
		e.markDead(ctx, worker.ID, "ack timeout")
		return nil, true, nil
	case <-ctx.Done():
		return nil, false, ctx.Err()
	}

	// A fast worker may have already reported completion while the ack
	// gate was open; handleStepComplete owns the row from there. Reload
	// and only advance a row still sitting in preparing.
	current, err := e.db.GetStepExecutionByKey(ctx, exec.ExecutionKey)
	if err != nil {
		return nil, false, err
	}
	*exec = *current
	if exec.State == models.ExecutionPreparing {
		if err := e.store.Advance(ctx, exec, models.ExecutionRunning); err != nil {
			return nil, false, err
		}
	}

	select {
	case result := <-p.complete:
		if result == nil {
			return nil, true, nil
		}
		return result, false, nil
	case <-ctx.Done():
		return nil, false, ctx.Err()
	}
}

// reserveWorker polls for a connected idle worker matching the request and
// atomically assigns it the step.
func (e *RemoteExecutor) reserveWorker(ctx context.Context, executionKey string, req *executor.Request) (*models.Worker, sendFunc, error) {
	ticker := time.NewTicker(500 * time.Millisecond)
	defer ticker.Stop()

	for {
		worker, send := e.tryReserve(ctx, executionKey, req)
		if worker != nil {
			return worker, send, nil
		}
		select {
		case <-ctx.Done():
			return nil, nil, fmt.Errorf("%w: %s", executor.ErrNoWorkerAvailable, ctx.Err())
		case <-ticker.C:
		}
	}
}

func (e *RemoteExecutor) tryReserve(ctx context.Context, executionKey string, req *executor.Request) (*models.Worker, sendFunc) {
	e.mu.Lock()
	connected := make(map[string]sendFunc, len(e.conns))
	for id, send := range e.conns {
		connected[id] = send
	}
	e.mu.Unlock()

	// A required worker is a hard pin: no other worker may take the step,
	// even when the pinned one is busy or away.
	if req.RequiredWorker != "" {
		send, ok := connected[req.RequiredWorker]
		if !ok {
			return nil, nil
		}
		if worker := e.reserveOne(ctx, req.RequiredWorker, executionKey, req); worker != nil {
			return worker, send
		}
		return nil, nil
	}

	// Affinity pass: steps continuing in context prefer the worker that ran
	// the previous step.
	if req.PreferredWorker != "" {
		if send, ok := connected[req.PreferredWorker]; ok {
			if worker := e.reserveOne(ctx, req.PreferredWorker, executionKey, req); worker != nil {
				return worker, send
			}
		}
	}

	for id, send := range connected {
		if worker := e.reserveOne(ctx, id, executionKey, req); worker != nil {
			return worker, send
		}
	}
	return nil, nil
}

// reserveOne assigns the step to one worker if it is idle and matches the
// request's type and label requirements.
func (e *RemoteExecutor) reserveOne(ctx context.Context, workerID, executionKey string, req *executor.Request) *models.Worker {
	worker, err := e.db.GetWorker(ctx, workerID)
	if err != nil || !worker.Status.IsAvailable() {
		return nil
	}
	if req.WorkerType != "" && worker.WorkerType != req.WorkerType {
		return nil
	}
	if !worker.Labels.Satisfies(req.Requirements) {
		return nil
	}

	if err := Transition(worker, models.WorkerAssigned); err != nil {
		return nil
	}
	worker.CurrentStep = executionKey
	if err := e.db.UpsertWorker(ctx, worker); err != nil {
		return nil
	}
	e.emitWorkerStatus(worker)
	return worker
}

// Cancel aborts an in-flight remote execution. The pending future is
// resolved and the execution marked cancelled; the worker is told nothing
// and will report a completion that finds a terminal row.
func (e *RemoteExecutor) Cancel(ctx context.Context, key execution.Key) error {
	exec, err := e.store.Get(ctx, key)
	if err != nil {
		return err
	}
	if exec.State.IsTerminal() {
		return nil
	}
	if err := e.store.Advance(ctx, exec, models.ExecutionCancelled); err != nil {
		return err
	}
	e.resolveDead(key.String())
	return nil
}

// markDead declares a worker dead. Its current step is kept on the row for
// recovery; any Execute call waiting on the step is released for requeue.
func (e *RemoteExecutor) markDead(ctx context.Context, workerID, reason string) {
	e.mu.Lock()
	delete(e.conns, workerID)
	e.mu.Unlock()

	worker, err := e.db.GetWorker(ctx, workerID)
	if err != nil {
		return
	}
	if worker.Status == models.WorkerDead {
		return
	}
	heldStep := worker.CurrentStep
	if err := Transition(worker, models.WorkerDead); err != nil {
		getLog().Error().Err(err).Str("worker_id", workerID).Msg("Failed to mark worker dead")
		return
	}
	if err := e.db.UpsertWorker(ctx, worker); err != nil {
		getLog().Error().Err(err).Str("worker_id", workerID).Msg("Failed to persist worker death")
	}
	e.emitWorkerStatus(worker)

	getLog().Warn().
		Str("worker_id", workerID).
		Str("reason", reason).
		Str("held_step", heldStep).
		Msg("Worker declared dead")

	if heldStep != "" {
		e.resolveDead(heldStep)
	}
}

// resolveDead releases the Execute call waiting on an execution key with a
// nil result, signalling worker death.
func (e *RemoteExecutor) resolveDead(executionKey string) {
	e.mu.Lock()
	p := e.pending[executionKey]
	delete(e.pending, executionKey)
	e.mu.Unlock()
	if p != nil {
		p.markAcked() // unblock the ack gate if still waiting
		p.complete <- nil
	}
}

// StartMonitor watches worker heartbeats on the configured interval and
// declares workers dead once their heartbeat goes stale past the death
// timeout. Disconnected workers get the same grace before their held step
// is given up on.
func (e *RemoteExecutor) StartMonitor(ctx context.Context) {
	e.monitorOnce.Do(func() {
		interval := e.cfg.MonitorInterval
		if interval <= 0 {
			interval = 5 * time.Second
		}
		go func() {
			ticker := time.NewTicker(interval)
			defer ticker.Stop()
			for {
				select {
				case <-ctx.Done():
					return
				case <-ticker.C:
					e.sweepStale(ctx)
				}
			}
		}()
	})
}

func (e *RemoteExecutor) sweepStale(ctx context.Context) {
	workers, err := e.db.GetAllWorkers(ctx)
	if err != nil {
		getLog().Error().Err(err).Msg("Worker liveness sweep failed")
		return
	}
	cutoff := time.Now().Add(-e.cfg.DeathTimeout)
	for _, worker := range workers {
		switch worker.Status {
		case models.WorkerWorking, models.WorkerAssigned, models.WorkerDisconnected:
			if worker.LastHeartbeat != nil && worker.LastHeartbeat.Before(cutoff) {
				e.markDead(ctx, worker.ID, "heartbeat stale")
			}
		}
	}
}

// emitWorkerStatus broadcasts a worker state change to observers.
func (e *RemoteExecutor) emitWorkerStatus(worker *models.Worker) {
	e.events.Broadcast(protocol.WorkerStatusEvent{
		Metadata:    protocol.NewMetadata(fmt.Sprintf("worker-%s-%s-%d", worker.ID, worker.Status, time.Now().UnixNano()), ""),
		WorkerID:    worker.ID,
		Status:      string(worker.Status),
		CurrentStep: worker.CurrentStep,
	})
}

func exitCodeOf(exec *models.StepExecution) int {
	if exec.ExitCode != nil {
		return *exec.ExitCode
	}
	if exec.State == models.ExecutionCompleted {
		return 0
	}
	return -1
}
