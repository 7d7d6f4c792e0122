// Copyright (C) 2026 Lazyaf
// SPDX-License-Identifier: AGPL-3.0-or-later

package remote

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lazyaf/lazyaf/internal/config"
	"github.com/lazyaf/lazyaf/internal/orchestrator/database"
	"github.com/lazyaf/lazyaf/internal/orchestrator/execution"
	"github.com/lazyaf/lazyaf/internal/orchestrator/executor"
	"github.com/lazyaf/lazyaf/internal/orchestrator/models"
	"github.com/lazyaf/lazyaf/internal/protocol"
)

func newTestExecutor(t *testing.T, ackTimeout time.Duration) (*RemoteExecutor, *database.GormDB) {
	fixture := database.UseFreshInMemoryDatabase(t)
	t.Cleanup(fixture.Cleanup)

	cfg := &config.RemoteConfig{
		Enabled:         true,
		AckTimeout:      ackTimeout,
		DeathTimeout:    30 * time.Second,
		MonitorInterval: 5 * time.Second,
	}
	store := execution.NewStore(fixture.DB)
	return NewRemoteExecutor(store, fixture.DB, cfg, "http://backend:8080", nil), fixture.DB
}

// respondingWorker answers every execute_step frame with an ack followed by
// a step_complete carrying the given exit code, the way a healthy runner
// does.
func respondingWorker(e *RemoteExecutor, workerID string, exitCode int) sendFunc {
	return func(msg *protocol.WireMessage) error {
		if msg.Type != protocol.MsgExecuteStep {
			return nil
		}
		go func() {
			ctx := context.Background()
			_ = e.HandleMessage(ctx, workerID, protocol.NewAck(msg.StepID, msg.ExecutionKey))
			// Let the dispatch advance past its ack gate first.
			time.Sleep(50 * time.Millisecond)
			_ = e.HandleMessage(ctx, workerID, protocol.NewStepComplete(msg.StepID, msg.ExecutionKey, exitCode, ""))
		}()
		return nil
	}
}

func TestRegisterMakesWorkerIdle(t *testing.T) {
	ctx := context.Background()
	e, db := newTestExecutor(t, 5*time.Second)

	labels := protocol.WorkerLabels{Arch: "arm64", Has: []string{"gpu"}}
	send := func(*protocol.WireMessage) error { return nil }
	require.NoError(t, e.Register(ctx, "worker-1", "builder-1", "docker", labels, send))

	worker, err := db.GetWorker(ctx, "worker-1")
	require.NoError(t, err)
	assert.Equal(t, models.WorkerIdle, worker.Status)
	assert.Equal(t, "docker", worker.WorkerType)
	assert.Equal(t, models.LabelSet(labels), worker.Labels)
	require.NotNil(t, worker.LastHeartbeat)

	// Re-registration after a restart resumes the same record.
	require.NoError(t, e.Register(ctx, "worker-1", "builder-1", "docker", labels, send))
	worker, err = db.GetWorker(ctx, "worker-1")
	require.NoError(t, err)
	assert.Equal(t, models.WorkerIdle, worker.Status)
}

func TestExecuteHappyPath(t *testing.T) {
	ctx := context.Background()
	e, db := newTestExecutor(t, 5*time.Second)

	require.NoError(t, e.Register(ctx, "worker-1", "builder-1", "docker", protocol.WorkerLabels{}, respondingWorker(e, "worker-1", 0)))

	var logged []string
	result, err := e.Execute(ctx, &executor.Request{
		Key:       execution.BuildKey("run-1", 0, 0),
		StepRunID: "sr-1",
		StepID:    "step-000",
		Image:     "golang:1.22",
		Script:    "go test ./...",
		Timeout:   time.Minute,
		LogSink:   func(lines []string) { logged = append(logged, lines...) },
	})
	require.NoError(t, err)
	assert.Equal(t, "run-1:0:0", result.ExecutionKey)
	assert.True(t, result.Succeeded())

	exec, err := db.GetStepExecutionByKey(ctx, "run-1:0:0")
	require.NoError(t, err)
	assert.Equal(t, models.ExecutionCompleted, exec.State)
	assert.Equal(t, "worker-1", exec.RunnerID)

	worker, err := db.GetWorker(ctx, "worker-1")
	require.NoError(t, err)
	assert.Equal(t, models.WorkerIdle, worker.Status)
	assert.Empty(t, worker.CurrentStep)
}

func TestExecuteFailureResult(t *testing.T) {
	ctx := context.Background()
	e, db := newTestExecutor(t, 5*time.Second)

	require.NoError(t, e.Register(ctx, "worker-1", "builder-1", "docker", protocol.WorkerLabels{}, respondingWorker(e, "worker-1", 3)))

	result, err := e.Execute(ctx, &executor.Request{
		Key:       execution.BuildKey("run-1", 0, 0),
		StepRunID: "sr-1",
		StepID:    "step-000",
		Image:     "golang:1.22",
		Script:    "exit 3",
		Timeout:   time.Minute,
	})
	require.NoError(t, err)
	assert.Equal(t, 3, result.ExitCode)
	assert.False(t, result.Succeeded())

	exec, err := db.GetStepExecutionByKey(ctx, "run-1:0:0")
	require.NoError(t, err)
	assert.Equal(t, models.ExecutionFailed, exec.State)
}

func TestExecuteRequeuesAfterAckTimeout(t *testing.T) {
	ctx := context.Background()
	e, db := newTestExecutor(t, 100*time.Millisecond)

	// worker-a swallows frames without answering; worker-b behaves.
	silent := func(*protocol.WireMessage) error { return nil }
	require.NoError(t, e.Register(ctx, "worker-a", "silent", "docker", protocol.WorkerLabels{}, silent))
	require.NoError(t, e.Register(ctx, "worker-b", "healthy", "docker", protocol.WorkerLabels{}, respondingWorker(e, "worker-b", 0)))

	result, err := e.Execute(ctx, &executor.Request{
		Key:             execution.BuildKey("run-1", 0, 0),
		StepRunID:       "sr-1",
		StepID:          "step-000",
		Image:           "golang:1.22",
		Script:          "true",
		Timeout:         time.Minute,
		PreferredWorker: "worker-a",
	})
	require.NoError(t, err)

	// The step landed on the second attempt.
	assert.Equal(t, "run-1:0:1", result.ExecutionKey)
	assert.True(t, result.Succeeded())

	firstAttempt, err := db.GetStepExecutionByKey(ctx, "run-1:0:0")
	require.NoError(t, err)
	assert.Equal(t, models.ExecutionFailed, firstAttempt.State)
	assert.Equal(t, "worker died mid-step", firstAttempt.Error)

	dead, err := db.GetWorker(ctx, "worker-a")
	require.NoError(t, err)
	assert.Equal(t, models.WorkerDead, dead.Status)
	// The held step survives on the dead worker's row for inspection.
	assert.Equal(t, "run-1:0:0", dead.CurrentStep)
}

func TestExecuteRequiredWorker(t *testing.T) {
	ctx := context.Background()
	e, db := newTestExecutor(t, 5*time.Second)

	require.NoError(t, e.Register(ctx, "worker-a", "builder-a", "docker", protocol.WorkerLabels{}, respondingWorker(e, "worker-a", 0)))
	require.NoError(t, e.Register(ctx, "worker-b", "builder-b", "docker", protocol.WorkerLabels{}, respondingWorker(e, "worker-b", 0)))

	result, err := e.Execute(ctx, &executor.Request{
		Key:            execution.BuildKey("run-1", 0, 0),
		StepRunID:      "sr-1",
		StepID:         "step-000",
		Image:          "golang:1.22",
		Script:         "true",
		Timeout:        time.Minute,
		RequiredWorker: "worker-b",
	})
	require.NoError(t, err)
	require.True(t, result.Succeeded())

	// The pin is hard: only worker-b may run the step.
	exec, err := db.GetStepExecutionByKey(ctx, "run-1:0:0")
	require.NoError(t, err)
	assert.Equal(t, "worker-b", exec.RunnerID)

	other, err := db.GetWorker(ctx, "worker-a")
	require.NoError(t, err)
	assert.Empty(t, other.CurrentStep)
}

func TestExecuteRequiredWorkerAbsentBlocks(t *testing.T) {
	e, _ := newTestExecutor(t, time.Second)

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()

	require.NoError(t, e.Register(ctx, "worker-a", "builder-a", "docker", protocol.WorkerLabels{}, respondingWorker(e, "worker-a", 0)))

	// An idle worker-a does not satisfy a pin on worker-b.
	_, err := e.Execute(ctx, &executor.Request{
		Key:            execution.BuildKey("run-1", 0, 0),
		StepRunID:      "sr-1",
		StepID:         "step-000",
		Image:          "golang:1.22",
		Timeout:        time.Minute,
		RequiredWorker: "worker-b",
	})
	require.Error(t, err)
	assert.ErrorIs(t, err, executor.ErrNoWorkerAvailable)
}

func TestExecuteFastFinisherStaysTerminal(t *testing.T) {
	ctx := context.Background()
	e, db := newTestExecutor(t, 5*time.Second)

	// The worker acks and reports completion synchronously, before the
	// dispatch loop gets past its ack gate.
	instant := func(msg *protocol.WireMessage) error {
		if msg.Type != protocol.MsgExecuteStep {
			return nil
		}
		bg := context.Background()
		if err := e.HandleMessage(bg, "worker-1", protocol.NewAck(msg.StepID, msg.ExecutionKey)); err != nil {
			return err
		}
		return e.HandleMessage(bg, "worker-1", protocol.NewStepComplete(msg.StepID, msg.ExecutionKey, 0, ""))
	}
	require.NoError(t, e.Register(ctx, "worker-1", "builder-1", "docker", protocol.WorkerLabels{}, instant))

	result, err := e.Execute(ctx, &executor.Request{
		Key:       execution.BuildKey("run-1", 0, 0),
		StepRunID: "sr-1",
		StepID:    "step-000",
		Image:     "golang:1.22",
		Script:    "true",
		Timeout:   time.Minute,
	})
	require.NoError(t, err)
	assert.True(t, result.Succeeded())

	// The already-reported completion must not be knocked back to running.
	exec, err := db.GetStepExecutionByKey(ctx, "run-1:0:0")
	require.NoError(t, err)
	assert.Equal(t, models.ExecutionCompleted, exec.State)
}

func TestExecuteNoWorkerAvailable(t *testing.T) {
	e, _ := newTestExecutor(t, time.Second)

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()

	_, err := e.Execute(ctx, &executor.Request{
		Key:       execution.BuildKey("run-1", 0, 0),
		StepRunID: "sr-1",
		StepID:    "step-000",
		Image:     "golang:1.22",
		Timeout:   time.Minute,
	})
	require.Error(t, err)
	assert.ErrorIs(t, err, executor.ErrNoWorkerAvailable)
}

func TestExecuteIdempotentForTerminalAttempt(t *testing.T) {
	ctx := context.Background()
	e, db := newTestExecutor(t, 5*time.Second)

	require.NoError(t, e.Register(ctx, "worker-1", "builder-1", "docker", protocol.WorkerLabels{}, respondingWorker(e, "worker-1", 0)))

	req := &executor.Request{
		Key:       execution.BuildKey("run-1", 0, 0),
		StepRunID: "sr-1",
		StepID:    "step-000",
		Image:     "golang:1.22",
		Script:    "true",
		Timeout:   time.Minute,
	}
	first, err := e.Execute(ctx, req)
	require.NoError(t, err)
	require.True(t, first.Succeeded())

	// A duplicate call replays the stored result without dispatching.
	second, err := e.Execute(ctx, req)
	require.NoError(t, err)
	assert.Equal(t, first.ExecutionKey, second.ExecutionKey)
	assert.Equal(t, first.ExitCode, second.ExitCode)

	exec, err := db.GetStepExecutionByKey(ctx, "run-1:0:0")
	require.NoError(t, err)
	assert.Equal(t, models.ExecutionCompleted, exec.State)
}

func TestDisconnectMarksWorker(t *testing.T) {
	ctx := context.Background()
	e, db := newTestExecutor(t, 5*time.Second)

	require.NoError(t, e.Register(ctx, "worker-1", "builder-1", "docker", protocol.WorkerLabels{}, func(*protocol.WireMessage) error { return nil }))

	e.Disconnect(ctx, "worker-1")

	worker, err := db.GetWorker(ctx, "worker-1")
	require.NoError(t, err)
	assert.Equal(t, models.WorkerDisconnected, worker.Status)

	// Disconnecting an already disconnected worker is harmless.
	e.Disconnect(ctx, "worker-1")
}

func TestSweepStale(t *testing.T) {
	ctx := context.Background()
	e, db := newTestExecutor(t, 5*time.Second)

	stale := time.Now().Add(-time.Minute)
	fresh := time.Now()
	require.NoError(t, db.UpsertWorker(ctx, &models.Worker{
		ID:            "worker-stale",
		WorkerType:    "docker",
		Status:        models.WorkerWorking,
		CurrentStep:   "run-1:0:0",
		LastHeartbeat: &stale,
	}))
	require.NoError(t, db.UpsertWorker(ctx, &models.Worker{
		ID:            "worker-fresh",
		WorkerType:    "docker",
		Status:        models.WorkerWorking,
		LastHeartbeat: &fresh,
	}))
	require.NoError(t, db.UpsertWorker(ctx, &models.Worker{
		ID:            "worker-idle",
		WorkerType:    "docker",
		Status:        models.WorkerIdle,
		LastHeartbeat: &stale,
	}))

	e.sweepStale(ctx)

	dead, err := db.GetWorker(ctx, "worker-stale")
	require.NoError(t, err)
	assert.Equal(t, models.WorkerDead, dead.Status)

	working, err := db.GetWorker(ctx, "worker-fresh")
	require.NoError(t, err)
	assert.Equal(t, models.WorkerWorking, working.Status)

	// Idle workers carry no step; they are left alone until they reconnect.
	idle, err := db.GetWorker(ctx, "worker-idle")
	require.NoError(t, err)
	assert.Equal(t, models.WorkerIdle, idle.Status)
}

func TestStartMonitorSingleLoop(t *testing.T) {
	e, _ := newTestExecutor(t, 5*time.Second)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Repeated starts must not stack monitor loops.
	e.StartMonitor(ctx)
	e.StartMonitor(ctx)
}

func TestHeartbeatTouchesWorker(t *testing.T) {
	ctx := context.Background()
	e, db := newTestExecutor(t, 5*time.Second)

	old := time.Now().Add(-time.Minute)
	require.NoError(t, db.UpsertWorker(ctx, &models.Worker{
		ID:            "worker-1",
		WorkerType:    "docker",
		Status:        models.WorkerIdle,
		LastHeartbeat: &old,
	}))

	require.NoError(t, e.HandleMessage(ctx, "worker-1", &protocol.WireMessage{Type: protocol.MsgHeartbeat, RunnerID: "worker-1"}))

	worker, err := db.GetWorker(ctx, "worker-1")
	require.NoError(t, err)
	require.NotNil(t, worker.LastHeartbeat)
	assert.True(t, worker.LastHeartbeat.After(old))
}
