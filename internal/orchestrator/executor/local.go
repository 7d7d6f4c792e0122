// Copyright (C) 2026 Lazyaf
// SPDX-License-Identifier: AGPL-3.0-or-later

package executor

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/lazyaf/lazyaf/internal/config"
	"github.com/lazyaf/lazyaf/internal/logger"
	"github.com/lazyaf/lazyaf/internal/orchestrator/execution"
	"github.com/lazyaf/lazyaf/internal/orchestrator/models"
	"github.com/lazyaf/lazyaf/internal/orchestrator/workspace"
	"github.com/lazyaf/lazyaf/pkg/containers/docker"
	containermodels "github.com/lazyaf/lazyaf/pkg/containers/models"
)

var (
	log     *zerolog.Logger
	logOnce sync.Once
)

func getLog() *zerolog.Logger {
	logOnce.Do(func() {
		l := logger.GetExecutorLogger().With().Str("component", "local").Logger()
		log = &l
	})
	return log
}

// managedLabel marks every container this executor creates, so orphans from
// a crashed process can be found and removed at startup.
const managedLabel = "lazyaf.managed"

// LocalExecutor runs steps in docker containers on the orchestrator host.
type LocalExecutor struct {
	store      *execution.Store
	docker     docker.ClientInterface
	workspaces *workspace.Manager
	cfg        *config.AppConfig
}

// Compile-time check that LocalExecutor implements StepExecutor
var _ StepExecutor = (*LocalExecutor)(nil)

// NewLocalExecutor creates a new local docker executor
func NewLocalExecutor(store *execution.Store, dockerClient docker.ClientInterface, workspaces *workspace.Manager, cfg *config.AppConfig) *LocalExecutor {
	return &LocalExecutor{
		store:      store,
		docker:     dockerClient,
		workspaces: workspaces,
		cfg:        cfg,
	}
}

// Execute runs one step to completion. The execution key is claimed first:
// a key that already completed returns its stored result without running
// anything, a key still in flight is refused.
func (e *LocalExecutor) Execute(ctx context.Context, req *Request) (*Result, error) {
	exec, created, err := e.store.Claim(ctx, req.Key, req.StepRunID, execution.LocalRunnerID)
	if err != nil {
		return nil, err
	}
	if !created {
		if exec.State.IsTerminal() {
			return resultFromExecution(exec), nil
		}
		return nil, fmt.Errorf("execution %s is already in progress", req.Key)
	}

	result, err := e.run(ctx, exec, req)
	if err != nil {
		if !exec.State.IsTerminal() {
			if failErr := e.store.Fail(ctx, exec, err.Error()); failErr != nil {
				getLog().Error().Err(failErr).Str("execution_key", exec.ExecutionKey).Msg("Failed to record execution failure")
			}
		}
		return nil, err
	}
	return result, nil
}

// run drives the container lifecycle for a freshly claimed execution.
func (e *LocalExecutor) run(ctx context.Context, exec *models.StepExecution, req *Request) (*Result, error) {
	if err := e.store.Advance(ctx, exec, models.ExecutionPreparing); err != nil {
		return nil, err
	}

	ws, err := e.workspaces.Acquire(ctx, req.Key.PipelineRunID)
	if err != nil {
		return nil, fmt.Errorf("failed to acquire workspace: %w", err)
	}
	defer func() {
		if relErr := e.workspaces.Release(context.WithoutCancel(ctx), req.Key.PipelineRunID); relErr != nil {
			getLog().Warn().Err(relErr).Str("workspace_id", ws.ID).Msg("Failed to release workspace")
		}
	}()

	image := req.Image
	if image == "" {
		image = e.cfg.Executor.DefaultImage
	}

	timeout := req.Timeout
	if timeout <= 0 {
		timeout = e.cfg.Executor.DefaultStepTimeout
	}

	controlPath := ControlFilePath(e.cfg.Executor.ControlDir, req.Key.StepIndex)
	env := containerEnv(req, exec.ExecutionKey, controlPath)

	command := req.Command
	if req.Script != "" {
		command = []string{"/bin/sh", "-c", NormalizeScript(req.Script)}
	}

	containerConfig := containermodels.ContainerConfig{
		Name:        fmt.Sprintf("lazyaf-step-%s", exec.ID),
		Image:       image,
		Command:     command,
		WorkingDir:  RepoDir,
		Environment: env,
		NetworkMode: e.cfg.Container.NetworkMode,
		Mounts: []containermodels.Mount{
			{Source: ws.ID, Target: WorkspaceMountPath, Volume: true},
		},
		Labels: map[string]string{
			managedLabel:           "true",
			"lazyaf.step_id":       req.StepID,
			"lazyaf.execution_key": exec.ExecutionKey,
		},
		MemoryMB:  e.cfg.Container.ResourceLimits.MemoryMB,
		CPUShares: e.cfg.Container.ResourceLimits.CPUShares,
		StepID:    req.StepID,
	}

	container, err := e.docker.CreateContainer(ctx, containerConfig)
	if err != nil {
		if isImageNotFound(err) {
			return nil, fmt.Errorf("%w: %s", ErrImageNotFound, image)
		}
		return nil, fmt.Errorf("failed to create step container: %w", err)
	}
	defer func() {
		if rmErr := e.docker.RemoveContainer(context.WithoutCancel(ctx), container.ID, true); rmErr != nil && !docker.IsNotFound(rmErr) {
			getLog().Warn().Err(rmErr).Str("container_id", container.ID).Msg("Failed to remove step container")
		}
	}()

	exec.ContainerID = container.ID

	controlFile := &ControlFile{
		ExecutionKey:   exec.ExecutionKey,
		StepToken:      req.StepToken,
		BackendURL:     e.cfg.Server.BaseURL,
		CloneURL:       req.CloneURL,
		Branch:         req.Branch,
		Command:        req.Command,
		Script:         NormalizeScript(req.Script),
		Env:            req.Env,
		Cwd:            RepoDir,
		TimeoutSeconds: int(timeout.Seconds()),
	}
	content, err := controlFile.Marshal()
	if err != nil {
		return nil, err
	}
	if err := e.docker.WriteToContainer(ctx, container.ID, content, controlPath); err != nil {
		return nil, fmt.Errorf("failed to write control file: %w", err)
	}

	if err := e.docker.StartContainer(ctx, container.ID); err != nil {
		if isImageNotFound(err) {
			return nil, fmt.Errorf("%w: %s", ErrImageNotFound, image)
		}
		return nil, fmt.Errorf("failed to start step container: %w", err)
	}

	if err := e.store.Advance(ctx, exec, models.ExecutionRunning); err != nil {
		return nil, err
	}

	getLog().Info().
		Str("execution_key", exec.ExecutionKey).
		Str("container_id", container.ID).
		Str("image", image).
		Dur("timeout", timeout).
		Msg("Step container started")

	logsDone := e.streamLogs(ctx, container.ID, req.LogSink)

	exitCode, waitErr := e.waitWithTimeout(ctx, container.ID, timeout)
	<-logsDone

	if waitErr != nil {
		switch {
		case ctx.Err() != nil:
			if cancelErr := e.store.Advance(context.WithoutCancel(ctx), exec, models.ExecutionCancelled); cancelErr != nil {
				getLog().Error().Err(cancelErr).Str("execution_key", exec.ExecutionKey).Msg("Failed to record cancellation")
			}
			return nil, ctx.Err()
		case isTimeout(waitErr):
			if failErr := e.store.Fail(ctx, exec, fmt.Sprintf("timed out after %s", timeout)); failErr != nil {
				getLog().Error().Err(failErr).Str("execution_key", exec.ExecutionKey).Msg("Failed to record timeout")
			}
			return &Result{ExecutionKey: exec.ExecutionKey, ExitCode: -1, Error: waitErr.Error()},
				fmt.Errorf("%w: %s", ErrExecutionTimeout, exec.ExecutionKey)
		default:
			return nil, waitErr
		}
	}

	var errMsg string
	if exitCode != 0 {
		errMsg = fmt.Sprintf("step exited with code %d", exitCode)
	}
	if err := e.store.Complete(ctx, exec, exitCode, errMsg); err != nil {
		return nil, err
	}

	getLog().Info().
		Str("execution_key", exec.ExecutionKey).
		Int("exit_code", exitCode).
		Msg("Step container finished")

	return &Result{ExecutionKey: exec.ExecutionKey, ExitCode: exitCode, Error: errMsg}, nil
}

// containerEnv builds the step container environment. HOME is pinned inside
// the workspace only when neither a command nor a script is given, the case
// where the in-container control layer drives execution and tool state must
// survive across the run's steps.
func containerEnv(req *Request, executionKey, controlPath string) map[string]string {
	env := map[string]string{
		"LAZYAF_EXECUTION":    executionKey,
		"LAZYAF_CONTROL_FILE": controlPath,
	}
	if len(req.Command) == 0 && req.Script == "" {
		env["HOME"] = HomeDir
	}
	for k, v := range req.Env {
		env[k] = v
	}
	return env
}

// streamLogs follows the container's output and forwards line batches to
// the sink. The returned channel closes when the stream drains.
func (e *LocalExecutor) streamLogs(ctx context.Context, containerID string, sink func([]string)) <-chan struct{} {
	done := make(chan struct{})
	lines := make(chan string, 256)

	go func() {
		if err := e.docker.StreamLogs(ctx, containerID, lines); err != nil && ctx.Err() == nil {
			getLog().Warn().Err(err).Str("container_id", containerID).Msg("Log stream ended with error")
		}
	}()

	go func() {
		defer close(done)
		for line := range lines {
			if sink != nil {
				sink([]string{line})
			}
		}
	}()

	return done
}

// errDeadline marks a step that outlived its timeout.
type errDeadline struct{ timeout time.Duration }

func (e *errDeadline) Error() string { return fmt.Sprintf("step exceeded timeout of %s", e.timeout) }

func isTimeout(err error) bool {
	_, ok := err.(*errDeadline)
	return ok
}

// waitWithTimeout blocks for the container to exit, killing it when the
// step timeout elapses or ctx is cancelled.
func (e *LocalExecutor) waitWithTimeout(ctx context.Context, containerID string, timeout time.Duration) (int, error) {
	type waitResult struct {
		exitCode int
		err      error
	}
	waitCh := make(chan waitResult, 1)
	go func() {
		code, err := e.docker.WaitContainer(context.WithoutCancel(ctx), containerID)
		waitCh <- waitResult{exitCode: code, err: err}
	}()

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case res := <-waitCh:
		return res.exitCode, res.err
	case <-timer.C:
		if killErr := e.docker.KillContainer(context.WithoutCancel(ctx), containerID); killErr != nil {
			getLog().Warn().Err(killErr).Str("container_id", containerID).Msg("Failed to kill timed-out container")
		}
		<-waitCh
		return -1, &errDeadline{timeout: timeout}
	case <-ctx.Done():
		if killErr := e.docker.KillContainer(context.WithoutCancel(ctx), containerID); killErr != nil {
			getLog().Warn().Err(killErr).Str("container_id", containerID).Msg("Failed to kill cancelled container")
		}
		<-waitCh
		return -1, ctx.Err()
	}
}

// Cancel kills the container of an in-flight execution and marks it
// cancelled. A terminal execution is left untouched.
func (e *LocalExecutor) Cancel(ctx context.Context, key execution.Key) error {
	exec, err := e.store.Get(ctx, key)
	if err != nil {
		return err
	}
	if exec.State.IsTerminal() {
		return nil
	}
	if exec.ContainerID != "" {
		if err := e.docker.KillContainer(ctx, exec.ContainerID); err != nil {
			return fmt.Errorf("failed to kill container for %s: %w", key, err)
		}
	}
	return e.store.Advance(ctx, exec, models.ExecutionCancelled)
}

// RecoverOrphans removes containers left behind by a previous process.
// Called once at startup, before any new step is dispatched.
func (e *LocalExecutor) RecoverOrphans(ctx context.Context) (int, error) {
	containers, err := e.docker.ListContainersByLabels(ctx, map[string]string{managedLabel: "true"})
	if err != nil {
		return 0, fmt.Errorf("failed to list orphaned containers: %w", err)
	}
	removed := 0
	for _, c := range containers {
		if err := e.docker.RemoveContainer(ctx, c.ID, true); err != nil && !docker.IsNotFound(err) {
			getLog().Warn().Err(err).Str("container_id", c.ID).Msg("Failed to remove orphaned container")
			continue
		}
		removed++
	}
	if removed > 0 {
		getLog().Info().Int("count", removed).Msg("Removed orphaned step containers")
	}
	return removed, nil
}

// resultFromExecution reconstructs a Result from a terminal execution row.
func resultFromExecution(exec *models.StepExecution) *Result {
	res := &Result{ExecutionKey: exec.ExecutionKey, Error: exec.Error}
	if exec.ExitCode != nil {
		res.ExitCode = *exec.ExitCode
	} else if exec.State != models.ExecutionCompleted {
		res.ExitCode = -1
	}
	return res
}

// isImageNotFound classifies docker errors that mean the image is missing.
func isImageNotFound(err error) bool {
	if docker.IsNotFound(err) {
		return true
	}
	msg := err.Error()
	return strings.Contains(msg, "No such image") || strings.Contains(msg, "pull access denied") ||
		strings.Contains(msg, "manifest unknown")
}
