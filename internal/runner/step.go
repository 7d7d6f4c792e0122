// Copyright (C) 2026 Lazyaf
// SPDX-License-Identifier: AGPL-3.0-or-later

package runner

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/lazyaf/lazyaf/internal/protocol"
	"github.com/lazyaf/lazyaf/pkg/containers/models"
)

const (
	workDir      = "/workspace"
	repoDir      = "/workspace/repo"
	logBatchSize = 50
	logBatchWait = 500 * time.Millisecond
)

// executeStep runs one pushed step in a local container and reports the
// result. The ack goes out before any docker work so the backend's ack gate
// is satisfied even when image pulls are slow.
func (r *Runner) executeStep(ctx context.Context, msg *protocol.WireMessage) {
	key := msg.ExecutionKey
	if err := r.send(protocol.NewAck(msg.StepID, key)); err != nil {
		getLog().Error().Err(err).Str("execution_key", key).Msg("Failed to ack step")
		return
	}

	assignment, err := protocol.DecodeAssignment(msg.Config)
	if err != nil {
		getLog().Error().Err(err).Str("execution_key", key).Msg("Malformed assignment")
		r.send(protocol.NewStepComplete(msg.StepID, key, -1, err.Error()))
		return
	}

	getLog().Info().
		Str("execution_key", key).
		Str("image", assignment.Image).
		Msg("Executing step")

	exitCode, runErr := r.runStepContainer(ctx, msg.StepID, key, assignment)

	errMsg := ""
	if runErr != nil {
		errMsg = runErr.Error()
		getLog().Warn().Err(runErr).Str("execution_key", key).Msg("Step failed")
	} else {
		getLog().Info().Str("execution_key", key).Int("exit_code", exitCode).Msg("Step finished")
	}

	if err := r.send(protocol.NewStepComplete(msg.StepID, key, exitCode, errMsg)); err != nil {
		getLog().Error().Err(err).Str("execution_key", key).Msg("Failed to report step result")
	}
}

// runStepContainer creates, runs, and reaps the step container.
func (r *Runner) runStepContainer(ctx context.Context, stepID, key string, assignment *protocol.StepAssignment) (int, error) {
	timeout := time.Duration(assignment.TimeoutSeconds) * time.Second
	if timeout <= 0 {
		timeout = time.Hour
	}
	runCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	env := map[string]string{
		"HOME":                workDir,
		"LAZYAF_EXECUTION":    key,
		"LAZYAF_STEP_TOKEN":   assignment.StepToken,
		"LAZYAF_BACKEND_URL":  assignment.BackendURL,
		"GIT_TERMINAL_PROMPT": "0",
	}
	for k, v := range assignment.Env {
		env[k] = v
	}

	cfg := models.ContainerConfig{
		Name:        fmt.Sprintf("lazyaf-runner-%s-%d", r.id[:8], time.Now().UnixNano()),
		Image:       assignment.Image,
		Environment: env,
		WorkingDir:  workDir,
		Command:     buildCommand(assignment),
		Labels: map[string]string{
			"lazyaf.managed":       "true",
			"lazyaf.runner_id":     r.id,
			"lazyaf.execution_key": key,
		},
		MemoryMB:    r.container.ResourceLimits.MemoryMB,
		CPUShares:   r.container.ResourceLimits.CPUShares,
		NetworkMode: r.container.NetworkMode,
		StepID:      stepID,
	}

	container, err := r.docker.CreateContainer(runCtx, cfg)
	if err != nil {
		return -1, fmt.Errorf("failed to create container: %w", err)
	}
	defer func() {
		removeCtx, removeCancel := context.WithTimeout(context.WithoutCancel(ctx), 30*time.Second)
		defer removeCancel()
		if err := r.docker.RemoveContainer(removeCtx, container.ID, true); err != nil {
			getLog().Warn().Err(err).Str("container_id", container.ID).Msg("Failed to remove step container")
		}
	}()

	if err := r.docker.StartContainer(runCtx, container.ID); err != nil {
		return -1, fmt.Errorf("failed to start container: %w", err)
	}

	logsDone := r.streamLogs(runCtx, container.ID, stepID, key)

	exitCode, err := r.docker.WaitContainer(runCtx, container.ID)
	<-logsDone
	if err != nil {
		if runCtx.Err() == context.DeadlineExceeded {
			r.docker.KillContainer(context.WithoutCancel(ctx), container.ID)
			return -1, fmt.Errorf("step timed out after %s", timeout)
		}
		return -1, fmt.Errorf("failed waiting for container: %w", err)
	}
	return exitCode, nil
}

// buildCommand composes the in-container bootstrap: clone the run branch
// when a clone URL is given, then run the step's command or script.
func buildCommand(assignment *protocol.StepAssignment) []string {
	var parts []string
	parts = append(parts, "set -e")

	if assignment.CloneURL != "" {
		branch := assignment.Branch
		if branch == "" {
			clone := fmt.Sprintf("git clone %q %q", assignment.CloneURL, repoDir)
			parts = append(parts, clone)
		} else {
			clone := fmt.Sprintf("git clone --branch %q %q %q", branch, assignment.CloneURL, repoDir)
			parts = append(parts, clone)
		}
		parts = append(parts, fmt.Sprintf("cd %q", repoDir))
	}

	switch {
	case assignment.Script != "":
		parts = append(parts, normalizeScript(assignment.Script))
	case len(assignment.Command) > 0:
		parts = append(parts, shellJoin(assignment.Command))
	}

	return []string{"/bin/sh", "-c", strings.Join(parts, "\n")}
}

// normalizeScript converts CRLF and lone CR line endings so scripts
// authored on any platform run under /bin/sh. The double-escaped form
// shows up when a script survives a second JSON encoding.
func normalizeScript(script string) string {
	script = strings.ReplaceAll(script, `\r\n`, "\n")
	script = strings.ReplaceAll(script, "\r\n", "\n")
	return strings.ReplaceAll(script, "\r", "\n")
}

// shellJoin quotes a command vector into one shell line.
func shellJoin(command []string) string {
	quoted := make([]string, len(command))
	for i, arg := range command {
		quoted[i] = "'" + strings.ReplaceAll(arg, "'", `'\''`) + "'"
	}
	return strings.Join(quoted, " ")
}

// streamLogs follows container output and ships it to the backend in
// batches. The returned channel closes once the log stream is drained.
func (r *Runner) streamLogs(ctx context.Context, containerID, stepID, key string) <-chan struct{} {
	lines := make(chan string, 256)
	done := make(chan struct{})

	go func() {
		if err := r.docker.StreamLogs(ctx, containerID, lines); err != nil {
			getLog().Warn().Err(err).Str("container_id", containerID).Msg("Log streaming ended with error")
		}
	}()

	go func() {
		defer close(done)

		batch := make([]string, 0, logBatchSize)
		flush := func() {
			if len(batch) == 0 {
				return
			}
			if err := r.send(protocol.NewLogBatch(stepID, key, batch)); err != nil {
				getLog().Warn().Err(err).Str("execution_key", key).Msg("Failed to ship log batch")
			}
			batch = make([]string, 0, logBatchSize)
		}

		ticker := time.NewTicker(logBatchWait)
		defer ticker.Stop()

		for {
			select {
			case line, ok := <-lines:
				if !ok {
					flush()
					return
				}
				batch = append(batch, line)
				if len(batch) >= logBatchSize {
					flush()
				}
			case <-ticker.C:
				flush()
			}
		}
	}()

	return done
}
