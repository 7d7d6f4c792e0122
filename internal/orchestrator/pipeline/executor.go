// Copyright (C) 2026 Lazyaf
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package pipeline drives pipeline runs: it materializes a run from a
// pipeline definition, walks the step graph edge by edge, routes each step
// to an executor, and settles the run once the graph drains.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/samber/lo"

	"github.com/lazyaf/lazyaf/internal/config"
	"github.com/lazyaf/lazyaf/internal/gitserver"
	"github.com/lazyaf/lazyaf/internal/logger"
	"github.com/lazyaf/lazyaf/internal/orchestrator/database"
	"github.com/lazyaf/lazyaf/internal/orchestrator/execution"
	"github.com/lazyaf/lazyaf/internal/orchestrator/executor"
	"github.com/lazyaf/lazyaf/internal/orchestrator/models"
	"github.com/lazyaf/lazyaf/internal/orchestrator/tokens"
	"github.com/lazyaf/lazyaf/internal/orchestrator/workspace"
	"github.com/lazyaf/lazyaf/internal/protocol"
)

var (
	log     *zerolog.Logger
	logOnce sync.Once
)

func getLog() *zerolog.Logger {
	logOnce.Do(func() {
		l := logger.GetPipelineLogger().With().Str("component", "executor").Logger()
		log = &l
	})
	return log
}

// StepGate is consulted before each step is dispatched. The debug service
// implements it to pause runs at breakpoints; Pass blocks while the run is
// paused and returns false to abort the run.
type StepGate interface {
	Pass(ctx context.Context, runID string, stepIndex int, stepName string) (bool, error)
}

// GitHook is the slice of the embedded git server the executor needs for
// merge actions.
type GitHook interface {
	MergeBranch(ctx context.Context, repoID, sourceBranch, targetBranch string) (*gitserver.MergeResult, error)
	ResolveAndMerge(ctx context.Context, repoID, sourceBranch, targetBranch string, resolutions map[string]string) (*gitserver.MergeResult, error)
}

// Executor runs pipelines.
type Executor struct {
	db         *database.GormDB
	store      *execution.Store
	local      executor.StepExecutor
	remote     executor.StepExecutor
	router     *executor.Router
	workspaces *workspace.Manager
	tokens     *tokens.Registry
	git        GitHook
	events     protocol.Broadcaster
	cfg        *config.AppConfig

	gate StepGate

	mu         sync.Mutex
	runMu      map[string]*sync.Mutex
	cancels    map[string]context.CancelFunc
	recoveries map[string][]recoveryEdge
	wg         sync.WaitGroup
}

// recoveryEdge remembers a failed step whose failure-path targets must
// actually complete before the run may pass.
type recoveryEdge struct {
	stepName string
	targets  []string
}

// NewExecutor creates a new pipeline executor
func NewExecutor(
	db *database.GormDB,
	store *execution.Store,
	local executor.StepExecutor,
	remote executor.StepExecutor,
	router *executor.Router,
	workspaces *workspace.Manager,
	tokenRegistry *tokens.Registry,
	git GitHook,
	events protocol.Broadcaster,
	cfg *config.AppConfig,
) *Executor {
	if events == nil {
		events = protocol.NopBroadcaster{}
	}
	return &Executor{
		db:         db,
		store:      store,
		local:      local,
		remote:     remote,
		router:     router,
		workspaces: workspaces,
		tokens:     tokenRegistry,
		git:        git,
		events:     events,
		cfg:        cfg,
		runMu:      make(map[string]*sync.Mutex),
		cancels:    make(map[string]context.CancelFunc),
		recoveries: make(map[string][]recoveryEdge),
	}
}

// SetStepGate installs the breakpoint gate. Must be called before Start.
func (e *Executor) SetStepGate(gate StepGate) {
	e.gate = gate
}

// perRunLock returns the mutex serializing graph bookkeeping for one run.
func (e *Executor) perRunLock(runID string) *sync.Mutex {
	e.mu.Lock()
	defer e.mu.Unlock()
	l, ok := e.runMu[runID]
	if !ok {
		l = &sync.Mutex{}
		e.runMu[runID] = l
	}
	return l
}

// Start materializes a run for a pipeline and begins executing it. The
// returned run is in pending or, for an empty pipeline, already passed.
func (e *Executor) Start(ctx context.Context, pipelineID string, trigger models.TriggerContext) (*models.PipelineRun, error) {
	return e.StartWithID(ctx, pipelineID, trigger, uuid.NewString())
}

// StartWithID starts a run under a caller-chosen id. The debug service
// needs the id up front to register its breakpoint gate before the first
// step dispatches.
func (e *Executor) StartWithID(ctx context.Context, pipelineID string, trigger models.TriggerContext, runID string) (*models.PipelineRun, error) {
	pipeline, err := e.db.GetPipeline(ctx, pipelineID)
	if err != nil {
		return nil, fmt.Errorf("pipeline %s not found: %w", pipelineID, err)
	}

	graph := &pipeline.Graph
	if len(graph.Steps) == 0 && len(pipeline.LegacySteps) > 0 {
		graph = pipeline.LegacySteps.ToGraph()
	}

	run := &models.PipelineRun{
		ID:               runID,
		PipelineID:       pipeline.ID,
		RepositoryID:     pipeline.RepositoryID,
		Status:           models.PipelineRunPending,
		Trigger:          trigger,
		Branch:           runBranch(trigger),
		StepsTotal:       len(graph.Steps),
		ActiveStepIDs:    models.StringList{},
		CompletedStepIDs: models.StringList{},
	}

	if len(graph.Steps) == 0 {
		// Nothing to execute: the run passes immediately and trigger
		// actions still fire.
		now := time.Now()
		run.Status = models.PipelineRunPassed
		run.StartedAt = &now
		run.CompletedAt = &now
		if err := e.db.CreatePipelineRun(ctx, run); err != nil {
			return nil, err
		}
		e.emitRunStatus(run)
		e.applyTriggerActions(ctx, run)
		return run, nil
	}

	if err := graph.Validate(); err != nil {
		return nil, fmt.Errorf("pipeline %s has an invalid graph: %w", pipelineID, err)
	}
	if err := e.db.CreatePipelineRun(ctx, run); err != nil {
		return nil, err
	}
	e.emitRunStatus(run)

	runCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	e.mu.Lock()
	e.cancels[run.ID] = cancel
	e.mu.Unlock()

	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		e.execute(runCtx, run.ID, pipeline, graph)
	}()

	return run, nil
}

// execute marks the run running and dispatches the entry points. Each step
// runs in its own goroutine; completion callbacks drive the rest of the
// graph.
func (e *Executor) execute(ctx context.Context, runID string, pipeline *models.Pipeline, graph *models.PipelineGraph) {
	lock := e.perRunLock(runID)
	lock.Lock()
	run, err := e.db.GetPipelineRun(ctx, runID)
	if err != nil {
		lock.Unlock()
		getLog().Error().Err(err).Str("run_id", runID).Msg("Run vanished before execution")
		return
	}
	now := time.Now()
	run.Status = models.PipelineRunRunning
	run.StartedAt = &now
	if err := e.db.SavePipelineRun(ctx, run); err != nil {
		lock.Unlock()
		getLog().Error().Err(err).Str("run_id", runID).Msg("Failed to mark run running")
		return
	}
	lock.Unlock()
	e.emitRunStatus(run)

	for _, stepID := range graph.EntryPoints {
		e.dispatch(ctx, runID, pipeline, graph, stepID, "")
	}
}

// dispatch starts one step asynchronously. previousWorker carries scheduling
// affinity from the upstream step.
func (e *Executor) dispatch(ctx context.Context, runID string, pipeline *models.Pipeline, graph *models.PipelineGraph, stepID, previousWorker string) {
	lock := e.perRunLock(runID)
	lock.Lock()
	run, err := e.db.GetPipelineRun(ctx, runID)
	if err != nil {
		lock.Unlock()
		return
	}
	if run.Status.IsTerminal() || run.ActiveStepIDs.Contains(stepID) || run.CompletedStepIDs.Contains(stepID) {
		lock.Unlock()
		return
	}
	run.ActiveStepIDs = append(run.ActiveStepIDs, stepID)
	if err := e.db.SavePipelineRun(ctx, run); err != nil {
		lock.Unlock()
		getLog().Error().Err(err).Str("run_id", runID).Str("step_id", stepID).Msg("Failed to activate step")
		return
	}
	lock.Unlock()

	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		e.runStep(ctx, runID, pipeline, graph, stepID, previousWorker)
	}()
}

// runStep executes one step end to end and feeds the outcome back into the
// graph walk.
func (e *Executor) runStep(ctx context.Context, runID string, pipeline *models.Pipeline, graph *models.PipelineGraph, stepID, previousWorker string) {
	step := graph.Steps[stepID]
	stepIndex := graph.IndexOf(stepID)

	stepRun := &models.StepRun{
		ID:            uuid.NewString(),
		PipelineRunID: runID,
		StepIndex:     stepIndex,
		StepID:        stepID,
		StepName:      step.Name,
		Status:        models.StepRunPending,
	}
	if err := e.db.CreateStepRun(ctx, stepRun); err != nil {
		getLog().Error().Err(err).Str("run_id", runID).Str("step_id", stepID).Msg("Failed to create step run")
		e.completeStep(ctx, runID, pipeline, graph, stepID, stepRun, "", false)
		return
	}
	e.emitStepStatus(runID, stepRun)

	card := e.materializeCard(ctx, runID, pipeline, &step, stepRun)

	job := &models.Job{
		ID:        uuid.NewString(),
		StepRunID: stepRun.ID,
		Status:    models.JobQueued,
	}
	if card != nil {
		job.CardID = card.ID
	}
	if err := e.db.CreateJob(ctx, job); err != nil {
		getLog().Error().Err(err).Str("step_run_id", stepRun.ID).Msg("Failed to create job")
		e.failStepRun(ctx, runID, stepRun, job, "failed to queue job")
		e.completeStep(ctx, runID, pipeline, graph, stepID, stepRun, "", false)
		return
	}
	stepRun.JobID = job.ID
	if err := e.db.SaveStepRun(ctx, stepRun); err != nil {
		getLog().Error().Err(err).Str("step_run_id", stepRun.ID).Msg("Failed to attach job to step run")
	}
	e.emitJobStatus(runID, job, stepRun.ID)

	// Breakpoint gate. Blocks while a debug session holds the run paused.
	if e.gate != nil {
		proceed, err := e.gate.Pass(ctx, runID, stepIndex, step.Name)
		if err != nil || !proceed {
			reason := "aborted at breakpoint"
			if err != nil {
				reason = err.Error()
			}
			e.cancelStepRun(ctx, runID, stepRun, job, reason)
			e.completeStep(ctx, runID, pipeline, graph, stepID, stepRun, "", false)
			return
		}
	}

	dest, err := e.router.Route(step, previousWorker)
	if err != nil {
		e.failStepRun(ctx, runID, stepRun, job, err.Error())
		e.completeStep(ctx, runID, pipeline, graph, stepID, stepRun, "", false)
		return
	}

	result, runnerID, err := e.executeStep(ctx, runID, pipeline, &step, stepRun, job, stepIndex, dest, previousWorker)

	if err != nil {
		if errors.Is(err, context.Canceled) {
			e.cancelStepRun(ctx, runID, stepRun, job, "run cancelled")
		} else {
			e.failStepRun(ctx, runID, stepRun, job, err.Error())
		}
		e.completeStep(ctx, runID, pipeline, graph, stepID, stepRun, runnerID, false)
		return
	}

	now := time.Now()
	stepRun.CompletedAt = &now
	if result.Succeeded() {
		stepRun.Status = models.StepRunCompleted
		job.Status = models.JobCompleted
	} else {
		stepRun.Status = models.StepRunFailed
		stepRun.Error = result.Error
		job.Status = models.JobFailed
		job.Error = result.Error
	}
	if err := e.db.SaveStepRun(ctx, stepRun); err != nil {
		getLog().Error().Err(err).Str("step_run_id", stepRun.ID).Msg("Failed to persist step outcome")
	}
	if err := e.db.UpdateJobStatus(ctx, job.ID, job.Status, job.Error); err != nil {
		getLog().Error().Err(err).Str("job_id", job.ID).Msg("Failed to persist job outcome")
	}
	e.emitStepStatus(runID, stepRun)
	e.emitJobStatus(runID, job, stepRun.ID)
	e.updateCardAfterStep(ctx, runID, card, result.Succeeded())

	e.completeStep(ctx, runID, pipeline, graph, stepID, stepRun, runnerID, result.Succeeded())
}

// executeStep routes and runs the container or remote dispatch for a step.
// Returns the result, the runner that held the step, and an error.
func (e *Executor) executeStep(ctx context.Context, runID string, pipeline *models.Pipeline, step *models.GraphStep, stepRun *models.StepRun, job *models.Job, stepIndex int, dest executor.Destination, previousWorker string) (*executor.Result, string, error) {
	stepToken, err := e.tokens.Issue(stepRun.ID, e.stepTimeout(step)+time.Hour)
	if err != nil {
		return nil, "", fmt.Errorf("failed to issue step token: %w", err)
	}
	defer e.tokens.Revoke(stepRun.ID)

	run, err := e.db.GetPipelineRun(ctx, runID)
	if err != nil {
		return nil, "", err
	}

	req := &executor.Request{
		Key:             execution.BuildKey(runID, stepIndex, 0),
		StepRunID:       stepRun.ID,
		StepID:          step.ID,
		StepName:        step.Name,
		Image:           step.Config.GetString("image"),
		Command:         step.Config.GetStringSlice("command"),
		Script:          step.Config.GetString("script"),
		Env:             stepEnv(step),
		Timeout:         e.stepTimeout(step),
		WorkspaceID:     models.WorkspaceID(runID),
		CloneURL:        e.cloneURL(pipeline.RepositoryID),
		Branch:          run.Branch,
		StepToken:       stepToken,
		Requirements:    dest.Requirements,
		WorkerType:      dest.WorkerType,
		RequiredWorker:  dest.RequiredWorker,
		PreferredWorker: previousWorker,
		LogSink:         e.logSink(runID, stepRun.ID),
	}

	job.Status = models.JobRunning
	if err := e.db.UpdateJobStatus(ctx, job.ID, models.JobRunning, ""); err != nil {
		getLog().Error().Err(err).Str("job_id", job.ID).Msg("Failed to mark job running")
	}
	e.emitJobStatus(runID, job, stepRun.ID)

	now := time.Now()
	stepRun.Status = models.StepRunRunning
	stepRun.StartedAt = &now
	if err := e.db.SaveStepRun(ctx, stepRun); err != nil {
		getLog().Error().Err(err).Str("step_run_id", stepRun.ID).Msg("Failed to mark step running")
	}
	e.emitStepStatus(runID, stepRun)

	var result *executor.Result
	var execErr error
	if dest.Kind == executor.RouteRemote {
		result, execErr = e.remote.Execute(ctx, req)
	} else {
		result, execErr = e.local.Execute(ctx, req)
	}

	runnerID := ""
	if result != nil {
		if exec, lookupErr := e.db.GetStepExecutionByKey(ctx, result.ExecutionKey); lookupErr == nil {
			runnerID = exec.RunnerID
		}
	}
	return result, runnerID, execErr
}

// completeStep is the fan-out/fan-in engine: it settles the step in the
// run's bookkeeping, fires matching edges, and detects the terminal state.
func (e *Executor) completeStep(ctx context.Context, runID string, pipeline *models.Pipeline, graph *models.PipelineGraph, stepID string, stepRun *models.StepRun, runnerID string, success bool) {
	lock := e.perRunLock(runID)
	lock.Lock()

	run, err := e.db.GetPipelineRun(ctx, runID)
	if err != nil {
		lock.Unlock()
		return
	}

	run.ActiveStepIDs = run.ActiveStepIDs.Without(stepID)
	if !run.CompletedStepIDs.Contains(stepID) {
		run.CompletedStepIDs = append(run.CompletedStepIDs, stepID)
	}
	if success {
		run.StepsCompleted++
	}

	// A failure with no failure or always edge out of it dooms the run.
	// One that does fire such edges is only recovered if a target actually
	// completes; the verdict waits until the graph drains.
	var fired []string
	var next []string
	if !run.Status.IsTerminal() {
		for _, edge := range graph.OutgoingEdges(stepID) {
			fires := edge.Condition == models.EdgeAlways ||
				(success && edge.Condition == models.EdgeOnSuccess) ||
				(!success && edge.Condition == models.EdgeOnFailure)
			if !fires {
				continue
			}
			if !success {
				fired = append(fired, edge.ToStep)
			}
			if e.fanInReady(run, graph, edge.ToStep) {
				next = append(next, edge.ToStep)
			}
		}
	}
	if !success {
		if len(fired) == 0 {
			if run.Error == "" {
				run.Error = fmt.Sprintf("step %q failed", stepRun.StepName)
			}
		} else {
			e.mu.Lock()
			e.recoveries[runID] = append(e.recoveries[runID], recoveryEdge{
				stepName: stepRun.StepName,
				targets:  fired,
			})
			e.mu.Unlock()
		}
	}

	terminal := len(run.ActiveStepIDs) == 0 && len(next) == 0
	if terminal && run.Error == "" {
		if name, ok := e.unrecoveredFailure(run); ok {
			run.Error = fmt.Sprintf("step %q failed", name)
		}
	}
	if terminal {
		now := time.Now()
		run.CompletedAt = &now
		switch {
		case stepRun.Status == models.StepRunCancelled || run.Status == models.PipelineRunCancelled:
			run.Status = models.PipelineRunCancelled
		case run.Error != "":
			run.Status = models.PipelineRunFailed
		default:
			run.Status = models.PipelineRunPassed
		}
	}

	if err := e.db.SavePipelineRun(ctx, run); err != nil {
		lock.Unlock()
		getLog().Error().Err(err).Str("run_id", runID).Msg("Failed to persist run progress")
		return
	}
	lock.Unlock()

	// Legacy in-step actions fire outside the run lock.
	if pipeline.Legacy {
		e.applyLegacyAction(ctx, run, pipeline, stepID, success)
	}

	next = lo.Uniq(next)
	for _, target := range next {
		e.dispatch(ctx, runID, pipeline, graph, target, e.affinityFor(graph, target, runnerID))
	}

	if terminal {
		e.settleRun(ctx, run)
	}
}

// unrecoveredFailure returns the name of a failed step none of whose
// failure-path targets ever completed. Called at terminal detection under
// the run lock.
func (e *Executor) unrecoveredFailure(run *models.PipelineRun) (string, bool) {
	e.mu.Lock()
	pending := e.recoveries[run.ID]
	e.mu.Unlock()

	for _, rec := range pending {
		handled := false
		for _, target := range rec.targets {
			if run.CompletedStepIDs.Contains(target) {
				handled = true
				break
			}
		}
		if !handled {
			return rec.stepName, true
		}
	}
	return "", false
}

// fanInReady reports whether every upstream of target is settled. Caller
// holds the run lock.
func (e *Executor) fanInReady(run *models.PipelineRun, graph *models.PipelineGraph, target string) bool {
	for _, in := range graph.IncomingEdges(target) {
		if !run.CompletedStepIDs.Contains(in.FromStep) {
			return false
		}
	}
	return true
}

// affinityFor passes worker affinity downstream only when the target step
// continues in context.
func (e *Executor) affinityFor(graph *models.PipelineGraph, target, runnerID string) string {
	if runnerID == "" || runnerID == execution.LocalRunnerID {
		return ""
	}
	if step, ok := graph.Steps[target]; ok && step.ContinueInContext {
		return runnerID
	}
	return ""
}

// settleRun fires terminal-state side effects: events, trigger actions, and
// workspace cleanup.
func (e *Executor) settleRun(ctx context.Context, run *models.PipelineRun) {
	e.mu.Lock()
	if cancel, ok := e.cancels[run.ID]; ok {
		delete(e.cancels, run.ID)
		defer cancel()
	}
	delete(e.runMu, run.ID)
	delete(e.recoveries, run.ID)
	e.mu.Unlock()

	e.emitRunStatus(run)
	e.applyTriggerActions(ctx, run)

	if err := e.workspaces.Clean(ctx, run.ID, false); err != nil {
		// The orphan sweeper picks it up later.
		getLog().Debug().Err(err).Str("run_id", run.ID).Msg("Deferred workspace cleanup to sweeper")
	}

	getLog().Info().
		Str("run_id", run.ID).
		Str("status", string(run.Status)).
		Int("steps_completed", run.StepsCompleted).
		Int("steps_total", run.StepsTotal).
		Msg("Pipeline run settled")
}

// Cancel aborts a running pipeline run: in-flight steps are cancelled, the
// run and its pending steps move to cancelled, and the workspace is
// force-cleaned.
func (e *Executor) Cancel(ctx context.Context, runID string) error {
	lock := e.perRunLock(runID)
	lock.Lock()
	run, err := e.db.GetPipelineRun(ctx, runID)
	if err != nil {
		lock.Unlock()
		return err
	}
	if run.Status.IsTerminal() {
		lock.Unlock()
		return nil
	}
	now := time.Now()
	run.Status = models.PipelineRunCancelled
	run.CompletedAt = &now
	if err := e.db.SavePipelineRun(ctx, run); err != nil {
		lock.Unlock()
		return err
	}
	lock.Unlock()

	e.mu.Lock()
	cancel, ok := e.cancels[runID]
	delete(e.cancels, runID)
	e.mu.Unlock()
	if ok {
		cancel()
	}

	// Cancel whatever executions are still claimed.
	execs, err := e.db.GetStepExecutionsByRun(ctx, runID)
	if err == nil {
		for _, exec := range execs {
			if exec.State.IsTerminal() {
				continue
			}
			key, parseErr := execution.ParseKey(exec.ExecutionKey)
			if parseErr != nil {
				continue
			}
			target := e.local
			if exec.RunnerID != "" && exec.RunnerID != execution.LocalRunnerID {
				target = e.remote
			}
			if cancelErr := target.Cancel(ctx, key); cancelErr != nil {
				getLog().Warn().Err(cancelErr).Str("execution_key", exec.ExecutionKey).Msg("Failed to cancel execution")
			}
		}
	}

	// Settle step runs that never got a terminal status.
	stepRuns, err := e.db.GetStepRunsByPipelineRun(ctx, runID)
	if err == nil {
		for _, sr := range stepRuns {
			if sr.Status.IsTerminal() {
				continue
			}
			sr.Status = models.StepRunCancelled
			sr.CompletedAt = &now
			if saveErr := e.db.SaveStepRun(ctx, sr); saveErr != nil {
				getLog().Warn().Err(saveErr).Str("step_run_id", sr.ID).Msg("Failed to cancel step run")
			}
			e.emitStepStatus(runID, sr)
		}
	}

	e.emitRunStatus(run)

	if err := e.workspaces.Clean(ctx, runID, true); err != nil {
		getLog().Warn().Err(err).Str("run_id", runID).Msg("Failed to force-clean workspace after cancel")
	}
	return nil
}

// Wait blocks until every in-flight run goroutine exits. Used by shutdown
// and tests.
func (e *Executor) Wait() {
	e.wg.Wait()
}

// --- step helpers ---

// stepTimeout resolves the effective timeout for a step.
func (e *Executor) stepTimeout(step *models.GraphStep) time.Duration {
	if step.TimeoutSeconds > 0 {
		return time.Duration(step.TimeoutSeconds) * time.Second
	}
	return e.cfg.Executor.DefaultStepTimeout
}

// cloneURL points a step at the run's repository on the embedded git server.
func (e *Executor) cloneURL(repoID string) string {
	return fmt.Sprintf("%s/git/%s.git", e.cfg.Server.BaseURL, repoID)
}

// stepEnv extracts the env section of a step config.
func stepEnv(step *models.GraphStep) map[string]string {
	raw, ok := step.Config["env"]
	if !ok {
		return nil
	}
	section, ok := raw.(map[string]any)
	if !ok {
		return nil
	}
	env := make(map[string]string, len(section))
	for k, v := range section {
		if s, ok := v.(string); ok {
			env[k] = s
		}
	}
	return env
}

// runBranch picks the branch a run's steps commit to.
func runBranch(trigger models.TriggerContext) string {
	if trigger.Branch != "" {
		return trigger.Branch
	}
	return fmt.Sprintf("lazyaf/run-%d", time.Now().Unix())
}

// logSink persists step output and broadcasts it to observers.
func (e *Executor) logSink(runID, stepRunID string) func([]string) {
	return func(lines []string) {
		if len(lines) == 0 {
			return
		}
		text := ""
		for _, line := range lines {
			text += line + "\n"
		}
		if err := e.db.AppendStepRunLogs(context.Background(), stepRunID, text); err != nil {
			getLog().Warn().Err(err).Str("step_run_id", stepRunID).Msg("Failed to append step logs")
		}
		e.events.Broadcast(protocol.StepLogEvent{
			Metadata:  protocol.NewMetadata(uuid.NewString(), runID),
			StepRunID: stepRunID,
			Lines:     lines,
		})
	}
}

// failStepRun settles a step run and its job as failed.
func (e *Executor) failStepRun(ctx context.Context, runID string, stepRun *models.StepRun, job *models.Job, reason string) {
	now := time.Now()
	stepRun.Status = models.StepRunFailed
	stepRun.Error = reason
	stepRun.CompletedAt = &now
	if err := e.db.SaveStepRun(ctx, stepRun); err != nil {
		getLog().Error().Err(err).Str("step_run_id", stepRun.ID).Msg("Failed to persist step failure")
	}
	if job != nil {
		if err := e.db.UpdateJobStatus(ctx, job.ID, models.JobFailed, reason); err != nil {
			getLog().Error().Err(err).Str("job_id", job.ID).Msg("Failed to persist job failure")
		}
		job.Status = models.JobFailed
		job.Error = reason
		e.emitJobStatus(runID, job, stepRun.ID)
	}
	e.emitStepStatus(runID, stepRun)
}

// cancelStepRun settles a step run and its job as cancelled.
func (e *Executor) cancelStepRun(ctx context.Context, runID string, stepRun *models.StepRun, job *models.Job, reason string) {
	now := time.Now()
	stepRun.Status = models.StepRunCancelled
	stepRun.Error = reason
	stepRun.CompletedAt = &now
	if err := e.db.SaveStepRun(ctx, stepRun); err != nil {
		getLog().Error().Err(err).Str("step_run_id", stepRun.ID).Msg("Failed to persist step cancellation")
	}
	if job != nil {
		if err := e.db.UpdateJobStatus(ctx, job.ID, models.JobFailed, reason); err != nil {
			getLog().Error().Err(err).Str("job_id", job.ID).Msg("Failed to persist job cancellation")
		}
	}
	e.emitStepStatus(runID, stepRun)
}

// --- event helpers ---

func (e *Executor) emitRunStatus(run *models.PipelineRun) {
	e.events.Broadcast(protocol.PipelineRunStatusEvent{
		Metadata:       protocol.NewMetadata(fmt.Sprintf("run-%s-%s", run.ID, run.Status), run.ID),
		PipelineID:     run.PipelineID,
		Status:         string(run.Status),
		StepsCompleted: run.StepsCompleted,
		StepsTotal:     run.StepsTotal,
		Error:          run.Error,
	})
}

func (e *Executor) emitStepStatus(runID string, stepRun *models.StepRun) {
	e.events.Broadcast(protocol.StepRunStatusEvent{
		Metadata:  protocol.NewMetadata(fmt.Sprintf("step-%s-%s", stepRun.ID, stepRun.Status), runID),
		StepRunID: stepRun.ID,
		StepID:    stepRun.StepID,
		StepName:  stepRun.StepName,
		StepIndex: stepRun.StepIndex,
		Status:    string(stepRun.Status),
		Error:     stepRun.Error,
	})
}

func (e *Executor) emitJobStatus(runID string, job *models.Job, stepRunID string) {
	e.events.Broadcast(protocol.JobStatusEvent{
		Metadata:  protocol.NewMetadata(fmt.Sprintf("job-%s-%s", job.ID, job.Status), runID),
		JobID:     job.ID,
		StepRunID: stepRunID,
		Status:    string(job.Status),
		Error:     job.Error,
	})
}
