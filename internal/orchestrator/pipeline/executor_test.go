// Copyright (C) 2026 Lazyaf
// SPDX-License-Identifier: AGPL-3.0-or-later

package pipeline

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lazyaf/lazyaf/internal/config"
	"github.com/lazyaf/lazyaf/internal/gitserver"
	"github.com/lazyaf/lazyaf/internal/orchestrator/database"
	"github.com/lazyaf/lazyaf/internal/orchestrator/execution"
	"github.com/lazyaf/lazyaf/internal/orchestrator/executor"
	"github.com/lazyaf/lazyaf/internal/orchestrator/models"
	"github.com/lazyaf/lazyaf/internal/orchestrator/tokens"
	"github.com/lazyaf/lazyaf/internal/orchestrator/workspace"
	"github.com/lazyaf/lazyaf/pkg/containers/docker"
)

// fakeStepExecutor returns canned exit codes per step id and records the
// dispatch order. Steps listed in blocking park until their context is
// cancelled, announcing themselves on started first.
type fakeStepExecutor struct {
	mu        sync.Mutex
	executed  []string
	exitCodes map[string]int
	blocking  map[string]bool
	started   chan string
}

var _ executor.StepExecutor = (*fakeStepExecutor)(nil)

func newFakeStepExecutor() *fakeStepExecutor {
	return &fakeStepExecutor{
		exitCodes: make(map[string]int),
		blocking:  make(map[string]bool),
		started:   make(chan string, 16),
	}
}

func (f *fakeStepExecutor) Execute(ctx context.Context, req *executor.Request) (*executor.Result, error) {
	f.mu.Lock()
	blocking := f.blocking[req.StepID]
	f.mu.Unlock()

	select {
	case f.started <- req.StepID:
	default:
	}
	if blocking {
		<-ctx.Done()
		return nil, ctx.Err()
	}

	f.mu.Lock()
	f.executed = append(f.executed, req.StepID)
	code := f.exitCodes[req.StepID]
	f.mu.Unlock()

	errMsg := ""
	if code != 0 {
		errMsg = fmt.Sprintf("step exited with code %d", code)
	}
	return &executor.Result{ExecutionKey: req.Key.String(), ExitCode: code, Error: errMsg}, nil
}

func (f *fakeStepExecutor) Cancel(ctx context.Context, key execution.Key) error {
	return nil
}

func (f *fakeStepExecutor) executedSteps() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.executed...)
}

func (f *fakeStepExecutor) countOf(stepID string) int {
	n := 0
	for _, id := range f.executedSteps() {
		if id == stepID {
			n++
		}
	}
	return n
}

// fakeGit records merge calls. When conflicts is set, MergeBranch reports
// them instead of merging, the way the real server does.
type fakeGit struct {
	mu        sync.Mutex
	merges    []string
	resolves  []map[string]string
	conflicts []gitserver.MergeConflict
	err       error
}

func (g *fakeGit) MergeBranch(ctx context.Context, repoID, source, target string) (*gitserver.MergeResult, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.err != nil {
		return nil, g.err
	}
	if len(g.conflicts) > 0 {
		return &gitserver.MergeResult{Conflicts: g.conflicts}, nil
	}
	g.merges = append(g.merges, fmt.Sprintf("%s:%s->%s", repoID, source, target))
	return &gitserver.MergeResult{Success: true}, nil
}

func (g *fakeGit) ResolveAndMerge(ctx context.Context, repoID, source, target string, resolutions map[string]string) (*gitserver.MergeResult, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.err != nil {
		return nil, g.err
	}
	g.merges = append(g.merges, fmt.Sprintf("%s:%s->%s", repoID, source, target))
	g.resolves = append(g.resolves, resolutions)
	return &gitserver.MergeResult{Success: true}, nil
}

func (g *fakeGit) mergeCalls() []string {
	g.mu.Lock()
	defer g.mu.Unlock()
	return append([]string(nil), g.merges...)
}

func (g *fakeGit) resolveCalls() []map[string]string {
	g.mu.Lock()
	defer g.mu.Unlock()
	return append([]map[string]string(nil), g.resolves...)
}

type testHarness struct {
	exec  *Executor
	db    *database.GormDB
	steps *fakeStepExecutor
	git   *fakeGit
}

func newTestHarness(t *testing.T) *testHarness {
	fixture := database.UseFreshInMemoryDatabase(t)
	t.Cleanup(fixture.Cleanup)

	cfg := &config.AppConfig{
		Server: config.ServerConfig{BaseURL: "http://127.0.0.1:8080"},
		Git:    config.GitConfig{DefaultBranch: "main"},
		Executor: config.ExecutorConfig{
			DefaultImage:       "alpine:3.20",
			DefaultStepTimeout: time.Minute,
			ControlDir:         ".lazyaf-control",
		},
	}

	steps := newFakeStepExecutor()
	git := &fakeGit{}
	store := execution.NewStore(fixture.DB)
	workspaces := workspace.NewManager(fixture.DB, &docker.MockClient{}, &config.WorkspaceConfig{})

	exec := NewExecutor(fixture.DB, store, steps, steps, executor.NewRouter(true), workspaces, tokens.NewRegistry(), git, nil, cfg)
	return &testHarness{exec: exec, db: fixture.DB, steps: steps, git: git}
}

func (h *testHarness) createPipeline(t *testing.T, p *models.Pipeline) {
	t.Helper()
	if p.RepositoryID == "" {
		p.RepositoryID = "repo-1"
	}
	require.NoError(t, h.db.CreatePipeline(context.Background(), p))
}

func linearPipeline() *models.Pipeline {
	return &models.Pipeline{
		ID:   "p-1",
		Name: "linear",
		Graph: models.PipelineGraph{
			Version: models.GraphVersion,
			Steps: map[string]models.GraphStep{
				"build": {ID: "build", Name: "build", Type: models.StepTypeScript},
				"test":  {ID: "test", Name: "test", Type: models.StepTypeScript},
			},
			Edges: []models.GraphEdge{
				{ID: "e1", FromStep: "build", ToStep: "test", Condition: models.EdgeOnSuccess},
			},
			EntryPoints: []string{"build"},
		},
	}
}

func TestRunLinearSuccess(t *testing.T) {
	ctx := context.Background()
	h := newTestHarness(t)
	h.createPipeline(t, linearPipeline())

	run, err := h.exec.Start(ctx, "p-1", models.TriggerContext{Trigger: "manual", Branch: "feature-x"})
	require.NoError(t, err)
	h.exec.Wait()

	assert.Equal(t, []string{"build", "test"}, h.steps.executedSteps())

	final, err := h.db.GetPipelineRun(ctx, run.ID)
	require.NoError(t, err)
	assert.Equal(t, models.PipelineRunPassed, final.Status)
	assert.Equal(t, 2, final.StepsCompleted)
	assert.Equal(t, 2, final.StepsTotal)
	assert.Empty(t, final.ActiveStepIDs)
	assert.NotNil(t, final.CompletedAt)

	stepRuns, err := h.db.GetStepRunsByPipelineRun(ctx, run.ID)
	require.NoError(t, err)
	require.Len(t, stepRuns, 2)
	for _, sr := range stepRuns {
		assert.Equal(t, models.StepRunCompleted, sr.Status)
		assert.NotEmpty(t, sr.JobID)
	}
}

func TestRunFailureWithoutRecoveryEdge(t *testing.T) {
	ctx := context.Background()
	h := newTestHarness(t)
	h.createPipeline(t, linearPipeline())
	h.steps.exitCodes["build"] = 1

	run, err := h.exec.Start(ctx, "p-1", models.TriggerContext{Trigger: "manual"})
	require.NoError(t, err)
	h.exec.Wait()

	// The on_success edge never fires; test is not dispatched.
	assert.Equal(t, []string{"build"}, h.steps.executedSteps())

	final, err := h.db.GetPipelineRun(ctx, run.ID)
	require.NoError(t, err)
	assert.Equal(t, models.PipelineRunFailed, final.Status)
	assert.Equal(t, `step "build" failed`, final.Error)
	assert.Equal(t, 0, final.StepsCompleted)
}

func TestRunFailureEdgeRecovers(t *testing.T) {
	ctx := context.Background()
	h := newTestHarness(t)
	h.createPipeline(t, &models.Pipeline{
		ID:   "p-1",
		Name: "recovering",
		Graph: models.PipelineGraph{
			Version: models.GraphVersion,
			Steps: map[string]models.GraphStep{
				"flaky":   {ID: "flaky", Name: "flaky", Type: models.StepTypeScript},
				"cleanup": {ID: "cleanup", Name: "cleanup", Type: models.StepTypeScript},
			},
			Edges: []models.GraphEdge{
				{ID: "e1", FromStep: "flaky", ToStep: "cleanup", Condition: models.EdgeOnFailure},
			},
			EntryPoints: []string{"flaky"},
		},
	})
	h.steps.exitCodes["flaky"] = 1

	run, err := h.exec.Start(ctx, "p-1", models.TriggerContext{Trigger: "manual"})
	require.NoError(t, err)
	h.exec.Wait()

	assert.Equal(t, []string{"flaky", "cleanup"}, h.steps.executedSteps())

	// A handled failure does not doom the run.
	final, err := h.db.GetPipelineRun(ctx, run.ID)
	require.NoError(t, err)
	assert.Equal(t, models.PipelineRunPassed, final.Status)
	assert.Empty(t, final.Error)
	assert.Equal(t, 1, final.StepsCompleted)
}

func TestRunFailureEdgeTargetNeverReadyFails(t *testing.T) {
	ctx := context.Background()
	h := newTestHarness(t)
	// recover fans in from both a and b. When a fails, b never runs, so
	// recover never becomes ready: the failure stays unhandled.
	h.createPipeline(t, &models.Pipeline{
		ID:   "p-1",
		Name: "dead-end-recovery",
		Graph: models.PipelineGraph{
			Version: models.GraphVersion,
			Steps: map[string]models.GraphStep{
				"a":       {ID: "a", Name: "a", Type: models.StepTypeScript},
				"b":       {ID: "b", Name: "b", Type: models.StepTypeScript},
				"recover": {ID: "recover", Name: "recover", Type: models.StepTypeScript},
			},
			Edges: []models.GraphEdge{
				{ID: "e1", FromStep: "a", ToStep: "b", Condition: models.EdgeOnSuccess},
				{ID: "e2", FromStep: "a", ToStep: "recover", Condition: models.EdgeOnFailure},
				{ID: "e3", FromStep: "b", ToStep: "recover", Condition: models.EdgeOnSuccess},
			},
			EntryPoints: []string{"a"},
		},
	})
	h.steps.exitCodes["a"] = 1

	run, err := h.exec.Start(ctx, "p-1", models.TriggerContext{Trigger: "manual"})
	require.NoError(t, err)
	h.exec.Wait()

	assert.Equal(t, []string{"a"}, h.steps.executedSteps())

	final, err := h.db.GetPipelineRun(ctx, run.ID)
	require.NoError(t, err)
	assert.Equal(t, models.PipelineRunFailed, final.Status)
	assert.Equal(t, `step "a" failed`, final.Error)
}

func TestRunDiamondFanOutFanIn(t *testing.T) {
	ctx := context.Background()
	h := newTestHarness(t)
	h.createPipeline(t, &models.Pipeline{
		ID:   "p-1",
		Name: "diamond",
		Graph: models.PipelineGraph{
			Version: models.GraphVersion,
			Steps: map[string]models.GraphStep{
				"build":  {ID: "build", Name: "build", Type: models.StepTypeScript},
				"test-a": {ID: "test-a", Name: "unit", Type: models.StepTypeScript},
				"test-b": {ID: "test-b", Name: "lint", Type: models.StepTypeScript},
				"deploy": {ID: "deploy", Name: "deploy", Type: models.StepTypeScript},
			},
			Edges: []models.GraphEdge{
				{ID: "e1", FromStep: "build", ToStep: "test-a", Condition: models.EdgeOnSuccess},
				{ID: "e2", FromStep: "build", ToStep: "test-b", Condition: models.EdgeOnSuccess},
				{ID: "e3", FromStep: "test-a", ToStep: "deploy", Condition: models.EdgeOnSuccess},
				{ID: "e4", FromStep: "test-b", ToStep: "deploy", Condition: models.EdgeOnSuccess},
			},
			EntryPoints: []string{"build"},
		},
	})

	run, err := h.exec.Start(ctx, "p-1", models.TriggerContext{Trigger: "manual"})
	require.NoError(t, err)
	h.exec.Wait()

	// Fan-in: deploy waits for both branches and runs exactly once.
	assert.Equal(t, 1, h.steps.countOf("deploy"))
	assert.Equal(t, 4, len(h.steps.executedSteps()))

	final, err := h.db.GetPipelineRun(ctx, run.ID)
	require.NoError(t, err)
	assert.Equal(t, models.PipelineRunPassed, final.Status)
	assert.Equal(t, 4, final.StepsCompleted)
}

func TestCancelRun(t *testing.T) {
	ctx := context.Background()
	h := newTestHarness(t)
	h.createPipeline(t, linearPipeline())
	h.steps.blocking["build"] = true

	run, err := h.exec.Start(ctx, "p-1", models.TriggerContext{Trigger: "manual"})
	require.NoError(t, err)

	// Wait until the step is actually in flight before cancelling.
	select {
	case <-h.steps.started:
	case <-time.After(5 * time.Second):
		t.Fatal("step never started")
	}

	require.NoError(t, h.exec.Cancel(ctx, run.ID))
	h.exec.Wait()

	final, err := h.db.GetPipelineRun(ctx, run.ID)
	require.NoError(t, err)
	assert.Equal(t, models.PipelineRunCancelled, final.Status)
	assert.NotNil(t, final.CompletedAt)

	stepRuns, err := h.db.GetStepRunsByPipelineRun(ctx, run.ID)
	require.NoError(t, err)
	require.Len(t, stepRuns, 1)
	assert.Equal(t, models.StepRunCancelled, stepRuns[0].Status)

	// Cancelling a settled run is a no-op.
	require.NoError(t, h.exec.Cancel(ctx, run.ID))
}

func TestEmptyPipelinePassesImmediately(t *testing.T) {
	ctx := context.Background()
	h := newTestHarness(t)
	h.createPipeline(t, &models.Pipeline{ID: "p-1", Name: "empty"})

	run, err := h.exec.Start(ctx, "p-1", models.TriggerContext{Trigger: "manual"})
	require.NoError(t, err)

	assert.Equal(t, models.PipelineRunPassed, run.Status)
	assert.NotNil(t, run.CompletedAt)
	assert.Empty(t, h.steps.executedSteps())
}

func TestStartUnknownPipeline(t *testing.T) {
	h := newTestHarness(t)
	_, err := h.exec.Start(context.Background(), "nope", models.TriggerContext{})
	assert.ErrorContains(t, err, "not found")
}

func TestTriggerActionMergeOnPass(t *testing.T) {
	ctx := context.Background()
	h := newTestHarness(t)
	require.NoError(t, h.db.CreateRepository(ctx, &models.Repository{
		ID:            "repo-1",
		Name:          "repo-1",
		DefaultBranch: "main",
	}))
	h.createPipeline(t, linearPipeline())

	_, err := h.exec.Start(ctx, "p-1", models.TriggerContext{
		Trigger: "manual",
		Branch:  "feature-x",
		OnPass:  "merge",
	})
	require.NoError(t, err)
	h.exec.Wait()

	assert.Equal(t, []string{"repo-1:feature-x->main"}, h.git.mergeCalls())
}

func TestTriggerActionMergeResolvesConflictsWithSourceSide(t *testing.T) {
	ctx := context.Background()
	h := newTestHarness(t)
	require.NoError(t, h.db.CreateRepository(ctx, &models.Repository{
		ID:            "repo-1",
		Name:          "repo-1",
		DefaultBranch: "main",
	}))
	h.createPipeline(t, linearPipeline())
	h.git.conflicts = []gitserver.MergeConflict{
		{Path: "notes.txt", Source: "run output\n", Target: "stale main\n"},
	}

	_, err := h.exec.Start(ctx, "p-1", models.TriggerContext{
		Trigger: "manual",
		Branch:  "feature-x",
		OnPass:  "merge",
	})
	require.NoError(t, err)
	h.exec.Wait()

	resolves := h.git.resolveCalls()
	require.Len(t, resolves, 1)
	assert.Equal(t, map[string]string{"notes.txt": "run output\n"}, resolves[0])
	assert.Equal(t, []string{"repo-1:feature-x->main"}, h.git.mergeCalls())
}

func TestTriggerActionMergeSkippedOnFailure(t *testing.T) {
	ctx := context.Background()
	h := newTestHarness(t)
	h.createPipeline(t, linearPipeline())
	h.steps.exitCodes["build"] = 1

	_, err := h.exec.Start(ctx, "p-1", models.TriggerContext{
		Trigger: "manual",
		Branch:  "feature-x",
		OnPass:  "merge",
	})
	require.NoError(t, err)
	h.exec.Wait()

	assert.Empty(t, h.git.mergeCalls())
}

func TestTriggerActionRejectReturnsCardToTodo(t *testing.T) {
	ctx := context.Background()
	h := newTestHarness(t)
	h.createPipeline(t, linearPipeline())
	h.steps.exitCodes["build"] = 1

	require.NoError(t, h.db.CreateCard(ctx, &models.Card{
		ID:           "card-1",
		RepositoryID: "repo-1",
		Title:        "try the thing",
		Status:       models.CardStatusInProgress,
		Branch:       "lazyaf/try-the-thing",
		PRURL:        "http://127.0.0.1:8080/repos/repo-1/pulls/7",
	}))

	_, err := h.exec.Start(ctx, "p-1", models.TriggerContext{
		Trigger: "card",
		CardID:  "card-1",
		OnFail:  "reject",
	})
	require.NoError(t, err)
	h.exec.Wait()

	// The rejected card goes back on the board with a clean slate.
	card, err := h.db.GetCard(ctx, "card-1")
	require.NoError(t, err)
	assert.Equal(t, models.CardStatusTodo, card.Status)
	assert.Empty(t, card.Branch)
	assert.Empty(t, card.PRURL)
}

func TestCancelledRunSkipsTriggerActions(t *testing.T) {
	ctx := context.Background()
	h := newTestHarness(t)
	h.createPipeline(t, linearPipeline())
	h.steps.blocking["build"] = true

	run, err := h.exec.Start(ctx, "p-1", models.TriggerContext{
		Trigger: "manual",
		Branch:  "feature-x",
		OnFail:  "merge",
	})
	require.NoError(t, err)

	select {
	case <-h.steps.started:
	case <-time.After(5 * time.Second):
		t.Fatal("step never started")
	}

	require.NoError(t, h.exec.Cancel(ctx, run.ID))
	h.exec.Wait()

	// Cancellation is not failure: on_fail stays quiet.
	assert.Empty(t, h.git.mergeCalls())
}

func TestLegacyMergeAction(t *testing.T) {
	ctx := context.Background()
	h := newTestHarness(t)
	h.createPipeline(t, &models.Pipeline{
		ID:     "p-legacy",
		Name:   "legacy",
		Legacy: true,
		LegacySteps: models.LegacySteps{
			{Name: "build", Type: models.StepTypeScript, OnSuccess: "merge:release"},
		},
	})

	_, err := h.exec.Start(ctx, "p-legacy", models.TriggerContext{
		Trigger: "manual",
		Branch:  "feature-x",
	})
	require.NoError(t, err)
	h.exec.Wait()

	assert.Equal(t, []string{"step-000"}, h.steps.executedSteps())
	assert.Equal(t, []string{"repo-1:feature-x->release"}, h.git.mergeCalls())
}

func TestLegacyPipelineTriggerStartsRun(t *testing.T) {
	ctx := context.Background()
	h := newTestHarness(t)
	h.createPipeline(t, &models.Pipeline{
		ID:     "p-first",
		Name:   "first",
		Legacy: true,
		LegacySteps: models.LegacySteps{
			{Name: "build", Type: models.StepTypeScript, OnSuccess: "trigger:pipeline:p-second"},
		},
	})
	h.createPipeline(t, &models.Pipeline{
		ID:   "p-second",
		Name: "second",
		Graph: models.PipelineGraph{
			Version: models.GraphVersion,
			Steps: map[string]models.GraphStep{
				"followup": {ID: "followup", Name: "followup", Type: models.StepTypeScript},
			},
			EntryPoints: []string{"followup"},
		},
	})

	_, err := h.exec.Start(ctx, "p-first", models.TriggerContext{Trigger: "manual", Branch: "feature-x"})
	require.NoError(t, err)
	h.exec.Wait()

	assert.Equal(t, 1, h.steps.countOf("step-000"))
	assert.Equal(t, 1, h.steps.countOf("followup"))

	runs, err := h.db.GetPipelineRunsByPipeline(ctx, "p-second")
	require.NoError(t, err)
	require.Len(t, runs, 1)
	assert.Equal(t, models.PipelineRunPassed, runs[0].Status)
	assert.Equal(t, "feature-x", runs[0].Branch)
}

func TestLegacyCardTriggerRunsClonedStep(t *testing.T) {
	ctx := context.Background()
	h := newTestHarness(t)
	h.createPipeline(t, &models.Pipeline{
		ID:     "p-main",
		Name:   "main",
		Legacy: true,
		LegacySteps: models.LegacySteps{
			{Name: "build", Type: models.StepTypeScript, OnSuccess: "trigger:card-tpl"},
		},
	})
	require.NoError(t, h.db.CreateCard(ctx, &models.Card{
		ID:           "card-tpl",
		RepositoryID: "repo-1",
		Title:        "fix flaky test",
		Status:       models.CardStatusTodo,
		StepType:     string(models.StepTypeScript),
		StepConfig:   models.ConfigMap{"script": "make fix"},
	}))

	_, err := h.exec.Start(ctx, "p-main", models.TriggerContext{Trigger: "manual", Branch: "feature-x"})
	require.NoError(t, err)
	h.exec.Wait()

	// The triggered card runs, not just sits on the board: one step for the
	// main run plus one for the follow-up.
	assert.Equal(t, 2, h.steps.countOf("step-000"))

	pipelines, err := h.db.GetPipelinesByRepository(ctx, "repo-1")
	require.NoError(t, err)
	require.Len(t, pipelines, 2)
	var followup *models.Pipeline
	for _, p := range pipelines {
		if p.ID != "p-main" {
			followup = p
		}
	}
	require.NotNil(t, followup)
	assert.True(t, followup.Legacy)

	runs, err := h.db.GetPipelineRunsByPipeline(ctx, followup.ID)
	require.NoError(t, err)
	require.Len(t, runs, 1)
	assert.Equal(t, models.PipelineRunPassed, runs[0].Status)
	assert.Equal(t, "feature-x", runs[0].Branch)
	require.NotEmpty(t, runs[0].Trigger.CardID)

	clone, err := h.db.GetCard(ctx, runs[0].Trigger.CardID)
	require.NoError(t, err)
	assert.Equal(t, "fix flaky test", clone.Title)
	assert.Equal(t, "feature-x", clone.Branch)
}
