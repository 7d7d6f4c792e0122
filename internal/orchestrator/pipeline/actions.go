// Copyright (C) 2026 Lazyaf
// SPDX-License-Identifier: AGPL-3.0-or-later

package pipeline

import (
	"context"
	"fmt"
	"strconv"
	"strings"

	"github.com/google/uuid"

	"github.com/lazyaf/lazyaf/internal/orchestrator/database"
	"github.com/lazyaf/lazyaf/internal/orchestrator/models"
	"github.com/lazyaf/lazyaf/internal/protocol"
)

// Trigger action verbs for on_pass / on_fail.
const (
	ActionNothing = "nothing"
	ActionMerge   = "merge"
	ActionReject  = "reject"
	ActionFail    = "fail"
)

// materializeCard creates the synthetic card that serves as the step's
// handle in the kanban view. Cards created by users keep their own
// lifecycle; a run only updates the card named in its trigger.
func (e *Executor) materializeCard(ctx context.Context, runID string, pipeline *models.Pipeline, step *models.GraphStep, stepRun *models.StepRun) *models.Card {
	card := &models.Card{
		ID:            uuid.NewString(),
		RepositoryID:  pipeline.RepositoryID,
		Title:         step.Name,
		Status:        models.CardStatusInProgress,
		StepType:      string(step.Type),
		StepConfig:    step.Config,
		PipelineRunID: runID,
		JobID:         stepRun.JobID,
	}
	if err := e.db.CreateCard(ctx, card); err != nil {
		getLog().Warn().Err(err).Str("step_run_id", stepRun.ID).Msg("Failed to materialize step card")
		return nil
	}
	e.emitCardUpdated(runID, card)
	return card
}

// updateCardAfterStep settles the synthetic card once its step finishes.
func (e *Executor) updateCardAfterStep(ctx context.Context, runID string, card *models.Card, success bool) {
	if card == nil {
		return
	}
	if success {
		card.Status = models.CardStatusDone
	} else {
		card.Status = models.CardStatusFailed
	}
	if err := e.db.UpdateCardStatus(ctx, card.ID, card.Status); err != nil {
		getLog().Warn().Err(err).Str("card_id", card.ID).Msg("Failed to update step card")
		return
	}
	e.emitCardUpdated(runID, card)
}

// applyTriggerActions runs the on_pass / on_fail action recorded in the
// run's trigger context. Grammar: nothing | merge | merge:<branch> |
// reject | fail.
func (e *Executor) applyTriggerActions(ctx context.Context, run *models.PipelineRun) {
	// A cancelled run was stopped by an operator, not failed by its steps;
	// neither action fires.
	if run.Status == models.PipelineRunCancelled {
		return
	}
	action := run.Trigger.OnPass
	if run.Status != models.PipelineRunPassed {
		action = run.Trigger.OnFail
	}
	if action == "" || action == ActionNothing {
		return
	}

	switch {
	case action == ActionMerge || strings.HasPrefix(action, ActionMerge+":"):
		target := strings.TrimPrefix(strings.TrimPrefix(action, ActionMerge), ":")
		e.mergeRunBranch(ctx, run, target)
	case action == ActionReject:
		e.resetTriggerCard(ctx, run)
	case action == ActionFail:
		if run.Status == models.PipelineRunPassed {
			if err := e.db.UpdatePipelineRunStatus(ctx, run.ID, models.PipelineRunFailed, "failed by trigger action"); err != nil {
				getLog().Error().Err(err).Str("run_id", run.ID).Msg("Failed to apply fail action")
				return
			}
			run.Status = models.PipelineRunFailed
			run.Error = "failed by trigger action"
			e.emitRunStatus(run)
		}
		e.settleTriggerCard(ctx, run, models.CardStatusFailed)
	default:
		getLog().Warn().Str("run_id", run.ID).Str("action", action).Msg("Unknown trigger action")
	}
}

// mergeRunBranch merges the run's working branch into the target branch,
// defaulting to the repository's default branch.
func (e *Executor) mergeRunBranch(ctx context.Context, run *models.PipelineRun, target string) {
	if run.Branch == "" {
		return
	}
	if target == "" {
		repo, err := e.db.GetRepository(ctx, run.RepositoryID)
		if err != nil {
			getLog().Error().Err(err).Str("run_id", run.ID).Msg("Cannot resolve merge target branch")
			return
		}
		target = repo.DefaultBranch
		if target == "" {
			target = e.cfg.Git.DefaultBranch
		}
	}
	result, err := e.git.MergeBranch(ctx, run.RepositoryID, run.Branch, target)
	if err == nil && result != nil && !result.Success {
		// The merge action delivers the run's output: every conflict
		// resolves to the run branch's side.
		resolutions := make(map[string]string, len(result.Conflicts))
		for _, c := range result.Conflicts {
			resolutions[c.Path] = c.Source
		}
		result, err = e.git.ResolveAndMerge(ctx, run.RepositoryID, run.Branch, target, resolutions)
	}
	if err != nil || result == nil || !result.Success {
		getLog().Error().Err(err).
			Str("run_id", run.ID).
			Str("source", run.Branch).
			Str("target", target).
			Msg("Merge action failed")
		e.settleTriggerCard(ctx, run, models.CardStatusFailed)
		return
	}
	getLog().Info().
		Str("run_id", run.ID).
		Str("source", run.Branch).
		Str("target", target).
		Msg("Merged run branch")
	e.settleTriggerCard(ctx, run, models.CardStatusDone)
}

// resetTriggerCard sends the trigger card back to todo with its branch and
// PR reference cleared, so the work can be picked up again.
func (e *Executor) resetTriggerCard(ctx context.Context, run *models.PipelineRun) {
	if run.Trigger.CardID == "" {
		return
	}
	card, err := e.db.GetCard(ctx, run.Trigger.CardID)
	if err != nil {
		if !database.IsNotFound(err) {
			getLog().Warn().Err(err).Str("card_id", run.Trigger.CardID).Msg("Failed to load trigger card")
		}
		return
	}
	card.Status = models.CardStatusTodo
	card.Branch = ""
	card.PRURL = ""
	if err := e.db.UpdateCard(ctx, card.ID, map[string]any{
		"status": models.CardStatusTodo,
		"branch": "",
		"pr_url": "",
	}); err != nil {
		getLog().Warn().Err(err).Str("card_id", card.ID).Msg("Failed to reset rejected card")
		return
	}
	e.emitCardUpdated(run.ID, card)
}

// settleTriggerCard updates the card that triggered the run, when there is one.
func (e *Executor) settleTriggerCard(ctx context.Context, run *models.PipelineRun, status models.CardStatus) {
	if run.Trigger.CardID == "" {
		return
	}
	card, err := e.db.GetCard(ctx, run.Trigger.CardID)
	if err != nil {
		if !database.IsNotFound(err) {
			getLog().Warn().Err(err).Str("card_id", run.Trigger.CardID).Msg("Failed to load trigger card")
		}
		return
	}
	card.Status = status
	if err := e.db.UpdateCardStatus(ctx, card.ID, status); err != nil {
		getLog().Warn().Err(err).Str("card_id", card.ID).Msg("Failed to settle trigger card")
		return
	}
	e.emitCardUpdated(run.ID, card)
}

// applyLegacyAction fires the in-step action of a legacy pipeline step.
// next and stop are encoded in the converted graph's edges; merge and
// trigger still act here.
func (e *Executor) applyLegacyAction(ctx context.Context, run *models.PipelineRun, pipeline *models.Pipeline, stepID string, success bool) {
	idx := legacyIndexOf(stepID)
	if idx < 0 || idx >= len(pipeline.LegacySteps) {
		return
	}
	action := pipeline.LegacySteps[idx].OnSuccess
	if !success {
		action = pipeline.LegacySteps[idx].OnFailure
	}

	switch {
	case action == "" || action == models.LegacyActionNext || action == models.LegacyActionStop:
		return
	case strings.HasPrefix(action, "merge:"):
		e.mergeRunBranch(ctx, run, strings.TrimPrefix(action, "merge:"))
	case action == "merge":
		e.mergeRunBranch(ctx, run, "")
	case strings.HasPrefix(action, "trigger:pipeline:"):
		// Fire and forget: the triggered pipeline runs independently and
		// this run continues regardless of its outcome.
		targetID := strings.TrimPrefix(action, "trigger:pipeline:")
		if _, err := e.Start(ctx, targetID, models.TriggerContext{
			Trigger: "pipeline",
			Branch:  run.Branch,
		}); err != nil {
			getLog().Warn().Err(err).
				Str("run_id", run.ID).
				Str("target_pipeline", targetID).
				Msg("Legacy pipeline trigger failed")
		}
	case strings.HasPrefix(action, "trigger:"):
		e.triggerCardStep(ctx, run, strings.TrimPrefix(action, "trigger:"))
	default:
		getLog().Warn().Str("run_id", run.ID).Str("action", action).Msg("Unknown legacy step action")
	}
}

// triggerCardStep clones the named card's configured step and runs it as a
// follow-up job on the run's branch.
func (e *Executor) triggerCardStep(ctx context.Context, run *models.PipelineRun, cardID string) {
	card, err := e.db.GetCard(ctx, cardID)
	if err != nil {
		getLog().Warn().Err(err).Str("card_id", cardID).Msg("Legacy card trigger references unknown card")
		return
	}

	clone := &models.Card{
		ID:            uuid.NewString(),
		RepositoryID:  card.RepositoryID,
		Title:         card.Title,
		Description:   card.Description,
		Status:        models.CardStatusTodo,
		StepType:      card.StepType,
		StepConfig:    card.StepConfig,
		PipelineRunID: run.ID,
		Branch:        run.Branch,
	}
	if err := e.db.CreateCard(ctx, clone); err != nil {
		getLog().Warn().Err(err).Str("card_id", cardID).Msg("Failed to clone triggered card")
		return
	}
	e.emitCardUpdated(run.ID, clone)

	// Run the cloned card's step as its own one-step pipeline. Fire and
	// forget, like pipeline triggers.
	followup := &models.Pipeline{
		ID:           uuid.NewString(),
		RepositoryID: card.RepositoryID,
		Name:         fmt.Sprintf("fix: %s", card.Title),
		Legacy:       true,
		LegacySteps: models.LegacySteps{{
			Name:   card.Title,
			Type:   models.StepType(card.StepType),
			Config: card.StepConfig,
		}},
	}
	if err := e.db.CreatePipeline(ctx, followup); err != nil {
		getLog().Warn().Err(err).Str("card_id", clone.ID).Msg("Failed to materialize follow-up pipeline")
		return
	}
	if _, err := e.Start(ctx, followup.ID, models.TriggerContext{
		Trigger: "card",
		CardID:  clone.ID,
		Branch:  run.Branch,
	}); err != nil {
		getLog().Warn().Err(err).
			Str("run_id", run.ID).
			Str("card_id", clone.ID).
			Msg("Failed to start follow-up run for triggered card")
	}
}

// legacyIndexOf recovers the list index from a synthetic legacy step id.
func legacyIndexOf(stepID string) int {
	raw, ok := strings.CutPrefix(stepID, "step-")
	if !ok {
		return -1
	}
	idx, err := strconv.Atoi(raw)
	if err != nil {
		return -1
	}
	return idx
}

func (e *Executor) emitCardUpdated(runID string, card *models.Card) {
	e.events.Broadcast(protocol.CardUpdatedEvent{
		Metadata: protocol.NewMetadata(uuid.NewString(), runID),
		CardID:   card.ID,
		Status:   string(card.Status),
		Branch:   card.Branch,
		PRURL:    card.PRURL,
	})
}
