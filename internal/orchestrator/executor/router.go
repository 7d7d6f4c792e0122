// Copyright (C) 2026 Lazyaf
// SPDX-License-Identifier: AGPL-3.0-or-later

package executor

import (
	"fmt"
	"runtime"

	"github.com/lazyaf/lazyaf/internal/orchestrator/models"
	"github.com/lazyaf/lazyaf/internal/protocol"
)

// RouteKind distinguishes the two executor destinations.
type RouteKind string

const (
	RouteLocal  RouteKind = "local"
	RouteRemote RouteKind = "remote"
)

// Destination is the routing decision for one step.
type Destination struct {
	Kind RouteKind

	// RequiredWorker pins remote dispatch to exactly that worker id.
	RequiredWorker string

	// WorkerType constrains remote dispatch to workers of that type;
	// empty means any worker whose labels satisfy Requirements.
	WorkerType   string
	Requirements protocol.WorkerLabels
}

// Router decides where a step runs. Rules are evaluated first-match:
//
//  1. a previous worker id carried from the upstream step pins the step
//     to that worker
//  2. requirements "runner_id" pins the step to that worker
//  3. step config "worker: local" pins the step to the local executor;
//     "worker: <type>" pins it to that remote worker type
//  4. requirements "has" labels route to any matching remote worker
//  5. requirements "arch" routes remote only when it differs from the
//     orchestrator's own architecture
//  6. agent steps route to a remote worker of the agent's type
//  7. everything else runs locally
//
// A rule that demands a remote destination while remote scheduling is
// disabled is a configuration error, not a silent local fallback.
type Router struct {
	remoteEnabled bool
	localArch     string
}

// NewRouter creates a new step router
func NewRouter(remoteEnabled bool) *Router {
	return &Router{remoteEnabled: remoteEnabled, localArch: runtime.GOARCH}
}

// Route returns the destination for a step. previousWorker is the remote
// worker that ran the upstream step, when the step continues in its context.
func (r *Router) Route(step models.GraphStep, previousWorker string) (Destination, error) {
	if previousWorker != "" {
		return r.remote(step, Destination{Kind: RouteRemote, RequiredWorker: previousWorker})
	}

	if id := runnerIDFromConfig(step.Config); id != "" {
		return r.remote(step, Destination{Kind: RouteRemote, RequiredWorker: id})
	}

	if worker := step.Config.GetString("worker"); worker != "" {
		if worker == "local" {
			return Destination{Kind: RouteLocal}, nil
		}
		return r.remote(step, Destination{
			Kind:         RouteRemote,
			WorkerType:   worker,
			Requirements: requirementsFromConfig(step.Config),
		})
	}

	req := requirementsFromConfig(step.Config)
	if len(req.Has) > 0 {
		return r.remote(step, Destination{Kind: RouteRemote, Requirements: req})
	}
	if req.Arch != "" && req.Arch != r.localArch {
		return r.remote(step, Destination{Kind: RouteRemote, Requirements: req})
	}

	if step.Type == models.StepTypeAgent {
		if agentType := step.Config.GetString("agent"); agentType != "" && r.remoteEnabled {
			return Destination{Kind: RouteRemote, WorkerType: agentType}, nil
		}
		return Destination{Kind: RouteLocal}, nil
	}

	return Destination{Kind: RouteLocal}, nil
}

// remote validates that remote scheduling is actually on.
func (r *Router) remote(step models.GraphStep, dest Destination) (Destination, error) {
	if !r.remoteEnabled {
		return Destination{}, fmt.Errorf(
			"step %q requires a remote worker but remote scheduling is disabled", step.ID)
	}
	return dest, nil
}

// requirementsFromConfig reads the "requires" section of a step config.
func requirementsFromConfig(cfg models.ConfigMap) protocol.WorkerLabels {
	section, ok := requiresSection(cfg)
	if !ok {
		return protocol.WorkerLabels{}
	}
	return protocol.WorkerLabels{
		Arch: section.GetString("arch"),
		Has:  section.GetStringSlice("has"),
	}
}

// runnerIDFromConfig reads requirements "runner_id", the explicit worker pin.
func runnerIDFromConfig(cfg models.ConfigMap) string {
	section, ok := requiresSection(cfg)
	if !ok {
		return ""
	}
	return section.GetString("runner_id")
}

func requiresSection(cfg models.ConfigMap) (models.ConfigMap, bool) {
	raw, ok := cfg["requires"]
	if !ok {
		return nil, false
	}
	section, ok := raw.(map[string]any)
	if !ok {
		return nil, false
	}
	return models.ConfigMap(section), true
}
