// Copyright (C) 2026 Lazyaf
// SPDX-License-Identifier: AGPL-3.0-or-later

package executor

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lazyaf/lazyaf/internal/orchestrator/models"
)

func TestRouterRoute(t *testing.T) {
	router := NewRouter(true)
	router.localArch = "amd64"

	t.Run("previous worker pins the step to that worker", func(t *testing.T) {
		dest, err := router.Route(models.GraphStep{
			ID:     "s0",
			Type:   models.StepTypeScript,
			Config: models.ConfigMap{"worker": "local"},
		}, "worker-7")
		require.NoError(t, err)
		assert.Equal(t, RouteRemote, dest.Kind)
		assert.Equal(t, "worker-7", dest.RequiredWorker)
	})

	t.Run("runner_id requirement pins the step to that worker", func(t *testing.T) {
		dest, err := router.Route(models.GraphStep{
			ID:   "s1",
			Type: models.StepTypeScript,
			Config: models.ConfigMap{
				"requires": map[string]any{"runner_id": "worker-42"},
			},
		}, "")
		require.NoError(t, err)
		assert.Equal(t, RouteRemote, dest.Kind)
		assert.Equal(t, "worker-42", dest.RequiredWorker)
	})

	t.Run("worker local pins to local executor", func(t *testing.T) {
		dest, err := router.Route(models.GraphStep{
			ID:     "s2",
			Type:   models.StepTypeScript,
			Config: models.ConfigMap{"worker": "local"},
		}, "")
		require.NoError(t, err)
		assert.Equal(t, RouteLocal, dest.Kind)
	})

	t.Run("worker type pins to remote type", func(t *testing.T) {
		dest, err := router.Route(models.GraphStep{
			ID:     "s3",
			Type:   models.StepTypeScript,
			Config: models.ConfigMap{"worker": "gpu-pool"},
		}, "")
		require.NoError(t, err)
		assert.Equal(t, RouteRemote, dest.Kind)
		assert.Equal(t, "gpu-pool", dest.WorkerType)
	})

	t.Run("has labels route remote with requirements", func(t *testing.T) {
		dest, err := router.Route(models.GraphStep{
			ID:   "s4",
			Type: models.StepTypeScript,
			Config: models.ConfigMap{
				"requires": map[string]any{
					"arch": "arm64",
					"has":  []any{"gpu"},
				},
			},
		}, "")
		require.NoError(t, err)
		assert.Equal(t, RouteRemote, dest.Kind)
		assert.Empty(t, dest.WorkerType)
		assert.Equal(t, "arm64", dest.Requirements.Arch)
		assert.Equal(t, []string{"gpu"}, dest.Requirements.Has)
	})

	t.Run("foreign arch routes remote", func(t *testing.T) {
		dest, err := router.Route(models.GraphStep{
			ID:     "s5",
			Type:   models.StepTypeScript,
			Config: models.ConfigMap{"requires": map[string]any{"arch": "arm64"}},
		}, "")
		require.NoError(t, err)
		assert.Equal(t, RouteRemote, dest.Kind)
		assert.Equal(t, "arm64", dest.Requirements.Arch)
	})

	t.Run("matching arch stays local", func(t *testing.T) {
		dest, err := router.Route(models.GraphStep{
			ID:     "s6",
			Type:   models.StepTypeScript,
			Config: models.ConfigMap{"requires": map[string]any{"arch": "amd64"}},
		}, "")
		require.NoError(t, err)
		assert.Equal(t, RouteLocal, dest.Kind)
	})

	t.Run("agent step routes to agent worker type", func(t *testing.T) {
		dest, err := router.Route(models.GraphStep{
			ID:     "s7",
			Type:   models.StepTypeAgent,
			Config: models.ConfigMap{"agent": "claude"},
		}, "")
		require.NoError(t, err)
		assert.Equal(t, RouteRemote, dest.Kind)
		assert.Equal(t, "claude", dest.WorkerType)
	})

	t.Run("default is local", func(t *testing.T) {
		dest, err := router.Route(models.GraphStep{ID: "s8", Type: models.StepTypeScript}, "")
		require.NoError(t, err)
		assert.Equal(t, RouteLocal, dest.Kind)
	})
}

func TestRouterRemoteDisabled(t *testing.T) {
	router := NewRouter(false)
	router.localArch = "amd64"

	t.Run("previous worker errors", func(t *testing.T) {
		_, err := router.Route(models.GraphStep{
			ID:   "s0",
			Type: models.StepTypeScript,
		}, "worker-7")
		assert.ErrorContains(t, err, "remote scheduling is disabled")
	})

	t.Run("runner_id pin errors", func(t *testing.T) {
		_, err := router.Route(models.GraphStep{
			ID:     "s1",
			Type:   models.StepTypeScript,
			Config: models.ConfigMap{"requires": map[string]any{"runner_id": "worker-42"}},
		}, "")
		assert.ErrorContains(t, err, "remote scheduling is disabled")
	})

	t.Run("pinned remote type errors", func(t *testing.T) {
		_, err := router.Route(models.GraphStep{
			ID:     "s2",
			Type:   models.StepTypeScript,
			Config: models.ConfigMap{"worker": "gpu-pool"},
		}, "")
		assert.ErrorContains(t, err, "remote scheduling is disabled")
	})

	t.Run("foreign arch requirement errors", func(t *testing.T) {
		_, err := router.Route(models.GraphStep{
			ID:     "s3",
			Type:   models.StepTypeScript,
			Config: models.ConfigMap{"requires": map[string]any{"arch": "arm64"}},
		}, "")
		assert.ErrorContains(t, err, "remote scheduling is disabled")
	})

	t.Run("agent step falls back to local", func(t *testing.T) {
		dest, err := router.Route(models.GraphStep{
			ID:     "s4",
			Type:   models.StepTypeAgent,
			Config: models.ConfigMap{"agent": "claude"},
		}, "")
		require.NoError(t, err)
		assert.Equal(t, RouteLocal, dest.Kind)
	})

	t.Run("worker local still routes", func(t *testing.T) {
		dest, err := router.Route(models.GraphStep{
			ID:     "s5",
			Type:   models.StepTypeScript,
			Config: models.ConfigMap{"worker": "local"},
		}, "")
		require.NoError(t, err)
		assert.Equal(t, RouteLocal, dest.Kind)
	})
}
