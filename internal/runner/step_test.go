// Copyright (C) 2026 Lazyaf
// SPDX-License-Identifier: AGPL-3.0-or-later

package runner

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lazyaf/lazyaf/internal/config"
	"github.com/lazyaf/lazyaf/internal/protocol"
	"github.com/lazyaf/lazyaf/pkg/containers/docker"
)

func TestBuildCommand(t *testing.T) {
	t.Run("script without clone", func(t *testing.T) {
		cmd := buildCommand(&protocol.StepAssignment{Script: "make test"})
		require.Len(t, cmd, 3)
		assert.Equal(t, "/bin/sh", cmd[0])
		assert.Equal(t, "-c", cmd[1])
		assert.Equal(t, "set -e\nmake test", cmd[2])
	})

	t.Run("clone with branch", func(t *testing.T) {
		cmd := buildCommand(&protocol.StepAssignment{
			CloneURL: "http://backend:8080/git/repo-1",
			Branch:   "feature-x",
			Script:   "make build",
		})
		script := cmd[2]
		assert.Contains(t, script, `git clone --branch "feature-x" "http://backend:8080/git/repo-1" "/workspace/repo"`)
		assert.Contains(t, script, `cd "/workspace/repo"`)
		// Clone happens before the step script runs.
		assert.Less(t, strings.Index(script, "git clone"), strings.Index(script, "make build"))
	})

	t.Run("clone without branch", func(t *testing.T) {
		cmd := buildCommand(&protocol.StepAssignment{
			CloneURL: "http://backend:8080/git/repo-1",
			Script:   "true",
		})
		assert.Contains(t, cmd[2], `git clone "http://backend:8080/git/repo-1" "/workspace/repo"`)
		assert.NotContains(t, cmd[2], "--branch")
	})

	t.Run("command vector is quoted", func(t *testing.T) {
		cmd := buildCommand(&protocol.StepAssignment{
			Command: []string{"echo", "hello world"},
		})
		assert.Contains(t, cmd[2], "'echo' 'hello world'")
	})

	t.Run("script wins over command", func(t *testing.T) {
		cmd := buildCommand(&protocol.StepAssignment{
			Script:  "make all",
			Command: []string{"ignored"},
		})
		assert.Contains(t, cmd[2], "make all")
		assert.NotContains(t, cmd[2], "ignored")
	})

	t.Run("neither script nor command", func(t *testing.T) {
		cmd := buildCommand(&protocol.StepAssignment{})
		assert.Equal(t, "set -e", cmd[2])
	})
}

func TestShellJoin(t *testing.T) {
	assert.Equal(t, "'ls' '-la'", shellJoin([]string{"ls", "-la"}))
	assert.Equal(t, `'it'\''s'`, shellJoin([]string{"it's"}))
	assert.Equal(t, "'a b' 'c'", shellJoin([]string{"a b", "c"}))
}

func TestNormalizeScript(t *testing.T) {
	assert.Equal(t, "echo a\necho b\n", normalizeScript("echo a\r\necho b\r\n"))
	assert.Equal(t, "echo a\necho b", normalizeScript("echo a\recho b"))
	assert.Equal(t, "echo a\necho b", normalizeScript(`echo a\r\necho b`))
	assert.Equal(t, "untouched\n", normalizeScript("untouched\n"))
}

func TestLoadIdentity(t *testing.T) {
	t.Run("mints and persists on first run", func(t *testing.T) {
		dir := t.TempDir()

		id, err := loadIdentity(dir)
		require.NoError(t, err)
		require.NotEmpty(t, id)

		data, err := os.ReadFile(filepath.Join(dir, "runner-id"))
		require.NoError(t, err)
		assert.Equal(t, id, strings.TrimSpace(string(data)))

		again, err := loadIdentity(dir)
		require.NoError(t, err)
		assert.Equal(t, id, again)
	})

	t.Run("ignores a blank id file", func(t *testing.T) {
		dir := t.TempDir()
		require.NoError(t, os.WriteFile(filepath.Join(dir, "runner-id"), []byte("  \n"), 0o600))

		id, err := loadIdentity(dir)
		require.NoError(t, err)
		assert.NotEmpty(t, id)
	})
}

func TestNewRunnerIdentityStable(t *testing.T) {
	stateDir := t.TempDir()
	cfg := &config.RunnerConfig{
		Name:     "bench-01",
		StateDir: stateDir,
	}

	first, err := New(cfg, &config.ContainerConfig{}, &docker.MockClient{})
	require.NoError(t, err)

	second, err := New(cfg, &config.ContainerConfig{}, &docker.MockClient{})
	require.NoError(t, err)

	assert.Equal(t, first.ID(), second.ID())
}
