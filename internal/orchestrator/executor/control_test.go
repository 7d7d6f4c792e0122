// Copyright (C) 2026 Lazyaf
// SPDX-License-Identifier: AGPL-3.0-or-later

package executor

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestControlFilePath(t *testing.T) {
	assert.Equal(t, "/workspace/.lazyaf-control/step-0.json", ControlFilePath(".lazyaf-control", 0))
	assert.Equal(t, "/workspace/.lazyaf-control/step-12.json", ControlFilePath(".lazyaf-control", 12))
}

func TestControlFileMarshal(t *testing.T) {
	cf := &ControlFile{
		ExecutionKey:   "run-1:0:0",
		StepToken:      "secret",
		BackendURL:     "http://backend:8080",
		Script:         "make test",
		Cwd:            RepoDir,
		TimeoutSeconds: 600,
	}

	out, err := cf.Marshal()
	require.NoError(t, err)

	var decoded ControlFile
	require.NoError(t, json.Unmarshal([]byte(out), &decoded))
	assert.Equal(t, *cf, decoded)

	// Empty optional fields are omitted from the rendered file.
	assert.NotContains(t, out, "clone_url")
	assert.NotContains(t, out, "command")
}

func TestNormalizeScript(t *testing.T) {
	assert.Equal(t, "echo a\necho b\n", NormalizeScript("echo a\r\necho b\r\n"))
	assert.Equal(t, "echo a\necho b", NormalizeScript("echo a\recho b"))
	assert.Equal(t, "echo a\necho b", NormalizeScript(`echo a\r\necho b`))
	assert.Equal(t, "echo a\necho b", NormalizeScript("echo a\necho b"))
	assert.Equal(t, "", NormalizeScript(""))
}
