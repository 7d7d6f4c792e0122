// Copyright (C) 2026 Lazyaf
// SPDX-License-Identifier: AGPL-3.0-or-later

package executor

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestContainerEnv(t *testing.T) {
	t.Run("control layer steps get a workspace home", func(t *testing.T) {
		env := containerEnv(&Request{}, "run-1:0:0", "/workspace/.lazyaf-control/step-0.json")
		assert.Equal(t, HomeDir, env["HOME"])
		assert.Equal(t, "run-1:0:0", env["LAZYAF_EXECUTION"])
		assert.Equal(t, "/workspace/.lazyaf-control/step-0.json", env["LAZYAF_CONTROL_FILE"])
	})

	t.Run("scripted steps keep the image home", func(t *testing.T) {
		env := containerEnv(&Request{Script: "make test"}, "run-1:1:0", "/workspace/.lazyaf-control/step-1.json")
		_, ok := env["HOME"]
		assert.False(t, ok)
	})

	t.Run("command steps keep the image home", func(t *testing.T) {
		env := containerEnv(&Request{Command: []string{"make", "test"}}, "run-1:2:0", "/workspace/.lazyaf-control/step-2.json")
		_, ok := env["HOME"]
		assert.False(t, ok)
	})

	t.Run("request env wins over defaults", func(t *testing.T) {
		env := containerEnv(&Request{Env: map[string]string{"HOME": "/root", "CI": "true"}}, "run-1:3:0", "/workspace/.lazyaf-control/step-3.json")
		assert.Equal(t, "/root", env["HOME"])
		assert.Equal(t, "true", env["CI"])
	})
}
