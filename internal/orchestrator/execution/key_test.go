// Copyright (C) 2026 Lazyaf
// SPDX-License-Identifier: AGPL-3.0-or-later

package execution

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestKeyString(t *testing.T) {
	key := BuildKey("run-abc", 3, 0)
	assert.Equal(t, "run-abc:3:0", key.String())
}

func TestKeyNextAttempt(t *testing.T) {
	key := BuildKey("run-abc", 3, 0)
	next := key.NextAttempt()

	assert.Equal(t, "run-abc", next.PipelineRunID)
	assert.Equal(t, 3, next.StepIndex)
	assert.Equal(t, 1, next.Attempt)
	// The original key is unchanged.
	assert.Equal(t, 0, key.Attempt)
}

func TestParseKey(t *testing.T) {
	t.Run("round trip", func(t *testing.T) {
		key := BuildKey("550e8400-e29b-41d4-a716-446655440000", 7, 2)
		parsed, err := ParseKey(key.String())
		require.NoError(t, err)
		assert.Equal(t, key, parsed)
	})

	t.Run("run id containing colons", func(t *testing.T) {
		parsed, err := ParseKey("ns:tenant:run-1:4:1")
		require.NoError(t, err)
		assert.Equal(t, "ns:tenant:run-1", parsed.PipelineRunID)
		assert.Equal(t, 4, parsed.StepIndex)
		assert.Equal(t, 1, parsed.Attempt)
	})

	t.Run("malformed inputs", func(t *testing.T) {
		for _, input := range []string{
			"",
			"run-1",
			"run-1:3",
			":3:0",
			"run-1:x:0",
			"run-1:3:y",
		} {
			_, err := ParseKey(input)
			assert.Error(t, err, "input %q should not parse", input)
		}
	})
}
