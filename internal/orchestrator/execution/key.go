// Copyright (C) 2026 Lazyaf
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package execution defines the step-execution identity and state machine:
// the idempotency key format shared by the local and remote executors, and
// the legal state transitions of one execution attempt.
package execution

import (
	"fmt"
	"strconv"
	"strings"
)

// Key identifies one attempt of one step within a pipeline run.
type Key struct {
	PipelineRunID string
	StepIndex     int
	Attempt       int
}

// String renders the key in its wire form "<pipeline_run_id>:<step_index>:<attempt>".
func (k Key) String() string {
	return fmt.Sprintf("%s:%d:%d", k.PipelineRunID, k.StepIndex, k.Attempt)
}

// NextAttempt returns the key for the following attempt of the same step.
// A requeue after worker death dispatches under this key, so the dead
// attempt's row is never reused.
func (k Key) NextAttempt() Key {
	return Key{PipelineRunID: k.PipelineRunID, StepIndex: k.StepIndex, Attempt: k.Attempt + 1}
}

// BuildKey constructs an execution key.
func BuildKey(pipelineRunID string, stepIndex, attempt int) Key {
	return Key{PipelineRunID: pipelineRunID, StepIndex: stepIndex, Attempt: attempt}
}

// ParseKey parses the wire form. Run ids may themselves contain colons, so
// the string splits on the LAST two colons only.
func ParseKey(s string) (Key, error) {
	last := strings.LastIndex(s, ":")
	if last <= 0 {
		return Key{}, fmt.Errorf("malformed execution key %q", s)
	}
	second := strings.LastIndex(s[:last], ":")
	if second <= 0 {
		return Key{}, fmt.Errorf("malformed execution key %q", s)
	}

	runID := s[:second]
	stepIndex, err := strconv.Atoi(s[second+1 : last])
	if err != nil {
		return Key{}, fmt.Errorf("malformed step index in execution key %q: %w", s, err)
	}
	attempt, err := strconv.Atoi(s[last+1:])
	if err != nil {
		return Key{}, fmt.Errorf("malformed attempt in execution key %q: %w", s, err)
	}

	return Key{PipelineRunID: runID, StepIndex: stepIndex, Attempt: attempt}, nil
}
