// Copyright (C) 2026 Lazyaf
// SPDX-License-Identifier: AGPL-3.0-or-later

package server

import (
	"encoding/json"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lazyaf/lazyaf/internal/protocol"
)

func runEvent(runID string) protocol.Event {
	return protocol.PipelineRunStatusEvent{
		Metadata:   protocol.NewMetadata("k-1", runID),
		PipelineID: "p-1",
		Status:     "running",
	}
}

func TestMatchesAny(t *testing.T) {
	t.Run("no filters matches everything", func(t *testing.T) {
		c := &wsClient{}
		assert.True(t, c.matchesAny(runEvent("run-1")))
	})

	t.Run("run id filter", func(t *testing.T) {
		c := &wsClient{filters: []SubscriptionFilter{{RunID: "run-1"}}}
		assert.True(t, c.matchesAny(runEvent("run-1")))
		assert.False(t, c.matchesAny(runEvent("run-2")))
	})

	t.Run("event type filter", func(t *testing.T) {
		c := &wsClient{filters: []SubscriptionFilter{{EventType: "pipeline_run_status"}}}
		assert.True(t, c.matchesAny(runEvent("run-1")))
		assert.False(t, c.matchesAny(protocol.StepLogEvent{
			Metadata: protocol.NewMetadata("k-2", "run-1"),
			Lines:    []string{"hello"},
		}))
	})

	t.Run("combined filter requires both", func(t *testing.T) {
		c := &wsClient{filters: []SubscriptionFilter{{RunID: "run-1", EventType: "step_log"}}}
		assert.False(t, c.matchesAny(runEvent("run-1")))
		assert.True(t, c.matchesAny(protocol.StepLogEvent{
			Metadata: protocol.NewMetadata("k-3", "run-1"),
			Lines:    []string{"hello"},
		}))
	})

	t.Run("any filter suffices", func(t *testing.T) {
		c := &wsClient{filters: []SubscriptionFilter{
			{RunID: "run-9"},
			{EventType: "pipeline_run_status"},
		}}
		assert.True(t, c.matchesAny(runEvent("run-1")))
	})
}

func TestRemoveFilter(t *testing.T) {
	filters := []SubscriptionFilter{
		{RunID: "run-1"},
		{EventType: "step_log"},
		{RunID: "run-1", EventType: "step_log"},
	}

	out := removeFilter(filters, SubscriptionFilter{EventType: "step_log"})
	assert.Equal(t, []SubscriptionFilter{
		{RunID: "run-1"},
		{RunID: "run-1", EventType: "step_log"},
	}, out)

	// Removing something never subscribed is a no-op.
	out = removeFilter(out, SubscriptionFilter{RunID: "run-404"})
	assert.Len(t, out, 2)
}

func TestMarshalEvent(t *testing.T) {
	data, err := marshalEvent(runEvent("run-1"))
	require.NoError(t, err)

	var envelope map[string]any
	require.NoError(t, json.Unmarshal(data, &envelope))
	assert.Equal(t, "event", envelope["type"])
	assert.Equal(t, "pipeline_run_status", envelope["event_type"])

	payload, ok := envelope["payload"].(map[string]any)
	require.True(t, ok)
	assert.Equal(t, "run-1", payload["run_id"])
	assert.Equal(t, "running", payload["status"])
}

func TestRegistryBroadcast(t *testing.T) {
	registry := NewClientRegistry()

	subscribed := &wsClient{send: make(chan []byte, 4), filters: []SubscriptionFilter{{RunID: "run-1"}}}
	other := &wsClient{send: make(chan []byte, 4), filters: []SubscriptionFilter{{RunID: "run-2"}}}
	require.True(t, registry.add(subscribed))
	require.True(t, registry.add(other))

	registry.Broadcast(runEvent("run-1"))

	assert.Len(t, subscribed.send, 1)
	assert.Empty(t, other.send)

	registry.remove(subscribed)
	registry.Broadcast(runEvent("run-1"))
	assert.Len(t, subscribed.send, 1)
}

func TestRegistryDropsSlowClient(t *testing.T) {
	registry := NewClientRegistry()
	slow := &wsClient{send: make(chan []byte, 1)}
	require.True(t, registry.add(slow))

	// Second broadcast overflows the full channel and is dropped rather
	// than blocking the publisher.
	registry.Broadcast(runEvent("run-1"))
	registry.Broadcast(runEvent("run-1"))
	assert.Len(t, slow.send, 1)
}

func TestUpgraderOriginCheck(t *testing.T) {
	t.Run("open when unconfigured", func(t *testing.T) {
		up := newUpgrader(nil)
		req := httptest.NewRequest("GET", "/ws", nil)
		req.Header.Set("Origin", "https://anywhere.example.com")
		assert.True(t, up.CheckOrigin(req))
	})

	t.Run("enforces the allow list", func(t *testing.T) {
		up := newUpgrader([]string{"https://app.example.com"})

		req := httptest.NewRequest("GET", "/ws", nil)
		req.Header.Set("Origin", "https://app.example.com")
		assert.True(t, up.CheckOrigin(req))

		req.Header.Set("Origin", "https://evil.example.com")
		assert.False(t, up.CheckOrigin(req))
	})
}
