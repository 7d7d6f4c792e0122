// Copyright (C) 2026 Lazyaf
// SPDX-License-Identifier: AGPL-3.0-or-later

package protocol

// Broadcaster delivers events to every subscribed observer. The websocket
// hub implements it; services hold the interface so tests can capture
// emissions without a server.
type Broadcaster interface {
	Broadcast(event Event)
}

// NopBroadcaster discards every event.
type NopBroadcaster struct{}

func (NopBroadcaster) Broadcast(Event) {}
