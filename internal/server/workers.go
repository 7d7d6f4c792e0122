// Copyright (C) 2026 Lazyaf
// SPDX-License-Identifier: AGPL-3.0-or-later

package server

import (
	"context"
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/lazyaf/lazyaf/internal/orchestrator/remote"
	"github.com/lazyaf/lazyaf/internal/protocol"
)

const workerMaxMessageSize = 1 << 20 // step logs arrive in batches

var (
	errFirstFrameNotRegister = errors.New("first frame must be a register message")
	errMissingRunnerID       = errors.New("register frame missing runner id")
)

// workerConn serializes frame writes to one worker socket.
type workerConn struct {
	conn *websocket.Conn
	mu   sync.Mutex
}

func (c *workerConn) sendMessage(msg *protocol.WireMessage) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.conn.SetWriteDeadline(time.Now().Add(writeWait))
	return c.conn.WriteJSON(msg)
}

// HandleWorkerSocket is the duplex endpoint remote workers connect to. The
// first frame must be a register message; after that the socket carries
// acks, heartbeats, logs, and step results inbound and step assignments
// outbound.
func HandleWorkerSocket(executor *remote.RemoteExecutor) http.HandlerFunc {
	// Workers are not browsers, the origin check does not apply.
	upgrader := websocket.Upgrader{
		CheckOrigin: func(r *http.Request) bool { return true },
	}

	return func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			getLog().Error().Err(err).Msg("Worker socket upgrade failed")
			return
		}
		defer conn.Close()

		// The socket must outlive the request cancellation path: a dying
		// HTTP context must not abort database writes mid-flight.
		ctx := context.WithoutCancel(r.Context())

		conn.SetReadLimit(workerMaxMessageSize)
		conn.SetReadDeadline(time.Now().Add(pongWait))
		conn.SetPongHandler(func(string) error {
			conn.SetReadDeadline(time.Now().Add(pongWait))
			return nil
		})

		wc := &workerConn{conn: conn}

		workerID, err := registerWorker(ctx, executor, wc)
		if err != nil {
			getLog().Warn().Err(err).Str("remote", r.RemoteAddr).Msg("Worker registration failed")
			conn.WriteMessage(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.ClosePolicyViolation, err.Error()))
			return
		}
		getLog().Info().Str("runner_id", workerID).Str("remote", r.RemoteAddr).Msg("Worker connected")

		done := make(chan struct{})
		defer close(done)
		go pingWorker(wc, done)

		defer executor.Disconnect(ctx, workerID)

		for {
			_, data, err := conn.ReadMessage()
			if err != nil {
				if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
					getLog().Warn().Err(err).Str("runner_id", workerID).Msg("Worker socket read error")
				}
				return
			}
			conn.SetReadDeadline(time.Now().Add(pongWait))

			msg, err := protocol.ParseWireMessage(data)
			if err != nil {
				getLog().Warn().Err(err).Str("runner_id", workerID).Msg("Invalid worker frame")
				continue
			}
			if err := executor.HandleMessage(ctx, workerID, msg); err != nil {
				getLog().Warn().Err(err).
					Str("runner_id", workerID).
					Str("type", msg.Type).
					Msg("Worker message rejected")
			}
		}
	}
}

// registerWorker reads and validates the mandatory first frame.
func registerWorker(ctx context.Context, executor *remote.RemoteExecutor, wc *workerConn) (string, error) {
	_, data, err := wc.conn.ReadMessage()
	if err != nil {
		return "", err
	}
	msg, err := protocol.ParseWireMessage(data)
	if err != nil {
		return "", err
	}
	if msg.Type != protocol.MsgRegister {
		return "", errFirstFrameNotRegister
	}
	if msg.RunnerID == "" {
		return "", errMissingRunnerID
	}

	if err := executor.Register(ctx, msg.RunnerID, msg.Name, msg.RunnerType, msg.Labels, wc.sendMessage); err != nil {
		return "", err
	}
	return msg.RunnerID, nil
}

func pingWorker(wc *workerConn, done <-chan struct{}) {
	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			wc.mu.Lock()
			wc.conn.SetWriteDeadline(time.Now().Add(writeWait))
			err := wc.conn.WriteMessage(websocket.PingMessage, nil)
			wc.mu.Unlock()
			if err != nil {
				return
			}
		case <-done:
			return
		}
	}
}
