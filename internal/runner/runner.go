// Copyright (C) 2026 Lazyaf
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package runner implements the remote worker binary: it connects to the
// orchestrator over a duplex WebSocket, registers with its labels, and
// executes pushed steps in local docker containers.
package runner

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/lazyaf/lazyaf/internal/config"
	"github.com/lazyaf/lazyaf/internal/logger"
	"github.com/lazyaf/lazyaf/internal/protocol"
	"github.com/lazyaf/lazyaf/pkg/containers/docker"
)

var (
	log     *zerolog.Logger
	logOnce sync.Once
)

func getLog() *zerolog.Logger {
	logOnce.Do(func() {
		l := logger.GetRunnerLogger().With().Str("component", "runner").Logger()
		log = &l
	})
	return log
}

const writeWait = 10 * time.Second

// Runner is one remote worker process.
type Runner struct {
	cfg       *config.RunnerConfig
	container *config.ContainerConfig
	docker    docker.ClientInterface

	id     string
	name   string
	labels protocol.WorkerLabels

	mu   sync.Mutex // guards conn writes
	conn *websocket.Conn
}

// New creates a runner, loading or minting its persistent identity.
func New(cfg *config.RunnerConfig, container *config.ContainerConfig, dockerClient docker.ClientInterface) (*Runner, error) {
	id, err := loadIdentity(cfg.StateDir)
	if err != nil {
		return nil, err
	}

	name := cfg.Name
	if name == "" {
		host, _ := os.Hostname()
		name = host
	}

	return &Runner{
		cfg:       cfg,
		container: container,
		docker:    dockerClient,
		id:        id,
		name:      name,
		labels: protocol.WorkerLabels{
			Arch: runtime.GOARCH,
			Has:  cfg.Capabilities,
		},
	}, nil
}

// loadIdentity reads the persistent runner id, creating one on first run.
// The id must survive restarts so the backend can reconcile a reconnecting
// worker with its previous registration.
func loadIdentity(stateDir string) (string, error) {
	if err := os.MkdirAll(stateDir, 0o700); err != nil {
		return "", fmt.Errorf("failed to create state dir: %w", err)
	}
	idFile := filepath.Join(stateDir, "runner-id")

	data, err := os.ReadFile(idFile)
	if err == nil {
		id := strings.TrimSpace(string(data))
		if id != "" {
			return id, nil
		}
	}

	id := uuid.NewString()
	if err := os.WriteFile(idFile, []byte(id+"\n"), 0o600); err != nil {
		return "", fmt.Errorf("failed to persist runner id: %w", err)
	}
	return id, nil
}

// ID returns the persistent runner id.
func (r *Runner) ID() string {
	return r.id
}

// Run connects to the backend and serves pushed steps until the context is
// cancelled. Connection loss triggers reconnection with exponential backoff.
func (r *Runner) Run(ctx context.Context) error {
	backoff := r.cfg.ReconnectMin

	for {
		err := r.serve(ctx)
		if ctx.Err() != nil {
			return ctx.Err()
		}
		getLog().Warn().Err(err).Dur("retry_in", backoff).Msg("Connection lost, reconnecting")

		select {
		case <-time.After(backoff):
		case <-ctx.Done():
			return ctx.Err()
		}
		backoff *= 2
		if backoff > r.cfg.ReconnectMax {
			backoff = r.cfg.ReconnectMax
		}
		if err == nil {
			backoff = r.cfg.ReconnectMin
		}
	}
}

// serve runs one connection: register, heartbeat, and the read loop.
func (r *Runner) serve(ctx context.Context) error {
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, r.cfg.BackendURL, nil)
	if err != nil {
		return fmt.Errorf("failed to dial backend: %w", err)
	}
	defer conn.Close()

	r.mu.Lock()
	r.conn = conn
	r.mu.Unlock()

	if err := r.send(&protocol.WireMessage{
		Type:       protocol.MsgRegister,
		RunnerID:   r.id,
		Name:       r.name,
		RunnerType: r.cfg.Type,
		Labels:     r.labels,
	}); err != nil {
		return fmt.Errorf("failed to register: %w", err)
	}
	getLog().Info().
		Str("runner_id", r.id).
		Str("runner_type", r.cfg.Type).
		Str("backend", r.cfg.BackendURL).
		Msg("Registered with backend")

	connCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	go r.heartbeatLoop(connCtx)

	conn.SetPingHandler(func(appData string) error {
		r.mu.Lock()
		defer r.mu.Unlock()
		conn.SetWriteDeadline(time.Now().Add(writeWait))
		return conn.WriteMessage(websocket.PongMessage, []byte(appData))
	})

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			return err
		}

		msg, err := protocol.ParseWireMessage(data)
		if err != nil {
			getLog().Warn().Err(err).Msg("Invalid frame from backend")
			continue
		}

		switch msg.Type {
		case protocol.MsgExecuteStep:
			// Execute in the connection's goroutine group but off the read
			// loop, so heartbeats keep flowing during long steps.
			go r.executeStep(connCtx, msg)
		case protocol.MsgPing:
			// Application-level ping, nothing to do beyond the read itself.
		default:
			getLog().Warn().Str("type", msg.Type).Msg("Unexpected frame from backend")
		}
	}
}

func (r *Runner) heartbeatLoop(ctx context.Context) {
	ticker := time.NewTicker(r.cfg.HeartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			if err := r.send(&protocol.WireMessage{Type: protocol.MsgHeartbeat, RunnerID: r.id}); err != nil {
				getLog().Warn().Err(err).Msg("Heartbeat send failed")
				return
			}
		case <-ctx.Done():
			return
		}
	}
}

// send serializes one frame onto the current connection.
func (r *Runner) send(msg *protocol.WireMessage) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.conn == nil {
		return fmt.Errorf("not connected")
	}
	r.conn.SetWriteDeadline(time.Now().Add(writeWait))
	return r.conn.WriteJSON(msg)
}
