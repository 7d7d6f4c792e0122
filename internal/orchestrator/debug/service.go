// Copyright (C) 2026 Lazyaf
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package debug implements breakpointed reruns. A debug session replays a
// finished run under a fresh run id, pauses before the steps named as
// breakpoints, and holds the workspace open so an operator can connect and
// poke at it before resuming.
package debug

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/lazyaf/lazyaf/internal/config"
	"github.com/lazyaf/lazyaf/internal/logger"
	"github.com/lazyaf/lazyaf/internal/orchestrator/database"
	"github.com/lazyaf/lazyaf/internal/orchestrator/models"
	"github.com/lazyaf/lazyaf/internal/orchestrator/pipeline"
	"github.com/lazyaf/lazyaf/internal/orchestrator/tokens"
	"github.com/lazyaf/lazyaf/internal/protocol"
	"github.com/lazyaf/lazyaf/pkg/containers/docker"
	containermodels "github.com/lazyaf/lazyaf/pkg/containers/models"
)

var (
	log     *zerolog.Logger
	logOnce sync.Once
)

func getLog() *zerolog.Logger {
	logOnce.Do(func() {
		l := logger.GetPipelineLogger().With().Str("component", "debug").Logger()
		log = &l
	})
	return log
}

// ErrBadToken is returned for a missing, wrong, or already-consumed
// connect token.
var ErrBadToken = errors.New("invalid debug token")

// Service owns debug sessions. It implements pipeline.StepGate so the
// pipeline executor pauses runs at session breakpoints.
type Service struct {
	db       *database.GormDB
	pipeline *pipeline.Executor
	docker   docker.ClientInterface
	events   protocol.Broadcaster
	cfg      *config.DebugConfig

	mu       sync.Mutex
	resumeCh map[string]chan bool // session id -> resume signal
	byRun    map[string]string    // pipeline run id -> session id

	sweepOnce sync.Once
}

// Compile-time check that Service implements the step gate
var _ pipeline.StepGate = (*Service)(nil)

// NewService creates a new debug session service
func NewService(db *database.GormDB, pipelineExec *pipeline.Executor, dockerClient docker.ClientInterface, events protocol.Broadcaster, cfg *config.DebugConfig) *Service {
	if events == nil {
		events = protocol.NopBroadcaster{}
	}
	return &Service{
		db:       db,
		pipeline: pipelineExec,
		docker:   dockerClient,
		events:   events,
		cfg:      cfg,
		resumeCh: make(map[string]chan bool),
		byRun:    make(map[string]string),
	}
}

// CreateSession reruns a failed or cancelled pipeline run with breakpoints.
// The returned token is the only time the plaintext is available; only its
// hash is stored.
func (s *Service) CreateSession(ctx context.Context, originalRunID string, breakpoints []int, mode models.DebugConnectMode, timeoutSeconds int) (*models.DebugSession, string, error) {
	original, err := s.db.GetPipelineRun(ctx, originalRunID)
	if err != nil {
		return nil, "", fmt.Errorf("run %s not found: %w", originalRunID, err)
	}
	if original.Status != models.PipelineRunFailed && original.Status != models.PipelineRunCancelled {
		return nil, "", fmt.Errorf("run %s is %s; only failed or cancelled runs can be debugged", originalRunID, original.Status)
	}
	if len(breakpoints) == 0 {
		return nil, "", errors.New("at least one breakpoint is required")
	}
	if mode == "" {
		mode = models.ConnectModeSidecar
	}

	timeout := timeoutSeconds
	if timeout <= 0 {
		timeout = int(s.cfg.DefaultTimeout.Seconds())
	}
	maxTimeout := int(s.cfg.MaxTimeout.Seconds())
	if timeout > maxTimeout {
		timeout = maxTimeout
	}

	plaintext, hash, err := tokens.New()
	if err != nil {
		return nil, "", err
	}

	session := &models.DebugSession{
		ID:                uuid.NewString(),
		OriginalRunID:     originalRunID,
		Breakpoints:       models.IntList(breakpoints),
		Status:            models.DebugPending,
		TokenHash:         hash,
		ConnectMode:       mode,
		TimeoutSeconds:    timeout,
		MaxTimeoutSeconds: maxTimeout,
	}

	// Register the session before the rerun starts so the first step's
	// gate check already sees it.
	rerunID := uuid.NewString()
	session.PipelineRunID = rerunID

	s.mu.Lock()
	s.byRun[rerunID] = session.ID
	s.resumeCh[session.ID] = make(chan bool, 1)
	s.mu.Unlock()

	if err := s.db.CreateDebugSession(ctx, session); err != nil {
		s.forget(rerunID, session.ID)
		return nil, "", err
	}

	trigger := original.Trigger
	trigger.Trigger = "debug"
	if _, err := s.pipeline.StartWithID(ctx, original.PipelineID, trigger, rerunID); err != nil {
		s.forget(rerunID, session.ID)
		session.RecordTransition(models.DebugEnded, "rerun failed to start")
		if saveErr := s.db.SaveDebugSession(ctx, session); saveErr != nil {
			getLog().Error().Err(saveErr).Str("session_id", session.ID).Msg("Failed to record rerun start failure")
		}
		return nil, "", fmt.Errorf("failed to start debug rerun: %w", err)
	}

	s.emitStatus(session, "created")
	getLog().Info().
		Str("session_id", session.ID).
		Str("original_run_id", originalRunID).
		Str("rerun_id", rerunID).
		Ints("breakpoints", breakpoints).
		Msg("Debug session created")

	return session, plaintext, nil
}

// Pass implements pipeline.StepGate. Runs without a session pass straight
// through; a session run pauses before each breakpointed step until the
// operator resumes, the session times out, or it is aborted.
func (s *Service) Pass(ctx context.Context, runID string, stepIndex int, stepName string) (bool, error) {
	s.mu.Lock()
	sessionID, ok := s.byRun[runID]
	ch := s.resumeCh[sessionID]
	s.mu.Unlock()
	if !ok {
		return true, nil
	}

	session, err := s.db.GetDebugSession(ctx, sessionID)
	if err != nil {
		return true, nil
	}
	if session.Status.IsTerminal() {
		return false, fmt.Errorf("debug session %s is %s", sessionID, session.Status)
	}
	if !session.Breakpoints.Contains(stepIndex) {
		return true, nil
	}

	expires := time.Now().Add(time.Duration(session.TimeoutSeconds) * time.Second)
	session.RecordTransition(models.DebugWaiting, fmt.Sprintf("breakpoint before step %d", stepIndex))
	session.CurrentStepIndex = &stepIndex
	session.CurrentStepName = stepName
	session.ExpiresAt = &expires
	if err := s.db.SaveDebugSession(ctx, session); err != nil {
		return false, err
	}

	s.events.Broadcast(protocol.DebugBreakpointEvent{
		Metadata:  protocol.NewMetadata(uuid.NewString(), runID),
		SessionID: session.ID,
		StepIndex: stepIndex,
		StepName:  stepName,
	})
	s.emitStatus(session, "paused at breakpoint")

	getLog().Info().
		Str("session_id", session.ID).
		Int("step_index", stepIndex).
		Str("step_name", stepName).
		Msg("Debug session paused at breakpoint")

	select {
	case proceed := <-ch:
		return proceed, nil
	case <-ctx.Done():
		return false, ctx.Err()
	}
}

// Connect consumes the one-time token and attaches the operator to a
// paused session. A second connect with the same token fails: the hash is
// cleared on first use.
func (s *Service) Connect(ctx context.Context, sessionID, token string) (*models.DebugSession, error) {
	session, err := s.db.GetDebugSession(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	if session.Status != models.DebugWaiting {
		return nil, fmt.Errorf("debug session %s is %s, not waiting at a breakpoint", sessionID, session.Status)
	}
	if session.TokenHash == "" || !tokens.Verify(token, session.TokenHash) {
		return nil, ErrBadToken
	}

	session.RecordTransition(models.DebugConnected, "operator connected")
	session.TokenHash = ""

	if session.ConnectMode == models.ConnectModeSidecar {
		containerID, err := s.startSidecar(ctx, session)
		if err != nil {
			getLog().Warn().Err(err).Str("session_id", sessionID).Msg("Failed to start debug sidecar")
		} else {
			session.SidecarContainerID = containerID
		}
	}

	if err := s.db.SaveDebugSession(ctx, session); err != nil {
		return nil, err
	}
	s.emitStatus(session, "connected")
	return session, nil
}

// startSidecar runs a long-lived container with the paused run's workspace
// mounted, for the operator to exec into.
func (s *Service) startSidecar(ctx context.Context, session *models.DebugSession) (string, error) {
	wsID := models.WorkspaceID(session.PipelineRunID)
	container, err := s.docker.CreateContainer(ctx, containermodels.ContainerConfig{
		Name:    fmt.Sprintf("lazyaf-debug-%s", session.ID),
		Image:   "ubuntu:22.04",
		Command: []string{"sleep", "infinity"},
		Mounts: []containermodels.Mount{
			{Source: wsID, Target: "/workspace", Volume: true},
		},
		Labels: map[string]string{
			"lazyaf.managed": "true",
			"lazyaf.debug":   "true",
			"lazyaf.session": session.ID,
		},
	})
	if err != nil {
		return "", err
	}
	if err := s.docker.StartContainer(ctx, container.ID); err != nil {
		return "", err
	}
	return container.ID, nil
}

// Resume releases a paused session and lets the run continue. The session
// stays alive for later breakpoints; it ends when the rerun settles.
func (s *Service) Resume(ctx context.Context, sessionID string) error {
	session, err := s.db.GetDebugSession(ctx, sessionID)
	if err != nil {
		return err
	}
	if session.Status != models.DebugConnected && session.Status != models.DebugWaiting {
		return fmt.Errorf("debug session %s is %s and cannot resume", sessionID, session.Status)
	}

	stepIndex := 0
	if session.CurrentStepIndex != nil {
		stepIndex = *session.CurrentStepIndex
	}

	s.stopSidecar(ctx, session)
	session.RecordTransition(models.DebugEnded, "resumed")
	now := time.Now()
	session.EndedAt = &now
	if err := s.db.SaveDebugSession(ctx, session); err != nil {
		return err
	}

	s.signal(sessionID, true)
	s.forget(session.PipelineRunID, sessionID)

	s.events.Broadcast(protocol.DebugResumeEvent{
		Metadata:  protocol.NewMetadata(uuid.NewString(), session.PipelineRunID),
		SessionID: session.ID,
		StepIndex: stepIndex,
	})
	s.emitStatus(session, "resumed")
	return nil
}

// Abort ends a session and cancels its rerun.
func (s *Service) Abort(ctx context.Context, sessionID string) error {
	session, err := s.db.GetDebugSession(ctx, sessionID)
	if err != nil {
		return err
	}
	if session.Status.IsTerminal() {
		return nil
	}

	s.stopSidecar(ctx, session)
	session.RecordTransition(models.DebugEnded, "aborted")
	now := time.Now()
	session.EndedAt = &now
	if err := s.db.SaveDebugSession(ctx, session); err != nil {
		return err
	}

	s.signal(sessionID, false)
	s.forget(session.PipelineRunID, sessionID)

	if err := s.pipeline.Cancel(ctx, session.PipelineRunID); err != nil {
		getLog().Warn().Err(err).Str("session_id", sessionID).Msg("Failed to cancel debug rerun")
	}
	s.emitStatus(session, "aborted")
	return nil
}

// ExtendTimeout pushes the session expiry out, capped at the configured
// maximum measured from the pause.
func (s *Service) ExtendTimeout(ctx context.Context, sessionID string, extraSeconds int) (*models.DebugSession, error) {
	session, err := s.db.GetDebugSession(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	if session.Status.IsTerminal() || session.ExpiresAt == nil {
		return nil, fmt.Errorf("debug session %s has no active timeout", sessionID)
	}

	extended := session.TimeoutSeconds + extraSeconds
	if extended > session.MaxTimeoutSeconds {
		extended = session.MaxTimeoutSeconds
	}
	delta := extended - session.TimeoutSeconds
	session.TimeoutSeconds = extended
	newExpiry := session.ExpiresAt.Add(time.Duration(delta) * time.Second)
	session.ExpiresAt = &newExpiry

	if err := s.db.SaveDebugSession(ctx, session); err != nil {
		return nil, err
	}
	return session, nil
}

// SessionLogs aggregates the rerun's step logs below the paused step, so
// the operator sees everything that already ran.
func (s *Service) SessionLogs(ctx context.Context, sessionID string) (string, error) {
	session, err := s.db.GetDebugSession(ctx, sessionID)
	if err != nil {
		return "", err
	}
	stepRuns, err := s.db.GetStepRunsByPipelineRun(ctx, session.PipelineRunID)
	if err != nil {
		return "", err
	}

	var sb strings.Builder
	for _, sr := range stepRuns {
		if session.CurrentStepIndex != nil && sr.StepIndex >= *session.CurrentStepIndex {
			continue
		}
		if sr.Logs == "" {
			continue
		}
		fmt.Fprintf(&sb, "=== %s (step %d) ===\n%s", sr.StepName, sr.StepIndex, sr.Logs)
		if !strings.HasSuffix(sr.Logs, "\n") {
			sb.WriteString("\n")
		}
	}
	return sb.String(), nil
}

// StartSweeper expires overdue sessions on the configured interval.
// Repeated calls start at most one loop.
func (s *Service) StartSweeper(ctx context.Context) {
	s.sweepOnce.Do(func() {
		interval := s.cfg.SweepInterval
		if interval <= 0 {
			interval = 30 * time.Second
		}
		go func() {
			ticker := time.NewTicker(interval)
			defer ticker.Stop()
			for {
				select {
				case <-ctx.Done():
					return
				case <-ticker.C:
					s.sweepExpired(ctx)
				}
			}
		}()
	})
}

// sweepExpired times out sessions whose expiry passed while paused or
// connected. The rerun is cancelled and the workspace released.
func (s *Service) sweepExpired(ctx context.Context) {
	sessions, err := s.db.GetActiveDebugSessions(ctx)
	if err != nil {
		getLog().Error().Err(err).Msg("Debug session sweep failed")
		return
	}
	now := time.Now()
	for _, session := range sessions {
		if session.ExpiresAt == nil || session.ExpiresAt.After(now) {
			continue
		}

		s.stopSidecar(ctx, session)
		session.RecordTransition(models.DebugTimeout, "session timed out")
		session.EndedAt = &now
		if err := s.db.SaveDebugSession(ctx, session); err != nil {
			getLog().Error().Err(err).Str("session_id", session.ID).Msg("Failed to persist session timeout")
			continue
		}

		s.signal(session.ID, false)
		s.forget(session.PipelineRunID, session.ID)

		if err := s.pipeline.Cancel(ctx, session.PipelineRunID); err != nil {
			getLog().Warn().Err(err).Str("session_id", session.ID).Msg("Failed to cancel timed-out debug rerun")
		}
		s.emitStatus(session, "timed out")
		getLog().Info().Str("session_id", session.ID).Msg("Debug session timed out")
	}
}

// stopSidecar tears down the operator container if one is running.
func (s *Service) stopSidecar(ctx context.Context, session *models.DebugSession) {
	if session.SidecarContainerID == "" {
		return
	}
	if err := s.docker.RemoveContainer(ctx, session.SidecarContainerID, true); err != nil && !docker.IsNotFound(err) {
		getLog().Warn().Err(err).Str("session_id", session.ID).Msg("Failed to remove debug sidecar")
	}
	session.SidecarContainerID = ""
}

// signal releases the gate for a session, if anything is waiting.
func (s *Service) signal(sessionID string, proceed bool) {
	s.mu.Lock()
	ch := s.resumeCh[sessionID]
	s.mu.Unlock()
	if ch != nil {
		select {
		case ch <- proceed:
		default:
		}
	}
}

// forget drops the in-memory bookkeeping for a finished session.
func (s *Service) forget(runID, sessionID string) {
	s.mu.Lock()
	delete(s.byRun, runID)
	delete(s.resumeCh, sessionID)
	s.mu.Unlock()
}

func (s *Service) emitStatus(session *models.DebugSession, reason string) {
	s.events.Broadcast(protocol.DebugStatusEvent{
		Metadata:  protocol.NewMetadata(uuid.NewString(), session.PipelineRunID),
		SessionID: session.ID,
		Status:    string(session.Status),
		Reason:    reason,
	})
}
