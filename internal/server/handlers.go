// Copyright (C) 2026 Lazyaf
// SPDX-License-Identifier: AGPL-3.0-or-later

package server

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"gopkg.in/yaml.v3"

	"github.com/lazyaf/lazyaf/internal/gitserver"
	"github.com/lazyaf/lazyaf/internal/orchestrator/database"
	"github.com/lazyaf/lazyaf/internal/orchestrator/debug"
	"github.com/lazyaf/lazyaf/internal/orchestrator/models"
	"github.com/lazyaf/lazyaf/internal/orchestrator/pipeline"
	"github.com/lazyaf/lazyaf/internal/orchestrator/tokens"
	"github.com/lazyaf/lazyaf/internal/protocol"
)

// Handlers holds dependencies for HTTP handlers.
type Handlers struct {
	broadcaster *ClientRegistry
	db          *database.GormDB
	git         *gitserver.Server
	pipeline    *pipeline.Executor
	debug       *debug.Service
	tokens      *tokens.Registry
}

// NewHandlers creates the handler set.
func NewHandlers(broadcaster *ClientRegistry, db *database.GormDB, git *gitserver.Server, pipelineExec *pipeline.Executor, debugSvc *debug.Service, tokenRegistry *tokens.Registry) *Handlers {
	return &Handlers{broadcaster: broadcaster, db: db, git: git, pipeline: pipelineExec, debug: debugSvc, tokens: tokenRegistry}
}

// --- helpers ---

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		getLog().Error().Err(err).Msg("Failed to encode JSON response")
	}
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

// writeServiceError maps a service failure onto an HTTP status.
func writeServiceError(w http.ResponseWriter, err error) {
	switch {
	case database.IsNotFound(err):
		writeError(w, http.StatusNotFound, err.Error())
	case errors.Is(err, debug.ErrBadToken):
		writeError(w, http.StatusForbidden, err.Error())
	default:
		writeError(w, http.StatusInternalServerError, err.Error())
	}
}

// --- repositories ---

// createRepositoryRequest is the JSON body for repository creation.
type createRepositoryRequest struct {
	Name          string `json:"name"`
	Description   string `json:"description"`
	DefaultBranch string `json:"default_branch"`
}

// CreateRepository handles POST /api/v1/repositories
func (h *Handlers) CreateRepository(w http.ResponseWriter, r *http.Request) {
	var body createRepositoryRequest
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid JSON body")
		return
	}
	body.Name = strings.TrimSpace(body.Name)
	if body.Name == "" {
		writeError(w, http.StatusBadRequest, "name is required")
		return
	}
	if body.DefaultBranch == "" {
		body.DefaultBranch = h.git.DefaultBranch()
	}

	repo := &models.Repository{
		ID:            uuid.NewString(),
		Name:          body.Name,
		Description:   body.Description,
		DefaultBranch: body.DefaultBranch,
	}
	if err := h.git.CreateRepository(r.Context(), repo.ID); err != nil {
		writeServiceError(w, err)
		return
	}
	if err := h.db.CreateRepository(r.Context(), repo); err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, repo)
}

// GetRepositories handles GET /api/v1/repositories
func (h *Handlers) GetRepositories(w http.ResponseWriter, r *http.Request) {
	repos, err := h.db.GetAllRepositories(r.Context())
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, repos)
}

// GetRepository handles GET /api/v1/repositories/{id}
func (h *Handlers) GetRepository(w http.ResponseWriter, r *http.Request) {
	repo, err := h.db.GetRepository(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, repo)
}

// DeleteRepository handles DELETE /api/v1/repositories/{id}
func (h *Handlers) DeleteRepository(w http.ResponseWriter, r *http.Request) {
	repoID := chi.URLParam(r, "id")
	if err := h.db.DeleteRepository(r.Context(), repoID); err != nil {
		writeServiceError(w, err)
		return
	}
	if err := h.git.DeleteRepository(r.Context(), repoID); err != nil {
		getLog().Warn().Err(err).Str("repo_id", repoID).Msg("Failed to delete bare repository")
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "deleted"})
}

// GetRefs handles GET /api/v1/repositories/{id}/refs
func (h *Handlers) GetRefs(w http.ResponseWriter, r *http.Request) {
	repoID := chi.URLParam(r, "id")
	if _, err := h.db.GetRepository(r.Context(), repoID); err != nil {
		writeServiceError(w, err)
		return
	}
	refs, err := h.git.GetRefs(r.Context(), repoID)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, refs)
}

// --- cards ---

// createCardRequest is the JSON body for card creation.
type createCardRequest struct {
	Title       string           `json:"title"`
	Description string           `json:"description"`
	StepType    string           `json:"step_type,omitempty"`
	StepConfig  models.ConfigMap `json:"step_config,omitempty"`
}

// CreateCard handles POST /api/v1/repositories/{id}/cards
func (h *Handlers) CreateCard(w http.ResponseWriter, r *http.Request) {
	repoID := chi.URLParam(r, "id")
	var body createCardRequest
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid JSON body")
		return
	}
	body.Title = strings.TrimSpace(body.Title)
	if body.Title == "" {
		writeError(w, http.StatusBadRequest, "title is required")
		return
	}

	card := &models.Card{
		ID:           uuid.NewString(),
		RepositoryID: repoID,
		Title:        body.Title,
		Description:  body.Description,
		Status:       models.CardStatusTodo,
		StepType:     body.StepType,
		StepConfig:   body.StepConfig,
	}
	if err := h.db.CreateCard(r.Context(), card); err != nil {
		writeServiceError(w, err)
		return
	}
	h.broadcaster.Broadcast(protocol.CardUpdatedEvent{
		Metadata: protocol.NewMetadata(uuid.NewString(), ""),
		CardID:   card.ID,
		Status:   string(card.Status),
	})
	writeJSON(w, http.StatusCreated, card)
}

// GetCards handles GET /api/v1/repositories/{id}/cards
func (h *Handlers) GetCards(w http.ResponseWriter, r *http.Request) {
	cards, err := h.db.GetCardsByRepository(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, cards)
}

// updateCardRequest is the JSON body for card updates.
type updateCardRequest struct {
	Title       *string `json:"title,omitempty"`
	Description *string `json:"description,omitempty"`
	Status      *string `json:"status,omitempty"`
}

// UpdateCard handles PUT /api/v1/cards/{cardId}
func (h *Handlers) UpdateCard(w http.ResponseWriter, r *http.Request) {
	cardID := chi.URLParam(r, "cardId")
	var body updateCardRequest
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid JSON body")
		return
	}

	fields := map[string]any{}
	if body.Title != nil {
		fields["title"] = strings.TrimSpace(*body.Title)
	}
	if body.Description != nil {
		fields["description"] = *body.Description
	}
	if body.Status != nil {
		fields["status"] = models.CardStatus(*body.Status)
	}
	if len(fields) == 0 {
		writeError(w, http.StatusBadRequest, "no fields to update")
		return
	}
	if err := h.db.UpdateCard(r.Context(), cardID, fields); err != nil {
		writeServiceError(w, err)
		return
	}

	card, err := h.db.GetCard(r.Context(), cardID)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	h.broadcaster.Broadcast(protocol.CardUpdatedEvent{
		Metadata: protocol.NewMetadata(uuid.NewString(), card.PipelineRunID),
		CardID:   card.ID,
		Status:   string(card.Status),
		Branch:   card.Branch,
		PRURL:    card.PRURL,
	})
	writeJSON(w, http.StatusOK, card)
}

// DeleteCard handles DELETE /api/v1/cards/{cardId}
func (h *Handlers) DeleteCard(w http.ResponseWriter, r *http.Request) {
	cardID := chi.URLParam(r, "cardId")
	if err := h.db.DeleteCard(r.Context(), cardID); err != nil {
		writeServiceError(w, err)
		return
	}
	h.broadcaster.Broadcast(protocol.CardDeletedEvent{
		Metadata: protocol.NewMetadata(uuid.NewString(), ""),
		CardID:   cardID,
	})
	writeJSON(w, http.StatusOK, map[string]string{"status": "deleted"})
}

// --- pipelines ---

// createPipelineRequest is the JSON body for pipeline creation. Either a
// graph or a linear steps list must be given.
type createPipelineRequest struct {
	Name        string                `json:"name"`
	Description string                `json:"description"`
	Graph       *models.PipelineGraph `json:"graph,omitempty"`
	Steps       models.LegacySteps    `json:"steps,omitempty"`
}

// CreatePipeline handles POST /api/v1/repositories/{id}/pipelines
func (h *Handlers) CreatePipeline(w http.ResponseWriter, r *http.Request) {
	repoID := chi.URLParam(r, "id")
	var body createPipelineRequest
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid JSON body")
		return
	}
	h.createPipeline(w, r, repoID, body)
}

func (h *Handlers) createPipeline(w http.ResponseWriter, r *http.Request, repoID string, body createPipelineRequest) {
	body.Name = strings.TrimSpace(body.Name)
	if body.Name == "" {
		writeError(w, http.StatusBadRequest, "name is required")
		return
	}
	if body.Graph == nil && len(body.Steps) == 0 {
		writeError(w, http.StatusBadRequest, "either graph or steps is required")
		return
	}
	if body.Graph != nil && len(body.Steps) > 0 {
		writeError(w, http.StatusBadRequest, "graph and steps are mutually exclusive")
		return
	}
	if _, err := h.db.GetRepository(r.Context(), repoID); err != nil {
		writeServiceError(w, err)
		return
	}

	p := &models.Pipeline{
		ID:           uuid.NewString(),
		RepositoryID: repoID,
		Name:         body.Name,
		Description:  body.Description,
	}
	if body.Graph != nil {
		if err := body.Graph.Validate(); err != nil {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
		p.Graph = *body.Graph
	} else {
		for i, step := range body.Steps {
			if !step.Type.Valid() {
				writeError(w, http.StatusBadRequest, "step "+step.Name+" has invalid type")
				return
			}
			if strings.TrimSpace(step.Name) == "" {
				body.Steps[i].Name = models.LegacyStepID(i)
			}
		}
		p.Legacy = true
		p.LegacySteps = body.Steps
	}

	if err := h.db.CreatePipeline(r.Context(), p); err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, p)
}

// yamlPipeline is the YAML import document: the linear pipeline form.
type yamlPipeline struct {
	Name        string     `yaml:"name"`
	Description string     `yaml:"description"`
	Steps       []yamlStep `yaml:"steps"`
}

type yamlStep struct {
	Name      string         `yaml:"name"`
	Type      string         `yaml:"type"`
	Config    map[string]any `yaml:"config"`
	OnSuccess string         `yaml:"on_success"`
	OnFailure string         `yaml:"on_failure"`
}

// ImportPipeline handles POST /api/v1/repositories/{id}/pipelines/import
// with a YAML body.
func (h *Handlers) ImportPipeline(w http.ResponseWriter, r *http.Request) {
	repoID := chi.URLParam(r, "id")
	raw, err := io.ReadAll(r.Body)
	if err != nil {
		writeError(w, http.StatusBadRequest, "failed to read body")
		return
	}

	var doc yamlPipeline
	if err := yaml.Unmarshal(raw, &doc); err != nil {
		writeError(w, http.StatusBadRequest, "invalid YAML: "+err.Error())
		return
	}

	steps := make(models.LegacySteps, len(doc.Steps))
	for i, s := range doc.Steps {
		steps[i] = models.LegacyStep{
			Name:      s.Name,
			Type:      models.StepType(s.Type),
			Config:    s.Config,
			OnSuccess: s.OnSuccess,
			OnFailure: s.OnFailure,
		}
	}

	h.createPipeline(w, r, repoID, createPipelineRequest{
		Name:        doc.Name,
		Description: doc.Description,
		Steps:       steps,
	})
}

// GetPipelines handles GET /api/v1/repositories/{id}/pipelines
func (h *Handlers) GetPipelines(w http.ResponseWriter, r *http.Request) {
	pipelines, err := h.db.GetPipelinesByRepository(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, pipelines)
}

// GetPipeline handles GET /api/v1/pipelines/{pipelineId}
func (h *Handlers) GetPipeline(w http.ResponseWriter, r *http.Request) {
	p, err := h.db.GetPipeline(r.Context(), chi.URLParam(r, "pipelineId"))
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, p)
}

// DeletePipeline handles DELETE /api/v1/pipelines/{pipelineId}
func (h *Handlers) DeletePipeline(w http.ResponseWriter, r *http.Request) {
	if err := h.db.DeletePipeline(r.Context(), chi.URLParam(r, "pipelineId")); err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "deleted"})
}

// --- runs ---

// startRunRequest is the JSON body for starting a pipeline run.
type startRunRequest struct {
	Branch string `json:"branch,omitempty"`
	SHA    string `json:"sha,omitempty"`
	CardID string `json:"card_id,omitempty"`
	OnPass string `json:"on_pass,omitempty"`
	OnFail string `json:"on_fail,omitempty"`
}

// StartRun handles POST /api/v1/pipelines/{pipelineId}/runs
func (h *Handlers) StartRun(w http.ResponseWriter, r *http.Request) {
	pipelineID := chi.URLParam(r, "pipelineId")
	var body startRunRequest
	if r.ContentLength > 0 {
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			writeError(w, http.StatusBadRequest, "Invalid JSON body")
			return
		}
	}

	run, err := h.pipeline.Start(r.Context(), pipelineID, models.TriggerContext{
		Trigger: "manual",
		Branch:  body.Branch,
		SHA:     body.SHA,
		CardID:  body.CardID,
		OnPass:  body.OnPass,
		OnFail:  body.OnFail,
	})
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, run)
}

// GetRuns handles GET /api/v1/pipelines/{pipelineId}/runs
func (h *Handlers) GetRuns(w http.ResponseWriter, r *http.Request) {
	runs, err := h.db.GetPipelineRunsByPipeline(r.Context(), chi.URLParam(r, "pipelineId"))
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, runs)
}

// GetRun handles GET /api/v1/runs/{runId}
func (h *Handlers) GetRun(w http.ResponseWriter, r *http.Request) {
	run, err := h.db.GetPipelineRun(r.Context(), chi.URLParam(r, "runId"))
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, run)
}

// CancelRun handles POST /api/v1/runs/{runId}/cancel
func (h *Handlers) CancelRun(w http.ResponseWriter, r *http.Request) {
	runID := chi.URLParam(r, "runId")
	if err := h.pipeline.Cancel(r.Context(), runID); err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "cancelled"})
}

// GetStepRuns handles GET /api/v1/runs/{runId}/steps
func (h *Handlers) GetStepRuns(w http.ResponseWriter, r *http.Request) {
	stepRuns, err := h.db.GetStepRunsByPipelineRun(r.Context(), chi.URLParam(r, "runId"))
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, stepRuns)
}

// GetStepRunLogs handles GET /api/v1/steps/{stepRunId}/logs
func (h *Handlers) GetStepRunLogs(w http.ResponseWriter, r *http.Request) {
	stepRun, err := h.db.GetStepRun(r.Context(), chi.URLParam(r, "stepRunId"))
	if err != nil {
		writeServiceError(w, err)
		return
	}
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	io.WriteString(w, stepRun.Logs)
}

// appendLogsRequest is the JSON body for the step log callback.
type appendLogsRequest struct {
	Lines []string `json:"lines"`
}

// AppendStepRunLogs handles POST /api/v1/steps/{stepRunId}/logs. The caller
// authenticates with the bearer token issued for exactly this step run.
func (h *Handlers) AppendStepRunLogs(w http.ResponseWriter, r *http.Request) {
	stepRunID := chi.URLParam(r, "stepRunId")

	token := strings.TrimPrefix(r.Header.Get("Authorization"), "Bearer ")
	if token == "" || !h.tokens.VerifyFor(stepRunID, token) {
		writeError(w, http.StatusForbidden, "invalid step token")
		return
	}

	var body appendLogsRequest
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid JSON body")
		return
	}
	if len(body.Lines) == 0 {
		writeError(w, http.StatusBadRequest, "lines is required")
		return
	}

	stepRun, err := h.db.GetStepRun(r.Context(), stepRunID)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	if err := h.db.AppendStepRunLogs(r.Context(), stepRunID, strings.Join(body.Lines, "\n")+"\n"); err != nil {
		writeServiceError(w, err)
		return
	}
	h.broadcaster.Broadcast(protocol.StepLogEvent{
		Metadata:  protocol.NewMetadata(uuid.NewString(), stepRun.PipelineRunID),
		StepRunID: stepRunID,
		Lines:     body.Lines,
	})
	writeJSON(w, http.StatusOK, map[string]string{"status": "appended"})
}

// --- workers ---

// GetWorkers handles GET /api/v1/workers
func (h *Handlers) GetWorkers(w http.ResponseWriter, r *http.Request) {
	workers, err := h.db.GetAllWorkers(r.Context())
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, workers)
}

// --- debug sessions ---

// createDebugSessionRequest is the JSON body for debug session creation.
type createDebugSessionRequest struct {
	OriginalRunID  string `json:"original_run_id"`
	Breakpoints    []int  `json:"breakpoints"`
	ConnectMode    string `json:"connect_mode,omitempty"`
	TimeoutSeconds int    `json:"timeout_seconds,omitempty"`
}

// createDebugSessionResponse carries the one-time token alongside the
// session. The token is never retrievable again.
type createDebugSessionResponse struct {
	Session *models.DebugSession `json:"session"`
	Token   string               `json:"token"`
}

// CreateDebugSession handles POST /api/v1/debug/sessions
func (h *Handlers) CreateDebugSession(w http.ResponseWriter, r *http.Request) {
	var body createDebugSessionRequest
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid JSON body")
		return
	}
	if body.OriginalRunID == "" {
		writeError(w, http.StatusBadRequest, "original_run_id is required")
		return
	}
	if len(body.Breakpoints) == 0 {
		writeError(w, http.StatusBadRequest, "breakpoints is required and must not be empty")
		return
	}
	mode := models.DebugConnectMode(body.ConnectMode)
	if mode == "" {
		mode = models.ConnectModeSidecar
	}

	session, token, err := h.debug.CreateSession(r.Context(), body.OriginalRunID, body.Breakpoints, mode, body.TimeoutSeconds)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, createDebugSessionResponse{Session: session, Token: token})
}

// GetDebugSession handles GET /api/v1/debug/sessions/{sessionId}
func (h *Handlers) GetDebugSession(w http.ResponseWriter, r *http.Request) {
	session, err := h.db.GetDebugSession(r.Context(), chi.URLParam(r, "sessionId"))
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, session)
}

// connectDebugRequest is the JSON body for connecting to a paused session.
type connectDebugRequest struct {
	Token string `json:"token"`
}

// ConnectDebugSession handles POST /api/v1/debug/sessions/{sessionId}/connect
func (h *Handlers) ConnectDebugSession(w http.ResponseWriter, r *http.Request) {
	var body connectDebugRequest
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid JSON body")
		return
	}
	session, err := h.debug.Connect(r.Context(), chi.URLParam(r, "sessionId"), body.Token)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, session)
}

// ResumeDebugSession handles POST /api/v1/debug/sessions/{sessionId}/resume
func (h *Handlers) ResumeDebugSession(w http.ResponseWriter, r *http.Request) {
	if err := h.debug.Resume(r.Context(), chi.URLParam(r, "sessionId")); err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "resumed"})
}

// AbortDebugSession handles POST /api/v1/debug/sessions/{sessionId}/abort
func (h *Handlers) AbortDebugSession(w http.ResponseWriter, r *http.Request) {
	if err := h.debug.Abort(r.Context(), chi.URLParam(r, "sessionId")); err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "aborted"})
}

// extendDebugRequest is the JSON body for extending a session timeout.
type extendDebugRequest struct {
	ExtraSeconds int `json:"extra_seconds"`
}

// ExtendDebugSession handles POST /api/v1/debug/sessions/{sessionId}/extend
func (h *Handlers) ExtendDebugSession(w http.ResponseWriter, r *http.Request) {
	var body extendDebugRequest
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid JSON body")
		return
	}
	if body.ExtraSeconds <= 0 {
		writeError(w, http.StatusBadRequest, "extra_seconds must be positive")
		return
	}
	session, err := h.debug.ExtendTimeout(r.Context(), chi.URLParam(r, "sessionId"), body.ExtraSeconds)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, session)
}

// GetDebugSessionLogs handles GET /api/v1/debug/sessions/{sessionId}/logs
func (h *Handlers) GetDebugSessionLogs(w http.ResponseWriter, r *http.Request) {
	logs, err := h.debug.SessionLogs(r.Context(), chi.URLParam(r, "sessionId"))
	if err != nil {
		writeServiceError(w, err)
		return
	}
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	io.WriteString(w, logs)
}
