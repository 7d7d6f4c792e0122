// Copyright (C) 2026 Lazyaf
// SPDX-License-Identifier: AGPL-3.0-or-later

package database

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/lazyaf/lazyaf/internal/config"
	"github.com/lazyaf/lazyaf/internal/orchestrator/models"

	"gorm.io/driver/postgres"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

// GormDB wraps the GORM database connection
type GormDB struct {
	db *gorm.DB
}

// NewGormDB creates a new GORM database connection
func NewGormDB(cfg *config.DatabaseConfig) (*GormDB, error) {
	var dialector gorm.Dialector

	switch cfg.Driver {
	case "sqlite":
		dialector = sqlite.Open(cfg.GetDSN())
	case "postgres":
		dialector = postgres.Open(cfg.GetDSN())
	default:
		return nil, fmt.Errorf("unsupported database driver: %s", cfg.Driver)
	}

	db, err := gorm.Open(dialector, &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent), // Reduce GORM log noise
	})
	if err != nil {
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	return &GormDB{db: db}, nil
}

// AutoMigrate runs database migrations
func (db *GormDB) AutoMigrate() error {
	return db.db.AutoMigrate(
		&models.Repository{},
		&models.Card{},
		&models.Pipeline{},
		&models.PipelineRun{},
		&models.StepRun{},
		&models.Job{},
		&models.StepExecution{},
		&models.Worker{},
		&models.Workspace{},
		&models.DebugSession{},
	)
}

// Close closes the database connection
func (db *GormDB) Close() error {
	sqlDB, err := db.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

// IsNotFound reports whether err is the record-not-found sentinel.
func IsNotFound(err error) bool {
	return errors.Is(err, gorm.ErrRecordNotFound)
}

// --- Repositories and cards ---

// CreateRepository creates a new repository record
func (db *GormDB) CreateRepository(ctx context.Context, repo *models.Repository) error {
	return db.db.WithContext(ctx).Create(repo).Error
}

// GetRepository retrieves a single repository by ID
func (db *GormDB) GetRepository(ctx context.Context, repoID string) (*models.Repository, error) {
	var repo models.Repository
	err := db.db.WithContext(ctx).First(&repo, "id = ?", repoID).Error
	if err != nil {
		return nil, err
	}
	return &repo, nil
}

// GetAllRepositories retrieves all repositories, most recently updated first
func (db *GormDB) GetAllRepositories(ctx context.Context) ([]*models.Repository, error) {
	var repos []*models.Repository
	err := db.db.WithContext(ctx).
		Order("last_updated_at DESC").
		Find(&repos).Error
	if err != nil {
		return nil, err
	}
	return repos, nil
}

// UpdateRepository updates repository details
func (db *GormDB) UpdateRepository(ctx context.Context, repoID string, fields map[string]any) error {
	return db.db.WithContext(ctx).Model(&models.Repository{}).
		Where("id = ?", repoID).
		Updates(fields).Error
}

// DeleteRepository deletes a repository
func (db *GormDB) DeleteRepository(ctx context.Context, repoID string) error {
	return db.db.WithContext(ctx).Delete(&models.Repository{}, "id = ?", repoID).Error
}

// CreateCard creates a new card
func (db *GormDB) CreateCard(ctx context.Context, card *models.Card) error {
	return db.db.WithContext(ctx).Create(card).Error
}

// GetCard retrieves a single card by ID
func (db *GormDB) GetCard(ctx context.Context, cardID string) (*models.Card, error) {
	var card models.Card
	err := db.db.WithContext(ctx).First(&card, "id = ?", cardID).Error
	if err != nil {
		return nil, err
	}
	return &card, nil
}

// GetCardsByRepository retrieves all cards for a repository
func (db *GormDB) GetCardsByRepository(ctx context.Context, repoID string) ([]*models.Card, error) {
	var cards []*models.Card
	err := db.db.WithContext(ctx).Where("repository_id = ?", repoID).
		Order("last_updated_at DESC").
		Find(&cards).Error
	if err != nil {
		return nil, err
	}
	return cards, nil
}

// UpdateCardStatus updates a card's status
func (db *GormDB) UpdateCardStatus(ctx context.Context, cardID string, status models.CardStatus) error {
	return db.db.WithContext(ctx).Model(&models.Card{}).
		Where("id = ?", cardID).
		Update("status", status).Error
}

// UpdateCard updates card fields
func (db *GormDB) UpdateCard(ctx context.Context, cardID string, fields map[string]any) error {
	return db.db.WithContext(ctx).Model(&models.Card{}).
		Where("id = ?", cardID).
		Updates(fields).Error
}

// DeleteCard deletes a card
func (db *GormDB) DeleteCard(ctx context.Context, cardID string) error {
	return db.db.WithContext(ctx).Delete(&models.Card{}, "id = ?", cardID).Error
}

// --- Pipelines ---

// CreatePipeline creates a new pipeline
func (db *GormDB) CreatePipeline(ctx context.Context, pipeline *models.Pipeline) error {
	return db.db.WithContext(ctx).Create(pipeline).Error
}

// GetPipeline retrieves a single pipeline by ID
func (db *GormDB) GetPipeline(ctx context.Context, pipelineID string) (*models.Pipeline, error) {
	var pipeline models.Pipeline
	err := db.db.WithContext(ctx).First(&pipeline, "id = ?", pipelineID).Error
	if err != nil {
		return nil, err
	}
	return &pipeline, nil
}

// GetPipelinesByRepository retrieves all pipelines for a repository
func (db *GormDB) GetPipelinesByRepository(ctx context.Context, repoID string) ([]*models.Pipeline, error) {
	var pipelines []*models.Pipeline
	err := db.db.WithContext(ctx).Where("repository_id = ?", repoID).
		Order("created_at ASC").
		Find(&pipelines).Error
	if err != nil {
		return nil, err
	}
	return pipelines, nil
}

// UpdatePipeline replaces a pipeline's definition
func (db *GormDB) UpdatePipeline(ctx context.Context, pipeline *models.Pipeline) error {
	return db.db.WithContext(ctx).Save(pipeline).Error
}

// DeletePipeline deletes a pipeline
func (db *GormDB) DeletePipeline(ctx context.Context, pipelineID string) error {
	return db.db.WithContext(ctx).Delete(&models.Pipeline{}, "id = ?", pipelineID).Error
}

// --- Pipeline runs and step runs ---

// CreatePipelineRun creates a new pipeline run
func (db *GormDB) CreatePipelineRun(ctx context.Context, run *models.PipelineRun) error {
	return db.db.WithContext(ctx).Create(run).Error
}

// GetPipelineRun retrieves a single pipeline run by ID
func (db *GormDB) GetPipelineRun(ctx context.Context, runID string) (*models.PipelineRun, error) {
	var run models.PipelineRun
	err := db.db.WithContext(ctx).First(&run, "id = ?", runID).Error
	if err != nil {
		return nil, err
	}
	return &run, nil
}

// GetPipelineRunsByPipeline retrieves runs for a pipeline, newest first
func (db *GormDB) GetPipelineRunsByPipeline(ctx context.Context, pipelineID string) ([]*models.PipelineRun, error) {
	var runs []*models.PipelineRun
	err := db.db.WithContext(ctx).Where("pipeline_id = ?", pipelineID).
		Order("created_at DESC").
		Find(&runs).Error
	if err != nil {
		return nil, err
	}
	return runs, nil
}

// SavePipelineRun persists all fields of a run
func (db *GormDB) SavePipelineRun(ctx context.Context, run *models.PipelineRun) error {
	return db.db.WithContext(ctx).Save(run).Error
}

// UpdatePipelineRunStatus updates a run's status and error
func (db *GormDB) UpdatePipelineRunStatus(ctx context.Context, runID string, status models.PipelineRunStatus, errMsg string) error {
	fields := map[string]any{"status": status}
	if errMsg != "" {
		fields["error"] = errMsg
	}
	if status.IsTerminal() {
		now := time.Now()
		fields["completed_at"] = &now
	}
	return db.db.WithContext(ctx).Model(&models.PipelineRun{}).
		Where("id = ?", runID).
		Updates(fields).Error
}

// CreateStepRun creates a new step run
func (db *GormDB) CreateStepRun(ctx context.Context, stepRun *models.StepRun) error {
	return db.db.WithContext(ctx).Create(stepRun).Error
}

// GetStepRun retrieves a single step run by ID
func (db *GormDB) GetStepRun(ctx context.Context, stepRunID string) (*models.StepRun, error) {
	var stepRun models.StepRun
	err := db.db.WithContext(ctx).First(&stepRun, "id = ?", stepRunID).Error
	if err != nil {
		return nil, err
	}
	return &stepRun, nil
}

// GetStepRunsByPipelineRun retrieves all step runs for a run in index order
func (db *GormDB) GetStepRunsByPipelineRun(ctx context.Context, runID string) ([]*models.StepRun, error) {
	var stepRuns []*models.StepRun
	err := db.db.WithContext(ctx).Where("pipeline_run_id = ?", runID).
		Order("step_index ASC, created_at ASC").
		Find(&stepRuns).Error
	if err != nil {
		return nil, err
	}
	return stepRuns, nil
}

// SaveStepRun persists all fields of a step run
func (db *GormDB) SaveStepRun(ctx context.Context, stepRun *models.StepRun) error {
	return db.db.WithContext(ctx).Save(stepRun).Error
}

// AppendStepRunLogs appends log lines to a step run's stored log text
func (db *GormDB) AppendStepRunLogs(ctx context.Context, stepRunID, text string) error {
	return db.db.WithContext(ctx).Model(&models.StepRun{}).
		Where("id = ?", stepRunID).
		Update("logs", gorm.Expr("COALESCE(logs, '') || ?", text)).Error
}

// CreateJob creates a new job
func (db *GormDB) CreateJob(ctx context.Context, job *models.Job) error {
	return db.db.WithContext(ctx).Create(job).Error
}

// GetJob retrieves a single job by ID
func (db *GormDB) GetJob(ctx context.Context, jobID string) (*models.Job, error) {
	var job models.Job
	err := db.db.WithContext(ctx).First(&job, "id = ?", jobID).Error
	if err != nil {
		return nil, err
	}
	return &job, nil
}

// UpdateJobStatus updates a job's status and error
func (db *GormDB) UpdateJobStatus(ctx context.Context, jobID string, status models.JobStatus, errMsg string) error {
	fields := map[string]any{"status": status}
	if errMsg != "" {
		fields["error"] = errMsg
	}
	return db.db.WithContext(ctx).Model(&models.Job{}).
		Where("id = ?", jobID).
		Updates(fields).Error
}

// --- Step executions (idempotency store) ---

// GetOrCreateStepExecution inserts a new execution row for key, or returns
// the existing one when the key already exists. The unique index on
// execution_key makes concurrent dispatches converge on a single winner;
// the loser reloads the winner's row. The bool is true when this call
// created the row.
func (db *GormDB) GetOrCreateStepExecution(ctx context.Context, exec *models.StepExecution) (*models.StepExecution, bool, error) {
	err := db.db.WithContext(ctx).Create(exec).Error
	if err == nil {
		return exec, true, nil
	}

	existing, lookupErr := db.GetStepExecutionByKey(ctx, exec.ExecutionKey)
	if lookupErr != nil {
		return nil, false, fmt.Errorf("failed to create step execution %s: %w", exec.ExecutionKey, err)
	}
	return existing, false, nil
}

// GetStepExecutionByKey retrieves an execution by its idempotency key
func (db *GormDB) GetStepExecutionByKey(ctx context.Context, key string) (*models.StepExecution, error) {
	var exec models.StepExecution
	err := db.db.WithContext(ctx).First(&exec, "execution_key = ?", key).Error
	if err != nil {
		return nil, err
	}
	return &exec, nil
}

// GetStepExecution retrieves a single execution by ID
func (db *GormDB) GetStepExecution(ctx context.Context, execID string) (*models.StepExecution, error) {
	var exec models.StepExecution
	err := db.db.WithContext(ctx).First(&exec, "id = ?", execID).Error
	if err != nil {
		return nil, err
	}
	return &exec, nil
}

// GetStepExecutionsByRun retrieves all executions for a pipeline run
func (db *GormDB) GetStepExecutionsByRun(ctx context.Context, runID string) ([]*models.StepExecution, error) {
	var execs []*models.StepExecution
	err := db.db.WithContext(ctx).Where("pipeline_run_id = ?", runID).
		Order("step_index ASC, attempt ASC").
		Find(&execs).Error
	if err != nil {
		return nil, err
	}
	return execs, nil
}

// GetLatestExecutionForStepRun retrieves the highest-attempt execution for a step run
func (db *GormDB) GetLatestExecutionForStepRun(ctx context.Context, stepRunID string) (*models.StepExecution, error) {
	var exec models.StepExecution
	err := db.db.WithContext(ctx).
		Where("step_run_id = ?", stepRunID).
		Order("attempt DESC").
		First(&exec).Error
	if err != nil {
		return nil, err
	}
	return &exec, nil
}

// SaveStepExecution persists all fields of an execution
func (db *GormDB) SaveStepExecution(ctx context.Context, exec *models.StepExecution) error {
	return db.db.WithContext(ctx).Save(exec).Error
}

// GetNonTerminalExecutions retrieves every execution still in flight.
// Used at startup to fail orphans from a previous process.
func (db *GormDB) GetNonTerminalExecutions(ctx context.Context) ([]*models.StepExecution, error) {
	var execs []*models.StepExecution
	err := db.db.WithContext(ctx).
		Where("state NOT IN ?", []models.StepExecutionState{
			models.ExecutionCompleted, models.ExecutionFailed, models.ExecutionCancelled,
		}).
		Find(&execs).Error
	if err != nil {
		return nil, err
	}
	return execs, nil
}

// GetExecutionsByRunner retrieves non-terminal executions held by a runner
func (db *GormDB) GetExecutionsByRunner(ctx context.Context, runnerID string) ([]*models.StepExecution, error) {
	var execs []*models.StepExecution
	err := db.db.WithContext(ctx).
		Where("runner_id = ? AND state NOT IN ?", runnerID, []models.StepExecutionState{
			models.ExecutionCompleted, models.ExecutionFailed, models.ExecutionCancelled,
		}).
		Find(&execs).Error
	if err != nil {
		return nil, err
	}
	return execs, nil
}

// --- Workers ---

// UpsertWorker creates or updates a worker record keyed by its persistent ID
func (db *GormDB) UpsertWorker(ctx context.Context, worker *models.Worker) error {
	return db.db.WithContext(ctx).Save(worker).Error
}

// GetWorker retrieves a single worker by ID
func (db *GormDB) GetWorker(ctx context.Context, workerID string) (*models.Worker, error) {
	var worker models.Worker
	err := db.db.WithContext(ctx).First(&worker, "id = ?", workerID).Error
	if err != nil {
		return nil, err
	}
	return &worker, nil
}

// GetAllWorkers retrieves all workers
func (db *GormDB) GetAllWorkers(ctx context.Context) ([]*models.Worker, error) {
	var workers []*models.Worker
	err := db.db.WithContext(ctx).Order("created_at ASC").Find(&workers).Error
	if err != nil {
		return nil, err
	}
	return workers, nil
}

// UpdateWorkerStatus updates a worker's status. CurrentStep is updated only
// when provided so the step a dead worker held stays recoverable.
func (db *GormDB) UpdateWorkerStatus(ctx context.Context, workerID string, status models.WorkerStatus, fields map[string]any) error {
	if fields == nil {
		fields = map[string]any{}
	}
	fields["status"] = status
	return db.db.WithContext(ctx).Model(&models.Worker{}).
		Where("id = ?", workerID).
		Updates(fields).Error
}

// TouchWorkerHeartbeat records a heartbeat without changing worker status
func (db *GormDB) TouchWorkerHeartbeat(ctx context.Context, workerID string, at time.Time) error {
	return db.db.WithContext(ctx).Model(&models.Worker{}).
		Where("id = ?", workerID).
		Update("last_heartbeat", at).Error
}

// MarkAllWorkersDisconnected moves every worker to disconnected.
// Called at startup: no duplex channel survives a process restart.
func (db *GormDB) MarkAllWorkersDisconnected(ctx context.Context) error {
	return db.db.WithContext(ctx).Model(&models.Worker{}).
		Where("status IN ?", []models.WorkerStatus{
			models.WorkerIdle, models.WorkerAssigned, models.WorkerWorking,
		}).
		Update("status", models.WorkerDisconnected).Error
}

// --- Workspaces ---

// CreateWorkspace creates a new workspace record
func (db *GormDB) CreateWorkspace(ctx context.Context, ws *models.Workspace) error {
	return db.db.WithContext(ctx).Create(ws).Error
}

// GetWorkspace retrieves a single workspace by ID
func (db *GormDB) GetWorkspace(ctx context.Context, wsID string) (*models.Workspace, error) {
	var ws models.Workspace
	err := db.db.WithContext(ctx).First(&ws, "id = ?", wsID).Error
	if err != nil {
		return nil, err
	}
	return &ws, nil
}

// GetWorkspaceByRun retrieves the workspace for a pipeline run
func (db *GormDB) GetWorkspaceByRun(ctx context.Context, runID string) (*models.Workspace, error) {
	var ws models.Workspace
	err := db.db.WithContext(ctx).First(&ws, "pipeline_run_id = ?", runID).Error
	if err != nil {
		return nil, err
	}
	return &ws, nil
}

// GetWorkspacesByStatus retrieves all workspaces in the given statuses
func (db *GormDB) GetWorkspacesByStatus(ctx context.Context, statuses ...models.WorkspaceStatus) ([]*models.Workspace, error) {
	var wss []*models.Workspace
	err := db.db.WithContext(ctx).Where("status IN ?", statuses).Find(&wss).Error
	if err != nil {
		return nil, err
	}
	return wss, nil
}

// SaveWorkspace persists all fields of a workspace
func (db *GormDB) SaveWorkspace(ctx context.Context, ws *models.Workspace) error {
	return db.db.WithContext(ctx).Save(ws).Error
}

// --- Debug sessions ---

// CreateDebugSession creates a new debug session
func (db *GormDB) CreateDebugSession(ctx context.Context, session *models.DebugSession) error {
	return db.db.WithContext(ctx).Create(session).Error
}

// GetDebugSession retrieves a single debug session by ID
func (db *GormDB) GetDebugSession(ctx context.Context, sessionID string) (*models.DebugSession, error) {
	var session models.DebugSession
	err := db.db.WithContext(ctx).First(&session, "id = ?", sessionID).Error
	if err != nil {
		return nil, err
	}
	return &session, nil
}

// GetDebugSessionByRun retrieves the debug session owning a pipeline run
func (db *GormDB) GetDebugSessionByRun(ctx context.Context, runID string) (*models.DebugSession, error) {
	var session models.DebugSession
	err := db.db.WithContext(ctx).First(&session, "pipeline_run_id = ?", runID).Error
	if err != nil {
		return nil, err
	}
	return &session, nil
}

// GetActiveDebugSessions retrieves every non-terminal debug session
func (db *GormDB) GetActiveDebugSessions(ctx context.Context) ([]*models.DebugSession, error) {
	var sessions []*models.DebugSession
	err := db.db.WithContext(ctx).
		Where("status NOT IN ?", []models.DebugSessionStatus{
			models.DebugEnded, models.DebugTimeout,
		}).
		Find(&sessions).Error
	if err != nil {
		return nil, err
	}
	return sessions, nil
}

// SaveDebugSession persists all fields of a debug session
func (db *GormDB) SaveDebugSession(ctx context.Context, session *models.DebugSession) error {
	return db.db.WithContext(ctx).Save(session).Error
}
