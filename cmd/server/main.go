// Copyright (C) 2026 Lazyaf
// SPDX-License-Identifier: AGPL-3.0-or-later

package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/lazyaf/lazyaf/internal/config"
	"github.com/lazyaf/lazyaf/internal/gitserver"
	"github.com/lazyaf/lazyaf/internal/logger"
	"github.com/lazyaf/lazyaf/internal/orchestrator/database"
	"github.com/lazyaf/lazyaf/internal/orchestrator/debug"
	"github.com/lazyaf/lazyaf/internal/orchestrator/execution"
	"github.com/lazyaf/lazyaf/internal/orchestrator/executor"
	"github.com/lazyaf/lazyaf/internal/orchestrator/pipeline"
	"github.com/lazyaf/lazyaf/internal/orchestrator/remote"
	"github.com/lazyaf/lazyaf/internal/orchestrator/tokens"
	"github.com/lazyaf/lazyaf/internal/orchestrator/workspace"
	"github.com/lazyaf/lazyaf/internal/server"
	"github.com/lazyaf/lazyaf/internal/tracing"
	"github.com/lazyaf/lazyaf/pkg/containers/docker"
)

func main() {
	configPath := ""
	if len(os.Args) > 1 {
		configPath = os.Args[1]
	}

	cfg, err := config.NewConfig(configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error loading config: %v\n", err)
		os.Exit(1)
	}

	if err := logger.Initialize(&cfg.Log); err != nil {
		fmt.Fprintf(os.Stderr, "Error initializing logger: %v\n", err)
		os.Exit(1)
	}
	defer logger.CloseGlobal()

	mainLog := logger.GetLogger("main")
	mainLog.Info().Msg("Starting lazyaf orchestrator")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	shutdownTracing, err := tracing.Setup(ctx, &cfg.Tracing)
	if err != nil {
		mainLog.Error().Err(err).Msg("Error setting up tracing")
		os.Exit(1)
	}
	defer shutdownTracing(context.Background())

	db, err := database.NewGormDB(&cfg.Database)
	if err != nil {
		mainLog.Error().Err(err).Msg("Error opening database")
		os.Exit(1)
	}
	defer db.Close()
	if err := db.AutoMigrate(); err != nil {
		mainLog.Error().Err(err).Msg("Error migrating database")
		os.Exit(1)
	}

	dockerClient, err := docker.NewClientWithHost(cfg.Container.DockerHost)
	if err != nil {
		mainLog.Error().Err(err).Msg("Error connecting to docker")
		os.Exit(1)
	}
	defer dockerClient.Close()

	git, err := gitserver.NewServer(&cfg.Git)
	if err != nil {
		mainLog.Error().Err(err).Msg("Error initializing git server")
		os.Exit(1)
	}

	registry := server.NewClientRegistry()

	workspaces := workspace.NewManager(db, dockerClient, &cfg.Workspace)
	store := execution.NewStore(db)
	localExec := executor.NewLocalExecutor(store, dockerClient, workspaces, cfg)
	remoteExec := remote.NewRemoteExecutor(store, db, &cfg.Remote, cfg.Server.BaseURL, registry)
	router := executor.NewRouter(cfg.Remote.Enabled)
	tokenRegistry := tokens.NewRegistry()

	pipelineExec := pipeline.NewExecutor(
		db, store, localExec, remoteExec, router,
		workspaces, tokenRegistry, git, registry, cfg,
	)

	debugSvc := debug.NewService(db, pipelineExec, dockerClient, registry, &cfg.Debug)
	pipelineExec.SetStepGate(debugSvc)

	// Startup recovery: anything that was in flight when the last process
	// died is either reconciled or failed cleanly.
	if err := db.MarkAllWorkersDisconnected(ctx); err != nil {
		mainLog.Error().Err(err).Msg("Error resetting worker records")
	}
	if n, err := store.FailOrphans(ctx); err != nil {
		mainLog.Error().Err(err).Msg("Error failing orphaned executions")
	} else if n > 0 {
		mainLog.Info().Int("count", n).Msg("Failed orphaned executions")
	}
	if n, err := localExec.RecoverOrphans(ctx); err != nil {
		mainLog.Error().Err(err).Msg("Error removing orphaned containers")
	} else if n > 0 {
		mainLog.Info().Int("count", n).Msg("Removed orphaned containers")
	}

	// Background loops
	workspaces.StartSweeper(ctx)
	debugSvc.StartSweeper(ctx)
	tokenRegistry.StartSweeper(ctx, time.Minute)
	if cfg.Remote.Enabled {
		remoteExec.StartMonitor(ctx)
	}

	srv := server.New(&cfg.Server, registry, db, git, pipelineExec, remoteExec, debugSvc, tokenRegistry)

	serverErrChan := make(chan error, 1)
	go func() {
		serverErrChan <- srv.Run(ctx)
	}()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)

	select {
	case sig := <-sigChan:
		mainLog.Info().Msgf("Received signal %v, shutting down...", sig)
	case err := <-serverErrChan:
		if err != nil {
			mainLog.Error().Err(err).Msg("Server error")
		}
	}

	if err := srv.Shutdown(); err != nil {
		mainLog.Error().Err(err).Msg("Error shutting down server")
	}

	cancel()
	pipelineExec.Wait()

	mainLog.Info().Msg("Orchestrator shut down")
}
