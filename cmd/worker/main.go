// Copyright (C) 2026 Lazyaf
// SPDX-License-Identifier: AGPL-3.0-or-later

package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/lazyaf/lazyaf/internal/config"
	"github.com/lazyaf/lazyaf/internal/logger"
	"github.com/lazyaf/lazyaf/internal/runner"
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

	dockerClient, err := docker.NewClientWithHost(cfg.Container.DockerHost)
	if err != nil {
		mainLog.Error().Err(err).Msg("Error connecting to docker")
		os.Exit(1)
	}
	defer dockerClient.Close()

	r, err := runner.New(&cfg.Runner, &cfg.Container, dockerClient)
	if err != nil {
		mainLog.Error().Err(err).Msg("Error creating runner")
		os.Exit(1)
	}
	mainLog.Info().Str("runner_id", r.ID()).Msg("Starting lazyaf worker")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go func() {
		sigChan := make(chan os.Signal, 1)
		signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
		sig := <-sigChan
		mainLog.Info().Msgf("Received signal %v, shutting down...", sig)
		cancel()
	}()

	if err := r.Run(ctx); err != nil && err != context.Canceled {
		mainLog.Error().Err(err).Msg("Worker stopped with error")
		os.Exit(1)
	}

	mainLog.Info().Msg("Worker shut down")
}
