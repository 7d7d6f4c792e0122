// Copyright (C) 2026 Lazyaf
// SPDX-License-Identifier: AGPL-3.0-or-later

package server

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/lazyaf/lazyaf/internal/config"
	"github.com/lazyaf/lazyaf/internal/gitserver"
	"github.com/lazyaf/lazyaf/internal/orchestrator/database"
	"github.com/lazyaf/lazyaf/internal/orchestrator/debug"
	"github.com/lazyaf/lazyaf/internal/orchestrator/pipeline"
	"github.com/lazyaf/lazyaf/internal/orchestrator/remote"
	"github.com/lazyaf/lazyaf/internal/orchestrator/tokens"
)

// Server is the REST + WebSocket + git smart HTTP server.
type Server struct {
	httpServer *http.Server
	registry   *ClientRegistry
}

// New creates and wires up the API server. It does NOT start listening,
// call Run() for that. The returned registry is the broadcaster the
// orchestrator publishes events through.
func New(
	cfg *config.ServerConfig,
	registry *ClientRegistry,
	db *database.GormDB,
	git *gitserver.Server,
	pipelineExec *pipeline.Executor,
	remoteExec *remote.RemoteExecutor,
	debugSvc *debug.Service,
	tokenRegistry *tokens.Registry,
) *Server {
	handlers := NewHandlers(registry, db, git, pipelineExec, debugSvc, tokenRegistry)

	r := chi.NewRouter()

	// Global middleware
	r.Use(Recovery)
	r.Use(RequestID)
	r.Use(Trace)
	r.Use(Logger)
	r.Use(CORS(cfg.AllowedOrigins))

	// REST routes. Git pushes carry pack data and are mounted outside the
	// body limit below.
	r.Route("/api/v1", func(r chi.Router) {
		r.Use(MaxBodySize(1 << 20)) // 1 MB default

		// Repositories
		r.Get("/repositories", handlers.GetRepositories)
		r.Post("/repositories", handlers.CreateRepository)
		r.Route("/repositories/{id}", func(r chi.Router) {
			r.Get("/", handlers.GetRepository)
			r.Delete("/", handlers.DeleteRepository)
			r.Get("/refs", handlers.GetRefs)

			r.Get("/cards", handlers.GetCards)
			r.Post("/cards", handlers.CreateCard)

			r.Get("/pipelines", handlers.GetPipelines)
			r.Post("/pipelines", handlers.CreatePipeline)
			r.Post("/pipelines/import", handlers.ImportPipeline)
		})

		// Cards
		r.Put("/cards/{cardId}", handlers.UpdateCard)
		r.Delete("/cards/{cardId}", handlers.DeleteCard)

		// Pipelines and runs
		r.Get("/pipelines/{pipelineId}", handlers.GetPipeline)
		r.Delete("/pipelines/{pipelineId}", handlers.DeletePipeline)
		r.Get("/pipelines/{pipelineId}/runs", handlers.GetRuns)
		r.Post("/pipelines/{pipelineId}/runs", handlers.StartRun)

		r.Get("/runs/{runId}", handlers.GetRun)
		r.Post("/runs/{runId}/cancel", handlers.CancelRun)
		r.Get("/runs/{runId}/steps", handlers.GetStepRuns)
		r.Get("/steps/{stepRunId}/logs", handlers.GetStepRunLogs)
		r.Post("/steps/{stepRunId}/logs", handlers.AppendStepRunLogs)

		// Workers
		r.Get("/workers", handlers.GetWorkers)

		// Debug sessions
		r.Post("/debug/sessions", handlers.CreateDebugSession)
		r.Route("/debug/sessions/{sessionId}", func(r chi.Router) {
			r.Get("/", handlers.GetDebugSession)
			r.Post("/connect", handlers.ConnectDebugSession)
			r.Post("/resume", handlers.ResumeDebugSession)
			r.Post("/abort", handlers.AbortDebugSession)
			r.Post("/extend", handlers.ExtendDebugSession)
			r.Get("/logs", handlers.GetDebugSessionLogs)
		})
	})

	// WebSockets
	r.Get("/ws", HandleObserverSocket(registry, cfg.AllowedOrigins))
	r.Get("/ws/worker", HandleWorkerSocket(remoteExec))

	// Git smart HTTP
	r.Mount("/git", git.Routes())

	addr := fmt.Sprintf("%s:%d", cfg.Host, cfg.Port)

	return &Server{
		httpServer: &http.Server{
			Addr:              addr,
			Handler:           r,
			ReadHeaderTimeout: 5 * time.Second,
			IdleTimeout:       60 * time.Second,
		},
		registry: registry,
	}
}

// Run starts the HTTP server. Blocks until the server is shut down or the
// context is cancelled.
func (s *Server) Run(ctx context.Context) error {
	errCh := make(chan error, 1)
	go func() {
		getLog().Info().Str("addr", s.httpServer.Addr).Msg("HTTP server listening")
		if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
			return
		}
		errCh <- nil
	}()

	select {
	case <-ctx.Done():
		return s.Shutdown()
	case err := <-errCh:
		return err
	}
}

// Shutdown gracefully stops the HTTP server.
func (s *Server) Shutdown() error {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return s.httpServer.Shutdown(ctx)
}
