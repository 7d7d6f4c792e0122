// Copyright (C) 2026 Lazyaf
// SPDX-License-Identifier: AGPL-3.0-or-later

package logger

import (
	"github.com/rs/zerolog"
)

// Static logger getters that map directly to config.yaml log.levels
// These ensure consistent logger names across the codebase

// GetPipelineLogger returns a logger for the pipeline executor
func GetPipelineLogger() zerolog.Logger {
	return GetLogger("pipeline")
}

// GetExecutorLogger returns a logger for step executors
func GetExecutorLogger() zerolog.Logger {
	return GetLogger("executor")
}

// GetRemoteLogger returns a logger for the remote worker layer
func GetRemoteLogger() zerolog.Logger {
	return GetLogger("remote")
}

// GetWorkspaceLogger returns a logger for the workspace manager
func GetWorkspaceLogger() zerolog.Logger {
	return GetLogger("workspace")
}

// GetGitServerLogger returns a logger for the embedded git server
func GetGitServerLogger() zerolog.Logger {
	return GetLogger("gitserver")
}

// GetDatabaseLogger returns a logger for database operations
func GetDatabaseLogger() zerolog.Logger {
	return GetLogger("database")
}

// GetAPILogger returns a logger for API operations
func GetAPILogger() zerolog.Logger {
	return GetLogger("api")
}

// GetRunnerLogger returns a logger for the worker binary
func GetRunnerLogger() zerolog.Logger {
	return GetLogger("runner")
}
