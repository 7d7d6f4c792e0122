// Copyright (C) 2026 Lazyaf
// SPDX-License-Identifier: AGPL-3.0-or-later

package database

import (
	"testing"

	"github.com/lazyaf/lazyaf/internal/config"

	"github.com/stretchr/testify/require"
)

// DatabaseFixture represents a database setup with cleanup
type DatabaseFixture struct {
	DB      *GormDB
	Cleanup func()
}

// UseFreshInMemoryDatabase creates an in-memory SQLite database with GORM AutoMigrate applied
func UseFreshInMemoryDatabase(t *testing.T) *DatabaseFixture {
	cfg := &config.DatabaseConfig{
		Driver:   "sqlite",
		Database: ":memory:",
	}

	db, err := NewGormDB(cfg)
	require.NoError(t, err, "Failed to create in-memory database")

	err = db.AutoMigrate()
	require.NoError(t, err, "Failed to run migrations on in-memory database")

	cleanup := func() {
		db.Close()
	}

	return &DatabaseFixture{
		DB:      db,
		Cleanup: cleanup,
	}
}
