// Copyright (C) 2026 Lazyaf
// SPDX-License-Identifier: AGPL-3.0-or-later

package server

import (
	"sync"

	"github.com/rs/zerolog"

	"github.com/lazyaf/lazyaf/internal/logger"
)

var (
	log     *zerolog.Logger
	logOnce sync.Once
)

func getLog() *zerolog.Logger {
	logOnce.Do(func() {
		l := logger.GetAPILogger().With().Str("component", "server").Logger()
		log = &l
	})
	return log
}
