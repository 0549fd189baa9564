/*
Copyright (C) 2026 Capfleet Authors

SPDX-License-Identifier: AGPL-3.0-or-later
*/

// Package logging configures zerolog for the coordinator and the agent.
package logging

import (
	"io"
	"os"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// Setup builds the process logger: human-readable console output at debug
// level in development, JSON at info level otherwise.
func Setup(environment string) zerolog.Logger {
	return SetupWithWriter(environment, nil)
}

// SetupWithWriter additionally tees every line into extra, typically the
// in-memory log buffer behind GET /api/logs. The tee receives JSON even in
// development so it stays parseable.
func SetupWithWriter(environment string, extra io.Writer) zerolog.Logger {
	zerolog.TimeFieldFormat = time.RFC3339

	dev := environment == "development"

	var out io.Writer = os.Stdout
	level := zerolog.InfoLevel
	if dev {
		out = zerolog.ConsoleWriter{Out: os.Stdout}
		level = zerolog.DebugLevel
	}
	if extra != nil {
		out = zerolog.MultiLevelWriter(out, extra)
	}

	logger := zerolog.New(out).Level(level).With().Timestamp().Logger()
	log.Logger = logger
	return logger
}
