/*
 * Pulse
 * Copyright (C) 2025  Gravitational, Inc.
 *
 * This program is free software: you can redistribute it and/or modify
 * it under the terms of the GNU Affero General Public License as published by
 * the Free Software Foundation, either version 3 of the License, or
 * (at your option) any later version.
 *
 * This program is distributed in the hope that it will be useful,
 * but WITHOUT ANY WARRANTY; without even the implied warranty of
 * MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
 * GNU Affero General Public License for more details.
 *
 * You should have received a copy of the GNU Affero General Public License
 * along with this program.  If not, see <http://www.gnu.org/licenses/>.
 */

// Package utils provides small helpers shared across pulse packages.
package utils

import (
	"flag"
	"io"
	"log/slog"
	"os"
	"testing"

	logutils "github.com/gravitational/pulse/lib/utils/log"
)

// InitLogger configures the process-wide default logger. It is called
// once at startup, before any component is constructed.
func InitLogger(severity, format string) error {
	_, _, err := logutils.Initialize(logutils.Config{
		Severity: severity,
		Format:   format,
	})
	return err
}

// InitLoggerForTests initializes the default logger for tests. Output
// is discarded unless tests run verbose.
func InitLoggerForTests() {
	// Parse flags to check testing.Verbose().
	flag.Parse()

	level := slog.LevelWarn
	w := io.Writer(io.Discard)
	if testing.Verbose() {
		level = slog.LevelDebug
		w = os.Stderr
	}
	slog.SetDefault(slog.New(slog.NewTextHandler(w, &slog.HandlerOptions{Level: level})))
}
