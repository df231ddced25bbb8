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

// Package log provides slog handler construction and level parsing for
// the pulse daemon and its tooling.
package log

import (
	"io"
	"log/slog"
	"os"
	"strings"

	"github.com/gravitational/trace"
)

// Supported output formats.
const (
	// FormatText emits human-readable key=value lines.
	FormatText = "text"
	// FormatJSON emits one JSON object per line.
	FormatJSON = "json"
)

// SupportedFormats lists the supported output formats.
var SupportedFormats = []string{FormatText, FormatJSON}

// SupportedLevelsText lists the supported log levels in their text
// representation. All strings are in uppercase.
var SupportedLevelsText = []string{
	slog.LevelDebug.String(),
	slog.LevelInfo.String(),
	slog.LevelWarn.String(),
	slog.LevelError.String(),
}

// Config configures the default slog logger.
type Config struct {
	// Output names the destination: "stderr" (default) or "stdout".
	Output string
	// Severity is the minimum level emitted, in its text form.
	Severity string
	// Format is one of SupportedFormats. Empty means text.
	Format string
}

// ParseLevel returns the slog level matching the provided text
// representation. Matching is case-insensitive.
func ParseLevel(text string) (slog.Level, error) {
	switch strings.ToUpper(strings.TrimSpace(text)) {
	case "", slog.LevelInfo.String():
		return slog.LevelInfo, nil
	case slog.LevelDebug.String():
		return slog.LevelDebug, nil
	case "WARNING", slog.LevelWarn.String():
		return slog.LevelWarn, nil
	case slog.LevelError.String():
		return slog.LevelError, nil
	}
	return slog.LevelInfo, trace.BadParameter("unsupported log level %q, expected one of %v", text, SupportedLevelsText)
}

// Initialize builds a logger per cfg, installs it as the slog default
// and returns it together with the level var that tunes it at runtime.
func Initialize(cfg Config) (*slog.Logger, *slog.LevelVar, error) {
	level, err := ParseLevel(cfg.Severity)
	if err != nil {
		return nil, nil, trace.Wrap(err)
	}

	var w io.Writer
	switch cfg.Output {
	case "", "stderr", "error", "2":
		w = os.Stderr
	case "stdout", "out", "1":
		w = os.Stdout
	default:
		return nil, nil, trace.BadParameter("unsupported log output %q", cfg.Output)
	}

	leveler := new(slog.LevelVar)
	leveler.Set(level)

	var handler slog.Handler
	switch cfg.Format {
	case "", FormatText:
		handler = slog.NewTextHandler(w, &slog.HandlerOptions{Level: leveler})
	case FormatJSON:
		handler = slog.NewJSONHandler(w, &slog.HandlerOptions{Level: leveler})
	default:
		return nil, nil, trace.BadParameter("unsupported log format %q, expected one of %v", cfg.Format, SupportedFormats)
	}

	logger := slog.New(handler)
	slog.SetDefault(logger)
	return logger, leveler, nil
}

// DiscardLogger returns a logger that drops every record. Used as the
// fallback when a component is constructed without one in tests.
func DiscardLogger() *slog.Logger {
	return slog.New(slog.DiscardHandler)
}
