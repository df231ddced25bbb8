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

package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/alecthomas/kingpin/v2"
	"github.com/gravitational/trace"

	"github.com/gravitational/pulse"
	"github.com/gravitational/pulse/lib/config"
	"github.com/gravitational/pulse/lib/defaults"
	"github.com/gravitational/pulse/lib/service"
)

const appName = "pulsed"

func main() {
	app := kingpin.New(appName, "Pulse activity aggregation and monitoring daemon")

	app.Command("version", "Print pulsed version and exit")

	startCmd := app.Command("start", "Start the Pulse daemon")
	configFile := startCmd.Flag("config", "Path to a YAML configuration file").
		Short('c').
		Default(defaults.ConfigFilePath).
		String()
	debug := startCmd.Flag("debug", "Enable verbose logging to stderr").
		Short('d').
		Bool()
	diagAddr := startCmd.Flag("diag-addr", "Address for diagnostic endpoints, overrides the configuration file").
		String()

	selectedCmd, err := app.Parse(os.Args[1:])
	if err != nil {
		bail(err)
	}

	switch selectedCmd {
	case "version":
		fmt.Printf("%v v%v\n", app.Name, pulse.Version)
	case "start":
		clf := &config.CommandLineFlags{
			ConfigFile: *configFile,
			Debug:      *debug,
			DiagAddr:   *diagAddr,
		}
		if err := run(clf); err != nil {
			bail(err)
		}
		slog.InfoContext(context.Background(), "Successfully shut down")
	}
}

func run(clf *config.CommandLineFlags) error {
	cfg := service.MakeDefaultConfig()
	if err := config.Configure(clf, cfg); err != nil {
		return trace.Wrap(err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	process, err := service.NewProcess(ctx, cfg)
	if err != nil {
		return trace.Wrap(err)
	}
	return trace.Wrap(process.Run(ctx))
}

func bail(err error) {
	slog.ErrorContext(context.Background(), "Terminating with fatal error", "error", err)
	os.Exit(1)
}
