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

// Package config assembles the pulse runtime configuration from the
// built-in defaults, the YAML configuration file and environment
// variable overrides, in that order of precedence.
package config

import (
	"log/slog"
	"os"
	"strconv"

	"github.com/gravitational/trace"

	"github.com/gravitational/pulse/lib/activity"
	"github.com/gravitational/pulse/lib/defaults"
	"github.com/gravitational/pulse/lib/service"
	logutils "github.com/gravitational/pulse/lib/utils/log"
)

// Environment variables that override file configuration. Secrets are
// usually injected this way rather than written to the config file.
const (
	// EnvPostgresURL overrides storage.postgres_url.
	EnvPostgresURL = "PULSE_POSTGRES_URL"
	// EnvRedisAddr overrides storage.redis.addr.
	EnvRedisAddr = "PULSE_REDIS_ADDR"
	// EnvRedisPassword overrides storage.redis.password.
	EnvRedisPassword = "PULSE_REDIS_PASSWORD"
	// EnvBotToken overrides notifications.telegram.token.
	EnvBotToken = "PULSE_BOT_TOKEN"
	// EnvChatID overrides notifications.telegram.chat_id.
	EnvChatID = "PULSE_CHAT_ID"
	// EnvThreadID overrides notifications.telegram.thread_id.
	EnvThreadID = "PULSE_THREAD_ID"
	// EnvEnvironment overrides pulse.environment.
	EnvEnvironment = "PULSE_ENVIRONMENT"
)

// CommandLineFlags stores command line flag values. It is a small
// subset of the configuration, which is fully expressed via the YAML
// config file.
type CommandLineFlags struct {
	// --config flag
	ConfigFile string
	// --debug flag
	Debug bool
	// --diag-addr flag
	DiagAddr string
}

// ReadConfigFile reads /etc/pulse.yaml or the file passed via --config.
// A missing default file is not an error: the daemon can run on
// defaults plus environment variables alone.
func ReadConfigFile(cliConfigPath string) (*FileConfig, error) {
	configFilePath := defaults.ConfigFilePath
	if cliConfigPath != "" {
		configFilePath = cliConfigPath
		if !fileExists(configFilePath) {
			return nil, trace.NotFound("config file %v is not found", configFilePath)
		}
	}
	if !fileExists(configFilePath) {
		slog.Info("Not using a config file")
		return nil, nil
	}
	slog.Debug("Reading config file", "path", configFilePath)
	return ReadFromFile(configFilePath)
}

// ApplyFileConfig applies the file configuration on top of cfg. Only
// fields the file actually sets are touched.
func ApplyFileConfig(fc *FileConfig, cfg *service.Config) error {
	// No config file is a valid configuration.
	if fc == nil {
		return nil
	}

	if fc.Pulse.ListenAddr != "" {
		cfg.HTTPAddr = fc.Pulse.ListenAddr
	}
	switch fc.Pulse.DiagAddr {
	case "":
	case "off":
		cfg.DiagAddr = ""
	default:
		cfg.DiagAddr = fc.Pulse.DiagAddr
	}
	if fc.Pulse.Environment != "" {
		cfg.Environment = fc.Pulse.Environment
	}
	if err := applyLogConfig(fc.Pulse.Log, cfg); err != nil {
		return trace.Wrap(err)
	}

	if fc.Storage.PostgresURL != "" {
		cfg.PostgresURL = fc.Storage.PostgresURL
	}
	if fc.Storage.Redis.Addr != "" {
		cfg.Redis.Addr = fc.Storage.Redis.Addr
	}
	if fc.Storage.Redis.Password != "" {
		cfg.Redis.Password = fc.Storage.Redis.Password
	}
	if fc.Storage.Redis.DB != 0 {
		cfg.Redis.DB = fc.Storage.Redis.DB
	}

	if fc.Activity.SessionWindow != 0 {
		cfg.Activity.SessionWindow = fc.Activity.SessionWindow.Value()
	}
	if fc.Activity.MaxEventsPerSession != 0 {
		cfg.Activity.MaxEventsPerSession = fc.Activity.MaxEventsPerSession
	}
	if fc.Activity.EnabledCategories != nil {
		categories, err := activity.ParseCategories(fc.Activity.EnabledCategories)
		if err != nil {
			return trace.Wrap(err)
		}
		cfg.Activity.EnabledCategories = categories
	}

	if err := applyMonitoringConfig(fc.Monitoring, cfg); err != nil {
		return trace.Wrap(err)
	}

	if fc.Notifications.Telegram.Token != "" {
		cfg.Telegram.Token = fc.Notifications.Telegram.Token
	}
	if fc.Notifications.Telegram.ChatID != "" {
		cfg.Telegram.ChatID = fc.Notifications.Telegram.ChatID
	}
	if fc.Notifications.Telegram.ThreadID != 0 {
		cfg.Telegram.ThreadID = fc.Notifications.Telegram.ThreadID
	}

	return nil
}

func applyLogConfig(fl Log, cfg *service.Config) error {
	if fl.Output != "" {
		cfg.Log.Output = fl.Output
	}
	if fl.Severity != "" {
		if _, err := logutils.ParseLevel(fl.Severity); err != nil {
			return trace.Wrap(err)
		}
		cfg.Log.Severity = fl.Severity
	}
	switch fl.Format {
	case "", logutils.FormatText, logutils.FormatJSON:
		if fl.Format != "" {
			cfg.Log.Format = fl.Format
		}
	default:
		return trace.BadParameter("unsupported log format %q, expected one of %v",
			fl.Format, logutils.SupportedFormats)
	}
	return nil
}

func applyMonitoringConfig(fm Monitoring, cfg *service.Config) error {
	if fm.Disabled {
		cfg.Monitoring.Disabled = true
	}
	if fm.RateLimitWindow != 0 {
		cfg.Monitoring.RateLimitWindow = fm.RateLimitWindow.Value()
	}
	if fm.SlowRequestThreshold != 0 {
		cfg.Monitoring.SlowRequestThreshold = fm.SlowRequestThreshold.Value()
	}
	if fm.SlowTaskThreshold != 0 {
		cfg.Monitoring.SlowTaskThreshold = fm.SlowTaskThreshold.Value()
	}
	if fm.QueueStuckThreshold != 0 {
		cfg.Monitoring.QueueStuckThreshold = fm.QueueStuckThreshold.Value()
	}
	if fm.HealthInterval != 0 {
		cfg.Monitoring.HealthInterval = fm.HealthInterval.Value()
	}
	if fm.BatchWindow != 0 {
		cfg.Monitoring.BatchWindow = fm.BatchWindow.Value()
	}
	if fm.ReportHour != nil {
		if *fm.ReportHour < 0 || *fm.ReportHour > 23 {
			return trace.BadParameter("report hour %d is outside 0-23", *fm.ReportHour)
		}
		cfg.Monitoring.ReportHour = *fm.ReportHour
	}
	if fm.ReportMinute != nil {
		if *fm.ReportMinute < 0 || *fm.ReportMinute > 59 {
			return trace.BadParameter("report minute %d is outside 0-59", *fm.ReportMinute)
		}
		cfg.Monitoring.ReportMinute = *fm.ReportMinute
	}
	if fm.IgnorePaths != nil {
		cfg.Monitoring.IgnorePaths = fm.IgnorePaths
	}
	if fm.IgnoreTasks != nil {
		cfg.Monitoring.IgnoreTasks = fm.IgnoreTasks
	}
	return nil
}

// applyEnvironment applies environment variable overrides on top of
// cfg. Environment variables win over the config file.
func applyEnvironment(cfg *service.Config) error {
	if v := os.Getenv(EnvPostgresURL); v != "" {
		cfg.PostgresURL = v
	}
	if v := os.Getenv(EnvRedisAddr); v != "" {
		cfg.Redis.Addr = v
	}
	if v := os.Getenv(EnvRedisPassword); v != "" {
		cfg.Redis.Password = v
	}
	if v := os.Getenv(EnvBotToken); v != "" {
		cfg.Telegram.Token = v
	}
	if v := os.Getenv(EnvChatID); v != "" {
		cfg.Telegram.ChatID = v
	}
	if v := os.Getenv(EnvThreadID); v != "" {
		threadID, err := strconv.Atoi(v)
		if err != nil {
			return trace.BadParameter("%v: expected an integer, got %q", EnvThreadID, v)
		}
		cfg.Telegram.ThreadID = threadID
	}
	if v := os.Getenv(EnvEnvironment); v != "" {
		cfg.Environment = v
	}
	return nil
}

// Configure merges the command line flags, the config file and the
// environment overrides into cfg.
func Configure(clf *CommandLineFlags, cfg *service.Config) error {
	fc, err := ReadConfigFile(clf.ConfigFile)
	if err != nil {
		return trace.Wrap(err)
	}
	if err := ApplyFileConfig(fc, cfg); err != nil {
		return trace.Wrap(err)
	}
	if err := applyEnvironment(cfg); err != nil {
		return trace.Wrap(err)
	}

	if clf.Debug {
		cfg.Debug = true
	}
	if clf.DiagAddr != "" {
		cfg.DiagAddr = clf.DiagAddr
	}
	return nil
}

func fileExists(path string) bool {
	info, err := os.Stat(path)
	return err == nil && !info.IsDir()
}
