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

package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/gravitational/trace"
	"github.com/stretchr/testify/require"

	"github.com/gravitational/pulse"
	"github.com/gravitational/pulse/lib/activity"
	"github.com/gravitational/pulse/lib/defaults"
	"github.com/gravitational/pulse/lib/service"
	"github.com/gravitational/pulse/lib/utils"
)

func TestMain(m *testing.M) {
	utils.InitLoggerForTests()
	os.Exit(m.Run())
}

const fullConfigString = `
pulse:
  listen_addr: "0.0.0.0:8080"
  diag_addr: "127.0.0.1:9090"
  environment: production
  log:
    output: stdout
    severity: DEBUG
    format: json
storage:
  postgres_url: "postgres://pulse@db:5432/pulse"
  redis:
    addr: "redis:6379"
    password: "hunter2"
    db: 3
activity:
  session_window: 10m
  max_events_per_session: 50
  enabled_categories: [elements, comments]
monitoring:
  rate_limit_window: 5m
  slow_request_threshold: 1s
  slow_task_threshold: 2m
  queue_stuck_threshold: 20m
  health_interval: 10m
  batch_window: 5m
  report_hour: 0
  report_minute: 30
  ignore_paths: ["/internal"]
  ignore_tasks: ["noisy_task"]
notifications:
  telegram:
    token: "123:abc"
    chat_id: "-100200300"
    thread_id: 7
`

func TestReadConfig(t *testing.T) {
	fc, err := ReadConfig(strings.NewReader(fullConfigString))
	require.NoError(t, err)

	require.Equal(t, "0.0.0.0:8080", fc.Pulse.ListenAddr)
	require.Equal(t, "production", fc.Pulse.Environment)
	require.Equal(t, "json", fc.Pulse.Log.Format)
	require.Equal(t, "postgres://pulse@db:5432/pulse", fc.Storage.PostgresURL)
	require.Equal(t, 3, fc.Storage.Redis.DB)
	require.Equal(t, 10*time.Minute, fc.Activity.SessionWindow.Value())
	require.Equal(t, []string{"elements", "comments"}, fc.Activity.EnabledCategories)
	require.Equal(t, time.Second, fc.Monitoring.SlowRequestThreshold.Value())
	require.NotNil(t, fc.Monitoring.ReportHour)
	require.Equal(t, 0, *fc.Monitoring.ReportHour)
	require.NotNil(t, fc.Monitoring.ReportMinute)
	require.Equal(t, 30, *fc.Monitoring.ReportMinute)
	require.Equal(t, 7, fc.Notifications.Telegram.ThreadID)
}

func TestReadConfigRejectsUnknownKeys(t *testing.T) {
	_, err := ReadConfig(strings.NewReader(`
pulse:
  listen_address: "0.0.0.0:8080"
`))
	require.Error(t, err)
	require.Contains(t, err.Error(), "listen_address")
}

func TestReadConfigBadDuration(t *testing.T) {
	_, err := ReadConfig(strings.NewReader(`
activity:
  session_window: "fifteen minutes"
`))
	require.Error(t, err)
	require.Contains(t, err.Error(), "fifteen minutes")
}

func TestReadConfigEmpty(t *testing.T) {
	fc, err := ReadConfig(strings.NewReader(""))
	require.NoError(t, err)
	require.NotNil(t, fc)
	require.Equal(t, FileConfig{}, *fc)
}

func TestApplyFileConfig(t *testing.T) {
	fc, err := ReadConfig(strings.NewReader(fullConfigString))
	require.NoError(t, err)

	cfg := service.MakeDefaultConfig()
	require.NoError(t, ApplyFileConfig(fc, cfg))

	require.Equal(t, "0.0.0.0:8080", cfg.HTTPAddr)
	require.Equal(t, "127.0.0.1:9090", cfg.DiagAddr)
	require.Equal(t, pulse.EnvironmentProduction, cfg.Environment)
	require.Equal(t, "DEBUG", cfg.Log.Severity)
	require.Equal(t, "json", cfg.Log.Format)

	require.Equal(t, "postgres://pulse@db:5432/pulse", cfg.PostgresURL)
	require.Equal(t, "redis:6379", cfg.Redis.Addr)
	require.Equal(t, "hunter2", cfg.Redis.Password)
	require.Equal(t, 3, cfg.Redis.DB)

	require.Equal(t, 10*time.Minute, cfg.Activity.SessionWindow)
	require.Equal(t, 50, cfg.Activity.MaxEventsPerSession)
	require.Equal(t, []activity.Category{activity.CategoryElements, activity.CategoryComments},
		cfg.Activity.EnabledCategories)

	require.Equal(t, 5*time.Minute, cfg.Monitoring.RateLimitWindow)
	require.Equal(t, 0, cfg.Monitoring.ReportHour)
	require.Equal(t, 30, cfg.Monitoring.ReportMinute)
	require.Equal(t, []string{"/internal"}, cfg.Monitoring.IgnorePaths)
	require.Equal(t, []string{"noisy_task"}, cfg.Monitoring.IgnoreTasks)

	require.Equal(t, "123:abc", cfg.Telegram.Token)
	require.Equal(t, "-100200300", cfg.Telegram.ChatID)
	require.Equal(t, 7, cfg.Telegram.ThreadID)
}

func TestApplyFileConfigDefaults(t *testing.T) {
	// An empty file keeps every default.
	cfg := service.MakeDefaultConfig()
	require.NoError(t, ApplyFileConfig(&FileConfig{}, cfg))
	require.Equal(t, defaults.HTTPListenAddr, cfg.HTTPAddr)
	require.Equal(t, defaults.DiagnosticAddr, cfg.DiagAddr)
	require.Equal(t, defaults.RedisAddr, cfg.Redis.Addr)
	require.Equal(t, defaults.SessionWindow, cfg.Activity.SessionWindow)
	require.Equal(t, defaults.DailyReportHour, cfg.Monitoring.ReportHour)
	require.Nil(t, cfg.Activity.EnabledCategories)

	// No config file at all is also fine.
	require.NoError(t, ApplyFileConfig(nil, service.MakeDefaultConfig()))
}

func TestApplyFileConfigDiagOff(t *testing.T) {
	cfg := service.MakeDefaultConfig()
	fc := &FileConfig{}
	fc.Pulse.DiagAddr = "off"
	require.NoError(t, ApplyFileConfig(fc, cfg))
	require.Empty(t, cfg.DiagAddr)
}

func TestApplyFileConfigRejectsBadValues(t *testing.T) {
	cfg := service.MakeDefaultConfig()

	fc := &FileConfig{}
	fc.Activity.EnabledCategories = []string{"spreadsheets"}
	require.Error(t, ApplyFileConfig(fc, cfg))

	hour := 24
	fc = &FileConfig{}
	fc.Monitoring.ReportHour = &hour
	require.Error(t, ApplyFileConfig(fc, cfg))

	fc = &FileConfig{}
	fc.Pulse.Log.Severity = "LOUD"
	require.Error(t, ApplyFileConfig(fc, cfg))

	fc = &FileConfig{}
	fc.Pulse.Log.Format = "xml"
	require.Error(t, ApplyFileConfig(fc, cfg))
}

func TestReadConfigFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "pulse.yaml")
	require.NoError(t, os.WriteFile(path, []byte(fullConfigString), 0o600))

	fc, err := ReadConfigFile(path)
	require.NoError(t, err)
	require.NotNil(t, fc)
	require.Equal(t, "production", fc.Pulse.Environment)

	_, err = ReadConfigFile(filepath.Join(t.TempDir(), "missing.yaml"))
	require.True(t, trace.IsNotFound(err))
}

func TestConfigure(t *testing.T) {
	path := filepath.Join(t.TempDir(), "pulse.yaml")
	require.NoError(t, os.WriteFile(path, []byte(fullConfigString), 0o600))

	// Environment variables win over the file.
	t.Setenv(EnvPostgresURL, "postgres://pulse@standby:5432/pulse")
	t.Setenv(EnvRedisPassword, "sekrit")
	t.Setenv(EnvBotToken, "456:xyz")
	t.Setenv(EnvThreadID, "12")
	t.Setenv(EnvEnvironment, pulse.EnvironmentStaging)

	cfg := service.MakeDefaultConfig()
	clf := &CommandLineFlags{
		ConfigFile: path,
		Debug:      true,
		DiagAddr:   "127.0.0.1:7070",
	}
	require.NoError(t, Configure(clf, cfg))

	require.Equal(t, "postgres://pulse@standby:5432/pulse", cfg.PostgresURL)
	require.Equal(t, "redis:6379", cfg.Redis.Addr)
	require.Equal(t, "sekrit", cfg.Redis.Password)
	require.Equal(t, "456:xyz", cfg.Telegram.Token)
	require.Equal(t, 12, cfg.Telegram.ThreadID)
	require.Equal(t, pulse.EnvironmentStaging, cfg.Environment)

	// Flags win over everything.
	require.True(t, cfg.Debug)
	require.Equal(t, "127.0.0.1:7070", cfg.DiagAddr)
}

func TestConfigureBadThreadID(t *testing.T) {
	t.Setenv(EnvThreadID, "not-a-number")
	cfg := service.MakeDefaultConfig()
	err := Configure(&CommandLineFlags{}, cfg)
	require.Error(t, err)
	require.Contains(t, err.Error(), EnvThreadID)
}
