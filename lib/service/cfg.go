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

package service

import (
	"log/slog"
	"time"

	"github.com/gravitational/trace"
	"github.com/jonboulle/clockwork"

	"github.com/gravitational/pulse"
	"github.com/gravitational/pulse/lib/activity"
	"github.com/gravitational/pulse/lib/defaults"
	logutils "github.com/gravitational/pulse/lib/utils/log"
)

// Config is the runtime configuration of the pulse process. It is
// assembled from defaults, the YAML config file and environment
// overrides before the process starts; see lib/config.
type Config struct {
	// HTTPAddr is the feed API listen address.
	HTTPAddr string

	// DiagAddr is the diagnostic listen address serving metrics.
	// Empty disables the diagnostic listener.
	DiagAddr string

	// Environment names the deployment, one of the pulse.Environment*
	// constants. Only production announces startups.
	Environment string

	// Debug forces debug severity regardless of Log.
	Debug bool

	// Log configures the process-wide logger.
	Log logutils.Config

	// PostgresURL is the activity database connection string.
	PostgresURL string

	// Redis configures the connection shared by the KV store and the
	// job queue.
	Redis RedisConfig

	// Activity configures event recording and aggregation.
	Activity ActivityConfig

	// Monitoring configures the error capture and alerting pipeline.
	Monitoring MonitoringConfig

	// Telegram configures the chat notifier. Without a token and chat
	// ID alerts are logged and dropped.
	Telegram TelegramConfig

	// Clock is the process time source, swapped in tests.
	Clock clockwork.Clock

	// Logger is the process root logger.
	Logger *slog.Logger
}

// RedisConfig is the shared Redis connection configuration.
type RedisConfig struct {
	// Addr is the host:port of the Redis server.
	Addr string
	// Password authenticates the connection when set.
	Password string
	// DB selects the logical database.
	DB int
}

// ActivityConfig holds the recording and aggregation settings.
type ActivityConfig struct {
	// SessionWindow is the session fingerprint bucket and the
	// aggregation debounce delay.
	SessionWindow time.Duration
	// MaxEventsPerSession forces immediate aggregation once a session
	// buffer reaches this size.
	MaxEventsPerSession int
	// EnabledCategories gates recording per category. Empty means all.
	EnabledCategories []activity.Category
}

// MonitoringConfig holds the alerting pipeline settings.
type MonitoringConfig struct {
	// Disabled turns the whole pipeline off: no interceptor, no
	// workers, no alerts.
	Disabled bool
	// RateLimitWindow is how long one error fingerprint stays muted
	// after an alert.
	RateLimitWindow time.Duration
	// SlowRequestThreshold flags requests slower than this.
	SlowRequestThreshold time.Duration
	// SlowTaskThreshold flags background tasks slower than this.
	SlowTaskThreshold time.Duration
	// QueueStuckThreshold is the queue watermark age treated as stuck.
	QueueStuckThreshold time.Duration
	// HealthInterval is the health probe period.
	HealthInterval time.Duration
	// BatchWindow is the batched alert flush period.
	BatchWindow time.Duration
	// ReportHour is the UTC hour of the daily digest.
	ReportHour int
	// ReportMinute is the UTC minute of the daily digest.
	ReportMinute int
	// IgnorePaths are request path prefixes the interceptor skips.
	// Empty means the built-in health and metrics endpoints.
	IgnorePaths []string
	// IgnoreTasks are task names that run uninstrumented.
	IgnoreTasks []string
}

// TelegramConfig holds the chat notifier settings.
type TelegramConfig struct {
	// Token is the bot API token.
	Token string
	// ChatID is the destination chat.
	ChatID string
	// ThreadID optionally routes messages into a forum topic.
	ThreadID int
}

// MakeDefaultConfig returns a config with every tunable at its
// default. File and environment overrides are applied on top of it.
func MakeDefaultConfig() *Config {
	cfg := new(Config)
	ApplyDefaults(cfg)
	return cfg
}

// ApplyDefaults sets the default values of every tunable field.
func ApplyDefaults(cfg *Config) {
	cfg.HTTPAddr = defaults.HTTPListenAddr
	cfg.DiagAddr = defaults.DiagnosticAddr
	cfg.Environment = pulse.EnvironmentDevelopment
	cfg.Redis.Addr = defaults.RedisAddr

	cfg.Activity.SessionWindow = defaults.SessionWindow
	cfg.Activity.MaxEventsPerSession = defaults.MaxEventsPerSession

	cfg.Monitoring.RateLimitWindow = defaults.RateLimitWindow
	cfg.Monitoring.SlowRequestThreshold = defaults.SlowRequestThreshold
	cfg.Monitoring.SlowTaskThreshold = defaults.SlowTaskThreshold
	cfg.Monitoring.QueueStuckThreshold = defaults.QueueStuckThreshold
	cfg.Monitoring.HealthInterval = defaults.HealthInterval
	cfg.Monitoring.BatchWindow = defaults.BatchWindow
	cfg.Monitoring.ReportHour = defaults.DailyReportHour
	cfg.Monitoring.ReportMinute = defaults.DailyReportMinute
}

// CheckAndSetDefaults validates the assembled config and fills in the
// runtime fields a caller may leave unset.
func (c *Config) CheckAndSetDefaults() error {
	if c.HTTPAddr == "" {
		c.HTTPAddr = defaults.HTTPListenAddr
	}
	if c.PostgresURL == "" {
		return trace.BadParameter("missing required value PostgresURL")
	}
	if c.Redis.Addr == "" {
		c.Redis.Addr = defaults.RedisAddr
	}
	if c.Environment == "" {
		c.Environment = pulse.EnvironmentDevelopment
	}
	if c.Monitoring.ReportHour < 0 || c.Monitoring.ReportHour > 23 {
		return trace.BadParameter("report hour %d is outside 0-23", c.Monitoring.ReportHour)
	}
	if c.Monitoring.ReportMinute < 0 || c.Monitoring.ReportMinute > 59 {
		return trace.BadParameter("report minute %d is outside 0-59", c.Monitoring.ReportMinute)
	}
	if c.Clock == nil {
		c.Clock = clockwork.NewRealClock()
	}
	if c.Logger == nil {
		c.Logger = slog.With(pulse.ComponentKey, pulse.ComponentPulse)
	}
	return nil
}
