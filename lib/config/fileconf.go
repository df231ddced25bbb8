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
	"errors"
	"io"
	"os"
	"time"

	"github.com/gravitational/trace"
	"gopkg.in/yaml.v3"
)

// FileConfig is the daemon configuration stored in a YAML file,
// usually /etc/pulse.yaml. Every field is optional; unset fields keep
// their defaults.
type FileConfig struct {
	Pulse         Global        `yaml:"pulse,omitempty"`
	Storage       Storage       `yaml:"storage,omitempty"`
	Activity      Activity      `yaml:"activity,omitempty"`
	Monitoring    Monitoring    `yaml:"monitoring,omitempty"`
	Notifications Notifications `yaml:"notifications,omitempty"`
}

// Global holds the process-wide settings.
type Global struct {
	// ListenAddr is the feed API listen address.
	ListenAddr string `yaml:"listen_addr,omitempty"`
	// DiagAddr is the diagnostic (metrics) listen address. The literal
	// "off" disables the diagnostic listener.
	DiagAddr string `yaml:"diag_addr,omitempty"`
	// Environment names the deployment: production, staging or
	// development.
	Environment string `yaml:"environment,omitempty"`
	// Log configures the process logger.
	Log Log `yaml:"log,omitempty"`
}

// Log holds the logger settings.
type Log struct {
	// Output is "stderr" (default) or "stdout".
	Output string `yaml:"output,omitempty"`
	// Severity is the minimum emitted level: DEBUG, INFO, WARN, ERROR.
	Severity string `yaml:"severity,omitempty"`
	// Format is "text" (default) or "json".
	Format string `yaml:"format,omitempty"`
}

// Storage holds the database and shared store settings.
type Storage struct {
	// PostgresURL is the activity database connection string.
	PostgresURL string `yaml:"postgres_url,omitempty"`
	// Redis configures the shared Redis connection.
	Redis Redis `yaml:"redis,omitempty"`
}

// Redis holds the shared Redis connection settings.
type Redis struct {
	Addr     string `yaml:"addr,omitempty"`
	Password string `yaml:"password,omitempty"`
	DB       int    `yaml:"db,omitempty"`
}

// Activity holds the recording and aggregation settings.
type Activity struct {
	// SessionWindow is the session bucket and debounce delay.
	SessionWindow Duration `yaml:"session_window,omitempty"`
	// MaxEventsPerSession forces aggregation of oversized sessions.
	MaxEventsPerSession int `yaml:"max_events_per_session,omitempty"`
	// EnabledCategories limits recording to the named categories.
	EnabledCategories []string `yaml:"enabled_categories,omitempty,flow"`
}

// Monitoring holds the alerting pipeline settings.
type Monitoring struct {
	// Disabled turns the whole pipeline off.
	Disabled bool `yaml:"disabled,omitempty"`
	// RateLimitWindow mutes repeated error alerts.
	RateLimitWindow Duration `yaml:"rate_limit_window,omitempty"`
	// SlowRequestThreshold flags requests slower than this.
	SlowRequestThreshold Duration `yaml:"slow_request_threshold,omitempty"`
	// SlowTaskThreshold flags background tasks slower than this.
	SlowTaskThreshold Duration `yaml:"slow_task_threshold,omitempty"`
	// QueueStuckThreshold is the queue watermark age treated as stuck.
	QueueStuckThreshold Duration `yaml:"queue_stuck_threshold,omitempty"`
	// HealthInterval is the health probe period.
	HealthInterval Duration `yaml:"health_interval,omitempty"`
	// BatchWindow is the batched alert flush period.
	BatchWindow Duration `yaml:"batch_window,omitempty"`
	// ReportHour is the UTC hour of the daily digest. A pointer so
	// that midnight (0) is distinguishable from unset.
	ReportHour *int `yaml:"report_hour,omitempty"`
	// ReportMinute is the UTC minute of the daily digest.
	ReportMinute *int `yaml:"report_minute,omitempty"`
	// IgnorePaths are request path prefixes that are never monitored.
	IgnorePaths []string `yaml:"ignore_paths,omitempty,flow"`
	// IgnoreTasks are task names that run uninstrumented.
	IgnoreTasks []string `yaml:"ignore_tasks,omitempty,flow"`
}

// Notifications holds the outgoing alert transports.
type Notifications struct {
	Telegram Telegram `yaml:"telegram,omitempty"`
}

// Telegram holds the Telegram notifier settings.
type Telegram struct {
	// Token is the bot API token.
	Token string `yaml:"token,omitempty"`
	// ChatID is the destination chat.
	ChatID string `yaml:"chat_id,omitempty"`
	// ThreadID optionally routes messages into a forum topic.
	ThreadID int `yaml:"thread_id,omitempty"`
}

// Duration is a time.Duration that unmarshals from the YAML string
// form, e.g. "30s" or "15m".
type Duration time.Duration

// UnmarshalYAML implements yaml.Unmarshaler.
func (d *Duration) UnmarshalYAML(node *yaml.Node) error {
	var raw string
	if err := node.Decode(&raw); err != nil {
		return trace.Wrap(err)
	}
	parsed, err := time.ParseDuration(raw)
	if err != nil {
		return trace.BadParameter("invalid duration %q", raw)
	}
	*d = Duration(parsed)
	return nil
}

// MarshalYAML implements yaml.Marshaler.
func (d Duration) MarshalYAML() (any, error) {
	return time.Duration(d).String(), nil
}

// Value returns the wrapped duration.
func (d Duration) Value() time.Duration {
	return time.Duration(d)
}

// ReadFromFile reads the daemon configuration from a YAML file.
func ReadFromFile(filePath string) (*FileConfig, error) {
	f, err := os.Open(filePath)
	if err != nil {
		return nil, trace.ConvertSystemError(err)
	}
	defer f.Close()
	fc, err := ReadConfig(f)
	if err != nil {
		return nil, trace.Wrap(err, "failed to parse config file %v", filePath)
	}
	return fc, nil
}

// ReadConfig parses the daemon configuration from a reader. Unknown
// keys are rejected so that typos fail loudly instead of silently
// keeping a default.
func ReadConfig(reader io.Reader) (*FileConfig, error) {
	decoder := yaml.NewDecoder(reader)
	decoder.KnownFields(true)

	var fc FileConfig
	if err := decoder.Decode(&fc); err != nil {
		if errors.Is(err, io.EOF) {
			return &FileConfig{}, nil
		}
		return nil, trace.BadParameter("failed to parse config: %v", err)
	}
	return &fc, nil
}
