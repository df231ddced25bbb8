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

package monitoring

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"github.com/gravitational/trace"
	"github.com/jonboulle/clockwork"

	"github.com/gravitational/pulse"
	"github.com/gravitational/pulse/lib/defaults"
	"github.com/gravitational/pulse/lib/monitoring/sanitize"
	"github.com/gravitational/pulse/lib/notify"
)

// taskErrorLen caps the stored error message of a failed task.
const taskErrorLen = 200

// TaskMonitorConfig configures a TaskMonitor.
type TaskMonitorConfig struct {
	// Stats records task bookkeeping.
	Stats *Stats
	// Notifier delivers task alerts.
	Notifier notify.Notifier
	// Sanitize scrubs error messages before they leave the process.
	Sanitize sanitize.Config
	// IgnoreTasks are task names that run uninstrumented.
	IgnoreTasks []string
	// SlowThreshold is the run time above which a task is flagged slow.
	SlowThreshold time.Duration
	// FailureAlertCount is the hourly failure count above which the
	// alert severity escalates to critical.
	FailureAlertCount int64
	// Clock is the time source, swapped in tests.
	Clock clockwork.Clock
	// Logger emits task monitor logs.
	Logger *slog.Logger
}

// CheckAndSetDefaults validates the config and fills in defaults.
func (c *TaskMonitorConfig) CheckAndSetDefaults() error {
	if c.Stats == nil {
		return trace.BadParameter("missing required value Stats")
	}
	if c.Notifier == nil {
		return trace.BadParameter("missing required value Notifier")
	}
	if c.SlowThreshold <= 0 {
		c.SlowThreshold = defaults.SlowTaskThreshold
	}
	if c.FailureAlertCount <= 0 {
		c.FailureAlertCount = defaults.TaskFailureAlertCount
	}
	if c.Clock == nil {
		c.Clock = clockwork.NewRealClock()
	}
	if c.Logger == nil {
		c.Logger = slog.With(pulse.ComponentKey, pulse.ComponentMonitoring)
	}
	return nil
}

// TaskMonitor wraps background task functions with success and failure
// bookkeeping and alerting. Its Instrument method matches the queue
// worker's instrumentation hook, so plugging the monitor into the
// worker covers every queued job.
type TaskMonitor struct {
	cfg     TaskMonitorConfig
	ignored map[string]bool
}

// NewTaskMonitor returns a TaskMonitor for the given config.
func NewTaskMonitor(cfg TaskMonitorConfig) (*TaskMonitor, error) {
	if err := cfg.CheckAndSetDefaults(); err != nil {
		return nil, trace.Wrap(err)
	}
	ignored := make(map[string]bool, len(cfg.IgnoreTasks))
	for _, name := range cfg.IgnoreTasks {
		ignored[name] = true
	}
	return &TaskMonitor{cfg: cfg, ignored: ignored}, nil
}

// Instrument wraps fn with monitoring for the named task. The wrapper
// returns fn's error unchanged so the caller's retry policy still sees
// the original failure.
func (m *TaskMonitor) Instrument(name string, fn func(context.Context) error) func(context.Context) error {
	if m.ignored[name] {
		return fn
	}
	return func(ctx context.Context) error {
		start := m.cfg.Clock.Now()
		err := fn(ctx)
		elapsed := m.cfg.Clock.Now().Sub(start)
		if err != nil {
			m.recordFailure(ctx, name, err)
			return err
		}
		m.recordSuccess(ctx, name, elapsed)
		return nil
	}
}

func (m *TaskMonitor) recordSuccess(ctx context.Context, name string, elapsed time.Duration) {
	m.cfg.Stats.RecordTaskSuccess(ctx, name, elapsed)
	if !watermarkExempt[name] {
		m.cfg.Stats.MarkJobCompleted(ctx)
	}
	m.cfg.Logger.InfoContext(ctx, "Task completed",
		"task", name,
		"elapsed", elapsed.Round(time.Millisecond),
	)
	if elapsed <= m.cfg.SlowThreshold {
		return
	}
	if !m.cfg.Stats.FirstSlowTaskThisHour(ctx, name) {
		return
	}
	send(ctx, m.cfg.Notifier, m.cfg.Logger, notify.Message{
		Severity: notify.SeverityWarning,
		Title:    "Slow background task",
		Body:     fmt.Sprintf("Task %q took %.1fs to execute", name, elapsed.Seconds()),
		Details: map[string]string{
			"task":      name,
			"elapsed":   fmt.Sprintf("%.1fs", elapsed.Seconds()),
			"threshold": m.cfg.SlowThreshold.String(),
		},
	})
}

func (m *TaskMonitor) recordFailure(ctx context.Context, name string, err error) {
	class := errorClass(err)
	message := truncate(m.cfg.Sanitize.String(err.Error()), taskErrorLen)
	count := m.cfg.Stats.RecordTaskFailure(ctx, name, class, message)

	m.cfg.Logger.ErrorContext(ctx, "Task failed",
		"task", name,
		"class", class,
		"failures_last_hour", count,
		"error", err,
	)

	severity := notify.SeverityWarning
	if count > m.cfg.FailureAlertCount {
		severity = notify.SeverityCritical
	}
	details := map[string]string{"task": name}
	if count > 1 {
		details["failures_last_hour"] = strconv.FormatInt(count, 10)
	}
	send(ctx, m.cfg.Notifier, m.cfg.Logger, notify.Message{
		Severity: severity,
		Title:    "Background task failed",
		Body:     fmt.Sprintf("Task %q failed to execute", name),
		Details:  details,
		Error:    class + ": " + message,
	})
}
