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

// Package monitoring is the operational pipeline around the activity
// service: it intercepts HTTP errors and slow requests, instruments
// queue tasks, probes component health, batches noisy alerts and sends
// a daily usage digest. Everything it learns lands in the shared KV
// store under the "monitoring:" prefix and, when alert-worthy, in the
// configured notifier.
package monitoring

import (
	"context"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/gravitational/trace"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/gravitational/pulse"
	"github.com/gravitational/pulse/lib/defaults"
	"github.com/gravitational/pulse/lib/kv"
	"github.com/gravitational/pulse/lib/notify"
	"github.com/gravitational/pulse/lib/observability/metrics"
)

// Well-known names of the pipeline's own periodic tasks. They are
// exempt from the queue completion watermark so that a stuck worker
// pool cannot be masked by the health probes themselves.
const (
	// TaskHealthCheck is the periodic component health probe.
	TaskHealthCheck = "health_check"
	// TaskDailyReport is the daily usage digest sender.
	TaskDailyReport = "daily_report"
	// TaskBatchAlerts is the batched alert collector flush.
	TaskBatchAlerts = "batch_alerts"
)

// watermarkExempt lists tasks whose completion must not advance the
// queue liveness watermark.
var watermarkExempt = map[string]bool{
	TaskHealthCheck: true,
	TaskDailyReport: true,
	TaskBatchAlerts: true,
}

var (
	errorsCaptured = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: pulse.MetricNamespace,
			Name:      "monitoring_errors_captured_total",
			Help:      "Total number of server errors captured by class",
		},
		[]string{"class"},
	)
	slowRequestsObserved = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: pulse.MetricNamespace,
			Name:      "monitoring_slow_requests_total",
			Help:      "Total number of requests over the slow threshold",
		},
	)
	alertsSent = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: pulse.MetricNamespace,
			Name:      "monitoring_alerts_sent_total",
			Help:      "Total number of alerts delivered by severity",
		},
		[]string{"severity"},
	)
	panicsRecovered = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: pulse.MetricNamespace,
			Name:      "monitoring_panics_recovered_total",
			Help:      "Total number of panics recovered in HTTP handlers",
		},
	)
)

func init() {
	_ = metrics.RegisterPrometheusCollectors(errorsCaptured, slowRequestsObserved, alertsSent, panicsRecovered)
}

// send delivers msg and absorbs delivery failures: alerting is best
// effort and must never fail the operation that triggered it.
func send(ctx context.Context, notifier notify.Notifier, logger *slog.Logger, msg notify.Message) {
	sent, err := notifier.Send(ctx, msg)
	if err != nil {
		logger.WarnContext(ctx, "Failed to deliver alert",
			"title", msg.Title,
			"severity", msg.Severity,
			"error", err,
		)
		return
	}
	if sent {
		alertsSent.WithLabelValues(string(msg.Severity)).Inc()
	}
}

// errorClass returns the concrete type name of err with the pointer
// sigil stripped, e.g. "trace.NotFoundError" or "pgconn.PgError".
func errorClass(err error) string {
	return strings.TrimPrefix(fmt.Sprintf("%T", trace.Unwrap(err)), "*")
}

// panicClass classifies a recovered panic value.
func panicClass(v any) string {
	if err, ok := v.(error); ok {
		return errorClass(err)
	}
	return "panic"
}

// truncate caps s at limit bytes without splitting a rune.
func truncate(s string, limit int) string {
	if len(s) <= limit {
		return s
	}
	for limit > 0 && !utf8.RuneStart(s[limit]) {
		limit--
	}
	return s[:limit]
}

// jitter spreads periodic work across replicas over [d/2, d).
func jitter(d time.Duration) time.Duration {
	return d/2 + rand.N(d/2)
}

// StartupConfig configures the one-shot startup announcement.
type StartupConfig struct {
	// KV deduplicates the announcement across replicas.
	KV kv.KV
	// Notifier delivers the announcement.
	Notifier notify.Notifier
	// Environment is the deployment environment name. Only production
	// announces.
	Environment string
	// Version is the announced build version.
	Version string
	// Logger emits worker logs. Defaults to the monitoring component
	// logger.
	Logger *slog.Logger
}

// CheckAndSetDefaults validates the config and fills in defaults.
func (c *StartupConfig) CheckAndSetDefaults() error {
	if c.KV == nil {
		return trace.BadParameter("missing required value KV")
	}
	if c.Notifier == nil {
		return trace.BadParameter("missing required value Notifier")
	}
	if c.Version == "" {
		c.Version = pulse.Version
	}
	if c.Logger == nil {
		c.Logger = slog.With(pulse.ComponentKey, pulse.ComponentMonitoring)
	}
	return nil
}

// AnnounceStartup sends a muted informational message when a
// production deployment comes up. A short-lived KV flag keeps replica
// fan-out to a single message.
func AnnounceStartup(ctx context.Context, cfg StartupConfig) error {
	if err := cfg.CheckAndSetDefaults(); err != nil {
		return trace.Wrap(err)
	}
	if cfg.Environment != pulse.EnvironmentProduction {
		cfg.Logger.DebugContext(ctx, "Skipping startup announcement outside production",
			"environment", cfg.Environment)
		return nil
	}
	first, err := cfg.KV.SetNX(ctx, startupKey, "1", defaults.StartupNoticeTTL)
	if err != nil {
		return trace.Wrap(err)
	}
	if !first {
		cfg.Logger.DebugContext(ctx, "Startup already announced by another replica")
		return nil
	}
	send(ctx, cfg.Notifier, cfg.Logger, notify.Message{
		Severity: notify.SeverityInfo,
		Title:    "Application started",
		Body:     "Monitoring: active",
		Details:  map[string]string{"version": cfg.Version},
		Muted:    true,
	})
	return nil
}
