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
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"github.com/gravitational/trace"
	"github.com/jonboulle/clockwork"

	"github.com/gravitational/pulse"
	"github.com/gravitational/pulse/lib/defaults"
	"github.com/gravitational/pulse/lib/kv"
	"github.com/gravitational/pulse/lib/notify"
	"github.com/gravitational/pulse/lib/queue"
	"github.com/gravitational/pulse/lib/utils"
)

// reasonLen caps a probe failure reason in snapshots and alerts.
const reasonLen = 100

// Component names used in health snapshots and alerts. The order here
// is the order they appear in alert bodies.
var healthComponents = []string{
	ComponentDatabase,
	ComponentKV,
	ComponentQueue,
}

const (
	// ComponentDatabase is the activity database probe.
	ComponentDatabase = "database"
	// ComponentKV is the shared key-value store probe.
	ComponentKV = "kv"
	// ComponentQueue is the background queue probe.
	ComponentQueue = "queue"
)

// Pinger probes a dependency's liveness.
type Pinger interface {
	Ping(ctx context.Context) error
}

// HealthSnapshot is one probe result, stored under health:current and
// prepended to health:history. The readiness endpoint serves the
// current snapshot verbatim.
type HealthSnapshot struct {
	// Timestamp is the RFC 3339 probe time.
	Timestamp string `json:"timestamp"`
	// Healthy is true when every component probe passed.
	Healthy bool `json:"healthy"`
	// Components maps component name to probe outcome.
	Components map[string]bool `json:"components"`
	// Errors lists the failed probes' reasons.
	Errors []string `json:"errors,omitempty"`
	// QueueBacklog is the number of pending queue jobs at probe time.
	QueueBacklog int64 `json:"queue_backlog"`
}

// HealthWorkerConfig configures a HealthWorker.
type HealthWorkerConfig struct {
	// KV stores snapshots and holds the queue completion watermark.
	KV kv.KV
	// Database is the activity database probe.
	Database Pinger
	// KVPing probes the shared store. Defaults to a read round-trip
	// through KV.
	KVPing Pinger
	// Queue reports the pending job backlog.
	Queue queue.Sizer
	// Notifier delivers unhealthy alerts.
	Notifier notify.Notifier
	// Interval is the probe period. Each wait is jittered.
	Interval time.Duration
	// StuckThreshold is the watermark age above which the queue is
	// considered stuck.
	StuckThreshold time.Duration
	// DatabaseTimeout bounds the database probe.
	DatabaseTimeout time.Duration
	// KVTimeout bounds the shared store probe.
	KVTimeout time.Duration
	// QueueTimeout bounds the queue probe.
	QueueTimeout time.Duration
	// Clock is the time source, swapped in tests.
	Clock clockwork.Clock
	// Logger emits health worker logs.
	Logger *slog.Logger
}

// CheckAndSetDefaults validates the config and fills in defaults.
func (c *HealthWorkerConfig) CheckAndSetDefaults() error {
	if c.KV == nil {
		return trace.BadParameter("missing required value KV")
	}
	if c.Database == nil {
		return trace.BadParameter("missing required value Database")
	}
	if c.Queue == nil {
		return trace.BadParameter("missing required value Queue")
	}
	if c.Notifier == nil {
		return trace.BadParameter("missing required value Notifier")
	}
	if c.KVPing == nil {
		c.KVPing = kvProbe{kv: c.KV}
	}
	if c.Interval <= 0 {
		c.Interval = defaults.HealthInterval
	}
	if c.StuckThreshold <= 0 {
		c.StuckThreshold = defaults.QueueStuckThreshold
	}
	if c.DatabaseTimeout <= 0 {
		c.DatabaseTimeout = defaults.HealthDatabaseTimeout
	}
	if c.KVTimeout <= 0 {
		c.KVTimeout = defaults.HealthKVTimeout
	}
	if c.QueueTimeout <= 0 {
		c.QueueTimeout = defaults.HealthQueueTimeout
	}
	if c.Clock == nil {
		c.Clock = clockwork.NewRealClock()
	}
	if c.Logger == nil {
		c.Logger = slog.With(pulse.ComponentKey, pulse.ComponentHealth)
	}
	return nil
}

// kvProbe is the default shared store probe: a read round-trip where a
// missing key is the expected healthy answer.
type kvProbe struct {
	kv kv.KV
}

func (p kvProbe) Ping(ctx context.Context) error {
	_, err := p.kv.Get(ctx, monitoringKeys.Key("health", "probe"))
	if err != nil && !trace.IsNotFound(err) {
		return trace.Wrap(err)
	}
	return nil
}

// HealthWorker periodically probes the service's dependencies, keeps
// the last snapshots in the shared store and alerts when a component
// goes unhealthy. Healthy runs stay silent.
type HealthWorker struct {
	cfg HealthWorkerConfig
}

// NewHealthWorker returns a HealthWorker for the given config.
func NewHealthWorker(cfg HealthWorkerConfig) (*HealthWorker, error) {
	if err := cfg.CheckAndSetDefaults(); err != nil {
		return nil, trace.Wrap(err)
	}
	return &HealthWorker{cfg: cfg}, nil
}

// Run probes until the context is canceled. The first probe happens
// after one jittered interval so that dependencies still coming up
// alongside the service do not page anyone.
func (w *HealthWorker) Run(ctx context.Context) error {
	w.cfg.Logger.InfoContext(ctx, "Health worker starting", "interval", w.cfg.Interval)
	timer := w.cfg.Clock.NewTimer(jitter(w.cfg.Interval))
	defer timer.Stop()
	for {
		select {
		case <-ctx.Done():
			w.cfg.Logger.InfoContext(ctx, "Health worker stopped")
			return nil
		case <-timer.Chan():
			if err := w.Check(ctx); err != nil {
				w.cfg.Logger.WarnContext(ctx, "Health check run failed", "error", err)
			}
			timer.Reset(jitter(w.cfg.Interval))
		}
	}
}

// Check runs one probe round: it probes every component, persists the
// snapshot and alerts when anything is unhealthy. Check matches the
// task function shape so it can run instrumented.
func (w *HealthWorker) Check(ctx context.Context) error {
	snapshot := w.probe(ctx)
	w.store(ctx, snapshot)

	if snapshot.Healthy {
		w.cfg.Logger.InfoContext(ctx, "Health check passed",
			"queue_backlog", snapshot.QueueBacklog)
		return nil
	}

	w.cfg.Logger.WarnContext(ctx, "Health check failed",
		"components", snapshot.Components,
		"errors", snapshot.Errors,
	)
	send(ctx, w.cfg.Notifier, w.cfg.Logger, notify.Message{
		Severity: notify.SeverityCritical,
		Title:    "System health check",
		Body:     healthAlertBody(snapshot),
		Details: map[string]string{
			"queue_backlog": strconv.FormatInt(snapshot.QueueBacklog, 10),
		},
	})
	return nil
}

// probe runs every component check with its own timeout and folds the
// outcomes into a snapshot.
func (w *HealthWorker) probe(ctx context.Context) *HealthSnapshot {
	snapshot := &HealthSnapshot{
		Timestamp:  w.cfg.Clock.Now().UTC().Format(time.RFC3339),
		Components: make(map[string]bool, len(healthComponents)),
	}

	fail := func(component, reason string) {
		snapshot.Components[component] = false
		snapshot.Errors = append(snapshot.Errors, component+": "+truncate(reason, reasonLen))
	}

	if err := w.pingWithTimeout(ctx, w.cfg.Database, w.cfg.DatabaseTimeout); err != nil {
		fail(ComponentDatabase, probeReason(err, w.cfg.DatabaseTimeout))
	} else {
		snapshot.Components[ComponentDatabase] = true
	}

	if err := w.pingWithTimeout(ctx, w.cfg.KVPing, w.cfg.KVTimeout); err != nil {
		fail(ComponentKV, probeReason(err, w.cfg.KVTimeout))
	} else {
		snapshot.Components[ComponentKV] = true
	}

	if backlog, err := w.queueSize(ctx); err != nil {
		fail(ComponentQueue, probeReason(err, w.cfg.QueueTimeout))
	} else {
		snapshot.QueueBacklog = backlog
		if age, stuck := w.queueStuck(ctx); stuck {
			fail(ComponentQueue, fmt.Sprintf("stuck: no job completed in %d minutes", int(age.Minutes())))
		} else {
			snapshot.Components[ComponentQueue] = true
		}
	}

	snapshot.Healthy = true
	for _, healthy := range snapshot.Components {
		if !healthy {
			snapshot.Healthy = false
			break
		}
	}
	return snapshot
}

func (w *HealthWorker) pingWithTimeout(ctx context.Context, p Pinger, timeout time.Duration) error {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	return trace.Wrap(p.Ping(ctx))
}

func (w *HealthWorker) queueSize(ctx context.Context) (int64, error) {
	ctx, cancel := context.WithTimeout(ctx, w.cfg.QueueTimeout)
	defer cancel()
	n, err := w.cfg.Queue.Size(ctx)
	return n, trace.Wrap(err)
}

// queueStuck reports whether the completion watermark exists and is
// older than the stuck threshold. A missing watermark means no job has
// run yet, which is not a failure.
func (w *HealthWorker) queueStuck(ctx context.Context) (time.Duration, bool) {
	value, err := w.cfg.KV.Get(ctx, watermarkKey)
	if err != nil {
		if !trace.IsNotFound(err) {
			w.cfg.Logger.WarnContext(ctx, "Failed to read queue watermark", "error", err)
		}
		return 0, false
	}
	stamp, err := strconv.ParseInt(value, 10, 64)
	if err != nil {
		w.cfg.Logger.WarnContext(ctx, "Malformed queue watermark", "value", value)
		return 0, false
	}
	age := w.cfg.Clock.Now().Sub(time.Unix(stamp, 0))
	return age, age > w.cfg.StuckThreshold
}

// store persists the snapshot best effort: a broken store must not
// fail the probe whose whole point is to detect a broken store.
func (w *HealthWorker) store(ctx context.Context, snapshot *HealthSnapshot) {
	data, err := utils.FastMarshal(snapshot)
	if err != nil {
		w.cfg.Logger.WarnContext(ctx, "Failed to encode health snapshot", "error", err)
		return
	}
	if err := w.cfg.KV.Set(ctx, healthCurrentKey, string(data), defaults.SnapshotTTL); err != nil {
		w.cfg.Logger.WarnContext(ctx, "Failed to store health snapshot", "error", err)
	}
	if err := w.cfg.KV.LPush(ctx, healthHistoryKey, string(data)); err != nil {
		w.cfg.Logger.WarnContext(ctx, "Failed to push health history", "error", err)
		return
	}
	if err := w.cfg.KV.LTrim(ctx, healthHistoryKey, 0, defaults.HealthHistoryLen-1); err != nil {
		w.cfg.Logger.WarnContext(ctx, "Failed to trim health history", "error", err)
	}
}

// CurrentSnapshot returns the last stored snapshot. It returns
// trace.NotFound when no probe has run within the snapshot TTL.
func CurrentSnapshot(ctx context.Context, store kv.KV) (*HealthSnapshot, error) {
	value, err := store.Get(ctx, healthCurrentKey)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	var snapshot HealthSnapshot
	if err := utils.FastUnmarshal([]byte(value), &snapshot); err != nil {
		return nil, trace.Wrap(err)
	}
	return &snapshot, nil
}

// probeReason renders a probe error, folding context timeouts into a
// stable message.
func probeReason(err error, timeout time.Duration) string {
	if errors.Is(err, context.DeadlineExceeded) {
		return fmt.Sprintf("timeout (>%s)", timeout)
	}
	return err.Error()
}

// healthAlertBody renders per-component status lines followed by the
// failure reasons.
func healthAlertBody(snapshot *HealthSnapshot) string {
	var b strings.Builder
	for _, name := range healthComponents {
		healthy, probed := snapshot.Components[name]
		if !probed {
			continue
		}
		if healthy {
			b.WriteString("✅ " + name + ": OK\n")
		} else {
			b.WriteString("❌ " + name + ": FAILED\n")
		}
	}
	if len(snapshot.Errors) > 0 {
		b.WriteString("\nErrors:\n")
		for _, reason := range snapshot.Errors {
			b.WriteString("• " + reason + "\n")
		}
	}
	return strings.TrimRight(b.String(), "\n")
}
