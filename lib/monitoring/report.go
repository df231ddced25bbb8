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
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/gravitational/trace"
	"github.com/jonboulle/clockwork"

	"github.com/gravitational/pulse"
	"github.com/gravitational/pulse/lib/defaults"
	"github.com/gravitational/pulse/lib/kv"
	"github.com/gravitational/pulse/lib/notify"
)

// UsageSource reports product usage counters for the daily digest. The
// activity store implements it against the application tables.
type UsageSource interface {
	// NewUsers counts users created in [since, until).
	NewUsers(ctx context.Context, since, until time.Time) (int64, error)
	// ActiveUsers counts distinct users with recorded activity in
	// [since, until).
	ActiveUsers(ctx context.Context, since, until time.Time) (int64, error)
	// TotalUsers counts all users.
	TotalUsers(ctx context.Context) (int64, error)
	// NewProjects counts projects created in [since, until).
	NewProjects(ctx context.Context, since, until time.Time) (int64, error)
	// TotalProjects counts all projects.
	TotalProjects(ctx context.Context) (int64, error)
}

// ReportWorkerConfig configures a ReportWorker.
type ReportWorkerConfig struct {
	// KV holds the daily counters and the send dedup key.
	KV kv.KV
	// Usage reports database-backed usage counters. Optional: without
	// it the digest carries error statistics only.
	Usage UsageSource
	// Notifier delivers the digest.
	Notifier notify.Notifier
	// Hour is the UTC hour the digest goes out at.
	Hour int
	// Minute is the UTC minute the digest goes out at.
	Minute int
	// Clock is the time source, swapped in tests.
	Clock clockwork.Clock
	// Logger emits report worker logs.
	Logger *slog.Logger
}

// CheckAndSetDefaults validates the config and fills in defaults.
func (c *ReportWorkerConfig) CheckAndSetDefaults() error {
	if c.KV == nil {
		return trace.BadParameter("missing required value KV")
	}
	if c.Notifier == nil {
		return trace.BadParameter("missing required value Notifier")
	}
	if c.Hour < 0 || c.Hour > 23 {
		return trace.BadParameter("report hour must be within [0, 23], got %v", c.Hour)
	}
	if c.Minute < 0 || c.Minute > 59 {
		return trace.BadParameter("report minute must be within [0, 59], got %v", c.Minute)
	}
	if c.Clock == nil {
		c.Clock = clockwork.NewRealClock()
	}
	if c.Logger == nil {
		c.Logger = slog.With(pulse.ComponentKey, pulse.ComponentReport)
	}
	return nil
}

// ReportWorker sends one usage digest per day at a fixed UTC time. A
// short-lived dedup key keeps replica fan-out to a single message.
type ReportWorker struct {
	cfg ReportWorkerConfig
}

// NewReportWorker returns a ReportWorker for the given config.
func NewReportWorker(cfg ReportWorkerConfig) (*ReportWorker, error) {
	if err := cfg.CheckAndSetDefaults(); err != nil {
		return nil, trace.Wrap(err)
	}
	return &ReportWorker{cfg: cfg}, nil
}

// Run sends the digest at the configured time every day until the
// context is canceled.
func (w *ReportWorker) Run(ctx context.Context) error {
	w.cfg.Logger.InfoContext(ctx, "Report worker starting",
		"send_at", fmt.Sprintf("%02d:%02d UTC", w.cfg.Hour, w.cfg.Minute))
	timer := w.cfg.Clock.NewTimer(w.untilNextRun())
	defer timer.Stop()
	for {
		select {
		case <-ctx.Done():
			w.cfg.Logger.InfoContext(ctx, "Report worker stopped")
			return nil
		case <-timer.Chan():
			if err := w.SendReport(ctx); err != nil {
				w.cfg.Logger.WarnContext(ctx, "Daily report run failed", "error", err)
			}
			timer.Reset(w.untilNextRun())
		}
	}
}

// untilNextRun returns the wait until the next configured send time.
func (w *ReportWorker) untilNextRun() time.Duration {
	now := w.cfg.Clock.Now().UTC()
	next := time.Date(now.Year(), now.Month(), now.Day(), w.cfg.Hour, w.cfg.Minute, 0, 0, time.UTC)
	if !next.After(now) {
		next = next.AddDate(0, 0, 1)
	}
	return next.Sub(now)
}

// SendReport collects today's statistics and delivers the digest. The
// dedup key makes repeated calls within the same day no-ops, so the
// method is safe to run from several replicas. Collection failures
// produce a warning alert instead of a digest.
func (w *ReportWorker) SendReport(ctx context.Context) error {
	now := w.cfg.Clock.Now()
	day := dayOf(now)

	first, err := w.cfg.KV.SetNX(ctx, reportSentKey(day), "1", defaults.ReportDedupTTL)
	if err != nil {
		return trace.Wrap(err)
	}
	if !first {
		w.cfg.Logger.DebugContext(ctx, "Daily report already sent", "day", day)
		return nil
	}

	body, err := w.collect(ctx, now)
	if err != nil {
		w.cfg.Logger.ErrorContext(ctx, "Failed to collect daily report", "error", err)
		send(ctx, w.cfg.Notifier, w.cfg.Logger, notify.Message{
			Severity: notify.SeverityWarning,
			Title:    "Daily report failed",
			Body:     "Failed to generate the daily statistics report",
			Error:    errorClass(err) + ": " + truncate(err.Error(), reasonLen),
		})
		return trace.Wrap(err)
	}

	send(ctx, w.cfg.Notifier, w.cfg.Logger, notify.Message{
		Severity: notify.SeverityInfo,
		Title:    "Daily report",
		Body:     body,
		Details:  map[string]string{"date": day},
		Muted:    true,
	})
	w.cfg.Logger.InfoContext(ctx, "Daily report sent", "day", day)
	return nil
}

// collect builds the digest body from the usage source and today's
// error counters.
func (w *ReportWorker) collect(ctx context.Context, now time.Time) (string, error) {
	var sections []string

	if w.cfg.Usage != nil {
		usage, err := w.collectUsage(ctx, now)
		if err != nil {
			return "", trace.Wrap(err)
		}
		sections = append(sections, usage...)
	}

	errStats, err := w.collectErrors(ctx, now)
	if err != nil {
		return "", trace.Wrap(err)
	}
	sections = append(sections, errStats)

	return strings.Join(sections, "\n\n"), nil
}

func (w *ReportWorker) collectUsage(ctx context.Context, now time.Time) ([]string, error) {
	since := now.Add(-24 * time.Hour)

	newUsers, err := w.cfg.Usage.NewUsers(ctx, since, now)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	activeUsers, err := w.cfg.Usage.ActiveUsers(ctx, since, now)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	totalUsers, err := w.cfg.Usage.TotalUsers(ctx)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	newProjects, err := w.cfg.Usage.NewProjects(ctx, since, now)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	totalProjects, err := w.cfg.Usage.TotalProjects(ctx)
	if err != nil {
		return nil, trace.Wrap(err)
	}

	users := strings.Join([]string{
		"👤 Users",
		"• New: " + strconv.FormatInt(newUsers, 10),
		"• Active: " + strconv.FormatInt(activeUsers, 10),
		"• Total: " + strconv.FormatInt(totalUsers, 10),
	}, "\n")
	projects := strings.Join([]string{
		"📁 Projects",
		"• New: " + strconv.FormatInt(newProjects, 10),
		"• Total: " + strconv.FormatInt(totalProjects, 10),
	}, "\n")
	return []string{users, projects}, nil
}

// collectErrors reads today's error counters and slow request counts
// from the daily stats keys.
func (w *ReportWorker) collectErrors(ctx context.Context, now time.Time) (string, error) {
	day := dayOf(now)

	total, err := w.counter(ctx, errorsTotalKey(day))
	if err != nil {
		return "", trace.Wrap(err)
	}

	byClass, err := w.countersByKey(ctx, errorsClassPattern(day))
	if err != nil {
		return "", trace.Wrap(err)
	}

	slowKeys, err := w.cfg.KV.Scan(ctx, slowRequestPattern(day))
	if err != nil {
		return "", trace.Wrap(err)
	}
	var slowRequests int64
	timesKey := slowRequestTimesKey(day)
	for _, key := range slowKeys {
		if key == timesKey {
			continue
		}
		n, err := w.counter(ctx, key)
		if err != nil {
			return "", trace.Wrap(err)
		}
		slowRequests += n
	}

	lines := []string{
		"❗ Errors",
		"• Total: " + strconv.FormatInt(total, 10),
	}
	if len(byClass) > 0 {
		lines = append(lines, "• By type:")
		for _, entry := range sortCounters(byClass) {
			lines = append(lines, fmt.Sprintf("  - %s: %d", entry.name, entry.count))
		}
	}
	lines = append(lines, "• Slow requests: "+strconv.FormatInt(slowRequests, 10))
	return strings.Join(lines, "\n"), nil
}

// counter reads an integer counter, treating a missing key as zero.
func (w *ReportWorker) counter(ctx context.Context, key string) (int64, error) {
	value, err := w.cfg.KV.Get(ctx, key)
	if err != nil {
		if trace.IsNotFound(err) {
			return 0, nil
		}
		return 0, trace.Wrap(err)
	}
	n, err := strconv.ParseInt(value, 10, 64)
	if err != nil {
		return 0, trace.BadParameter("malformed counter %v: %v", key, value)
	}
	return n, nil
}

// countersByKey scans pattern and reads every matching counter, keyed
// by the last key segment.
func (w *ReportWorker) countersByKey(ctx context.Context, pattern string) (map[string]int64, error) {
	keys, err := w.cfg.KV.Scan(ctx, pattern)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	counters := make(map[string]int64, len(keys))
	for _, key := range keys {
		n, err := w.counter(ctx, key)
		if err != nil {
			return nil, trace.Wrap(err)
		}
		counters[lastKeyPart(key)] = n
	}
	return counters, nil
}

// lastKeyPart returns the segment after the final ":".
func lastKeyPart(key string) string {
	if i := strings.LastIndexByte(key, ':'); i >= 0 {
		return key[i+1:]
	}
	return key
}

// counterEntry is one named counter in a sorted listing.
type counterEntry struct {
	name  string
	count int64
}

// sortCounters orders counters by count descending, then by name for a
// stable listing.
func sortCounters(counters map[string]int64) []counterEntry {
	entries := make([]counterEntry, 0, len(counters))
	for name, count := range counters {
		entries = append(entries, counterEntry{name: name, count: count})
	}
	sort.Slice(entries, func(i, j int) bool {
		if entries[i].count != entries[j].count {
			return entries[i].count > entries[j].count
		}
		return entries[i].name < entries[j].name
	})
	return entries
}
