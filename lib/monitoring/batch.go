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
	"github.com/gravitational/pulse/lib/utils"
)

// batchTopN caps every section of the batch summary.
const batchTopN = 5

// BatchCollectorConfig configures a BatchCollector.
type BatchCollectorConfig struct {
	// KV holds the hourly batch lists and the task counters.
	KV kv.KV
	// Notifier delivers the summary.
	Notifier notify.Notifier
	// Window is the flush period.
	Window time.Duration
	// SlowRequestThreshold is reported in the summary footer.
	SlowRequestThreshold time.Duration
	// SlowTaskThreshold is reported in the summary footer.
	SlowTaskThreshold time.Duration
	// Clock is the time source, swapped in tests.
	Clock clockwork.Clock
	// Logger emits batch collector logs.
	Logger *slog.Logger
}

// CheckAndSetDefaults validates the config and fills in defaults.
func (c *BatchCollectorConfig) CheckAndSetDefaults() error {
	if c.KV == nil {
		return trace.BadParameter("missing required value KV")
	}
	if c.Notifier == nil {
		return trace.BadParameter("missing required value Notifier")
	}
	if c.Window <= 0 {
		c.Window = defaults.BatchWindow
	}
	if c.SlowRequestThreshold <= 0 {
		c.SlowRequestThreshold = defaults.SlowRequestThreshold
	}
	if c.SlowTaskThreshold <= 0 {
		c.SlowTaskThreshold = defaults.SlowTaskThreshold
	}
	if c.Clock == nil {
		c.Clock = clockwork.NewRealClock()
	}
	if c.Logger == nil {
		c.Logger = slog.With(pulse.ComponentKey, pulse.ComponentBatch)
	}
	return nil
}

// BatchCollector periodically folds the accumulated slow requests and
// task warnings into one muted summary instead of paging per incident.
type BatchCollector struct {
	cfg BatchCollectorConfig
}

// NewBatchCollector returns a BatchCollector for the given config.
func NewBatchCollector(cfg BatchCollectorConfig) (*BatchCollector, error) {
	if err := cfg.CheckAndSetDefaults(); err != nil {
		return nil, trace.Wrap(err)
	}
	return &BatchCollector{cfg: cfg}, nil
}

// Run flushes every window until the context is canceled.
func (c *BatchCollector) Run(ctx context.Context) error {
	c.cfg.Logger.InfoContext(ctx, "Batch collector starting", "window", c.cfg.Window)
	timer := c.cfg.Clock.NewTimer(jitter(c.cfg.Window))
	defer timer.Stop()
	for {
		select {
		case <-ctx.Done():
			c.cfg.Logger.InfoContext(ctx, "Batch collector stopped")
			return nil
		case <-timer.Chan():
			if err := c.Flush(ctx); err != nil {
				c.cfg.Logger.WarnContext(ctx, "Batch flush failed", "error", err)
			}
			timer.Reset(jitter(c.cfg.Window))
		}
	}
}

// endpointGroup aggregates the slow requests of one endpoint.
type endpointGroup struct {
	endpoint string
	count    int
	max      float64
	total    float64
}

func (g endpointGroup) mean() float64 {
	if g.count == 0 {
		return 0
	}
	return g.total / float64(g.count)
}

// Flush drains the current hour's slow request batch, collects task
// warnings and sends one muted summary. Nothing accumulated means
// nothing sent.
func (c *BatchCollector) Flush(ctx context.Context) error {
	now := c.cfg.Clock.Now()

	slow, err := c.drainSlowRequests(ctx, now)
	if err != nil {
		return trace.Wrap(err)
	}
	failed, err := c.failedTasks(ctx, now)
	if err != nil {
		return trace.Wrap(err)
	}
	slowTasks, err := c.slowTasks(ctx)
	if err != nil {
		return trace.Wrap(err)
	}

	if len(slow) == 0 && len(failed) == 0 && len(slowTasks) == 0 {
		c.cfg.Logger.DebugContext(ctx, "No batch alerts to send")
		return nil
	}

	send(ctx, c.cfg.Notifier, c.cfg.Logger, notify.Message{
		Severity: notify.SeverityWarning,
		Title:    "Batch alert summary",
		Body:     c.summaryBody(slow, failed, slowTasks),
		Details: map[string]string{
			"period": c.cfg.Window.String(),
		},
		Muted: true,
	})
	c.cfg.Logger.InfoContext(ctx, "Batch alert sent",
		"slow_endpoints", len(slow),
		"failed_tasks", len(failed),
		"slow_tasks", len(slowTasks),
	)
	return nil
}

// drainSlowRequests reads and deletes the current hour's batch list and
// groups the entries by endpoint, ordered by count descending.
func (c *BatchCollector) drainSlowRequests(ctx context.Context, now time.Time) ([]endpointGroup, error) {
	key := slowBatchKey(hourOf(now))
	items, err := c.cfg.KV.LRange(ctx, key, 0, -1)
	if err != nil {
		if trace.IsNotFound(err) {
			return nil, nil
		}
		return nil, trace.Wrap(err)
	}
	if err := c.cfg.KV.Delete(ctx, key); err != nil {
		return nil, trace.Wrap(err)
	}

	groups := make(map[string]*endpointGroup)
	for _, item := range items {
		var entry slowEntry
		if err := utils.FastUnmarshal([]byte(item), &entry); err != nil {
			c.cfg.Logger.WarnContext(ctx, "Skipping malformed batch entry", "error", err)
			continue
		}
		group, ok := groups[entry.Endpoint]
		if !ok {
			group = &endpointGroup{endpoint: entry.Endpoint}
			groups[entry.Endpoint] = group
		}
		group.count++
		group.total += entry.Elapsed
		if entry.Elapsed > group.max {
			group.max = entry.Elapsed
		}
	}

	ordered := make([]endpointGroup, 0, len(groups))
	for _, group := range groups {
		ordered = append(ordered, *group)
	}
	sort.Slice(ordered, func(i, j int) bool {
		if ordered[i].count != ordered[j].count {
			return ordered[i].count > ordered[j].count
		}
		return ordered[i].endpoint < ordered[j].endpoint
	})
	return ordered, nil
}

// failedTasks reads today's per-task failure counters, ordered by
// count descending.
func (c *BatchCollector) failedTasks(ctx context.Context, now time.Time) ([]counterEntry, error) {
	keys, err := c.cfg.KV.Scan(ctx, taskFailurePattern(dayOf(now)))
	if err != nil {
		return nil, trace.Wrap(err)
	}
	counters := make(map[string]int64, len(keys))
	for _, key := range keys {
		value, err := c.cfg.KV.Get(ctx, key)
		if err != nil {
			if trace.IsNotFound(err) {
				continue
			}
			return nil, trace.Wrap(err)
		}
		count, err := strconv.ParseInt(value, 10, 64)
		if err != nil || count <= 0 {
			continue
		}
		counters[lastKeyPart(key)] = count
	}
	return sortCounters(counters), nil
}

// slowTasks lists tasks currently flagged slow by their hourly dedup
// keys, sorted by name.
func (c *BatchCollector) slowTasks(ctx context.Context) ([]string, error) {
	keys, err := c.cfg.KV.Scan(ctx, slowTaskPattern())
	if err != nil {
		return nil, trace.Wrap(err)
	}
	names := make([]string, 0, len(keys))
	for _, key := range keys {
		names = append(names, lastKeyPart(key))
	}
	sort.Strings(names)
	return names, nil
}

// summaryBody renders the three sections, each capped at the top five
// entries, with a totals footer.
func (c *BatchCollector) summaryBody(slow []endpointGroup, failed []counterEntry, slowTasks []string) string {
	var sections []string

	if len(slow) > 0 {
		lines := []string{"🐌 Slow requests:"}
		for _, group := range top(slow) {
			lines = append(lines, fmt.Sprintf("• %s: %d requests, max %.1fs, avg %.1fs",
				group.endpoint, group.count, group.max, group.mean()))
		}
		if extra := len(slow) - batchTopN; extra > 0 {
			lines = append(lines, fmt.Sprintf("  ...and %d more endpoints", extra))
		}
		sections = append(sections, strings.Join(lines, "\n"))
	}

	if len(failed) > 0 {
		lines := []string{"❌ Failed tasks:"}
		for _, entry := range top(failed) {
			lines = append(lines, fmt.Sprintf("• %s: %d failures", entry.name, entry.count))
		}
		if extra := len(failed) - batchTopN; extra > 0 {
			lines = append(lines, fmt.Sprintf("  ...and %d more tasks", extra))
		}
		sections = append(sections, strings.Join(lines, "\n"))
	}

	if len(slowTasks) > 0 {
		lines := []string{"⏱ Slow tasks:"}
		for _, name := range top(slowTasks) {
			lines = append(lines, "• "+name)
		}
		if extra := len(slowTasks) - batchTopN; extra > 0 {
			lines = append(lines, fmt.Sprintf("  ...and %d more tasks", extra))
		}
		sections = append(sections, strings.Join(lines, "\n"))
	}

	footer := fmt.Sprintf("Total issues: %d\nThresholds: requests >%s, tasks >%s",
		len(slow)+len(failed),
		c.cfg.SlowRequestThreshold,
		c.cfg.SlowTaskThreshold,
	)
	sections = append(sections, footer)
	return strings.Join(sections, "\n\n")
}

// top returns at most the first batchTopN elements.
func top[T any](items []T) []T {
	if len(items) > batchTopN {
		return items[:batchTopN]
	}
	return items
}
