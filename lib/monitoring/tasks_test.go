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
	"testing"
	"time"

	"github.com/gravitational/trace"
	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/require"

	"github.com/gravitational/pulse/lib/kv/memory"
	"github.com/gravitational/pulse/lib/notify"
)

type testTaskMonitor struct {
	monitor  *TaskMonitor
	notifier *fakeNotifier
	store    *memory.Memory
	clock    *clockwork.FakeClock
}

func newTestTaskMonitor(t *testing.T, mutate func(*TaskMonitorConfig)) testTaskMonitor {
	t.Helper()
	store := memory.New()
	clock := clockwork.NewFakeClockAt(time.Date(2025, 11, 3, 14, 30, 0, 0, time.UTC))
	stats, err := NewStats(StatsConfig{KV: store, Clock: clock})
	require.NoError(t, err)

	notifier := &fakeNotifier{}
	cfg := TaskMonitorConfig{
		Stats:    stats,
		Notifier: notifier,
		Clock:    clock,
	}
	if mutate != nil {
		mutate(&cfg)
	}
	monitor, err := NewTaskMonitor(cfg)
	require.NoError(t, err)
	return testTaskMonitor{monitor: monitor, notifier: notifier, store: store, clock: clock}
}

func TestInstrumentSuccess(t *testing.T) {
	t.Parallel()
	tm := newTestTaskMonitor(t, nil)
	ctx := context.Background()

	run := tm.monitor.Instrument("aggregate_session", func(context.Context) error {
		tm.clock.Advance(time.Second)
		return nil
	})
	require.NoError(t, run(ctx))

	count, err := tm.store.Get(ctx, taskSuccessKey("2025-11-03", "aggregate_session"))
	require.NoError(t, err)
	require.Equal(t, "1", count)

	// A completed application job advances the queue watermark.
	_, err = tm.store.Get(ctx, watermarkKey)
	require.NoError(t, err)

	require.Empty(t, tm.notifier.sent(), "a fast successful task must not alert")
}

func TestInstrumentWatermarkExempt(t *testing.T) {
	t.Parallel()
	tm := newTestTaskMonitor(t, nil)
	ctx := context.Background()

	run := tm.monitor.Instrument(TaskHealthCheck, func(context.Context) error { return nil })
	require.NoError(t, run(ctx))

	// The health probe completing must not make the queue look alive.
	_, err := tm.store.Get(ctx, watermarkKey)
	require.True(t, trace.IsNotFound(err))
}

func TestInstrumentSlowTask(t *testing.T) {
	t.Parallel()
	tm := newTestTaskMonitor(t, func(cfg *TaskMonitorConfig) {
		cfg.SlowThreshold = time.Minute
	})
	ctx := context.Background()

	run := tm.monitor.Instrument("aggregate_session", func(context.Context) error {
		tm.clock.Advance(2 * time.Minute)
		return nil
	})

	require.NoError(t, run(ctx))
	messages := tm.notifier.sent()
	require.Len(t, messages, 1)
	require.Equal(t, notify.SeverityWarning, messages[0].Severity)
	require.Equal(t, "Slow background task", messages[0].Title)
	require.Contains(t, messages[0].Body, "120.0s")

	// The second slow run within the hour stays quiet.
	require.NoError(t, run(ctx))
	require.Len(t, tm.notifier.sent(), 1)
}

func TestInstrumentFailure(t *testing.T) {
	t.Parallel()
	tm := newTestTaskMonitor(t, nil)
	ctx := context.Background()

	taskErr := trace.ConnectionProblem(nil, "database is down")
	run := tm.monitor.Instrument("aggregate_session", func(context.Context) error {
		return taskErr
	})

	// The wrapper must hand back the original error for the queue's
	// retry policy.
	for range 3 {
		require.ErrorIs(t, run(ctx), taskErr)
	}

	messages := tm.notifier.sent()
	require.Len(t, messages, 3)
	for _, msg := range messages {
		require.Equal(t, notify.SeverityWarning, msg.Severity)
		require.Equal(t, "Background task failed", msg.Title)
		require.Contains(t, msg.Error, "database is down")
	}

	// Crossing the hourly failure count escalates to critical.
	require.Error(t, run(ctx))
	messages = tm.notifier.sent()
	require.Len(t, messages, 4)
	require.Equal(t, notify.SeverityCritical, messages[3].Severity)
	require.Equal(t, "4", messages[3].Details["failures_last_hour"])
}

func TestInstrumentIgnoredTask(t *testing.T) {
	t.Parallel()
	tm := newTestTaskMonitor(t, func(cfg *TaskMonitorConfig) {
		cfg.IgnoreTasks = []string{"noisy_migration"}
	})
	ctx := context.Background()

	run := tm.monitor.Instrument("noisy_migration", func(context.Context) error {
		return trace.BadParameter("boom")
	})
	require.Error(t, run(ctx))

	require.Empty(t, tm.notifier.sent())
	_, err := tm.store.Get(ctx, taskFailureKey("2025-11-03", "noisy_migration"))
	require.True(t, trace.IsNotFound(err))
}
