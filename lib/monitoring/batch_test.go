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
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/require"

	"github.com/gravitational/pulse/lib/kv"
	"github.com/gravitational/pulse/lib/kv/memory"
	"github.com/gravitational/pulse/lib/notify"
	"github.com/gravitational/pulse/lib/utils"
)

type testBatchCollector struct {
	collector *BatchCollector
	notifier  *fakeNotifier
	store     *memory.Memory
	clock     *clockwork.FakeClock
}

func newTestBatchCollector(t *testing.T) testBatchCollector {
	t.Helper()
	store := memory.New()
	clock := clockwork.NewFakeClockAt(time.Date(2025, 11, 3, 14, 30, 0, 0, time.UTC))
	notifier := &fakeNotifier{}
	collector, err := NewBatchCollector(BatchCollectorConfig{
		KV:       store,
		Notifier: notifier,
		Clock:    clock,
	})
	require.NoError(t, err)
	return testBatchCollector{collector: collector, notifier: notifier, store: store, clock: clock}
}

// pushSlow appends one slow request entry to the current hour's batch.
func (tb testBatchCollector) pushSlow(t *testing.T, endpoint string, elapsed float64) {
	t.Helper()
	data, err := utils.FastMarshal(slowEntry{
		Endpoint: endpoint,
		Elapsed:  elapsed,
		Time:     tb.clock.Now().UTC().Format(time.RFC3339),
	})
	require.NoError(t, err)
	require.NoError(t, tb.store.LPush(context.Background(), slowBatchKey(hourOf(tb.clock.Now())), string(data)))
}

func TestFlushNothingAccumulated(t *testing.T) {
	t.Parallel()
	tb := newTestBatchCollector(t)

	require.NoError(t, tb.collector.Flush(context.Background()))
	require.Empty(t, tb.notifier.sent())
}

func TestFlushSlowRequests(t *testing.T) {
	t.Parallel()
	tb := newTestBatchCollector(t)
	ctx := context.Background()

	tb.pushSlow(t, "GET:/feed/project/abc", 3.0)
	tb.pushSlow(t, "GET:/feed/project/abc", 5.0)
	tb.pushSlow(t, "GET:/feed/folder/def", 2.5)

	require.NoError(t, tb.collector.Flush(ctx))

	messages := tb.notifier.sent()
	require.Len(t, messages, 1)
	msg := messages[0]
	require.Equal(t, notify.SeverityWarning, msg.Severity)
	require.Equal(t, "Batch alert summary", msg.Title)
	require.True(t, msg.Muted, "batch summaries must not buzz")
	require.Contains(t, msg.Body, "🐌 Slow requests:")
	require.Contains(t, msg.Body, "• GET:/feed/project/abc: 2 requests, max 5.0s, avg 4.0s")
	require.Contains(t, msg.Body, "• GET:/feed/folder/def: 1 requests, max 2.5s, avg 2.5s")
	require.Contains(t, msg.Body, "Total issues: 2")

	// The batch is consumed: flushing again sends nothing.
	require.NoError(t, tb.collector.Flush(ctx))
	require.Len(t, tb.notifier.sent(), 1)
}

func TestFlushTaskWarnings(t *testing.T) {
	t.Parallel()
	tb := newTestBatchCollector(t)
	ctx := context.Background()
	day := "2025-11-03"

	require.NoError(t, tb.store.Set(ctx, taskFailureKey(day, "aggregate_session"), "7", kv.Forever))
	require.NoError(t, tb.store.Set(ctx, taskFailureKey(day, "daily_report"), "2", kv.Forever))
	require.NoError(t, tb.store.Set(ctx, slowTaskKey("batch_alerts"), "1", kv.Forever))

	require.NoError(t, tb.collector.Flush(ctx))

	messages := tb.notifier.sent()
	require.Len(t, messages, 1)
	body := messages[0].Body
	require.Contains(t, body, "❌ Failed tasks:")
	require.Contains(t, body, "• aggregate_session: 7 failures")
	require.Contains(t, body, "• daily_report: 2 failures")
	require.Contains(t, body, "⏱ Slow tasks:")
	require.Contains(t, body, "• batch_alerts")
	require.Contains(t, body, "Total issues: 2")
}

func TestFlushCapsSections(t *testing.T) {
	t.Parallel()
	tb := newTestBatchCollector(t)
	ctx := context.Background()
	day := "2025-11-03"

	for i := range 7 {
		name := fmt.Sprintf("task_%02d", i)
		count := fmt.Sprintf("%d", 10-i)
		require.NoError(t, tb.store.Set(ctx, taskFailureKey(day, name), count, kv.Forever))
	}

	require.NoError(t, tb.collector.Flush(ctx))

	messages := tb.notifier.sent()
	require.Len(t, messages, 1)
	body := messages[0].Body
	require.Contains(t, body, "• task_00: 10 failures")
	require.Contains(t, body, "• task_04: 6 failures")
	require.NotContains(t, body, "task_05")
	require.Contains(t, body, "...and 2 more tasks")
}

func TestFlushSkipsMalformedEntries(t *testing.T) {
	t.Parallel()
	tb := newTestBatchCollector(t)
	ctx := context.Background()

	require.NoError(t, tb.store.LPush(ctx, slowBatchKey(hourOf(tb.clock.Now())), "not json"))
	tb.pushSlow(t, "GET:/feed/project/abc", 3.0)

	require.NoError(t, tb.collector.Flush(ctx))

	messages := tb.notifier.sent()
	require.Len(t, messages, 1)
	require.Contains(t, messages[0].Body, "GET:/feed/project/abc: 1 requests")
}
