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

// Package defaults contains default constants used in various parts of
// the pulse codebase.
package defaults

import "time"

// Default network addresses.
const (
	// ConfigFilePath is where the daemon looks for its configuration
	// when --config is not given.
	ConfigFilePath = "/etc/pulse.yaml"

	// HTTPListenAddr is the address the feed API listens on.
	HTTPListenAddr = "0.0.0.0:3480"

	// DiagnosticAddr is the address the diagnostic endpoints (metrics,
	// liveness, readiness) listen on.
	DiagnosticAddr = "127.0.0.1:3434"

	// RedisAddr is the address of the shared key-value store.
	RedisAddr = "127.0.0.1:6379"
)

// Activity aggregation defaults.
const (
	// SessionWindow is how long a burst of events from one actor in one
	// project keeps extending the same session. It is both the
	// fingerprint time bucket and the aggregation debounce delay.
	SessionWindow = 15 * time.Minute

	// MaxEventsPerSession caps the number of buffered events in one
	// session before aggregation is forced to run immediately.
	MaxEventsPerSession = 100

	// FeedPageSize is the number of activities per feed page when the
	// client does not ask for a specific size.
	FeedPageSize = 20

	// FeedMaxPageSize is the largest page size a feed client may request.
	FeedMaxPageSize = 100

	// HeatmapMaxRangeDays is the widest date range a heatmap query may
	// cover.
	HeatmapMaxRangeDays = 366

	// CommentSnippetLen is the length comment text is truncated to by
	// event producers before it is stored in an event detail.
	CommentSnippetLen = 75
)

// Queue defaults.
const (
	// QueuePollInterval is how often the queue worker polls for due jobs.
	QueuePollInterval = time.Second

	// QueueClaimBatch is how many due jobs one poll may claim.
	QueueClaimBatch = 16

	// QueueRetryDelay is the base delay between retries of a failed job;
	// the effective delay is the attempt number times this value.
	QueueRetryDelay = 30 * time.Second

	// QueueMaxAttempts is how many times a job runs before it is dropped.
	QueueMaxAttempts = 3
)

// Monitoring defaults.
const (
	// RateLimitWindow is how long one error fingerprint stays muted
	// after it produced an alert.
	RateLimitWindow = 10 * time.Minute

	// SlowRequestThreshold is the request duration beyond which a
	// request is recorded as slow.
	SlowRequestThreshold = 2 * time.Second

	// SlowTaskThreshold is the task duration beyond which a background
	// task is reported as slow.
	SlowTaskThreshold = 5 * time.Minute

	// TaskFailureAlertCount is the number of failures of one task within
	// an hour beyond which the failure alert escalates to critical.
	TaskFailureAlertCount = 3

	// HealthInterval is how often the health prober runs.
	HealthInterval = 30 * time.Minute

	// HealthDatabaseTimeout bounds the database health probe.
	HealthDatabaseTimeout = 5 * time.Second

	// HealthKVTimeout bounds the key-value store health probe.
	HealthKVTimeout = 3 * time.Second

	// HealthQueueTimeout bounds the queue health probe.
	HealthQueueTimeout = 5 * time.Second

	// QueueStuckThreshold is how stale the queue completion watermark
	// may grow before the queue is considered stuck.
	QueueStuckThreshold = 10 * time.Minute

	// BatchWindow is how often the batched alert collector flushes.
	BatchWindow = 15 * time.Minute

	// BatchListTTL is how long an hourly slow-request batch list lives
	// when no collector flushes it.
	BatchListTTL = time.Hour

	// DailyReportHour is the UTC hour the daily digest is sent at.
	DailyReportHour = 9

	// DailyReportMinute is the UTC minute the daily digest is sent at.
	DailyReportMinute = 0

	// StatsTTL is how long daily counters and lists are retained.
	StatsTTL = 7 * 24 * time.Hour

	// StatsListLen is how many entries execution-time lists retain.
	StatsListLen = 100

	// HealthHistoryLen is how many snapshots the health history retains.
	HealthHistoryLen = 100

	// LastSuccessTTL is how long a task's last-success stamp is retained.
	LastSuccessTTL = time.Hour

	// LastFailureTTL is how long a task's last-failure record is retained.
	LastFailureTTL = 24 * time.Hour

	// FailureCountTTL is the sliding window for per-task failure counts.
	FailureCountTTL = time.Hour

	// HourlyDedupTTL is the lifetime of first-in-hour alert dedup keys.
	HourlyDedupTTL = time.Hour

	// SnapshotTTL is how long the current health snapshot is retained.
	SnapshotTTL = time.Hour

	// StartupNoticeTTL is the dedup window for the startup notification
	// when several replicas start at once.
	StartupNoticeTTL = time.Minute

	// ReportDedupTTL is the dedup window for the daily digest. It is
	// well above worker clock skew and well below the daily cadence.
	ReportDedupTTL = 6 * time.Hour
)

// Notifier defaults.
const (
	// NotifySendTimeout bounds one chat API request.
	NotifySendTimeout = 10 * time.Second

	// NotifyMinInterval is the minimum spacing between chat sends.
	NotifyMinInterval = 100 * time.Millisecond

	// NotifyMaxAttempts is how many times one message is attempted.
	NotifyMaxAttempts = 3

	// NotifyBackoffBase is the first retry delay for a failed send.
	NotifyBackoffBase = time.Second

	// NotifyBackoffMax caps the retry delay for a failed send.
	NotifyBackoffMax = 10 * time.Second

	// NotifyMaxMessageLen is the hard cap on outgoing message length.
	NotifyMaxMessageLen = 4000

	// NotifyMaxTracebackLines is how many traceback lines a message keeps.
	NotifyMaxTracebackLines = 15
)

// Service defaults.
const (
	// ShutdownTimeout is how long graceful shutdown waits for requests
	// and workers to drain before the process exits anyway.
	ShutdownTimeout = 30 * time.Second

	// ReadHeaderTimeout bounds reading of request headers on the API
	// listeners.
	ReadHeaderTimeout = 10 * time.Second
)
