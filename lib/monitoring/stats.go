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
	"github.com/gravitational/pulse/lib/kv"
	"github.com/gravitational/pulse/lib/utils"
)

// StatsConfig configures a Stats recorder.
type StatsConfig struct {
	// KV is the shared store counters are kept in.
	KV kv.KV
	// TTL is how long daily counters and lists are retained.
	TTL time.Duration
	// ListLen caps execution-time lists.
	ListLen int64
	// Clock is the time source, swapped in tests.
	Clock clockwork.Clock
	// Logger emits stats recorder logs.
	Logger *slog.Logger
}

// CheckAndSetDefaults validates the config and fills in defaults.
func (c *StatsConfig) CheckAndSetDefaults() error {
	if c.KV == nil {
		return trace.BadParameter("missing required value KV")
	}
	if c.TTL <= 0 {
		c.TTL = defaults.StatsTTL
	}
	if c.ListLen <= 0 {
		c.ListLen = defaults.StatsListLen
	}
	if c.Clock == nil {
		c.Clock = clockwork.NewRealClock()
	}
	if c.Logger == nil {
		c.Logger = slog.With(pulse.ComponentKey, pulse.ComponentMonitoring)
	}
	return nil
}

// Stats records operational counters in the shared KV store. Every
// method is best effort: a failed write is logged and dropped, never
// surfaced to the caller, because bookkeeping must not fail requests
// or tasks.
type Stats struct {
	cfg StatsConfig
}

// NewStats returns a Stats recorder for the given config.
func NewStats(cfg StatsConfig) (*Stats, error) {
	if err := cfg.CheckAndSetDefaults(); err != nil {
		return nil, trace.Wrap(err)
	}
	return &Stats{cfg: cfg}, nil
}

// slowEntry is one slow request in the hourly batch list.
type slowEntry struct {
	// Endpoint is the "METHOD:path" label of the slow request.
	Endpoint string `json:"endpoint"`
	// Elapsed is the request duration in seconds.
	Elapsed float64 `json:"elapsed"`
	// Time is the RFC 3339 completion time.
	Time string `json:"time"`
}

// taskFailure is the stored last-failure record of a task.
type taskFailure struct {
	// Time is the RFC 3339 failure time.
	Time string `json:"time"`
	// Error is the sanitized, truncated error message.
	Error string `json:"error"`
	// Class is the error class name.
	Class string `json:"class"`
}

// RecordError bumps the daily error counters for one captured server
// error.
func (s *Stats) RecordError(ctx context.Context, method, path, class string, status int) {
	day := dayOf(s.cfg.Clock.Now())
	s.bump(ctx, errorsTotalKey(day))
	s.bump(ctx, errorsClassKey(day, class))
	s.bump(ctx, errorsEndpointKey(day, endpointOf(method, path)))
	s.bump(ctx, errorsStatusKey(day, status))
	errorsCaptured.WithLabelValues(class).Inc()
}

// RecordSlowRequest stores one slow request in the daily stats and the
// hourly batch list. It reports whether this endpoint is the first
// slow one in the current hour, which gates the immediate alert.
func (s *Stats) RecordSlowRequest(ctx context.Context, method, path string, elapsed time.Duration) bool {
	now := s.cfg.Clock.Now()
	day, endpoint := dayOf(now), endpointOf(method, path)
	seconds := elapsed.Seconds()

	entry, err := utils.FastMarshal(slowEntry{
		Endpoint: endpoint,
		Elapsed:  seconds,
		Time:     now.UTC().Format(time.RFC3339),
	})
	if err != nil {
		s.cfg.Logger.WarnContext(ctx, "Failed to encode slow request entry", "error", err)
	} else {
		s.push(ctx, slowBatchKey(hourOf(now)), string(entry), defaults.BatchListTTL)
	}

	s.bump(ctx, slowRequestCountKey(day, endpoint))
	s.push(ctx, slowRequestTimesKey(day), fmt.Sprintf("%s:%.2f", endpoint, seconds), s.cfg.TTL)
	slowRequestsObserved.Inc()

	first, err := s.cfg.KV.SetNX(ctx, slowAlertKey(endpoint), "1", defaults.HourlyDedupTTL)
	if err != nil {
		s.cfg.Logger.WarnContext(ctx, "Failed to check slow request dedup key",
			"endpoint", endpoint, "error", err)
		return false
	}
	return first
}

// RecordTaskSuccess stores the bookkeeping of one successful task run.
func (s *Stats) RecordTaskSuccess(ctx context.Context, name string, elapsed time.Duration) {
	now := s.cfg.Clock.Now()
	day := dayOf(now)
	s.bump(ctx, taskSuccessKey(day, name))
	s.push(ctx, taskTimeKey(day, name), strconv.FormatFloat(elapsed.Seconds(), 'f', 2, 64), s.cfg.TTL)
	s.set(ctx, lastSuccessKey(name), strconv.FormatInt(now.Unix(), 10), defaults.LastSuccessTTL)
}

// MarkJobCompleted advances the queue liveness watermark. The health
// prober treats a stale watermark as a stuck queue, so the key never
// expires.
func (s *Stats) MarkJobCompleted(ctx context.Context) {
	s.set(ctx, watermarkKey, strconv.FormatInt(s.cfg.Clock.Now().Unix(), 10), kv.Forever)
}

// RecordTaskFailure stores the bookkeeping of one failed task run and
// returns the task's failure count in the last hour. It returns zero
// when the count is unavailable.
func (s *Stats) RecordTaskFailure(ctx context.Context, name, class, message string) int64 {
	now := s.cfg.Clock.Now()
	day := dayOf(now)
	s.bump(ctx, taskFailureKey(day, name))
	s.bump(ctx, taskErrorClassKey(day, class))

	record, err := utils.FastMarshal(taskFailure{
		Time:  now.UTC().Format(time.RFC3339),
		Error: message,
		Class: class,
	})
	if err != nil {
		s.cfg.Logger.WarnContext(ctx, "Failed to encode task failure record",
			"task", name, "error", err)
	} else {
		s.set(ctx, lastFailureKey(name), string(record), defaults.LastFailureTTL)
	}

	count, err := s.cfg.KV.Incr(ctx, failureCountKey(name))
	if err != nil {
		s.cfg.Logger.WarnContext(ctx, "Failed to bump task failure count",
			"task", name, "error", err)
		return 0
	}
	if err := s.cfg.KV.Expire(ctx, failureCountKey(name), defaults.FailureCountTTL); err != nil {
		s.cfg.Logger.WarnContext(ctx, "Failed to expire task failure count",
			"task", name, "error", err)
	}
	return count
}

// FirstSlowTaskThisHour reports whether name has not been flagged slow
// in the current hour yet, and flags it.
func (s *Stats) FirstSlowTaskThisHour(ctx context.Context, name string) bool {
	first, err := s.cfg.KV.SetNX(ctx, slowTaskKey(name), "1", defaults.HourlyDedupTTL)
	if err != nil {
		s.cfg.Logger.WarnContext(ctx, "Failed to check slow task dedup key",
			"task", name, "error", err)
		return false
	}
	return first
}

// bump increments a daily counter and refreshes its retention TTL.
func (s *Stats) bump(ctx context.Context, key string) {
	if _, err := s.cfg.KV.Incr(ctx, key); err != nil {
		s.cfg.Logger.WarnContext(ctx, "Failed to bump counter", "key", key, "error", err)
		return
	}
	if err := s.cfg.KV.Expire(ctx, key, s.cfg.TTL); err != nil {
		s.cfg.Logger.WarnContext(ctx, "Failed to expire counter", "key", key, "error", err)
	}
}

// push prepends to a capped list and refreshes its TTL.
func (s *Stats) push(ctx context.Context, key, value string, ttl time.Duration) {
	if err := s.cfg.KV.LPush(ctx, key, value); err != nil {
		s.cfg.Logger.WarnContext(ctx, "Failed to push list entry", "key", key, "error", err)
		return
	}
	if err := s.cfg.KV.LTrim(ctx, key, 0, s.cfg.ListLen-1); err != nil {
		s.cfg.Logger.WarnContext(ctx, "Failed to trim list", "key", key, "error", err)
	}
	if err := s.cfg.KV.Expire(ctx, key, ttl); err != nil {
		s.cfg.Logger.WarnContext(ctx, "Failed to expire list", "key", key, "error", err)
	}
}

// set stores a plain value, logging failures.
func (s *Stats) set(ctx context.Context, key, value string, ttl time.Duration) {
	if err := s.cfg.KV.Set(ctx, key, value, ttl); err != nil {
		s.cfg.Logger.WarnContext(ctx, "Failed to set key", "key", key, "error", err)
	}
}
