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

package activity

import (
	"context"
	"log/slog"
	"time"

	"github.com/gravitational/trace"
	"github.com/jackc/pgx/v5"
	"github.com/jonboulle/clockwork"

	"github.com/gravitational/pulse"
	"github.com/gravitational/pulse/lib/defaults"
	"github.com/gravitational/pulse/lib/queue"
)

// EventWriter buffers raw events within the caller's transaction.
// Implemented by pgactivity.
type EventWriter interface {
	// InsertEvent appends one event to the session buffer.
	InsertEvent(ctx context.Context, tx pgx.Tx, ev RawEvent) error
	// CountSessionEvents returns the number of buffered events of one
	// session, including rows written earlier in the same transaction.
	CountSessionEvents(ctx context.Context, tx pgx.Tx, fingerprint string) (int, error)
}

// RecorderConfig holds the recorder settings.
type RecorderConfig struct {
	// Events writes to the raw event buffer.
	Events EventWriter
	// Queue schedules aggregation jobs.
	Queue queue.Enqueuer
	// EnabledCategories gates recording per category. Defaults to all.
	EnabledCategories []Category
	// SessionWindow is the fingerprint bucket and debounce delay.
	SessionWindow time.Duration
	// MaxEventsPerSession forces immediate aggregation once a session
	// buffer reaches this size.
	MaxEventsPerSession int
	// Clock stamps events.
	Clock clockwork.Clock
	// Logger emits recorder diagnostics.
	Logger *slog.Logger
}

// CheckAndSetDefaults validates the config and fills in defaults.
func (c *RecorderConfig) CheckAndSetDefaults() error {
	if c.Events == nil {
		return trace.BadParameter("missing required value Events")
	}
	if c.Queue == nil {
		return trace.BadParameter("missing required value Queue")
	}
	if c.EnabledCategories == nil {
		c.EnabledCategories = AllCategories
	}
	if c.SessionWindow == 0 {
		c.SessionWindow = defaults.SessionWindow
	}
	if c.SessionWindow < time.Second {
		return trace.BadParameter("session window %v is below one second", c.SessionWindow)
	}
	if c.MaxEventsPerSession == 0 {
		c.MaxEventsPerSession = defaults.MaxEventsPerSession
	}
	if c.Clock == nil {
		c.Clock = clockwork.NewRealClock()
	}
	if c.Logger == nil {
		c.Logger = slog.With(pulse.ComponentKey, pulse.ComponentRecorder)
	}
	return nil
}

// Recorder buffers domain events and schedules their aggregation. It
// shares the caller's transaction: a rolled-back caller leaves no
// event behind, only a harmless no-op job.
type Recorder struct {
	cfg     RecorderConfig
	enabled map[Category]bool
}

// NewRecorder returns a recorder with the given config.
func NewRecorder(cfg RecorderConfig) (*Recorder, error) {
	if err := cfg.CheckAndSetDefaults(); err != nil {
		return nil, trace.Wrap(err)
	}
	enabled := make(map[Category]bool, len(cfg.EnabledCategories))
	for _, cat := range cfg.EnabledCategories {
		enabled[cat] = true
	}
	return &Recorder{cfg: cfg, enabled: enabled}, nil
}

// Record buffers one event inside the caller's transaction and
// schedules the debounced aggregation job for its session. Events of
// disabled categories are dropped. Storage errors are the only failure
// mode.
func (r *Recorder) Record(ctx context.Context, tx pgx.Tx, ev Event) error {
	if err := ev.Check(); err != nil {
		return trace.Wrap(err)
	}
	if cat := CategoryOf(ev.Kind); cat != "" && !r.enabled[cat] {
		r.cfg.Logger.DebugContext(ctx, "Dropping event of disabled category",
			"kind", ev.Kind, "category", cat)
		return nil
	}

	now := r.cfg.Clock.Now().UTC()
	fingerprint := SessionFingerprint(ev.Actor, ev.Project, now, r.cfg.SessionWindow)
	if err := r.cfg.Events.InsertEvent(ctx, tx, RawEvent{
		SessionFingerprint: fingerprint,
		Project:            ev.Project,
		Actor:              ev.Actor,
		Kind:               ev.Kind,
		TargetID:           ev.TargetID,
		TargetKind:         ev.TargetKind,
		Detail:             ev.Detail,
		CreatedAt:          now,
	}); err != nil {
		return trace.Wrap(err)
	}

	// Every event pushes the session's aggregation out by one window.
	// A full buffer schedules it immediately instead.
	delay := r.cfg.SessionWindow
	count, err := r.cfg.Events.CountSessionEvents(ctx, tx, fingerprint)
	if err != nil {
		return trace.Wrap(err)
	}
	if count >= r.cfg.MaxEventsPerSession {
		r.cfg.Logger.DebugContext(ctx, "Session buffer is full, forcing aggregation",
			"fingerprint", fingerprint, "count", count)
		delay = 0
	}
	err = r.cfg.Queue.Enqueue(ctx, queue.Job{
		Kind:   AggregateJobKind,
		Args:   fingerprint,
		JobKey: AggregateJobKey(fingerprint),
		Defer:  delay,
	})
	return trace.Wrap(err)
}
