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

	"github.com/google/uuid"
	"github.com/gravitational/trace"
	"github.com/jonboulle/clockwork"

	"github.com/gravitational/pulse"
	"github.com/gravitational/pulse/lib/defaults"
)

// AggregateJobKind is the queue job kind that folds one session.
const AggregateJobKind = "aggregate_session"

// AggregateJobKey returns the job key that debounces aggregation of
// one session. Re-enqueueing the same key pushes the run time out.
func AggregateJobKey(fingerprint string) string {
	return AggregateJobKind + ":" + fingerprint
}

// Activity is one aggregated feed entry.
type Activity struct {
	// ID is the storage-assigned identifier.
	ID int64
	// Project is the project the session happened in.
	Project uuid.UUID
	// Actor performed the session.
	Actor uuid.UUID
	// Title is the human-readable headline.
	Title string
	// Summary groups the session's events for rendering.
	Summary Summary
	// AffectedFolders lists folders touched by the session.
	AffectedFolders []uuid.UUID
	// AffectedElements lists elements touched by the session.
	AffectedElements []uuid.UUID
	// StartedAt is the first event's timestamp.
	StartedAt time.Time
	// EndedAt is the last event's timestamp.
	EndedAt time.Time
}

// Claim is one session's buffered events, locked for aggregation.
type Claim struct {
	// Events are the session's raw events ordered by creation time.
	Events []RawEvent
	// ActorName is the display name of the session's actor, empty
	// when the actor is gone.
	ActorName string
}

// FoldFunc turns a claimed session into an activity. Returning nil
// keeps the buffered events untouched.
type FoldFunc func(ctx context.Context, claim Claim) (*Activity, error)

// SessionStore claims session buffers for aggregation. Implemented by
// pgactivity.
type SessionStore interface {
	// FoldSession locks the session's events, passes them to fold and,
	// when fold produces an activity, atomically inserts it, counts it
	// towards the daily summary and drops the claimed events.
	// Concurrently locked sessions are skipped, not waited on.
	FoldSession(ctx context.Context, fingerprint string, fold FoldFunc) error
}

// AggregatorConfig holds the aggregator settings.
type AggregatorConfig struct {
	// Sessions claims and folds session buffers.
	Sessions SessionStore
	// SessionWindow is the quiescence period a session must sit idle
	// before it is folded.
	SessionWindow time.Duration
	// Clock measures quiescence.
	Clock clockwork.Clock
	// Logger emits aggregation diagnostics.
	Logger *slog.Logger
}

// CheckAndSetDefaults validates the config and fills in defaults.
func (c *AggregatorConfig) CheckAndSetDefaults() error {
	if c.Sessions == nil {
		return trace.BadParameter("missing required value Sessions")
	}
	if c.SessionWindow == 0 {
		c.SessionWindow = defaults.SessionWindow
	}
	if c.Clock == nil {
		c.Clock = clockwork.NewRealClock()
	}
	if c.Logger == nil {
		c.Logger = slog.With(pulse.ComponentKey, pulse.ComponentAggregator)
	}
	return nil
}

// Aggregator folds quiesced sessions into feed activities. It runs as
// a queue handler, so a session that keeps producing events is never
// folded early: every new event re-enqueues the job further out, and
// the quiescence check below covers jobs that raced such an event.
type Aggregator struct {
	cfg AggregatorConfig
}

// NewAggregator returns an aggregator with the given config.
func NewAggregator(cfg AggregatorConfig) (*Aggregator, error) {
	if err := cfg.CheckAndSetDefaults(); err != nil {
		return nil, trace.Wrap(err)
	}
	return &Aggregator{cfg: cfg}, nil
}

// Aggregate handles one aggregation job. Args is the session
// fingerprint.
func (a *Aggregator) Aggregate(ctx context.Context, args string) error {
	if args == "" {
		return trace.BadParameter("missing session fingerprint")
	}
	return trace.Wrap(a.cfg.Sessions.FoldSession(ctx, args, a.fold))
}

func (a *Aggregator) fold(ctx context.Context, claim Claim) (*Activity, error) {
	if len(claim.Events) == 0 {
		a.cfg.Logger.DebugContext(ctx, "Session has no events to aggregate")
		return nil, nil
	}
	first := claim.Events[0]
	last := claim.Events[len(claim.Events)-1]
	if a.cfg.Clock.Now().UTC().Sub(last.CreatedAt) < a.cfg.SessionWindow {
		// A newer event moved the session forward and re-enqueued the
		// job, let that run pick the session up.
		a.cfg.Logger.DebugContext(ctx, "Session is still active, skipping",
			"fingerprint", first.SessionFingerprint)
		return nil, nil
	}

	folders, elements := ExtractAffected(ctx, a.cfg.Logger, claim.Events)
	activity := &Activity{
		Project:          first.Project,
		Actor:            first.Actor,
		Title:            Title(claim.ActorName, claim.Events),
		Summary:          BuildSummary(claim.Events),
		AffectedFolders:  folders,
		AffectedElements: elements,
		StartedAt:        first.CreatedAt,
		EndedAt:          last.CreatedAt,
	}
	a.cfg.Logger.DebugContext(ctx, "Aggregated session into activity",
		"fingerprint", first.SessionFingerprint,
		"events", len(claim.Events),
		"project", first.Project,
		"actor", first.Actor,
	)
	return activity, nil
}
