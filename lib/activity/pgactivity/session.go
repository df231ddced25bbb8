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

package pgactivity

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/gravitational/trace"
	"github.com/jackc/pgx/v5"

	"github.com/gravitational/pulse/lib/activity"
	"github.com/gravitational/pulse/lib/utils"
)

// FoldSession claims one session's buffered events and folds them into
// an activity. The claim, the activity insert, the daily counter bump
// and the buffer cleanup commit atomically; sessions locked by another
// aggregation run are skipped rather than waited on.
func (s *Store) FoldSession(ctx context.Context, fingerprint string, fold activity.FoldFunc) error {
	err := pgx.BeginTxFunc(ctx, s.pool, pgx.TxOptions{}, func(tx pgx.Tx) error {
		events, err := claimEvents(ctx, tx, fingerprint)
		if err != nil {
			return trace.Wrap(err)
		}
		if len(events) == 0 {
			return nil
		}

		actorName, err := actorName(ctx, tx, events[0].Actor)
		if err != nil {
			return trace.Wrap(err)
		}

		folded, err := fold(ctx, activity.Claim{Events: events, ActorName: actorName})
		if err != nil {
			return trace.Wrap(err)
		}
		if folded == nil {
			// The session is still active. Commit without touching it:
			// the claim locks are released and the buffered rows stay
			// for the next run.
			return nil
		}

		summary, err := utils.FastMarshal(folded.Summary)
		if err != nil {
			return trace.Wrap(err)
		}
		folders := folded.AffectedFolders
		if folders == nil {
			folders = []uuid.UUID{}
		}
		elements := folded.AffectedElements
		if elements == nil {
			elements = []uuid.UUID{}
		}
		if _, err := tx.Exec(ctx,
			`INSERT INTO activities (
				project_id, actor_id, title, summary,
				affected_folders, affected_elements, started_at, ended_at
			) VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
			folded.Project, folded.Actor, folded.Title, string(summary),
			folders, elements, folded.StartedAt, folded.EndedAt,
		); err != nil {
			return trace.Wrap(err)
		}

		last := events[len(events)-1]
		if _, err := tx.Exec(ctx,
			`INSERT INTO daily_activity_summary (activity_date, project_id, actor_id, event_count)
			VALUES ($1, $2, $3, $4)
			ON CONFLICT (activity_date, project_id, actor_id) DO UPDATE SET
				event_count = daily_activity_summary.event_count + EXCLUDED.event_count,
				updated_at = now()`,
			dateOf(last.CreatedAt), folded.Project, folded.Actor, len(events),
		); err != nil {
			return trace.Wrap(err)
		}

		_, err = tx.Exec(ctx,
			"DELETE FROM raw_events WHERE session_fingerprint = $1",
			fingerprint,
		)
		return trace.Wrap(err)
	})
	return convertError(err)
}

func claimEvents(ctx context.Context, tx pgx.Tx, fingerprint string) ([]activity.RawEvent, error) {
	rows, _ := tx.Query(ctx,
		`SELECT id, session_fingerprint, project_id, actor_id, kind,
			target_id, target_kind, detail, created_at
		FROM raw_events
		WHERE session_fingerprint = $1
		ORDER BY created_at, id
		FOR UPDATE SKIP LOCKED`,
		fingerprint,
	)

	var events []activity.RawEvent
	var ev activity.RawEvent
	var detail []byte
	_, err := pgx.ForEachRow(rows, []any{
		&ev.ID, &ev.SessionFingerprint, &ev.Project, &ev.Actor, &ev.Kind,
		&ev.TargetID, &ev.TargetKind, &detail, &ev.CreatedAt,
	}, func() error {
		ev.Detail = nil
		if len(detail) > 0 {
			if err := utils.FastUnmarshal(detail, &ev.Detail); err != nil {
				return trace.Wrap(err)
			}
		}
		events = append(events, ev)
		return nil
	})
	if err != nil {
		return nil, trace.Wrap(err)
	}
	return events, nil
}

// actorName resolves the display name of the session's actor. A gone
// actor yields an empty name, the title falls back to a placeholder.
func actorName(ctx context.Context, tx pgx.Tx, actor uuid.UUID) (string, error) {
	var name string
	err := tx.QueryRow(ctx,
		"SELECT COALESCE(display_name, '') FROM actors WHERE id = $1",
		actor,
	).Scan(&name)
	if errors.Is(err, pgx.ErrNoRows) {
		return "", nil
	}
	if err != nil {
		return "", trace.Wrap(err)
	}
	return name, nil
}

// dateOf truncates a timestamp to its UTC calendar day.
func dateOf(t time.Time) time.Time {
	year, month, day := t.UTC().Date()
	return time.Date(year, month, day, 0, 0, 0, 0, time.UTC)
}
