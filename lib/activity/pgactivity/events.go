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

	"github.com/gravitational/trace"
	"github.com/jackc/pgx/v5"

	"github.com/gravitational/pulse/lib/activity"
	"github.com/gravitational/pulse/lib/utils"
)

// InsertEvent appends one raw event to the session buffer within the
// caller's transaction.
func (s *Store) InsertEvent(ctx context.Context, tx pgx.Tx, ev activity.RawEvent) error {
	detail, err := marshalDetail(ev.Detail)
	if err != nil {
		return trace.Wrap(err)
	}
	_, err = tx.Exec(ctx,
		`INSERT INTO raw_events (
			session_fingerprint, project_id, actor_id, kind,
			target_id, target_kind, detail, created_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		ev.SessionFingerprint, ev.Project, ev.Actor, ev.Kind,
		ev.TargetID, ev.TargetKind, detail, ev.CreatedAt,
	)
	return trace.Wrap(err)
}

// CountSessionEvents returns the buffered event count of one session,
// including rows written earlier in the same transaction.
func (s *Store) CountSessionEvents(ctx context.Context, tx pgx.Tx, fingerprint string) (int, error) {
	var count int
	err := tx.QueryRow(ctx,
		"SELECT count(*) FROM raw_events WHERE session_fingerprint = $1",
		fingerprint,
	).Scan(&count)
	if err != nil {
		return 0, trace.Wrap(err)
	}
	return count, nil
}

func marshalDetail(detail map[string]any) (string, error) {
	if len(detail) == 0 {
		return "{}", nil
	}
	data, err := utils.FastMarshal(detail)
	if err != nil {
		return "", trace.Wrap(err)
	}
	return string(data), nil
}
