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
	"time"

	"github.com/gravitational/trace"

	"github.com/gravitational/pulse/lib/monitoring"
)

// Usage counters for the daily digest. Users and projects come from
// the application tables; activity comes from the folded activities.

// NewUsers counts users created in [since, until).
func (s *Store) NewUsers(ctx context.Context, since, until time.Time) (int64, error) {
	return s.count(ctx,
		"SELECT count(*) FROM actors WHERE created_at >= $1 AND created_at < $2",
		since, until)
}

// ActiveUsers counts distinct users with folded activity in [since,
// until).
func (s *Store) ActiveUsers(ctx context.Context, since, until time.Time) (int64, error) {
	return s.count(ctx,
		"SELECT count(DISTINCT actor_id) FROM activities WHERE ended_at >= $1 AND ended_at < $2",
		since, until)
}

// TotalUsers counts all users.
func (s *Store) TotalUsers(ctx context.Context) (int64, error) {
	return s.count(ctx, "SELECT count(*) FROM actors")
}

// NewProjects counts projects created in [since, until).
func (s *Store) NewProjects(ctx context.Context, since, until time.Time) (int64, error) {
	return s.count(ctx,
		"SELECT count(*) FROM projects WHERE created_at >= $1 AND created_at < $2",
		since, until)
}

// TotalProjects counts all projects.
func (s *Store) TotalProjects(ctx context.Context) (int64, error) {
	return s.count(ctx, "SELECT count(*) FROM projects")
}

func (s *Store) count(ctx context.Context, query string, args ...any) (int64, error) {
	var n int64
	if err := s.pool.QueryRow(ctx, query, args...).Scan(&n); err != nil {
		return 0, trace.Wrap(err)
	}
	return n, nil
}

var (
	_ monitoring.UsageSource = (*Store)(nil)
	_ monitoring.Pinger      = (*Store)(nil)
)
