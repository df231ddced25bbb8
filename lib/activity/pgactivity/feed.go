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

// feedColumns is the SELECT list shared by the page queries. The actor
// directory join resolves display names at read time so renames show
// up retroactively.
const feedColumns = `a.id, a.title, a.summary, a.started_at, a.ended_at,
	a.actor_id, COALESCE(u.display_name, '')`

// ProjectPage returns activities of the project that touch nothing
// beyond the caller's accessible folders and elements. Activities with
// empty affected arrays are visible to anyone who can read the
// project.
func (s *Store) ProjectPage(ctx context.Context, project uuid.UUID, folders, elements []uuid.UUID, offset, limit int) ([]activity.FeedItem, int, error) {
	if folders == nil {
		folders = []uuid.UUID{}
	}
	if elements == nil {
		elements = []uuid.UUID{}
	}

	var total int
	err := s.pool.QueryRow(ctx,
		`SELECT count(*) FROM activities
		WHERE project_id = $1
			AND (affected_folders = '{}' OR affected_folders <@ $2)
			AND (affected_elements = '{}' OR affected_elements <@ $3)`,
		project, folders, elements,
	).Scan(&total)
	if err != nil {
		return nil, 0, trace.Wrap(err)
	}
	if total == 0 {
		return nil, 0, nil
	}

	items, err := s.queryPage(ctx,
		`SELECT `+feedColumns+`
		FROM activities a LEFT JOIN actors u ON u.id = a.actor_id
		WHERE a.project_id = $1
			AND (a.affected_folders = '{}' OR a.affected_folders <@ $2)
			AND (a.affected_elements = '{}' OR a.affected_elements <@ $3)
		ORDER BY a.ended_at DESC, a.id DESC
		OFFSET $4 LIMIT $5`,
		project, folders, elements, offset, limit,
	)
	if err != nil {
		return nil, 0, trace.Wrap(err)
	}
	return items, total, nil
}

// FolderPage returns activities touching the folder or any of its
// descendants.
func (s *Store) FolderPage(ctx context.Context, folder uuid.UUID, offset, limit int) ([]activity.FeedItem, int, error) {
	var project uuid.UUID
	err := s.pool.QueryRow(ctx,
		"SELECT project_id FROM folders WHERE id = $1",
		folder,
	).Scan(&project)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, 0, trace.NotFound("folder %v is not found", folder)
	}
	if err != nil {
		return nil, 0, trace.Wrap(err)
	}

	rows, _ := s.pool.Query(ctx,
		`WITH RECURSIVE descendants AS (
			SELECT id FROM folders WHERE id = $1
			UNION ALL
			SELECT f.id FROM folders f JOIN descendants d ON f.parent_id = d.id
		)
		SELECT id FROM descendants`,
		folder,
	)
	var descendants []uuid.UUID
	var id uuid.UUID
	if _, err := pgx.ForEachRow(rows, []any{&id}, func() error {
		descendants = append(descendants, id)
		return nil
	}); err != nil {
		return nil, 0, trace.Wrap(err)
	}

	var total int
	err = s.pool.QueryRow(ctx,
		`SELECT count(*) FROM activities
		WHERE project_id = $1 AND affected_folders && $2`,
		project, descendants,
	).Scan(&total)
	if err != nil {
		return nil, 0, trace.Wrap(err)
	}
	if total == 0 {
		return nil, 0, nil
	}

	items, err := s.queryPage(ctx,
		`SELECT `+feedColumns+`
		FROM activities a LEFT JOIN actors u ON u.id = a.actor_id
		WHERE a.project_id = $1 AND a.affected_folders && $2
		ORDER BY a.ended_at DESC, a.id DESC
		OFFSET $3 LIMIT $4`,
		project, descendants, offset, limit,
	)
	if err != nil {
		return nil, 0, trace.Wrap(err)
	}
	return items, total, nil
}

// ElementPage returns activities touching the element.
func (s *Store) ElementPage(ctx context.Context, element uuid.UUID, offset, limit int) ([]activity.FeedItem, int, error) {
	var exists bool
	err := s.pool.QueryRow(ctx,
		"SELECT EXISTS (SELECT 1 FROM elements WHERE id = $1)",
		element,
	).Scan(&exists)
	if err != nil {
		return nil, 0, trace.Wrap(err)
	}
	if !exists {
		return nil, 0, trace.NotFound("element %v is not found", element)
	}

	var total int
	err = s.pool.QueryRow(ctx,
		"SELECT count(*) FROM activities WHERE affected_elements @> $1",
		[]uuid.UUID{element},
	).Scan(&total)
	if err != nil {
		return nil, 0, trace.Wrap(err)
	}
	if total == 0 {
		return nil, 0, nil
	}

	items, err := s.queryPage(ctx,
		`SELECT `+feedColumns+`
		FROM activities a LEFT JOIN actors u ON u.id = a.actor_id
		WHERE a.affected_elements @> $1
		ORDER BY a.ended_at DESC, a.id DESC
		OFFSET $2 LIMIT $3`,
		[]uuid.UUID{element}, offset, limit,
	)
	if err != nil {
		return nil, 0, trace.Wrap(err)
	}
	return items, total, nil
}

func (s *Store) queryPage(ctx context.Context, query string, args ...any) ([]activity.FeedItem, error) {
	rows, _ := s.pool.Query(ctx, query, args...)

	var items []activity.FeedItem
	var item activity.FeedItem
	var summary []byte
	_, err := pgx.ForEachRow(rows, []any{
		&item.ID, &item.Title, &summary, &item.StartedAt, &item.EndedAt,
		&item.User.ID, &item.User.Name,
	}, func() error {
		item.Summary = activity.Summary{}
		if err := utils.FastUnmarshal(summary, &item.Summary); err != nil {
			return trace.Wrap(err)
		}
		items = append(items, item)
		return nil
	})
	if err != nil {
		return nil, trace.Wrap(err)
	}
	return items, nil
}

// Heatmap sums the daily activity counters of the project over
// [from, to]. Days without activity yield no cell.
func (s *Store) Heatmap(ctx context.Context, project uuid.UUID, from, to time.Time, actor *uuid.UUID) ([]activity.HeatmapCell, error) {
	rows, _ := s.pool.Query(ctx,
		`SELECT activity_date, sum(event_count)
		FROM daily_activity_summary
		WHERE project_id = $1
			AND activity_date BETWEEN $2 AND $3
			AND ($4::uuid IS NULL OR actor_id = $4)
		GROUP BY activity_date
		ORDER BY activity_date`,
		project, dateOf(from), dateOf(to), actor,
	)

	var cells []activity.HeatmapCell
	var day time.Time
	var count int64
	_, err := pgx.ForEachRow(rows, []any{&day, &count}, func() error {
		cells = append(cells, activity.HeatmapCell{
			Date:  day.Format(time.DateOnly),
			Count: int(count),
		})
		return nil
	})
	if err != nil {
		return nil, trace.Wrap(err)
	}
	return cells, nil
}

// URLs resolves gallery image IDs to their thumbnail and full URLs.
// Unknown IDs are absent from the result.
func (s *Store) URLs(ctx context.Context, ids []string) (map[string]activity.ImageURLs, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	rows, _ := s.pool.Query(ctx,
		`SELECT id::text, COALESCE(thumbnail_url, ''), COALESCE(url, '')
		FROM images WHERE id::text = ANY($1)`,
		ids,
	)

	urls := make(map[string]activity.ImageURLs, len(ids))
	var id, thumbnail, full string
	_, err := pgx.ForEachRow(rows, []any{&id, &thumbnail, &full}, func() error {
		urls[id] = activity.ImageURLs{ThumbnailURL: thumbnail, URL: full}
		return nil
	})
	if err != nil {
		return nil, trace.Wrap(err)
	}
	return urls, nil
}
