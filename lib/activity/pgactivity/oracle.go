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

	"github.com/google/uuid"
	"github.com/gravitational/trace"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/gravitational/pulse/lib/activity"
)

// GatewayOracle is the built-in access oracle for deployments where
// the fronting gateway already authorizes project access before
// proxying a request. It only verifies that entities exist and treats
// every folder and element of a readable project as visible. Embedders
// with finer-grained permissions plug in their own
// activity.AccessOracle instead.
//
// The oracle reads id, project_id and, for folders, parent_id from the
// application-owned projects, folders and elements tables.
type GatewayOracle struct {
	pool *pgxpool.Pool
}

// GatewayOracle returns the existence-checking oracle over the store's
// connection pool.
func (s *Store) GatewayOracle() *GatewayOracle {
	return &GatewayOracle{pool: s.pool}
}

var _ activity.AccessOracle = (*GatewayOracle)(nil)

// RequireProject returns trace.NotFound when the project is gone.
func (o *GatewayOracle) RequireProject(ctx context.Context, actor, project uuid.UUID) error {
	return o.exists(ctx, "SELECT 1 FROM projects WHERE id = $1", "project", project)
}

// RequireFolder returns trace.NotFound when the folder is gone.
func (o *GatewayOracle) RequireFolder(ctx context.Context, actor, folder uuid.UUID) error {
	return o.exists(ctx, "SELECT 1 FROM folders WHERE id = $1", "folder", folder)
}

// RequireElement returns trace.NotFound when the element is gone.
func (o *GatewayOracle) RequireElement(ctx context.Context, actor, element uuid.UUID) error {
	return o.exists(ctx, "SELECT 1 FROM elements WHERE id = $1", "element", element)
}

// AccessibleFolders lists every folder of the project.
func (o *GatewayOracle) AccessibleFolders(ctx context.Context, actor, project uuid.UUID) ([]uuid.UUID, error) {
	return o.ids(ctx, "SELECT id FROM folders WHERE project_id = $1", project)
}

// AccessibleElements lists every element of the project.
func (o *GatewayOracle) AccessibleElements(ctx context.Context, actor, project uuid.UUID) ([]uuid.UUID, error) {
	return o.ids(ctx, "SELECT id FROM elements WHERE project_id = $1", project)
}

func (o *GatewayOracle) exists(ctx context.Context, query, kind string, id uuid.UUID) error {
	var one int
	err := o.pool.QueryRow(ctx, query, id).Scan(&one)
	if errors.Is(err, pgx.ErrNoRows) {
		return trace.NotFound("%s %v is not found", kind, id)
	}
	return trace.Wrap(err)
}

func (o *GatewayOracle) ids(ctx context.Context, query string, project uuid.UUID) ([]uuid.UUID, error) {
	rows, _ := o.pool.Query(ctx, query, project)
	var out []uuid.UUID
	var id uuid.UUID
	if _, err := pgx.ForEachRow(rows, []any{&id}, func() error {
		out = append(out, id)
		return nil
	}); err != nil {
		return nil, trace.Wrap(err)
	}
	return out, nil
}
