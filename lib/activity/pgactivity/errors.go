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
	"errors"

	"github.com/gravitational/trace"
	"github.com/jackc/pgerrcode"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

// convertError translates driver errors into trace errors so callers
// can branch on the failure class without importing pg types.
func convertError(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, pgx.ErrNoRows) {
		return trace.NotFound("not found")
	}
	var pgErr *pgconn.PgError
	if !errors.As(err, &pgErr) {
		return trace.Wrap(err)
	}
	switch pgErr.Code {
	case pgerrcode.InvalidAuthorizationSpecification, pgerrcode.InvalidPassword,
		pgerrcode.InsufficientPrivilege:
		return trace.AccessDenied("%s", pgErr.Message)
	case pgerrcode.InvalidCatalogName, pgerrcode.UndefinedTable:
		return trace.NotFound("%s", pgErr.Message)
	case pgerrcode.UniqueViolation:
		return trace.AlreadyExists("%s", pgErr.Message)
	case pgerrcode.TooManyConnections, pgerrcode.CannotConnectNow:
		return trace.ConnectionProblem(err, "%s", pgErr.Message)
	}
	return trace.Wrap(err)
}
