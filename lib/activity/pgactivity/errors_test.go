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
	"fmt"
	"os"
	"testing"

	"github.com/gravitational/trace"
	"github.com/jackc/pgerrcode"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/stretchr/testify/require"

	"github.com/gravitational/pulse/lib/utils"
)

func TestMain(m *testing.M) {
	utils.InitLoggerForTests()
	os.Exit(m.Run())
}

func TestConvertError(t *testing.T) {
	require.NoError(t, convertError(nil))

	err := convertError(pgx.ErrNoRows)
	require.True(t, trace.IsNotFound(err), "got %v", err)

	err = convertError(fmt.Errorf("query: %w", &pgconn.PgError{
		Code:    pgerrcode.InvalidPassword,
		Message: "password authentication failed",
	}))
	require.True(t, trace.IsAccessDenied(err), "got %v", err)
	require.ErrorContains(t, err, "password authentication failed")

	err = convertError(&pgconn.PgError{
		Code:    pgerrcode.InsufficientPrivilege,
		Message: "permission denied for table activities",
	})
	require.True(t, trace.IsAccessDenied(err), "got %v", err)

	err = convertError(&pgconn.PgError{
		Code:    pgerrcode.UndefinedTable,
		Message: `relation "activities" does not exist`,
	})
	require.True(t, trace.IsNotFound(err), "got %v", err)

	err = convertError(&pgconn.PgError{
		Code:    pgerrcode.UniqueViolation,
		Message: "duplicate key value",
	})
	require.True(t, trace.IsAlreadyExists(err), "got %v", err)

	err = convertError(&pgconn.PgError{
		Code:    pgerrcode.TooManyConnections,
		Message: "sorry, too many clients already",
	})
	require.True(t, trace.IsConnectionProblem(err), "got %v", err)

	// Errors outside the mapped classes pass through wrapped.
	plain := errors.New("disk on fire")
	err = convertError(plain)
	require.ErrorIs(t, err, plain)
	require.False(t, trace.IsNotFound(err))
}
