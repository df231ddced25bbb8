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

// Package queue defines the delayed job queue contract shared by
// producers and the worker.
package queue

import (
	"context"
	"time"

	"github.com/gravitational/trace"
)

// Job describes one unit of deferred work.
type Job struct {
	// Kind selects the registered handler.
	Kind string
	// Args is an opaque handler argument.
	Args string
	// JobKey, when set, collapses unstarted duplicates: submitting a job
	// with the key of a pending job replaces that job's run time.
	JobKey string
	// Defer delays execution by the given duration from submission.
	Defer time.Duration
}

// Check validates the job.
func (j Job) Check() error {
	if j.Kind == "" {
		return trace.BadParameter("missing required value Kind")
	}
	if j.Defer < 0 {
		return trace.BadParameter("negative defer duration")
	}
	return nil
}

// Enqueuer submits jobs for later execution. Delivery is at-least-once:
// handlers must tolerate replays.
type Enqueuer interface {
	Enqueue(ctx context.Context, job Job) error
}

// Handler runs one job.
type Handler func(ctx context.Context, args string) error

// Sizer reports the number of pending jobs, used by the health prober.
type Sizer interface {
	Size(ctx context.Context) (int64, error)
}
