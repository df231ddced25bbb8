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
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/gravitational/trace"
	"github.com/jackc/pgx/v5"
	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/require"

	"github.com/gravitational/pulse/lib/queue"
)

type fakeEventWriter struct {
	events    []RawEvent
	insertErr error
}

func (f *fakeEventWriter) InsertEvent(ctx context.Context, tx pgx.Tx, ev RawEvent) error {
	if f.insertErr != nil {
		return f.insertErr
	}
	f.events = append(f.events, ev)
	return nil
}

func (f *fakeEventWriter) CountSessionEvents(ctx context.Context, tx pgx.Tx, fingerprint string) (int, error) {
	count := 0
	for _, ev := range f.events {
		if ev.SessionFingerprint == fingerprint {
			count++
		}
	}
	return count, nil
}

type fakeEnqueuer struct {
	jobs []queue.Job
}

func (f *fakeEnqueuer) Enqueue(ctx context.Context, job queue.Job) error {
	f.jobs = append(f.jobs, job)
	return nil
}

func newTestRecorder(t *testing.T, mutate func(*RecorderConfig)) (*Recorder, *fakeEventWriter, *fakeEnqueuer) {
	t.Helper()
	events := &fakeEventWriter{}
	jobs := &fakeEnqueuer{}
	cfg := RecorderConfig{
		Events: events,
		Queue:  jobs,
		Clock:  clockwork.NewFakeClockAt(time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)),
	}
	if mutate != nil {
		mutate(&cfg)
	}
	recorder, err := NewRecorder(cfg)
	require.NoError(t, err)
	return recorder, events, jobs
}

func testEvent(kind string) Event {
	return Event{
		Actor:    uuid.MustParse("aaaaaaaa-aaaa-aaaa-aaaa-aaaaaaaaaaaa"),
		Project:  uuid.MustParse("bbbbbbbb-bbbb-bbbb-bbbb-bbbbbbbbbbbb"),
		Kind:     kind,
		TargetID: "e1",
	}
}

func TestRecorderConfigCheckAndSetDefaults(t *testing.T) {
	err := (&RecorderConfig{Queue: &fakeEnqueuer{}}).CheckAndSetDefaults()
	require.True(t, trace.IsBadParameter(err))

	err = (&RecorderConfig{Events: &fakeEventWriter{}}).CheckAndSetDefaults()
	require.True(t, trace.IsBadParameter(err))

	cfg := RecorderConfig{Events: &fakeEventWriter{}, Queue: &fakeEnqueuer{}}
	require.NoError(t, cfg.CheckAndSetDefaults())
	require.Equal(t, AllCategories, cfg.EnabledCategories)
	require.NotZero(t, cfg.SessionWindow)
	require.NotZero(t, cfg.MaxEventsPerSession)
}

func TestRecorderSchedulesDebounce(t *testing.T) {
	ctx := context.Background()
	recorder, events, jobs := newTestRecorder(t, nil)

	ev := testEvent(KindElementCreated)
	require.NoError(t, recorder.Record(ctx, nil, ev))

	require.Len(t, events.events, 1)
	stored := events.events[0]
	wantFP := SessionFingerprint(ev.Actor, ev.Project,
		recorder.cfg.Clock.Now().UTC(), recorder.cfg.SessionWindow)
	require.Equal(t, wantFP, stored.SessionFingerprint)
	require.Equal(t, ev.Project, stored.Project)
	require.Equal(t, ev.Actor, stored.Actor)
	require.Equal(t, recorder.cfg.Clock.Now().UTC(), stored.CreatedAt)

	require.Len(t, jobs.jobs, 1)
	job := jobs.jobs[0]
	require.Equal(t, AggregateJobKind, job.Kind)
	require.Equal(t, wantFP, job.Args)
	require.Equal(t, AggregateJobKey(wantFP), job.JobKey)
	require.Equal(t, recorder.cfg.SessionWindow, job.Defer)
}

func TestRecorderCategoryGate(t *testing.T) {
	ctx := context.Background()
	recorder, events, jobs := newTestRecorder(t, func(cfg *RecorderConfig) {
		cfg.EnabledCategories = []Category{CategoryElements}
	})

	// Disabled category: silently dropped.
	require.NoError(t, recorder.Record(ctx, nil, testEvent(KindCommentCreated)))
	require.Empty(t, events.events)
	require.Empty(t, jobs.jobs)

	// Enabled category: recorded.
	require.NoError(t, recorder.Record(ctx, nil, testEvent(KindElementUpdated)))
	require.Len(t, events.events, 1)

	// Unknown prefix: always recorded.
	require.NoError(t, recorder.Record(ctx, nil, testEvent("export.finished")))
	require.Len(t, events.events, 2)
}

func TestRecorderCapForcesImmediateAggregation(t *testing.T) {
	ctx := context.Background()
	recorder, _, jobs := newTestRecorder(t, func(cfg *RecorderConfig) {
		cfg.MaxEventsPerSession = 2
	})

	require.NoError(t, recorder.Record(ctx, nil, testEvent(KindElementCreated)))
	require.Equal(t, recorder.cfg.SessionWindow, jobs.jobs[0].Defer)

	require.NoError(t, recorder.Record(ctx, nil, testEvent(KindElementUpdated)))
	require.Zero(t, jobs.jobs[1].Defer)
}

func TestRecorderPropagatesStorageErrors(t *testing.T) {
	ctx := context.Background()
	recorder, events, jobs := newTestRecorder(t, nil)
	events.insertErr = trace.ConnectionProblem(nil, "storage is down")

	err := recorder.Record(ctx, nil, testEvent(KindElementCreated))
	require.Error(t, err)
	require.Empty(t, jobs.jobs)
}

func TestRecorderRejectsInvalidEvents(t *testing.T) {
	ctx := context.Background()
	recorder, events, _ := newTestRecorder(t, nil)

	err := recorder.Record(ctx, nil, Event{Kind: KindElementCreated})
	require.True(t, trace.IsBadParameter(err))
	require.Empty(t, events.events)
}
