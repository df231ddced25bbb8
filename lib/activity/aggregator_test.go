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
	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/require"
)

type fakeSessionStore struct {
	claim  Claim
	folded *Activity
	calls  int
}

func (f *fakeSessionStore) FoldSession(ctx context.Context, fingerprint string, fold FoldFunc) error {
	f.calls++
	activity, err := fold(ctx, f.claim)
	if err != nil {
		return trace.Wrap(err)
	}
	f.folded = activity
	return nil
}

func newTestAggregator(t *testing.T, store *fakeSessionStore, clock clockwork.Clock) *Aggregator {
	t.Helper()
	aggregator, err := NewAggregator(AggregatorConfig{
		Sessions:      store,
		SessionWindow: 15 * time.Minute,
		Clock:         clock,
	})
	require.NoError(t, err)
	return aggregator
}

func TestAggregateRequiresFingerprint(t *testing.T) {
	aggregator := newTestAggregator(t, &fakeSessionStore{}, clockwork.NewFakeClock())
	err := aggregator.Aggregate(context.Background(), "")
	require.True(t, trace.IsBadParameter(err))
}

func TestAggregateEmptyClaim(t *testing.T) {
	store := &fakeSessionStore{}
	aggregator := newTestAggregator(t, store, clockwork.NewFakeClock())

	require.NoError(t, aggregator.Aggregate(context.Background(), "deadbeef"))
	require.Equal(t, 1, store.calls)
	require.Nil(t, store.folded)
}

func TestAggregateQuiescence(t *testing.T) {
	now := time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)
	clock := clockwork.NewFakeClockAt(now)

	actor := uuid.MustParse("aaaaaaaa-aaaa-aaaa-aaaa-aaaaaaaaaaaa")
	project := uuid.MustParse("bbbbbbbb-bbbb-bbbb-bbbb-bbbbbbbbbbbb")
	store := &fakeSessionStore{claim: Claim{
		ActorName: "Алиса",
		Events: []RawEvent{
			{
				SessionFingerprint: "deadbeef",
				Project:            project,
				Actor:              actor,
				Kind:               KindElementCreated,
				TargetID:           elementA.String(),
				Detail:             map[string]any{DetailElementName: "Hero"},
				CreatedAt:          now.Add(-5 * time.Minute),
			},
		},
	}}
	aggregator := newTestAggregator(t, store, clock)

	// The last event is newer than the window: nothing happens yet.
	require.NoError(t, aggregator.Aggregate(context.Background(), "deadbeef"))
	require.Nil(t, store.folded)

	// Once the session has been quiet for a full window it folds.
	clock.Advance(15 * time.Minute)
	require.NoError(t, aggregator.Aggregate(context.Background(), "deadbeef"))
	require.NotNil(t, store.folded)
}

func TestAggregateFoldsClaim(t *testing.T) {
	now := time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)
	clock := clockwork.NewFakeClockAt(now)

	actor := uuid.MustParse("aaaaaaaa-aaaa-aaaa-aaaa-aaaaaaaaaaaa")
	project := uuid.MustParse("bbbbbbbb-bbbb-bbbb-bbbb-bbbbbbbbbbbb")
	started := now.Add(-time.Hour)
	ended := now.Add(-30 * time.Minute)
	store := &fakeSessionStore{claim: Claim{
		ActorName: "Алиса",
		Events: []RawEvent{
			{
				SessionFingerprint: "deadbeef",
				Project:            project,
				Actor:              actor,
				Kind:               KindElementCreated,
				TargetID:           elementA.String(),
				Detail: map[string]any{
					DetailElementName: "Hero",
					DetailFolderID:    folderA.String(),
				},
				CreatedAt: started,
			},
			{
				SessionFingerprint: "deadbeef",
				Project:            project,
				Actor:              actor,
				Kind:               KindCommentCreated,
				TargetID:           "c1",
				Detail: map[string]any{
					DetailParentType:  "element",
					DetailParentID:    elementA.String(),
					DetailTextSnippet: "Nice",
				},
				CreatedAt: ended,
			},
		},
	}}
	aggregator := newTestAggregator(t, store, clock)

	require.NoError(t, aggregator.Aggregate(context.Background(), "deadbeef"))
	require.NotNil(t, store.folded)

	activity := store.folded
	require.Equal(t, project, activity.Project)
	require.Equal(t, actor, activity.Actor)
	require.Equal(t, "Алиса создал(а) 1 элемент и добавил(а) 1 комментарий", activity.Title)
	require.Equal(t, started, activity.StartedAt)
	require.Equal(t, ended, activity.EndedAt)
	require.Equal(t, []uuid.UUID{folderA}, activity.AffectedFolders)
	require.Equal(t, []uuid.UUID{elementA}, activity.AffectedElements)

	kinds := make([]string, 0, len(activity.Summary.Groups))
	for _, group := range activity.Summary.Groups {
		kinds = append(kinds, group.Kind)
	}
	require.Equal(t, []string{GroupElementsCreated, GroupCommentsAdded}, kinds)
}
