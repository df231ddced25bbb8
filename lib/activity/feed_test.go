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
	"github.com/stretchr/testify/require"
)

type fakeOracle struct {
	denyProject bool
	folders     []uuid.UUID
	elements    []uuid.UUID
}

func (f *fakeOracle) RequireProject(ctx context.Context, actor, project uuid.UUID) error {
	if f.denyProject {
		return trace.AccessDenied("access to project %v denied", project)
	}
	return nil
}

func (f *fakeOracle) RequireFolder(ctx context.Context, actor, folder uuid.UUID) error {
	return nil
}

func (f *fakeOracle) RequireElement(ctx context.Context, actor, element uuid.UUID) error {
	return nil
}

func (f *fakeOracle) AccessibleFolders(ctx context.Context, actor, project uuid.UUID) ([]uuid.UUID, error) {
	return f.folders, nil
}

func (f *fakeOracle) AccessibleElements(ctx context.Context, actor, project uuid.UUID) ([]uuid.UUID, error) {
	return f.elements, nil
}

type fakeFeedStore struct {
	items []FeedItem
	total int
	cells []HeatmapCell

	gotProject  uuid.UUID
	gotFolders  []uuid.UUID
	gotElements []uuid.UUID
	gotOffset   int
	gotLimit    int
	gotFrom     time.Time
	gotTo       time.Time
	gotActor    *uuid.UUID
	pageCalls   int
}

func (f *fakeFeedStore) ProjectPage(ctx context.Context, project uuid.UUID, folders, elements []uuid.UUID, offset, limit int) ([]FeedItem, int, error) {
	f.pageCalls++
	f.gotProject = project
	f.gotFolders = folders
	f.gotElements = elements
	f.gotOffset = offset
	f.gotLimit = limit
	return f.items, f.total, nil
}

func (f *fakeFeedStore) FolderPage(ctx context.Context, folder uuid.UUID, offset, limit int) ([]FeedItem, int, error) {
	f.pageCalls++
	f.gotOffset = offset
	f.gotLimit = limit
	return f.items, f.total, nil
}

func (f *fakeFeedStore) ElementPage(ctx context.Context, element uuid.UUID, offset, limit int) ([]FeedItem, int, error) {
	f.pageCalls++
	f.gotOffset = offset
	f.gotLimit = limit
	return f.items, f.total, nil
}

func (f *fakeFeedStore) Heatmap(ctx context.Context, project uuid.UUID, from, to time.Time, actor *uuid.UUID) ([]HeatmapCell, error) {
	f.gotProject = project
	f.gotFrom = from
	f.gotTo = to
	f.gotActor = actor
	return f.cells, nil
}

type fakeImageLookup struct {
	urls map[string]ImageURLs
	err  error
	ids  []string
}

func (f *fakeImageLookup) URLs(ctx context.Context, ids []string) (map[string]ImageURLs, error) {
	f.ids = ids
	return f.urls, f.err
}

func newTestFeed(t *testing.T, store FeedStore, oracle AccessOracle, images ImageLookup) *Feed {
	t.Helper()
	feed, err := NewFeed(FeedConfig{
		Store:  store,
		Oracle: oracle,
		Images: images,
	})
	require.NoError(t, err)
	return feed
}

var (
	feedActor   = uuid.MustParse("aaaaaaaa-aaaa-aaaa-aaaa-aaaaaaaaaaaa")
	feedProject = uuid.MustParse("bbbbbbbb-bbbb-bbbb-bbbb-bbbbbbbbbbbb")
)

func TestFeedPageArguments(t *testing.T) {
	store := &fakeFeedStore{}
	feed := newTestFeed(t, store, &fakeOracle{}, nil)
	ctx := context.Background()

	_, err := feed.GetProjectFeed(ctx, feedActor, feedProject, 0, 20)
	require.True(t, trace.IsBadParameter(err))

	_, err = feed.GetProjectFeed(ctx, feedActor, feedProject, 1, 0)
	require.True(t, trace.IsBadParameter(err))

	_, err = feed.GetProjectFeed(ctx, feedActor, feedProject, 1, 101)
	require.True(t, trace.IsBadParameter(err))

	require.Zero(t, store.pageCalls)
}

func TestFeedOracleDenialShortCircuits(t *testing.T) {
	store := &fakeFeedStore{}
	feed := newTestFeed(t, store, &fakeOracle{denyProject: true}, nil)

	_, err := feed.GetProjectFeed(context.Background(), feedActor, feedProject, 1, 20)
	require.True(t, trace.IsAccessDenied(err))
	require.Zero(t, store.pageCalls)
}

func TestFeedProjectPageNarrowsToAccessibleSets(t *testing.T) {
	oracle := &fakeOracle{
		folders:  []uuid.UUID{folderA},
		elements: []uuid.UUID{elementA, elementB},
	}
	store := &fakeFeedStore{total: 45}
	feed := newTestFeed(t, store, oracle, nil)

	page, err := feed.GetProjectFeed(context.Background(), feedActor, feedProject, 3, 20)
	require.NoError(t, err)

	require.Equal(t, feedProject, store.gotProject)
	require.Equal(t, oracle.folders, store.gotFolders)
	require.Equal(t, oracle.elements, store.gotElements)
	require.Equal(t, 40, store.gotOffset)
	require.Equal(t, 20, store.gotLimit)

	require.Equal(t, 45, page.Total)
	require.Equal(t, 3, page.Page)
	require.Equal(t, 20, page.Size)
	require.Equal(t, 3, page.Pages)
	require.NotNil(t, page.Items)
	require.Empty(t, page.Items)
}

func TestFeedImageEnrichment(t *testing.T) {
	items := []FeedItem{{
		ID:    1,
		Title: "Алиса загрузил(а) 2 изображения",
		Summary: Summary{Groups: []Group{{
			Kind:  GroupImagesUploaded,
			Count: 2,
			ItemsByParent: map[string][]Item{
				"element:e1": {
					{ID: "i1", Snippet: "cover.png"},
					{ID: "i2", Snippet: "logo.png"},
				},
			},
		}}},
	}}
	images := &fakeImageLookup{urls: map[string]ImageURLs{
		"i1": {ThumbnailURL: "https://cdn/thumb/i1", URL: "https://cdn/full/i1"},
	}}
	store := &fakeFeedStore{items: items, total: 1}
	feed := newTestFeed(t, store, &fakeOracle{}, images)

	page, err := feed.GetElementFeed(context.Background(), feedActor, elementA, 1, 20)
	require.NoError(t, err)
	require.Equal(t, []string{"i1", "i2"}, images.ids)

	enriched := page.Items[0].Summary.Groups[0].ItemsByParent["element:e1"]
	require.Equal(t, "https://cdn/thumb/i1", enriched[0].ThumbnailURL)
	require.Equal(t, "https://cdn/full/i1", enriched[0].URL)
	// Unknown IDs stay untouched.
	require.Empty(t, enriched[1].ThumbnailURL)
	require.Empty(t, enriched[1].URL)
}

func TestFeedImageLookupFailureLeavesPageBare(t *testing.T) {
	items := []FeedItem{{
		ID: 1,
		Summary: Summary{Groups: []Group{{
			Kind:  GroupImagesUploaded,
			Count: 1,
			ItemsByParent: map[string][]Item{
				"element:e1": {{ID: "i1"}},
			},
		}}},
	}}
	images := &fakeImageLookup{err: trace.ConnectionProblem(nil, "image store down")}
	store := &fakeFeedStore{items: items, total: 1}
	feed := newTestFeed(t, store, &fakeOracle{}, images)

	page, err := feed.GetElementFeed(context.Background(), feedActor, elementA, 1, 20)
	require.NoError(t, err)
	require.Empty(t, page.Items[0].Summary.Groups[0].ItemsByParent["element:e1"][0].ThumbnailURL)
}

func TestFeedHeatmap(t *testing.T) {
	store := &fakeFeedStore{cells: []HeatmapCell{
		{Date: "2025-03-01", Count: 5},
		{Date: "2025-03-03", Count: 2},
	}}
	feed := newTestFeed(t, store, &fakeOracle{}, nil)
	ctx := context.Background()

	from := time.Date(2025, 3, 1, 0, 0, 0, 0, time.UTC)
	to := time.Date(2025, 3, 31, 0, 0, 0, 0, time.UTC)

	heatmap, err := feed.GetHeatmap(ctx, feedActor, feedProject, from, to, &feedActor)
	require.NoError(t, err)
	require.Equal(t, "2025-03-01", heatmap.StartDate)
	require.Equal(t, "2025-03-31", heatmap.EndDate)
	require.Len(t, heatmap.Items, 2)
	require.Equal(t, &feedActor, store.gotActor)

	// Inverted range.
	_, err = feed.GetHeatmap(ctx, feedActor, feedProject, to, from, nil)
	require.True(t, trace.IsBadParameter(err))

	// Range beyond the cap.
	_, err = feed.GetHeatmap(ctx, feedActor, feedProject, from, from.AddDate(0, 0, 366), nil)
	require.True(t, trace.IsBadParameter(err))

	// A full leap year fits exactly.
	_, err = feed.GetHeatmap(ctx, feedActor, feedProject, from, from.AddDate(0, 0, 365), nil)
	require.NoError(t, err)
}
