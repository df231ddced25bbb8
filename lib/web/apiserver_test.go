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

package web

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/gravitational/trace"
	"github.com/stretchr/testify/require"

	"github.com/gravitational/pulse"
	"github.com/gravitational/pulse/lib/activity"
	"github.com/gravitational/pulse/lib/defaults"
	"github.com/gravitational/pulse/lib/kv"
	"github.com/gravitational/pulse/lib/kv/memory"
	"github.com/gravitational/pulse/lib/monitoring"
	"github.com/gravitational/pulse/lib/utils"
)

func TestMain(m *testing.M) {
	utils.InitLoggerForTests()
	os.Exit(m.Run())
}

// fakeOracle approves every access check unless err is set.
type fakeOracle struct {
	err      error
	folders  []uuid.UUID
	elements []uuid.UUID
}

func (o *fakeOracle) RequireProject(ctx context.Context, actor, project uuid.UUID) error {
	return o.err
}

func (o *fakeOracle) RequireFolder(ctx context.Context, actor, folder uuid.UUID) error {
	return o.err
}

func (o *fakeOracle) RequireElement(ctx context.Context, actor, element uuid.UUID) error {
	return o.err
}

func (o *fakeOracle) AccessibleFolders(ctx context.Context, actor, project uuid.UUID) ([]uuid.UUID, error) {
	return o.folders, nil
}

func (o *fakeOracle) AccessibleElements(ctx context.Context, actor, project uuid.UUID) ([]uuid.UUID, error) {
	return o.elements, nil
}

// fakeStore serves canned pages and records the query arguments.
type fakeStore struct {
	items []activity.FeedItem
	total int
	cells []activity.HeatmapCell

	gotOffset int
	gotLimit  int
	gotFrom   time.Time
	gotTo     time.Time
	gotActor  *uuid.UUID
}

func (s *fakeStore) ProjectPage(ctx context.Context, project uuid.UUID, folders, elements []uuid.UUID, offset, limit int) ([]activity.FeedItem, int, error) {
	s.gotOffset, s.gotLimit = offset, limit
	return s.items, s.total, nil
}

func (s *fakeStore) FolderPage(ctx context.Context, folder uuid.UUID, offset, limit int) ([]activity.FeedItem, int, error) {
	s.gotOffset, s.gotLimit = offset, limit
	return s.items, s.total, nil
}

func (s *fakeStore) ElementPage(ctx context.Context, element uuid.UUID, offset, limit int) ([]activity.FeedItem, int, error) {
	s.gotOffset, s.gotLimit = offset, limit
	return s.items, s.total, nil
}

func (s *fakeStore) Heatmap(ctx context.Context, project uuid.UUID, from, to time.Time, actor *uuid.UUID) ([]activity.HeatmapCell, error) {
	s.gotFrom, s.gotTo = from, to
	s.gotActor = actor
	return s.cells, nil
}

var (
	_ activity.AccessOracle = (*fakeOracle)(nil)
	_ activity.FeedStore    = (*fakeStore)(nil)
)

var testActor = uuid.MustParse("5fd54b21-f054-45a8-9c52-13b39f6a922e")

type testServer struct {
	srv    *httptest.Server
	store  *fakeStore
	oracle *fakeOracle
	kv     kv.KV
}

func newTestServer(t *testing.T) *testServer {
	t.Helper()

	store := &fakeStore{
		items: []activity.FeedItem{{ID: 7, Title: "Edited element Wall"}},
		total: 41,
	}
	oracle := &fakeOracle{}
	feed, err := activity.NewFeed(activity.FeedConfig{
		Store:  store,
		Oracle: oracle,
	})
	require.NoError(t, err)

	kvStore := memory.New()
	handler, err := NewHandler(Config{
		Feed: feed,
		KV:   kvStore,
	})
	require.NoError(t, err)

	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)

	return &testServer{srv: srv, store: store, oracle: oracle, kv: kvStore}
}

// get performs a GET as the test actor and returns the status and body.
func (s *testServer) get(t *testing.T, path string) (int, []byte) {
	t.Helper()
	req, err := http.NewRequest(http.MethodGet, s.srv.URL+path, nil)
	require.NoError(t, err)
	req.Header.Set(pulse.ActorHeader, testActor.String())
	return s.do(t, req)
}

func (s *testServer) do(t *testing.T, req *http.Request) (int, []byte) {
	t.Helper()
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	require.NoError(t, resp.Body.Close())
	return resp.StatusCode, body
}

func TestProjectFeed(t *testing.T) {
	s := newTestServer(t)

	code, body := s.get(t, "/feed/project/"+uuid.NewString()+"?page=2&size=10")
	require.Equal(t, http.StatusOK, code, string(body))

	var page activity.Page
	require.NoError(t, json.Unmarshal(body, &page))
	require.Equal(t, 41, page.Total)
	require.Equal(t, 2, page.Page)
	require.Equal(t, 10, page.Size)
	require.Equal(t, 5, page.Pages)
	require.Len(t, page.Items, 1)
	require.Equal(t, "Edited element Wall", page.Items[0].Title)

	require.Equal(t, 10, s.store.gotOffset)
	require.Equal(t, 10, s.store.gotLimit)
}

func TestProjectFeedDefaults(t *testing.T) {
	s := newTestServer(t)

	code, body := s.get(t, "/feed/project/"+uuid.NewString())
	require.Equal(t, http.StatusOK, code, string(body))

	var page activity.Page
	require.NoError(t, json.Unmarshal(body, &page))
	require.Equal(t, 1, page.Page)
	require.Equal(t, defaults.FeedPageSize, page.Size)
	require.Equal(t, 0, s.store.gotOffset)
	require.Equal(t, defaults.FeedPageSize, s.store.gotLimit)
}

func TestProjectFeedMissingActor(t *testing.T) {
	s := newTestServer(t)

	req, err := http.NewRequest(http.MethodGet, s.srv.URL+"/feed/project/"+uuid.NewString(), nil)
	require.NoError(t, err)
	code, body := s.do(t, req)
	require.Equal(t, http.StatusBadRequest, code)
	require.Contains(t, string(body), pulse.ActorHeader)

	req.Header.Set(pulse.ActorHeader, "not-a-uuid")
	code, _ = s.do(t, req)
	require.Equal(t, http.StatusBadRequest, code)
}

func TestProjectFeedBadArguments(t *testing.T) {
	s := newTestServer(t)
	project := uuid.NewString()

	code, body := s.get(t, "/feed/project/42")
	require.Equal(t, http.StatusBadRequest, code)
	require.Contains(t, string(body), "project_id")

	code, _ = s.get(t, "/feed/project/"+project+"?page=abc")
	require.Equal(t, http.StatusBadRequest, code)

	code, _ = s.get(t, "/feed/project/"+project+"?page=0")
	require.Equal(t, http.StatusBadRequest, code)

	code, body = s.get(t, "/feed/project/"+project+"?size=1000")
	require.Equal(t, http.StatusBadRequest, code)
	require.Contains(t, string(body), "page size")
}

func TestProjectFeedAccessDenied(t *testing.T) {
	s := newTestServer(t)
	s.oracle.err = trace.AccessDenied("no access to project")

	code, _ := s.get(t, "/feed/project/"+uuid.NewString())
	require.Equal(t, http.StatusForbidden, code)
}

func TestProjectFeedProjectGone(t *testing.T) {
	s := newTestServer(t)
	s.oracle.err = trace.NotFound("project was deleted")

	code, _ := s.get(t, "/feed/project/"+uuid.NewString())
	require.Equal(t, http.StatusNotFound, code)
}

func TestFolderAndElementFeeds(t *testing.T) {
	s := newTestServer(t)

	code, body := s.get(t, "/feed/folder/"+uuid.NewString()+"?page=3&size=5")
	require.Equal(t, http.StatusOK, code, string(body))
	require.Equal(t, 10, s.store.gotOffset)
	require.Equal(t, 5, s.store.gotLimit)

	code, body = s.get(t, "/feed/element/"+uuid.NewString())
	require.Equal(t, http.StatusOK, code, string(body))
	require.Equal(t, 0, s.store.gotOffset)
	require.Equal(t, defaults.FeedPageSize, s.store.gotLimit)
}

func TestProjectHeatmap(t *testing.T) {
	s := newTestServer(t)
	s.store.cells = []activity.HeatmapCell{{Date: "2025-11-01", Count: 4}}
	filter := uuid.New()

	code, body := s.get(t, "/feed/project/"+uuid.NewString()+
		"/heatmap?start_date=2025-11-01&end_date=2025-11-30&user_id_filter="+filter.String())
	require.Equal(t, http.StatusOK, code, string(body))

	var heatmap activity.Heatmap
	require.NoError(t, json.Unmarshal(body, &heatmap))
	require.Equal(t, "2025-11-01", heatmap.StartDate)
	require.Equal(t, "2025-11-30", heatmap.EndDate)
	require.Len(t, heatmap.Items, 1)
	require.Equal(t, 4, heatmap.Items[0].Count)

	require.Equal(t, time.Date(2025, 11, 1, 0, 0, 0, 0, time.UTC), s.store.gotFrom)
	require.Equal(t, time.Date(2025, 11, 30, 0, 0, 0, 0, time.UTC), s.store.gotTo)
	require.NotNil(t, s.store.gotActor)
	require.Equal(t, filter, *s.store.gotActor)
}

func TestProjectHeatmapBadArguments(t *testing.T) {
	s := newTestServer(t)
	project := uuid.NewString()

	code, body := s.get(t, "/feed/project/"+project+"/heatmap?end_date=2025-11-30")
	require.Equal(t, http.StatusBadRequest, code)
	require.Contains(t, string(body), "start_date")

	code, _ = s.get(t, "/feed/project/"+project+"/heatmap?start_date=11/01/2025&end_date=2025-11-30")
	require.Equal(t, http.StatusBadRequest, code)

	code, _ = s.get(t, "/feed/project/"+project+"/heatmap?start_date=2025-11-01&end_date=2025-11-30&user_id_filter=admin")
	require.Equal(t, http.StatusBadRequest, code)

	code, body = s.get(t, "/feed/project/"+project+"/heatmap?start_date=2024-01-01&end_date=2025-06-01")
	require.Equal(t, http.StatusBadRequest, code)
	require.Contains(t, string(body), "exceeds the maximum")
}

func TestHealthz(t *testing.T) {
	s := newTestServer(t)

	// Liveness must work without the actor header.
	req, err := http.NewRequest(http.MethodGet, s.srv.URL+"/healthz", nil)
	require.NoError(t, err)
	code, body := s.do(t, req)
	require.Equal(t, http.StatusOK, code)
	require.JSONEq(t, `{"status": "ok"}`, string(body))
}

func TestReadyzWithoutSnapshot(t *testing.T) {
	s := newTestServer(t)

	req, err := http.NewRequest(http.MethodGet, s.srv.URL+"/readyz", nil)
	require.NoError(t, err)
	code, body := s.do(t, req)
	require.Equal(t, http.StatusOK, code)
	require.Contains(t, string(body), `"healthy":true`)
}

func TestReadyzSnapshot(t *testing.T) {
	s := newTestServer(t)
	ctx := context.Background()
	req, err := http.NewRequest(http.MethodGet, s.srv.URL+"/readyz", nil)
	require.NoError(t, err)

	// Key layout owned by lib/monitoring.
	storeSnapshot := func(snapshot monitoring.HealthSnapshot) {
		data, err := json.Marshal(snapshot)
		require.NoError(t, err)
		require.NoError(t, s.kv.Set(ctx, "monitoring:health:current", string(data), time.Hour))
	}

	storeSnapshot(monitoring.HealthSnapshot{
		Timestamp:  "2025-11-03T14:30:00Z",
		Healthy:    false,
		Components: map[string]bool{"database": false, "kv": true, "queue": true},
		Errors:     []string{"database: connection refused"},
	})
	code, body := s.do(t, req)
	require.Equal(t, http.StatusServiceUnavailable, code)
	require.Contains(t, string(body), "connection refused")

	storeSnapshot(monitoring.HealthSnapshot{
		Timestamp:  "2025-11-03T14:31:00Z",
		Healthy:    true,
		Components: map[string]bool{"database": true, "kv": true, "queue": true},
	})
	code, body = s.do(t, req)
	require.Equal(t, http.StatusOK, code)

	var got monitoring.HealthSnapshot
	require.NoError(t, json.Unmarshal(body, &got))
	require.True(t, got.Healthy)
	require.True(t, got.Components["database"])
}
