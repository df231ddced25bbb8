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

// Package web implements the feed HTTP API. Authentication happens at
// the fronting gateway, which injects the acting user's ID as a
// header; permission checks stay with the feed's access oracle.
package web

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/gravitational/roundtrip"
	"github.com/gravitational/trace"
	"github.com/julienschmidt/httprouter"

	"github.com/gravitational/pulse"
	"github.com/gravitational/pulse/lib/activity"
	"github.com/gravitational/pulse/lib/defaults"
	"github.com/gravitational/pulse/lib/httplib"
	"github.com/gravitational/pulse/lib/kv"
	"github.com/gravitational/pulse/lib/monitoring"
)

// Config holds the API handler settings.
type Config struct {
	// Feed serves the activity read operations.
	Feed *activity.Feed
	// KV holds the health snapshots served by the readiness endpoint.
	KV kv.KV
	// Logger emits handler logs.
	Logger *slog.Logger
}

// CheckAndSetDefaults validates the config and fills in defaults.
func (c *Config) CheckAndSetDefaults() error {
	if c.Feed == nil {
		return trace.BadParameter("missing required value Feed")
	}
	if c.KV == nil {
		return trace.BadParameter("missing required value KV")
	}
	if c.Logger == nil {
		c.Logger = slog.With(pulse.ComponentKey, pulse.ComponentWeb)
	}
	return nil
}

// Handler is the feed API router.
type Handler struct {
	httprouter.Router
	cfg Config
}

// NewHandler returns the feed API handler with all routes bound.
func NewHandler(cfg Config) (*Handler, error) {
	if err := cfg.CheckAndSetDefaults(); err != nil {
		return nil, trace.Wrap(err)
	}
	h := &Handler{cfg: cfg}

	h.GET("/feed/project/:project_id", httplib.MakeHandler(h.projectFeed))
	h.GET("/feed/project/:project_id/heatmap", httplib.MakeHandler(h.projectHeatmap))
	h.GET("/feed/folder/:folder_id", httplib.MakeHandler(h.folderFeed))
	h.GET("/feed/element/:element_id", httplib.MakeHandler(h.elementFeed))

	h.GET("/healthz", httplib.MakeHandler(h.healthz))
	h.GET("/readyz", httplib.MakeHandler(h.readyz))

	return h, nil
}

// projectFeed returns one page of the project's activity feed.
//
// GET /feed/project/:project_id?page=1&size=20
func (h *Handler) projectFeed(w http.ResponseWriter, r *http.Request, p httprouter.Params) (any, error) {
	actor, err := actorID(r)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	project, err := parseUUIDParam(p, "project_id")
	if err != nil {
		return nil, trace.Wrap(err)
	}
	page, size, err := pageArgs(r)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	return h.cfg.Feed.GetProjectFeed(r.Context(), actor, project, page, size)
}

// projectHeatmap returns the project's per-day activity counts.
//
// GET /feed/project/:project_id/heatmap?start_date=2025-01-01&end_date=2025-12-31&user_id_filter=...
func (h *Handler) projectHeatmap(w http.ResponseWriter, r *http.Request, p httprouter.Params) (any, error) {
	actor, err := actorID(r)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	project, err := parseUUIDParam(p, "project_id")
	if err != nil {
		return nil, trace.Wrap(err)
	}
	from, err := parseDateParam(r, "start_date")
	if err != nil {
		return nil, trace.Wrap(err)
	}
	to, err := parseDateParam(r, "end_date")
	if err != nil {
		return nil, trace.Wrap(err)
	}
	var actorFilter *uuid.UUID
	if raw := r.URL.Query().Get("user_id_filter"); raw != "" {
		id, err := uuid.Parse(raw)
		if err != nil {
			return nil, trace.BadParameter("parameter %q is not a valid UUID", "user_id_filter")
		}
		actorFilter = &id
	}
	return h.cfg.Feed.GetHeatmap(r.Context(), actor, project, from, to, actorFilter)
}

// folderFeed returns one page of activities touching the folder or its
// descendants.
//
// GET /feed/folder/:folder_id?page=1&size=20
func (h *Handler) folderFeed(w http.ResponseWriter, r *http.Request, p httprouter.Params) (any, error) {
	actor, err := actorID(r)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	folder, err := parseUUIDParam(p, "folder_id")
	if err != nil {
		return nil, trace.Wrap(err)
	}
	page, size, err := pageArgs(r)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	return h.cfg.Feed.GetFolderFeed(r.Context(), actor, folder, page, size)
}

// elementFeed returns one page of activities touching the element.
//
// GET /feed/element/:element_id?page=1&size=20
func (h *Handler) elementFeed(w http.ResponseWriter, r *http.Request, p httprouter.Params) (any, error) {
	actor, err := actorID(r)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	element, err := parseUUIDParam(p, "element_id")
	if err != nil {
		return nil, trace.Wrap(err)
	}
	page, size, err := pageArgs(r)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	return h.cfg.Feed.GetElementFeed(r.Context(), actor, element, page, size)
}

// healthz is the liveness probe: the process is up and serving.
func (h *Handler) healthz(w http.ResponseWriter, r *http.Request, _ httprouter.Params) (any, error) {
	return map[string]string{"status": "ok"}, nil
}

// readyz serves the last health snapshot. An unhealthy snapshot turns
// into 503 so that load balancers drain the replica; no snapshot at
// all means the prober has not run yet, which must not fail a fresh
// rollout.
func (h *Handler) readyz(w http.ResponseWriter, r *http.Request, _ httprouter.Params) (any, error) {
	snapshot, err := monitoring.CurrentSnapshot(r.Context(), h.cfg.KV)
	if err != nil {
		if trace.IsNotFound(err) {
			return map[string]any{"healthy": true, "components": map[string]bool{}}, nil
		}
		return nil, trace.Wrap(err)
	}
	if !snapshot.Healthy {
		roundtrip.ReplyJSON(w, http.StatusServiceUnavailable, snapshot)
		return nil, nil
	}
	return snapshot, nil
}

// actorID extracts the acting user from the gateway-injected header.
func actorID(r *http.Request) (uuid.UUID, error) {
	raw := r.Header.Get(pulse.ActorHeader)
	if raw == "" {
		return uuid.Nil, trace.BadParameter("missing %v header", pulse.ActorHeader)
	}
	id, err := uuid.Parse(raw)
	if err != nil {
		return uuid.Nil, trace.BadParameter("malformed %v header", pulse.ActorHeader)
	}
	return id, nil
}

// parseUUIDParam parses a UUID path parameter.
func parseUUIDParam(p httprouter.Params, name string) (uuid.UUID, error) {
	id, err := uuid.Parse(p.ByName(name))
	if err != nil {
		return uuid.Nil, trace.BadParameter("parameter %q is not a valid UUID", name)
	}
	return id, nil
}

// parseDateParam parses a required ISO date query parameter.
func parseDateParam(r *http.Request, name string) (time.Time, error) {
	raw := r.URL.Query().Get(name)
	if raw == "" {
		return time.Time{}, trace.BadParameter("missing required parameter %q", name)
	}
	date, err := time.Parse(time.DateOnly, raw)
	if err != nil {
		return time.Time{}, trace.BadParameter("parameter %q is not a valid date, expected YYYY-MM-DD", name)
	}
	return date, nil
}

// pageArgs parses the page and size query parameters. Range validation
// is the feed's concern.
func pageArgs(r *http.Request) (page, size int, err error) {
	page, err = httplib.ParseIntParam(r, "page", 1)
	if err != nil {
		return 0, 0, trace.Wrap(err)
	}
	size, err = httplib.ParseIntParam(r, "size", defaults.FeedPageSize)
	if err != nil {
		return 0, 0, trace.Wrap(err)
	}
	return page, size, nil
}
