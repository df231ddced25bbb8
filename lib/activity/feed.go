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
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/gravitational/trace"
	"github.com/jonboulle/clockwork"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/gravitational/pulse"
	"github.com/gravitational/pulse/lib/defaults"
	"github.com/gravitational/pulse/lib/observability/metrics"
)

var feedRequests = prometheus.NewHistogramVec(
	prometheus.HistogramOpts{
		Namespace: pulse.MetricNamespace,
		Name:      "feed_request_seconds",
		Help:      "Latency of feed read operations.",
		Buckets:   prometheus.ExponentialBuckets(0.001, 2, 16),
	},
	[]string{"scope"},
)

func init() {
	_ = metrics.RegisterPrometheusCollectors(feedRequests)
}

// Actor identifies the author of a feed item.
type Actor struct {
	ID   uuid.UUID `json:"id"`
	Name string    `json:"name"`
}

// FeedItem is one rendered activity in a feed page.
type FeedItem struct {
	ID        int64     `json:"id"`
	Title     string    `json:"title"`
	Summary   Summary   `json:"summary"`
	StartedAt time.Time `json:"started_at"`
	EndedAt   time.Time `json:"ended_at"`
	User      Actor     `json:"user"`
}

// Page is one feed page, newest activities first.
type Page struct {
	Items []FeedItem `json:"items"`
	Total int        `json:"total"`
	Page  int        `json:"page"`
	Size  int        `json:"size"`
	Pages int        `json:"pages"`
}

// HeatmapCell is the activity count of one calendar day.
type HeatmapCell struct {
	Date  string `json:"date"`
	Count int    `json:"count"`
}

// Heatmap is the per-day activity of a project over a date range.
// Days without activity are omitted.
type Heatmap struct {
	Items     []HeatmapCell `json:"items"`
	StartDate string        `json:"start_date"`
	EndDate   string        `json:"end_date"`
}

// AccessOracle is the embedding application's permission surface. The
// feed never evaluates permissions itself: it asks the oracle and
// narrows queries to what the oracle returns.
type AccessOracle interface {
	// RequireProject returns nil when the actor may read the project,
	// trace.AccessDenied when not, trace.NotFound when the project is
	// gone.
	RequireProject(ctx context.Context, actor, project uuid.UUID) error
	// RequireFolder is RequireProject for a folder.
	RequireFolder(ctx context.Context, actor, folder uuid.UUID) error
	// RequireElement is RequireProject for an element.
	RequireElement(ctx context.Context, actor, element uuid.UUID) error
	// AccessibleFolders lists the project folders the actor may see.
	AccessibleFolders(ctx context.Context, actor, project uuid.UUID) ([]uuid.UUID, error)
	// AccessibleElements lists the project elements the actor may see.
	AccessibleElements(ctx context.Context, actor, project uuid.UUID) ([]uuid.UUID, error)
}

// FeedStore reads aggregated activities. Implemented by pgactivity.
// Page queries count first and return early on zero, order by
// ended_at descending breaking ties on id.
type FeedStore interface {
	// ProjectPage returns activities of the project that touch only
	// the given accessible folders and elements, or nothing beyond
	// the project itself.
	ProjectPage(ctx context.Context, project uuid.UUID, folders, elements []uuid.UUID, offset, limit int) ([]FeedItem, int, error)
	// FolderPage returns activities touching the folder or any of its
	// descendants. Returns trace.NotFound when the folder is gone.
	FolderPage(ctx context.Context, folder uuid.UUID, offset, limit int) ([]FeedItem, int, error)
	// ElementPage returns activities touching the element.
	ElementPage(ctx context.Context, element uuid.UUID, offset, limit int) ([]FeedItem, int, error)
	// Heatmap sums daily activity counters of the project over
	// [from, to], optionally narrowed to one actor.
	Heatmap(ctx context.Context, project uuid.UUID, from, to time.Time, actor *uuid.UUID) ([]HeatmapCell, error)
}

// ImageURLs carries the rendered locations of one gallery image.
type ImageURLs struct {
	ThumbnailURL string
	URL          string
}

// ImageLookup resolves gallery image IDs to their URLs. IDs without a
// match are simply absent from the result.
type ImageLookup interface {
	URLs(ctx context.Context, ids []string) (map[string]ImageURLs, error)
}

// FeedConfig holds the feed reader settings.
type FeedConfig struct {
	// Store reads activity pages and heatmaps.
	Store FeedStore
	// Oracle guards every read.
	Oracle AccessOracle
	// Images enriches image summary items with URLs. Optional.
	Images ImageLookup
	// HeatmapMaxRangeDays caps the heatmap date range.
	HeatmapMaxRangeDays int
	// Clock times requests.
	Clock clockwork.Clock
	// Logger emits feed diagnostics.
	Logger *slog.Logger
}

// CheckAndSetDefaults validates the config and fills in defaults.
func (c *FeedConfig) CheckAndSetDefaults() error {
	if c.Store == nil {
		return trace.BadParameter("missing required value Store")
	}
	if c.Oracle == nil {
		return trace.BadParameter("missing required value Oracle")
	}
	if c.HeatmapMaxRangeDays == 0 {
		c.HeatmapMaxRangeDays = defaults.HeatmapMaxRangeDays
	}
	if c.Clock == nil {
		c.Clock = clockwork.NewRealClock()
	}
	if c.Logger == nil {
		c.Logger = slog.With(pulse.ComponentKey, pulse.ComponentFeed)
	}
	return nil
}

// Feed serves paginated activity feeds and heatmaps.
type Feed struct {
	cfg FeedConfig
}

// NewFeed returns a feed reader with the given config.
func NewFeed(cfg FeedConfig) (*Feed, error) {
	if err := cfg.CheckAndSetDefaults(); err != nil {
		return nil, trace.Wrap(err)
	}
	return &Feed{cfg: cfg}, nil
}

// GetProjectFeed returns one page of the project's feed, narrowed to
// the folders and elements the actor may see.
func (f *Feed) GetProjectFeed(ctx context.Context, actor, project uuid.UUID, page, size int) (*Page, error) {
	defer f.observe("project")()
	if err := checkPageArgs(page, size); err != nil {
		return nil, trace.Wrap(err)
	}
	if err := f.cfg.Oracle.RequireProject(ctx, actor, project); err != nil {
		return nil, trace.Wrap(err)
	}
	folders, err := f.cfg.Oracle.AccessibleFolders(ctx, actor, project)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	elements, err := f.cfg.Oracle.AccessibleElements(ctx, actor, project)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	items, total, err := f.cfg.Store.ProjectPage(ctx, project, folders, elements, (page-1)*size, size)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	return f.page(ctx, items, total, page, size), nil
}

// GetFolderFeed returns one page of activities touching the folder or
// its descendants.
func (f *Feed) GetFolderFeed(ctx context.Context, actor, folder uuid.UUID, page, size int) (*Page, error) {
	defer f.observe("folder")()
	if err := checkPageArgs(page, size); err != nil {
		return nil, trace.Wrap(err)
	}
	if err := f.cfg.Oracle.RequireFolder(ctx, actor, folder); err != nil {
		return nil, trace.Wrap(err)
	}
	items, total, err := f.cfg.Store.FolderPage(ctx, folder, (page-1)*size, size)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	return f.page(ctx, items, total, page, size), nil
}

// GetElementFeed returns one page of activities touching the element.
func (f *Feed) GetElementFeed(ctx context.Context, actor, element uuid.UUID, page, size int) (*Page, error) {
	defer f.observe("element")()
	if err := checkPageArgs(page, size); err != nil {
		return nil, trace.Wrap(err)
	}
	if err := f.cfg.Oracle.RequireElement(ctx, actor, element); err != nil {
		return nil, trace.Wrap(err)
	}
	items, total, err := f.cfg.Store.ElementPage(ctx, element, (page-1)*size, size)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	return f.page(ctx, items, total, page, size), nil
}

// GetHeatmap returns the project's per-day activity counts over
// [from, to], optionally narrowed to one actor.
func (f *Feed) GetHeatmap(ctx context.Context, actor, project uuid.UUID, from, to time.Time, actorFilter *uuid.UUID) (*Heatmap, error) {
	defer f.observe("heatmap")()
	if to.Before(from) {
		return nil, trace.BadParameter("end date %v is before start date %v",
			to.Format(time.DateOnly), from.Format(time.DateOnly))
	}
	if days := int(to.Sub(from)/(24*time.Hour)) + 1; days > f.cfg.HeatmapMaxRangeDays {
		return nil, trace.BadParameter("date range of %d days exceeds the maximum of %d",
			days, f.cfg.HeatmapMaxRangeDays)
	}
	if err := f.cfg.Oracle.RequireProject(ctx, actor, project); err != nil {
		return nil, trace.Wrap(err)
	}
	cells, err := f.cfg.Store.Heatmap(ctx, project, from, to, actorFilter)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	return &Heatmap{
		Items:     cells,
		StartDate: from.Format(time.DateOnly),
		EndDate:   to.Format(time.DateOnly),
	}, nil
}

func (f *Feed) page(ctx context.Context, items []FeedItem, total, page, size int) *Page {
	f.enrichImages(ctx, items)
	if items == nil {
		items = []FeedItem{}
	}
	return &Page{
		Items: items,
		Total: total,
		Page:  page,
		Size:  size,
		Pages: (total + size - 1) / size,
	}
}

// enrichImages splices thumbnail and full URLs into the image items of
// a page in one lookup. Lookup failures leave the page unenriched.
func (f *Feed) enrichImages(ctx context.Context, items []FeedItem) {
	if f.cfg.Images == nil {
		return
	}
	ids := collectImageIDs(items)
	if len(ids) == 0 {
		return
	}
	urls, err := f.cfg.Images.URLs(ctx, ids)
	if err != nil {
		f.cfg.Logger.WarnContext(ctx, "Failed to resolve image URLs for feed page", "error", err)
		return
	}
	for i := range items {
		for g := range items[i].Summary.Groups {
			group := &items[i].Summary.Groups[g]
			if group.Kind != GroupImagesUploaded {
				continue
			}
			spliceImageURLs(group.Items, urls)
			for _, list := range group.ItemsByParent {
				spliceImageURLs(list, urls)
			}
		}
	}
}

func collectImageIDs(items []FeedItem) []string {
	var ids []string
	seen := make(map[string]struct{})
	add := func(list []Item) {
		for _, item := range list {
			if _, ok := seen[item.ID]; ok {
				continue
			}
			seen[item.ID] = struct{}{}
			ids = append(ids, item.ID)
		}
	}
	for i := range items {
		for _, group := range items[i].Summary.Groups {
			if group.Kind != GroupImagesUploaded {
				continue
			}
			add(group.Items)
			for _, list := range group.ItemsByParent {
				add(list)
			}
		}
	}
	return ids
}

func spliceImageURLs(list []Item, urls map[string]ImageURLs) {
	for i := range list {
		u, ok := urls[list[i].ID]
		if !ok {
			continue
		}
		list[i].ThumbnailURL = u.ThumbnailURL
		list[i].URL = u.URL
	}
}

func (f *Feed) observe(scope string) func() {
	start := f.cfg.Clock.Now()
	return func() {
		feedRequests.WithLabelValues(scope).Observe(f.cfg.Clock.Since(start).Seconds())
	}
}

func checkPageArgs(page, size int) error {
	if page < 1 {
		return trace.BadParameter("page must be 1 or greater, got %d", page)
	}
	if size < 1 || size > defaults.FeedMaxPageSize {
		return trace.BadParameter("page size must be between 1 and %d, got %d",
			defaults.FeedMaxPageSize, size)
	}
	return nil
}
