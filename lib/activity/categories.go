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
	"strings"

	"github.com/gravitational/trace"
)

// Category is a recordable activity category that operators can toggle
// per deployment.
type Category string

const (
	// CategoryElements covers element.* events.
	CategoryElements Category = "elements"
	// CategoryFolders covers folder.* events.
	CategoryFolders Category = "folders"
	// CategoryGallery covers gallery.* events.
	CategoryGallery Category = "gallery"
	// CategoryAnnouncements covers announcement.* events.
	CategoryAnnouncements Category = "announcements"
	// CategoryProjects covers project.* events.
	CategoryProjects Category = "projects"
	// CategoryComments covers comment.* events.
	CategoryComments Category = "comments"
	// CategoryWidgets covers imagemap.* events.
	CategoryWidgets Category = "widgets"
)

// AllCategories lists every known category, the default enabled set.
var AllCategories = []Category{
	CategoryElements,
	CategoryFolders,
	CategoryGallery,
	CategoryAnnouncements,
	CategoryProjects,
	CategoryComments,
	CategoryWidgets,
}

// CategoryOf maps an event kind to its category by the prefix before
// the first dot. Unknown prefixes map to the empty category, which is
// always recorded.
func CategoryOf(kind string) Category {
	prefix, _, _ := strings.Cut(kind, ".")
	switch prefix {
	case "element":
		return CategoryElements
	case "folder":
		return CategoryFolders
	case "gallery":
		return CategoryGallery
	case "announcement":
		return CategoryAnnouncements
	case "project":
		return CategoryProjects
	case "comment":
		return CategoryComments
	case "imagemap":
		return CategoryWidgets
	}
	return ""
}

// ParseCategories validates a list of category names from configuration.
func ParseCategories(names []string) ([]Category, error) {
	out := make([]Category, 0, len(names))
	for _, name := range names {
		cat := Category(strings.ToLower(strings.TrimSpace(name)))
		if !knownCategory(cat) {
			return nil, trace.BadParameter("unknown activity category %q, expected one of %v", name, AllCategories)
		}
		out = append(out, cat)
	}
	return out, nil
}

func knownCategory(cat Category) bool {
	for _, known := range AllCategories {
		if cat == known {
			return true
		}
	}
	return false
}
