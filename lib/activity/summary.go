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

// Summary group kinds, in the order groups appear in a summary.
const (
	GroupElementsCreated      = "elements_created"
	GroupElementsUpdated      = "elements_updated"
	GroupFoldersCreated       = "folders_created"
	GroupFoldersUpdated       = "folders_updated"
	GroupCommentsAdded        = "comments_added"
	GroupImagesUploaded       = "images_uploaded"
	GroupAnnouncementsCreated = "announcements_created"
	GroupWidgetsCreated       = "widgets_created"
	GroupWidgetsUpdated       = "widgets_updated"
	GroupWidgetsDeleted       = "widgets_deleted"
)

// Summary is the structured body of an activity, rendered by the feed
// UI alongside the title.
type Summary struct {
	Groups []Group `json:"groups"`
}

// Group describes every event of one kind within an activity.
type Group struct {
	// Kind is one of the Group* constants.
	Kind string `json:"type"`
	// Count is the number of items for object-centric kinds and the
	// number of source events for parent-grouped kinds, where events
	// missing parent references count but yield no item.
	Count int `json:"count"`
	// Items lists the touched objects for object-centric kinds.
	Items []Item `json:"items,omitempty"`
	// ItemsByParent maps "<parent_kind>:<parent_id>" to the items added
	// under that parent, for comments and image uploads.
	ItemsByParent map[string][]Item `json:"items_by_parent,omitempty"`
}

// Item is a single object reference inside a group.
type Item struct {
	// ID is the object identity as reported by the producer.
	ID string `json:"id"`
	// Name is the object display name, for object-centric kinds.
	Name string `json:"name,omitempty"`
	// Snippet is the comment excerpt or image name, for parent-grouped
	// kinds.
	Snippet string `json:"snippet,omitempty"`
	// EntityKind is the kind of entity a widget is attached to.
	EntityKind string `json:"entity_type,omitempty"`
	// ThumbnailURL and URL are spliced in by feed image enrichment.
	ThumbnailURL string `json:"thumbnailUrl,omitempty"`
	URL          string `json:"url,omitempty"`
}

// BuildSummary folds a claim into its summary groups. Events of kinds
// outside the group vocabulary (moves, trashes, project updates)
// contribute no group.
func BuildSummary(events []RawEvent) Summary {
	var groups []Group
	add := func(g Group, ok bool) {
		if ok {
			groups = append(groups, g)
		}
	}

	add(namedGroup(GroupElementsCreated, events, KindElementCreated, DetailElementName, false, false))
	add(namedGroup(GroupElementsUpdated, events, KindElementUpdated, DetailElementName, true, false))
	add(namedGroup(GroupFoldersCreated, events, KindFolderCreated, DetailFolderName, false, false))
	add(namedGroup(GroupFoldersUpdated, events, KindFolderUpdated, DetailFolderName, true, false))
	add(parentGroup(GroupCommentsAdded, events, KindCommentCreated))
	add(parentGroup(GroupImagesUploaded, events, KindImageUploaded))
	add(namedGroup(GroupAnnouncementsCreated, events, KindAnnouncementCreated, DetailTitle, false, false))
	add(namedGroup(GroupWidgetsCreated, events, KindWidgetCreated, DetailName, false, true))
	add(namedGroup(GroupWidgetsUpdated, events, KindWidgetUpdated, DetailName, true, true))
	add(namedGroup(GroupWidgetsDeleted, events, KindWidgetDeleted, DetailName, false, true))

	if groups == nil {
		groups = []Group{}
	}
	return Summary{Groups: groups}
}

// namedGroup collects {id, name} items for one event kind. When dedup
// is set, repeated targets collapse into one item, the last write wins
// and the item keeps the position of the first occurrence. Widget
// groups additionally carry the attached entity kind on every item.
func namedGroup(groupKind string, events []RawEvent, kind, nameKey string, dedup, withEntity bool) (Group, bool) {
	var items []Item
	index := make(map[string]int)
	for _, ev := range events {
		if ev.Kind != kind {
			continue
		}
		item := Item{ID: ev.TargetID, Name: ev.detailString(nameKey)}
		if withEntity {
			item.EntityKind = ev.detailString(DetailEntityType)
		}
		if dedup {
			if at, ok := index[ev.TargetID]; ok {
				items[at] = item
				continue
			}
			index[ev.TargetID] = len(items)
		}
		items = append(items, item)
	}
	if len(items) == 0 {
		return Group{}, false
	}
	return Group{Kind: groupKind, Count: len(items), Items: items}, true
}

// parentGroup groups comment and image events under their parent
// entity. Events lacking parent references count but yield no item.
func parentGroup(groupKind string, events []RawEvent, kind string) (Group, bool) {
	count := 0
	byParent := make(map[string][]Item)
	for _, ev := range events {
		if ev.Kind != kind {
			continue
		}
		count++
		parentKind := ev.detailString(DetailParentType)
		parentID := ev.detailString(DetailParentID)
		if parentKind == "" || parentID == "" {
			continue
		}
		snippet := ev.detailString(DetailTextSnippet)
		if snippet == "" {
			snippet = ev.detailString(DetailImageName)
		}
		key := parentKind + ":" + parentID
		byParent[key] = append(byParent[key], Item{ID: ev.TargetID, Snippet: snippet})
	}
	if count == 0 {
		return Group{}, false
	}
	if len(byParent) == 0 {
		byParent = nil
	}
	return Group{Kind: groupKind, Count: count, ItemsByParent: byParent}, true
}
