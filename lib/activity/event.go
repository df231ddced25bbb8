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

// Package activity implements the activity aggregation domain: raw
// event recording, session aggregation into feed activities, and the
// feed and heatmap read models.
package activity

import (
	"time"

	"github.com/google/uuid"
	"github.com/gravitational/trace"
)

// Event kinds emitted by the application producers. The prefix before
// the first dot selects the category (see CategoryOf).
const (
	KindElementCreated = "element.created"
	KindElementUpdated = "element.updated"
	KindElementTrashed = "element.trashed"
	KindElementMoved   = "element.moved"

	KindFolderCreated = "folder.created"
	KindFolderUpdated = "folder.updated"
	KindFolderTrashed = "folder.trashed"

	KindCommentCreated = "comment.created"
	KindImageUploaded  = "gallery.image.uploaded"

	KindAnnouncementCreated = "announcement.created"
	KindAnnouncementUpdated = "announcement.updated"

	KindProjectUpdated = "project.updated"

	KindWidgetCreated = "imagemap.created"
	KindWidgetUpdated = "imagemap.updated"
	KindWidgetDeleted = "imagemap.deleted"
)

// Detail keys read by the aggregation pipeline. Everything else in an
// event detail is carried opaquely.
const (
	// DetailElementName names the element an event touched.
	DetailElementName = "element_name"
	// DetailFolderName names the folder an event touched.
	DetailFolderName = "folder_name"
	// DetailTitle names an announcement.
	DetailTitle = "title"
	// DetailName names a widget.
	DetailName = "name"
	// DetailProjectName names a project.
	DetailProjectName = "project_name"
	// DetailImageName names an uploaded image.
	DetailImageName = "image_name"
	// DetailTextSnippet carries the producer-truncated comment text.
	DetailTextSnippet = "text_snippet"
	// DetailFolderID points at the folder holding an element.
	DetailFolderID = "folder_id"
	// DetailOldFolderID points at the folder an element was moved from.
	DetailOldFolderID = "old_folder_id"
	// DetailParentType is the kind of a comment or image parent,
	// "element" or "folder".
	DetailParentType = "parent_type"
	// DetailParentID identifies a comment or image parent.
	DetailParentID = "parent_id"
	// DetailEntityType is the kind of entity a widget is attached to.
	DetailEntityType = "entity_type"
	// DetailEntityID identifies the entity a widget is attached to.
	DetailEntityID = "entity_id"
)

// Event is one domain action reported by a producer. It is buffered as
// a RawEvent and folded into an Activity when the session goes quiet.
type Event struct {
	// Actor is the user who performed the action.
	Actor uuid.UUID
	// Project scopes the action.
	Project uuid.UUID
	// Kind is the dotted event kind, e.g. "element.created".
	Kind string
	// TargetID identifies the acted-on object. May be empty for events
	// that only reference objects through Detail.
	TargetID string
	// TargetKind is the kind of the acted-on object.
	TargetKind string
	// Detail carries kind-specific attributes (names, parents,
	// snippets).
	Detail map[string]any
}

// Check validates the event.
func (e *Event) Check() error {
	if e.Actor == uuid.Nil {
		return trace.BadParameter("missing required value Actor")
	}
	if e.Project == uuid.Nil {
		return trace.BadParameter("missing required value Project")
	}
	if e.Kind == "" {
		return trace.BadParameter("missing required value Kind")
	}
	return nil
}

// RawEvent is a buffered event awaiting aggregation.
type RawEvent struct {
	// ID is the buffer row identity.
	ID int64
	// SessionFingerprint groups events of one actor session.
	SessionFingerprint string
	// Project scopes the event.
	Project uuid.UUID
	// Actor is the user who performed the action.
	Actor uuid.UUID
	// Kind is the dotted event kind.
	Kind string
	// TargetID identifies the acted-on object.
	TargetID string
	// TargetKind is the kind of the acted-on object.
	TargetKind string
	// Detail carries kind-specific attributes.
	Detail map[string]any
	// CreatedAt is when the event was recorded.
	CreatedAt time.Time
}

// detailString returns the string detail stored under key, or "" when
// absent or of another type.
func (e RawEvent) detailString(key string) string {
	s, _ := e.Detail[key].(string)
	return s
}
