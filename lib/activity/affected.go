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
	"bytes"
	"context"
	"log/slog"
	"slices"
	"strings"

	"github.com/google/uuid"
)

// Parent kinds referenced by comment, image and widget events.
const (
	parentKindElement = "element"
	parentKindFolder  = "folder"
)

// ExtractAffected collects the folder and element IDs a claim touched.
// Malformed IDs are logged and skipped; they never abort aggregation.
// Both outputs are sorted and duplicate-free.
func ExtractAffected(ctx context.Context, logger *slog.Logger, events []RawEvent) (folders, elements []uuid.UUID) {
	folderSet := make(map[uuid.UUID]struct{})
	elementSet := make(map[uuid.UUID]struct{})

	addTo := func(set map[uuid.UUID]struct{}, raw, role string) {
		id, err := uuid.Parse(raw)
		if err != nil {
			logger.WarnContext(ctx, "Skipping malformed ID in event", "role", role, "id", raw)
			return
		}
		set[id] = struct{}{}
	}
	addParent := func(ev RawEvent, kindKey, idKey string) {
		raw := ev.detailString(idKey)
		if raw == "" {
			return
		}
		switch ev.detailString(kindKey) {
		case parentKindElement:
			addTo(elementSet, raw, "parent element")
		case parentKindFolder:
			addTo(folderSet, raw, "parent folder")
		}
	}

	for _, ev := range events {
		switch {
		case strings.HasPrefix(ev.Kind, "folder."):
			addTo(folderSet, ev.TargetID, "folder")
		case ev.Kind == KindElementCreated, ev.Kind == KindElementUpdated,
			ev.Kind == KindElementTrashed, ev.Kind == KindElementMoved:
			addTo(elementSet, ev.TargetID, "element")
			if raw := ev.detailString(DetailFolderID); raw != "" {
				addTo(folderSet, raw, "element folder")
			}
			if ev.Kind == KindElementMoved {
				if raw := ev.detailString(DetailOldFolderID); raw != "" {
					addTo(folderSet, raw, "element old folder")
				}
			}
		case ev.Kind == KindCommentCreated, ev.Kind == KindImageUploaded:
			addParent(ev, DetailParentType, DetailParentID)
		case strings.HasPrefix(ev.Kind, "imagemap."):
			addParent(ev, DetailEntityType, DetailEntityID)
		}
	}

	return sortedIDs(folderSet), sortedIDs(elementSet)
}

func sortedIDs(set map[uuid.UUID]struct{}) []uuid.UUID {
	if len(set) == 0 {
		return nil
	}
	out := make([]uuid.UUID, 0, len(set))
	for id := range set {
		out = append(out, id)
	}
	slices.SortFunc(out, func(a, b uuid.UUID) int {
		return bytes.Compare(a[:], b[:])
	})
	return out
}
