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
	"testing"

	"github.com/stretchr/testify/require"
)

func summaryEvent(kind, targetID string, detail map[string]any) RawEvent {
	return RawEvent{Kind: kind, TargetID: targetID, Detail: detail}
}

func TestBuildSummaryGroupOrder(t *testing.T) {
	events := []RawEvent{
		summaryEvent(KindWidgetDeleted, "w1", nil),
		summaryEvent(KindImageUploaded, "i1", map[string]any{DetailParentType: "element", DetailParentID: "e9"}),
		summaryEvent(KindCommentCreated, "c1", map[string]any{DetailParentType: "element", DetailParentID: "e9"}),
		summaryEvent(KindFolderCreated, "f1", map[string]any{DetailFolderName: "Docs"}),
		summaryEvent(KindElementCreated, "e1", map[string]any{DetailElementName: "Hero"}),
	}
	summary := BuildSummary(events)

	kinds := make([]string, 0, len(summary.Groups))
	for _, group := range summary.Groups {
		kinds = append(kinds, group.Kind)
	}
	require.Equal(t, []string{
		GroupElementsCreated,
		GroupFoldersCreated,
		GroupCommentsAdded,
		GroupImagesUploaded,
		GroupWidgetsDeleted,
	}, kinds)
}

func TestBuildSummaryNamedGroups(t *testing.T) {
	t.Run("created keeps duplicates", func(t *testing.T) {
		summary := BuildSummary([]RawEvent{
			summaryEvent(KindElementCreated, "e1", map[string]any{DetailElementName: "One"}),
			summaryEvent(KindElementCreated, "e1", map[string]any{DetailElementName: "One again"}),
		})
		require.Len(t, summary.Groups, 1)
		group := summary.Groups[0]
		require.Equal(t, GroupElementsCreated, group.Kind)
		require.Equal(t, 2, group.Count)
		require.Equal(t, []Item{
			{ID: "e1", Name: "One"},
			{ID: "e1", Name: "One again"},
		}, group.Items)
	})

	t.Run("updated deduplicates last write wins", func(t *testing.T) {
		summary := BuildSummary([]RawEvent{
			summaryEvent(KindElementUpdated, "e1", map[string]any{DetailElementName: "Draft"}),
			summaryEvent(KindElementUpdated, "e2", map[string]any{DetailElementName: "Other"}),
			summaryEvent(KindElementUpdated, "e1", map[string]any{DetailElementName: "Final"}),
		})
		require.Len(t, summary.Groups, 1)
		group := summary.Groups[0]
		require.Equal(t, GroupElementsUpdated, group.Kind)
		require.Equal(t, 2, group.Count)
		require.Equal(t, []Item{
			{ID: "e1", Name: "Final"},
			{ID: "e2", Name: "Other"},
		}, group.Items)
	})

	t.Run("widgets carry entity kind and deletes keep duplicates", func(t *testing.T) {
		summary := BuildSummary([]RawEvent{
			summaryEvent(KindWidgetDeleted, "w1", map[string]any{DetailName: "Map", DetailEntityType: "element"}),
			summaryEvent(KindWidgetDeleted, "w1", map[string]any{DetailName: "Map", DetailEntityType: "element"}),
		})
		require.Len(t, summary.Groups, 1)
		group := summary.Groups[0]
		require.Equal(t, GroupWidgetsDeleted, group.Kind)
		require.Equal(t, 2, group.Count)
		require.Equal(t, []Item{
			{ID: "w1", Name: "Map", EntityKind: "element"},
			{ID: "w1", Name: "Map", EntityKind: "element"},
		}, group.Items)
	})
}

func TestBuildSummaryParentGroups(t *testing.T) {
	summary := BuildSummary([]RawEvent{
		summaryEvent(KindCommentCreated, "c1", map[string]any{
			DetailParentType:  "element",
			DetailParentID:    "e1",
			DetailTextSnippet: "Looks good...",
		}),
		summaryEvent(KindCommentCreated, "c2", map[string]any{
			DetailParentType:  "folder",
			DetailParentID:    "f1",
			DetailTextSnippet: "Move this",
		}),
		// No parent reference: counted, not listed.
		summaryEvent(KindCommentCreated, "c3", nil),
		summaryEvent(KindImageUploaded, "i1", map[string]any{
			DetailParentType: "element",
			DetailParentID:   "e1",
			DetailImageName:  "cover.png",
		}),
	})

	require.Len(t, summary.Groups, 2)

	comments := summary.Groups[0]
	require.Equal(t, GroupCommentsAdded, comments.Kind)
	require.Equal(t, 3, comments.Count)
	require.Equal(t, map[string][]Item{
		"element:e1": {{ID: "c1", Snippet: "Looks good..."}},
		"folder:f1":  {{ID: "c2", Snippet: "Move this"}},
	}, comments.ItemsByParent)

	images := summary.Groups[1]
	require.Equal(t, GroupImagesUploaded, images.Kind)
	require.Equal(t, 1, images.Count)
	require.Equal(t, map[string][]Item{
		"element:e1": {{ID: "i1", Snippet: "cover.png"}},
	}, images.ItemsByParent)
}

func TestBuildSummarySkipsUngroupedKinds(t *testing.T) {
	summary := BuildSummary([]RawEvent{
		summaryEvent(KindElementMoved, "e1", nil),
		summaryEvent(KindElementTrashed, "e2", nil),
		summaryEvent(KindProjectUpdated, "p1", nil),
	})
	require.Empty(t, summary.Groups)
}
