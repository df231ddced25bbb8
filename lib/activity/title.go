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
	"fmt"
	"strings"
)

// DefaultActorName stands in for actors without a display name.
const DefaultActorName = "Пользователь"

// Noun declension triples used by titles.
var (
	nounElement      = [3]string{"элемент", "элемента", "элементов"}
	nounFolder       = [3]string{"папку", "папки", "папок"}
	nounComment      = [3]string{"комментарий", "комментария", "комментариев"}
	nounImage        = [3]string{"изображение", "изображения", "изображений"}
	nounAnnouncement = [3]string{"задачу", "задачи", "задач"}
	nounWidget       = [3]string{"виджет", "виджета", "виджетов"}
	nounObject       = [3]string{"объект", "объекта", "объектов"}
)

// Plural renders "<n> <noun>" with the noun declined for n: one for
// counts ending in 1 except 11, few for counts ending in 2..4 except
// 12..14, many otherwise.
func Plural(n int, one, few, many string) string {
	switch {
	case n%10 == 1 && n%100 != 11:
		return fmt.Sprintf("%d %s", n, one)
	case 2 <= n%10 && n%10 <= 4 && (n%100 < 10 || n%100 >= 20):
		return fmt.Sprintf("%d %s", n, few)
	default:
		return fmt.Sprintf("%d %s", n, many)
	}
}

func plural(n int, noun [3]string) string {
	return Plural(n, noun[0], noun[1], noun[2])
}

// Title renders the human headline of a claim: a kind-specific phrase
// for a single event, a declined count for a burst of one kind, and the
// two highest-priority actions for mixed bursts.
func Title(actorName string, events []RawEvent) string {
	if actorName == "" {
		actorName = DefaultActorName
	}
	if len(events) == 1 {
		return actorName + " " + singleEventPhrase(events[0])
	}

	byKind := make(map[string][]RawEvent)
	var kinds []string
	for _, ev := range events {
		if _, seen := byKind[ev.Kind]; !seen {
			kinds = append(kinds, ev.Kind)
		}
		byKind[ev.Kind] = append(byKind[ev.Kind], ev)
	}
	if len(kinds) == 1 {
		return actorName + " " + sameKindPhrase(kinds[0], len(events))
	}
	return mixedTitle(actorName, byKind, len(events))
}

// singleEventPhrase is the verb phrase for a claim of exactly one
// event. Names missing from the event detail render as an ellipsis.
func singleEventPhrase(ev RawEvent) string {
	name := func(key string) string {
		if v := ev.detailString(key); v != "" {
			return v
		}
		return "..."
	}
	switch ev.Kind {
	case KindElementCreated:
		return fmt.Sprintf("создал(а) элемент «%s»", name(DetailElementName))
	case KindElementUpdated:
		return fmt.Sprintf("обновил(а) элемент «%s»", name(DetailElementName))
	case KindElementTrashed:
		return fmt.Sprintf("удалил(а) элемент «%s»", name(DetailElementName))
	case KindElementMoved:
		return fmt.Sprintf("переместил(а) элемент «%s»", name(DetailElementName))
	case KindFolderCreated:
		return fmt.Sprintf("создал(а) папку «%s»", name(DetailFolderName))
	case KindFolderUpdated:
		return fmt.Sprintf("обновил(а) папку «%s»", name(DetailFolderName))
	case KindFolderTrashed:
		return fmt.Sprintf("удалил(а) папку «%s»", name(DetailFolderName))
	case KindCommentCreated:
		return "оставил(а) комментарий"
	case KindImageUploaded:
		return fmt.Sprintf("загрузил(а) изображение «%s»", name(DetailImageName))
	case KindAnnouncementCreated:
		return fmt.Sprintf("создал(а) задачу «%s»", name(DetailTitle))
	case KindAnnouncementUpdated:
		return fmt.Sprintf("обновил(а) задачу «%s»", name(DetailTitle))
	case KindProjectUpdated:
		return fmt.Sprintf("обновил(а) проект «%s»", name(DetailProjectName))
	case KindWidgetCreated:
		return fmt.Sprintf("создал(а) виджет «%s»", name(DetailName))
	case KindWidgetUpdated:
		return fmt.Sprintf("обновил(а) виджет «%s»", name(DetailName))
	case KindWidgetDeleted:
		return fmt.Sprintf("удалил(а) виджет «%s»", name(DetailName))
	}
	return "выполнил(а) действие"
}

// sameKindPhrase is the verb phrase for a claim where every event
// shares one kind.
func sameKindPhrase(kind string, count int) string {
	switch kind {
	case KindElementCreated:
		return "создал(а) " + plural(count, nounElement)
	case KindElementUpdated:
		return "обновил(а) " + plural(count, nounElement)
	case KindElementTrashed:
		return "удалил(а) " + plural(count, nounElement)
	case KindFolderCreated:
		return "создал(а) " + plural(count, nounFolder)
	case KindFolderUpdated:
		return "обновил(а) " + plural(count, nounFolder)
	case KindCommentCreated:
		return "оставил(а) " + plural(count, nounComment)
	case KindImageUploaded:
		return "загрузил(а) " + plural(count, nounImage)
	case KindAnnouncementCreated:
		return "создал(а) " + plural(count, nounAnnouncement)
	case KindWidgetCreated:
		return "создал(а) " + plural(count, nounWidget)
	case KindWidgetUpdated:
		return "обновил(а) " + plural(count, nounWidget)
	case KindWidgetDeleted:
		return "удалил(а) " + plural(count, nounWidget)
	}
	return fmt.Sprintf("выполнил(а) %d действий", count)
}

// mixedTitle combines the two highest-priority action phrases of a
// mixed claim. Creations outrank updates, updates outrank comments,
// comments outrank image uploads. Events not covered by the two chosen
// actions surface as a "+N more" suffix.
func mixedTitle(actorName string, byKind map[string][]RawEvent, total int) string {
	type action struct {
		phrase  string
		covered int
	}
	var actions []action

	var created []string
	createdCovered := 0
	for _, c := range []struct {
		kind string
		noun [3]string
	}{
		{KindElementCreated, nounElement},
		{KindFolderCreated, nounFolder},
		{KindWidgetCreated, nounWidget},
	} {
		if evs := byKind[c.kind]; len(evs) > 0 {
			created = append(created, plural(len(evs), c.noun))
			createdCovered += len(evs)
		}
	}
	if len(created) > 0 {
		actions = append(actions, action{
			phrase:  "создал(а) " + strings.Join(created, " и "),
			covered: createdCovered,
		})
	}

	updated := 0
	for _, kind := range []string{KindElementUpdated, KindFolderUpdated, KindAnnouncementUpdated, KindWidgetUpdated} {
		updated += len(byKind[kind])
	}
	if updated > 0 {
		actions = append(actions, action{
			phrase:  "обновил(а) " + plural(updated, nounObject),
			covered: updated,
		})
	}

	if evs := byKind[KindCommentCreated]; len(evs) > 0 {
		actions = append(actions, action{
			phrase:  "добавил(а) " + plural(len(evs), nounComment),
			covered: len(evs),
		})
	}
	if evs := byKind[KindImageUploaded]; len(evs) > 0 {
		actions = append(actions, action{
			phrase:  "загрузил(а) " + plural(len(evs), nounImage),
			covered: len(evs),
		})
	}

	if len(actions) == 0 {
		return fmt.Sprintf("%s выполнил(а) %d действий в проекте", actorName, total)
	}

	main := actions
	if len(main) > 2 {
		main = main[:2]
	}
	phrases := make([]string, 0, len(main))
	covered := 0
	for _, a := range main {
		phrases = append(phrases, a.phrase)
		covered += a.covered
	}
	title := actorName + " " + strings.Join(phrases, " и ")
	if len(actions) > 2 {
		if extra := total - covered; extra > 0 {
			title += fmt.Sprintf(" (+еще %d действий)", extra)
		}
	}
	return title
}
