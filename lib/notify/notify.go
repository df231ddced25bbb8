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

// Package notify defines the operational alert contract: a Message
// with a severity and structured context, and the Notifier that
// delivers it to a chat channel.
package notify

import "context"

// Severity classifies a message. It selects the icon and whether the
// chat client plays a sound.
type Severity string

const (
	SeverityDebug    Severity = "DEBUG"
	SeverityInfo     Severity = "INFO"
	SeverityWarning  Severity = "WARNING"
	SeverityCritical Severity = "CRITICAL"
)

// Emoji returns the icon prefixed to the message title.
func (s Severity) Emoji() string {
	switch s {
	case SeverityDebug:
		return "🔍"
	case SeverityInfo:
		return "ℹ️"
	case SeverityWarning:
		return "⚠️"
	case SeverityCritical:
		return "🚨"
	}
	return "ℹ️"
}

// Message is one operational alert.
type Message struct {
	// Severity classifies the alert. Defaults to INFO when empty.
	Severity Severity
	// Title is the headline, rendered bold.
	Title string
	// Body is the free-form text under the title.
	Body string
	// Details are key/value context pairs, rendered as code spans in
	// key order.
	Details map[string]string
	// Error is the triggering error text, already sanitized by the
	// caller.
	Error string
	// Traceback is the stack trace to attach, truncated by the
	// notifier.
	Traceback string
	// Muted suppresses the recipient-side notification sound. INFO
	// messages are always muted.
	Muted bool
}

// Notifier delivers operational alerts. Implementations must be safe
// for concurrent use.
type Notifier interface {
	// Send delivers one message. It returns false when the notifier is
	// disabled or dropped the message without attempting delivery.
	Send(ctx context.Context, msg Message) (bool, error)
}

// NopNotifier drops every message. It is the default when no chat
// channel is configured.
type NopNotifier struct{}

// Send implements Notifier.
func (NopNotifier) Send(ctx context.Context, msg Message) (bool, error) {
	return false, nil
}

var _ Notifier = NopNotifier{}
