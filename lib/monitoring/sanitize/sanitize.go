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

// Package sanitize strips credentials and other sensitive material from
// request context before it leaves the process in an alert. All
// functions are pure and idempotent: sanitizing already sanitized text
// does not change it again.
package sanitize

import (
	"net/http"
	"regexp"
	"strings"
)

const (
	// DefaultMaxDepth is how deep Map descends into nested values.
	DefaultMaxDepth = 3

	// DefaultMaxTracebackLines is how many traceback lines survive
	// sanitization.
	DefaultMaxTracebackLines = 15

	// mask replaces every dropped value.
	mask = "***"
)

// Config tunes sanitization. The zero value is fully usable.
type Config struct {
	// ExtraHeaderPatterns lists additional substrings of header names
	// to drop, matched case-insensitively.
	ExtraHeaderPatterns []string
	// MaxDepth bounds recursion into nested maps and lists.
	MaxDepth int
	// MaxTracebackLines caps the number of traceback lines kept.
	MaxTracebackLines int
}

func (c Config) maxDepth() int {
	if c.MaxDepth > 0 {
		return c.MaxDepth
	}
	return DefaultMaxDepth
}

func (c Config) maxTracebackLines() int {
	if c.MaxTracebackLines > 0 {
		return c.MaxTracebackLines
	}
	return DefaultMaxTracebackLines
}

// sensitiveHeaders are header names that never leave the process.
var sensitiveHeaders = map[string]struct{}{
	"authorization":       {},
	"cookie":              {},
	"set-cookie":          {},
	"x-api-key":           {},
	"x-auth-token":        {},
	"api-key":             {},
	"token":               {},
	"apikey":              {},
	"session":             {},
	"x-session-id":        {},
	"x-csrf-token":        {},
	"proxy-authorization": {},
}

// sensitiveNameParts flag any header name that embeds credential words.
var sensitiveNameParts = []string{"auth", "token", "key", "secret", "password"}

// sensitiveParamParts flag query parameter and map key names whose
// values are masked.
var sensitiveParamParts = []string{"token", "key", "secret", "password", "auth"}

// sensitiveKeyParts flag map keys whose values are masked.
var sensitiveKeyParts = []string{"password", "secret", "token", "key", "auth", "credential"}

// stringPatterns are credential shapes scrubbed out of free-form text.
var stringPatterns = []struct {
	re   *regexp.Regexp
	repl string
}{
	{regexp.MustCompile(`(?i)password["\s:=]+[\w\-.]+`), "password=" + mask},
	{regexp.MustCompile(`(?i)token["\s:=]+[\w\-.]+`), "token=" + mask},
	{regexp.MustCompile(`(?i)key["\s:=]+[\w\-.]+`), "key=" + mask},
	{regexp.MustCompile(`(?i)secret["\s:=]+[\w\-.]+`), "secret=" + mask},
	{regexp.MustCompile(`(?i)api[_-]?key["\s:=]+[\w\-.]+`), "api_key=" + mask},
	{regexp.MustCompile(`(?i)(postgresql|postgres|mysql|mongodb|redis)://[^:]+:[^@]+@`), "${1}://***:***@"},
	{regexp.MustCompile(`(?i)AKIA[0-9A-Z]{16}`), "AKIA" + mask},
	{regexp.MustCompile(`(?i)aws_secret_access_key["\s:=]+[\w/+]+`), "aws_secret_access_key=" + mask},
}

// Headers returns the headers safe to attach to an alert. Sensitive
// headers are dropped entirely, not masked, so their presence is not
// disclosed either.
func (c Config) Headers(h http.Header) map[string]string {
	if len(h) == 0 {
		return map[string]string{}
	}
	safe := make(map[string]string, len(h))
	for name, values := range h {
		if c.sensitiveHeader(name) {
			continue
		}
		safe[name] = strings.Join(values, ", ")
	}
	return safe
}

func (c Config) sensitiveHeader(name string) bool {
	lower := strings.ToLower(name)
	if _, ok := sensitiveHeaders[lower]; ok {
		return true
	}
	for _, part := range sensitiveNameParts {
		if strings.Contains(lower, part) {
			return true
		}
	}
	for _, part := range c.ExtraHeaderPatterns {
		if part != "" && strings.Contains(lower, strings.ToLower(part)) {
			return true
		}
	}
	return false
}

// URL masks the values of sensitive query parameters in a raw URL or
// path string, preserving parameter order.
func (c Config) URL(u string) string {
	base, query, ok := strings.Cut(u, "?")
	if !ok {
		return u
	}
	params := strings.Split(query, "&")
	for i, param := range params {
		name, _, ok := strings.Cut(param, "=")
		if !ok {
			continue
		}
		lower := strings.ToLower(name)
		for _, part := range sensitiveParamParts {
			if strings.Contains(lower, part) {
				params[i] = name + "=" + mask
				break
			}
		}
	}
	return base + "?" + strings.Join(params, "&")
}

// String scrubs credential shapes out of free-form text: key=value
// pairs, connection string passwords and cloud access keys.
func (c Config) String(s string) string {
	if s == "" {
		return s
	}
	for _, p := range stringPatterns {
		s = p.re.ReplaceAllString(s, p.repl)
	}
	return s
}

// Map masks values under sensitive keys and recurses into nested maps
// and lists down to MaxDepth. Maps below the depth limit are replaced
// with a marker. String values pass through String.
func (c Config) Map(m map[string]any) map[string]any {
	return c.sanitizeMap(m, c.maxDepth())
}

func (c Config) sanitizeMap(m map[string]any, depth int) map[string]any {
	if depth <= 0 {
		return map[string]any{"...": "max depth reached"}
	}
	out := make(map[string]any, len(m))
	for key, value := range m {
		if sensitiveKey(key) {
			out[key] = mask
			continue
		}
		switch v := value.(type) {
		case map[string]any:
			out[key] = c.sanitizeMap(v, depth-1)
		case string:
			out[key] = c.String(v)
		case []any:
			items := make([]any, len(v))
			for i, item := range v {
				if s, ok := item.(string); ok {
					items[i] = c.String(s)
				} else {
					items[i] = item
				}
			}
			out[key] = items
		case []string:
			items := make([]string, len(v))
			for i, item := range v {
				items[i] = c.String(item)
			}
			out[key] = items
		default:
			out[key] = value
		}
	}
	return out
}

func sensitiveKey(key string) bool {
	lower := strings.ToLower(key)
	for _, part := range sensitiveKeyParts {
		if strings.Contains(lower, part) {
			return true
		}
	}
	return false
}

// Traceback caps the traceback at MaxTracebackLines and scrubs each
// surviving line.
func (c Config) Traceback(t string) string {
	if t == "" {
		return ""
	}
	lines := strings.Split(t, "\n")
	if limit := c.maxTracebackLines(); len(lines) > limit {
		lines = append(lines[:limit], "... (truncated)")
	}
	for i, line := range lines {
		lines[i] = c.String(line)
	}
	return strings.Join(lines, "\n")
}
