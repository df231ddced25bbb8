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

// Package kv defines the shared key-value store interface used by the
// monitoring pipeline and the background workers.
package kv

import (
	"context"
	"strings"
	"time"
)

// Forever means that the key does not expire.
const Forever time.Duration = 0

// KV is the store contract. Implementations must be safe for concurrent
// use. Get returns trace.NotFound when the key is missing or expired.
type KV interface {
	// Get returns the string value stored at key.
	Get(ctx context.Context, key string) (string, error)
	// Set stores value at key with the given TTL. Forever disables
	// expiry.
	Set(ctx context.Context, key, value string, ttl time.Duration) error
	// SetNX stores value only when key does not exist yet and reports
	// whether the write happened.
	SetNX(ctx context.Context, key, value string, ttl time.Duration) (bool, error)
	// Incr atomically increments the counter at key, creating it at 1.
	// An existing TTL is preserved.
	Incr(ctx context.Context, key string) (int64, error)
	// Expire resets the TTL of an existing key. Missing keys are a
	// no-op.
	Expire(ctx context.Context, key string, ttl time.Duration) error
	// Delete removes keys. Deleting a missing key is not an error.
	Delete(ctx context.Context, keys ...string) error
	// LPush prepends values to the list at key, creating it on demand.
	LPush(ctx context.Context, key string, values ...string) error
	// LTrim keeps only the inclusive range [start, stop] of the list.
	// Negative indexes count from the tail.
	LTrim(ctx context.Context, key string, start, stop int64) error
	// LRange returns the inclusive range [start, stop] of the list.
	LRange(ctx context.Context, key string, start, stop int64) ([]string, error)
	// LLen returns the length of the list at key, zero when missing.
	LLen(ctx context.Context, key string) (int64, error)
	// ZCard returns the cardinality of the sorted set at key, zero when
	// missing. Sorted sets are written by the queue, not through this
	// interface.
	ZCard(ctx context.Context, key string) (int64, error)
	// Scan returns all keys matching the glob pattern.
	Scan(ctx context.Context, pattern string) ([]string, error)
	// Close releases the underlying client.
	Close() error
}

// Keys builds keys under one namespace prefix so that callers never
// concatenate key parts by hand.
type Keys struct {
	prefix string
}

// NewKeys returns a key builder for the given namespace.
func NewKeys(prefix string) Keys {
	return Keys{prefix: prefix}
}

// Key joins parts under the namespace with the ":" separator.
func (k Keys) Key(parts ...string) string {
	if len(parts) == 0 {
		return k.prefix
	}
	return k.prefix + ":" + strings.Join(parts, ":")
}

// Prefix returns the namespace prefix.
func (k Keys) Prefix() string {
	return k.prefix
}
