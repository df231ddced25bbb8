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

// Package memory implements the kv.KV interface in process memory. It
// backs tests and the rate limiter fallback when Redis is unreachable.
package memory

import (
	"context"
	"path"
	"strconv"
	"sync"
	"time"

	"github.com/gravitational/trace"
	gocache "github.com/patrickmn/go-cache"

	"github.com/gravitational/pulse/lib/kv"
)

// cleanupInterval is how often expired items are purged.
const cleanupInterval = time.Minute

// Memory is an in-process implementation of kv.KV. A single mutex
// serializes multi-step operations such as Incr.
type Memory struct {
	mu    sync.Mutex
	cache *gocache.Cache
}

// New returns an empty store.
func New() *Memory {
	return &Memory{
		cache: gocache.New(gocache.NoExpiration, cleanupInterval),
	}
}

// Get returns the string value stored at key.
func (m *Memory) Get(_ context.Context, key string) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	v, ok := m.cache.Get(key)
	if !ok {
		return "", trace.NotFound("key is not found")
	}
	s, ok := v.(string)
	if !ok {
		return "", trace.BadParameter("key %q does not hold a string", key)
	}
	return s, nil
}

// Set stores value at key with the given TTL.
func (m *Memory) Set(_ context.Context, key, value string, ttl time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.cache.Set(key, value, expiration(ttl))
	return nil
}

// SetNX stores value only when key does not exist yet.
func (m *Memory) SetNX(_ context.Context, key, value string, ttl time.Duration) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.cache.Add(key, value, expiration(ttl)); err != nil {
		return false, nil
	}
	return true, nil
}

// Incr atomically increments the counter at key, creating it at 1. An
// existing TTL is preserved.
func (m *Memory) Incr(_ context.Context, key string) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	v, exp, ok := m.cache.GetWithExpiration(key)
	if !ok {
		m.cache.Set(key, "1", gocache.NoExpiration)
		return 1, nil
	}
	s, ok := v.(string)
	if !ok {
		return 0, trace.BadParameter("key %q does not hold a counter", key)
	}
	n, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		return 0, trace.BadParameter("key %q does not hold a counter", key)
	}
	n++
	ttl := gocache.NoExpiration
	if !exp.IsZero() {
		ttl = time.Until(exp)
	}
	m.cache.Set(key, strconv.FormatInt(n, 10), ttl)
	return n, nil
}

// Expire resets the TTL of an existing key.
func (m *Memory) Expire(_ context.Context, key string, ttl time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	v, ok := m.cache.Get(key)
	if !ok {
		return nil
	}
	m.cache.Set(key, v, expiration(ttl))
	return nil
}

// Delete removes keys.
func (m *Memory) Delete(_ context.Context, keys ...string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, key := range keys {
		m.cache.Delete(key)
	}
	return nil
}

// LPush prepends values to the list at key.
func (m *Memory) LPush(_ context.Context, key string, values ...string) error {
	if len(values) == 0 {
		return nil
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	list, exp, err := m.list(key)
	if err != nil {
		return trace.Wrap(err)
	}
	// Values are pushed one by one, so the last one ends up at the head.
	for _, v := range values {
		list = append([]string{v}, list...)
	}
	ttl := gocache.NoExpiration
	if !exp.IsZero() {
		ttl = time.Until(exp)
	}
	m.cache.Set(key, list, ttl)
	return nil
}

// LTrim keeps only the inclusive range [start, stop] of the list.
func (m *Memory) LTrim(_ context.Context, key string, start, stop int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	list, exp, err := m.list(key)
	if err != nil {
		return trace.Wrap(err)
	}
	lo, hi, ok := normalizeRange(int64(len(list)), start, stop)
	if !ok {
		m.cache.Delete(key)
		return nil
	}
	ttl := gocache.NoExpiration
	if !exp.IsZero() {
		ttl = time.Until(exp)
	}
	m.cache.Set(key, list[lo:hi+1], ttl)
	return nil
}

// LRange returns the inclusive range [start, stop] of the list.
func (m *Memory) LRange(_ context.Context, key string, start, stop int64) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	list, _, err := m.list(key)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	lo, hi, ok := normalizeRange(int64(len(list)), start, stop)
	if !ok {
		return nil, nil
	}
	out := make([]string, hi-lo+1)
	copy(out, list[lo:hi+1])
	return out, nil
}

// LLen returns the length of the list at key.
func (m *Memory) LLen(_ context.Context, key string) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	list, _, err := m.list(key)
	if err != nil {
		return 0, trace.Wrap(err)
	}
	return int64(len(list)), nil
}

// ZCard always reports zero: sorted sets are maintained by the queue
// directly on Redis and never live in the memory store.
func (m *Memory) ZCard(_ context.Context, _ string) (int64, error) {
	return 0, nil
}

// Scan returns all keys matching the glob pattern.
func (m *Memory) Scan(_ context.Context, pattern string) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var keys []string
	for key := range m.cache.Items() {
		ok, err := path.Match(pattern, key)
		if err != nil {
			return nil, trace.BadParameter("invalid scan pattern %q", pattern)
		}
		if ok {
			keys = append(keys, key)
		}
	}
	return keys, nil
}

// Close is a no-op for the memory store.
func (m *Memory) Close() error {
	return nil
}

// list returns the list stored at key, or an empty one. The caller must
// hold the mutex.
func (m *Memory) list(key string) ([]string, time.Time, error) {
	v, exp, ok := m.cache.GetWithExpiration(key)
	if !ok {
		return nil, time.Time{}, nil
	}
	list, ok := v.([]string)
	if !ok {
		return nil, time.Time{}, trace.BadParameter("key %q does not hold a list", key)
	}
	return list, exp, nil
}

// normalizeRange resolves possibly negative inclusive list indexes the
// way Redis does. ok is false when the range selects nothing.
func normalizeRange(n, start, stop int64) (lo, hi int64, ok bool) {
	if start < 0 {
		start = max(n+start, 0)
	}
	if stop < 0 {
		stop = n + stop
	}
	if stop >= n {
		stop = n - 1
	}
	if n == 0 || start >= n || start > stop {
		return 0, 0, false
	}
	return start, stop, true
}

// expiration maps the kv TTL convention onto go-cache.
func expiration(ttl time.Duration) time.Duration {
	if ttl == kv.Forever {
		return gocache.NoExpiration
	}
	return ttl
}

var _ kv.KV = (*Memory)(nil)
