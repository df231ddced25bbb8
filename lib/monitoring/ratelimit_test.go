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

package monitoring

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/gravitational/trace"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"

	"github.com/gravitational/pulse/lib/kv"
	"github.com/gravitational/pulse/lib/kv/memory"
	kvredis "github.com/gravitational/pulse/lib/kv/redis"
)

func TestFingerprint(t *testing.T) {
	t.Parallel()

	base := Fingerprint("/feed/project/1", "GET", "ValueError", "boom")

	require.Equal(t, base,
		Fingerprint("/feed/project/1", "GET", "ValueError", "boom"),
		"same occurrence must produce the same fingerprint")
	require.NotEqual(t, base,
		Fingerprint("/feed/project/2", "GET", "ValueError", "boom"))
	require.NotEqual(t, base,
		Fingerprint("/feed/project/1", "POST", "ValueError", "boom"))
	require.NotEqual(t, base,
		Fingerprint("/feed/project/1", "GET", "TypeError", "boom"))

	// Only the first message line participates.
	require.Equal(t, base,
		Fingerprint("/feed/project/1", "GET", "ValueError", "boom\nat row 17"))

	// Long messages collapse once they share the first 100 characters.
	head := strings.Repeat("x", 100)
	require.Equal(t,
		Fingerprint("/p", "GET", "E", head+"tail one"),
		Fingerprint("/p", "GET", "E", head+"another tail"))
}

func TestShouldAlertWindow(t *testing.T) {
	srv := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: srv.Addr()})
	t.Cleanup(func() { require.NoError(t, client.Close()) })

	limiter, err := NewRateLimiter(RateLimiterConfig{
		KV:     kvredis.NewFromClient(client),
		Window: 10 * time.Minute,
	})
	require.NoError(t, err)

	ctx := context.Background()
	fp := Fingerprint("/p", "GET", "ValueError", "boom")

	require.True(t, limiter.ShouldAlert(ctx, fp))
	require.False(t, limiter.ShouldAlert(ctx, fp))

	// A different error is not muted by the first one.
	require.True(t, limiter.ShouldAlert(ctx, Fingerprint("/p", "GET", "TypeError", "boom")))

	// The mute expires with the window.
	srv.FastForward(10*time.Minute + time.Second)
	require.True(t, limiter.ShouldAlert(ctx, fp))
}

// TestShouldAlertAcrossProcesses drives two limiters backed by the
// same store, as two replicas would be, and requires a single winner.
func TestShouldAlertAcrossProcesses(t *testing.T) {
	srv := miniredis.RunT(t)

	newLimiter := func() *RateLimiter {
		client := redis.NewClient(&redis.Options{Addr: srv.Addr()})
		t.Cleanup(func() { require.NoError(t, client.Close()) })
		limiter, err := NewRateLimiter(RateLimiterConfig{
			KV:     kvredis.NewFromClient(client),
			Window: 10 * time.Minute,
		})
		require.NoError(t, err)
		return limiter
	}
	first, second := newLimiter(), newLimiter()

	ctx := context.Background()
	fp := Fingerprint("/p", "GET", "ValueError", "boom")

	a := first.ShouldAlert(ctx, fp)
	b := second.ShouldAlert(ctx, fp)
	require.True(t, a != b, "exactly one process may alert, got %v and %v", a, b)
}

// unreachableKV simulates a store outage for every SetNX.
type unreachableKV struct {
	kv.KV
}

func (unreachableKV) SetNX(context.Context, string, string, time.Duration) (bool, error) {
	return false, trace.ConnectionProblem(nil, "store is down")
}

func TestShouldAlertLocalFallback(t *testing.T) {
	t.Parallel()

	limiter, err := NewRateLimiter(RateLimiterConfig{
		KV:     unreachableKV{KV: memory.New()},
		Window: 10 * time.Minute,
	})
	require.NoError(t, err)

	ctx := context.Background()
	fp := Fingerprint("/p", "GET", "ValueError", "boom")

	// A store outage must not silence alerting, only degrade the
	// dedup scope to this process.
	require.True(t, limiter.ShouldAlert(ctx, fp))
	require.False(t, limiter.ShouldAlert(ctx, fp))
}
