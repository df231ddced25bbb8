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
	"crypto/md5"
	"encoding/hex"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"github.com/gravitational/trace"
	"github.com/jonboulle/clockwork"
	"github.com/patrickmn/go-cache"

	"github.com/gravitational/pulse"
	"github.com/gravitational/pulse/lib/defaults"
	"github.com/gravitational/pulse/lib/kv"
)

// fingerprintHeadLen caps the error message part of a fingerprint so
// that errors embedding variable data still collapse to one alert.
const fingerprintHeadLen = 100

// Fingerprint hashes an error occurrence down to a stable identity.
// Occurrences of the same error class on the same endpoint share a
// fingerprint even when message suffixes differ, because only the
// first line of the message, capped at 100 characters, participates.
func Fingerprint(path, method, errClass, errMsg string) string {
	if i := strings.IndexByte(errMsg, '\n'); i >= 0 {
		errMsg = errMsg[:i]
	}
	errMsg = truncate(errMsg, fingerprintHeadLen)
	sum := md5.Sum([]byte(strings.Join([]string{path, method, errClass, errMsg}, "|")))
	return hex.EncodeToString(sum[:])
}

// RateLimiterConfig configures a RateLimiter.
type RateLimiterConfig struct {
	// KV is the shared store the first-in-window check runs against.
	KV kv.KV
	// Window is how long a fingerprint stays muted after an alert.
	Window time.Duration
	// Clock is the time source, swapped in tests.
	Clock clockwork.Clock
	// Logger emits rate limiter logs.
	Logger *slog.Logger
}

// CheckAndSetDefaults validates the config and fills in defaults.
func (c *RateLimiterConfig) CheckAndSetDefaults() error {
	if c.KV == nil {
		return trace.BadParameter("missing required value KV")
	}
	if c.Window <= 0 {
		c.Window = defaults.RateLimitWindow
	}
	if c.Clock == nil {
		c.Clock = clockwork.NewRealClock()
	}
	if c.Logger == nil {
		c.Logger = slog.With(pulse.ComponentKey, pulse.ComponentMonitoring)
	}
	return nil
}

// RateLimiter decides whether an error fingerprint may alert. The
// decision is shared across processes through the KV store; when the
// store is unreachable it degrades to a process-local table so that a
// KV outage cannot also silence alerting.
type RateLimiter struct {
	cfg   RateLimiterConfig
	local *cache.Cache
}

// NewRateLimiter returns a RateLimiter for the given config.
func NewRateLimiter(cfg RateLimiterConfig) (*RateLimiter, error) {
	if err := cfg.CheckAndSetDefaults(); err != nil {
		return nil, trace.Wrap(err)
	}
	return &RateLimiter{
		cfg:   cfg,
		local: cache.New(cfg.Window, 2*cfg.Window),
	}, nil
}

// ShouldAlert reports whether fingerprint is the first occurrence in
// the current window. The check and the mark are one atomic KV
// operation, so concurrent processes agree on a single winner.
func (l *RateLimiter) ShouldAlert(ctx context.Context, fingerprint string) bool {
	stamp := strconv.FormatInt(l.cfg.Clock.Now().Unix(), 10)
	first, err := l.cfg.KV.SetNX(ctx, errorSeenKey(fingerprint), stamp, l.cfg.Window)
	if err != nil {
		l.cfg.Logger.WarnContext(ctx, "Rate limiter falling back to local state",
			"fingerprint", fingerprint,
			"error", err,
		)
		return l.local.Add(fingerprint, stamp, l.cfg.Window) == nil
	}
	return first
}
