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
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"runtime/debug"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/gravitational/trace"
	"github.com/jonboulle/clockwork"

	"github.com/gravitational/pulse"
	"github.com/gravitational/pulse/lib/defaults"
	"github.com/gravitational/pulse/lib/monitoring/sanitize"
	"github.com/gravitational/pulse/lib/notify"
)

// userAgentLen caps the user agent string in alert details.
const userAgentLen = 100

// InterceptorConfig configures an Interceptor.
type InterceptorConfig struct {
	// Stats records error and slow request counters.
	Stats *Stats
	// Limiter deduplicates alerts by error fingerprint.
	Limiter *RateLimiter
	// Notifier delivers error alerts.
	Notifier notify.Notifier
	// Sanitize scrubs request context before it leaves the process.
	Sanitize sanitize.Config
	// Disabled turns the interceptor into a transparent pass-through.
	Disabled bool
	// IgnorePaths are path prefixes that are never monitored. Defaults
	// to the health and metrics endpoints.
	IgnorePaths []string
	// SlowRequestThreshold is the duration above which a request is
	// flagged slow.
	SlowRequestThreshold time.Duration
	// Clock is the time source, swapped in tests.
	Clock clockwork.Clock
	// Logger emits interceptor logs.
	Logger *slog.Logger
}

// CheckAndSetDefaults validates the config and fills in defaults.
func (c *InterceptorConfig) CheckAndSetDefaults() error {
	if c.Stats == nil {
		return trace.BadParameter("missing required value Stats")
	}
	if c.Limiter == nil {
		return trace.BadParameter("missing required value Limiter")
	}
	if c.Notifier == nil {
		return trace.BadParameter("missing required value Notifier")
	}
	if c.IgnorePaths == nil {
		c.IgnorePaths = []string{"/healthz", "/readyz", "/metrics"}
	}
	if c.SlowRequestThreshold <= 0 {
		c.SlowRequestThreshold = defaults.SlowRequestThreshold
	}
	if c.Clock == nil {
		c.Clock = clockwork.NewRealClock()
	}
	if c.Logger == nil {
		c.Logger = slog.With(pulse.ComponentKey, pulse.ComponentMonitoring)
	}
	return nil
}

// Interceptor wraps HTTP handlers with panic capture, server error
// alerting and slow request detection. Alert fan-out runs on detached
// goroutines so the response is never held back by KV or chat round
// trips; Close drains them on shutdown.
type Interceptor struct {
	cfg InterceptorConfig
	wg  sync.WaitGroup
}

// NewInterceptor returns an Interceptor for the given config.
func NewInterceptor(cfg InterceptorConfig) (*Interceptor, error) {
	if err := cfg.CheckAndSetDefaults(); err != nil {
		return nil, trace.Wrap(err)
	}
	return &Interceptor{cfg: cfg}, nil
}

// reqInfo is the request context captured before the handler runs.
type reqInfo struct {
	method    string
	path      string
	query     string
	actor     string
	userAgent string
}

// captureWriter records the response status so the interceptor can
// react to handler-written server errors.
type captureWriter struct {
	http.ResponseWriter
	statusCode int
}

func (w *captureWriter) WriteHeader(code int) {
	if w.statusCode == 0 {
		w.statusCode = code
	}
	w.ResponseWriter.WriteHeader(code)
}

func (w *captureWriter) Write(b []byte) (int, error) {
	if w.statusCode == 0 {
		w.statusCode = http.StatusOK
	}
	return w.ResponseWriter.Write(b)
}

// status returns the response status, defaulting to 200 for handlers
// that never write.
func (w *captureWriter) status() int {
	if w.statusCode == 0 {
		return http.StatusOK
	}
	return w.statusCode
}

// wrote reports whether the handler produced any response.
func (w *captureWriter) wrote() bool {
	return w.statusCode != 0
}

// Wrap returns next wrapped with monitoring.
func (i *Interceptor) Wrap(next http.Handler) http.Handler {
	if i.cfg.Disabled {
		return next
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		for _, prefix := range i.cfg.IgnorePaths {
			if strings.HasPrefix(r.URL.Path, prefix) {
				next.ServeHTTP(w, r)
				return
			}
		}

		info := reqInfo{
			method:    r.Method,
			path:      r.URL.Path,
			query:     strings.TrimPrefix(i.cfg.Sanitize.URL("?"+r.URL.RawQuery), "?"),
			actor:     r.Header.Get(pulse.ActorHeader),
			userAgent: truncate(r.UserAgent(), userAgentLen),
		}
		cw := &captureWriter{ResponseWriter: w}
		start := i.cfg.Clock.Now()

		defer func() {
			elapsed := i.cfg.Clock.Now().Sub(start)
			if rec := recover(); rec != nil {
				if err, ok := rec.(error); ok && errors.Is(err, http.ErrAbortHandler) {
					panic(rec)
				}
				panicsRecovered.Inc()
				i.handlePanic(r.Context(), cw, info, rec, debug.Stack())
				return
			}
			if status := cw.status(); status >= http.StatusInternalServerError {
				i.reportServerError(r.Context(), info, status)
				return
			}
			if elapsed > i.cfg.SlowRequestThreshold {
				i.reportSlow(r.Context(), info, elapsed)
			}
		}()

		next.ServeHTTP(cw, r)
	})
}

// handlePanic captures a recovered panic: it logs, records stats,
// alerts through the rate limiter and, when the handler has not
// responded yet, writes the generic error response carrying the
// fingerprint.
func (i *Interceptor) handlePanic(ctx context.Context, cw *captureWriter, info reqInfo, rec any, stack []byte) {
	class := panicClass(rec)
	message := i.cfg.Sanitize.String(fmt.Sprint(rec))
	fingerprint := Fingerprint(info.path, info.method, class, message)

	i.cfg.Logger.ErrorContext(ctx, "Recovered panic in handler",
		"method", info.method,
		"path", info.path,
		"class", class,
		"fingerprint", fingerprint,
		"error", message,
	)

	traceback := i.cfg.Sanitize.Traceback(string(stack))
	i.spawn(ctx, func(ctx context.Context) {
		i.cfg.Stats.RecordError(ctx, info.method, info.path, class, http.StatusInternalServerError)
		if !i.cfg.Limiter.ShouldAlert(ctx, fingerprint) {
			return
		}
		send(ctx, i.cfg.Notifier, i.cfg.Logger, notify.Message{
			Severity:  notify.SeverityCritical,
			Title:     "ERROR 500",
			Body:      "Unhandled panic in " + info.path,
			Details:   i.details(info, http.StatusInternalServerError),
			Error:     class + ": " + message,
			Traceback: traceback,
		})
	})

	if !cw.wrote() {
		replyInternalError(cw, fingerprint)
	}
}

// reportServerError handles a 5xx status the handler wrote itself. The
// fingerprint is built from the status class alone: handler-written
// errors carry no exception object.
func (i *Interceptor) reportServerError(ctx context.Context, info reqInfo, status int) {
	class := "HTTP" + strconv.Itoa(status)
	fingerprint := Fingerprint(info.path, info.method, class, "")

	i.cfg.Logger.WarnContext(ctx, "Handler returned server error",
		"method", info.method,
		"path", info.path,
		"status", status,
		"fingerprint", fingerprint,
	)

	i.spawn(ctx, func(ctx context.Context) {
		i.cfg.Stats.RecordError(ctx, info.method, info.path, class, status)
		if !i.cfg.Limiter.ShouldAlert(ctx, fingerprint) {
			return
		}
		send(ctx, i.cfg.Notifier, i.cfg.Logger, notify.Message{
			Severity: notify.SeverityCritical,
			Title:    fmt.Sprintf("ERROR %d", status),
			Body:     "Server error response in " + info.path,
			Details:  i.details(info, status),
		})
	})
}

// reportSlow handles a request over the slow threshold. Every slow
// request lands in the stats and the hourly batch; only the first per
// endpoint and hour alerts immediately.
func (i *Interceptor) reportSlow(ctx context.Context, info reqInfo, elapsed time.Duration) {
	i.cfg.Logger.WarnContext(ctx, "Slow request",
		"method", info.method,
		"path", info.path,
		"elapsed", elapsed.Round(time.Millisecond),
	)

	i.spawn(ctx, func(ctx context.Context) {
		if !i.cfg.Stats.RecordSlowRequest(ctx, info.method, info.path, elapsed) {
			return
		}
		details := map[string]string{
			"endpoint":  info.method + " " + info.path,
			"elapsed":   fmt.Sprintf("%.1fs", elapsed.Seconds()),
			"threshold": i.cfg.SlowRequestThreshold.String(),
		}
		if info.query != "" {
			details["query"] = info.query
		}
		send(ctx, i.cfg.Notifier, i.cfg.Logger, notify.Message{
			Severity: notify.SeverityWarning,
			Title:    "Slow request detected",
			Body:     fmt.Sprintf("Request took %.1fs to complete", elapsed.Seconds()),
			Details:  details,
		})
	})
}

// details renders the alert detail map for an error on this request.
func (i *Interceptor) details(info reqInfo, status int) map[string]string {
	actor := info.actor
	if actor == "" {
		actor = "anonymous"
	}
	details := map[string]string{
		"endpoint": info.method + " " + info.path,
		"status":   strconv.Itoa(status),
		"actor":    actor,
	}
	if info.query != "" {
		details["query"] = info.query
	}
	if info.userAgent != "" {
		details["user_agent"] = info.userAgent
	}
	return details
}

// spawn runs fn on a tracked goroutine detached from the request's
// cancellation, so alert fan-out survives the response being sent.
func (i *Interceptor) spawn(ctx context.Context, fn func(context.Context)) {
	i.wg.Add(1)
	ctx = context.WithoutCancel(ctx)
	go func() {
		defer i.wg.Done()
		defer func() {
			if rec := recover(); rec != nil {
				i.cfg.Logger.ErrorContext(ctx, "Recovered panic in alert fan-out", "panic", rec)
			}
		}()
		fn(ctx)
	}()
}

// Close waits for in-flight alert fan-out to finish.
func (i *Interceptor) Close() error {
	i.wg.Wait()
	return nil
}

// replyInternalError writes the generic error response. The client
// facing body carries only the fingerprint, never error internals.
func replyInternalError(w http.ResponseWriter, fingerprint string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusInternalServerError)
	fmt.Fprintf(w, `{"detail":"Internal server error","error_id":%q}`, fingerprint)
}
