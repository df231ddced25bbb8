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

// Package redisq implements the delayed job queue on Redis sorted sets.
package redisq

import (
	"context"
	"errors"
	"log/slog"
	"math/rand/v2"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/gravitational/trace"
	"github.com/jonboulle/clockwork"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/redis/go-redis/v9"

	"github.com/gravitational/pulse"
	"github.com/gravitational/pulse/lib/defaults"
	"github.com/gravitational/pulse/lib/observability/metrics"
	"github.com/gravitational/pulse/lib/queue"
	"github.com/gravitational/pulse/lib/utils"
)

const (
	// jobsKey is the sorted set of pending job members scored by their
	// run time in epoch milliseconds.
	jobsKey = "pulse:queue:jobs"
	// payloadPrefix prefixes the per-member payload keys.
	payloadPrefix = "pulse:queue:payload:"
)

var (
	jobsEnqueued = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: pulse.MetricNamespace,
			Name:      "queue_jobs_enqueued_total",
			Help:      "Total number of jobs submitted to the queue",
		},
	)
	jobsProcessed = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: pulse.MetricNamespace,
			Name:      "queue_jobs_processed_total",
			Help:      "Total number of jobs run to completion by kind",
		},
		[]string{"kind"},
	)
	jobsFailed = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: pulse.MetricNamespace,
			Name:      "queue_jobs_failed_total",
			Help:      "Total number of job runs that returned an error by kind",
		},
		[]string{"kind"},
	)
	queueDepth = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: pulse.MetricNamespace,
			Name:      "queue_depth",
			Help:      "Number of jobs pending in the queue",
		},
	)
	runSeconds = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: pulse.MetricNamespace,
			Name:      "queue_run_seconds",
			Help:      "Job run latency by kind",
			// lowest bucket start of upper bound 0.001 sec (1 ms) with factor 2
			// highest bucket start of 0.001 sec * 2^15 == 32.768 sec
			Buckets: prometheus.ExponentialBuckets(0.001, 2, 16),
		},
		[]string{"kind"},
	)
)

func init() {
	_ = metrics.RegisterPrometheusCollectors(jobsEnqueued, jobsProcessed, jobsFailed, queueDepth, runSeconds)
}

// payload is the stored job body. The sorted set member only carries
// the job key; everything else lives here.
type payload struct {
	Kind       string `json:"kind"`
	Args       string `json:"args"`
	Attempt    int    `json:"attempt"`
	EnqueuedAt int64  `json:"enqueued_at"`
}

// Config holds the queue settings.
type Config struct {
	// Client is the Redis client shared with the rest of the process.
	Client redis.UniversalClient
	// PollInterval is how often the worker looks for due jobs.
	PollInterval time.Duration
	// ClaimBatch caps how many due jobs one poll claims.
	ClaimBatch int
	// RetryDelay is the base delay between retries of a failed job.
	RetryDelay time.Duration
	// MaxAttempts is how many times a job runs before it is dropped.
	MaxAttempts int
	// Instrument wraps every handler run, typically with the task
	// bookkeeping middleware. Optional.
	Instrument func(name string, fn func(context.Context) error) func(context.Context) error
	// Clock is used to schedule and poll.
	Clock clockwork.Clock
	// Logger emits worker diagnostics.
	Logger *slog.Logger
}

// CheckAndSetDefaults validates the config and fills in defaults.
func (c *Config) CheckAndSetDefaults() error {
	if c.Client == nil {
		return trace.BadParameter("missing required value Client")
	}
	if c.PollInterval == 0 {
		c.PollInterval = defaults.QueuePollInterval
	}
	if c.ClaimBatch == 0 {
		c.ClaimBatch = defaults.QueueClaimBatch
	}
	if c.RetryDelay == 0 {
		c.RetryDelay = defaults.QueueRetryDelay
	}
	if c.MaxAttempts == 0 {
		c.MaxAttempts = defaults.QueueMaxAttempts
	}
	if c.Instrument == nil {
		c.Instrument = func(_ string, fn func(context.Context) error) func(context.Context) error {
			return fn
		}
	}
	if c.Clock == nil {
		c.Clock = clockwork.NewRealClock()
	}
	if c.Logger == nil {
		c.Logger = slog.With(pulse.ComponentKey, pulse.ComponentQueue)
	}
	return nil
}

// Queue is a delayed job queue on a Redis sorted set. Producers call
// Enqueue; one or more workers call Run. Handlers must be registered
// before Run is called.
type Queue struct {
	cfg      Config
	handlers map[string]queue.Handler
}

// New returns a queue over the given Redis client.
func New(cfg Config) (*Queue, error) {
	if err := cfg.CheckAndSetDefaults(); err != nil {
		return nil, trace.Wrap(err)
	}
	return &Queue{
		cfg:      cfg,
		handlers: make(map[string]queue.Handler),
	}, nil
}

// RegisterHandler binds a handler to a job kind. Not safe to call once
// Run has started.
func (q *Queue) RegisterHandler(kind string, fn queue.Handler) {
	q.handlers[kind] = fn
}

// Enqueue submits a job. A job with the key of a pending job replaces
// that job's run time and payload.
func (q *Queue) Enqueue(ctx context.Context, job queue.Job) error {
	if err := job.Check(); err != nil {
		return trace.Wrap(err)
	}
	member := job.JobKey
	if member == "" {
		member = uuid.NewString()
	}
	now := q.cfg.Clock.Now()
	data, err := utils.FastMarshal(payload{
		Kind:       job.Kind,
		Args:       job.Args,
		EnqueuedAt: now.Unix(),
	})
	if err != nil {
		return trace.Wrap(err)
	}
	if err := q.schedule(ctx, member, data, now.Add(job.Defer)); err != nil {
		return trace.Wrap(err)
	}
	jobsEnqueued.Inc()
	return nil
}

// schedule writes the payload and scores the member in one round trip.
func (q *Queue) schedule(ctx context.Context, member string, data []byte, runAt time.Time) error {
	pipe := q.cfg.Client.TxPipeline()
	pipe.Set(ctx, payloadPrefix+member, string(data), 0)
	pipe.ZAdd(ctx, jobsKey, redis.Z{
		Score:  float64(runAt.UnixMilli()),
		Member: member,
	})
	_, err := pipe.Exec(ctx)
	return trace.Wrap(err)
}

// Size returns the number of pending jobs.
func (q *Queue) Size(ctx context.Context) (int64, error) {
	n, err := q.cfg.Client.ZCard(ctx, jobsKey).Result()
	if err != nil {
		return 0, trace.Wrap(err)
	}
	return n, nil
}

// Run polls for due jobs until the context is canceled. Claimed jobs of
// one poll run sequentially; run several workers for parallelism.
func (q *Queue) Run(ctx context.Context) error {
	q.cfg.Logger.InfoContext(ctx, "Queue worker starting", "poll_interval", q.cfg.PollInterval)
	for {
		select {
		case <-ctx.Done():
			q.cfg.Logger.InfoContext(ctx, "Queue worker stopped")
			return nil
		case <-q.cfg.Clock.After(jitter(q.cfg.PollInterval)):
		}
		if err := q.poll(ctx); err != nil {
			q.cfg.Logger.WarnContext(ctx, "Queue poll failed", "error", err)
		}
	}
}

// poll claims and runs every due job, up to the claim batch size.
func (q *Queue) poll(ctx context.Context) error {
	now := q.cfg.Clock.Now()
	members, err := q.cfg.Client.ZRangeByScore(ctx, jobsKey, &redis.ZRangeBy{
		Min:    "-inf",
		Max:    strconv.FormatInt(now.UnixMilli(), 10),
		Offset: 0,
		Count:  int64(q.cfg.ClaimBatch),
	}).Result()
	if err != nil {
		return trace.Wrap(err)
	}
	for _, member := range members {
		if err := q.runOne(ctx, member); err != nil {
			q.cfg.Logger.WarnContext(ctx, "Job run failed", "member", member, "error", err)
		}
		if ctx.Err() != nil {
			return nil
		}
	}
	if n, err := q.cfg.Client.ZCard(ctx, jobsKey).Result(); err == nil {
		queueDepth.Set(float64(n))
	}
	return nil
}

// runOne claims one member and runs its handler. Removing the member
// from the sorted set is the claim: only the remover proceeds.
func (q *Queue) runOne(ctx context.Context, member string) error {
	removed, err := q.cfg.Client.ZRem(ctx, jobsKey, member).Result()
	if err != nil {
		return trace.Wrap(err)
	}
	if removed == 0 {
		// Another worker or a fresher submission won the claim.
		return nil
	}
	data, err := q.cfg.Client.Get(ctx, payloadPrefix+member).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			q.cfg.Logger.WarnContext(ctx, "Claimed job has no payload", "member", member)
			return nil
		}
		return trace.Wrap(err)
	}
	if err := q.cfg.Client.Del(ctx, payloadPrefix+member).Err(); err != nil {
		return trace.Wrap(err)
	}
	var p payload
	if err := utils.FastUnmarshal([]byte(data), &p); err != nil {
		q.cfg.Logger.ErrorContext(ctx, "Dropping job with malformed payload", "member", member, "error", err)
		return nil
	}
	handler, ok := q.handlers[p.Kind]
	if !ok {
		q.cfg.Logger.ErrorContext(ctx, "Dropping job of unknown kind", "member", member, "kind", p.Kind)
		return nil
	}

	run := q.cfg.Instrument(p.Kind, func(ctx context.Context) error {
		return handler(ctx, p.Args)
	})
	start := q.cfg.Clock.Now()
	runErr := run(ctx)
	runSeconds.WithLabelValues(p.Kind).Observe(q.cfg.Clock.Since(start).Seconds())
	if runErr == nil {
		jobsProcessed.WithLabelValues(p.Kind).Inc()
		return nil
	}
	jobsFailed.WithLabelValues(p.Kind).Inc()

	p.Attempt++
	if p.Attempt >= q.cfg.MaxAttempts {
		q.cfg.Logger.ErrorContext(ctx, "Dropping job after repeated failures",
			"member", member, "kind", p.Kind, "attempts", p.Attempt, "error", runErr)
		return nil
	}
	delay := time.Duration(p.Attempt) * q.cfg.RetryDelay
	q.cfg.Logger.WarnContext(ctx, "Job failed, scheduling retry",
		"member", member, "kind", p.Kind, "attempt", p.Attempt, "delay", delay, "error", runErr)
	data2, err := utils.FastMarshal(p)
	if err != nil {
		return trace.Wrap(err)
	}
	return trace.Wrap(q.schedule(ctx, member, data2, q.cfg.Clock.Now().Add(delay)))
}

// jitter spreads polls of concurrent workers over [d/2, d).
func jitter(d time.Duration) time.Duration {
	return d/2 + rand.N(d/2)
}

var _ queue.Enqueuer = (*Queue)(nil)
var _ queue.Sizer = (*Queue)(nil)
