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

// Package service assembles the pulse daemon: the activity store, the
// shared Redis connection, the job queue, the notifier, the monitoring
// pipeline and the HTTP listeners, supervised as one unit.
package service

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/gravitational/trace"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	redis "github.com/redis/go-redis/v9"
	"golang.org/x/sync/errgroup"

	"github.com/gravitational/pulse"
	"github.com/gravitational/pulse/lib/activity"
	"github.com/gravitational/pulse/lib/activity/pgactivity"
	"github.com/gravitational/pulse/lib/defaults"
	kvredis "github.com/gravitational/pulse/lib/kv/redis"
	"github.com/gravitational/pulse/lib/monitoring"
	"github.com/gravitational/pulse/lib/monitoring/sanitize"
	"github.com/gravitational/pulse/lib/notify"
	"github.com/gravitational/pulse/lib/notify/telegram"
	"github.com/gravitational/pulse/lib/queue/redisq"
	logutils "github.com/gravitational/pulse/lib/utils/log"
	"github.com/gravitational/pulse/lib/web"
)

// Process is the assembled pulse daemon. It owns every long-lived
// resource and runs all workers until the context is canceled, then
// drains them gracefully.
type Process struct {
	cfg    *Config
	logger *slog.Logger

	store       *pgactivity.Store
	redisClient *redis.Client
	kv          *kvredis.KV
	queue       *redisq.Queue
	notifier    notify.Notifier
	recorder    *activity.Recorder
	interceptor *monitoring.Interceptor

	healthWorker   *monitoring.HealthWorker
	reportWorker   *monitoring.ReportWorker
	batchCollector *monitoring.BatchCollector

	web  *http.Server
	diag *http.Server
}

// NewProcess wires up the daemon from the given configuration. The
// context bounds startup work such as the initial database and Redis
// connections; it does not bound the process lifetime.
func NewProcess(ctx context.Context, cfg *Config) (*Process, error) {
	// The logger goes first so that every component constructed below,
	// including the default loggers CheckAndSetDefaults hands out,
	// writes through the configured handler.
	if err := initLogger(cfg); err != nil {
		return nil, trace.Wrap(err)
	}
	if err := cfg.CheckAndSetDefaults(); err != nil {
		return nil, trace.Wrap(err)
	}

	p := &Process{
		cfg:    cfg,
		logger: cfg.Logger,
	}
	if err := p.init(ctx); err != nil {
		p.closeResources()
		return nil, trace.Wrap(err)
	}
	return p, nil
}

func initLogger(cfg *Config) error {
	severity := cfg.Log.Severity
	if cfg.Debug {
		severity = slog.LevelDebug.String()
	}
	_, _, err := logutils.Initialize(logutils.Config{
		Output:   cfg.Log.Output,
		Severity: severity,
		Format:   cfg.Log.Format,
	})
	return trace.Wrap(err)
}

func (p *Process) init(ctx context.Context) error {
	var err error

	p.store, err = pgactivity.New(ctx, pgactivity.Config{
		ConnString: p.cfg.PostgresURL,
	})
	if err != nil {
		return trace.Wrap(err, "connecting to the activity database")
	}

	p.redisClient = redis.NewClient(&redis.Options{
		Addr:     p.cfg.Redis.Addr,
		Password: p.cfg.Redis.Password,
		DB:       p.cfg.Redis.DB,
	})
	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := p.redisClient.Ping(pingCtx).Err(); err != nil {
		return trace.Wrap(err, "pinging redis at %v", p.cfg.Redis.Addr)
	}
	p.kv = kvredis.NewFromClient(p.redisClient)

	if err := p.initNotifier(ctx); err != nil {
		return trace.Wrap(err)
	}
	if err := p.initMonitoring(); err != nil {
		return trace.Wrap(err)
	}
	if err := p.initActivity(); err != nil {
		return trace.Wrap(err)
	}
	if err := p.initWeb(); err != nil {
		return trace.Wrap(err)
	}
	return nil
}

func (p *Process) initNotifier(ctx context.Context) error {
	if p.cfg.Telegram.Token == "" || p.cfg.Telegram.ChatID == "" {
		p.logger.InfoContext(ctx, "No chat notifier configured, alerts will be logged and dropped")
		p.notifier = notify.NopNotifier{}
		return nil
	}
	notifier, err := telegram.New(telegram.Config{
		Token:       p.cfg.Telegram.Token,
		ChatID:      p.cfg.Telegram.ChatID,
		ThreadID:    p.cfg.Telegram.ThreadID,
		Environment: p.cfg.Environment,
		Clock:       p.cfg.Clock,
	})
	if err != nil {
		return trace.Wrap(err)
	}
	p.notifier = notifier
	return nil
}

func (p *Process) initMonitoring() error {
	stats, err := monitoring.NewStats(monitoring.StatsConfig{
		KV:    p.kv,
		Clock: p.cfg.Clock,
	})
	if err != nil {
		return trace.Wrap(err)
	}
	limiter, err := monitoring.NewRateLimiter(monitoring.RateLimiterConfig{
		KV:     p.kv,
		Window: p.cfg.Monitoring.RateLimitWindow,
		Clock:  p.cfg.Clock,
	})
	if err != nil {
		return trace.Wrap(err)
	}
	p.interceptor, err = monitoring.NewInterceptor(monitoring.InterceptorConfig{
		Stats:                stats,
		Limiter:              limiter,
		Notifier:             p.notifier,
		Sanitize:             sanitize.Config{},
		Disabled:             p.cfg.Monitoring.Disabled,
		IgnorePaths:          p.cfg.Monitoring.IgnorePaths,
		SlowRequestThreshold: p.cfg.Monitoring.SlowRequestThreshold,
		Clock:                p.cfg.Clock,
	})
	if err != nil {
		return trace.Wrap(err)
	}

	instrument := func(name string, fn func(context.Context) error) func(context.Context) error {
		return fn
	}
	if !p.cfg.Monitoring.Disabled {
		taskMonitor, err := monitoring.NewTaskMonitor(monitoring.TaskMonitorConfig{
			Stats:             stats,
			Notifier:          p.notifier,
			Sanitize:          sanitize.Config{},
			IgnoreTasks:       p.cfg.Monitoring.IgnoreTasks,
			SlowThreshold:     p.cfg.Monitoring.SlowTaskThreshold,
			FailureAlertCount: defaults.TaskFailureAlertCount,
			Clock:             p.cfg.Clock,
		})
		if err != nil {
			return trace.Wrap(err)
		}
		instrument = taskMonitor.Instrument
	}

	p.queue, err = redisq.New(redisq.Config{
		Client:     p.redisClient,
		Instrument: instrument,
		Clock:      p.cfg.Clock,
	})
	if err != nil {
		return trace.Wrap(err)
	}

	if p.cfg.Monitoring.Disabled {
		return nil
	}

	p.healthWorker, err = monitoring.NewHealthWorker(monitoring.HealthWorkerConfig{
		KV:             p.kv,
		Database:       p.store,
		KVPing:         p.kv,
		Queue:          p.queue,
		Notifier:       p.notifier,
		Interval:       p.cfg.Monitoring.HealthInterval,
		StuckThreshold: p.cfg.Monitoring.QueueStuckThreshold,
		Clock:          p.cfg.Clock,
	})
	if err != nil {
		return trace.Wrap(err)
	}
	p.reportWorker, err = monitoring.NewReportWorker(monitoring.ReportWorkerConfig{
		KV:       p.kv,
		Usage:    p.store,
		Notifier: p.notifier,
		Hour:     p.cfg.Monitoring.ReportHour,
		Minute:   p.cfg.Monitoring.ReportMinute,
		Clock:    p.cfg.Clock,
	})
	if err != nil {
		return trace.Wrap(err)
	}
	p.batchCollector, err = monitoring.NewBatchCollector(monitoring.BatchCollectorConfig{
		KV:                   p.kv,
		Notifier:             p.notifier,
		Window:               p.cfg.Monitoring.BatchWindow,
		SlowRequestThreshold: p.cfg.Monitoring.SlowRequestThreshold,
		SlowTaskThreshold:    p.cfg.Monitoring.SlowTaskThreshold,
		Clock:                p.cfg.Clock,
	})
	return trace.Wrap(err)
}

func (p *Process) initActivity() error {
	recorder, err := activity.NewRecorder(activity.RecorderConfig{
		Events:              p.store,
		Queue:               p.queue,
		EnabledCategories:   p.cfg.Activity.EnabledCategories,
		SessionWindow:       p.cfg.Activity.SessionWindow,
		MaxEventsPerSession: p.cfg.Activity.MaxEventsPerSession,
		Clock:               p.cfg.Clock,
	})
	if err != nil {
		return trace.Wrap(err)
	}
	p.recorder = recorder

	aggregator, err := activity.NewAggregator(activity.AggregatorConfig{
		Sessions:      p.store,
		SessionWindow: p.cfg.Activity.SessionWindow,
		Clock:         p.cfg.Clock,
	})
	if err != nil {
		return trace.Wrap(err)
	}
	p.queue.RegisterHandler(activity.AggregateJobKind, aggregator.Aggregate)
	return nil
}

func (p *Process) initWeb() error {
	feed, err := activity.NewFeed(activity.FeedConfig{
		Store:  p.store,
		Oracle: p.store.GatewayOracle(),
		Images: p.store,
		Clock:  p.cfg.Clock,
	})
	if err != nil {
		return trace.Wrap(err)
	}
	handler, err := web.NewHandler(web.Config{
		Feed: feed,
		KV:   p.kv,
	})
	if err != nil {
		return trace.Wrap(err)
	}

	p.web = &http.Server{
		Addr:              p.cfg.HTTPAddr,
		Handler:           p.interceptor.Wrap(handler),
		ReadHeaderTimeout: defaults.ReadHeaderTimeout,
		ErrorLog:          slog.NewLogLogger(p.logger.Handler(), slog.LevelError),
	}

	if p.cfg.DiagAddr != "" {
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.Handler())
		p.diag = &http.Server{
			Addr:              p.cfg.DiagAddr,
			Handler:           mux,
			ReadHeaderTimeout: defaults.ReadHeaderTimeout,
			ErrorLog:          slog.NewLogLogger(p.logger.Handler(), slog.LevelError),
		}
	}
	return nil
}

// Recorder exposes the event recorder for embedders that run the
// daemon in-process and record events inside their own transactions.
func (p *Process) Recorder() *activity.Recorder {
	return p.recorder
}

// Run serves until ctx is canceled, then drains the listeners and
// workers and releases every resource. It returns the first worker or
// listener failure, nil on a clean shutdown.
func (p *Process) Run(ctx context.Context) error {
	group, gctx := errgroup.WithContext(ctx)

	p.serve(gctx, group, p.web, "feed API")
	if p.diag != nil {
		p.serve(gctx, group, p.diag, "diagnostics")
	}

	group.Go(func() error {
		return trace.Wrap(p.queue.Run(gctx))
	})
	if p.healthWorker != nil {
		group.Go(func() error {
			return trace.Wrap(p.healthWorker.Run(gctx))
		})
	}
	if p.reportWorker != nil {
		group.Go(func() error {
			return trace.Wrap(p.reportWorker.Run(gctx))
		})
	}
	if p.batchCollector != nil {
		group.Go(func() error {
			return trace.Wrap(p.batchCollector.Run(gctx))
		})
	}

	if !p.cfg.Monitoring.Disabled {
		group.Go(func() error {
			if err := monitoring.AnnounceStartup(gctx, monitoring.StartupConfig{
				KV:          p.kv,
				Notifier:    p.notifier,
				Environment: p.cfg.Environment,
			}); err != nil {
				p.logger.WarnContext(gctx, "Failed to announce startup", "error", err)
			}
			return nil
		})
	}

	p.logger.InfoContext(ctx, "Pulse is running",
		"version", pulse.Version,
		"environment", p.cfg.Environment)

	err := group.Wait()
	p.closeResources()
	if err != nil {
		return trace.Wrap(err)
	}
	p.logger.InfoContext(ctx, "Pulse exited cleanly")
	return nil
}

// serve runs one HTTP listener under the group and shuts it down when
// the group context is canceled.
func (p *Process) serve(ctx context.Context, group *errgroup.Group, srv *http.Server, name string) {
	group.Go(func() error {
		p.logger.InfoContext(ctx, "Listening", "listener", name, "addr", srv.Addr)
		if err := srv.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
			return trace.Wrap(err, "%v listener failed", name)
		}
		return nil
	})
	group.Go(func() error {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), defaults.ShutdownTimeout)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			p.logger.WarnContext(shutdownCtx, "Listener did not drain in time",
				"listener", name, "error", err)
		}
		return nil
	})
}

// closeResources releases everything init acquired, in reverse
// dependency order. Safe to call with a partially initialized process.
func (p *Process) closeResources() {
	if p.interceptor != nil {
		_ = p.interceptor.Close()
	}
	if p.redisClient != nil {
		if err := p.redisClient.Close(); err != nil {
			p.logger.Warn("Failed to close the redis client", "error", err)
		}
	}
	if p.store != nil {
		p.store.Close()
	}
}
