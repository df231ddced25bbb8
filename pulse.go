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

// Package pulse holds constants shared across the whole project.
package pulse

const (
	// ComponentKey is the name of the log attribute that carries the
	// component name.
	ComponentKey = "component"

	// ComponentPulse is the name of the process as a whole, used by the
	// supervisor and the CLI.
	ComponentPulse = "pulse"

	// ComponentRecorder buffers raw activity events and schedules
	// aggregation.
	ComponentRecorder = "recorder"

	// ComponentAggregator folds buffered events into activities.
	ComponentAggregator = "aggregator"

	// ComponentFeed serves the activity feed and heatmap read API.
	ComponentFeed = "feed"

	// ComponentWeb is the HTTP API server.
	ComponentWeb = "web"

	// ComponentQueue is the delayed job queue and its worker loop.
	ComponentQueue = "queue"

	// ComponentKV is the shared key-value store.
	ComponentKV = "kv"

	// ComponentMonitoring is the error capture and alerting pipeline.
	ComponentMonitoring = "monitoring"

	// ComponentHealth is the periodic health prober.
	ComponentHealth = "health"

	// ComponentReport is the daily digest worker.
	ComponentReport = "report"

	// ComponentBatch is the batched alert collector.
	ComponentBatch = "batch"

	// ComponentNotifier delivers alerts to the chat transport.
	ComponentNotifier = "notifier"

	// ComponentTelegram is the Telegram notifier implementation.
	ComponentTelegram = "telegram"
)

const (
	// Version is the current semantic version of the pulse service.
	Version = "1.2.0"

	// MetricNamespace is the prefix of all emitted prometheus metrics.
	MetricNamespace = "pulse"

	// ActorHeader carries the UUID of the user a request acts on behalf
	// of. The API gateway in front of pulse is expected to set it.
	ActorHeader = "X-Pulse-Actor"
)

const (
	// EnvironmentProduction marks a deployment that pages humans.
	EnvironmentProduction = "production"

	// EnvironmentStaging marks a pre-production deployment.
	EnvironmentStaging = "staging"

	// EnvironmentDevelopment marks a local or CI deployment.
	EnvironmentDevelopment = "development"
)
