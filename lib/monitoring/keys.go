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
	"strconv"
	"time"

	"github.com/gravitational/pulse/lib/kv"
)

// monitoringKeys scopes every key this package touches. Daily keys
// embed a YYYY-MM-DD date so retention is handled by per-key TTLs
// rather than cleanup jobs.
var monitoringKeys = kv.NewKeys("monitoring")

var (
	// watermarkKey holds the epoch seconds of the last completed queue
	// job. It never expires: a silent queue must stay visible.
	watermarkKey = monitoringKeys.Key("queue", "last_job_completed")

	// healthCurrentKey holds the most recent health snapshot.
	healthCurrentKey = monitoringKeys.Key("health", "current")

	// healthHistoryKey is the capped list of recent health snapshots.
	healthHistoryKey = monitoringKeys.Key("health", "history")

	// startupKey deduplicates the startup announcement across replicas.
	startupKey = monitoringKeys.Key("startup_notification")
)

// dayOf renders t as the UTC date used in daily stats keys.
func dayOf(t time.Time) string {
	return t.UTC().Format(time.DateOnly)
}

// hourOf renders t as the UTC hour used in hourly batch keys.
func hourOf(t time.Time) string {
	return t.UTC().Format("2006-01-02-15")
}

// endpointOf renders a method and path as the endpoint label used in
// stats keys and alert details.
func endpointOf(method, path string) string {
	return method + ":" + path
}

func errorSeenKey(fingerprint string) string {
	return monitoringKeys.Key("error", fingerprint)
}

func errorsTotalKey(day string) string {
	return monitoringKeys.Key("stats", day, "errors", "total")
}

func errorsClassKey(day, class string) string {
	return monitoringKeys.Key("stats", day, "errors", "type", class)
}

func errorsClassPattern(day string) string {
	return monitoringKeys.Key("stats", day, "errors", "type", "*")
}

func errorsEndpointKey(day, endpoint string) string {
	return monitoringKeys.Key("stats", day, "errors", "endpoint", endpoint)
}

func errorsStatusKey(day string, status int) string {
	return monitoringKeys.Key("stats", day, "errors", "status", strconv.Itoa(status))
}

func taskSuccessKey(day, name string) string {
	return monitoringKeys.Key("stats", day, "tasks", "success", name)
}

func taskFailureKey(day, name string) string {
	return monitoringKeys.Key("stats", day, "tasks", "failure", name)
}

func taskFailurePattern(day string) string {
	return monitoringKeys.Key("stats", day, "tasks", "failure", "*")
}

func taskTimeKey(day, name string) string {
	return monitoringKeys.Key("stats", day, "tasks", "time", name)
}

func taskErrorClassKey(day, class string) string {
	return monitoringKeys.Key("stats", day, "tasks", "errors", class)
}

func slowRequestCountKey(day, endpoint string) string {
	return monitoringKeys.Key("stats", day, "slow_requests", endpoint)
}

func slowRequestPattern(day string) string {
	return monitoringKeys.Key("stats", day, "slow_requests", "*")
}

func slowRequestTimesKey(day string) string {
	return monitoringKeys.Key("stats", day, "slow_requests", "times")
}

func lastSuccessKey(name string) string {
	return monitoringKeys.Key("tasks", "last_success", name)
}

func lastFailureKey(name string) string {
	return monitoringKeys.Key("tasks", "last_failure", name)
}

func failureCountKey(name string) string {
	return monitoringKeys.Key("tasks", "failure_count", name)
}

func slowTaskKey(name string) string {
	return monitoringKeys.Key("tasks", "slow", name)
}

func slowTaskPattern() string {
	return monitoringKeys.Key("tasks", "slow", "*")
}

func slowBatchKey(hour string) string {
	return monitoringKeys.Key("slow_requests_batch", hour)
}

func slowAlertKey(endpoint string) string {
	return monitoringKeys.Key("slow_alert", endpoint)
}

func reportSentKey(day string) string {
	return monitoringKeys.Key("report", "last_sent", day)
}
