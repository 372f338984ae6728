/*
 * This file is part of the virtmig project
 *
 * Licensed under the Apache License, Version 2.0 (the "License");
 * you may not use this file except in compliance with the License.
 * You may obtain a copy of the License at
 *
 *     http://www.apache.org/licenses/LICENSE-2.0
 *
 * Unless required by applicable law or agreed to in writing, software
 * distributed under the License is distributed on an "AS IS" BASIS,
 * WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
 * See the License for the specific language governing permissions and
 * limitations under the License.
 *
 * Copyright 2024 The virtmig authors.
 *
 */

// Package migrationstats exposes migration attempt counters for scraping.
package migrationstats

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

type Recorder struct {
	started      prometheus.Counter
	succeeded    prometheus.Counter
	failed       prometheus.Counter
	cancelled    prometheus.Counter
	lastDuration prometheus.Gauge
}

// NewRecorder builds a recorder and registers its metrics. A nil registerer
// defaults to the process-wide registry.
func NewRecorder(registerer prometheus.Registerer) *Recorder {
	if registerer == nil {
		registerer = prometheus.DefaultRegisterer
	}
	r := &Recorder{
		started: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "virtmig_migrations_started_total",
			Help: "Number of migration attempts started on this host.",
		}),
		succeeded: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "virtmig_migrations_succeeded_total",
			Help: "Number of migration attempts that completed.",
		}),
		failed: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "virtmig_migrations_failed_total",
			Help: "Number of migration attempts that failed.",
		}),
		cancelled: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "virtmig_migrations_cancelled_total",
			Help: "Number of migration attempts cancelled on purpose.",
		}),
		lastDuration: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "virtmig_last_migration_duration_seconds",
			Help: "Wall-clock duration of the last completed migration.",
		}),
	}
	registerer.MustRegister(r.started, r.succeeded, r.failed, r.cancelled, r.lastDuration)
	return r
}

func (r *Recorder) Started() {
	r.started.Inc()
}

func (r *Recorder) Succeeded(duration time.Duration) {
	r.succeeded.Inc()
	r.lastDuration.Set(duration.Seconds())
}

func (r *Recorder) Failed() {
	r.failed.Inc()
}

func (r *Recorder) Cancelled() {
	r.cancelled.Inc()
}
