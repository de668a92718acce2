// Copyright (C) 2016--2020 Lightbits Labs Ltd.
// SPDX-License-Identifier: Apache-2.0

package concurrent

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

const metricsNamespace = "cinder_conformance"

// Metrics collects per-run and per-worker outcome statistics. a single
// instance can be shared by any number of runs, they are told apart by the
// run name (q.v. WithName()).
type Metrics struct {
	runs     *prometheus.CounterVec
	workers  *prometheus.CounterVec
	duration *prometheus.HistogramVec
}

// NewMetrics creates the run collectors and registers them with `reg`.
func NewMetrics(reg prometheus.Registerer) (*Metrics, error) {
	m := &Metrics{
		runs: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Subsystem: "runner",
			Name:      "runs_total",
			Help:      "Concurrent runs by outcome.",
		}, []string{"run", "result"}),
		workers: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Subsystem: "runner",
			Name:      "workers_total",
			Help:      "Concurrent run workers by outcome.",
		}, []string{"run", "result"}),
		duration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: metricsNamespace,
			Subsystem: "runner",
			Name:      "worker_duration_seconds",
			Help:      "Wall clock time spent by a single worker.",
			Buckets:   prometheus.ExponentialBuckets(0.05, 2, 14),
		}, []string{"run"}),
	}
	for _, c := range []prometheus.Collector{m.runs, m.workers, m.duration} {
		if err := reg.Register(c); err != nil {
			return nil, err
		}
	}
	return m, nil
}

func resultLabel(err error) string {
	if err != nil {
		return "failure"
	}
	return "success"
}

func (m *Metrics) observeWorker(run string, took time.Duration, err error) {
	if m == nil {
		return
	}
	m.workers.WithLabelValues(run, resultLabel(err)).Inc()
	m.duration.WithLabelValues(run).Observe(took.Seconds())
}

func (m *Metrics) observeRun(run string, err error) {
	if m == nil {
		return
	}
	m.runs.WithLabelValues(run, resultLabel(err)).Inc()
}
