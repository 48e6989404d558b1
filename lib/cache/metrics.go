// Copyright 2026 The Copse Authors
// SPDX-License-Identifier: Apache-2.0

package cache

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// metrics holds the cache's Prometheus instruments. A nil registerer
// leaves them live but unregistered, which keeps the hot path free of
// nil checks.
type metrics struct {
	commits       prometheus.Counter
	batches       prometheus.Counter
	batchFailures prometheus.Counter
	descriptors   *prometheus.CounterVec
	maskedSkips   prometheus.Counter
	fullReloads   prometheus.Counter
	reloadSeconds prometheus.Histogram
}

func newMetrics(registerer prometheus.Registerer) *metrics {
	factory := promauto.With(registerer)
	return &metrics{
		commits: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "copse",
			Subsystem: "cache",
			Name:      "commits_total",
			Help:      "Tree snapshots published, including disk reloads.",
		}),
		batches: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "copse",
			Subsystem: "cache",
			Name:      "batches_total",
			Help:      "Change batches received for application.",
		}),
		batchFailures: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "copse",
			Subsystem: "cache",
			Name:      "batch_failures_total",
			Help:      "Change batches abandoned due to an error.",
		}),
		descriptors: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "copse",
			Subsystem: "cache",
			Name:      "descriptors_total",
			Help:      "Change descriptors received, by kind.",
		}, []string{"kind"}),
		maskedSkips: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "copse",
			Subsystem: "cache",
			Name:      "masked_skips_total",
			Help:      "Rows skipped during patching because their parent is absent.",
		}),
		fullReloads: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "copse",
			Subsystem: "cache",
			Name:      "full_reloads_total",
			Help:      "Complete tree loads from the database.",
		}),
		reloadSeconds: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace: "copse",
			Subsystem: "cache",
			Name:      "reload_seconds",
			Help:      "Duration of full tree loads from the database.",
			Buckets:   prometheus.ExponentialBuckets(0.01, 2, 12),
		}),
	}
}
