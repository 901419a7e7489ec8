// Copyright 2016 DeepFabric, Inc.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// See the License for the specific language governing permissions and
// limitations under the License.

package tree

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

const (
	labelPhaseDomain     = "domain"
	labelPhaseHyksort    = "hyksort"
	labelPhaseBlocks     = "blocks"
	labelPhaseBalance    = "balance"
	labelPhaseDistribute = "distribute"
)

var (
	buildPhaseDurationHistogramVec = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "rustytree",
			Subsystem: "tree",
			Name:      "build_phase_duration_seconds",
			Help:      "Bucketed histogram of construction phase durations.",
			Buckets:   prometheus.ExponentialBuckets(0.0005, 2.0, 16),
		}, []string{"phase"})

	leavesGauge = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "rustytree",
			Subsystem: "tree",
			Name:      "leaves",
			Help:      "Local leaf count after the last construction.",
		})

	localPointsGauge = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "rustytree",
			Subsystem: "tree",
			Name:      "points",
			Help:      "Local point count after the last construction.",
		})
)

func init() {
	prometheus.MustRegister(buildPhaseDurationHistogramVec)
	prometheus.MustRegister(leavesGauge)
	prometheus.MustRegister(localPointsGauge)
}

func observePhase(phase string, start time.Time) {
	buildPhaseDurationHistogramVec.WithLabelValues(phase).Observe(time.Since(start).Seconds())
}
