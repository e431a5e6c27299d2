// Copyright 2024 PingCAP, Inc.
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

package scheduler

import (
	"github.com/prometheus/client_golang/prometheus"
)

var (
	iterationCounter = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "flowrt",
			Subsystem: "scheduler",
			Name:      "iterations_total",
			Help:      "The number of iterations by result.",
		}, []string{"result"})
	iterationDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: "flowrt",
			Subsystem: "scheduler",
			Name:      "iteration_duration_seconds",
			Help:      "Bucketed histogram of the duration of successful iterations.",
			Buckets:   prometheus.ExponentialBuckets(0.0001, 2, 20),
		})
	inFlightGauge = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "flowrt",
			Subsystem: "scheduler",
			Name:      "iterations_in_flight",
			Help:      "The number of running iterations.",
		})
)

// InitMetrics registers all metrics in this file
func InitMetrics(registry *prometheus.Registry) {
	registry.MustRegister(iterationCounter)
	registry.MustRegister(iterationDuration)
	registry.MustRegister(inFlightGauge)
}
