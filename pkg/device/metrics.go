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

package device

import (
	"github.com/prometheus/client_golang/prometheus"
)

var (
	memoryInUse = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: "flowrt",
			Subsystem: "device",
			Name:      "memory_in_use_bytes",
			Help:      "Bytes of device memory held by tensors.",
		}, []string{"context"})
	memoryPooled = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: "flowrt",
			Subsystem: "device",
			Name:      "memory_pooled_bytes",
			Help:      "Bytes of released device memory kept for reuse.",
		}, []string{"context"})
	kernelLaunchDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "flowrt",
			Subsystem: "device",
			Name:      "kernel_launch_duration_seconds",
			Help:      "Bucketed histogram of kernel launch time.",
			Buckets:   prometheus.ExponentialBuckets(0.00001, 2, 18),
		}, []string{"context"})
)

// InitMetrics registers all metrics in this file
func InitMetrics(registry *prometheus.Registry) {
	registry.MustRegister(memoryInUse)
	registry.MustRegister(memoryPooled)
	registry.MustRegister(kernelLaunchDuration)
}
