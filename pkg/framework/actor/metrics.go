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

package actor

import (
	"github.com/prometheus/client_golang/prometheus"
)

var (
	memoryRequestCounter = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "flowrt",
			Subsystem: "framework",
			Name:      "memory_requests_total",
			Help:      "The number of requests handled by memory manager actors.",
		}, []string{"type"})
	kernelLaunchCounter = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "flowrt",
			Subsystem: "framework",
			Name:      "kernel_launches_total",
			Help:      "The number of kernel launches by result.",
		}, []string{"result"})
	switchDispatchCounter = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "flowrt",
			Subsystem: "framework",
			Name:      "switch_dispatches_total",
			Help:      "The number of branches taken by switch actors.",
		}, []string{"branch"})
)

// InitMetrics registers all metrics in this file
func InitMetrics(registry *prometheus.Registry) {
	registry.MustRegister(memoryRequestCounter)
	registry.MustRegister(kernelLaunchCounter)
	registry.MustRegister(switchDispatchCounter)
}
