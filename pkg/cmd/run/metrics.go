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

package run

import (
	"sort"

	"github.com/fatih/color"
	pactor "github.com/flowrt/flowrt/pkg/actor"
	"github.com/flowrt/flowrt/pkg/device"
	"github.com/flowrt/flowrt/pkg/framework/actor"
	"github.com/flowrt/flowrt/pkg/framework/scheduler"
	"github.com/pingcap/errors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"
)

const iterationsMetric = "flowrt_scheduler_iterations_total"

func newRegistry() *prometheus.Registry {
	registry := prometheus.NewRegistry()
	pactor.InitMetrics(registry)
	device.InitMetrics(registry)
	actor.InitMetrics(registry)
	scheduler.InitMetrics(registry)
	return registry
}

// printSummary prints the iterations counted by result.
func printSummary(cmd *cobra.Command, registry prometheus.Gatherer) error {
	families, err := registry.Gather()
	if err != nil {
		return errors.Trace(err)
	}
	for _, mf := range families {
		if mf.GetName() != iterationsMetric {
			continue
		}
		counts := make(map[string]float64)
		for _, m := range mf.GetMetric() {
			for _, label := range m.GetLabel() {
				if label.GetName() == "result" {
					counts[label.GetValue()] += m.GetCounter().GetValue()
				}
			}
		}
		results := make([]string, 0, len(counts))
		for result := range counts {
			results = append(results, result)
		}
		sort.Strings(results)
		for _, result := range results {
			line := color.GreenString("iterations %s: %.0f\n", result, counts[result])
			if result != "ok" {
				line = color.HiRedString("iterations %s: %.0f\n", result, counts[result])
			}
			cmd.Print(line)
		}
	}
	return nil
}
