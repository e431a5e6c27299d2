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
	"context"
	"runtime/pprof"
	"strconv"
)

const (
	pprofLabelSystem = "actor-system"
	pprofLabelWorker = "actor-worker"
)

// pprofLabels attaches labels to the worker goroutine so that CPU profiles
// can be grouped by actor system. The returned function restores labels.
func pprofLabels(ctx context.Context, name string, id int) func() {
	labels := pprof.Labels(pprofLabelSystem, name, pprofLabelWorker, strconv.Itoa(id))
	pprof.SetGoroutineLabels(pprof.WithLabels(ctx, labels))
	return func() {
		pprof.SetGoroutineLabels(ctx)
	}
}
