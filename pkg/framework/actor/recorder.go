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
	"io"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/edwingeng/deque"
	pactor "github.com/flowrt/flowrt/pkg/actor"
	"github.com/flowrt/flowrt/pkg/actor/message"
	"github.com/flowrt/flowrt/pkg/kernel"
	"github.com/goccy/go-json"
	"github.com/pingcap/errors"
	"github.com/pingcap/log"
	"go.uber.org/zap"
)

// DefaultRecorderCapacity is the number of records kept by default.
const DefaultRecorderCapacity = 4096

// Record is the trace of one kernel launch.
type Record struct {
	Kernel         string    `json:"kernel"`
	Type           string    `json:"type"`
	SequentialNum  uint64    `json:"sequential-num"`
	InputSizes     []int     `json:"input-sizes"`
	OutputSizes    []int     `json:"output-sizes"`
	WorkspaceSizes []int     `json:"workspace-sizes"`
	Time           time.Time `json:"time"`
}

func newRecord(k kernel.Kernel, seq uint64, info *kernel.LaunchInfo) Record {
	sizes := func(addrs []*kernel.Address) []int {
		s := make([]int, len(addrs))
		for i, addr := range addrs {
			s[i] = addr.Size
		}
		return s
	}
	return Record{
		Kernel:         k.Name(),
		Type:           k.Type(),
		SequentialNum:  seq,
		InputSizes:     sizes(info.Inputs),
		OutputSizes:    sizes(info.Outputs),
		WorkspaceSizes: sizes(info.Workspaces),
	}
}

// RecorderActor keeps the latest launch records in a bounded ring. It's
// passive, nothing waits for it.
type RecorderActor struct {
	id       pactor.ID
	name     string
	clock    clock.Clock
	capacity int

	mu      sync.Mutex
	records deque.Deque
}

var _ pactor.Actor[Msg] = (*RecorderActor)(nil)

// NewRecorderActor creates a recorder actor.
func NewRecorderActor(id pactor.ID, name string, clk clock.Clock, capacity int) *RecorderActor {
	if capacity <= 0 {
		capacity = DefaultRecorderCapacity
	}
	return &RecorderActor{
		id:       id,
		name:     name,
		clock:    clk,
		capacity: capacity,
		records:  deque.NewDeque(),
	}
}

// Poll implements pactor.Actor.
func (r *RecorderActor) Poll(ctx context.Context, msgs []message.Message[Msg]) bool {
	for i := range msgs {
		if msgs[i].Tp == message.TypeStop {
			return false
		}
		switch msg := msgs[i].Value.(type) {
		case *RecordRequest:
			r.record(msg.Record)
		case *Flush:
			msg.Ack()
		case *Retire:
		default:
			log.Warn("recorder got unexpected message",
				zap.String("actor", r.name), zap.Any("message", msg))
		}
	}
	return true
}

// OnClose implements pactor.Actor.
func (r *RecorderActor) OnClose() {}

func (r *RecorderActor) record(rec Record) {
	rec.Time = r.clock.Now()
	r.mu.Lock()
	defer r.mu.Unlock()
	r.records.PushBack(rec)
	for r.records.Len() > r.capacity {
		r.records.PopFront()
	}
}

// Records returns the kept records, oldest first.
func (r *RecorderActor) Records() []Record {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := r.records.Len()
	records := make([]Record, 0, n)
	for i := 0; i < n; i++ {
		rec := r.records.PopFront().(Record)
		records = append(records, rec)
		r.records.PushBack(rec)
	}
	return records
}

// DumpJSON writes the kept records as a JSON array.
func (r *RecorderActor) DumpJSON(w io.Writer) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return errors.Trace(enc.Encode(r.Records()))
}
