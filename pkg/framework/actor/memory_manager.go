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

	pactor "github.com/flowrt/flowrt/pkg/actor"
	"github.com/flowrt/flowrt/pkg/actor/message"
	"github.com/flowrt/flowrt/pkg/device"
	"github.com/pingcap/errors"
	"github.com/pingcap/log"
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"
)

// MemoryManagerActor owns every allocate and free decision of an actor set,
// so memory reuse is ordered across all actors by its mailbox.
type MemoryManagerActor struct {
	id   pactor.ID
	name string
	env  *Env

	metricAlloc prometheus.Counter
	metricFree  prometheus.Counter
	metricFail  prometheus.Counter
}

var _ pactor.Actor[Msg] = (*MemoryManagerActor)(nil)

// NewMemoryManagerActor creates a memory manager actor.
func NewMemoryManagerActor(id pactor.ID, name string, env *Env) *MemoryManagerActor {
	return &MemoryManagerActor{
		id:   id,
		name: name,
		env:  env,

		metricAlloc: memoryRequestCounter.WithLabelValues("alloc"),
		metricFree:  memoryRequestCounter.WithLabelValues("free"),
		metricFail:  memoryRequestCounter.WithLabelValues("alloc-failed"),
	}
}

// Poll implements pactor.Actor.
func (m *MemoryManagerActor) Poll(ctx context.Context, msgs []message.Message[Msg]) bool {
	for i := range msgs {
		if msgs[i].Tp == message.TypeStop {
			return false
		}
		switch msg := msgs[i].Value.(type) {
		case *AllocRequest:
			m.allocate(ctx, msg)
		case *FreeRequest:
			m.free(ctx, msg)
		case *Flush:
			msg.Ack()
		case *Retire:
		default:
			log.Warn("memory manager got unexpected message",
				zap.String("actor", m.name), zap.Any("message", msg))
		}
	}
	return true
}

// OnClose implements pactor.Actor.
func (m *MemoryManagerActor) OnClose() {}

func (m *MemoryManagerActor) allocate(ctx context.Context, req *AllocRequest) {
	m.metricAlloc.Inc()
	allocated := make([]*device.Tensor, 0, len(req.Tensors))
	for _, t := range req.Tensors {
		if t.IsAllocated() {
			continue
		}
		devCtx := req.Device
		if devCtx == nil {
			devCtx = t.Context()
		}
		if err := devCtx.AllocateMemory(t); err != nil {
			m.metricFail.Inc()
			// Allocation is not retried, release what this request got.
			for _, done := range allocated {
				done.Context().FreeMemory(done)
			}
			log.Warn("allocate memory failed",
				zap.String("requester", req.Name),
				zap.Uint64("sequentialNum", req.Ctx.SequentialNum),
				zap.Error(err))
			req.Ctx.SetFailed(errors.Trace(err))
			return
		}
		allocated = append(allocated, t)
	}
	m.env.send(ctx, req.Ctx, req.From, &AllocDone{Ctx: req.Ctx})
}

func (m *MemoryManagerActor) free(ctx context.Context, req *FreeRequest) {
	m.metricFree.Inc()
	for _, t := range req.Tensors {
		if t.IsPersistent() {
			continue
		}
		n := t.DecreaseRefCount()
		if n == 0 {
			t.Context().FreeMemory(t)
		} else if n < 0 {
			log.Error("tensor is released more times than it is held",
				zap.String("tensor", t.Name()), zap.Int32("refCount", n))
		}
	}
	if req.Ack {
		m.env.send(ctx, req.Ctx, req.From, &FreeDone{Ctx: req.Ctx})
	}
}
