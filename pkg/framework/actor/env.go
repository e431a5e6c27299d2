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
	"strings"

	pactor "github.com/flowrt/flowrt/pkg/actor"
	"github.com/flowrt/flowrt/pkg/actor/message"
	"github.com/flowrt/flowrt/pkg/device"
	cerrors "github.com/flowrt/flowrt/pkg/errors"
	"github.com/pingcap/errors"
	"github.com/pingcap/log"
	"go.uber.org/zap"
)

// NoActor is the ID of an actor that is not configured.
const NoActor pactor.ID = 0

// FreePolicy decides when an actor may send its outputs after it asked the
// memory manager to release its buffers.
type FreePolicy string

const (
	// FreeIssued sends outputs right after the free request is sent.
	FreeIssued FreePolicy = "issued"
	// FreeCompleted sends outputs after the memory manager acknowledges the
	// free request.
	FreeCompleted FreePolicy = "completed"
)

// DataArrow sends output FromIndex of an actor to input ToIndex of actor To.
type DataArrow struct {
	FromIndex int
	To        pactor.ID
	ToIndex   int
}

// ResultArrow sends output FromIndex of a kernel to output slot Slot.
type ResultArrow struct {
	FromIndex int
	Slot      int
}

// TraceKind is the kind of a trace event.
type TraceKind string

// kinds of TraceEvent
const (
	TraceAlloc       TraceKind = "alloc"
	TraceLaunch      TraceKind = "launch"
	TraceFree        TraceKind = "free"
	TraceSendData    TraceKind = "send-data"
	TraceSendControl TraceKind = "send-control"
	TraceDispatch    TraceKind = "dispatch"
)

// TraceEvent is an observable step of an actor.
type TraceEvent struct {
	Actor  string
	Seq    uint64
	Kind   TraceKind
	Detail string
}

// Tracer observes the steps of actors. It's called from many goroutines.
type Tracer interface {
	Trace(e TraceEvent)
}

// Env is shared by the actors of one actor set.
type Env struct {
	Router        *pactor.Router[Msg]
	MemoryManager pactor.ID
	Output        pactor.ID
	Recorder      pactor.ID
	Debugger      pactor.ID
	FreePolicy    FreePolicy
	Store         *device.Store
	Tracer        Tracer
}

func (e *Env) trace(actor string, seq uint64, kind TraceKind, detail string) {
	if e.Tracer != nil {
		e.Tracer.Trace(TraceEvent{Actor: actor, Seq: seq, Kind: kind, Detail: detail})
	}
}

// send delivers m to actor to without blocking, actors are spawned with
// unbounded mailboxes. A failed delivery fails the iteration.
func (e *Env) send(_ context.Context, opCtx *OpContext, to pactor.ID, m Msg) {
	err := e.Router.Send(to, message.ValueMessage(m))
	if err == nil {
		return
	}
	if cerrors.ErrActorStopped.Equal(err) {
		log.Debug("message dropped, actor system is stopping", zap.Uint64("to", uint64(to)))
		return
	}
	if opCtx != nil {
		opCtx.SetFailed(errors.Trace(err))
		return
	}
	log.Warn("send message failed", zap.Uint64("to", uint64(to)), zap.Error(err))
}

// AllocateMemory asks the memory manager to allocate tensors on devCtx, it
// replies AllocDone to requester.
func (e *Env) AllocateMemory(
	ctx context.Context, tensors []*device.Tensor, devCtx device.Context,
	opCtx *OpContext, requester pactor.ID, name string,
) {
	e.trace(name, opCtx.SequentialNum, TraceAlloc, tensorNames(tensors))
	e.send(ctx, opCtx, e.MemoryManager, &AllocRequest{
		Ctx: opCtx, From: requester, Name: name, Tensors: tensors, Device: devCtx,
	})
}

// FreeMemory asks the memory manager to release one reference of each
// tensor. It returns true if the requester must wait for FreeDone.
func (e *Env) FreeMemory(
	ctx context.Context, tensors []*device.Tensor, devCtx device.Context,
	opCtx *OpContext, requester pactor.ID, name string,
) bool {
	ack := e.FreePolicy == FreeCompleted
	if len(tensors) == 0 && !ack {
		return false
	}
	e.trace(name, opCtx.SequentialNum, TraceFree, tensorNames(tensors))
	e.send(ctx, opCtx, e.MemoryManager, &FreeRequest{
		Ctx: opCtx, From: requester, Tensors: tensors, Device: devCtx, Ack: ack,
	})
	return ack
}

// sendData sends tensors along data arrows.
func (e *Env) sendData(
	ctx context.Context, opCtx *OpContext, name string, arrows []DataArrow, outputs []*device.Tensor,
) {
	for _, arrow := range arrows {
		t := outputs[arrow.FromIndex]
		e.trace(name, opCtx.SequentialNum, TraceSendData, t.Name())
		e.send(ctx, opCtx, arrow.To, &OpData{Ctx: opCtx, To: arrow.To, Index: arrow.ToIndex, Tensor: t})
	}
}

// sendControl sends control signals along control arrows.
func (e *Env) sendControl(
	ctx context.Context, opCtx *OpContext, name string, from pactor.ID, arrows []pactor.ID,
) {
	for _, to := range arrows {
		e.trace(name, opCtx.SequentialNum, TraceSendControl, "")
		e.send(ctx, opCtx, to, &OpControl{Ctx: opCtx, To: to, From: from})
	}
}

// releaseNow frees tensors that can never be consumed, such as inputs of a
// retired iteration. Persistent tensors are skipped by the memory manager.
func (e *Env) releaseNow(ctx context.Context, tensors []*device.Tensor) {
	if len(tensors) == 0 {
		return
	}
	e.send(ctx, nil, e.MemoryManager, &FreeRequest{Tensors: tensors})
}

func tensorNames(tensors []*device.Tensor) string {
	names := make([]string, 0, len(tensors))
	for _, t := range tensors {
		names = append(names, t.Name())
	}
	return strings.Join(names, ",")
}

// outputConsumers counts the data and result arrows of each output.
func outputConsumers(numOutputs int, arrows []DataArrow, results []ResultArrow) []int32 {
	consumers := make([]int32, numOutputs)
	for _, arrow := range arrows {
		consumers[arrow.FromIndex]++
	}
	for _, result := range results {
		consumers[result.FromIndex]++
	}
	return consumers
}
