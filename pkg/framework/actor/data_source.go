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
	"go.uber.org/zap"
)

// seedState is the bookkeeping of one seeded iteration.
type seedState struct {
	opCtx   *OpContext
	hosts   []*device.HostTensor
	tensors []*device.Tensor
	phase   launchPhase
	// held is true until the creator hold of tensors is released.
	held bool
}

// DataSourceActor starts iterations. It copies the host inputs into device
// tensors, sends them to their consumers and signals every actor that has
// no input at all.
type DataSourceActor struct {
	id     pactor.ID
	name   string
	env    *Env
	device device.Context

	inputNames    []string
	inputArrows   [][]DataArrow
	controlArrows []pactor.ID

	seeds   map[uint64]*seedState
	retired uint64
}

var _ pactor.Actor[Msg] = (*DataSourceActor)(nil)

// NewDataSourceActor creates a data source actor for the graph inputs.
func NewDataSourceActor(
	id pactor.ID, name string, env *Env, devCtx device.Context, inputNames []string,
) *DataSourceActor {
	return &DataSourceActor{
		id:          id,
		name:        name,
		env:         env,
		device:      devCtx,
		inputNames:  inputNames,
		inputArrows: make([][]DataArrow, len(inputNames)),
		seeds:       make(map[uint64]*seedState),
	}
}

// AddDataArrow sends graph input arrow.FromIndex to another actor.
func (s *DataSourceActor) AddDataArrow(arrow DataArrow) {
	s.inputArrows[arrow.FromIndex] = append(s.inputArrows[arrow.FromIndex], arrow)
}

// AddControlArrow signals an actor at the start of each iteration.
func (s *DataSourceActor) AddControlArrow(to pactor.ID) {
	s.controlArrows = append(s.controlArrows, to)
}

// Poll implements pactor.Actor.
func (s *DataSourceActor) Poll(ctx context.Context, msgs []message.Message[Msg]) bool {
	for i := range msgs {
		if msgs[i].Tp == message.TypeStop {
			return false
		}
		switch msg := msgs[i].Value.(type) {
		case *Seed:
			s.seed(ctx, msg)
		case *AllocDone:
			s.onAllocDone(ctx, msg.Ctx)
		case *FreeDone:
			s.onFreeDone(ctx, msg.Ctx)
		case *Retire:
			s.retire(ctx, msg.Watermark)
		case *Flush:
			msg.Ack()
		default:
			log.Warn("data source got unexpected message",
				zap.String("actor", s.name), zap.Any("message", msg))
		}
	}
	return true
}

// OnClose implements pactor.Actor.
func (s *DataSourceActor) OnClose() {}

func (s *DataSourceActor) seed(ctx context.Context, msg *Seed) {
	opCtx := msg.Ctx
	st := &seedState{
		opCtx:   opCtx,
		hosts:   msg.Inputs,
		tensors: make([]*device.Tensor, len(s.inputNames)),
		phase:   phaseAllocating,
		held:    true,
	}
	s.seeds[opCtx.SequentialNum] = st

	tensors := make([]*device.Tensor, 0, len(s.inputNames))
	for i, name := range s.inputNames {
		if len(s.inputArrows[i]) == 0 {
			continue
		}
		host := msg.Inputs[i]
		t := device.NewTensor(name, host.DType, host.Shape, s.device)
		t.SetRefCount(1 + int32(len(s.inputArrows[i])))
		st.tensors[i] = t
		tensors = append(tensors, t)
	}
	s.env.AllocateMemory(ctx, tensors, s.device, opCtx, s.id, s.name)
}

func (s *DataSourceActor) onAllocDone(ctx context.Context, opCtx *OpContext) {
	seq := opCtx.SequentialNum
	st, ok := s.seeds[seq]
	if !ok || st.phase != phaseAllocating {
		return
	}
	frees := make([]*device.Tensor, 0, len(st.tensors))
	for i, t := range st.tensors {
		if t == nil {
			continue
		}
		if err := s.device.CopyHostToDevice(t, st.hosts[i]); err != nil {
			opCtx.SetFailed(errors.Trace(err))
			s.abandon(ctx, st)
			delete(s.seeds, seq)
			return
		}
		frees = append(frees, t)
	}
	st.held = false
	if s.env.FreeMemory(ctx, frees, s.device, opCtx, s.id, s.name) {
		st.phase = phaseFreeing
		return
	}
	s.send(ctx, st)
}

func (s *DataSourceActor) onFreeDone(ctx context.Context, opCtx *OpContext) {
	st, ok := s.seeds[opCtx.SequentialNum]
	if !ok || st.phase != phaseFreeing {
		return
	}
	s.send(ctx, st)
}

func (s *DataSourceActor) send(ctx context.Context, st *seedState) {
	opCtx := st.opCtx
	delete(s.seeds, opCtx.SequentialNum)
	for _, arrows := range s.inputArrows {
		s.env.sendData(ctx, opCtx, s.name, arrows, st.tensors)
	}
	s.env.sendControl(ctx, opCtx, s.name, s.id, s.controlArrows)
	// Release the hold of the data source on the iteration.
	opCtx.SinkDone()
}

func (s *DataSourceActor) abandon(ctx context.Context, st *seedState) {
	var frees []*device.Tensor
	for i, t := range st.tensors {
		if t == nil {
			continue
		}
		n := len(s.inputArrows[i])
		if st.held {
			n++
		}
		for j := 0; j < n; j++ {
			frees = append(frees, t)
		}
	}
	st.held = false
	s.env.releaseNow(ctx, frees)
}

func (s *DataSourceActor) retire(ctx context.Context, watermark uint64) {
	if watermark <= s.retired {
		return
	}
	s.retired = watermark
	for seq, st := range s.seeds {
		if seq < watermark {
			s.abandon(ctx, st)
			delete(s.seeds, seq)
		}
	}
}
