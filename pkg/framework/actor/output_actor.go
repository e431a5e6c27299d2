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
	cerrors "github.com/flowrt/flowrt/pkg/errors"
	"github.com/pingcap/errors"
	"github.com/pingcap/log"
	"go.uber.org/zap"
)

type outputState struct {
	outputs []*device.HostTensor
	filled  int
}

// OutputActor collects the results of an iteration into host tensors.
type OutputActor struct {
	id       pactor.ID
	name     string
	env      *Env
	numSlots int

	collecting map[uint64]*outputState
	retired    uint64
}

var _ pactor.Actor[Msg] = (*OutputActor)(nil)

// NewOutputActor creates an output actor with numSlots graph outputs.
func NewOutputActor(id pactor.ID, name string, env *Env, numSlots int) *OutputActor {
	return &OutputActor{
		id:         id,
		name:       name,
		env:        env,
		numSlots:   numSlots,
		collecting: make(map[uint64]*outputState),
	}
}

// Poll implements pactor.Actor.
func (o *OutputActor) Poll(ctx context.Context, msgs []message.Message[Msg]) bool {
	for i := range msgs {
		if msgs[i].Tp == message.TypeStop {
			return false
		}
		switch msg := msgs[i].Value.(type) {
		case *OpData:
			o.collect(ctx, msg)
		case *FreeDone:
		case *Retire:
			o.retire(msg.Watermark)
		case *Flush:
			msg.Ack()
		default:
			log.Warn("output actor got unexpected message",
				zap.String("actor", o.name), zap.Any("message", msg))
		}
	}
	return true
}

// OnClose implements pactor.Actor.
func (o *OutputActor) OnClose() {}

func (o *OutputActor) collect(ctx context.Context, data *OpData) {
	opCtx := data.Ctx
	seq := opCtx.SequentialNum
	if seq < o.retired {
		o.env.releaseNow(ctx, []*device.Tensor{data.Tensor})
		return
	}
	st, ok := o.collecting[seq]
	if !ok {
		st = &outputState{outputs: make([]*device.HostTensor, o.numSlots)}
		o.collecting[seq] = st
	}
	slot := data.Index
	if slot < 0 || slot >= o.numSlots || st.outputs[slot] != nil {
		opCtx.SetFailed(cerrors.ErrOutputCollected.GenWithStackByArgs(slot, seq))
		o.env.releaseNow(ctx, []*device.Tensor{data.Tensor})
		return
	}

	host, err := data.Tensor.Context().CopyDeviceToHost(data.Tensor)
	o.env.FreeMemory(ctx, []*device.Tensor{data.Tensor}, data.Tensor.Context(), opCtx, o.id, o.name)
	if err != nil {
		opCtx.SetFailed(errors.Trace(err))
		return
	}
	st.outputs[slot] = host
	st.filled++
	if st.filled == o.numSlots {
		opCtx.SetOutputs(st.outputs)
		opCtx.SinkDone()
	}
}

// retire drops the states below watermark. Filled states are kept until
// then so a late duplicated result is still detected.
func (o *OutputActor) retire(watermark uint64) {
	if watermark <= o.retired {
		return
	}
	o.retired = watermark
	for seq := range o.collecting {
		if seq < watermark {
			delete(o.collecting, seq)
		}
	}
}
