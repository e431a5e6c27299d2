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
	"fmt"

	pactor "github.com/flowrt/flowrt/pkg/actor"
	"github.com/flowrt/flowrt/pkg/actor/message"
	"github.com/flowrt/flowrt/pkg/device"
	cerrors "github.com/flowrt/flowrt/pkg/errors"
	"github.com/flowrt/flowrt/pkg/kernel"
	"github.com/gomlx/gopjrt/dtypes"
	"github.com/pingcap/log"
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"
)

// InputSource tells where an input of a kernel comes from.
type InputSource struct {
	// StoreKey binds the input to a device tensor store entry. An empty key
	// means the input is delivered by OpData.
	StoreKey string
}

type launchPhase int

const (
	phaseCollecting launchPhase = iota
	phaseAllocating
	phaseDebugging
	phaseFreeing
)

// kernelLaunch is the bookkeeping of one sequential number.
type kernelLaunch struct {
	opCtx *OpContext
	phase launchPhase

	inputs   []*device.Tensor
	received int
	controls int
	// bound replaces inputs by position, it's set by OpControl.
	bound []*device.Tensor

	outputs    []*device.Tensor
	workspaces []*device.Tensor
	info       *kernel.LaunchInfo

	inputsFreed bool
	// outputsHeld is true until the creator hold of the outputs and
	// workspaces is released.
	outputsHeld bool
	outputsSent bool
}

// KernelActor launches one kernel when all its data and control inputs of
// a sequential number have arrived.
type KernelActor struct {
	id     pactor.ID
	name   string
	env    *Env
	kernel kernel.Kernel
	device device.Context

	inputs        []InputSource
	numData       int
	numControl    int
	dataArrows    []DataArrow
	controlArrows []pactor.ID
	resultArrows  []ResultArrow

	launches map[uint64]*kernelLaunch
	retired  uint64

	metricLaunchOK   prometheus.Counter
	metricLaunchFail prometheus.Counter
}

var _ pactor.Actor[Msg] = (*KernelActor)(nil)

// NewKernelActor creates a kernel actor. Inputs without a store key are
// counted as data inputs.
func NewKernelActor(
	id pactor.ID, k kernel.Kernel, devCtx device.Context, env *Env, inputs []InputSource,
) *KernelActor {
	numData := 0
	for _, in := range inputs {
		if in.StoreKey == "" {
			numData++
		}
	}
	return &KernelActor{
		id:       id,
		name:     k.Name(),
		env:      env,
		kernel:   k,
		device:   devCtx,
		inputs:   inputs,
		numData:  numData,
		launches: make(map[uint64]*kernelLaunch),

		metricLaunchOK:   kernelLaunchCounter.WithLabelValues("ok"),
		metricLaunchFail: kernelLaunchCounter.WithLabelValues("failed"),
	}
}

// ID returns the ID of the actor.
func (k *KernelActor) ID() pactor.ID { return k.id }

// Name returns the name of the kernel.
func (k *KernelActor) Name() string { return k.name }

// NumData returns the number of data inputs.
func (k *KernelActor) NumData() int { return k.numData }

// NumControl returns the number of control inputs.
func (k *KernelActor) NumControl() int { return k.numControl }

// AddControlInput expects one more control message per launch.
func (k *KernelActor) AddControlInput() { k.numControl++ }

// AddDataArrow sends an output to another actor.
func (k *KernelActor) AddDataArrow(arrow DataArrow) {
	k.dataArrows = append(k.dataArrows, arrow)
}

// AddControlArrow signals another actor after each launch.
func (k *KernelActor) AddControlArrow(to pactor.ID) {
	k.controlArrows = append(k.controlArrows, to)
}

// AddResultArrow sends an output to the output actor.
func (k *KernelActor) AddResultArrow(arrow ResultArrow) {
	k.resultArrows = append(k.resultArrows, arrow)
}

// IsSink returns true if nothing consumes the launches of the actor.
func (k *KernelActor) IsSink() bool {
	return len(k.dataArrows) == 0 && len(k.controlArrows) == 0 && len(k.resultArrows) == 0
}

// Poll implements pactor.Actor.
func (k *KernelActor) Poll(ctx context.Context, msgs []message.Message[Msg]) bool {
	for i := range msgs {
		if msgs[i].Tp == message.TypeStop {
			return false
		}
		switch msg := msgs[i].Value.(type) {
		case *OpData:
			k.RunOpData(ctx, msg)
		case *OpControl:
			k.RunOpControl(ctx, msg)
		case *AllocDone:
			k.OnMemoryAllocFinish(ctx, msg.Ctx)
		case *DebugDone:
			k.OnDebugFinish(ctx, msg.Ctx)
		case *FreeDone:
			k.onFreeDone(ctx, msg.Ctx)
		case *Retire:
			k.retire(ctx, msg.Watermark)
		case *Flush:
			msg.Ack()
		default:
			log.Warn("kernel actor got unexpected message",
				zap.String("actor", k.name), zap.Any("message", msg))
		}
	}
	return true
}

// OnClose implements pactor.Actor.
func (k *KernelActor) OnClose() {}

func (k *KernelActor) launchOf(opCtx *OpContext) *kernelLaunch {
	l, ok := k.launches[opCtx.SequentialNum]
	if !ok {
		l = &kernelLaunch{
			opCtx:  opCtx,
			inputs: make([]*device.Tensor, len(k.inputs)),
		}
		k.launches[opCtx.SequentialNum] = l
	}
	return l
}

// RunOpData records a data input and launches the kernel if the launch
// condition is satisfied.
func (k *KernelActor) RunOpData(ctx context.Context, data *OpData) {
	seq := data.Ctx.SequentialNum
	if seq < k.retired {
		k.env.releaseNow(ctx, []*device.Tensor{data.Tensor})
		return
	}
	l := k.launchOf(data.Ctx)
	idx := data.Index
	if l.phase != phaseCollecting || idx < 0 || idx >= len(k.inputs) ||
		k.inputs[idx].StoreKey != "" || l.inputs[idx] != nil {
		data.Ctx.SetFailed(cerrors.ErrInputMismatch.GenWithStackByArgs(k.name,
			fmt.Sprintf("unexpected data at input %d, sequential number %d", idx, seq)))
		k.env.releaseNow(ctx, []*device.Tensor{data.Tensor})
		return
	}
	l.inputs[idx] = data.Tensor
	l.received++
	k.checkLaunchCondition(ctx, l)
}

// RunOpControl records a control input and launches the kernel if the
// launch condition is satisfied. Tensors carried by the control replace
// the inputs of the launch by position.
func (k *KernelActor) RunOpControl(ctx context.Context, control *OpControl) {
	seq := control.Ctx.SequentialNum
	if seq < k.retired {
		return
	}
	l := k.launchOf(control.Ctx)
	if l.phase != phaseCollecting || l.controls >= k.numControl {
		control.Ctx.SetFailed(cerrors.ErrInputMismatch.GenWithStackByArgs(k.name,
			fmt.Sprintf("unexpected control from %d, sequential number %d", control.From, seq)))
		return
	}
	l.controls++
	if len(control.Inputs) > 0 {
		if len(control.Inputs) != len(k.inputs) {
			log.Warn("input tensors of control mismatch, ignored",
				zap.String("actor", k.name),
				zap.Int("expected", len(k.inputs)),
				zap.Int("got", len(control.Inputs)))
		} else {
			l.bound = control.Inputs
		}
	}
	k.checkLaunchCondition(ctx, l)
}

// checkLaunchCondition is satisfied iff the number of data and control
// messages equal the declared counts.
func (k *KernelActor) checkLaunchCondition(ctx context.Context, l *kernelLaunch) {
	if l.received != k.numData || l.controls != k.numControl {
		return
	}
	k.fetchAndAllocate(ctx, l)
}

func (k *KernelActor) fetchAndAllocate(ctx context.Context, l *kernelLaunch) {
	seq := l.opCtx.SequentialNum
	for i, in := range k.inputs {
		if in.StoreKey == "" {
			continue
		}
		t, ok := k.env.Store.Fetch(in.StoreKey)
		if !ok {
			l.opCtx.SetFailed(cerrors.ErrDeviceTensorStoreMissing.GenWithStackByArgs(k.name, in.StoreKey))
			k.abandon(ctx, l)
			delete(k.launches, seq)
			return
		}
		l.inputs[i] = t
	}

	specs := k.kernel.OutputSpecs()
	consumers := outputConsumers(len(specs), k.dataArrows, k.resultArrows)
	l.outputs = make([]*device.Tensor, len(specs))
	for i, spec := range specs {
		t := device.NewTensor(fmt.Sprintf("%s:%d", k.name, i), spec.DType, spec.Shape, k.device)
		t.SetRefCount(1 + consumers[i])
		l.outputs[i] = t
	}
	sizes := k.kernel.WorkspaceSizes()
	l.workspaces = make([]*device.Tensor, len(sizes))
	for i, size := range sizes {
		t := device.NewTensor(fmt.Sprintf("%s/workspace:%d", k.name, i), dtypes.Uint8, []int{size}, k.device)
		t.SetRefCount(1)
		l.workspaces[i] = t
	}
	l.outputsHeld = true
	l.phase = phaseAllocating

	tensors := make([]*device.Tensor, 0, len(l.outputs)+len(l.workspaces))
	tensors = append(tensors, l.outputs...)
	tensors = append(tensors, l.workspaces...)
	k.env.AllocateMemory(ctx, tensors, k.device, l.opCtx, k.id, k.name)
}

// OnMemoryAllocFinish launches the kernel once its outputs and workspaces
// are allocated.
func (k *KernelActor) OnMemoryAllocFinish(ctx context.Context, opCtx *OpContext) {
	seq := opCtx.SequentialNum
	l, ok := k.launches[seq]
	if !ok || l.phase != phaseAllocating {
		log.Debug("stale allocation is finished",
			zap.String("actor", k.name), zap.Uint64("sequentialNum", seq))
		return
	}
	if opCtx.Err() != nil {
		// The iteration has failed somewhere else.
		k.abandon(ctx, l)
		delete(k.launches, seq)
		return
	}

	inputs := l.inputs
	if l.bound != nil {
		inputs = l.bound
	}
	l.info = kernel.NewLaunchInfo(inputs, l.workspaces, l.outputs)
	k.env.trace(k.name, seq, TraceLaunch, k.kernel.Type())
	if err := kernel.Launch(k.device, k.kernel, l.info); err != nil {
		k.metricLaunchFail.Inc()
		if !cerrors.ErrLaunchKernel.Equal(err) {
			err = cerrors.ErrLaunchKernel.GenWithStackByArgs(k.name + ": " + err.Error())
		}
		log.Warn("launch kernel failed", zap.String("actor", k.name),
			zap.Uint64("sequentialNum", seq), zap.Error(err))
		opCtx.SetFailed(err)
		k.abandon(ctx, l)
		delete(k.launches, seq)
		return
	}
	k.metricLaunchOK.Inc()

	if k.env.Debugger != NoActor {
		l.phase = phaseDebugging
		k.env.send(ctx, opCtx, k.env.Debugger, &DebugRequest{
			Ctx: opCtx, From: k.id, Kernel: k.kernel, Info: l.info,
		})
		return
	}
	k.postLaunch(ctx, l)
}

// OnDebugFinish resumes the launch suspended by the debug actor.
func (k *KernelActor) OnDebugFinish(ctx context.Context, opCtx *OpContext) {
	l, ok := k.launches[opCtx.SequentialNum]
	if !ok || l.phase != phaseDebugging {
		return
	}
	if opCtx.Err() != nil {
		k.abandon(ctx, l)
		delete(k.launches, opCtx.SequentialNum)
		return
	}
	k.postLaunch(ctx, l)
}

// postLaunch frees the buffers of the launch before sending the outputs.
func (k *KernelActor) postLaunch(ctx context.Context, l *kernelLaunch) {
	frees := make([]*device.Tensor, 0, len(l.inputs)+len(l.outputs)+len(l.workspaces))
	for i, t := range l.inputs {
		if t != nil && k.inputs[i].StoreKey == "" {
			frees = append(frees, t)
		}
	}
	frees = append(frees, l.outputs...)
	frees = append(frees, l.workspaces...)
	l.inputsFreed = true
	l.outputsHeld = false
	if k.env.FreeMemory(ctx, frees, k.device, l.opCtx, k.id, k.name) {
		l.phase = phaseFreeing
		return
	}
	k.sendOutputs(ctx, l)
}

func (k *KernelActor) onFreeDone(ctx context.Context, opCtx *OpContext) {
	l, ok := k.launches[opCtx.SequentialNum]
	if !ok || l.phase != phaseFreeing {
		return
	}
	k.sendOutputs(ctx, l)
}

func (k *KernelActor) sendOutputs(ctx context.Context, l *kernelLaunch) {
	opCtx := l.opCtx
	seq := opCtx.SequentialNum
	if err := k.eraseInput(seq); err != nil {
		log.Error("erase input failed", zap.String("actor", k.name), zap.Error(err))
		opCtx.SetFailed(err)
		return
	}
	l.outputsSent = true

	if k.env.Recorder != NoActor {
		k.env.send(ctx, opCtx, k.env.Recorder, &RecordRequest{Record: newRecord(k.kernel, seq, l.info)})
	}
	k.env.sendData(ctx, opCtx, k.name, k.dataArrows, l.outputs)
	k.env.sendControl(ctx, opCtx, k.name, k.id, k.controlArrows)
	for _, arrow := range k.resultArrows {
		t := l.outputs[arrow.FromIndex]
		k.env.trace(k.name, seq, TraceSendData, t.Name())
		k.env.send(ctx, opCtx, k.env.Output, &OpData{
			Ctx: opCtx, To: k.env.Output, Index: arrow.Slot, Tensor: t,
		})
	}
	if k.IsSink() {
		opCtx.SinkDone()
	}
}

func (k *KernelActor) eraseInput(seq uint64) error {
	if _, ok := k.launches[seq]; !ok {
		return cerrors.ErrEraseInput.GenWithStackByArgs(k.name, "no launch state", seq)
	}
	delete(k.launches, seq)
	return nil
}

// abandon releases every reference a launch still holds. The outputs are
// never sent, so the references of their consumers are released too.
func (k *KernelActor) abandon(ctx context.Context, l *kernelLaunch) {
	var frees []*device.Tensor
	if !l.inputsFreed {
		for i, t := range l.inputs {
			if t != nil && k.inputs[i].StoreKey == "" {
				frees = append(frees, t)
			}
		}
		l.inputsFreed = true
	}
	if !l.outputsSent && len(l.outputs) > 0 {
		consumers := outputConsumers(len(l.outputs), k.dataArrows, k.resultArrows)
		for i, t := range l.outputs {
			n := consumers[i]
			if l.outputsHeld {
				n++
			}
			for j := int32(0); j < n; j++ {
				frees = append(frees, t)
			}
		}
	}
	if l.outputsHeld {
		frees = append(frees, l.workspaces...)
		l.outputsHeld = false
	}
	l.outputsSent = true
	k.env.releaseNow(ctx, frees)
}

func (k *KernelActor) retire(ctx context.Context, watermark uint64) {
	if watermark <= k.retired {
		return
	}
	k.retired = watermark
	for seq, l := range k.launches {
		if seq < watermark {
			k.abandon(ctx, l)
			delete(k.launches, seq)
		}
	}
}
