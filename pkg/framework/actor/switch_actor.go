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
	"strconv"

	pactor "github.com/flowrt/flowrt/pkg/actor"
	"github.com/flowrt/flowrt/pkg/actor/message"
	"github.com/flowrt/flowrt/pkg/device"
	cerrors "github.com/flowrt/flowrt/pkg/errors"
	"github.com/gomlx/gopjrt/dtypes"
	"github.com/pingcap/errors"
	"github.com/pingcap/log"
	"go.uber.org/zap"
)

const noBranch = -1

type switchPhase int

const (
	switchCollecting switchPhase = iota
	switchFreeing
	switchDispatched
)

// switchState is the bookkeeping of one sequential number.
type switchState struct {
	opCtx *OpContext
	phase switchPhase

	inputs   []*device.Tensor
	received int
	controls int
	branch   int
	// args are the tensors of the chosen branch, common inputs first.
	args []*device.Tensor
	// forwarded lists one entry per reference added for the targets of
	// the chosen branch. They are released if the branch is never sent.
	forwarded []*device.Tensor
}

// SwitchActor dispatches its inputs to one of its branches according to a
// condition. Input position 0 is the condition, common inputs follow, then
// the inputs of each branch.
type SwitchActor struct {
	id       pactor.ID
	name     string
	env      *Env
	boolCond bool

	inputs          []InputSource
	numData         int
	numControl      int
	branchInputsPos [][]int

	branchDataArrows    [][]DataArrow
	branchControlArrows [][]pactor.ID
	branchSinks         []int64

	states  map[uint64]*switchState
	retired uint64
}

var _ pactor.Actor[Msg] = (*SwitchActor)(nil)

// NewSwitchActor creates a switch actor. branchInputsPos[b] lists the input
// positions forwarded to branch b. A bool switch has two branches, branch 0
// is taken when the condition is false.
func NewSwitchActor(
	id pactor.ID, name string, env *Env, boolCond bool,
	inputs []InputSource, branchInputsPos [][]int,
) *SwitchActor {
	numData := 0
	for _, in := range inputs {
		if in.StoreKey == "" {
			numData++
		}
	}
	n := len(branchInputsPos)
	return &SwitchActor{
		id:                  id,
		name:                name,
		env:                 env,
		boolCond:            boolCond,
		inputs:              inputs,
		numData:             numData,
		branchInputsPos:     branchInputsPos,
		branchDataArrows:    make([][]DataArrow, n),
		branchControlArrows: make([][]pactor.ID, n),
		branchSinks:         make([]int64, n),
		states:              make(map[uint64]*switchState),
	}
}

// ID returns the ID of the actor.
func (s *SwitchActor) ID() pactor.ID { return s.id }

// Name returns the name of the switch.
func (s *SwitchActor) Name() string { return s.name }

// NumData returns the number of data inputs.
func (s *SwitchActor) NumData() int { return s.numData }

// NumControl returns the number of control inputs.
func (s *SwitchActor) NumControl() int { return s.numControl }

// NumBranches returns the number of branches.
func (s *SwitchActor) NumBranches() int { return len(s.branchInputsPos) }

// AddControlInput expects one more control message per dispatch.
func (s *SwitchActor) AddControlInput() { s.numControl++ }

// AddBranchDataArrow sends argument arrow.FromIndex of branch b.
func (s *SwitchActor) AddBranchDataArrow(b int, arrow DataArrow) {
	s.branchDataArrows[b] = append(s.branchDataArrows[b], arrow)
}

// AddBranchControlArrow signals an actor when branch b is taken.
func (s *SwitchActor) AddBranchControlArrow(b int, to pactor.ID) {
	s.branchControlArrows[b] = append(s.branchControlArrows[b], to)
}

// SetBranchSinks sets the number of sinks that run when branch b is taken.
func (s *SwitchActor) SetBranchSinks(b int, n int64) {
	s.branchSinks[b] = n
}

// Poll implements pactor.Actor.
func (s *SwitchActor) Poll(ctx context.Context, msgs []message.Message[Msg]) bool {
	for i := range msgs {
		if msgs[i].Tp == message.TypeStop {
			return false
		}
		switch msg := msgs[i].Value.(type) {
		case *OpData:
			s.RunOpData(ctx, msg)
		case *OpControl:
			s.RunOpControl(ctx, msg)
		case *FreeDone:
			s.onFreeDone(ctx, msg.Ctx)
		case *Retire:
			s.retire(ctx, msg.Watermark)
		case *Flush:
			msg.Ack()
		default:
			log.Warn("switch actor got unexpected message",
				zap.String("actor", s.name), zap.Any("message", msg))
		}
	}
	return true
}

// OnClose implements pactor.Actor.
func (s *SwitchActor) OnClose() {}

func (s *SwitchActor) stateOf(opCtx *OpContext) *switchState {
	st, ok := s.states[opCtx.SequentialNum]
	if !ok {
		st = &switchState{
			opCtx:  opCtx,
			inputs: make([]*device.Tensor, len(s.inputs)),
			branch: noBranch,
		}
		s.states[opCtx.SequentialNum] = st
	}
	return st
}

// RunOpData collects an input. Inputs arriving after the dispatch are
// freed at once.
func (s *SwitchActor) RunOpData(ctx context.Context, data *OpData) {
	seq := data.Ctx.SequentialNum
	if seq < s.retired {
		s.env.releaseNow(ctx, []*device.Tensor{data.Tensor})
		return
	}
	st := s.stateOf(data.Ctx)
	pos := data.Index
	if pos < 0 || pos >= len(s.inputs) || s.inputs[pos].StoreKey != "" || st.inputs[pos] != nil {
		data.Ctx.SetFailed(cerrors.ErrSwitchInputOverflow.GenWithStackByArgs(s.name, pos, seq))
		s.env.releaseNow(ctx, []*device.Tensor{data.Tensor})
		return
	}
	st.inputs[pos] = data.Tensor
	st.received++
	if st.phase != switchCollecting {
		s.env.releaseNow(ctx, []*device.Tensor{data.Tensor})
		s.tryErase(st)
		return
	}
	s.tryDispatch(ctx, st)
}

// RunOpControl collects a control input.
func (s *SwitchActor) RunOpControl(ctx context.Context, control *OpControl) {
	seq := control.Ctx.SequentialNum
	if seq < s.retired {
		return
	}
	st := s.stateOf(control.Ctx)
	if st.phase != switchCollecting || st.controls >= s.numControl {
		control.Ctx.SetFailed(cerrors.ErrInputMismatch.GenWithStackByArgs(s.name,
			fmt.Sprintf("unexpected control from %d, sequential number %d", control.From, seq)))
		return
	}
	st.controls++
	s.tryDispatch(ctx, st)
}

// input returns the tensor at pos, store inputs are fetched on demand.
func (s *SwitchActor) input(st *switchState, pos int) (*device.Tensor, error) {
	key := s.inputs[pos].StoreKey
	if key == "" {
		return st.inputs[pos], nil
	}
	t, ok := s.env.Store.Fetch(key)
	if !ok {
		return nil, cerrors.ErrDeviceTensorStoreMissing.GenWithStackByArgs(s.name, key)
	}
	return t, nil
}

func (s *SwitchActor) fail(ctx context.Context, st *switchState, err error) {
	log.Warn("switch failed", zap.String("actor", s.name),
		zap.Uint64("sequentialNum", st.opCtx.SequentialNum), zap.Error(err))
	st.opCtx.SetFailed(err)
	s.abandon(ctx, st)
	delete(s.states, st.opCtx.SequentialNum)
}

// tryDispatch decodes the condition once it has arrived and dispatches
// when every input of the chosen branch is available.
func (s *SwitchActor) tryDispatch(ctx context.Context, st *switchState) {
	if st.controls < s.numControl {
		return
	}
	if st.branch == noBranch {
		cond, err := s.input(st, 0)
		if err != nil {
			s.fail(ctx, st, err)
			return
		}
		if cond == nil {
			return
		}
		branch, err := s.decodeCondition(cond)
		if err != nil {
			s.fail(ctx, st, err)
			return
		}
		st.branch = branch
	}

	positions := s.branchInputsPos[st.branch]
	args := make([]*device.Tensor, len(positions))
	for i, pos := range positions {
		t, err := s.input(st, pos)
		if err != nil {
			s.fail(ctx, st, err)
			return
		}
		if t == nil {
			return
		}
		args[i] = t
	}
	st.args = args
	s.dispatch(ctx, st)
}

func (s *SwitchActor) decodeCondition(cond *device.Tensor) (int, error) {
	host, err := cond.Context().CopyDeviceToHost(cond)
	if err != nil {
		return 0, errors.Trace(err)
	}
	if n := device.NumElements(host.Shape); n != 1 {
		return 0, cerrors.ErrSwitchCondition.GenWithStackByArgs(s.name,
			fmt.Sprintf("condition has %d elements", n))
	}
	if s.boolCond {
		if host.DType != dtypes.Bool {
			return 0, cerrors.ErrSwitchCondition.GenWithStackByArgs(s.name,
				"condition of a bool switch must be bool, got "+host.DType.String())
		}
		v, err := device.Values[bool](host)
		if err != nil {
			return 0, errors.Trace(err)
		}
		if v[0] {
			return 1, nil
		}
		return 0, nil
	}

	var idx int64
	switch host.DType {
	case dtypes.Int8:
		idx, err = scalar[int8](host)
	case dtypes.Int16:
		idx, err = scalar[int16](host)
	case dtypes.Int32:
		idx, err = scalar[int32](host)
	case dtypes.Int64:
		idx, err = scalar[int64](host)
	case dtypes.Uint8:
		idx, err = scalar[uint8](host)
	case dtypes.Uint16:
		idx, err = scalar[uint16](host)
	case dtypes.Uint32:
		idx, err = scalar[uint32](host)
	case dtypes.Uint64:
		v, err := scalarUint64(host)
		if err != nil {
			return 0, errors.Trace(err)
		}
		if v >= uint64(len(s.branchInputsPos)) {
			return 0, cerrors.ErrSwitchIndexOutOfRange.GenWithStackByArgs(s.name, v, len(s.branchInputsPos))
		}
		idx = int64(v)
	default:
		return 0, cerrors.ErrSwitchCondition.GenWithStackByArgs(s.name,
			"condition of an index switch must be an integer, got "+host.DType.String())
	}
	if err != nil {
		return 0, errors.Trace(err)
	}
	if idx < 0 || idx >= int64(len(s.branchInputsPos)) {
		return 0, cerrors.ErrSwitchIndexOutOfRange.GenWithStackByArgs(s.name, idx, len(s.branchInputsPos))
	}
	return int(idx), nil
}

func scalar[T int8 | int16 | int32 | int64 | uint8 | uint16 | uint32](h *device.HostTensor) (int64, error) {
	v, err := device.Values[T](h)
	if err != nil {
		return 0, err
	}
	return int64(v[0]), nil
}

func scalarUint64(h *device.HostTensor) (uint64, error) {
	v, err := device.Values[uint64](h)
	if err != nil {
		return 0, err
	}
	return v[0], nil
}

// dispatch adds the references of the branch targets, frees every received
// input and sends the chosen branch.
func (s *SwitchActor) dispatch(ctx context.Context, st *switchState) {
	b := st.branch
	targets := make([]int32, len(st.args))
	for _, arrow := range s.branchDataArrows[b] {
		targets[arrow.FromIndex]++
	}
	for i, t := range st.args {
		if targets[i] == 0 || t.IsPersistent() {
			continue
		}
		t.IncreaseRefCount(targets[i])
		for j := int32(0); j < targets[i]; j++ {
			st.forwarded = append(st.forwarded, t)
		}
	}

	frees := make([]*device.Tensor, 0, st.received)
	for _, t := range st.inputs {
		if t != nil {
			frees = append(frees, t)
		}
	}
	st.phase = switchFreeing
	if s.env.FreeMemory(ctx, frees, nil, st.opCtx, s.id, s.name) {
		return
	}
	s.sendBranch(ctx, st)
}

func (s *SwitchActor) onFreeDone(ctx context.Context, opCtx *OpContext) {
	st, ok := s.states[opCtx.SequentialNum]
	if !ok || st.phase != switchFreeing {
		return
	}
	s.sendBranch(ctx, st)
}

func (s *SwitchActor) sendBranch(ctx context.Context, st *switchState) {
	opCtx := st.opCtx
	b := st.branch
	st.phase = switchDispatched
	st.forwarded = nil

	s.env.trace(s.name, opCtx.SequentialNum, TraceDispatch, strconv.Itoa(b))
	switchDispatchCounter.WithLabelValues(strconv.Itoa(b)).Inc()
	opCtx.AddSinks(s.branchSinks[b])
	s.env.sendData(ctx, opCtx, s.name, s.branchDataArrows[b], st.args)
	s.env.sendControl(ctx, opCtx, s.name, s.id, s.branchControlArrows[b])
	opCtx.SinkDone()
	s.tryErase(st)
}

// tryErase drops the state once every data input is accounted for.
func (s *SwitchActor) tryErase(st *switchState) {
	if st.phase == switchDispatched && st.received == s.numData {
		delete(s.states, st.opCtx.SequentialNum)
	}
}

// abandon releases every reference the state still holds.
func (s *SwitchActor) abandon(ctx context.Context, st *switchState) {
	var frees []*device.Tensor
	switch st.phase {
	case switchCollecting:
		for _, t := range st.inputs {
			if t != nil {
				frees = append(frees, t)
			}
		}
	case switchFreeing:
		frees = st.forwarded
	}
	st.forwarded = nil
	st.phase = switchDispatched
	s.env.releaseNow(ctx, frees)
}

func (s *SwitchActor) retire(ctx context.Context, watermark uint64) {
	if watermark <= s.retired {
		return
	}
	s.retired = watermark
	for seq, st := range s.states {
		if seq < watermark {
			s.abandon(ctx, st)
			delete(s.states, seq)
		}
	}
}
