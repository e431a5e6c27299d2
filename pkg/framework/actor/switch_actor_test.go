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
	"testing"

	pactor "github.com/flowrt/flowrt/pkg/actor"
	"github.com/flowrt/flowrt/pkg/device"
	cerrors "github.com/flowrt/flowrt/pkg/errors"
	"github.com/stretchr/testify/require"
)

// switchFixture is a switch with a condition at position 0, a common input
// at position 1 and one more input per branch. Branch b sends its two
// arguments to kernel b, whose result is the only graph output.
type switchFixture struct {
	*harness
	id      pactor.ID
	sw      *SwitchActor
	kernels []*sumKernel
}

func newSwitchFixture(t *testing.T, boolCond bool, numBranches int, policy FreePolicy) *switchFixture {
	h := newHarness(t, 1, policy)
	f := &switchFixture{harness: h, id: h.allocID()}
	positions := make([][]int, numBranches)
	for b := range positions {
		positions[b] = []int{1, 2 + b}
	}
	f.sw = NewSwitchActor(f.id, "switch", h.env, boolCond, dataInputs(2+numBranches), positions)
	require.Equal(t, numBranches, f.sw.NumBranches())
	for b := 0; b < numBranches; b++ {
		k := &sumKernel{name: "branch"}
		kid := h.allocID()
		a := NewKernelActor(kid, k, h.dev, h.env, dataInputs(2))
		a.AddResultArrow(ResultArrow{FromIndex: 0, Slot: 0})
		h.spawn(kid, a)
		f.sw.AddBranchDataArrow(b, DataArrow{FromIndex: 0, To: kid, ToIndex: 0})
		f.sw.AddBranchDataArrow(b, DataArrow{FromIndex: 1, To: kid, ToIndex: 1})
		f.kernels = append(f.kernels, k)
	}
	h.spawn(f.id, f.sw)
	return f
}

func (f *switchFixture) condition(opCtx *OpContext, host *device.HostTensor) {
	f.data(opCtx, f.id, 0, f.hostTensor("cond", host))
}

// inputs sends the common input and the input of every branch.
func (f *switchFixture) inputs(opCtx *OpContext) {
	f.data(opCtx, f.id, 1, f.tensor("common", 1))
	for b := range f.kernels {
		f.data(opCtx, f.id, 2+b, f.tensor("branch", float32(10*(b+1))))
	}
}

func mustHost[T interface{ bool | int8 | int32 | uint64 | float32 }](t *testing.T, v T) *device.HostTensor {
	h, err := device.FromValues([]int{1}, []T{v})
	require.Nil(t, err)
	return h
}

func TestSwitchActorBool(t *testing.T) {
	for _, cond := range []bool{false, true} {
		cond := cond
		f := newSwitchFixture(t, true, 2, FreeIssued)
		opCtx := NewOpContext(1, 2)
		// Inputs may arrive before the condition.
		f.inputs(opCtx)
		f.condition(opCtx, mustHost(t, cond))

		taken := 0
		if cond {
			taken = 1
		}
		outputs := waitSuccess(t, opCtx)
		require.Equal(t, []float32{1 + float32(10*(taken+1))}, float32s(t, outputs[0]))
		require.Equal(t, int32(1), f.kernels[taken].launches.Load())
		require.Equal(t, int32(0), f.kernels[1-taken].launches.Load())
		f.requireMemoryReleased()
	}
}

func TestSwitchActorIndex(t *testing.T) {
	f := newSwitchFixture(t, false, 3, FreeCompleted)
	opCtx := NewOpContext(1, 2)
	// The condition arrives first, the chosen branch is dispatched before
	// the inputs of the other branches arrive.
	f.condition(opCtx, mustHost(t, int32(2)))
	f.data(opCtx, f.id, 1, f.tensor("common", 1))
	f.data(opCtx, f.id, 4, f.tensor("branch", 30))
	outputs := waitSuccess(t, opCtx)
	require.Equal(t, []float32{31}, float32s(t, outputs[0]))

	f.data(opCtx, f.id, 2, f.tensor("late", 10))
	f.data(opCtx, f.id, 3, f.tensor("late", 20))
	f.requireMemoryReleased()
	require.Equal(t, int32(0), f.kernels[0].launches.Load())
	require.Equal(t, int32(0), f.kernels[1].launches.Load())
	require.Equal(t, int32(1), f.kernels[2].launches.Load())

	events := f.tracer.eventsOf("switch")
	var dispatches []string
	for _, e := range events {
		if e.Kind == TraceDispatch {
			dispatches = append(dispatches, e.Detail)
		}
	}
	require.Equal(t, []string{"2"}, dispatches)
}

func TestSwitchActorIndexOutOfRange(t *testing.T) {
	for _, host := range []*device.HostTensor{
		mustHost(t, int32(3)),
		mustHost(t, int8(-1)),
		mustHost(t, uint64(1<<63)),
	} {
		f := newSwitchFixture(t, false, 3, FreeIssued)
		opCtx := NewOpContext(1, 2)
		f.inputs(opCtx)
		f.condition(opCtx, host)
		err := waitFailure(t, opCtx)
		require.True(t, cerrors.ErrSwitchIndexOutOfRange.Equal(err), "%v", err)
		f.requireMemoryReleased()
		for _, k := range f.kernels {
			require.Equal(t, int32(0), k.launches.Load())
		}
	}
}

func TestSwitchActorBadCondition(t *testing.T) {
	cases := []struct {
		boolCond bool
		host     *device.HostTensor
	}{
		{boolCond: true, host: mustHost(t, int32(1))},
		{boolCond: false, host: mustHost(t, float32(1))},
		{boolCond: false, host: mustHost(t, true)},
	}
	for _, cs := range cases {
		f := newSwitchFixture(t, cs.boolCond, 2, FreeIssued)
		opCtx := NewOpContext(1, 2)
		f.condition(opCtx, cs.host)
		err := waitFailure(t, opCtx)
		require.True(t, cerrors.ErrSwitchCondition.Equal(err), "%v", err)
	}

	f := newSwitchFixture(t, true, 2, FreeIssued)
	host, err := device.FromValues([]int{2}, []bool{true, false})
	require.Nil(t, err)
	opCtx := NewOpContext(1, 2)
	f.condition(opCtx, host)
	err = waitFailure(t, opCtx)
	require.True(t, cerrors.ErrSwitchCondition.Equal(err), "%v", err)
}

func TestSwitchActorInputOverflow(t *testing.T) {
	f := newSwitchFixture(t, true, 2, FreeIssued)

	opCtx := NewOpContext(1, 2)
	f.data(opCtx, f.id, 4, f.tensor("overflow", 1))
	err := waitFailure(t, opCtx)
	require.True(t, cerrors.ErrSwitchInputOverflow.Equal(err), "%v", err)

	opCtx = NewOpContext(2, 2)
	f.data(opCtx, f.id, 1, f.tensor("common", 1))
	f.data(opCtx, f.id, 1, f.tensor("common", 1))
	err = waitFailure(t, opCtx)
	require.True(t, cerrors.ErrSwitchInputOverflow.Equal(err), "%v", err)

	f.send(f.id, &Retire{Watermark: 3})
	f.requireMemoryReleased()
}

func TestSwitchActorBranchSinks(t *testing.T) {
	h := newHarness(t, 0, FreeIssued)
	id := h.allocID()
	// The condition is the only input, both branches take no argument.
	sw := NewSwitchActor(id, "switch", h.env, true, dataInputs(1), [][]int{{}, {}})
	sinks := make([]*sumKernel, 2)
	for b := range sinks {
		sinks[b] = &sumKernel{name: "sink"}
		kid := h.allocID()
		a := NewKernelActor(kid, sinks[b], h.dev, h.env, nil)
		a.AddControlInput()
		h.spawn(kid, a)
		sw.AddBranchControlArrow(b, kid)
		sw.SetBranchSinks(b, 1)
	}
	h.spawn(id, sw)

	opCtx := NewOpContext(1, 1)
	h.data(opCtx, id, 0, h.hostTensor("cond", mustHost(t, true)))
	waitSuccess(t, opCtx)
	require.Equal(t, int32(0), sinks[0].launches.Load())
	require.Equal(t, int32(1), sinks[1].launches.Load())
	h.requireMemoryReleased()
}

func TestSwitchActorStoreInput(t *testing.T) {
	h := newHarness(t, 1, FreeIssued)
	host, err := device.FromValues([]int{1}, []float32{100})
	require.Nil(t, err)
	_, err = h.env.Store.Insert("w", host, h.dev)
	require.Nil(t, err)

	id := h.allocID()
	k := &sumKernel{name: "branch"}
	kid := h.allocID()
	a := NewKernelActor(kid, k, h.dev, h.env, dataInputs(2))
	a.AddResultArrow(ResultArrow{FromIndex: 0, Slot: 0})
	h.spawn(kid, a)

	// Position 1 is bound to the store and forwarded to branch 0.
	sw := NewSwitchActor(id, "switch", h.env, false,
		[]InputSource{{}, {StoreKey: "w"}, {}}, [][]int{{1, 2}})
	require.Equal(t, 2, sw.NumData())
	sw.AddBranchDataArrow(0, DataArrow{FromIndex: 0, To: kid, ToIndex: 0})
	sw.AddBranchDataArrow(0, DataArrow{FromIndex: 1, To: kid, ToIndex: 1})
	h.spawn(id, sw)

	opCtx := NewOpContext(1, 2)
	h.data(opCtx, id, 2, h.tensor("x", 1))
	h.data(opCtx, id, 0, h.hostTensor("cond", mustHost(t, uint64(0))))
	require.Equal(t, []float32{101}, float32s(t, waitSuccess(t, opCtx)[0]))
	require.Eventually(t, func() bool {
		return h.dev.MemoryInUse() == 4
	}, waitTimeout, waitTick)
}
