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
	pactor "github.com/flowrt/flowrt/pkg/actor"
	"github.com/flowrt/flowrt/pkg/device"
	"github.com/flowrt/flowrt/pkg/kernel"
)

// Msg is a message exchanged between the actors of an actor set.
type Msg interface {
	isMsg()
}

// OpData carries a tensor to the input Index of actor To. The sender does
// not own the tensor after sending, the receiver holds a reference until it
// asks the memory manager to free it.
type OpData struct {
	Ctx    *OpContext
	To     pactor.ID
	Index  int
	Tensor *device.Tensor
}

// OpControl is a readiness signal from actor From to actor To.
type OpControl struct {
	Ctx  *OpContext
	To   pactor.ID
	From pactor.ID
	// Inputs optionally replace the inputs of a kernel by position. They
	// are owned by the sender and never freed by the receiver.
	Inputs []*device.Tensor
}

// AllocRequest asks the memory manager to allocate Tensors on Device.
type AllocRequest struct {
	Ctx     *OpContext
	From    pactor.ID
	Name    string
	Tensors []*device.Tensor
	Device  device.Context
}

// AllocDone tells the requester its tensors are allocated.
type AllocDone struct {
	Ctx *OpContext
}

// FreeRequest releases one reference of each of Tensors. The memory manager
// acknowledges it with FreeDone if Ack is set.
type FreeRequest struct {
	Ctx     *OpContext
	From    pactor.ID
	Tensors []*device.Tensor
	Device  device.Context
	Ack     bool
}

// FreeDone tells the requester its free request is completed.
type FreeDone struct {
	Ctx *OpContext
}

// DebugRequest asks the debug actor to run the debug hook on a launch.
type DebugRequest struct {
	Ctx    *OpContext
	From   pactor.ID
	Kernel kernel.Kernel
	Info   *kernel.LaunchInfo
}

// DebugDone resumes the kernel actor suspended by a DebugRequest.
type DebugDone struct {
	Ctx *OpContext
}

// Seed starts an iteration with its host inputs.
type Seed struct {
	Ctx    *OpContext
	Inputs []*device.HostTensor
}

// RecordRequest hands a launch record to the recorder.
type RecordRequest struct {
	Record Record
}

// Flush is a barrier. An actor calls Ack once it has handled every message
// queued before the flush and the work those messages started.
type Flush struct {
	Ack func()
}

// Retire tells actors that every iteration below Watermark is finished, the
// state left for them is garbage.
type Retire struct {
	Watermark uint64
}

func (*OpData) isMsg()        {}
func (*OpControl) isMsg()     {}
func (*AllocRequest) isMsg()  {}
func (*AllocDone) isMsg()     {}
func (*FreeRequest) isMsg()   {}
func (*FreeDone) isMsg()      {}
func (*DebugRequest) isMsg()  {}
func (*DebugDone) isMsg()     {}
func (*Seed) isMsg()          {}
func (*RecordRequest) isMsg() {}
func (*Flush) isMsg()         {}
func (*Retire) isMsg()        {}
