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

package kernel

import (
	"github.com/flowrt/flowrt/pkg/device"
	"github.com/gomlx/gopjrt/dtypes"
)

// Address is the memory block of one kernel argument.
type Address = device.Address

// TensorSpec describes a tensor without memory.
type TensorSpec struct {
	DType dtypes.DType
	Shape []int
}

// Size returns the size in bytes of a tensor of the spec.
func (s TensorSpec) Size() int {
	return device.NumElements(s.Shape) * int(s.DType.Memory())
}

// Kernel is an opaque compute unit. The runtime only knows the tensors it
// reads and writes.
type Kernel interface {
	device.Launcher

	// Name is the unique name of the kernel in its graph.
	Name() string
	// Type is the registered type of the kernel.
	Type() string
	// OutputSpecs returns the tensors written by each launch.
	OutputSpecs() []TensorSpec
	// WorkspaceSizes returns the sizes of the scratch buffers of each launch.
	WorkspaceSizes() []int
}

// LaunchInfo is the set of addresses of one launch.
type LaunchInfo struct {
	Inputs     []*Address
	Workspaces []*Address
	Outputs    []*Address
}

// NewLaunchInfo fills a launch info from the current tensors.
func NewLaunchInfo(inputs, workspaces, outputs []*device.Tensor) *LaunchInfo {
	return &LaunchInfo{
		Inputs:     addresses(inputs),
		Workspaces: addresses(workspaces),
		Outputs:    addresses(outputs),
	}
}

func addresses(tensors []*device.Tensor) []*Address {
	addrs := make([]*Address, len(tensors))
	for i, t := range tensors {
		addrs[i] = t.Address()
	}
	return addrs
}

// Launch launches k with the addresses of info on ctx.
func Launch(ctx device.Context, k Kernel, info *LaunchInfo) error {
	return ctx.LaunchKernel(k, info.Inputs, info.Workspaces, info.Outputs)
}

type base struct {
	name       string
	tp         string
	outputs    []TensorSpec
	workspaces []int
}

func (b *base) Name() string              { return b.name }
func (b *base) Type() string              { return b.tp }
func (b *base) OutputSpecs() []TensorSpec { return b.outputs }
func (b *base) WorkspaceSizes() []int     { return b.workspaces }
