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

package device

import (
	"fmt"

	"github.com/gomlx/gopjrt/dtypes"
	"go.uber.org/atomic"
)

// DefaultFormat is the memory layout of tensors created without a format.
const DefaultFormat = "DefaultFormat"

// Address is the memory block of a tensor handed to a kernel launch.
// It is valid only during one launch.
type Address struct {
	Addr []byte
	Size int
}

// Tensor is a handle to a block of device memory with shape and type
// metadata. The memory is allocated and released by its device context,
// actors only hold references to it.
type Tensor struct {
	name   string
	ptr    []byte
	size   int
	dtype  dtypes.DType
	shape  []int
	format string
	ctx    Context

	refCount   atomic.Int32
	persistent bool
}

// NewTensor creates a tensor without memory on the given device context.
func NewTensor(name string, dtype dtypes.DType, shape []int, ctx Context) *Tensor {
	return &Tensor{
		name:   name,
		size:   NumElements(shape) * int(dtype.Memory()),
		dtype:  dtype,
		shape:  append([]int(nil), shape...),
		format: DefaultFormat,
		ctx:    ctx,
	}
}

// NumElements returns the number of elements of a shape. A scalar has one.
func NumElements(shape []int) int {
	n := 1
	for _, dim := range shape {
		n *= dim
	}
	return n
}

// Name returns the name of the tensor, it's only used in logs.
func (t *Tensor) Name() string { return t.name }

// Size returns the size of the tensor in bytes.
func (t *Tensor) Size() int { return t.size }

// DType returns the element type of the tensor.
func (t *Tensor) DType() dtypes.DType { return t.dtype }

// Shape returns the shape of the tensor. It must not be modified.
func (t *Tensor) Shape() []int { return t.shape }

// Format returns the memory layout of the tensor.
func (t *Tensor) Format() string { return t.format }

// Context returns the device context the tensor belongs to.
func (t *Tensor) Context() Context { return t.ctx }

// Ptr returns the memory of the tensor, nil if it's not allocated.
func (t *Tensor) Ptr() []byte { return t.ptr }

// SetPtr is called by device contexts only.
func (t *Tensor) SetPtr(ptr []byte) { t.ptr = ptr }

// IsAllocated returns true if the tensor has memory.
func (t *Tensor) IsAllocated() bool { return t.ptr != nil }

// Address returns the launch address of the tensor.
func (t *Tensor) Address() *Address {
	return &Address{Addr: t.ptr, Size: t.size}
}

// RefCount returns the number of holders of the tensor.
func (t *Tensor) RefCount() int32 { return t.refCount.Load() }

// SetRefCount sets the number of holders, it must be called before the
// tensor is shared.
func (t *Tensor) SetRefCount(n int32) { t.refCount.Store(n) }

// IncreaseRefCount adds n holders to the tensor.
func (t *Tensor) IncreaseRefCount(n int32) { t.refCount.Add(n) }

// DecreaseRefCount drops one holder and returns the remaining holders.
// A negative result means the tensor is released more times than it is held.
func (t *Tensor) DecreaseRefCount() int32 {
	return t.refCount.Dec()
}

// IsPersistent returns true if the tensor is owned by a device tensor
// store. Persistent tensors are never released by actors.
func (t *Tensor) IsPersistent() bool { return t.persistent }

// SetPersistent marks the tensor as owned by a device tensor store.
func (t *Tensor) SetPersistent() { t.persistent = true }

func (t *Tensor) String() string {
	return fmt.Sprintf("%s(%s%v, %d bytes, ref %d)",
		t.name, t.dtype, t.shape, t.size, t.RefCount())
}
