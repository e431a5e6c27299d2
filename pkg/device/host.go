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
	"unsafe"

	cerrors "github.com/flowrt/flowrt/pkg/errors"
	"github.com/gomlx/gopjrt/dtypes"
	"github.com/pingcap/errors"
)

// HostTensor is a tensor in host memory, it's the input and output of an
// iteration.
type HostTensor struct {
	DType dtypes.DType
	Shape []int
	// Data is the flat little-endian content of the tensor.
	Data []byte
}

// NewHostTensor creates a zero-filled host tensor.
func NewHostTensor(dtype dtypes.DType, shape []int) *HostTensor {
	return &HostTensor{
		DType: dtype,
		Shape: append([]int(nil), shape...),
		Data:  make([]byte, NumElements(shape)*int(dtype.Memory())),
	}
}

// FromValues creates a host tensor holding a copy of values.
func FromValues[T dtypes.Supported](shape []int, values []T) (*HostTensor, error) {
	dtype := dtypes.FromGenericsType[T]()
	if NumElements(shape) != len(values) {
		return nil, cerrors.ErrInputMismatch.GenWithStackByArgs(
			dtype.String(), "shape does not match the number of values")
	}
	h := NewHostTensor(dtype, shape)
	if len(values) > 0 {
		src := unsafe.Slice((*byte)(unsafe.Pointer(unsafe.SliceData(values))), len(h.Data))
		copy(h.Data, src)
	}
	return h, nil
}

// Values returns a copy of the content of a host tensor.
func Values[T dtypes.Supported](h *HostTensor) ([]T, error) {
	dtype := dtypes.FromGenericsType[T]()
	if h.DType != dtype {
		return nil, errors.Trace(cerrors.ErrInputMismatch.GenWithStackByArgs(
			h.DType.String(), "requested as "+dtype.String()))
	}
	values := make([]T, NumElements(h.Shape))
	if len(values) > 0 {
		dst := unsafe.Slice((*byte)(unsafe.Pointer(unsafe.SliceData(values))), len(h.Data))
		copy(dst, h.Data)
	}
	return values, nil
}

// Size returns the size of the tensor in bytes.
func (h *HostTensor) Size() int {
	return len(h.Data)
}
