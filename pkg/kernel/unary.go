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
	"fmt"
	"strconv"
	"strings"

	cerrors "github.com/flowrt/flowrt/pkg/errors"
	"github.com/gomlx/gopjrt/dtypes"
)

// identityKernel copies its input to its output.
type identityKernel struct {
	base
}

func newIdentity(name string, inputs []TensorSpec, _ map[string]string) (Kernel, error) {
	if len(inputs) != 1 {
		return nil, cerrors.ErrInputMismatch.GenWithStackByArgs(
			name, fmt.Sprintf("Identity expects 1 input, got %d", len(inputs)))
	}
	return &identityKernel{base: base{
		name:    name,
		tp:      "Identity",
		outputs: []TensorSpec{{DType: inputs[0].DType, Shape: inputs[0].Shape}},
	}}, nil
}

func (k *identityKernel) Launch(inputs, _, outputs []*Address) error {
	if err := checkArity(k.name, inputs, outputs, 1); err != nil {
		return err
	}
	if inputs[0].Size != outputs[0].Size {
		return launchError(k.name, "input size %d, output size %d", inputs[0].Size, outputs[0].Size)
	}
	copy(outputs[0].Addr, inputs[0].Addr)
	return nil
}

// reduceSumKernel sums all elements of its input into a scalar. The
// partial sum is kept in a workspace.
type reduceSumKernel struct {
	base
	dtype dtypes.DType
}

func newReduceSum(name string, inputs []TensorSpec, _ map[string]string) (Kernel, error) {
	if len(inputs) != 1 {
		return nil, cerrors.ErrInputMismatch.GenWithStackByArgs(
			name, fmt.Sprintf("ReduceSum expects 1 input, got %d", len(inputs)))
	}
	dtype := inputs[0].DType
	if !isNumber(dtype) {
		return nil, cerrors.ErrInputMismatch.GenWithStackByArgs(
			name, fmt.Sprintf("dtype %s is not supported by ReduceSum", dtype))
	}
	return &reduceSumKernel{
		base: base{
			name:       name,
			tp:         "ReduceSum",
			outputs:    []TensorSpec{{DType: dtype}},
			workspaces: []int{int(dtype.Memory())},
		},
		dtype: dtype,
	}, nil
}

func (k *reduceSumKernel) Launch(inputs, workspaces, outputs []*Address) error {
	if err := checkArity(k.name, inputs, outputs, 1); err != nil {
		return err
	}
	if len(workspaces) != 1 {
		return launchError(k.name, "expect 1 workspace, got %d", len(workspaces))
	}
	switch k.dtype {
	case dtypes.Float32:
		reduceSum[float32](inputs[0], workspaces[0], outputs[0])
	case dtypes.Float64:
		reduceSum[float64](inputs[0], workspaces[0], outputs[0])
	case dtypes.Int8:
		reduceSum[int8](inputs[0], workspaces[0], outputs[0])
	case dtypes.Int16:
		reduceSum[int16](inputs[0], workspaces[0], outputs[0])
	case dtypes.Int32:
		reduceSum[int32](inputs[0], workspaces[0], outputs[0])
	case dtypes.Int64:
		reduceSum[int64](inputs[0], workspaces[0], outputs[0])
	case dtypes.Uint8:
		reduceSum[uint8](inputs[0], workspaces[0], outputs[0])
	case dtypes.Uint16:
		reduceSum[uint16](inputs[0], workspaces[0], outputs[0])
	case dtypes.Uint32:
		reduceSum[uint32](inputs[0], workspaces[0], outputs[0])
	case dtypes.Uint64:
		reduceSum[uint64](inputs[0], workspaces[0], outputs[0])
	default:
		return launchError(k.name, "dtype %s is not supported", k.dtype)
	}
	return nil
}

func reduceSum[T number](input, workspace, output *Address) {
	acc := asSlice[T](workspace.Addr)
	acc[0] = 0
	for _, v := range asSlice[T](input.Addr) {
		acc[0] += v
	}
	asSlice[T](output.Addr)[0] = acc[0]
}

// fillKernel has no input, it writes a constant value to its output.
type fillKernel struct {
	base
	dtype dtypes.DType
	value float64
}

// newFill accepts the attributes "dtype" (default Float32), "shape" as a
// comma separated list of dims (default scalar) and "value" (default 0).
func newFill(name string, inputs []TensorSpec, attrs map[string]string) (Kernel, error) {
	if len(inputs) != 0 {
		return nil, cerrors.ErrInputMismatch.GenWithStackByArgs(
			name, fmt.Sprintf("Fill expects no input, got %d", len(inputs)))
	}
	dtype := dtypes.Float32
	if s, ok := attrs["dtype"]; ok {
		var err error
		dtype, err = dtypes.DTypeString(s)
		if err != nil || !isNumber(dtype) {
			return nil, cerrors.ErrKernelAttr.GenWithStackByArgs(name, "dtype "+s)
		}
	}
	shape, err := ParseShape(attrs["shape"])
	if err != nil {
		return nil, cerrors.ErrKernelAttr.GenWithStackByArgs(name, "shape "+attrs["shape"])
	}
	value := 0.0
	if s, ok := attrs["value"]; ok {
		value, err = strconv.ParseFloat(s, 64)
		if err != nil {
			return nil, cerrors.ErrKernelAttr.GenWithStackByArgs(name, "value "+s)
		}
	}
	return &fillKernel{
		base: base{
			name:    name,
			tp:      "Fill",
			outputs: []TensorSpec{{DType: dtype, Shape: shape}},
		},
		dtype: dtype,
		value: value,
	}, nil
}

// ParseShape parses a comma separated list of dims, an empty string is a
// scalar.
func ParseShape(s string) ([]int, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return nil, nil
	}
	parts := strings.Split(s, ",")
	shape := make([]int, 0, len(parts))
	for _, part := range parts {
		dim, err := strconv.Atoi(strings.TrimSpace(part))
		if err != nil || dim < 0 {
			return nil, cerrors.ErrInputMismatch.GenWithStackByArgs(s, "invalid shape")
		}
		shape = append(shape, dim)
	}
	return shape, nil
}

func (k *fillKernel) Launch(inputs, _, outputs []*Address) error {
	if err := checkArity(k.name, inputs, outputs, 0); err != nil {
		return err
	}
	switch k.dtype {
	case dtypes.Float32:
		fill(outputs[0], float32(k.value))
	case dtypes.Float64:
		fill(outputs[0], k.value)
	case dtypes.Int8:
		fill(outputs[0], int8(k.value))
	case dtypes.Int16:
		fill(outputs[0], int16(k.value))
	case dtypes.Int32:
		fill(outputs[0], int32(k.value))
	case dtypes.Int64:
		fill(outputs[0], int64(k.value))
	case dtypes.Uint8:
		fill(outputs[0], uint8(k.value))
	case dtypes.Uint16:
		fill(outputs[0], uint16(k.value))
	case dtypes.Uint32:
		fill(outputs[0], uint32(k.value))
	case dtypes.Uint64:
		fill(outputs[0], uint64(k.value))
	default:
		return launchError(k.name, "dtype %s is not supported", k.dtype)
	}
	return nil
}

func fill[T number](output *Address, v T) {
	out := asSlice[T](output.Addr)
	for i := range out {
		out[i] = v
	}
}
