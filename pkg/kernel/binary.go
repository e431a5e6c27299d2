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
	"unsafe"

	cerrors "github.com/flowrt/flowrt/pkg/errors"
	"github.com/flowrt/flowrt/pkg/device"
	"github.com/gomlx/gopjrt/dtypes"
)

type number interface {
	~int8 | ~int16 | ~int32 | ~int64 |
		~uint8 | ~uint16 | ~uint32 | ~uint64 |
		~float32 | ~float64
}

// asSlice views a memory block as a slice of T.
func asSlice[T any](b []byte) []T {
	var zero T
	n := len(b) / int(unsafe.Sizeof(zero))
	if n == 0 {
		return nil
	}
	return unsafe.Slice((*T)(unsafe.Pointer(unsafe.SliceData(b))), n)
}

// at reads element i, a single element input is broadcast.
func at[T any](s []T, i int) T {
	if len(s) == 1 {
		return s[0]
	}
	return s[i]
}

func launchError(name, format string, args ...any) error {
	return cerrors.ErrLaunchKernel.GenWithStackByArgs(name + ": " + fmt.Sprintf(format, args...))
}

func checkArity(name string, inputs, outputs []*Address, numInputs int) error {
	if len(inputs) != numInputs || len(outputs) != 1 {
		return launchError(name, "expect %d inputs and 1 output, got %d inputs and %d outputs",
			numInputs, len(inputs), len(outputs))
	}
	return nil
}

type binaryOp string

const (
	opAdd     binaryOp = "Add"
	opSub     binaryOp = "Sub"
	opMul     binaryOp = "Mul"
	opDiv     binaryOp = "Div"
	opMaximum binaryOp = "Maximum"
	opMinimum binaryOp = "Minimum"
	opLess    binaryOp = "Less"
	opGreater binaryOp = "Greater"
	opEqual   binaryOp = "Equal"
)

func (op binaryOp) isCompare() bool {
	return op == opLess || op == opGreater || op == opEqual
}

// binaryKernel is an elementwise kernel of two inputs. An input with a
// single element is broadcast to the shape of the other one.
type binaryKernel struct {
	base
	op    binaryOp
	dtype dtypes.DType
}

func newBinaryCreator(op binaryOp) Creator {
	return func(name string, inputs []TensorSpec, _ map[string]string) (Kernel, error) {
		if len(inputs) != 2 {
			return nil, cerrors.ErrInputMismatch.GenWithStackByArgs(
				name, fmt.Sprintf("%s expects 2 inputs, got %d", op, len(inputs)))
		}
		a, b := inputs[0], inputs[1]
		if a.DType != b.DType {
			return nil, cerrors.ErrInputMismatch.GenWithStackByArgs(
				name, fmt.Sprintf("dtype %s and %s", a.DType, b.DType))
		}
		if !isNumber(a.DType) {
			return nil, cerrors.ErrInputMismatch.GenWithStackByArgs(
				name, fmt.Sprintf("dtype %s is not supported by %s", a.DType, op))
		}
		na, nb := device.NumElements(a.Shape), device.NumElements(b.Shape)
		shape := a.Shape
		switch {
		case na == nb:
		case na == 1:
			shape = b.Shape
		case nb == 1:
		default:
			return nil, cerrors.ErrInputMismatch.GenWithStackByArgs(
				name, fmt.Sprintf("shape %v and %v", a.Shape, b.Shape))
		}
		outDType := a.DType
		if op.isCompare() {
			outDType = dtypes.Bool
		}
		return &binaryKernel{
			base: base{
				name:    name,
				tp:      string(op),
				outputs: []TensorSpec{{DType: outDType, Shape: append([]int(nil), shape...)}},
			},
			op:    op,
			dtype: a.DType,
		}, nil
	}
}

func (k *binaryKernel) Launch(inputs, _, outputs []*Address) error {
	if err := checkArity(k.name, inputs, outputs, 2); err != nil {
		return err
	}
	switch k.dtype {
	case dtypes.Float32:
		return launchBinary[float32](k, inputs, outputs)
	case dtypes.Float64:
		return launchBinary[float64](k, inputs, outputs)
	case dtypes.Int8:
		return launchBinary[int8](k, inputs, outputs)
	case dtypes.Int16:
		return launchBinary[int16](k, inputs, outputs)
	case dtypes.Int32:
		return launchBinary[int32](k, inputs, outputs)
	case dtypes.Int64:
		return launchBinary[int64](k, inputs, outputs)
	case dtypes.Uint8:
		return launchBinary[uint8](k, inputs, outputs)
	case dtypes.Uint16:
		return launchBinary[uint16](k, inputs, outputs)
	case dtypes.Uint32:
		return launchBinary[uint32](k, inputs, outputs)
	case dtypes.Uint64:
		return launchBinary[uint64](k, inputs, outputs)
	}
	return launchError(k.name, "dtype %s is not supported", k.dtype)
}

func launchBinary[T number](k *binaryKernel, inputs, outputs []*Address) error {
	a, b := asSlice[T](inputs[0].Addr), asSlice[T](inputs[1].Addr)
	if k.op.isCompare() {
		out := asSlice[bool](outputs[0].Addr)
		if err := checkBroadcast(k.name, len(a), len(b), len(out)); err != nil {
			return err
		}
		var cmp func(x, y T) bool
		switch k.op {
		case opLess:
			cmp = func(x, y T) bool { return x < y }
		case opGreater:
			cmp = func(x, y T) bool { return x > y }
		default:
			cmp = func(x, y T) bool { return x == y }
		}
		for i := range out {
			out[i] = cmp(at(a, i), at(b, i))
		}
		return nil
	}

	out := asSlice[T](outputs[0].Addr)
	if err := checkBroadcast(k.name, len(a), len(b), len(out)); err != nil {
		return err
	}
	var fn func(x, y T) T
	switch k.op {
	case opAdd:
		fn = func(x, y T) T { return x + y }
	case opSub:
		fn = func(x, y T) T { return x - y }
	case opMul:
		fn = func(x, y T) T { return x * y }
	case opMaximum:
		fn = func(x, y T) T { return max(x, y) }
	case opMinimum:
		fn = func(x, y T) T { return min(x, y) }
	case opDiv:
		var zero T
		for i := range out {
			y := at(b, i)
			if y == zero && !isFloat[T]() {
				return launchError(k.name, "integer division by zero at %d", i)
			}
			out[i] = at(a, i) / y
		}
		return nil
	default:
		return launchError(k.name, "unknown op %s", k.op)
	}
	for i := range out {
		out[i] = fn(at(a, i), at(b, i))
	}
	return nil
}

func checkBroadcast(name string, na, nb, nout int) error {
	if (na != nout && na != 1) || (nb != nout && nb != 1) {
		return launchError(name, "input sizes %d and %d do not match output size %d", na, nb, nout)
	}
	return nil
}

func isFloat[T number]() bool {
	var zero T
	switch any(zero).(type) {
	case float32, float64:
		return true
	}
	return false
}

func isNumber(dtype dtypes.DType) bool {
	switch dtype {
	case dtypes.Float32, dtypes.Float64,
		dtypes.Int8, dtypes.Int16, dtypes.Int32, dtypes.Int64,
		dtypes.Uint8, dtypes.Uint16, dtypes.Uint32, dtypes.Uint64:
		return true
	}
	return false
}
