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

package graph

import (
	cerrors "github.com/flowrt/flowrt/pkg/errors"
	"github.com/flowrt/flowrt/pkg/device"
	"github.com/gomlx/gopjrt/dtypes"
	"github.com/pingcap/errors"
)

// SwitchKind is the kind of the condition of a switch.
type SwitchKind string

// kinds of Switch
const (
	// SwitchBool routes a boolean condition, false to branch 0 and true
	// to branch 1.
	SwitchBool SwitchKind = "bool"
	// SwitchIndex routes an integer condition k to branch k.
	SwitchIndex SwitchKind = "index"
)

// Graph is a static dataflow graph of kernels and switches.
type Graph struct {
	Name     string    `toml:"name" json:"name"`
	Inputs   []*Input  `toml:"inputs" json:"inputs"`
	Weights  []*Weight `toml:"weights" json:"weights"`
	Nodes    []*Node   `toml:"nodes" json:"nodes"`
	Switches []*Switch `toml:"switches" json:"switches"`
	Outputs  []*Output `toml:"outputs" json:"outputs"`

	validated bool
	order     []Vertex
	owners    map[string]BranchKey
}

// Input is a tensor fed by every iteration.
type Input struct {
	Name  string `toml:"name" json:"name"`
	DType string `toml:"dtype" json:"dtype"`
	Shape []int  `toml:"shape" json:"shape"`

	dtype dtypes.DType
}

// Weight is a tensor kept in the device tensor store across iterations.
type Weight struct {
	Name   string    `toml:"name" json:"name"`
	DType  string    `toml:"dtype" json:"dtype"`
	Shape  []int     `toml:"shape" json:"shape"`
	Values []float64 `toml:"values" json:"values"`

	dtype dtypes.DType
}

// Node is a kernel of the graph.
type Node struct {
	Name string `toml:"name" json:"name"`
	// Kernel is the registered kernel type.
	Kernel      string            `toml:"kernel" json:"kernel"`
	Inputs      []string          `toml:"inputs" json:"inputs"`
	ControlDeps []string          `toml:"control-deps" json:"control-deps"`
	Attrs       map[string]string `toml:"attrs" json:"attrs"`

	inputRefs   []Ref
	controlRefs []Ref
}

// Switch routes its inputs to one of its branches.
type Switch struct {
	Name      string     `toml:"name" json:"name"`
	Kind      SwitchKind `toml:"kind" json:"kind"`
	Condition string     `toml:"condition" json:"condition"`
	// Common are the inputs needed by every branch.
	Common   []string  `toml:"common" json:"common"`
	Branches []*Branch `toml:"branches" json:"branches"`

	condRef    Ref
	commonRefs []Ref
}

// Branch is one successor path of a switch.
type Branch struct {
	// Inputs are the inputs needed by this branch only.
	Inputs []string `toml:"inputs" json:"inputs"`

	inputRefs []Ref
}

// Output is a result of the graph. It lists alternative producers, one per
// branch, the first one that arrives is the result.
type Output struct {
	Name string   `toml:"name" json:"name"`
	Refs []string `toml:"refs" json:"refs"`

	refs []Ref
}

// VertexKind is the kind of a vertex.
type VertexKind int

// kinds of Vertex
const (
	VertexNode VertexKind = iota
	VertexSwitch
)

// Vertex is a node or a switch in topological order.
type Vertex struct {
	Kind VertexKind
	Name string
}

// BranchKey identifies a branch of a switch.
type BranchKey struct {
	Switch string
	Branch int
}

// ParsedDType returns the parsed dtype, valid after Validate.
func (i *Input) ParsedDType() dtypes.DType { return i.dtype }

// ParsedDType returns the parsed dtype, valid after Validate.
func (w *Weight) ParsedDType() dtypes.DType { return w.dtype }

// Host converts the values of the weight into a host tensor.
func (w *Weight) Host() (*device.HostTensor, error) {
	return ToHost(w.dtype, w.Shape, w.Values)
}

// InputRefs returns the parsed inputs, valid after Validate.
func (n *Node) InputRefs() []Ref { return n.inputRefs }

// ControlRefs returns the parsed control dependencies, valid after Validate.
func (n *Node) ControlRefs() []Ref { return n.controlRefs }

// ConditionRef returns the parsed condition, valid after Validate.
func (s *Switch) ConditionRef() Ref { return s.condRef }

// CommonRefs returns the parsed common inputs, valid after Validate.
func (s *Switch) CommonRefs() []Ref { return s.commonRefs }

// InputRefs returns the parsed branch inputs, valid after Validate.
func (b *Branch) InputRefs() []Ref { return b.inputRefs }

// ParsedRefs returns the parsed alternatives, valid after Validate.
func (o *Output) ParsedRefs() []Ref { return o.refs }

// NumArgs returns the number of arguments of branch b, common inputs first.
func (s *Switch) NumArgs(b int) int {
	return len(s.Common) + len(s.Branches[b].Inputs)
}

// Order returns the nodes and switches in topological order.
func (g *Graph) Order() []Vertex { return g.order }

// Owner returns the innermost branch a node or a switch belongs to.
func (g *Graph) Owner(name string) (BranchKey, bool) {
	key, ok := g.owners[name]
	return key, ok
}

// Node returns the node of name.
func (g *Graph) Node(name string) *Node {
	for _, n := range g.Nodes {
		if n.Name == name {
			return n
		}
	}
	return nil
}

// Switch returns the switch of name.
func (g *Graph) Switch(name string) *Switch {
	for _, s := range g.Switches {
		if s.Name == name {
			return s
		}
	}
	return nil
}

// ToHost converts float64 values into a host tensor of dtype. A bool
// element is true if its value is not zero.
func ToHost(dtype dtypes.DType, shape []int, values []float64) (*device.HostTensor, error) {
	var (
		h   *device.HostTensor
		err error
	)
	switch dtype {
	case dtypes.Float32:
		h, err = device.FromValues(shape, convert[float32](values))
	case dtypes.Float64:
		h, err = device.FromValues(shape, values)
	case dtypes.Int8:
		h, err = device.FromValues(shape, convert[int8](values))
	case dtypes.Int16:
		h, err = device.FromValues(shape, convert[int16](values))
	case dtypes.Int32:
		h, err = device.FromValues(shape, convert[int32](values))
	case dtypes.Int64:
		h, err = device.FromValues(shape, convert[int64](values))
	case dtypes.Uint8:
		h, err = device.FromValues(shape, convert[uint8](values))
	case dtypes.Uint16:
		h, err = device.FromValues(shape, convert[uint16](values))
	case dtypes.Uint32:
		h, err = device.FromValues(shape, convert[uint32](values))
	case dtypes.Uint64:
		h, err = device.FromValues(shape, convert[uint64](values))
	case dtypes.Bool:
		bools := make([]bool, len(values))
		for i, v := range values {
			bools[i] = v != 0
		}
		h, err = device.FromValues(shape, bools)
	default:
		return nil, cerrors.ErrInputMismatch.GenWithStackByArgs(dtype.String(), "unsupported dtype")
	}
	return h, errors.Trace(err)
}

type realNumber interface {
	~int8 | ~int16 | ~int32 | ~int64 |
		~uint8 | ~uint16 | ~uint32 | ~uint64 |
		~float32 | ~float64
}

func convert[T realNumber](values []float64) []T {
	out := make([]T, len(values))
	for i, v := range values {
		out[i] = T(v)
	}
	return out
}

// ParseDType parses a dtype name such as "Float32".
func ParseDType(s string) (dtypes.DType, error) {
	dtype, err := dtypes.DTypeString(s)
	if err != nil || dtype == dtypes.InvalidDType {
		return dtypes.InvalidDType, cerrors.ErrGraphInvalid.GenWithStackByArgs("unknown dtype " + s)
	}
	return dtype, nil
}

// FromHost converts a host tensor back into float64 values, it is the
// inverse of ToHost.
func FromHost(h *device.HostTensor) ([]float64, error) {
	switch h.DType {
	case dtypes.Float32:
		return widen(device.Values[float32](h))
	case dtypes.Float64:
		return device.Values[float64](h)
	case dtypes.Int8:
		return widen(device.Values[int8](h))
	case dtypes.Int16:
		return widen(device.Values[int16](h))
	case dtypes.Int32:
		return widen(device.Values[int32](h))
	case dtypes.Int64:
		return widen(device.Values[int64](h))
	case dtypes.Uint8:
		return widen(device.Values[uint8](h))
	case dtypes.Uint16:
		return widen(device.Values[uint16](h))
	case dtypes.Uint32:
		return widen(device.Values[uint32](h))
	case dtypes.Uint64:
		return widen(device.Values[uint64](h))
	case dtypes.Bool:
		bools, err := device.Values[bool](h)
		if err != nil {
			return nil, errors.Trace(err)
		}
		out := make([]float64, len(bools))
		for i, b := range bools {
			if b {
				out[i] = 1
			}
		}
		return out, nil
	}
	return nil, cerrors.ErrInputMismatch.GenWithStackByArgs(h.DType.String(), "unsupported dtype")
}

func widen[T realNumber](values []T, err error) ([]float64, error) {
	if err != nil {
		return nil, errors.Trace(err)
	}
	out := make([]float64, len(values))
	for i, v := range values {
		out[i] = float64(v)
	}
	return out, nil
}
