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
	"sort"
	"sync"

	cerrors "github.com/flowrt/flowrt/pkg/errors"
	"github.com/pingcap/errors"
)

// Creator creates a kernel from the specs of its inputs and its attributes.
type Creator func(name string, inputs []TensorSpec, attrs map[string]string) (Kernel, error)

// Registry maps kernel types to their creators.
type Registry struct {
	mu       sync.RWMutex
	creators map[string]Creator
}

// NewRegistry creates a registry with the builtin host kernels.
func NewRegistry() *Registry {
	r := &Registry{creators: make(map[string]Creator)}
	for _, op := range []binaryOp{
		opAdd, opSub, opMul, opDiv, opMaximum, opMinimum, opLess, opGreater, opEqual,
	} {
		r.Register(string(op), newBinaryCreator(op))
	}
	r.Register("Identity", newIdentity)
	r.Register("ReduceSum", newReduceSum)
	r.Register("Fill", newFill)
	return r
}

// Register registers a creator, it overrides the creator of the same type.
func (r *Registry) Register(tp string, creator Creator) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.creators[tp] = creator
}

// Create creates a kernel of type tp.
func (r *Registry) Create(
	tp, name string, inputs []TensorSpec, attrs map[string]string,
) (Kernel, error) {
	r.mu.RLock()
	creator, ok := r.creators[tp]
	r.mu.RUnlock()
	if !ok {
		return nil, cerrors.ErrKernelNotFound.GenWithStackByArgs(tp)
	}
	k, err := creator(name, inputs, attrs)
	if err != nil {
		return nil, errors.Trace(err)
	}
	return k, nil
}

// Types returns the sorted registered types.
func (r *Registry) Types() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	types := make([]string, 0, len(r.creators))
	for tp := range r.creators {
		types = append(types, tp)
	}
	sort.Strings(types)
	return types
}
