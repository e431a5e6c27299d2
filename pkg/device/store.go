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
	"sort"
	"sync"

	cerrors "github.com/flowrt/flowrt/pkg/errors"
	"github.com/pingcap/errors"
)

// Store holds the persistent tensors shared by all iterations, such as
// weights and constants. Its content is read-only while iterations run and
// is only updated between them.
type Store struct {
	mu      sync.RWMutex
	tensors map[string]*Tensor
}

// NewStore creates an empty device tensor store.
func NewStore() *Store {
	return &Store{tensors: make(map[string]*Tensor)}
}

// Insert allocates a persistent tensor for key on ctx and fills it with host.
func (s *Store) Insert(key string, host *HostTensor, ctx Context) (*Tensor, error) {
	t := NewTensor(key, host.DType, host.Shape, ctx)
	t.SetPersistent()
	if err := ctx.AllocateMemory(t); err != nil {
		return nil, errors.Trace(err)
	}
	if err := ctx.CopyHostToDevice(t, host); err != nil {
		ctx.FreeMemory(t)
		return nil, errors.Trace(err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if old, ok := s.tensors[key]; ok {
		old.Context().FreeMemory(old)
	}
	s.tensors[key] = t
	return t, nil
}

// Fetch returns the tensor of key.
func (s *Store) Fetch(key string) (*Tensor, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	t, ok := s.tensors[key]
	return t, ok
}

// Update overwrites the content of the tensor of key. It must not be called
// while iterations are running.
func (s *Store) Update(key string, host *HostTensor) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.tensors[key]
	if !ok {
		return cerrors.ErrDeviceTensorStoreMissing.GenWithStackByArgs("update", key)
	}
	return errors.Trace(t.Context().CopyHostToDevice(t, host))
}

// Keys returns the sorted keys of the store.
func (s *Store) Keys() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	keys := make([]string, 0, len(s.tensors))
	for key := range s.tensors {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	return keys
}

// Clear releases all tensors of the store.
func (s *Store) Clear() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for key, t := range s.tensors {
		t.Context().FreeMemory(t)
		delete(s.tensors, key)
	}
}
