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
	"sync"
	"time"

	cerrors "github.com/flowrt/flowrt/pkg/errors"
	"github.com/pingcap/errors"
	"github.com/pingcap/log"
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"
)

// Launcher is a compute unit that can be launched on a device context.
type Launcher interface {
	Launch(inputs, workspaces, outputs []*Address) error
}

// Context allocates, releases and copies device memory, and launches
// compute units on the device.
type Context interface {
	Name() string
	// AllocateMemory allocates memory for a tensor that has none.
	AllocateMemory(t *Tensor) error
	// FreeMemory releases the memory of a tensor.
	FreeMemory(t *Tensor)
	CopyHostToDevice(dst *Tensor, src *HostTensor) error
	CopyDeviceToHost(src *Tensor) (*HostTensor, error)
	LaunchKernel(k Launcher, inputs, workspaces, outputs []*Address) error
}

// HostContext is a device context backed by host memory. It keeps
// released blocks in size buckets and reuses them for later allocations.
type HostContext struct {
	name     string
	capacity int

	mu      sync.Mutex
	used    int
	pooled  int
	buckets map[int][][]byte

	metricMemoryInUse  prometheus.Gauge
	metricMemoryPooled prometheus.Gauge
	metricLaunchTime   prometheus.Observer
}

var _ Context = (*HostContext)(nil)

// NewHostContext creates a host device context. capacity is the max bytes
// in use at the same time, no limit if it is not positive.
func NewHostContext(name string, capacity int) *HostContext {
	return &HostContext{
		name:     name,
		capacity: capacity,
		buckets:  make(map[int][][]byte),

		metricMemoryInUse:  memoryInUse.WithLabelValues(name),
		metricMemoryPooled: memoryPooled.WithLabelValues(name),
		metricLaunchTime:   kernelLaunchDuration.WithLabelValues(name),
	}
}

// Name implements Context.
func (c *HostContext) Name() string {
	return c.name
}

// AllocateMemory implements Context.
func (c *HostContext) AllocateMemory(t *Tensor) error {
	if t.IsAllocated() {
		return nil
	}
	size := t.Size()

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.capacity > 0 && c.used+size > c.capacity {
		return cerrors.ErrAllocateMemory.GenWithStackByArgs(t.Name(), size)
	}
	var block []byte
	if blocks := c.buckets[size]; len(blocks) > 0 {
		block = blocks[len(blocks)-1]
		c.buckets[size] = blocks[:len(blocks)-1]
		c.pooled -= size
		clear(block)
	} else {
		// A zero sized tensor still needs a non-nil block.
		block = make([]byte, size, max(size, 1))
	}
	c.used += size
	t.SetPtr(block)

	c.metricMemoryInUse.Set(float64(c.used))
	c.metricMemoryPooled.Set(float64(c.pooled))
	return nil
}

// FreeMemory implements Context.
func (c *HostContext) FreeMemory(t *Tensor) {
	block := t.Ptr()
	if block == nil {
		return
	}
	t.SetPtr(nil)

	c.mu.Lock()
	defer c.mu.Unlock()
	size := len(block)
	c.used -= size
	c.pooled += size
	c.buckets[size] = append(c.buckets[size], block)

	c.metricMemoryInUse.Set(float64(c.used))
	c.metricMemoryPooled.Set(float64(c.pooled))
}

// CopyHostToDevice implements Context.
func (c *HostContext) CopyHostToDevice(dst *Tensor, src *HostTensor) error {
	if !dst.IsAllocated() {
		return cerrors.ErrTensorCopy.GenWithStackByArgs(dst.Name() + " is not allocated")
	}
	if dst.DType() != src.DType || dst.Size() != src.Size() {
		return cerrors.ErrTensorCopy.GenWithStackByArgs(
			dst.Name() + " does not match the host tensor")
	}
	copy(dst.Ptr(), src.Data)
	return nil
}

// CopyDeviceToHost implements Context.
func (c *HostContext) CopyDeviceToHost(src *Tensor) (*HostTensor, error) {
	if !src.IsAllocated() {
		return nil, cerrors.ErrTensorCopy.GenWithStackByArgs(src.Name() + " is not allocated")
	}
	h := NewHostTensor(src.DType(), src.Shape())
	copy(h.Data, src.Ptr())
	return h, nil
}

// LaunchKernel implements Context.
func (c *HostContext) LaunchKernel(k Launcher, inputs, workspaces, outputs []*Address) error {
	start := time.Now()
	err := k.Launch(inputs, workspaces, outputs)
	c.metricLaunchTime.Observe(time.Since(start).Seconds())
	return errors.Trace(err)
}

// MemoryInUse returns the bytes currently allocated.
func (c *HostContext) MemoryInUse() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.used
}

// Reset drops all pooled blocks.
func (c *HostContext) Reset() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.used != 0 {
		log.Warn("device context is reset with memory in use",
			zap.String("context", c.name), zap.Int("used", c.used))
	}
	c.buckets = make(map[int][][]byte)
	c.pooled = 0
	c.metricMemoryPooled.Set(0)
}
