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
	"sync"

	"github.com/flowrt/flowrt/pkg/device"
	"github.com/flowrt/flowrt/pkg/errctx"
	"go.uber.org/atomic"
)

// OpContext is the context of one iteration, shared by all actors running it.
type OpContext struct {
	SequentialNum uint64

	errCenter *errctx.ErrCenter
	sinks     atomic.Int64

	mu        sync.Mutex
	outputs   []*device.HostTensor
	successCh chan struct{}
	succeeded bool
}

// NewOpContext creates the context of iteration seq. The iteration succeeds
// once sinks actors have called SinkDone.
func NewOpContext(seq uint64, sinks int64) *OpContext {
	c := &OpContext{
		SequentialNum: seq,
		errCenter:     errctx.NewErrCenter(),
		successCh:     make(chan struct{}),
	}
	c.sinks.Store(sinks)
	return c
}

// SetFailed fails the iteration, only the first error is kept.
func (c *OpContext) SetFailed(err error) {
	c.errCenter.OnError(err)
}

// Err returns the error of the iteration.
func (c *OpContext) Err() error {
	return c.errCenter.CheckError()
}

// Failed is closed when the iteration fails.
func (c *OpContext) Failed() <-chan struct{} {
	return c.errCenter.Done()
}

// Succeeded is closed when every sink is done.
func (c *OpContext) Succeeded() <-chan struct{} {
	return c.successCh
}

// ErrCenter returns the error slot of the iteration.
func (c *OpContext) ErrCenter() *errctx.ErrCenter {
	return c.errCenter
}

// AddSinks adds n actors to wait for. It must be called by a sink before
// its own SinkDone.
func (c *OpContext) AddSinks(n int64) {
	c.sinks.Add(n)
}

// SinkDone is called by a sink actor when it finishes the iteration.
func (c *OpContext) SinkDone() {
	if c.sinks.Dec() != 0 {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.succeeded {
		c.succeeded = true
		close(c.successCh)
	}
}

// SetOutputs stores the outputs of the iteration.
func (c *OpContext) SetOutputs(outputs []*device.HostTensor) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.outputs = outputs
}

// Outputs returns the outputs of the iteration.
func (c *OpContext) Outputs() []*device.HostTensor {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.outputs
}
