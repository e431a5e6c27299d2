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

package workerpool

import (
	"context"
	"sync"

	cerrors "github.com/flowrt/flowrt/pkg/errors"
	"github.com/pingcap/errors"
	"go.uber.org/atomic"
	"golang.org/x/sync/errgroup"
)

const defaultTaskChanSize = 1024

type defaultAsyncPoolImpl struct {
	workers      []*asyncWorker
	nextWorkerID atomic.Int32

	runningCh chan struct{}
	exitedCh  chan struct{}
}

// NewDefaultAsyncPool creates a new AsyncPool that uses the default implementation
func NewDefaultAsyncPool(numWorkers int) AsyncPool {
	return newDefaultAsyncPoolImpl(numWorkers)
}

func newDefaultAsyncPoolImpl(numWorkers int) *defaultAsyncPoolImpl {
	if numWorkers <= 0 {
		numWorkers = 1
	}
	workers := make([]*asyncWorker, numWorkers)
	for i := range workers {
		workers[i] = newAsyncWorker()
	}

	return &defaultAsyncPoolImpl{
		workers:   workers,
		runningCh: make(chan struct{}),
		exitedCh:  make(chan struct{}),
	}
}

func (p *defaultAsyncPoolImpl) Go(ctx context.Context, f func()) error {
	select {
	case <-ctx.Done():
		return errors.Trace(ctx.Err())
	case <-p.exitedCh:
		return cerrors.ErrAsyncPoolExited.GenWithStackByArgs()
	case <-p.runningCh:
	}
	return p.doGo(ctx, f)
}

func (p *defaultAsyncPoolImpl) doGo(ctx context.Context, f func()) error {
	task := &asyncTask{f: f}
	worker := p.workers[int(uint32(p.nextWorkerID.Inc()))%len(p.workers)]

	worker.chLock.RLock()
	defer worker.chLock.RUnlock()

	if worker.isClosed.Load() {
		return cerrors.ErrAsyncPoolExited.GenWithStackByArgs()
	}

	select {
	case <-ctx.Done():
		return errors.Trace(ctx.Err())
	case worker.inputCh <- task:
	}

	return nil
}

func (p *defaultAsyncPoolImpl) Run(ctx context.Context) error {
	errg := errgroup.Group{}
	close(p.runningCh)
	defer close(p.exitedCh)

	for _, worker := range p.workers {
		workerFinal := worker
		errg.Go(func() error {
			workerFinal.run()
			return nil
		})
	}

	errg.Go(func() error {
		<-ctx.Done()
		for _, worker := range p.workers {
			worker.close()
		}
		return ctx.Err()
	})

	return errors.Trace(errg.Wait())
}

type asyncTask struct {
	f func()
}

type asyncWorker struct {
	inputCh  chan *asyncTask
	isClosed atomic.Bool
	chLock   sync.RWMutex
}

func newAsyncWorker() *asyncWorker {
	return &asyncWorker{inputCh: make(chan *asyncTask, defaultTaskChanSize)}
}

// run runs tasks until the input channel is closed and drained.
func (w *asyncWorker) run() {
	for task := range w.inputCh {
		task.f()
	}
}

func (w *asyncWorker) close() {
	if w.isClosed.Swap(true) {
		return
	}

	w.chLock.Lock()
	defer w.chLock.Unlock()

	close(w.inputCh)
}
