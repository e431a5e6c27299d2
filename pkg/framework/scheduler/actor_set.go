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

package scheduler

import (
	"context"
	"fmt"
	"io"
	"slices"
	"sync"
	"time"

	pactor "github.com/flowrt/flowrt/pkg/actor"
	"github.com/flowrt/flowrt/pkg/actor/message"
	"github.com/flowrt/flowrt/pkg/device"
	cerrors "github.com/flowrt/flowrt/pkg/errors"
	"github.com/flowrt/flowrt/pkg/framework/actor"
	"github.com/flowrt/flowrt/pkg/graph"
	"github.com/flowrt/flowrt/pkg/workerpool"
	"github.com/pingcap/errors"
	"github.com/pingcap/log"
	"go.uber.org/atomic"
	"go.uber.org/multierr"
	"go.uber.org/zap"
	"golang.org/x/sync/semaphore"
)

// ActorSet is a compiled graph. Its actors are reused by every iteration.
type ActorSet struct {
	id      string
	name    string
	graph   *graph.Graph
	outputs []string
	sinks   int64

	ctx    context.Context
	cancel context.CancelFunc
	system *pactor.System[actor.Msg]
	router *pactor.Router[actor.Msg]
	// actorIDs lists every spawned actor.
	actorIDs []pactor.ID
	env    *actor.Env
	device device.Context
	store  *device.Store

	recorder   *actor.RecorderActor
	pool       workerpool.AsyncPool
	poolCancel context.CancelFunc
	poolDone   chan struct{}

	sem *semaphore.Weighted
	// weightMu excludes weight updates from running iterations.
	weightMu sync.RWMutex

	runningMu sync.Mutex
	running   map[uint64]struct{}
	lastSeq   uint64
	watermark uint64

	closed  atomic.Bool
	closeCh chan struct{}
}

// ID returns the unique ID of the actor set.
func (s *ActorSet) ID() string { return s.id }

// Name returns the name of the compiled graph.
func (s *ActorSet) Name() string { return s.name }

// Outputs returns the names of the graph outputs, in the order Run returns
// them.
func (s *ActorSet) Outputs() []string { return s.outputs }

// Recorder returns the recorder, it's nil if the recorder is disabled.
func (s *ActorSet) Recorder() *actor.RecorderActor { return s.recorder }

// DumpRecords writes the launch records as JSON. It includes the records
// of every iteration finished before the call.
func (s *ActorSet) DumpRecords(w io.Writer) error {
	if s.recorder == nil {
		return cerrors.ErrInvalidConfig.GenWithStackByArgs("recorder is not enabled")
	}
	if err := s.flush([]pactor.ID{recorderID}); err != nil {
		return errors.Trace(err)
	}
	return s.recorder.DumpJSON(w)
}

// flush sends a Flush barrier to actors and waits until every one of them
// has handled the messages queued before it, or the set is closed.
func (s *ActorSet) flush(ids []pactor.ID) error {
	if s.closed.Load() {
		return nil
	}
	done := make(chan struct{})
	// One extra count is released once every barrier is sent.
	remaining := atomic.NewInt64(int64(len(ids)) + 1)
	ack := func() {
		if remaining.Dec() == 0 {
			close(done)
		}
	}
	for _, id := range ids {
		err := s.router.Send(id, message.ValueMessage[actor.Msg](&actor.Flush{Ack: ack}))
		if err != nil {
			ack()
			// The actor has been stopped by Close.
			if cerrors.ErrActorStopped.Equal(err) || cerrors.ErrActorNotFound.Equal(err) {
				continue
			}
			return errors.Trace(err)
		}
	}
	ack()
	select {
	case <-done:
	case <-s.closeCh:
	}
	return nil
}

func (s *ActorSet) startDebugPool(numWorkers int) {
	s.pool = workerpool.NewDefaultAsyncPool(numWorkers)
	var ctx context.Context
	ctx, s.poolCancel = context.WithCancel(context.Background())
	s.poolDone = make(chan struct{})
	go func() {
		defer close(s.poolDone)
		err := s.pool.Run(ctx)
		if err != nil && !cerrors.IsContextCanceledError(err) {
			log.Warn("debug pool exited", zap.String("graph", s.name), zap.Error(err))
		}
	}()
}

func (s *ActorSet) stopDebugPool() {
	if s.poolCancel == nil {
		return
	}
	s.poolCancel()
	<-s.poolDone
	s.poolCancel = nil
}

// checkInputs checks inputs against the graph inputs by position.
func (s *ActorSet) checkInputs(inputs []*device.HostTensor) error {
	if len(inputs) != len(s.graph.Inputs) {
		return cerrors.ErrInputMismatch.GenWithStackByArgs(s.name,
			fmt.Sprintf("got %d inputs, expect %d", len(inputs), len(s.graph.Inputs)))
	}
	for i, in := range s.graph.Inputs {
		h := inputs[i]
		if h == nil {
			return cerrors.ErrInputMismatch.GenWithStackByArgs(in.Name, "nil tensor")
		}
		if h.DType != in.ParsedDType() {
			return cerrors.ErrInputMismatch.GenWithStackByArgs(in.Name,
				fmt.Sprintf("dtype %s, expect %s", h.DType, in.ParsedDType()))
		}
		if !slices.Equal(h.Shape, in.Shape) {
			return cerrors.ErrInputMismatch.GenWithStackByArgs(in.Name,
				fmt.Sprintf("shape %v, expect %v", h.Shape, in.Shape))
		}
		if want := device.NumElements(in.Shape) * int(in.ParsedDType().Memory()); h.Size() != want {
			return cerrors.ErrInputMismatch.GenWithStackByArgs(in.Name,
				fmt.Sprintf("%d bytes, expect %d", h.Size(), want))
		}
	}
	return nil
}

func (s *ActorSet) begin() *actor.OpContext {
	s.runningMu.Lock()
	defer s.runningMu.Unlock()
	s.lastSeq++
	s.running[s.lastSeq] = struct{}{}
	inFlightGauge.Inc()
	return actor.NewOpContext(s.lastSeq, s.sinks)
}

// finish retires the iterations below the smallest running one.
func (s *ActorSet) finish(seq uint64) {
	s.runningMu.Lock()
	delete(s.running, seq)
	inFlightGauge.Dec()
	watermark := s.lastSeq + 1
	for running := range s.running {
		if running < watermark {
			watermark = running
		}
	}
	advanced := watermark > s.watermark
	if advanced {
		s.watermark = watermark
	}
	s.runningMu.Unlock()

	if advanced && !s.closed.Load() {
		s.router.Broadcast(s.ctx, message.ValueMessage[actor.Msg](&actor.Retire{Watermark: watermark}))
	}
}

// Run runs one iteration with inputs ordered as the graph inputs. It
// returns the graph outputs or the first error of the iteration.
func (s *ActorSet) Run(ctx context.Context, inputs []*device.HostTensor) ([]*device.HostTensor, error) {
	if s.closed.Load() {
		return nil, cerrors.ErrSchedulerClosed.GenWithStackByArgs()
	}
	if err := s.checkInputs(inputs); err != nil {
		return nil, err
	}
	if err := s.sem.Acquire(ctx, 1); err != nil {
		return nil, errors.Trace(err)
	}
	defer s.sem.Release(1)
	s.weightMu.RLock()
	defer s.weightMu.RUnlock()

	start := time.Now()
	opCtx := s.begin()
	defer s.finish(opCtx.SequentialNum)

	err := s.router.SendB(ctx, dataSourceID,
		message.ValueMessage[actor.Msg](&actor.Seed{Ctx: opCtx, Inputs: inputs}))
	if err != nil {
		opCtx.SetFailed(errors.Trace(err))
		iterationCounter.WithLabelValues("failed").Inc()
		return nil, errors.Trace(err)
	}

	select {
	case <-opCtx.Succeeded():
	case <-opCtx.Failed():
	case <-ctx.Done():
		opCtx.SetFailed(errors.Trace(ctx.Err()))
	case <-s.closeCh:
		opCtx.SetFailed(cerrors.ErrSchedulerClosed.GenWithStackByArgs())
	}
	if err := opCtx.Err(); err != nil {
		iterationCounter.WithLabelValues("failed").Inc()
		log.Debug("iteration failed",
			zap.String("graph", s.name),
			zap.Uint64("sequentialNum", opCtx.SequentialNum),
			zap.Error(err))
		return nil, err
	}
	iterationCounter.WithLabelValues("ok").Inc()
	iterationDuration.Observe(time.Since(start).Seconds())
	return opCtx.Outputs(), nil
}

// UpdateWeight overwrites a weight of the graph. It waits for the running
// iterations and blocks new ones until the update is done. Actors still
// busy with finished iterations, such as kernels feeding a branch that is
// not taken, are flushed before the weight is written.
func (s *ActorSet) UpdateWeight(name string, host *device.HostTensor) error {
	if s.closed.Load() {
		return cerrors.ErrSchedulerClosed.GenWithStackByArgs()
	}
	s.weightMu.Lock()
	defer s.weightMu.Unlock()
	// Kernels are flushed before the debugger, a kernel may hand a launch
	// to the debugger until it has handled its barrier.
	ids := make([]pactor.ID, 0, len(s.actorIDs))
	for _, id := range s.actorIDs {
		if id != debuggerID {
			ids = append(ids, id)
		}
	}
	if err := s.flush(ids); err != nil {
		return errors.Trace(err)
	}
	if s.env.Debugger != actor.NoActor {
		if err := s.flush([]pactor.ID{debuggerID}); err != nil {
			return errors.Trace(err)
		}
	}
	if s.closed.Load() {
		return cerrors.ErrSchedulerClosed.GenWithStackByArgs()
	}
	return errors.Trace(s.store.Update(name, host))
}

// Close stops all actors and releases the weights. Running iterations fail
// with ErrSchedulerClosed.
func (s *ActorSet) Close() error {
	if s.closed.Swap(true) {
		return nil
	}
	close(s.closeCh)
	var err error
	if s.system != nil {
		err = multierr.Append(err, s.system.Stop())
	}
	if s.cancel != nil {
		s.cancel()
	}
	s.stopDebugPool()
	s.store.Clear()
	log.Info("actor set closed", zap.String("graph", s.name), zap.String("actorSet", s.id))
	return errors.Trace(err)
}
