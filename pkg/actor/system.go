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
	"context"
	"runtime"
	"sync"
	"time"

	"github.com/edwingeng/deque"
	"github.com/flowrt/flowrt/pkg/actor/message"
	cerrors "github.com/flowrt/flowrt/pkg/errors"
	"github.com/pingcap/errors"
	"github.com/pingcap/log"
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/atomic"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

const (
	// The max number of workers of a system.
	maxWorkerNum = 64
	// The default size of polled actor batch.
	defaultActorBatchSize = 1
	// The default size of receive message batch.
	defaultMsgBatchSizePerActor = 64
	// The default capacity of a mailbox.
	defaultMailboxCapacity = 1024
)

const (
	// procStateIdle means the proc is neither in the ready queue nor polled.
	procStateIdle int32 = iota
	// procStateReady means the proc is in the ready queue or is being polled.
	procStateReady
	// procStateClosed means the proc is removed from its router.
	procStateClosed
)

type proc[T any] struct {
	mb    Mailbox[T]
	actor Actor[T]
	state atomic.Int32
}

func (p *proc[T]) isClosed() bool {
	return p.state.Load() == procStateClosed
}

func (p *proc[T]) onClose() {
	if p.state.Swap(procStateClosed) == procStateClosed {
		return
	}
	p.actor.OnClose()
}

// ready is a centralized notification struct, shared by a router and a system.
// It schedules notification and actors.
type ready[T any] struct {
	sync.Mutex
	cond *sync.Cond

	// stopped indicates ready is stopped.
	//
	// Channel is not used because we need to atomically check stopped and
	// close the channel when stopping ready.
	stopped bool
	// queue is a queue of ready procs.
	queue deque.Deque
}

func newReady[T any]() *ready[T] {
	rd := &ready[T]{queue: deque.NewDeque()}
	rd.cond = sync.NewCond(&rd.Mutex)
	return rd
}

func (rd *ready[T]) stop() {
	rd.Lock()
	rd.stopped = true
	rd.Unlock()
	rd.cond.Broadcast()
}

// schedule puts the proc into the ready queue unless it is already there or
// is being polled, which makes sure a proc is polled by one worker at a time.
func (rd *ready[T]) schedule(p *proc[T]) {
	if !p.state.CAS(procStateIdle, procStateReady) {
		return
	}
	rd.Lock()
	if rd.stopped {
		rd.Unlock()
		return
	}
	rd.queue.PushBack(p)
	rd.Unlock()
	rd.cond.Signal()
}

// batchReceiveProcs receives ready procs into batchP.
// It blocks until there are some procs or ready is stopped.
func (rd *ready[T]) batchReceiveProcs(batchP []*proc[T]) int {
	rd.Lock()
	defer rd.Unlock()
	for rd.queue.Empty() && !rd.stopped {
		rd.cond.Wait()
	}
	if rd.stopped {
		return 0
	}
	n := 0
	for n < len(batchP) && !rd.queue.Empty() {
		batchP[n] = rd.queue.PopFront().(*proc[T])
		n++
	}
	return n
}

// Router send messages to actors.
type Router[T any] struct {
	rd *ready[T]

	// Map of ID to proc
	procs sync.Map
}

// NewRouter returns a new router.
func NewRouter[T any](name string) *Router[T] {
	return &Router[T]{rd: newReady[T]()}
}

// Send a message to an actor. It's a non-blocking send.
// ErrMailboxFull when the actor full.
// ErrActorNotFound when the actor not found.
func (r *Router[T]) Send(id ID, msg message.Message[T]) error {
	p, err := r.lookup(id)
	if err != nil {
		return err
	}
	err = p.mb.Send(msg)
	if err != nil {
		return err
	}
	r.rd.schedule(p)
	return nil
}

// SendB sends a message to an actor, blocks when it's full.
// ErrActorNotFound when the actor not found.
// Canceled or DeadlineExceeded when the context is canceled or done.
func (r *Router[T]) SendB(ctx context.Context, id ID, msg message.Message[T]) error {
	p, err := r.lookup(id)
	if err != nil {
		return err
	}
	err = p.mb.SendB(ctx, msg)
	if err != nil {
		return errors.Trace(err)
	}
	r.rd.schedule(p)
	return nil
}

// Broadcast a message to all actors in the router.
// The message may be dropped for an actor when context is canceled, the
// remaining actors still get it.
func (r *Router[T]) Broadcast(ctx context.Context, msg message.Message[T]) {
	r.procs.Range(func(key, value interface{}) bool {
		p := value.(*proc[T])
		if err := p.mb.SendB(ctx, msg); err != nil {
			log.Warn("broadcast message dropped",
				zap.Uint64("ID", uint64(p.mb.ID())), zap.Error(err))
			return true
		}
		r.rd.schedule(p)
		return true
	})
}

func (r *Router[T]) lookup(id ID) (*proc[T], error) {
	value, ok := r.procs.Load(id)
	if !ok {
		return nil, cerrors.ErrActorNotFound.GenWithStackByArgs(id)
	}
	p := value.(*proc[T])
	if p.isClosed() {
		return nil, cerrors.ErrActorStopped.GenWithStackByArgs()
	}
	return p, nil
}

func (r *Router[T]) insert(id ID, p *proc[T]) error {
	_, exist := r.procs.LoadOrStore(id, p)
	if exist {
		return cerrors.ErrActorDuplicate.GenWithStackByArgs(id)
	}
	return nil
}

func (r *Router[T]) remove(id ID) bool {
	_, present := r.procs.LoadAndDelete(id)
	return present
}

// SystemBuilder is a builder of a system.
type SystemBuilder[T any] struct {
	name                 string
	numWorker            int
	actorBatchSize       int
	msgBatchSizePerActor int
}

// NewSystemBuilder returns a new system builder.
func NewSystemBuilder[T any](name string) *SystemBuilder[T] {
	defaultWorkerNum := maxWorkerNum
	goMaxProcs := runtime.GOMAXPROCS(0)
	if goMaxProcs*8 < defaultWorkerNum {
		defaultWorkerNum = goMaxProcs * 8
	}

	return &SystemBuilder[T]{
		name:                 name,
		numWorker:            defaultWorkerNum,
		actorBatchSize:       defaultActorBatchSize,
		msgBatchSizePerActor: defaultMsgBatchSizePerActor,
	}
}

// WorkerNumber sets the number of workers of a system.
func (b *SystemBuilder[T]) WorkerNumber(numWorker int) *SystemBuilder[T] {
	if numWorker <= 0 {
		numWorker = 1
	} else if numWorker > maxWorkerNum {
		numWorker = maxWorkerNum
	}
	b.numWorker = numWorker
	return b
}

// Throughput sets the throughput per-poll of a system.
func (b *SystemBuilder[T]) Throughput(
	actorBatchSize, msgBatchSizePerActor int,
) *SystemBuilder[T] {
	if actorBatchSize <= 0 {
		actorBatchSize = 1
	}
	if msgBatchSizePerActor <= 0 {
		msgBatchSizePerActor = 1
	}

	b.actorBatchSize = actorBatchSize
	b.msgBatchSizePerActor = msgBatchSizePerActor
	return b
}

// Build builds a system and a router.
func (b *SystemBuilder[T]) Build() (*System[T], *Router[T]) {
	router := NewRouter[T](b.name)
	return &System[T]{
		name:                 b.name,
		numWorker:            b.numWorker,
		actorBatchSize:       b.actorBatchSize,
		msgBatchSizePerActor: b.msgBatchSizePerActor,

		rd:     router.rd,
		router: router,

		metricTotalWorkers:    totalWorkers.WithLabelValues(b.name),
		metricWorkingWorkers:  workingWorkers.WithLabelValues(b.name),
		metricWorkingDuration: workingDuration.WithLabelValues(b.name),
		metricPolledMessages:  polledMessages.WithLabelValues(b.name),
	}, router
}

// System is the runtime of Actors.
type System[T any] struct {
	name                 string
	numWorker            int
	actorBatchSize       int
	msgBatchSizePerActor int

	rd     *ready[T]
	router *Router[T]
	wg     *errgroup.Group
	cancel context.CancelFunc

	metricTotalWorkers    prometheus.Gauge
	metricWorkingWorkers  prometheus.Gauge
	metricWorkingDuration prometheus.Counter
	metricPolledMessages  prometheus.Counter
}

// Start the system. Cancelling the context to stop the system.
// Start is not threadsafe.
func (s *System[T]) Start(ctx context.Context) {
	s.wg, ctx = errgroup.WithContext(ctx)
	ctx, s.cancel = context.WithCancel(ctx)

	s.metricTotalWorkers.Add(float64(s.numWorker))
	for i := 0; i < s.numWorker; i++ {
		id := i
		s.wg.Go(func() error {
			defer pprofLabels(ctx, s.name, id)()
			s.poll(ctx, id)
			return nil
		})
	}
	log.Info("actor system started",
		zap.String("name", s.name), zap.Int("workerNumber", s.numWorker))
}

// Stop the system, cancels all actors. It should be called after Start.
// Stop is not threadsafe.
func (s *System[T]) Stop() error {
	if s.cancel != nil {
		s.metricTotalWorkers.Sub(float64(s.numWorker))
		s.cancel()
	}
	s.rd.stop()
	var err error
	if s.wg != nil {
		err = s.wg.Wait()
	}
	// Close the remaining actors, workers have all exited.
	s.router.procs.Range(func(key, value interface{}) bool {
		p := value.(*proc[T])
		s.router.remove(p.mb.ID())
		p.onClose()
		return true
	})
	log.Info("actor system stopped", zap.String("name", s.name))
	return errors.Trace(err)
}

// Spawn spawns an actor in the system.
// Spawn is threadsafe.
func (s *System[T]) Spawn(mb Mailbox[T], actor Actor[T]) error {
	id := mb.ID()
	p := &proc[T]{mb: mb, actor: actor}
	if err := s.router.insert(id, p); err != nil {
		return errors.Trace(err)
	}
	if mb.len() > 0 {
		s.rd.schedule(p)
	}
	return nil
}

// Router returns the router of the system.
func (s *System[T]) Router() *Router[T] {
	return s.router
}

func (s *System[T]) handleStoppedActor(p *proc[T]) {
	s.router.remove(p.mb.ID())
	p.onClose()
}

// poll is the main poll loop of a worker.
func (s *System[T]) poll(ctx context.Context, id int) {
	batchP := make([]*proc[T], s.actorBatchSize)
	batchMsgs := make([]message.Message[T], s.msgBatchSizePerActor)

	for {
		n := s.rd.batchReceiveProcs(batchP)
		if n == 0 {
			// Ready is stopped.
			return
		}
		s.metricWorkingWorkers.Inc()
		startTime := time.Now()

		for i := 0; i < n; i++ {
			p := batchP[i]
			batchP[i] = nil

			l := 0
			for ; l < s.msgBatchSizePerActor; l++ {
				msg, ok := p.mb.Receive()
				if !ok {
					break
				}
				batchMsgs[l] = msg
			}
			running := true
			if l > 0 {
				running = p.actor.Poll(ctx, batchMsgs[:l])
				s.metricPolledMessages.Add(float64(l))
			}
			var zero message.Message[T]
			for j := 0; j < l; j++ {
				batchMsgs[j] = zero
			}
			if !running {
				s.handleStoppedActor(p)
				continue
			}
			// Messages sent while the proc was polled are not scheduled,
			// reschedule the proc if its mailbox is not empty.
			if p.state.CAS(procStateReady, procStateIdle) && p.mb.len() > 0 {
				s.rd.schedule(p)
			}
		}

		s.metricWorkingDuration.Add(time.Since(startTime).Seconds())
		s.metricWorkingWorkers.Dec()
	}
}
