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
	"sync"

	pactor "github.com/flowrt/flowrt/pkg/actor"
	"github.com/flowrt/flowrt/pkg/actor/message"
	cerrors "github.com/flowrt/flowrt/pkg/errors"
	"github.com/flowrt/flowrt/pkg/kernel"
	"github.com/flowrt/flowrt/pkg/workerpool"
	"github.com/pingcap/errors"
	"github.com/pingcap/log"
	"go.uber.org/zap"
)

// Debugger inspects a kernel right after it is launched. The launch does
// not go on until Debug returns.
type Debugger interface {
	Debug(ctx context.Context, k kernel.Kernel, info *kernel.LaunchInfo) error
}

// DebugActor runs the debugger on an async pool and resumes the suspended
// kernel actor with DebugDone.
type DebugActor struct {
	id       pactor.ID
	name     string
	env      *Env
	debugger Debugger
	pool     workerpool.AsyncPool

	mu sync.Mutex
	// running is the number of hooks submitted and not returned yet.
	running int
	// flushes are acknowledged once running drops to zero.
	flushes []func()
}

var _ pactor.Actor[Msg] = (*DebugActor)(nil)

// NewDebugActor creates a debug actor. The pool must be running.
func NewDebugActor(
	id pactor.ID, name string, env *Env, debugger Debugger, pool workerpool.AsyncPool,
) *DebugActor {
	return &DebugActor{id: id, name: name, env: env, debugger: debugger, pool: pool}
}

// Poll implements pactor.Actor.
func (d *DebugActor) Poll(ctx context.Context, msgs []message.Message[Msg]) bool {
	for i := range msgs {
		if msgs[i].Tp == message.TypeStop {
			return false
		}
		switch msg := msgs[i].Value.(type) {
		case *DebugRequest:
			d.debug(ctx, msg)
		case *Flush:
			d.flush(msg.Ack)
		case *Retire:
		default:
			log.Warn("debug actor got unexpected message",
				zap.String("actor", d.name), zap.Any("message", msg))
		}
	}
	return true
}

// OnClose implements pactor.Actor.
func (d *DebugActor) OnClose() {}

func (d *DebugActor) debug(ctx context.Context, req *DebugRequest) {
	d.mu.Lock()
	d.running++
	d.mu.Unlock()
	err := d.pool.Go(ctx, func() {
		defer d.hookReturned()
		if err := d.debugger.Debug(ctx, req.Kernel, req.Info); err != nil {
			log.Warn("debug hook failed", zap.String("kernel", req.Kernel.Name()), zap.Error(err))
			req.Ctx.SetFailed(cerrors.ErrDebugFailed.GenWithStackByArgs(req.Kernel.Name()))
		}
		d.env.send(ctx, req.Ctx, req.From, &DebugDone{Ctx: req.Ctx})
	})
	if err != nil {
		d.hookReturned()
		req.Ctx.SetFailed(errors.Trace(err))
		d.env.send(ctx, req.Ctx, req.From, &DebugDone{Ctx: req.Ctx})
	}
}

func (d *DebugActor) flush(ack func()) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.running == 0 {
		ack()
		return
	}
	d.flushes = append(d.flushes, ack)
}

func (d *DebugActor) hookReturned() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.running--
	if d.running > 0 {
		return
	}
	for _, ack := range d.flushes {
		ack()
	}
	d.flushes = nil
}
