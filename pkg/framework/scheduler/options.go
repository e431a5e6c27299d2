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
	"github.com/benbjohnson/clock"
	"github.com/flowrt/flowrt/pkg/config"
	"github.com/flowrt/flowrt/pkg/device"
	"github.com/flowrt/flowrt/pkg/framework/actor"
	"github.com/flowrt/flowrt/pkg/kernel"
	"github.com/flowrt/flowrt/pkg/uuid"
)

type options struct {
	cfg      *config.RuntimeConfig
	registry *kernel.Registry
	device   device.Context
	tracer   actor.Tracer
	debugger actor.Debugger
	clock    clock.Clock
	ids      uuid.Generator
}

// Option configures Compile.
type Option func(*options)

// WithConfig sets the runtime config, it must be validated.
func WithConfig(cfg *config.RuntimeConfig) Option {
	return func(o *options) { o.cfg = cfg }
}

// WithRegistry sets the kernel registry.
func WithRegistry(registry *kernel.Registry) Option {
	return func(o *options) { o.registry = registry }
}

// WithDeviceContext runs the actor set on devCtx instead of a new host
// context.
func WithDeviceContext(devCtx device.Context) Option {
	return func(o *options) { o.device = devCtx }
}

// WithTracer observes the steps of every actor.
func WithTracer(tracer actor.Tracer) Option {
	return func(o *options) { o.tracer = tracer }
}

// WithDebugger runs debugger after each kernel launch.
func WithDebugger(debugger actor.Debugger) Option {
	return func(o *options) { o.debugger = debugger }
}

// WithClock sets the clock of the recorder.
func WithClock(clk clock.Clock) Option {
	return func(o *options) { o.clock = clk }
}

// WithIDGenerator sets the generator of the actor set ID.
func WithIDGenerator(ids uuid.Generator) Option {
	return func(o *options) { o.ids = ids }
}

func newOptions(opts []Option) *options {
	o := &options{}
	for _, opt := range opts {
		opt(o)
	}
	if o.cfg == nil {
		o.cfg = defaultConfig()
	}
	if o.registry == nil {
		o.registry = kernel.NewRegistry()
	}
	if o.clock == nil {
		o.clock = clock.New()
	}
	if o.ids == nil {
		o.ids = uuid.NewGenerator()
	}
	return o
}
