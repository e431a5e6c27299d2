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

	pactor "github.com/flowrt/flowrt/pkg/actor"
	"github.com/flowrt/flowrt/pkg/config"
	"github.com/flowrt/flowrt/pkg/device"
	cerrors "github.com/flowrt/flowrt/pkg/errors"
	"github.com/flowrt/flowrt/pkg/framework/actor"
	"github.com/flowrt/flowrt/pkg/graph"
	"github.com/flowrt/flowrt/pkg/kernel"
	"github.com/pingcap/errors"
	"github.com/pingcap/log"
	"go.uber.org/zap"
	"golang.org/x/sync/semaphore"
)

// IDs of the actors every actor set has.
const (
	memoryManagerID pactor.ID = iota + 1
	outputID
	dataSourceID
	recorderID
	debuggerID
	firstKernelID pactor.ID = 16
)

// compiler turns a validated graph into actors. Vertices are visited in
// topological order, so producers exist before their consumers are wired.
type compiler struct {
	g   *graph.Graph
	o   *options
	env *actor.Env
	dev device.Context

	source      *actor.DataSourceActor
	inputIndex  map[string]int
	weights     map[string]*graph.Weight
	kernels     map[string]*actor.KernelActor
	kernelSpecs map[string][]kernel.TensorSpec
	switches    map[string]*actor.SwitchActor
	spawnOrder  []spawned
	nextID      pactor.ID
}

type spawned struct {
	id    pactor.ID
	actor pactor.Actor[actor.Msg]
}

func invalidf(format string, args ...any) error {
	return cerrors.ErrGraphInvalid.GenWithStackByArgs(fmt.Sprintf(format, args...))
}

// Compile validates g and compiles it into a running actor set.
func Compile(ctx context.Context, g *graph.Graph, opts ...Option) (*ActorSet, error) {
	if err := ctx.Err(); err != nil {
		return nil, errors.Trace(err)
	}
	if err := g.Validate(); err != nil {
		return nil, errors.Trace(err)
	}
	o := newOptions(opts)
	cfg := o.cfg
	id := o.ids.NewString()

	dev := o.device
	if dev == nil {
		dev = device.NewHostContext(g.Name, cfg.Memory.Capacity)
	}
	store := device.NewStore()
	for _, w := range g.Weights {
		host, err := w.Host()
		if err != nil {
			return nil, errors.Trace(err)
		}
		if _, err := store.Insert(w.Name, host, dev); err != nil {
			store.Clear()
			return nil, errors.Trace(err)
		}
	}

	system, router := pactor.NewSystemBuilder[actor.Msg](g.Name).
		WorkerNumber(cfg.Scheduler.WorkerNum).
		Build()
	env := &actor.Env{
		Router:        router,
		MemoryManager: memoryManagerID,
		Output:        outputID,
		FreePolicy:    actor.FreePolicy(cfg.Memory.FreePolicy),
		Store:         store,
		Tracer:        o.tracer,
	}
	c := &compiler{
		g:           g,
		o:           o,
		env:         env,
		dev:         dev,
		inputIndex:  make(map[string]int, len(g.Inputs)),
		weights:     make(map[string]*graph.Weight, len(g.Weights)),
		kernels:     make(map[string]*actor.KernelActor, len(g.Nodes)),
		kernelSpecs: make(map[string][]kernel.TensorSpec, len(g.Nodes)),
		switches:    make(map[string]*actor.SwitchActor, len(g.Switches)),
		nextID:      firstKernelID,
	}
	set := &ActorSet{
		id:      id,
		name:    g.Name,
		graph:   g,
		system:  system,
		router:  router,
		env:     env,
		device:  dev,
		store:   store,
		sem:     semaphore.NewWeighted(int64(cfg.Scheduler.MaxInFlight)),
		running: make(map[uint64]struct{}),
		closeCh: make(chan struct{}),
	}
	if cfg.Scheduler.EnableRecorder {
		set.recorder = actor.NewRecorderActor(recorderID, "recorder", o.clock, cfg.Scheduler.RecorderCapacity)
		env.Recorder = recorderID
		c.add(recorderID, set.recorder)
	}
	if o.debugger != nil {
		set.startDebugPool(cfg.Scheduler.DebugWorkerNum)
		env.Debugger = debuggerID
		c.add(debuggerID, actor.NewDebugActor(debuggerID, "debugger", env, o.debugger, set.pool))
	}

	sinks, err := c.build()
	if err != nil {
		set.stopDebugPool()
		store.Clear()
		return nil, errors.Trace(err)
	}
	set.sinks = sinks
	for _, out := range g.Outputs {
		set.outputs = append(set.outputs, out.Name)
	}

	set.ctx, set.cancel = context.WithCancel(context.Background())
	system.Start(set.ctx)
	for _, s := range c.spawnOrder {
		mb := pactor.NewUnboundedMailbox[actor.Msg](s.id, cfg.Scheduler.MailboxSize)
		if err := system.Spawn(mb, s.actor); err != nil {
			_ = set.Close()
			return nil, errors.Trace(err)
		}
		set.actorIDs = append(set.actorIDs, s.id)
	}
	log.Info("graph compiled",
		zap.String("graph", g.Name),
		zap.String("actorSet", id),
		zap.Int("nodes", len(g.Nodes)),
		zap.Int("switches", len(g.Switches)),
		zap.Int64("sinks", sinks))
	return set, nil
}

func (c *compiler) add(id pactor.ID, a pactor.Actor[actor.Msg]) {
	c.spawnOrder = append(c.spawnOrder, spawned{id: id, actor: a})
}

func (c *compiler) allocID() pactor.ID {
	id := c.nextID
	c.nextID++
	return id
}

// build creates and wires all actors, it returns the number of sinks an
// iteration starts with.
func (c *compiler) build() (int64, error) {
	g := c.g
	names := make([]string, 0, len(g.Inputs))
	for i, in := range g.Inputs {
		c.inputIndex[in.Name] = i
		names = append(names, in.Name)
	}
	for _, w := range g.Weights {
		c.weights[w.Name] = w
	}
	c.source = actor.NewDataSourceActor(dataSourceID, "data-source", c.env, c.dev, names)
	c.add(memoryManagerID, actor.NewMemoryManagerActor(memoryManagerID, "memory-manager", c.env))
	c.add(outputID, actor.NewOutputActor(outputID, "output", c.env, len(g.Outputs)))
	c.add(dataSourceID, c.source)

	for _, v := range g.Order() {
		var err error
		if v.Kind == graph.VertexNode {
			err = c.buildKernel(g.Node(v.Name))
		} else {
			err = c.buildSwitch(g.Switch(v.Name))
		}
		if err != nil {
			return 0, err
		}
	}

	for slot, o := range g.Outputs {
		for _, ref := range o.ParsedRefs() {
			k := c.kernels[ref.Name]
			if ref.Index >= len(c.kernelSpecs[ref.Name]) {
				return 0, invalidf("output %s references %s, %s has %d outputs",
					o.Name, ref, ref.Name, len(c.kernelSpecs[ref.Name]))
			}
			k.AddResultArrow(actor.ResultArrow{FromIndex: ref.Index, Slot: slot})
		}
	}

	return c.countSinks(), nil
}

func (c *compiler) buildKernel(n *graph.Node) error {
	refs := n.InputRefs()
	specs := make([]kernel.TensorSpec, 0, len(refs))
	sources := make([]actor.InputSource, 0, len(refs))
	for _, ref := range refs {
		spec, err := c.specOf(ref)
		if err != nil {
			return err
		}
		specs = append(specs, spec)
		src := actor.InputSource{}
		if ref.Kind == graph.RefWeight && !ref.IsBranch {
			src.StoreKey = ref.Name
		}
		sources = append(sources, src)
	}
	k, err := c.o.registry.Create(n.Kernel, n.Name, specs, n.Attrs)
	if err != nil {
		return errors.Trace(err)
	}

	id := c.allocID()
	a := actor.NewKernelActor(id, k, c.dev, c.env, sources)
	for i, ref := range refs {
		c.wireData(ref, id, i)
	}
	for _, ref := range n.ControlRefs() {
		if ref.IsBranch {
			c.switches[ref.Name].AddBranchControlArrow(ref.Branch, id)
		} else {
			c.kernels[ref.Name].AddControlArrow(id)
		}
		a.AddControlInput()
	}
	if a.NumData() == 0 && a.NumControl() == 0 {
		c.source.AddControlArrow(id)
		a.AddControlInput()
	}
	c.kernels[n.Name] = a
	c.kernelSpecs[n.Name] = k.OutputSpecs()
	c.add(id, a)
	return nil
}

func (c *compiler) buildSwitch(s *graph.Switch) error {
	refs := append([]graph.Ref{s.ConditionRef()}, s.CommonRefs()...)
	positions := make([][]int, len(s.Branches))
	for b, branch := range s.Branches {
		pos := make([]int, 0, s.NumArgs(b))
		for i := range s.CommonRefs() {
			pos = append(pos, 1+i)
		}
		for _, ref := range branch.InputRefs() {
			pos = append(pos, len(refs))
			refs = append(refs, ref)
		}
		positions[b] = pos
	}

	sources := make([]actor.InputSource, 0, len(refs))
	for _, ref := range refs {
		if _, err := c.specOf(ref); err != nil {
			return err
		}
		src := actor.InputSource{}
		if ref.Kind == graph.RefWeight && !ref.IsBranch {
			src.StoreKey = ref.Name
		}
		sources = append(sources, src)
	}

	id := c.allocID()
	a := actor.NewSwitchActor(id, s.Name, c.env, s.Kind == graph.SwitchBool, sources, positions)
	for pos, ref := range refs {
		c.wireData(ref, id, pos)
	}
	if a.NumData() == 0 {
		c.source.AddControlArrow(id)
		a.AddControlInput()
	}
	c.switches[s.Name] = a
	c.add(id, a)
	return nil
}

// specOf returns the spec of the tensor ref refers to.
func (c *compiler) specOf(ref graph.Ref) (kernel.TensorSpec, error) {
	switch {
	case ref.IsBranch:
		s := c.g.Switch(ref.Name)
		common := s.CommonRefs()
		if ref.Arg < len(common) {
			return c.specOf(common[ref.Arg])
		}
		return c.specOf(s.Branches[ref.Branch].InputRefs()[ref.Arg-len(common)])
	case ref.Kind == graph.RefInput:
		in := c.g.Inputs[c.inputIndex[ref.Name]]
		return kernel.TensorSpec{DType: in.ParsedDType(), Shape: in.Shape}, nil
	case ref.Kind == graph.RefWeight:
		w := c.weights[ref.Name]
		return kernel.TensorSpec{DType: w.ParsedDType(), Shape: w.Shape}, nil
	case ref.Kind == graph.RefNode:
		specs := c.kernelSpecs[ref.Name]
		if ref.Index >= len(specs) {
			return kernel.TensorSpec{}, invalidf("%s references output %d of %s, it has %d outputs",
				ref, ref.Index, ref.Name, len(specs))
		}
		return specs[ref.Index], nil
	}
	return kernel.TensorSpec{}, invalidf("unexpected reference %s", ref)
}

// wireData connects the producer of ref to input toIndex of actor to.
// Weights are fetched from the store by the consumer.
func (c *compiler) wireData(ref graph.Ref, to pactor.ID, toIndex int) {
	switch {
	case ref.IsBranch:
		c.switches[ref.Name].AddBranchDataArrow(ref.Branch,
			actor.DataArrow{FromIndex: ref.Arg, To: to, ToIndex: toIndex})
	case ref.Kind == graph.RefInput:
		c.source.AddDataArrow(actor.DataArrow{FromIndex: c.inputIndex[ref.Name], To: to, ToIndex: toIndex})
	case ref.Kind == graph.RefNode:
		c.kernels[ref.Name].AddDataArrow(actor.DataArrow{FromIndex: ref.Index, To: to, ToIndex: toIndex})
	}
}

// countSinks counts the dead-end kernels and the switches of each branch.
// An iteration starts with the sinks outside any branch, the output actor
// if the graph has outputs and the data source itself. A switch adds the
// sinks of the branch it takes.
func (c *compiler) countSinks() int64 {
	branchSinks := make(map[graph.BranchKey]int64)
	var sinks int64
	count := func(name string) {
		if key, ok := c.g.Owner(name); ok {
			branchSinks[key]++
		} else {
			sinks++
		}
	}
	for name, k := range c.kernels {
		if k.IsSink() {
			count(name)
		}
	}
	for name := range c.switches {
		count(name)
	}
	for name, s := range c.switches {
		for b := 0; b < s.NumBranches(); b++ {
			s.SetBranchSinks(b, branchSinks[graph.BranchKey{Switch: name, Branch: b}])
		}
	}
	if len(c.g.Outputs) > 0 {
		sinks++
	}
	// The data source holds the iteration until it has sent the inputs.
	return sinks + 1
}

// defaultConfig returns a validated default config.
func defaultConfig() *config.RuntimeConfig {
	cfg := config.GetDefaultRuntimeConfig()
	if err := cfg.ValidateAndAdjust(); err != nil {
		log.Panic("invalid default config", zap.Error(err))
	}
	return cfg
}
