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
	"bytes"
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/flowrt/flowrt/pkg/config"
	"github.com/flowrt/flowrt/pkg/device"
	cerrors "github.com/flowrt/flowrt/pkg/errors"
	"github.com/flowrt/flowrt/pkg/framework/actor"
	"github.com/flowrt/flowrt/pkg/graph"
	"github.com/flowrt/flowrt/pkg/kernel"
	"github.com/flowrt/flowrt/pkg/leakutil"
	"github.com/flowrt/flowrt/pkg/uuid"
	"github.com/gomlx/gopjrt/dtypes"
	"github.com/pingcap/errors"
	"github.com/stretchr/testify/require"
)

func TestMain(m *testing.M) {
	leakutil.SetUpLeakTest(m)
}

// launchTracer counts the launches of each kernel.
type launchTracer struct {
	mu       sync.Mutex
	launches map[string]int
}

func newLaunchTracer() *launchTracer {
	return &launchTracer{launches: make(map[string]int)}
}

func (l *launchTracer) Trace(e actor.TraceEvent) {
	if e.Kind != actor.TraceLaunch {
		return
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	l.launches[e.Actor]++
}

func (l *launchTracer) reset() map[string]int {
	l.mu.Lock()
	defer l.mu.Unlock()
	launches := l.launches
	l.launches = make(map[string]int)
	return launches
}

func host[T dtypes.Supported](t *testing.T, shape []int, values ...T) *device.HostTensor {
	h, err := device.FromValues(shape, values)
	require.Nil(t, err)
	return h
}

func values[T dtypes.Supported](t *testing.T, h *device.HostTensor) []T {
	v, err := device.Values[T](h)
	require.Nil(t, err)
	return v
}

func compile(t *testing.T, g *graph.Graph, opts ...Option) (*ActorSet, *device.HostContext) {
	dev := device.NewHostContext(g.Name, 1<<20)
	set, err := Compile(context.Background(), g, append([]Option{WithDeviceContext(dev)}, opts...)...)
	require.Nil(t, err)
	t.Cleanup(func() {
		require.Nil(t, set.Close())
	})
	return set, dev
}

// requireReleased waits until only the weights use device memory.
func requireReleased(t *testing.T, dev *device.HostContext, weightBytes int) {
	require.Eventually(t, func() bool {
		return dev.MemoryInUse() == weightBytes
	}, 10*time.Second, 10*time.Millisecond)
}

func addGraph() *graph.Graph {
	return &graph.Graph{
		Name: "add",
		Inputs: []*graph.Input{
			{Name: "x", DType: "Float32", Shape: []int{3}},
			{Name: "y", DType: "Float32", Shape: []int{3}},
		},
		Nodes: []*graph.Node{
			{Name: "add", Kernel: "Add", Inputs: []string{"x", "y"}},
		},
		Outputs: []*graph.Output{{Name: "z", Refs: []string{"add"}}},
	}
}

// switchGraph builds c ? add(x, y) : mul(x, y).
func switchGraph() *graph.Graph {
	return &graph.Graph{
		Name: "switch",
		Inputs: []*graph.Input{
			{Name: "c", DType: "Bool"},
			{Name: "x", DType: "Float32", Shape: []int{3}},
			{Name: "y", DType: "Float32", Shape: []int{3}},
		},
		Nodes: []*graph.Node{
			{Name: "mul", Kernel: "Mul", Inputs: []string{"sw@0:0", "sw@0:1"}},
			{Name: "add", Kernel: "Add", Inputs: []string{"sw@1:0", "sw@1:1"}},
		},
		Switches: []*graph.Switch{{
			Name:      "sw",
			Kind:      graph.SwitchBool,
			Condition: "c",
			Common:    []string{"x", "y"},
			Branches:  []*graph.Branch{{}, {}},
		}},
		Outputs: []*graph.Output{{Name: "out", Refs: []string{"add", "mul"}}},
	}
}

func TestRunAdd(t *testing.T) {
	set, dev := compile(t, addGraph(), WithIDGenerator(uuid.NewConstGenerator("add-set")))
	require.Equal(t, []string{"z"}, set.Outputs())
	require.Equal(t, "add", set.Name())
	require.Equal(t, "add-set", set.ID())

	for i := 0; i < 3; i++ {
		outputs, err := set.Run(context.Background(), []*device.HostTensor{
			host(t, []int{3}, float32(1), 2, 3),
			host(t, []int{3}, float32(4), 5, 6),
		})
		require.Nil(t, err)
		require.Len(t, outputs, 1)
		require.Equal(t, []float32{5, 7, 9}, values[float32](t, outputs[0]))
	}
	requireReleased(t, dev, 0)
}

func TestRunSwitch(t *testing.T) {
	for _, policy := range []string{config.FreePolicyIssued, config.FreePolicyCompleted} {
		t.Run(policy, func(t *testing.T) {
			cfg := config.GetDefaultRuntimeConfig()
			cfg.Memory.FreePolicy = policy
			require.Nil(t, cfg.ValidateAndAdjust())
			tracer := newLaunchTracer()
			set, dev := compile(t, switchGraph(), WithConfig(cfg), WithTracer(tracer))

			x := host(t, []int{3}, float32(1), 2, 3)
			y := host(t, []int{3}, float32(4), 5, 6)
			outputs, err := set.Run(context.Background(), []*device.HostTensor{host(t, nil, true), x, y})
			require.Nil(t, err)
			require.Equal(t, []float32{5, 7, 9}, values[float32](t, outputs[0]))
			require.Equal(t, map[string]int{"add": 1}, tracer.reset())

			outputs, err = set.Run(context.Background(), []*device.HostTensor{host(t, nil, false), x, y})
			require.Nil(t, err)
			require.Equal(t, []float32{4, 10, 18}, values[float32](t, outputs[0]))
			require.Equal(t, map[string]int{"mul": 1}, tracer.reset())
			requireReleased(t, dev, 0)
		})
	}
}

// nestedGraph runs leaf0 for i == 0, otherwise a nested switch runs leaf1
// for c and leaf2 for !c. It has no output.
func nestedGraph() *graph.Graph {
	return &graph.Graph{
		Name: "nested",
		Inputs: []*graph.Input{
			{Name: "i", DType: "Int32"},
			{Name: "c", DType: "Bool"},
			{Name: "x", DType: "Float32", Shape: []int{2}},
		},
		Nodes: []*graph.Node{
			{Name: "leaf0", Kernel: "Identity", Inputs: []string{"outer@0:0"}},
			{Name: "leaf1", Kernel: "Identity", Inputs: []string{"inner@1:0"}},
			{Name: "leaf2", Kernel: "Identity", Inputs: []string{"inner@0:0"}},
			{Name: "fill", Kernel: "Fill", ControlDeps: []string{"inner@1"},
				Attrs: map[string]string{"shape": "2", "value": "1"}},
		},
		Switches: []*graph.Switch{
			{
				Name:      "outer",
				Kind:      graph.SwitchIndex,
				Condition: "i",
				Common:    []string{"x"},
				Branches:  []*graph.Branch{{}, {}},
			},
			{
				Name:      "inner",
				Kind:      graph.SwitchBool,
				Condition: "c",
				Common:    []string{"outer@1:0"},
				Branches:  []*graph.Branch{{}, {}},
			},
		},
	}
}

func TestRunNestedSwitchWithoutOutputs(t *testing.T) {
	tracer := newLaunchTracer()
	set, dev := compile(t, nestedGraph(), WithTracer(tracer))
	require.Empty(t, set.Outputs())

	x := host(t, []int{2}, float32(1), 2)
	cases := []struct {
		i        int32
		c        bool
		launches map[string]int
	}{
		{i: 0, c: true, launches: map[string]int{"leaf0": 1}},
		{i: 1, c: true, launches: map[string]int{"leaf1": 1, "fill": 1}},
		{i: 1, c: false, launches: map[string]int{"leaf2": 1}},
	}
	for _, cs := range cases {
		outputs, err := set.Run(context.Background(), []*device.HostTensor{
			host(t, nil, cs.i), host(t, nil, cs.c), x,
		})
		require.Nil(t, err)
		require.Empty(t, outputs)
		require.Eventually(t, func() bool {
			tracer.mu.Lock()
			defer tracer.mu.Unlock()
			return len(tracer.launches) == len(cs.launches)
		}, 10*time.Second, 10*time.Millisecond)
		require.Equal(t, cs.launches, tracer.reset())
	}
	requireReleased(t, dev, 0)

	_, err := set.Run(context.Background(), []*device.HostTensor{
		host(t, nil, int32(2)), host(t, nil, true), x,
	})
	require.True(t, cerrors.ErrSwitchIndexOutOfRange.Equal(err), "%v", err)
}

func TestRunConcurrently(t *testing.T) {
	cfg := config.GetDefaultRuntimeConfig()
	cfg.Scheduler.MaxInFlight = 3
	require.Nil(t, cfg.ValidateAndAdjust())
	set, dev := compile(t, switchGraph(), WithConfig(cfg))

	var wg sync.WaitGroup
	errCh := make(chan error, 8)
	for w := 0; w < 8; w++ {
		w := w
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < 20; i++ {
				v := float32(w*100 + i)
				cond := (w+i)%2 == 0
				outputs, err := set.Run(context.Background(), []*device.HostTensor{
					host(t, nil, cond), host(t, []int{3}, v, v, v), host(t, []int{3}, float32(2), 2, 2),
				})
				if err != nil {
					errCh <- err
					return
				}
				expect := v * 2
				if cond {
					expect = v + 2
				}
				got, err := device.Values[float32](outputs[0])
				if err != nil {
					errCh <- err
					return
				}
				if got[0] != expect || got[2] != expect {
					errCh <- fmt.Errorf("worker %d run %d: got %v, expect %v", w, i, got, expect)
					return
				}
			}
		}()
	}
	wg.Wait()
	close(errCh)
	for err := range errCh {
		require.Nil(t, err)
	}
	requireReleased(t, dev, 0)
}

func TestRunFailureThenReuse(t *testing.T) {
	g := &graph.Graph{
		Name: "div",
		Inputs: []*graph.Input{
			{Name: "a", DType: "Int32", Shape: []int{2}},
			{Name: "b", DType: "Int32", Shape: []int{2}},
		},
		Nodes: []*graph.Node{
			{Name: "div", Kernel: "Div", Inputs: []string{"a", "b"}},
			{Name: "neg", Kernel: "Sub", Inputs: []string{"b", "div"}},
		},
		Outputs: []*graph.Output{{Name: "q", Refs: []string{"div"}}, {Name: "r", Refs: []string{"neg"}}},
	}
	set, dev := compile(t, g)

	_, err := set.Run(context.Background(), []*device.HostTensor{
		host(t, []int{2}, int32(6), 8), host(t, []int{2}, int32(0), 2),
	})
	require.True(t, cerrors.ErrLaunchKernel.Equal(err), "%v", err)

	outputs, err := set.Run(context.Background(), []*device.HostTensor{
		host(t, []int{2}, int32(6), 8), host(t, []int{2}, int32(3), 2),
	})
	require.Nil(t, err)
	require.Equal(t, []int32{2, 4}, values[int32](t, outputs[0]))
	require.Equal(t, []int32{1, -2}, values[int32](t, outputs[1]))
	requireReleased(t, dev, 0)
}

func TestRunInputMismatch(t *testing.T) {
	set, _ := compile(t, addGraph())
	x := host(t, []int{3}, float32(1), 2, 3)
	for _, inputs := range [][]*device.HostTensor{
		{x},
		{x, nil},
		{x, host(t, []int{3}, int32(1), 2, 3)},
		{x, host(t, []int{1, 3}, float32(1), 2, 3)},
		{x, {DType: dtypes.Float32, Shape: []int{3}, Data: make([]byte, 4)}},
	} {
		_, err := set.Run(context.Background(), inputs)
		require.True(t, cerrors.ErrInputMismatch.Equal(err), "%v", err)
	}
}

func TestUpdateWeight(t *testing.T) {
	g := &graph.Graph{
		Name:    "weight",
		Inputs:  []*graph.Input{{Name: "x", DType: "Float32", Shape: []int{2}}},
		Weights: []*graph.Weight{{Name: "w", DType: "Float32", Shape: []int{2}, Values: []float64{10, 20}}},
		Nodes: []*graph.Node{
			{Name: "add", Kernel: "Add", Inputs: []string{"x", "w"}},
			{Name: "bias", Kernel: "Fill", Attrs: map[string]string{"value": "0.5"}},
			{Name: "out", Kernel: "Add", Inputs: []string{"add", "bias"}},
		},
		Outputs: []*graph.Output{{Name: "y", Refs: []string{"out"}}},
	}
	set, dev := compile(t, g)
	x := []*device.HostTensor{host(t, []int{2}, float32(1), 2)}

	outputs, err := set.Run(context.Background(), x)
	require.Nil(t, err)
	require.Equal(t, []float32{11.5, 22.5}, values[float32](t, outputs[0]))

	require.Nil(t, set.UpdateWeight("w", host(t, []int{2}, float32(100), 200)))
	outputs, err = set.Run(context.Background(), x)
	require.Nil(t, err)
	require.Equal(t, []float32{101.5, 202.5}, values[float32](t, outputs[0]))

	err = set.UpdateWeight("unknown", host(t, []int{2}, float32(1), 2))
	require.True(t, cerrors.ErrDeviceTensorStoreMissing.Equal(err), "%v", err)
	err = set.UpdateWeight("w", host(t, []int{3}, float32(1), 2, 3))
	require.True(t, cerrors.ErrTensorCopy.Equal(err), "%v", err)
	requireReleased(t, dev, 8)
}

func TestCompileErrors(t *testing.T) {
	unknownKernel := addGraph()
	unknownKernel.Nodes[0].Kernel = "Conv"
	_, err := Compile(context.Background(), unknownKernel)
	require.True(t, cerrors.ErrKernelNotFound.Equal(err), "%v", err)

	badOutput := addGraph()
	badOutput.Outputs[0].Refs = []string{"add:1"}
	_, err = Compile(context.Background(), badOutput)
	require.True(t, cerrors.ErrGraphInvalid.Equal(err), "%v", err)

	badInput := addGraph()
	badInput.Nodes = append(badInput.Nodes, &graph.Node{Name: "id", Kernel: "Identity", Inputs: []string{"add:2"}})
	_, err = Compile(context.Background(), badInput)
	require.True(t, cerrors.ErrGraphInvalid.Equal(err), "%v", err)

	cyclic := addGraph()
	cyclic.Nodes[0].ControlDeps = []string{"add"}
	_, err = Compile(context.Background(), cyclic)
	require.True(t, cerrors.ErrGraphInvalid.Equal(err), "%v", err)

	tooLarge := addGraph()
	tooLarge.Weights = []*graph.Weight{{Name: "w", DType: "Float64", Shape: []int{2}, Values: []float64{1, 2}}}
	_, err = Compile(context.Background(), tooLarge, WithDeviceContext(device.NewHostContext("tiny", 8)))
	require.True(t, cerrors.ErrAllocateMemory.Equal(err), "%v", err)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err = Compile(ctx, addGraph())
	require.ErrorIs(t, errors.Cause(err), context.Canceled)
}

type blockingDebugger struct {
	mu      sync.Mutex
	kernels []string
	block   chan struct{}
}

func (d *blockingDebugger) Debug(_ context.Context, k kernel.Kernel, _ *kernel.LaunchInfo) error {
	d.mu.Lock()
	d.kernels = append(d.kernels, k.Name())
	d.mu.Unlock()
	if d.block != nil {
		<-d.block
	}
	return nil
}

func TestRecorderAndDebugger(t *testing.T) {
	cfg := config.GetDefaultRuntimeConfig()
	cfg.Scheduler.EnableRecorder = true
	require.Nil(t, cfg.ValidateAndAdjust())
	clk := clock.NewMock()
	debugger := &blockingDebugger{}
	set, _ := compile(t, addGraph(), WithConfig(cfg), WithClock(clk), WithDebugger(debugger))

	_, err := set.Run(context.Background(), []*device.HostTensor{
		host(t, []int{3}, float32(1), 2, 3), host(t, []int{3}, float32(4), 5, 6),
	})
	require.Nil(t, err)
	require.Equal(t, []string{"add"}, debugger.kernels)

	var buf bytes.Buffer
	require.Nil(t, set.DumpRecords(&buf))
	require.Contains(t, buf.String(), `"kernel": "add"`)

	records := set.Recorder().Records()
	require.Len(t, records, 1)
	rec := records[0]
	require.Equal(t, "add", rec.Kernel)
	require.Equal(t, "Add", rec.Type)
	require.Equal(t, []int{12, 12}, rec.InputSizes)
	require.Equal(t, clk.Now(), rec.Time)

	plain, _ := compile(t, addGraph())
	require.Nil(t, plain.Recorder())
	require.True(t, cerrors.ErrInvalidConfig.Equal(plain.DumpRecords(&buf)))
}

func TestRunCanceled(t *testing.T) {
	debugger := &blockingDebugger{block: make(chan struct{})}
	set, dev := compile(t, addGraph(), WithDebugger(debugger))

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	inputs := []*device.HostTensor{
		host(t, []int{3}, float32(1), 2, 3), host(t, []int{3}, float32(4), 5, 6),
	}
	_, err := set.Run(ctx, inputs)
	require.ErrorIs(t, errors.Cause(err), context.DeadlineExceeded)
	close(debugger.block)
	requireReleased(t, dev, 0)

	outputs, err := set.Run(context.Background(), inputs)
	require.Nil(t, err)
	require.Equal(t, []float32{5, 7, 9}, values[float32](t, outputs[0]))
}

func TestClose(t *testing.T) {
	set, err := Compile(context.Background(), addGraph())
	require.Nil(t, err)
	require.Nil(t, set.Close())
	require.Nil(t, set.Close())

	_, err = set.Run(context.Background(), nil)
	require.True(t, cerrors.ErrSchedulerClosed.Equal(err), "%v", err)
	err = set.UpdateWeight("w", nil)
	require.True(t, cerrors.ErrSchedulerClosed.Equal(err), "%v", err)
}

func TestRunSingleWorkerTinyMailbox(t *testing.T) {
	cfg := config.GetDefaultRuntimeConfig()
	cfg.Scheduler.WorkerNum = 1
	cfg.Scheduler.MailboxSize = 1
	require.Nil(t, cfg.ValidateAndAdjust())

	// A stuck iteration fails with the deadline instead of hanging.
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	set, dev := compile(t, addGraph(), WithConfig(cfg))
	for i := 0; i < 5; i++ {
		outputs, err := set.Run(ctx, []*device.HostTensor{
			host(t, []int{3}, float32(1), 2, 3),
			host(t, []int{3}, float32(4), 5, 6),
		})
		require.Nil(t, err)
		require.Equal(t, []float32{5, 7, 9}, values[float32](t, outputs[0]))
	}
	requireReleased(t, dev, 0)

	set, dev = compile(t, switchGraph(), WithConfig(cfg))
	x := host(t, []int{3}, float32(1), 2, 3)
	y := host(t, []int{3}, float32(4), 5, 6)
	for _, c := range []bool{true, false, true} {
		_, err := set.Run(ctx, []*device.HostTensor{host(t, nil, c), x, y})
		require.Nil(t, err)
	}
	requireReleased(t, dev, 0)
}

// gatedKernel copies its input to its output. Its first launch waits
// until release is closed.
type gatedKernel struct {
	name    string
	spec    kernel.TensorSpec
	once    sync.Once
	started chan struct{}
	release chan struct{}

	mu    sync.Mutex
	reads [][]byte
}

func (k *gatedKernel) Name() string                     { return k.name }
func (k *gatedKernel) Type() string                     { return "Gated" }
func (k *gatedKernel) OutputSpecs() []kernel.TensorSpec { return []kernel.TensorSpec{k.spec} }
func (k *gatedKernel) WorkspaceSizes() []int            { return nil }

func (k *gatedKernel) Launch(inputs, _, outputs []*kernel.Address) error {
	k.once.Do(func() {
		close(k.started)
		<-k.release
	})
	copy(outputs[0].Addr, inputs[0].Addr)
	k.mu.Lock()
	defer k.mu.Unlock()
	k.reads = append(k.reads, append([]byte(nil), inputs[0].Addr...))
	return nil
}

func (k *gatedKernel) launchReads() [][]byte {
	k.mu.Lock()
	defer k.mu.Unlock()
	return append([][]byte(nil), k.reads...)
}

// afterStarted copies its input once the first launch of gated started.
type afterStarted struct {
	name  string
	spec  kernel.TensorSpec
	gated *gatedKernel
}

func (k *afterStarted) Name() string                     { return k.name }
func (k *afterStarted) Type() string                     { return "AfterStarted" }
func (k *afterStarted) OutputSpecs() []kernel.TensorSpec { return []kernel.TensorSpec{k.spec} }
func (k *afterStarted) WorkspaceSizes() []int            { return nil }

func (k *afterStarted) Launch(inputs, _, outputs []*kernel.Address) error {
	<-k.gated.started
	copy(outputs[0].Addr, inputs[0].Addr)
	return nil
}

func TestUpdateWeightWaitsForLaunches(t *testing.T) {
	gated := &gatedKernel{started: make(chan struct{}), release: make(chan struct{})}
	registry := kernel.NewRegistry()
	registry.Register("Gated", func(name string, inputs []kernel.TensorSpec, _ map[string]string) (kernel.Kernel, error) {
		gated.name = name
		gated.spec = inputs[0]
		return gated, nil
	})
	registry.Register("AfterStarted", func(name string, inputs []kernel.TensorSpec, _ map[string]string) (kernel.Kernel, error) {
		return &afterStarted{name: name, spec: inputs[0], gated: gated}, nil
	})
	// c ? x + gated(w) : x * w, gated only feeds the branch that is not
	// taken by the first iteration. The first iteration finishes while
	// gated is still launching.
	g := &graph.Graph{
		Name: "gated",
		Inputs: []*graph.Input{
			{Name: "c", DType: "Bool"},
			{Name: "x", DType: "Float32", Shape: []int{2}},
		},
		Weights: []*graph.Weight{{Name: "w", DType: "Float32", Shape: []int{2}, Values: []float64{10, 20}}},
		Nodes: []*graph.Node{
			{Name: "gated", Kernel: "Gated", Inputs: []string{"w"}},
			{Name: "mul", Kernel: "Mul", Inputs: []string{"sw@0:0", "sw@0:1"}},
			{Name: "after", Kernel: "AfterStarted", Inputs: []string{"mul"}},
			{Name: "add", Kernel: "Add", Inputs: []string{"sw@1:0", "sw@1:1"}},
		},
		Switches: []*graph.Switch{{
			Name:      "sw",
			Kind:      graph.SwitchBool,
			Condition: "c",
			Common:    []string{"x"},
			Branches:  []*graph.Branch{{Inputs: []string{"w"}}, {Inputs: []string{"gated"}}},
		}},
		Outputs: []*graph.Output{{Name: "y", Refs: []string{"add", "after"}}},
	}
	cfg := config.GetDefaultRuntimeConfig()
	cfg.Scheduler.WorkerNum = 3
	require.Nil(t, cfg.ValidateAndAdjust())
	set, dev := compile(t, g, WithConfig(cfg), WithRegistry(registry))

	x := host(t, []int{2}, float32(1), 2)
	outputs, err := set.Run(context.Background(), []*device.HostTensor{host(t, nil, false), x})
	require.Nil(t, err)
	require.Equal(t, []float32{10, 40}, values[float32](t, outputs[0]))
	select {
	case <-gated.started:
	case <-time.After(10 * time.Second):
		t.Fatal("gated kernel is not launched")
	}

	// The iteration is finished but gated is still reading w.
	newWeight := host(t, []int{2}, float32(100), 200)
	updated := make(chan error, 1)
	go func() {
		updated <- set.UpdateWeight("w", newWeight)
	}()
	require.Never(t, func() bool { return len(updated) > 0 }, 100*time.Millisecond, 10*time.Millisecond)

	close(gated.release)
	select {
	case err := <-updated:
		require.Nil(t, err)
	case <-time.After(10 * time.Second):
		t.Fatal("weight update is stuck")
	}
	require.Equal(t, [][]byte{host(t, []int{2}, float32(10), 20).Data}, gated.launchReads())

	outputs, err = set.Run(context.Background(), []*device.HostTensor{host(t, nil, true), x})
	require.Nil(t, err)
	require.Equal(t, []float32{101, 202}, values[float32](t, outputs[0]))
	requireReleased(t, dev, 8)
}
