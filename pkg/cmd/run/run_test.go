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

package run

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/flowrt/flowrt/pkg/config"
	cerror "github.com/flowrt/flowrt/pkg/errors"
	"github.com/flowrt/flowrt/pkg/graph"
	"github.com/goccy/go-json"
	"github.com/spf13/cobra"
	"github.com/stretchr/testify/require"
)

const switchGraphTOML = `
name = "select"

[[inputs]]
name = "c"
dtype = "Bool"

[[inputs]]
name = "x"
dtype = "Float32"
shape = [2]

[[weights]]
name = "w"
dtype = "Float32"
shape = [2]
values = [10, 20]

[[nodes]]
name = "mul"
kernel = "Mul"
inputs = ["sw@0:0", "sw@0:1"]

[[nodes]]
name = "add"
kernel = "Add"
inputs = ["sw@1:0", "sw@1:1"]

[[switches]]
name = "sw"
kind = "bool"
condition = "c"
common = ["x", "w"]
branches = [{}, {}]

[[outputs]]
name = "y"
refs = ["add", "mul"]
`

const inputsTOML = `
[[feeds]]
name = "c"
values = [1]

[[feeds]]
name = "x"
values = [1, 2]
`

func writeFile(t *testing.T, dir, name, content string) string {
	path := filepath.Join(dir, name)
	require.Nil(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func newCommand(t *testing.T, args ...string) (*cobra.Command, *options, *bytes.Buffer) {
	cmd := new(cobra.Command)
	var b bytes.Buffer
	cmd.SetOut(&b)
	o := newOptions()
	o.addFlags(cmd)
	require.Nil(t, cmd.ParseFlags(args))
	return cmd, o, &b
}

func TestDefaultCfg(t *testing.T) {
	cmd, o, _ := newCommand(t)
	require.Nil(t, o.complete(cmd))

	defaultCfg := config.GetDefaultRuntimeConfig()
	require.Nil(t, defaultCfg.ValidateAndAdjust())
	require.Equal(t, defaultCfg, o.runtimeConfig)
	require.Equal(t, 1, o.iterations)
	require.True(t, cerror.ErrInvalidConfig.Equal(o.validate()))
}

func TestAddUnknownFlag(t *testing.T) {
	cmd := new(cobra.Command)
	o := newOptions()
	o.addFlags(cmd)

	require.Regexp(t, ".*unknown flag: --GRAPH.*", cmd.ParseFlags([]string{"--GRAPH="}).Error())
}

func TestParseCfg(t *testing.T) {
	dir := t.TempDir()
	configPath := writeFile(t, dir, "flowrt.toml", `
[log]
level = "warn"

[scheduler]
worker-num = 2
max-in-flight = 8

[memory]
free-policy = "completed"
`)
	cmd, o, b := newCommand(t,
		"--config", configPath,
		"--graph", "g.toml",
		"--inputs", "in.toml",
		"--iterations", "3",
		"--log-level", "debug",
		"--max-in-flight", "2",
		"--memory-capacity", "4096",
		"--record-file", filepath.Join(dir, "records.json"),
	)
	require.Nil(t, o.complete(cmd))
	require.Nil(t, o.validate())

	cfg := o.runtimeConfig
	require.Equal(t, "debug", cfg.Log.Level)
	require.Equal(t, 2, cfg.Scheduler.WorkerNum)
	require.Equal(t, 2, cfg.Scheduler.MaxInFlight)
	require.Equal(t, 1024, cfg.Scheduler.MailboxSize)
	require.Equal(t, 4096, cfg.Memory.Capacity)
	require.Equal(t, config.FreePolicyCompleted, cfg.Memory.FreePolicy)
	require.True(t, cfg.Scheduler.EnableRecorder)
	require.Contains(t, b.String(), "--record-file is set while the recorder is disabled")
	require.Equal(t, 3, o.iterations)
}

func TestParseCfgErrors(t *testing.T) {
	dir := t.TempDir()
	configPath := writeFile(t, dir, "flowrt.toml", `
[scheduler]
unknown-key = 1
`)
	cmd, o, _ := newCommand(t, "--config", configPath)
	require.Regexp(t, ".*unknown configuration options: scheduler.unknown-key.*", o.complete(cmd).Error())

	cmd, o, _ = newCommand(t, "--free-policy", "never")
	require.True(t, cerror.ErrInvalidConfig.Equal(o.complete(cmd)))

	cmd, o, _ = newCommand(t, "--graph", "g.toml", "--inputs", "in.toml", "--iterations", "0")
	require.Nil(t, o.complete(cmd))
	require.True(t, cerror.ErrInvalidConfig.Equal(o.validate()))
}

func TestExecute(t *testing.T) {
	dir := t.TempDir()
	recordPath := filepath.Join(dir, "records.json")
	cmd, o, b := newCommand(t,
		"--graph", writeFile(t, dir, "select.toml", switchGraphTOML),
		"--inputs", writeFile(t, dir, "inputs.toml", inputsTOML),
		"--iterations", "5",
		"--record-file", recordPath,
	)
	require.Nil(t, o.complete(cmd))
	require.Nil(t, o.validate())

	registry := newRegistry()
	outputs, err := o.execute(context.Background(), cmd)
	require.Nil(t, err)
	require.Equal(t, []*graph.Feed{{
		Name:   "y",
		DType:  "Float32",
		Shape:  []int{2},
		Values: []float64{11, 22},
	}}, outputs)

	data, err := os.ReadFile(recordPath)
	require.Nil(t, err)
	var records []map[string]any
	require.Nil(t, json.Unmarshal(data, &records))
	require.Len(t, records, 5)
	for _, rec := range records {
		require.Equal(t, "add", rec["kernel"])
	}

	require.Nil(t, printSummary(cmd, registry))
	require.Regexp(t, "(?s).*iterations ok: [0-9]+.*", b.String())
}

func TestExecuteErrors(t *testing.T) {
	dir := t.TempDir()
	graphPath := writeFile(t, dir, "select.toml", switchGraphTOML)

	cmd, o, _ := newCommand(t,
		"--graph", graphPath,
		"--inputs", writeFile(t, dir, "bad.toml", "[[feeds]]\nname = \"x\"\nvalues = [1, 2]\n"),
	)
	require.Nil(t, o.complete(cmd))
	_, err := o.execute(context.Background(), cmd)
	require.True(t, cerror.ErrInputMismatch.Equal(err), "%v", err)

	cmd, o, _ = newCommand(t,
		"--graph", filepath.Join(dir, "missing.toml"),
		"--inputs", writeFile(t, dir, "inputs.toml", inputsTOML),
	)
	require.Nil(t, o.complete(cmd))
	_, err = o.execute(context.Background(), cmd)
	require.True(t, cerror.Is(err, cerror.ErrDecodeFailed), "%v", err)

	cmd, o, _ = newCommand(t,
		"--graph", graphPath,
		"--inputs", filepath.Join(dir, "inputs.toml"),
		"--memory-capacity", "4",
	)
	require.Nil(t, o.complete(cmd))
	_, err = o.execute(context.Background(), cmd)
	require.True(t, cerror.ErrAllocateMemory.Equal(err), "%v", err)
}
