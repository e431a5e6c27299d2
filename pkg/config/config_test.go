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

package config

import (
	"testing"

	"github.com/BurntSushi/toml"
	cerrors "github.com/flowrt/flowrt/pkg/errors"
	"github.com/stretchr/testify/require"
)

func TestDefaultRuntimeConfig(t *testing.T) {
	t.Parallel()

	cfg := GetDefaultRuntimeConfig()
	require.Nil(t, cfg.ValidateAndAdjust())
	require.Equal(t, "info", cfg.Log.Level)
	require.Equal(t, 8, cfg.Scheduler.WorkerNum)
	require.Equal(t, FreePolicyIssued, cfg.Memory.FreePolicy)

	// The default config is not shared.
	cfg.Scheduler.WorkerNum = 1
	require.Equal(t, 8, GetDefaultRuntimeConfig().Scheduler.WorkerNum)
}

func TestRuntimeConfigDecodeToml(t *testing.T) {
	t.Parallel()

	cfg := GetDefaultRuntimeConfig()
	_, err := toml.Decode(`
[scheduler]
worker-num = 128
max-in-flight = 2

[memory]
free-policy = "completed"
`, cfg)
	require.Nil(t, err)
	require.Nil(t, cfg.ValidateAndAdjust())
	require.Equal(t, maxWorkerNum, cfg.Scheduler.WorkerNum)
	require.Equal(t, 2, cfg.Scheduler.MaxInFlight)
	require.Equal(t, 1024, cfg.Scheduler.MailboxSize)
	require.Equal(t, FreePolicyCompleted, cfg.Memory.FreePolicy)
	require.Equal(t, 1<<30, cfg.Memory.Capacity)
}

func TestRuntimeConfigMissingSections(t *testing.T) {
	t.Parallel()

	cfg := &RuntimeConfig{}
	require.Nil(t, cfg.ValidateAndAdjust())
	require.Equal(t, GetDefaultRuntimeConfig().Scheduler, cfg.Scheduler)
	require.Equal(t, FreePolicyIssued, cfg.Memory.FreePolicy)
	require.NotEmpty(t, cfg.Log.Level)
}

func TestRuntimeConfigValidate(t *testing.T) {
	t.Parallel()

	cases := []func(c *RuntimeConfig){
		func(c *RuntimeConfig) { c.Scheduler.WorkerNum = 0 },
		func(c *RuntimeConfig) { c.Scheduler.MailboxSize = -1 },
		func(c *RuntimeConfig) { c.Scheduler.MaxInFlight = 0 },
		func(c *RuntimeConfig) {
			c.Scheduler.EnableRecorder = true
			c.Scheduler.RecorderCapacity = 0
		},
		func(c *RuntimeConfig) { c.Memory.Capacity = -1 },
		func(c *RuntimeConfig) { c.Memory.FreePolicy = "never" },
	}
	for _, mutate := range cases {
		cfg := GetDefaultRuntimeConfig()
		mutate(cfg)
		err := cfg.ValidateAndAdjust()
		require.True(t, cerrors.ErrInvalidConfig.Equal(err), "%v", err)
	}
}

func TestRuntimeConfigClone(t *testing.T) {
	t.Parallel()

	cfg := GetDefaultRuntimeConfig()
	cfg.Scheduler.EnableRecorder = true
	clone := cfg.Clone()
	require.Equal(t, cfg, clone)
	clone.Memory.Capacity = 1
	require.NotEqual(t, cfg.Memory.Capacity, clone.Memory.Capacity)

	require.NotNil(t, new(RuntimeConfig).Unmarshal([]byte("{")))
}
