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
	cerror "github.com/flowrt/flowrt/pkg/errors"
	"github.com/flowrt/flowrt/pkg/logutil"
	"github.com/goccy/go-json"
	"github.com/pingcap/errors"
	"github.com/pingcap/log"
	"go.uber.org/zap"
)

var defaultRuntimeConfig = &RuntimeConfig{
	Log: &logutil.Config{
		Level: "info",
	},
	Scheduler: &SchedulerConfig{
		WorkerNum:        8,
		MailboxSize:      1024,
		MaxInFlight:      4,
		EnableRecorder:   false,
		RecorderCapacity: 4096,
		DebugWorkerNum:   1,
	},
	Memory: &MemoryConfig{
		Capacity:   1 << 30,
		FreePolicy: FreePolicyIssued,
	},
}

// RuntimeConfig represents the config of a flowrt runtime.
type RuntimeConfig struct {
	Log       *logutil.Config  `toml:"log" json:"log"`
	Scheduler *SchedulerConfig `toml:"scheduler" json:"scheduler"`
	Memory    *MemoryConfig    `toml:"memory" json:"memory"`
}

// Marshal returns the json marshal format of a RuntimeConfig
func (c *RuntimeConfig) Marshal() (string, error) {
	cfg, err := json.Marshal(c)
	if err != nil {
		return "", cerror.WrapError(cerror.ErrDecodeFailed, errors.Annotatef(err, "Marshal data: %v", c))
	}
	return string(cfg), nil
}

// Unmarshal unmarshals into *RuntimeConfig from json marshal byte slice
func (c *RuntimeConfig) Unmarshal(data []byte) error {
	if err := json.Unmarshal(data, c); err != nil {
		return cerror.WrapError(cerror.ErrDecodeFailed, err)
	}
	return nil
}

// Clone clones a runtime config
func (c *RuntimeConfig) Clone() *RuntimeConfig {
	str, err := c.Marshal()
	if err != nil {
		log.Panic("failed to marshal runtime config", zap.Error(err))
	}
	clone := new(RuntimeConfig)
	if err := clone.Unmarshal([]byte(str)); err != nil {
		log.Panic("failed to unmarshal runtime config", zap.Error(err))
	}
	return clone
}

// ValidateAndAdjust validates and adjusts the runtime config. Missing
// sections are filled with defaults.
func (c *RuntimeConfig) ValidateAndAdjust() error {
	if c.Log == nil {
		c.Log = defaultRuntimeConfig.Clone().Log
	}
	c.Log.Adjust()
	if c.Scheduler == nil {
		c.Scheduler = defaultRuntimeConfig.Clone().Scheduler
	}
	if err := c.Scheduler.ValidateAndAdjust(); err != nil {
		return errors.Trace(err)
	}
	if c.Memory == nil {
		c.Memory = defaultRuntimeConfig.Clone().Memory
	}
	return errors.Trace(c.Memory.ValidateAndAdjust())
}

// GetDefaultRuntimeConfig returns the default runtime config
func GetDefaultRuntimeConfig() *RuntimeConfig {
	return defaultRuntimeConfig.Clone()
}
