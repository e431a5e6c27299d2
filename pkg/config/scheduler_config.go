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
	cerrors "github.com/flowrt/flowrt/pkg/errors"
)

const maxWorkerNum = 64

// SchedulerConfig configs the graph scheduler and its actor system.
type SchedulerConfig struct {
	WorkerNum int `toml:"worker-num" json:"worker-num"`
	// MailboxSize is the backlog above which a mailbox logs a warning.
	// Mailboxes are unbounded, a send never blocks a worker.
	MailboxSize      int  `toml:"mailbox-size" json:"mailbox-size"`
	MaxInFlight      int  `toml:"max-in-flight" json:"max-in-flight"`
	EnableRecorder   bool `toml:"enable-recorder" json:"enable-recorder"`
	RecorderCapacity int  `toml:"recorder-capacity" json:"recorder-capacity"`
	// DebugWorkerNum is the number of workers running debug hooks.
	DebugWorkerNum int `toml:"debug-worker-num" json:"debug-worker-num"`
}

// ValidateAndAdjust verifies that each parameter is valid.
func (c *SchedulerConfig) ValidateAndAdjust() error {
	if c.WorkerNum <= 0 {
		return cerrors.ErrInvalidConfig.GenWithStackByArgs("worker-num must be larger than 0")
	}
	if c.WorkerNum > maxWorkerNum {
		c.WorkerNum = maxWorkerNum
	}
	if c.MailboxSize <= 0 {
		return cerrors.ErrInvalidConfig.GenWithStackByArgs("mailbox-size must be larger than 0")
	}
	if c.MaxInFlight <= 0 {
		return cerrors.ErrInvalidConfig.GenWithStackByArgs("max-in-flight must be larger than 0")
	}
	if c.EnableRecorder && c.RecorderCapacity <= 0 {
		return cerrors.ErrInvalidConfig.GenWithStackByArgs("recorder-capacity must be larger than 0")
	}
	if c.DebugWorkerNum <= 0 {
		c.DebugWorkerNum = 1
	}
	return nil
}
